package services

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/escrow-exchange/backend/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CashbackClient reports completed exchanges to the loyalty service.
// Delivery is fire-and-forget: a completed trade never fails because
// cashback could not be credited.
type CashbackClient struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewCashbackClient(baseURL string, log *zap.Logger) *CashbackClient {
	return &CashbackClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log,
	}
}

func (c *CashbackClient) Add(ctx context.Context, asset string, gross, feeUp, feeDown decimal.Decimal, sender, recipient models.TradeParty) {
	if c.baseURL == "" {
		return
	}

	body, _ := json.Marshal(map[string]any{
		"asset":        asset,
		"gross":        gross.String(),
		"fee_up":       feeUp.String(),
		"fee_down":     feeDown.String(),
		"sender_id":    sender.ID,
		"recipient_id": recipient.ID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/cashback", strings.NewReader(string(body)))
	if err != nil {
		c.log.Warn("failed to build cashback request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("cashback service unavailable", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warn("cashback service rejected the credit",
			zap.Int("status", resp.StatusCode), zap.String("asset", asset))
	}
}
