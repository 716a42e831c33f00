package handlers

import (
	"github.com/escrow-exchange/backend/internal/chain"
	"github.com/escrow-exchange/backend/internal/config"
	"github.com/escrow-exchange/backend/internal/http/dto"
	"github.com/gofiber/fiber/v2"
)

// MetaHandler serves the static choices the bot renders as keyboards.
type MetaHandler struct {
	cfg      *config.Config
	registry *chain.Registry
}

func NewMetaHandler(cfg *config.Config, registry *chain.Registry) *MetaHandler {
	return &MetaHandler{cfg: cfg, registry: registry}
}

func (h *MetaHandler) GetBanks(c *fiber.Ctx) error {
	return c.JSON(dto.SuccessResponse{OK: true, Data: h.cfg.Banks})
}

// GetAssets lists the currencies with a live escrow connector.
func (h *MetaHandler) GetAssets(c *fiber.Ctx) error {
	var assets []string
	for _, conn := range h.registry.All() {
		assets = append(assets, conn.Assets()...)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: assets})
}
