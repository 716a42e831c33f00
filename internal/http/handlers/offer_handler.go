package handlers

import (
	"errors"

	"github.com/escrow-exchange/backend/internal/escrow"
	"github.com/escrow-exchange/backend/internal/http/dto"
	"github.com/escrow-exchange/backend/internal/models"
	"github.com/escrow-exchange/backend/internal/money"
	"github.com/escrow-exchange/backend/internal/settlement"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type OfferHandler struct {
	escrowService *escrow.Service
	coordinator   *settlement.Coordinator
	log           *zap.Logger
}

func NewOfferHandler(escrowService *escrow.Service, coordinator *settlement.Coordinator, log *zap.Logger) *OfferHandler {
	return &OfferHandler{escrowService: escrowService, coordinator: coordinator, log: log}
}

// respondStep translates negotiation errors into responses the bot can
// render: malformed input re-prompts in place, turn and guard
// violations conflict, everything else is a bad request.
func respondStep(c *fiber.Ctx, err error) error {
	if err == nil {
		return c.JSON(dto.SuccessResponse{OK: true})
	}

	var ve *money.ValidationError
	if errors.As(err, &ve) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(dto.RepromptResponse{Reprompt: ve.Reason})
	}
	switch {
	case errors.Is(err, escrow.ErrNotYourTurn),
		errors.Is(err, escrow.ErrCancelAfterTransfer),
		errors.Is(err, escrow.ErrCancelBeforeVerification),
		errors.Is(err, settlement.ErrAlreadyConfirmed):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, escrow.ErrEscrowDisabled):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
}

func (h *OfferHandler) CreateOffer(c *fiber.Ctx) error {
	var req dto.CreateOfferRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	orderID, err := uuid.Parse(req.OrderID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid order_id"})
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid price"})
	}

	offer, err := h.escrowService.CreateOffer(c.Context(), escrow.CreateOfferInput{
		OrderID:     orderID,
		Buy:         req.Buy,
		Sell:        req.Sell,
		Type:        req.Type,
		Price:       price,
		SumCurrency: req.SumCurrency,
		Initiator: models.TradeParty{
			ID:      req.Initiator.UserID,
			Locale:  req.Initiator.Locale,
			Mention: req.Initiator.Mention,
		},
		Counterparty: models.TradeParty{
			ID:      req.Counterparty.UserID,
			Locale:  req.Counterparty.Locale,
			Mention: req.Counterparty.Mention,
		},
	})
	if err != nil {
		return respondStep(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: offer})
}

func (h *OfferHandler) GetOffer(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid offer id"})
	}

	offer, err := h.escrowService.GetOffer(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "offer not found"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: offer})
}

// SubmitInput routes free text to the step the offer is waiting on.
// The bot does not track negotiation state.
func (h *OfferHandler) SubmitInput(c *fiber.Ctx) error {
	var req dto.TextInputRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	offer, err := h.escrowService.PendingFor(c.Context(), req.UserID)
	if err != nil {
		return respondStep(c, err)
	}

	switch offer.Status {
	case models.OfferStatusAmount:
		updated, err := h.escrowService.SubmitAmount(c.Context(), req.UserID, req.Text)
		if err != nil {
			return respondStep(c, err)
		}
		return c.JSON(dto.SuccessResponse{OK: true, Data: updated})
	case models.OfferStatusReceiveCard:
		return respondStep(c, h.escrowService.SubmitReceiveCard(c.Context(), req.UserID, req.Text))
	case models.OfferStatusReceiveAddress:
		return respondStep(c, h.escrowService.SubmitReceiveAddress(c.Context(), req.UserID, req.Text))
	case models.OfferStatusName:
		return respondStep(c, h.escrowService.SubmitName(c.Context(), req.UserID, req.Text))
	case models.OfferStatusSendCard:
		return respondStep(c, h.escrowService.SubmitSendCard(c.Context(), req.UserID, req.Text))
	case models.OfferStatusSendAddress:
		return respondStep(c, h.escrowService.SubmitSendAddress(c.Context(), req.UserID, req.Text))
	}
	return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: "offer is not waiting for text input"})
}

// action wraps the offer-id + actor endpoints sharing one shape.
func (h *OfferHandler) action(c *fiber.Ctx, fn func(id uuid.UUID, userID int64) error) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid offer id"})
	}
	var req dto.Actor
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	return respondStep(c, fn(id, req.UserID))
}

func (h *OfferHandler) AcceptInsurance(c *fiber.Ctx) error {
	return h.action(c, func(id uuid.UUID, userID int64) error {
		return h.escrowService.AcceptInsurance(c.Context(), id, userID)
	})
}

func (h *OfferHandler) AcceptFee(c *fiber.Ctx) error {
	return h.action(c, func(id uuid.UUID, userID int64) error {
		return h.escrowService.AcceptFee(c.Context(), id, userID)
	})
}

func (h *OfferHandler) DeclineFee(c *fiber.Ctx) error {
	return h.action(c, func(id uuid.UUID, userID int64) error {
		return h.escrowService.DeclineFee(c.Context(), id, userID)
	})
}

func (h *OfferHandler) ChooseBank(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid offer id"})
	}
	var req dto.ChooseBankRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	return respondStep(c, h.escrowService.ChooseBank(c.Context(), id, req.UserID, req.Bank))
}

func (h *OfferHandler) ConfirmFullCardSent(c *fiber.Ctx) error {
	return h.action(c, func(id uuid.UUID, userID int64) error {
		return h.escrowService.ConfirmFullCardSent(c.Context(), id, userID)
	})
}

func (h *OfferHandler) Accept(c *fiber.Ctx) error {
	return h.action(c, func(id uuid.UUID, userID int64) error {
		return h.escrowService.Accept(c.Context(), id, userID)
	})
}

func (h *OfferHandler) Decline(c *fiber.Ctx) error {
	return h.action(c, func(id uuid.UUID, userID int64) error {
		return h.escrowService.Decline(c.Context(), id, userID)
	})
}

func (h *OfferHandler) Cancel(c *fiber.Ctx) error {
	return h.action(c, func(id uuid.UUID, userID int64) error {
		return h.escrowService.Cancel(c.Context(), id, userID)
	})
}

func (h *OfferHandler) ConfirmSent(c *fiber.Ctx) error {
	return h.action(c, func(id uuid.UUID, userID int64) error {
		return h.coordinator.ConfirmSent(c.Context(), id, userID)
	})
}

// Complete relays the release to the chain watcher, which holds the
// custodial wallet. Guards are checked here so the bot gets an
// immediate verdict; the watcher re-checks them before transferring.
func (h *OfferHandler) Complete(c *fiber.Ctx) error {
	return h.action(c, func(id uuid.UUID, userID int64) error {
		return h.coordinator.RequestRelease(c.Context(), id, userID)
	})
}

func (h *OfferHandler) ValidateManually(c *fiber.Ctx) error {
	return h.action(c, func(id uuid.UUID, userID int64) error {
		return h.coordinator.ValidateManually(c.Context(), id, userID)
	})
}
