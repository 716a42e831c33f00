package http

import (
	"time"

	"github.com/escrow-exchange/backend/internal/http/handlers"
	"github.com/escrow-exchange/backend/internal/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	log *zap.Logger,
	rdb *redis.Client,
	offerHandler *handlers.OfferHandler,
	metaHandler *handlers.MetaHandler,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")
	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// Meta
	api.Get("/meta/banks", metaHandler.GetBanks)
	api.Get("/meta/assets", metaHandler.GetAssets)

	// Offers: negotiation state machine
	api.Post("/offers", offerHandler.CreateOffer)
	api.Get("/offers/:id", offerHandler.GetOffer)
	api.Post("/offers/:id/accept", offerHandler.Accept)
	api.Post("/offers/:id/decline", offerHandler.Decline)
	api.Post("/offers/:id/cancel", offerHandler.Cancel)
	api.Post("/offers/:id/insurance/accept", offerHandler.AcceptInsurance)
	api.Post("/offers/:id/fee/accept", offerHandler.AcceptFee)
	api.Post("/offers/:id/fee/decline", offerHandler.DeclineFee)
	api.Post("/offers/:id/bank", offerHandler.ChooseBank)
	api.Post("/offers/:id/full-card-sent", offerHandler.ConfirmFullCardSent)

	// Free text routed to whatever step the sender's offer waits on
	api.Post("/input", offerHandler.SubmitInput)

	// Settlement actions after the deposit
	api.Post("/offers/:id/confirm-sent", offerHandler.ConfirmSent)
	api.Post("/offers/:id/complete", offerHandler.Complete)
	api.Post("/offers/:id/validate", offerHandler.ValidateManually)
}
