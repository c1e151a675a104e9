package handlers

import (
	"challenge-settlement-system/middleware"
	"challenge-settlement-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupPayoutRoutes(app *fiber.App, payoutService *services.PayoutService) {
	secured := app.Group("/s", middleware.UserContextMiddleware())

	// End-user claim surface
	secured.Post("/challenges/:id/claim", payoutService.ClaimChallenge)
	secured.Post("/payouts/claim/batch", payoutService.BatchClaim)
	secured.Get("/challenges/:id/payout", payoutService.PayoutStatus)

	// Admin payout administration
	admin := app.Group("/s/admin", middleware.UserContextMiddleware(), middleware.RequireAdmin())
	admin.Get("/payouts/:job_id", payoutService.GetJob)
	admin.Post("/payouts/:job_id/redrive", payoutService.Redrive)
}
