package handlers

import (
	"challenge-settlement-system/middleware"
	"challenge-settlement-system/services"

	"github.com/gofiber/fiber/v2"
)

// Admin resolution surface, consumed by the external admin tool.
func SetupSettlementRoutes(app *fiber.App, settlementService *services.SettlementService) {
	admin := app.Group("/s/admin", middleware.UserContextMiddleware(), middleware.RequireAdmin())

	admin.Get("/challenges/pending", settlementService.PendingChallenges)
	admin.Post("/challenges/resolve/batch", settlementService.BatchResolve)
	admin.Post("/challenges/:id/resolve", settlementService.ResolveChallenge)
	admin.Post("/resolutions/verify", settlementService.VerifyResolution)
}
