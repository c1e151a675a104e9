package handlers

import (
	"challenge-settlement-system/middleware"
	"challenge-settlement-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupChallengeRoutes(app *fiber.App, challengeService *services.ChallengeService) {
	// 🔓 Public browse of open challenges
	app.Get("/challenges/open", challengeService.ListOpenChallenges)

	// 🔐 Authenticated routes
	secured := app.Group("/s", middleware.UserContextMiddleware())

	secured.Post("/challenges", challengeService.CreateChallenge)
	secured.Get("/challenges", challengeService.ListChallenges)
	secured.Get("/challenges/:id", challengeService.GetChallenge)

	// Lifecycle
	secured.Post("/challenges/:id/accept", challengeService.AcceptChallenge)
	secured.Post("/challenges/:id/cancel", challengeService.CancelChallenge)
	secured.Post("/challenges/:id/dispute", challengeService.DisputeChallenge)
}
