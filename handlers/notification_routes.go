package handlers

import (
	"challenge-settlement-system/middleware"
	"challenge-settlement-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupNotificationRoutes(app *fiber.App, notificationService *services.NotificationService) {
	secured := app.Group("/s", middleware.UserContextMiddleware())

	secured.Get("/notifications", notificationService.ListNotifications)
	secured.Patch("/notifications/:id/viewed", notificationService.MarkViewed)
}
