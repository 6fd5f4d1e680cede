package handlers

import (
	"challenge-wager-service/services"

	"github.com/gofiber/fiber/v2"
)

// SetupRoutes registers the full HTTP surface. Auth is applied globally in
// main, so every route here is already behind the service token.
func SetupRoutes(app *fiber.App, api *services.API) {
	// Challenges
	app.Get("/challenges", api.ListChallenges)
	app.Get("/challenges/:id", api.GetChallenge)
	app.Post("/challenges/:id/join", api.Join)
	app.Post("/challenges/:id/complete-day", api.CompleteDay)
	app.Post("/challenges/:id/fail", api.FailChallenge)

	// Current user
	app.Get("/me", api.GetMe)
	app.Get("/me/challenges", api.ListUserChallenges)
	app.Get("/me/stats", api.GetStats)
	app.Post("/me/avatar", api.UploadAvatar)
	app.Post("/me/honest-streak/reset", api.ResetHonestStreak)

	// Payments
	app.Post("/payments/deposit", api.Deposit)
	app.Post("/payments/withdraw", api.Withdraw)
	app.Post("/payments/tokenize", api.TokenizeCard)
	app.Post("/payments/return", api.PaymentReturn)

	// App-lifecycle signal
	app.Post("/sync/foreground", api.ForegroundSync)
}
