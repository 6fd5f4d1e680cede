// services/api.go
package services

import (
	"errors"
	"log"
	"strconv"

	"challenge-wager-service/models"

	"github.com/gofiber/fiber/v2"
)

// API exposes the lifecycle and payment operations over the fiber surface.
// Only taxonomy errors cross this boundary; httpStatus maps them.
type API struct {
	Manager  *LifecycleManager
	Payments *PaymentOrchestrator
	Profile  *ProfileService
}

func NewAPI(manager *LifecycleManager, payments *PaymentOrchestrator, profile *ProfileService) *API {
	return &API{Manager: manager, Payments: payments, Profile: profile}
}

func httpStatus(err error) int {
	var se *models.ServerError
	switch {
	case errors.Is(err, models.ErrAuthenticationRequired):
		return fiber.StatusUnauthorized
	case errors.Is(err, models.ErrAlreadyJoined):
		return fiber.StatusConflict
	case errors.Is(err, models.ErrOperationInFlight):
		return fiber.StatusConflict
	case errors.Is(err, models.ErrInsufficientFunds):
		return fiber.StatusPaymentRequired
	case errors.Is(err, models.ErrChallengeNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, models.ErrChallengeNotStarted),
		errors.Is(err, models.ErrChallengeCompleted),
		errors.Is(err, models.ErrChallengeFailed),
		errors.Is(err, models.ErrInvalidData):
		return fiber.StatusBadRequest
	case errors.Is(err, models.ErrNetworkUnavailable), errors.Is(err, models.ErrNetworkTimeout):
		return fiber.StatusServiceUnavailable
	case errors.As(err, &se):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func respondError(c *fiber.Ctx, err error) error {
	return c.Status(httpStatus(err)).JSON(fiber.Map{"error": err.Error()})
}

// ListChallenges returns the live challenges, sorted by ascending duration.
func (a *API) ListChallenges(c *fiber.Ctx) error {
	force := c.Query("force") == "true"
	challenges, err := a.Manager.ListChallenges(c.Context(), force)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"challenges": challenges})
}

func (a *API) GetChallenge(c *fiber.Ctx) error {
	id := c.Params("id")
	if challenge, ok := a.Manager.FindChallenge(id); ok {
		return c.JSON(challenge)
	}
	if _, err := a.Manager.ListChallenges(c.Context(), true); err != nil {
		return respondError(c, err)
	}
	challenge, ok := a.Manager.FindChallenge(id)
	if !ok {
		return respondError(c, models.ErrChallengeNotFound)
	}
	return c.JSON(challenge)
}

func (a *API) ListUserChallenges(c *fiber.Ctx) error {
	force := c.Query("force") == "true"
	ucs, err := a.Manager.ListUserChallenges(c.Context(), force)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"user_challenges": ucs})
}

// Join starts the join flow. A 200 with a participation means the balance
// path completed; a 202 with a confirmation_url means the caller must send
// the user through the gateway redirect and hit /payments/return after.
func (a *API) Join(c *fiber.Ctx) error {
	challengeID := c.Params("id")
	result, err := a.Payments.StartJoin(c.Context(), challengeID)
	if err != nil {
		return respondError(c, err)
	}
	if result.Participation != nil {
		return c.JSON(result)
	}
	return c.Status(fiber.StatusAccepted).JSON(result)
}

func (a *API) CompleteDay(c *fiber.Ctx) error {
	challengeID := c.Params("id")
	uc, ok := a.Manager.FindParticipation(challengeID)
	if !ok {
		if _, err := a.Manager.ListUserChallenges(c.Context(), true); err != nil {
			return respondError(c, err)
		}
		if uc, ok = a.Manager.FindParticipation(challengeID); !ok {
			return respondError(c, models.ErrChallengeNotFound)
		}
	}
	if err := a.Manager.CompleteDay(c.Context(), uc); err != nil {
		return respondError(c, err)
	}
	fresh, _ := a.Manager.FindParticipation(challengeID)
	return c.JSON(fiber.Map{"message": "day completed", "participation": fresh})
}

func (a *API) FailChallenge(c *fiber.Ctx) error {
	challengeID := c.Params("id")
	uc, ok := a.Manager.FindParticipation(challengeID)
	if !ok {
		if _, err := a.Manager.ListUserChallenges(c.Context(), true); err != nil {
			return respondError(c, err)
		}
		if uc, ok = a.Manager.FindParticipation(challengeID); !ok {
			return respondError(c, models.ErrChallengeNotFound)
		}
	}
	if err := a.Manager.FailChallenge(c.Context(), uc); err != nil {
		return respondError(c, err)
	}
	fresh, _ := a.Manager.FindParticipation(challengeID)
	return c.JSON(fiber.Map{"message": "challenge failed", "participation": fresh})
}

func (a *API) GetStats(c *fiber.Ctx) error {
	user, err := a.Manager.CurrentUser(c.Context(), false)
	if err != nil {
		return respondError(c, err)
	}
	stats := a.Manager.GetStats(user.ID)
	return c.JSON(fiber.Map{
		"total":        stats.Total,
		"completed":    stats.Completed,
		"failed":       stats.Failed,
		"total_earned": stats.TotalEarned,
		"total_lost":   stats.TotalLost,
		"win_rate":     stats.WinRate(),
	})
}

func (a *API) GetMe(c *fiber.Ctx) error {
	force := c.Query("force") == "true"
	user, err := a.Manager.CurrentUser(c.Context(), force)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(user)
}

func (a *API) Deposit(c *fiber.Ctx) error {
	type Req struct {
		Amount float64 `json:"amount"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON"})
	}
	result, err := a.Payments.StartDeposit(c.Context(), req.Amount)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(result)
}

func (a *API) Withdraw(c *fiber.Ctx) error {
	type Req struct {
		Amount      float64 `json:"amount"`
		Destination string  `json:"destination"`
		Kind        string  `json:"kind"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON"})
	}
	if err := a.Payments.Withdraw(c.Context(), req.Amount, req.Destination, req.Kind); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "withdrawal requested", "amount": strconv.FormatFloat(req.Amount, 'f', 2, 64)})
}

func (a *API) TokenizeCard(c *fiber.Ctx) error {
	type Req struct {
		Number      string `json:"number"`
		ExpiryMonth string `json:"expiry_month"`
		ExpiryYear  string `json:"expiry_year"`
		CVC         string `json:"cvc"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON"})
	}
	token, err := a.Payments.TokenizeCard(c.Context(), CardData{
		Number:      req.Number,
		ExpiryMonth: req.ExpiryMonth,
		ExpiryYear:  req.ExpiryYear,
		CVC:         req.CVC,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"token": token})
}

// PaymentReturn is the redirect-return callback: reconcile one pending
// payment by its context key.
func (a *API) PaymentReturn(c *fiber.Ctx) error {
	contextKey := c.Query("context_key")
	if contextKey == "" {
		return c.Status(400).JSON(fiber.Map{"error": "context_key is required"})
	}
	outcome, err := a.Payments.Resume(c.Context(), contextKey)
	if err != nil && !errors.Is(err, models.ErrOperationInFlight) {
		log.Printf("⚠️ Payment-return reconciliation of %s: %v", contextKey, err)
		return c.Status(httpStatus(err)).JSON(fiber.Map{"outcome": outcome, "error": err.Error()})
	}
	return c.JSON(fiber.Map{"outcome": outcome})
}

// ForegroundSync is the app-lifecycle "entered foreground" signal: sweep all
// pending payments.
func (a *API) ForegroundSync(c *fiber.Ctx) error {
	a.Payments.ResumeAll(c.Context())
	return c.JSON(fiber.Map{"message": "sync complete"})
}

func (a *API) UploadAvatar(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("avatar")
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "avatar file is required"})
	}
	url, err := a.Profile.UploadAvatar(c.Context(), fileHeader)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"avatar_url": url})
}

func (a *API) ResetHonestStreak(c *fiber.Ctx) error {
	streak, err := a.Profile.ResetHonestStreak(c.Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"honest_streak": streak})
}
