// services/orchestrator.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"challenge-wager-service/models"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync"
)

// Payment polling bounds: the gateway confirms asynchronously after a
// user-present redirect, so we poll a fixed number of times and then stop.
const (
	PaymentPollMaxAttempts = 30
	PaymentPollInterval    = 2 * time.Second
)

// PaymentOutcome is what a reconciliation attempt concluded.
type PaymentOutcome string

const (
	OutcomeJoined        PaymentOutcome = "joined"
	OutcomeCredited      PaymentOutcome = "credited"
	OutcomeAlreadyJoined PaymentOutcome = "already_joined"
	OutcomeCanceled      PaymentOutcome = "canceled"
	OutcomePending       PaymentOutcome = "pending"
	OutcomeRefunded      PaymentOutcome = "refunded"
)

// PaymentOrchestrator drives the pay → confirm → join/credit sequences and
// guarantees that money movement and the matching domain mutation either
// both happen or neither does. In-flight payment ids are persisted so a flow
// interrupted during the external-browser redirect resumes on the next
// foreground signal or scheduler tick.
type PaymentOrchestrator struct {
	gateway GatewayClient
	backend BackendClient
	manager *LifecycleManager
	store   *LocalStore

	returnURL    string
	pollAttempts int
	pollInterval time.Duration

	inflight *xsync.MapOf[string, struct{}]
}

func NewPaymentOrchestrator(gateway GatewayClient, backend BackendClient, manager *LifecycleManager, store *LocalStore, returnURL string) *PaymentOrchestrator {
	return &PaymentOrchestrator{
		gateway:      gateway,
		backend:      backend,
		manager:      manager,
		store:        store,
		returnURL:    returnURL,
		pollAttempts: PaymentPollMaxAttempts,
		pollInterval: PaymentPollInterval,
		inflight:     xsync.NewMapOf[struct{}](),
	}
}

func (o *PaymentOrchestrator) tryBegin(key string) bool {
	_, loaded := o.inflight.LoadOrStore(key, struct{}{})
	return !loaded
}

func (o *PaymentOrchestrator) end(key string) {
	o.inflight.Delete(key)
}

// JoinResult is the answer to a join intent: either the participation row
// (balance path completed synchronously) or a confirmation URL the user must
// visit (gateway path).
type JoinResult struct {
	Participation   *models.UserChallenge `json:"participation,omitempty"`
	ConfirmationURL string                `json:"confirmation_url,omitempty"`
	PaymentID       string                `json:"payment_id,omitempty"`
}

// StartJoin decides the payment path for a join intent. Balance covering the
// entry fee goes through the single atomic debit-and-join backend call;
// anything else opens a gateway payment and hands back the confirmation URL.
func (o *PaymentOrchestrator) StartJoin(ctx context.Context, challengeID string) (*JoinResult, error) {
	challenge, err := o.resolveChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	// Forced refresh: the balance decision must not run on a stale profile.
	user, err := o.manager.CurrentUser(ctx, true)
	if err != nil {
		return nil, err
	}

	// Dedup before any debit: a retried request whose response was lost may
	// already have committed server-side, so the check runs on fresh data.
	if _, err := o.manager.ListUserChallenges(ctx, true); err != nil && models.IsCancellation(err) {
		return nil, err
	}
	if existing, ok := o.manager.FindParticipation(challenge.ID); ok && !existing.IsFailed {
		return nil, models.ErrAlreadyJoined
	}

	if user.CanAfford(challenge.EntryFee) {
		joined, err := o.manager.Join(ctx, challenge, user.ID)
		if err != nil {
			return nil, err
		}
		return &JoinResult{Participation: joined}, nil
	}

	return o.startEntryFeePayment(ctx, challenge, user)
}

func (o *PaymentOrchestrator) startEntryFeePayment(ctx context.Context, challenge *models.Challenge, user *models.User) (*JoinResult, error) {
	// A retried join whose earlier response was lost may already have an
	// authorized payment behind this context key. Settle or reuse that one
	// first; overwriting it would orphan money the user already moved.
	if prev, ok, err := o.store.GetPendingPayment(models.EntryFeeContextKey(challenge.ID)); err != nil {
		return nil, err
	} else if ok {
		result, openFresh, err := o.settlePreviousEntryFee(ctx, prev, challenge)
		if !openFresh {
			return result, err
		}
	}

	email := ""
	if user.Email != nil {
		email = *user.Email
	}
	payment, err := o.gateway.CreatePayment(ctx, CreatePaymentRequest{
		Amount:      challenge.EntryFee,
		Description: fmt.Sprintf("Entry fee: %s", challenge.Title),
		ReturnURL:   o.returnURL,
		Metadata: map[string]string{
			"type":         models.PendingKindEntryFee,
			"challenge_id": challenge.ID,
			"user_id":      user.ID,
		},
		ReceiptEmail: email,
	})
	if err != nil {
		return nil, err
	}

	pending := &models.PendingPayment{
		ID:          uuid.NewString(),
		ContextKey:  models.EntryFeeContextKey(challenge.ID),
		PaymentID:   payment.ID,
		Kind:        models.PendingKindEntryFee,
		ChallengeID: challenge.ID,
		UserID:      user.ID,
		Amount:      challenge.EntryFee,
	}
	if err := o.store.SavePendingPayment(pending); err != nil {
		log.Printf("⚠️ Failed to persist pending payment %s: %v", payment.ID, err)
	}

	log.Printf("💳 Created entry-fee payment %s for challenge %s (%.2f)", payment.ID, challenge.ID, challenge.EntryFee)
	return &JoinResult{
		ConfirmationURL: payment.ConfirmationURL(),
		PaymentID:       payment.ID,
	}, nil
}

// settlePreviousEntryFee reconciles an intent already open for the context
// key before any new one is created. openFresh is true only when the old
// intent finished canceled and a replacement may be opened.
func (o *PaymentOrchestrator) settlePreviousEntryFee(ctx context.Context, prev *models.PendingPayment, challenge *models.Challenge) (result *JoinResult, openFresh bool, err error) {
	if !o.tryBegin(prev.ContextKey) {
		return nil, false, models.ErrOperationInFlight
	}
	defer o.end(prev.ContextKey)

	payment, err := o.gateway.GetPayment(ctx, prev.PaymentID)
	if err != nil {
		// Unknown state: never stack a second intent on one the user may
		// already have authorized.
		return nil, false, err
	}
	switch payment.Status {
	case models.PaymentStatusSucceeded:
		if _, err := o.settleEntryFee(ctx, prev, payment); err != nil {
			return nil, false, err
		}
		if uc, ok := o.manager.FindParticipation(challenge.ID); ok {
			return &JoinResult{Participation: uc}, false, nil
		}
		return nil, false, models.ErrAlreadyJoined
	case models.PaymentStatusCanceled:
		if err := o.store.ClearPendingPayment(prev.ContextKey); err != nil {
			log.Printf("⚠️ Failed to clear canceled payment %s: %v", prev.PaymentID, err)
		}
		return nil, true, nil
	default:
		log.Printf("💳 Reusing in-flight payment %s for challenge %s", prev.PaymentID, prev.ChallengeID)
		return &JoinResult{ConfirmationURL: payment.ConfirmationURL(), PaymentID: payment.ID}, false, nil
	}
}

// StartDeposit opens a gateway payment crediting the user's balance.
func (o *PaymentOrchestrator) StartDeposit(ctx context.Context, amount float64) (*JoinResult, error) {
	if amount <= 0 {
		return nil, models.ErrInvalidData
	}
	user, err := o.manager.CurrentUser(ctx, false)
	if err != nil {
		return nil, err
	}

	if prev, ok, err := o.store.GetPendingPayment(models.DepositContextKey(user.ID)); err != nil {
		return nil, err
	} else if ok {
		result, openFresh, err := o.settlePreviousDeposit(ctx, prev)
		if !openFresh {
			return result, err
		}
	}

	email := ""
	if user.Email != nil {
		email = *user.Email
	}

	payment, err := o.gateway.CreatePayment(ctx, CreatePaymentRequest{
		Amount:      amount,
		Description: "Balance top-up",
		ReturnURL:   o.returnURL,
		Metadata: map[string]string{
			"type":    models.PendingKindDeposit,
			"user_id": user.ID,
		},
		ReceiptEmail: email,
	})
	if err != nil {
		return nil, err
	}

	pending := &models.PendingPayment{
		ID:         uuid.NewString(),
		ContextKey: models.DepositContextKey(user.ID),
		PaymentID:  payment.ID,
		Kind:       models.PendingKindDeposit,
		UserID:     user.ID,
		Amount:     amount,
	}
	if err := o.store.SavePendingPayment(pending); err != nil {
		log.Printf("⚠️ Failed to persist pending deposit %s: %v", payment.ID, err)
	}

	log.Printf("💳 Created deposit payment %s for user %s (%.2f)", payment.ID, user.ID, amount)
	return &JoinResult{
		ConfirmationURL: payment.ConfirmationURL(),
		PaymentID:       payment.ID,
	}, nil
}

// settlePreviousDeposit mirrors settlePreviousEntryFee for deposits. A
// succeeded earlier deposit is credited before the new intent opens; a
// still-pending one is handed back as-is.
func (o *PaymentOrchestrator) settlePreviousDeposit(ctx context.Context, prev *models.PendingPayment) (result *JoinResult, openFresh bool, err error) {
	if !o.tryBegin(prev.ContextKey) {
		return nil, false, models.ErrOperationInFlight
	}
	defer o.end(prev.ContextKey)

	payment, err := o.gateway.GetPayment(ctx, prev.PaymentID)
	if err != nil {
		return nil, false, err
	}
	switch payment.Status {
	case models.PaymentStatusSucceeded:
		if _, err := o.settleDeposit(ctx, prev, payment); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	case models.PaymentStatusCanceled:
		if err := o.store.ClearPendingPayment(prev.ContextKey); err != nil {
			log.Printf("⚠️ Failed to clear canceled deposit %s: %v", prev.PaymentID, err)
		}
		return nil, true, nil
	default:
		log.Printf("💳 Reusing in-flight deposit %s for user %s", prev.PaymentID, prev.UserID)
		return &JoinResult{ConfirmationURL: payment.ConfirmationURL(), PaymentID: payment.ID}, false, nil
	}
}

// ResumeAll reconciles every persisted pending payment. Called on the
// foreground signal and from the background worker.
func (o *PaymentOrchestrator) ResumeAll(ctx context.Context) {
	pendings, err := o.store.ListPendingPayments()
	if err != nil {
		log.Printf("⚠️ Failed to list pending payments: %v", err)
		return
	}
	for i := range pendings {
		outcome, err := o.Resume(ctx, pendings[i].ContextKey)
		if err != nil {
			if models.IsCancellation(err) {
				return
			}
			log.Printf("⚠️ Reconciliation of %s failed: %v", pendings[i].ContextKey, err)
			continue
		}
		log.Printf("🔁 Reconciled %s: %s", pendings[i].ContextKey, outcome)
	}
}

// Resume polls the gateway for the pending payment stored under contextKey
// and completes the interrupted flow. A still-pending payment after the poll
// budget is NOT a failure: terminal success may have arrived out-of-band via
// webhook, so the server state is re-checked before anything is reported.
func (o *PaymentOrchestrator) Resume(ctx context.Context, contextKey string) (PaymentOutcome, error) {
	if !o.tryBegin(contextKey) {
		return OutcomePending, models.ErrOperationInFlight
	}
	defer o.end(contextKey)

	pending, ok, err := o.store.GetPendingPayment(contextKey)
	if err != nil {
		return OutcomePending, err
	}
	if !ok {
		return OutcomePending, models.ErrInvalidData
	}

	payment, err := o.pollPayment(ctx, pending.PaymentID)
	if err != nil {
		return OutcomePending, err
	}

	switch payment.Status {
	case models.PaymentStatusSucceeded:
		if pending.Kind == models.PendingKindDeposit {
			return o.settleDeposit(ctx, pending, payment)
		}
		return o.settleEntryFee(ctx, pending, payment)

	case models.PaymentStatusCanceled:
		if err := o.store.ClearPendingPayment(contextKey); err != nil {
			log.Printf("⚠️ Failed to clear canceled payment %s: %v", pending.PaymentID, err)
		}
		log.Printf("💳 Payment %s canceled by gateway", pending.PaymentID)
		return OutcomeCanceled, nil

	default:
		// Timed out while still pending. Re-check the server: a webhook may
		// have completed the join already.
		if pending.Kind == models.PendingKindEntryFee {
			if o.participationExists(ctx, pending.ChallengeID) {
				if err := o.store.ClearPendingPayment(contextKey); err != nil {
					log.Printf("⚠️ Failed to clear pending payment %s: %v", pending.PaymentID, err)
				}
				return OutcomeJoined, nil
			}
		}
		return OutcomePending, nil
	}
}

// pollPayment fetches the payment status up to the attempt budget, checking
// for cancellation between attempts. The last observed payment is returned
// even when non-terminal.
func (o *PaymentOrchestrator) pollPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	var last *models.Payment
	for attempt := 0; attempt < o.pollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(o.pollInterval):
			}
		}
		payment, err := o.gateway.GetPayment(ctx, paymentID)
		if err != nil {
			if models.IsCancellation(err) {
				return nil, err
			}
			log.Printf("⚠️ Payment poll attempt %d for %s failed: %v", attempt+1, paymentID, err)
			continue
		}
		last = payment
		if payment.Terminal() {
			return payment, nil
		}
	}
	if last == nil {
		return nil, models.ErrNetworkUnavailable
	}
	return last, nil
}

// settleEntryFee completes a succeeded entry-fee payment with the join call.
// A join failure after a succeeded payment is the one inconsistency that
// must never be dropped: a full refund is attempted exactly once and its own
// failure is logged at alert severity.
func (o *PaymentOrchestrator) settleEntryFee(ctx context.Context, pending *models.PendingPayment, payment *models.Payment) (PaymentOutcome, error) {
	challenge, err := o.resolveChallenge(ctx, pending.ChallengeID)
	if err != nil && !errors.Is(err, models.ErrChallengeNotFound) {
		return OutcomePending, err
	}
	if challenge == nil {
		challenge = &models.Challenge{ID: pending.ChallengeID, EntryFee: pending.Amount}
	}

	_, joinErr := o.manager.Join(ctx, challenge, pending.UserID)
	switch {
	case joinErr == nil, errors.Is(joinErr, models.ErrAlreadyJoined):
		if err := o.store.ClearPendingPayment(pending.ContextKey); err != nil {
			log.Printf("⚠️ Failed to clear settled payment %s: %v", pending.PaymentID, err)
		}
		if errors.Is(joinErr, models.ErrAlreadyJoined) {
			return OutcomeAlreadyJoined, nil
		}
		return OutcomeJoined, nil

	case models.IsCancellation(joinErr):
		return OutcomePending, joinErr

	default:
		log.Printf("🚨 CRITICAL: payment %s succeeded but join of challenge %s failed: %v — initiating refund",
			pending.PaymentID, pending.ChallengeID, joinErr)
		// Clear first so a crash mid-refund cannot replay the refund.
		if err := o.store.ClearPendingPayment(pending.ContextKey); err != nil {
			log.Printf("⚠️ Failed to clear payment %s before refund: %v", pending.PaymentID, err)
		}
		if _, refundErr := o.gateway.CreateRefund(ctx, pending.PaymentID, pending.Amount); refundErr != nil {
			log.Printf("🚨 CRITICAL: refund of payment %s (%.2f) failed: %v — manual intervention required",
				pending.PaymentID, pending.Amount, refundErr)
		} else {
			log.Printf("💸 Refund of payment %s (%.2f) initiated", pending.PaymentID, pending.Amount)
		}
		return OutcomeRefunded, fmt.Errorf("payment succeeded but joining failed, refund initiated: %w", joinErr)
	}
}

// settleDeposit credits a succeeded deposit after verifying the payment's
// metadata still matches this context — a stale or foreign payment id
// recovered from local storage after a relaunch must never credit anyone.
func (o *PaymentOrchestrator) settleDeposit(ctx context.Context, pending *models.PendingPayment, payment *models.Payment) (PaymentOutcome, error) {
	if payment.Metadata["type"] != models.PendingKindDeposit || payment.Metadata["user_id"] != pending.UserID {
		log.Printf("🚨 Deposit payment %s metadata mismatch (type=%q user=%q, expected user %q) — discarding",
			payment.ID, payment.Metadata["type"], payment.Metadata["user_id"], pending.UserID)
		if err := o.store.ClearPendingPayment(pending.ContextKey); err != nil {
			log.Printf("⚠️ Failed to clear mismatched deposit %s: %v", pending.PaymentID, err)
		}
		return OutcomeCanceled, models.ErrInvalidData
	}

	amount := payment.Amount.Float()
	if amount <= 0 {
		amount = pending.Amount
	}
	if err := o.backend.DepositBalance(ctx, amount); err != nil {
		if models.IsCancellation(err) {
			return OutcomePending, err
		}
		log.Printf("🚨 CRITICAL: deposit payment %s succeeded but balance credit failed: %v", pending.PaymentID, err)
		return OutcomePending, err
	}
	if err := o.store.ClearPendingPayment(pending.ContextKey); err != nil {
		log.Printf("⚠️ Failed to clear settled deposit %s: %v", pending.PaymentID, err)
	}
	if _, err := o.manager.CurrentUser(ctx, true); err != nil && !models.IsCancellation(err) {
		log.Printf("⚠️ Post-deposit profile refresh failed: %v", err)
	}
	log.Printf("💰 Deposit %s credited (%.2f) for user %s", pending.PaymentID, amount, pending.UserID)
	return OutcomeCredited, nil
}

// Withdraw requests a balance withdrawal to an external destination. The
// optimistic pre-check is a UX short-circuit only; the server decides.
func (o *PaymentOrchestrator) Withdraw(ctx context.Context, amount float64, destination, kind string) error {
	if amount <= 0 || destination == "" {
		return models.ErrInvalidData
	}
	switch kind {
	case models.WithdrawalKindCard, models.WithdrawalKindBankAccount, models.WithdrawalKindSBP, models.WithdrawalKindInternal:
	default:
		return models.ErrInvalidData
	}

	user, err := o.manager.CurrentUser(ctx, true)
	if err != nil {
		return err
	}
	if !user.CanAfford(amount) {
		return models.ErrInsufficientFunds
	}
	if err := o.backend.WithdrawBalance(ctx, amount, destination, kind); err != nil {
		return err
	}
	if _, err := o.manager.CurrentUser(ctx, true); err != nil && !models.IsCancellation(err) {
		log.Printf("⚠️ Post-withdrawal profile refresh failed: %v", err)
	}
	return nil
}

// TokenizeCard exchanges raw card data for a gateway token.
func (o *PaymentOrchestrator) TokenizeCard(ctx context.Context, card CardData) (string, error) {
	if card.Number == "" || card.ExpiryMonth == "" || card.ExpiryYear == "" || card.CVC == "" {
		return "", models.ErrInvalidData
	}
	return o.gateway.CreateToken(ctx, card)
}

func (o *PaymentOrchestrator) resolveChallenge(ctx context.Context, challengeID string) (*models.Challenge, error) {
	if c, ok := o.manager.FindChallenge(challengeID); ok {
		return c, nil
	}
	if _, err := o.manager.ListChallenges(ctx, true); err == nil {
		if c, ok := o.manager.FindChallenge(challengeID); ok {
			return c, nil
		}
	}
	c, err := o.backend.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (o *PaymentOrchestrator) participationExists(ctx context.Context, challengeID string) bool {
	if _, err := o.manager.ListUserChallenges(ctx, true); err != nil {
		return false
	}
	uc, ok := o.manager.FindParticipation(challengeID)
	return ok && (uc.IsActive || uc.IsCompleted)
}
