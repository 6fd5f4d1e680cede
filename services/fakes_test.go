package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"challenge-wager-service/models"
	"challenge-wager-service/utils"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeBackend is an in-memory BackendClient with injectable failures.
type fakeBackend struct {
	mu    sync.Mutex
	clock *fakeClock

	user           models.User
	challenges     []models.Challenge
	userChallenges []models.UserChallenge

	listErr     error
	ucErr       error
	userErr     error
	joinErr     error
	completeErr error
	failErr     error

	joinCalls     int
	completeCalls int
	failCalls     int
	streakCalls   int
	deposits      []float64
	withdrawals   []float64

	// When set, CompleteDay signals completeStarted and then blocks until
	// completeRelease closes, so tests can hold a call open mid-flight.
	completeStarted chan struct{}
	completeRelease chan struct{}
}

func newFakeBackend(clock *fakeClock) *fakeBackend {
	return &fakeBackend{
		clock: clock,
		user:  models.User{ID: "user-1", Name: "Test User", Balance: 1000},
	}
}

func (b *fakeBackend) ListActiveChallenges(ctx context.Context, now time.Time) ([]models.Challenge, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	return append([]models.Challenge(nil), b.challenges...), nil
}

func (b *fakeBackend) GetChallenge(ctx context.Context, id string) (*models.Challenge, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.challenges {
		if b.challenges[i].ID == id {
			c := b.challenges[i]
			return &c, nil
		}
	}
	return nil, models.ErrChallengeNotFound
}

func (b *fakeBackend) JoinChallenge(ctx context.Context, challengeID, userID string) (*models.UserChallenge, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joinCalls++
	if b.joinErr != nil {
		return nil, b.joinErr
	}
	for i := range b.userChallenges {
		if b.userChallenges[i].ChallengeID == challengeID && b.userChallenges[i].UserID == userID {
			return nil, models.ErrAlreadyJoined
		}
	}
	uc := models.UserChallenge{
		ID:          fmt.Sprintf("uc-%d", len(b.userChallenges)+1),
		ChallengeID: challengeID,
		UserID:      userID,
		EntryDate:   b.clock.Now(),
		IsActive:    true,
	}
	b.userChallenges = append(b.userChallenges, uc)
	return &uc, nil
}

func (b *fakeBackend) CompleteDay(ctx context.Context, challengeID string) (*CompleteDayResult, error) {
	if b.completeStarted != nil {
		b.completeStarted <- struct{}{}
		<-b.completeRelease
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completeCalls++
	if b.completeErr != nil {
		return nil, b.completeErr
	}
	now := b.clock.Now()
	for i := range b.userChallenges {
		uc := &b.userChallenges[i]
		if uc.ChallengeID != challengeID {
			continue
		}
		if uc.HasCompletedToday(now) {
			return nil, models.ErrDayAlreadyCompleted
		}
		uc.MarkDayCompleted(now)
		result := &CompleteDayResult{
			CompletedDays: append([]time.Time(nil), uc.CompletedDays...),
		}
		for j := range b.challenges {
			if b.challenges[j].ID == challengeID && len(uc.CompletedDays) >= b.challenges[j].DurationDays {
				payout := b.challenges[j].PrizePool
				uc.IsCompleted = true
				uc.IsActive = false
				uc.Payout = &payout
				result.IsCompleted = true
				result.Payout = &payout
			}
		}
		return result, nil
	}
	return nil, models.ErrChallengeNotFound
}

func (b *fakeBackend) FailChallenge(ctx context.Context, challengeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCalls++
	if b.failErr != nil {
		return b.failErr
	}
	for i := range b.userChallenges {
		if b.userChallenges[i].ChallengeID == challengeID {
			b.userChallenges[i].IsFailed = true
			b.userChallenges[i].IsActive = false
			return nil
		}
	}
	return models.ErrChallengeNotFound
}

func (b *fakeBackend) GetUserChallenges(ctx context.Context, userID string) ([]models.UserChallenge, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ucErr != nil {
		return nil, b.ucErr
	}
	out := make([]models.UserChallenge, len(b.userChallenges))
	for i := range b.userChallenges {
		out[i] = b.userChallenges[i]
		out[i].CompletedDays = append([]time.Time(nil), b.userChallenges[i].CompletedDays...)
	}
	return out, nil
}

func (b *fakeBackend) GetCurrentUser(ctx context.Context) (*models.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.userErr != nil {
		return nil, b.userErr
	}
	u := b.user
	return &u, nil
}

func (b *fakeBackend) IncrementHonestStreak(ctx context.Context, userID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streakCalls++
	b.user.HonestStreak++
	return b.user.HonestStreak, nil
}

func (b *fakeBackend) ResetHonestStreak(ctx context.Context, userID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.user.HonestStreak = 0
	return 0, nil
}

func (b *fakeBackend) DepositBalance(ctx context.Context, amount float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deposits = append(b.deposits, amount)
	b.user.Balance += amount
	return nil
}

func (b *fakeBackend) WithdrawBalance(ctx context.Context, amount float64, destination, kind string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.withdrawals = append(b.withdrawals, amount)
	b.user.Balance -= amount
	return nil
}

func (b *fakeBackend) UpdateUserAvatar(ctx context.Context, avatarURL string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.user.AvatarURL = &avatarURL
	return nil
}

// fakeGateway is an in-memory GatewayClient whose payment statuses the test
// scripts directly.
type fakeGateway struct {
	mu sync.Mutex

	payments    map[string]*models.Payment
	createCalls int
	getCalls    int
	refundCalls int
	createErr   error
	refundErr   error

	// When set, GetPayment signals getStarted and then blocks until
	// getRelease closes.
	getStarted chan struct{}
	getRelease chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{payments: map[string]*models.Payment{}}
}

func (g *fakeGateway) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*models.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	if g.createErr != nil {
		return nil, g.createErr
	}
	p := &models.Payment{
		ID:     fmt.Sprintf("pay-%d", g.createCalls),
		Status: models.PaymentStatusPending,
		Amount: models.PaymentAmount{Value: fmt.Sprintf("%.2f", req.Amount), Currency: "RUB"},
		Confirmation: &models.Confirmation{
			Type:            "redirect",
			ConfirmationURL: "https://gateway.test/confirm/" + fmt.Sprintf("pay-%d", g.createCalls),
		},
		Metadata: req.Metadata,
	}
	g.payments[p.ID] = p
	return p, nil
}

func (g *fakeGateway) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	if g.getStarted != nil {
		g.getStarted <- struct{}{}
		<-g.getRelease
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.getCalls++
	p, ok := g.payments[paymentID]
	if !ok {
		return nil, &models.ServerError{Message: "payment not found"}
	}
	cp := *p
	return &cp, nil
}

func (g *fakeGateway) CreateRefund(ctx context.Context, paymentID string, amount float64) (*models.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &models.Refund{
		ID:        "refund-1",
		PaymentID: paymentID,
		Status:    models.PaymentStatusSucceeded,
		Amount:    models.PaymentAmount{Value: fmt.Sprintf("%.2f", amount), Currency: "RUB"},
	}, nil
}

func (g *fakeGateway) CreateToken(ctx context.Context, card CardData) (string, error) {
	return "tok-1", nil
}

func (g *fakeGateway) setStatus(paymentID, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.payments[paymentID]; ok {
		p.Status = status
		p.Paid = status == models.PaymentStatusSucceeded
	}
}

type testingT interface {
	require.TestingT
	Cleanup(func())
	Helper()
}

func newTestStore(t testingT) *LocalStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Snapshot{}, &models.PendingPayment{}))
	return NewLocalStore(db)
}

func fastRetry() utils.RetryPolicy {
	return utils.RetryPolicy{
		MaxAttempts:  1,
		InitialDelay: time.Millisecond,
		Multiplier:   1,
		Retryable:    models.IsRetryable,
	}
}

func newTestManager(t testingT, backend *fakeBackend, clock *fakeClock) *LifecycleManager {
	t.Helper()
	m := NewLifecycleManager(backend, utils.NewCache(), newTestStore(t), fastRetry())
	m.now = clock.Now
	return m
}

func liveChallenge(id string, durationDays int, entryFee, prizePool float64, now time.Time) models.Challenge {
	return models.Challenge{
		ID:           id,
		Title:        "Challenge " + id,
		DurationDays: durationDays,
		EntryFee:     entryFee,
		PrizePool:    prizePool,
		StartDate:    now.Add(-24 * time.Hour),
		EndDate:      now.Add(30 * 24 * time.Hour),
	}
}
