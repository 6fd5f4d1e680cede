// services/lifecycle.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"challenge-wager-service/models"
	"challenge-wager-service/utils"

	"github.com/puzpuzpuz/xsync"
)

// LifecycleManager owns the in-memory collections of challenges and the
// current user's participations, and drives every state transition of the
// participation state machine:
//
//	NOT_PARTICIPATING --Join--> ACTIVE --CompleteDay (count==duration)--> COMPLETED
//	                            ACTIVE --FailChallenge--> FAILED
//
// COMPLETED and FAILED are terminal. All collection mutations happen under
// one mutex (single-writer discipline); per-participation reentrancy is
// enforced by the in-flight map so a double-submit never runs the
// local-fallback path twice.
type LifecycleManager struct {
	backend BackendClient
	cache   *utils.Cache
	store   *LocalStore
	retry   utils.RetryPolicy
	now     func() time.Time

	mu             sync.Mutex
	challenges     []models.Challenge
	userChallenges []models.UserChallenge
	user           *models.User

	inflight *xsync.MapOf[string, struct{}]
	events   chan struct{}
}

func NewLifecycleManager(backend BackendClient, cache *utils.Cache, store *LocalStore, retry utils.RetryPolicy) *LifecycleManager {
	return &LifecycleManager{
		backend:  backend,
		cache:    cache,
		store:    store,
		retry:    retry,
		now:      time.Now,
		inflight: xsync.NewMapOf[struct{}](),
		events:   make(chan struct{}, 1),
	}
}

// Events delivers "state changed, re-read the collections" ticks. The
// channel is buffered and lossy: a pending tick already says everything.
func (m *LifecycleManager) Events() <-chan struct{} {
	return m.events
}

func (m *LifecycleManager) notify() {
	select {
	case m.events <- struct{}{}:
	default:
	}
}

func (m *LifecycleManager) tryBegin(key string) bool {
	_, loaded := m.inflight.LoadOrStore(key, struct{}{})
	return !loaded
}

func (m *LifecycleManager) end(key string) {
	m.inflight.Delete(key)
}

// ListChallenges returns the available challenges: cached when fresh and
// forceRefresh is false, otherwise fetched, filtered to live, sorted by
// ascending duration. A fetch failure keeps the existing in-memory list
// (stale beats empty), then falls back to the durable snapshot, and only
// then surfaces the error with an empty list.
func (m *LifecycleManager) ListChallenges(ctx context.Context, forceRefresh bool) ([]models.Challenge, error) {
	if !forceRefresh {
		if cached, ok := utils.CachedAs[[]models.Challenge](m.cache, utils.CacheKeyChallenges); ok {
			return cached, nil
		}
	}

	now := m.now()
	fetched, err := utils.RetryValue(ctx, m.retry, func() ([]models.Challenge, error) {
		return m.backend.ListActiveChallenges(ctx, now)
	})
	if err != nil {
		if models.IsCancellation(err) {
			return nil, err
		}
		m.mu.Lock()
		stale := append([]models.Challenge(nil), m.challenges...)
		m.mu.Unlock()
		if len(stale) > 0 {
			log.Printf("⚠️ Challenge fetch failed, serving %d stale challenge(s): %v", len(stale), err)
			return stale, nil
		}
		var snap []models.Challenge
		if ok, snapErr := m.store.LoadSnapshot(models.SnapshotKeyChallenges, &snap); snapErr == nil && ok && len(snap) > 0 {
			log.Printf("⚠️ Challenge fetch failed, serving %d challenge(s) from fallback store: %v", len(snap), err)
			m.setChallenges(snap)
			return snap, nil
		}
		return nil, err
	}

	live := make([]models.Challenge, 0, len(fetched))
	for _, c := range fetched {
		if c.IsLive(now) {
			live = append(live, c)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		return live[i].DurationDays < live[j].DurationDays
	})

	m.setChallenges(live)
	m.cache.Set(utils.CacheKeyChallenges, live, utils.TTLChallenges)
	if err := m.store.SaveSnapshot(models.SnapshotKeyChallenges, live); err != nil {
		log.Printf("⚠️ Failed to persist challenge snapshot: %v", err)
	}
	m.notify()
	return live, nil
}

func (m *LifecycleManager) setChallenges(cs []models.Challenge) {
	m.mu.Lock()
	m.challenges = cs
	m.mu.Unlock()
}

// ListUserChallenges is the cache-or-fetch read of the authenticated user's
// participations. Records with impossible state combinations are logged as
// anomalies and kept as non-actionable rows, never dropped or trusted.
func (m *LifecycleManager) ListUserChallenges(ctx context.Context, forceRefresh bool) ([]models.UserChallenge, error) {
	if !forceRefresh {
		if cached, ok := utils.CachedAs[[]models.UserChallenge](m.cache, utils.CacheKeyUserChallenges); ok {
			return cached, nil
		}
	}

	user, err := m.CurrentUser(ctx, false)
	if err != nil {
		return nil, err
	}

	fetched, err := utils.RetryValue(ctx, m.retry, func() ([]models.UserChallenge, error) {
		return m.backend.GetUserChallenges(ctx, user.ID)
	})
	if err != nil {
		if models.IsCancellation(err) {
			return nil, err
		}
		m.mu.Lock()
		stale := append([]models.UserChallenge(nil), m.userChallenges...)
		m.mu.Unlock()
		if len(stale) > 0 {
			log.Printf("⚠️ User-challenge fetch failed, serving %d stale record(s): %v", len(stale), err)
			return stale, nil
		}
		var snap []models.UserChallenge
		if ok, snapErr := m.store.LoadSnapshot(models.SnapshotKeyUserChallenges(user.ID), &snap); snapErr == nil && ok && len(snap) > 0 {
			log.Printf("⚠️ User-challenge fetch failed, serving %d record(s) from fallback store: %v", len(snap), err)
			m.setUserChallenges(snap)
			return snap, nil
		}
		return nil, err
	}

	for i := range fetched {
		if fetched[i].IsAnomalous() {
			log.Printf("🚨 Anomalous participation %s (challenge %s): active=%v completed=%v failed=%v — treating as non-actionable",
				fetched[i].ID, fetched[i].ChallengeID, fetched[i].IsActive, fetched[i].IsCompleted, fetched[i].IsFailed)
		}
		// An authoritative row always clears local estimates.
		fetched[i].PayoutIsEstimate = false
	}

	m.setUserChallenges(fetched)
	m.cache.Set(utils.CacheKeyUserChallenges, fetched, utils.TTLUserChallenges)
	if err := m.store.SaveSnapshot(models.SnapshotKeyUserChallenges(user.ID), fetched); err != nil {
		log.Printf("⚠️ Failed to persist user-challenge snapshot: %v", err)
	}
	m.notify()
	return fetched, nil
}

func (m *LifecycleManager) setUserChallenges(ucs []models.UserChallenge) {
	m.mu.Lock()
	m.userChallenges = ucs
	m.mu.Unlock()
}

// CurrentUser returns the authenticated user, cached briefly because the
// balance moves.
func (m *LifecycleManager) CurrentUser(ctx context.Context, forceRefresh bool) (*models.User, error) {
	if !forceRefresh {
		if cached, ok := utils.CachedAs[*models.User](m.cache, utils.CacheKeyUser); ok {
			return cached, nil
		}
		m.mu.Lock()
		u := m.user
		m.mu.Unlock()
		if u != nil {
			return u, nil
		}
	}

	user, err := utils.RetryValue(ctx, m.retry, func() (*models.User, error) {
		return m.backend.GetCurrentUser(ctx)
	})
	if err != nil {
		if models.IsCancellation(err) {
			return nil, err
		}
		m.mu.Lock()
		stale := m.user
		m.mu.Unlock()
		if stale != nil {
			return stale, nil
		}
		var snap models.User
		if errors.Is(err, models.ErrNetworkUnavailable) || errors.Is(err, models.ErrNetworkTimeout) {
			// Snapshot key needs a user id; without any prior fetch there is
			// nothing to fall back to, so only a previously-seen id helps.
			if ok, _ := m.store.LoadSnapshot(models.SnapshotKeyUser("me"), &snap); ok {
				log.Printf("⚠️ User fetch failed, serving fallback profile: %v", err)
				m.mu.Lock()
				m.user = &snap
				m.mu.Unlock()
				return &snap, nil
			}
		}
		return nil, err
	}

	m.mu.Lock()
	m.user = user
	m.mu.Unlock()
	m.cache.Set(utils.CacheKeyUser, user, utils.TTLUser)
	if err := m.store.SaveSnapshot(models.SnapshotKeyUser("me"), user); err != nil {
		log.Printf("⚠️ Failed to persist user snapshot: %v", err)
	}
	return user, nil
}

// FindChallenge returns the locally-known challenge with the given id.
func (m *LifecycleManager) FindChallenge(id string) (*models.Challenge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.challenges {
		if m.challenges[i].ID == id {
			c := m.challenges[i]
			return &c, true
		}
	}
	return nil, false
}

// FindParticipation returns the in-memory participation for challengeID.
func (m *LifecycleManager) FindParticipation(challengeID string) (*models.UserChallenge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.userChallenges {
		if m.userChallenges[i].ChallengeID == challengeID {
			uc := m.userChallenges[i]
			return &uc, true
		}
	}
	return nil, false
}

// Join moves (user, challenge) from NOT_PARTICIPATING to ACTIVE via the
// backend's atomic join operation (balance check, entry-fee debit, and row
// insert in one server-side transaction — no separate client-side debit).
// On success the authoritative list is re-fetched; when that re-fetch fails
// the returned row is appended locally instead.
func (m *LifecycleManager) Join(ctx context.Context, challenge *models.Challenge, userID string) (*models.UserChallenge, error) {
	if _, ok := challenge.NumericID(); !ok {
		// Local-only demo content the backend has never heard of.
		return nil, fmt.Errorf("%w: challenge %q has no server id", models.ErrChallengeNotFound, challenge.ID)
	}

	guard := "join:" + challenge.ID
	if !m.tryBegin(guard) {
		return nil, models.ErrOperationInFlight
	}
	defer m.end(guard)

	if existing, ok := m.FindParticipation(challenge.ID); ok && !existing.IsFailed {
		return nil, models.ErrAlreadyJoined
	}

	joined, err := utils.RetryValue(ctx, m.retry, func() (*models.UserChallenge, error) {
		return m.backend.JoinChallenge(ctx, challenge.ID, userID)
	})
	if err != nil {
		return nil, err
	}

	// Counters and payout fields keep evolving server-side; never trust the
	// just-returned row alone.
	m.cache.Invalidate(utils.CacheKeyUserChallenges)
	if _, refreshErr := m.ListUserChallenges(ctx, true); refreshErr != nil {
		log.Printf("⚠️ Post-join refresh failed, appending returned row locally: %v", refreshErr)
		m.mu.Lock()
		m.userChallenges = append(m.userChallenges, *joined)
		m.mu.Unlock()
		m.notify()
	}
	if fresh, ok := m.FindParticipation(challenge.ID); ok {
		return fresh, nil
	}
	return joined, nil
}

// resolveKnownChallenge finds the challenge locally, refreshing the list and
// finally asking the backend directly on a cold start. False only when the
// challenge is genuinely unknown (offline with no local copy).
func (m *LifecycleManager) resolveKnownChallenge(ctx context.Context, id string) (*models.Challenge, bool) {
	if c, ok := m.FindChallenge(id); ok {
		return c, true
	}
	if _, err := m.ListChallenges(ctx, true); err == nil {
		if c, ok := m.FindChallenge(id); ok {
			return c, true
		}
	}
	if c, err := m.backend.GetChallenge(ctx, id); err == nil {
		return c, true
	}
	return nil, false
}

// CompleteDay marks today complete for an active participation. Same-day
// repeats are idempotent. When the count reaches the challenge duration the
// server flips the row to COMPLETED and computes the payout. A conflict
// answer triggers a re-sync and local resolution; total network failure
// triggers the explicit local-fallback mutation.
func (m *LifecycleManager) CompleteDay(ctx context.Context, uc *models.UserChallenge) error {
	if !uc.IsActive {
		if uc.IsCompleted {
			return models.ErrChallengeCompleted
		}
		if uc.IsFailed {
			return models.ErrChallengeFailed
		}
		return models.ErrInvalidData
	}

	challenge, haveChallenge := m.resolveKnownChallenge(ctx, uc.ChallengeID)
	now := m.now()
	if haveChallenge && !challenge.HasStarted(now) {
		return models.ErrChallengeNotStarted
	}
	if uc.HasCompletedToday(now) {
		// Nothing to do; same-day repeat.
		return nil
	}

	guard := "complete:" + uc.ID
	if !m.tryBegin(guard) {
		return models.ErrOperationInFlight
	}
	defer m.end(guard)

	result, err := utils.RetryValue(ctx, m.retry, func() (*CompleteDayResult, error) {
		return m.backend.CompleteDay(ctx, uc.ChallengeID)
	})
	switch {
	case err == nil:
		m.applyCompleteDayResult(uc.ChallengeID, result)
		m.afterHonestAction(ctx, uc.UserID)
		m.resync(ctx)
		return nil

	case models.IsCancellation(err):
		return err

	case errors.Is(err, models.ErrDayAlreadyCompleted),
		errors.Is(err, models.ErrChallengeCompleted),
		errors.Is(err, models.ErrChallengeFailed),
		isServerError(err):
		return m.resolveCompleteDayConflict(ctx, uc, err)

	case models.IsRetryable(err):
		m.applyCompleteDayFallback(uc, now)
		return nil

	default:
		return err
	}
}

func isServerError(err error) bool {
	var se *models.ServerError
	return errors.As(err, &se)
}

// resolveCompleteDayConflict re-syncs from the server and decides what the
// conflict actually meant: today already marked is a silent success; an
// already-settled challenge surfaces its terminal error; anything else
// propagates the original failure.
func (m *LifecycleManager) resolveCompleteDayConflict(ctx context.Context, uc *models.UserChallenge, original error) error {
	m.cache.Invalidate(utils.CacheKeyUserChallenges)
	if _, err := m.ListUserChallenges(ctx, true); err != nil {
		log.Printf("⚠️ Conflict re-sync failed for participation %s: %v", uc.ID, err)
		return original
	}
	fresh, ok := m.FindParticipation(uc.ChallengeID)
	if !ok {
		return original
	}
	switch {
	case fresh.HasCompletedToday(m.now()):
		return nil
	case fresh.IsCompleted:
		return models.ErrChallengeCompleted
	case fresh.IsFailed:
		return models.ErrChallengeFailed
	default:
		return original
	}
}

func (m *LifecycleManager) applyCompleteDayResult(challengeID string, result *CompleteDayResult) {
	m.mu.Lock()
	for i := range m.userChallenges {
		if m.userChallenges[i].ChallengeID != challengeID {
			continue
		}
		m.userChallenges[i].CompletedDays = result.CompletedDays
		if result.IsCompleted {
			m.userChallenges[i].IsCompleted = true
			m.userChallenges[i].IsActive = false
			m.userChallenges[i].Payout = result.Payout
			m.userChallenges[i].PayoutIsEstimate = false
		}
		break
	}
	m.mu.Unlock()
	m.notify()
}

// applyCompleteDayFallback is the offline path: append today locally and, if
// the local count now reaches the duration, settle with a payout estimated
// from the locally-known winner count. The estimate is flagged and
// overwritten by the next authoritative fetch.
func (m *LifecycleManager) applyCompleteDayFallback(uc *models.UserChallenge, now time.Time) {
	challenge, haveChallenge := m.FindChallenge(uc.ChallengeID)

	m.mu.Lock()
	for i := range m.userChallenges {
		if m.userChallenges[i].ChallengeID != uc.ChallengeID {
			continue
		}
		target := &m.userChallenges[i]
		if !target.MarkDayCompleted(now) {
			break
		}
		log.Printf("⚠️ Network unavailable — marked day complete locally for participation %s", target.ID)
		if haveChallenge && len(target.CompletedDays) >= challenge.DurationDays {
			winners := m.localWinnerCountLocked(uc.ChallengeID) // includes target after the flip below
			estimate := challenge.PrizePool
			if winners+1 > 0 {
				estimate = challenge.PrizePool / float64(winners+1)
			}
			target.IsCompleted = true
			target.IsActive = false
			target.Payout = &estimate
			target.PayoutIsEstimate = true
			log.Printf("⚠️ Local completion of challenge %s: payout estimate %.2f across %d locally-known winner(s)",
				uc.ChallengeID, estimate, winners+1)
		}
		break
	}
	snapshot := append([]models.UserChallenge(nil), m.userChallenges...)
	m.mu.Unlock()

	if err := m.store.SaveSnapshot(models.SnapshotKeyUserChallenges(uc.UserID), snapshot); err != nil {
		log.Printf("⚠️ Failed to persist fallback snapshot: %v", err)
	}
	m.notify()
}

// localWinnerCountLocked counts other locally-known completed participations
// of the same challenge. Caller holds m.mu.
func (m *LifecycleManager) localWinnerCountLocked(challengeID string) int {
	n := 0
	for i := range m.userChallenges {
		if m.userChallenges[i].ChallengeID == challengeID && m.userChallenges[i].IsCompleted {
			n++
		}
	}
	return n
}

// FailChallenge moves an active participation to FAILED. Self-reporting a
// failure is an honest action: the streak increments, it does not reset.
// Local state is unreliable after a fail, so success forces a full re-sync.
func (m *LifecycleManager) FailChallenge(ctx context.Context, uc *models.UserChallenge) error {
	if !uc.IsActive {
		if uc.IsCompleted {
			return models.ErrChallengeCompleted
		}
		if uc.IsFailed {
			return models.ErrChallengeFailed
		}
		return models.ErrInvalidData
	}

	challenge, haveChallenge := m.resolveKnownChallenge(ctx, uc.ChallengeID)
	if haveChallenge && !challenge.HasStarted(m.now()) {
		return models.ErrChallengeNotStarted
	}

	guard := "fail:" + uc.ID
	if !m.tryBegin(guard) {
		return models.ErrOperationInFlight
	}
	defer m.end(guard)

	err := m.retry.Do(ctx, func() error {
		return m.backend.FailChallenge(ctx, uc.ChallengeID)
	})
	switch {
	case err == nil:
		m.afterHonestAction(ctx, uc.UserID)
		m.cache.Invalidate(utils.CacheKeyUserChallenges)
		if _, refreshErr := m.ListUserChallenges(ctx, true); refreshErr != nil {
			log.Printf("⚠️ Post-fail refresh failed: %v", refreshErr)
			m.applyFailFallback(uc)
		}
		return nil

	case models.IsCancellation(err):
		return err

	case models.IsRetryable(err):
		m.applyFailFallback(uc)
		return nil

	default:
		return err
	}
}

func (m *LifecycleManager) applyFailFallback(uc *models.UserChallenge) {
	m.mu.Lock()
	for i := range m.userChallenges {
		if m.userChallenges[i].ChallengeID == uc.ChallengeID {
			m.userChallenges[i].IsFailed = true
			m.userChallenges[i].IsActive = false
			break
		}
	}
	for i := range m.challenges {
		if m.challenges[i].ID == uc.ChallengeID {
			if m.challenges[i].ActiveParticipants > 0 {
				m.challenges[i].ActiveParticipants--
			}
			break
		}
	}
	snapshot := append([]models.UserChallenge(nil), m.userChallenges...)
	m.mu.Unlock()

	log.Printf("⚠️ Network unavailable — marked participation of challenge %s failed locally", uc.ChallengeID)
	if err := m.store.SaveSnapshot(models.SnapshotKeyUserChallenges(uc.UserID), snapshot); err != nil {
		log.Printf("⚠️ Failed to persist fallback snapshot: %v", err)
	}
	m.notify()
}

// afterHonestAction bumps the honest streak and invalidates the user cache
// so the next profile read picks up streak and balance. Best effort.
func (m *LifecycleManager) afterHonestAction(ctx context.Context, userID string) {
	if _, err := m.backend.IncrementHonestStreak(ctx, userID); err != nil && !models.IsCancellation(err) {
		log.Printf("⚠️ Honest-streak increment failed for user %s: %v", userID, err)
	}
	m.cache.Invalidate(utils.CacheKeyUser)
}

// resync refreshes user challenges and profile after a successful mutation.
func (m *LifecycleManager) resync(ctx context.Context) {
	m.cache.Invalidate(utils.CacheKeyUserChallenges)
	if _, err := m.ListUserChallenges(ctx, true); err != nil && !models.IsCancellation(err) {
		log.Printf("⚠️ Post-mutation user-challenge refresh failed: %v", err)
	}
	if _, err := m.CurrentUser(ctx, true); err != nil && !models.IsCancellation(err) {
		log.Printf("⚠️ Post-mutation user refresh failed: %v", err)
	}
}

// GetStats aggregates the in-memory participations for userID. Entry fees
// lost are looked up from the matching challenge and skipped when the
// challenge record is not locally available. No network call.
func (m *LifecycleManager) GetStats(userID string) models.ChallengeStats {
	normalize := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	target := normalize(userID)

	m.mu.Lock()
	defer m.mu.Unlock()

	var stats models.ChallengeStats
	for i := range m.userChallenges {
		uc := &m.userChallenges[i]
		if normalize(uc.UserID) != target {
			continue
		}
		stats.Total++
		switch {
		case uc.IsCompleted:
			stats.Completed++
			if uc.Payout != nil {
				stats.TotalEarned += *uc.Payout
			}
		case uc.IsFailed:
			stats.Failed++
			for j := range m.challenges {
				if m.challenges[j].ID == uc.ChallengeID {
					stats.TotalLost += m.challenges[j].EntryFee
					break
				}
			}
		}
	}
	return stats
}
