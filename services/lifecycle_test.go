package services

import (
	"context"
	"testing"
	"time"

	"challenge-wager-service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func seedManager(t *testing.T, backend *fakeBackend, m *LifecycleManager) {
	t.Helper()
	ctx := context.Background()
	_, err := m.ListChallenges(ctx, true)
	require.NoError(t, err)
	_, err = m.ListUserChallenges(ctx, true)
	require.NoError(t, err)
}

func TestListChallengesFiltersAndSorts(t *testing.T) {
	clock := newFakeClock(baseTime)
	backend := newFakeBackend(clock)
	expired := liveChallenge("9", 7, 100, 700, baseTime)
	expired.EndDate = baseTime.Add(-time.Hour)
	backend.challenges = []models.Challenge{
		liveChallenge("1", 30, 100, 3000, baseTime),
		liveChallenge("2", 3, 100, 300, baseTime),
		expired,
		liveChallenge("3", 7, 100, 700, baseTime),
	}
	m := newTestManager(t, backend, clock)

	got, err := m.ListChallenges(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "2", got[0].ID)
	assert.Equal(t, "3", got[1].ID)
	assert.Equal(t, "1", got[2].ID)
}

func TestListChallengesStaleBeatsEmpty(t *testing.T) {
	clock := newFakeClock(baseTime)
	backend := newFakeBackend(clock)
	backend.challenges = []models.Challenge{liveChallenge("1", 3, 100, 300, baseTime)}
	m := newTestManager(t, backend, clock)

	_, err := m.ListChallenges(context.Background(), true)
	require.NoError(t, err)

	backend.listErr = models.ErrNetworkUnavailable
	got, err := m.ListChallenges(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, got, 1, "existing list must survive a failed refresh")
}

func TestListUserChallengesRoundTrip(t *testing.T) {
	clock := newFakeClock(baseTime)
	backend := newFakeBackend(clock)
	backend.challenges = []models.Challenge{liveChallenge("1", 3, 100, 300, baseTime)}
	backend.userChallenges = []models.UserChallenge{
		{ID: "uc-1", ChallengeID: "1", UserID: "user-1", EntryDate: baseTime, IsActive: true},
	}
	m := newTestManager(t, backend, clock)

	fresh, err := m.ListUserChallenges(context.Background(), true)
	require.NoError(t, err)
	cached, err := m.ListUserChallenges(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, fresh, cached)
}

func TestListUserChallengesKeepsAnomalousRecords(t *testing.T) {
	clock := newFakeClock(baseTime)
	backend := newFakeBackend(clock)
	backend.userChallenges = []models.UserChallenge{
		{ID: "uc-1", ChallengeID: "1", UserID: "user-1", IsActive: true, IsCompleted: true},
		{ID: "uc-2", ChallengeID: "2", UserID: "user-1"},
	}
	m := newTestManager(t, backend, clock)

	got, err := m.ListUserChallenges(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].IsAnomalous())
	assert.False(t, got[0].IsActionable())
	assert.False(t, got[1].IsActionable(), "all-false record is non-actionable")
}

func TestJoinRejectsLocalOnlyIDs(t *testing.T) {
	clock := newFakeClock(baseTime)
	backend := newFakeBackend(clock)
	m := newTestManager(t, backend, clock)

	demo := liveChallenge("demo-local", 3, 100, 300, baseTime)
	_, err := m.Join(context.Background(), &demo, "user-1")
	require.ErrorIs(t, err, models.ErrChallengeNotFound)
	assert.Zero(t, backend.joinCalls)
}

func TestJoinPreCheckSurfacesAlreadyJoined(t *testing.T) {
	clock := newFakeClock(baseTime)
	backend := newFakeBackend(clock)
	ch := liveChallenge("1", 3, 100, 300, baseTime)
	backend.challenges = []models.Challenge{ch}
	m := newTestManager(t, backend, clock)
	seedManager(t, backend, m)

	first, err := m.Join(context.Background(), &ch, "user-1")
	require.NoError(t, err)
	assert.True(t, first.IsActive)

	_, err = m.Join(context.Background(), &ch, "user-1")
	require.ErrorIs(t, err, models.ErrAlreadyJoined)
	assert.Equal(t, 1, backend.joinCalls, "server join must run exactly once")
}

func TestJoinFallsBackToReturnedRowWhenRefreshFails(t *testing.T) {
	clock := newFakeClock(baseTime)
	backend := newFakeBackend(clock)
	ch := liveChallenge("1", 3, 100, 300, baseTime)
	backend.challenges = []models.Challenge{ch}
	m := newTestManager(t, backend, clock)
	seedManager(t, backend, m)

	backend.ucErr = models.ErrNetworkUnavailable
	joined, err := m.Join(context.Background(), &ch, "user-1")
	require.NoError(t, err)
	require.NotNil(t, joined)

	uc, ok := m.FindParticipation("1")
	require.True(t, ok)
	assert.True(t, uc.IsActive)
}

func TestJoinBeforeStartAllowedCompleteDayRejected(t *testing.T) {
	clock := newFakeClock(baseTime)
	backend := newFakeBackend(clock)
	ch := liveChallenge("1", 3, 100, 300, baseTime)
	ch.StartDate = baseTime.Add(48 * time.Hour) // pre-registration window
	backend.challenges = []models.Challenge{ch}
	m := newTestManager(t, backend, clock)
	seedManager(t, backend, m)

	uc, err := m.Join(context.Background(), &ch, "user-1")
	require.NoError(t, err)

	err = m.CompleteDay(context.Background(), uc)
	require.ErrorIs(t, err, models.ErrChallengeNotStarted)
	assert.Zero(t, backend.completeCalls)

	err = m.FailChallenge(context.Background(), uc)
	require.ErrorIs(t, err, models.ErrChallengeNotStarted)
}

func TestCompleteDayProgressionToCompletion(t *testing.T) {
	clock := newFakeClock(baseTime)
	backend := newFakeBackend(clock)
	ch := liveChallenge("1", 3, 100, 300, baseTime)
	backend.challenges = []models.Challenge{ch}
	m := newTestManager(t, backend, clock)
	seedManager(t, backend, m)

	uc, err := m.Join(context.Background(), &ch, "user-1")
	require.NoError(t, err)

	for day := 1; day <= 3; day++ {
		uc, _ = m.FindParticipation("1")
		require.NoError(t, m.CompleteDay(context.Background(), uc))
		fresh, ok := m.FindParticipation("1")
		require.True(t, ok)
		assert.Len(t, fresh.CompletedDays, day)
		if day < 3 {
			assert.False(t, fresh.IsCompleted)
			assert.True(t, fresh.IsActive)
			clock.Advance(24 * time.Hour)
		} else {
			assert.True(t, fresh.IsCompleted)
			assert.False(t, fresh.IsActive)
			require.NotNil(t, fresh.Payout)
			assert.Equal(t, 300.0, *fresh.Payout)
			assert.False(t, fresh.PayoutIsEstimate)
		}
	}
	assert.Equal(t, 3, backend.streakCalls)
}

func TestCompleteDaySameDayIsIdempotent(t *testing.T) {
	clock := newFakeClock(baseTime)
	backend := newFakeBackend(clock)
	ch := liveChallenge("1", 3, 100, 300, baseTime)
	backend.challenges = []models.Challenge{ch}
	m := newTestManager(t, backend, clock)
	seedManager(t, backend, m)

	_, err := m.Join(context.Background(), &ch, "user-1")
	require.NoError(t, err)

	uc, _ := m.FindParticipation("1")
	require.NoError(t, m.CompleteDay(context.Background(), uc))

	uc, _ = m.FindParticipation("1")
	require.NoError(t, m.CompleteDay(context.Background(), uc))

	fresh, _ := m.FindParticipation("1")
	assert.Len(t, fresh.CompletedDays, 1, "no duplicate entry for the same calendar day")
	assert.Equal(t, 1, backend.completeCalls, "second same-day call must not reach the server")
}

func TestCompleteDayConcurrentDuplicateRejected(t *testing.T) {
	clock := newFakeClock(baseTime)
	backend := newFakeBackend(clock)
	ch := liveChallenge("1", 3, 100, 300, baseTime)
	backend.challenges = []models.Challenge{ch}
	m := newTestManager(t, backend, clock)
	seedManager(t, backend, m)

	_, err := m.Join(context.Background(), &ch, "user-1")
	require.NoError(t, err)

	// The held-open call ends in a network failure, so the first invocation
	// takes the local-fallback path while the duplicate is in flight.
	backend.completeErr = models.ErrNetworkUnavailable
	backend.completeStarted = make(chan struct{})
	backend.completeRelease = make(chan struct{})

	uc, _ := m.FindParticipation("1")
	firstDone := make(chan error, 1)
	go func() { firstDone <- m.CompleteDay(context.Background(), uc) }()
	<-backend.completeStarted

	dup, _ := m.FindParticipation("1")
	require.ErrorIs(t, m.CompleteDay(context.Background(), dup), models.ErrOperationInFlight)

	close(backend.completeRelease)
	require.NoError(t, <-firstDone)

	assert.Equal(t, 1, backend.completeCalls, "the duplicate must never reach the backend")
	fresh, _ := m.FindParticipation("1")
	assert.Len(t, fresh.CompletedDays, 1, "the fallback mutation ran at most once")
}

func TestCompleteDayColdStartStillEnforcesStartGate(t *testing.T) {
	clock := newFakeClock(baseTime)
	backend := newFakeBackend(clock)
	ch := liveChallenge("1", 3, 100, 300, baseTime)
	ch.StartDate = baseTime.Add(48 * time.Hour)
	backend.challenges = []models.Challenge{ch}
	backend.userChallenges = []models.UserChallenge{
		{ID: "uc-1", ChallengeID: "1", UserID: "user-1", EntryDate: baseTime, IsActive: true},
	}
	m := newTestManager(t, backend, clock)

	// Fresh process: the participation is known, the challenge list is not.
	ucs, err := m.ListUserChallenges(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, ucs, 1)

	require.ErrorIs(t, m.CompleteDay(context.Background(), &ucs[0]), models.ErrChallengeNotStarted)
	assert.Zero(t, backend.completeCalls)

	require.ErrorIs(t, m.FailChallenge(context.Background(), &ucs[0]), models.ErrChallengeNotStarted)
	assert.Zero(t, backend.failCalls)
}

func TestCompleteDayTerminalStatesRejected(t *testing.T) {
	clock := newFakeClock(baseTime)
	backend := newFakeBackend(clock)
	m := newTestManager(t, backend, clock)

	completed := &models.UserChallenge{ID: "uc-1", ChallengeID: "1", IsCompleted: true}
	require.ErrorIs(t, m.CompleteDay(context.Background(), completed), models.ErrChallengeCompleted)

	failed := &models.UserChallenge{ID: "uc-2", ChallengeID: "1", IsFailed: true}
	require.ErrorIs(t, m.CompleteDay(context.Background(), failed), models.ErrChallengeFailed)
}

func TestCompleteDayOfflineFallbackAndResync(t *testing.T) {
	clock := newFakeClock(baseTime)
	backend := newFakeBackend(clock)
	ch := liveChallenge("1", 1, 100, 300, baseTime)
	backend.challenges = []models.Challenge{ch}
	m := newTestManager(t, backend, clock)
	seedManager(t, backend, m)

	_, err := m.Join(context.Background(), &ch, "user-1")
	require.NoError(t, err)

	backend.completeErr = models.ErrNetworkUnavailable
	uc, _ := m.FindParticipation("1")
	require.NoError(t, m.CompleteDay(context.Background(), uc), "offline fallback resolves locally")

	local, _ := m.FindParticipation("1")
	assert.True(t, local.HasCompletedToday(clock.Now()))
	assert.True(t, local.IsCompleted)
	require.NotNil(t, local.Payout)
	assert.True(t, local.PayoutIsEstimate, "offline payout is an estimate")

	// Server comes back with the authoritative row.
	backend.completeErr = nil
	serverPayout := 150.0
	backend.mu.Lock()
	backend.userChallenges[0].IsActive = false
	backend.userChallenges[0].IsCompleted = true
	backend.userChallenges[0].Payout = &serverPayout
	backend.userChallenges[0].CompletedDays = []time.Time{clock.Now()}
	backend.mu.Unlock()

	_, err = m.ListUserChallenges(context.Background(), true)
	require.NoError(t, err)

	authoritative, _ := m.FindParticipation("1")
	require.NotNil(t, authoritative.Payout)
	assert.Equal(t, serverPayout, *authoritative.Payout)
	assert.False(t, authoritative.PayoutIsEstimate, "authoritative fetch clears the estimate flag")
}

func TestCompleteDayConflictResolvedAsSuccess(t *testing.T) {
	clock := newFakeClock(baseTime)
	backend := newFakeBackend(clock)
	ch := liveChallenge("1", 3, 100, 300, baseTime)
	backend.challenges = []models.Challenge{ch}
	m := newTestManager(t, backend, clock)
	seedManager(t, backend, m)

	_, err := m.Join(context.Background(), &ch, "user-1")
	require.NoError(t, err)

	// Server already has today marked (e.g. a lost response), but the local
	// copy does not know it yet.
	backend.mu.Lock()
	backend.userChallenges[0].MarkDayCompleted(clock.Now())
	backend.mu.Unlock()

	uc, _ := m.FindParticipation("1")
	uc.CompletedDays = nil
	require.NoError(t, m.CompleteDay(context.Background(), uc), "already-marked conflict is a silent success")

	fresh, _ := m.FindParticipation("1")
	assert.True(t, fresh.HasCompletedToday(clock.Now()))
}

func TestFailChallengeForcesResyncAndStreak(t *testing.T) {
	clock := newFakeClock(baseTime)
	backend := newFakeBackend(clock)
	ch := liveChallenge("1", 3, 100, 300, baseTime)
	backend.challenges = []models.Challenge{ch}
	m := newTestManager(t, backend, clock)
	seedManager(t, backend, m)

	uc, err := m.Join(context.Background(), &ch, "user-1")
	require.NoError(t, err)

	require.NoError(t, m.FailChallenge(context.Background(), uc))
	fresh, _ := m.FindParticipation("1")
	assert.True(t, fresh.IsFailed)
	assert.False(t, fresh.IsActive)
	assert.Equal(t, 1, backend.streakCalls, "self-reported failure still counts as honest")
}

func TestFailChallengeFallbackClampsActiveParticipants(t *testing.T) {
	clock := newFakeClock(baseTime)
	backend := newFakeBackend(clock)
	ch := liveChallenge("1", 3, 100, 300, baseTime)
	ch.ActiveParticipants = 0
	backend.challenges = []models.Challenge{ch}
	m := newTestManager(t, backend, clock)
	seedManager(t, backend, m)

	uc, err := m.Join(context.Background(), &ch, "user-1")
	require.NoError(t, err)

	backend.failErr = models.ErrNetworkUnavailable
	backend.ucErr = models.ErrNetworkUnavailable
	require.NoError(t, m.FailChallenge(context.Background(), uc))

	fresh, _ := m.FindParticipation("1")
	assert.True(t, fresh.IsFailed)
	localCh, ok := m.FindChallenge("1")
	require.True(t, ok)
	assert.GreaterOrEqual(t, localCh.ActiveParticipants, 0, "never negative after local fallbacks")
}

func TestCurrentDayMonotonic(t *testing.T) {
	uc := models.UserChallenge{EntryDate: baseTime}
	prev := 0
	for hours := 0; hours <= 96; hours += 6 {
		day := uc.CurrentDay(baseTime.Add(time.Duration(hours) * time.Hour))
		assert.GreaterOrEqual(t, day, prev)
		prev = day
	}
	assert.Equal(t, 1, uc.CurrentDay(baseTime))
	assert.Equal(t, 5, uc.CurrentDay(baseTime.Add(96*time.Hour)))
}

func TestGetStats(t *testing.T) {
	clock := newFakeClock(baseTime)
	backend := newFakeBackend(clock)
	payout := 250.0
	backend.challenges = []models.Challenge{
		liveChallenge("1", 3, 100, 300, baseTime),
		liveChallenge("2", 7, 499, 5000, baseTime),
	}
	backend.userChallenges = []models.UserChallenge{
		{ID: "uc-1", ChallengeID: "1", UserID: "User-1", IsCompleted: true, Payout: &payout},
		{ID: "uc-2", ChallengeID: "2", UserID: "user-1", IsFailed: true},
		{ID: "uc-3", ChallengeID: "404", UserID: "user-1", IsFailed: true}, // challenge not locally known
		{ID: "uc-4", ChallengeID: "1", UserID: "someone-else", IsCompleted: true},
	}
	m := newTestManager(t, backend, clock)
	seedManager(t, backend, m)

	stats := m.GetStats(" USER-1 ")
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 250.0, stats.TotalEarned)
	assert.Equal(t, 499.0, stats.TotalLost, "unknown challenge's entry fee is skipped")
	assert.InDelta(t, 1.0/3.0, stats.WinRate(), 1e-9)
}

func TestEventsChannelTicksOnChange(t *testing.T) {
	clock := newFakeClock(baseTime)
	backend := newFakeBackend(clock)
	backend.challenges = []models.Challenge{liveChallenge("1", 3, 100, 300, baseTime)}
	m := newTestManager(t, backend, clock)

	_, err := m.ListChallenges(context.Background(), true)
	require.NoError(t, err)

	select {
	case <-m.Events():
	default:
		t.Fatal("expected a change notification after a refresh")
	}
}
