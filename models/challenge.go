package models

import (
	"strconv"
	"time"

	"challenge-wager-service/utils"
)

// Challenge is a published, time-boxed competition. Created server-side;
// read-only here except for the denormalized counters, which we may adjust
// optimistically but always overwrite from the next authoritative fetch.
type Challenge struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Subtitle           string    `json:"subtitle,omitempty"`
	Icon               string    `json:"icon,omitempty"`
	DurationDays       int       `json:"duration_days"`
	EntryFee           float64   `json:"entry_fee"`
	ServiceFeePercent  float64   `json:"service_fee_percent"`
	StartDate          time.Time `json:"start_date"`
	EndDate            time.Time `json:"end_date"`
	Participants       int       `json:"participants"`
	PrizePool          float64   `json:"prize_pool"`
	ActiveParticipants int       `json:"active_participants"`
	CompletedToday     int       `json:"completed_today"`
	FailedToday        int       `json:"failed_today"`
	Description        string    `json:"description,omitempty"`
	Rules              []string  `json:"rules,omitempty"`
}

// IsLive reports whether the challenge is still open: running, or in its
// pre-registration window before the start date. Ended challenges are out.
func (c *Challenge) IsLive(now time.Time) bool {
	return !now.After(c.EndDate)
}

// HasStarted reports whether the challenge window has opened. Joining is
// allowed before the start date; completing or failing a day is not.
func (c *Challenge) HasStarted(now time.Time) bool {
	return !now.Before(c.StartDate)
}

// NumericID returns the server-assigned integer id. Ids that do not parse are
// local-only demo content the backend has never heard of, and every remote
// operation rejects them up front.
func (c *Challenge) NumericID() (int64, bool) {
	n, err := strconv.ParseInt(c.ID, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// UserChallenge is one user's participation record in one Challenge.
// Exactly one of IsActive/IsCompleted/IsFailed should hold at any settled
// time; a record violating that is an anomaly to log, not trust.
type UserChallenge struct {
	ID            string      `json:"id"`
	ChallengeID   string      `json:"challenge_id"`
	UserID        string      `json:"user_id"`
	EntryDate     time.Time   `json:"entry_date"`
	CompletedDays []time.Time `json:"completed_days"`
	IsActive      bool        `json:"is_active"`
	IsCompleted   bool        `json:"is_completed"`
	IsFailed      bool        `json:"is_failed"`
	Payout        *float64    `json:"payout,omitempty"`

	// PayoutIsEstimate marks a payout computed locally during an offline
	// fallback. Cleared only when an authoritative fetch overwrites the row.
	PayoutIsEstimate bool `json:"payout_is_estimate,omitempty"`
}

// CurrentDay is the 1-based day number of the participation, counted in UTC
// calendar days from the entry date. Day boundaries follow the server's
// reference timezone (UTC), not the device-local one.
func (uc *UserChallenge) CurrentDay(now time.Time) int {
	return utils.DaysBetweenUTC(uc.EntryDate, now) + 1
}

// HasCompletedToday reports whether today's UTC calendar day is already in
// CompletedDays.
func (uc *UserChallenge) HasCompletedToday(now time.Time) bool {
	for _, d := range uc.CompletedDays {
		if utils.SameDayUTC(d, now) {
			return true
		}
	}
	return false
}

// MarkDayCompleted appends day's UTC calendar day, deduplicating. Returns
// true when the day was newly added.
func (uc *UserChallenge) MarkDayCompleted(day time.Time) bool {
	if uc.HasCompletedToday(day) {
		return false
	}
	uc.CompletedDays = append(uc.CompletedDays, utils.StartOfDayUTC(day))
	return true
}

// IsAnomalous detects impossible state combinations: a participation that is
// simultaneously active and settled, or settled both ways.
func (uc *UserChallenge) IsAnomalous() bool {
	if uc.IsCompleted && uc.IsFailed {
		return true
	}
	return uc.IsActive && (uc.IsCompleted || uc.IsFailed)
}

// IsActionable reports whether lifecycle operations may act on the record.
// Anomalous or unsettled-but-inactive rows are treated as non-actionable.
func (uc *UserChallenge) IsActionable() bool {
	return uc.IsActive && !uc.IsAnomalous()
}

// ChallengeStats is a pure aggregation over a user's participations.
type ChallengeStats struct {
	Total       int     `json:"total"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	TotalEarned float64 `json:"total_earned"`
	TotalLost   float64 `json:"total_lost"`
}

// WinRate is completed/(completed+failed); 0 when nothing is settled yet.
func (s ChallengeStats) WinRate() float64 {
	settled := s.Completed + s.Failed
	if settled == 0 {
		return 0
	}
	return float64(s.Completed) / float64(settled)
}
