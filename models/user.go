package models

import "time"

// User is the authenticated principal. Balance is never mutated by local
// arithmetic we trust long term: optimistic deltas are allowed, but every
// flow reconciles from a subsequent authoritative fetch.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        *string   `json:"email,omitempty"`
	Balance      float64   `json:"balance"`
	HonestStreak int       `json:"honest_streak"`
	AvatarURL    *string   `json:"avatar_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CanAfford is a UX short-circuit only. The server is the sole authority on
// whether a debit goes through.
func (u *User) CanAfford(amount float64) bool {
	return u.Balance >= amount
}
