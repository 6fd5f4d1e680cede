package models

import "time"

// Snapshot keys for the durable offline fallback store.
const (
	SnapshotKeyChallenges = "challenges"
)

// SnapshotKeyUserChallenges keys the fallback copy of one user's
// participations.
func SnapshotKeyUserChallenges(userID string) string {
	return "user_challenges:" + userID
}

// SnapshotKeyUser keys the fallback copy of the user profile.
func SnapshotKeyUser(userID string) string {
	return "user:" + userID
}

// Snapshot is a JSON-serialized copy of the last authoritative fetch of one
// collection. Written only after a successful server read; served when the
// network and the in-memory cache both come up empty.
type Snapshot struct {
	Key     string    `json:"key" gorm:"primaryKey"`
	Payload string    `json:"payload" gorm:"type:text;not null"`
	SavedAt time.Time `json:"saved_at" gorm:"autoUpdateTime"`
}
