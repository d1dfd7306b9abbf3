package entity

import "time"

// TokenRecord is the persisted credential together with its issuance
// time, used by the expiry heuristic.
type TokenRecord struct {
	Token    string    `json:"token"`
	IssuedAt time.Time `json:"issued_at"`
}

// LockRecord marks an in-flight credential refresh. It lives in the
// durable store so it is visible across process restarts.
type LockRecord struct {
	OwnerID    string    `json:"owner_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Stale reports whether the lock is old enough to be considered
// abandoned and seized.
func (l *LockRecord) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.AcquiredAt) > ttl
}
