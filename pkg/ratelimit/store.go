// Package ratelimit tracks attempt counters and temporary blocks per key.
//
// Counting and blocking are independent: a block outlives the window that
// triggered it, and while a key is blocked its counter is frozen.
package ratelimit

import (
	"time"
)

// Entry is a read-only snapshot of the state held for one key.
type Entry struct {
	Key          string     `json:"key"`
	Count        int        `json:"count"`
	WindowStart  time.Time  `json:"windowStart"`
	ResetAt      time.Time  `json:"resetAt"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
}

// Blocked reports whether the entry is under an active block at now.
func (e Entry) Blocked(now time.Time) bool {
	return e.BlockedUntil != nil && now.Before(*e.BlockedUntil)
}

// Result is returned by Increment.
type Result struct {
	Count        int
	ResetAt      time.Time
	Blocked      bool
	BlockedUntil *time.Time
}

// Policy drives Consume.
type Policy struct {
	Window        time.Duration
	MaxAttempts   int
	BlockDuration time.Duration
}

// Decision is the outcome of a Consume call.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
	// Blocked is set when the key was already blocked before this attempt.
	Blocked bool
	// Locked is set when this attempt crossed the threshold and imposed the block.
	Locked       bool
	BlockedUntil *time.Time
	RetryAfter   time.Duration
	// FailedOpen marks a decision produced because the store was unavailable.
	FailedOpen bool
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int((d.RetryAfter + time.Second - 1) / time.Second)
}

// Store is implemented by rate-limit backends. Every operation is atomic with
// respect to other operations on the same key.
type Store interface {
	Increment(key string, window time.Duration) (Result, error)
	Block(key string, duration time.Duration) (Entry, error)
	Reset(key string) error
	Get(key string) (*Entry, error)
	// Consume runs block check, increment and threshold block as one step.
	Consume(key string, policy Policy) (Decision, error)
}
