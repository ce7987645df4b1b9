package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type entry struct {
	count        int
	windowStart  time.Time
	resetAt      time.Time
	blockedUntil time.Time
	reapAt       time.Time
}

// MemoryStore is a process-local Store guarded by a single mutex.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	logger  *zap.Logger
}

// MemoryOption customises a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger attaches a logger used by the reaper.
func WithLogger(logger *zap.Logger) MemoryOption {
	return func(s *MemoryStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*entry),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Increment adds one attempt for key unless it is blocked.
func (s *MemoryStore) Increment(key string, window time.Duration) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.load(key, now)
	if e.blocked(now) {
		until := e.blockedUntil
		return Result{Count: e.count, ResetAt: e.resetAt, Blocked: true, BlockedUntil: &until}, nil
	}
	e.hit(now, window)
	return Result{Count: e.count, ResetAt: e.resetAt}, nil
}

// Block sets blockedUntil to now+duration, replacing any earlier block.
func (s *MemoryStore) Block(key string, duration time.Duration) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.load(key, now)
	e.block(now, duration)
	return e.snapshot(key, now), nil
}

// Reset discards all state held for key.
func (s *MemoryStore) Reset(key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Get returns the logical state for key, or nil when nothing is tracked.
func (s *MemoryStore) Get(key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	snap := e.snapshot(key, s.now())
	return &snap, nil
}

// Consume applies policy to key atomically.
func (s *MemoryStore) Consume(key string, policy Policy) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.load(key, now)
	d := Decision{Limit: policy.MaxAttempts}

	if e.blocked(now) {
		until := e.blockedUntil
		d.Count = e.count
		d.ResetAt = e.resetAt
		d.Blocked = true
		d.BlockedUntil = &until
		d.RetryAfter = until.Sub(now)
		return d, nil
	}

	e.hit(now, policy.Window)
	d.Count = e.count
	d.ResetAt = e.resetAt

	if policy.MaxAttempts > 0 && e.count > policy.MaxAttempts {
		e.block(now, policy.BlockDuration)
		until := e.blockedUntil
		d.Locked = true
		d.BlockedUntil = &until
		d.RetryAfter = until.Sub(now)
		return d, nil
	}

	d.Allowed = true
	if policy.MaxAttempts > 0 {
		d.Remaining = policy.MaxAttempts - e.count
	}
	return d, nil
}

// Len returns the number of physically stored entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes entries whose window and block have both elapsed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if !now.Before(e.reapAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Run sweeps on every interval tick until ctx is cancelled.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(s.now()); n > 0 {
				s.logger.Debug("rate limit entries reaped", zap.Int("count", n))
			}
		}
	}
}

// load returns the entry for key, normalised for now. Caller holds s.mu.
func (s *MemoryStore) load(key string, now time.Time) *entry {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
		return e
	}
	if !e.blockedUntil.IsZero() && !now.Before(e.blockedUntil) {
		// block elapsed: counting restarts from zero
		*e = entry{}
		return e
	}
	if !e.resetAt.IsZero() && !now.Before(e.resetAt) && !e.blocked(now) {
		e.count = 0
		e.windowStart = time.Time{}
		e.resetAt = time.Time{}
	}
	return e
}

func (e *entry) blocked(now time.Time) bool {
	return !e.blockedUntil.IsZero() && now.Before(e.blockedUntil)
}

func (e *entry) hit(now time.Time, window time.Duration) {
	if e.resetAt.IsZero() {
		e.windowStart = now
		e.resetAt = now.Add(window)
	}
	e.count++
	if e.resetAt.After(e.reapAt) {
		e.reapAt = e.resetAt
	}
}

func (e *entry) block(now time.Time, duration time.Duration) {
	e.blockedUntil = now.Add(duration)
	if e.blockedUntil.After(e.reapAt) {
		e.reapAt = e.blockedUntil
	}
}

func (e *entry) snapshot(key string, now time.Time) Entry {
	if !e.blockedUntil.IsZero() && !now.Before(e.blockedUntil) {
		// same reset load applies once a block has elapsed
		return Entry{Key: key}
	}
	snap := Entry{Key: key, Count: e.count, WindowStart: e.windowStart, ResetAt: e.resetAt}
	if !e.resetAt.IsZero() && !now.Before(e.resetAt) {
		snap.Count = 0
	}
	if e.blocked(now) {
		until := e.blockedUntil
		snap.BlockedUntil = &until
		snap.Count = e.count
	}
	return snap
}
