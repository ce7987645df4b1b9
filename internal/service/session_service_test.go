package service

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/user-guard-api/internal/models"
	appErrors "github.com/noah-isme/user-guard-api/pkg/errors"
)

// memoryTokenRepo mimics the conditional revoke of the SQL repository.
type memoryTokenRepo struct {
	mu     sync.Mutex
	tokens map[string]*models.RefreshToken
}

func newMemoryTokenRepo() *memoryTokenRepo {
	return &memoryTokenRepo{tokens: map[string]*models.RefreshToken{}}
}

func (r *memoryTokenRepo) Create(ctx context.Context, token *models.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *token
	r.tokens[token.Token] = &cp
	return nil
}

func (r *memoryTokenRepo) FindByToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.tokens[token]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *rt
	return &cp, nil
}

func (r *memoryTokenRepo) Rotate(ctx context.Context, oldToken string, next *models.RefreshToken, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.tokens[oldToken]
	if !ok || old.Revoked || !now.Before(old.ExpiresAt) {
		return sql.ErrNoRows
	}
	old.Revoked = true
	old.RevokedAt = &now
	next.UserID = old.UserID
	next.IPAddress = old.IPAddress
	next.UserAgent = old.UserAgent
	cp := *next
	r.tokens[next.Token] = &cp
	return nil
}

func (r *memoryTokenRepo) Revoke(ctx context.Context, token string, revokedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.tokens[token]
	if !ok || rt.Revoked {
		return false, nil
	}
	rt.Revoked = true
	rt.RevokedAt = &revokedAt
	return true, nil
}

func (r *memoryTokenRepo) RevokeAllForUser(ctx context.Context, userID string, revokedAt time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, rt := range r.tokens {
		if rt.UserID == userID && !rt.Revoked {
			rt.Revoked = true
			rt.RevokedAt = &revokedAt
			n++
		}
	}
	return n, nil
}

func (r *memoryTokenRepo) DeleteStale(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for key, rt := range r.tokens {
		if rt.Revoked || !now.Before(rt.ExpiresAt) {
			delete(r.tokens, key)
			n++
		}
	}
	return n, nil
}

type brokenTokenRepo struct{ *memoryTokenRepo }

func (brokenTokenRepo) Create(context.Context, *models.RefreshToken) error {
	return errors.New("connection refused")
}

// flakyTokenRepo fails reads and rotations while down is set.
type flakyTokenRepo struct {
	*memoryTokenRepo
	down bool
}

func (r *flakyTokenRepo) FindByToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	if r.down {
		return nil, errors.New("connection reset by peer")
	}
	return r.memoryTokenRepo.FindByToken(ctx, token)
}

func (r *flakyTokenRepo) Rotate(ctx context.Context, oldToken string, next *models.RefreshToken, now time.Time) error {
	if r.down {
		return errors.New("connection reset by peer")
	}
	return r.memoryTokenRepo.Rotate(ctx, oldToken, next, now)
}

type sequenceGenerator struct {
	mu sync.Mutex
	n  int
}

func (g *sequenceGenerator) Generate() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return "tok-" + string(rune('a'+g.n-1)), nil
}

func newTestSessionService(repo refreshTokenRepository) (*SessionService, *time.Time) {
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	svc := NewSessionService(repo, &sequenceGenerator{}, nil, nil, SessionConfig{RefreshTTL: time.Hour})
	svc.now = func() time.Time { return now }
	return svc, &now
}

func TestRandomTokenGeneratorProducesURLSafeTokens(t *testing.T) {
	gen := RandomTokenGenerator{}
	a, err := gen.Generate()
	require.NoError(t, err)
	b, err := gen.Generate()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	raw, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestIssueKeepsOtherSessions(t *testing.T) {
	repo := newMemoryTokenRepo()
	svc, now := newTestSessionService(repo)
	prov := models.Provenance{IPAddress: "10.0.0.1", UserAgent: "ua"}

	first, err := svc.Issue(context.Background(), "u-1", prov)
	require.NoError(t, err)
	second, err := svc.Issue(context.Background(), "u-1", prov)
	require.NoError(t, err)

	assert.NotEqual(t, first.Token, second.Token)
	assert.Equal(t, now.Add(time.Hour), first.ExpiresAt)
	assert.Equal(t, "10.0.0.1", first.IPAddress)

	for _, tok := range []string{first.Token, second.Token} {
		owner, err := svc.Validate(context.Background(), tok)
		require.NoError(t, err)
		assert.Equal(t, "u-1", owner)
	}
}

func TestIssueWrapsStoreFailure(t *testing.T) {
	svc, _ := newTestSessionService(brokenTokenRepo{newMemoryTokenRepo()})
	_, err := svc.Issue(context.Background(), "u-1", models.Provenance{})
	assert.True(t, errors.Is(err, appErrors.ErrInternal))
}

func TestRotateInheritsOwnerAndProvenance(t *testing.T) {
	repo := newMemoryTokenRepo()
	svc, _ := newTestSessionService(repo)
	old, err := svc.Issue(context.Background(), "u-1", models.Provenance{IPAddress: "10.0.0.1", UserAgent: "ua"})
	require.NoError(t, err)

	next, err := svc.Rotate(context.Background(), old.Token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", next.UserID)
	assert.Equal(t, "10.0.0.1", next.IPAddress)
	assert.Equal(t, "ua", next.UserAgent)

	_, err = svc.Validate(context.Background(), old.Token)
	assert.True(t, errors.Is(err, appErrors.ErrInvalidToken))

	_, err = svc.Rotate(context.Background(), old.Token)
	assert.True(t, errors.Is(err, appErrors.ErrInvalidToken))
}

func TestConcurrentRotationHasSingleWinner(t *testing.T) {
	repo := newMemoryTokenRepo()
	metrics := NewMetricsService()
	svc, _ := newTestSessionService(repo)
	svc.metrics = metrics
	old, err := svc.Issue(context.Background(), "u-1", models.Provenance{})
	require.NoError(t, err)

	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Rotate(context.Background(), old.Token)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if errors.Is(err, appErrors.ErrInvalidToken) {
				failures++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, racers-1, failures)
	snap := metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.TokenRotations)
	assert.Equal(t, uint64(racers-1), snap.TokenRotationsDenied)
}

func TestRotateRejectsExpiredAndUnknownTokens(t *testing.T) {
	repo := newMemoryTokenRepo()
	svc, now := newTestSessionService(repo)
	old, err := svc.Issue(context.Background(), "u-1", models.Provenance{})
	require.NoError(t, err)

	later := now.Add(2 * time.Hour)
	svc.now = func() time.Time { return later }

	_, err = svc.Rotate(context.Background(), old.Token)
	assert.True(t, errors.Is(err, appErrors.ErrInvalidToken))
	_, err = svc.Rotate(context.Background(), "missing")
	assert.True(t, errors.Is(err, appErrors.ErrInvalidToken))
	_, err = svc.Rotate(context.Background(), "")
	assert.True(t, errors.Is(err, appErrors.ErrInvalidToken))
}

func TestStoreFailuresAreNotInvalidTokens(t *testing.T) {
	repo := &flakyTokenRepo{memoryTokenRepo: newMemoryTokenRepo()}
	svc, _ := newTestSessionService(repo)
	tok, err := svc.Issue(context.Background(), "u-1", models.Provenance{})
	require.NoError(t, err)

	repo.down = true
	_, err = svc.Rotate(context.Background(), tok.Token)
	assert.True(t, errors.Is(err, appErrors.ErrInternal))
	assert.False(t, errors.Is(err, appErrors.ErrInvalidToken))
	_, err = svc.Lookup(context.Background(), tok.Token)
	assert.True(t, errors.Is(err, appErrors.ErrInternal))

	repo.down = false
	next, err := svc.Rotate(context.Background(), tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", next.UserID)
}

func TestRevokeIsIdempotent(t *testing.T) {
	repo := newMemoryTokenRepo()
	svc, _ := newTestSessionService(repo)
	tok, err := svc.Issue(context.Background(), "u-1", models.Provenance{})
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(context.Background(), tok.Token))
	require.NoError(t, svc.Revoke(context.Background(), tok.Token))
	require.NoError(t, svc.Revoke(context.Background(), "unknown"))

	_, err = svc.Validate(context.Background(), tok.Token)
	assert.True(t, errors.Is(err, appErrors.ErrInvalidToken))
}

func TestRevokeAllInvalidatesEverySession(t *testing.T) {
	repo := newMemoryTokenRepo()
	svc, _ := newTestSessionService(repo)
	a, _ := svc.Issue(context.Background(), "u-1", models.Provenance{})
	b, _ := svc.Issue(context.Background(), "u-1", models.Provenance{})
	other, _ := svc.Issue(context.Background(), "u-2", models.Provenance{})

	n, err := svc.RevokeAll(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, tok := range []string{a.Token, b.Token} {
		_, err := svc.Validate(context.Background(), tok)
		assert.True(t, errors.Is(err, appErrors.ErrInvalidToken))
	}
	owner, err := svc.Validate(context.Background(), other.Token)
	require.NoError(t, err)
	assert.Equal(t, "u-2", owner)
}

func TestSweepRemovesStaleSessions(t *testing.T) {
	repo := newMemoryTokenRepo()
	svc, _ := newTestSessionService(repo)
	keep, _ := svc.Issue(context.Background(), "u-1", models.Provenance{})
	drop, _ := svc.Issue(context.Background(), "u-1", models.Provenance{})
	require.NoError(t, svc.Revoke(context.Background(), drop.Token))

	n, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = svc.Validate(context.Background(), keep.Token)
	assert.NoError(t, err)
}
