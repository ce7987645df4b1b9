package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/user-guard-api/internal/models"
	appErrors "github.com/noah-isme/user-guard-api/pkg/errors"
)

const refreshTokenBytes = 32

type refreshTokenRepository interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	FindByToken(ctx context.Context, token string) (*models.RefreshToken, error)
	Rotate(ctx context.Context, oldToken string, next *models.RefreshToken, now time.Time) error
	Revoke(ctx context.Context, token string, revokedAt time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string, revokedAt time.Time) (int64, error)
	DeleteStale(ctx context.Context, now time.Time) (int64, error)
}

// TokenGenerator produces opaque refresh token values.
type TokenGenerator interface {
	Generate() (string, error)
}

// RandomTokenGenerator returns 32 random bytes encoded as unpadded base64url.
type RandomTokenGenerator struct{}

// Generate implements TokenGenerator.
func (RandomTokenGenerator) Generate() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// SessionConfig controls refresh token lifetime and housekeeping.
type SessionConfig struct {
	RefreshTTL    time.Duration
	SweepInterval time.Duration
}

// SessionService manages refresh token sessions. Every lookup failure is
// reported as the same ErrInvalidToken.
type SessionService struct {
	repo      refreshTokenRepository
	generator TokenGenerator
	metrics   *MetricsService
	logger    *zap.Logger
	cfg       SessionConfig
	now       func() time.Time
}

// NewSessionService constructs a SessionService.
func NewSessionService(repo refreshTokenRepository, generator TokenGenerator, metrics *MetricsService, logger *zap.Logger, cfg SessionConfig) *SessionService {
	if generator == nil {
		generator = RandomTokenGenerator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	return &SessionService{repo: repo, generator: generator, metrics: metrics, logger: logger, cfg: cfg, now: time.Now}
}

// RefreshTTL returns the lifetime given to new refresh tokens.
func (s *SessionService) RefreshTTL() time.Duration {
	return s.cfg.RefreshTTL
}

// Issue creates a new session for userID. Existing sessions are untouched.
func (s *SessionService) Issue(ctx context.Context, userID string, prov models.Provenance) (*models.RefreshToken, error) {
	if userID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "user id is required")
	}
	token, err := s.newToken()
	if err != nil {
		return nil, err
	}
	token.UserID = userID
	token.IPAddress = prov.IPAddress
	token.UserAgent = prov.UserAgent

	if err := s.repo.Create(ctx, token); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
	}
	s.metrics.RecordTokenOperation("issue", true)
	return token, nil
}

// Rotate consumes oldToken and returns its replacement. Of concurrent
// rotations of the same token exactly one succeeds. Only a token that is
// unknown, revoked or expired yields ErrInvalidToken; store failures are
// internal errors.
func (s *SessionService) Rotate(ctx context.Context, oldToken string) (*models.RefreshToken, error) {
	if oldToken == "" {
		s.metrics.RecordTokenOperation("rotate", false)
		return nil, appErrors.ErrInvalidToken
	}
	next, err := s.newToken()
	if err != nil {
		return nil, err
	}
	if err := s.repo.Rotate(ctx, oldToken, next, next.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.RecordTokenOperation("rotate", false)
			s.logger.Debug("refresh token rotation rejected")
			return nil, appErrors.ErrInvalidToken
		}
		s.logger.Warn("refresh token rotation failed", zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate refresh token")
	}
	s.metrics.RecordTokenOperation("rotate", true)
	return next, nil
}

// Revoke marks token revoked. Revoking an unknown or already revoked token is
// not an error.
func (s *SessionService) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	revoked, err := s.repo.Revoke(ctx, token, s.now().UTC())
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
	}
	s.metrics.RecordTokenOperation("revoke", revoked)
	return nil
}

// RevokeAll revokes every active session of userID.
func (s *SessionService) RevokeAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.repo.RevokeAllForUser(ctx, userID, s.now().UTC())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke sessions")
	}
	s.metrics.RecordTokenOperation("revoke_all", true)
	return n, nil
}

// Lookup returns the active session for token.
func (s *SessionService) Lookup(ctx context.Context, token string) (*models.RefreshToken, error) {
	if token == "" {
		return nil, appErrors.ErrInvalidToken
	}
	rt, err := s.repo.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrInvalidToken
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load refresh token")
	}
	if !rt.Active(s.now()) {
		return nil, appErrors.ErrInvalidToken
	}
	return rt, nil
}

// Validate returns the owner of token when it is active.
func (s *SessionService) Validate(ctx context.Context, token string) (string, error) {
	rt, err := s.Lookup(ctx, token)
	if err != nil {
		return "", err
	}
	return rt.UserID, nil
}

// Sweep deletes expired and revoked sessions.
func (s *SessionService) Sweep(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteStale(ctx, s.now().UTC())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sweep refresh tokens")
	}
	return n, nil
}

// StartSweeper runs Sweep every SweepInterval until ctx is cancelled.
func (s *SessionService) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.Sweep(ctx)
				if err != nil {
					s.logger.Warn("refresh token sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					s.logger.Info("refresh tokens swept", zap.Int64("deleted", n))
				}
			}
		}
	}()
}

func (s *SessionService) newToken() (*models.RefreshToken, error) {
	value, err := s.generator.Generate()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate refresh token")
	}
	now := s.now().UTC()
	return &models.RefreshToken{
		ID:        uuid.NewString(),
		Token:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
	}, nil
}
