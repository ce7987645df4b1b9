package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/user-guard-api/internal/models"
	appErrors "github.com/noah-isme/user-guard-api/pkg/errors"
)

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error
}

type sessionManager interface {
	Issue(ctx context.Context, userID string, prov models.Provenance) (*models.RefreshToken, error)
	Rotate(ctx context.Context, oldToken string) (*models.RefreshToken, error)
	Lookup(ctx context.Context, token string) (*models.RefreshToken, error)
	Revoke(ctx context.Context, token string) error
	RevokeAll(ctx context.Context, userID string) (int64, error)
}

type activityRecorder interface {
	Record(ctx context.Context, entry models.ActivityEntry) *models.ActivityLog
}

// AuthService provides authentication use cases.
type AuthService struct {
	users     authUserRepository
	sessions  sessionManager
	audit     activityRecorder
	hasher    PasswordHasher
	tokens    AccessTokenIssuer
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(users authUserRepository, sessions sessionManager, audit activityRecorder, hasher PasswordHasher, tokens AccessTokenIssuer, validate *validator.Validate, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	return &AuthService{
		users:     users,
		sessions:  sessions,
		audit:     audit,
		hasher:    hasher,
		tokens:    tokens,
		validator: validate,
		logger:    logger,
		now:       time.Now,
	}
}

// Login authenticates a user and returns issued tokens. Every failure is
// recorded as LOGIN_FAILED.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}
	prov := models.Provenance{IPAddress: req.IP, UserAgent: req.UserAgent}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.loginFailed(ctx, nil, email, "unknown_email", prov)
			return nil, appErrors.ErrInvalidCredentials
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if !user.Active {
		s.loginFailed(ctx, &user.ID, email, "inactive", prov)
		return nil, appErrors.ErrInactiveAccount
	}

	if !s.hasher.Verify(user.PasswordHash, req.Password) {
		s.loginFailed(ctx, &user.ID, email, "invalid_password", prov)
		return nil, appErrors.ErrInvalidCredentials
	}

	session, err := s.sessions.Issue(ctx, user.ID, prov)
	if err != nil {
		return nil, err
	}

	accessToken, expiresAt, err := s.tokens.Issue(user)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	now := s.now().UTC()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("failed to update last login", zap.Error(err))
	}

	s.record(ctx, &user.ID, models.ActionLogin, models.ActivityDetails{"email": email}, prov, true, "")

	return &models.LoginResponse{
		AccessToken:  accessToken,
		RefreshToken: session.Token,
		ExpiresIn:    secondsUntil(now, expiresAt),
		IssuedAt:     now,
		User:         userInfo(user),
	}, nil
}

// Refresh rotates a refresh token and issues a new access token. Every
// rejection of the token itself is reported as ErrInvalidToken; store
// failures surface as internal errors and leave the token usable.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshTokenRequest) (*models.RefreshTokenResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.ErrInvalidToken
	}

	session, err := s.sessions.Lookup(ctx, req.RefreshToken)
	if err != nil {
		return nil, err
	}

	user, err := s.users.FindByID(ctx, session.UserID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if err != nil || !user.Active {
		if revokeErr := s.sessions.Revoke(ctx, req.RefreshToken); revokeErr != nil {
			s.logger.Warn("failed to revoke refresh token of unavailable user", zap.Error(revokeErr))
		}
		return nil, appErrors.ErrInvalidToken
	}

	// Rotate re-checks the token atomically, so a concurrent rotation still loses here
	next, err := s.sessions.Rotate(ctx, req.RefreshToken)
	if err != nil {
		return nil, err
	}

	accessToken, expiresAt, err := s.tokens.Issue(user)
	if err != nil {
		s.logger.Error("failed to create access token during refresh", zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	now := s.now().UTC()
	return &models.RefreshTokenResponse{
		AccessToken:  accessToken,
		RefreshToken: next.Token,
		ExpiresIn:    secondsUntil(now, expiresAt),
		IssuedAt:     now,
	}, nil
}

// Logout revokes one refresh token owned by userID. Unknown or already
// revoked tokens succeed silently.
func (s *AuthService) Logout(ctx context.Context, userID, refreshToken string, prov models.Provenance) error {
	session, err := s.sessions.Lookup(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, appErrors.ErrInvalidToken) {
			return nil
		}
		return err
	}
	if session.UserID != userID {
		return appErrors.Clone(appErrors.ErrForbidden, "token does not belong to user")
	}
	if err := s.sessions.Revoke(ctx, refreshToken); err != nil {
		return err
	}
	s.record(ctx, &userID, models.ActionLogout, models.ActivityDetails{"scope": "single"}, prov, true, "")
	return nil
}

// LogoutAll revokes every session of userID.
func (s *AuthService) LogoutAll(ctx context.Context, userID string, prov models.Provenance) (int64, error) {
	revoked, err := s.sessions.RevokeAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.record(ctx, &userID, models.ActionLogout, models.ActivityDetails{"scope": "all", "revoked": revoked}, prov, true, "")
	return revoked, nil
}

// ChangePassword changes the password for the given user ID and signs out
// every session.
func (s *AuthService) ChangePassword(ctx context.Context, userID string, req models.ChangePasswordRequest, prov models.Provenance) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid change password payload")
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	if !s.hasher.Verify(user.PasswordHash, req.OldPassword) {
		s.record(ctx, &userID, models.ActionPasswordChange, nil, prov, false, "old password does not match")
		return appErrors.Clone(appErrors.ErrForbidden, "old password does not match")
	}

	newHash, err := s.hasher.Hash(req.NewPassword)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	if err := s.users.UpdatePassword(ctx, userID, newHash, s.now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update password")
	}

	revoked, err := s.sessions.RevokeAll(ctx, userID)
	if err != nil {
		s.logger.Warn("failed to revoke sessions after password change", zap.Error(err))
	}

	s.record(ctx, &userID, models.ActionPasswordChange, models.ActivityDetails{"sessionsRevoked": revoked}, prov, true, "")
	return nil
}

// ForgotPassword accepts a reset request. The response never reveals
// whether the address is registered.
func (s *AuthService) ForgotPassword(ctx context.Context, req models.ForgotPasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid forgot password payload")
	}
	s.logger.Info("password reset requested", zap.String("email", strings.ToLower(strings.TrimSpace(req.Email))))
	return nil
}

// Me returns the profile of the authenticated user.
func (s *AuthService) Me(ctx context.Context, userID string) (*models.UserInfo, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	info := userInfo(user)
	return &info, nil
}

// ValidateToken parses and validates an access token returning the claims.
func (s *AuthService) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	return s.tokens.Parse(tokenString)
}

func (s *AuthService) loginFailed(ctx context.Context, userID *string, email, reason string, prov models.Provenance) {
	s.record(ctx, userID, models.ActionLoginFailed, models.ActivityDetails{"email": email, "reason": reason}, prov, false, reason)
}

func (s *AuthService) record(ctx context.Context, userID *string, action models.ActivityAction, details models.ActivityDetails, prov models.Provenance, success bool, errMsg string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, models.ActivityEntry{
		UserID:       userID,
		Action:       action,
		Details:      details,
		Provenance:   prov,
		Success:      success,
		ErrorMessage: errMsg,
	})
}

func secondsUntil(now, t time.Time) int64 {
	return int64(t.Sub(now).Round(time.Second) / time.Second)
}

func userInfo(user *models.User) models.UserInfo {
	return models.UserInfo{ID: user.ID, Email: user.Email, FullName: user.FullName, Role: user.Role}
}
