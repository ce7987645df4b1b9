package service

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/user-guard-api/internal/models"
	appErrors "github.com/noah-isme/user-guard-api/pkg/errors"
)

type userRepository interface {
	UpdateRole(ctx context.Context, id string, role models.UserRole, updatedAt time.Time) (bool, error)
}

type sessionRevoker interface {
	RevokeAll(ctx context.Context, userID string) (int64, error)
}

// UserService handles administrative user workflows.
type UserService struct {
	repo      userRepository
	sessions  sessionRevoker
	audit     activityRecorder
	validator *validator.Validate
	logger    *zap.Logger
}

// NewUserService creates an instance of UserService.
func NewUserService(repo userRepository, sessions sessionRevoker, audit activityRecorder, validate *validator.Validate, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &UserService{repo: repo, sessions: sessions, audit: audit, validator: validate, logger: logger}
}

// UpdateRole changes the role of userID and signs the user out everywhere so
// tokens carrying the old role stop working.
func (s *UserService) UpdateRole(ctx context.Context, actorID, userID string, req models.UpdateRoleRequest, prov models.Provenance) (int64, error) {
	if err := s.validator.Struct(req); err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid role payload")
	}
	if userID == "" {
		return 0, appErrors.Clone(appErrors.ErrValidation, "user id is required")
	}

	found, err := s.repo.UpdateRole(ctx, userID, req.Role, time.Now().UTC())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update role")
	}
	if !found {
		return 0, appErrors.Clone(appErrors.ErrNotFound, "user not found")
	}

	revoked, err := s.sessions.RevokeAll(ctx, userID)
	if err != nil {
		s.logger.Error("failed to revoke sessions after role change", zap.String("user_id", userID), zap.Error(err))
		return 0, err
	}

	if s.audit != nil {
		var actor *string
		if actorID != "" {
			actor = &actorID
		}
		s.audit.Record(ctx, models.ActivityEntry{
			UserID:     actor,
			Action:     models.ActionRoleUpdate,
			Details:    models.ActivityDetails{"targetUserId": userID, "role": string(req.Role), "sessionsRevoked": revoked},
			Provenance: prov,
			Success:    true,
		})
	}
	return revoked, nil
}
