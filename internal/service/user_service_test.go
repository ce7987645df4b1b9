package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/user-guard-api/internal/models"
	appErrors "github.com/noah-isme/user-guard-api/pkg/errors"
)

type mockUserRepo struct {
	roles     map[string]models.UserRole
	updateErr error
}

func (m *mockUserRepo) UpdateRole(ctx context.Context, id string, role models.UserRole, updatedAt time.Time) (bool, error) {
	if m.updateErr != nil {
		return false, m.updateErr
	}
	if _, ok := m.roles[id]; !ok {
		return false, nil
	}
	m.roles[id] = role
	return true, nil
}

func TestUserServiceUpdateRoleRevokesSessions(t *testing.T) {
	repo := &mockUserRepo{roles: map[string]models.UserRole{"u1": models.RoleUser}}
	sessions := NewSessionService(newMemoryTokenRepo(), nil, nil, nil, SessionConfig{})
	audit := &auditRecorderStub{}
	svc := NewUserService(repo, sessions, audit, validator.New(), zap.NewNop())

	tok, err := sessions.Issue(context.Background(), "u1", models.Provenance{})
	require.NoError(t, err)

	revoked, err := svc.UpdateRole(context.Background(), "admin-1", "u1", models.UpdateRoleRequest{Role: models.RoleAdmin}, models.Provenance{IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), revoked)
	assert.Equal(t, models.RoleAdmin, repo.roles["u1"])

	_, err = sessions.Validate(context.Background(), tok.Token)
	assert.True(t, errors.Is(err, appErrors.ErrInvalidToken))

	require.Len(t, audit.entries, 1)
	entry := audit.entries[0]
	assert.Equal(t, models.ActionRoleUpdate, entry.Action)
	assert.Equal(t, "u1", entry.Details["targetUserId"])
	require.NotNil(t, entry.UserID)
	assert.Equal(t, "admin-1", *entry.UserID)
}

func TestUserServiceUpdateRoleValidation(t *testing.T) {
	repo := &mockUserRepo{roles: map[string]models.UserRole{"u1": models.RoleUser}}
	svc := NewUserService(repo, NewSessionService(newMemoryTokenRepo(), nil, nil, nil, SessionConfig{}), nil, nil, nil)

	_, err := svc.UpdateRole(context.Background(), "admin-1", "u1", models.UpdateRoleRequest{Role: "OWNER"}, models.Provenance{})
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
	assert.Equal(t, models.RoleUser, repo.roles["u1"])

	_, err = svc.UpdateRole(context.Background(), "admin-1", "missing", models.UpdateRoleRequest{Role: models.RoleAdmin}, models.Provenance{})
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestUserServiceUpdateRoleStoreFailure(t *testing.T) {
	repo := &mockUserRepo{updateErr: errors.New("db down")}
	svc := NewUserService(repo, NewSessionService(newMemoryTokenRepo(), nil, nil, nil, SessionConfig{}), nil, nil, nil)

	_, err := svc.UpdateRole(context.Background(), "admin-1", "u1", models.UpdateRoleRequest{Role: models.RoleAdmin}, models.Provenance{})
	assert.True(t, errors.Is(err, appErrors.ErrInternal))
}
