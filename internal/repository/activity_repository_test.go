package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/user-guard-api/internal/models"
)

var activityColumns = []string{"id", "user_id", "action", "details", "ip_address", "user_agent", "success", "error_message", "created_at", "user_name", "user_email"}

func TestActivityCreate(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewActivityRepository(db)

	mock.ExpectExec("INSERT INTO activity_logs").WillReturnResult(sqlmock.NewResult(1, 1))

	log := &models.ActivityLog{Action: models.ActionLogin, IPAddress: "10.0.0.1", Success: true}
	require.NoError(t, repo.Create(context.Background(), log))
	assert.NotEmpty(t, log.ID)
	assert.NotNil(t, log.Details)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivityListDefaultQuery(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewActivityRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows(activityColumns).
		AddRow("a2", "u1", "LOGIN", []byte(`{"email":"a@example.com"}`), "10.0.0.1", "curl", true, nil, now, "Alice", "a@example.com").
		AddRow("a1", nil, "LOGIN_FAILED", []byte(`{}`), "10.0.0.2", "curl", false, "invalid credentials", now.Add(-time.Minute), nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM activity_logs a LEFT JOIN users u ON u.id = a.user_id WHERE 1=1 ORDER BY a.created_at DESC, a.id DESC LIMIT 21")).
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM activity_logs a LEFT JOIN users u ON u.id = a.user_id WHERE 1=1")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	logs, total, err := repo.List(context.Background(), models.ActivityFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 2, total)
	assert.Equal(t, "a@example.com", logs[0].Details["email"])
	assert.Nil(t, logs[1].UserID)
	require.NotNil(t, logs[1].ErrorMessage)
	assert.Equal(t, "invalid credentials", *logs[1].ErrorMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivityListAppliesFiltersAndSnapshot(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewActivityRepository(db)

	userID := "u1"
	success := false
	asOf := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cursor := &models.ActivityCursor{CreatedAt: asOf.Add(-time.Hour), ID: "a-20"}
	filter := models.ActivityFilter{
		UserID:   &userID,
		Actions:  []models.ActivityAction{models.ActionLoginFailed, models.ActionAccountLocked},
		Success:  &success,
		AsOf:     &asOf,
		Search:   " Alice ",
		Cursor:   cursor,
		Page:     2,
		PageSize: 10,
	}

	where := "WHERE 1=1 AND a.user_id = $1 AND a.action = ANY($2) AND a.success = $3 AND a.created_at <= $4 AND (LOWER(u.full_name) LIKE $5 OR LOWER(u.email) LIKE $5 OR a.ip_address LIKE $5)"
	mock.ExpectQuery(regexp.QuoteMeta(where+" AND (a.created_at, a.id) < ($6, $7) ORDER BY a.created_at DESC, a.id DESC LIMIT 11")).
		WithArgs("u1", sqlmock.AnyArg(), false, asOf, "%alice%", cursor.CreatedAt, "a-20").
		WillReturnRows(sqlmock.NewRows(activityColumns))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM activity_logs a LEFT JOIN users u ON u.id = a.user_id "+where)).
		WithArgs("u1", sqlmock.AnyArg(), false, asOf, "%alice%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	logs, total, err := repo.List(context.Background(), filter)
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.Zero(t, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivitySearchEscapesWildcards(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewActivityRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("LIKE $1")).
		WithArgs(`%50\%\_off%`).
		WillReturnRows(sqlmock.NewRows(activityColumns))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WithArgs(`%50\%\_off%`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	_, _, err := repo.List(context.Background(), models.ActivityFilter{Search: "50%_OFF"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivityAggregateByAction(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewActivityRepository(db)

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM activity_logs WHERE 1=1 AND created_at >= $1 GROUP BY action")).
		WithArgs(from).
		WillReturnRows(sqlmock.NewRows([]string{"action", "total", "succeeded", "failed"}).
			AddRow("LOGIN", 5, 5, 0).
			AddRow("LOGIN_FAILED", 3, 0, 3))

	stats, err := repo.AggregateByAction(context.Background(), models.DateRange{From: &from})
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, models.ActionLogin, stats[0].Action)
	assert.Equal(t, 3, stats[1].Failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivityTopActiveUsersQualifiesRange(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewActivityRepository(db)

	to := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE 1=1 AND a.created_at <= $1 AND a.user_id IS NOT NULL GROUP BY a.user_id, u.full_name, u.email ORDER BY activity_count DESC, last_seen DESC LIMIT 5")).
		WithArgs(to).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "full_name", "email", "activity_count", "last_seen"}).
			AddRow("u1", "Alice", "a@example.com", 12, to))

	users, err := repo.TopActiveUsers(context.Background(), models.DateRange{To: &to}, 5)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, 12, users[0].Count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivityHourlyDistribution(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewActivityRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXTRACT(HOUR FROM created_at AT TIME ZONE 'UTC')::int AS hour, COUNT(*) AS count FROM activity_logs WHERE 1=1 GROUP BY 1 ORDER BY 1")).
		WillReturnRows(sqlmock.NewRows([]string{"hour", "count"}).AddRow(9, 4).AddRow(14, 2))

	buckets, err := repo.HourlyDistribution(context.Background(), models.DateRange{})
	require.NoError(t, err)
	assert.Equal(t, []models.HourlyBucket{{Hour: 9, Count: 4}, {Hour: 14, Count: 2}}, buckets)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivityCountFailedLogins(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewActivityRepository(db)

	since := time.Date(2024, 3, 1, 9, 45, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM activity_logs WHERE action = $1 AND created_at >= $2 AND (ip_address = $3 OR details->>'email' = $3)")).
		WithArgs("LOGIN_FAILED", since, "10.0.0.1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	count, err := repo.CountFailedLogins(context.Background(), "10.0.0.1", since)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivityDeleteBefore(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewActivityRepository(db)

	cutoff := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM activity_logs WHERE created_at < $1")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))
	mock.ExpectExec(`^DELETE FROM activity_logs$`).
		WillReturnResult(sqlmock.NewResult(0, 30))

	n, err := repo.DeleteBefore(context.Background(), &cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	n, err = repo.DeleteBefore(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(30), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
