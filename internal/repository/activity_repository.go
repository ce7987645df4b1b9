package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/user-guard-api/internal/models"
)

const activitySelect = `SELECT a.id, a.user_id, a.action, a.details, a.ip_address, a.user_agent, a.success, a.error_message, a.created_at, u.full_name AS user_name, u.email AS user_email FROM activity_logs a LEFT JOIN users u ON u.id = a.user_id`

// ActivityRepository manages the append-only activity_logs table.
type ActivityRepository struct {
	db *sqlx.DB
}

// NewActivityRepository creates a new instance of ActivityRepository.
func NewActivityRepository(db *sqlx.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Create appends an activity record.
func (r *ActivityRepository) Create(ctx context.Context, log *models.ActivityLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	if log.Details == nil {
		log.Details = models.ActivityDetails{}
	}
	const query = `INSERT INTO activity_logs (id, user_id, action, details, ip_address, user_agent, success, error_message, created_at) VALUES (:id, :user_id, :action, :details, :ip_address, :user_agent, :success, :error_message, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, log); err != nil {
		return fmt.Errorf("create activity log: %w", err)
	}
	return nil
}

// List returns records newest first together with the total count. Pages
// are keyed on (created_at, id) after filter.Cursor, and up to PageSize+1
// rows are returned so the caller can tell whether another page follows.
func (r *ActivityRepository) List(ctx context.Context, filter models.ActivityFilter) ([]models.ActivityLog, int, error) {
	where, args := buildActivityWhere(filter)

	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	listWhere := where
	listArgs := append([]interface{}{}, args...)
	if filter.Cursor != nil {
		listWhere += fmt.Sprintf(" AND (a.created_at, a.id) < ($%d, $%d)", len(listArgs)+1, len(listArgs)+2)
		listArgs = append(listArgs, filter.Cursor.CreatedAt, filter.Cursor.ID)
	}

	listQuery := fmt.Sprintf("%s %s ORDER BY a.created_at DESC, a.id DESC LIMIT %d", activitySelect, listWhere, pageSize+1)
	var logs []models.ActivityLog
	if err := r.db.SelectContext(ctx, &logs, listQuery, listArgs...); err != nil {
		return nil, 0, fmt.Errorf("list activity logs: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM activity_logs a LEFT JOIN users u ON u.id = a.user_id %s", where)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count activity logs: %w", err)
	}
	return logs, total, nil
}

// ListForExport returns up to limit matching records newest first.
func (r *ActivityRepository) ListForExport(ctx context.Context, filter models.ActivityFilter, limit int) ([]models.ActivityLog, error) {
	where, args := buildActivityWhere(filter)
	if limit <= 0 {
		limit = 10000
	}
	query := fmt.Sprintf("%s %s ORDER BY a.created_at DESC, a.id DESC LIMIT %d", activitySelect, where, limit)
	var logs []models.ActivityLog
	if err := r.db.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, fmt.Errorf("export activity logs: %w", err)
	}
	return logs, nil
}

// AggregateByAction counts records per action inside the range.
func (r *ActivityRepository) AggregateByAction(ctx context.Context, rng models.DateRange) ([]models.ActionStat, error) {
	where, args := buildRangeWhere(rng)
	query := fmt.Sprintf(`SELECT action, COUNT(*) AS total, COUNT(*) FILTER (WHERE success) AS succeeded, COUNT(*) FILTER (WHERE NOT success) AS failed FROM activity_logs %s GROUP BY action ORDER BY total DESC, action ASC`, where)
	var stats []models.ActionStat
	if err := r.db.SelectContext(ctx, &stats, query, args...); err != nil {
		return nil, fmt.Errorf("aggregate activity by action: %w", err)
	}
	return stats, nil
}

// TopActiveUsers ranks users by record count inside the range.
func (r *ActivityRepository) TopActiveUsers(ctx context.Context, rng models.DateRange, limit int) ([]models.ActiveUser, error) {
	where, args := buildRangeWhere(rng)
	if limit <= 0 {
		limit = 10
	}
	query := fmt.Sprintf(`SELECT a.user_id, u.full_name, u.email, COUNT(*) AS activity_count, MAX(a.created_at) AS last_seen FROM activity_logs a LEFT JOIN users u ON u.id = a.user_id %s AND a.user_id IS NOT NULL GROUP BY a.user_id, u.full_name, u.email ORDER BY activity_count DESC, last_seen DESC LIMIT %d`, qualifyRange(where), limit)
	var users []models.ActiveUser
	if err := r.db.SelectContext(ctx, &users, query, args...); err != nil {
		return nil, fmt.Errorf("top active users: %w", err)
	}
	return users, nil
}

// HourlyDistribution counts records per UTC hour of day. Hours without
// records are omitted.
func (r *ActivityRepository) HourlyDistribution(ctx context.Context, rng models.DateRange) ([]models.HourlyBucket, error) {
	where, args := buildRangeWhere(rng)
	query := fmt.Sprintf(`SELECT EXTRACT(HOUR FROM created_at AT TIME ZONE 'UTC')::int AS hour, COUNT(*) AS count FROM activity_logs %s GROUP BY 1 ORDER BY 1`, where)
	var buckets []models.HourlyBucket
	if err := r.db.SelectContext(ctx, &buckets, query, args...); err != nil {
		return nil, fmt.Errorf("hourly activity distribution: %w", err)
	}
	return buckets, nil
}

// CountFailedLogins counts LOGIN_FAILED records since the given instant
// whose IP address or attempted email equals key.
func (r *ActivityRepository) CountFailedLogins(ctx context.Context, key string, since time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM activity_logs WHERE action = $1 AND created_at >= $2 AND (ip_address = $3 OR details->>'email' = $3)`
	var count int
	if err := r.db.GetContext(ctx, &count, query, string(models.ActionLoginFailed), since, key); err != nil {
		return 0, fmt.Errorf("count failed logins: %w", err)
	}
	return count, nil
}

// DeleteBefore removes records created before cutoff. A nil cutoff removes
// every record.
func (r *ActivityRepository) DeleteBefore(ctx context.Context, cutoff *time.Time) (int64, error) {
	query := `DELETE FROM activity_logs`
	var args []interface{}
	if cutoff != nil {
		query += ` WHERE created_at < $1`
		args = append(args, *cutoff)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete activity logs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete activity logs rows: %w", err)
	}
	return affected, nil
}

func buildActivityWhere(filter models.ActivityFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filter.UserID != nil {
		conditions = append(conditions, fmt.Sprintf("a.user_id = $%d", len(args)+1))
		args = append(args, *filter.UserID)
	}
	if len(filter.Actions) > 0 {
		actions := make([]string, 0, len(filter.Actions))
		for _, action := range filter.Actions {
			actions = append(actions, string(action))
		}
		conditions = append(conditions, fmt.Sprintf("a.action = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(actions))
	}
	if filter.Success != nil {
		conditions = append(conditions, fmt.Sprintf("a.success = $%d", len(args)+1))
		args = append(args, *filter.Success)
	}
	if filter.DateFrom != nil {
		conditions = append(conditions, fmt.Sprintf("a.created_at >= $%d", len(args)+1))
		args = append(args, *filter.DateFrom)
	}
	if filter.DateTo != nil {
		conditions = append(conditions, fmt.Sprintf("a.created_at <= $%d", len(args)+1))
		args = append(args, *filter.DateTo)
	}
	if filter.AsOf != nil {
		conditions = append(conditions, fmt.Sprintf("a.created_at <= $%d", len(args)+1))
		args = append(args, *filter.AsOf)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		idx := len(args) + 1
		conditions = append(conditions, fmt.Sprintf("(LOWER(u.full_name) LIKE $%d OR LOWER(u.email) LIKE $%d OR a.ip_address LIKE $%d)", idx, idx, idx))
		args = append(args, "%"+likeEscaper.Replace(strings.ToLower(search))+"%")
	}

	where := "WHERE 1=1"
	if len(conditions) > 0 {
		where += " AND " + strings.Join(conditions, " AND ")
	}
	return where, args
}

// likeEscaper escapes LIKE wildcards in user input; backslash is the default escape character.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func buildRangeWhere(rng models.DateRange) (string, []interface{}) {
	var conditions []string
	var args []interface{}
	if rng.From != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)+1))
		args = append(args, *rng.From)
	}
	if rng.To != nil {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)+1))
		args = append(args, *rng.To)
	}
	where := "WHERE 1=1"
	if len(conditions) > 0 {
		where += " AND " + strings.Join(conditions, " AND ")
	}
	return where, args
}

// qualifyRange prefixes created_at for queries joining users.
func qualifyRange(where string) string {
	return strings.ReplaceAll(where, "created_at", "a.created_at")
}
