package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/user-guard-api/internal/models"
	appErrors "github.com/noah-isme/user-guard-api/pkg/errors"
	"github.com/noah-isme/user-guard-api/pkg/export"
	"github.com/noah-isme/user-guard-api/pkg/jobs"
)

const (
	auditJobType       = "activity.append"
	maxPurgeDays       = 365
	defaultExportLimit = 10000
	defaultTopUsers    = 10
)

// exportColumns is the fixed column order of tabular exports.
var exportColumns = []string{"Timestamp", "User", "Email", "Action", "Success", "IP Address", "Details"}

var exportColumnWeights = []float64{3, 2.5, 3, 3, 1.2, 2, 5}

type activityRepository interface {
	Create(ctx context.Context, log *models.ActivityLog) error
	List(ctx context.Context, filter models.ActivityFilter) ([]models.ActivityLog, int, error)
	ListForExport(ctx context.Context, filter models.ActivityFilter, limit int) ([]models.ActivityLog, error)
	AggregateByAction(ctx context.Context, rng models.DateRange) ([]models.ActionStat, error)
	TopActiveUsers(ctx context.Context, rng models.DateRange, limit int) ([]models.ActiveUser, error)
	HourlyDistribution(ctx context.Context, rng models.DateRange) ([]models.HourlyBucket, error)
	CountFailedLogins(ctx context.Context, key string, since time.Time) (int, error)
	DeleteBefore(ctx context.Context, cutoff *time.Time) (int64, error)
}

type auditQueue interface {
	TryEnqueue(job jobs.Job) error
}

// AuditConfig tunes the activity log service.
type AuditConfig struct {
	ExportLimit       int
	StatsCacheTTL     time.Duration
	RetentionDays     int
	RetentionInterval time.Duration
}

// ActivityPage is one page of a listing pinned to AsOf.
type ActivityPage struct {
	Items      []models.ActivityLog
	Pagination models.Pagination
	AsOf       time.Time
}

// ExportFile is a rendered export ready for download.
type ExportFile struct {
	Filename    string
	ContentType string
	Data        []byte
	Count       int
}

// PurgeRequest is the admin cleanup payload. Days == 0 removes everything
// and must be confirmed.
type PurgeRequest struct {
	Days    *int `json:"days" validate:"required,min=0,max=365"`
	Confirm bool `json:"confirm"`
}

// AuditService owns the activity log: a best-effort write path and the
// admin read and reporting side.
type AuditService struct {
	repo      activityRepository
	queue     auditQueue
	cache     *CacheService
	metrics   *MetricsService
	validator *validator.Validate
	csv       *export.CSVExporter
	json      *export.JSONExporter
	pdf       *export.PDFExporter
	logger    *zap.Logger
	cfg       AuditConfig
	now       func() time.Time
}

// NewAuditService constructs an AuditService. Records are written inline
// until a queue is attached with UseQueue.
func NewAuditService(repo activityRepository, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg AuditConfig) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cfg.ExportLimit <= 0 {
		cfg.ExportLimit = defaultExportLimit
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = 24 * time.Hour
	}
	return &AuditService{
		repo:      repo,
		cache:     cache,
		metrics:   metrics,
		validator: validate,
		csv:       export.NewCSVExporter(),
		json:      export.NewJSONExporter(),
		pdf:       export.NewPDFExporter(),
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// UseQueue hands subsequent Record calls to q instead of writing inline.
func (s *AuditService) UseQueue(q auditQueue) {
	s.queue = q
}

// Record appends an activity record without ever failing the caller. The
// record is handed to the queue when one is attached, otherwise written
// inline. Failures are logged and counted. It returns the record as built,
// or nil when the entry was rejected.
func (s *AuditService) Record(ctx context.Context, entry models.ActivityEntry) *models.ActivityLog {
	record, err := s.build(entry)
	if err != nil {
		s.logger.Warn("activity record rejected", zap.String("action", string(entry.Action)), zap.Error(err))
		s.metrics.RecordAuditFailure("invalid")
		return nil
	}

	if s.queue != nil {
		job := jobs.Job{ID: record.ID, Type: auditJobType, Payload: *record}
		if err := s.queue.TryEnqueue(job); err != nil {
			reason := "enqueue"
			if errors.Is(err, jobs.ErrQueueFull) {
				reason = "queue_full"
			}
			s.logger.Warn("activity record dropped", zap.String("action", string(record.Action)), zap.String("reason", reason), zap.Error(err))
			s.metrics.RecordAuditFailure(reason)
		}
		return record
	}

	// inline writes must outlive a request that is already finishing
	if err := s.persist(context.WithoutCancel(ctx), record); err != nil {
		s.logger.Warn("activity record write failed", zap.String("action", string(record.Action)), zap.Error(err))
		s.metrics.RecordAuditFailure("store")
	}
	return record
}

// Append validates and synchronously persists an activity record.
func (s *AuditService) Append(ctx context.Context, entry models.ActivityEntry) (*models.ActivityLog, error) {
	record, err := s.build(entry)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, record); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrAuditWrite.Code, appErrors.ErrAuditWrite.Status, appErrors.ErrAuditWrite.Message)
	}
	return record, nil
}

// HandleJob is the queue handler persisting one queued record.
func (s *AuditService) HandleJob(ctx context.Context, job jobs.Job) error {
	record, ok := job.Payload.(models.ActivityLog)
	if !ok {
		s.logger.Error("unexpected activity job payload", zap.String("job_id", job.ID), zap.String("type", fmt.Sprintf("%T", job.Payload)))
		return nil
	}
	return s.persist(ctx, &record)
}

// HandleDrop accounts for a queued record abandoned after retries.
func (s *AuditService) HandleDrop(job jobs.Job, err error) {
	s.logger.Warn("activity record abandoned", zap.String("job_id", job.ID), zap.Error(err))
	s.metrics.RecordAuditFailure("store")
}

func (s *AuditService) build(entry models.ActivityEntry) (*models.ActivityLog, error) {
	if !entry.Action.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown activity action %q", entry.Action))
	}
	details := models.ActivityDetails{}
	for k, v := range entry.Details {
		details[k] = v
	}
	record := &models.ActivityLog{
		ID:        uuid.NewString(),
		UserID:    entry.UserID,
		Action:    entry.Action,
		Details:   details,
		IPAddress: entry.Provenance.IPAddress,
		UserAgent: entry.Provenance.UserAgent,
		Success:   entry.Success,
		CreatedAt: s.now().UTC(),
	}
	if entry.ErrorMessage != "" {
		msg := entry.ErrorMessage
		record.ErrorMessage = &msg
	}
	return record, nil
}

func (s *AuditService) persist(ctx context.Context, record *models.ActivityLog) error {
	if err := s.repo.Create(ctx, record); err != nil {
		return err
	}
	s.metrics.RecordAuditWrite(record.Action)
	return nil
}

// ListForUser returns the activity history of one user.
func (s *AuditService) ListForUser(ctx context.Context, userID string, filter models.ActivityFilter) (*ActivityPage, error) {
	if userID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "user id is required")
	}
	filter.UserID = &userID
	return s.ListAll(ctx, filter)
}

// ListAll returns activity records newest first. The first page pins AsOf
// to now and later pages continue from Pagination.NextCursor, so rows that
// commit late never move a row already returned.
func (s *AuditService) ListAll(ctx context.Context, filter models.ActivityFilter) (*ActivityPage, error) {
	if err := validateActivityFilter(filter); err != nil {
		return nil, err
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Page > 1 && filter.Cursor == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "cursor is required after the first page")
	}
	if filter.PageSize <= 0 || filter.PageSize > 100 {
		filter.PageSize = 20
	}
	if filter.AsOf == nil {
		asOf := s.now().UTC()
		filter.AsOf = &asOf
	}

	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list activity")
	}
	if items == nil {
		items = []models.ActivityLog{}
	}
	pagination := models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}
	if len(items) > filter.PageSize {
		items = items[:filter.PageSize]
		last := items[len(items)-1]
		pagination.NextCursor = models.ActivityCursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}
	return &ActivityPage{
		Items:      items,
		Pagination: pagination,
		AsOf:       *filter.AsOf,
	}, nil
}

// AggregateByAction returns per-action totals with the success split.
func (s *AuditService) AggregateByAction(ctx context.Context, rng models.DateRange) ([]models.ActionStat, error) {
	if err := validateRange(rng); err != nil {
		return nil, err
	}
	stats, err := s.repo.AggregateByAction(ctx, rng)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate activity")
	}
	return stats, nil
}

// TopActiveUsers ranks the most active users in the range.
func (s *AuditService) TopActiveUsers(ctx context.Context, rng models.DateRange, limit int) ([]models.ActiveUser, error) {
	if err := validateRange(rng); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = defaultTopUsers
	}
	users, err := s.repo.TopActiveUsers(ctx, rng, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rank active users")
	}
	return users, nil
}

// HourlyDistribution returns 24 buckets, one per UTC hour, zero filled.
func (s *AuditService) HourlyDistribution(ctx context.Context, rng models.DateRange) ([]models.HourlyBucket, error) {
	if err := validateRange(rng); err != nil {
		return nil, err
	}
	rows, err := s.repo.HourlyDistribution(ctx, rng)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compute hourly distribution")
	}
	buckets := make([]models.HourlyBucket, 24)
	for h := range buckets {
		buckets[h].Hour = h
	}
	for _, row := range rows {
		if row.Hour >= 0 && row.Hour < 24 {
			buckets[row.Hour].Count = row.Count
		}
	}
	return buckets, nil
}

// Statistics bundles the three aggregations, cached per range. The bool
// reports whether the result came from the cache.
func (s *AuditService) Statistics(ctx context.Context, rng models.DateRange) (*models.ActivityStatistics, bool, error) {
	if err := validateRange(rng); err != nil {
		return nil, false, err
	}
	key := statsCacheKey(rng)
	var cached models.ActivityStatistics
	if hit, _ := s.cache.Get(ctx, key, &cached); hit {
		return &cached, true, nil
	}

	byAction, err := s.AggregateByAction(ctx, rng)
	if err != nil {
		return nil, false, err
	}
	top, err := s.TopActiveUsers(ctx, rng, defaultTopUsers)
	if err != nil {
		return nil, false, err
	}
	hourly, err := s.HourlyDistribution(ctx, rng)
	if err != nil {
		return nil, false, err
	}

	stats := &models.ActivityStatistics{ByAction: byAction, TopUsers: top, Hourly: hourly, GeneratedAt: s.now().UTC()}
	_ = s.cache.Set(ctx, key, stats, s.cfg.StatsCacheTTL)
	return stats, false, nil
}

// CountFailedLoginsForKey counts durable LOGIN_FAILED records for an IP
// address or email over the last windowMinutes.
func (s *AuditService) CountFailedLoginsForKey(ctx context.Context, key string, windowMinutes int) (int, error) {
	if key == "" || windowMinutes <= 0 {
		return 0, appErrors.Clone(appErrors.ErrValidation, "key and a positive window are required")
	}
	since := s.now().UTC().Add(-time.Duration(windowMinutes) * time.Minute)
	count, err := s.repo.CountFailedLogins(ctx, key, since)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count failed logins")
	}
	return count, nil
}

// Export renders all records matching filter, newest first, capped at the
// configured export limit.
func (s *AuditService) Export(ctx context.Context, filter models.ActivityFilter, format export.Format) (*ExportFile, error) {
	if err := validateActivityFilter(filter); err != nil {
		return nil, err
	}
	logs, err := s.repo.ListForExport(ctx, filter, s.cfg.ExportLimit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load activity for export")
	}
	if logs == nil {
		logs = []models.ActivityLog{}
	}

	var payload []byte
	switch format {
	case export.FormatCSV:
		payload, err = s.csv.Render(activityDataset(logs))
	case export.FormatPDF:
		payload, err = s.pdf.Render(activityDataset(logs), "Activity log", exportColumnWeights)
	case export.FormatJSON:
		payload, err = s.json.Render(logs, len(logs))
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}

	return &ExportFile{
		Filename:    fmt.Sprintf("activity-logs-%s.%s", s.now().UTC().Format("20060102-150405"), format.Extension()),
		ContentType: format.ContentType(),
		Data:        payload,
		Count:       len(logs),
	}, nil
}

// Purge deletes records older than req.Days days, or every record when
// Days is 0 and Confirm is set. Input is validated before anything is
// deleted. The cleanup itself is recorded afterwards.
func (s *AuditService) Purge(ctx context.Context, req PurgeRequest, actorID string, prov models.Provenance) (int64, error) {
	if err := s.validator.Struct(req); err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, fmt.Sprintf("days must be between 0 and %d", maxPurgeDays))
	}
	days := *req.Days
	if days == 0 && !req.Confirm {
		return 0, appErrors.Clone(appErrors.ErrValidation, "deleting all activity records requires confirm=true")
	}

	deleted, err := s.purgeOlderThan(ctx, days)
	if err != nil {
		return 0, err
	}

	var userID *string
	if actorID != "" {
		userID = &actorID
	}
	s.Record(ctx, models.ActivityEntry{
		UserID:     userID,
		Action:     models.ActionAdminLogsCleanup,
		Details:    models.ActivityDetails{"days": days, "deletedCount": deleted},
		Provenance: prov,
		Success:    true,
	})
	return deleted, nil
}

func (s *AuditService) purgeOlderThan(ctx context.Context, days int) (int64, error) {
	var cutoff *time.Time
	if days > 0 {
		c := s.now().UTC().AddDate(0, 0, -days)
		cutoff = &c
	}
	deleted, err := s.repo.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to purge activity")
	}
	_ = s.cache.Invalidate(ctx, Key("activity", "stats", "*"))
	return deleted, nil
}

// StartRetention purges records older than the configured retention every
// RetentionInterval until ctx is cancelled. A retention of 0 disables it.
func (s *AuditService) StartRetention(ctx context.Context) {
	if s.cfg.RetentionDays <= 0 || s.cfg.RetentionDays > maxPurgeDays {
		return
	}
	ticker := time.NewTicker(s.cfg.RetentionInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runRetention(ctx)
			}
		}
	}()
}

func (s *AuditService) runRetention(ctx context.Context) {
	deleted, err := s.purgeOlderThan(ctx, s.cfg.RetentionDays)
	if err != nil {
		s.logger.Warn("activity retention failed", zap.Error(err))
		return
	}
	if deleted == 0 {
		return
	}
	s.logger.Info("activity retention purged records", zap.Int64("deleted", deleted), zap.Int("days", s.cfg.RetentionDays))
	s.Record(ctx, models.ActivityEntry{
		Action:  models.ActionAdminLogsCleanup,
		Details: models.ActivityDetails{"days": s.cfg.RetentionDays, "deletedCount": deleted, "trigger": "retention"},
		Success: true,
	})
}

func activityDataset(logs []models.ActivityLog) export.Dataset {
	rows := make([]map[string]string, 0, len(logs))
	for _, log := range logs {
		success := "No"
		if log.Success {
			success = "Yes"
		}
		details, err := json.Marshal(log.Details)
		if err != nil || log.Details == nil {
			details = []byte("{}")
		}
		rows = append(rows, map[string]string{
			"Timestamp":  log.CreatedAt.UTC().Format(time.RFC3339),
			"User":       deref(log.UserName),
			"Email":      deref(log.UserEmail),
			"Action":     string(log.Action),
			"Success":    success,
			"IP Address": log.IPAddress,
			"Details":    string(details),
		})
	}
	return export.Dataset{Headers: exportColumns, Rows: rows}
}

func validateActivityFilter(filter models.ActivityFilter) error {
	for _, action := range filter.Actions {
		if !action.Valid() {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown activity action %q", action))
		}
	}
	return validateRange(models.DateRange{From: filter.DateFrom, To: filter.DateTo})
}

func validateRange(rng models.DateRange) error {
	if rng.From != nil && rng.To != nil && rng.From.After(*rng.To) {
		return appErrors.Clone(appErrors.ErrValidation, "date range start must not be after its end")
	}
	return nil
}

func statsCacheKey(rng models.DateRange) string {
	bound := func(t *time.Time) string {
		if t == nil {
			return "open"
		}
		return t.UTC().Format("20060102T1504")
	}
	return Key("activity", "stats", bound(rng.From), bound(rng.To))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
