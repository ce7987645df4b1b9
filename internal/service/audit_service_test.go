package service

import (
	"context"
	"encoding/csv"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/user-guard-api/internal/models"
	appErrors "github.com/noah-isme/user-guard-api/pkg/errors"
	"github.com/noah-isme/user-guard-api/pkg/export"
	"github.com/noah-isme/user-guard-api/pkg/jobs"
)

type activityRepoStub struct {
	mu          sync.Mutex
	created     []models.ActivityLog
	createErr   error
	listFilter  models.ActivityFilter
	listItems   []models.ActivityLog
	listTotal   int
	exportLogs  []models.ActivityLog
	exportLimit int
	hourly      []models.HourlyBucket
	aggregated  int
	failedCount int
	failedSince time.Time
	deleteCalls []*time.Time
	deleted     int64
}

func (s *activityRepoStub) Create(ctx context.Context, log *models.ActivityLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, *log)
	return nil
}

func (s *activityRepoStub) List(ctx context.Context, filter models.ActivityFilter) ([]models.ActivityLog, int, error) {
	s.listFilter = filter
	return s.listItems, s.listTotal, nil
}

func (s *activityRepoStub) ListForExport(ctx context.Context, filter models.ActivityFilter, limit int) ([]models.ActivityLog, error) {
	s.exportLimit = limit
	return s.exportLogs, nil
}

func (s *activityRepoStub) AggregateByAction(ctx context.Context, rng models.DateRange) ([]models.ActionStat, error) {
	s.aggregated++
	return []models.ActionStat{{Action: models.ActionLogin, Total: 2, Succeeded: 2}}, nil
}

func (s *activityRepoStub) TopActiveUsers(ctx context.Context, rng models.DateRange, limit int) ([]models.ActiveUser, error) {
	return []models.ActiveUser{{UserID: "u-1", Count: 2}}, nil
}

func (s *activityRepoStub) HourlyDistribution(ctx context.Context, rng models.DateRange) ([]models.HourlyBucket, error) {
	return s.hourly, nil
}

func (s *activityRepoStub) CountFailedLogins(ctx context.Context, key string, since time.Time) (int, error) {
	s.failedSince = since
	return s.failedCount, nil
}

func (s *activityRepoStub) DeleteBefore(ctx context.Context, cutoff *time.Time) (int64, error) {
	s.deleteCalls = append(s.deleteCalls, cutoff)
	return s.deleted, nil
}

func (s *activityRepoStub) actions() []models.ActivityAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ActivityAction, 0, len(s.created))
	for _, c := range s.created {
		out = append(out, c.Action)
	}
	return out
}

type queueStub struct {
	jobs []jobs.Job
	err  error
}

func (q *queueStub) TryEnqueue(job jobs.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type memoryCacheRepo struct {
	values      map[string]interface{}
	invalidated []string
}

func newMemoryCacheRepo() *memoryCacheRepo {
	return &memoryCacheRepo{values: map[string]interface{}{}}
}

func (m *memoryCacheRepo) Get(ctx context.Context, key string, dest interface{}) error {
	v, ok := m.values[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	if stats, ok := dest.(*models.ActivityStatistics); ok {
		*stats = *(v.(*models.ActivityStatistics))
	}
	return nil
}

func (m *memoryCacheRepo) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	m.values[key] = value
	return nil
}

func (m *memoryCacheRepo) DeleteByPattern(ctx context.Context, pattern string) error {
	m.invalidated = append(m.invalidated, pattern)
	m.values = map[string]interface{}{}
	return nil
}

var auditNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func newTestAuditService(repo *activityRepoStub, cache *CacheService, metrics *MetricsService) *AuditService {
	svc := NewAuditService(repo, cache, metrics, nil, nil, AuditConfig{ExportLimit: 50})
	svc.now = func() time.Time { return auditNow }
	return svc
}

func intPtr(v int) *int { return &v }

func TestRecordWritesInlineWithoutQueue(t *testing.T) {
	repo := &activityRepoStub{}
	metrics := NewMetricsService()
	svc := newTestAuditService(repo, nil, metrics)
	userID := "u-1"

	log := svc.Record(context.Background(), models.ActivityEntry{
		UserID:     &userID,
		Action:     models.ActionLogin,
		Provenance: models.Provenance{IPAddress: "10.0.0.1", UserAgent: "curl"},
		Success:    true,
	})

	require.NotNil(t, log)
	require.Len(t, repo.created, 1)
	stored := repo.created[0]
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, auditNow, stored.CreatedAt)
	assert.Equal(t, "10.0.0.1", stored.IPAddress)
	assert.True(t, stored.Success)
	assert.Equal(t, uint64(1), metrics.Snapshot().AuditRecordsWritten)
}

func TestRecordSwallowsStoreFailure(t *testing.T) {
	repo := &activityRepoStub{createErr: errors.New("db down")}
	metrics := NewMetricsService()
	svc := newTestAuditService(repo, nil, metrics)

	var log *models.ActivityLog
	assert.NotPanics(t, func() {
		log = svc.Record(context.Background(), models.ActivityEntry{Action: models.ActionLoginFailed})
	})
	assert.NotNil(t, log)
	assert.Equal(t, uint64(1), metrics.Snapshot().AuditWriteFailures)
}

func TestRecordSurvivesCancelledContext(t *testing.T) {
	repo := &activityRepoStub{}
	svc := newTestAuditService(repo, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc.Record(ctx, models.ActivityEntry{Action: models.ActionLogout, Success: true})
	assert.Equal(t, []models.ActivityAction{models.ActionLogout}, repo.actions())
}

func TestRecordRejectsUnknownAction(t *testing.T) {
	repo := &activityRepoStub{}
	svc := newTestAuditService(repo, nil, nil)

	assert.Nil(t, svc.Record(context.Background(), models.ActivityEntry{Action: "TELEPORT"}))
	assert.Empty(t, repo.created)
}

func TestRecordHandsOffToQueue(t *testing.T) {
	repo := &activityRepoStub{}
	q := &queueStub{}
	svc := newTestAuditService(repo, nil, nil)
	svc.UseQueue(q)

	svc.Record(context.Background(), models.ActivityEntry{Action: models.ActionLogin, Success: true})
	require.Len(t, q.jobs, 1)
	assert.Empty(t, repo.created)

	require.NoError(t, svc.HandleJob(context.Background(), q.jobs[0]))
	assert.Equal(t, []models.ActivityAction{models.ActionLogin}, repo.actions())
}

func TestQueuedRecordsFromDrainingRequestsAreKept(t *testing.T) {
	repo := &activityRepoStub{}
	metrics := NewMetricsService()
	svc := newTestAuditService(repo, nil, metrics)
	q := jobs.NewQueue("activity", svc.HandleJob, jobs.QueueConfig{Workers: 1, BufferSize: 8, OnDrop: svc.HandleDrop})
	q.Start(context.Background())
	svc.UseQueue(q)

	// the request context is already gone while the server drains
	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.Record(reqCtx, models.ActivityEntry{Action: models.ActionLogout, Success: true})
	q.Stop()

	assert.Equal(t, []models.ActivityAction{models.ActionLogout}, repo.actions())
	assert.Zero(t, metrics.Snapshot().AuditWriteFailures)
}

func TestRecordDropsWhenQueueIsFull(t *testing.T) {
	repo := &activityRepoStub{}
	metrics := NewMetricsService()
	svc := newTestAuditService(repo, nil, metrics)
	svc.UseQueue(&queueStub{err: jobs.ErrQueueFull})

	log := svc.Record(context.Background(), models.ActivityEntry{Action: models.ActionLogin})
	assert.NotNil(t, log)
	assert.Empty(t, repo.created)
	assert.Equal(t, uint64(1), metrics.Snapshot().AuditWriteFailures)
}

func TestAppendReturnsAuditWriteError(t *testing.T) {
	repo := &activityRepoStub{createErr: errors.New("insert failed")}
	svc := newTestAuditService(repo, nil, nil)

	_, err := svc.Append(context.Background(), models.ActivityEntry{Action: models.ActionLogin})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrAuditWrite))
}

func TestListAllPinsAsOfAndDefaults(t *testing.T) {
	repo := &activityRepoStub{listTotal: 0}
	svc := newTestAuditService(repo, nil, nil)

	page, err := svc.ListAll(context.Background(), models.ActivityFilter{PageSize: 500})
	require.NoError(t, err)
	assert.Equal(t, auditNow, page.AsOf)
	assert.Equal(t, 1, page.Pagination.Page)
	assert.Equal(t, 20, page.Pagination.PageSize)
	assert.NotNil(t, page.Items)
	require.NotNil(t, repo.listFilter.AsOf)
	assert.Equal(t, auditNow, *repo.listFilter.AsOf)
}

func TestListAllKeepsCallerAsOf(t *testing.T) {
	repo := &activityRepoStub{}
	svc := newTestAuditService(repo, nil, nil)
	asOf := auditNow.Add(-time.Hour)

	cursor := &models.ActivityCursor{CreatedAt: asOf.Add(-time.Minute), ID: "x"}

	page, err := svc.ListAll(context.Background(), models.ActivityFilter{Page: 2, AsOf: &asOf, Cursor: cursor})
	require.NoError(t, err)
	assert.Equal(t, asOf, page.AsOf)
	assert.Equal(t, 2, repo.listFilter.Page)
	assert.Equal(t, cursor, repo.listFilter.Cursor)
}

func TestListAllRequiresCursorAfterFirstPage(t *testing.T) {
	svc := newTestAuditService(&activityRepoStub{}, nil, nil)

	_, err := svc.ListAll(context.Background(), models.ActivityFilter{Page: 3})
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}

// keysetRepo orders rows the way the activity_logs listing query does.
type keysetRepo struct {
	*activityRepoStub
	rows []models.ActivityLog
}

func (r *keysetRepo) List(ctx context.Context, filter models.ActivityFilter) ([]models.ActivityLog, int, error) {
	rows := append([]models.ActivityLog(nil), r.rows...)
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID > rows[j].ID
	})
	var out []models.ActivityLog
	total := 0
	for _, row := range rows {
		if filter.AsOf != nil && row.CreatedAt.After(*filter.AsOf) {
			continue
		}
		total++
		if c := filter.Cursor; c != nil {
			before := row.CreatedAt.Before(c.CreatedAt) || (row.CreatedAt.Equal(c.CreatedAt) && row.ID < c.ID)
			if !before {
				continue
			}
		}
		if len(out) <= filter.PageSize {
			out = append(out, row)
		}
	}
	return out, total, nil
}

func TestListAllPagesStayStableWhenRecordsCommitLate(t *testing.T) {
	repo := &keysetRepo{activityRepoStub: &activityRepoStub{}}
	for i, id := range []string{"r1", "r2", "r3", "r4"} {
		repo.rows = append(repo.rows, models.ActivityLog{ID: id, Action: models.ActionLogin, CreatedAt: auditNow.Add(-time.Duration(i+1) * time.Minute)})
	}
	svc := NewAuditService(repo, nil, nil, nil, nil, AuditConfig{})
	svc.now = func() time.Time { return auditNow }

	first, err := svc.ListAll(context.Background(), models.ActivityFilter{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, logIDs(first.Items))
	require.NotEmpty(t, first.Pagination.NextCursor)

	// stamped before as_of but committed only now by the queue
	repo.rows = append(repo.rows, models.ActivityLog{ID: "late", Action: models.ActionLogout, CreatedAt: auditNow.Add(-90 * time.Second)})

	cursor, err := models.ParseActivityCursor(first.Pagination.NextCursor)
	require.NoError(t, err)
	asOf := first.AsOf
	second, err := svc.ListAll(context.Background(), models.ActivityFilter{Page: 2, PageSize: 2, AsOf: &asOf, Cursor: cursor})
	require.NoError(t, err)
	assert.Equal(t, []string{"r3", "r4"}, logIDs(second.Items))
	assert.Empty(t, second.Pagination.NextCursor)
}

func logIDs(logs []models.ActivityLog) []string {
	ids := make([]string, 0, len(logs))
	for _, l := range logs {
		ids = append(ids, l.ID)
	}
	return ids
}

func TestListAllRejectsInvertedRangeAndUnknownAction(t *testing.T) {
	svc := newTestAuditService(&activityRepoStub{}, nil, nil)
	from := auditNow
	to := auditNow.Add(-time.Hour)

	_, err := svc.ListAll(context.Background(), models.ActivityFilter{DateFrom: &from, DateTo: &to})
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	_, err = svc.ListAll(context.Background(), models.ActivityFilter{Actions: []models.ActivityAction{"NOPE"}})
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}

func TestListForUserScopesFilter(t *testing.T) {
	repo := &activityRepoStub{}
	svc := newTestAuditService(repo, nil, nil)

	_, err := svc.ListForUser(context.Background(), "u-9", models.ActivityFilter{})
	require.NoError(t, err)
	require.NotNil(t, repo.listFilter.UserID)
	assert.Equal(t, "u-9", *repo.listFilter.UserID)

	_, err = svc.ListForUser(context.Background(), "", models.ActivityFilter{})
	assert.Error(t, err)
}

func TestHourlyDistributionFillsAllHours(t *testing.T) {
	repo := &activityRepoStub{hourly: []models.HourlyBucket{{Hour: 3, Count: 4}, {Hour: 23, Count: 1}}}
	svc := newTestAuditService(repo, nil, nil)

	buckets, err := svc.HourlyDistribution(context.Background(), models.DateRange{})
	require.NoError(t, err)
	require.Len(t, buckets, 24)
	assert.Equal(t, 4, buckets[3].Count)
	assert.Equal(t, 1, buckets[23].Count)
	assert.Equal(t, 0, buckets[0].Count)
	assert.Equal(t, 12, buckets[12].Hour)
}

func TestStatisticsServedFromCache(t *testing.T) {
	repo := &activityRepoStub{}
	cache := NewCacheService(newMemoryCacheRepo(), nil, time.Minute, nil, true)
	svc := newTestAuditService(repo, cache, nil)

	first, hit, err := svc.Statistics(context.Background(), models.DateRange{})
	require.NoError(t, err)
	assert.False(t, hit)
	second, hit, err := svc.Statistics(context.Background(), models.DateRange{})
	require.NoError(t, err)
	assert.True(t, hit)

	assert.Equal(t, 1, repo.aggregated)
	assert.Equal(t, first.GeneratedAt, second.GeneratedAt)
	assert.Len(t, second.Hourly, 24)
}

func TestCountFailedLoginsForKeyUsesWindow(t *testing.T) {
	repo := &activityRepoStub{failedCount: 7}
	svc := newTestAuditService(repo, nil, nil)

	count, err := svc.CountFailedLoginsForKey(context.Background(), "10.0.0.1", 15)
	require.NoError(t, err)
	assert.Equal(t, 7, count)
	assert.Equal(t, auditNow.Add(-15*time.Minute), repo.failedSince)

	_, err = svc.CountFailedLoginsForKey(context.Background(), "10.0.0.1", 0)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}

func TestExportCSVKeepsOrderAndColumns(t *testing.T) {
	name := "Ada"
	email := "ada@example.com"
	repo := &activityRepoStub{exportLogs: []models.ActivityLog{
		{ID: "3", Action: models.ActionLogout, Success: true, IPAddress: "10.0.0.3", CreatedAt: auditNow, UserName: &name, UserEmail: &email, Details: models.ActivityDetails{"all": true}},
		{ID: "2", Action: models.ActionLoginFailed, Success: false, IPAddress: "10.0.0.2", CreatedAt: auditNow.Add(-time.Minute)},
		{ID: "1", Action: models.ActionLogin, Success: true, IPAddress: "10.0.0.1", CreatedAt: auditNow.Add(-2 * time.Minute)},
	}}
	svc := newTestAuditService(repo, nil, nil)

	file, err := svc.Export(context.Background(), models.ActivityFilter{}, export.FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, 3, file.Count)
	assert.Equal(t, 50, repo.exportLimit)
	assert.True(t, strings.HasSuffix(file.Filename, ".csv"))

	rows, err := csv.NewReader(strings.NewReader(string(file.Data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"Timestamp", "User", "Email", "Action", "Success", "IP Address", "Details"}, rows[0])
	assert.Equal(t, "LOGOUT", rows[1][3])
	assert.Equal(t, "Yes", rows[1][4])
	assert.Equal(t, `{"all":true}`, rows[1][6])
	assert.Equal(t, "No", rows[2][4])
	assert.Equal(t, "{}", rows[2][6])
	assert.Equal(t, "LOGIN", rows[3][3])
}

func TestExportJSONAndUnsupportedFormat(t *testing.T) {
	repo := &activityRepoStub{exportLogs: []models.ActivityLog{{ID: "1", Action: models.ActionLogin, CreatedAt: auditNow}}}
	svc := newTestAuditService(repo, nil, nil)

	file, err := svc.Export(context.Background(), models.ActivityFilter{}, export.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "application/json", file.ContentType)
	assert.Contains(t, string(file.Data), `"LOGIN"`)

	_, err = svc.Export(context.Background(), models.ActivityFilter{}, export.Format("xml"))
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}

func TestPurgeValidatesBeforeDeleting(t *testing.T) {
	cases := []struct {
		name string
		req  PurgeRequest
	}{
		{"missing days", PurgeRequest{}},
		{"negative", PurgeRequest{Days: intPtr(-1)}},
		{"too large", PurgeRequest{Days: intPtr(366)}},
		{"everything without confirm", PurgeRequest{Days: intPtr(0)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &activityRepoStub{}
			svc := newTestAuditService(repo, nil, nil)

			_, err := svc.Purge(context.Background(), tc.req, "admin-1", models.Provenance{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, appErrors.ErrValidation))
			assert.Empty(t, repo.deleteCalls)
			assert.Empty(t, repo.created)
		})
	}
}

func TestPurgeDeletesAndRecordsCleanup(t *testing.T) {
	repo := &activityRepoStub{deleted: 12}
	cacheRepo := newMemoryCacheRepo()
	cache := NewCacheService(cacheRepo, nil, time.Minute, nil, true)
	svc := newTestAuditService(repo, cache, nil)

	deleted, err := svc.Purge(context.Background(), PurgeRequest{Days: intPtr(30)}, "admin-1", models.Provenance{IPAddress: "10.0.0.9"})
	require.NoError(t, err)
	assert.Equal(t, int64(12), deleted)

	require.Len(t, repo.deleteCalls, 1)
	require.NotNil(t, repo.deleteCalls[0])
	assert.Equal(t, auditNow.AddDate(0, 0, -30), *repo.deleteCalls[0])
	assert.Equal(t, []string{Key("activity", "stats", "*")}, cacheRepo.invalidated)

	require.Len(t, repo.created, 1)
	cleanup := repo.created[0]
	assert.Equal(t, models.ActionAdminLogsCleanup, cleanup.Action)
	assert.Equal(t, 30, cleanup.Details["days"])
	assert.Equal(t, int64(12), cleanup.Details["deletedCount"])
	require.NotNil(t, cleanup.UserID)
	assert.Equal(t, "admin-1", *cleanup.UserID)
}

func TestPurgeEverythingWithConfirm(t *testing.T) {
	repo := &activityRepoStub{deleted: 3}
	svc := newTestAuditService(repo, nil, nil)

	deleted, err := svc.Purge(context.Background(), PurgeRequest{Days: intPtr(0), Confirm: true}, "admin-1", models.Provenance{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
	require.Len(t, repo.deleteCalls, 1)
	assert.Nil(t, repo.deleteCalls[0])
}

func TestRunRetentionPurgesConfiguredDays(t *testing.T) {
	repo := &activityRepoStub{deleted: 2}
	svc := NewAuditService(repo, nil, nil, nil, nil, AuditConfig{RetentionDays: 90})
	svc.now = func() time.Time { return auditNow }

	svc.runRetention(context.Background())
	require.Len(t, repo.deleteCalls, 1)
	assert.Equal(t, auditNow.AddDate(0, 0, -90), *repo.deleteCalls[0])
	assert.Equal(t, []models.ActivityAction{models.ActionAdminLogsCleanup}, repo.actions())
}
