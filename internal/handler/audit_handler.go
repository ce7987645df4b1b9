package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/user-guard-api/internal/middleware"
	"github.com/noah-isme/user-guard-api/internal/models"
	"github.com/noah-isme/user-guard-api/internal/service"
	appErrors "github.com/noah-isme/user-guard-api/pkg/errors"
	"github.com/noah-isme/user-guard-api/pkg/export"
	"github.com/noah-isme/user-guard-api/pkg/response"
)

type auditService interface {
	ListForUser(ctx context.Context, userID string, filter models.ActivityFilter) (*service.ActivityPage, error)
	ListAll(ctx context.Context, filter models.ActivityFilter) (*service.ActivityPage, error)
	Statistics(ctx context.Context, rng models.DateRange) (*models.ActivityStatistics, bool, error)
	Export(ctx context.Context, filter models.ActivityFilter, format export.Format) (*service.ExportFile, error)
	Purge(ctx context.Context, req service.PurgeRequest, actorID string, prov models.Provenance) (int64, error)
}

// AuditHandler serves the activity log to users and administrators.
type AuditHandler struct {
	service auditService
}

// NewAuditHandler constructs the handler.
func NewAuditHandler(svc auditService) *AuditHandler {
	return &AuditHandler{service: svc}
}

// Mine godoc
// @Summary List own activity
// @Tags Activity
// @Produce json
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Param actions query string false "Comma separated actions"
// @Param success query bool false "Outcome filter"
// @Param date_from query string false "RFC3339 lower bound"
// @Param date_to query string false "RFC3339 upper bound"
// @Param as_of query string false "RFC3339 snapshot instant from a previous page"
// @Param cursor query string false "pagination.next_cursor from the previous page"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /activity/me [get]
func (h *AuditHandler) Mine(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	filter, err := parseActivityFilter(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	page, err := h.service.ListForUser(c.Request.Context(), claims.UserID, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	writePage(c, page)
}

// List godoc
// @Summary List all activity
// @Tags Activity
// @Produce json
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Param actions query string false "Comma separated actions"
// @Param success query bool false "Outcome filter"
// @Param date_from query string false "RFC3339 lower bound"
// @Param date_to query string false "RFC3339 upper bound"
// @Param search query string false "Matches user name, email or IP address"
// @Param user_id query string false "User ID"
// @Param as_of query string false "RFC3339 snapshot instant from a previous page"
// @Param cursor query string false "pagination.next_cursor from the previous page"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /admin/activity [get]
func (h *AuditHandler) List(c *gin.Context) {
	filter, err := parseActivityFilter(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	if userID := c.Query("user_id"); userID != "" {
		filter.UserID = &userID
	}

	page, err := h.service.ListAll(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	writePage(c, page)
}

// ForUser godoc
// @Summary List activity of one user
// @Tags Activity
// @Produce json
// @Param id path string true "User ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /admin/activity/users/{id} [get]
func (h *AuditHandler) ForUser(c *gin.Context) {
	filter, err := parseActivityFilter(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	page, err := h.service.ListForUser(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	writePage(c, page)
}

// Stats godoc
// @Summary Activity statistics
// @Description Counts per action, most active users and hourly distribution
// @Tags Activity
// @Produce json
// @Param date_from query string false "RFC3339 lower bound"
// @Param date_to query string false "RFC3339 upper bound"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /admin/activity/stats [get]
func (h *AuditHandler) Stats(c *gin.Context) {
	rng, err := parseDateRange(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	stats, hit, err := h.service.Statistics(c.Request.Context(), rng)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, hit)
	response.JSON(c, http.StatusOK, stats, nil, middleware.ExtractMeta(c))
}

// Export godoc
// @Summary Export activity
// @Tags Activity
// @Produce text/csv
// @Produce application/pdf
// @Produce json
// @Param format query string false "csv, pdf or json"
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Router /admin/activity/export [get]
func (h *AuditHandler) Export(c *gin.Context) {
	format, err := export.ParseFormat(c.DefaultQuery("format", string(export.FormatCSV)))
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "unsupported export format"))
		return
	}
	filter, err := parseActivityFilter(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	if userID := c.Query("user_id"); userID != "" {
		filter.UserID = &userID
	}

	file, err := h.service.Export(c.Request.Context(), filter, format)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("X-Export-Count", strconv.Itoa(file.Count))
	response.Attachment(c, file.Filename, file.ContentType, file.Data)
}

// Cleanup godoc
// @Summary Delete old activity
// @Description Deletes records older than the given number of days. days=0 deletes everything and requires confirm.
// @Tags Activity
// @Accept json
// @Produce json
// @Param payload body service.PurgeRequest true "Cleanup payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /admin/activity/cleanup [post]
func (h *AuditHandler) Cleanup(c *gin.Context) {
	var req service.PurgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	deleted, err := h.service.Purge(c.Request.Context(), req, actorID(c), middleware.Provenance(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"deletedCount": deleted}, nil)
}

func writePage(c *gin.Context, page *service.ActivityPage) {
	middleware.SetMeta(c, "as_of", page.AsOf.UTC().Format(time.RFC3339Nano))
	items := page.Items
	if items == nil {
		items = []models.ActivityLog{}
	}
	pagination := page.Pagination
	response.JSON(c, http.StatusOK, items, &pagination, middleware.ExtractMeta(c))
}

func parseActivityFilter(c *gin.Context) (models.ActivityFilter, error) {
	filter := models.ActivityFilter{
		Page:     queryInt(c, "page", 1),
		PageSize: queryInt(c, "page_size", 20),
		Search:   strings.TrimSpace(c.Query("search")),
	}

	if raw := c.Query("actions"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				filter.Actions = append(filter.Actions, models.ActivityAction(strings.ToUpper(part)))
			}
		}
	}
	if raw := c.Query("success"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, appErrors.Clone(appErrors.ErrValidation, "success must be true or false")
		}
		filter.Success = &v
	}

	rng, err := parseDateRange(c)
	if err != nil {
		return filter, err
	}
	filter.DateFrom, filter.DateTo = rng.From, rng.To

	asOf, err := queryTime(c, "as_of")
	if err != nil {
		return filter, err
	}
	filter.AsOf = asOf

	if raw := c.Query("cursor"); raw != "" {
		cursor, err := models.ParseActivityCursor(raw)
		if err != nil {
			return filter, appErrors.Clone(appErrors.ErrValidation, "cursor is invalid")
		}
		filter.Cursor = cursor
	}
	return filter, nil
}

func parseDateRange(c *gin.Context) (models.DateRange, error) {
	from, err := queryTime(c, "date_from")
	if err != nil {
		return models.DateRange{}, err
	}
	to, err := queryTime(c, "date_to")
	if err != nil {
		return models.DateRange{}, err
	}
	return models.DateRange{From: from, To: to}, nil
}
