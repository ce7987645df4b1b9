package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/user-guard-api/internal/models"
)

// ActivityRecorder is the best-effort activity sink.
type ActivityRecorder interface {
	Record(ctx context.Context, entry models.ActivityEntry) *models.ActivityLog
}

// Audit records action once the handler has responded. Listed JSON body
// fields are copied into the record details. Requests rejected before the
// handler runs are not recorded here.
func Audit(recorder ActivityRecorder, action models.ActivityAction, fields ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		details := models.ActivityDetails{}
		for _, field := range fields {
			if v := PeekJSONField(c, field); v != "" {
				details[field] = v
			}
		}

		c.Next()

		status := c.Writer.Status()
		details["status"] = status
		details["latencyMs"] = time.Since(start).Milliseconds()

		var userID *string
		if claims := CurrentClaims(c); claims != nil {
			id := claims.UserID
			userID = &id
		}

		entry := models.ActivityEntry{
			UserID:     userID,
			Action:     action,
			Details:    details,
			Provenance: Provenance(c),
			Success:    status < 400,
		}
		if errs := c.Errors.ByType(gin.ErrorTypeAny); len(errs) > 0 {
			entry.ErrorMessage = errs.String()
		}
		recorder.Record(c.Request.Context(), entry)
	}
}
