package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/user-guard-api/internal/models"
	"github.com/noah-isme/user-guard-api/pkg/ratelimit"
	"github.com/noah-isme/user-guard-api/pkg/response"
)

const rateLimitDecisionKey = "rate_limit_decision"

// maxPeekBody bounds how much of a request body key functions will read.
const maxPeekBody = 64 << 10

// Guard is the abuse guard consulted by RateLimit.
type Guard interface {
	Check(ctx context.Context, policy, key string, prov models.Provenance) (ratelimit.Decision, error)
	Reset(ctx context.Context, policy, key string) error
}

// KeyFunc derives the rate limit key of a request.
type KeyFunc func(c *gin.Context) string

// KeyByClientIP keys requests by client address.
func KeyByClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// KeyByJSONField keys requests by a string field of the JSON body, falling
// back to the client address when the field is absent. The body is restored
// for the handler.
func KeyByJSONField(field string) KeyFunc {
	return func(c *gin.Context) string {
		if v := PeekJSONField(c, field); v != "" {
			return strings.ToLower(v)
		}
		return c.ClientIP()
	}
}

// PeekJSONField reads a top-level string field from the JSON request body
// without consuming it. Only the first maxPeekBody bytes are inspected; the
// handler still receives the whole body.
func PeekJSONField(c *gin.Context, field string) string {
	if c.Request == nil || c.Request.Body == nil {
		return ""
	}
	body := c.Request.Body
	raw, err := io.ReadAll(io.LimitReader(body, maxPeekBody))
	c.Request.Body = peekedBody{Reader: io.MultiReader(bytes.NewReader(raw), body), Closer: body}
	if err != nil || len(raw) == 0 {
		return ""
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	value, _ := payload[field].(string)
	return strings.TrimSpace(value)
}

type peekedBody struct {
	io.Reader
	io.Closer
}

type rateLimitOptions struct {
	resetOnSuccess bool
}

// RateLimitOption customises RateLimit.
type RateLimitOption func(*rateLimitOptions)

// ResetOnSuccess clears the key's counter when the handler responds 2xx.
func ResetOnSuccess() RateLimitOption {
	return func(o *rateLimitOptions) { o.resetOnSuccess = true }
}

// RateLimit counts every request against policy. Denied requests are
// answered with 429 or 423 and a Retry-After header before reaching the
// handler.
func RateLimit(guard Guard, policy string, keyFn KeyFunc, opts ...RateLimitOption) gin.HandlerFunc {
	var o rateLimitOptions
	for _, opt := range opts {
		opt(&o)
	}
	if keyFn == nil {
		keyFn = KeyByClientIP
	}

	return func(c *gin.Context) {
		key := keyFn(c)
		prov := Provenance(c)

		decision, err := guard.Check(c.Request.Context(), policy, key, prov)
		if err != nil {
			setLimitHeaders(c, decision)
			response.Error(c, err)
			c.Abort()
			return
		}

		setLimitHeaders(c, decision)
		c.Set(rateLimitDecisionKey, decision)
		c.Next()

		if o.resetOnSuccess && c.Writer.Status() >= 200 && c.Writer.Status() < 300 {
			_ = guard.Reset(c.Request.Context(), policy, key)
		}
	}
}

// RateLimitDecision returns the decision stored by the innermost RateLimit.
func RateLimitDecision(c *gin.Context) (ratelimit.Decision, bool) {
	value, exists := c.Get(rateLimitDecisionKey)
	if !exists {
		return ratelimit.Decision{}, false
	}
	d, ok := value.(ratelimit.Decision)
	return d, ok
}

// Provenance extracts the caller address and user agent.
func Provenance(c *gin.Context) models.Provenance {
	return models.Provenance{IPAddress: c.ClientIP(), UserAgent: c.GetHeader("User-Agent")}
}

func setLimitHeaders(c *gin.Context, d ratelimit.Decision) {
	if d.FailedOpen || d.Limit <= 0 {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}
