package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/user-guard-api/internal/models"
	appErrors "github.com/noah-isme/user-guard-api/pkg/errors"
	"github.com/noah-isme/user-guard-api/pkg/ratelimit"
)

// Guard policy names.
const (
	PolicyLogin         = "login"
	PolicyPasswordReset = "password_reset"
	PolicyIP            = "ip"
)

// GuardPolicy is a named attempt budget. Crossing MaxAttempts inside Window
// blocks the key for BlockDuration. HardBlock policies deny with 423 instead
// of 429.
type GuardPolicy struct {
	Name          string
	Window        time.Duration
	MaxAttempts   int
	BlockDuration time.Duration
	HardBlock     bool
	// LocksAccount reports denials as an account lock rather than a plain rate limit.
	LocksAccount bool
}

func (p GuardPolicy) limit() ratelimit.Policy {
	return ratelimit.Policy{Window: p.Window, MaxAttempts: p.MaxAttempts, BlockDuration: p.BlockDuration}
}

func (p GuardPolicy) denial() *appErrors.Error {
	switch {
	case p.HardBlock:
		return appErrors.ErrIPBlocked
	case p.LocksAccount:
		return appErrors.ErrAccountLocked
	default:
		return appErrors.ErrRateLimited
	}
}

type guardAuditor interface {
	Record(ctx context.Context, entry models.ActivityEntry) *models.ActivityLog
	CountFailedLoginsForKey(ctx context.Context, key string, windowMinutes int) (int, error)
}

// AbuseGuard applies named attempt budgets to request keys such as client
// IPs or target emails.
type AbuseGuard struct {
	store    ratelimit.Store
	audit    guardAuditor
	metrics  *MetricsService
	logger   *zap.Logger
	failOpen bool
	policies map[string]GuardPolicy
}

// NewAbuseGuard constructs a guard over store. With failOpen set, a failing
// store lets requests through instead of rejecting them.
func NewAbuseGuard(store ratelimit.Store, audit guardAuditor, metrics *MetricsService, logger *zap.Logger, failOpen bool, policies ...GuardPolicy) *AbuseGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &AbuseGuard{
		store:    store,
		audit:    audit,
		metrics:  metrics,
		logger:   logger,
		failOpen: failOpen,
		policies: make(map[string]GuardPolicy, len(policies)),
	}
	for _, p := range policies {
		g.policies[p.Name] = p
	}
	return g
}

// Policy returns the named policy.
func (g *AbuseGuard) Policy(name string) (GuardPolicy, bool) {
	p, ok := g.policies[name]
	return p, ok
}

// PolicyNames lists configured policies in name order.
func (g *AbuseGuard) PolicyNames() []string {
	names := make([]string, 0, len(g.policies))
	for name := range g.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check counts one attempt for key under policy. A denied attempt returns the
// decision together with a 429 or 423 error carrying the wait time.
func (g *AbuseGuard) Check(ctx context.Context, policyName, key string, prov models.Provenance) (ratelimit.Decision, error) {
	policy, err := g.policy(policyName)
	if err != nil {
		return ratelimit.Decision{}, err
	}
	key = normaliseKey(key)

	decision, err := g.store.Consume(storeKey(policy.Name, key), policy.limit())
	if err != nil {
		if g.failOpen {
			g.logger.Warn("rate limiter unavailable, allowing request", zap.String("policy", policy.Name), zap.Error(err))
			g.metrics.RecordRateLimitDecision(policy.Name, OutcomeFailOpen)
			return ratelimit.Decision{Allowed: true, Limit: policy.MaxAttempts, FailedOpen: true}, nil
		}
		g.logger.Error("rate limiter unavailable, rejecting request", zap.String("policy", policy.Name), zap.Error(err))
		g.metrics.RecordRateLimitDecision(policy.Name, OutcomeUnavailable)
		return ratelimit.Decision{Limit: policy.MaxAttempts}, appErrors.Wrap(err, appErrors.ErrRateLimiterUnavailable.Code, appErrors.ErrRateLimiterUnavailable.Status, appErrors.ErrRateLimiterUnavailable.Message)
	}

	switch {
	case decision.Allowed:
		g.metrics.RecordRateLimitDecision(policy.Name, OutcomeAllowed)
		return decision, nil
	case decision.Locked:
		g.metrics.RecordRateLimitDecision(policy.Name, OutcomeLocked)
		g.logger.Warn("rate limit threshold crossed", zap.String("policy", policy.Name), zap.String("key", key), zap.Int("attempts", decision.Count), zap.Duration("block", policy.BlockDuration))
		g.recordDenial(ctx, models.ActionAccountLocked, policy, key, decision, "threshold_exceeded", prov)
	default:
		g.metrics.RecordRateLimitDecision(policy.Name, OutcomeBlocked)
		action := models.ActionLoginFailed
		if policy.Name == PolicyPasswordReset {
			action = models.ActionPasswordResetRequest
		}
		g.recordDenial(ctx, action, policy, key, decision, "blocked", prov)
	}
	return decision, appErrors.WithRetryAfter(policy.denial(), decision.RetryAfterSeconds())
}

// Reset clears the attempt counter and any block for key, typically after a
// verified success.
func (g *AbuseGuard) Reset(ctx context.Context, policyName, key string) error {
	policy, err := g.policy(policyName)
	if err != nil {
		return err
	}
	if err := g.store.Reset(storeKey(policy.Name, normaliseKey(key))); err != nil {
		g.logger.Warn("rate limit reset failed", zap.String("policy", policy.Name), zap.Error(err))
		return appErrors.Wrap(err, appErrors.ErrRateLimiterUnavailable.Code, appErrors.ErrRateLimiterUnavailable.Status, appErrors.ErrRateLimiterUnavailable.Message)
	}
	return nil
}

// Status reports the live limiter state for key together with the durable
// failed-login count inside the policy window.
func (g *AbuseGuard) Status(ctx context.Context, policyName, key string) (*models.RateLimitStatus, error) {
	policy, err := g.policy(policyName)
	if err != nil {
		return nil, err
	}
	key = normaliseKey(key)

	entry, err := g.store.Get(storeKey(policy.Name, key))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrRateLimiterUnavailable.Code, appErrors.ErrRateLimiterUnavailable.Status, appErrors.ErrRateLimiterUnavailable.Message)
	}

	status := &models.RateLimitStatus{Policy: policy.Name, Key: key, Limit: policy.MaxAttempts}
	if entry != nil {
		now := time.Now()
		status.Tracked = true
		status.Count = entry.Count
		if !entry.ResetAt.IsZero() {
			reset := entry.ResetAt
			status.ResetAt = &reset
		}
		if entry.Blocked(now) {
			status.Blocked = true
			status.BlockedUntil = entry.BlockedUntil
			status.RetryAfter = ratelimit.Decision{RetryAfter: entry.BlockedUntil.Sub(now)}.RetryAfterSeconds()
		}
	}

	if g.audit != nil {
		minutes := int(policy.Window / time.Minute)
		if minutes < 1 {
			minutes = 1
		}
		failed, err := g.audit.CountFailedLoginsForKey(ctx, key, minutes)
		if err != nil {
			g.logger.Warn("failed login count unavailable", zap.String("key", key), zap.Error(err))
		}
		status.FailedLogins = failed
	}
	return status, nil
}

// Unblock lifts any block on key and records who did it.
func (g *AbuseGuard) Unblock(ctx context.Context, policyName, key, actorID string, prov models.Provenance) error {
	if err := g.Reset(ctx, policyName, key); err != nil {
		return err
	}
	if g.audit == nil {
		return nil
	}
	var userID *string
	if actorID != "" {
		userID = &actorID
	}
	g.audit.Record(ctx, models.ActivityEntry{
		UserID:     userID,
		Action:     models.ActionAccountUnlocked,
		Details:    models.ActivityDetails{"policy": policyName, "key": normaliseKey(key)},
		Provenance: prov,
		Success:    true,
	})
	return nil
}

func (g *AbuseGuard) policy(name string) (GuardPolicy, error) {
	p, ok := g.policies[name]
	if !ok {
		return GuardPolicy{}, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown rate limit policy %q", name))
	}
	return p, nil
}

func (g *AbuseGuard) recordDenial(ctx context.Context, action models.ActivityAction, policy GuardPolicy, key string, d ratelimit.Decision, reason string, prov models.Provenance) {
	if g.audit == nil {
		return
	}
	details := models.ActivityDetails{
		"policy":     policy.Name,
		"key":        key,
		"attempts":   d.Count,
		"retryAfter": d.RetryAfterSeconds(),
		"reason":     reason,
	}
	if strings.Contains(key, "@") {
		details["email"] = key
	}
	g.audit.Record(ctx, models.ActivityEntry{
		Action:       action,
		Details:      details,
		Provenance:   prov,
		Success:      false,
		ErrorMessage: policy.denial().Message,
	})
}

func storeKey(policy, key string) string {
	return policy + ":" + key
}

func normaliseKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return "unknown"
	}
	return key
}
