package models

import "time"

// RateLimitStatus describes the live limiter state of one key for admins.
type RateLimitStatus struct {
	Policy       string     `json:"policy"`
	Key          string     `json:"key"`
	Tracked      bool       `json:"tracked"`
	Count        int        `json:"count"`
	Limit        int        `json:"limit"`
	ResetAt      *time.Time `json:"resetAt,omitempty"`
	Blocked      bool       `json:"blocked"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
	RetryAfter   int        `json:"retryAfter,omitempty"`
	// FailedLogins counts durable LOGIN_FAILED records for the key inside the policy window.
	FailedLogins int `json:"failedLogins"`
}

// UnblockRequest lifts a block for one policy key.
type UnblockRequest struct {
	Policy string `json:"policy" validate:"required"`
	Key    string `json:"key" validate:"required"`
}

// SecurityMetrics is a point-in-time summary of guard and audit counters.
type SecurityMetrics struct {
	RequestsTotal        uint64    `json:"requestsTotal"`
	RateLimitAllowed     uint64    `json:"rateLimitAllowed"`
	RateLimitDenied      uint64    `json:"rateLimitDenied"`
	AccountLocks         uint64    `json:"accountLocks"`
	FailOpenDecisions    uint64    `json:"failOpenDecisions"`
	AuditRecordsWritten  uint64    `json:"auditRecordsWritten"`
	AuditWriteFailures   uint64    `json:"auditWriteFailures"`
	TokenRotations       uint64    `json:"tokenRotations"`
	TokenRotationsDenied uint64    `json:"tokenRotationsDenied"`
	CacheHitRatio        float64   `json:"cacheHitRatio"`
	Goroutines           int       `json:"goroutines"`
	GeneratedAt          time.Time `json:"generatedAt"`
}
