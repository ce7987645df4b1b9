package models

import (
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ActivityAction enumerates the security-relevant events kept in the activity log.
type ActivityAction string

const (
	ActionLogin                ActivityAction = "LOGIN"
	ActionLogout               ActivityAction = "LOGOUT"
	ActionLoginFailed          ActivityAction = "LOGIN_FAILED"
	ActionRegister             ActivityAction = "REGISTER"
	ActionProfileUpdate        ActivityAction = "PROFILE_UPDATE"
	ActionAvatarUpdate         ActivityAction = "AVATAR_UPDATE"
	ActionPasswordChange       ActivityAction = "PASSWORD_CHANGE"
	ActionPasswordResetRequest ActivityAction = "PASSWORD_RESET_REQUEST"
	ActionPasswordResetSuccess ActivityAction = "PASSWORD_RESET_SUCCESS"
	ActionAdminUserCreate      ActivityAction = "ADMIN_USER_CREATE"
	ActionAdminUserUpdate      ActivityAction = "ADMIN_USER_UPDATE"
	ActionAdminUserDelete      ActivityAction = "ADMIN_USER_DELETE"
	ActionRoleUpdate           ActivityAction = "ROLE_UPDATE"
	ActionAccountLocked        ActivityAction = "ACCOUNT_LOCKED"
	ActionAccountUnlocked      ActivityAction = "ACCOUNT_UNLOCKED"
	ActionAdminLogsCleanup     ActivityAction = "ADMIN_LOGS_CLEANUP"
)

var activityActions = map[ActivityAction]struct{}{
	ActionLogin: {}, ActionLogout: {}, ActionLoginFailed: {}, ActionRegister: {},
	ActionProfileUpdate: {}, ActionAvatarUpdate: {}, ActionPasswordChange: {},
	ActionPasswordResetRequest: {}, ActionPasswordResetSuccess: {},
	ActionAdminUserCreate: {}, ActionAdminUserUpdate: {}, ActionAdminUserDelete: {},
	ActionRoleUpdate: {}, ActionAccountLocked: {}, ActionAccountUnlocked: {},
	ActionAdminLogsCleanup: {},
}

// Valid reports whether the action belongs to the closed set.
func (a ActivityAction) Valid() bool {
	_, ok := activityActions[a]
	return ok
}

// ActivityDetails is free-form supplementary context stored as JSONB.
type ActivityDetails map[string]interface{}

// Value implements driver.Valuer.
func (d ActivityDetails) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

// Scan implements sql.Scanner.
func (d *ActivityDetails) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = ActivityDetails{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("activity details: unsupported type %T", src)
	}
	out := ActivityDetails{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("activity details: %w", err)
		}
	}
	*d = out
	return nil
}

// ActivityLog is an immutable activity record. UserName and UserEmail are
// populated from the users table on read.
type ActivityLog struct {
	ID           string          `db:"id" json:"id"`
	UserID       *string         `db:"user_id" json:"userId,omitempty"`
	Action       ActivityAction  `db:"action" json:"action"`
	Details      ActivityDetails `db:"details" json:"details"`
	IPAddress    string          `db:"ip_address" json:"ipAddress"`
	UserAgent    string          `db:"user_agent" json:"userAgent"`
	Success      bool            `db:"success" json:"success"`
	ErrorMessage *string         `db:"error_message" json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"timestamp"`
	UserName     *string         `db:"user_name" json:"userName,omitempty"`
	UserEmail    *string         `db:"user_email" json:"userEmail,omitempty"`
}

// Provenance identifies where a request came from.
type Provenance struct {
	IPAddress string
	UserAgent string
}

// ActivityEntry is the input for appending an activity record.
type ActivityEntry struct {
	UserID       *string
	Action       ActivityAction
	Details      ActivityDetails
	Provenance   Provenance
	Success      bool
	ErrorMessage string
}

// ActivityFilter captures listing criteria for activity logs.
type ActivityFilter struct {
	UserID   *string
	Actions  []ActivityAction
	Success  *bool
	DateFrom *time.Time
	DateTo   *time.Time
	Search   string
	// AsOf pins the listing to records created at or before this instant.
	AsOf *time.Time
	// Cursor continues a listing strictly after the last row already returned.
	Cursor   *ActivityCursor
	Page     int
	PageSize int
}

// ActivityCursor is the (created_at, id) position of the last row of a page.
type ActivityCursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the opaque token handed to clients.
func (c ActivityCursor) Encode() string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseActivityCursor decodes a token produced by Encode.
func ParseActivityCursor(token string) (*ActivityCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("activity cursor: %w", err)
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, fmt.Errorf("activity cursor: malformed")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("activity cursor: %w", err)
	}
	return &ActivityCursor{CreatedAt: createdAt.UTC(), ID: id}, nil
}

// DateRange bounds aggregation queries; nil ends are open.
type DateRange struct {
	From *time.Time
	To   *time.Time
}

// ActionStat summarises one action over a date range.
type ActionStat struct {
	Action    ActivityAction `db:"action" json:"action"`
	Total     int            `db:"total" json:"total"`
	Succeeded int            `db:"succeeded" json:"succeeded"`
	Failed    int            `db:"failed" json:"failed"`
}

// ActiveUser ranks users by activity volume.
type ActiveUser struct {
	UserID   string    `db:"user_id" json:"userId"`
	FullName *string   `db:"full_name" json:"fullName,omitempty"`
	Email    *string   `db:"email" json:"email,omitempty"`
	Count    int       `db:"activity_count" json:"count"`
	LastSeen time.Time `db:"last_seen" json:"lastSeen"`
}

// HourlyBucket counts records per hour of day (0-23, UTC).
type HourlyBucket struct {
	Hour  int `db:"hour" json:"hour"`
	Count int `db:"count" json:"count"`
}

// ActivityStatistics bundles the aggregated views served to admins.
type ActivityStatistics struct {
	ByAction    []ActionStat   `json:"byAction"`
	TopUsers    []ActiveUser   `json:"topUsers"`
	Hourly      []HourlyBucket `json:"hourly"`
	GeneratedAt time.Time      `json:"generatedAt"`
}
