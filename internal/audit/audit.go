// Package audit records shell sessions, connections and executed commands in
// the database.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/gluk-w/webshell/internal/logging"
	"github.com/gluk-w/webshell/internal/logutil"
)

// EventType classifies an audit entry.
type EventType string

const (
	EventSessionCreated     EventType = "session_created"
	EventSessionClosed      EventType = "session_closed"
	EventSessionExpired     EventType = "session_expired"
	EventSessionCommand     EventType = "session_command"
	EventCommandExec        EventType = "command_exec"
	EventCommandStream      EventType = "command_stream"
	EventTerminalConnect    EventType = "terminal_connect"
	EventTerminalDisconnect EventType = "terminal_disconnect"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// Entry is one audit row.
type Entry struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	EventType  string    `gorm:"index;not null" json:"event_type"`
	SessionID  string    `gorm:"index" json:"session_id,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	SourceIP   string    `json:"source_ip,omitempty"`
	Command    string    `json:"command,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Details    string    `json:"details,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

func (Entry) TableName() string { return "command_audit_logs" }

// Auditor writes and queries audit entries.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// NewAuditor migrates the audit table and returns an Auditor writing to db.
// A non-positive retentionDays selects DefaultRetentionDays.
func NewAuditor(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate audit table: %w", err)
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{db: db, retentionDays: retentionDays, nowFn: time.Now}, nil
}

// Log stores entry. Commands are sanitized and truncated before they are
// written.
func (a *Auditor) Log(entry Entry) error {
	entry.ID = 0
	entry.Command = logutil.Command(entry.Command)
	entry.Details = logutil.SanitizeForLog(entry.Details)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = a.now()
	}

	logger := logging.Component("audit")
	if err := a.db.Create(&entry).Error; err != nil {
		logger.Error().Err(err).Str("event", entry.EventType).Msg("failed to write audit log")
		return err
	}
	logger.Debug().
		Str("event", entry.EventType).
		Str("session_id", entry.SessionID).
		Str("command", entry.Command).
		Str("details", entry.Details).
		Msg("audit")
	return nil
}

// QueryOptions filters Query results.
type QueryOptions struct {
	EventType string
	SessionID string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// Normalize applies the default and maximum page size.
func (o QueryOptions) Normalize() QueryOptions {
	if o.Limit <= 0 {
		o.Limit = 50
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// Query returns matching entries newest first together with the total match
// count.
func (a *Auditor) Query(opts QueryOptions) ([]Entry, int64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	opts = opts.Normalize()
	tx := a.db.Model(&Entry{})
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	entries := []Entry{}
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// PurgeOlderThan deletes entries older than age. A non-positive age uses the
// retention period. It returns the number of rows deleted.
func (a *Auditor) PurgeOlderThan(age time.Duration) (int64, error) {
	if age <= 0 {
		age = time.Duration(a.RetentionDays()) * 24 * time.Hour
	}
	cutoff := a.now().Add(-age)

	logger := logging.Component("audit")
	result := a.db.Where("created_at < ?", cutoff).Delete(&Entry{})
	if result.Error != nil {
		logger.Error().Err(result.Error).Msg("purge failed")
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		logger.Info().Int64("deleted", result.RowsAffected).Dur("older_than", age).Msg("purged audit entries")
	}
	return result.RowsAffected, nil
}

// StartRetentionCleanup purges expired entries on schedule until the
// returned stop function is called.
func (a *Auditor) StartRetentionCleanup(schedule string) (func(), error) {
	c := cron.New(cron.WithChain(cron.Recover(logging.CronLogger("audit"))))
	if _, err := c.AddFunc(schedule, func() { a.PurgeOlderThan(0) }); err != nil {
		return nil, fmt.Errorf("schedule audit purge %q: %w", schedule, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

func (a *Auditor) RetentionDays() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.retentionDays
}

func (a *Auditor) SetRetentionDays(days int) {
	a.mu.Lock()
	a.retentionDays = days
	a.mu.Unlock()
}

// SetNowFunc replaces the clock. Used by tests.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.mu.Lock()
	a.nowFn = fn
	a.mu.Unlock()
}

func (a *Auditor) now() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nowFn()
}
