// Package audit records connection and playback events in a SQLite database.
package audit

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/YuzuZensai/TrollSSH/internal/logutil"
)

// Event types.
const (
	EventConnectionRejected = "connection_rejected"
	EventSessionStart       = "session_start"
	EventCommandExec        = "command_exec"
	EventSessionEnd         = "session_end"
)

// DefaultRetentionDays is the default number of days to keep audit entries.
const DefaultRetentionDays = 90

// Entry is one audit record.
type Entry struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	EventType  string    `gorm:"index;not null" json:"event_type"`
	SessionID  string    `gorm:"index" json:"session_id,omitempty"`
	Address    string    `gorm:"index" json:"address"`
	Username   string    `json:"username,omitempty"`
	Details    string    `json:"details,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

func (Entry) TableName() string { return "audit_entries" }

// Open opens (creating if needed) the SQLite database at path in WAL mode.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create audit db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	return db, nil
}

// Auditor writes and queries audit entries. A nil *Auditor discards events,
// so callers need not check whether auditing is enabled.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
	cron          *cron.Cron
}

// NewAuditor migrates the audit table in db. If retentionDays is 0,
// DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("auto-migrate audit: %w", err)
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}, nil
}

// Log stores an event. Client-supplied fields are sanitized and truncated
// before they are stored.
func (a *Auditor) Log(e Entry) error {
	if a == nil {
		return nil
	}
	e.ID = 0
	e.Username = logutil.Client(e.Username)
	e.Details = logutil.Client(e.Details)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = a.nowFn()
	}

	a.mu.Lock()
	err := a.db.Create(&e).Error
	a.mu.Unlock()
	if err != nil {
		log.Printf("[audit] failed to write audit entry: %v", err)
		return err
	}
	return nil
}

// Rejected records a connection refused before a session was created.
func (a *Auditor) Rejected(address, reason string) {
	a.Log(Entry{EventType: EventConnectionRejected, Address: address, Details: reason})
}

// SessionStarted records the first playback trigger of a session.
func (a *Auditor) SessionStarted(sessionID, address, username string) {
	a.Log(Entry{EventType: EventSessionStart, SessionID: sessionID, Address: address, Username: username})
}

// CommandExec records the command text of an exec request.
func (a *Auditor) CommandExec(sessionID, address, username, command string) {
	a.Log(Entry{EventType: EventCommandExec, SessionID: sessionID, Address: address, Username: username, Details: command})
}

// SessionEnded records a closed session with its lifetime.
func (a *Auditor) SessionEnded(sessionID, address, username, details string, duration time.Duration) {
	a.Log(Entry{
		EventType:  EventSessionEnd,
		SessionID:  sessionID,
		Address:    address,
		Username:   username,
		Details:    details,
		DurationMs: duration.Milliseconds(),
	})
}

// QueryOptions filters Query results.
type QueryOptions struct {
	EventType string
	Address   string
	SessionID string
	Since     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains matching entries, newest first, with pagination data.
type QueryResult struct {
	Entries []Entry `json:"entries"`
	Total   int64   `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&Entry{})
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Address != "" {
		tx = tx.Where("address = ?", opts.Address)
	}
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []Entry
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan deletes entries older than days, or the configured retention
// when days <= 0. Returns the number of entries deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)

	a.mu.Lock()
	result := a.db.Where("created_at < ?", cutoff).Delete(&Entry{})
	a.mu.Unlock()
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d audit entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// SchedulePurge runs PurgeOlderThan on a cron schedule until Stop is called.
func (a *Auditor) SchedulePurge(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { a.PurgeOlderThan(0) }); err != nil {
		return fmt.Errorf("parse purge schedule %q: %w", spec, err)
	}
	a.mu.Lock()
	if a.cron != nil {
		a.cron.Stop()
	}
	a.cron = c
	a.mu.Unlock()
	c.Start()
	log.Printf("[audit] purging entries older than %d days on schedule %q", a.retentionDays, spec)
	return nil
}

// Stop halts scheduled purges and closes the database.
func (a *Auditor) Stop() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}

	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
