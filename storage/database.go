// Package storage provides data persistence using SQLite for the site login automation tool.
// It keeps a journal of login attempts and per-day outcome counts for operators.
// Nothing in it is read back to drive a login.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/nikshitha/site-login-automation/logger"
	_ "modernc.org/sqlite"
)

// Database wraps SQLite database operations
type Database struct {
	db     *sql.DB
	logger *logger.Logger
}

// Attempt is one recorded login attempt
type Attempt struct {
	ID             string        `json:"id"`
	Site           string        `json:"site"`
	Attempt        int           `json:"attempt"`
	Outcome        string        `json:"outcome"` // success, failure, timeout
	Reason         string        `json:"reason,omitempty"`
	Detail         string        `json:"detail,omitempty"`
	FinalURL       string        `json:"final_url,omitempty"`
	Matched        string        `json:"matched,omitempty"`
	Elapsed        time.Duration `json:"elapsed"`
	ScreenshotPath string        `json:"screenshot_path,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
}

// DailyStats tracks daily outcome counts for a site
type DailyStats struct {
	Date      string `json:"date"`
	Site      string `json:"site"`
	Successes int    `json:"successes"`
	Failures  int    `json:"failures"`
	Timeouts  int    `json:"timeouts"`
}

// NewDatabase creates a new database connection
func NewDatabase(dbPath string, log *logger.Logger) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	database := &Database{
		db:     db,
		logger: log.WithModule("storage"),
	}

	if err := database.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	database.logger.WithField("path", dbPath).Debug("Database initialized successfully")
	return database, nil
}

// initSchema creates the database tables if they don't exist
func (d *Database) initSchema() error {
	schema := `
	-- One row per login attempt
	CREATE TABLE IF NOT EXISTS login_attempts (
		id TEXT PRIMARY KEY,
		site TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 1,
		outcome TEXT NOT NULL,
		reason TEXT,
		detail TEXT,
		final_url TEXT,
		matched TEXT,
		elapsed_ms INTEGER NOT NULL,
		screenshot_path TEXT,
		started_at DATETIME NOT NULL
	);

	-- Daily outcome counts per site
	CREATE TABLE IF NOT EXISTS daily_stats (
		date TEXT NOT NULL,
		site TEXT NOT NULL,
		successes INTEGER DEFAULT 0,
		failures INTEGER DEFAULT 0,
		timeouts INTEGER DEFAULT 0,
		PRIMARY KEY (date, site)
	);

	CREATE INDEX IF NOT EXISTS idx_login_attempts_site ON login_attempts(site, started_at);
	`

	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database connection
func (d *Database) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// RecordAttempt stores an attempt and bumps the day's counter for its outcome
func (d *Database) RecordAttempt(ctx context.Context, a *Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now()
	}

	column, err := statColumn(a.Outcome)
	if err != nil {
		return err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO login_attempts (id, site, attempt, outcome, reason, detail, final_url, matched, elapsed_ms, screenshot_path, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Site, a.Attempt, a.Outcome, a.Reason, a.Detail, a.FinalURL, a.Matched,
		a.Elapsed.Milliseconds(), a.ScreenshotPath, a.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save attempt: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO daily_stats (date, site, %s) VALUES (?, ?, 1)
		ON CONFLICT(date, site) DO UPDATE SET %s = %s + 1
	`, column, column, column)
	if _, err := tx.ExecContext(ctx, query, a.StartedAt.UTC().Format("2006-01-02"), a.Site); err != nil {
		return fmt.Errorf("failed to update daily stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attempt: %w", err)
	}

	d.logger.WithFields(map[string]interface{}{
		"id":      a.ID,
		"site":    a.Site,
		"outcome": a.Outcome,
	}).Debug("Attempt recorded")
	return nil
}

func statColumn(outcome string) (string, error) {
	switch outcome {
	case "success":
		return "successes", nil
	case "failure":
		return "failures", nil
	case "timeout":
		return "timeouts", nil
	default:
		return "", fmt.Errorf("unknown outcome %q", outcome)
	}
}

// RecentAttempts returns the newest attempts, optionally filtered by site
func (d *Database) RecentAttempts(ctx context.Context, site string, limit int) ([]*Attempt, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, site, attempt, outcome, COALESCE(reason, ''), COALESCE(detail, ''), COALESCE(final_url, ''),
			COALESCE(matched, ''), elapsed_ms, COALESCE(screenshot_path, ''), started_at
		FROM login_attempts
	`
	args := []interface{}{}
	if site != "" {
		query += " WHERE site = ?"
		args = append(args, site)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		a := &Attempt{}
		var elapsedMs int64
		err := rows.Scan(&a.ID, &a.Site, &a.Attempt, &a.Outcome, &a.Reason, &a.Detail, &a.FinalURL,
			&a.Matched, &elapsedMs, &a.ScreenshotPath, &a.StartedAt)
		if err != nil {
			return nil, err
		}
		a.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}

// SiteStats returns the daily counts for a site, newest first
func (d *Database) SiteStats(ctx context.Context, site string, days int) ([]*DailyStats, error) {
	if days <= 0 {
		days = 7
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT date, site, successes, failures, timeouts
		FROM daily_stats
		WHERE site = ?
		ORDER BY date DESC
		LIMIT ?
	`, site, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*DailyStats
	for rows.Next() {
		s := &DailyStats{}
		if err := rows.Scan(&s.Date, &s.Site, &s.Successes, &s.Failures, &s.Timeouts); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}

	return stats, rows.Err()
}
