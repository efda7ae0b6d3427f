// Package journal keeps a history of played sessions in SQLite.
// The statistics registry only knows totals; the journal records every session
// with its mode, peer and duration.
package journal

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/woozymasta/fluster/internal/models"
	_ "modernc.org/sqlite" // Driver sqlite
)

// ErrUnknownSession is returned by Finish for ids that were never begun or already finished.
var ErrUnknownSession = errors.New("unknown or finished session")

// Journal manages the SQLite database connection.
type Journal struct {
	db *sql.DB
}

// Open initializes the SQLite connection, sets connection pool parameters, and runs migrations.
func Open(dbPath string) (*Journal, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// one launcher process writes a handful of rows per session
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// NewEntry prepares an open session entry with a fresh id.
func NewEntry(version string, mode models.SessionMode) models.SessionEntry {
	return models.SessionEntry{
		ID:        uuid.NewString(),
		Version:   version,
		Mode:      mode,
		StartedAt: time.Now().UTC().Truncate(time.Second),
	}
}

// Begin inserts an open session.
func (j *Journal) Begin(e models.SessionEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	_, err := j.db.Exec(`
		INSERT INTO sessions (id, version, mode, server_ip, server_port, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Version, string(e.Mode), e.ServerIP, e.ServerPort, e.StartedAt.Unix(),
	)

	return err
}

// Finish closes an open session and stores its duration.
func (j *Journal) Finish(id string, endedAt time.Time) error {
	res, err := j.db.Exec(`
		UPDATE sessions
		SET ended_at = ?1,
		    duration = MAX(?1 - started_at, 0)
		WHERE id = ?2 AND ended_at IS NULL`,
		endedAt.Unix(), id,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownSession
	}

	return nil
}

// CloseDangling finishes every session left open, e.g. after the launcher crashed.
func (j *Journal) CloseDangling(at time.Time) (int64, error) {
	res, err := j.db.Exec(`
		UPDATE sessions
		SET ended_at = ?1,
		    duration = MAX(?1 - started_at, 0)
		WHERE ended_at IS NULL`,
		at.Unix(),
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// Recent returns the latest sessions, newest first. An empty version matches all versions.
func (j *Journal) Recent(version string, limit int) ([]models.SessionEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, version, mode, server_ip, server_port, started_at, ended_at, duration
		FROM sessions`
	var args []any

	if version != "" {
		query += ` WHERE version = ?`
		args = append(args, version)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []models.SessionEntry
	for rows.Next() {
		var (
			e       models.SessionEntry
			mode    string
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Version, &mode, &e.ServerIP, &e.ServerPort, &started, &ended, &e.Duration); err != nil {
			return nil, err
		}

		e.Mode = models.SessionMode(mode)
		e.StartedAt = time.Unix(started, 0).UTC()
		if ended.Valid {
			t := time.Unix(ended.Int64, 0).UTC()
			e.EndedAt = &t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// Totals aggregates finished sessions per version.
func (j *Journal) Totals() ([]models.VersionTotals, error) {
	rows, err := j.db.Query(`
		SELECT version, COUNT(*), COALESCE(SUM(duration), 0)
		FROM sessions
		WHERE ended_at IS NOT NULL
		GROUP BY version
		ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var totals []models.VersionTotals
	for rows.Next() {
		var t models.VersionTotals
		if err := rows.Scan(&t.Version, &t.Sessions, &t.Duration); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}

	return totals, rows.Err()
}
