// Package journal keeps a SQLite record of accepted connections: who
// connected, when the connection was accepted and finished, how many bytes
// moved, and whether handling failed.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// ErrEntryNotFound indicates the accept id does not exist.
var ErrEntryNotFound = errors.New("journal entry not found")

// Journal wraps the SQLite connection. The accept loop is sequential, so a
// single connection is enough.
type Journal struct {
	conn *sql.DB
	log  logrus.FieldLogger
}

// Entry is one accepted connection. Timestamps are Unix microseconds so two
// connections served back to back still order strictly.
type Entry struct {
	ID           int64
	Peer         string
	AcceptedAt   int64
	FinishedAt   *int64
	BytesRead    int64
	BytesWritten int64
	Error        *string
}

// Open opens or creates the journal at path and applies pending migrations.
func Open(path string, log logrus.FieldLogger) (*Journal, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := runMigrations(conn, log); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Journal{conn: conn, log: log}, nil
}

// Close closes the database
func (j *Journal) Close() error {
	return j.conn.Close()
}

// RecordAccept inserts a row for a freshly accepted connection and returns
// its id.
func (j *Journal) RecordAccept(peer string, at time.Time) (int64, error) {
	result, err := j.conn.Exec(`
		INSERT INTO accepts (peer, accepted_at)
		VALUES (?, ?)
	`, peer, at.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("failed to record accept: %w", err)
	}
	return result.LastInsertId()
}

// RecordOutcome completes the row created by RecordAccept.
func (j *Journal) RecordOutcome(id int64, finishedAt time.Time, bytesRead, bytesWritten int64, handleErr error) error {
	var errText sql.NullString
	if handleErr != nil {
		errText = sql.NullString{String: handleErr.Error(), Valid: true}
	}

	result, err := j.conn.Exec(`
		UPDATE accepts
		SET finished_at = ?, bytes_read = ?, bytes_written = ?, error = ?
		WHERE id = ?
	`, finishedAt.UnixMicro(), bytesRead, bytesWritten, errText, id)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Get returns one entry by id
func (j *Journal) Get(id int64) (*Entry, error) {
	row := j.conn.QueryRow(`
		SELECT id, peer, accepted_at, finished_at, bytes_read, bytes_written, error
		FROM accepts
		WHERE id = ?
	`, id)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

// List returns up to limit entries in accept order, oldest first.
func (j *Journal) List(limit int) ([]*Entry, error) {
	rows, err := j.conn.Query(`
		SELECT id, peer, accepted_at, finished_at, bytes_read, bytes_written, error
		FROM accepts
		ORDER BY id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountFailures returns how many connections finished with a handler error.
func (j *Journal) CountFailures() (int64, error) {
	var n int64
	err := j.conn.QueryRow(`SELECT COUNT(*) FROM accepts WHERE error IS NOT NULL`).Scan(&n)
	return n, err
}

// Prune deletes entries accepted more than retention ago and returns how
// many rows were removed.
func (j *Journal) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMicro()

	result, err := j.conn.Exec(`DELETE FROM accepts WHERE accepted_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.log.WithField("removed", n).Info("Pruned journal entries")
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var finishedAt sql.NullInt64
	var errText sql.NullString

	if err := s.Scan(&e.ID, &e.Peer, &e.AcceptedAt, &finishedAt, &e.BytesRead, &e.BytesWritten, &errText); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		e.FinishedAt = &finishedAt.Int64
	}
	if errText.Valid {
		e.Error = &errText.String
	}
	return e, nil
}
