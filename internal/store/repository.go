package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"hls-capture/internal/acquisition"
)

const schema = `
CREATE TABLE IF NOT EXISTS acquisitions (
	id                 TEXT PRIMARY KEY,
	source_url         TEXT NOT NULL,
	normalized_url     TEXT NOT NULL,
	page_url           TEXT NOT NULL DEFAULT '',
	title              TEXT NOT NULL DEFAULT '',
	format             TEXT NOT NULL DEFAULT '',
	role_video         INTEGER NOT NULL DEFAULT 0,
	role_audio         INTEGER NOT NULL DEFAULT 0,
	stage              TEXT NOT NULL,
	bytes_downloaded   INTEGER NOT NULL DEFAULT 0,
	bytes_total        INTEGER NOT NULL DEFAULT 0,
	percentage         REAL NOT NULL DEFAULT 0,
	rate_bytes_per_sec REAL NOT NULL DEFAULT 0,
	message            TEXT NOT NULL DEFAULT '',
	segments_collected INTEGER NOT NULL DEFAULT 0,
	warning            TEXT NOT NULL DEFAULT '',
	error_message      TEXT NOT NULL DEFAULT '',
	retry_count        INTEGER NOT NULL DEFAULT 0,
	result_location    TEXT NOT NULL DEFAULT '',
	remote_id          TEXT NOT NULL DEFAULT '',
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_acquisitions_normalized_url ON acquisitions(normalized_url);
CREATE INDEX IF NOT EXISTS idx_acquisitions_stage ON acquisitions(stage);
`

// SQLiteRepository is the durable acquisition.Repository backed by SQLite
// via the modernc driver.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLiteRepository opens (or creates) the acquisition database at path.
// ":memory:" opens a throwaway database, used by tests.
func OpenSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	// The modernc driver serializes access per connection; a single
	// connection avoids table-lock errors from concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Close releases the underlying database.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

const acquisitionColumns = `id, source_url, normalized_url, page_url, title, format,
	role_video, role_audio, stage,
	bytes_downloaded, bytes_total, percentage, rate_bytes_per_sec, message, segments_collected,
	warning, error_message, retry_count, result_location, remote_id, created_at, updated_at`

// Create inserts a new record.
func (r *SQLiteRepository) Create(rec *acquisition.Record) error {
	_, err := r.db.Exec(`INSERT INTO acquisitions (`+acquisitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.ID), rec.SourceURL, rec.NormalizedURL, rec.PageURL, rec.Title, string(rec.Format),
		boolToInt(rec.Roles.Video), boolToInt(rec.Roles.Audio), string(rec.Stage),
		rec.Progress.BytesDownloaded, rec.Progress.BytesTotal, rec.Progress.Percentage,
		rec.Progress.RateBytesPerSec, rec.Progress.Message, rec.Progress.SegmentsCollected,
		rec.Warning, rec.ErrorMessage, rec.RetryCount, rec.ResultLocation, rec.RemoteID,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert acquisition: %w", err)
	}
	return nil
}

// Get returns the record with the given ID, or acquisition.ErrNotFound.
func (r *SQLiteRepository) Get(id acquisition.ID) (*acquisition.Record, error) {
	row := r.db.QueryRow(`SELECT `+acquisitionColumns+` FROM acquisitions WHERE id = ?`, string(id))
	return scanRecord(row)
}

// GetBySourceURL returns the most recent record for the normalized URL, or
// acquisition.ErrNotFound.
func (r *SQLiteRepository) GetBySourceURL(normalized string) (*acquisition.Record, error) {
	row := r.db.QueryRow(`SELECT `+acquisitionColumns+` FROM acquisitions
		WHERE normalized_url = ? ORDER BY created_at DESC LIMIT 1`, normalized)
	return scanRecord(row)
}

// Update rewrites the full row for the record's ID.
func (r *SQLiteRepository) Update(rec *acquisition.Record) error {
	res, err := r.db.Exec(`UPDATE acquisitions SET
		source_url = ?, normalized_url = ?, page_url = ?, title = ?, format = ?,
		role_video = ?, role_audio = ?, stage = ?,
		bytes_downloaded = ?, bytes_total = ?, percentage = ?, rate_bytes_per_sec = ?,
		message = ?, segments_collected = ?,
		warning = ?, error_message = ?, retry_count = ?, result_location = ?, remote_id = ?,
		updated_at = ?
		WHERE id = ?`,
		rec.SourceURL, rec.NormalizedURL, rec.PageURL, rec.Title, string(rec.Format),
		boolToInt(rec.Roles.Video), boolToInt(rec.Roles.Audio), string(rec.Stage),
		rec.Progress.BytesDownloaded, rec.Progress.BytesTotal, rec.Progress.Percentage,
		rec.Progress.RateBytesPerSec, rec.Progress.Message, rec.Progress.SegmentsCollected,
		rec.Warning, rec.ErrorMessage, rec.RetryCount, rec.ResultLocation, rec.RemoteID,
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		string(rec.ID),
	)
	if err != nil {
		return fmt.Errorf("update acquisition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return acquisition.ErrNotFound
	}
	return nil
}

// List returns all records, newest first.
func (r *SQLiteRepository) List() ([]*acquisition.Record, error) {
	rows, err := r.db.Query(`SELECT ` + acquisitionColumns + ` FROM acquisitions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list acquisitions: %w", err)
	}
	defer rows.Close()

	var out []*acquisition.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes the record with the given ID. Deleting a missing record is
// a no-op for idempotency.
func (r *SQLiteRepository) Delete(id acquisition.ID) error {
	_, err := r.db.Exec(`DELETE FROM acquisitions WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete acquisition: %w", err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*acquisition.Record, error) {
	var rec acquisition.Record
	var id, format, stage, createdAt, updatedAt string
	var roleVideo, roleAudio int
	err := s.Scan(&id, &rec.SourceURL, &rec.NormalizedURL, &rec.PageURL, &rec.Title, &format,
		&roleVideo, &roleAudio, &stage,
		&rec.Progress.BytesDownloaded, &rec.Progress.BytesTotal, &rec.Progress.Percentage,
		&rec.Progress.RateBytesPerSec, &rec.Progress.Message, &rec.Progress.SegmentsCollected,
		&rec.Warning, &rec.ErrorMessage, &rec.RetryCount, &rec.ResultLocation, &rec.RemoteID,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, acquisition.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan acquisition: %w", err)
	}
	rec.ID = acquisition.ID(id)
	rec.Format = acquisition.SourceFormat(format)
	rec.Stage = acquisition.Stage(stage)
	rec.Roles = acquisition.RolePresence{Video: roleVideo != 0, Audio: roleAudio != 0}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ acquisition.Repository = (*SQLiteRepository)(nil)
