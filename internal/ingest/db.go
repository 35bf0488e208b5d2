// Package ingest imports text files line by line into SQLite from
// cancellable worker tasks.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// FileStatus is the import status recorded for a file.
type FileStatus string

const (
	FileRunning   FileStatus = "running"
	FileComplete  FileStatus = "complete"
	FileCancelled FileStatus = "cancelled"
	FileFailed    FileStatus = "failed"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ingest_files (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    path        TEXT     NOT NULL,
    size        INTEGER  NOT NULL,
    status      TEXT     NOT NULL,
    lines       INTEGER  NOT NULL DEFAULT 0,
    error_msg   TEXT     NULL,
    started_at  DATETIME NOT NULL,
    finished_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS ingest_lines (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    file_id     INTEGER NOT NULL REFERENCES ingest_files(id),
    line_number INTEGER NOT NULL,
    content     TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ingest_lines_file ON ingest_lines(file_id);
`

var ErrFileNotFound = errors.New("ingest file not found")

// Line is one imported line.
type Line struct {
	Number  int
	Content string
}

// FileRecord is the import metadata of one file.
type FileRecord struct {
	ID         int64
	Path       string
	Size       int64
	Status     FileStatus
	Lines      int64
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// DB is the SQLite sink shared by all ingest tasks.
type DB struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path. A single connection
// serializes writers; busy_timeout covers other processes.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	return open(dsn)
}

func open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// BeginFile records a file import as running and returns its id.
func (d *DB) BeginFile(ctx context.Context, path string, size int64) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO ingest_files (path, size, status, started_at) VALUES (?, ?, ?, ?)`,
		path, size, string(FileRunning), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert file %s: %w", path, err)
	}
	return res.LastInsertId()
}

// InsertBatch writes lines in one transaction.
func (d *DB) InsertBatch(ctx context.Context, fileID int64, lines []Line) error {
	if len(lines) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ingest_lines (file_id, line_number, content) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, l := range lines {
		if _, err := stmt.ExecContext(ctx, fileID, l.Number, l.Content); err != nil {
			return fmt.Errorf("insert line %d: %w", l.Number, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ingest_files SET lines = lines + ? WHERE id = ?`, len(lines), fileID); err != nil {
		return fmt.Errorf("update line count: %w", err)
	}
	return tx.Commit()
}

// FinishFile records the final status of a file import.
func (d *DB) FinishFile(ctx context.Context, fileID int64, status FileStatus, errMsg string) error {
	var msg sql.NullString
	if errMsg != "" {
		msg = sql.NullString{String: errMsg, Valid: true}
	}
	_, err := d.db.ExecContext(ctx,
		`UPDATE ingest_files SET status = ?, error_msg = ?, finished_at = ? WHERE id = ?`,
		string(status), msg, time.Now().UTC(), fileID)
	if err != nil {
		return fmt.Errorf("finish file %d: %w", fileID, err)
	}
	return nil
}

// File returns the import metadata of fileID.
func (d *DB) File(ctx context.Context, fileID int64) (FileRecord, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, path, size, status, lines, error_msg, started_at, finished_at FROM ingest_files WHERE id = ?`, fileID)
	rec, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, fmt.Errorf("%w: %d", ErrFileNotFound, fileID)
	}
	return rec, err
}

// Files lists imports, oldest first.
func (d *DB) Files(ctx context.Context) ([]FileRecord, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, path, size, status, lines, error_msg, started_at, finished_at FROM ingest_files ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LineCount returns how many lines are stored for fileID.
func (d *DB) LineCount(ctx context.Context, fileID int64) (int64, error) {
	var n int64
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingest_lines WHERE file_id = ?`, fileID).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(s scanner) (FileRecord, error) {
	var (
		rec      FileRecord
		status   string
		errMsg   sql.NullString
		finished sql.NullTime
	)
	if err := s.Scan(&rec.ID, &rec.Path, &rec.Size, &status, &rec.Lines, &errMsg, &rec.StartedAt, &finished); err != nil {
		return FileRecord{}, err
	}
	rec.Status = FileStatus(status)
	rec.Error = errMsg.String
	rec.FinishedAt = finished.Time
	return rec, nil
}
