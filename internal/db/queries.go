package db

import (
	"context"
	"database/sql"
	"strings"

	"github.com/hpungsan/bookreader/internal/capture"
	"github.com/hpungsan/bookreader/internal/errors"
)

const selectColumns = `
	SELECT id, camera_id, rotation, source_width, source_height,
		width, height, prompt, status, text, text_chars,
		skip_reason, error_message, image_path, created_at
	FROM captures
`

// ListFilter narrows List and Count.
type ListFilter struct {
	Status string // optional: completed, skipped, error
}

func (f ListFilter) where() (string, []any) {
	if f.Status == "" {
		return "", nil
	}
	return " WHERE status = ?", []any{f.Status}
}

// Insert stores a new capture entry.
func Insert(ctx context.Context, db *sql.DB, e *capture.Entry) error {
	query := `
		INSERT INTO captures (
			id, camera_id, rotation, source_width, source_height,
			width, height, prompt, status, text, text_chars,
			skip_reason, error_message, image_path, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		e.ID, e.CameraID, e.Rotation, e.SourceWidth, e.SourceHeight,
		e.Width, e.Height, toNullString(e.Prompt), e.Status, toNullString(e.Text), e.TextChars,
		toNullString(e.SkipReason), toNullString(e.ErrorMessage), toNullString(e.ImagePath), e.CreatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return errors.NewInvalidRequest("capture id already exists: " + e.ID)
		}
		return errors.NewInternal(err)
	}
	return nil
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	// SQLite returns "UNIQUE constraint failed: ..." for unique violations
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetByID retrieves an entry by its ULID.
func GetByID(ctx context.Context, db *sql.DB, id string) (*capture.Entry, error) {
	row := db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return e, nil
}

// GetLatest retrieves the newest entry.
func GetLatest(ctx context.Context, db *sql.DB) (*capture.Entry, error) {
	row := db.QueryRowContext(ctx, selectColumns+" ORDER BY created_at DESC, id DESC LIMIT 1")
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("latest")
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return e, nil
}

// List returns entries newest first.
func List(ctx context.Context, db *sql.DB, filter ListFilter, limit, offset int) ([]capture.Entry, error) {
	where, args := filter.where()
	query := selectColumns + where + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	entries := []capture.Entry{}
	for rows.Next() {
		e, err := ScanEntryFromRows(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return entries, nil
}

// Count returns the number of entries matching filter.
func Count(ctx context.Context, db *sql.DB, filter ListFilter) (int, error) {
	where, args := filter.where()
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM captures"+where, args...).Scan(&n); err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// Trim deletes everything but the newest keep entries. It returns the image
// paths of the deleted rows so their files can be removed.
func Trim(ctx context.Context, db *sql.DB, keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer tx.Rollback()

	victims := `
		SELECT id FROM captures
		ORDER BY created_at DESC, id DESC
		LIMIT -1 OFFSET ?
	`
	paths, err := imagePaths(ctx, tx, "SELECT image_path FROM captures WHERE image_path IS NOT NULL AND id IN ("+victims+")", keep)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM captures WHERE id IN ("+victims+")", keep); err != nil {
		return nil, errors.NewInternal(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return paths, nil
}

// DeleteAll removes every entry and returns the image paths that were set.
func DeleteAll(ctx context.Context, db *sql.DB) (int, []string, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, errors.NewInternal(err)
	}
	defer tx.Rollback()

	paths, err := imagePaths(ctx, tx, "SELECT image_path FROM captures WHERE image_path IS NOT NULL")
	if err != nil {
		return 0, nil, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM captures")
	if err != nil {
		return 0, nil, errors.NewInternal(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, nil, errors.NewInternal(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, errors.NewInternal(err)
	}
	return int(n), paths, nil
}

// StreamForExport returns rows for every entry, oldest first.
// The caller must close the rows.
func StreamForExport(ctx context.Context, db *sql.DB) (*sql.Rows, error) {
	rows, err := db.QueryContext(ctx, selectColumns+" ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return rows, nil
}

func imagePaths(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, errors.NewInternal(err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return paths, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanEntry scans a single row into an Entry.
func scanEntry(row scanner) (*capture.Entry, error) {
	var (
		e          capture.Entry
		prompt     sql.NullString
		text       sql.NullString
		skipReason sql.NullString
		errMsg     sql.NullString
		imagePath  sql.NullString
	)

	err := row.Scan(
		&e.ID, &e.CameraID, &e.Rotation, &e.SourceWidth, &e.SourceHeight,
		&e.Width, &e.Height, &prompt, &e.Status, &text, &e.TextChars,
		&skipReason, &errMsg, &imagePath, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Prompt = fromNullString(prompt)
	e.Text = fromNullString(text)
	e.SkipReason = fromNullString(skipReason)
	e.ErrorMessage = fromNullString(errMsg)
	e.ImagePath = fromNullString(imagePath)

	return &e, nil
}

// ScanEntryFromRows scans the current row of rows into an Entry.
func ScanEntryFromRows(rows *sql.Rows) (*capture.Entry, error) {
	return scanEntry(rows)
}

// toNullString converts a *string to sql.NullString.
func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// fromNullString converts a sql.NullString to *string.
func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}
