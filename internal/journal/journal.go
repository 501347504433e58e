// Package journal keeps a local record of every capture this client
// submitted, independent of the backend's own history.
package journal

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/bookreader/internal/capture"
	"github.com/hpungsan/bookreader/internal/config"
	"github.com/hpungsan/bookreader/internal/db"
	"github.com/hpungsan/bookreader/internal/errors"
	"github.com/hpungsan/bookreader/internal/ocrtext"
)

// Pagination limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// DefaultHistoryLimit matches the backend's own history cap.
const DefaultHistoryLimit = 100

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// Journal stores capture entries in SQLite and optional JPEG copies on disk.
type Journal struct {
	db          *sql.DB
	capturesDir string
	exportsDir  string
	limit       int
	saveImages  bool
}

// New returns a Journal rooted at baseDir. db must come from db.Init(baseDir).
func New(database *sql.DB, baseDir string, cfg *config.Config) *Journal {
	j := &Journal{
		db:          database,
		capturesDir: filepath.Join(baseDir, db.CapturesDir),
		exportsDir:  filepath.Join(baseDir, db.ExportsDir),
		limit:       DefaultHistoryLimit,
		saveImages:  true,
	}
	if cfg != nil {
		if cfg.HistoryLimit > 0 {
			j.limit = cfg.HistoryLimit
		}
		j.saveImages = cfg.SaveCaptureFiles()
	}
	return j
}

// RecordInput describes one submitted capture and its outcome.
type RecordInput struct {
	CameraID     int
	Rotation     int
	SourceWidth  int
	SourceHeight int
	Width        int
	Height       int
	Prompt       string
	Status       string // completed, skipped, error
	Text         string
	SkipReason   string
	Error        string
	JPEG         []byte // transformed image; written only when saving is enabled
	CapturedAt   time.Time
}

// RecordOutput contains the result of Record.
type RecordOutput struct {
	ID        string `json:"id"`
	ImagePath string `json:"image_path,omitempty"`
	Trimmed   int    `json:"trimmed"`
}

// Record stores a capture and trims the journal to its history limit.
func (j *Journal) Record(ctx context.Context, input RecordInput) (*RecordOutput, error) {
	if !capture.ValidStatus(input.Status) {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("status must be one of: completed, skipped, error (got %q)", input.Status))
	}
	if input.CapturedAt.IsZero() {
		input.CapturedAt = time.Now()
	}

	id, err := generateULID(input.CapturedAt)
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	e := &capture.Entry{
		ID:           id,
		CameraID:     input.CameraID,
		Rotation:     input.Rotation,
		SourceWidth:  input.SourceWidth,
		SourceHeight: input.SourceHeight,
		Width:        input.Width,
		Height:       input.Height,
		Prompt:       optional(input.Prompt),
		Status:       input.Status,
		Text:         optional(input.Text),
		TextChars:    ocrtext.CountChars(ocrtext.FilterSystemMessages(input.Text)),
		SkipReason:   optional(input.SkipReason),
		ErrorMessage: optional(input.Error),
		CreatedAt:    input.CapturedAt.UnixMilli(),
	}

	out := &RecordOutput{ID: id}
	if j.saveImages && len(input.JPEG) > 0 {
		path, err := j.writeImage(id, input.JPEG)
		if err != nil {
			return nil, err
		}
		e.ImagePath = &path
		out.ImagePath = path
	}

	if err := db.Insert(ctx, j.db, e); err != nil {
		if e.ImagePath != nil {
			_ = os.Remove(*e.ImagePath)
		}
		return nil, err
	}

	paths, err := db.Trim(ctx, j.db, j.limit)
	if err != nil {
		return nil, err
	}
	out.Trimmed = j.removeImages(paths)

	return out, nil
}

// ListInput contains parameters for List.
type ListInput struct {
	Limit  int    // default: 20, max: 100
	Offset int    // default: 0
	Status string // optional filter
}

// ListOutput contains the result of List.
type ListOutput struct {
	Items      []capture.Summary `json:"items"`
	Pagination Pagination        `json:"pagination"`
	Sort       string            `json:"sort"`
}

// List returns entry summaries, newest first.
func (j *Journal) List(ctx context.Context, input ListInput) (*ListOutput, error) {
	status := strings.TrimSpace(input.Status)
	if status != "" && !capture.ValidStatus(status) {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("status must be one of: completed, skipped, error (got %q)", status))
	}

	limit := input.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := max(input.Offset, 0)

	filter := db.ListFilter{Status: status}
	entries, err := db.List(ctx, j.db, filter, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := db.Count(ctx, j.db, filter)
	if err != nil {
		return nil, err
	}

	items := make([]capture.Summary, 0, len(entries))
	for i := range entries {
		items = append(items, entries[i].ToSummary())
	}

	return &ListOutput{
		Items: items,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(items) < total,
			Total:   total,
		},
		Sort: "created_at_desc",
	}, nil
}

// FetchOutput is a full entry with its rendered display.
type FetchOutput struct {
	ID           string          `json:"id"`
	CameraID     int             `json:"camera_id"`
	Rotation     int             `json:"rotation"`
	SourceWidth  int             `json:"source_width"`
	SourceHeight int             `json:"source_height"`
	Width        int             `json:"width"`
	Height       int             `json:"height"`
	Prompt       *string         `json:"prompt,omitempty"`
	Status       string          `json:"status"`
	Text         *string         `json:"text,omitempty"`
	TextChars    int             `json:"text_chars"`
	ImagePath    *string         `json:"image_path,omitempty"`
	CreatedAt    int64           `json:"created_at"`
	Datetime     string          `json:"datetime"`
	Display      ocrtext.Display `json:"display"`
}

// Fetch returns one entry. An empty id or "latest" returns the newest.
func (j *Journal) Fetch(ctx context.Context, id string) (*FetchOutput, error) {
	id = strings.TrimSpace(id)

	var (
		e   *capture.Entry
		err error
	)
	if id == "" || strings.EqualFold(id, "latest") {
		e, err = db.GetLatest(ctx, j.db)
	} else {
		e, err = db.GetByID(ctx, j.db, id)
	}
	if err != nil {
		return nil, err
	}

	return &FetchOutput{
		ID:           e.ID,
		CameraID:     e.CameraID,
		Rotation:     e.Rotation,
		SourceWidth:  e.SourceWidth,
		SourceHeight: e.SourceHeight,
		Width:        e.Width,
		Height:       e.Height,
		Prompt:       e.Prompt,
		Status:       e.Status,
		Text:         e.Text,
		TextChars:    e.TextChars,
		ImagePath:    e.ImagePath,
		CreatedAt:    e.CreatedAt,
		Datetime:     capture.FormatTime(e.CreatedAt),
		Display:      e.Display(),
	}, nil
}

// ClearOutput contains the result of Clear.
type ClearOutput struct {
	Deleted      int `json:"deleted"`
	FilesRemoved int `json:"files_removed"`
}

// Clear removes every entry and its saved image.
func (j *Journal) Clear(ctx context.Context) (*ClearOutput, error) {
	n, paths, err := db.DeleteAll(ctx, j.db)
	if err != nil {
		return nil, err
	}
	return &ClearOutput{Deleted: n, FilesRemoved: j.removeImages(paths)}, nil
}

// OpenImage opens the saved JPEG for an entry.
func (j *Journal) OpenImage(ctx context.Context, id string) (*os.File, error) {
	e, err := db.GetByID(ctx, j.db, id)
	if err != nil {
		return nil, err
	}
	if e.ImagePath == nil || !j.inCapturesDir(*e.ImagePath) {
		return nil, errors.NewNotFound(id + "/image")
	}
	f, err := openFileNoFollowRead(*e.ImagePath)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.NewNotFound(id + "/image")
		}
		return nil, errors.NewInternal(err)
	}
	return f, nil
}

func (j *Journal) writeImage(id string, data []byte) (string, error) {
	if err := os.MkdirAll(j.capturesDir, 0700); err != nil {
		return "", errors.NewInternal(fmt.Errorf("failed to create captures directory: %w", err))
	}
	path := filepath.Join(j.capturesDir, id+".jpg")
	f, err := openFileNoFollow(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return "", errors.NewInternal(fmt.Errorf("failed to create capture file: %w", err))
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", errors.NewInternal(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", errors.NewInternal(err)
	}
	return path, nil
}

// removeImages deletes saved images, skipping anything outside captures/.
func (j *Journal) removeImages(paths []string) int {
	removed := 0
	for _, p := range paths {
		if !j.inCapturesDir(p) {
			continue
		}
		if err := os.Remove(p); err == nil {
			removed++
		}
	}
	return removed
}

func (j *Journal) inCapturesDir(path string) bool {
	return filepath.Dir(filepath.Clean(path)) == filepath.Clean(j.capturesDir)
}

// generateULID generates a new ULID for time t.
func generateULID(t time.Time) (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
