package capture

import (
	"time"

	"github.com/hpungsan/bookreader/internal/ocrtext"
)

// previewRunes is how much filtered text a summary carries.
const previewRunes = 80

// Summary is an entry without its full text. Used by list operations.
type Summary struct {
	ID         string  `json:"id"`
	CameraID   int     `json:"camera_id"`
	Rotation   int     `json:"rotation"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Status     string  `json:"status"`
	Label      string  `json:"label"`
	Preview    string  `json:"preview,omitempty"`
	TextChars  int     `json:"text_chars"`
	SkipReason *string `json:"skip_reason,omitempty"`
	Error      *string `json:"error,omitempty"`
	HasImage   bool    `json:"has_image"`
	CreatedAt  int64   `json:"created_at"`
	Datetime   string  `json:"datetime"`
}

// ToSummary strips the full text from an entry.
func (e *Entry) ToSummary() Summary {
	s := Summary{
		ID:         e.ID,
		CameraID:   e.CameraID,
		Rotation:   e.Rotation,
		Width:      e.Width,
		Height:     e.Height,
		Status:     e.Status,
		Label:      ocrtext.ShortLabel(e.Status),
		TextChars:  e.TextChars,
		SkipReason: e.SkipReason,
		Error:      e.ErrorMessage,
		HasImage:   e.ImagePath != nil,
		CreatedAt:  e.CreatedAt,
		Datetime:   FormatTime(e.CreatedAt),
	}
	if e.Text != nil {
		s.Preview = ocrtext.Preview(ocrtext.FilterSystemMessages(*e.Text), previewRunes)
	}
	return s
}

// Display renders the entry the same way a live OCR result is shown.
func (e *Entry) Display() ocrtext.Display {
	return ocrtext.Render(e.Status, deref(e.Text), deref(e.SkipReason), deref(e.ErrorMessage))
}

// FormatTime formats a millisecond timestamp in local time, the layout the
// backend uses for its datetime field.
func FormatTime(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
