package capture

// Entry is one capture this client submitted for OCR, as kept in the local
// journal.
type Entry struct {
	// ID is a ULID that uniquely identifies this entry
	ID string

	// CameraID is the device the frame came from
	CameraID int

	// Rotation is the clockwise rotation applied before submission
	Rotation int

	// SourceWidth and SourceHeight are the frame dimensions as received
	SourceWidth  int
	SourceHeight int

	// Width and Height are the dimensions actually submitted
	Width  int
	Height int

	// Prompt is the prompt sent with the request (nullable: backend default)
	Prompt *string

	// Status is completed, skipped or error
	Status string

	// Text is the raw OCR text as returned (nullable)
	Text *string

	// TextChars is the character count of the filtered text (runes)
	TextChars int

	// SkipReason is set for skipped captures (nullable)
	SkipReason *string

	// ErrorMessage is set for failed captures (nullable)
	ErrorMessage *string

	// ImagePath is the saved JPEG under captures/ (nullable)
	ImagePath *string

	// CreatedAt is the Unix timestamp (milliseconds) of the capture
	CreatedAt int64
}

// Statuses stored in the journal. They match the backend's result statuses.
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusError     = "error"
)

// ValidStatus reports whether s is a known status.
func ValidStatus(s string) bool {
	switch s {
	case StatusCompleted, StatusSkipped, StatusError:
		return true
	}
	return false
}
