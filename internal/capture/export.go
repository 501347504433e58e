package capture

// ExportHeader is the first line of a JSONL journal export.
type ExportHeader struct {
	BookreaderExport bool   `json:"_bookreader_export"`
	SchemaVersion    string `json:"schema_version"`
	ExportedAt       int64  `json:"exported_at"`
}

// ExportRecord is one entry in a JSONL journal export.
type ExportRecord struct {
	ID           string  `json:"id"`
	CameraID     int     `json:"camera_id"`
	Rotation     int     `json:"rotation"`
	SourceWidth  int     `json:"source_width"`
	SourceHeight int     `json:"source_height"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	Prompt       *string `json:"prompt"`
	Status       string  `json:"status"`
	Text         *string `json:"text"`
	CleanText    string  `json:"clean_text"`
	SkipReason   *string `json:"skip_reason"`
	Error        *string `json:"error"`
	ImagePath    *string `json:"image_path"`
	CreatedAt    int64   `json:"created_at"`
}

// ToExportRecord converts an entry for export. CleanText is the filtered
// text, so exports are usable without re-running the filter.
func ToExportRecord(e *Entry) *ExportRecord {
	return &ExportRecord{
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
		CleanText:    e.Display().Text,
		SkipReason:   e.SkipReason,
		Error:        e.ErrorMessage,
		ImagePath:    e.ImagePath,
		CreatedAt:    e.CreatedAt,
	}
}
