package ocrtext

// Status values reported by the OCR backend.
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusError     = "error"
)

// Display is what a surface shows for one OCR outcome.
type Display struct {
	Status  string `json:"status"`
	Label   string `json:"label"`
	Text    string `json:"text,omitempty"`
	Warning string `json:"warning,omitempty"`
	// Raw holds the unfiltered text when filtering left nothing to show.
	Raw    string `json:"raw,omitempty"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Render maps an OCR outcome to its display form. Completed text goes
// through FilterSystemMessages; missing reasons fall back to "Unknown".
func Render(status, text, skipReason, errMsg string) Display {
	switch status {
	case StatusCompleted:
		d := Display{Status: status, Label: "OCR completed"}
		if text == "" {
			d.Warning = "OCR result is empty"
			return d
		}
		clean := FilterSystemMessages(text)
		if clean == "" {
			d.Warning = "OCR result is empty after filtering (only system messages)"
			d.Raw = text
			return d
		}
		d.Text = clean
		return d
	case StatusSkipped:
		if skipReason == "" {
			skipReason = "Unknown"
		}
		return Display{Status: status, Label: "OCR skipped", Reason: skipReason}
	default:
		if errMsg == "" {
			errMsg = "Unknown error"
		}
		return Display{Status: StatusError, Label: "OCR failed", Error: errMsg}
	}
}

// ShortLabel is the one-word status badge used in history lists.
func ShortLabel(status string) string {
	switch status {
	case StatusCompleted:
		return "success"
	case StatusSkipped:
		return "skipped"
	case StatusError:
		return "failed"
	}
	return ""
}
