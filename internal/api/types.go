package api

import (
	"github.com/hpungsan/bookreader/internal/ocrtext"
)

// Camera is one capture device the backend can open.
type Camera struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	DevicePath string `json:"device_path"`
}

// CameraList is the response of GET /api/camera/list.
type CameraList struct {
	Cameras         []Camera `json:"cameras"`
	CurrentCameraID *int     `json:"current_camera_id"`
}

// Current returns the backend's active camera id, if it reported one.
func (l *CameraList) Current() (int, bool) {
	if l.CurrentCameraID == nil {
		return 0, false
	}
	return *l.CurrentCameraID, true
}

// Label formats a camera the way selection lists show it.
func (c Camera) Label() string {
	if c.DevicePath == "" {
		return c.Name
	}
	return c.Name + " (" + c.DevicePath + ")"
}

// SetCameraResponse is the response of POST /api/camera/set.
type SetCameraResponse struct {
	Success  bool   `json:"success"`
	DeviceID int    `json:"device_id,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ResolutionResponse is the response of POST /api/camera/resolution.
type ResolutionResponse struct {
	Success bool   `json:"success"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Result is one OCR outcome. The backend fills id, datetime and image
// fields only for history records.
type Result struct {
	ID         string `json:"id,omitempty"`
	Datetime   string `json:"datetime,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Status     string `json:"status"`
	Text       string `json:"text,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
	Error      string `json:"error,omitempty"`
	ImagePath  string `json:"image_path,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
}

// Display renders the result for a surface.
func (r *Result) Display() ocrtext.Display {
	return ocrtext.Render(r.Status, r.Text, r.SkipReason, r.Error)
}

// Completed reports whether OCR produced text.
func (r *Result) Completed() bool {
	return r.Status == ocrtext.StatusCompleted
}

type setCameraRequest struct {
	DeviceID int `json:"device_id"`
}

type resolutionRequest struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type ocrRequest struct {
	Frame  string `json:"frame"`
	Prompt string `json:"prompt"`
}

type errorBody struct {
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error"`
}
