package session

import (
	"time"

	"github.com/hpungsan/bookreader/internal/preview"
)

// Banner levels.
const (
	LevelInfo  = "info"
	LevelOK    = "ok"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Banner messages shown for the stream state.
const (
	MsgStopped      = "Preview stopped"
	MsgConnecting   = "Connecting to camera..."
	MsgWaitingFrame = "Connected, waiting for frames..."
	MsgConnected    = "Camera connected"
	MsgReconnecting = "Connection lost, reconnecting..."
	MsgDisconnected = "Camera disconnected"
)

// Banner is the one-line stream status a surface shows.
type Banner struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Status is a snapshot of the session for surfaces.
type Status struct {
	Enabled    bool          `json:"preview_enabled"`
	CameraID   int           `json:"camera_id"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	Rotation   int           `json:"rotation"`
	MaxSize    int           `json:"max_size"`
	Prompt     string        `json:"prompt,omitempty"`
	Stream     string        `json:"stream"`
	Banner     Banner        `json:"banner"`
	HasFrame   bool          `json:"has_frame"`
	FrameAt    *time.Time    `json:"frame_at,omitempty"`
	Processing bool          `json:"processing"`
	Alert      string        `json:"alert,omitempty"`
	Style      preview.Style `json:"style"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		Enabled:    s.enabled,
		CameraID:   s.cameraID,
		Width:      s.width,
		Height:     s.height,
		Rotation:   int(s.rotation),
		MaxSize:    s.maxSize,
		Prompt:     s.prompt,
		Stream:     "stopped",
		Banner:     s.banner,
		HasFrame:   s.frame != nil,
		Processing: s.processing.Load(),
		Alert:      s.lastError,
	}
	if s.ch != nil {
		st.Stream = s.ch.State().String()
	}
	if s.frame != nil {
		at := s.frame.ReceivedAt
		st.FrameAt = &at
	}
	s.mu.Unlock()

	st.Style, _ = s.display.Current()
	return st
}
