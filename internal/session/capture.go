package session

import (
	"context"
	"strings"
	"time"

	"github.com/hpungsan/bookreader/internal/api"
	"github.com/hpungsan/bookreader/internal/errors"
	"github.com/hpungsan/bookreader/internal/journal"
	"github.com/hpungsan/bookreader/internal/ocrtext"
	"github.com/hpungsan/bookreader/internal/stream"
	"github.com/hpungsan/bookreader/internal/transform"
)

// CaptureResult is the outcome of one successful Capture.
type CaptureResult struct {
	Result     *api.Result       `json:"result"`
	Display    ocrtext.Display   `json:"display"`
	Transform  *transform.Result `json:"transform"`
	CameraID   int               `json:"camera_id"`
	Prompt     string            `json:"prompt,omitempty"`
	JournalID  string            `json:"journal_id,omitempty"`
	CapturedAt time.Time         `json:"captured_at"`
}

// Capture snapshots the current frame, rotates and resizes it, and submits
// it for OCR. Only one capture runs at a time; a second call while one is
// in flight is rejected, not queued. Without a frame nothing is sent.
//
// Once submitted, the request runs to completion even if ctx is cancelled.
func (s *Session) Capture(ctx context.Context) (*CaptureResult, error) {
	if !s.processing.CompareAndSwap(false, true) {
		return nil, errors.NewUserActionRejected("a capture is already in progress")
	}
	defer s.processing.Store(false)

	s.mu.Lock()
	var frame Frame
	hasFrame := s.frame != nil
	if hasFrame {
		frame = *s.frame
	}
	opts := transform.Options{Rotation: s.rotation, MaxSize: s.maxSize}
	prompt := s.prompt
	reason := s.noFrameReasonLocked()
	s.mu.Unlock()

	if !hasFrame {
		err := errors.NewUserActionRejected(reason)
		s.setAlert(err)
		return nil, err
	}

	logger := s.logger.With("cameraId", frame.CameraID, "rotation", int(opts.Rotation))
	capturedAt := time.Now()

	tr, err := transform.Apply(frame.Data, opts)
	if err != nil {
		logger.Error("Capture transform failed", "error", err)
		s.setAlert(err)
		return nil, err
	}
	logger.Info("Capture submitted",
		"sourceWidth", tr.SourceWidth, "sourceHeight", tr.SourceHeight,
		"width", tr.Width, "height", tr.Height, "resized", tr.Resized)

	submitCtx := context.WithoutCancel(ctx)
	result, err := s.backend.ProcessOCR(submitCtx, tr.Base64, prompt)
	if err != nil {
		logger.Error("OCR request failed", "error", err)
		s.setAlert(err)
		s.record(submitCtx, frame, tr, prompt, &api.Result{Status: ocrtext.StatusError, Error: errors.As(err).Message}, capturedAt)
		return nil, err
	}

	out := &CaptureResult{
		Result:     result,
		Display:    result.Display(),
		Transform:  tr,
		CameraID:   frame.CameraID,
		Prompt:     prompt,
		CapturedAt: capturedAt,
	}
	out.JournalID = s.record(submitCtx, frame, tr, prompt, result, capturedAt)

	logger.Info("OCR finished", "status", result.Status, "chars", ocrtext.CountChars(out.Display.Text))

	s.mu.Lock()
	s.lastResult = out
	s.lastError = ""
	s.mu.Unlock()
	return out, nil
}

// LastResult returns the most recent successful capture.
func (s *Session) LastResult() *CaptureResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}

// Processing reports whether a capture is in flight.
func (s *Session) Processing() bool {
	return s.processing.Load()
}

// record writes the capture to the journal. Journal failures are logged and
// never fail the capture.
func (s *Session) record(ctx context.Context, frame Frame, tr *transform.Result, prompt string, result *api.Result, at time.Time) string {
	if s.recorder == nil {
		return ""
	}
	status := result.Status
	if status == "" {
		status = ocrtext.StatusError
	}
	out, err := s.recorder.Record(ctx, journal.RecordInput{
		CameraID:     frame.CameraID,
		Rotation:     int(tr.Rotation),
		SourceWidth:  tr.SourceWidth,
		SourceHeight: tr.SourceHeight,
		Width:        tr.Width,
		Height:       tr.Height,
		Prompt:       prompt,
		Status:       status,
		Text:         result.Text,
		SkipReason:   result.SkipReason,
		Error:        result.Error,
		JPEG:         tr.JPEG,
		CapturedAt:   at,
	})
	if err != nil {
		s.logger.Warn("Journal record failed", "error", err)
		return ""
	}
	return out.ID
}

// noFrameReasonLocked explains why no frame is available. s.mu must be held.
func (s *Session) noFrameReasonLocked() string {
	reasons := []string{}
	if !s.enabled {
		reasons = append(reasons, "preview is not enabled")
	}
	if s.ch == nil || s.ch.State() != stream.Open {
		reasons = append(reasons, "stream is not connected")
	}
	if s.banner.Level == LevelError {
		reasons = append(reasons, "camera reported an error")
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "no frame received yet")
	}
	return "no camera frame available: " + strings.Join(reasons, "; ")
}
