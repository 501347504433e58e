// Package session owns the live preview state: the current frame, the
// active camera, the stream channel and the rotation setting. Every surface
// (CLI, dashboard, MCP) drives the camera through one Session.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hpungsan/bookreader/internal/api"
	"github.com/hpungsan/bookreader/internal/config"
	"github.com/hpungsan/bookreader/internal/errors"
	"github.com/hpungsan/bookreader/internal/journal"
	"github.com/hpungsan/bookreader/internal/preview"
	"github.com/hpungsan/bookreader/internal/stream"
	"github.com/hpungsan/bookreader/internal/transform"
)

// Backend is the part of the camera/OCR backend a session uses.
// *api.Client implements it.
type Backend interface {
	ListCameras(ctx context.Context) (*api.CameraList, error)
	SetCamera(ctx context.Context, deviceID int) (*api.SetCameraResponse, error)
	SetResolution(ctx context.Context, width, height int) (*api.ResolutionResponse, error)
	ProcessOCR(ctx context.Context, frame, prompt string) (*api.Result, error)
	Results(ctx context.Context) ([]api.Result, error)
	ClearResults(ctx context.Context) error
	StreamURL(cameraID int, resolution string, t time.Time) string
}

// Recorder keeps a local record of submitted captures. *journal.Journal
// implements it.
type Recorder interface {
	Record(ctx context.Context, input journal.RecordInput) (*journal.RecordOutput, error)
}

// Options are the optional collaborators of a Session.
type Options struct {
	// Recorder, if set, receives every capture that reached the backend.
	Recorder Recorder

	// Surface receives preview style updates.
	Surface preview.Surface

	// StreamClient is used for the live stream. It must not have a Timeout.
	StreamClient *http.Client

	Logger *slog.Logger
}

// timings are the fixed delays of the camera lifecycle. Tests shorten them.
type timings struct {
	grace            time.Duration // wait before judging a transport failure
	reconnect        time.Duration // delay before reopening a closed channel
	restartSettle    time.Duration // start while a channel is open
	stopSettle       time.Duration // after stop, before the camera POST
	switchSettle     time.Duration // after a successful camera switch
	switchRecover    time.Duration // restart after a failed camera switch
	resolutionSettle time.Duration // after a resolution change
	refreshRestart   time.Duration
	resetRestart     time.Duration
}

var defaultTimings = timings{
	grace:            3 * time.Second,
	reconnect:        1 * time.Second,
	restartSettle:    200 * time.Millisecond,
	stopSettle:       300 * time.Millisecond,
	switchSettle:     800 * time.Millisecond,
	switchRecover:    500 * time.Millisecond,
	resolutionSettle: 1500 * time.Millisecond,
	refreshRestart:   500 * time.Millisecond,
	resetRestart:     1 * time.Second,
}

// Frame is the latest frame received on the live channel.
type Frame struct {
	// Data is base64 JPEG text as pushed by the backend.
	Data       string    `json:"-"`
	CameraID   int       `json:"camera_id"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	ReceivedAt time.Time `json:"received_at"`
}

// Session is the preview controller. It is safe for concurrent use.
type Session struct {
	backend  Backend
	recorder Recorder
	display  *preview.Display
	dialer   *stream.Dialer
	logger   *slog.Logger
	timings  timings

	// ctl serializes lifecycle operations (start, stop, switch, ...), which
	// sleep between steps.
	ctl sync.Mutex

	// processing is the single-flight flag for Capture.
	processing atomic.Bool

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	closed     chan struct{}
	isClosed   bool
	wg         sync.WaitGroup
	ch         *stream.Channel
	frame      *Frame
	enabled    bool
	cameraID   int
	width      int
	height     int
	rotation   transform.Rotation
	maxSize    int
	prompt     string
	cameras    []api.Camera
	banner     Banner
	lastResult *CaptureResult
	lastError  string
}

// New creates a Session from cfg. Nothing is opened until Start.
func New(backend Backend, cfg *config.Config, opts Options) (*Session, error) {
	if backend == nil {
		return nil, errors.NewInvalidRequest("backend is required")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	rot, err := transform.ParseRotation(cfg.Rotation)
	if err != nil {
		return nil, err
	}
	maxSize := cfg.ModelMaxSize
	if maxSize <= 0 {
		maxSize = transform.DefaultMaxSize
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	streamClient := opts.StreamClient
	if streamClient == nil {
		streamClient = &http.Client{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		backend:  backend,
		recorder: opts.Recorder,
		display:  preview.NewDisplay(opts.Surface, preview.Debounce),
		logger:   logger,
		timings:  defaultTimings,
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
		enabled:  cfg.Preview(),
		cameraID: cfg.CameraID,
		width:    cfg.FrameWidth,
		height:   cfg.FrameHeight,
		rotation: rot,
		maxSize:  maxSize,
		prompt:   cfg.Prompt,
		banner:   Banner{Level: LevelInfo, Message: MsgStopped},
	}
	s.dialer = &stream.Dialer{
		URL:    s.streamURL,
		Client: streamClient,
		Logger: logger,
		Handlers: stream.Handlers{
			OnOpen:           s.onOpen,
			OnFrame:          s.onFrame,
			OnError:          s.onError,
			OnTransportError: s.onTransportError,
		},
	}
	return s, nil
}

// Start opens the live channel for the current camera. An open channel is
// stopped first and reopened after a short settle delay.
func (s *Session) Start(ctx context.Context) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	return s.start(ctx)
}

// Stop closes the live channel and drops the current frame.
func (s *Session) Stop() {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.stop()
}

// SetPreviewEnabled turns the live preview on or off.
func (s *Session) SetPreviewEnabled(ctx context.Context, enabled bool) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()

	if !enabled {
		s.stop()
		return nil
	}
	return s.start(ctx)
}

// SwitchCamera moves the backend and the live channel to deviceID. It is a
// no-op for the current camera and is refused while a capture is running.
func (s *Session) SwitchCamera(ctx context.Context, deviceID int) error {
	if s.processing.Load() {
		return errors.NewUserActionRejected("cannot switch camera while a capture is in progress")
	}

	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()
	current, enabled := s.cameraID, s.enabled
	s.mu.Unlock()
	if deviceID == current {
		return nil
	}

	logger := s.logger.With("cameraId", deviceID, "previousCameraId", current)
	logger.Info("Switching camera")

	if enabled {
		s.stop()
		if err := s.sleep(ctx, s.timings.stopSettle); err != nil {
			return err
		}
	}

	if _, err := s.backend.SetCamera(ctx, deviceID); err != nil {
		logger.Error("Camera switch failed", "error", err)
		s.setAlert(err)
		if enabled {
			if sleepErr := s.sleep(ctx, s.timings.switchRecover); sleepErr != nil {
				return err
			}
			if startErr := s.start(ctx); startErr != nil {
				logger.Warn("Restart after failed switch failed", "error", startErr)
			}
		}
		return err
	}

	s.mu.Lock()
	s.cameraID = deviceID
	s.mu.Unlock()

	if !enabled {
		return nil
	}
	if err := s.sleep(ctx, s.timings.switchSettle); err != nil {
		return err
	}
	return s.start(ctx)
}

// ChangeResolution asks the backend for a new capture resolution. When it
// succeeds and a channel is live, the channel is stopped and reopened after
// the device has had time to reacquire the hardware. A failed change leaves
// the channel alone.
func (s *Session) ChangeResolution(ctx context.Context, width, height int) error {
	if width <= 0 || height <= 0 {
		return errors.NewInvalidRequest(fmt.Sprintf("resolution must be positive (got %dx%d)", width, height))
	}

	s.ctl.Lock()
	defer s.ctl.Unlock()

	logger := s.logger.With("width", width, "height", height)
	logger.Info("Changing camera resolution")

	if _, err := s.backend.SetResolution(ctx, width, height); err != nil {
		logger.Error("Resolution change failed", "error", err)
		s.setAlert(err)
		return err
	}

	s.mu.Lock()
	s.width, s.height = width, height
	live := s.enabled && s.ch != nil
	s.mu.Unlock()

	if !live {
		return nil
	}
	s.stop()
	if err := s.sleep(ctx, s.timings.resolutionSettle); err != nil {
		return err
	}
	return s.start(ctx)
}

// RefreshCameras re-lists the backend cameras and adopts the backend's
// current camera. The preview restarts if it is enabled.
func (s *Session) RefreshCameras(ctx context.Context) (*api.CameraList, error) {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	list, err := s.backend.ListCameras(ctx)
	if err != nil {
		s.logger.Error("Camera list failed", "error", err)
		return nil, err
	}

	s.mu.Lock()
	s.cameras = append([]api.Camera(nil), list.Cameras...)
	if id, ok := list.Current(); ok {
		s.cameraID = id
	}
	enabled := s.enabled
	s.mu.Unlock()

	s.logger.Info("Camera list refreshed", "count", len(list.Cameras))

	if enabled {
		s.stop()
		if err := s.sleep(ctx, s.timings.refreshRestart); err != nil {
			return list, err
		}
		if err := s.start(ctx); err != nil {
			return list, err
		}
	}
	return list, nil
}

// ResetCamera stops the preview and restarts it after a pause.
func (s *Session) ResetCamera(ctx context.Context) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.logger.Info("Resetting camera")
	s.stop()
	if err := s.sleep(ctx, s.timings.resetRestart); err != nil {
		return err
	}

	s.mu.Lock()
	enabled := s.enabled
	s.mu.Unlock()
	if !enabled {
		return nil
	}
	return s.start(ctx)
}

// SetRotation changes the rotation used for the preview and for captures.
// The preview update is debounced.
func (s *Session) SetRotation(deg int) error {
	rot, err := transform.ParseRotation(deg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.rotation = rot
	s.mu.Unlock()

	s.display.Request(rot)
	return nil
}

// Rotation returns the current rotation setting.
func (s *Session) Rotation() transform.Rotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotation
}

// SetPrompt changes the prompt sent with captures. Empty means the backend
// default.
func (s *Session) SetPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompt = prompt
}

// SetMaxSize changes the resize ceiling for captures.
func (s *Session) SetMaxSize(n int) error {
	if n <= 0 {
		return errors.NewInvalidRequest(fmt.Sprintf("max size must be positive (got %d)", n))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxSize = n
	return nil
}

// Cameras returns the cameras from the last refresh.
func (s *Session) Cameras() []api.Camera {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.Camera(nil), s.cameras...)
}

// Frame returns a copy of the current frame.
func (s *Session) Frame() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return Frame{}, false
	}
	return *s.frame, true
}

// Results fetches the backend history.
func (s *Session) Results(ctx context.Context) ([]api.Result, error) {
	results, err := s.backend.Results(ctx)
	if err != nil {
		s.logger.Error("Result history fetch failed", "error", err)
		return nil, err
	}
	return results, nil
}

// ClearResults clears the backend history.
func (s *Session) ClearResults(ctx context.Context) error {
	if err := s.backend.ClearResults(ctx); err != nil {
		s.logger.Error("Result history clear failed", "error", err)
		return err
	}
	s.logger.Info("Result history cleared")
	return nil
}

// Close stops the channel and every pending timer. A capture already
// submitted still runs to completion.
func (s *Session) Close() {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return
	}
	s.isClosed = true
	close(s.closed)
	if s.ch != nil {
		s.ch.Close()
		s.ch = nil
	}
	s.frame = nil
	s.mu.Unlock()

	s.cancel()
	s.display.Stop()
	s.wg.Wait()
}

func (s *Session) start(ctx context.Context) error {
	s.mu.Lock()
	open := s.ch != nil
	s.mu.Unlock()

	if open {
		s.stop()
		if err := s.sleep(ctx, s.timings.restartSettle); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked()
}

// openLocked replaces any channel with a new one for the current camera.
// s.mu must be held.
func (s *Session) openLocked() error {
	if s.isClosed {
		return errSessionClosed()
	}
	if s.ch != nil {
		s.ch.Close()
	}
	s.ch = s.dialer.Open(s.ctx, s.cameraID)
	s.banner = Banner{Level: LevelInfo, Message: MsgConnecting}
	s.logger.Info("Camera stream opening", "cameraId", s.cameraID)
	return nil
}

func (s *Session) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		s.ch.Close()
		s.ch = nil
		s.logger.Info("Camera stream stopped", "cameraId", s.cameraID)
	}
	s.frame = nil
	s.banner = Banner{Level: LevelInfo, Message: MsgStopped}
}

func (s *Session) streamURL(deviceID int) string {
	s.mu.Lock()
	resolution := ""
	if s.width > 0 && s.height > 0 {
		resolution = fmt.Sprintf("%dx%d", s.width, s.height)
	}
	s.mu.Unlock()
	return s.backend.StreamURL(deviceID, resolution, time.Now())
}

func (s *Session) onOpen(ch *stream.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch != s.ch {
		return
	}
	s.banner = Banner{Level: LevelInfo, Message: MsgWaitingFrame}
}

func (s *Session) onFrame(ch *stream.Channel, data string) {
	s.mu.Lock()
	if ch != s.ch {
		s.mu.Unlock()
		return
	}
	s.frame = &Frame{
		Data:       data,
		CameraID:   ch.DeviceID(),
		Width:      s.width,
		Height:     s.height,
		ReceivedAt: time.Now(),
	}
	s.banner = Banner{Level: LevelOK, Message: MsgConnected}
	rot := s.rotation
	s.mu.Unlock()

	if !s.display.Applied(rot) {
		s.display.Request(rot)
	}
}

func (s *Session) onError(ch *stream.Channel, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch != s.ch {
		return
	}
	s.frame = nil
	s.banner = Banner{Level: LevelError, Message: msg}
	s.logger.Warn("Camera reported an error", "cameraId", ch.DeviceID(), "error", errors.NewPayload(msg))
}

// onTransportError waits out the grace window. If the channel gave up by
// then, it is closed and a fresh one opened after the reconnect delay.
func (s *Session) onTransportError(ch *stream.Channel, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch != s.ch {
		return
	}
	s.banner = Banner{Level: LevelWarn, Message: MsgReconnecting}

	s.afterLocked(s.timings.grace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if ch != s.ch || ch.State() != stream.Closed {
			return
		}
		ch.Close()
		s.ch = nil
		s.frame = nil
		if !s.enabled {
			s.banner = Banner{Level: LevelError, Message: MsgDisconnected}
			return
		}
		s.logger.Warn("Camera stream closed, reopening", "cameraId", ch.DeviceID(), "error", err)
		s.afterLocked(s.timings.reconnect, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.ch != nil || !s.enabled {
				return
			}
			if err := s.openLocked(); err != nil {
				s.logger.Warn("Camera stream reopen failed", "cameraId", s.cameraID, "error", err)
			}
		})
	})
}

// afterLocked runs fn after d unless the session closes first. s.mu must
// be held.
func (s *Session) afterLocked(d time.Duration, fn func()) {
	if s.isClosed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-s.closed:
		case <-timer.C:
			fn()
		}
	}()
}

// sleep waits d, returning early if ctx ends or the session closes.
func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return errSessionClosed()
	case <-timer.C:
		return nil
	}
}

func (s *Session) setAlert(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = errors.As(err).Message
}

func errSessionClosed() error {
	return errors.NewUserActionRejected("session is closed")
}
