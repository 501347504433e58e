// Package stream is the live frame channel: a server-sent event connection
// to the backend camera stream that reports each frame to its handlers.
//
// A Channel behaves like a browser EventSource. A dropped connection is
// retried by the channel itself (state Connecting); a response with a
// non-200 status or a wrong content type closes it for good (state Closed).
// Callers decide whether to open a fresh channel after that.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hpungsan/bookreader/internal/errors"
)

// DefaultRetry is the reconnection time used until the server sends one.
const DefaultRetry = 3 * time.Second

// State is the connection state of a Channel.
type State int32

const (
	Connecting State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Message is one JSON payload on the stream: either a frame or an error.
type Message struct {
	Frame string `json:"frame,omitempty"`
	Error string `json:"error,omitempty"`
}

// Handlers receive channel events. All calls for one Channel come from a
// single goroutine, in the order the server sent them. Nil handlers are
// skipped.
type Handlers struct {
	OnOpen           func(ch *Channel)
	OnFrame          func(ch *Channel, frame string)
	OnError          func(ch *Channel, msg string)
	OnTransportError func(ch *Channel, err error)
}

// Dialer opens channels for camera ids.
type Dialer struct {
	// URL builds the stream URL for a device id. Called once per connection
	// attempt so cache-busting parameters stay fresh.
	URL func(deviceID int) string

	Handlers Handlers

	// Client is used for stream requests. It must not have a Timeout.
	Client *http.Client

	// Retry is the initial reconnection time. Zero means DefaultRetry.
	Retry time.Duration

	Logger *slog.Logger
}

// Channel is one live stream connection for a device.
type Channel struct {
	deviceID int
	dialer   *Dialer
	logger   *slog.Logger

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// Open starts a channel for deviceID and returns immediately; the
// connection is made in the background. The channel stops when ctx is
// cancelled or Close is called.
func (d *Dialer) Open(ctx context.Context, deviceID int) *Channel {
	ctx, cancel := context.WithCancel(ctx)

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ch := &Channel{
		deviceID: deviceID,
		dialer:   d,
		logger:   logger.With("cameraId", deviceID),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	ch.state.Store(int32(Connecting))

	go ch.run(ctx)
	return ch
}

// DeviceID is the camera this channel streams.
func (c *Channel) DeviceID() int { return c.deviceID }

// State returns the current connection state.
func (c *Channel) State() State { return State(c.state.Load()) }

// Done is closed once the channel's goroutine has exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Close tears down the connection. It is idempotent, does not block, and
// may be called from a handler. No handler is invoked after Close returns,
// except one already running.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(Closed))
		c.cancel()
	})
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	retry := c.dialer.Retry
	if retry <= 0 {
		retry = DefaultRetry
	}

	for {
		c.state.Store(int32(Connecting))
		serverRetry, fatal, err := c.connect(ctx)
		if serverRetry > 0 {
			retry = serverRetry
		}

		if ctx.Err() != nil {
			c.state.Store(int32(Closed))
			return
		}

		if fatal {
			c.state.Store(int32(Closed))
		} else {
			c.state.Store(int32(Connecting))
		}
		c.logger.Warn("Camera stream transport error", "error", err, "state", c.State().String())
		if h := c.dialer.Handlers.OnTransportError; h != nil {
			h(c, errors.NewChannelTransport(err))
		}
		if fatal {
			return
		}

		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.state.Store(int32(Closed))
			return
		case <-timer.C:
		}
	}
}

// connect makes one connection attempt and reads until it ends. fatal
// reports whether the response rules out reconnecting.
func (c *Channel) connect(ctx context.Context) (retry time.Duration, fatal bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.dialer.URL(c.deviceID), nil)
	if err != nil {
		return 0, true, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	client := c.dialer.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, true, fmt.Errorf("stream responded HTTP %d", resp.StatusCode)
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		return 0, true, fmt.Errorf("stream content type %q is not text/event-stream", resp.Header.Get("Content-Type"))
	}

	if ctx.Err() != nil {
		return 0, false, ctx.Err()
	}
	c.state.Store(int32(Open))
	c.logger.Info("Camera stream connected")
	if h := c.dialer.Handlers.OnOpen; h != nil {
		h(c)
	}

	reader := newSSEReader(resp.Body)
	for {
		ev, err := reader.Next()
		if err != nil {
			return reader.Retry(), false, fmt.Errorf("stream read: %w", err)
		}
		if ctx.Err() != nil {
			return reader.Retry(), false, ctx.Err()
		}
		if ev.Type != "message" {
			continue
		}
		c.dispatch(ev.Data)
	}
}

func (c *Channel) dispatch(data string) {
	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		c.logger.Warn("Ignoring malformed stream message", "error", err)
		return
	}

	h := c.dialer.Handlers
	switch {
	case msg.Frame != "":
		if h.OnFrame != nil {
			h.OnFrame(c, msg.Frame)
		}
	case msg.Error != "":
		if h.OnError != nil {
			h.OnError(c, msg.Error)
		}
	}
}
