package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hpungsan/bookreader/internal/api/apitest"
	"github.com/hpungsan/bookreader/internal/errors"
)

type events struct {
	mu         sync.Mutex
	opens      int
	frames     []string
	errs       []string
	transports []error
}

func (e *events) handlers() Handlers {
	return Handlers{
		OnOpen: func(*Channel) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.opens++
		},
		OnFrame: func(_ *Channel, frame string) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.frames = append(e.frames, frame)
		},
		OnError: func(_ *Channel, msg string) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.errs = append(e.errs, msg)
		},
		OnTransportError: func(_ *Channel, err error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.transports = append(e.transports, err)
		},
	}
}

func (e *events) counts() (opens, frames, errs, transports int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens, len(e.frames), len(e.errs), len(e.transports)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestChannel_ReceivesFrames(t *testing.T) {
	b := apitest.New(t)
	ev := &events{}
	d := &Dialer{
		URL:      func(id int) string { return fmt.Sprintf("%s/api/camera/stream?camera_id=%d", b.URL(), id) },
		Handlers: ev.handlers(),
	}

	ch := d.Open(context.Background(), 1)
	defer ch.Close()

	waitFor(t, "frames", func() bool { _, n, _, _ := ev.counts(); return n >= 3 })

	if ch.State() != Open {
		t.Errorf("State() = %v, want open", ch.State())
	}
	if ch.DeviceID() != 1 {
		t.Errorf("DeviceID() = %d, want 1", ch.DeviceID())
	}
	if opens, _, _, _ := ev.counts(); opens != 1 {
		t.Errorf("opens = %d, want 1", opens)
	}
}

func TestChannel_ErrorPayloadKeepsConnection(t *testing.T) {
	b := apitest.New(t)
	b.SetStreamError("camera read failed")
	ev := &events{}
	d := &Dialer{
		URL:      func(id int) string { return fmt.Sprintf("%s/api/camera/stream?camera_id=%d", b.URL(), id) },
		Handlers: ev.handlers(),
	}

	ch := d.Open(context.Background(), 0)
	defer ch.Close()

	waitFor(t, "error payloads", func() bool { _, _, n, _ := ev.counts(); return n >= 2 })
	if ch.State() != Open {
		t.Errorf("State() = %v, want open after payload error", ch.State())
	}
	if _, _, _, transports := ev.counts(); transports != 0 {
		t.Errorf("transport errors = %d, want 0", transports)
	}
	if b.StreamOpens() != 1 {
		t.Errorf("StreamOpens() = %d, want 1", b.StreamOpens())
	}
}

func TestChannel_FatalStatusCloses(t *testing.T) {
	b := apitest.New(t)
	b.FailStreams(1)
	ev := &events{}
	d := &Dialer{
		URL:      func(id int) string { return fmt.Sprintf("%s/api/camera/stream?camera_id=%d", b.URL(), id) },
		Handlers: ev.handlers(),
		Retry:    10 * time.Millisecond,
	}

	ch := d.Open(context.Background(), 0)
	select {
	case <-ch.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("channel did not stop after fatal status")
	}

	if ch.State() != Closed {
		t.Errorf("State() = %v, want closed", ch.State())
	}
	_, _, _, transports := ev.counts()
	if transports != 1 {
		t.Fatalf("transport errors = %d, want 1", transports)
	}
	if !errors.Is(ev.transports[0], errors.ErrChannelTransport) {
		t.Errorf("transport error = %v, want CHANNEL_TRANSPORT", ev.transports[0])
	}
	// Closed channels do not retry on their own.
	time.Sleep(50 * time.Millisecond)
	if b.StreamOpens() != 1 {
		t.Errorf("StreamOpens() = %d, want 1", b.StreamOpens())
	}
}

func TestChannel_WrongContentTypeCloses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"frame":"AAA"}`))
	}))
	defer srv.Close()

	ev := &events{}
	d := &Dialer{URL: func(int) string { return srv.URL }, Handlers: ev.handlers()}
	ch := d.Open(context.Background(), 0)

	select {
	case <-ch.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("channel did not stop")
	}
	if opens, frames, _, transports := ev.counts(); opens != 0 || frames != 0 || transports != 1 {
		t.Errorf("opens=%d frames=%d transports=%d, want 0/0/1", opens, frames, transports)
	}
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "retry: 10\ndata: {\"frame\":\"F%d\"}\n\n", n)
		// Returning ends the response: the client sees EOF.
	}))
	defer srv.Close()

	ev := &events{}
	d := &Dialer{URL: func(int) string { return srv.URL }, Handlers: ev.handlers(), Retry: time.Hour}
	ch := d.Open(context.Background(), 0)
	defer ch.Close()

	// The server's retry field (10ms) overrides the hour-long default.
	waitFor(t, "reconnect", func() bool { return hits.Load() >= 3 })

	opens, frames, _, transports := ev.counts()
	if opens < 2 || frames < 2 || transports < 2 {
		t.Errorf("opens=%d frames=%d transports=%d, want each >= 2", opens, frames, transports)
	}
	if st := ch.State(); st == Closed {
		t.Errorf("State() = %v, want not closed while retrying", st)
	}

	ev.mu.Lock()
	first := ev.frames[0]
	ev.mu.Unlock()
	if first != "F1" {
		t.Errorf("first frame = %q, want F1", first)
	}
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	b := apitest.New(t)
	ev := &events{}
	d := &Dialer{
		URL:      func(id int) string { return fmt.Sprintf("%s/api/camera/stream?camera_id=%d", b.URL(), id) },
		Handlers: ev.handlers(),
	}

	ch := d.Open(context.Background(), 0)
	waitFor(t, "open", func() bool { return ch.State() == Open })

	ch.Close()
	ch.Close()

	select {
	case <-ch.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("channel did not stop after Close")
	}
	if ch.State() != Closed {
		t.Errorf("State() = %v, want closed", ch.State())
	}
	waitFor(t, "server stream release", func() bool { return b.ActiveStreams() == 0 })
	if _, _, _, transports := ev.counts(); transports != 0 {
		t.Errorf("transport errors = %d, want 0 after explicit Close", transports)
	}
}

func TestChannel_ContextCancelStops(t *testing.T) {
	b := apitest.New(t)
	d := &Dialer{URL: func(id int) string { return b.URL() + "/api/camera/stream" }}

	ctx, cancel := context.WithCancel(context.Background())
	ch := d.Open(ctx, 0)
	waitFor(t, "open", func() bool { return ch.State() == Open })

	cancel()
	select {
	case <-ch.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("channel did not stop after cancel")
	}
	if ch.State() != Closed {
		t.Errorf("State() = %v, want closed", ch.State())
	}
}

func TestStateString(t *testing.T) {
	if Connecting.String() != "connecting" || Open.String() != "open" || Closed.String() != "closed" {
		t.Error("unexpected State strings")
	}
}
