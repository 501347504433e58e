// Package apitest provides an in-process fake of the camera/OCR backend for
// tests.
package apitest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hpungsan/bookreader/internal/api"
)

// OCRRequest is one recorded POST /api/ocr/process body.
type OCRRequest struct {
	Frame  string `json:"frame"`
	Prompt string `json:"prompt"`
}

// Backend is a fake backend served by httptest.
type Backend struct {
	Server *httptest.Server

	// FrameInterval is the delay between pushed frames.
	FrameInterval time.Duration

	mu            sync.Mutex
	cameras       []api.Camera
	currentCamera int
	frame         string
	streamError   string
	ocrResult     api.Result
	ocrStatus     int
	ocrError      string
	setCameraErr  string
	resolutionErr string
	failStream    int
	results       []api.Result
	ocrRequests   []OCRRequest
	streamQueries []string
	resolutions   [][2]int
	ocrGate       chan struct{}
	dropStreams   chan struct{}

	activeStreams atomic.Int32
	streamOpens   atomic.Int32
	ocrCalls      atomic.Int32

	done chan struct{}
}

// New starts a fake backend with two cameras, a 64x36 JPEG frame and an OCR
// endpoint that answers "completed". It is shut down by t.Cleanup.
func New(t testing.TB) *Backend {
	t.Helper()

	b := &Backend{
		FrameInterval: 10 * time.Millisecond,
		cameras: []api.Camera{
			{ID: 0, Name: "Camera 0", DevicePath: "/dev/video0"},
			{ID: 1, Name: "Camera 1", DevicePath: "/dev/video1"},
		},
		frame:       JPEG(64, 36),
		ocrResult:   api.Result{Status: "completed", Text: "開始模型推理 (300s)\nHello\n\n\nWorld"},
		done:        make(chan struct{}),
		dropStreams: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+api.PathStream, b.handleStream)
	mux.HandleFunc("GET "+api.PathCameraList, b.handleList)
	mux.HandleFunc("POST "+api.PathCameraSet, b.handleSet)
	mux.HandleFunc("POST "+api.PathResolution, b.handleResolution)
	mux.HandleFunc("POST "+api.PathOCRProcess, b.handleOCR)
	mux.HandleFunc("GET "+api.PathOCRResults, b.handleResults)
	mux.HandleFunc("POST "+api.PathResultsClear, b.handleClear)
	b.Server = httptest.NewServer(mux)

	t.Cleanup(func() {
		close(b.done)
		b.mu.Lock()
		if b.ocrGate != nil {
			close(b.ocrGate)
			b.ocrGate = nil
		}
		b.mu.Unlock()
		b.Server.Close()
	})
	return b
}

// URL is the backend base URL.
func (b *Backend) URL() string { return b.Server.URL }

// Client returns an api.Client for this backend.
func (b *Backend) Client(t testing.TB) *api.Client {
	t.Helper()
	c, err := api.NewClient(b.URL(), 5*time.Second)
	if err != nil {
		t.Fatalf("api.NewClient() error = %v", err)
	}
	return c
}

// JPEG returns a base64 JPEG of the given size.
func JPEG(w, h int) string {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 4), 128, 255})
		}
	}
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85})
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// SetFrame changes the frame pushed on the stream.
func (b *Backend) SetFrame(frame string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frame = frame
}

// SetStreamError makes the stream push {error} payloads instead of frames.
// Empty restores frames.
func (b *Backend) SetStreamError(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamError = msg
}

// DropStreams ends the body of every open stream response. Clients see a
// clean end of stream rather than an error status.
func (b *Backend) DropStreams() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.dropStreams)
	b.dropStreams = make(chan struct{})
}

// FailStreams makes the next n stream requests answer 503.
func (b *Backend) FailStreams(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failStream = n
}

// SetOCRResult sets the body returned by a successful OCR call.
func (b *Backend) SetOCRResult(r api.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ocrResult = r
}

// FailOCR makes OCR calls answer status with {error: msg}. Status 0 restores
// success.
func (b *Backend) FailOCR(status int, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ocrStatus = status
	b.ocrError = msg
}

// FailSetCamera makes camera switches fail with msg. Empty restores success.
func (b *Backend) FailSetCamera(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setCameraErr = msg
}

// FailResolution makes resolution changes fail with msg. Empty restores
// success.
func (b *Backend) FailResolution(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolutionErr = msg
}

// HoldOCR blocks OCR responses until the returned release func is called.
func (b *Backend) HoldOCR() (release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	gate := make(chan struct{})
	b.ocrGate = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.ocrGate == gate {
				close(gate)
				b.ocrGate = nil
			}
			b.mu.Unlock()
		})
	}
}

// CurrentCamera is the camera the backend believes is active.
func (b *Backend) CurrentCamera() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentCamera
}

// ActiveStreams is the number of stream responses still being written.
func (b *Backend) ActiveStreams() int { return int(b.activeStreams.Load()) }

// StreamOpens counts stream requests, including failed ones.
func (b *Backend) StreamOpens() int { return int(b.streamOpens.Load()) }

// OCRCalls counts OCR requests received.
func (b *Backend) OCRCalls() int { return int(b.ocrCalls.Load()) }

// OCRRequests returns the recorded OCR bodies.
func (b *Backend) OCRRequests() []OCRRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]OCRRequest(nil), b.ocrRequests...)
}

// StreamQueries returns the raw query of every stream request.
func (b *Backend) StreamQueries() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.streamQueries...)
}

// Resolutions returns every resolution requested.
func (b *Backend) Resolutions() [][2]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][2]int(nil), b.resolutions...)
}

// Results returns the stored history.
func (b *Backend) Results() []api.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]api.Result(nil), b.results...)
}

func (b *Backend) handleStream(w http.ResponseWriter, r *http.Request) {
	b.streamOpens.Add(1)

	b.mu.Lock()
	b.streamQueries = append(b.streamQueries, r.URL.RawQuery)
	fail := b.failStream > 0
	if fail {
		b.failStream--
	}
	drop := b.dropStreams
	b.mu.Unlock()

	if fail {
		http.Error(w, "camera busy", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	b.activeStreams.Add(1)
	defer b.activeStreams.Add(-1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(b.FrameInterval)
	defer ticker.Stop()

	for {
		b.mu.Lock()
		var payload map[string]string
		if b.streamError != "" {
			payload = map[string]string{"error": b.streamError}
		} else {
			payload = map[string]string{"frame": b.frame}
		}
		b.mu.Unlock()

		data, _ := json.Marshal(payload)
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-b.done:
			return
		case <-drop:
			return
		case <-ticker.C:
		}
	}
}

func (b *Backend) handleList(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	body := map[string]any{"cameras": b.cameras, "current_camera_id": b.currentCamera}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, body)
}

func (b *Backend) handleSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID *int `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device_id is required"})
		return
	}

	b.mu.Lock()
	failMsg := b.setCameraErr
	if failMsg == "" {
		b.currentCamera = *req.DeviceID
	}
	b.mu.Unlock()

	if failMsg != "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": failMsg})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "device_id": *req.DeviceID})
}

func (b *Backend) handleResolution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Width  *int `json:"width"`
		Height *int `json:"height"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Width == nil || req.Height == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "width and height are required"})
		return
	}
	b.mu.Lock()
	failMsg := b.resolutionErr
	if failMsg == "" {
		b.resolutions = append(b.resolutions, [2]int{*req.Width, *req.Height})
	}
	b.mu.Unlock()

	if failMsg != "" {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": failMsg})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "width": *req.Width, "height": *req.Height})
}

func (b *Backend) handleOCR(w http.ResponseWriter, r *http.Request) {
	b.ocrCalls.Add(1)

	var req OCRRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	b.mu.Lock()
	b.ocrRequests = append(b.ocrRequests, req)
	gate := b.ocrGate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	b.mu.Lock()
	status, msg := b.ocrStatus, b.ocrError
	result := b.ocrResult
	b.mu.Unlock()

	if req.Frame == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no image provided"})
		return
	}
	if status != 0 {
		writeJSON(w, status, map[string]string{"error": msg})
		return
	}

	now := time.Now()
	result.Timestamp = now.Format("2006-01-02T15:04:05")

	record := result
	record.ID = now.Format("20060102_150405") + "_" + strconv.Itoa(b.OCRCalls())
	record.Datetime = now.Format("2006-01-02 15:04:05")
	b.mu.Lock()
	b.results = append([]api.Result{record}, b.results...)
	if len(b.results) > 100 {
		b.results = b.results[:100]
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, result)
}

func (b *Backend) handleResults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, b.Results())
}

func (b *Backend) handleClear(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.results = nil
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
