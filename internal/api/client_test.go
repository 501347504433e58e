package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hpungsan/bookreader/internal/errors"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"http", "http://127.0.0.1:8502", false},
		{"trailing slash", "http://host:8502/", false},
		{"https", "https://reader.local", false},
		{"no scheme", "127.0.0.1:8502", true},
		{"ftp", "ftp://host", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.url, time.Second)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewClient(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errors.ErrInvalidRequest) {
				t.Errorf("error code = %v, want INVALID_REQUEST", err)
			}
		})
	}
}

func TestStreamURL(t *testing.T) {
	c, err := NewClient("http://host:8502/", time.Second)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	at := time.UnixMilli(1700000000123)

	got := c.StreamURL(2, "", at)
	want := "http://host:8502/api/camera/stream?camera_id=2&t=1700000000123"
	if got != want {
		t.Errorf("StreamURL() = %q, want %q", got, want)
	}

	got = c.StreamURL(0, "1920x1080", at)
	if !strings.Contains(got, "resolution=1920x1080") {
		t.Errorf("StreamURL() = %q, want resolution query", got)
	}
}

func TestListCameras(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != PathCameraList {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		writeJSON(w, 200, map[string]any{
			"cameras": []map[string]any{
				{"id": 0, "name": "Camera 0", "device_path": "/dev/video0"},
				{"id": 2, "name": "Camera 2", "device_path": "/dev/video2"},
			},
			"current_camera_id": 2,
		})
	})

	list, err := c.ListCameras(context.Background())
	if err != nil {
		t.Fatalf("ListCameras() error = %v", err)
	}
	if len(list.Cameras) != 2 {
		t.Fatalf("len(Cameras) = %d, want 2", len(list.Cameras))
	}
	if got := list.Cameras[1].Label(); got != "Camera 2 (/dev/video2)" {
		t.Errorf("Label() = %q", got)
	}
	if id, ok := list.Current(); !ok || id != 2 {
		t.Errorf("Current() = %d, %v; want 2, true", id, ok)
	}
}

func TestSetCamera(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			var body map[string]int
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["device_id"] != 1 {
				t.Errorf("device_id = %d, want 1", body["device_id"])
			}
			writeJSON(w, 200, map[string]any{"success": true, "device_id": 1})
		})
		resp, err := c.SetCamera(context.Background(), 1)
		if err != nil {
			t.Fatalf("SetCamera() error = %v", err)
		}
		if !resp.Success {
			t.Error("Success = false")
		}
	})

	t.Run("refused with message", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, 400, map[string]any{"success": false, "error": "無法設定相機設備 5"})
		})
		_, err := c.SetCamera(context.Background(), 5)
		if !errors.Is(err, errors.ErrCameraSwitch) {
			t.Fatalf("SetCamera() error = %v, want CAMERA_SWITCH", err)
		}
		if !strings.Contains(err.Error(), "無法設定相機設備 5") {
			t.Errorf("error = %q, want server message", err.Error())
		}
	})

	t.Run("refused without message", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(500)
		})
		_, err := c.SetCamera(context.Background(), 3)
		if !errors.Is(err, errors.ErrCameraSwitch) {
			t.Fatalf("SetCamera() error = %v, want CAMERA_SWITCH", err)
		}
		if !strings.Contains(err.Error(), "Unknown error") {
			t.Errorf("error = %q, want fallback", err.Error())
		}
	})
}

func TestSetResolution(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, 200, map[string]any{"success": true, "width": body["width"], "height": body["height"]})
	})

	resp, err := c.SetResolution(context.Background(), 1920, 1080)
	if err != nil {
		t.Fatalf("SetResolution() error = %v", err)
	}
	if resp.Width != 1920 || resp.Height != 1080 {
		t.Errorf("resolution = %dx%d", resp.Width, resp.Height)
	}

	if _, err := c.SetResolution(context.Background(), 0, 1080); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("SetResolution(0, 1080) error = %v, want INVALID_REQUEST", err)
	}
}

func TestProcessOCR(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["frame"] != "QUJD" {
				t.Errorf("frame = %q", body["frame"])
			}
			if _, ok := body["prompt"]; !ok {
				t.Error("prompt key missing, want empty string sent")
			}
			writeJSON(w, 200, map[string]any{"status": "completed", "text": "Hello", "timestamp": "2025-01-01T00:00:00"})
		})
		res, err := c.ProcessOCR(context.Background(), "QUJD", "")
		if err != nil {
			t.Fatalf("ProcessOCR() error = %v", err)
		}
		if !res.Completed() || res.Text != "Hello" {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("server message surfaced", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, 400, map[string]string{"error": "沒有提供圖片"})
		})
		_, err := c.ProcessOCR(context.Background(), "", "")
		if !errors.Is(err, errors.ErrOCRRequest) {
			t.Fatalf("ProcessOCR() error = %v, want OCR_REQUEST", err)
		}
		if errors.As(err).Message != "沒有提供圖片" {
			t.Errorf("Message = %q", errors.As(err).Message)
		}
	})

	t.Run("generic fallback", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		})
		_, err := c.ProcessOCR(context.Background(), "QUJD", "")
		if errors.As(err).Message != "OCR processing failed" {
			t.Errorf("Message = %q, want fallback", errors.As(err).Message)
		}
	})
}

func TestProcessOCR_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(url, time.Second)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	_, err = c.ProcessOCR(context.Background(), "QUJD", "")
	if !errors.Is(err, errors.ErrChannelTransport) {
		t.Errorf("ProcessOCR() error = %v, want CHANNEL_TRANSPORT", err)
	}
}

func TestResultsAndClear(t *testing.T) {
	var cleared atomic.Bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathOCRResults:
			if cleared.Load() {
				writeJSON(w, 200, []any{})
				return
			}
			writeJSON(w, 200, []map[string]any{
				{"id": "20250102_030405", "status": "completed", "text": "new", "image_url": "/captured_images/capture_20250102_030405.jpg"},
				{"id": "20250101_000000", "status": "skipped", "skip_reason": "no text"},
			})
		case PathResultsClear:
			if r.Method != http.MethodPost {
				t.Errorf("clear method = %s, want POST", r.Method)
			}
			cleared.Store(true)
			writeJSON(w, 200, map[string]bool{"success": true})
		default:
			http.NotFound(w, r)
		}
	})

	results, err := c.Results(context.Background())
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	if len(results) != 2 || results[0].ID != "20250102_030405" {
		t.Fatalf("results = %+v", results)
	}
	if got := c.ImageURL(&results[0]); !strings.HasSuffix(got, "/captured_images/capture_20250102_030405.jpg") || !strings.HasPrefix(got, "http://") {
		t.Errorf("ImageURL() = %q", got)
	}
	if d := results[1].Display(); d.Reason != "no text" {
		t.Errorf("Display().Reason = %q", d.Reason)
	}

	if err := c.ClearResults(context.Background()); err != nil {
		t.Fatalf("ClearResults() error = %v", err)
	}
	results, err = c.Results(context.Background())
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("len(results) = %d after clear, want 0", len(results))
	}
}

func TestStatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 503, map[string]string{"error": "busy"})
	})
	_, err := c.Results(context.Background())
	if !errors.Is(err, errors.ErrChannelTransport) {
		t.Fatalf("Results() error = %v, want CHANNEL_TRANSPORT", err)
	}
	if !strings.Contains(err.Error(), "HTTP 503: busy") {
		t.Errorf("error = %q", err.Error())
	}
}
