package web

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hpungsan/bookreader/internal/api"
	"github.com/hpungsan/bookreader/internal/api/apitest"
	"github.com/hpungsan/bookreader/internal/config"
	"github.com/hpungsan/bookreader/internal/db"
	"github.com/hpungsan/bookreader/internal/journal"
	"github.com/hpungsan/bookreader/internal/session"
)

type testEnv struct {
	h       *Handlers
	backend *apitest.Backend
	client  *api.Client
}

func setupTest(t *testing.T) *testEnv {
	t.Helper()
	tmpDir := t.TempDir()
	database, err := db.Init(tmpDir)
	if err != nil {
		t.Fatalf("db.Init: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	b := apitest.New(t)
	cfg := config.DefaultConfig()
	cfg.ServerURL = b.URL()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := b.Client(t)
	j := journal.New(database, tmpDir, cfg)
	surface := NewSurface()
	sess, err := session.New(client, cfg, session.Options{Recorder: j, Surface: surface, Logger: logger})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(sess.Close)

	templateSub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		t.Fatalf("template sub-FS: %v", err)
	}
	renderer := NewRenderer(templateSub, "test", logger)

	h := newHandlers(Deps{Session: sess, Journal: j, Surface: surface, Client: client, Logger: logger}, renderer)
	return &testEnv{h: h, backend: b, client: client}
}

// startPreview opens the stream and waits for the first frame.
func startPreview(t *testing.T, env *testEnv) {
	t.Helper()
	if err := env.h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := env.h.session.Frame(); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no frame received")
}

func postForm(path string, values url.Values) *http.Request {
	req := httptest.NewRequest("POST", path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// --- Dashboard ---

func TestHandleDashboard_Default(t *testing.T) {
	env := setupTest(t)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	env.h.HandleDashboard(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<!DOCTYPE html>") {
		t.Error("expected full layout")
	}
	if !strings.Contains(body, "Preview stopped") {
		t.Error("expected stopped banner")
	}
	if !strings.Contains(body, "No capture yet.") {
		t.Error("expected empty last-result state")
	}
	if !strings.Contains(body, "aspect-landscape") {
		t.Error("expected landscape container for rotation 0")
	}
}

func TestHandleDashboard_HtmxReturnsContentOnly(t *testing.T) {
	env := setupTest(t)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("HX-Request", "true")
	rec := httptest.NewRecorder()
	env.h.HandleDashboard(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "<!DOCTYPE html>") {
		t.Error("htmx response should not contain full layout")
	}
}

func TestHandleDashboard_ShowsLastResult(t *testing.T) {
	env := setupTest(t)
	startPreview(t, env)
	if _, err := env.h.session.Capture(context.Background()); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	env.h.HandleDashboard(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "OCR completed") {
		t.Error("expected completed label")
	}
	if !strings.Contains(body, "<p>Hello</p>") || !strings.Contains(body, "<p>World</p>") {
		t.Errorf("expected rendered paragraphs, got:\n%s", body)
	}
	if strings.Contains(body, "開始模型推理") {
		t.Error("system messages should be filtered")
	}
}

// --- Status and frame ---

func TestHandleStatus_JSON(t *testing.T) {
	env := setupTest(t)
	if err := env.h.session.SetRotation(90); err != nil {
		t.Fatalf("SetRotation: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, n := env.h.surface.Style(); n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("rotation never reached the surface")
		}
		time.Sleep(5 * time.Millisecond)
	}

	req := httptest.NewRequest("GET", "/api/status", nil)
	rec := httptest.NewRecorder()
	env.h.HandleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp["rotation"] != float64(90) {
		t.Errorf("rotation = %v, want 90", resp["rotation"])
	}
	if resp["stream"] != "stopped" {
		t.Errorf("stream = %v, want stopped", resp["stream"])
	}
	style, ok := resp["surface_style"].(map[string]any)
	if !ok {
		t.Fatal("expected surface_style object")
	}
	if style["aspect_ratio"] != "9/16" || style["transform"] != "rotate(90deg)" {
		t.Errorf("surface_style = %v, want portrait rotate(90deg)", style)
	}
}

func TestHandleFrame(t *testing.T) {
	env := setupTest(t)

	rec := httptest.NewRecorder()
	env.h.HandleFrame(rec, httptest.NewRequest("GET", "/frame.jpg", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status before start = %d, want 404", rec.Code)
	}

	startPreview(t, env)
	rec = httptest.NewRecorder()
	env.h.HandleFrame(rec, httptest.NewRequest("GET", "/frame.jpg", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if b := rec.Body.Bytes(); len(b) < 2 || b[0] != 0xff || b[1] != 0xd8 {
		t.Error("body is not a JPEG")
	}
}

// --- Capture ---

func TestHandleCapture_JSON(t *testing.T) {
	env := setupTest(t)
	startPreview(t, env)

	req := httptest.NewRequest("POST", "/capture", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	env.h.HandleCapture(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp session.CaptureResult
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Display.Text != "Hello\n\nWorld" {
		t.Errorf("Display.Text = %q", resp.Display.Text)
	}
	if resp.JournalID == "" {
		t.Error("expected a journal entry id")
	}
	if env.backend.OCRCalls() != 1 {
		t.Errorf("OCRCalls = %d, want 1", env.backend.OCRCalls())
	}
}

func TestHandleCapture_NoFrame(t *testing.T) {
	env := setupTest(t)

	req := httptest.NewRequest("POST", "/capture", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	env.h.HandleCapture(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var resp map[string]map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp["error"]["code"] != "USER_ACTION_REJECTED" {
		t.Errorf("code = %v", resp["error"]["code"])
	}
	if env.backend.OCRCalls() != 0 {
		t.Errorf("OCRCalls = %d, want 0", env.backend.OCRCalls())
	}
}

func TestHandleCapture_DefaultRedirect(t *testing.T) {
	env := setupTest(t)
	startPreview(t, env)

	rec := httptest.NewRecorder()
	env.h.HandleCapture(rec, httptest.NewRequest("POST", "/capture", nil))

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/" {
		t.Errorf("Location = %q, want /", loc)
	}
}

// --- Controls ---

func TestHandleRotation(t *testing.T) {
	env := setupTest(t)

	rec := httptest.NewRecorder()
	env.h.HandleRotation(rec, postForm("/rotation", url.Values{"rotation": {"270"}}))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	if got := int(env.h.session.Rotation()); got != 270 {
		t.Errorf("Rotation = %d, want 270", got)
	}

	tests := []struct {
		name  string
		value url.Values
	}{
		{"invalid angle", url.Values{"rotation": {"45"}}},
		{"not a number", url.Values{"rotation": {"left"}}},
		{"missing", url.Values{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := postForm("/rotation", tt.value)
			req.Header.Set("Accept", "application/json")
			rec := httptest.NewRecorder()
			env.h.HandleRotation(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestHandlePreview_Toggle(t *testing.T) {
	env := setupTest(t)
	startPreview(t, env)

	req := postForm("/preview", url.Values{"enabled": {"false"}})
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	env.h.HandlePreview(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var st session.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if st.Enabled || st.HasFrame {
		t.Errorf("status = %+v, want disabled with no frame", st)
	}
}

func TestHandleCamera_SwitchFailure(t *testing.T) {
	env := setupTest(t)
	env.backend.FailSetCamera("device busy")

	// Preview disabled so the switch does not wait on stream settle delays.
	if err := env.h.session.SetPreviewEnabled(context.Background(), false); err != nil {
		t.Fatalf("SetPreviewEnabled: %v", err)
	}

	req := postForm("/camera", url.Values{"device_id": {"1"}})
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	env.h.HandleCamera(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "device busy") {
		t.Errorf("body should carry the server message: %s", rec.Body.String())
	}
}

func TestHandleCamera_Switch(t *testing.T) {
	env := setupTest(t)
	if err := env.h.session.SetPreviewEnabled(context.Background(), false); err != nil {
		t.Fatalf("SetPreviewEnabled: %v", err)
	}

	rec := httptest.NewRecorder()
	env.h.HandleCamera(rec, postForm("/camera", url.Values{"device_id": {"1"}}))

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	if env.backend.CurrentCamera() != 1 {
		t.Errorf("backend camera = %d, want 1", env.backend.CurrentCamera())
	}
}

func TestHandleResolution_Invalid(t *testing.T) {
	env := setupTest(t)

	req := postForm("/resolution", url.Values{"width": {"1920"}})
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	env.h.HandleResolution(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(env.backend.Resolutions()) != 0 {
		t.Error("no resolution request should reach the backend")
	}
}

func TestHandleRefresh_JSON(t *testing.T) {
	env := setupTest(t)
	if err := env.h.session.SetPreviewEnabled(context.Background(), false); err != nil {
		t.Fatalf("SetPreviewEnabled: %v", err)
	}

	req := httptest.NewRequest("POST", "/camera/refresh", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	env.h.HandleRefresh(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var list api.CameraList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(list.Cameras) != 2 {
		t.Errorf("cameras = %d, want 2", len(list.Cameras))
	}
}

// --- Results ---

func TestHandleResults_RendersHistory(t *testing.T) {
	env := setupTest(t)
	env.backend.SetOCRResult(api.Result{Status: "completed", Text: "**Chapter 1**\n<script>alert(1)</script>"})
	if _, err := env.client.ProcessOCR(context.Background(), apitest.JPEG(8, 8), ""); err != nil {
		t.Fatalf("ProcessOCR: %v", err)
	}
	env.backend.SetOCRResult(api.Result{Status: "skipped"})
	if _, err := env.client.ProcessOCR(context.Background(), apitest.JPEG(8, 8), ""); err != nil {
		t.Fatalf("ProcessOCR: %v", err)
	}

	rec := httptest.NewRecorder()
	env.h.HandleResults(rec, httptest.NewRequest("GET", "/results", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<strong>Chapter 1</strong>") {
		t.Error("expected markdown rendering")
	}
	if strings.Contains(body, "<script>alert(1)</script>") {
		t.Error("raw HTML from OCR text must not be rendered")
	}
	if !strings.Contains(body, "OCR skipped") || !strings.Contains(body, "Unknown") {
		t.Error("expected skipped record with Unknown reason")
	}
}

func TestHandleResults_Empty(t *testing.T) {
	env := setupTest(t)

	rec := httptest.NewRecorder()
	env.h.HandleResults(rec, httptest.NewRequest("GET", "/results", nil))

	if !strings.Contains(rec.Body.String(), "No results yet.") {
		t.Error("expected empty state message")
	}
}

func TestHandleResultsClear(t *testing.T) {
	env := setupTest(t)
	if _, err := env.client.ProcessOCR(context.Background(), apitest.JPEG(8, 8), ""); err != nil {
		t.Fatalf("ProcessOCR: %v", err)
	}

	req := httptest.NewRequest("POST", "/results/clear", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	env.h.HandleResultsClear(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if n := len(env.backend.Results()); n != 0 {
		t.Errorf("backend results = %d, want 0", n)
	}
}

// --- Journal ---

func seedJournal(t *testing.T, env *testEnv) string {
	t.Helper()
	startPreview(t, env)
	res, err := env.h.session.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	return res.JournalID
}

func TestHandleJournal_List(t *testing.T) {
	env := setupTest(t)
	seedJournal(t, env)

	rec := httptest.NewRecorder()
	env.h.HandleJournal(rec, httptest.NewRequest("GET", "/journal", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "status-success") {
		t.Error("expected a completed row")
	}
	if !strings.Contains(body, "Hello") {
		t.Error("expected text preview")
	}
}

func TestHandleJournal_Empty(t *testing.T) {
	env := setupTest(t)

	rec := httptest.NewRecorder()
	env.h.HandleJournal(rec, httptest.NewRequest("GET", "/journal", nil))

	if !strings.Contains(rec.Body.String(), "No captures recorded.") {
		t.Error("expected empty state message")
	}
}

func TestHandleJournal_InvalidStatus(t *testing.T) {
	env := setupTest(t)

	req := httptest.NewRequest("GET", "/journal?status=bogus", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	env.h.HandleJournal(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleEntry_FoundAndImage(t *testing.T) {
	env := setupTest(t)
	id := seedJournal(t, env)

	req := httptest.NewRequest("GET", "/journal/"+id, nil)
	req.SetPathValue("id", id)
	rec := httptest.NewRecorder()
	env.h.HandleEntry(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, id) {
		t.Error("expected entry id on the page")
	}
	if !strings.Contains(body, "/journal/"+id+"/image") {
		t.Error("expected image link")
	}

	req = httptest.NewRequest("GET", "/journal/"+id+"/image", nil)
	req.SetPathValue("id", id)
	rec = httptest.NewRecorder()
	env.h.HandleEntryImage(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("image status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestHandleEntry_NotFound(t *testing.T) {
	env := setupTest(t)

	req := httptest.NewRequest("GET", "/journal/01NOPE", nil)
	req.SetPathValue("id", "01NOPE")
	rec := httptest.NewRecorder()
	env.h.HandleEntry(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "capture not found") {
		t.Error("expected not-found message on error page")
	}
}

func TestHandleJournalClear_MissingConfirm(t *testing.T) {
	env := setupTest(t)

	rec := httptest.NewRecorder()
	env.h.HandleJournalClear(rec, postForm("/journal/clear", url.Values{}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleJournalClear_JSON(t *testing.T) {
	env := setupTest(t)
	seedJournal(t, env)

	req := postForm("/journal/clear", url.Values{"confirm": {"true"}})
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	env.h.HandleJournalClear(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out journal.ClearOutput
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out.Deleted != 1 || out.FilesRemoved != 1 {
		t.Errorf("Clear = %+v, want 1/1", out)
	}
}

// --- Error rendering ---

func TestErrorRendering_HtmxFragment(t *testing.T) {
	env := setupTest(t)

	req := httptest.NewRequest("POST", "/capture", nil)
	req.Header.Set("HX-Request", "true")
	rec := httptest.NewRecorder()
	env.h.HandleCapture(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `class="error-message"`) {
		t.Error("expected error-message div")
	}
	if strings.Contains(body, "<!DOCTYPE html>") {
		t.Error("htmx error should not contain full layout")
	}
}

func TestErrorRendering_FullErrorPage(t *testing.T) {
	env := setupTest(t)

	rec := httptest.NewRecorder()
	env.h.HandleCapture(rec, httptest.NewRequest("POST", "/capture", nil))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<!DOCTYPE html>") {
		t.Error("expected full error page")
	}
	if !strings.Contains(body, "409") {
		t.Error("expected status code on page")
	}
}

// --- Server ---

func TestNewServer_RoutesAndHeaders(t *testing.T) {
	env := setupTest(t)
	srv, err := NewServer(Deps{Session: env.h.session, Journal: env.h.journal}, "test", "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	for _, path := range []string{"/", "/api/status", "/static/style.css", "/static/app.js"} {
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
		if rec.Header().Get("X-Frame-Options") != "DENY" {
			t.Errorf("GET %s missing security headers", path)
		}
	}

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/capture", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /capture = %d, want 405", rec.Code)
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Run(ctx, srv, slog.New(slog.NewTextHandler(io.Discard, nil))) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFormatChars(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
		{-1234, "-1,234"},
	}
	for _, tt := range tests {
		if got := formatChars(tt.n); got != tt.want {
			t.Errorf("formatChars(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=abc", 20},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/journal?"+tt.query, nil)
		if got := parseIntParam(req, "limit", 20); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
