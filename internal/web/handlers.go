package web

import (
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hpungsan/bookreader/internal/api"
	"github.com/hpungsan/bookreader/internal/errors"
	"github.com/hpungsan/bookreader/internal/journal"
	"github.com/hpungsan/bookreader/internal/preview"
	"github.com/hpungsan/bookreader/internal/session"
	"github.com/hpungsan/bookreader/internal/transform"
)

// Handlers contains HTTP route handlers for the dashboard.
type Handlers struct {
	session  *session.Session
	journal  *journal.Journal
	surface  *Surface
	renderer *Renderer
	logger   *slog.Logger

	// imageURL resolves a history record's image against the backend.
	imageURL func(*api.Result) string
}

// Surface is the dashboard's preview element. The session pushes rotation
// styles into it; the status endpoint reports the latest one.
type Surface struct {
	mu      sync.Mutex
	style   preview.Style
	updated time.Time
	count   int
}

// NewSurface returns a Surface showing the unrotated style.
func NewSurface() *Surface {
	return &Surface{style: preview.StyleFor(transform.Rotate0)}
}

// ApplyStyle records a style update.
func (s *Surface) ApplyStyle(st preview.Style) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.style = st
	s.updated = time.Now()
	s.count++
}

// Style returns the current style and how many updates have been applied.
func (s *Surface) Style() (preview.Style, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.style, s.count
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	session.Status
	SurfaceStyle   preview.Style `json:"surface_style"`
	SurfaceUpdates int           `json:"surface_updates"`
}

// HandleDashboard handles GET / and renders the preview page.
func (h *Handlers) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	last := h.session.LastResult()
	data := DashboardPageData{
		PageData: PageData{
			Title:   "Preview",
			Version: h.renderer.version,
			Nav:     "preview",
		},
		Status:    h.session.Status(),
		Cameras:   h.session.Cameras(),
		Last:      last,
		Rotations: []int{0, 90, 180, 270},
	}
	if last != nil {
		data.LastHTML = renderDisplay(last.Display)
	}
	h.renderer.renderPage(w, r, "dashboard", data)
}

// HandleStatus handles GET /api/status with the session snapshot the page polls.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: h.session.Status()}
	resp.SurfaceStyle, resp.SurfaceUpdates = h.surface.Style()
	renderJSON(w, http.StatusOK, resp)
}

// HandleFrame handles GET /frame.jpg with the current preview frame.
func (h *Handlers) HandleFrame(w http.ResponseWriter, r *http.Request) {
	frame, ok := h.session.Frame()
	if !ok {
		http.Error(w, "no frame", http.StatusNotFound)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(transform.StripDataURL(frame.Data))
	if err != nil {
		h.renderer.renderError(w, r, errors.NewImageDecode(err))
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(raw)
}

// HandleCapture handles POST /capture by running OCR on the current frame.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	res, err := h.session.Capture(r.Context())
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, res)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleRotation handles POST /rotation.
func (h *Handlers) HandleRotation(w http.ResponseWriter, r *http.Request) {
	deg, err := formInt(r, "rotation")
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	h.finish(w, r, h.session.SetRotation(deg))
}

// HandleCamera handles POST /camera by switching the active camera.
func (h *Handlers) HandleCamera(w http.ResponseWriter, r *http.Request) {
	id, err := formInt(r, "device_id")
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	h.finish(w, r, h.session.SwitchCamera(r.Context(), id))
}

// HandleResolution handles POST /resolution.
func (h *Handlers) HandleResolution(w http.ResponseWriter, r *http.Request) {
	width, err := formInt(r, "width")
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	height, err := formInt(r, "height")
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	h.finish(w, r, h.session.ChangeResolution(r.Context(), width, height))
}

// HandlePreview handles POST /preview by turning the live preview on or off.
func (h *Handlers) HandlePreview(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("invalid form data"))
		return
	}
	enabled := r.FormValue("enabled") == "true" || r.FormValue("enabled") == "1"
	h.finish(w, r, h.session.SetPreviewEnabled(r.Context(), enabled))
}

// HandleRefresh handles POST /camera/refresh.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	list, err := h.session.RefreshCameras(r.Context())
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, list)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleReset handles POST /camera/reset.
func (h *Handlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	h.finish(w, r, h.session.ResetCamera(r.Context()))
}

// HandleResults handles GET /results with the backend history.
func (h *Handlers) HandleResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.session.Results(r.Context())
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, results)
		return
	}

	items := make([]ResultView, 0, len(results))
	for i := range results {
		d := results[i].Display()
		items = append(items, ResultView{
			Record:   results[i],
			Display:  d,
			HTML:     renderDisplay(d),
			ImageURL: h.imageURL(&results[i]),
		})
	}
	h.renderer.renderPage(w, r, "results", ResultsPageData{
		PageData: PageData{
			Title:   "History",
			Version: h.renderer.version,
			Nav:     "results",
		},
		Items: items,
	})
}

// HandleResultsClear handles POST /results/clear.
func (h *Handlers) HandleResultsClear(w http.ResponseWriter, r *http.Request) {
	if err := h.session.ClearResults(r.Context()); err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}
	http.Redirect(w, r, "/results", http.StatusSeeOther)
}

// HandleJournal handles GET /journal with the local capture journal.
func (h *Handlers) HandleJournal(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	out, err := h.journal.List(r.Context(), journal.ListInput{
		Limit:  parseIntParam(r, "limit", journal.DefaultListLimit),
		Offset: parseIntParam(r, "offset", 0),
		Status: status,
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, out)
		return
	}
	h.renderer.renderPage(w, r, "journal", JournalPageData{
		PageData: PageData{
			Title:   "Journal",
			Version: h.renderer.version,
			Nav:     "journal",
		},
		Items:      out.Items,
		Pagination: out.Pagination,
		Status:     status,
	})
}

// HandleEntry handles GET /journal/{id}.
func (h *Handlers) HandleEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.journal.Fetch(r.Context(), r.PathValue("id"))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, entry)
		return
	}
	h.renderer.renderPage(w, r, "entry", EntryPageData{
		PageData: PageData{
			Title:   "Capture " + entry.Datetime,
			Version: h.renderer.version,
			Nav:     "journal",
		},
		Entry:        entry,
		RenderedHTML: renderDisplay(entry.Display),
	})
}

// HandleEntryImage handles GET /journal/{id}/image.
func (h *Handlers) HandleEntryImage(w http.ResponseWriter, r *http.Request) {
	f, err := h.journal.OpenImage(r.Context(), r.PathValue("id"))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = io.Copy(w, f)
}

// HandleJournalClear handles POST /journal/clear.
func (h *Handlers) HandleJournalClear(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("invalid form data"))
		return
	}
	if r.FormValue("confirm") != "true" {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("confirm parameter must be \"true\""))
		return
	}
	out, err := h.journal.Clear(r.Context())
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, out)
		return
	}
	http.Redirect(w, r, "/journal", http.StatusSeeOther)
}

// finish answers a control action: JSON status for API callers, otherwise
// back to the dashboard.
func (h *Handlers) finish(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		h.logger.Warn("Dashboard action failed", "path", r.URL.Path, "error", err)
		h.renderer.renderError(w, r, err)
		return
	}
	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, h.session.Status())
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// formInt parses a required integer form value.
func formInt(r *http.Request, name string) (int, error) {
	if err := r.ParseForm(); err != nil {
		return 0, errors.NewInvalidRequest("invalid form data")
	}
	s := r.FormValue(name)
	if s == "" {
		return 0, errors.NewInvalidRequest(name + " is required")
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.NewInvalidRequest(name + " must be an integer")
	}
	return v, nil
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
