// Package web serves the local dashboard: live preview, capture controls,
// backend history and the local capture journal.
package web

import (
	"context"
	"embed"
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hpungsan/bookreader/internal/api"
	"github.com/hpungsan/bookreader/internal/journal"
	"github.com/hpungsan/bookreader/internal/session"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Deps are the collaborators the dashboard drives.
type Deps struct {
	Session *session.Session
	Journal *journal.Journal
	Surface *Surface
	// Client resolves history image URLs. Optional.
	Client *api.Client
	Logger *slog.Logger
}

// NewServer creates and configures the HTTP server for the dashboard.
func NewServer(deps Deps, version, bind string, port int) (*http.Server, error) {
	// Create sub-FS for templates (strip "templates/" prefix)
	templateSub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		return nil, fmt.Errorf("template sub-FS: %w", err)
	}

	// Create sub-FS for static files (strip "static/" prefix)
	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, fmt.Errorf("static sub-FS: %w", err)
	}

	h := newHandlers(deps, NewRenderer(templateSub, version, deps.Logger))

	mux := http.NewServeMux()

	// Routes using Go 1.22+ pattern syntax
	mux.HandleFunc("GET /{$}", h.HandleDashboard)
	mux.HandleFunc("GET /api/status", h.HandleStatus)
	mux.HandleFunc("GET /frame.jpg", h.HandleFrame)
	mux.HandleFunc("POST /capture", h.HandleCapture)
	mux.HandleFunc("POST /rotation", h.HandleRotation)
	mux.HandleFunc("POST /preview", h.HandlePreview)
	mux.HandleFunc("POST /camera", h.HandleCamera)
	mux.HandleFunc("POST /camera/refresh", h.HandleRefresh)
	mux.HandleFunc("POST /camera/reset", h.HandleReset)
	mux.HandleFunc("POST /resolution", h.HandleResolution)
	mux.HandleFunc("GET /results", h.HandleResults)
	mux.HandleFunc("POST /results/clear", h.HandleResultsClear)
	mux.HandleFunc("GET /journal", h.HandleJournal)
	mux.HandleFunc("POST /journal/clear", h.HandleJournalClear)
	mux.HandleFunc("GET /journal/{id}", h.HandleEntry)
	mux.HandleFunc("GET /journal/{id}/image", h.HandleEntryImage)

	// Static file server
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(staticSub)))

	// Wrap with security headers
	handler := securityHeaders(mux)

	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", bind, port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

func newHandlers(deps Deps, renderer *Renderer) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	surface := deps.Surface
	if surface == nil {
		surface = NewSurface()
	}
	imageURL := func(*api.Result) string { return "" }
	if deps.Client != nil {
		imageURL = deps.Client.ImageURL
	}
	return &Handlers{
		session:  deps.Session,
		journal:  deps.Journal,
		surface:  surface,
		renderer: renderer,
		logger:   logger,
		imageURL: imageURL,
	}
}

// securityHeaders adds security-related HTTP headers to all responses.
// History images come from the backend, so img-src allows remote origins.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self'; img-src 'self' http: https:")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// Run serves srv until ctx is cancelled, then shuts it down gracefully.
func Run(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("Bookreader UI running", "url", "http://"+srv.Addr)

	if strings.Contains(srv.Addr, "0.0.0.0") || strings.Contains(srv.Addr, "::") {
		logger.Warn("Server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
