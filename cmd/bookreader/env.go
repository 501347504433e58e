package main

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hpungsan/bookreader/internal/api"
	"github.com/hpungsan/bookreader/internal/config"
	"github.com/hpungsan/bookreader/internal/db"
	"github.com/hpungsan/bookreader/internal/errors"
	"github.com/hpungsan/bookreader/internal/journal"
	"github.com/hpungsan/bookreader/internal/session"
)

// appEnv holds what commands share. Config is loaded before any command
// runs; the database and backend client are opened on first use.
type appEnv struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	baseDir string
	cfg     *config.Config
	logger  *slog.Logger

	db      *sql.DB
	journal *journal.Journal
	client  *api.Client
}

func newAppEnv(stdin io.Reader, stdout, stderr io.Writer) *appEnv {
	return &appEnv{stdin: stdin, stdout: stdout, stderr: stderr}
}

// defaultBaseDir is ~/.bookreader.
func defaultBaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".bookreader"), nil
}

// load resolves the base directory and reads its config. A config that is
// already set (tests) is kept.
func (e *appEnv) load(home, serverURL string, verbose bool) error {
	if e.baseDir == "" {
		if home == "" {
			dir, err := defaultBaseDir()
			if err != nil {
				return err
			}
			home = dir
		}
		e.baseDir = home
	}

	if e.cfg == nil {
		cfg, err := config.Load(e.baseDir)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		e.cfg = cfg
	}
	if serverURL != "" {
		e.cfg.ServerURL = serverURL
	}
	if err := e.cfg.Validate(); err != nil {
		return errors.NewInvalidRequest(err.Error())
	}

	if e.logger == nil {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		e.logger = slog.New(slog.NewTextHandler(e.stderr, &slog.HandlerOptions{Level: level}))
	}
	return nil
}

// openJournal opens the capture journal database.
func (e *appEnv) openJournal() (*journal.Journal, error) {
	if e.journal != nil {
		return e.journal, nil
	}
	database, err := db.Init(e.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	db.ConfigurePool(database, e.cfg)
	e.db = database
	e.journal = journal.New(database, e.baseDir, e.cfg)
	return e.journal, nil
}

// apiClient returns the backend client.
func (e *appEnv) apiClient() (*api.Client, error) {
	if e.client != nil {
		return e.client, nil
	}
	timeout := time.Duration(e.cfg.RequestTimeoutSeconds) * time.Second
	client, err := api.NewClient(e.cfg.ServerURL, timeout)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

// newSession builds a session over the backend client that records into
// the journal.
func (e *appEnv) newSession(cfg *config.Config, opts session.Options) (*session.Session, error) {
	client, err := e.apiClient()
	if err != nil {
		return nil, err
	}
	j, err := e.openJournal()
	if err != nil {
		return nil, err
	}
	opts.Recorder = j
	opts.Logger = e.logger
	return session.New(client, cfg, opts)
}

func (e *appEnv) close() {
	if e.db != nil {
		e.db.Close()
		e.db = nil
		e.journal = nil
	}
}
