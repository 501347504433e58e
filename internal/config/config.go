package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	// ServerURL is the base URL of the camera/OCR backend.
	ServerURL string `json:"server_url" yaml:"server_url"`

	// CameraID is the device id the preview stream starts with.
	CameraID int `json:"camera_id" yaml:"camera_id"`

	// FrameWidth and FrameHeight are the requested capture resolution.
	FrameWidth  int `json:"frame_width" yaml:"frame_width"`
	FrameHeight int `json:"frame_height" yaml:"frame_height"`

	// Rotation is the initial rotation in degrees: 0, 90, 180 or 270.
	Rotation int `json:"rotation" yaml:"rotation"`

	// ModelMaxSize is the ceiling for the longer side of a captured image.
	ModelMaxSize int `json:"model_max_size" yaml:"model_max_size"`

	// Prompt is sent with every OCR request. Empty lets the backend pick its default.
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty"`

	// PreviewEnabled controls whether the live stream is opened on startup.
	// A pointer so an explicit false in a file overrides the default.
	PreviewEnabled *bool `json:"preview_enabled,omitempty" yaml:"preview_enabled,omitempty"`

	// RequestTimeoutSeconds bounds every non-streaming backend call.
	RequestTimeoutSeconds int `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`

	// WebBind and WebPort are where the local dashboard listens.
	WebBind string `json:"web_bind" yaml:"web_bind"`
	WebPort int    `json:"web_port" yaml:"web_port"`

	// HistoryLimit caps the number of rows kept in the local capture journal.
	HistoryLimit int `json:"history_limit" yaml:"history_limit"`

	// SaveCaptures stores a JPEG copy of each transformed capture under captures/.
	SaveCaptures *bool `json:"save_captures,omitempty" yaml:"save_captures,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default.
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty" yaml:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty" yaml:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty" yaml:"disabled_tools,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	enabled := true
	save := true
	return &Config{
		ServerURL:             "http://127.0.0.1:8502",
		CameraID:              0,
		FrameWidth:            1280,
		FrameHeight:           720,
		Rotation:              0,
		ModelMaxSize:          1024,
		PreviewEnabled:        &enabled,
		RequestTimeoutSeconds: 300,
		WebBind:               "127.0.0.1",
		WebPort:               8503,
		HistoryLimit:          100,
		SaveCaptures:          &save,
	}
}

// Preview reports whether the preview stream should be enabled.
func (c *Config) Preview() bool {
	return c.PreviewEnabled == nil || *c.PreviewEnabled
}

// SaveCaptureFiles reports whether transformed captures are written to disk.
func (c *Config) SaveCaptureFiles() bool {
	return c.SaveCaptures != nil && *c.SaveCaptures
}

// Validate checks values that would otherwise fail deep inside a capture.
func (c *Config) Validate() error {
	switch c.Rotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("rotation must be one of 0, 90, 180, 270 (got %d)", c.Rotation)
	}
	if c.ModelMaxSize <= 0 {
		return fmt.Errorf("model_max_size must be positive (got %d)", c.ModelMaxSize)
	}
	if strings.TrimSpace(c.ServerURL) == "" {
		return errors.New("server_url is required")
	}
	return nil
}

// Load loads configuration from baseDir/config.yaml or baseDir/config.json.
// YAML wins when both exist. Returns default config if neither exists.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.bookreader.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFileRaw(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	yamlCfg, err := loadFileRaw(filepath.Join(baseDir, "config.yaml"))
	if err != nil {
		return nil, err
	}
	return Merge(Merge(DefaultConfig(), cfg), yamlCfg), nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
// The decoder is chosen by extension.
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	switch filepath.Ext(configPath) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}

	return cfg, nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.ServerURL = pickString(overlay.ServerURL, base.ServerURL)
	result.Prompt = pickString(overlay.Prompt, base.Prompt)
	result.WebBind = pickString(overlay.WebBind, base.WebBind)

	result.CameraID = pickInt(overlay.CameraID, base.CameraID)
	result.FrameWidth = pickInt(overlay.FrameWidth, base.FrameWidth)
	result.FrameHeight = pickInt(overlay.FrameHeight, base.FrameHeight)
	result.Rotation = pickInt(overlay.Rotation, base.Rotation)
	result.ModelMaxSize = pickInt(overlay.ModelMaxSize, base.ModelMaxSize)
	result.RequestTimeoutSeconds = pickInt(overlay.RequestTimeoutSeconds, base.RequestTimeoutSeconds)
	result.WebPort = pickInt(overlay.WebPort, base.WebPort)
	result.HistoryLimit = pickInt(overlay.HistoryLimit, base.HistoryLimit)
	result.DBMaxOpenConns = pickInt(overlay.DBMaxOpenConns, base.DBMaxOpenConns)
	result.DBMaxIdleConns = pickInt(overlay.DBMaxIdleConns, base.DBMaxIdleConns)

	// Tri-state booleans: overlay wins if set
	result.PreviewEnabled = base.PreviewEnabled
	if overlay.PreviewEnabled != nil {
		result.PreviewEnabled = overlay.PreviewEnabled
	}
	result.SaveCaptures = base.SaveCaptures
	if overlay.SaveCaptures != nil {
		result.SaveCaptures = overlay.SaveCaptures
	}

	// Arrays: merge and deduplicate
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

func pickString(overlay, base string) string {
	if overlay != "" {
		return overlay
	}
	return base
}

func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range b {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
