// Package mcp exposes the page controller as MCP tools over stdio.
package mcp

import (
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/bookreader/internal/config"
	"github.com/hpungsan/bookreader/internal/journal"
	"github.com/hpungsan/bookreader/internal/session"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"camera_list": {
		def:     cameraListToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCameraList },
	},
	"camera_set": {
		def:     cameraSetToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCameraSet },
	},
	"camera_resolution": {
		def:     cameraResolutionToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCameraResolution },
	},
	"preview_rotation": {
		def:     previewRotationToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandlePreviewRotation },
	},
	"preview_status": {
		def:     previewStatusToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandlePreviewStatus },
	},
	"ocr_capture": {
		def:     ocrCaptureToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCapture },
	},
	"ocr_results": {
		def:     ocrResultsToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleResults },
	},
	"ocr_clear": {
		def:     ocrClearToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleClear },
	},
	"journal_list": {
		def:     journalListToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleJournalList },
	},
	"journal_fetch": {
		def:     journalFetchToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleJournalFetch },
	},
}

// AllToolNames returns all valid tool names, sorted.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates a new MCP server with the bookreader tools registered.
// Tools listed in cfg.DisabledTools are excluded from registration.
func NewServer(sess *session.Session, j *journal.Journal, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"bookreader",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(sess, j)

	disabled := make(map[string]bool, len(cfg.DisabledTools))
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run serves the tools on stdio until stdin closes.
func Run(sess *session.Session, j *journal.Journal, cfg *config.Config, version string) error {
	return server.ServeStdio(NewServer(sess, j, cfg, version))
}
