package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/bookreader/internal/api"
	"github.com/hpungsan/bookreader/internal/errors"
	"github.com/hpungsan/bookreader/internal/journal"
	"github.com/hpungsan/bookreader/internal/ocrtext"
	"github.com/hpungsan/bookreader/internal/session"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	session *session.Session
	journal *journal.Journal
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(sess *session.Session, j *journal.Journal) *Handlers {
	return &Handlers{session: sess, journal: j}
}

// CameraSetRequest represents the arguments for camera_set.
type CameraSetRequest struct {
	CameraID *int `json:"camera_id"`
}

// CameraResolutionRequest represents the arguments for camera_resolution.
type CameraResolutionRequest struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// PreviewRotationRequest represents the arguments for preview_rotation.
type PreviewRotationRequest struct {
	Degrees *int `json:"degrees"`
}

// CaptureRequest represents the arguments for ocr_capture.
type CaptureRequest struct {
	Prompt  *string `json:"prompt,omitempty"`
	MaxSize *int    `json:"max_size,omitempty"`
}

// ResultsRequest represents the arguments for ocr_results.
type ResultsRequest struct {
	Limit int `json:"limit,omitempty"`
}

// JournalListRequest represents the arguments for journal_list.
type JournalListRequest struct {
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
	Status string `json:"status,omitempty"`
}

// JournalFetchRequest represents the arguments for journal_fetch.
type JournalFetchRequest struct {
	ID string `json:"id,omitempty"`
}

// ResultItem is one backend history record with its rendered display.
type ResultItem struct {
	api.Result
	Display ocrtext.Display `json:"display"`
}

// ResultsOutput is returned by ocr_results.
type ResultsOutput struct {
	Results []ResultItem `json:"results"`
	Count   int          `json:"count"`
	Total   int          `json:"total"`
}

// ClearOutput is returned by ocr_clear.
type ClearOutput struct {
	Cleared bool `json:"cleared"`
}

// HandleCameraList handles the camera_list tool call.
func (h *Handlers) HandleCameraList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := h.session.RefreshCameras(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(list)
}

// HandleCameraSet handles the camera_set tool call.
func (h *Handlers) HandleCameraSet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CameraSetRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.CameraID == nil {
		return errorResult(errors.NewInvalidRequest("camera_id is required")), nil
	}
	if *input.CameraID < 0 {
		return errorResult(errors.NewInvalidRequest("camera_id must not be negative")), nil
	}

	if err := h.session.SwitchCamera(ctx, *input.CameraID); err != nil {
		return errorResult(err), nil
	}
	return successResult(h.session.Status())
}

// HandleCameraResolution handles the camera_resolution tool call.
func (h *Handlers) HandleCameraResolution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CameraResolutionRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	if err := h.session.ChangeResolution(ctx, input.Width, input.Height); err != nil {
		return errorResult(err), nil
	}
	return successResult(h.session.Status())
}

// HandlePreviewRotation handles the preview_rotation tool call.
func (h *Handlers) HandlePreviewRotation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[PreviewRotationRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.Degrees == nil {
		return errorResult(errors.NewInvalidRequest("degrees is required")), nil
	}

	if err := h.session.SetRotation(*input.Degrees); err != nil {
		return errorResult(err), nil
	}
	return successResult(h.session.Status())
}

// HandlePreviewStatus handles the preview_status tool call.
func (h *Handlers) HandlePreviewStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successResult(h.session.Status())
}

// HandleCapture handles the ocr_capture tool call.
func (h *Handlers) HandleCapture(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CaptureRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	if input.MaxSize != nil {
		if err := h.session.SetMaxSize(*input.MaxSize); err != nil {
			return errorResult(err), nil
		}
	}
	if input.Prompt != nil {
		h.session.SetPrompt(*input.Prompt)
	}

	result, err := h.session.Capture(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleResults handles the ocr_results tool call.
func (h *Handlers) HandleResults(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ResultsRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.Limit < 0 {
		return errorResult(errors.NewInvalidRequest("limit must not be negative")), nil
	}

	results, err := h.session.Results(ctx)
	if err != nil {
		return errorResult(err), nil
	}

	total := len(results)
	if input.Limit > 0 && input.Limit < total {
		results = results[:input.Limit]
	}
	items := make([]ResultItem, 0, len(results))
	for i := range results {
		items = append(items, ResultItem{Result: results[i], Display: results[i].Display()})
	}

	return successResult(ResultsOutput{Results: items, Count: len(items), Total: total})
}

// HandleClear handles the ocr_clear tool call.
func (h *Handlers) HandleClear(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := h.session.ClearResults(ctx); err != nil {
		return errorResult(err), nil
	}
	return successResult(ClearOutput{Cleared: true})
}

// HandleJournalList handles the journal_list tool call.
func (h *Handlers) HandleJournalList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[JournalListRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.journal.List(ctx, journal.ListInput{
		Limit:  input.Limit,
		Offset: input.Offset,
		Status: input.Status,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleJournalFetch handles the journal_fetch tool call.
func (h *Handlers) HandleJournalFetch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[JournalFetchRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.journal.Fetch(ctx, input.ID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// errorResult creates an MCP error result from any error.
// Internal error details are not exposed.
func errorResult(err error) *mcp.CallToolResult {
	re := errors.As(err)
	errorObj := map[string]any{
		"code":    re.Code,
		"message": re.Message,
		"status":  re.Status,
	}
	if re.Code == errors.ErrInternal {
		errorObj["message"] = "an internal error occurred"
	} else if re.Details != nil {
		errorObj["details"] = re.Details
	}

	content, _ := json.Marshal(map[string]any{"error": errorObj})
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
