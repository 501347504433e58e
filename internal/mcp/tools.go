package mcp

import "github.com/mark3labs/mcp-go/mcp"

var cameraListToolDef = mcp.NewTool("camera_list",
	mcp.WithDescription("List the backend's cameras and adopt the one it reports as current. Restarts the preview stream."),
)

var cameraSetToolDef = mcp.NewTool("camera_set",
	mcp.WithDescription("Switch the backend to another camera. Refused while a capture is running."),
	mcp.WithNumber("camera_id", mcp.Required(), mcp.Description("Device id from camera_list")),
)

var cameraResolutionToolDef = mcp.NewTool("camera_resolution",
	mcp.WithDescription("Change the capture resolution. The preview restarts once the camera settles."),
	mcp.WithNumber("width", mcp.Required(), mcp.Description("Frame width in pixels")),
	mcp.WithNumber("height", mcp.Required(), mcp.Description("Frame height in pixels")),
)

var previewRotationToolDef = mcp.NewTool("preview_rotation",
	mcp.WithDescription("Set the rotation applied to the preview and to every capture."),
	mcp.WithNumber("degrees", mcp.Required(), mcp.Description("Clockwise rotation: 0, 90, 180 or 270")),
)

var previewStatusToolDef = mcp.NewTool("preview_status",
	mcp.WithDescription("Report the preview state: camera, resolution, rotation, stream banner and whether a frame is available."),
)

var ocrCaptureToolDef = mcp.NewTool("ocr_capture",
	mcp.WithDescription("Capture the current preview frame, rotate and resize it, and run OCR on it."),
	mcp.WithString("prompt", mcp.Description("Prompt for this and later captures. Omit to keep the current one.")),
	mcp.WithNumber("max_size", mcp.Description("Longest side of the submitted image. Omit to keep the current one.")),
)

var ocrResultsToolDef = mcp.NewTool("ocr_results",
	mcp.WithDescription("Fetch the backend's OCR history, newest first, with system messages filtered from the text."),
	mcp.WithNumber("limit", mcp.Description("Maximum records to return (default: all)")),
)

var ocrClearToolDef = mcp.NewTool("ocr_clear",
	mcp.WithDescription("Clear the backend's OCR history."),
)

var journalListToolDef = mcp.NewTool("journal_list",
	mcp.WithDescription("List captures recorded locally, newest first."),
	mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 100)")),
	mcp.WithNumber("offset", mcp.Description("Entries to skip")),
	mcp.WithString("status", mcp.Description("Filter by status"), mcp.Enum("completed", "skipped", "error")),
)

var journalFetchToolDef = mcp.NewTool("journal_fetch",
	mcp.WithDescription("Fetch one local capture with its rendered text. Omit id for the newest."),
	mcp.WithString("id", mcp.Description("Entry id or \"latest\"")),
)
