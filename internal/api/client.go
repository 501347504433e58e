// Package api is the HTTP client for the camera/OCR backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hpungsan/bookreader/internal/errors"
)

// Backend paths.
const (
	PathStream       = "/api/camera/stream"
	PathCameraList   = "/api/camera/list"
	PathCameraSet    = "/api/camera/set"
	PathResolution   = "/api/camera/resolution"
	PathOCRProcess   = "/api/ocr/process"
	PathOCRResults   = "/api/ocr/results"
	PathResultsClear = "/api/ocr/results/clear"
)

// maxErrorBody bounds how much of a failed response is read for its message.
const maxErrorBody = 64 << 10

// Client talks to one backend.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient returns a client for baseURL. timeout bounds every call except
// the stream, which has no deadline.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid server_url %q: %v", baseURL, err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("server_url must be http or https (got %q)", baseURL))
	}
	if u.Host == "" {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("server_url has no host: %q", baseURL))
	}
	return &Client{
		base: u,
		http: &http.Client{Timeout: timeout},
	}, nil
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// StreamURL builds the live stream URL for a camera. t busts caches the way
// the page did with Date.now(). resolution is "WxH" or empty.
func (c *Client) StreamURL(cameraID int, resolution string, t time.Time) string {
	q := url.Values{}
	q.Set("camera_id", strconv.Itoa(cameraID))
	q.Set("t", strconv.FormatInt(t.UnixMilli(), 10))
	if resolution != "" {
		q.Set("resolution", resolution)
	}
	return c.endpoint(PathStream) + "?" + q.Encode()
}

// ListCameras fetches the available cameras and the backend's current one.
func (c *Client) ListCameras(ctx context.Context) (*CameraList, error) {
	var out CameraList
	if err := c.do(ctx, http.MethodGet, PathCameraList, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetCamera asks the backend to switch to deviceID. A refusal comes back as
// CAMERA_SWITCH carrying the server message.
func (c *Client) SetCamera(ctx context.Context, deviceID int) (*SetCameraResponse, error) {
	resp, err := c.send(ctx, http.MethodPost, PathCameraSet, setCameraRequest{DeviceID: deviceID})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out SetCameraResponse
	if decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&out); decodeErr != nil && resp.StatusCode == http.StatusOK {
		return nil, errors.NewInternal(fmt.Errorf("decode %s: %w", PathCameraSet, decodeErr))
	}
	if resp.StatusCode != http.StatusOK || !out.Success {
		return nil, errors.NewCameraSwitch(deviceID, out.Error)
	}
	return &out, nil
}

// SetResolution requests a new capture resolution.
func (c *Client) SetResolution(ctx context.Context, width, height int) (*ResolutionResponse, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("resolution must be positive (got %dx%d)", width, height))
	}
	var out ResolutionResponse
	if err := c.do(ctx, http.MethodPost, PathResolution, resolutionRequest{Width: width, Height: height}, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, errors.NewInvalidRequest(fallback(out.Error, "resolution change failed"))
	}
	return &out, nil
}

// ProcessOCR submits a base64 JPEG (no data-url prefix) for OCR. An empty
// prompt lets the backend use its default.
func (c *Client) ProcessOCR(ctx context.Context, frame, prompt string) (*Result, error) {
	resp, err := c.send(ctx, http.MethodPost, PathOCRProcess, ocrRequest{Frame: frame, Prompt: prompt})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.NewOCRRequest(resp.StatusCode, readErrorMessage(resp.Body))
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.NewOCRRequest(resp.StatusCode, "")
	}
	return &out, nil
}

// Results fetches the backend history, newest first.
func (c *Client) Results(ctx context.Context) ([]Result, error) {
	var out []Result
	if err := c.do(ctx, http.MethodGet, PathOCRResults, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Result{}
	}
	return out, nil
}

// ClearResults clears the backend history.
func (c *Client) ClearResults(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, PathResultsClear, nil, nil)
}

// ImageURL resolves a history record's image_url against the backend.
func (c *Client) ImageURL(r *Result) string {
	if r.ImageURL == "" {
		return ""
	}
	if strings.HasPrefix(r.ImageURL, "http://") || strings.HasPrefix(r.ImageURL, "https://") {
		return r.ImageURL
	}
	return c.endpoint(r.ImageURL)
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

// do sends a request and decodes a 2xx JSON body into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(method, path, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.NewInternal(fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.NewChannelTransport(fmt.Errorf("%s %s: %w", method, path, err))
	}
	return resp, nil
}

// statusError maps a non-2xx response. 400 means the backend rejected the
// input; anything else is treated as the backend being unavailable.
func statusError(method, path string, resp *http.Response) error {
	msg := readErrorMessage(resp.Body)
	if resp.StatusCode == http.StatusBadRequest {
		return errors.NewInvalidRequest(fallback(msg, "bad request"))
	}
	return errors.NewChannelTransport(fmt.Errorf("%s %s: HTTP %d%s", method, path, resp.StatusCode, prefixed(msg)))
}

// readErrorMessage extracts {"error": "..."} from a failed response.
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return ""
	}
	var eb errorBody
	if json.Unmarshal(data, &eb) != nil {
		return ""
	}
	return strings.TrimSpace(eb.Error)
}

func fallback(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func prefixed(msg string) string {
	if msg == "" {
		return ""
	}
	return ": " + msg
}
