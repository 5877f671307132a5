package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// MockIdentity is returned for every frame in skip mode.
const MockIdentity = "MOCK-USER"

// Face is one detected face and its best gallery match.
type Face struct {
	Identity   string  `json:"identity"`
	Confidence float64 `json:"confidence"`
	Matched    bool    `json:"matched"`
	// Box is top, right, bottom, left in frame pixels.
	Box []int `json:"box,omitempty"`
}

// IdentifyResult contains every face found in a frame.
type IdentifyResult struct {
	Faces         []Face `json:"faces"`
	FacesDetected int    `json:"faces_detected"`
}

// EnrollResult contains the face enrollment response.
type EnrollResult struct {
	Identity string `json:"identity"`
	Success  bool   `json:"success"`
	Message  string `json:"message"`
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with configurable timeout.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // face processing can take time
		},
	}
}

// Identify sends a frame and returns the faces recognized in it.
func (c *Client) Identify(ctx context.Context, frame []byte, filename string) (*IdentifyResult, error) {
	if c.Skip {
		return &IdentifyResult{
			Faces:         []Face{{Identity: MockIdentity, Confidence: 0.92, Matched: true}},
			FacesDetected: 1,
		}, nil
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	var out IdentifyResult
	if err := c.postMultipart(ctx, "/identify", nil, "frame", filename, frame, &out); err != nil {
		return nil, err
	}
	if out.FacesDetected == 0 {
		out.FacesDetected = len(out.Faces)
	}
	return &out, nil
}

// Enroll registers a reference image for identity in the recognition gallery.
func (c *Client) Enroll(ctx context.Context, identity string, image []byte, filename string) (*EnrollResult, error) {
	if c.Skip {
		return &EnrollResult{Identity: identity, Success: true, Message: "face enrolled (mock)"}, nil
	}

	var out EnrollResult
	fields := map[string]string{"identity": identity}
	if err := c.postMultipart(ctx, "/enroll", fields, "image", filename, image, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return &out, fmt.Errorf("enroll %s rejected: %s", identity, out.Message)
	}
	return &out, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) postMultipart(ctx context.Context, path string, fields map[string]string, fileField, filename string, data []byte, out any) error {
	if filename == "" {
		filename = "frame.jpg"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return err
		}
	}
	part, err := w.CreateFormFile(fileField, filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
