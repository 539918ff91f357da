// Package apiclient calls the AttendX HTTP API on behalf of the scanner.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Error is a failed API call.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Record is the attendance record returned by marking endpoints.
type Record struct {
	ID        string    `json:"id"`
	StudentID string    `json:"studentId"`
	SessionID string    `json:"classSessionId"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Method    string    `json:"method"`
}

// ScanResult is the answer of an instructor scan.
type ScanResult struct {
	StudentID   string `json:"recognizedStudentId"`
	StudentName string `json:"studentName"`
	Record      Record `json:"record"`
}

// Client calls the API with a bearer access token.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New creates a client with configurable timeout.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP: &http.Client{
			Timeout: 45 * time.Second, // the API waits on the model
		},
	}
}

// DetectFace asks whether the photo contains a face.
func (c *Client) DetectFace(ctx context.Context, photo string) (bool, error) {
	var out struct {
		FaceDetected bool `json:"faceDetected"`
	}
	if err := c.post(ctx, "/v1/face/detect", map[string]string{"photo": photo}, &out); err != nil {
		return false, err
	}
	return out.FaceDetected, nil
}

// CheckIn verifies the caller's own face and records them present.
func (c *Client) CheckIn(ctx context.Context, photo string) (Record, error) {
	var out struct {
		Record Record `json:"record"`
	}
	if err := c.post(ctx, "/v1/checkins", map[string]string{"photo": photo}, &out); err != nil {
		return Record{}, err
	}
	return out.Record, nil
}

// Scan recognizes a student in a classroom photo and marks them present.
func (c *Client) Scan(ctx context.Context, photo, sessionID string) (ScanResult, error) {
	var out ScanResult
	body := map[string]string{"photo": photo}
	if sessionID != "" {
		body["sessionId"] = sessionID
	}
	if err := c.post(ctx, "/v1/scan", body, &out); err != nil {
		return ScanResult{}, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var failure struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(bodyBytes))
		if json.Unmarshal(bodyBytes, &failure) == nil && failure.Error != "" {
			msg = failure.Error
		}
		return &Error{Status: resp.StatusCode, Message: msg}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
