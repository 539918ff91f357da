package faceclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"attendx/internal/ai"
	"attendx/internal/metrics"
)

//go:embed prompts/detect.txt
var detectPrompt string

//go:embed prompts/enroll.txt
var enrollPrompt string

//go:embed prompts/verify.txt
var verifyPrompt string

//go:embed prompts/search.txt
var searchPrompt string

// ErrEmptyDirectory is returned by Search when no student has a template.
var ErrEmptyDirectory = errors.New("no students with a registered face")

// DetectResult reports whether a face is present.
type DetectResult struct {
	FaceDetected bool `json:"faceDetected"`
}

// EnrollResult reports whether a photo is usable as a face template.
type EnrollResult struct {
	FaceRegistered bool `json:"faceRegistered"`
}

// VerifyResult contains the 1:1 verification outcome.
type VerifyResult struct {
	IsMatch bool `json:"isMatch"`
}

// DirectoryEntry is one candidate for 1:N recognition.
type DirectoryEntry struct {
	ID       string
	Name     string
	Template string // data URI
}

// SearchResult contains the 1:N recognition outcome. StudentID is empty when
// nobody in the directory matched.
type SearchResult struct {
	StudentID string `json:"recognizedStudentId"`
}

// Client runs face decisions through a generative model.
type Client struct {
	provider ai.Provider
	rec      metrics.Recorder
	Skip     bool
	Timeout  time.Duration
}

// New creates a client. With skip set no model is called and every check passes.
func New(provider ai.Provider, rec metrics.Recorder, skip bool) *Client {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Client{
		provider: provider,
		rec:      rec,
		Skip:     skip,
		Timeout:  30 * time.Second, // model calls with images are slow
	}
}

// Detect asks whether the photo contains a face.
func (c *Client) Detect(ctx context.Context, photo string) (*DetectResult, error) {
	if c.Skip {
		return &DetectResult{FaceDetected: true}, nil
	}
	img, err := ai.PrepareImage(photo)
	if err != nil {
		return nil, err
	}
	var out DetectResult
	if err := c.generate(ctx, "detect", detectPrompt, []ai.Message{ai.UserText("Image:", img)}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Enroll asks whether the photo shows a single clear face suitable as a template.
func (c *Client) Enroll(ctx context.Context, photo string) (*EnrollResult, error) {
	if c.Skip {
		return &EnrollResult{FaceRegistered: true}, nil
	}
	img, err := ai.PrepareImage(photo)
	if err != nil {
		return nil, err
	}
	var out EnrollResult
	if err := c.generate(ctx, "enroll", enrollPrompt, []ai.Message{ai.UserText("Image:", img)}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify performs 1:1 verification of photo against a registered template.
func (c *Client) Verify(ctx context.Context, photo, template string) (*VerifyResult, error) {
	if c.Skip {
		return &VerifyResult{IsMatch: true}, nil
	}
	tmpl, err := ai.PrepareImage(template)
	if err != nil {
		// a stored template is not the caller's input
		return nil, fmt.Errorf("registered template unreadable: %v", err)
	}
	img, err := ai.PrepareImage(photo)
	if err != nil {
		return nil, err
	}
	msg := ai.Message{Role: ai.RoleUser, Parts: []ai.Part{
		{Text: "Registered face template:"},
		{Image: &tmpl},
		{Text: "Image to analyze:"},
		{Image: &img},
	}}
	var out VerifyResult
	if err := c.generate(ctx, "verify", verifyPrompt, []ai.Message{msg}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search performs 1:N recognition of photo against directory. An answer naming
// an id outside the directory is treated as no match.
func (c *Client) Search(ctx context.Context, photo string, directory []DirectoryEntry) (*SearchResult, error) {
	if len(directory) == 0 {
		return nil, ErrEmptyDirectory
	}
	if c.Skip {
		return &SearchResult{StudentID: directory[0].ID}, nil
	}
	img, err := ai.PrepareImage(photo)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(directory))
	msg := ai.Message{Role: ai.RoleUser, Parts: []ai.Part{{Text: "Student directory:"}}}
	for _, entry := range directory {
		tmpl, err := ai.PrepareImage(entry.Template)
		if err != nil {
			// one broken template must not block recognition of everyone else
			continue
		}
		known[entry.ID] = true
		msg.Parts = append(msg.Parts,
			ai.Part{Text: fmt.Sprintf("Student ID: %s, Name: %s", entry.ID, entry.Name)},
			ai.Part{Image: &tmpl},
		)
	}
	if len(known) == 0 {
		return nil, ErrEmptyDirectory
	}
	msg.Parts = append(msg.Parts, ai.Part{Text: "Image to analyze:"}, ai.Part{Image: &img})

	var out SearchResult
	if err := c.generate(ctx, "search", searchPrompt, []ai.Message{msg}, &out); err != nil {
		return nil, err
	}
	if !known[out.StudentID] {
		out.StudentID = ""
	}
	return &out, nil
}

// Health checks if the model backend is reachable.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	return c.provider.Ping(ctx)
}

func (c *Client) generate(ctx context.Context, flow, system string, messages []ai.Message, out any) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	start := time.Now()
	usage, err := ai.GenerateJSON(ctx, c.provider, ai.Request{System: system, Messages: messages, MaxTokens: 200}, out)
	c.rec.RecordAICost(usage.TotalCost)
	if err != nil {
		c.rec.RecordAICall(flow, "error", time.Since(start))
		return fmt.Errorf("face %s failed: %w", flow, err)
	}
	c.rec.RecordAICall(flow, "ok", time.Since(start))
	return nil
}
