// Package insights generates attendance summaries and absence emails with a
// generative model.
package insights

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"attendx/internal/ai"
	"attendx/internal/metrics"
)

//go:embed prompts/summarize.txt
var summarizePrompt string

//go:embed prompts/absence.txt
var absencePrompt string

// ErrEmptyOutput is returned when the model produced only markup or whitespace.
var ErrEmptyOutput = errors.New("model returned no usable text")

// RecordSummary is the per-student attendance overview sent to the model.
type RecordSummary struct {
	Name    string   `json:"name"`
	Status  string   `json:"status"`
	History []string `json:"history"`
}

// AbsenceRequest holds the inputs of an absence email draft.
type AbsenceRequest struct {
	StudentName       string `json:"studentName"`
	ProfessorName     string `json:"professorName"`
	CourseName        string `json:"courseName"`
	AbsenceReason     string `json:"absenceReason"`
	AdditionalDetails string `json:"additionalDetails,omitempty"`
}

// Writer runs the text flows.
type Writer struct {
	provider ai.Provider
	rec      metrics.Recorder
	policy   *bluemonday.Policy
	Timeout  time.Duration
}

// New creates a Writer.
func New(provider ai.Provider, rec metrics.Recorder) *Writer {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Writer{
		provider: provider,
		rec:      rec,
		policy:   bluemonday.StrictPolicy(),
		Timeout:  30 * time.Second,
	}
}

// SummarizeTrends returns a plain-text summary of the attendance records of a course.
func (w *Writer) SummarizeTrends(ctx context.Context, courseName string, records []RecordSummary) (string, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("encode records: %w", err)
	}
	input := fmt.Sprintf("Course: %s\nAttendance records (JSON): %s", courseName, data)

	var out struct {
		Summary string `json:"summary"`
	}
	if err := w.generate(ctx, "summarize", summarizePrompt, input, &out); err != nil {
		return "", err
	}
	return w.clean(out.Summary)
}

// DraftAbsenceEmail returns a plain-text email explaining an absence.
func (w *Writer) DraftAbsenceEmail(ctx context.Context, req AbsenceRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	var out struct {
		EmailDraft string `json:"emailDraft"`
	}
	if err := w.generate(ctx, "absence_email", absencePrompt, "Details (JSON): "+string(data), &out); err != nil {
		return "", err
	}
	return w.clean(out.EmailDraft)
}

// maxCleanPasses bounds how many layers of entity encoding clean peels off.
const maxCleanPasses = 8

// clean strips any markup the model emitted, including markup hidden behind
// HTML entities. Entities are decoded before each sanitize pass and once more
// after it since the result is plain text, not HTML. Output that still changes
// after maxCleanPasses is rejected.
func (w *Writer) clean(s string) (string, error) {
	for range maxCleanPasses {
		next := html.UnescapeString(w.policy.Sanitize(html.UnescapeString(s)))
		if next == s {
			s = strings.TrimSpace(s)
			if s == "" {
				return "", ErrEmptyOutput
			}
			return s, nil
		}
		s = next
	}
	return "", ErrEmptyOutput
}

func (w *Writer) generate(ctx context.Context, flow, system, input string, out any) error {
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	start := time.Now()
	usage, err := ai.GenerateJSON(ctx, w.provider, ai.Request{
		System:    system,
		Messages:  []ai.Message{ai.UserText(input)},
		MaxTokens: 1024,
	}, out)
	w.rec.RecordAICost(usage.TotalCost)
	if err != nil {
		w.rec.RecordAICall(flow, "error", time.Since(start))
		return fmt.Errorf("%s failed: %w", flow, err)
	}
	w.rec.RecordAICall(flow, "ok", time.Since(start))
	return nil
}
