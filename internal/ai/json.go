package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const maxJSONAttempts = 5

// GenerateJSON sends req in JSON mode and decodes the answer into out.
// When the model returns invalid JSON the parse error is fed back and the
// request is retried, up to five attempts in total. The returned usage covers
// every attempt.
func GenerateJSON(ctx context.Context, p Provider, req Request, out any) (Usage, error) {
	req.JSON = true
	messages := append([]Message(nil), req.Messages...)

	var usage Usage
	var lastErr error
	var lastText string
	for range maxJSONAttempts {
		req.Messages = messages
		resp, err := p.Complete(ctx, req)
		if err != nil {
			return usage, err
		}
		usage.add(resp)
		lastText = resp.Text

		if err := json.Unmarshal([]byte(stripFence(resp.Text)), out); err != nil {
			lastErr = err
			messages = append(messages,
				Message{Role: RoleModel, Parts: []Part{{Text: resp.Text}}},
				UserText(fmt.Sprintf("JSON parse error: %v. Please fix the JSON and try again. Remember to escape quotes inside strings with backslash.", err)),
			)
			continue
		}
		return usage, nil
	}
	return usage, fmt.Errorf("failed to parse JSON after %d attempts: %w (last response: %s)", maxJSONAttempts, lastErr, lastText)
}

// stripFence removes a markdown code fence some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
