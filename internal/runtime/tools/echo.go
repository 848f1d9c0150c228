package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Echo returns its input text. Harmless, so it suits an "allow" policy and
// makes a convenient smoke test for the tool pipeline.
type Echo struct{}

// NewEcho creates a new Echo tool.
func NewEcho() *Echo { return &Echo{} }

func (e *Echo) Name() string        { return "echo" }
func (e *Echo) Description() string { return "Echo the provided text back verbatim" }
func (e *Echo) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"text": {"type": "string", "description": "The text to echo back"}
		},
		"required": ["text"]
	}`)
}

func (e *Echo) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.Text == "" {
		return "", fmt.Errorf("text is required")
	}
	return params.Text, nil
}
