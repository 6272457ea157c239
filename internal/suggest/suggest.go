// Package suggest asks Claude for a proposed merge of a conflicted entity.
// It is entirely optional: without an API key the rest of the system works
// and conflicts fall back to the configured strategies.
package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/teacherly/plansync/internal/localstore"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

const systemPrompt = `You reconcile two conflicting versions of a teacher's planning document.
Both versions are JSON. Produce a single merged JSON document that keeps
every piece of information a teacher would not want to lose. Prefer the
union of array fields, the later updatedAt, and when a scalar field
genuinely differs, keep the local value.

Respond with a JSON object of this exact shape and nothing else:
{"merged": <the merged document>, "rationale": "<one or two sentences>"}`

// Suggestion is Claude's proposed resolution.
type Suggestion struct {
	Merged    json.RawMessage `json:"merged"`
	Rationale string          `json:"rationale"`
}

// messageCreator is the slice of the SDK the suggester needs.
type messageCreator interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Suggester requests merge proposals from the Anthropic API.
type Suggester struct {
	messages messageCreator
	model    anthropic.Model
}

// New creates a Suggester. An empty API key is an error; callers should
// skip suggestion entirely in that case.
func New(apiKey, model string) (*Suggester, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("no API key configured for merge suggestions")
	}
	if model == "" {
		model = DefaultModel
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Suggester{messages: &client.Messages, model: anthropic.Model(model)}, nil
}

// SuggestMerge asks for a merged document for the given conflict.
func (s *Suggester) SuggestMerge(ctx context.Context, rec *localstore.ConflictRecord) (*Suggestion, error) {
	prompt := fmt.Sprintf(
		"Entity type: %s\n\nLocal version:\n%s\n\nRemote version:\n%s",
		rec.EntityType, rec.LocalData, rec.RemoteData,
	)

	msg, err := s.messages.New(ctx, anthropic.MessageNewParams{
		Model:     s.model,
		MaxTokens: 2048,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("merge suggestion request failed: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return parseSuggestion(text.String())
}

// parseSuggestion extracts the JSON object from the model's reply,
// tolerating surrounding prose or code fences.
func parseSuggestion(reply string) (*Suggestion, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("reply contains no JSON object")
	}

	var sg Suggestion
	if err := json.Unmarshal([]byte(reply[start:end+1]), &sg); err != nil {
		return nil, fmt.Errorf("failed to parse suggestion: %w", err)
	}
	if len(sg.Merged) == 0 {
		return nil, fmt.Errorf("suggestion has no merged document")
	}

	// The merged document must itself be valid JSON.
	var check any
	if err := json.Unmarshal(sg.Merged, &check); err != nil {
		return nil, fmt.Errorf("suggested merge is not valid JSON: %w", err)
	}
	return &sg, nil
}
