// Package pipeline implements the streaming enhancement pipeline: request
// validation, relevance planning, parallel context gathering, prompt
// assembly, provider streaming and post-stream validation.
package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/promptgate/promptgate/internal/llm"
)

// Source names offered to the relevance planner.
const (
	SourceWebContext      = "web_context"
	SourceStrategy        = "strategy"
	SourceChatHistory     = "chat_history"
	SourceDocumentContext = "document_context"
)

// Settings are per-request output constraints. Each present setting becomes
// a hard imperative on the assembled prompt.
type Settings struct {
	WordCount          int    `json:"word_count,omitempty"`
	Language           string `json:"language,omitempty"`
	ComplexityLevel    string `json:"complexity_level,omitempty"`
	OutputFormat       string `json:"output_format,omitempty"`
	CustomInstructions string `json:"custom_instructions,omitempty"`
	Template           string `json:"template,omitempty"`
}

// Request is a parsed and normalized enhancement request.
type Request struct {
	Prompt            string            `json:"prompt"`
	ContextID         string            `json:"context_id,omitempty"`
	LLM               llm.ProviderID    `json:"llm,omitempty"`
	Domain            string            `json:"domain,omitempty"`
	WritingStyle      string            `json:"writing_style,omitempty"`
	Intent            string            `json:"intent,omitempty"`
	IntentDescription string            `json:"intent_description,omitempty"`
	UserID            string            `json:"user_id,omitempty"`
	Settings          Settings          `json:"settings,omitempty"`
	Context           map[string]string `json:"context,omitempty"`
}

type rawSettings struct {
	WordCount          json.RawMessage `json:"word_count"`
	Language           string          `json:"language"`
	ComplexityLevel    string          `json:"complexity_level"`
	OutputFormat       string          `json:"output_format"`
	CustomInstructions string          `json:"custom_instructions"`
	Template           string          `json:"template"`
}

type rawRequest struct {
	Prompt            string          `json:"prompt"`
	ContextID         string          `json:"context_id"`
	LLM               string          `json:"llm"`
	Domain            string          `json:"domain"`
	WritingStyle      string          `json:"writing_style"`
	Intent            string          `json:"intent"`
	IntentDescription string          `json:"intent_description"`
	UserID            string          `json:"user_id"`
	Settings          rawSettings     `json:"settings"`
	Context           json.RawMessage `json:"context"`
}

// ParseRequest decodes and normalizes an enhancement request body. A
// malformed context map is normalized to empty rather than rejected;
// word_count must be an integer when present.
func ParseRequest(body []byte, maxPromptLen int) (*Request, error) {
	var raw rawRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}

	prompt := strings.TrimSpace(raw.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if maxPromptLen > 0 && len(prompt) > maxPromptLen {
		return nil, fmt.Errorf("prompt exceeds maximum length of %d characters", maxPromptLen)
	}

	req := &Request{
		Prompt:            prompt,
		ContextID:         strings.TrimSpace(raw.ContextID),
		Domain:            strings.TrimSpace(raw.Domain),
		WritingStyle:      strings.TrimSpace(raw.WritingStyle),
		Intent:            strings.TrimSpace(raw.Intent),
		IntentDescription: strings.TrimSpace(raw.IntentDescription),
		UserID:            strings.TrimSpace(raw.UserID),
		Settings: Settings{
			Language:           strings.TrimSpace(raw.Settings.Language),
			ComplexityLevel:    strings.TrimSpace(raw.Settings.ComplexityLevel),
			OutputFormat:       strings.TrimSpace(raw.Settings.OutputFormat),
			CustomInstructions: strings.TrimSpace(raw.Settings.CustomInstructions),
			Template:           strings.TrimSpace(raw.Settings.Template),
		},
		Context: parseContextMap(raw.Context),
	}

	if hint := llm.ProviderID(strings.ToLower(strings.TrimSpace(raw.LLM))); hint != "" {
		for _, id := range llm.AllProviders {
			if hint == id {
				req.LLM = id
				break
			}
		}
	}

	wc, err := parseWordCount(raw.Settings.WordCount)
	if err != nil {
		return nil, err
	}
	req.Settings.WordCount = wc

	return req, nil
}

// parseContextMap coerces the context field to map[string]string. Non-string
// values are stringified; anything unparseable yields an empty map.
func parseContextMap(raw json.RawMessage) map[string]string {
	out := map[string]string{}
	if len(raw) == 0 {
		return out
	}

	var typed map[string]string
	if err := json.Unmarshal(raw, &typed); err == nil {
		return typed
	}

	var loose map[string]any
	if err := json.Unmarshal(raw, &loose); err != nil {
		return out
	}
	for k, v := range loose {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		}
	}
	return out
}

// parseWordCount accepts an integer, an integer-valued float, or a numeric
// string. Anything else is a validation error.
func parseWordCount(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		if f != float64(int(f)) || f < 0 {
			return 0, fmt.Errorf("settings.word_count must be a non-negative integer")
		}
		return int(f), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, convErr := strconv.Atoi(strings.TrimSpace(s))
		if convErr != nil || n < 0 {
			return 0, fmt.Errorf("settings.word_count must be a non-negative integer")
		}
		return n, nil
	}
	return 0, fmt.Errorf("settings.word_count must be a non-negative integer")
}
