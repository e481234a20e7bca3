// Package engine defines the contract between the bridge host and the
// streaming query engine running inside a sandbox, plus the helpers that
// peek into the engine's otherwise-opaque message payloads.
package engine

import (
	"context"
	"encoding/json"
	"strings"
)

// Engine runs one query and emits each streaming message payload in order.
// Payloads are opaque NDJSON objects; the server never interprets them
// beyond the accounting helpers below. Run returns after the terminal
// message; the Result carries the engine's own session id for resume.
type Engine interface {
	Run(ctx context.Context, q Query, emit func(payload json.RawMessage) error) (*Result, error)
}

// Query is one prompt plus merged options. ResumeSessionID, when set, names
// the engine-native conversation to continue.
type Query struct {
	Prompt          string
	Options         Options
	ResumeSessionID string
}

// Result summarizes a finished query.
type Result struct {
	EngineSessionID string
}

// Options are the bridge query options the engine understands. Known fields
// are typed; everything else rides along in Extra and is handed to the
// engine verbatim.
type Options struct {
	Resume                 bool            `json:"resume,omitempty"`
	Model                  string          `json:"model,omitempty"`
	Effort                 string          `json:"effort,omitempty"`
	Thinking               json.RawMessage `json:"thinking,omitempty"`
	MaxTurns               int             `json:"maxTurns,omitempty"`
	MaxBudgetUSD           float64         `json:"maxBudgetUsd,omitempty"`
	AllowedTools           []string        `json:"allowedTools,omitempty"`
	DisallowedTools        []string        `json:"disallowedTools,omitempty"`
	Betas                  []string        `json:"betas,omitempty"`
	Agents                 json.RawMessage `json:"agents,omitempty"`
	Agent                  string          `json:"agent,omitempty"`
	OutputFormat           json.RawMessage `json:"outputFormat,omitempty"`
	SystemPrompt           string          `json:"systemPrompt,omitempty"`
	MCPServers             json.RawMessage `json:"mcpServers,omitempty"`
	IncludePartialMessages bool            `json:"includePartialMessages,omitempty"`
	PermissionWebhookURL   string          `json:"permissionWebhookUrl,omitempty"`
	HookWebhookURL         string          `json:"hookWebhookUrl,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// knownOptionKeys are the JSON names handled by the typed fields above.
var knownOptionKeys = map[string]bool{
	"resume": true, "model": true, "effort": true, "thinking": true,
	"maxTurns": true, "maxBudgetUsd": true, "allowedTools": true,
	"disallowedTools": true, "betas": true, "agents": true, "agent": true,
	"outputFormat": true, "systemPrompt": true, "mcpServers": true,
	"includePartialMessages": true, "permissionWebhookUrl": true,
	"hookWebhookUrl": true,
}

// ParseOptions decodes raw bridge options, keeping unknown keys in Extra.
func ParseOptions(raw json.RawMessage) (Options, error) {
	var o Options
	if len(raw) == 0 {
		return o, nil
	}
	if err := json.Unmarshal(raw, &o); err != nil {
		return o, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return o, err
	}
	for k, v := range all {
		if !knownOptionKeys[k] {
			if o.Extra == nil {
				o.Extra = make(map[string]json.RawMessage)
			}
			o.Extra[k] = v
		}
	}
	return o, nil
}

// MarshalJSON emits the typed fields and the Extra passthrough keys as one
// flat object, the inverse of ParseOptions.
func (o Options) MarshalJSON() ([]byte, error) {
	type plain Options
	base, err := json.Marshal(plain(o))
	if err != nil {
		return nil, err
	}
	if len(o.Extra) == 0 {
		return base, nil
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(base, &all); err != nil {
		return nil, err
	}
	for k, v := range o.Extra {
		if !knownOptionKeys[k] {
			all[k] = v
		}
	}
	return json.Marshal(all)
}

// Meta is the small envelope peeked out of an engine payload.
type Meta struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
}

// PeekMeta extracts the payload envelope; failures return a zero Meta.
func PeekMeta(raw json.RawMessage) Meta {
	var m Meta
	_ = json.Unmarshal(raw, &m)
	return m
}

// ResultInfo is the accounting view of a terminal result payload.
type ResultInfo struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	NumTurns     int
	IsError      bool
}

// ParseResult reads a result payload. ok is false when the payload is not a
// result message.
func ParseResult(raw json.RawMessage) (ResultInfo, bool) {
	var p struct {
		Type         string  `json:"type"`
		IsError      bool    `json:"is_error"`
		Result       string  `json:"result"`
		NumTurns     int     `json:"num_turns"`
		TotalCostUSD float64 `json:"total_cost_usd"`
		Usage        struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.Type != "result" {
		return ResultInfo{}, false
	}
	return ResultInfo{
		Text:         p.Result,
		InputTokens:  p.Usage.InputTokens,
		OutputTokens: p.Usage.OutputTokens,
		CostUSD:      p.TotalCostUSD,
		NumTurns:     p.NumTurns,
		IsError:      p.IsError,
	}, true
}

// AssistantText concatenates the text blocks of an assistant payload. ok is
// false for non-assistant messages or ones without text.
func AssistantText(raw json.RawMessage) (string, bool) {
	var p struct {
		Type    string `json:"type"`
		Message struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.Type != "assistant" {
		return "", false
	}
	var b strings.Builder
	for _, block := range p.Message.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}
