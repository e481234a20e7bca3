package engine

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseOptions_UnknownPassthrough(t *testing.T) {
	raw := json.RawMessage(`{"resume":true,"model":"m-1","futureKnob":{"a":1},"maxTurns":3}`)

	opts, err := ParseOptions(raw)
	if err != nil {
		t.Fatalf("ParseOptions() error: %v", err)
	}
	if !opts.Resume || opts.Model != "m-1" || opts.MaxTurns != 3 {
		t.Errorf("known fields not parsed: %+v", opts)
	}
	if string(opts.Extra["futureKnob"]) != `{"a":1}` {
		t.Errorf("unknown field not kept verbatim: %s", opts.Extra["futureKnob"])
	}
	if _, ok := opts.Extra["model"]; ok {
		t.Error("known field leaked into Extra")
	}
}

func TestParseOptions_Empty(t *testing.T) {
	opts, err := ParseOptions(nil)
	if err != nil {
		t.Fatalf("ParseOptions(nil) error: %v", err)
	}
	if opts.Resume || opts.Model != "" || len(opts.Extra) != 0 {
		t.Errorf("empty options not zero: %+v", opts)
	}
}

func TestParseResult(t *testing.T) {
	raw := json.RawMessage(`{"type":"result","result":"answer","num_turns":2,"total_cost_usd":0.01,"usage":{"input_tokens":120,"output_tokens":45},"session_id":"s"}`)

	info, ok := ParseResult(raw)
	if !ok {
		t.Fatal("ParseResult() did not recognize a result payload")
	}
	if info.Text != "answer" || info.InputTokens != 120 || info.OutputTokens != 45 || info.CostUSD != 0.01 {
		t.Errorf("unexpected result info: %+v", info)
	}

	if _, ok := ParseResult(json.RawMessage(`{"type":"assistant"}`)); ok {
		t.Error("non-result payload recognized as result")
	}
}

func TestAssistantText(t *testing.T) {
	raw := json.RawMessage(`{"type":"assistant","message":{"content":[{"type":"text","text":"one "},{"type":"tool_use"},{"type":"text","text":"two"}]}}`)

	text, ok := AssistantText(raw)
	if !ok {
		t.Fatal("AssistantText() did not recognize assistant payload")
	}
	if text != "one two" {
		t.Errorf("AssistantText() = %q, want %q", text, "one two")
	}

	if _, ok := AssistantText(json.RawMessage(`{"type":"result"}`)); ok {
		t.Error("non-assistant payload yielded text")
	}
}

func TestPeekMeta(t *testing.T) {
	m := PeekMeta(json.RawMessage(`{"type":"system","subtype":"init","session_id":"eng-7"}`))
	if m.Type != "system" || m.Subtype != "init" || m.SessionID != "eng-7" {
		t.Errorf("PeekMeta() = %+v", m)
	}
	if m := PeekMeta(json.RawMessage(`garbage`)); m.Type != "" {
		t.Errorf("PeekMeta(garbage) = %+v, want zero", m)
	}
}

func TestCLIEngine_BuildArgs(t *testing.T) {
	e := NewCLIEngine("claude", "/tmp/w", nil)

	q := Query{
		Prompt: "do it",
		Options: Options{
			Model:                  "m-2",
			SystemPrompt:           "be brief",
			AllowedTools:           []string{"Read", "Bash"},
			MaxTurns:               4,
			Effort:                 "high",
			Extra:                  map[string]json.RawMessage{"x": json.RawMessage(`true`)},
			IncludePartialMessages: true,
		},
		ResumeSessionID: "eng-9",
	}
	args := e.buildArgs(q)
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-p do it",
		"--output-format stream-json",
		"--model m-2",
		"--resume eng-9",
		"--system-prompt be brief",
		"--allowedTools Read,Bash",
		"--max-turns 4",
		"--include-partial-messages",
		"--settings",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}

	// Settings blob carries effort and the unknown field.
	settings := args[len(args)-1]
	var blob map[string]json.RawMessage
	if err := json.Unmarshal([]byte(settings), &blob); err != nil {
		t.Fatalf("settings blob not JSON: %v", err)
	}
	if string(blob["effort"]) != `"high"` {
		t.Errorf("settings effort = %s", blob["effort"])
	}
	if string(blob["x"]) != `true` {
		t.Errorf("settings passthrough x = %s", blob["x"])
	}
}

func TestOptionsMarshalKeepsExtra(t *testing.T) {
	raw := json.RawMessage(`{"model":"m-1","futureKnob":{"a":1},"maxTurns":2}`)
	opts, err := ParseOptions(raw)
	if err != nil {
		t.Fatalf("ParseOptions() error: %v", err)
	}

	out, err := json.Marshal(opts)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	reparsed, err := ParseOptions(out)
	if err != nil {
		t.Fatalf("ParseOptions(marshaled) error: %v", err)
	}
	if reparsed.Model != "m-1" || reparsed.MaxTurns != 2 {
		t.Errorf("typed fields lost: %+v", reparsed)
	}
	if string(reparsed.Extra["futureKnob"]) != `{"a":1}` {
		t.Errorf("extra field lost: %s", reparsed.Extra["futureKnob"])
	}
}
