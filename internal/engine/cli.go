package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ashrun/ash/internal/logging"
)

// maxLineBytes bounds one NDJSON line from the engine. Tool results can be
// large; partial-message mode stays well under this.
const maxLineBytes = 8 << 20

// CLIEngine shells out to a streaming agent CLI (claude by default) with
// stream-json output and relays each stdout line as one opaque payload.
type CLIEngine struct {
	Command string
	WorkDir string
	Env     []string

	log zerolog.Logger
}

// NewCLIEngine builds an engine around the given command, executing in
// workDir with the provided extra environment.
func NewCLIEngine(command, workDir string, env []string) *CLIEngine {
	if command == "" {
		command = "claude"
	}
	return &CLIEngine{
		Command: command,
		WorkDir: workDir,
		Env:     env,
		log:     logging.WithComponent("engine"),
	}
}

// Run executes one query. Each stdout line is emitted in order; the engine
// session id is captured from the first payload that carries one.
func (e *CLIEngine) Run(ctx context.Context, q Query, emit func(payload json.RawMessage) error) (*Result, error) {
	args := e.buildArgs(q)

	cmd := exec.CommandContext(ctx, e.Command, args...)
	cmd.Dir = e.WorkDir
	cmd.Env = append(os.Environ(), e.Env...)
	// Own process group so cancellation reaps engine children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine: start %s: %w", e.Command, err)
	}
	e.log.Debug().Str("command", e.Command).Int("args", len(args)).Msg("engine started")

	result := &Result{}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var emitErr error
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		payload := json.RawMessage(append([]byte(nil), line...))
		if meta := PeekMeta(payload); meta.SessionID != "" {
			result.EngineSessionID = meta.SessionID
		}
		if emitErr == nil {
			if err := emit(payload); err != nil {
				// Stop forwarding but keep draining so the engine can
				// finish and we observe its exit status.
				emitErr = err
			}
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	switch {
	case ctx.Err() != nil:
		return result, fmt.Errorf("engine: query cancelled: %w", ctx.Err())
	case waitErr != nil:
		return result, fmt.Errorf("engine: %s exited: %w (%s)", e.Command, waitErr, stderrTail(&stderr))
	case scanErr != nil:
		return result, fmt.Errorf("engine: read stream: %w", scanErr)
	case emitErr != nil:
		return result, emitErr
	}
	return result, nil
}

// buildArgs maps bridge options onto CLI flags. Options without a dedicated
// flag travel in one --settings JSON blob so unknown fields reach the engine
// verbatim.
func (e *CLIEngine) buildArgs(q Query) []string {
	o := q.Options
	args := []string{"-p", q.Prompt, "--output-format", "stream-json", "--verbose"}

	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if q.ResumeSessionID != "" {
		args = append(args, "--resume", q.ResumeSessionID)
	}
	if o.SystemPrompt != "" {
		args = append(args, "--system-prompt", o.SystemPrompt)
	}
	if len(o.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(o.AllowedTools, ","))
	}
	if len(o.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(o.DisallowedTools, ","))
	}
	if o.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(o.MaxTurns))
	}
	if len(o.MCPServers) > 0 {
		args = append(args, "--mcp-config", string(o.MCPServers))
	}
	if o.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}

	if settings := e.settingsBlob(o); settings != "" {
		args = append(args, "--settings", settings)
	}
	return args
}

// settingsBlob folds the flagless options plus unknown passthrough fields
// into one JSON object.
func (e *CLIEngine) settingsBlob(o Options) string {
	settings := make(map[string]json.RawMessage)
	put := func(key string, v any) {
		data, err := json.Marshal(v)
		if err == nil {
			settings[key] = data
		}
	}

	if o.Effort != "" {
		put("effort", o.Effort)
	}
	if len(o.Thinking) > 0 {
		settings["thinking"] = o.Thinking
	}
	if o.MaxBudgetUSD > 0 {
		put("maxBudgetUsd", o.MaxBudgetUSD)
	}
	if len(o.Betas) > 0 {
		put("betas", o.Betas)
	}
	if len(o.Agents) > 0 {
		settings["agents"] = o.Agents
	}
	if o.Agent != "" {
		put("agent", o.Agent)
	}
	if len(o.OutputFormat) > 0 {
		settings["outputFormat"] = o.OutputFormat
	}
	if o.PermissionWebhookURL != "" {
		put("permissionWebhookUrl", o.PermissionWebhookURL)
	}
	if o.HookWebhookURL != "" {
		put("hookWebhookUrl", o.HookWebhookURL)
	}
	for k, v := range o.Extra {
		settings[k] = v
	}

	if len(settings) == 0 {
		return ""
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return ""
	}
	return string(data)
}

func stderrTail(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	if len(s) > 512 {
		s = "..." + s[len(s)-512:]
	}
	if s == "" {
		return "no stderr"
	}
	return s
}
