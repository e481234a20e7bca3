package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashrun/ash/internal/bridge"
	"github.com/ashrun/ash/internal/engine"
	"github.com/ashrun/ash/internal/logging"
	"github.com/ashrun/ash/internal/sandbox"
	"github.com/ashrun/ash/pkg/types"
)

// agentSettingsFile carries agent-level option defaults, read from the
// staged agent tree on every turn so redeploys take effect immediately.
const agentSettingsFile = "settings.json"

// drainTimeout bounds how long an aborted turn waits for the bridge's
// terminal event before giving up on it.
const drainTimeout = 10 * time.Second

// Stream receives the turn's server-sent events: "message" frames with the
// raw bridge payload, at most one "error", and a final "done".
type Stream interface {
	Send(event string, data []byte) error
}

// MessageRequest is one prompt plus per-message option overrides, the
// highest-precedence layer of the option merge.
type MessageRequest struct {
	Content string
	Options engine.Options
}

// SendMessage runs one turn: claim the session's turn slot, persist the
// user message, acquire a sandbox (cold-resuming a paused session if
// needed), issue the bridge query, and relay events to the stream while
// persisting them. Caller disconnect (ctx cancellation) aborts the query;
// partial assistant output is still persisted.
func (o *Orchestrator) SendMessage(ctx context.Context, tenant, sessionID string, req MessageRequest, stream Stream) error {
	sess, err := o.repo.GetSession(ctx, tenant, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == types.SessionEnded {
		return ErrSessionEnded
	}

	timer := logging.NewTurnTimer(o.cfg.DebugTiming, sessionID)
	defer timer.Emit()

	// Single-flight comes first: a rejected concurrent send must leave no
	// trace, neither a user row nor a bridge query.
	turnID := uuid.NewString()
	if err := o.beginTurn(ctx, tenant, sessionID, turnID); err != nil {
		return err
	}
	defer o.endTurn(context.Background(), sessionID, turnID)

	// The user message must be committed before anything streams back.
	if _, err := o.repo.InsertMessage(ctx, tenant, sessionID, types.RoleUser, req.Content); err != nil {
		return fmt.Errorf("session: persist user message: %w", err)
	}

	timer.Begin("acquire")
	sb, err := o.acquireForTurn(ctx, sess, timer)
	if err != nil {
		return err
	}
	timer.End("acquire")
	timer.SetSandbox(sb.ID)

	options, err := o.mergeOptions(req.Options, sess, sb)
	if err != nil {
		return err
	}
	rawOptions, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("session: encode query options: %w", err)
	}

	o.pool.MarkRunning(ctx, sb.ID)
	defer func() {
		o.pool.MarkWaiting(context.Background(), sb.ID)
		if err := o.repo.TouchSession(context.Background(), tenant, sessionID); err != nil {
			o.log.Warn().Str("session_id", sessionID).Err(err).Msg("touch session failed")
		}
	}()

	queryID, events, err := sb.Bridge.Query(ctx, req.Content, rawOptions)
	if err != nil {
		return err
	}
	return o.relayTurn(ctx, tenant, sess, sb, queryID, options.Model, events, stream, timer)
}

// acquireForTurn returns the session's live sandbox, cold-resuming when
// the process is gone. Paused sessions transition back to active.
func (o *Orchestrator) acquireForTurn(ctx context.Context, sess *types.Session, timer *logging.TurnTimer) (*sandbox.Sandbox, error) {
	if sb, ok := o.pool.GetBySession(sess.ID); ok {
		timer.SetPath("live")
		if sess.Status != types.SessionActive {
			if err := o.repo.UpdateSessionStatus(ctx, sess.TenantID, sess.ID, types.SessionActive, ""); err != nil {
				return nil, err
			}
			sess.Status = types.SessionActive
		}
		return sb, nil
	}

	timer.SetPath("cold")
	sb, err := o.coldResume(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := o.bindSandbox(ctx, sess, sb.ID, types.SessionActive); err != nil {
		return nil, err
	}
	o.pool.RecordResumeCold()
	return sb, nil
}

// relayTurn pumps bridge events to the stream until the terminal frame,
// persisting each event and the final assistant message.
func (o *Orchestrator) relayTurn(ctx context.Context, tenant string, sess *types.Session, sb *sandbox.Sandbox, queryID, model string, events <-chan bridge.Event, stream Stream, timer *logging.TurnTimer) error {
	var (
		assistantText strings.Builder
		resultText    string
		usage         *engine.ResultInfo
		first         = true
		aborted       = false
	)

	persistEvent := func(eventType string, data []byte) {
		if _, err := o.repo.InsertEvent(ctx, tenant, sess.ID, eventType, data); err != nil {
			o.log.Warn().Str("session_id", sess.ID).Err(err).Msg("event persist failed")
		}
	}

	handle := func(ev bridge.Event) bool {
		switch ev.Type {
		case bridge.TypeEvent:
			if first {
				timer.Mark("first_event")
				first = false
			}
			meta := engine.PeekMeta(ev.Payload)
			eventType := meta.Type
			if eventType == "" {
				eventType = "message"
			}
			persistEvent(eventType, ev.Payload)
			if text, ok := engine.AssistantText(ev.Payload); ok {
				assistantText.WriteString(text)
			}
			if info, ok := engine.ParseResult(ev.Payload); ok {
				usage = &info
				resultText = info.Text
			}
			if err := stream.Send("message", ev.Payload); err != nil {
				o.log.Debug().Str("session_id", sess.ID).Err(err).Msg("stream write failed, aborting turn")
				_ = sb.Bridge.Abort(queryID)
				aborted = true
			}
			return false
		case bridge.TypeError:
			data, _ := json.Marshal(map[string]string{"error": ev.Message, "kind": ev.ErrorKind})
			persistEvent("error", data)
			if err := stream.Send("error", data); err != nil {
				o.log.Debug().Str("session_id", sess.ID).Err(err).Msg("stream error write failed")
			}
			return true
		default: // bridge.TypeDone
			return true
		}
	}

loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if handle(ev) {
				break loop
			}
		case <-ctx.Done():
			// Caller went away; cancel cooperatively and drain so the
			// bridge frees its single-flight slot and we keep partials.
			aborted = true
			_ = sb.Bridge.Abort(queryID)
			drain := time.NewTimer(drainTimeout)
			for {
				select {
				case ev, ok := <-events:
					if !ok || ev.Terminal() {
						drain.Stop()
						break loop
					}
					if text, t := engine.AssistantText(ev.Payload); t {
						assistantText.WriteString(text)
					}
				case <-drain.C:
					o.log.Warn().Str("session_id", sess.ID).Msg("aborted turn never sent terminal event")
					break loop
				}
			}
		}
	}

	content := resultText
	if content == "" {
		content = assistantText.String()
	}
	if content != "" {
		pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := o.repo.InsertMessage(pctx, tenant, sess.ID, types.RoleAssistant, content); err != nil {
			o.log.Warn().Str("session_id", sess.ID).Err(err).Msg("assistant message persist failed")
		}
	}
	if usage != nil {
		o.recordUsage(tenant, sess.ID, usage, model)
	}

	if !aborted {
		done, _ := json.Marshal(map[string]string{"sessionId": sess.ID})
		if err := stream.Send("done", done); err != nil {
			o.log.Debug().Str("session_id", sess.ID).Err(err).Msg("done write failed")
		}
	}
	return nil
}

// recordUsage persists one accounting row. Rows start unsynced so the
// runner's publisher can ship them; solo nodes have no publisher and the
// rows simply stay local.
func (o *Orchestrator) recordUsage(tenant, sessionID string, info *engine.ResultInfo, model string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ev := &types.UsageEvent{
		TenantID:     tenant,
		SessionID:    sessionID,
		RunnerID:     o.cfg.RunnerID,
		Model:        model,
		InputTokens:  info.InputTokens,
		OutputTokens: info.OutputTokens,
		CostUSD:      info.CostUSD,
		NumTurns:     info.NumTurns,
	}
	if err := o.repo.InsertUsageEvent(ctx, ev); err != nil {
		o.log.Warn().Str("session_id", sessionID).Err(err).Msg("usage persist failed")
	}
}

// mergeOptions layers query options lowest to highest: agent settings
// file, session config, session model, per-message overrides. Resume is
// decided here: anything but the process's first query continues the
// engine conversation.
func (o *Orchestrator) mergeOptions(msg engine.Options, sess *types.Session, sb *sandbox.Sandbox) (engine.Options, error) {
	merged := o.agentSettings(sess.AgentName)
	applySessionConfig(&merged, sess)
	applyMessageOptions(&merged, msg)
	merged.Resume = sb.Bridge.QueriesServed() > 0
	return merged, nil
}

// agentSettings reads option defaults from the staged agent's
// settings.json; a missing or malformed file contributes nothing.
func (o *Orchestrator) agentSettings(agentName string) engine.Options {
	raw, err := os.ReadFile(filepath.Join(o.stagedDir(agentName), agentSettingsFile))
	if err != nil {
		return engine.Options{}
	}
	opts, err := engine.ParseOptions(raw)
	if err != nil {
		o.log.Warn().Str("agent", agentName).Err(err).Msg("agent settings.json is malformed, ignoring")
		return engine.Options{}
	}
	return opts
}

func applySessionConfig(dst *engine.Options, sess *types.Session) {
	if sess.Model != "" {
		dst.Model = sess.Model
	}
	cfg := sess.Config
	if cfg == nil {
		return
	}
	if cfg.SystemPrompt != "" {
		dst.SystemPrompt = cfg.SystemPrompt
	}
	if len(cfg.MCPServers) > 0 {
		if raw, err := json.Marshal(cfg.MCPServers); err == nil {
			dst.MCPServers = raw
		}
	}
	if len(cfg.AllowedTools) > 0 {
		dst.AllowedTools = cfg.AllowedTools
	}
	if len(cfg.DisallowedTools) > 0 {
		dst.DisallowedTools = cfg.DisallowedTools
	}
	if len(cfg.Betas) > 0 {
		dst.Betas = cfg.Betas
	}
	if len(cfg.Agents) > 0 {
		if raw, err := json.Marshal(cfg.Agents); err == nil {
			dst.Agents = raw
		}
	}
	if cfg.Agent != "" {
		dst.Agent = cfg.Agent
	}
	if cfg.PermissionWebhookURL != "" {
		dst.PermissionWebhookURL = cfg.PermissionWebhookURL
	}
	if cfg.HookWebhookURL != "" {
		dst.HookWebhookURL = cfg.HookWebhookURL
	}
	for k, v := range cfg.Extra {
		if raw, err := json.Marshal(v); err == nil {
			if dst.Extra == nil {
				dst.Extra = make(map[string]json.RawMessage)
			}
			dst.Extra[k] = raw
		}
	}
}

func applyMessageOptions(dst *engine.Options, msg engine.Options) {
	if msg.Model != "" {
		dst.Model = msg.Model
	}
	if msg.Effort != "" {
		dst.Effort = msg.Effort
	}
	if len(msg.Thinking) > 0 {
		dst.Thinking = msg.Thinking
	}
	if msg.MaxTurns > 0 {
		dst.MaxTurns = msg.MaxTurns
	}
	if msg.MaxBudgetUSD > 0 {
		dst.MaxBudgetUSD = msg.MaxBudgetUSD
	}
	if len(msg.OutputFormat) > 0 {
		dst.OutputFormat = msg.OutputFormat
	}
	if msg.IncludePartialMessages {
		dst.IncludePartialMessages = true
	}
	for k, v := range msg.Extra {
		if dst.Extra == nil {
			dst.Extra = make(map[string]json.RawMessage)
		}
		dst.Extra[k] = v
	}
}
