// Package connection implements the Connection (per-call orchestrator) and
// the Connection Manager that owns the endpoint->Connection map (§3 "Connection",
// §4.6).
//
// A mutex-guarded map of per-call objects, one background goroutine per
// object, atomic bookkeeping, and the "[Component] message" slog idiom
// carry through from a PBX<->Provider Session orchestrator down to each
// Connection's own single ordered work queue (§5).
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aiva-labs/voicebridge/internal/audio"
	"github.com/aiva-labs/voicebridge/internal/billing"
	"github.com/aiva-labs/voicebridge/internal/functions"
	"github.com/aiva-labs/voicebridge/internal/mgmtapi"
	"github.com/aiva-labs/voicebridge/internal/provider"
	"github.com/aiva-labs/voicebridge/internal/rtp"
)

// Observer receives lifecycle and activity notifications for Observability
// (§6.5). The Connection Manager wires a concrete implementation in; nil is
// a valid no-op observer for tests.
type Observer interface {
	ConnectionAdded(c *Connection)
	ConnectionUpdated(c *Connection)
	ConnectionRemoved(c *Connection)
	Transcript(c *Connection, speaker provider.Speaker, text string, final bool)
	CostUpdate(c *Connection, snap billing.Snapshot)
	FunctionCall(c *Connection, callID, name, arguments string)
	FunctionResponse(c *Connection, callID string, result functions.Result)
}

// Deps bundles the process-wide singletons a Connection needs but does not
// own (§5 "shared resources").
type Deps struct {
	Transport  *rtp.Transport
	MgmtClient *mgmtapi.Client
	Executor   *functions.Executor
	Observer   Observer
	CreditGate *billing.CreditGate
}

// task is one unit of work on a Connection's ordered queue (§5).
type task func()

// Connection is the per-call orchestrator. It exclusively owns a Provider
// Session, a Session Ledger, a call-log id, a function context, and its
// Endpoint (§3 Ownership).
type Connection struct {
	ID           string // session id
	Endpoint     rtp.Endpoint
	TenantID     string
	AgentID      string
	CallerID     string
	AsteriskPort int
	CallLogID    string
	Variant      string

	Session provider.Session
	Ledger  *billing.Ledger
	FnCtx   functions.Context

	// ExecutionModes records each registered function's §4.5 execution
	// mode ("sync"/"async"). Functions absent from the map (including the
	// fixed inline built-ins) run sync.
	ExecutionModes map[string]string

	deps Deps

	// providerInRateHz/providerOutRateHz are the PCM16 rates the Provider
	// Session expects on push_audio and produces on audio_out
	// respectively. They are equal for the duplex variants (realtimews,
	// deepgram) but can differ for the composite variant, whose STT and
	// TTS legs may run at different native rates (§4.2, §4.4.c).
	providerInRateHz  int
	providerOutRateHz int
	outFramer         *audio.Framer

	queue     chan task
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    bool

	mu             sync.Mutex
	outstandingIDs map[string]bool

	// transcript is only appended to from handleProviderEvent, which runs
	// exclusively on the work queue, so it needs no lock of its own.
	transcript []transcriptLine
}

// transcriptLine is one finalized turn, folded into the call-log update's
// provider_metadata at teardown (§9: no dedicated transcript endpoint is
// named in §6.3, so this rides along with the existing call update).
type transcriptLine struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// New constructs a Connection. It does not start any goroutines; call Start.
func New(id string, ep rtp.Endpoint, agentID string, deps Deps, session provider.Session, ledger *billing.Ledger, fnCtx functions.Context, variant string, providerInRateHz, providerOutRateHz int) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		ID:                id,
		Endpoint:          ep,
		TenantID:          fnCtx.TenantID,
		AgentID:           agentID,
		CallerID:          fnCtx.CallerID,
		AsteriskPort:      fnCtx.AsteriskPort,
		Variant:           variant,
		Session:           session,
		Ledger:            ledger,
		FnCtx:             fnCtx,
		deps:              deps,
		providerInRateHz:  providerInRateHz,
		providerOutRateHz: providerOutRateHz,
		ExecutionModes:    make(map[string]string),
		outFramer:         audio.NewFramer(),
		queue:             make(chan task, 256),
		ctx:               ctx,
		cancel:            cancel,
		outstandingIDs:    make(map[string]bool),
	}
}

// Start launches the Connection's single work-queue worker and its
// Provider-event pump, preserving the §5 ordering guarantees.
func (c *Connection) Start() {
	c.wg.Add(2)
	go c.runQueue()
	go c.pumpProviderEvents()
}

// enqueue submits fn to the ordered work queue. Submissions after Close are
// silently dropped.
func (c *Connection) enqueue(fn task) {
	select {
	case c.queue <- fn:
	case <-c.ctx.Done():
	}
}

func (c *Connection) runQueue() {
	defer c.wg.Done()
	for {
		select {
		case fn := <-c.queue:
			fn()
		case <-c.ctx.Done():
			return
		}
	}
}

// HandleInboundAudio is called by the Connection Manager for every RTP
// audio event on this Connection's endpoint (§4.6 handle_audio). It decodes
// μ-law, resamples to the provider's rate, and pushes the frame, preserving
// per-endpoint arrival order by running entirely inside the work queue.
func (c *Connection) HandleInboundAudio(payload []byte) {
	c.enqueue(func() {
		pcm8k := audio.ULawToPCM16(payload)
		pcm := audio.Resample(pcm8k, audio.PBX.SampleRate, c.providerInRateHz)
		if err := c.Session.PushAudio(c.ctx, pcm); err != nil {
			slog.Warn("[Connection] push_audio failed", "session", c.ID, "error", err)
			return
		}
		c.Ledger.Apply(provider.CostDelta{AudioInputSeconds: audio.PBX.SampleDur.Seconds()})
	})
}

// pumpProviderEvents drains the Provider Session's event channel and
// serializes handling onto the work queue, so provider events never
// interleave with audio handling or function-call resolutions (§5).
func (c *Connection) pumpProviderEvents() {
	defer c.wg.Done()
	for {
		select {
		case ev, ok := <-c.Session.Events():
			if !ok {
				return
			}
			ev := ev
			c.enqueue(func() { c.handleProviderEvent(ev) })
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) handleProviderEvent(ev provider.Event) {
	switch ev.Kind {
	case provider.EventAudioOut:
		c.handleAudioOut(ev.AudioOut)
	case provider.EventTranscript:
		if ev.Final {
			c.transcript = append(c.transcript, transcriptLine{Speaker: string(ev.Speaker), Text: ev.Text})
		}
		if c.deps.Observer != nil {
			c.deps.Observer.Transcript(c, ev.Speaker, ev.Text, ev.Final)
		}
	case provider.EventFunctionCall:
		c.handleFunctionCall(ev)
	case provider.EventCostMetric:
		c.Ledger.Apply(ev.Cost)
		if c.deps.Observer != nil {
			c.deps.Observer.CostUpdate(c, c.Ledger.Snapshot())
		}
	case provider.EventDone:
		slog.Info("[Connection] Provider signalled done", "session", c.ID)
		go c.Close("provider_done")
	case provider.EventError:
		slog.Warn("[Connection] Provider error", "session", c.ID, "kind", ev.ErrKind, "message", ev.Message)
		go c.Close("provider_error")
	}
}

// handleAudioOut resamples provider audio down to the PBX's 8kHz mono and
// frames it into fixed 20ms μ-law packets before handing it to the
// Transport (§4.2 framing requirement, §8 invariant 3).
func (c *Connection) handleAudioOut(pcm []byte) {
	pcm8k := audio.Resample(pcm, c.providerOutRateHz, audio.PBX.SampleRate)
	for _, frame := range c.outFramer.Push(pcm8k) {
		if err := c.deps.Transport.Send(c.Endpoint, frame); err != nil {
			slog.Warn("[Connection] RTP send failed", "session", c.ID, "error", err)
			return
		}
	}
	c.Ledger.Apply(provider.CostDelta{AudioOutputSeconds: float64(len(pcm)) / float64(c.providerOutRateHz*2)})
}

// handleFunctionCall dispatches a provider-requested tool call through the
// Executor and submits the result, tracking call ids so every submission
// corresponds to a call the provider actually emitted (§8 invariant 5).
func (c *Connection) handleFunctionCall(ev provider.Event) {
	c.mu.Lock()
	c.outstandingIDs[ev.CallID] = true
	c.mu.Unlock()

	if c.deps.Observer != nil {
		c.deps.Observer.FunctionCall(c, ev.CallID, ev.Name, ev.Arguments)
	}

	call := functions.Call{ID: ev.CallID, Name: ev.Name, Arguments: []byte(ev.Arguments)}

	if c.ExecutionModes[ev.Name] == "async" {
		c.handleAsyncFunctionCall(ev, call)
		return
	}

	result := c.deps.Executor.Invoke(c.ctx, c.FnCtx, call, 0)
	c.resolveFunctionCall(ev, result)
}

// handleAsyncFunctionCall submits an immediate {accepted:true} result so the
// provider's tool-response window isn't blocked, runs the handler on a
// background scheduling slot, and weaves the eventual outcome into a later
// conversation turn via InjectNote rather than a second submit_tool_result
// on the same call id (§4.5, §8 invariant 5).
func (c *Connection) handleAsyncFunctionCall(ev provider.Event, call functions.Call) {
	ack := c.deps.Executor.InvokeAsync(c.ctx, c.FnCtx, call, func(followUp functions.AsyncFollowUp) {
		c.enqueue(func() {
			if c.deps.Observer != nil {
				c.deps.Observer.FunctionResponse(c, followUp.CallID, followUp.Result)
			}
			note := fmt.Sprintf("Result for %s: %s", ev.Name, summarizeResult(followUp.Result))
			if err := c.Session.InjectNote(c.ctx, note); err != nil {
				slog.Warn("[Connection] inject_note failed", "session", c.ID, "call_id", followUp.CallID, "error", err)
			}
			if c.CallLogID != "" {
				argsJSON, _ := json.Marshal(ev.Arguments)
				outcome := "success"
				if !followUp.Result.Success {
					outcome = "error:" + followUp.Result.Error
				}
				_ = c.deps.MgmtClient.RecordFunctionCall(c.ctx, c.CallLogID, mgmtapi.FunctionCallRecord{
					Name:      ev.Name,
					Arguments: string(argsJSON),
					Outcome:   outcome,
				})
			}
		})
	})
	c.resolveFunctionCall(ev, ack)
}

func summarizeResult(result functions.Result) string {
	if !result.Success {
		return "error: " + result.Error
	}
	data, err := json.Marshal(result.Data)
	if err != nil {
		return "completed"
	}
	return string(data)
}

// resolveFunctionCall submits result as the tool resolution for ev.CallID,
// guarding against duplicate or unsolicited submissions (§8 invariant 5) and
// recording the outcome on the call log.
func (c *Connection) resolveFunctionCall(ev provider.Event, result functions.Result) {
	c.mu.Lock()
	solicited := c.outstandingIDs[ev.CallID]
	delete(c.outstandingIDs, ev.CallID)
	c.mu.Unlock()
	if !solicited {
		return
	}

	if c.deps.Observer != nil {
		c.deps.Observer.FunctionResponse(c, ev.CallID, result)
	}

	if err := c.Session.SubmitToolResult(c.ctx, ev.CallID, result); err != nil {
		slog.Warn("[Connection] submit_tool_result failed", "session", c.ID, "call_id", ev.CallID, "error", err)
	}

	if c.CallLogID != "" {
		argsJSON, _ := json.Marshal(ev.Arguments)
		outcome := "success"
		if !result.Success {
			outcome = "error:" + result.Error
		}
		_ = c.deps.MgmtClient.RecordFunctionCall(c.ctx, c.CallLogID, mgmtapi.FunctionCallRecord{
			Name:      ev.Name,
			Arguments: string(argsJSON),
			Outcome:   outcome,
		})
	}
}

// Touch resets the ledger's idle clock; called by the Manager on any RTP
// activity even when the event itself carries no billable audio (§4.10).
func (c *Connection) Touch() {
	c.Ledger.Touch()
}

// Close tears the Connection down exactly once (§8 idempotence, §9 Open
// Question on the hangup/RTP-silence teardown race): cancels the Provider
// Session and all in-flight work, releases the endpoint, finalizes the
// Ledger, updates the call log, and deducts credits.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		slog.Info("[Connection] Closing", "session", c.ID, "reason", reason)
		c.cancel()
		c.wg.Wait()

		_ = c.Session.Close()
		if flushed := c.outFramer.Flush(); flushed != nil {
			_ = c.deps.Transport.Send(c.Endpoint, flushed)
		}
		c.deps.Transport.Release(c.Endpoint)

		snap := c.Ledger.Finalize()
		if c.deps.Observer != nil {
			c.deps.Observer.CostUpdate(c, snap)
		}

		if c.CallLogID != "" {
			status := "completed"
			if reason == "provider_error" {
				status = "failed"
			}
			update := mgmtapi.CallUpdate{
				DurationSeconds: c.Ledger.DurationSeconds(),
				FinalStatus:     status,
				CostBreakdown: map[string]any{
					"base_cost":     snap.BaseCost,
					"profit_amount": snap.ProfitAmount,
					"final_cost":    snap.FinalCost,
				},
				ProviderMetrics: map[string]any{
					"audio_input_seconds":  snap.AudioInputSeconds,
					"audio_output_seconds": snap.AudioOutputSeconds,
					"text_input_tokens":    snap.TextInputTokens,
					"text_output_tokens":   snap.TextOutputTokens,
					"cached_input_tokens":  snap.CachedInputTokens,
					"session_minutes":      snap.SessionMinutes,
				},
				ProviderMetadata: map[string]any{
					"transcript": c.transcript,
				},
			}
			if err := c.deps.MgmtClient.UpdateCall(context.Background(), c.ID, update); err != nil {
				slog.Warn("[Connection] call-log finalize failed", "session", c.ID, "error", err)
			}
		}

		if c.deps.CreditGate != nil && snap.FinalCost > 0 {
			if _, err := c.deps.CreditGate.Deduct(context.Background(), c.TenantID, snap.FinalCost, c.CallLogID); err != nil {
				slog.Warn("[Connection] credit deduct failed", "session", c.ID, "error", err)
			}
		}

		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		if c.deps.Observer != nil {
			c.deps.Observer.ConnectionRemoved(c)
		}
	})
}

// IsClosed reports whether Close has already run to completion.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ComposeInstructions builds the §4.4 system prompt: caller-info block,
// custom-context block, agent instructions, and the two fixed clauses.
func ComposeInstructions(agent *mgmtapi.AgentRecord, sessionID, callerID string, customData map[string]string, startedAt time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Caller: %s\nSession: %s\nStarted: %s\n\n", callerID, sessionID, startedAt.Format(time.RFC3339))

	if len(customData) > 0 {
		var keys []string
		for k := range customData {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, customData[k])
		}
		b.WriteString("\n")
	}

	b.WriteString(agent.Instructions)
	b.WriteString("\n\nOnly answer questions within the scope of your configured role; if the caller asks for something out of scope, offer to transfer them.")
	b.WriteString("\nIf the caller explicitly asks to be transferred, confirm which queue once, then call transfer_to_agent.")

	return b.String()
}
