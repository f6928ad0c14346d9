// Package deepgram implements the Deepgram voice-agent Provider Session
// variant (§4.4.b): same provider.Session contract as realtimews, a
// different wire protocol, cost normalized to session_minutes with the
// text-token fields left at zero.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aiva-labs/voicebridge/internal/provider"
)

// Config configures one Deepgram Provider Session.
type Config struct {
	Endpoint string // wss://agent.deepgram.com/...
	APIKey   string
	Voice    string
	VADThreshold float64
	SilenceMS    int
}

// Session implements provider.Session over Deepgram's voice-agent socket.
type Session struct {
	cfg Config
	id  string

	sm *provider.StateMachine

	conn   *websocket.Conn
	connMu sync.Mutex

	events chan provider.Event

	sessionStart        time.Time
	lastReportedMinutes float64 // cumulative minutes already folded into the Ledger; readPump-only

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Dial opens the Deepgram agent WebSocket and starts the read pump.
func Dial(ctx context.Context, sessionID string, cfg Config) (*Session, error) {
	header := http.Header{}
	header.Set("Authorization", "Token "+cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.Endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:          cfg,
		id:           sessionID,
		sm:           provider.NewStateMachine(sessionID),
		conn:         conn,
		events:       make(chan provider.Event, 64),
		sessionStart: time.Now(),
		ctx:          sctx,
		cancel:       cancel,
	}
	go s.readPump()
	return s, nil
}

type settingsFrame struct {
	Type   string       `json:"type"`
	Agent  agentSettings `json:"agent"`
}

type agentSettings struct {
	Speak       speakSettings `json:"speak"`
	Think       thinkSettings `json:"think"`
	VADEvents   bool          `json:"vad_events"`
}

type speakSettings struct {
	Voice string `json:"voice"`
}

type thinkSettings struct {
	Instructions string               `json:"instructions"`
	Functions    []deepgramFunction   `json:"functions,omitempty"`
}

type deepgramFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type inboundFrame struct {
	Type string `json:"type"`

	// ConversationText carries both user and assistant turns.
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	FunctionName      string `json:"function_name,omitempty"`
	FunctionCallID    string `json:"function_call_id,omitempty"`
	Input             string `json:"input,omitempty"`
}

func (s *Session) Configure(ctx context.Context, instructions string, tools []provider.ToolSchema, format provider.AudioFormat) error {
	frame := settingsFrame{
		Type: "Settings",
		Agent: agentSettings{
			Speak:     speakSettings{Voice: s.cfg.Voice},
			Think:     thinkSettings{Instructions: instructions},
			VADEvents: true,
		},
	}
	for _, t := range tools {
		frame.Agent.Think.Functions = append(frame.Agent.Think.Functions, deepgramFunction{
			Name: t.Name, Description: t.Description, Parameters: t.Parameters,
		})
	}
	return s.writeJSON(frame)
}

// PushAudio sends a raw binary audio frame; Deepgram's agent API takes
// binary WebSocket frames rather than base64-in-JSON for audio.
func (s *Session) PushAudio(ctx context.Context, pcm16 []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm16)
}

// RequestResponse sends an InjectAgentMessage frame to kick off the
// greeting; after that the agent speaks on its own once VAD detects
// end-of-turn.
func (s *Session) RequestResponse(ctx context.Context) error {
	return s.writeJSON(map[string]any{"type": "InjectAgentMessage"})
}

func (s *Session) SubmitToolResult(ctx context.Context, callID string, result any) error {
	if err := s.writeJSON(map[string]any{
		"type":              "FunctionCallResponse",
		"function_call_id":  callID,
		"output":            result,
	}); err != nil {
		return err
	}
	return s.sm.Transition(provider.StateStreaming)
}

// InjectNote uses Deepgram's InjectAgentMessage to speak a late-arriving
// async function result without a second FunctionCallResponse on an
// already-resolved call id (§4.5).
func (s *Session) InjectNote(ctx context.Context, text string) error {
	return s.writeJSON(map[string]any{"type": "InjectAgentMessage", "message": text})
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.sm.Transition(provider.StateClosing)
		s.cancel()
		err = s.conn.Close()
		_ = s.sm.Transition(provider.StateClosed)
	})
	return err
}

func (s *Session) Events() <-chan provider.Event { return s.events }
func (s *Session) State() provider.State         { return s.sm.Current() }

func (s *Session) readPump() {
	defer close(s.events)
	defer func() { _ = s.sm.Transition(provider.StateClosed) }()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
			default:
				s.emitError(provider.ErrTransient, err.Error())
			}
			return
		}

		if msgType == websocket.BinaryMessage {
			_ = s.sm.Transition(provider.StateStreaming)
			s.events <- provider.Event{Kind: provider.EventAudioOut, AudioOut: data}
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("[Deepgram] Unparseable frame", "session", s.id, "error", err)
			continue
		}
		s.handleFrame(frame)
	}
}

func (s *Session) handleFrame(frame inboundFrame) {
	switch frame.Type {
	case "Welcome", "SettingsApplied":
		_ = s.sm.Transition(provider.StateReady)

	case "ConversationText":
		speaker := provider.SpeakerUser
		if frame.Role == "assistant" {
			speaker = provider.SpeakerAssistant
		}
		s.events <- provider.Event{Kind: provider.EventTranscript, Speaker: speaker, Text: frame.Content, Final: true}

	case "FunctionCallRequest":
		_ = s.sm.Transition(provider.StateAwaitingTool)
		s.events <- provider.Event{Kind: provider.EventFunctionCall, CallID: frame.FunctionCallID, Name: frame.FunctionName, Arguments: frame.Input}

	case "AgentAudioDone":
		// cumulative elapsed time, turned into a per-interval delta since
		// Ledger.Apply adds every CostDelta rather than replacing it
		// (reporting the cumulative value here would double-count on every
		// subsequent AgentAudioDone).
		cumulative := time.Since(s.sessionStart).Minutes()
		delta := cumulative - s.lastReportedMinutes
		s.lastReportedMinutes = cumulative
		s.events <- provider.Event{Kind: provider.EventCostMetric, Cost: provider.CostDelta{SessionMinutes: delta}}

	case "Error":
		s.emitError(provider.ErrTransient, frame.Content)

	default:
	}
}

func (s *Session) emitError(kind provider.ErrorKind, msg string) {
	_ = s.sm.Transition(provider.StateError)
	select {
	case s.events <- provider.Event{Kind: provider.EventError, ErrKind: kind, Message: msg}:
	default:
	}
}

func (s *Session) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

var _ provider.Session = (*Session)(nil)
