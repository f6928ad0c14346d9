// Package realtimews implements the single-endpoint duplex Provider Session
// variant (§4.4.a) against an OpenAI Realtime-style WebSocket API. Wire
// encoding is this package's own concern; it normalizes everything to the
// provider.Session contract.
package realtimews

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aiva-labs/voicebridge/internal/provider"
)

// Config configures one Realtime-WS Provider Session.
type Config struct {
	Endpoint  string // wss://... realtime endpoint
	APIKey    string
	Model     string
	Voice     string
	VADThreshold   float64
	SilenceMS      int
}

// Session implements provider.Session over a single OpenAI-style realtime
// WebSocket connection.
type Session struct {
	cfg Config
	id  string

	sm *provider.StateMachine

	conn   *websocket.Conn
	connMu sync.Mutex // serializes writes; gorilla conns require one writer

	events chan provider.Event

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// Dial opens the WebSocket and starts the read pump. The returned Session
// is in StateConnecting until the provider acknowledges session creation,
// at which point it moves to StateReady.
func Dial(ctx context.Context, sessionID string, cfg Config) (*Session, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("realtimews: parse endpoint: %w", err)
	}
	q := u.Query()
	if cfg.Model != "" {
		q.Set("model", cfg.Model)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("realtimews: dial: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		id:     sessionID,
		sm:     provider.NewStateMachine(sessionID),
		conn:   conn,
		events: make(chan provider.Event, 64),
		ctx:    sctx,
		cancel: cancel,
	}

	go s.readPump()
	return s, nil
}

// --- wire frames -----------------------------------------------------

type sessionUpdateFrame struct {
	Type    string      `json:"type"`
	Session sessionBody `json:"session"`
}

type sessionBody struct {
	Instructions      string       `json:"instructions"`
	Voice             string       `json:"voice,omitempty"`
	Modalities        []string     `json:"modalities"`
	InputAudioFormat  string       `json:"input_audio_format"`
	OutputAudioFormat string       `json:"output_audio_format"`
	Tools             []toolFrame  `json:"tools,omitempty"`
	TurnDetection     *turnDetect  `json:"turn_detection,omitempty"`
}

type toolFrame struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type turnDetect struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type inboundFrame struct {
	Type  string          `json:"type"`
	Delta string          `json:"delta,omitempty"`
	Text  string          `json:"text,omitempty"`

	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	Response *responseCompleteBody `json:"response,omitempty"`

	Error *errorBody `json:"error,omitempty"`
}

type responseCompleteBody struct {
	Usage struct {
		InputTokens       int64 `json:"input_tokens"`
		OutputTokens      int64 `json:"output_tokens"`
		InputTokenDetails struct {
			CachedTokens int64 `json:"cached_tokens"`
		} `json:"input_token_details"`
	} `json:"usage"`
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// --- provider.Session -------------------------------------------------

// Configure sends the session.update frame composing instructions, tools,
// voice, and VAD settings (§4.4.a). Idempotent; valid only in ready.
func (s *Session) Configure(ctx context.Context, instructions string, tools []provider.ToolSchema, format provider.AudioFormat) error {
	frame := sessionUpdateFrame{
		Type: "session.update",
		Session: sessionBody{
			Instructions:      instructions,
			Voice:             s.cfg.Voice,
			Modalities:        []string{"audio", "text"},
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection: &turnDetect{
				Type:              "server_vad",
				Threshold:         s.cfg.VADThreshold,
				SilenceDurationMS: s.cfg.SilenceMS,
			},
		},
	}
	for _, t := range tools {
		frame.Session.Tools = append(frame.Session.Tools, toolFrame{
			Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters,
		})
	}
	return s.writeJSON(frame)
}

// PushAudio sends an input_audio_buffer.append event.
func (s *Session) PushAudio(ctx context.Context, pcm16 []byte) error {
	return s.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": encodeBase64(pcm16),
	})
}

// RequestResponse asks the provider to produce a spoken turn (greeting kickoff).
func (s *Session) RequestResponse(ctx context.Context) error {
	return s.writeJSON(map[string]any{"type": "response.create"})
}

// SubmitToolResult posts a conversation item with the function's output and
// asks for a follow-up response, per §4.4.a.
func (s *Session) SubmitToolResult(ctx context.Context, callID string, result any) error {
	if err := s.writeJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  mustJSON(result),
		},
	}); err != nil {
		return err
	}
	if err := s.sm.Transition(provider.StateStreaming); err != nil {
		return err
	}
	return s.writeJSON(map[string]any{"type": "response.create"})
}

// InjectNote posts text as a system conversation item and asks for a new
// response, for an async function result arriving after its call id already
// got an {accepted: true} submit_tool_result (§4.5).
func (s *Session) InjectNote(ctx context.Context, text string) error {
	if err := s.writeJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "system",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}); err != nil {
		return err
	}
	return s.writeJSON(map[string]any{"type": "response.create"})
}

// Close initiates draining and closes the underlying socket. Idempotent.
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

// readPump decodes inbound frames and republishes them as provider.Event,
// driving the state machine's streaming/awaiting-tool transitions.
func (s *Session) readPump() {
	defer close(s.events)
	defer func() { _ = s.sm.Transition(provider.StateClosed) }()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
			default:
				s.emitError(provider.ErrTransient, err.Error())
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("[RealtimeWS] Unparseable frame", "session", s.id, "error", err)
			continue
		}

		s.handleFrame(frame)
	}
}

func (s *Session) handleFrame(frame inboundFrame) {
	switch frame.Type {
	case "session.created", "session.updated":
		_ = s.sm.Transition(provider.StateReady)

	case "response.audio.delta":
		_ = s.sm.Transition(provider.StateStreaming)
		s.events <- provider.Event{Kind: provider.EventAudioOut, AudioOut: decodeBase64(frame.Delta)}

	case "response.audio_transcript.delta":
		s.events <- provider.Event{Kind: provider.EventTranscript, Speaker: provider.SpeakerAssistant, Text: frame.Delta, Final: false}

	case "response.audio_transcript.done":
		s.events <- provider.Event{Kind: provider.EventTranscript, Speaker: provider.SpeakerAssistant, Text: frame.Text, Final: true}

	case "conversation.item.input_audio_transcription.completed":
		s.events <- provider.Event{Kind: provider.EventTranscript, Speaker: provider.SpeakerUser, Text: frame.Text, Final: true}

	case "response.function_call_arguments.done":
		_ = s.sm.Transition(provider.StateAwaitingTool)
		s.events <- provider.Event{Kind: provider.EventFunctionCall, CallID: frame.CallID, Name: frame.Name, Arguments: frame.Arguments}

	case "response.done":
		if frame.Response != nil {
			u := frame.Response.Usage
			s.events <- provider.Event{Kind: provider.EventCostMetric, Cost: provider.CostDelta{
				TextInputTokens:   u.InputTokens,
				TextOutputTokens:  u.OutputTokens,
				CachedInputTokens: u.InputTokenDetails.CachedTokens,
			}}
		}

	case "error":
		kind := provider.ErrTransient
		msg := ""
		if frame.Error != nil {
			msg = frame.Error.Message
			switch frame.Error.Type {
			case "invalid_request_error":
				kind = provider.ErrAuth
			case "insufficient_quota":
				kind = provider.ErrQuota
			case "rate_limit_exceeded":
				kind = provider.ErrRateLimit
			}
		}
		s.emitError(kind, msg)

	default:
		// Unrecognized frame types are ignored; the protocol is additive.
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
