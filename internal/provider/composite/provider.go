// Package composite implements the STT+LLM+TTS pipeline Provider Session
// variant (§4.4.c). It owns three sub-clients internally — a streaming STT
// WebSocket, a non-streaming LLM chat client, and a TTS client — and
// stitches them into the single provider.Session contract the Connection
// Manager consumes, so callers never see the three legs.
package composite

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	openai "github.com/sashabaranov/go-openai"

	"github.com/aiva-labs/voicebridge/internal/provider"
)

// Config configures the three legs of a composite Provider Session.
type Config struct {
	STTEndpoint     string // wss://... streaming STT
	STTAPIKey       string
	LanguageHints   []string

	LLMBaseURL string // OpenAI-compatible chat completions endpoint
	LLMAPIKey  string
	LLMModel   string

	TTSEndpoint    string // HTTP TTS endpoint
	TTSAPIKey      string
	TTSSubProvider string
	TTSVoiceID     string
	TTSSampleRateHz int // 16000 or 24000; not read by this package and not sent to the TTS endpoint
}

// Session stitches STT, LLM, and TTS into one provider.Session.
type Session struct {
	cfg Config
	id  string

	sm *provider.StateMachine

	sttConn   *websocket.Conn
	sttConnMu sync.Mutex

	llm *openai.Client

	httpClient *http.Client

	instructions string
	tools        []provider.ToolSchema

	events chan provider.Event

	mu             sync.Mutex
	pendingToolMsg []openai.ChatCompletionMessage // never written; SubmitToolResult appends tool output to history
	history        []openai.ChatCompletionMessage

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Dial opens the STT socket and constructs the LLM/TTS clients.
func Dial(ctx context.Context, sessionID string, cfg Config) (*Session, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.STTAPIKey)

	sttConn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.STTEndpoint, header)
	if err != nil {
		return nil, fmt.Errorf("composite: dial STT: %w", err)
	}

	oaiCfg := openai.DefaultConfig(cfg.LLMAPIKey)
	if cfg.LLMBaseURL != "" {
		oaiCfg.BaseURL = cfg.LLMBaseURL
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		id:         sessionID,
		sm:         provider.NewStateMachine(sessionID),
		sttConn:    sttConn,
		llm:        openai.NewClientWithConfig(oaiCfg),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		events:     make(chan provider.Event, 64),
		ctx:        sctx,
		cancel:     cancel,
	}
	go s.sttReadPump()
	return s, nil
}

type sttStartFrame struct {
	Type     string   `json:"type"`
	Language []string `json:"language_hints,omitempty"`
	Encoding string   `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type sttInboundFrame struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	IsFinal    bool   `json:"is_final"`
	Language   string `json:"language,omitempty"`
}

// Configure starts the STT stream with the configured language hints and
// stores the instructions/tools used for each subsequent LLM turn.
func (s *Session) Configure(ctx context.Context, instructions string, tools []provider.ToolSchema, format provider.AudioFormat) error {
	s.mu.Lock()
	s.instructions = instructions
	s.tools = tools
	s.history = []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: instructions}}
	s.mu.Unlock()

	frame := sttStartFrame{Type: "Start", Language: s.cfg.LanguageHints, Encoding: "linear16", SampleRate: 16000}
	if err := s.writeSTTJSON(frame); err != nil {
		return err
	}
	return s.sm.Transition(provider.StateReady)
}

// PushAudio forwards caller PCM16 (already at the STT's 16kHz) as a binary
// STT frame.
func (s *Session) PushAudio(ctx context.Context, pcm16 []byte) error {
	s.sttConnMu.Lock()
	defer s.sttConnMu.Unlock()
	_ = s.sttConn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.sttConn.WriteMessage(websocket.BinaryMessage, pcm16)
}

// RequestResponse drives the greeting turn directly through the LLM/TTS
// legs without waiting for an STT final, since there is no caller utterance
// yet at call start.
func (s *Session) RequestResponse(ctx context.Context) error {
	return s.runTurn(ctx, "")
}

// SubmitToolResult appends the tool's output to the conversation and
// re-invokes the LLM for a follow-up turn, mirroring the Realtime-WS
// adapter's "post tool output, then ask for a new response" pattern.
func (s *Session) SubmitToolResult(ctx context.Context, callID string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("composite: marshal tool result: %w", err)
	}

	s.mu.Lock()
	s.history = append(s.history, openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		Content:    string(data),
		ToolCallID: callID,
	})
	s.mu.Unlock()

	if err := s.sm.Transition(provider.StateStreaming); err != nil {
		return err
	}
	return s.runTurn(ctx, "")
}

// InjectNote appends text as a system turn and re-invokes the LLM, weaving a
// late-arriving async function result into the conversation without a
// second tool-result submission (§4.5).
func (s *Session) InjectNote(ctx context.Context, text string) error {
	s.mu.Lock()
	s.history = append(s.history, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: text})
	s.mu.Unlock()
	return s.runTurn(ctx, "")
}

// Close stops the STT socket; the LLM/TTS legs are stateless HTTP calls
// with nothing to tear down. Idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.sm.Transition(provider.StateClosing)
		s.cancel()
		err = s.sttConn.Close()
		_ = s.sm.Transition(provider.StateClosed)
	})
	return err
}

func (s *Session) Events() <-chan provider.Event { return s.events }
func (s *Session) State() provider.State         { return s.sm.Current() }

func (s *Session) sttReadPump() {
	defer func() { _ = s.sm.Transition(provider.StateClosed) }()

	for {
		_, data, err := s.sttConn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
			default:
				s.emitError(provider.ErrTransient, err.Error())
			}
			return
		}

		var frame sttInboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Transcript == "" {
			continue
		}

		s.events <- provider.Event{Kind: provider.EventTranscript, Speaker: provider.SpeakerUser, Text: frame.Transcript, Final: frame.IsFinal}
		if !frame.IsFinal {
			continue
		}

		// §4.4.c: each STT final triggers an LLM turn.
		go func(text string) {
			if err := s.runTurn(s.ctx, text); err != nil {
				s.emitError(provider.ErrTransient, err.Error())
			}
		}(frame.Transcript)
	}
}

// runTurn appends userText (if non-empty) to history, calls the LLM with
// the registered tool schemas, then either emits a function_call event or
// pipes the reply text to TTS and streams the resulting audio out.
func (s *Session) runTurn(ctx context.Context, userText string) error {
	s.mu.Lock()
	if userText != "" {
		s.history = append(s.history, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userText})
	}
	messages := append([]openai.ChatCompletionMessage(nil), s.history...)
	tools := make([]openai.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	s.mu.Unlock()

	resp, err := s.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    s.cfg.LLMModel,
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		return fmt.Errorf("composite: llm completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("composite: llm returned no choices")
	}
	choice := resp.Choices[0].Message

	s.mu.Lock()
	s.history = append(s.history, choice)
	s.mu.Unlock()

	s.events <- provider.Event{Kind: provider.EventCostMetric, Cost: provider.CostDelta{
		TextInputTokens:  int64(resp.Usage.PromptTokens),
		TextOutputTokens: int64(resp.Usage.CompletionTokens),
	}}

	if len(choice.ToolCalls) > 0 {
		_ = s.sm.Transition(provider.StateAwaitingTool)
		for _, tc := range choice.ToolCalls {
			s.events <- provider.Event{Kind: provider.EventFunctionCall, CallID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
		}
		return nil
	}

	if strings.TrimSpace(choice.Content) == "" {
		return nil
	}

	s.events <- provider.Event{Kind: provider.EventTranscript, Speaker: provider.SpeakerAssistant, Text: choice.Content, Final: true}
	return s.speak(ctx, choice.Content)
}

type ttsRequest struct {
	Text     string `json:"text"`
	VoiceID  string `json:"voice_id"`
	Provider string `json:"provider"`
}

// speak calls the TTS endpoint and emits the returned PCM16 audio, at the
// TTS leg's own rate, as a single audio_out event. It emits no cost metric.
func (s *Session) speak(ctx context.Context, text string) error {
	_ = s.sm.Transition(provider.StateStreaming)

	body, err := json.Marshal(ttsRequest{Text: text, VoiceID: s.cfg.TTSVoiceID, Provider: s.cfg.TTSSubProvider})
	if err != nil {
		return fmt.Errorf("composite: marshal TTS request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TTSEndpoint, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("composite: build TTS request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.TTSAPIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("composite: TTS request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("composite: TTS returned status %d", resp.StatusCode)
	}

	pcm := make([]byte, 0, 32*1024)
	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			pcm = append(pcm, buf[:n]...)
		}
		if rerr != nil {
			break
		}
	}

	// Emitted at the TTS leg's native rate; the owning Connection resamples
	// to the PBX's 8kHz, frames it, and accounts AudioOutputSeconds itself
	// (§4.2) — the same as it does for realtimews/deepgram, so this leg
	// must not also emit that cost metric or it would be double-counted.
	s.events <- provider.Event{Kind: provider.EventAudioOut, AudioOut: pcm}
	return nil
}

func (s *Session) emitError(kind provider.ErrorKind, msg string) {
	_ = s.sm.Transition(provider.StateError)
	select {
	case s.events <- provider.Event{Kind: provider.EventError, ErrKind: kind, Message: msg}:
	default:
	}
}

func (s *Session) writeSTTJSON(v any) error {
	s.sttConnMu.Lock()
	defer s.sttConnMu.Unlock()
	_ = s.sttConn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.sttConn.WriteJSON(v)
}

var _ provider.Session = (*Session)(nil)
