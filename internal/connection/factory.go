package connection

import (
	"context"
	"fmt"

	"github.com/aiva-labs/voicebridge/internal/config"
	"github.com/aiva-labs/voicebridge/internal/mgmtapi"
	"github.com/aiva-labs/voicebridge/internal/provider"
	"github.com/aiva-labs/voicebridge/internal/provider/composite"
	"github.com/aiva-labs/voicebridge/internal/provider/deepgram"
	"github.com/aiva-labs/voicebridge/internal/provider/realtimews"
)

// Variant tags an Agent Config's §3 provider variant.
const (
	VariantOpenAIRealtime = "openai-realtime"
	VariantDeepgram       = "deepgram"
	VariantComposite      = "composite"
)

// compositeTTSRateHz is the output rate ProviderRates reports for the
// composite variant, i.e. the rate its TTS audio is taken to arrive in
// (§4.4.c). DialProvider passes it as TTSSampleRateHz, but the composite
// session does not send it to the TTS endpoint; kept alongside DialProvider
// so the two can never drift apart.
const compositeTTSRateHz = 24000

// ProviderRates returns the PCM16 rates a variant's Provider Session
// expects on push_audio and produces on audio_out (§4.2). They match for
// the duplex variants; composite's STT and TTS legs can run at different
// native rates.
func ProviderRates(variant string) (inHz, outHz int) {
	switch variant {
	case VariantOpenAIRealtime, VariantDeepgram:
		return 16000, 16000
	case VariantComposite:
		return 16000, compositeTTSRateHz
	default:
		return 16000, 16000
	}
}

// DialProvider constructs the Provider Session for agent's configured
// variant (§4.6 entry-path step 6), resolving per-variant credentials from
// cfg and per-agent fields (voice, model, VAD threshold, etc.) from the
// Agent Config record.
func DialProvider(ctx context.Context, sessionID string, agent *mgmtapi.AgentRecord, cfg *config.Config) (provider.Session, error) {
	switch agent.Variant {
	case VariantOpenAIRealtime:
		return realtimews.Dial(ctx, sessionID, realtimews.Config{
			Endpoint:     cfg.OpenAIRealtimeURL,
			APIKey:       cfg.OpenAIAPIKey,
			Model:        agent.Model,
			Voice:        agent.Voice,
			VADThreshold: agent.VADThreshold,
			SilenceMS:    agent.SilenceMS,
		})
	case VariantDeepgram:
		voice := agent.DeepgramVoice
		if voice == "" {
			voice = agent.Voice
		}
		return deepgram.Dial(ctx, sessionID, deepgram.Config{
			Endpoint:     cfg.DeepgramURL,
			APIKey:       cfg.DeepgramAPIKey,
			Voice:        voice,
			VADThreshold: agent.VADThreshold,
			SilenceMS:    agent.SilenceMS,
		})
	case VariantComposite:
		return composite.Dial(ctx, sessionID, composite.Config{
			STTEndpoint:     cfg.STTEndpoint,
			STTAPIKey:       cfg.STTAPIKey,
			LanguageHints:   agent.LanguageHints,
			LLMBaseURL:      cfg.LLMBaseURL,
			LLMAPIKey:       cfg.LLMAPIKey,
			LLMModel:        agent.Model,
			TTSEndpoint:     cfg.TTSEndpoint,
			TTSAPIKey:       cfg.TTSAPIKey,
			TTSSubProvider:  agent.TTSSubProvider,
			TTSVoiceID:      agent.TTSVoiceID,
			TTSSampleRateHz: compositeTTSRateHz,
		})
	default:
		return nil, fmt.Errorf("connection: unknown provider variant %q", agent.Variant)
	}
}
