// Package config loads the bridge's process-wide configuration from flags
// and environment variables, following §6.4.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ProviderPrice is one entry of the PROVIDER_PRICES table (§6.4, §4.9).
// The bridge reads rates from here and never hard-codes them in the
// accounting math.
type ProviderPrice struct {
	PerAudioMinuteUSD     float64 `json:"per_audio_minute_usd"`
	PerMillionInputTokens float64 `json:"per_million_input_tokens_usd"`
	PerMillionOutputTokens float64 `json:"per_million_output_tokens_usd"`
	PerMillionCachedTokens float64 `json:"per_million_cached_tokens_usd"`
	PerCharacterUSD       float64 `json:"per_character_usd"`
}

// Config holds the bridge's resolved runtime configuration.
type Config struct {
	RTPBind string

	MgmtAPIURL string
	MgmtAPIKey string

	SideChannelURL string
	SideChannelDB  int

	MonitorPort int

	ProfitMarginPercent float64
	DefaultMinCreditUSD float64

	HangupPollInterval       time.Duration
	StaleIdleThreshold       time.Duration
	AgentCacheTTL            time.Duration
	AgentCacheSweepInterval  time.Duration
	SessionStartDebounce     time.Duration

	ProviderPrices map[string]ProviderPrice

	LogLevel string

	// Provider credentials are not part of §6.4's enumerated table (which
	// only covers pricing), but every variant needs somewhere to read its
	// endpoint/key from; these follow the same flag+env idiom as the rest
	// of this package.
	OpenAIRealtimeURL string
	OpenAIAPIKey      string

	DeepgramURL    string
	DeepgramAPIKey string

	STTEndpoint string
	STTAPIKey   string
	LLMBaseURL  string
	LLMAPIKey   string
	TTSEndpoint string
	TTSAPIKey   string

	OrderStatusURL string
}

// Load parses flags, then applies environment overrides per §6.4, matching
// the order: flag defaults first, then env vars win.
func Load() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.RTPBind, "rtp-bind", "0.0.0.0:9000", "UDP address to bind for RTP")
	flag.StringVar(&cfg.MgmtAPIURL, "mgmt-api-url", "http://localhost:8080", "Management API base URL")
	flag.StringVar(&cfg.MgmtAPIKey, "mgmt-api-key", "", "Management API shared secret")
	flag.StringVar(&cfg.SideChannelURL, "side-channel-url", "redis://localhost:6379", "Side-channel store URL")
	flag.IntVar(&cfg.SideChannelDB, "side-channel-db", 0, "Side-channel store database index")
	flag.IntVar(&cfg.MonitorPort, "monitor-port", 8090, "Observability HTTP port")
	flag.Float64Var(&cfg.ProfitMarginPercent, "profit-margin-percent", 20, "Profit margin applied to base cost")
	flag.Float64Var(&cfg.DefaultMinCreditUSD, "default-min-credit-usd", 0.10, "Minimum tenant balance required to admit a call")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level")
	flag.StringVar(&cfg.OpenAIRealtimeURL, "openai-realtime-url", "wss://api.openai.com/v1/realtime", "OpenAI Realtime WebSocket endpoint")
	flag.StringVar(&cfg.OpenAIAPIKey, "openai-api-key", "", "OpenAI API key")
	flag.StringVar(&cfg.DeepgramURL, "deepgram-url", "wss://agent.deepgram.com/v1/agent/converse", "Deepgram voice-agent WebSocket endpoint")
	flag.StringVar(&cfg.DeepgramAPIKey, "deepgram-api-key", "", "Deepgram API key")
	flag.StringVar(&cfg.STTEndpoint, "stt-endpoint", "", "Composite variant: streaming STT WebSocket endpoint")
	flag.StringVar(&cfg.STTAPIKey, "stt-api-key", "", "Composite variant: STT API key")
	flag.StringVar(&cfg.LLMBaseURL, "llm-base-url", "", "Composite variant: OpenAI-compatible chat completions base URL")
	flag.StringVar(&cfg.LLMAPIKey, "llm-api-key", "", "Composite variant: LLM API key")
	flag.StringVar(&cfg.TTSEndpoint, "tts-endpoint", "", "Composite variant: TTS HTTP endpoint")
	flag.StringVar(&cfg.TTSAPIKey, "tts-api-key", "", "Composite variant: TTS API key")
	flag.StringVar(&cfg.OrderStatusURL, "order-status-url", "", "check_order_status lookup endpoint")

	hangupMS := flag.Int("hangup-poll-ms", 500, "Hangup poller interval in milliseconds")
	staleSec := flag.Int("stale-idle-sec", 300, "Stale-connection idle threshold in seconds")
	cacheTTLSec := flag.Int("agent-cache-ttl-sec", 300, "Agent config cache TTL in seconds")
	cacheSweepSec := flag.Int("agent-cache-sweep-sec", 600, "Agent config cache sweep interval in seconds")
	debounceMS := flag.Int("session-start-debounce-ms", 700, "Debounce window before reading call metadata")
	pricesPath := flag.String("provider-prices", "", "Path to a JSON provider price table")

	flag.Parse()

	if v := os.Getenv("RTP_BIND"); v != "" {
		cfg.RTPBind = v
	}
	if v := os.Getenv("MGMT_API_URL"); v != "" {
		cfg.MgmtAPIURL = v
	}
	if v := os.Getenv("MGMT_API_KEY"); v != "" {
		cfg.MgmtAPIKey = v
	}
	if v := os.Getenv("SIDE_CHANNEL_URL"); v != "" {
		cfg.SideChannelURL = v
	}
	if v := os.Getenv("SIDE_CHANNEL_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SideChannelDB = n
		}
	}
	if v := os.Getenv("MONITOR_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MonitorPort = n
		}
	}
	if v := os.Getenv("PROFIT_MARGIN_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ProfitMarginPercent = f
		}
	}
	if v := os.Getenv("DEFAULT_MIN_CREDIT_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.DefaultMinCreditUSD = f
		}
	}
	if v := os.Getenv("HANGUP_POLL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*hangupMS = n
		}
	}
	if v := os.Getenv("STALE_IDLE_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*staleSec = n
		}
	}
	if v := os.Getenv("AGENT_CACHE_TTL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*cacheTTLSec = n
		}
	}
	if v := os.Getenv("AGENT_CACHE_SWEEP_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*cacheSweepSec = n
		}
	}
	if v := os.Getenv("SESSION_START_DEBOUNCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*debounceMS = n
		}
	}
	if v := os.Getenv("PROVIDER_PRICES"); v != "" {
		*pricesPath = v
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OPENAI_REALTIME_URL"); v != "" {
		cfg.OpenAIRealtimeURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("DEEPGRAM_URL"); v != "" {
		cfg.DeepgramURL = v
	}
	if v := os.Getenv("DEEPGRAM_API_KEY"); v != "" {
		cfg.DeepgramAPIKey = v
	}
	if v := os.Getenv("STT_ENDPOINT"); v != "" {
		cfg.STTEndpoint = v
	}
	if v := os.Getenv("STT_API_KEY"); v != "" {
		cfg.STTAPIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLMBaseURL = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLMAPIKey = v
	}
	if v := os.Getenv("TTS_ENDPOINT"); v != "" {
		cfg.TTSEndpoint = v
	}
	if v := os.Getenv("TTS_API_KEY"); v != "" {
		cfg.TTSAPIKey = v
	}
	if v := os.Getenv("ORDER_STATUS_URL"); v != "" {
		cfg.OrderStatusURL = v
	}

	cfg.HangupPollInterval = time.Duration(*hangupMS) * time.Millisecond
	cfg.StaleIdleThreshold = time.Duration(*staleSec) * time.Second
	cfg.AgentCacheTTL = time.Duration(*cacheTTLSec) * time.Second
	cfg.AgentCacheSweepInterval = time.Duration(*cacheSweepSec) * time.Second
	cfg.SessionStartDebounce = time.Duration(*debounceMS) * time.Millisecond

	prices, err := loadProviderPrices(*pricesPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.ProviderPrices = prices

	return cfg, nil
}

// loadProviderPrices reads the PROVIDER_PRICES JSON table from disk, or the
// literal value of the flag/env var if it looks like inline JSON rather than
// a path. An empty path yields an empty table; accounting code must then
// treat every lookup as a configuration error rather than assume a rate.
func loadProviderPrices(pathOrJSON string) (map[string]ProviderPrice, error) {
	prices := map[string]ProviderPrice{}
	if pathOrJSON == "" {
		return prices, nil
	}

	var raw []byte
	if len(pathOrJSON) > 0 && pathOrJSON[0] == '{' {
		raw = []byte(pathOrJSON)
	} else {
		data, err := os.ReadFile(pathOrJSON)
		if err != nil {
			return nil, fmt.Errorf("read provider price table: %w", err)
		}
		raw = data
	}

	if err := json.Unmarshal(raw, &prices); err != nil {
		return nil, fmt.Errorf("parse provider price table: %w", err)
	}
	return prices, nil
}
