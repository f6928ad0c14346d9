// Package mgmtapi wraps the four (really eight, counting the sub-routes
// §6.3 enumerates) management REST endpoints the bridge consumes. The
// management backend itself is out of scope (§1); this package is purely
// the HTTP client side.
//
// Grounded on lookatitude-beluga-ai's pkg/agents/tools/api.APITool request
// idiom (context timeout, header injection, JSON marshal/unmarshal,
// status-code handling), adapted from one generic tool call into eight
// fixed, typed endpoints.
package mgmtapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the process-wide Management API client singleton.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New constructs a Client. controlTimeout bounds every control endpoint
// (3-5s per §6.3); knowledge search uses its own 15s timeout.
func New(baseURL, apiKey string, controlTimeout time.Duration) *Client {
	if controlTimeout <= 0 {
		controlTimeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: controlTimeout,
		},
	}
}

// AgentRecord is the agent configuration returned by GET /agents/{id}.
type AgentRecord struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	TenantID    string  `json:"tenant_id"`
	IsActive    bool    `json:"is_active"`
	Variant     string  `json:"provider_variant"`
	Instructions string `json:"instructions"`
	Greeting    string  `json:"greeting"`
	Language    string  `json:"language"`
	Voice       string  `json:"voice"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	VADThreshold float64 `json:"vad_threshold"`
	SilenceMS   int     `json:"silence_duration_ms"`
	KnowledgeBaseID string `json:"knowledge_base_id,omitempty"`

	TTSSubProvider string `json:"tts_provider,omitempty"`
	TTSVoiceID     string `json:"custom_voice,omitempty"`
	DeepgramVoice  string `json:"deepgram_voice,omitempty"`
	LanguageHints  []string `json:"language_hints,omitempty"`
}

// FunctionSpec mirrors §3's Function Spec entity.
type FunctionSpec struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Parameters    map[string]any `json:"parameters"`
	HandlerType   string         `json:"handler_type"`
	APIEndpoint   string         `json:"api_endpoint,omitempty"`
	Method        string         `json:"method,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	ExecutionMode string         `json:"execution_mode"`
	TimeoutMS     int            `json:"timeout_ms"`
	Retries       int            `json:"retries"`
	IsActive      bool           `json:"is_active"`
}

// GetAgent calls GET /agents/{id}.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	var rec AgentRecord
	if err := c.do(ctx, http.MethodGet, "/agents/"+agentID, nil, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetAgentFunctions calls GET /functions/agent/{agent_id}.
func (c *Client) GetAgentFunctions(ctx context.Context, agentID string) ([]FunctionSpec, error) {
	var specs []FunctionSpec
	if err := c.do(ctx, http.MethodGet, "/functions/agent/"+agentID, nil, nil, &specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// creditBalanceResponse is GET /credits/balance's body.
type creditBalanceResponse struct {
	Balance float64 `json:"balance"`
}

// GetCreditBalance calls GET /credits/balance with the tenant id header.
func (c *Client) GetCreditBalance(ctx context.Context, tenantID string) (float64, error) {
	var resp creditBalanceResponse
	headers := map[string]string{"X-Tenant-ID": tenantID}
	if err := c.do(ctx, http.MethodGet, "/credits/balance", headers, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

type deductCreditRequest struct {
	TenantID  string  `json:"tenant_id"`
	Amount    float64 `json:"amount"`
	CallLogID string  `json:"call_log_id"`
}

type deductCreditResponse struct {
	BalanceAfter float64 `json:"balance_after"`
}

// DeductCredit calls POST /credits/deduct.
func (c *Client) DeductCredit(ctx context.Context, tenantID string, amount float64, callLogID string) (float64, error) {
	var resp deductCreditResponse
	req := deductCreditRequest{TenantID: tenantID, Amount: amount, CallLogID: callLogID}
	if err := c.do(ctx, http.MethodPost, "/credits/deduct", nil, req, &resp); err != nil {
		return 0, err
	}
	return resp.BalanceAfter, nil
}

type createCallRequest struct {
	SessionID    string `json:"session_id"`
	TenantID     string `json:"tenant_id"`
	AgentID      string `json:"agent_id"`
	CallerID     string `json:"caller_id"`
	AsteriskPort int    `json:"asterisk_port"`
}

type createCallResponse struct {
	ID string `json:"id"`
}

// CreateCall calls POST /calls/create.
func (c *Client) CreateCall(ctx context.Context, sessionID, tenantID, agentID, callerID string, asteriskPort int) (string, error) {
	var resp createCallResponse
	req := createCallRequest{SessionID: sessionID, TenantID: tenantID, AgentID: agentID, CallerID: callerID, AsteriskPort: asteriskPort}
	if err := c.do(ctx, http.MethodPost, "/calls/create", nil, req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// CallUpdate is the partial-update body for PUT /calls/{session_id}.
type CallUpdate struct {
	EndTime         *time.Time     `json:"end_time,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	ProviderMetrics map[string]any `json:"provider_metrics,omitempty"`
	ProviderMetadata map[string]any `json:"provider_metadata,omitempty"`
	CostBreakdown   map[string]any `json:"cost_breakdown,omitempty"`
	FinalStatus     string         `json:"final_status,omitempty"`
}

// UpdateCall calls PUT /calls/{session_id}.
func (c *Client) UpdateCall(ctx context.Context, sessionID string, update CallUpdate) error {
	return c.do(ctx, http.MethodPut, "/calls/"+sessionID, nil, update, nil)
}

// FunctionCallRecord is POST /calls/{call_log_id}/functions's body.
type FunctionCallRecord struct {
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	Outcome    string `json:"outcome"`
	ElapsedMS  int64  `json:"elapsed_ms"`
}

// RecordFunctionCall calls POST /calls/{call_log_id}/functions.
func (c *Client) RecordFunctionCall(ctx context.Context, callLogID string, rec FunctionCallRecord) error {
	return c.do(ctx, http.MethodPost, "/calls/"+callLogID+"/functions", nil, rec, nil)
}

// KnowledgeSearchResult is POST /knowledge/{kb_id}/search's response body.
type KnowledgeSearchResult struct {
	Chunks []struct {
		Text   string  `json:"text"`
		Source string  `json:"source"`
		Score  float64 `json:"score"`
	} `json:"chunks"`
	Images []string `json:"images,omitempty"`
}

// SearchKnowledge calls POST /knowledge/{kb_id}/search with its own 15s
// timeout (§6.3, §4.8), independent of the client's control-endpoint
// timeout.
func (c *Client) SearchKnowledge(ctx context.Context, kbID, query string, topK int) (*KnowledgeSearchResult, error) {
	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var result KnowledgeSearchResult
	req := map[string]any{"query": query, "top_k": topK}
	if err := c.doWithClient(cctx, &http.Client{Timeout: 15 * time.Second}, http.MethodPost, "/knowledge/"+kbID+"/search", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body, out any) error {
	return c.doWithClient(ctx, c.httpClient, method, path, headers, body, out)
}

func (c *Client) doWithClient(ctx context.Context, client *http.Client, method, path string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("mgmtapi: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("mgmtapi: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("mgmtapi: request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mgmtapi: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("mgmtapi: %s %s returned status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("mgmtapi: decode response: %w", err)
		}
	}
	return nil
}
