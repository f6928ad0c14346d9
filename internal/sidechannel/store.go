// Package sidechannel wraps the external key-value + pub/sub service the
// PBX and bridge use to exchange per-call metadata, hangup flags, and the
// aiva_ready / transfer notifications (§6.2).
//
// Grounded on lookatitude-beluga-ai's memory/stores/redis package (the only
// go-redis/v9 usage in the retrieval pack): a Config{Client} wrapper struct
// with context-scoped calls, generalized from a sorted-set message log to
// the per-call hash + pub/sub shape §6.2 actually specifies.
package sidechannel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	readyChannel = "aiva_ready"
)

// Metadata is the per-call hash published by the PBX dialplan under
// transcriptionPort:{port} before the first RTP packet (§3, §6.2).
type Metadata struct {
	SessionID  string
	AgentID    string
	CallerID   string
	CallerName string
	TenantID   string
	CustomData map[string]string
}

// TransferNotice is published on transfer:{port} by the transfer_to_agent
// handler (§4.7).
type TransferNotice struct {
	SessionID string `json:"session_id"`
	QueueName string `json:"queue_name"`
	Reason    string `json:"reason,omitempty"`
}

// Store wraps a *redis.Client with the bridge's own typed operations.
type Store struct {
	client *redis.Client
}

// New wraps an existing *redis.Client. The client is required; dialing is
// the caller's responsibility (mirrors the Config{Client} pattern of the
// grounding source).
func New(client *redis.Client) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("sidechannel: client is required")
	}
	return &Store{client: client}, nil
}

func portKey(port int) string {
	return fmt.Sprintf("transcriptionPort:%d", port)
}

func transferChannel(port int) string {
	return fmt.Sprintf("transfer:%d", port)
}

// GetCallMetadata reads the per-port hash. A missing key returns (nil, nil)
// so callers can distinguish "absent metadata" (§3 invariant: abandon
// silently) from a transport error.
func (s *Store) GetCallMetadata(ctx context.Context, port int) (*Metadata, error) {
	vals, err := s.client.HGetAll(ctx, portKey(port)).Result()
	if err != nil {
		return nil, fmt.Errorf("sidechannel: read metadata: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	md := &Metadata{
		SessionID:  vals["sessionId"],
		AgentID:    vals["agentId"],
		CallerID:   vals["callerId"],
		CallerName: vals["callerName"],
		TenantID:   vals["tenantId"],
	}
	if raw, ok := vals["customData"]; ok && raw != "" {
		var cd map[string]string
		if err := json.Unmarshal([]byte(raw), &cd); err == nil {
			md.CustomData = cd
		}
	}
	if md.SessionID == "" || md.AgentID == "" || md.CallerID == "" {
		// Required fields missing (§3): treat as absent metadata.
		return nil, nil
	}
	return md, nil
}

// GetHangup reports whether the hangup flag is set for port.
func (s *Store) GetHangup(ctx context.Context, port int) (bool, error) {
	v, err := s.client.HGet(ctx, portKey(port), "hangup").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sidechannel: read hangup: %w", err)
	}
	return v == "true", nil
}

// Delete removes the per-call hash entirely, on teardown (§6.2 lifecycle).
func (s *Store) Delete(ctx context.Context, port int) error {
	if err := s.client.Del(ctx, portKey(port)).Err(); err != nil {
		return fmt.Errorf("sidechannel: delete metadata: %w", err)
	}
	return nil
}

// PublishReady announces that a Connection is ready to receive audio, so
// the PBX may unmute the caller leg (entry-path step 8, §4.6).
func (s *Store) PublishReady(ctx context.Context, sessionID string) error {
	payload, err := json.Marshal(map[string]string{"session_id": sessionID})
	if err != nil {
		return fmt.Errorf("sidechannel: marshal ready notice: %w", err)
	}
	if err := s.client.Publish(ctx, readyChannel, payload).Err(); err != nil {
		return fmt.Errorf("sidechannel: publish ready: %w", err)
	}
	return nil
}

// PublishTransfer announces a tool-initiated transfer on transfer:{port}
// (§4.7).
func (s *Store) PublishTransfer(ctx context.Context, port int, notice TransferNotice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("sidechannel: marshal transfer notice: %w", err)
	}
	if err := s.client.Publish(ctx, transferChannel(port), payload).Err(); err != nil {
		return fmt.Errorf("sidechannel: publish transfer: %w", err)
	}
	return nil
}
