package builtin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiva-labs/voicebridge/internal/functions"
	"github.com/aiva-labs/voicebridge/internal/mgmtapi"
	"github.com/aiva-labs/voicebridge/internal/sidechannel"
)

func TestTransferHandlerRejectsMissingQueueName(t *testing.T) {
	redisClient := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	store, err := sidechannel.New(redisClient)
	require.NoError(t, err)

	h := NewTransferHandler(store, 5060)
	res, err := h(context.Background(), functions.Context{SessionID: "s1"}, []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "queue_name")
}

func TestKnowledgeHandlerRequiresKnowledgeBase(t *testing.T) {
	client := mgmtapi.New("http://example.invalid", "key", 0)
	h := NewKnowledgeHandler(client)

	res, err := h(context.Background(), functions.Context{}, []byte(`{"query":"hi"}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "knowledge base")
}

func TestKnowledgeHandlerCapsTopKAndReturnsChunks(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"chunks":[{"text":"the policy","source":"doc1","score":0.9}]}`))
	}))
	defer srv.Close()

	client := mgmtapi.New(srv.URL, "key", 0)
	h := NewKnowledgeHandler(client)

	res, err := h(context.Background(), functions.Context{KnowledgeBaseID: "kb1"}, []byte(`{"query":"return policy","top_k":50}`))
	require.NoError(t, err)
	require.True(t, res.Success)

	data := res.Data.(map[string]any)
	chunks := data["chunks"].([]map[string]any)
	require.Len(t, chunks, 1)
	assert.Equal(t, "the policy", chunks[0]["text"])
	assert.EqualValues(t, maxTopK, gotBody["top_k"])
}

func TestOrderStatusHandlerRequiresOrderID(t *testing.T) {
	h := NewOrderStatusHandler(nil, "http://example.invalid")
	res, err := h(context.Background(), functions.Context{}, []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "order_id")
}

func TestOrderStatusHandlerReturnsLookupResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "A100")
		w.Write([]byte(`{"status":"delivered"}`))
	}))
	defer srv.Close()

	h := NewOrderStatusHandler(nil, srv.URL)
	res, err := h(context.Background(), functions.Context{}, []byte(`{"order_id":"A100"}`))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"status": "delivered"}, res.Data)
}
