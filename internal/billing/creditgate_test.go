package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aiva-labs/voicebridge/internal/mgmtapi"
	"github.com/stretchr/testify/assert"
)

func TestAdmitRejectsBelowMinimum(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]float64{"balance": 0.05})
	}))
	defer srv.Close()

	client := mgmtapi.New(srv.URL, "secret", 3*time.Second)
	gate := NewCreditGate(client, 0.10)

	assert.False(t, gate.Admit(context.Background(), "tenant-1"))
}

func TestAdmitAllowsAtOrAboveMinimum(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]float64{"balance": 0.10})
	}))
	defer srv.Close()

	client := mgmtapi.New(srv.URL, "secret", 3*time.Second)
	gate := NewCreditGate(client, 0.10)

	assert.True(t, gate.Admit(context.Background(), "tenant-1"))
}

func TestAdmitFailsOpenOnTransportError(t *testing.T) {
	// A client pointed at an address nothing listens on.
	client := mgmtapi.New("http://127.0.0.1:1", "secret", 200*time.Millisecond)
	gate := NewCreditGate(client, 0.10)

	assert.True(t, gate.Admit(context.Background(), "tenant-1"))
}
