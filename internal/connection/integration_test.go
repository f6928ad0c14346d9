package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiva-labs/voicebridge/internal/billing"
	"github.com/aiva-labs/voicebridge/internal/config"
	"github.com/aiva-labs/voicebridge/internal/functions"
	"github.com/aiva-labs/voicebridge/internal/mgmtapi"
	"github.com/aiva-labs/voicebridge/internal/provider"
	"github.com/aiva-labs/voicebridge/internal/rtp"
)

// fakeSession is a minimal, test-controlled provider.Session used to drive
// Connection's work queue without a real WebSocket.
type fakeSession struct {
	events chan provider.Event

	mu             sync.Mutex
	submitted      []string // call ids SubmitToolResult was invoked with
	injectedNotes  []string
	closeCalls     int
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan provider.Event, 16)}
}

func (f *fakeSession) Configure(ctx context.Context, instructions string, tools []provider.ToolSchema, format provider.AudioFormat) error {
	return nil
}
func (f *fakeSession) PushAudio(ctx context.Context, pcm16 []byte) error { return nil }
func (f *fakeSession) RequestResponse(ctx context.Context) error        { return nil }
func (f *fakeSession) SubmitToolResult(ctx context.Context, callID string, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, callID)
	return nil
}
func (f *fakeSession) InjectNote(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injectedNotes = append(f.injectedNotes, text)
	return nil
}
func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}
func (f *fakeSession) Events() <-chan provider.Event { return f.events }
func (f *fakeSession) State() provider.State         { return provider.StateStreaming }

func (f *fakeSession) submittedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.submitted))
	copy(out, f.submitted)
	return out
}

func (f *fakeSession) notes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.injectedNotes))
	copy(out, f.injectedNotes)
	return out
}

var _ provider.Session = (*fakeSession)(nil)

// newTestConnection wires a Connection against a real (loopback) rtp.Transport
// and a real mgmtapi.Client pointed at an httptest server, so Close()'s
// call-log finalize and credit deduct paths run end-to-end.
func newTestConnection(t *testing.T, mgmtSrv *httptest.Server) (*Connection, *fakeSession) {
	t.Helper()

	transport, err := rtp.New("127.0.0.1:0", 3*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })

	mgmtClient := mgmtapi.New(mgmtSrv.URL, "test-key", time.Second)
	creditGate := billing.NewCreditGate(mgmtClient, 0.10)

	registry := functions.NewRegistry()
	registry.Register("sync_fn", func(ctx context.Context, fctx functions.Context, args json.RawMessage) (functions.Result, error) {
		return functions.Result{Success: true, Data: "sync-done"}, nil
	})
	registry.Register("async_fn", func(ctx context.Context, fctx functions.Context, args json.RawMessage) (functions.Result, error) {
		return functions.Result{Success: true, Data: "async-done"}, nil
	})
	executor := functions.NewExecutor(registry)

	session := newFakeSession()
	ledger := billing.NewLedger(config.ProviderPrice{PerAudioMinuteUSD: 0.06}, 0.20)

	conn := New("sess-1", rtp.Endpoint{Addr: "127.0.0.1", Port: 15060}, "agent-1", Deps{
		Transport:  transport,
		MgmtClient: mgmtClient,
		Executor:   executor,
		CreditGate: creditGate,
	}, session, ledger, functions.Context{SessionID: "sess-1", TenantID: "tenant-1"}, VariantOpenAIRealtime, 16000, 16000)
	conn.TenantID = "tenant-1"
	conn.CallLogID = "call-1"
	conn.ExecutionModes = map[string]string{"async_fn": "async"}
	conn.Start()
	t.Cleanup(func() { conn.Close("test_cleanup") })

	return conn, session
}

func newMgmtTestServer(t *testing.T, onDeduct func(amount float64)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/calls/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/credits/deduct", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Amount float64 `json:"amount"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if onDeduct != nil {
			onDeduct(body.Amount)
		}
		w.Write([]byte(`{"balance_after":1}`))
	})
	return httptest.NewServer(mux)
}

func TestSyncFunctionCallSubmitsExactlyOnce(t *testing.T) {
	srv := newMgmtTestServer(t, nil)
	defer srv.Close()
	conn, session := newTestConnection(t, srv)

	conn.mu.Lock()
	conn.outstandingIDs["call-1"] = true
	conn.mu.Unlock()

	session.events <- provider.Event{Kind: provider.EventFunctionCall, CallID: "call-1", Name: "sync_fn", Arguments: "{}"}

	require.Eventually(t, func() bool {
		return len(session.submittedIDs()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"call-1"}, session.submittedIDs())
}

func TestAsyncFunctionCallAcksThenInjectsFollowUpNote(t *testing.T) {
	srv := newMgmtTestServer(t, nil)
	defer srv.Close()
	conn, session := newTestConnection(t, srv)

	conn.mu.Lock()
	conn.outstandingIDs["call-async"] = true
	conn.mu.Unlock()

	session.events <- provider.Event{Kind: provider.EventFunctionCall, CallID: "call-async", Name: "async_fn", Arguments: "{}"}

	require.Eventually(t, func() bool {
		return len(session.submittedIDs()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"call-async"}, session.submittedIDs())

	require.Eventually(t, func() bool {
		return len(session.notes()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, session.notes()[0], "async-done")

	// A second submit_tool_result for the same call id must never happen.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, session.submittedIDs(), 1)
}

func TestCloseDeductsFinalizedCostExactlyOnce(t *testing.T) {
	var deducted float64
	var calls int
	srv := newMgmtTestServer(t, func(amount float64) {
		deducted = amount
		calls++
	})
	defer srv.Close()

	conn, _ := newTestConnection(t, srv)
	conn.Ledger.Apply(provider.CostDelta{AudioInputSeconds: 60})

	conn.Close("caller_hangup")
	conn.Close("caller_hangup") // idempotence: second Close must be a no-op

	assert.Equal(t, 1, calls)
	assert.InDelta(t, 0.06*1.20, deducted, 1e-9)
}
