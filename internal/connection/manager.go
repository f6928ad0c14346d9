// Package connection also implements the Connection Manager (§4.6): the
// sole owner of the endpoint->Connection map, the gated call-admission
// entry path, and per-call RTP routing.
//
// A map of live objects keyed by id, mutex-guarded CRUD, and a CloseAll
// drain path carry the same session-registry shape other singletons in
// this codebase use, keyed here by RTP endpoint instead.
package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aiva-labs/voicebridge/internal/agentcache"
	"github.com/aiva-labs/voicebridge/internal/billing"
	"github.com/aiva-labs/voicebridge/internal/config"
	"github.com/aiva-labs/voicebridge/internal/functions"
	"github.com/aiva-labs/voicebridge/internal/functions/builtin"
	"github.com/aiva-labs/voicebridge/internal/functions/httpcall"
	"github.com/aiva-labs/voicebridge/internal/mgmtapi"
	"github.com/aiva-labs/voicebridge/internal/provider"
	"github.com/aiva-labs/voicebridge/internal/rtp"
	"github.com/aiva-labs/voicebridge/internal/sidechannel"
)

// Manager owns the endpoint->Connection map and runs the §4.6 entry path
// for every client-appeared event the RTP Transport emits. It is the
// process's sole Connection-lifecycle authority (§3 Ownership).
type Manager struct {
	cfg         *config.Config
	transport   *rtp.Transport
	mgmt        *mgmtapi.Client
	sideChannel *sidechannel.Store
	agentCache  *agentcache.Cache
	creditGate  *billing.CreditGate
	executor    *functions.Executor
	observer    Observer

	mu    sync.Mutex
	conns map[rtp.Endpoint]*Connection

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager wires the process-wide singletons into a Manager.
func NewManager(cfg *config.Config, transport *rtp.Transport, mgmtClient *mgmtapi.Client, sideChannel *sidechannel.Store, agentCache *agentcache.Cache, creditGate *billing.CreditGate, executor *functions.Executor, observer Observer) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		transport:   transport,
		mgmt:        mgmtClient,
		sideChannel: sideChannel,
		agentCache:  agentCache,
		creditGate:  creditGate,
		executor:    executor,
		observer:    observer,
		conns:       make(map[rtp.Endpoint]*Connection),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run consumes the Transport's event stream until ctx is cancelled,
// dispatching to the entry path, audio routing, and teardown.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.transport.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case rtp.ClientAppeared:
				go m.handleClientAppeared(ev.Endpoint)
			case rtp.Audio:
				m.handleAudio(ev.Endpoint, ev.Payload)
			case rtp.ClientGone:
				m.handleClientGone(ev.Endpoint)
			}
		}
	}
}

// handleClientAppeared runs the §4.6 entry path. Every abandonment point
// logs and returns without creating a Connection or a call-log record, per
// the §7 error-disposition table.
func (m *Manager) handleClientAppeared(ep rtp.Endpoint) {
	// Step 1: debounce so the PBX dialplan has time to publish metadata.
	select {
	case <-time.After(m.cfg.SessionStartDebounce):
	case <-m.ctx.Done():
		return
	}

	ctx := m.ctx

	// Step 2: read Call Metadata.
	md, err := m.sideChannel.GetCallMetadata(ctx, ep.Port)
	if err != nil {
		slog.Warn("[Manager] side-channel read failed, abandoning", "endpoint", ep, "error", err)
		m.transport.Release(ep)
		return
	}
	if md == nil {
		slog.Info("[Manager] no call metadata, abandoning", "endpoint", ep)
		m.transport.Release(ep)
		return
	}

	// Step 3: load Agent Config (cache or Mgmt API).
	agent, ok := m.agentCache.Get(ctx, md.AgentID)
	if !ok {
		agent, err = m.mgmt.GetAgent(ctx, md.AgentID)
		if err != nil {
			slog.Warn("[Manager] agent lookup failed, abandoning", "agent_id", md.AgentID, "error", err)
			m.transport.Release(ep)
			return
		}
		m.agentCache.Set(ctx, md.AgentID, agent)
	}
	if !agent.IsActive {
		slog.Info("[Manager] agent inactive, abandoning", "agent_id", md.AgentID)
		m.transport.Release(ep)
		return
	}

	// Step 4: credit check.
	if !m.creditGate.Admit(ctx, md.TenantID) {
		slog.Info("[Manager] insufficient credit, abandoning", "tenant_id", md.TenantID)
		m.transport.Release(ep)
		return
	}

	// Step 5: register the agent's functions (idempotent overrides).
	kbID := agent.KnowledgeBaseID
	m.registerBuiltins(ep.Port)
	specs, err := m.mgmt.GetAgentFunctions(ctx, md.AgentID)
	if err != nil {
		slog.Warn("[Manager] function-spec lookup failed, continuing with built-ins only", "agent_id", md.AgentID, "error", err)
		specs = nil
	}
	var tools []provider.ToolSchema
	tools = append(tools, builtinToolSchemas()...)
	modes := make(map[string]string)
	for _, spec := range specs {
		if !spec.IsActive {
			continue
		}
		m.registerFunctionSpec(spec)
		tools = append(tools, provider.ToolSchema{Name: spec.Name, Description: spec.Description, Parameters: spec.Parameters})
		if spec.ExecutionMode != "" {
			modes[spec.Name] = spec.ExecutionMode
		}
	}

	// Step 6: construct the Provider Session.
	session, err := DialProvider(ctx, md.SessionID, agent, m.cfg)
	if err != nil {
		slog.Warn("[Manager] provider dial failed, abandoning", "session", md.SessionID, "error", err)
		m.transport.Release(ep)
		return
	}

	price, err := billing.LookupPrice(m.cfg.ProviderPrices, agent.Variant)
	if err != nil {
		slog.Warn("[Manager] no price table entry, abandoning", "variant", agent.Variant, "error", err)
		_ = session.Close()
		m.transport.Release(ep)
		return
	}
	ledger := billing.NewLedger(price, m.cfg.ProfitMarginPercent/100)

	fnCtx := functions.Context{
		ConnectionID:    md.SessionID,
		SessionID:       md.SessionID,
		CallerID:        md.CallerID,
		TenantID:        md.TenantID,
		AsteriskPort:    ep.Port,
		KnowledgeBaseID: kbID,
	}

	inRate, outRate := ProviderRates(agent.Variant)
	conn := New(md.SessionID, ep, agent.ID, Deps{
		Transport:  m.transport,
		MgmtClient: m.mgmt,
		Executor:   m.executor,
		Observer:   m.observer,
		CreditGate: m.creditGate,
	}, session, ledger, fnCtx, agent.Variant, inRate, outRate)
	conn.TenantID = agent.TenantID
	conn.ExecutionModes = modes

	m.mu.Lock()
	if existing, dup := m.conns[ep]; dup {
		// A second client-appeared for the same endpoint before the first
		// Connection closed; tear down the stale one before replacing it.
		m.mu.Unlock()
		existing.Close("superseded")
		m.mu.Lock()
	}
	m.conns[ep] = conn
	m.mu.Unlock()

	// Audio routed to conn before Configure is sent waits in its work queue,
	// which starts draining only afterwards (§8 invariant 6).
	if err := session.Configure(ctx, ComposeInstructions(agent, md.SessionID, md.CallerID, md.CustomData, time.Now()), tools, provider.AudioFormat{SampleRateHz: inRate, Channels: 1}); err != nil {
		slog.Warn("[Manager] configure failed, closing", "session", md.SessionID, "error", err)
		conn.Close("configure_failed")
		m.removeConn(ep)
		return
	}
	conn.Start()

	// Step 7: create a call-log record.
	if callLogID, err := m.mgmt.CreateCall(ctx, md.SessionID, agent.TenantID, agent.ID, md.CallerID, ep.Port); err != nil {
		slog.Warn("[Manager] call-log create failed, continuing without one", "session", md.SessionID, "error", err)
	} else {
		conn.CallLogID = callLogID
	}

	// Step 8: publish ready so the PBX unmutes audio toward the bridge.
	if err := m.sideChannel.PublishReady(ctx, md.SessionID); err != nil {
		slog.Warn("[Manager] publish ready failed", "session", md.SessionID, "error", err)
	}

	// Step 9: register with Observability.
	if m.observer != nil {
		m.observer.ConnectionAdded(conn)
	}

	// Step 10: elicit the greeting.
	if err := session.RequestResponse(ctx); err != nil {
		slog.Warn("[Manager] greeting request_response failed", "session", md.SessionID, "error", err)
	}
}

func (m *Manager) registerBuiltins(asteriskPort int) {
	reg := m.executor.Registry()
	reg.Register("transfer_to_agent", builtin.NewTransferHandler(m.sideChannel, asteriskPort))
	reg.Register("search_knowledge", builtin.NewKnowledgeHandler(m.mgmt))
}

func builtinToolSchemas() []provider.ToolSchema {
	return []provider.ToolSchema{
		{
			Name:        "transfer_to_agent",
			Description: "Transfer the caller to a human queue after confirming once with the caller.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"queue_name": map[string]any{"type": "string"},
					"reason":     map[string]any{"type": "string"},
				},
				"required": []string{"queue_name"},
			},
		},
		{
			Name:        "search_knowledge",
			Description: "Search the agent's knowledge base for an answer; produce a short filler phrase before calling this.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
					"top_k": map[string]any{"type": "integer"},
				},
				"required": []string{"query"},
			},
		},
	}
}

// registerFunctionSpec turns a Function Spec into an Executor registration
// (§4.5). transfer_to_agent and search_knowledge are always-on built-ins
// registered directly in registerBuiltins; check_order_status is the third
// inline built-in, registered here only when an agent's specs reference
// it by name. Any other api-backed spec gets a generic httpcall handler.
func (m *Manager) registerFunctionSpec(spec mgmtapi.FunctionSpec) {
	switch {
	case spec.Name == "transfer_to_agent" || spec.Name == "search_knowledge":
		return // already registered as fixed built-ins
	case spec.Name == "check_order_status" && spec.HandlerType == "inline":
		if m.cfg.OrderStatusURL == "" {
			slog.Warn("[Manager] check_order_status referenced but no lookup endpoint configured")
			return
		}
		m.executor.Registry().Register(spec.Name, builtin.NewOrderStatusHandler(nil, m.cfg.OrderStatusURL))
	case spec.HandlerType == "api":
		timeout := time.Duration(spec.TimeoutMS) * time.Millisecond
		m.executor.Registry().Register(spec.Name, httpcall.NewHandler(nil, httpcall.Spec{
			Endpoint: spec.APIEndpoint,
			Method:   spec.Method,
			Headers:  spec.Headers,
			Timeout:  timeout,
			Retries:  spec.Retries,
		}))
	}
}

func (m *Manager) handleAudio(ep rtp.Endpoint, payload []byte) {
	m.mu.Lock()
	conn, ok := m.conns[ep]
	m.mu.Unlock()
	if !ok {
		return
	}
	conn.Touch()
	conn.HandleInboundAudio(payload)
}

func (m *Manager) handleClientGone(ep rtp.Endpoint) {
	m.removeConn(ep)
}

// removeConn closes and evicts ep's Connection, if any. Safe to call for an
// endpoint with no live Connection (§9 Open Question: client-gone for an
// already-closed Connection is a no-op).
func (m *Manager) removeConn(ep rtp.Endpoint) {
	m.mu.Lock()
	conn, ok := m.conns[ep]
	if ok {
		delete(m.conns, ep)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	conn.Close("client_gone")
	_ = m.sideChannel.Delete(context.Background(), ep.Port)
}

// CloseByPort closes the Connection bound to port (if any), used by the
// hangup poller (§4.10) which observes the flag keyed by port, not by the
// full endpoint tuple.
func (m *Manager) CloseByPort(port int, reason string) {
	m.mu.Lock()
	var match *Connection
	var ep rtp.Endpoint
	for e, c := range m.conns {
		if e.Port == port {
			match = c
			ep = e
			break
		}
	}
	if match != nil {
		delete(m.conns, ep)
	}
	m.mu.Unlock()
	if match == nil {
		return
	}
	match.Close(reason)
	_ = m.sideChannel.Delete(context.Background(), port)
}

// CleanupStale closes every Connection whose Ledger has seen no activity
// for longer than maxIdle (§4.10 stale sweeper).
func (m *Manager) CleanupStale(maxIdle time.Duration) int {
	m.mu.Lock()
	var stale []rtp.Endpoint
	for ep, c := range m.conns {
		if c.Ledger.IdleSince() >= maxIdle {
			stale = append(stale, ep)
		}
	}
	m.mu.Unlock()

	for _, ep := range stale {
		slog.Info("[Manager] evicting stale connection", "endpoint", ep)
		m.removeConn(ep)
	}
	return len(stale)
}

// Ports returns the PBX ports of every live Connection, for the hangup
// poller to scan.
func (m *Manager) Ports() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ports := make([]int, 0, len(m.conns))
	for ep := range m.conns {
		ports = append(ports, ep.Port)
	}
	return ports
}

// CloseAll gracefully tears down every live Connection (§4.6 close_all,
// process-signal disposition in §7).
func (m *Manager) CloseAll() {
	m.cancel()
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for ep, c := range m.conns {
		conns = append(conns, c)
		delete(m.conns, ep)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close("shutdown")
	}
}

// Snapshot lists every live Connection, for the Observability
// REST surface (§6.5).
func (m *Manager) Snapshot() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}
