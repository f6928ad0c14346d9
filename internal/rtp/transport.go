// Package rtp implements the bridge's single UDP endpoint: per-source
// demultiplexing of inbound RTP, client-appeared/audio/client-gone event
// emission, and clock-paced outbound RTP framing toward the PBX (§4.1, §6.1).
//
// One socket multiplexes every caller by source address and hands each
// one's audio to its own Connection.
package rtp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/aiva-labs/voicebridge/internal/audio"
)

// Endpoint identifies a PBX-side RTP peer by its (address, port) tuple.
type Endpoint struct {
	Addr string
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// EventKind discriminates Transport events.
type EventKind int

const (
	ClientAppeared EventKind = iota
	Audio
	ClientGone
)

// Event is emitted on the Transport's shared event channel.
type Event struct {
	Kind     EventKind
	Endpoint Endpoint
	Payload  []byte // μ-law payload, only set for Audio events
}

// peerState tracks per-endpoint demultiplexing and outbound RTP bookkeeping.
type peerState struct {
	lastSeen time.Time

	// Outbound RTP stream state: one SSRC/sequence/timestamp series per
	// endpoint, chosen at random on first outbound packet (§6.1) and held
	// for the life of the Connection.
	ssrc      uint32
	seq       uint16
	timestamp uint32
	started   bool
}

// Transport owns the single inbound/outbound UDP socket for the process.
type Transport struct {
	conn net.PacketConn

	mu    sync.Mutex
	peers map[Endpoint]*peerState

	events chan Event

	inactivity time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New binds a UDP socket at bindAddr and starts the read and sweep loops.
// Socket errors are fatal to the process (§4.1); New returns the error so
// the caller can log and exit rather than attempt a rebind.
func New(bindAddr string, inactivity time.Duration) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("rtp: resolve bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("rtp: listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		conn:       conn,
		peers:      make(map[Endpoint]*peerState),
		events:     make(chan Event, 256),
		inactivity: inactivity,
		ctx:        ctx,
		cancel:     cancel,
	}

	t.wg.Add(2)
	go t.readLoop()
	go t.sweepLoop()

	slog.Info("[Transport] Listening", "bind", bindAddr, "inactivity", inactivity)
	return t, nil
}

// Events returns the Transport's shared event stream. There is exactly one
// consumer: the Connection Manager.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// readLoop demultiplexes inbound datagrams by source address, emitting
// client-appeared on first sight of an endpoint and audio thereafter.
func (t *Transport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, 1500)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			slog.Error("[Transport] Read error, socket is fatal", "error", err)
			t.emit(Event{Kind: ClientGone})
			return
		}
		if n == 0 {
			// Edge case: zero-length payload is dropped without error (§8).
			continue
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		ep := Endpoint{Addr: udpAddr.IP.String(), Port: udpAddr.Port}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			slog.Debug("[Transport] Dropping unparseable packet", "endpoint", ep, "error", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		t.handlePacket(ep, pkt.Payload)
	}
}

// handlePacket updates demultiplexing state and emits the appropriate event.
// Sequence/timestamp fields from the inbound header are intentionally not
// honored (§4.1: "the PBX is trusted to deliver in order").
func (t *Transport) handlePacket(ep Endpoint, payload []byte) {
	t.mu.Lock()
	state, exists := t.peers[ep]
	if !exists {
		state = &peerState{}
		t.peers[ep] = state
	}
	state.lastSeen = time.Now()
	t.mu.Unlock()

	if !exists {
		t.emit(Event{Kind: ClientAppeared, Endpoint: ep})
	}
	t.emit(Event{Kind: Audio, Endpoint: ep, Payload: payload})
}

// sweepLoop periodically evicts endpoints that have been silent longer than
// the inactivity threshold, emitting client-gone for each.
func (t *Transport) sweepLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.inactivity / 3)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.sweepOnce()
		}
	}
}

func (t *Transport) sweepOnce() {
	now := time.Now()
	var gone []Endpoint

	t.mu.Lock()
	for ep, st := range t.peers {
		if now.Sub(st.lastSeen) >= t.inactivity {
			delete(t.peers, ep)
			gone = append(gone, ep)
		}
	}
	t.mu.Unlock()

	for _, ep := range gone {
		t.emit(Event{Kind: ClientGone, Endpoint: ep})
	}
}

// Release explicitly removes an endpoint's demultiplexing state, used when
// a Connection Manager tears down a call before RTP silence would have
// triggered it. A subsequent packet from the same address/port re-registers
// it as a fresh client-appeared (§4.1 edge case).
func (t *Transport) Release(ep Endpoint) {
	t.mu.Lock()
	_, existed := t.peers[ep]
	delete(t.peers, ep)
	t.mu.Unlock()

	if existed {
		t.emit(Event{Kind: ClientGone, Endpoint: ep})
	}
}

// Send wraps a μ-law payload in an RTP header and transmits it to ep,
// advancing that endpoint's sequence number and timestamp. The SSRC is
// generated once per endpoint on first send and held for the endpoint's
// lifetime (§6.1).
func (t *Transport) Send(ep Endpoint, payload []byte) error {
	t.mu.Lock()
	state, exists := t.peers[ep]
	if !exists {
		state = &peerState{lastSeen: time.Now()}
		t.peers[ep] = state
	}
	if !state.started {
		state.ssrc = generateSSRC()
		state.seq = generateSequenceStart()
		state.timestamp = generateTimestampStart()
		state.started = true
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0, // μ-law, §6.1
			SequenceNumber: state.seq,
			Timestamp:      state.timestamp,
			SSRC:           state.ssrc,
		},
		Payload: payload,
	}
	state.seq++
	state.timestamp += uint32(audio.SamplesPerFrame)
	t.mu.Unlock()

	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("rtp: marshal outbound packet: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", ep.String())
	if err != nil {
		return fmt.Errorf("rtp: resolve endpoint: %w", err)
	}
	if _, err := t.conn.WriteTo(data, addr); err != nil {
		return fmt.Errorf("rtp: write: %w", err)
	}
	return nil
}

// Close stops the read and sweep loops and releases the socket.
func (t *Transport) Close() error {
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()
	close(t.events)
	return err
}

func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}
