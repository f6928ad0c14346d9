package rtp

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func sendRawRTP(t *testing.T, conn *net.UDPConn, seq uint16, payload []byte) {
	t.Helper()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 160,
			SSRC:           1,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestDuplicateFirstPacketBurstYieldsOneAppeared(t *testing.T) {
	tr, err := New("127.0.0.1:0", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Close()

	localAddr := tr.conn.LocalAddr().(*net.UDPAddr)
	client, err := net.DialUDP("udp", nil, localAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	for i := 0; i < 5; i++ {
		sendRawRTP(t, client, uint16(i), []byte{1, 2, 3})
	}

	var appeared, audioEvents int
	timeout := time.After(time.Second)
	for appeared == 0 || audioEvents < 5 {
		select {
		case ev := <-tr.Events():
			switch ev.Kind {
			case ClientAppeared:
				appeared++
			case Audio:
				audioEvents++
			}
		case <-timeout:
			t.Fatalf("timed out waiting for events: appeared=%d audio=%d", appeared, audioEvents)
		}
	}

	if appeared != 1 {
		t.Fatalf("expected exactly 1 client-appeared, got %d", appeared)
	}
}

func TestZeroLengthPayloadDropped(t *testing.T) {
	tr, err := New("127.0.0.1:0", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Close()

	localAddr := tr.conn.LocalAddr().(*net.UDPAddr)
	client, err := net.DialUDP("udp", nil, localAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	sendRawRTP(t, client, 0, nil)
	// Follow with a real packet; only this one should surface.
	sendRawRTP(t, client, 1, []byte{9})

	select {
	case ev := <-tr.Events():
		if ev.Kind != ClientAppeared {
			t.Fatalf("expected client-appeared first, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for client-appeared")
	}
}

func TestClientGoneAfterInactivityAndReappearance(t *testing.T) {
	tr, err := New("127.0.0.1:0", 150*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Close()

	localAddr := tr.conn.LocalAddr().(*net.UDPAddr)
	client, err := net.DialUDP("udp", nil, localAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	sendRawRTP(t, client, 0, []byte{1})

	var sawAppeared, sawGone bool
	deadline := time.After(2 * time.Second)
	for !sawAppeared || !sawGone {
		select {
		case ev := <-tr.Events():
			switch ev.Kind {
			case ClientAppeared:
				sawAppeared = true
			case ClientGone:
				sawGone = true
			}
		case <-deadline:
			t.Fatalf("timed out: appeared=%v gone=%v", sawAppeared, sawGone)
		}
	}

	// Reappearance after client-gone must issue a fresh client-appeared.
	sendRawRTP(t, client, 1, []byte{2})
	select {
	case ev := <-tr.Events():
		if ev.Kind != ClientAppeared {
			t.Fatalf("expected fresh client-appeared on reappearance, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for reappearance event")
	}
}

func TestSendProducesFixedSizeOutboundPayload(t *testing.T) {
	tr, err := New("127.0.0.1:0", time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Close()

	localAddr := tr.conn.LocalAddr().(*net.UDPAddr)
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	dest := Endpoint{Addr: "127.0.0.1", Port: listener.LocalAddr().(*net.UDPAddr).Port}
	payload := make([]byte, 160)
	if err := tr.Send(dest, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_ = localAddr

	buf := make([]byte, 1500)
	listener.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := listener.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(pkt.Payload) != 160 {
		t.Fatalf("expected 160 payload bytes, got %d", len(pkt.Payload))
	}
}
