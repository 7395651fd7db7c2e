package media

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func TestRTPSource_Lifecycle(t *testing.T) {
	s, err := NewRTPSource(KindScreen, 0)
	if err != nil {
		t.Fatalf("new rtp source: %v", err)
	}
	if s.Kind() != KindScreen {
		t.Fatalf("unexpected kind: %s", s.Kind())
	}
	if len(s.Tracks()) != 1 {
		t.Fatalf("expected one track, got %d", len(s.Tracks()))
	}
	if s.Addr().Port == 0 {
		t.Fatalf("expected bound port")
	}

	select {
	case <-s.Done():
		t.Fatalf("done fired before close")
	default:
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("done not signaled after close")
	}
	// Second close is a no-op.
	if err := s.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}

func TestRTPSource_ForwardsPackets(t *testing.T) {
	s, err := NewRTPSource(KindAudio, 0)
	if err != nil {
		t.Fatalf("new rtp source: %v", err)
	}
	defer s.Close()

	conn, err := net.DialUDP("udp", nil, s.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	pkt := rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 1, Timestamp: 1}, Payload: []byte{0x00}}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// Valid and garbage packets both must leave the loop alive.
	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := conn.Write([]byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case <-s.Done():
		t.Fatalf("loop died on malformed packet")
	default:
	}
}
