package peer

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Cast/internal/domain"
)

func newTestLink(t *testing.T, remote string) *Link {
	t.Helper()
	events := make(chan Event, 64)
	l, err := NewLink(Configuration(nil), domain.UserID(remote), events)
	if err != nil {
		t.Fatalf("new link: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func audioTrack(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "cast")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	return track
}

func TestLink_OfferAnswerRound(t *testing.T) {
	offerer := newTestLink(t, "remote-b")
	answerer := newTestLink(t, "remote-a")

	if err := offerer.AttachTracks([]webrtc.TrackLocal{audioTrack(t)}); err != nil {
		t.Fatalf("attach tracks: %v", err)
	}

	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if offerer.State() != StateOffering {
		t.Fatalf("expected offering state, got %s", offerer.State())
	}

	answer, err := answerer.ApplyOffer(offer)
	if err != nil {
		t.Fatalf("apply offer: %v", err)
	}
	if answerer.State() != StateAnswering {
		t.Fatalf("expected answering state, got %s", answerer.State())
	}

	if err := offerer.ApplyAnswer(answer); err != nil {
		t.Fatalf("apply answer: %v", err)
	}
}

func TestLink_AnswerWithoutOffer(t *testing.T) {
	l := newTestLink(t, "remote")
	err := l.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	if !errors.Is(err, ErrUnexpectedAnswer) {
		t.Fatalf("expected ErrUnexpectedAnswer, got %v", err)
	}
}

func TestLink_OfferTwice(t *testing.T) {
	l := newTestLink(t, "remote")
	if err := l.AttachTracks([]webrtc.TrackLocal{audioTrack(t)}); err != nil {
		t.Fatalf("attach tracks: %v", err)
	}
	if _, err := l.CreateOffer(); err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if _, err := l.CreateOffer(); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("expected ErrNotIdle, got %v", err)
	}
}

func TestLink_CloseIsTerminalAndIdempotent(t *testing.T) {
	l := newTestLink(t, "remote")
	l.Close()
	l.Close()
	if l.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", l.State())
	}
	if _, err := l.CreateOffer(); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("expected ErrLinkClosed, got %v", err)
	}
	if err := l.AddCandidate(webrtc.ICECandidateInit{Candidate: "x"}); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("expected ErrLinkClosed, got %v", err)
	}
}

func TestLink_BadCandidateDoesNotClose(t *testing.T) {
	offerer := newTestLink(t, "remote-b")
	answerer := newTestLink(t, "remote-a")
	if err := offerer.AttachTracks([]webrtc.TrackLocal{audioTrack(t)}); err != nil {
		t.Fatalf("attach tracks: %v", err)
	}
	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if _, err := answerer.ApplyOffer(offer); err != nil {
		t.Fatalf("apply offer: %v", err)
	}
	if err := answerer.AddCandidate(webrtc.ICECandidateInit{Candidate: "not a candidate"}); err == nil {
		t.Fatalf("expected candidate parse error")
	}
	if answerer.State() != StateAnswering {
		t.Fatalf("bad candidate changed link state to %s", answerer.State())
	}
}

func TestLink_CloseEventCarriesLinkIdentity(t *testing.T) {
	events := make(chan Event, 64)
	l, err := NewLink(Configuration(nil), "remote", events)
	if err != nil {
		t.Fatalf("new link: %v", err)
	}
	l.Close()

	// Close fires the closed-state callback; the event must name the link
	// that emitted it, otherwise the owner cannot distinguish it from the
	// remote's replacement link.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind != EventConnectionState || ev.ConnState != webrtc.PeerConnectionStateClosed {
				continue
			}
			if ev.Link != l {
				t.Fatalf("closed event carries wrong link: got %p, want %p", ev.Link, l)
			}
			return
		case <-deadline:
			t.Fatalf("no closed-state event after Close")
		}
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateIdle:      "idle",
		StateOffering:  "offering",
		StateAnswering: "answering",
		StateConnected: "connected",
		StateClosed:    "closed",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
