// Package peer implements the per-remote negotiation unit: one pion peer
// connection per remote participant, driven through explicit states and
// surfacing connectivity callbacks as typed events on a channel the engine
// owns. State transitions stay a function of (state, event); no engine
// logic lives in the callbacks.
package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Cast/internal/domain"
)

// State is the negotiation phase of one link. StateClosed is terminal.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	ErrLinkClosed       = errors.New("peer link closed")
	ErrNotIdle          = errors.New("negotiation already started")
	ErrUnexpectedAnswer = errors.New("no pending offer for answer")
)

type EventKind int

const (
	// EventCandidate carries a freshly gathered local candidate to send out.
	EventCandidate EventKind = iota
	// EventConnectionState carries an underlying connectivity change.
	EventConnectionState
)

// Event is what a link reports back to its owner. Link identifies the
// emitting link: callbacks outlive Close, so a replaced link can still
// report a state change under the same remote id, and the owner must be
// able to tell the stale event from one of the current link.
type Event struct {
	Remote    domain.UserID
	Link      *Link
	Kind      EventKind
	Candidate webrtc.ICECandidateInit
	ConnState webrtc.PeerConnectionState
}

// Configuration builds the pion configuration from STUN URLs.
func Configuration(stunURLs []string) webrtc.Configuration {
	if len(stunURLs) == 0 {
		stunURLs = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
	}
}

// Link is the negotiation state for one remote participant.
type Link struct {
	remote domain.UserID
	pc     *webrtc.PeerConnection
	events chan<- Event

	mu    sync.Mutex
	state State
	once  sync.Once
}

// NewLink creates an idle link toward the given remote. Candidate and
// connectivity callbacks are forwarded onto the events channel without
// blocking: a receiver that stopped draining loses events, not goroutines.
func NewLink(cfg webrtc.Configuration, remote domain.UserID, events chan<- Event) (*Link, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	l := &Link{remote: remote, pc: pc, events: events, state: StateIdle}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		l.emit(Event{Remote: remote, Kind: EventCandidate, Candidate: cand.ToJSON()})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "peer").Str("remote", string(remote)).Str("state", s.String()).Msg("connection state")
		if s == webrtc.PeerConnectionStateConnected {
			l.markConnected()
		}
		l.emit(Event{Remote: remote, Kind: EventConnectionState, ConnState: s})
	})

	return l, nil
}

func (l *Link) emit(ev Event) {
	ev.Link = l
	select {
	case l.events <- ev:
	default:
		log.Warn().Str("module", "peer").Str("remote", string(l.remote)).Msg("event queue full, dropped")
	}
}

func (l *Link) markConnected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateOffering || l.state == StateAnswering {
		l.state = StateConnected
	}
}

func (l *Link) Remote() domain.UserID { return l.remote }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// OnTrack registers the callback for remote media arriving on this link.
func (l *Link) OnTrack(fn func(remote domain.UserID, track *webrtc.TrackRemote)) {
	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(l.remote, track)
	})
}

// AttachTracks mirrors the local capture tracks into this link. Must happen
// before the offer or answer is generated so the SDP covers them.
func (l *Link) AttachTracks(tracks []webrtc.TrackLocal) error {
	for _, t := range tracks {
		if _, err := l.pc.AddTrack(t); err != nil {
			return fmt.Errorf("add track: %w", err)
		}
	}
	return nil
}

// CreateOffer starts outbound negotiation: generate and apply the local
// offer and move to StateOffering. Candidates trickle via events.
func (l *Link) CreateOffer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return webrtc.SessionDescription{}, ErrLinkClosed
	}
	if l.state != StateIdle {
		return webrtc.SessionDescription{}, ErrNotIdle
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	l.state = StateOffering
	return offer, nil
}

// ApplyOffer answers inbound negotiation: apply the remote offer, generate
// and apply the local answer, move to StateAnswering.
func (l *Link) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return webrtc.SessionDescription{}, ErrLinkClosed
	}
	if l.state != StateIdle {
		return webrtc.SessionDescription{}, ErrNotIdle
	}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	l.state = StateAnswering
	return answer, nil
}

// ApplyAnswer completes an outbound negotiation round. Only valid while a
// local offer is pending.
func (l *Link) ApplyAnswer(answer webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return ErrLinkClosed
	}
	if l.state != StateOffering {
		return fmt.Errorf("%w: link is %s", ErrUnexpectedAnswer, l.state)
	}
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// AddCandidate applies one remote connectivity candidate. ICE gathers many;
// a single bad one is the caller's to log, not a reason to close.
func (l *Link) AddCandidate(ci webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	l.mu.Unlock()
	if err := l.pc.AddICECandidate(ci); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Close releases the underlying connection. Idempotent; the link is
// unusable afterwards.
func (l *Link) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.state = StateClosed
		l.mu.Unlock()
		if err := l.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "peer").Str("remote", string(l.remote)).Msg("close error")
		}
	})
}
