// Package engine drives the client-side negotiation: one Peer Link per
// remote participant, created and torn down in reaction to signaling
// envelopes, link connectivity events and the local media lifecycle. All
// link state lives on a single event loop, so every transition is a
// function of (current state, event) and nothing races.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Cast/internal/domain"
	"github.com/dkeye/Cast/internal/media"
	"github.com/dkeye/Cast/internal/peer"
	"github.com/dkeye/Cast/internal/protocol"
)

// Sender delivers outbound envelopes to the signaling server.
type Sender interface {
	Send(env protocol.Envelope) error
}

// RemoteSink is the rendering boundary for remote media. Release must be
// tolerant of remotes it never rendered.
type RemoteSink interface {
	Render(remote domain.UserID, track *webrtc.TrackRemote)
	Release(remote domain.UserID)
}

var ErrStopped = errors.New("engine stopped")

// PeerStatus is a point-in-time view of one link for inspection.
type PeerStatus struct {
	Remote domain.UserID
	State  peer.State
}

type ctrlReq struct {
	fn    func() error
	reply chan error
}

// Engine owns the peer links and the local stream of one signaling session.
type Engine struct {
	sender  Sender
	sink    RemoteSink
	capture media.Capture
	rtcCfg  webrtc.Configuration

	// Loop-owned state. Only the Run goroutine touches these.
	self   domain.UserID
	known  map[domain.UserID]struct{}
	links  map[domain.UserID]*peer.Link
	stream media.Stream

	events chan peer.Event
	ctrl   chan ctrlReq
	done   chan struct{}
}

func New(sender Sender, sink RemoteSink, capture media.Capture, rtcCfg webrtc.Configuration) *Engine {
	return &Engine{
		sender:  sender,
		sink:    sink,
		capture: capture,
		rtcCfg:  rtcCfg,
		known:   make(map[domain.UserID]struct{}),
		links:   make(map[domain.UserID]*peer.Link),
		events:  make(chan peer.Event, 64),
		ctrl:    make(chan ctrlReq),
		done:    make(chan struct{}),
	}
}

// Run is the event loop. It returns when ctx is cancelled or the incoming
// channel closes (connection lost); either way every link is closed and the
// local stream released on the way out.
func (e *Engine) Run(ctx context.Context, incoming <-chan protocol.Envelope) {
	defer func() {
		e.stopMedia()
		close(e.done)
		log.Info().Str("module", "engine").Msg("stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-incoming:
			if !ok {
				log.Warn().Str("module", "engine").Msg("signaling connection lost")
				return
			}
			e.handleEnvelope(env)
		case ev := <-e.events:
			e.handleEvent(ev)
		case req := <-e.ctrl:
			req.reply <- req.fn()
		case <-e.streamEnded():
			log.Info().Str("module", "engine").Str("kind", string(e.stream.Kind())).Msg("local capture ended")
			e.stopMedia()
		}
	}
}

// streamEnded returns the end-of-capture observer of the active stream, or
// nil (blocks forever) when none is active.
func (e *Engine) streamEnded() <-chan struct{} {
	if e.stream == nil {
		return nil
	}
	return e.stream.Done()
}

// do runs fn on the event loop and waits for its result.
func (e *Engine) do(fn func() error) error {
	req := ctrlReq{fn: fn, reply: make(chan error, 1)}
	select {
	case e.ctrl <- req:
	case <-e.done:
		return ErrStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-e.done:
		return ErrStopped
	}
}

// StartMedia acquires a local capture of the given kind, replacing any
// active one, and starts outbound negotiation toward every known remote.
func (e *Engine) StartMedia(kind media.Kind) error {
	return e.do(func() error { return e.startMedia(kind) })
}

// StopMedia releases the local capture and closes every peer link.
func (e *Engine) StopMedia() error {
	return e.do(func() error {
		e.stopMedia()
		return nil
	})
}

// Self returns the identity the server assigned, empty before welcome.
func (e *Engine) Self() domain.UserID {
	var id domain.UserID
	_ = e.do(func() error {
		id = e.self
		return nil
	})
	return id
}

// Peers snapshots the current links.
func (e *Engine) Peers() []PeerStatus {
	var out []PeerStatus
	_ = e.do(func() error {
		for id, l := range e.links {
			out = append(out, PeerStatus{Remote: id, State: l.State()})
		}
		return nil
	})
	return out
}

func (e *Engine) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeWelcome:
		e.self = env.UserID
		log.Info().Str("module", "engine").Str("self", string(e.self)).Msg(env.Message)
	case protocol.TypeUsers:
		e.handleUsers(env.Users)
	case protocol.TypeOffer:
		e.handleOffer(env)
	case protocol.TypeAnswer:
		e.handleAnswer(env)
	case protocol.TypeCandidate:
		e.handleCandidate(env)
	case protocol.TypeError:
		log.Error().Str("module", "engine").Str("error", env.Error).Msg("server fault")
	default:
		log.Warn().Str("module", "engine").Str("type", string(env.Type)).Msg("dropping unexpected envelope")
	}
}

// handleUsers reconciles links against the new membership snapshot: offer
// to arrivals while media is active, tear down links to departures.
func (e *Engine) handleUsers(users []domain.UserID) {
	others := make(map[domain.UserID]struct{}, len(users))
	for _, id := range users {
		if id == e.self {
			continue
		}
		others[id] = struct{}{}
	}
	e.known = others

	if e.stream != nil {
		for _, id := range users {
			if id == e.self {
				continue
			}
			if _, ok := e.links[id]; !ok {
				e.startOffer(id)
			}
		}
	}

	for id := range e.links {
		if _, ok := others[id]; !ok {
			log.Info().Str("module", "engine").Str("remote", string(id)).Msg("remote left room, closing link")
			e.closeLink(id)
		}
	}
}

// handleOffer answers an inbound offer. An existing link for the sender is
// replaced, not merged: first valid offer wins over whatever negotiation
// was in flight.
func (e *Engine) handleOffer(env protocol.Envelope) {
	from := env.From
	if from == "" {
		log.Warn().Str("module", "engine").Msg("offer without sender, dropped")
		return
	}
	if _, ok := e.links[from]; ok {
		log.Info().Str("module", "engine").Str("remote", string(from)).Msg("replacing existing link on new offer")
		e.closeLink(from)
	}

	var sd webrtc.SessionDescription
	if err := json.Unmarshal(env.Offer, &sd); err != nil {
		log.Warn().Err(err).Str("module", "engine").Str("remote", string(from)).Msg("bad offer payload, dropped")
		return
	}

	link, err := e.newLink(from)
	if err != nil {
		log.Error().Err(err).Str("module", "engine").Str("remote", string(from)).Msg("link create failed")
		return
	}
	answer, err := link.ApplyOffer(sd)
	if err != nil {
		log.Error().Err(err).Str("module", "engine").Str("remote", string(from)).Msg("answer generation failed")
		e.closeLink(from)
		return
	}
	e.sendDescription(protocol.TypeAnswer, from, answer)
}

// handleAnswer completes an outbound round. Answers for remotes without a
// pending offer are stale and dropped with a warning.
func (e *Engine) handleAnswer(env protocol.Envelope) {
	link, ok := e.links[env.From]
	if !ok {
		log.Warn().Str("module", "engine").Str("remote", string(env.From)).Msg("answer for unknown peer, dropped")
		return
	}
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(env.Answer, &sd); err != nil {
		log.Warn().Err(err).Str("module", "engine").Str("remote", string(env.From)).Msg("bad answer payload, dropped")
		return
	}
	if err := link.ApplyAnswer(sd); err != nil {
		log.Error().Err(err).Str("module", "engine").Str("remote", string(env.From)).Msg("answer apply failed, closing link")
		e.closeLink(env.From)
	}
}

// handleCandidate applies one remote candidate. Failures are logged only:
// ICE gathers many candidates and a bad one must not abort negotiation.
func (e *Engine) handleCandidate(env protocol.Envelope) {
	link, ok := e.links[env.From]
	if !ok {
		log.Warn().Str("module", "engine").Str("remote", string(env.From)).Msg("candidate for unknown peer, dropped")
		return
	}
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(env.Candidate, &ci); err != nil {
		log.Warn().Err(err).Str("module", "engine").Str("remote", string(env.From)).Msg("bad candidate payload, dropped")
		return
	}
	if err := link.AddCandidate(ci); err != nil {
		log.Warn().Err(err).Str("module", "engine").Str("remote", string(env.From)).Msg("candidate apply failed")
	}
}

func (e *Engine) handleEvent(ev peer.Event) {
	if link, ok := e.links[ev.Remote]; !ok || link != ev.Link {
		// Stale event from a link already replaced or torn down. Closing a
		// link fires its closed-state callback, and matching by remote id
		// alone would let that event take down the replacement.
		return
	}
	switch ev.Kind {
	case peer.EventCandidate:
		payload, err := json.Marshal(ev.Candidate)
		if err != nil {
			log.Error().Err(err).Str("module", "engine").Msg("candidate marshal failed")
			return
		}
		if err := e.sender.Send(protocol.IceCandidate(ev.Remote, payload)); err != nil {
			log.Warn().Err(err).Str("module", "engine").Str("remote", string(ev.Remote)).Msg("candidate send failed")
		}
	case peer.EventConnectionState:
		switch ev.ConnState {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			log.Info().Str("module", "engine").Str("remote", string(ev.Remote)).Str("state", ev.ConnState.String()).Msg("connectivity lost, closing link")
			e.closeLink(ev.Remote)
		}
	}
}

// newLink creates a link toward the remote with local tracks attached and
// remote tracks wired to the sink.
func (e *Engine) newLink(remote domain.UserID) (*peer.Link, error) {
	link, err := peer.NewLink(e.rtcCfg, remote, e.events)
	if err != nil {
		return nil, err
	}
	link.OnTrack(e.sink.Render)
	if e.stream != nil {
		if err := link.AttachTracks(e.stream.Tracks()); err != nil {
			link.Close()
			return nil, err
		}
	}
	e.links[remote] = link
	return link, nil
}

// startOffer begins outbound negotiation toward one remote. Any failure
// aborts this link only.
func (e *Engine) startOffer(remote domain.UserID) {
	link, err := e.newLink(remote)
	if err != nil {
		log.Error().Err(err).Str("module", "engine").Str("remote", string(remote)).Msg("link create failed")
		return
	}
	offer, err := link.CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "engine").Str("remote", string(remote)).Msg("offer generation failed")
		e.closeLink(remote)
		return
	}
	e.sendDescription(protocol.TypeOffer, remote, offer)
}

func (e *Engine) sendDescription(kind protocol.Type, remote domain.UserID, sd webrtc.SessionDescription) {
	payload, err := json.Marshal(sd)
	if err != nil {
		log.Error().Err(err).Str("module", "engine").Msg("description marshal failed")
		e.closeLink(remote)
		return
	}
	env := protocol.Offer(remote, payload)
	if kind == protocol.TypeAnswer {
		env = protocol.Answer(remote, payload)
	}
	if err := e.sender.Send(env); err != nil {
		log.Warn().Err(err).Str("module", "engine").Str("remote", string(remote)).Msg("description send failed")
	}
}

func (e *Engine) startMedia(kind media.Kind) error {
	// Single stream at a time: replacing also restarts every negotiation.
	e.stopMedia()
	s, err := e.capture(kind)
	if err != nil {
		return fmt.Errorf("acquire %s capture: %w", kind, err)
	}
	e.stream = s
	log.Info().Str("module", "engine").Str("kind", string(kind)).Int("remotes", len(e.known)).Msg("local capture started")
	for id := range e.known {
		e.startOffer(id)
	}
	return nil
}

func (e *Engine) stopMedia() {
	if e.stream != nil {
		_ = e.stream.Close()
		e.stream = nil
	}
	for id := range e.links {
		e.closeLink(id)
	}
}

func (e *Engine) closeLink(remote domain.UserID) {
	link, ok := e.links[remote]
	if !ok {
		return
	}
	link.Close()
	delete(e.links, remote)
	e.sink.Release(remote)
}
