// Package protocol defines the signaling wire format: a closed tagged union
// over the envelope kinds exchanged between client and server. Anything that
// does not match a known shape is rejected before dispatch.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Cast/internal/domain"
)

type Type string

const (
	TypeWelcome   Type = "welcome"
	TypeUsers     Type = "users"
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "ice-candidate"
	TypeError     Type = "error"
)

var (
	ErrUnknownType    = errors.New("unknown envelope type")
	ErrMissingTarget  = errors.New("envelope has no target")
	ErrMissingPayload = errors.New("envelope has no payload")
)

// Envelope is the wire message. For the targeted kinds exactly one of Offer,
// Answer and Candidate is set. Target is written by the sender; From is
// stamped by the router and never trusted from the wire.
type Envelope struct {
	Type      Type            `json:"type"`
	Message   string          `json:"message,omitempty"`
	UserID    domain.UserID   `json:"userId,omitempty"`
	Users     []domain.UserID `json:"users,omitempty"`
	Target    domain.UserID   `json:"target,omitempty"`
	From      domain.UserID   `json:"from,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Targeted reports whether the envelope kind is relayed point-to-point.
func (e Envelope) Targeted() bool {
	switch e.Type {
	case TypeOffer, TypeAnswer, TypeCandidate:
		return true
	}
	return false
}

// payload returns the opaque payload field the envelope kind requires.
func (e Envelope) payload() json.RawMessage {
	switch e.Type {
	case TypeOffer:
		return e.Offer
	case TypeAnswer:
		return e.Answer
	case TypeCandidate:
		return e.Candidate
	}
	return nil
}

// Decode parses and validates an inbound envelope. Targeted kinds must
// carry an addressee (target on the way in, from on the way out) and their
// payload field. The router overwrites From on every relay, so a sender
// cannot forge it.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	switch e.Type {
	case TypeWelcome, TypeUsers, TypeOffer, TypeAnswer, TypeCandidate, TypeError:
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if e.Targeted() {
		if e.Target == "" && e.From == "" {
			return Envelope{}, fmt.Errorf("%w: %s", ErrMissingTarget, e.Type)
		}
		if len(e.payload()) == 0 {
			return Envelope{}, fmt.Errorf("%w: %s", ErrMissingPayload, e.Type)
		}
	}
	return e, nil
}

// Encode serializes an envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Welcome builds the greeting sent to a freshly joined connection.
func Welcome(room domain.RoomName, id domain.UserID) Envelope {
	return Envelope{
		Type:    TypeWelcome,
		Message: fmt.Sprintf("Welcome to room: %s", room),
		UserID:  id,
	}
}

// UserList builds the membership snapshot broadcast to a room.
func UserList(ids []domain.UserID) Envelope {
	return Envelope{Type: TypeUsers, Users: ids}
}

// Fault builds the error envelope sent before terminating a connection.
func Fault(msg string) Envelope {
	return Envelope{Type: TypeError, Error: msg}
}

// Offer builds an outbound session offer for one remote.
func Offer(target domain.UserID, sdp json.RawMessage) Envelope {
	return Envelope{Type: TypeOffer, Target: target, Offer: sdp}
}

// Answer builds an outbound session answer for one remote.
func Answer(target domain.UserID, sdp json.RawMessage) Envelope {
	return Envelope{Type: TypeAnswer, Target: target, Answer: sdp}
}

// IceCandidate builds an outbound connectivity candidate for one remote.
func IceCandidate(target domain.UserID, candidate json.RawMessage) Envelope {
	return Envelope{Type: TypeCandidate, Target: target, Candidate: candidate}
}
