// Package media owns the local capture lifecycle on the client: at most one
// active stream at a time, its tracks mirrored into every peer link. The
// concrete capture mechanism lives outside this system; this package defines
// the boundary and ships an RTP-socket source for headless use.
package media

import (
	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindScreen Kind = "screen"
	KindAudio  Kind = "audio"
)

// Stream is one local capture. Done is closed when the capture ends on its
// own (the end-of-track observer); Close releases it explicitly.
type Stream interface {
	Kind() Kind
	Tracks() []webrtc.TrackLocal
	Done() <-chan struct{}
	Close() error
}

// Capture acquires a local stream of the given kind.
type Capture func(kind Kind) (Stream, error)
