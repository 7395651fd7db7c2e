package media

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RTPSource is a Stream fed by RTP packets arriving on a local UDP socket.
// Whatever produces the packets (ffmpeg, gstreamer) is the capture device;
// the socket is the capture boundary. Closing the socket ends the stream.
type RTPSource struct {
	kind  Kind
	track *webrtc.TrackLocalStaticRTP
	conn  *net.UDPConn
	done  chan struct{}
	once  sync.Once
}

// NewRTPSource binds the UDP port and starts forwarding packets into a
// local track. Port 0 picks an ephemeral port; see Addr.
func NewRTPSource(kind Kind, port int) (*RTPSource, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	if kind == KindAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind), "cast")
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind rtp socket: %w", err)
	}
	s := &RTPSource{
		kind:  kind,
		track: track,
		conn:  conn,
		done:  make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

func (s *RTPSource) Kind() Kind { return s.kind }

func (s *RTPSource) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

func (s *RTPSource) Done() <-chan struct{} { return s.done }

// Addr is the bound ingest address.
func (s *RTPSource) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Close stops the forward loop and releases the socket.
func (s *RTPSource) Close() error {
	var err error
	s.once.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// loop validates each packet before forwarding it; a malformed packet is
// skipped, not fatal.
func (s *RTPSource) loop() {
	defer close(s.done)
	buf := make([]byte, 1600)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Debug().Err(err).Str("module", "media").Msg("skipping malformed rtp packet")
			continue
		}
		if err := s.track.WriteRTP(&pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Warn().Err(err).Str("module", "media").Msg("track write failed")
		}
	}
}
