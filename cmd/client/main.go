package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/Cast/internal/config"
	"github.com/dkeye/Cast/internal/domain"
	"github.com/dkeye/Cast/internal/engine"
	"github.com/dkeye/Cast/internal/media"
	"github.com/dkeye/Cast/internal/peer"
	"github.com/dkeye/Cast/internal/signal"
)

var (
	serverURL string
	roomName  string
	share     string
	rtpPort   int
)

var rootCmd = &cobra.Command{
	Use:   "cast-client",
	Short: "Join a Cast room and negotiate peer-to-peer media sessions",
	Long: `cast-client connects to a Cast signaling server, joins the given room
and negotiates direct WebRTC sessions with every other participant. With
--share it feeds RTP packets received on a local UDP port (e.g. from ffmpeg)
into the shared track.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&serverURL, "server", "", "signaling server URL (ws://host:port)")
	rootCmd.Flags().StringVar(&roomName, "room", "", "room to join")
	rootCmd.Flags().StringVar(&share, "share", "", "share a local stream: screen or audio")
	rootCmd.Flags().IntVar(&rtpPort, "rtp-port", 5004, "local UDP port for RTP ingest when sharing")
	_ = rootCmd.MarkFlagRequired("room")
}

// logSink is the rendering boundary of the headless client: remote tracks
// are drained and logged, not displayed.
type logSink struct{}

func (logSink) Render(remote domain.UserID, track *webrtc.TrackRemote) {
	log.Info().Str("module", "client").Str("remote", string(remote)).Str("kind", track.Kind().String()).Msg("remote track arrived")
	go func() {
		buf := make([]byte, 1600)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}()
}

func (logSink) Release(remote domain.UserID) {
	log.Info().Str("module", "client").Str("remote", string(remote)).Msg("remote released")
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if serverURL == "" {
		serverURL = cfg.Client.ServerURL
	}

	switch share {
	case "", string(media.KindScreen), string(media.KindAudio):
	default:
		return fmt.Errorf("unknown share kind %q, want screen or audio", share)
	}

	sc, err := signal.Dial(serverURL, domain.RoomName(roomName))
	if err != nil {
		return err
	}
	defer sc.Close()
	log.Info().Str("server", serverURL).Str("room", roomName).Msg("connected")

	capture := func(kind media.Kind) (media.Stream, error) {
		src, err := media.NewRTPSource(kind, rtpPort)
		if err != nil {
			return nil, err
		}
		log.Info().Str("addr", src.Addr().String()).Str("kind", string(kind)).Msg("rtp ingest listening")
		return src, nil
	}

	eng := engine.New(sc, logSink{}, capture, peer.Configuration(cfg.Client.STUNServers))

	done := make(chan struct{})
	go func() {
		defer close(done)
		eng.Run(ctx, sc.Incoming())
	}()

	if share != "" {
		if err := eng.StartMedia(media.Kind(share)); err != nil {
			cancel()
			<-done
			return fmt.Errorf("failed to start sharing: %w", err)
		}
	}

	<-done
	return nil
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("client exited with error")
		os.Exit(1)
	}
}
