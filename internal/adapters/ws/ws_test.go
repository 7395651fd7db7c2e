package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	adapters "github.com/dkeye/Cast/internal/adapters/http"
	"github.com/dkeye/Cast/internal/config"
	"github.com/dkeye/Cast/internal/domain"
	"github.com/dkeye/Cast/internal/protocol"
	"github.com/dkeye/Cast/internal/registry"
	"github.com/dkeye/Cast/internal/router"
)

func startServer(t *testing.T) (*httptest.Server, *registry.Registry) {
	t.Helper()
	cfg := &config.Config{
		Mode:       "release",
		StaticPath: t.TempDir(),
		ReadLimit:  65536,
		PingPeriod: 54 * time.Second,
	}
	reg := registry.New()
	rt := router.New(reg)

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(adapters.SetupRouter(ctx, cfg, rt, reg))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv, reg
}

func dial(t *testing.T, srv *httptest.Server, room string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
	if room != "" {
		u += "?room=" + room
	}
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnv(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

// join connects and consumes the welcome + first users broadcast.
func join(t *testing.T, srv *httptest.Server, room string) (*websocket.Conn, domain.UserID) {
	t.Helper()
	ws := dial(t, srv, room)
	welcome := readEnv(t, ws)
	if welcome.Type != protocol.TypeWelcome || welcome.UserID == "" {
		t.Fatalf("unexpected first envelope: %+v", welcome)
	}
	users := readEnv(t, ws)
	if users.Type != protocol.TypeUsers {
		t.Fatalf("unexpected second envelope: %+v", users)
	}
	return ws, welcome.UserID
}

func TestSignal_WelcomeAndUsers(t *testing.T) {
	srv, _ := startServer(t)
	ws := dial(t, srv, "demo")

	welcome := readEnv(t, ws)
	if welcome.Type != protocol.TypeWelcome || welcome.UserID == "" {
		t.Fatalf("unexpected welcome: %+v", welcome)
	}
	if welcome.Message != "Welcome to room: demo" {
		t.Fatalf("unexpected welcome message: %q", welcome.Message)
	}
	users := readEnv(t, ws)
	if users.Type != protocol.TypeUsers || len(users.Users) != 1 || users.Users[0] != welcome.UserID {
		t.Fatalf("unexpected users: %+v", users)
	}
}

func TestSignal_MissingRoomRejected(t *testing.T) {
	srv, _ := startServer(t)
	ws := dial(t, srv, "")

	fault := readEnv(t, ws)
	if fault.Type != protocol.TypeError || fault.Error == "" {
		t.Fatalf("expected error envelope, got %+v", fault)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatalf("expected connection to be closed after error")
	}
}

func TestSignal_SecondJoinBroadcast(t *testing.T) {
	srv, _ := startServer(t)
	wsA, a := join(t, srv, "demo")
	wsB, b := join(t, srv, "demo")
	_ = wsB

	usersA := readEnv(t, wsA)
	if usersA.Type != protocol.TypeUsers || len(usersA.Users) != 2 {
		t.Fatalf("first member missed membership update: %+v", usersA)
	}
	if usersA.Users[0] != a || usersA.Users[1] != b {
		t.Fatalf("unexpected membership order: %+v", usersA.Users)
	}
}

func TestSignal_OfferRelayedWithFrom(t *testing.T) {
	srv, _ := startServer(t)
	wsA, a := join(t, srv, "demo")
	wsB, b := join(t, srv, "demo")
	readEnv(t, wsA) // users broadcast caused by B joining

	offer := protocol.Offer(b, json.RawMessage(`{"type":"offer","sdp":"v=0"}`))
	if err := wsA.WriteJSON(offer); err != nil {
		t.Fatalf("write offer: %v", err)
	}

	relayed := readEnv(t, wsB)
	if relayed.Type != protocol.TypeOffer || relayed.From != a || len(relayed.Offer) == 0 {
		t.Fatalf("unexpected relayed offer: %+v", relayed)
	}

	answer := protocol.Answer(a, json.RawMessage(`{"type":"answer","sdp":"v=0"}`))
	if err := wsB.WriteJSON(answer); err != nil {
		t.Fatalf("write answer: %v", err)
	}
	relayed = readEnv(t, wsA)
	if relayed.Type != protocol.TypeAnswer || relayed.From != b {
		t.Fatalf("unexpected relayed answer: %+v", relayed)
	}
}

func TestSignal_AbsentTargetDropped(t *testing.T) {
	srv, _ := startServer(t)
	wsA, _ := join(t, srv, "demo")
	wsB, _ := join(t, srv, "demo")
	readEnv(t, wsA) // users broadcast caused by B joining

	cand := protocol.IceCandidate("ghost", json.RawMessage(`{"candidate":"x"}`))
	if err := wsA.WriteJSON(cand); err != nil {
		t.Fatalf("write candidate: %v", err)
	}

	// Nothing may reach B; the next read must time out.
	_ = wsB.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var env protocol.Envelope
	if err := wsB.ReadJSON(&env); err == nil {
		t.Fatalf("unexpected delivery to B: %+v", env)
	}
}

func TestSignal_DisconnectShrinksRoom(t *testing.T) {
	srv, reg := startServer(t)
	wsA, a := join(t, srv, "demo")
	wsB, _ := join(t, srv, "demo")
	readEnv(t, wsA) // users broadcast caused by B joining

	wsB.Close()

	users := readEnv(t, wsA)
	if users.Type != protocol.TypeUsers || len(users.Users) != 1 || users.Users[0] != a {
		t.Fatalf("unexpected membership after disconnect: %+v", users)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(reg.MembersOf("demo")) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("registry still holds departed member: %v", reg.MembersOf("demo"))
}

func TestSignal_RoomsEndpoint(t *testing.T) {
	srv, _ := startServer(t)
	join(t, srv, "alpha")
	join(t, srv, "alpha")
	join(t, srv, "beta")

	resp, err := http.Get(srv.URL + "/api/rooms")
	if err != nil {
		t.Fatalf("get rooms: %v", err)
	}
	defer resp.Body.Close()
	var rooms []registry.RoomInfo
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		t.Fatalf("decode rooms: %v", err)
	}
	if len(rooms) != 2 || rooms[0].Name != "alpha" || rooms[0].Members != 2 || rooms[1].Name != "beta" || rooms[1].Members != 1 {
		t.Fatalf("unexpected rooms: %+v", rooms)
	}
}
