package ws

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/dkeye/Cast/internal/protocol"
)

// newTestConn upgrades a real websocket pair and wraps the server side.
func newTestConn(t *testing.T) *conn {
	t.Helper()
	upgraded := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upgraded <- ws
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	c := newConn(<-upgraded)
	t.Cleanup(c.Close)
	return c
}

func TestConn_SendAfterClose(t *testing.T) {
	c := newTestConn(t)
	c.Close()
	if err := c.Send(protocol.Fault("gone")); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
}

// The router relays into a conn from other connections' goroutines, so Send
// can race the owner's teardown. That race must yield an error, never a
// panic.
func TestConn_SendCloseRace(t *testing.T) {
	for i := 0; i < 25; i++ {
		c := newTestConn(t)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 64; j++ {
				_ = c.Send(protocol.Fault("racing"))
			}
		}()
		go func() {
			defer wg.Done()
			c.Close()
		}()
		wg.Wait()
	}
}

func TestConn_SendBackpressure(t *testing.T) {
	c := newTestConn(t)
	// No write pump draining: the buffer fills, then sends must fail fast.
	for i := 0; i < cap(c.send); i++ {
		if err := c.Send(protocol.Fault("fill")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := c.Send(protocol.Fault("overflow")); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}
}
