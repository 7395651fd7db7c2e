// Package ws is the server-side WebSocket transport adapter: it upgrades
// signaling connections, owns the per-connection read/write pumps, and hands
// decoded traffic to the router. Framing and delivery only; no routing
// decisions are made here.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Cast/internal/domain"
	"github.com/dkeye/Cast/internal/protocol"
	"github.com/dkeye/Cast/internal/router"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller terminates signaling websockets for one router.
type Controller struct {
	Router     *router.Router
	ReadLimit  int64
	PingPeriod time.Duration
}

// conn implements registry.Conn over a websocket. Envelopes pass through a
// buffered channel so the write pump is the only writer and per-recipient
// ordering holds. The send channel is never closed: the router relays into
// it from other connections' goroutines, which can race the owner's
// teardown, so shutdown is signalled over done instead.
type conn struct {
	ws   *websocket.Conn
	send chan protocol.Envelope
	done chan struct{}
	once sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:   ws,
		send: make(chan protocol.Envelope, 32),
		done: make(chan struct{}),
	}
}

func (c *conn) Send(env protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrBackpressure
	}
}

func (c *conn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// HandleSignal upgrades the request and attaches the connection to its room.
// A missing room name is terminal: error envelope, then close.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	room := domain.RoomName(c.Query("room"))

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.ws").Msg("upgrade failed")
		return
	}

	if err := domain.ValidateRoomName(room); err != nil {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteJSON(protocol.Fault(err.Error()))
		_ = ws.Close()
		return
	}

	cn := newConn(ws)
	go ctl.writePump(ctx, cn)

	id, err := ctl.Router.Connect(cn, room)
	if err != nil {
		cn.Close()
		return
	}
	log.Info().Str("module", "adapters.ws").Str("user", string(id)).Str("room", string(room)).Msg("connection established")

	go ctl.readPump(ctx, id, cn)
}

// readPump is the single reader of the connection. Its exit, for whatever
// reason, detaches the client from the room.
func (ctl *Controller) readPump(ctx context.Context, id domain.UserID, c *conn) {
	defer func() {
		ctl.Router.Disconnect(id)
		c.Close()
		log.Info().Str("module", "adapters.ws").Str("user", string(id)).Msg("connection closed")
	}()

	if ctl.ReadLimit > 0 {
		c.ws.SetReadLimit(ctl.ReadLimit)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "adapters.ws").Str("user", string(id)).Msg("read error")
				}
				return
			}
			ctl.Router.HandleMessage(id, data)
		}
	}
}

// writePump is the single writer of the connection. It drains the send
// channel and keeps the connection alive with pings.
func (ctl *Controller) writePump(ctx context.Context, c *conn) {
	period := ctl.PingPeriod
	if period <= 0 {
		period = (pongWait * 9) / 10
	}
	ticker := time.NewTicker(period)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case env := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				log.Warn().Err(err).Str("module", "adapters.ws").Msg("write error")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
