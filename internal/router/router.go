// Package router dispatches signaling envelopes among the clients of a
// room: greeting on connect, membership broadcasts, and point-to-point
// relay of offer, answer and ice-candidate messages.
package router

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Cast/internal/domain"
	"github.com/dkeye/Cast/internal/protocol"
	"github.com/dkeye/Cast/internal/registry"
)

type Router struct {
	reg *registry.Registry
}

func New(reg *registry.Registry) *Router {
	return &Router{reg: reg}
}

// Connect registers a new client: join the room, greet the connection with
// its identity, then broadcast the updated membership to the whole room,
// new member included.
func (rt *Router) Connect(conn registry.Conn, room domain.RoomName) (domain.UserID, error) {
	id, err := rt.reg.Join(conn, room)
	if err != nil {
		return "", err
	}
	if err := conn.Send(protocol.Welcome(room, id)); err != nil {
		log.Warn().Err(err).Str("module", "router").Str("user", string(id)).Msg("welcome send failed")
	}
	rt.broadcastUsers(room)
	return id, nil
}

// Disconnect removes the client and tells the remaining members. If the
// room died with this client, nobody is left to tell.
func (rt *Router) Disconnect(id domain.UserID) {
	room, ok := rt.reg.RoomOf(id)
	if !ok {
		return
	}
	rt.reg.Leave(id)
	rt.broadcastUsers(room)
}

// HandleMessage processes one raw inbound envelope from the identified
// client. Malformed or unknown messages are dropped; the connection stays
// open.
func (rt *Router) HandleMessage(id domain.UserID, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		log.Warn().Err(err).Str("module", "router").Str("user", string(id)).Msg("dropping bad envelope")
		return
	}
	if !env.Targeted() {
		log.Warn().Str("module", "router").Str("user", string(id)).Str("type", string(env.Type)).Msg("dropping unroutable envelope type")
		return
	}
	rt.relay(id, env)
}

// relay stamps the sender identity and delivers the envelope to the target
// within the sender's room. A missing target is not an error: it left, or
// never existed.
func (rt *Router) relay(from domain.UserID, env protocol.Envelope) {
	room, ok := rt.reg.RoomOf(from)
	if !ok {
		return
	}
	conn, ok := rt.reg.Lookup(room, env.Target)
	if !ok {
		log.Debug().Str("module", "router").Str("from", string(from)).Str("target", string(env.Target)).Msg("relay target not in room, dropped")
		return
	}
	env.From = from
	if err := conn.Send(env); err != nil {
		log.Warn().Err(err).Str("module", "router").Str("target", string(env.Target)).Msg("relay send failed")
	}
}

// broadcastUsers fans the membership snapshot out to every member. Each
// delivery is independent: one slow or dead connection must not starve the
// rest.
func (rt *Router) broadcastUsers(room domain.RoomName) {
	ids := rt.reg.MembersOf(room)
	if len(ids) == 0 {
		return
	}
	env := protocol.UserList(ids)
	for _, id := range ids {
		conn, ok := rt.reg.Lookup(room, id)
		if !ok {
			continue
		}
		if err := conn.Send(env); err != nil {
			log.Warn().Err(err).Str("module", "router").Str("user", string(id)).Msg("users broadcast send failed")
		}
	}
}
