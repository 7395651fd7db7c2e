// Package registry tracks which connections belong to which room and the
// identity assigned to each connection. It is the only state shared across
// connection handlers on the server; every mutation and membership read goes
// through its lock.
package registry

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Cast/internal/domain"
	"github.com/dkeye/Cast/internal/protocol"
)

// Conn is the transport endpoint of one client as the registry and router
// see it. Send must preserve per-recipient ordering.
type Conn interface {
	Send(env protocol.Envelope) error
	Close()
}

type clientRecord struct {
	conn Conn
	room domain.RoomName
}

// RoomInfo is a point-in-time view of one room for the listing endpoint.
type RoomInfo struct {
	Name    domain.RoomName `json:"room"`
	Members int             `json:"members"`
}

// Registry owns the room table and the per-connection records. A room
// exists iff it has at least one member: it is created on first join and
// deleted when its last member leaves.
type Registry struct {
	mu      sync.Mutex
	clients map[domain.UserID]*clientRecord
	// members keeps insertion order so snapshots are deterministic.
	members map[domain.RoomName][]domain.UserID
}

func New() *Registry {
	return &Registry{
		clients: make(map[domain.UserID]*clientRecord),
		members: make(map[domain.RoomName][]domain.UserID),
	}
}

// Join allocates a fresh identity for the connection and adds it to the
// room, creating the room if needed.
func (r *Registry) Join(conn Conn, room domain.RoomName) (domain.UserID, error) {
	if err := domain.ValidateRoomName(room); err != nil {
		return "", err
	}
	id := domain.NewUserID()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[id] = &clientRecord{conn: conn, room: room}
	r.members[room] = append(r.members[room], id)
	log.Info().Str("module", "registry").Str("user", string(id)).Str("room", string(room)).Msg("joined")
	return id, nil
}

// Leave removes the connection's record and its room membership. The room
// is deleted when it becomes empty. Unknown ids are a no-op.
func (r *Registry) Leave(id domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.clients[id]
	if !ok {
		return
	}
	delete(r.clients, id)

	ids := r.members[rec.room]
	for i, m := range ids {
		if m == id {
			r.members[rec.room] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.members[rec.room]) == 0 {
		delete(r.members, rec.room)
		log.Info().Str("module", "registry").Str("room", string(rec.room)).Msg("room deleted, empty")
	}
	log.Info().Str("module", "registry").Str("user", string(id)).Str("room", string(rec.room)).Msg("left")
}

// RoomOf returns the room the connection belongs to.
func (r *Registry) RoomOf(id domain.UserID) (domain.RoomName, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.clients[id]
	if !ok {
		return "", false
	}
	return rec.room, true
}

// MembersOf returns a membership snapshot in join order.
func (r *Registry) MembersOf(room domain.RoomName) []domain.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.members[room]
	out := make([]domain.UserID, len(ids))
	copy(out, ids)
	return out
}

// Lookup resolves a member's connection, checking it actually belongs to
// the given room.
func (r *Registry) Lookup(room domain.RoomName, id domain.UserID) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.clients[id]
	if !ok || rec.room != room {
		return nil, false
	}
	return rec.conn, true
}

// Rooms lists current rooms sorted by name.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RoomInfo, 0, len(r.members))
	for name, ids := range r.members {
		out = append(out, RoomInfo{Name: name, Members: len(ids)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
