package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DacKha/Bus-Tracking-System-sub001/pkg/event"
)

// Transport is the slice of a live connection the registry and router need:
// identity and a non-blocking, ordered outbound path. Satisfied by
// *transport.Connection.
type Transport interface {
	ID() uuid.UUID
	Send(msg []byte)
	Close(err error)
}

// Connection is one authenticated participant channel as the server sees it.
// Instances are created at registration and never reused; a reconnecting
// participant registers a fresh one.
type Connection struct {
	ID          uuid.UUID
	Participant string
	Perms       Permission
	Remote      string
	Transport   Transport
	CreatedAt   time.Time
}

// Stats is a point-in-time snapshot for the status endpoint.
type Stats struct {
	Connections  int `json:"connections"`
	Participants int `json:"participants"`
	Rooms        int `json:"rooms"`
}

// Registry is the membership index: which connections exist, which
// participant owns each, and which rooms each belongs to. It is the only
// mutable state shared between concurrent publishers, so every read used
// for fan-out is a snapshot taken under the lock.
//
// A single RWMutex guards all three maps; the atomic purge on deregister
// depends on that (a closing connection must never appear in a MembersOf
// snapshot taken after the purge).
type Registry struct {
	mu           sync.RWMutex
	conns        map[uuid.UUID]*Connection
	participants map[string]map[uuid.UUID]*Connection
	rooms        map[event.RoomID]map[uuid.UUID]*Connection
	joined       map[uuid.UUID][]event.RoomID // per-connection join order

	logger *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		conns:        make(map[uuid.UUID]*Connection),
		participants: make(map[string]map[uuid.UUID]*Connection),
		rooms:        make(map[event.RoomID]map[uuid.UUID]*Connection),
		joined:       make(map[uuid.UUID][]event.RoomID),
		logger:       logger.With(slog.String("component", "registry")),
	}
}

// RegisterConnection indexes a freshly authenticated connection.
func (r *Registry) RegisterConnection(t Transport, participant, remote string, perms Permission) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := t.ID()
	if _, exists := r.conns[id]; exists {
		return nil, ErrDuplicateConn
	}
	conn := &Connection{
		ID:          id,
		Participant: participant,
		Perms:       perms,
		Remote:      remote,
		Transport:   t,
		CreatedAt:   time.Now(),
	}
	r.conns[id] = conn

	byConn, ok := r.participants[participant]
	if !ok {
		byConn = make(map[uuid.UUID]*Connection)
		r.participants[participant] = byConn
	}
	byConn[id] = conn

	r.logger.Debug("connection registered",
		slog.String("connID", id.String()), slog.String("participant", participant))
	return conn, nil
}

// DeregisterConnection removes the connection and purges every room
// membership it held, atomically with respect to concurrent fan-out.
func (r *Registry) DeregisterConnection(connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return // already gone
	}
	for _, roomID := range r.joined[connID] {
		r.dropMember(connID, roomID)
	}
	delete(r.joined, connID)
	delete(r.conns, connID)

	byConn := r.participants[conn.Participant]
	delete(byConn, connID)
	if len(byConn) == 0 {
		delete(r.participants, conn.Participant)
	}
	r.logger.Debug("connection deregistered", slog.String("connID", connID.String()))
}

// Get looks up a registered connection.
func (r *Registry) Get(connID uuid.UUID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// Join adds the connection to a room. Idempotent: joining a room twice
// leaves one membership and the original join order.
func (r *Registry) Join(connID uuid.UUID, roomID event.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return ErrConnUnknown
	}
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[uuid.UUID]*Connection)
		r.rooms[roomID] = members
	}
	if _, already := members[connID]; already {
		return nil
	}
	members[connID] = conn
	r.joined[connID] = append(r.joined[connID], roomID)

	r.logger.Debug("joined room",
		slog.String("connID", connID.String()), slog.String("room", string(roomID)))
	return nil
}

// Leave removes the connection from a room. Leaving a room it is not in is
// a no-op.
func (r *Registry) Leave(connID uuid.UUID, roomID event.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		return ErrConnUnknown
	}
	r.dropMember(connID, roomID)

	order := r.joined[connID]
	for i, id := range order {
		if id == roomID {
			r.joined[connID] = append(order[:i], order[i+1:]...)
			break
		}
	}
	return nil
}

// dropMember removes one membership link and deletes the room when it
// empties out; rooms have no lifetime beyond their members. Caller holds mu.
func (r *Registry) dropMember(connID uuid.UUID, roomID event.RoomID) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// MembersOf returns a consistent snapshot of the room's current members.
// The slice is the router's fan-out set: every connection in it was a
// member at snapshot time, and purged connections never appear.
func (r *Registry) MembersOf(roomID event.RoomID) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]*Connection, 0, len(members))
	for _, conn := range members {
		out = append(out, conn)
	}
	return out
}

// RoomsOf returns the rooms the connection currently belongs to, in the
// order it joined them. Used to replay memberships onto a successor
// connection after reconnect.
func (r *Registry) RoomsOf(connID uuid.UUID) []event.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order := r.joined[connID]
	out := make([]event.RoomID, len(order))
	copy(out, order)
	return out
}

// ParticipantConnections returns every live connection a participant holds;
// the delivery set for connection-direct envelopes.
func (r *Registry) ParticipantConnections(participant string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byConn := r.participants[participant]
	out := make([]*Connection, 0, len(byConn))
	for _, conn := range byConn {
		out = append(out, conn)
	}
	return out
}

// ParticipantConnectionCount supports the connection limiter.
func (r *Registry) ParticipantConnectionCount(participant string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants[participant])
}

// OldestParticipantConnection is used by the limiter's cycle mode.
func (r *Registry) OldestParticipantConnection(participant string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var oldest *Connection
	for _, conn := range r.participants[participant] {
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	return oldest, oldest != nil
}

// AllConnections snapshots every registered connection; used by graceful
// shutdown.
func (r *Registry) AllConnections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Connections:  len(r.conns),
		Participants: len(r.participants),
		Rooms:        len(r.rooms),
	}
}
