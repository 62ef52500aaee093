package registry_test

import (
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/DacKha/Bus-Tracking-System-sub001/internal/registry"
	"github.com/DacKha/Bus-Tracking-System-sub001/pkg/event"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestRegistry() *registry.Registry {
	return registry.New(newTestLogger())
}

// fakeTransport satisfies registry.Transport without a websocket.
type fakeTransport struct {
	id uuid.UUID
}

func newFakeTransport() *fakeTransport { return &fakeTransport{id: uuid.New()} }
func (f *fakeTransport) ID() uuid.UUID { return f.id }
func (f *fakeTransport) Send(_ []byte) {}
func (f *fakeTransport) Close(_ error) {}

func register(t *testing.T, r *registry.Registry, participant string) *registry.Connection {
	t.Helper()
	conn, err := r.RegisterConnection(newFakeTransport(), participant, "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}
	return conn
}

func TestConnectionLifecycle(t *testing.T) {
	r := newTestRegistry()
	tr := newFakeTransport()

	conn, err := r.RegisterConnection(tr, "u-1", "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}
	if conn.ID != tr.ID() {
		t.Errorf("registered connection ID mismatch")
	}

	if _, err := r.RegisterConnection(tr, "u-1", "127.0.0.1", 0); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	got, found := r.Get(conn.ID)
	if !found || got.Participant != "u-1" {
		t.Fatalf("Get failed to return registered connection")
	}

	r.DeregisterConnection(conn.ID)
	if _, found := r.Get(conn.ID); found {
		t.Error("found connection after deregistration")
	}
	// deregistering twice is a no-op
	r.DeregisterConnection(conn.ID)
}

func TestJoinLeaveMembership(t *testing.T) {
	r := newTestRegistry()
	a := register(t, r, "u-a")
	b := register(t, r, "u-b")
	room := event.TripRoom(1)

	if err := r.Join(a.ID, room); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := r.Join(b.ID, room); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	// idempotent
	if err := r.Join(a.ID, room); err != nil {
		t.Fatalf("repeat Join failed: %v", err)
	}

	members := r.MembersOf(room)
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	if err := r.Leave(a.ID, room); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	members = r.MembersOf(room)
	if len(members) != 1 || members[0].Participant != "u-b" {
		t.Fatalf("expected only u-b to remain, got %d members", len(members))
	}

	// leaving a room not joined is a no-op
	if err := r.Leave(a.ID, room); err != nil {
		t.Fatalf("repeat Leave failed: %v", err)
	}

	// room disappears with its last member
	if err := r.Leave(b.ID, room); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if got := r.MembersOf(room); len(got) != 0 {
		t.Errorf("expected empty room after last leave, got %d members", len(got))
	}
	if r.Stats().Rooms != 0 {
		t.Errorf("expected empty room to be deleted")
	}
}

func TestJoinUnknownConnection(t *testing.T) {
	r := newTestRegistry()
	if err := r.Join(uuid.New(), event.TripRoom(1)); err == nil {
		t.Error("expected Join with unknown connection to fail")
	}
}

func TestRoomsOfPreservesJoinOrder(t *testing.T) {
	r := newTestRegistry()
	conn := register(t, r, "u-1")

	rooms := []event.RoomID{
		event.TripRoom(3),
		event.ConversationRoom("5", "9"),
		event.TripRoom(1),
	}
	for _, room := range rooms {
		if err := r.Join(conn.ID, room); err != nil {
			t.Fatalf("Join(%s) failed: %v", room, err)
		}
	}
	// re-join must not duplicate or reorder
	if err := r.Join(conn.ID, rooms[0]); err != nil {
		t.Fatalf("repeat Join failed: %v", err)
	}

	got := r.RoomsOf(conn.ID)
	if len(got) != len(rooms) {
		t.Fatalf("expected %d rooms, got %d", len(rooms), len(got))
	}
	for i := range rooms {
		if got[i] != rooms[i] {
			t.Errorf("room %d: expected %s, got %s", i, rooms[i], got[i])
		}
	}

	// leave the middle room; order of the rest is preserved
	if err := r.Leave(conn.ID, rooms[1]); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	got = r.RoomsOf(conn.ID)
	if len(got) != 2 || got[0] != rooms[0] || got[1] != rooms[2] {
		t.Errorf("unexpected rooms after leave: %v", got)
	}
}

func TestDeregisterPurgesMemberships(t *testing.T) {
	r := newTestRegistry()
	a := register(t, r, "u-a")
	b := register(t, r, "u-b")
	room1, room2 := event.TripRoom(1), event.TripRoom(2)

	for _, room := range []event.RoomID{room1, room2} {
		if err := r.Join(a.ID, room); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
	}
	if err := r.Join(b.ID, room1); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	r.DeregisterConnection(a.ID)

	for _, m := range r.MembersOf(room1) {
		if m.ID == a.ID {
			t.Error("closed connection still present in fan-out set")
		}
	}
	if got := r.MembersOf(room2); len(got) != 0 {
		t.Errorf("expected room2 to empty out, got %d members", len(got))
	}
	if got := r.RoomsOf(a.ID); len(got) != 0 {
		t.Errorf("expected no rooms for deregistered connection, got %v", got)
	}
}

func TestParticipantConnections(t *testing.T) {
	r := newTestRegistry()
	c1 := register(t, r, "u-1")
	register(t, r, "u-1")
	register(t, r, "u-2")

	if got := r.ParticipantConnectionCount("u-1"); got != 2 {
		t.Errorf("expected 2 connections for u-1, got %d", got)
	}
	if got := len(r.ParticipantConnections("u-2")); got != 1 {
		t.Errorf("expected 1 connection for u-2, got %d", got)
	}
	if got := len(r.ParticipantConnections("u-3")); got != 0 {
		t.Errorf("expected no connections for unknown participant, got %d", got)
	}

	oldest, found := r.OldestParticipantConnection("u-1")
	if !found {
		t.Fatal("expected to find oldest connection")
	}
	if oldest.ID != c1.ID {
		t.Errorf("expected first-registered connection to be oldest")
	}
}

func TestConcurrentMembership(t *testing.T) {
	r := newTestRegistry()
	conns := make([]*registry.Connection, 20)
	for i := range conns {
		conns[i] = register(t, r, "u-"+strconv.Itoa(i))
	}

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn *registry.Connection) {
			defer wg.Done()
			room := event.TripRoom(int64(i % 3))
			for j := 0; j < 50; j++ {
				_ = r.Join(conn.ID, room)
				r.MembersOf(room)
				_ = r.Leave(conn.ID, room)
			}
		}(i, conn)
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.MembersOf(event.TripRoom(int64(j % 3)))
				r.Stats()
			}
		}()
	}
	wg.Wait()

	for i := int64(0); i < 3; i++ {
		if got := r.MembersOf(event.TripRoom(i)); len(got) != 0 {
			t.Errorf("room %d not empty after all leaves: %d members", i, len(got))
		}
	}
}
