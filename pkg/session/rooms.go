package session

import (
	"fmt"

	"github.com/DacKha/Bus-Tracking-System-sub001/pkg/event"
)

// Join subscribes this connection to a room's fan-out. Idempotent. Valid
// only while open: membership is a property of the current connection
// instance and is replayed automatically after a reconnect.
func (s *Session) Join(roomID event.RoomID) error {
	if !roomID.Valid() {
		return fmt.Errorf("invalid room key %q", roomID)
	}
	if s.State() != StateOpen {
		return ErrNotConnected
	}

	s.mu.Lock()
	if s.roomSet[roomID] {
		s.mu.Unlock()
		return nil
	}
	s.roomSet[roomID] = true
	s.rooms = append(s.rooms, roomID)
	s.mu.Unlock()

	return s.sendFrame(event.Frame{Op: event.OpJoin, Room: roomID})
}

// Leave drops the room membership. Leaving a room never joined is a no-op.
func (s *Session) Leave(roomID event.RoomID) error {
	if s.State() != StateOpen {
		return ErrNotConnected
	}

	s.mu.Lock()
	if !s.roomSet[roomID] {
		s.mu.Unlock()
		return nil
	}
	delete(s.roomSet, roomID)
	for i, id := range s.rooms {
		if id == roomID {
			s.rooms = append(s.rooms[:i], s.rooms[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	return s.sendFrame(event.Frame{Op: event.OpLeave, Room: roomID})
}

// Rooms returns current memberships in join order.
func (s *Session) Rooms() []event.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.RoomID, len(s.rooms))
	copy(out, s.rooms)
	return out
}

// replayRooms re-issues joins for every room the previous connection
// instance held, in original join order, on the freshly adopted connection.
// Runs before the session reports open again.
func (s *Session) replayRooms() {
	for _, roomID := range s.Rooms() {
		if err := s.sendFrame(event.Frame{Op: event.OpJoin, Room: roomID}); err != nil {
			s.logger.Warn("membership replay failed", "room", string(roomID), "error", err)
		}
	}
}
