package event

import (
	"strconv"
	"strings"
)

// RoomID names a fan-out scope. Two shapes exist: "trip:<id>" for the
// viewers of one vehicle's live trip, and "conv:<a>:<b>" for a pairwise
// conversation. Conversation keys are canonicalized so both participants
// derive the same room independently.
type RoomID string

const (
	tripPrefix = "trip:"
	convPrefix = "conv:"
)

// TripRoom returns the room for a trip's live viewers.
func TripRoom(tripID int64) RoomID {
	return RoomID(tripPrefix + strconv.FormatInt(tripID, 10))
}

// ConversationRoom returns the canonical room for a pair of participants.
// Numeric IDs order numerically, anything else lexicographically, so
// ConversationRoom(a, b) == ConversationRoom(b, a).
func ConversationRoom(a, b string) RoomID {
	if participantLess(b, a) {
		a, b = b, a
	}
	return RoomID(convPrefix + a + ":" + b)
}

func participantLess(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

// TripID extracts the trip identifier from a trip room key.
func (r RoomID) TripID() (int64, bool) {
	raw, ok := strings.CutPrefix(string(r), tripPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (r RoomID) Valid() bool {
	s := string(r)
	switch {
	case strings.HasPrefix(s, tripPrefix):
		_, ok := r.TripID()
		return ok
	case strings.HasPrefix(s, convPrefix):
		parts := strings.Split(strings.TrimPrefix(s, convPrefix), ":")
		return len(parts) == 2 && parts[0] != "" && parts[1] != ""
	}
	return false
}
