package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
)

// Envelope is the immutable unit of transmission and local dispatch. The
// payload schema is fixed per kind; the router never looks past the header.
//
// ID values are ksuids, so envelope IDs from one origin sort in publish
// order. Corr carries the correlation key of a locally-originated optimistic
// mutation and travels unchanged through the authoritative echo.
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	Kind      Kind            `json:"kind"`
	Room      RoomID          `json:"room,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Corr      string          `json:"corr,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

func newEnvelope(kind Kind, room RoomID, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{
		ID:        ksuid.New().String(),
		Kind:      kind,
		Room:      room,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// NewLocation builds a location envelope addressed to the trip's room.
func NewLocation(p LocationPayload) (Envelope, error) {
	return newEnvelope(KindLocation, TripRoom(p.TripID), p)
}

// NewMessage builds a chat envelope addressed to a conversation room.
func NewMessage(room RoomID, p MessagePayload) (Envelope, error) {
	return newEnvelope(KindMessage, room, p)
}

// NewAttendance builds an attendance envelope addressed to the trip's room.
func NewAttendance(p AttendancePayload) (Envelope, error) {
	return newEnvelope(KindAttendance, TripRoom(p.TripID), p)
}

// NewTripStatus builds a trip-status envelope addressed to the trip's room.
func NewTripStatus(p TripStatusPayload) (Envelope, error) {
	return newEnvelope(KindTripStatus, TripRoom(p.TripID), p)
}

// NewIncident builds an incident envelope addressed to the trip's room.
func NewIncident(p IncidentPayload) (Envelope, error) {
	return newEnvelope(KindIncident, TripRoom(p.TripID), p)
}

// NewNotification builds a connection-direct envelope; it carries no room
// and is delivered to the target participant's live connections only.
func NewNotification(p NotificationPayload) (Envelope, error) {
	return newEnvelope(KindNotification, "", p)
}

// WithCorr returns a copy of the envelope tagged with a correlation key.
// The receiver is never mutated.
func (e Envelope) WithCorr(key string) Envelope {
	e.Corr = key
	return e
}

func (e Envelope) decode(kind Kind, into any) error {
	if e.Kind != kind {
		return fmt.Errorf("envelope is %q, not %q", e.Kind, kind)
	}
	if err := json.Unmarshal(e.Payload, into); err != nil {
		return fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return nil
}

func (e Envelope) Location() (LocationPayload, error) {
	var p LocationPayload
	err := e.decode(KindLocation, &p)
	return p, err
}

func (e Envelope) Message() (MessagePayload, error) {
	var p MessagePayload
	err := e.decode(KindMessage, &p)
	return p, err
}

func (e Envelope) Attendance() (AttendancePayload, error) {
	var p AttendancePayload
	err := e.decode(KindAttendance, &p)
	return p, err
}

func (e Envelope) TripStatus() (TripStatusPayload, error) {
	var p TripStatusPayload
	err := e.decode(KindTripStatus, &p)
	return p, err
}

func (e Envelope) Incident() (IncidentPayload, error) {
	var p IncidentPayload
	err := e.decode(KindIncident, &p)
	return p, err
}

func (e Envelope) Notification() (NotificationPayload, error) {
	var p NotificationPayload
	err := e.decode(KindNotification, &p)
	return p, err
}
