package event

import "time"

// Kind discriminates the closed set of envelope variants carried by the bus.
type Kind string

const (
	KindLocation     Kind = "location"
	KindMessage      Kind = "message"
	KindAttendance   Kind = "attendance"
	KindTripStatus   Kind = "trip_status"
	KindIncident     Kind = "incident"
	KindNotification Kind = "notification"
)

// Kinds returns every kind the bus is willing to route.
func Kinds() []Kind {
	return []Kind{
		KindLocation, KindMessage, KindAttendance,
		KindTripStatus, KindIncident, KindNotification,
	}
}

func (k Kind) Valid() bool {
	switch k {
	case KindLocation, KindMessage, KindAttendance,
		KindTripStatus, KindIncident, KindNotification:
		return true
	}
	return false
}

// Direct reports whether envelopes of this kind are addressed to a single
// participant rather than a room.
func (k Kind) Direct() bool {
	return k == KindNotification
}

// Phase is the leg of a trip an attendance mark belongs to.
type Phase string

const (
	PhasePickup  Phase = "pickup"
	PhaseDropoff Phase = "dropoff"
)

// AttendanceStatus is the resulting status of an attendance mark.
type AttendanceStatus string

const (
	StatusPickedUp   AttendanceStatus = "picked_up"
	StatusDroppedOff AttendanceStatus = "dropped_off"
	StatusAbsent     AttendanceStatus = "absent"
)

// TripState is the lifecycle state of a trip.
type TripState string

const (
	TripScheduled  TripState = "scheduled"
	TripInProgress TripState = "in_progress"
	TripCompleted  TripState = "completed"
	TripCancelled  TripState = "cancelled"
)

// LocationPayload is one GPS sample from a vehicle on an active trip.
type LocationPayload struct {
	TripID       int64     `json:"trip_id"`
	Latitude     float64   `json:"lat"`
	Longitude    float64   `json:"lon"`
	Speed        float64   `json:"speed"`
	Heading      float64   `json:"heading"`
	Accuracy     float64   `json:"accuracy"`
	SampledAt    time.Time `json:"sampled_at"`
	OperatorName string    `json:"operator_name,omitempty"`
}

// MessagePayload is one chat message within a conversation room.
type MessagePayload struct {
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Body       string    `json:"body"`
	SentAt     time.Time `json:"sent_at"`
}

// AttendancePayload marks one tracked subject at one leg of a trip.
type AttendancePayload struct {
	TripID    int64            `json:"trip_id"`
	SubjectID string           `json:"subject_id"`
	Phase     Phase            `json:"phase"`
	Status    AttendanceStatus `json:"status"`
	MarkedAt  time.Time        `json:"marked_at"`
}

// TripStatusPayload records a trip lifecycle transition.
type TripStatusPayload struct {
	TripID    int64     `json:"trip_id"`
	Status    TripState `json:"status"`
	ActorID   string    `json:"actor_id"`
	ChangedAt time.Time `json:"changed_at"`
}

// IncidentPayload is a free-text alert raised against a trip.
type IncidentPayload struct {
	TripID     int64     `json:"trip_id"`
	IncidentID string    `json:"incident_id"`
	Category   string    `json:"category"`
	Summary    string    `json:"summary"`
	ReportedAt time.Time `json:"reported_at"`
}

// NotificationPayload is a connection-direct notice for one participant.
type NotificationPayload struct {
	Target   string    `json:"target"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	Category string    `json:"category"`
	SentAt   time.Time `json:"sent_at"`
}
