package event

// Op discriminates the control frames exchanged on the wire. One JSON frame
// per websocket text message.
type Op string

const (
	// client -> server
	OpJoin      Op = "join"
	OpLeave     Op = "leave"
	OpPublish   Op = "publish"
	OpHeartbeat Op = "heartbeat" // echoed back by the server

	// server -> client
	OpWelcome Op = "welcome"
	OpEvent   Op = "event"
	OpReject  Op = "reject"
)

// Reject codes surfaced to publishing clients.
const (
	CodeUnknownKind = "unknown_kind"
	CodeBadRoom     = "bad_room"
	CodeBadEnvelope = "bad_envelope"
	CodeForbidden   = "forbidden"
)

// Frame is the top-level wire unit. Fields beyond Op are populated per op:
// Room for join/leave, Envelope for publish/event, Participant for welcome,
// and Corr/Code/Message for reject.
type Frame struct {
	Op          Op        `json:"op"`
	Room        RoomID    `json:"room,omitempty"`
	Envelope    *Envelope `json:"envelope,omitempty"`
	Participant string    `json:"participant,omitempty"`
	Corr        string    `json:"corr,omitempty"`
	Code        string    `json:"code,omitempty"`
	Message     string    `json:"message,omitempty"`
}
