package router

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/DacKha/Bus-Tracking-System-sub001/internal/registry"
	"github.com/DacKha/Bus-Tracking-System-sub001/pkg/event"
)

// Router classifies inbound frames and fans published envelopes out to the
// registry's membership snapshots. It is a dumb multiplexer: it stamps the
// envelope header (origin, id, timestamp) but never interprets payload
// semantics, and it does not filter self-echoes — de-duplication of
// optimistic mutations belongs to the client-side reconciler.
//
// HandleMessage runs on the origin connection's read goroutine, so frames
// from one origin are processed strictly in arrival order.
type Router struct {
	logger   *slog.Logger
	reg      *registry.Registry
	tracer   trace.Tracer
	throttle *sampleThrottle
}

func New(logger *slog.Logger, reg *registry.Registry) *Router {
	return &Router{
		logger:   logger.With(slog.String("component", "event_router")),
		reg:      reg,
		tracer:   otel.Tracer("fleetbus/router"),
		throttle: newSampleThrottle(),
	}
}

// HandleMessage is the transport message callback for server connections.
func (r *Router) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	conn, ok := r.reg.Get(connID)
	if !ok {
		// Read raced deregistration; the connection is already gone.
		r.logger.Debug("frame from unregistered connection dropped", slog.String("connID", connID.String()))
		return
	}

	op := event.Op(gjson.GetBytes(msg, "op").String())
	switch op {
	case event.OpJoin, event.OpLeave:
		r.handleMembership(conn, op, msg)
	case event.OpHeartbeat:
		r.sendFrame(conn, event.Frame{Op: event.OpHeartbeat})
	case event.OpPublish:
		r.handlePublish(ctx, conn, msg)
	default:
		r.logger.Warn("unknown op dropped",
			slog.String("op", string(op)), slog.String("connID", connID.String()))
	}
}

func (r *Router) handleMembership(conn *registry.Connection, op event.Op, msg []byte) {
	roomID := event.RoomID(gjson.GetBytes(msg, "room").String())
	if !roomID.Valid() {
		r.reject(conn, "", event.CodeBadRoom, "room key is not a trip or conversation room")
		return
	}
	var err error
	if op == event.OpJoin {
		err = r.reg.Join(conn.ID, roomID)
	} else {
		err = r.reg.Leave(conn.ID, roomID)
	}
	if err != nil {
		r.logger.Warn("membership change failed",
			slog.String("op", string(op)), slog.String("room", string(roomID)), slog.Any("error", err))
	}
}

func (r *Router) handlePublish(ctx context.Context, conn *registry.Connection, msg []byte) {
	var frame event.Frame
	if err := json.Unmarshal(msg, &frame); err != nil || frame.Envelope == nil {
		r.reject(conn, "", event.CodeBadEnvelope, "publish frame carries no decodable envelope")
		return
	}
	env := *frame.Envelope

	if !env.Kind.Valid() {
		r.reject(conn, env.Corr, event.CodeUnknownKind, "kind is not routable")
		return
	}
	if !conn.Perms.Has(registry.PublishPerm(env.Kind)) {
		r.reject(conn, env.Corr, event.CodeForbidden, "role may not publish this kind")
		return
	}

	// Header stamps. Origin is always server-trusted; a client cannot
	// impersonate another participant.
	env.Origin = conn.Participant
	if env.ID == "" {
		env.ID = ksuid.New().String()
	}

	if env.Kind.Direct() {
		r.deliverDirect(ctx, conn, env)
		return
	}

	if !env.Room.Valid() {
		r.reject(conn, env.Corr, event.CodeBadRoom, "room-scoped kind requires a valid room")
		return
	}
	if env.Kind == event.KindLocation && r.throttle.duplicate(conn.ID, env.Payload) {
		// High-frequency GPS retransmits of the same sample are dropped
		// silently; the origin treats location publishes as fire-and-forget.
		return
	}
	r.fanOut(ctx, env)
}

// fanOut delivers one envelope to every current member of its room. The
// membership snapshot is taken once; members joining after this instant do
// not receive the envelope, members leaving after it still do.
func (r *Router) fanOut(ctx context.Context, env event.Envelope) {
	members := r.reg.MembersOf(env.Room)

	_, span := r.tracer.Start(ctx, "router.fanout", trace.WithAttributes(
		attribute.String("event.kind", string(env.Kind)),
		attribute.String("event.room", string(env.Room)),
		attribute.Int("event.members", len(members)),
	))
	defer span.End()

	raw, err := json.Marshal(event.Frame{Op: event.OpEvent, Envelope: &env})
	if err != nil {
		r.logger.Error("marshal outbound frame", slog.Any("error", err))
		return
	}
	for _, member := range members {
		member.Transport.Send(raw)
	}
	r.logger.Debug("fanned out",
		slog.String("kind", string(env.Kind)),
		slog.String("room", string(env.Room)),
		slog.Int("deliveries", len(members)))
}

// deliverDirect routes a connection-direct envelope to every live
// connection of the payload's target participant.
func (r *Router) deliverDirect(ctx context.Context, conn *registry.Connection, env event.Envelope) {
	target := gjson.GetBytes(env.Payload, "target").String()
	if target == "" {
		r.reject(conn, env.Corr, event.CodeBadEnvelope, "direct envelope missing target participant")
		return
	}

	conns := r.reg.ParticipantConnections(target)

	_, span := r.tracer.Start(ctx, "router.direct", trace.WithAttributes(
		attribute.String("event.kind", string(env.Kind)),
		attribute.Int("event.connections", len(conns)),
	))
	defer span.End()

	raw, err := json.Marshal(event.Frame{Op: event.OpEvent, Envelope: &env})
	if err != nil {
		r.logger.Error("marshal outbound frame", slog.Any("error", err))
		return
	}
	for _, c := range conns {
		c.Transport.Send(raw)
	}
}

func (r *Router) reject(conn *registry.Connection, corr, code, message string) {
	r.logger.Warn("publish rejected",
		slog.String("participant", conn.Participant),
		slog.String("code", code))
	r.sendFrame(conn, event.Frame{Op: event.OpReject, Corr: corr, Code: code, Message: message})
}

func (r *Router) sendFrame(conn *registry.Connection, frame event.Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error("marshal control frame", slog.Any("error", err))
		return
	}
	conn.Transport.Send(raw)
}
