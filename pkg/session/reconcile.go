package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DacKha/Bus-Tracking-System-sub001/pkg/event"
)

// publisher is the slice of Session the reconciler needs; narrowed for
// testability.
type publisher interface {
	Publish(env event.Envelope) error
	ParticipantID() string
	State() State
}

// Mutation is one locally-initiated action: the envelope to publish plus
// the predicted delta as an apply/revert pair. The view state itself stays
// owned by the caller; the reconciler only decides when Revert runs.
type Mutation struct {
	Envelope event.Envelope
	Apply    func()
	Revert   func()
}

// Pending tracks one in-flight optimistic mutation.
type Pending struct {
	Key  string
	done chan error
}

// Done yields exactly one result: nil on authoritative confirmation,
// ErrRejected (as a *RejectError) after a server rejection, or
// ErrDeliveryUnconfirmed after the window expires. In the failure cases the
// predicted delta has already been reverted.
func (p *Pending) Done() <-chan error {
	return p.done
}

type record struct {
	key    string
	target string
	revert func()
	timer  *time.Timer
	done   chan error
}

// Reconciler applies locally-originated mutations optimistically and
// squares them with the authoritative event stream: a matching echo retires
// the record (the delta is already reflected), a rejection or a timed-out
// confirmation window rolls the delta back. Matching is by correlation key
// first, then by logical target for echoes that lost the key in transit.
type Reconciler struct {
	p      publisher
	window time.Duration

	mu       sync.Mutex
	byKey    map[string]*record
	byTarget map[string]string
}

func newReconciler(p publisher, window time.Duration) *Reconciler {
	return &Reconciler{
		p:        p,
		window:   window,
		byKey:    make(map[string]*record),
		byTarget: make(map[string]string),
	}
}

// ApplyLocal applies the predicted delta immediately, publishes the
// envelope tagged with a fresh correlation key, and arms the confirmation
// timer. While the session is not open it fails fast with ErrNotConnected
// and touches nothing.
func (r *Reconciler) ApplyLocal(m Mutation) (*Pending, error) {
	if m.Apply == nil || m.Revert == nil {
		return nil, errors.New("mutation needs both Apply and Revert")
	}
	if r.p.State() != StateOpen {
		return nil, ErrNotConnected
	}

	key := uuid.NewString()
	env := m.Envelope.WithCorr(key)

	m.Apply()

	rec := &record{
		key:    key,
		target: targetOf(env),
		revert: m.Revert,
		done:   make(chan error, 1),
	}
	r.mu.Lock()
	r.byKey[key] = rec
	if rec.target != "" {
		r.byTarget[rec.target] = key
	}
	rec.timer = time.AfterFunc(r.window, func() { r.expire(key) })
	r.mu.Unlock()

	if err := r.p.Publish(env); err != nil {
		r.mu.Lock()
		r.remove(rec)
		r.mu.Unlock()
		m.Revert()
		return nil, err
	}
	return &Pending{Key: key, done: rec.done}, nil
}

// observe inspects one inbound authoritative envelope. If it confirms an
// outstanding mutation the record is retired exactly once and true is
// returned: the delta is already reflected locally and must not be applied
// again. False means the envelope is foreign and should be applied fresh.
func (r *Reconciler) observe(env event.Envelope) bool {
	r.mu.Lock()
	var rec *record
	if env.Corr != "" {
		rec = r.byKey[env.Corr]
	}
	if rec == nil && env.Origin == r.p.ParticipantID() {
		if t := targetOf(env); t != "" {
			if key, ok := r.byTarget[t]; ok {
				rec = r.byKey[key]
			}
		}
	}
	if rec == nil {
		r.mu.Unlock()
		return false
	}
	r.remove(rec)
	r.mu.Unlock()

	rec.done <- nil
	return true
}

func (r *Reconciler) onReject(corr, code, message string) {
	r.mu.Lock()
	rec, ok := r.byKey[corr]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.remove(rec)
	r.mu.Unlock()

	rec.revert()
	rec.done <- &RejectError{Code: code, Message: message}
}

// expire is the confirmation-window timeout: the bus guarantees no
// delivery SLA, so an unconfirmed optimistic value cannot be trusted
// indefinitely and is rolled back.
func (r *Reconciler) expire(key string) {
	r.mu.Lock()
	rec, ok := r.byKey[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.remove(rec)
	r.mu.Unlock()

	rec.revert()
	rec.done <- ErrDeliveryUnconfirmed
}

// failAll rolls back every outstanding mutation; used at session teardown.
func (r *Reconciler) failAll(err error) {
	r.mu.Lock()
	recs := make([]*record, 0, len(r.byKey))
	for _, rec := range r.byKey {
		recs = append(recs, rec)
	}
	for _, rec := range recs {
		r.remove(rec)
	}
	r.mu.Unlock()

	for _, rec := range recs {
		rec.revert()
		rec.done <- err
	}
}

// remove unlinks a record and disarms its timer. Caller holds mu.
func (r *Reconciler) remove(rec *record) {
	if rec.timer != nil {
		rec.timer.Stop()
	}
	delete(r.byKey, rec.key)
	if rec.target != "" && r.byTarget[rec.target] == rec.key {
		delete(r.byTarget, rec.target)
	}
}

// targetOf derives the logical target an echo is matched on when the
// correlation key alone cannot decide. Only kinds whose payload names a
// stable target participate; the rest match by key only.
func targetOf(env event.Envelope) string {
	switch env.Kind {
	case event.KindAttendance:
		p, err := env.Attendance()
		if err != nil {
			return ""
		}
		return fmt.Sprintf("attendance/%d/%s/%s", p.TripID, p.SubjectID, p.Phase)
	case event.KindTripStatus:
		p, err := env.TripStatus()
		if err != nil {
			return ""
		}
		return fmt.Sprintf("trip_status/%d", p.TripID)
	}
	return ""
}
