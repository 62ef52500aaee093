package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DacKha/Bus-Tracking-System-sub001/internal/registry"
	"github.com/DacKha/Bus-Tracking-System-sub001/internal/server/middleware"
	"github.com/DacKha/Bus-Tracking-System-sub001/pkg/config"
	"github.com/DacKha/Bus-Tracking-System-sub001/pkg/event"
	"github.com/DacKha/Bus-Tracking-System-sub001/pkg/session"
)

const testSecret = "integration-test-secret"

type harness struct {
	app *App
	ts  *httptest.Server
	url string
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))

	cfg := &config.Config{}
	cfg.Server.Auth.JWTSecret = testSecret
	cfg.Transport.ReadTimeout = 10 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := NewApp(logger, ctx, cfg)
	ts := httptest.NewServer(app.Handler())

	t.Cleanup(func() {
		ts.Close()
		cancel()
		app.wg.Wait()
	})
	return &harness{
		app: app,
		ts:  ts,
		url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func mintToken(t *testing.T, participant, role string) string {
	t.Helper()
	claims := middleware.AppClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participant,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (h *harness) open(t *testing.T, participant, role string) *session.Session {
	t.Helper()
	sess, err := session.Open(context.Background(), session.Options{
		URL:               h.url,
		Credential:        mintToken(t, participant, role),
		HeartbeatInterval: 200 * time.Millisecond,
		BackoffBase:       50 * time.Millisecond,
		BackoffCap:        200 * time.Millisecond,
		Logger:            slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})),
	})
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	require.Equal(t, participant, sess.ParticipantID())
	return sess
}

type delivery struct {
	env   event.Envelope
	local bool
}

func collect(sess *session.Session, kind event.Kind) <-chan delivery {
	ch := make(chan delivery, 16)
	sess.Subscribe(kind, func(env event.Envelope, local bool) {
		ch <- delivery{env: env, local: local}
	})
	return ch
}

func awaitDelivery(t *testing.T, ch <-chan delivery) delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(3 * time.Second):
		t.Fatal("no delivery within deadline")
		return delivery{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPublishReachesRoomMembersOnly(t *testing.T) {
	h := newHarness(t, nil)
	driver := h.open(t, "u-driver", registry.RoleVehicleOperator)
	parent := h.open(t, "u-parent", registry.RoleGuardian)
	other := h.open(t, "u-other", registry.RoleGuardian)

	room := event.TripRoom(12)
	require.NoError(t, driver.Join(room))
	require.NoError(t, parent.Join(room))
	waitFor(t, "room membership", func() bool {
		return len(h.app.reg.MembersOf(room)) == 2
	})

	parentCh := collect(parent, event.KindTripStatus)
	otherCh := collect(other, event.KindTripStatus)

	env, err := event.NewTripStatus(event.TripStatusPayload{
		TripID: 12, Status: event.TripInProgress, ActorID: "u-driver",
	})
	require.NoError(t, err)
	require.NoError(t, driver.Publish(env))

	got := awaitDelivery(t, parentCh)
	assert.Equal(t, "u-driver", got.env.Origin)
	assert.False(t, got.local)
	p, err := got.env.TripStatus()
	require.NoError(t, err)
	assert.Equal(t, event.TripInProgress, p.Status)

	time.Sleep(100 * time.Millisecond)
	select {
	case d := <-otherCh:
		t.Fatalf("non-member received %s envelope", d.env.Kind)
	default:
	}
}

func TestOptimisticAttendanceConfirmedByEcho(t *testing.T) {
	h := newHarness(t, nil)
	driver := h.open(t, "u-driver", registry.RoleVehicleOperator)
	parent := h.open(t, "u-parent", registry.RoleGuardian)

	room := event.TripRoom(5)
	require.NoError(t, driver.Join(room))
	require.NoError(t, parent.Join(room))
	waitFor(t, "room membership", func() bool {
		return len(h.app.reg.MembersOf(room)) == 2
	})

	driverCh := collect(driver, event.KindAttendance)
	parentCh := collect(parent, event.KindAttendance)

	env, err := event.NewAttendance(event.AttendancePayload{
		TripID: 5, SubjectID: "s-33", Phase: event.PhasePickup, Status: event.StatusPickedUp,
	})
	require.NoError(t, err)

	applied := false
	pending, err := driver.Reconciler().ApplyLocal(session.Mutation{
		Envelope: env,
		Apply:    func() { applied = true },
		Revert:   func() { applied = false },
	})
	require.NoError(t, err)
	require.True(t, applied, "optimistic delta visible immediately")

	select {
	case err := <-pending.Done():
		require.NoError(t, err, "authoritative echo should confirm the mutation")
	case <-time.After(3 * time.Second):
		t.Fatal("mutation never confirmed")
	}
	assert.True(t, applied, "confirmed delta stays applied")

	echo := awaitDelivery(t, driverCh)
	assert.True(t, echo.local, "the origin sees its own echo flagged local")
	assert.Equal(t, pending.Key, echo.env.Corr)

	remote := awaitDelivery(t, parentCh)
	assert.False(t, remote.local, "other participants apply the mark fresh")
	assert.Equal(t, "u-driver", remote.env.Origin)
}

func TestForbiddenPublishIsRejectedAndRolledBack(t *testing.T) {
	h := newHarness(t, nil)
	parent := h.open(t, "u-parent", registry.RoleGuardian)

	room := event.TripRoom(9)
	require.NoError(t, parent.Join(room))
	waitFor(t, "room membership", func() bool {
		return len(h.app.reg.MembersOf(room)) == 1
	})

	env, err := event.NewTripStatus(event.TripStatusPayload{
		TripID: 9, Status: event.TripCancelled, ActorID: "u-parent",
	})
	require.NoError(t, err)

	applied := false
	pending, err := parent.Reconciler().ApplyLocal(session.Mutation{
		Envelope: env,
		Apply:    func() { applied = true },
		Revert:   func() { applied = false },
	})
	require.NoError(t, err)

	select {
	case err := <-pending.Done():
		require.ErrorIs(t, err, session.ErrRejected)
	case <-time.After(3 * time.Second):
		t.Fatal("rejection never surfaced")
	}
	assert.False(t, applied, "rejected delta rolled back")
}

func TestReconnectReplaysRoomMemberships(t *testing.T) {
	h := newHarness(t, nil)
	driver := h.open(t, "u-driver", registry.RoleVehicleOperator)
	parent := h.open(t, "u-parent", registry.RoleGuardian)

	room := event.TripRoom(3)
	require.NoError(t, driver.Join(room))
	require.NoError(t, parent.Join(room))
	waitFor(t, "room membership", func() bool {
		return len(h.app.reg.MembersOf(room)) == 2
	})
	parentCh := collect(parent, event.KindTripStatus)

	// kill the parent's server-side connection out from under it
	conns := h.app.reg.ParticipantConnections("u-parent")
	require.Len(t, conns, 1)
	oldID := conns[0].ID
	conns[0].Transport.Close(nil)

	waitFor(t, "session to reconnect", func() bool {
		return parent.State() == session.StateOpen &&
			len(h.app.reg.ParticipantConnections("u-parent")) == 1 &&
			h.app.reg.ParticipantConnections("u-parent")[0].ID != oldID
	})
	waitFor(t, "membership replay", func() bool {
		return len(h.app.reg.MembersOf(room)) == 2
	})
	assert.Equal(t, []event.RoomID{room}, parent.Rooms())

	env, err := event.NewTripStatus(event.TripStatusPayload{
		TripID: 3, Status: event.TripCompleted, ActorID: "u-driver",
	})
	require.NoError(t, err)
	require.NoError(t, driver.Publish(env))

	got := awaitDelivery(t, parentCh)
	assert.Equal(t, "u-driver", got.env.Origin)
}

func TestParticipantIDStableAcrossReconnect(t *testing.T) {
	h := newHarness(t, nil)
	parent := h.open(t, "u-parent", registry.RoleGuardian)

	// hammer the accessor from another goroutine while the session
	// reconnects underneath it
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				if got := parent.ParticipantID(); got != "u-parent" {
					t.Errorf("ParticipantID changed mid-reconnect: %q", got)
					return
				}
			}
		}
	}()

	conns := h.app.reg.ParticipantConnections("u-parent")
	require.Len(t, conns, 1)
	oldID := conns[0].ID
	conns[0].Transport.Close(nil)

	waitFor(t, "session to reconnect", func() bool {
		conns := h.app.reg.ParticipantConnections("u-parent")
		return parent.State() == session.StateOpen &&
			len(conns) == 1 && conns[0].ID != oldID
	})
	close(stop)
	<-done
	assert.Equal(t, "u-parent", parent.ParticipantID())
}

func TestCloseDuringReconnectEndsClosed(t *testing.T) {
	h := newHarness(t, nil)
	parent := h.open(t, "u-parent", registry.RoleGuardian)

	conns := h.app.reg.ParticipantConnections("u-parent")
	require.Len(t, conns, 1)
	conns[0].Transport.Close(nil)

	// close while the backoff/redial is in flight; whichever way the
	// race lands, the session must settle closed
	parent.Close()
	assert.Equal(t, session.StateClosed, parent.State())

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, session.StateClosed, parent.State(),
		"a late redial must not flip a closed session back to open")
	assert.ErrorIs(t, parent.Publish(event.Envelope{Kind: event.KindMessage}), session.ErrNotConnected)
}

func TestPresenceTracksHeartbeats(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.open(t, "u-parent", registry.RoleGuardian)

	presence := sess.Presence()
	waitFor(t, "first heartbeat echo", func() bool {
		return presence.IsLive()
	})

	sess.Close()
	assert.False(t, presence.IsLive(), "closed session is never live")
}

func TestOpenRejectsBadCredential(t *testing.T) {
	h := newHarness(t, nil)

	_, err := session.Open(context.Background(), session.Options{
		URL:        h.url,
		Credential: "not-a-token",
	})
	assert.ErrorIs(t, err, session.ErrAuthRejected)

	// a valid signature with a role the bus does not know is still refused
	_, err = session.Open(context.Background(), session.Options{
		URL:        h.url,
		Credential: mintToken(t, "u-x", "mechanic"),
	})
	assert.ErrorIs(t, err, session.ErrAuthRejected)
}

func TestConnectionLimitRejectMode(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Server.ConnectionLimit.MaxPerParticipant = 1
		cfg.Server.ConnectionLimit.Mode = "reject"
	})
	h.open(t, "u-parent", registry.RoleGuardian)

	_, err := session.Open(context.Background(), session.Options{
		URL:        h.url,
		Credential: mintToken(t, "u-parent", registry.RoleGuardian),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrNetworkUnavailable)
}

func TestConnectionLimitCycleMode(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Server.ConnectionLimit.MaxPerParticipant = 1
		cfg.Server.ConnectionLimit.Mode = "cycle"
	})
	h.open(t, "u-parent", registry.RoleGuardian)
	firstConns := h.app.reg.ParticipantConnections("u-parent")
	require.Len(t, firstConns, 1)
	oldID := firstConns[0].ID

	second := h.open(t, "u-parent", registry.RoleGuardian)
	require.Equal(t, session.StateOpen, second.State())

	waitFor(t, "oldest connection to be cycled out", func() bool {
		conns := h.app.reg.ParticipantConnections("u-parent")
		for _, c := range conns {
			if c.ID == oldID {
				return false
			}
		}
		return len(conns) >= 1
	})
}

func TestStatusEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "u-parent", registry.RoleGuardian)

	waitFor(t, "connection to register", func() bool {
		return h.app.reg.Stats().Connections == 1
	})

	resp, err := http.Get(h.ts.URL + "/statusz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats registry.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Participants)
}
