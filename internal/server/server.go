package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/DacKha/Bus-Tracking-System-sub001/internal/registry"
	"github.com/DacKha/Bus-Tracking-System-sub001/internal/router"
	"github.com/DacKha/Bus-Tracking-System-sub001/internal/server/middleware"
	"github.com/DacKha/Bus-Tracking-System-sub001/pkg/config"
	"github.com/DacKha/Bus-Tracking-System-sub001/pkg/event"
	"github.com/DacKha/Bus-Tracking-System-sub001/pkg/transport"
)

// App wires the registry, the router, and the HTTP surface ("/ws" upgrade
// plus "/statusz") into one runnable server.
type App struct {
	logger *slog.Logger
	reg    *registry.Registry
	router *router.Router
	wg     sync.WaitGroup
	http   *http.Server
	mux    *http.ServeMux
	config *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	reg := registry.New(logger)
	eventRouter := router.New(logger, reg)

	app := &App{
		logger: logger,
		reg:    reg,
		router: eventRouter,
		config: cfg,
		ctx:    rootCtx,
	}

	validator := middleware.NewJWTValidator(cfg.Server.Auth.JWTSecret)
	cycler := func(participant string) {
		if oldest, found := reg.OldestParticipantConnection(participant); found {
			logger.Info("cycling oldest connection",
				slog.String("participant", participant), slog.String("connID", oldest.ID.String()))
			oldest.Transport.Close(errors.New("connection cycled by newer connection"))
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", middleware.Chain(
		http.HandlerFunc(app.upgradeHandler),
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(logger),
		middleware.NewAuthMiddleware(logger, validator),
		middleware.NewConnectionLimiter(logger,
			reg.ParticipantConnectionCount, cycler, cfg.Server.ConnectionLimit),
	))
	mux.HandleFunc("/statusz", app.statusHandler)
	app.mux = mux

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return rootCtx
		},
	}
	return app
}

// Handler exposes the full middleware-wrapped mux; used by tests that mount
// the app on an httptest server.
func (a *App) Handler() http.Handler {
	return a.mux
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("http server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("participant", reqMeta.Participant),
	)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("websocket accept failed", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		a.ctx,
		&a.wg,
		ws,
		transport.Config{
			ReadTimeout: a.config.Transport.ReadTimeout,
			SendBuffer:  a.config.Transport.SendBuffer,
		},
		nil,
		nil,
		a.logger,
	)

	if _, err := a.reg.RegisterConnection(conn, reqMeta.Participant, reqMeta.IP, reqMeta.Perms); err != nil {
		connLogger.Error("failed to register connection", slog.Any("error", err))
		conn.Close(err)
		return
	}

	conn.SetMessageHandler(a.router.HandleMessage)
	conn.SetCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Debug("deregistering closed connection", slog.String("connID", id.String()))
		a.reg.DeregisterConnection(id)
	})

	// Welcome is the first frame the client sees; its session treats the
	// connection as established only after reading it.
	welcome, err := json.Marshal(event.Frame{Op: event.OpWelcome, Participant: reqMeta.Participant})
	if err == nil {
		conn.Send(welcome)
	}

	connLogger.Info("participant connection established")
	conn.Run()
	<-conn.Done()
}

func (a *App) statusHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.reg.Stats()); err != nil {
		a.logger.Error("encode status", slog.Any("error", err))
	}
}

// Shutdown drains the HTTP listener, closes every live connection, and
// waits for their goroutines to finish.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	for _, conn := range a.reg.AllConnections() {
		conn.Transport.Close(errors.New("server shutting down"))
	}
	a.wg.Wait()
	a.logger.Info("server shut down gracefully")
	return nil
}
