package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// MessageHandler is invoked for every complete inbound message, on the
// connection's read goroutine. No two messages for the same connection are
// handled concurrently.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

// CloseHandler is invoked exactly once when the connection terminates.
type CloseHandler func(connID uuid.UUID, err error)

type Config struct {
	// ReadTimeout bounds the silence tolerated between inbound messages.
	// Heartbeat traffic keeps a healthy peer well inside it.
	ReadTimeout time.Duration
	// SendBuffer is the outbound queue depth; zero means a default of 256.
	SendBuffer int
}

const defaultSendBuffer = 256

// Connection wraps one websocket (accepted or dialed) with serialized
// read/write pumps. Send is safe for concurrent use; reads are delivered
// one at a time to the message handler.
type Connection struct {
	id     uuid.UUID
	ws     *websocket.Conn
	config Config
	send   chan []byte

	onMessage MessageHandler
	onClose   CloseHandler

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        *sync.WaitGroup

	logger *slog.Logger
}

func NewConnection(parent context.Context, wg *sync.WaitGroup, ws *websocket.Conn, config Config, onMessage MessageHandler, onClose CloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	ctx, cancel := context.WithCancel(parent)
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaultSendBuffer
	}
	// The waitgroup slot is claimed here, not in Run, so a connection that
	// fails setup and is closed before Run still balances it.
	wg.Add(1)
	return &Connection{
		id:        id,
		ws:        ws,
		config:    config,
		send:      make(chan []byte, config.SendBuffer),
		onMessage: onMessage,
		onClose:   onClose,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		wg:        wg,
		logger:    logger.With(slog.String("connID", id.String())),
	}
}

// Run starts the pumps. The connection owns the websocket from here on.
func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()
	c.logger.Debug("transport connection running")
}

func (c *Connection) readPump() {
	var readErr error
	defer func() { c.Close(readErr) }()

	for {
		msg, err := c.readOne()
		if err != nil {
			readErr = err
			return
		}
		if msg == nil {
			continue // non-data frame type
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, msg)
		}
	}
}

// readOne reads a single message under the configured deadline. A nil
// message with nil error means the frame type was neither text nor binary.
func (c *Connection) readOne() ([]byte, error) {
	ctx := c.ctx
	if c.config.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(c.ctx, c.config.ReadTimeout)
		defer cancel()
	}
	typ, r, err := c.ws.Reader(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText && typ != websocket.MessageBinary {
		return nil, nil
	}
	return io.ReadAll(r)
}

func (c *Connection) writePump() {
	var writeErr error
	defer func() { c.Close(writeErr) }()

	for {
		select {
		case msg := <-c.send:
			if err := c.ws.Write(c.ctx, websocket.MessageText, msg); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.ws.Close(websocket.StatusNormalClosure, "shutting down")
			return
		}
	}
}

// Send queues a message for delivery. It never blocks past connection
// teardown; sends racing a close are dropped.
func (c *Connection) Send(msg []byte) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
		c.logger.Debug("send on closed connection dropped")
	}
}

// Close tears the connection down once; later calls are no-ops. The close
// handler observes the first error that forced the shutdown.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.logger.Debug("transport connection closing", slog.Any("reason", err))
		// The send channel stays open: concurrent Send calls racing this
		// close fall through to the cancelled context instead of panicking.
		c.cancel()
		c.ws.Close(websocket.StatusNormalClosure, "")
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done is closed when the connection has fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetMessageHandler(h MessageHandler) { c.onMessage = h }
func (c *Connection) SetCloseHandler(h CloseHandler)     { c.onClose = h }
