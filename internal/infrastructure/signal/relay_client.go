package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/retry"
	"meshcall/pkg/tracing"
)

const maxMessageSize = 512 * 1024

type Config struct {
	JoinTimeout      time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	SendQueueSize    int
	// Reconnection.MaxAttempts bounds both the initial dial retries and
	// each reconnection episode.
	Reconnection retry.Config
	SendRate     rate.Limit
	SendBurst    int
}

func DefaultConfig() Config {
	return Config{
		JoinTimeout:      10 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		SendQueueSize:    256,
		Reconnection:     retry.DefaultConfig(),
		SendRate:         100,
		SendBurst:        200,
	}
}

// RelayClient is the single logical connection to the signaling relay. It
// reconnects on transport loss and fans inbound envelopes out to per-kind
// subscribers on its read goroutine.
type RelayClient struct {
	config  Config
	events  ports.EventPublisher
	logger  *zap.SugaredLogger
	dialer  *websocket.Dialer
	limiter *rate.Limiter

	mu         sync.Mutex
	url        string
	status     domain.ConnectionStatus
	conn       *connection
	attempts   int
	left       bool
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	waiters    map[chan []domain.Identity]struct{}

	handlersMu sync.RWMutex
	handlers   map[domain.EnvelopeKind][]*subscription
	nextSubID  uint64

	wg sync.WaitGroup
}

type subscription struct {
	id      uint64
	handler ports.EnvelopeHandler
}

// connection is one websocket lifetime. A reconnect creates a new one.
type connection struct {
	ws         *websocket.Conn
	send       chan []byte
	ctx        context.Context
	cancel     context.CancelFunc
	closing    chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}
}

func (c *connection) drain() {
	c.closeOnce.Do(func() { close(c.closing) })
}

func (c *connection) close() {
	c.cancel()
	c.ws.Close()
}

func NewRelayClient(config Config, events ports.EventPublisher, logger *zap.SugaredLogger) *RelayClient {
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 256
	}
	if config.SendRate <= 0 {
		config.SendRate = rate.Inf
	}
	if config.SendBurst <= 0 {
		config.SendBurst = 1
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &RelayClient{
		config: config,
		events: events,
		logger: logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		limiter:    rate.NewLimiter(config.SendRate, config.SendBurst),
		status:     domain.StatusDisconnected,
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		waiters:    make(map[chan []domain.Identity]struct{}),
		handlers:   make(map[domain.EnvelopeKind][]*subscription),
	}
}

// Connect dials the relay, retrying within the reconnection budget. It is a
// no-op while a connection is up or being re-established.
func (c *RelayClient) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	switch c.status {
	case domain.StatusConnected, domain.StatusReconnecting:
		c.mu.Unlock()
		return nil
	case domain.StatusConnecting:
		c.mu.Unlock()
		return fmt.Errorf("%w: connect already in progress", domain.ErrTransport)
	}
	if c.lifeCtx.Err() != nil {
		c.lifeCtx, c.lifeCancel = context.WithCancel(context.Background())
	}
	c.url = url
	c.left = false
	c.attempts = 0
	lifeCtx := c.lifeCtx
	c.setStatusLocked(domain.StatusConnecting)
	c.mu.Unlock()
	c.publishStatus(domain.StatusConnecting)

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(lifeCtx, cancel)
	defer stop()

	cfg := c.config.Reconnection
	cfg.Enabled = true
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.mu.Lock()
		c.attempts = attempt
		c.mu.Unlock()
		c.logger.Warnw("relay dial failed, retrying", "url", url, "attempt", attempt, "delay", delay, "error", err)
	}

	ws, err := retry.RetryWithResult(dialCtx, cfg, func() (*websocket.Conn, error) {
		return c.dial(dialCtx, url)
	})
	if err != nil {
		c.mu.Lock()
		next := domain.StatusFailed
		if c.left {
			next = domain.StatusDisconnected
		}
		c.setStatusLocked(next)
		c.mu.Unlock()
		c.publishStatus(next)
		c.logger.Errorw("relay unreachable", "url", url, "error", err)
		if errors.Is(err, domain.ErrTransport) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}

	if !c.attach(ws) {
		return domain.ErrNotConnected
	}
	c.logger.Infow("connected to relay", "url", url)
	return nil
}

func (c *RelayClient) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	ws, resp, err := c.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrTransport, url, err)
	}
	return ws, nil
}

// attach installs ws as the live connection and starts its pumps. It
// returns false when the client was left while dialing.
func (c *RelayClient) attach(ws *websocket.Conn) bool {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		ws:         ws,
		send:       make(chan []byte, c.config.SendQueueSize),
		ctx:        ctx,
		cancel:     cancel,
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		conn.close()
		return false
	}
	c.conn = conn
	c.attempts = 0
	c.setStatusLocked(domain.StatusConnected)
	c.wg.Add(2)
	c.mu.Unlock()

	go c.readPump(conn)
	go c.writePump(conn)
	c.publishStatus(domain.StatusConnected)
	return true
}

// JoinRoom announces the identity and waits for the roster.
func (c *RelayClient) JoinRoom(ctx context.Context, roomID domain.RoomID, identity domain.Identity) ([]domain.Identity, error) {
	c.mu.Lock()
	if c.status != domain.StatusConnected {
		c.mu.Unlock()
		return nil, domain.ErrNotConnected
	}
	ch := make(chan []domain.Identity, 1)
	c.waiters[ch] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, ch)
		c.mu.Unlock()
	}()

	env, err := domain.NewEnvelope(domain.KindJoinRoom, domain.JoinRoomPayload{
		RoomID: roomID,
		ID:     identity.ID,
		Name:   identity.Name,
		Role:   identity.Role,
	})
	if err != nil {
		return nil, err
	}
	if !c.enqueue(env) {
		return nil, domain.ErrNotConnected
	}

	timer := time.NewTimer(c.config.JoinTimeout)
	defer timer.Stop()
	select {
	case roster := <-ch:
		c.logger.Infow("joined room", "room_id", roomID, "roster_size", len(roster))
		return roster, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no roster for room %s after %s", domain.ErrJoinTimeout, roomID, c.config.JoinTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send enqueues env without blocking. It is dropped when there is no live
// connection or the queue is full.
func (c *RelayClient) Send(env domain.Envelope) {
	if !c.enqueue(env) {
		c.logger.Debugw("envelope dropped", "type", env.Kind)
	}
}

func (c *RelayClient) enqueue(env domain.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Warnw("failed to encode envelope", "type", env.Kind, "error", err)
		return false
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}

	select {
	case <-conn.ctx.Done():
		return false
	case <-conn.closing:
		return false
	default:
	}

	select {
	case conn.send <- data:
		return true
	default:
		c.logger.Warnw("relay send queue full", "type", env.Kind, "queue_size", cap(conn.send))
		return false
	}
}

func (c *RelayClient) Subscribe(kind domain.EnvelopeKind, handler ports.EnvelopeHandler) func() {
	c.handlersMu.Lock()
	c.nextSubID++
	sub := &subscription{id: c.nextSubID, handler: handler}
	c.handlers[kind] = append(c.handlers[kind], sub)
	c.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.handlersMu.Lock()
			defer c.handlersMu.Unlock()
			subs := c.handlers[kind]
			for i, s := range subs {
				if s.id == sub.id {
					c.handlers[kind] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// LeaveRoom sends user-leaving, flushes the queue and closes the connection.
// No reconnection is attempted afterwards, and a pending backoff is cancelled.
func (c *RelayClient) LeaveRoom(ctx context.Context, roomID domain.RoomID, identity domain.Identity) error {
	c.mu.Lock()
	c.left = true
	c.lifeCancel()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.mu.Lock()
		changed := c.setStatusLocked(domain.StatusDisconnected)
		c.mu.Unlock()
		if changed {
			c.publishStatus(domain.StatusDisconnected)
		}
		return domain.ErrNotConnected
	}

	env, err := domain.NewEnvelope(domain.KindUserLeaving, domain.UserLeavingPayload{
		RoomID:   roomID,
		UserID:   identity.ID,
		UserName: identity.Name,
	})
	if err == nil && !c.enqueue(env) {
		c.logger.Warnw("user-leaving not delivered", "room_id", roomID)
	}
	conn.drain()

	flush := time.NewTimer(c.config.WriteTimeout)
	defer flush.Stop()
	select {
	case <-conn.writerDone:
	case <-flush.C:
		c.logger.Warnw("timed out flushing relay queue", "room_id", roomID)
	case <-ctx.Done():
	}

	c.detach(conn, domain.StatusDisconnected)
	c.logger.Infow("left room", "room_id", roomID)
	return nil
}

// Close tears the client down without announcing a leave.
func (c *RelayClient) Close() error {
	c.mu.Lock()
	c.left = true
	c.lifeCancel()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.detach(conn, domain.StatusDisconnected)
	}
	c.wg.Wait()
	return nil
}

func (c *RelayClient) Status() domain.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Attempts returns the reconnection attempts made since the last successful connect.
func (c *RelayClient) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// detach drops conn if it is still current and moves to status.
func (c *RelayClient) detach(conn *connection, status domain.ConnectionStatus) {
	c.mu.Lock()
	current := c.conn == conn
	changed := false
	if current {
		c.conn = nil
		changed = c.setStatusLocked(status)
	}
	c.mu.Unlock()

	conn.close()
	if changed {
		c.publishStatus(status)
	}
}

func (c *RelayClient) readPump(conn *connection) {
	defer c.wg.Done()

	conn.ws.SetReadLimit(maxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			c.onTransportLost(conn, err)
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
		c.dispatch(data)
	}
}

func (c *RelayClient) writePump(conn *connection) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		close(conn.writerDone)
		c.wg.Done()
	}()

	for {
		select {
		case data := <-conn.send:
			if err := c.limiter.Wait(conn.ctx); err != nil {
				return
			}
			if err := c.write(conn, websocket.TextMessage, data); err != nil {
				c.onTransportLost(conn, err)
				return
			}

		case <-ticker.C:
			if err := c.write(conn, websocket.PingMessage, nil); err != nil {
				c.onTransportLost(conn, err)
				return
			}

		case <-conn.closing:
		drain:
			for {
				select {
				case data := <-conn.send:
					if err := c.write(conn, websocket.TextMessage, data); err != nil {
						return
					}
				default:
					break drain
				}
			}
			c.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-conn.ctx.Done():
			return
		}
	}
}

func (c *RelayClient) write(conn *connection, messageType int, data []byte) error {
	conn.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return conn.ws.WriteMessage(messageType, data)
}

func (c *RelayClient) dispatch(data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warnw("malformed envelope dropped", "error", err, "size", len(data))
		return
	}
	if !domain.InboundKind(env.Kind) {
		c.logger.Debugw("unknown envelope kind dropped", "type", env.Kind)
		return
	}

	_, span := tracing.TraceRelayMessage(context.Background(), string(env.Kind))
	defer span.End()

	c.handlersMu.RLock()
	subs := append([]*subscription(nil), c.handlers[env.Kind]...)
	c.handlersMu.RUnlock()
	for _, s := range subs {
		s.handler(env)
	}

	if env.Kind == domain.KindAllUsers {
		c.resolveJoin(env)
	}
}

func (c *RelayClient) resolveJoin(env domain.Envelope) {
	var roster domain.AllUsersPayload
	if err := env.Decode(&roster); err != nil {
		c.logger.Warnw("malformed roster", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.waiters {
		select {
		case ch <- []domain.Identity(roster):
		default:
		}
	}
}

// onTransportLost starts a reconnection episode unless the loss was caused
// by a leave or the connection was already replaced.
func (c *RelayClient) onTransportLost(conn *connection, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.left {
		changed := c.setStatusLocked(domain.StatusDisconnected)
		c.mu.Unlock()
		conn.close()
		if changed {
			c.publishStatus(domain.StatusDisconnected)
		}
		return
	}
	c.setStatusLocked(domain.StatusReconnecting)
	lifeCtx, url := c.lifeCtx, c.url
	c.wg.Add(1)
	c.mu.Unlock()

	conn.close()
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		c.logger.Warnw("relay connection lost", "error", err)
	} else {
		c.logger.Infow("relay connection closed", "error", err)
	}
	c.publishStatus(domain.StatusReconnecting)

	go c.reconnect(lifeCtx, url)
}

func (c *RelayClient) reconnect(ctx context.Context, url string) {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		if c.left {
			c.mu.Unlock()
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		if attempt > c.config.Reconnection.MaxAttempts {
			c.mu.Lock()
			c.attempts = attempt - 1
			c.setStatusLocked(domain.StatusFailed)
			c.mu.Unlock()
			c.publishStatus(domain.StatusFailed)

			e := newEvent(domain.EventConnectionFailed)
			e.Attempt = attempt - 1
			e.Reason = "TransportError"
			c.events.Publish(e)
			c.logger.Errorw("relay reconnection budget exhausted", "attempts", attempt-1)
			return
		}

		delay := retry.Backoff(c.config.Reconnection, attempt-1)
		c.logger.Infow("reconnecting to relay", "attempt", attempt, "delay", delay)
		if err := retry.Sleep(ctx, delay); err != nil {
			return
		}

		ws, err := c.dial(ctx, url)
		if err != nil {
			c.logger.Warnw("relay reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		if !c.attach(ws) {
			return
		}

		e := newEvent(domain.EventReconnected)
		e.Attempt = attempt
		c.events.Publish(e)
		c.logger.Infow("reconnected to relay", "attempt", attempt)
		return
	}
}

func (c *RelayClient) setStatusLocked(status domain.ConnectionStatus) bool {
	if c.status == status {
		return false
	}
	c.status = status
	return true
}

func (c *RelayClient) publishStatus(status domain.ConnectionStatus) {
	e := newEvent(domain.EventConnectionStatus)
	e.Status = status
	c.events.Publish(e)
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{ID: uuid.NewString(), Type: t, Timestamp: time.Now()}
}
