package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclaw/onebridge/pkg/logger"
)

var (
	// ErrNotConnected is returned by Call and Send when no socket is open.
	ErrNotConnected = errors.New("onebot: not connected")
	// ErrDisconnected rejects calls that were pending when the socket dropped.
	ErrDisconnected = errors.New("onebot: connection lost")
)

const (
	defaultCallTimeout       = 5 * time.Second
	defaultHeartbeatInterval = 45 * time.Second
	defaultBackoffBase       = 1 * time.Second
	defaultBackoffCeiling    = 60 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second

	// eventQueueSize bounds the ordered dispatch queue. The read loop never
	// blocks on a full queue; overflow events are dropped with a warning so
	// a stuck handler cannot deadlock RPC response delivery.
	eventQueueSize = 256
)

// Caller issues an echo-correlated API call. *Client satisfies it; the
// normalizer depends on this interface so tests can substitute a fake.
type Caller interface {
	Call(ctx context.Context, action string, params interface{}) (json.RawMessage, error)
}

// Handlers are the subscription points of a Client, bound at construction.
// The Client is the sole publisher; there is no global emitter. OnEvent and
// OnRequest run serialized on one goroutine per client, in frame order, so
// two inbound messages on the same connection never interleave mid-handler.
type Handlers struct {
	OnConnect    func()
	OnDisconnect func(err error)
	OnEvent      func(evt *Event)
	OnRequest    func(evt *Event)
}

type Options struct {
	URL         string
	AccessToken string

	CallTimeout       time.Duration
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffCeiling    time.Duration
	HandshakeTimeout  time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.CallTimeout <= 0 {
		out.CallTimeout = defaultCallTimeout
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = defaultHeartbeatInterval
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = defaultBackoffBase
	}
	if out.BackoffCeiling <= 0 {
		out.BackoffCeiling = defaultBackoffCeiling
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = defaultHandshakeTimeout
	}
	return out
}

type rpcResult struct {
	resp apiResponse
	err  error
}

// Client owns one WebSocket connection to a OneBot gateway. It keeps the
// connection alive with exponential-backoff reconnects and a received-traffic
// heartbeat watchdog, multiplexes echo-correlated API calls with push events
// on the single socket, and dispatches domain events to Handlers.
type Client struct {
	opts     Options
	handlers Handlers

	mu      sync.Mutex // guards conn
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan rpcResult

	selfID atomic.Int64
	alive  atomic.Bool

	events chan *Event
}

func NewClient(opts Options, handlers Handlers) *Client {
	return &Client{
		opts:     opts.withDefaults(),
		handlers: handlers,
		pending:  make(map[string]chan rpcResult),
		events:   make(chan *Event, eventQueueSize),
	}
}

func (c *Client) SelfID() int64 { return c.selfID.Load() }

func (c *Client) SetSelfID(id int64) {
	if id > 0 {
		c.selfID.Store(id)
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and keeps reconnecting until ctx is cancelled. Dial errors
// are never returned to the caller; they surface only as retries and as
// rejected pending calls. There is no giving-up threshold.
func (c *Client) Run(ctx context.Context) error {
	if c.opts.URL == "" {
		return fmt.Errorf("onebot: ws URL not configured")
	}

	go c.dispatchLoop(ctx)

	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.dial(ctx)
		if err != nil {
			delay := backoffDelay(attempts, c.opts.BackoffBase, c.opts.BackoffCeiling)
			logger.WarnCF("onebot", "Connect failed, retrying", map[string]interface{}{
				"error":   err.Error(),
				"attempt": attempts + 1,
				"delay":   delay.String(),
			})
			attempts++
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		attempts = 0
		c.setConn(conn)
		c.alive.Store(true)
		logger.InfoCF("onebot", "WebSocket connected", map[string]interface{}{
			"url": c.opts.URL,
		})
		if c.handlers.OnConnect != nil {
			// Run async: the handler may issue Calls, which need the read
			// loop below to be pumping responses.
			go c.handlers.OnConnect()
		}

		readErr := c.readLoop(ctx, conn)

		c.setConn(nil)
		conn.Close()
		c.failPending(ErrDisconnected)
		logger.WarnCF("onebot", "WebSocket disconnected", map[string]interface{}{
			"error": errString(readErr),
		})
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect(readErr)
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		delay := backoffDelay(attempts, c.opts.BackoffBase, c.opts.BackoffCeiling)
		attempts++
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}
}

// Close force-closes the current socket, if any. Run (when still active)
// will treat this as a connection loss and reconnect.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}

	header := http.Header{}
	if c.opts.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.opts.AccessToken)
	}

	conn, _, err := dialer.DialContext(ctx, c.opts.URL, header)
	return conn, err
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// readLoop consumes frames until the socket errors. A watchdog goroutine
// force-closes the socket when no traffic arrived for a full heartbeat
// interval; any frame counts as liveness, not just heartbeats.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go c.watchdog(watchCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.alive.Store(true)

		var probe frameProbe
		if err := json.Unmarshal(data, &probe); err != nil {
			logger.DebugCF("onebot", "Dropping non-JSON frame", map[string]interface{}{
				"length": len(data),
			})
			continue
		}

		if probe.Echo != "" {
			c.resolvePending(probe.Echo, data)
			continue
		}

		if probe.PostType == "meta_event" && probe.MetaEventType == "heartbeat" {
			continue
		}

		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			logger.WarnCF("onebot", "Failed to parse event frame", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}

		if evt.PostType == "meta_event" {
			if evt.MetaEventType == "lifecycle" {
				if id := evt.SelfIDInt(); id > 0 && c.SelfID() == 0 {
					c.SetSelfID(id)
					logger.InfoCF("onebot", "Captured self id from lifecycle event", map[string]interface{}{
						"self_id": id,
					})
				}
			}
			continue
		}

		select {
		case c.events <- &evt:
		default:
			logger.WarnCF("onebot", "Event queue full, dropping event", map[string]interface{}{
				"post_type": evt.PostType,
			})
		}
	}
}

func (c *Client) watchdog(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.alive.Load() {
				logger.WarnC("onebot", "Heartbeat timeout, forcing reconnect")
				conn.Close()
				return
			}
			// Re-armed by the next received frame.
			c.alive.Store(false)
		}
	}
}

func (c *Client) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-c.events:
			switch evt.PostType {
			case "request":
				if c.handlers.OnRequest != nil {
					c.handlers.OnRequest(evt)
				}
			default:
				if c.handlers.OnEvent != nil {
					c.handlers.OnEvent(evt)
				}
			}
		}
	}
}

// Call issues an echo-correlated API request and waits for the matching
// response, the configured timeout, or ctx cancellation – whichever comes
// first. It always settles; when the socket is not open it fails
// immediately instead of registering a waiter that can never be satisfied.
func (c *Client) Call(ctx context.Context, action string, params interface{}) (json.RawMessage, error) {
	return c.CallTimeout(ctx, action, params, c.opts.CallTimeout)
}

func (c *Client) CallTimeout(ctx context.Context, action string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	conn := c.currentConn()
	if conn == nil {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = c.opts.CallTimeout
	}

	echo := uuid.NewString()
	waiter := make(chan rpcResult, 1)

	c.pendingMu.Lock()
	c.pending[echo] = waiter
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, echo)
		c.pendingMu.Unlock()
	}()

	if err := c.write(apiRequest{Action: action, Params: params, Echo: echo}); err != nil {
		return nil, fmt.Errorf("onebot: write %s request: %w", action, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-waiter:
		if result.err != nil {
			return nil, result.err
		}
		if err := result.resp.err(); err != nil {
			return nil, err
		}
		return result.resp.Data, nil
	case <-timer.C:
		return nil, fmt.Errorf("onebot: %s timed out after %s", action, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes a one-way API request: no echo, no waiter, no response.
func (c *Client) Send(action string, params interface{}) error {
	if c.currentConn() == nil {
		return ErrNotConnected
	}
	if err := c.write(apiRequest{Action: action, Params: params}); err != nil {
		return fmt.Errorf("onebot: write %s request: %w", action, err)
	}
	return nil
}

func (c *Client) write(req apiRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// resolvePending routes a tagged response frame to exactly the one call
// waiting on its echo. Frames with an unknown echo are dropped: the call
// may already have timed out and deregistered.
func (c *Client) resolvePending(echo string, payload []byte) {
	var resp apiResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		resp = apiResponse{Echo: echo, Status: "failed", Msg: "unparseable response"}
	}
	if resp.Echo == "" {
		resp.Echo = echo
	}

	c.pendingMu.Lock()
	waiter := c.pending[resp.Echo]
	delete(c.pending, resp.Echo)
	c.pendingMu.Unlock()

	if waiter == nil {
		logger.DebugCF("onebot", "Response for unknown echo", map[string]interface{}{
			"echo": echo,
		})
		return
	}
	waiter <- rpcResult{resp: resp}
}

// failPending rejects every in-flight call. Without this, callers whose
// responses were lost with the connection would hang until their timeout.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	waiters := c.pending
	c.pending = make(map[string]chan rpcResult)
	c.pendingMu.Unlock()

	for _, waiter := range waiters {
		waiter <- rpcResult{err: err}
	}
}

// backoffDelay is min(base << attempts, ceiling).
func backoffDelay(attempts int, base, ceiling time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
