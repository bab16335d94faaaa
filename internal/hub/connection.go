package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State describes where the connection currently is in its lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("unknown (%d)", int(s))
}

// ErrNotConnected is returned by Invoke when no live channel exists; callers
// needing queue-on-reconnect semantics must implement them themselves.
var ErrNotConnected = errors.New("not connected")

// ErrRetriesExhausted indicates the connection gave up after spending its
// whole retry budget; it will not retry further without a fresh Start.
var ErrRetriesExhausted = errors.New("retry budget exhausted")

// maxRetryAttempts caps how many times a failed handshake or a dropped
// transport is retried before the connection goes terminally Disconnected.
const maxRetryAttempts = 5

// retryDelay computes the wait before retry attempt n: exponential from the
// first retry at 2s, ceilinged at 30s. Both layers that can observe a failure
// (the initial-handshake retry loop in Start and the transport-drop reconnect
// loop) share this one schedule, so behavior is identical regardless of which
// one detected the drop.
func retryDelay(attempt int) time.Duration {
	ms := 1000 * (1 << attempt)
	if ms > 30000 {
		ms = 30000
	}
	return time.Duration(ms) * time.Millisecond
}

// Connection owns the single persistent duplex channel to the realtime hub.
// It is the only component permitted to transition connection state or close
// the underlying transport; the subscription registry and the notification
// controller are collaborators, not co-owners.
type Connection struct {
	endpoint     string
	tokenFactory func() string

	mu         sync.Mutex
	state      State
	conn       transportConn
	ctx        context.Context
	generation int

	registry   *Registry
	transports []transport
	negotiate  negotiateFunc

	// delay is retryDelay in production; tests substitute a zero delay
	delay func(attempt int) time.Duration

	// OnStateChange, if set before Start, is called on every state
	// transition; it lets a UI surface "reconnecting..." rather than failing
	// silently. It runs with the connection's lock held and must not call
	// back into the Connection.
	OnStateChange func(State)

	pendingMu sync.Mutex
	pending   map[string]chan *Message
}

// NewConnection prepares a connection to the given hub endpoint. The token
// factory is consulted on every (re)connect, so a token refreshed between
// drops is picked up automatically; the token travels out-of-band as a query
// parameter since not every transport supports arbitrary headers.
func NewConnection(endpoint string, tokenFactory func() string) *Connection {
	return &Connection{
		endpoint:     endpoint,
		tokenFactory: tokenFactory,
		registry:     NewRegistry(),
		transports:   defaultTransports(),
		negotiate:    negotiateHTTP,
		delay:        retryDelay,
		pending:      make(map[string]chan *Message),
	}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On registers a handler for the named event. The registration is held
// independently of the live transport: it survives reconnects and may be made
// before Start is ever called.
func (c *Connection) On(event string, handler Handler) *Subscription {
	return c.registry.On(event, handler)
}

// Start establishes the channel, retrying failed handshakes on the shared
// backoff schedule up to the retry budget. It is idempotent: starting an
// already-live connection is a no-op. On exhausting the budget the connection
// is left Disconnected and ErrRetriesExhausted is returned.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.ctx = ctx
	gen := c.generation
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err == nil {
		return c.attach(conn, gen)
	}
	fmt.Printf("Handshake with %s failed: %v\n", c.endpoint, err)

	if !c.transition(gen, StateConnecting, StateReconnecting) {
		return ErrNotConnected
	}
	return c.runRetries(ctx, gen)
}

// Stop closes the channel from any live state. In-flight invocations are
// failed, and any pending reconnect loop is abandoned.
func (c *Connection) Stop() error {
	c.mu.Lock()
	c.generation++
	conn := c.conn
	c.conn = nil
	alreadyStopped := c.state == StateDisconnected
	if !alreadyStopped {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	if alreadyStopped && conn == nil {
		return nil
	}
	c.failPending(ErrNotConnected)
	if conn != nil {
		return conn.close()
	}
	return nil
}

// Invoke issues a remote call over the live channel and blocks until the
// matching completion arrives or ctx is done. It rejects immediately when the
// connection is not Connected: there is no queuing, and a send already on the
// wire runs to completion even if the caller stops waiting.
func (c *Connection) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return nil, fmt.Errorf("cannot invoke %q: %w", method, ErrNotConnected)
	}

	arguments := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("cannot encode argument for %q: %w", method, err)
		}
		arguments = append(arguments, data)
	}

	id := uuid.NewString()
	ch := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	err := conn.sendMessage(&Message{
		Type:         MessageTypeInvocation,
		Target:       method,
		Arguments:    arguments,
		InvocationID: id,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send invocation %q: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m := <-ch:
		if m.Error != "" {
			return nil, fmt.Errorf("invocation %q failed: %s", method, m.Error)
		}
		return m.Result, nil
	}
}

// dial negotiates with the hub and then tries each transport the server
// offers, in preference order, returning the first channel that opens. A
// transport's unavailability is logged and the next one is tried rather than
// failing fast.
func (c *Connection) dial(ctx context.Context) (transportConn, error) {
	token := c.tokenFactory()
	negotiated, err := c.negotiate(ctx, c.endpoint, token)
	if err != nil {
		return nil, err
	}
	offered := make(map[string]bool, len(negotiated.AvailableTransports))
	for _, name := range negotiated.AvailableTransports {
		offered[name] = true
	}

	var lastErr error
	for _, t := range c.transports {
		if len(offered) > 0 && !offered[t.name()] {
			continue
		}
		conn, err := t.dial(ctx, c.endpoint, negotiated.ConnectionID, token)
		if err != nil {
			fmt.Printf("Transport %s unavailable: %v\n", t.name(), err)
			lastErr = err
			continue
		}
		fmt.Printf("Connected to %s via %s\n", c.endpoint, t.name())
		return conn, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no mutually supported transport")
	}
	return nil, lastErr
}

// runRetries drives the Reconnecting state: wait out the backoff, redial, and
// either re-attach or, once the budget is spent, settle at Disconnected.
func (c *Connection) runRetries(ctx context.Context, gen int) error {
	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			c.transition(gen, StateReconnecting, StateDisconnected)
			return ctx.Err()
		case <-time.After(c.delay(attempt)):
		}
		if !c.isCurrent(gen, StateReconnecting) {
			// Stop() took over while we were waiting
			return ErrNotConnected
		}
		conn, err := c.dial(ctx)
		if err != nil {
			fmt.Printf("Reconnect attempt %d/%d failed: %v\n", attempt, maxRetryAttempts, err)
			continue
		}
		if err := c.attach(conn, gen); err != nil {
			return err
		}
		return nil
	}
	c.transition(gen, StateReconnecting, StateDisconnected)
	return ErrRetriesExhausted
}

// attach installs a freshly-dialed channel and starts its read loop. The
// registry needs no re-attachment: handlers live independently of the
// transport and the new read loop dispatches into them directly.
func (c *Connection) attach(conn transportConn, gen int) error {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		conn.close()
		return ErrNotConnected
	}
	c.conn = conn
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	go c.readLoop(conn, gen)
	return nil
}

// readLoop is the single reader for the live channel: every received message
// is dispatched from this goroutine, which is what guarantees per-event-name
// arrival ordering for handlers.
func (c *Connection) readLoop(conn transportConn, gen int) {
	for {
		m, err := conn.readMessage()
		if err != nil {
			c.handleDrop(gen, err)
			return
		}
		c.dispatch(m)
	}
}

func (c *Connection) dispatch(m *Message) {
	switch m.Type {
	case MessageTypePing:
		// keepalive only
	case MessageTypeCompletion:
		c.pendingMu.Lock()
		ch, ok := c.pending[m.InvocationID]
		delete(c.pending, m.InvocationID)
		c.pendingMu.Unlock()
		if ok {
			ch <- m
		}
	case MessageTypeEvent, MessageTypeInvocation:
		// servers address pushes either as events or as hub invocations of a
		// client-side method; both carry a target plus arguments
		c.registry.Dispatch(m.Target, m.Arguments)
	}
}

// handleDrop reacts to an unsolicited close of the transport while Connected:
// identical treatment to a handshake failure, entering Reconnecting and
// spending the retry budget in the background.
func (c *Connection) handleDrop(gen int, cause error) {
	c.mu.Lock()
	if c.generation != gen || c.state != StateConnected {
		// the drop was client-initiated (Stop) or another loop already won
		c.mu.Unlock()
		return
	}
	c.conn = nil
	ctx := c.ctx
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	c.failPending(fmt.Errorf("connection dropped: %w", cause))
	fmt.Printf("Connection to %s dropped: %v\n", c.endpoint, cause)
	go func() {
		if err := c.runRetries(ctx, gen); err != nil {
			fmt.Printf("Connection to %s is down: %v\n", c.endpoint, err)
		}
	}()
}

func (c *Connection) setStateLocked(state State) {
	c.state = state
	if c.OnStateChange != nil {
		c.OnStateChange(state)
	}
}

// transition moves from one expected state to another, refusing if the
// connection has since been stopped or moved elsewhere.
func (c *Connection) transition(gen int, from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.state != from {
		return false
	}
	c.setStateLocked(to)
	return true
}

func (c *Connection) isCurrent(gen int, state State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen && c.state == state
}

// failPending rejects every in-flight invocation; used when the channel drops
// or is stopped so callers are not left waiting on completions that can never
// arrive.
func (c *Connection) failPending(cause error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- &Message{Type: MessageTypeCompletion, InvocationID: id, Error: cause.Error()}
		delete(c.pending, id)
	}
}
