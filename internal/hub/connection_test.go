package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_retryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{6, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func Test_Connection_Start(t *testing.T) {
	t.Run("successful handshake transitions to Connected", func(t *testing.T) {
		conn, _ := newTestConnection()
		states := recordStates(conn)

		err := conn.Start(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, StateConnected, conn.State())
		assert.Equal(t, []State{StateConnecting, StateConnected}, *states)
	})

	t.Run("Start is idempotent while Connected", func(t *testing.T) {
		conn, ft := newTestConnection()
		require.NoError(t, conn.Start(context.Background()))
		require.NoError(t, conn.Start(context.Background()))

		assert.Equal(t, 1, ft.dials())
		assert.Len(t, ft.conns, 1)
	})

	t.Run("handshake failures are retried on the backoff schedule", func(t *testing.T) {
		conn, ft := newTestConnection()
		ft.dialErrs = []error{errors.New("mock dial error"), errors.New("mock dial error")}
		delays := make([]int, 0)
		conn.delay = func(attempt int) time.Duration {
			delays = append(delays, attempt)
			return 0
		}

		err := conn.Start(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, StateConnected, conn.State())
		assert.Equal(t, 3, ft.dials())
		assert.Equal(t, []int{1, 2}, delays)
	})

	t.Run("exhausting the retry budget ends Disconnected", func(t *testing.T) {
		conn, ft := newTestConnection()
		for i := 0; i < 6; i++ {
			ft.dialErrs = append(ft.dialErrs, errors.New("mock dial error"))
		}
		conn.delay = func(int) time.Duration { return 0 }

		err := conn.Start(context.Background())
		assert.ErrorIs(t, err, ErrRetriesExhausted)
		assert.Equal(t, StateDisconnected, conn.State())
		// one initial handshake plus five retries
		assert.Equal(t, 6, ft.dials())
	})

	t.Run("a canceled context aborts the retry loop", func(t *testing.T) {
		conn, ft := newTestConnection()
		ft.dialErrs = []error{errors.New("mock dial error")}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := conn.Start(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StateDisconnected, conn.State())
	})
}

func Test_Connection_Stop(t *testing.T) {
	conn, ft := newTestConnection()
	require.NoError(t, conn.Start(context.Background()))

	assert.NoError(t, conn.Stop())
	assert.Equal(t, StateDisconnected, conn.State())
	assert.True(t, ft.conn(0).isClosed())

	// stopping again is harmless
	assert.NoError(t, conn.Stop())
}

func Test_Connection_reconnect(t *testing.T) {
	t.Run("a transport drop while Connected triggers reconnection", func(t *testing.T) {
		conn, ft := newTestConnection()
		conn.delay = func(int) time.Duration { return 0 }
		require.NoError(t, conn.Start(context.Background()))

		ft.conn(0).breakWith(errors.New("mock transport drop"))
		require.Eventually(t, func() bool {
			return conn.State() == StateConnected && ft.dials() == 2
		}, time.Second, time.Millisecond)
	})

	t.Run("handlers keep receiving events after a reconnect", func(t *testing.T) {
		conn, ft := newTestConnection()
		conn.delay = func(int) time.Duration { return 0 }

		var mu sync.Mutex
		received := make([]string, 0)
		conn.On("thing", func(args []json.RawMessage) {
			var value string
			json.Unmarshal(args[0], &value)
			mu.Lock()
			received = append(received, value)
			mu.Unlock()
		})

		require.NoError(t, conn.Start(context.Background()))
		ft.conn(0).push(&Message{Type: MessageTypeEvent, Target: "thing", Arguments: rawArgs(t, "before")})
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(received) == 1
		}, time.Second, time.Millisecond)
		ft.conn(0).breakWith(errors.New("mock transport drop"))

		require.Eventually(t, func() bool { return ft.connCount() == 2 }, time.Second, time.Millisecond)
		ft.conn(1).push(&Message{Type: MessageTypeEvent, Target: "thing", Arguments: rawArgs(t, "after")})

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(received) == 2
		}, time.Second, time.Millisecond)
		mu.Lock()
		assert.Equal(t, []string{"before", "after"}, received)
		mu.Unlock()
	})

	t.Run("exhausting the budget after a drop is terminal", func(t *testing.T) {
		conn, ft := newTestConnection()
		conn.delay = func(int) time.Duration { return 0 }
		require.NoError(t, conn.Start(context.Background()))

		// the first dial (index 0) already succeeded; fail the next five
		ft.setDialErr(1, 5, errors.New("mock dial error"))
		ft.conn(0).breakWith(errors.New("mock transport drop"))

		require.Eventually(t, func() bool {
			return conn.State() == StateDisconnected
		}, time.Second, time.Millisecond)
		// the first dial succeeded; five reconnect attempts then failed
		assert.Equal(t, 6, ft.dials())
	})
}

func Test_Connection_eventOrdering(t *testing.T) {
	conn, ft := newTestConnection()
	require.NoError(t, conn.Start(context.Background()))

	var mu sync.Mutex
	received := make([]string, 0)
	conn.On("notify", func(args []json.RawMessage) {
		var value string
		json.Unmarshal(args[0], &value)
		mu.Lock()
		received = append(received, value)
		mu.Unlock()
	})

	ft.conn(0).push(&Message{Type: MessageTypeEvent, Target: "notify", Arguments: rawArgs(t, "A")})
	ft.conn(0).push(&Message{Type: MessageTypeEvent, Target: "notify", Arguments: rawArgs(t, "B")})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"A", "B"}, received)
	mu.Unlock()
}

func Test_Connection_Invoke(t *testing.T) {
	t.Run("rejects immediately when not connected", func(t *testing.T) {
		conn, _ := newTestConnection()
		_, err := conn.Invoke(context.Background(), "DoThing", "arg")
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.ErrorContains(t, err, "DoThing")
	})

	t.Run("round-trips a completion", func(t *testing.T) {
		conn, ft := newTestConnection()
		require.NoError(t, conn.Start(context.Background()))

		type result struct {
			value json.RawMessage
			err   error
		}
		results := make(chan result, 1)
		go func() {
			value, err := conn.Invoke(context.Background(), "DoThing", "n1")
			results <- result{value, err}
		}()

		var sent *Message
		require.Eventually(t, func() bool {
			sent = ft.conn(0).lastSent()
			return sent != nil
		}, time.Second, time.Millisecond)
		assert.Equal(t, MessageTypeInvocation, sent.Type)
		assert.Equal(t, "DoThing", sent.Target)
		require.Len(t, sent.Arguments, 1)
		assert.JSONEq(t, `"n1"`, string(sent.Arguments[0]))

		ft.conn(0).push(&Message{
			Type:         MessageTypeCompletion,
			InvocationID: sent.InvocationID,
			Result:       json.RawMessage(`"ok"`),
		})
		r := <-results
		assert.NoError(t, r.err)
		assert.JSONEq(t, `"ok"`, string(r.value))
	})

	t.Run("surfaces a server-side rejection", func(t *testing.T) {
		conn, ft := newTestConnection()
		require.NoError(t, conn.Start(context.Background()))

		errs := make(chan error, 1)
		go func() {
			_, err := conn.Invoke(context.Background(), "DoThing", "n1")
			errs <- err
		}()

		var sent *Message
		require.Eventually(t, func() bool {
			sent = ft.conn(0).lastSent()
			return sent != nil
		}, time.Second, time.Millisecond)
		ft.conn(0).push(&Message{
			Type:         MessageTypeCompletion,
			InvocationID: sent.InvocationID,
			Error:        "mock server rejection",
		})
		assert.ErrorContains(t, <-errs, "mock server rejection")
	})

	t.Run("in-flight invocations fail when the connection drops", func(t *testing.T) {
		conn, ft := newTestConnection()
		conn.delay = func(int) time.Duration { return 0 }
		require.NoError(t, conn.Start(context.Background()))
		ft.setDialErr(1, 5, errors.New("mock dial error"))

		errs := make(chan error, 1)
		go func() {
			_, err := conn.Invoke(context.Background(), "DoThing", "n1")
			errs <- err
		}()
		require.Eventually(t, func() bool {
			return ft.conn(0).lastSent() != nil
		}, time.Second, time.Millisecond)

		ft.conn(0).breakWith(errors.New("mock transport drop"))
		assert.ErrorContains(t, <-errs, "mock transport drop")
	})
}

// newTestConnection wires a Connection to an in-memory fake transport, with
// negotiation stubbed out
func newTestConnection() (*Connection, *fakeTransport) {
	ft := &fakeTransport{}
	conn := NewConnection("http://hub.test/realtime", func() string { return "test-token" })
	conn.transports = []transport{ft}
	conn.negotiate = func(ctx context.Context, endpoint, accessToken string) (*negotiateResponse, error) {
		return &negotiateResponse{ConnectionID: "test-connection"}, nil
	}
	return conn, ft
}

func recordStates(conn *Connection) *[]State {
	states := make([]State, 0)
	conn.OnStateChange = func(state State) {
		states = append(states, state)
	}
	return &states
}

func rawArgs(t *testing.T, values ...any) []json.RawMessage {
	t.Helper()
	args := make([]json.RawMessage, 0, len(values))
	for _, value := range values {
		data, err := json.Marshal(value)
		require.NoError(t, err)
		args = append(args, data)
	}
	return args
}

type fakeTransport struct {
	mu        sync.Mutex
	dialErrs  []error
	dialCount int
	conns     []*fakeConn
}

func (t *fakeTransport) name() string { return "Fake" }

// setDialErr fails count consecutive dials beginning at the given dial index
func (t *fakeTransport) setDialErr(from, count int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.dialErrs) < from+count {
		t.dialErrs = append(t.dialErrs, nil)
	}
	for i := from; i < from+count; i++ {
		t.dialErrs[i] = err
	}
}

func (t *fakeTransport) dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dialCount
}

func (t *fakeTransport) connCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[i]
}

func (t *fakeTransport) dial(ctx context.Context, endpoint, connectionID, accessToken string) (transportConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.dialCount
	t.dialCount++
	if idx < len(t.dialErrs) && t.dialErrs[idx] != nil {
		return nil, t.dialErrs[idx]
	}
	conn := &fakeConn{incoming: make(chan *Message, 32), broken: make(chan struct{})}
	t.conns = append(t.conns, conn)
	return conn, nil
}

type fakeConn struct {
	incoming chan *Message

	mu       sync.Mutex
	sent     []*Message
	breakErr error
	broken   chan struct{}
	closed   bool
}

func (c *fakeConn) readMessage() (*Message, error) {
	select {
	case m := <-c.incoming:
		return m, nil
	case <-c.broken:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.breakErr != nil {
			return nil, c.breakErr
		}
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) sendMessage(m *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, m)
	return nil
}

func (c *fakeConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.broken)
	}
	return nil
}

// push delivers a message as if the server had sent it
func (c *fakeConn) push(m *Message) {
	c.incoming <- m
}

// breakWith simulates an unsolicited transport-level drop
func (c *fakeConn) breakWith(err error) {
	c.mu.Lock()
	c.breakErr = err
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if !alreadyClosed {
		close(c.broken)
	}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) lastSent() *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}
