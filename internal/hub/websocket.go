package hub

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

const transportNameWebSockets = "WebSockets"

// websocketTransport is the preferred transport: a true duplex socket that
// carries Message frames as JSON text messages in both directions.
type websocketTransport struct {
	dialer *websocket.Dialer
}

func (t *websocketTransport) name() string {
	return transportNameWebSockets
}

func (t *websocketTransport) dial(ctx context.Context, endpoint, connectionID, accessToken string) (transportConn, error) {
	connectURL, err := buildURL(endpoint, "/connect", url.Values{
		"id":           {connectionID},
		"access_token": {accessToken},
	})
	if err != nil {
		return nil, err
	}
	wsURL, err := toWebsocketScheme(connectURL)
	if err != nil {
		return nil, err
	}

	dialer := t.dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return &websocketConn{conn: conn}, nil
}

func toWebsocketScheme(rawURL string) (string, error) {
	switch {
	case strings.HasPrefix(rawURL, "https://"):
		return "wss://" + strings.TrimPrefix(rawURL, "https://"), nil
	case strings.HasPrefix(rawURL, "http://"):
		return "ws://" + strings.TrimPrefix(rawURL, "http://"), nil
	case strings.HasPrefix(rawURL, "wss://"), strings.HasPrefix(rawURL, "ws://"):
		return rawURL, nil
	}
	return "", fmt.Errorf("hub endpoint %q has no usable scheme for websockets", rawURL)
}

type websocketConn struct {
	conn *websocket.Conn

	// writeMu serializes writes: gorilla/websocket allows at most one
	// concurrent writer
	writeMu sync.Mutex
}

func (c *websocketConn) readMessage() (*Message, error) {
	var m Message
	if err := c.conn.ReadJSON(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *websocketConn) sendMessage(m *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(m)
}

func (c *websocketConn) close() error {
	return c.conn.Close()
}
