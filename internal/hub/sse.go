package hub

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const transportNameServerSentEvents = "ServerSentEvents"

// sseTransport is the fallback when a websocket cannot be established: the
// server-to-client direction is a long-lived text/event-stream response, and
// the client-to-server direction is a plain POST side channel. Lower
// capability than a websocket, but it traverses intermediaries that only
// speak ordinary HTTP.
type sseTransport struct {
	client *http.Client
}

func (t *sseTransport) name() string {
	return transportNameServerSentEvents
}

func (t *sseTransport) dial(ctx context.Context, endpoint, connectionID, accessToken string) (transportConn, error) {
	query := url.Values{
		"id":           {connectionID},
		"access_token": {accessToken},
	}
	streamURL, err := buildURL(endpoint, "/stream", query)
	if err != nil {
		return nil, err
	}
	sendURL, err := buildURL(endpoint, "/send", query)
	if err != nil {
		return nil, err
	}

	client := t.client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequest(http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("accept", "text/event-stream")
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("event stream request failed: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, fmt.Errorf("got response %d from event stream request", res.StatusCode)
	}
	return &sseConn{
		client:  client,
		body:    res.Body,
		reader:  bufio.NewReader(res.Body),
		sendURL: sendURL,
	}, nil
}

type sseConn struct {
	client  *http.Client
	body    io.ReadCloser
	reader  *bufio.Reader
	sendURL string
}

// readMessage consumes text/event-stream framing: accumulated 'data:' lines
// terminated by a blank line form one JSON-encoded Message; comment lines
// (leading ':') are keepalives and are skipped.
func (c *sseConn) readMessage() (*Message, error) {
	var data bytes.Buffer
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var m Message
			if err := json.Unmarshal(data.Bytes(), &m); err != nil {
				return nil, fmt.Errorf("failed to parse event stream message: %w", err)
			}
			return &m, nil
		}
	}
}

func (c *sseConn) sendMessage(m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	res, err := c.client.Post(c.sendURL, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("send request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("got response %d from send request", res.StatusCode)
	}
	return nil
}

func (c *sseConn) close() error {
	return c.body.Close()
}
