package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// A transport is one mechanism for establishing the duplex channel to the
// realtime hub. Transports are tried in preference order (lowest-latency
// duplex first), so a restrictive network intermediary that blocks one
// mechanism does not prevent connection entirely.
type transport interface {
	name() string
	dial(ctx context.Context, endpoint, connectionID, accessToken string) (transportConn, error)
}

// transportConn is an established channel: a blocking message reader plus a
// message sender. Only the Connection that owns it may close it.
type transportConn interface {
	readMessage() (*Message, error)
	sendMessage(m *Message) error
	close() error
}

func defaultTransports() []transport {
	return []transport{
		&websocketTransport{},
		&sseTransport{},
	}
}

// negotiateFunc performs the pre-connection handshake with the hub endpoint,
// resolving a connection id and the transports the server will accept.
type negotiateFunc func(ctx context.Context, endpoint, accessToken string) (*negotiateResponse, error)

// negotiateHTTP posts to the hub's negotiate endpoint. The bearer token
// travels as an access_token query parameter rather than a header, since not
// every transport we may subsequently open supports arbitrary headers.
func negotiateHTTP(ctx context.Context, endpoint, accessToken string) (*negotiateResponse, error) {
	negotiateURL, err := buildURL(endpoint, "/negotiate", url.Values{"access_token": {accessToken}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, negotiateURL, nil)
	if err != nil {
		return nil, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("negotiate request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("got response %d from negotiate request", res.StatusCode)
	}
	var negotiated negotiateResponse
	if err := json.NewDecoder(res.Body).Decode(&negotiated); err != nil {
		return nil, fmt.Errorf("failed to parse negotiate response: %w", err)
	}
	return &negotiated, nil
}

// buildURL appends a path suffix and query parameters to the configured hub
// endpoint.
func buildURL(endpoint, suffix string, query url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid hub endpoint %q: %w", endpoint, err)
	}
	u.Path += suffix
	q := u.Query()
	for key, values := range query {
		for _, value := range values {
			q.Set(key, value)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
