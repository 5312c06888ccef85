package speechos

import (
	"context"
	"net/url"
	"strings"

	"github.com/speechos/speechos-go/pkg/core"
	"github.com/speechos/speechos-go/pkg/protocol"
)

// Transport is a duplex session connection. Exactly one transport is active
// per session; implementations publish outbound audio and demultiplex
// inbound control frames by tag.
type Transport interface {
	// Connect opens the connection and authenticates with the credential.
	Connect(ctx context.Context, cred *Credential, auth protocol.ClientAuth) error

	// SendMessage writes a control frame.
	SendMessage(msg any) error

	// SendAudio publishes one audio frame. Frames sent before the remote
	// side is ready are buffered locally and flushed on readiness, never
	// dropped.
	SendAudio(frame []byte) error

	// Messages yields decoded inbound control frames. The channel closes
	// when the connection ends.
	Messages() <-chan any

	// Done is closed when the read loop has ended.
	Done() <-chan struct{}

	// Err returns the terminal transport error, already classified:
	// connection_blocked when the connection never reached an open state,
	// websocket_error for failures after open, nil for a clean local close.
	Err() error

	// Disconnect tears down the connection. Idempotent.
	Disconnect() error
}

// TransportFactory builds a fresh transport for each session.
type TransportFactory func(c *Client) Transport

// NewWebSocketTransport is the default transport factory.
func NewWebSocketTransport(c *Client) Transport {
	return newWSTransport(c.logger)
}

// NewRoomTransport builds the legacy media-room transport.
func NewRoomTransport(c *Client) Transport {
	return newRoomTransport(c.logger)
}

// wsEndpoint normalizes a credential URL to a websocket scheme.
func wsEndpoint(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", core.NewInvalidRequestError("invalid session URL")
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already websocket scheme.
	default:
		return "", core.NewInvalidRequestError("session URL must use http(s) or ws(s)")
	}
	return u.String(), nil
}
