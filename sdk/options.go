package speechos

import (
	"log/slog"
	"net/http"
	"time"
)

// WithBaseURL overrides the API base URL used for credential fetches.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

// WithAPIKey sets the API key explicitly instead of reading the
// environment.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

// WithUserID attributes sessions and credentials to an end user.
func WithUserID(userID string) ClientOption {
	return func(c *Client) {
		c.userID = userID
	}
}

// WithHTTPClient substitutes the HTTP client used for credential fetches.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTransportFactory selects the session transport. Defaults to the
// direct websocket transport; NewRoomTransport selects the legacy
// media-room path.
func WithTransportFactory(factory TransportFactory) ClientOption {
	return func(c *Client) {
		if factory != nil {
			c.transport = factory
		}
	}
}

// WithCaptureSource sets the microphone capture implementation. Required
// before any session can start.
func WithCaptureSource(source CaptureSource) ClientOption {
	return func(c *Client) {
		c.captureSource = source
	}
}

// WithInputDevice selects the capture device. An unavailable device falls
// back to the default at session start.
func WithInputDevice(deviceID string) ClientOption {
	return func(c *Client) {
		c.deviceID = deviceID
	}
}

// WithTokenTTL bounds how long a fetched credential is reused.
func WithTokenTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl > 0 {
			c.tokenTTL = ttl
		}
	}
}

// WithResultTimeout bounds how long a stop request waits for its result.
func WithResultTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.resultTimeout = timeout
		}
	}
}

// WithConnectTimeout bounds the dial plus the background wait for the
// remote side to confirm audio subscription.
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.connectTimeout = timeout
		}
	}
}

// WithSettings sets the initial session settings (languages, formatting,
// vocabulary).
func WithSettings(settings Settings) ClientOption {
	return func(c *Client) {
		c.settings = settings
	}
}
