package speechos

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"
)

const (
	defaultBaseURL = "https://api.speechos.dev"

	// apiKeyEnv is consulted when no key is passed explicitly.
	apiKeyEnv  = "SPEECHOS_API_KEY"
	baseURLEnv = "SPEECHOS_BASE_URL"
)

// Client is the entry point for the voice SDK. It owns the credential
// cache, the background refresher and the defaults every session inherits.
type Client struct {
	baseURL    string
	apiKey     string
	userID     string
	httpClient *http.Client
	logger     *slog.Logger

	transport      TransportFactory
	captureSource  CaptureSource
	deviceID       string
	resultTimeout  time.Duration
	connectTimeout time.Duration
	tokenTTL       time.Duration
	settings       Settings

	tokens    *TokenSource
	refresher *autoRefresher
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient builds a client. The API key falls back to SPEECHOS_API_KEY and
// the base URL to SPEECHOS_BASE_URL when not set via options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:        defaultBaseURL,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         slog.Default(),
		transport:      NewWebSocketTransport,
		resultTimeout:  defaultResultTimeout,
		connectTimeout: defaultConnectTimeout,
		tokenTTL:       defaultTokenTTL,
	}
	if env := os.Getenv(baseURLEnv); env != "" {
		c.baseURL = env
	}
	if env := os.Getenv(apiKeyEnv); env != "" {
		c.apiKey = env
	}
	for _, opt := range opts {
		opt(c)
	}

	c.tokens = newTokenSource(c, c.tokenTTL)
	c.tokens.UpdateSettings(c.settings)
	c.refresher = newAutoRefresher(c.tokens, c.logger)
	return c
}

// NewSession creates a voice session bound to this client. Sessions are
// single-use concurrency-wise: one active session per VoiceSession value.
func (c *Client) NewSession() *VoiceSession {
	return newVoiceSession(c)
}

// PrefetchToken warms the credential cache so the next session start skips
// the fetch round trip.
func (c *Client) PrefetchToken(ctx context.Context) (*Credential, error) {
	return c.tokens.Prefetch(ctx)
}

// UpdateSettings replaces the session settings and drops any cached
// credential, since settings are baked into credentials at fetch time.
func (c *Client) UpdateSettings(settings Settings) {
	c.tokens.UpdateSettings(settings)
}

// StartAutoRefresh keeps a fresh credential cached in the background,
// re-fetching shortly before expiry. Idempotent.
func (c *Client) StartAutoRefresh() {
	c.refresher.Start()
}

// StopAutoRefresh disables background credential refresh. Idempotent.
func (c *Client) StopAutoRefresh() {
	c.refresher.Stop()
}

// Tokens exposes the credential source, mainly for inspection in tests.
func (c *Client) Tokens() *TokenSource {
	return c.tokens
}
