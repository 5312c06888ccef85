package speechos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/speechos/speechos-go/pkg/core"
	"github.com/speechos/speechos-go/pkg/protocol"
)

const (
	// Session settings (language, vocabulary) are baked into the credential
	// at fetch time, so the TTL trades latency savings against staleness.
	defaultTokenTTL = 5 * time.Minute

	tokenFetchTimeout = 10 * time.Second
)

// Settings are the session-affecting options embedded in a credential.
// Changing them invalidates any cached credential.
type Settings struct {
	InputLanguage    string
	OutputLanguage   string
	SmartFormat      bool
	CustomVocabulary []string
	CustomSnippets   []protocol.Snippet
}

func (s Settings) withDefaults() Settings {
	if strings.TrimSpace(s.InputLanguage) == "" {
		s.InputLanguage = "en"
	}
	if strings.TrimSpace(s.OutputLanguage) == "" {
		s.OutputLanguage = s.InputLanguage
	}
	return s
}

// Credential is short-lived authorization data for one connection.
// Credentials are replaced on refresh, never mutated in place.
type Credential struct {
	URL       string `json:"url"`
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`

	FetchedAt time.Time `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

// Valid reports whether the credential is still usable at now.
func (c *Credential) Valid(now time.Time) bool {
	return c != nil && now.Before(c.ExpiresAt)
}

// TokenSource fetches and caches session credentials, coalescing concurrent
// fetches so at most one network call is ever in flight.
type TokenSource struct {
	client *Client
	ttl    time.Duration
	now    func() time.Time

	mu       sync.Mutex
	settings Settings
	cached   *Credential
	inflight *tokenFetch
}

type tokenFetch struct {
	done chan struct{}
	cred *Credential
	err  error
}

func (f *tokenFetch) wait(ctx context.Context) (*Credential, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.cred, f.err
	}
}

func newTokenSource(client *Client, ttl time.Duration) *TokenSource {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenSource{
		client: client,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Fetch returns a valid credential, issuing at most one network call. This
// is the blocking path used before starting a session.
func (s *TokenSource) Fetch(ctx context.Context) (*Credential, error) {
	return s.fetch(ctx)
}

// Prefetch warms the cache ahead of a session start. Same cache and
// coalescing rules as Fetch.
func (s *TokenSource) Prefetch(ctx context.Context) (*Credential, error) {
	return s.fetch(ctx)
}

// Invalidate clears the cached credential. An in-flight fetch is not
// canceled; it completes and repopulates the cache.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
}

// UpdateSettings replaces the session settings and invalidates the cache,
// since the old credential has the previous settings baked in.
func (s *TokenSource) UpdateSettings(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	s.cached = nil
}

// Settings returns the current session settings.
func (s *TokenSource) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Cached returns the cached credential if still valid, without fetching.
func (s *TokenSource) Cached() *Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached.Valid(s.now()) {
		return s.cached
	}
	return nil
}

func (s *TokenSource) fetch(ctx context.Context) (*Credential, error) {
	s.mu.Lock()
	if s.cached.Valid(s.now()) {
		cred := s.cached
		s.mu.Unlock()
		return cred, nil
	}
	if s.inflight != nil {
		f := s.inflight
		s.mu.Unlock()
		return f.wait(ctx)
	}
	f := &tokenFetch{done: make(chan struct{})}
	s.inflight = f
	settings := s.settings
	s.mu.Unlock()

	go s.run(f, settings)
	return f.wait(ctx)
}

// run completes the shared fetch independently of any single waiter's
// context, so a canceled waiter does not fail the coalesced callers.
func (s *TokenSource) run(f *tokenFetch, settings Settings) {
	ctx, cancel := context.WithTimeout(context.Background(), tokenFetchTimeout)
	defer cancel()

	cred, err := s.client.fetchCredential(ctx, settings)
	if err == nil {
		now := s.now()
		cred.FetchedAt = now
		cred.ExpiresAt = now.Add(s.ttl)
		if exp, ok := jwtExpiry(cred.Token); ok && exp.Before(cred.ExpiresAt) {
			cred.ExpiresAt = exp
		}
	}

	s.mu.Lock()
	f.cred = cred
	f.err = err
	if err == nil {
		s.cached = cred
	}
	if s.inflight == f {
		s.inflight = nil
	}
	s.mu.Unlock()
	close(f.done)
}

// jwtExpiry extracts the exp claim when the session token is a JWT. The
// token is treated as opaque otherwise.
func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

type credentialRequest struct {
	UserID           string             `json:"user_id,omitempty"`
	InputLanguage    string             `json:"input_language"`
	OutputLanguage   string             `json:"output_language"`
	SmartFormat      bool               `json:"smart_format"`
	CustomVocabulary []string           `json:"custom_vocabulary,omitempty"`
	CustomSnippets   []protocol.Snippet `json:"custom_snippets,omitempty"`
}

func (c *Client) fetchCredential(ctx context.Context, settings Settings) (*Credential, error) {
	settings = settings.withDefaults()
	endpoint := strings.TrimSuffix(c.baseURL, "/") + "/v1/voice/sessions"

	payload, err := json.Marshal(credentialRequest{
		UserID:           c.userID,
		InputLanguage:    settings.InputLanguage,
		OutputLanguage:   settings.OutputLanguage,
		SmartFormat:      settings.SmartFormat,
		CustomVocabulary: settings.CustomVocabulary,
		CustomSnippets:   settings.CustomSnippets,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal credential request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build credential request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: http.MethodPost, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransportError{Op: http.MethodPost, URL: endpoint, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseCredentialError(resp.StatusCode, body)
	}

	var cred Credential
	if err := json.Unmarshal(body, &cred); err != nil {
		return nil, fmt.Errorf("decode credential response: %w", err)
	}
	if strings.TrimSpace(cred.URL) == "" || strings.TrimSpace(cred.Token) == "" {
		return nil, core.NewServerError("invalid_credential", "credential response missing url or token", nil)
	}
	return &cred, nil
}

func parseCredentialError(status int, body []byte) error {
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return core.NewServerError(payload.Error.Code, payload.Error.Message, nil)
	}
	return core.NewServerError("http_"+fmt.Sprint(status), fmt.Sprintf("credential fetch failed with status %d", status), nil)
}
