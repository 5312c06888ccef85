package speechos

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/speechos/speechos-go/pkg/core"
)

// SDK-level error type that wraps core errors
type Error = core.Error

// Error types
const (
	ErrInvalidRequest = core.ErrInvalidRequest
	ErrTimeout        = core.ErrTimeout
	ErrConnection     = core.ErrConnection
	ErrServer         = core.ErrServer
	ErrDisconnected   = core.ErrDisconnected
	ErrCanceled       = core.ErrCanceled
)

// Error helpers
var (
	IsDisconnect = core.IsDisconnect
	IsBlocked    = core.IsBlocked
	IsTimeout    = core.IsTimeout
	IsCanceled   = core.IsCanceled
)

// IsRetryable reports whether re-issuing the failed request may succeed.
func IsRetryable(err error) bool {
	var e *core.Error
	if !errors.As(err, &e) {
		return false
	}
	return e.IsRetryable()
}

// TransportError represents transport-level failures (DNS, timeouts,
// connection reset, TLS handshake, websocket upgrade) while talking to the
// backend.
//
// Use errors.As(err, &TransportError{}) to distinguish transport failures
// from canonical session errors (*core.Error).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}
