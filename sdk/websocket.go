package speechos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/speechos/speechos-go/pkg/core"
	"github.com/speechos/speechos-go/pkg/protocol"
)

const defaultConnectTimeout = 15 * time.Second

// wsTransport speaks the control protocol directly over a websocket:
// JSON text frames for control, binary frames for outbound audio.
type wsTransport struct {
	logger *slog.Logger
	dialer *websocket.Dialer

	conn     *websocket.Conn
	messages chan any
	done     chan struct{}
	quit     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	bufMu       sync.Mutex
	remoteReady bool
	buffered    [][]byte

	errMu sync.Mutex
	err   error
}

func newWSTransport(logger *slog.Logger) *wsTransport {
	return &wsTransport{
		logger:   logger,
		dialer:   websocket.DefaultDialer,
		messages: make(chan any, 64),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
	}
}

func (t *wsTransport) Connect(ctx context.Context, cred *Credential, auth protocol.ClientAuth) error {
	if cred == nil {
		return core.NewInvalidRequestError("credential must not be nil")
	}
	if err := protocol.ValidateAuth(auth); err != nil {
		return err
	}

	endpoint, err := wsEndpoint(cred.URL)
	if err != nil {
		return err
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	headers := make(map[string][]string)
	if cred.Token != "" {
		headers["Authorization"] = []string{"Bearer " + cred.Token}
	}

	conn, resp, err := t.dialer.DialContext(dialCtx, endpoint, headers)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return core.NewCanceledError()
		case errors.Is(err, context.DeadlineExceeded), dialCtx.Err() != nil:
			// A slow network, not a refusal; retrying may succeed.
			return core.NewTimeoutError(core.CodeConnectionTimeout, fmt.Sprintf("websocket dial timed out: %v", err))
		case resp != nil:
			// The socket never reached an open state: non-retryable by
			// this path, the caller should offer an alternate transport.
			return core.NewBlockedError(fmt.Sprintf("websocket dial refused (status %d): %v", resp.StatusCode, err))
		default:
			return core.NewBlockedError(fmt.Sprintf("websocket dial failed: %v", err))
		}
	}
	t.conn = conn

	if err := t.SendMessage(auth); err != nil {
		_ = conn.Close()
		return core.NewConnectionError(fmt.Sprintf("send auth: %v", err))
	}
	t.logger.Debug("voice transport connected", "auth", auth.RedactedForLog())

	go t.readLoop()
	return nil
}

func (t *wsTransport) SendMessage(msg any) error {
	if t.closed.Load() {
		return core.NewDisconnectedError()
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		return core.NewInvalidRequestError("transport is not connected")
	}
	return t.conn.WriteJSON(msg)
}

func (t *wsTransport) SendAudio(frame []byte) error {
	if t.closed.Load() {
		return core.NewDisconnectedError()
	}

	t.bufMu.Lock()
	if !t.remoteReady {
		// The remote has not confirmed the stream yet; hold the frame so
		// nothing captured during the gap is lost.
		t.buffered = append(t.buffered, append([]byte(nil), frame...))
		t.bufMu.Unlock()
		return nil
	}
	t.bufMu.Unlock()

	return t.writeAudio(frame)
}

func (t *wsTransport) writeAudio(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		return core.NewInvalidRequestError("transport is not connected")
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// markRemoteReady flushes audio buffered before the remote confirmed it is
// receiving, preserving frame order.
func (t *wsTransport) markRemoteReady() {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()
	if t.remoteReady {
		return
	}
	t.remoteReady = true
	for _, frame := range t.buffered {
		if err := t.writeAudio(frame); err != nil {
			t.logger.Warn("flush buffered audio", "error", err)
			break
		}
	}
	t.buffered = nil
}

func (t *wsTransport) Messages() <-chan any {
	return t.messages
}

func (t *wsTransport) Done() <-chan struct{} {
	return t.done
}

func (t *wsTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *wsTransport) setErr(err error) {
	if err == nil {
		return
	}
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *wsTransport) Disconnect() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.quit)
		if t.conn != nil {
			t.writeMu.Lock()
			_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
			t.writeMu.Unlock()
			_ = t.conn.Close()
		} else {
			close(t.done)
			close(t.messages)
		}
	})
	<-t.done
	return nil
}

func (t *wsTransport) readLoop() {
	defer close(t.done)
	defer close(t.messages)

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			t.setErr(core.NewConnectionError(fmt.Sprintf("websocket read: %v", err)))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, decErr := protocol.DecodeServerMessage(data)
		if decErr != nil {
			// Malformed frames must not take down the transport.
			t.logger.Warn("ignoring malformed frame", "error", decErr)
			continue
		}
		if _, ok := msg.(protocol.ServerReady); ok {
			t.markRemoteReady()
		}

		select {
		case t.messages <- msg:
		case <-t.quit:
			return
		}
	}
}
