package speechos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/speechos/speechos-go/pkg/core"
	"github.com/speechos/speechos-go/pkg/protocol"
)

// roomTransport speaks the legacy media-room signaling dialect: an explicit
// join handshake, control frames tunneled through data envelopes, and a
// track-subscribed acknowledgement as the remote-ready signal. A join that
// is refused before the room is entered classifies as connection_blocked.
type roomTransport struct {
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

func newRoomTransport(logger *slog.Logger) *roomTransport {
	return &roomTransport{
		logger:   logger,
		dialer:   websocket.DefaultDialer,
		messages: make(chan any, 64),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
	}
}

func (t *roomTransport) Connect(ctx context.Context, cred *Credential, auth protocol.ClientAuth) error {
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

	conn, resp, err := t.dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return core.NewCanceledError()
		case errors.Is(err, context.DeadlineExceeded), dialCtx.Err() != nil:
			return core.NewTimeoutError(core.CodeConnectionTimeout, fmt.Sprintf("room dial timed out: %v", err))
		case resp != nil:
			return core.NewBlockedError(fmt.Sprintf("room dial refused (status %d): %v", resp.StatusCode, err))
		default:
			return core.NewBlockedError(fmt.Sprintf("room dial failed: %v", err))
		}
	}
	t.conn = conn

	join := protocol.ClientRoomJoin{
		Type:      protocol.TypeRoomJoin,
		Token:     cred.Token,
		SessionID: cred.SessionID,
	}
	if err := conn.WriteJSON(join); err != nil {
		_ = conn.Close()
		return core.NewBlockedError(fmt.Sprintf("send room join: %v", err))
	}

	if err := t.awaitJoined(conn); err != nil {
		_ = conn.Close()
		return err
	}

	if err := t.SendMessage(auth); err != nil {
		_ = conn.Close()
		return core.NewConnectionError(fmt.Sprintf("send auth: %v", err))
	}
	t.logger.Debug("room transport joined", "auth", auth.RedactedForLog())

	go t.readLoop()
	return nil
}

// awaitJoined reads the first frame of the join handshake. The room was
// never entered if anything but room_joined arrives, so failures here are
// the blocked classification.
func (t *roomTransport) awaitJoined(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(defaultConnectTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, payload, err := conn.ReadMessage()
	if err != nil {
		return core.NewBlockedError(fmt.Sprintf("room closed before join completed: %v", err))
	}
	msg, decErr := protocol.DecodeServerMessage(payload)
	if decErr != nil {
		return core.NewBlockedError(fmt.Sprintf("invalid join response: %v", decErr))
	}
	switch m := msg.(type) {
	case protocol.ServerRoomJoined:
		return nil
	case protocol.ServerError:
		return core.NewBlockedError(fmt.Sprintf("room join refused: %s", strings.TrimSpace(m.Message)))
	default:
		return core.NewBlockedError(fmt.Sprintf("unexpected join response %q", protocolType(msg)))
	}
}

func protocolType(msg any) string {
	switch m := msg.(type) {
	case protocol.ServerUnknown:
		return m.Type
	default:
		return fmt.Sprintf("%T", msg)
	}
}

// SendMessage tunnels a control frame through a data envelope.
func (t *roomTransport) SendMessage(msg any) error {
	if t.closed.Load() {
		return core.NewDisconnectedError()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal control frame: %w", err)
	}
	envelope := protocol.DataEnvelope{Type: protocol.TypeData, Payload: payload}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		return core.NewInvalidRequestError("transport is not connected")
	}
	return t.conn.WriteJSON(envelope)
}

func (t *roomTransport) SendAudio(frame []byte) error {
	if t.closed.Load() {
		return core.NewDisconnectedError()
	}

	t.bufMu.Lock()
	if !t.remoteReady {
		t.buffered = append(t.buffered, append([]byte(nil), frame...))
		t.bufMu.Unlock()
		return nil
	}
	t.bufMu.Unlock()

	return t.writeAudio(frame)
}

func (t *roomTransport) writeAudio(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		return core.NewInvalidRequestError("transport is not connected")
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (t *roomTransport) markRemoteReady() {
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

func (t *roomTransport) Messages() <-chan any {
	return t.messages
}

func (t *roomTransport) Done() <-chan struct{} {
	return t.done
}

func (t *roomTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *roomTransport) setErr(err error) {
	if err == nil {
		return
	}
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *roomTransport) Disconnect() error {
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

func (t *roomTransport) readLoop() {
	defer close(t.done)
	defer close(t.messages)

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			t.setErr(core.NewConnectionError(fmt.Sprintf("room read: %v", err)))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, decErr := protocol.DecodeServerMessage(data)
		if decErr != nil {
			t.logger.Warn("ignoring malformed frame", "error", decErr)
			continue
		}
		switch msg.(type) {
		case protocol.ServerTrackSubscribed:
			t.markRemoteReady()
		case protocol.ServerReady:
			// Some rooms send ready without a separate track ack.
			t.markRemoteReady()
		}

		select {
		case t.messages <- msg:
		case <-t.quit:
			return
		}
	}
}
