package speechos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/speechos/speechos-go/pkg/core"
	"github.com/speechos/speechos-go/pkg/protocol"
)

// controlFrame is the server-side view of an inbound control message.
type controlFrame struct {
	Type     string                       `json:"type"`
	Text     string                       `json:"text"`
	Commands []protocol.CommandDefinition `json:"commands"`
}

// sessionGateway upgrades, authenticates, announces readiness and then
// hands every decoded control frame to the scenario. Binary audio frames
// are counted, not forwarded.
func sessionGateway(t *testing.T, scenario func(conn *websocket.Conn, frame controlFrame) bool) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var auth protocol.ClientAuth
		if err := conn.ReadJSON(&auth); err != nil {
			t.Errorf("read auth: %v", err)
			return
		}
		if err := conn.WriteJSON(map[string]string{"type": protocol.TypeReady, "session_id": auth.SessionID}); err != nil {
			return
		}

		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var frame controlFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				t.Errorf("decode control frame: %v", err)
				return
			}
			if !scenario(conn, frame) {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newSessionClient(t *testing.T, gateway *httptest.Server, source CaptureSource, opts ...ClientOption) *Client {
	t.Helper()
	credServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"url":        "ws" + strings.TrimPrefix(gateway.URL, "http"),
			"token":      "session-token",
			"session_id": "sess-1",
		})
	}))
	t.Cleanup(credServer.Close)

	base := []ClientOption{
		WithBaseURL(credServer.URL),
		WithAPIKey("test-key"),
		WithCaptureSource(source),
	}
	return NewClient(append(base, opts...)...)
}

// fakeCaptureSource records requested devices and can refuse specific ones.
type fakeCaptureSource struct {
	mu          sync.Mutex
	requested   []string
	unavailable map[string]bool
	pcm         string
}

func (s *fakeCaptureSource) Start(ctx context.Context, cfg AudioConfig) (Capture, error) {
	s.mu.Lock()
	s.requested = append(s.requested, cfg.DeviceID)
	refuse := s.unavailable[cfg.DeviceID]
	s.mu.Unlock()
	if refuse {
		return nil, errors.New("device unavailable")
	}
	pcm := s.pcm
	if pcm == "" {
		pcm = strings.Repeat("a", 6400)
	}
	return ReaderSource{R: strings.NewReader(pcm)}.Start(ctx, cfg)
}

func (s *fakeCaptureSource) requestedDevices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requested...)
}

func TestSessionDictateFlow(t *testing.T) {
	gateway := sessionGateway(t, func(conn *websocket.Conn, frame controlFrame) bool {
		if frame.Type != protocol.TypeRequestTranscript {
			t.Errorf("unexpected control frame %q", frame.Type)
			return false
		}
		_ = conn.WriteJSON(map[string]string{"type": protocol.TypeTranscript, "transcript": "hello world"})
		return true
	})
	client := newSessionClient(t, gateway, &fakeCaptureSource{})
	session := client.NewSession()

	micReady := make(chan struct{})
	err := session.Start(context.Background(), StartRequest{
		Action:     ActionDictate,
		OnMicReady: func() { close(micReady) },
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-micReady:
	default:
		t.Fatal("OnMicReady must fire before Start returns")
	}
	if state := session.State(); state != StateStreaming {
		t.Fatalf("state after start %s, want %s", state, StateStreaming)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := session.WaitUntilRemoteReady(ctx); err != nil {
		t.Fatalf("remote ready: %v", err)
	}

	transcript, err := session.StopTranscript(ctx)
	if err != nil {
		t.Fatalf("stop transcript: %v", err)
	}
	if transcript != "hello world" {
		t.Fatalf("transcript %q", transcript)
	}
	if state := session.State(); state != StateIdle {
		t.Fatalf("state after result %s, want %s", state, StateIdle)
	}
	_ = session.Disconnect()
}

func TestSessionEditResult(t *testing.T) {
	cases := []struct {
		name      string
		response  string
		unchanged bool
	}{
		{name: "changed", response: "Hello there, friend.", unchanged: false},
		{name: "unchanged", response: "Hello there. ", unchanged: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gateway := sessionGateway(t, func(conn *websocket.Conn, frame controlFrame) bool {
				if frame.Type != protocol.TypeEditText {
					t.Errorf("unexpected control frame %q", frame.Type)
					return false
				}
				if frame.Text != "Hello there." {
					t.Errorf("edit text %q", frame.Text)
				}
				_ = conn.WriteJSON(map[string]string{"type": protocol.TypeEditedText, "text": tc.response})
				return true
			})
			client := newSessionClient(t, gateway, &fakeCaptureSource{})
			session := client.NewSession()
			defer session.Disconnect()

			err := session.Start(context.Background(), StartRequest{
				Action:    ActionEdit,
				InputText: "Hello there.",
			})
			if err != nil {
				t.Fatalf("start: %v", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			result, err := session.RequestEdit(ctx, "")
			if err != nil {
				t.Fatalf("request edit: %v", err)
			}
			if result.Text != tc.response {
				t.Fatalf("edited text %q", result.Text)
			}
			if result.Unchanged != tc.unchanged {
				t.Fatalf("unchanged = %v, want %v", result.Unchanged, tc.unchanged)
			}
		})
	}
}

func TestSessionCommandMatching(t *testing.T) {
	commands := []CommandDefinition{
		{Name: "open_file", Description: "open a file"},
		{Name: "close_tab", Description: "close the current tab"},
	}

	t.Run("match", func(t *testing.T) {
		gateway := sessionGateway(t, func(conn *websocket.Conn, frame controlFrame) bool {
			if frame.Type != protocol.TypeExecuteCommand {
				t.Errorf("unexpected control frame %q", frame.Type)
				return false
			}
			if len(frame.Commands) != 2 || frame.Commands[0].Name != "open_file" {
				t.Errorf("command definitions %+v", frame.Commands)
			}
			_ = conn.WriteJSON(map[string]any{
				"type":    protocol.TypeCommandResult,
				"command": map[string]any{"name": "open_file", "arguments": map[string]string{"path": "main.go"}},
			})
			return true
		})
		client := newSessionClient(t, gateway, &fakeCaptureSource{})
		session := client.NewSession()
		defer session.Disconnect()

		if err := session.Start(context.Background(), StartRequest{Action: ActionCommand, Commands: commands}); err != nil {
			t.Fatalf("start: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		match, err := session.RequestCommand(ctx, nil)
		if err != nil {
			t.Fatalf("request command: %v", err)
		}
		if match == nil || match.Name != "open_file" {
			t.Fatalf("match %+v", match)
		}
		if match.Arguments["path"] != "main.go" {
			t.Fatalf("arguments %+v", match.Arguments)
		}
	})

	t.Run("no match is success", func(t *testing.T) {
		gateway := sessionGateway(t, func(conn *websocket.Conn, frame controlFrame) bool {
			_ = conn.WriteJSON(map[string]any{"type": protocol.TypeCommandResult, "command": nil})
			return true
		})
		client := newSessionClient(t, gateway, &fakeCaptureSource{})
		session := client.NewSession()
		defer session.Disconnect()

		if err := session.Start(context.Background(), StartRequest{Action: ActionCommand, Commands: commands}); err != nil {
			t.Fatalf("start: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		match, err := session.RequestCommand(ctx, nil)
		if err != nil {
			t.Fatalf("no-match must not be an error: %v", err)
		}
		if match != nil {
			t.Fatalf("match %+v, want nil", match)
		}
		if state := session.State(); state != StateIdle {
			t.Fatalf("state %s, want %s", state, StateIdle)
		}
	})
}

func TestSessionResultTimeout(t *testing.T) {
	gateway := sessionGateway(t, func(conn *websocket.Conn, frame controlFrame) bool {
		// Swallow the request; the client times out.
		return true
	})
	client := newSessionClient(t, gateway, &fakeCaptureSource{}, WithResultTimeout(100*time.Millisecond))
	session := client.NewSession()
	defer session.Disconnect()

	if err := session.Start(context.Background(), StartRequest{Action: ActionDictate}); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := session.StopTranscript(ctx)
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Code != core.CodeTranscriptTimeout {
		t.Fatalf("stop returned %v, want code %s", err, core.CodeTranscriptTimeout)
	}
	if state := session.State(); state != StateError {
		t.Fatalf("state %s, want %s", state, StateError)
	}

	select {
	case event := <-session.Events():
		if event.Code != core.CodeTranscriptTimeout || event.Source != SourceTimeout {
			t.Fatalf("event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout event never emitted")
	}

	// Error is sticky until an explicit cancel clears it.
	if err := session.Start(context.Background(), StartRequest{Action: ActionDictate}); err == nil {
		t.Fatal("start must fail while in error state")
	}
	if err := session.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if state := session.State(); state != StateIdle {
		t.Fatalf("state after cancel %s, want %s", state, StateIdle)
	}
}

func TestSessionDisconnectRejectsPending(t *testing.T) {
	gateway := sessionGateway(t, func(conn *websocket.Conn, frame controlFrame) bool {
		return true
	})
	client := newSessionClient(t, gateway, &fakeCaptureSource{})
	session := client.NewSession()

	if err := session.Start(context.Background(), StartRequest{Action: ActionDictate}); err != nil {
		t.Fatalf("start: %v", err)
	}

	pending := make(chan error, 1)
	go func() {
		_, err := session.StopTranscript(context.Background())
		pending <- err
	}()

	// Give the stop request time to register its pending slot.
	time.Sleep(100 * time.Millisecond)
	if err := session.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	select {
	case err := <-pending:
		if !core.IsDisconnect(err) {
			t.Fatalf("pending request settled with %v, want disconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request hung past disconnect")
	}
	if state := session.State(); state != StateIdle {
		t.Fatalf("state %s, want %s", state, StateIdle)
	}
	// Always safe to repeat.
	if err := session.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
}

func TestSessionServerErrorRejectsPending(t *testing.T) {
	gateway := sessionGateway(t, func(conn *websocket.Conn, frame controlFrame) bool {
		_ = conn.WriteJSON(map[string]any{
			"type":    protocol.TypeError,
			"code":    "upstream_unavailable",
			"message": "speech backend unavailable",
		})
		return true
	})
	client := newSessionClient(t, gateway, &fakeCaptureSource{})
	session := client.NewSession()
	defer session.Disconnect()

	if err := session.Start(context.Background(), StartRequest{Action: ActionDictate}); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := session.StopTranscript(ctx)
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Type != core.ErrServer {
		t.Fatalf("stop returned %v, want server error", err)
	}
	if coreErr.Code != "upstream_unavailable" {
		t.Fatalf("server code %q", coreErr.Code)
	}
	if state := session.State(); state != StateError {
		t.Fatalf("state %s, want %s", state, StateError)
	}

	select {
	case event := <-session.Events():
		if event.Source != SourceServer || event.Code != "upstream_unavailable" {
			t.Fatalf("event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("server error event never emitted")
	}
}

func TestSessionRejectsConcurrentStart(t *testing.T) {
	gateway := sessionGateway(t, func(conn *websocket.Conn, frame controlFrame) bool {
		return true
	})
	client := newSessionClient(t, gateway, &fakeCaptureSource{})
	session := client.NewSession()
	defer session.Disconnect()

	if err := session.Start(context.Background(), StartRequest{Action: ActionDictate}); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := session.Start(context.Background(), StartRequest{Action: ActionDictate})
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Type != core.ErrInvalidRequest {
		t.Fatalf("second start returned %v, want invalid request", err)
	}
}

func TestSessionFallsBackToDefaultDevice(t *testing.T) {
	gateway := sessionGateway(t, func(conn *websocket.Conn, frame controlFrame) bool {
		return true
	})
	source := &fakeCaptureSource{unavailable: map[string]bool{"usb-mic": true}}
	client := newSessionClient(t, gateway, source, WithInputDevice("usb-mic"))
	session := client.NewSession()
	defer session.Disconnect()

	if err := session.Start(context.Background(), StartRequest{Action: ActionDictate}); err != nil {
		t.Fatalf("start must recover via default device: %v", err)
	}
	devices := source.requestedDevices()
	if len(devices) != 2 || devices[0] != "usb-mic" || devices[1] != "" {
		t.Fatalf("requested devices %v", devices)
	}
}

// recordingFactory wraps the default transport factory and keeps every
// transport it built.
type recordingFactory struct {
	mu         sync.Mutex
	transports []Transport
}

func (f *recordingFactory) build(c *Client) Transport {
	transport := NewWebSocketTransport(c)
	f.mu.Lock()
	f.transports = append(f.transports, transport)
	f.mu.Unlock()
	return transport
}

func (f *recordingFactory) built() []Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Transport(nil), f.transports...)
}

func TestSessionReleasesTransportAfterResult(t *testing.T) {
	var connections atomic.Int64
	gateway := sessionGateway(t, func(conn *websocket.Conn, frame controlFrame) bool {
		if frame.Type != protocol.TypeRequestTranscript {
			return true
		}
		_ = conn.WriteJSON(map[string]string{
			"type":       protocol.TypeTranscript,
			"transcript": fmt.Sprintf("take %d", connections.Add(1)),
		})
		return true
	})
	factory := &recordingFactory{}
	client := newSessionClient(t, gateway, &fakeCaptureSource{}, WithTransportFactory(factory.build))
	session := client.NewSession()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := session.Start(ctx, StartRequest{Action: ActionDictate}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	first, err := session.StopTranscript(ctx)
	if err != nil {
		t.Fatalf("first stop: %v", err)
	}

	// A successful result releases the connection before the next Start.
	transports := factory.built()
	if len(transports) != 1 {
		t.Fatalf("transports built %d, want 1", len(transports))
	}
	select {
	case <-transports[0].Done():
	case <-time.After(2 * time.Second):
		t.Fatal("first transport still open after its session completed")
	}
	if err := transports[0].Err(); err != nil {
		t.Fatalf("release left terminal error %v, want clean close", err)
	}

	if err := session.Start(ctx, StartRequest{Action: ActionDictate}); err != nil {
		t.Fatalf("second start: %v", err)
	}
	second, err := session.StopTranscript(ctx)
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if first == second {
		t.Fatalf("both sessions answered %q; responses must come from separate connections", first)
	}
	if got := len(factory.built()); got != 2 {
		t.Fatalf("transports built %d, want 2", got)
	}
	if state := session.State(); state != StateIdle {
		t.Fatalf("state %s, want %s", state, StateIdle)
	}
	_ = session.Disconnect()
}

func TestSessionBackToBackWithoutRemoteReady(t *testing.T) {
	// A gateway that authenticates but never confirms readiness: the
	// track-ready slot of each run stays unresolved until release.
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		var auth protocol.ClientAuth
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var frame controlFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				return
			}
			if frame.Type == protocol.TypeRequestTranscript {
				_ = conn.WriteJSON(map[string]string{"type": protocol.TypeTranscript, "transcript": "ok"})
			}
		}
	}))
	t.Cleanup(gateway.Close)

	client := newSessionClient(t, gateway, &fakeCaptureSource{})
	session := client.NewSession()
	defer session.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for run := 0; run < 2; run++ {
		if err := session.Start(ctx, StartRequest{Action: ActionDictate}); err != nil {
			t.Fatalf("run %d start: %v", run, err)
		}
		transcript, err := session.StopTranscript(ctx)
		if err != nil {
			t.Fatalf("run %d stop: %v", run, err)
		}
		if transcript != "ok" {
			t.Fatalf("run %d transcript %q", run, transcript)
		}
	}
}

// gatedCaptureSource holds capture startup until the gate opens.
type gatedCaptureSource struct {
	gate  chan struct{}
	inner *fakeCaptureSource
}

func (s *gatedCaptureSource) Start(ctx context.Context, cfg AudioConfig) (Capture, error) {
	<-s.gate
	return s.inner.Start(ctx, cfg)
}

func TestSessionErrorBeforeMicReadyStaysInError(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		var auth protocol.ClientAuth
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"type":    protocol.TypeError,
			"code":    "session_rejected",
			"message": "no capacity",
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(gateway.Close)

	source := &gatedCaptureSource{gate: make(chan struct{}), inner: &fakeCaptureSource{}}
	client := newSessionClient(t, gateway, source)
	session := client.NewSession()
	defer session.Disconnect()

	// Hold the microphone until the error frame has been dispatched, so
	// capture readiness races a session that already failed.
	go func() {
		select {
		case event := <-session.Events():
			if event.Code != "session_rejected" {
				t.Errorf("event %+v", event)
			}
		case <-time.After(3 * time.Second):
			t.Error("error event never arrived")
		}
		close(source.gate)
	}()

	micReady := false
	err := session.Start(context.Background(), StartRequest{
		Action:     ActionDictate,
		OnMicReady: func() { micReady = true },
	})
	if err == nil {
		t.Fatal("start must fail when the session errored before capture was ready")
	}
	if micReady {
		t.Fatal("mic-ready fired for an already-failed session")
	}
	if state := session.State(); state != StateError {
		t.Fatalf("state %s, want %s", state, StateError)
	}
}

func TestSessionCancelIsIdempotent(t *testing.T) {
	gateway := sessionGateway(t, func(conn *websocket.Conn, frame controlFrame) bool {
		return true
	})
	client := newSessionClient(t, gateway, &fakeCaptureSource{})
	session := client.NewSession()

	if err := session.Cancel(); err != nil {
		t.Fatalf("cancel on idle session: %v", err)
	}

	if err := session.Start(context.Background(), StartRequest{Action: ActionDictate}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := session.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := session.Cancel(); err != nil {
		t.Fatalf("repeated cancel: %v", err)
	}
	if state := session.State(); state != StateIdle {
		t.Fatalf("state %s, want %s", state, StateIdle)
	}
}
