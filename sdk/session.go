package speechos

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/speechos/speechos-go/pkg/core"
	"github.com/speechos/speechos-go/pkg/protocol"
)

const defaultResultTimeout = 12 * time.Second

// SessionState tracks a voice session through its lifecycle.
type SessionState string

const (
	StateIdle           SessionState = "idle"
	StateConnecting     SessionState = "connecting"
	StateStreaming      SessionState = "streaming"
	StateAwaitingResult SessionState = "awaiting-result"
	StateError          SessionState = "error"
)

// Action selects which control message and result shape a stopped session
// expects.
type Action string

const (
	ActionDictate Action = "dictate"
	ActionEdit    Action = "edit"
	ActionCommand Action = "command"
)

// CommandDefinition describes a matchable voice command.
type CommandDefinition = protocol.CommandDefinition

// CommandArgument describes one command argument.
type CommandArgument = protocol.CommandArgument

// CommandMatch is a matched command with extracted arguments.
type CommandMatch = protocol.CommandMatch

// StartRequest configures a voice session.
type StartRequest struct {
	Action    Action
	InputText string
	Commands  []CommandDefinition

	// Settings overrides the client-level session settings when non-nil.
	Settings *Settings

	// OnMicReady fires once local audio capture has begun. Remote readiness
	// is awaited separately in the background.
	OnMicReady func()
}

// EditResult is the outcome of an edit request. Unchanged marks the
// semantically distinct "could not understand edit" outcome: the returned
// text equals the original after trimming. It is not an error.
type EditResult struct {
	Text      string
	Unchanged bool
}

// VoiceSession manages one realtime voice session at a time: it fetches a
// credential, connects a transport, streams microphone audio, and matches
// each stop request to its inbound response.
type VoiceSession struct {
	client         *Client
	tokens         *TokenSource
	newTransport   TransportFactory
	captureSource  CaptureSource
	logger         *slog.Logger
	emitter        *diagnosticEmitter
	resultTimeout  time.Duration
	connectTimeout time.Duration
	deviceID       string

	slots *slotRegistry

	mu         sync.Mutex
	state      SessionState
	transport  Transport
	capture    Capture
	trackReady *Deferred[any]
	startReq   StartRequest
}

func newVoiceSession(c *Client) *VoiceSession {
	return &VoiceSession{
		client:         c,
		tokens:         c.tokens,
		newTransport:   c.transport,
		captureSource:  c.captureSource,
		logger:         c.logger,
		emitter:        newDiagnosticEmitter(),
		resultTimeout:  c.resultTimeout,
		connectTimeout: c.connectTimeout,
		deviceID:       c.deviceID,
		slots:          newSlotRegistry(),
		state:          StateIdle,
	}
}

// State returns the current session state.
func (s *VoiceSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events yields diagnostic events for timeouts, server errors and blocked
// connections. Every error event also corresponds to a rejected result.
func (s *VoiceSession) Events() <-chan DiagnosticEvent {
	return s.emitter.ch
}

// Start fetches or reuses a credential, connects the transport and begins
// streaming microphone audio. It returns once local capture has begun;
// remote readiness is awaited in the background and its failure does not
// fail the session.
func (s *VoiceSession) Start(ctx context.Context, req StartRequest) error {
	switch req.Action {
	case ActionDictate, ActionEdit, ActionCommand:
	default:
		return core.NewInvalidRequestError(fmt.Sprintf("unknown action %q", req.Action))
	}
	if s.captureSource == nil {
		return core.NewInvalidRequestError("no capture source configured")
	}

	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return core.NewInvalidRequestError(fmt.Sprintf("session already active (state %s); stop or cancel first", state))
	}
	s.state = StateConnecting
	s.startReq = req
	s.mu.Unlock()

	if req.Settings != nil {
		s.tokens.UpdateSettings(*req.Settings)
	}

	cred, err := s.tokens.Fetch(ctx)
	if err != nil {
		s.failStart(err)
		return err
	}

	transport := s.newTransport(s.client)
	auth := s.buildAuth(cred, req)
	if err := transport.Connect(ctx, cred, auth); err != nil {
		s.failStart(err)
		if core.IsBlocked(err) {
			s.emitCoreError(err, SourceTransport)
		}
		return err
	}
	// Credentials are single-use; the next session needs a fresh one.
	s.tokens.Invalidate()

	trackReady, slotErr := s.slots.open(KindTrackReady)
	if slotErr != nil {
		_ = transport.Disconnect()
		s.failStart(slotErr)
		return slotErr
	}

	s.mu.Lock()
	s.transport = transport
	s.trackReady = trackReady
	s.mu.Unlock()

	go s.dispatch(transport)

	capture, err := s.startCapture(ctx)
	if err != nil {
		_ = transport.Disconnect()
		s.failStart(err)
		return err
	}

	// Sticky error guard: if an error frame raced the microphone becoming
	// ready, stay in error and do not report readiness.
	s.mu.Lock()
	ready := s.state == StateConnecting
	if ready {
		s.state = StateStreaming
		s.capture = capture
	}
	s.mu.Unlock()
	if !ready {
		_ = capture.Close()
		return core.NewInvalidRequestError("session failed while starting")
	}

	go s.pump(capture, transport)
	s.awaitRemoteReady(trackReady)

	if req.OnMicReady != nil {
		req.OnMicReady()
	}
	return nil
}

// awaitRemoteReady arms the background subscription wait. Its failure only
// loses the duplex guarantee; buffered audio already sent may still be
// processed, so it surfaces as a warning, not a session failure.
func (s *VoiceSession) awaitRemoteReady(trackReady *Deferred[any]) {
	timeoutErr := core.NewTimeoutError(core.CodeConnectionTimeout, "remote side did not confirm audio subscription")
	trackReady.ArmTimeout(s.connectTimeout, timeoutErr, SourceTimeout, func(e DiagnosticEvent) {
		e.Severity = SeverityWarning
		s.emitter.emit(e)
	})
	go func() {
		if _, err := trackReady.Await(context.Background()); err != nil {
			if !core.IsDisconnect(err) && !core.IsCanceled(err) {
				s.logger.Warn("remote never confirmed audio subscription", "error", err)
			}
		}
	}()
}

// WaitUntilRemoteReady blocks until the remote end confirms it is receiving
// audio, or the bounded background wait times out.
func (s *VoiceSession) WaitUntilRemoteReady(ctx context.Context) error {
	s.mu.Lock()
	trackReady := s.trackReady
	s.mu.Unlock()
	if trackReady == nil {
		return core.NewInvalidRequestError("no active session")
	}
	_, err := trackReady.Await(ctx)
	return err
}

// StopTranscript disables the microphone, requests the final transcript and
// returns it.
func (s *VoiceSession) StopTranscript(ctx context.Context) (string, error) {
	msg := protocol.ClientRequestTranscript{Type: protocol.TypeRequestTranscript}
	timeoutErr := core.NewTimeoutError(core.CodeTranscriptTimeout, "timed out waiting for transcript")

	d, err := s.finishRequest(KindTranscript, msg, timeoutErr)
	if err != nil {
		return "", err
	}
	value, err := d.Await(ctx)
	s.settleResult(err)
	if err != nil {
		return "", err
	}
	text, _ := value.(string)
	return text, nil
}

// RequestEdit disables the microphone and asks the backend to rewrite the
// original text using the spoken instructions. A result equal to the
// original (after trimming) is returned as Unchanged, distinct from both
// success-with-change and failure.
func (s *VoiceSession) RequestEdit(ctx context.Context, original string) (EditResult, error) {
	s.mu.Lock()
	if original == "" {
		original = s.startReq.InputText
	}
	s.mu.Unlock()

	msg := protocol.ClientEditText{Type: protocol.TypeEditText, Text: original}
	timeoutErr := core.NewTimeoutError(core.CodeEditTimeout, "timed out waiting for edited text")

	d, err := s.finishRequest(KindEditedText, msg, timeoutErr)
	if err != nil {
		return EditResult{}, err
	}
	value, err := d.Await(ctx)
	s.settleResult(err)
	if err != nil {
		return EditResult{}, err
	}
	text, _ := value.(string)
	return EditResult{
		Text:      text,
		Unchanged: strings.TrimSpace(text) == strings.TrimSpace(original),
	}, nil
}

// RequestCommand disables the microphone and asks the backend to match the
// spoken audio against the command definitions. A nil match means no
// command matched; that is a successful outcome, not an error.
func (s *VoiceSession) RequestCommand(ctx context.Context, commands []CommandDefinition) (*CommandMatch, error) {
	s.mu.Lock()
	if len(commands) == 0 {
		commands = s.startReq.Commands
	}
	s.mu.Unlock()
	if err := protocol.ValidateCommands(commands); err != nil {
		return nil, err
	}

	msg := protocol.ClientExecuteCommand{Type: protocol.TypeExecuteCommand, Commands: commands}
	timeoutErr := core.NewTimeoutError(core.CodeCommandTimeout, "timed out waiting for command result")

	d, err := s.finishRequest(KindCommandResult, msg, timeoutErr)
	if err != nil {
		return nil, err
	}
	value, err := d.Await(ctx)
	s.settleResult(err)
	if err != nil {
		return nil, err
	}
	match, _ := value.(*CommandMatch)
	return match, nil
}

// finishRequest disables the microphone, sends the intent-specific control
// message and arms the pending deferred with its timeout.
func (s *VoiceSession) finishRequest(kind RequestKind, msg any, timeoutErr *core.Error) (*Deferred[any], error) {
	s.mu.Lock()
	if s.state != StateStreaming {
		state := s.state
		s.mu.Unlock()
		return nil, core.NewInvalidRequestError(fmt.Sprintf("no streaming session to stop (state %s)", state))
	}
	s.state = StateAwaitingResult
	capture := s.capture
	transport := s.transport
	s.mu.Unlock()

	if capture != nil {
		_ = capture.Close()
	}

	d, err := s.slots.open(kind)
	if err != nil {
		return nil, err
	}
	if err := transport.SendMessage(msg); err != nil {
		s.slots.reject(kind, err)
		s.settleResult(err)
		return nil, err
	}
	d.ArmTimeout(s.resultTimeout, timeoutErr, SourceTimeout, s.emitter.emit)
	return d, nil
}

// settleResult applies the outcome of an awaited request to the state
// machine. Disconnect and cancel own their transitions. A successful
// result ends the request lifecycle, so it also releases the connection:
// the next Start must acquire a fresh one, never inherit a live transport.
func (s *VoiceSession) settleResult(err error) {
	s.mu.Lock()
	var transport Transport
	switch {
	case s.state != StateAwaitingResult:
	case err == nil:
		s.state = StateIdle
		transport = s.transport
		s.transport = nil
		s.capture = nil
		s.trackReady = nil
	case core.IsDisconnect(err), core.IsCanceled(err):
		// Teardown paths already moved the state.
	default:
		s.state = StateError
	}
	s.mu.Unlock()

	if transport != nil {
		// Settles a still-open track-ready slot from a session whose
		// remote readiness never arrived.
		s.slots.rejectAll(core.NewDisconnectedError())
		_ = transport.Disconnect()
	}
}

// Cancel rejects all pending requests with a cancellation error, tears down
// the transport and returns to idle. It never triggers the intent-specific
// timeout error path and is safe to call when already idle.
func (s *VoiceSession) Cancel() error {
	transport, capture := s.teardown()
	s.slots.rejectAll(core.NewCanceledError())
	if capture != nil {
		_ = capture.Close()
	}
	if transport != nil {
		_ = transport.Disconnect()
	}
	return nil
}

// Disconnect stops audio capture, tears down the connection and rejects any
// still-pending request with the distinguished disconnected error. Callers
// never hang on a pending result past disconnect. Always safe to call.
func (s *VoiceSession) Disconnect() error {
	transport, capture := s.teardown()
	s.slots.rejectAll(core.NewDisconnectedError())
	if capture != nil {
		_ = capture.Close()
	}
	if transport != nil {
		_ = transport.Disconnect()
	}
	return nil
}

func (s *VoiceSession) teardown() (Transport, Capture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	transport := s.transport
	capture := s.capture
	s.transport = nil
	s.capture = nil
	s.trackReady = nil
	s.state = StateIdle
	return transport, capture
}

func (s *VoiceSession) failStart(err error) {
	s.mu.Lock()
	s.state = StateError
	s.mu.Unlock()
	s.logger.Warn("session start failed", "error", err)
}

// transportFailed makes the error state sticky and rejects everything
// pending. Event emission happens here, inside the single rejection path.
// A transport that is no longer the session's current one has already been
// released; its late failures must not touch the session.
func (s *VoiceSession) transportFailed(transport Transport, err *core.Error, source DiagnosticSource) {
	s.mu.Lock()
	if s.transport != transport {
		s.mu.Unlock()
		return
	}
	if s.state != StateIdle {
		s.state = StateError
	}
	s.mu.Unlock()

	s.slots.rejectAll(err)
	s.emitCoreError(err, source)
}

func (s *VoiceSession) isCurrent(transport Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport == transport
}

func (s *VoiceSession) emitCoreError(err error, source DiagnosticSource) {
	coreErr, ok := err.(*core.Error)
	if !ok {
		coreErr = core.NewConnectionError(err.Error())
	}
	s.emitter.emit(DiagnosticEvent{
		Code:     coreErr.Code,
		Message:  coreErr.Message,
		Source:   source,
		Severity: SeverityError,
	})
}

// dispatch routes each inbound message to exactly one effect. Messages are
// processed strictly in arrival order; with one pending slot per kind the
// matching is unambiguous without request IDs.
func (s *VoiceSession) dispatch(transport Transport) {
	for msg := range transport.Messages() {
		if !s.isCurrent(transport) {
			// Drain a released transport without acting on its frames.
			continue
		}
		switch m := msg.(type) {
		case protocol.ServerReady, protocol.ServerTrackSubscribed:
			s.slots.resolve(KindTrackReady, struct{}{})
		case protocol.ServerTranscript:
			s.slots.resolve(KindTranscript, m.Transcript)
		case protocol.ServerEditedText:
			s.slots.resolve(KindEditedText, m.Text)
		case protocol.ServerCommandResult:
			s.slots.resolve(KindCommandResult, m.Command)
		case protocol.ServerError:
			s.transportFailed(transport, core.NewServerError(m.Code, m.Message, m.Details), SourceServer)
		case protocol.ServerRoomJoined:
			// Handshake detail; nothing pending on it.
		case protocol.ServerUnknown:
			s.logger.Debug("ignoring unroutable frame", "type", m.Type)
		}
	}

	if err := transport.Err(); err != nil {
		coreErr, ok := err.(*core.Error)
		if !ok {
			coreErr = core.NewConnectionError(err.Error())
		}
		s.transportFailed(transport, coreErr, SourceTransport)
		return
	}
	// Clean close of the current connection: anything still pending
	// resolves as disconnected.
	if s.isCurrent(transport) {
		s.slots.rejectAll(core.NewDisconnectedError())
	}
}

// pump forwards captured audio frames to the transport until capture ends.
func (s *VoiceSession) pump(capture Capture, transport Transport) {
	for frame := range capture.Frames() {
		if err := transport.SendAudio(frame); err != nil {
			if !core.IsDisconnect(err) {
				s.logger.Warn("send audio frame", "error", err)
			}
			return
		}
	}
}

// startCapture opens the microphone, falling back to the default device
// when the chosen one is unavailable. The fallback is recoverable: it is
// logged but never raised as an error.
func (s *VoiceSession) startCapture(ctx context.Context) (Capture, error) {
	cfg := AudioConfig{DeviceID: s.deviceID}
	capture, err := s.captureSource.Start(ctx, cfg)
	if err != nil && cfg.DeviceID != "" {
		s.logger.Warn("input device unavailable, falling back to default", "device", cfg.DeviceID, "error", err)
		cfg.DeviceID = ""
		capture, err = s.captureSource.Start(ctx, cfg)
	}
	return capture, err
}

func (s *VoiceSession) buildAuth(cred *Credential, req StartRequest) protocol.ClientAuth {
	settings := s.tokens.Settings().withDefaults()
	sessionID := cred.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return protocol.ClientAuth{
		Type:             protocol.TypeAuth,
		APIKey:           s.client.apiKey,
		UserID:           s.client.userID,
		SessionID:        sessionID,
		InputLanguage:    settings.InputLanguage,
		OutputLanguage:   settings.OutputLanguage,
		SmartFormat:      settings.SmartFormat,
		CustomVocabulary: settings.CustomVocabulary,
		CustomSnippets:   settings.CustomSnippets,
		Action:           string(req.Action),
	}
}
