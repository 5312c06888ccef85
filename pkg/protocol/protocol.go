// Package protocol defines the JSON control frames exchanged on a voice
// session transport. Every frame is a tagged union over {"type", ...}.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const ProtocolVersion1 = "1"

// Client frame types.
const (
	TypeAuth              = "auth"
	TypeRequestTranscript = "request_transcript"
	TypeEditText          = "edit_text"
	TypeExecuteCommand    = "execute_command"
	TypeRoomJoin          = "join"
)

// Server frame types.
const (
	TypeReady           = "ready"
	TypeTranscript      = "transcript"
	TypeEditedText      = "edited_text"
	TypeCommandResult   = "command_result"
	TypeError           = "error"
	TypeRoomJoined      = "room_joined"
	TypeTrackSubscribed = "track_subscribed"
	TypeData            = "data"
)

// Session actions carried in the auth frame.
const (
	ActionDictate = "dictate"
	ActionEdit    = "edit"
	ActionCommand = "command"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// Snippet is a user-defined text expansion baked into the session.
type Snippet struct {
	Trigger   string `json:"trigger"`
	Expansion string `json:"expansion"`
}

// ClientAuth initiates and authenticates a session.
type ClientAuth struct {
	Type             string    `json:"type"`
	APIKey           string    `json:"api_key"`
	UserID           string    `json:"user_id,omitempty"`
	SessionID        string    `json:"session_id,omitempty"`
	InputLanguage    string    `json:"input_language"`
	OutputLanguage   string    `json:"output_language"`
	SmartFormat      bool      `json:"smart_format"`
	CustomVocabulary []string  `json:"custom_vocabulary,omitempty"`
	CustomSnippets   []Snippet `json:"custom_snippets,omitempty"`
	Action           string    `json:"action"`
}

// RedactedForLog returns a loggable view of the auth frame without the key.
func (a ClientAuth) RedactedForLog() map[string]any {
	return map[string]any{
		"type":            a.Type,
		"session_id":      a.SessionID,
		"input_language":  a.InputLanguage,
		"output_language": a.OutputLanguage,
		"smart_format":    a.SmartFormat,
		"action":          a.Action,
		"has_api_key":     strings.TrimSpace(a.APIKey) != "",
		"vocabulary_len":  len(a.CustomVocabulary),
		"snippets_len":    len(a.CustomSnippets),
	}
}

// ClientRequestTranscript asks for the final transcript of the audio sent
// so far.
type ClientRequestTranscript struct {
	Type string `json:"type"`
}

// ClientEditText asks the backend to rewrite text using the spoken
// instructions captured during the session.
type ClientEditText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CommandArgument describes one argument of a voice command.
type CommandArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// CommandDefinition describes one matchable voice command.
type CommandDefinition struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Arguments   []CommandArgument `json:"arguments,omitempty"`
}

// ClientExecuteCommand asks the backend to match the spoken audio against
// the supplied command definitions.
type ClientExecuteCommand struct {
	Type     string              `json:"type"`
	Commands []CommandDefinition `json:"commands"`
}

// ClientRoomJoin is the legacy media-room join frame.
type ClientRoomJoin struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	SessionID string `json:"session_id,omitempty"`
}

// ServerReady confirms the session is established and audio is being
// consumed.
type ServerReady struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ServerTranscript resolves a pending transcript request.
type ServerTranscript struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

// ServerEditedText resolves a pending edit request.
type ServerEditedText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CommandMatch is a matched command with extracted arguments.
type CommandMatch struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ServerCommandResult resolves a pending command request. A nil Command
// means no command matched; that is a successful resolution, not an error.
type ServerCommandResult struct {
	Type    string        `json:"type"`
	Command *CommandMatch `json:"command"`
}

// ServerError rejects all pending requests with the server's message.
type ServerError struct {
	Type      string         `json:"type"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ServerRoomJoined confirms a legacy room join.
type ServerRoomJoined struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// ServerTrackSubscribed signals that the remote agent subscribed to the
// published audio track.
type ServerTrackSubscribed struct {
	Type  string `json:"type"`
	Track string `json:"track"`
}

// DataEnvelope tunnels a control frame through a media-room data channel.
type DataEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ServerUnknown carries a frame with an unrecognized tag. Receivers log
// and ignore it.
type ServerUnknown struct {
	Type string
	Raw  json.RawMessage
}

// DecodeServerMessage parses an inbound frame and returns the typed message.
// Unrecognized tags return ServerUnknown rather than an error.
func DecodeServerMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeReady:
		var msg ServerReady
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid ready frame", "")
		}
		return msg, nil
	case TypeTranscript:
		var msg ServerTranscript
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid transcript frame", "")
		}
		return msg, nil
	case TypeEditedText:
		var msg ServerEditedText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid edited_text frame", "")
		}
		return msg, nil
	case TypeCommandResult:
		var msg ServerCommandResult
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid command_result frame", "")
		}
		return msg, nil
	case TypeError:
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid error frame", "")
		}
		return msg, nil
	case TypeRoomJoined:
		var msg ServerRoomJoined
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid room_joined frame", "")
		}
		return msg, nil
	case TypeTrackSubscribed:
		var msg ServerTrackSubscribed
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid track_subscribed frame", "")
		}
		return msg, nil
	case TypeData:
		var msg DataEnvelope
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid data frame", "")
		}
		if len(msg.Payload) == 0 {
			return nil, badRequest("data.payload is required", "payload")
		}
		return DecodeServerMessage(msg.Payload)
	default:
		return ServerUnknown{
			Type: typ,
			Raw:  append(json.RawMessage(nil), data...),
		}, nil
	}
}

// ValidateAuth checks required auth frame fields before send.
func ValidateAuth(msg ClientAuth) error {
	if strings.TrimSpace(msg.APIKey) == "" {
		return badRequest("auth.api_key is required", "api_key")
	}
	if strings.TrimSpace(msg.InputLanguage) == "" {
		return badRequest("auth.input_language is required", "input_language")
	}
	if strings.TrimSpace(msg.OutputLanguage) == "" {
		return badRequest("auth.output_language is required", "output_language")
	}
	switch strings.TrimSpace(msg.Action) {
	case ActionDictate, ActionEdit, ActionCommand:
	default:
		return badRequest("auth.action must be dictate, edit or command", "action")
	}
	return nil
}

// ValidateCommands checks command definitions before send.
func ValidateCommands(commands []CommandDefinition) error {
	if len(commands) == 0 {
		return badRequest("execute_command.commands must not be empty", "commands")
	}
	seen := make(map[string]struct{}, len(commands))
	for i, def := range commands {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return badRequest("command name must not be empty", fmt.Sprintf("commands[%d].name", i))
		}
		if _, exists := seen[name]; exists {
			return badRequest("command names must be unique", fmt.Sprintf("commands[%d].name", i))
		}
		seen[name] = struct{}{}
	}
	return nil
}
