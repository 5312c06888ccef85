package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeServerMessage_Ready(t *testing.T) {
	raw := []byte(`{"type":"ready","session_id":"sess_1"}`)

	msg, err := DecodeServerMessage(raw)
	require.NoError(t, err)

	ready, ok := msg.(ServerReady)
	require.True(t, ok, "decoded type = %T, want ServerReady", msg)
	require.Equal(t, "sess_1", ready.SessionID)
}

func TestDecodeServerMessage_Transcript(t *testing.T) {
	raw := []byte(`{"type":"transcript","transcript":"hello world"}`)

	msg, err := DecodeServerMessage(raw)
	require.NoError(t, err)
	require.Equal(t, ServerTranscript{Type: "transcript", Transcript: "hello world"}, msg)
}

func TestDecodeServerMessage_CommandResultNull(t *testing.T) {
	raw := []byte(`{"type":"command_result","command":null}`)

	msg, err := DecodeServerMessage(raw)
	require.NoError(t, err)

	result, ok := msg.(ServerCommandResult)
	require.True(t, ok, "decoded type = %T, want ServerCommandResult", msg)
	require.Nil(t, result.Command)
}

func TestDecodeServerMessage_CommandResultMatch(t *testing.T) {
	raw := []byte(`{"type":"command_result","command":{"name":"search","arguments":{"query":"x"}}}`)

	msg, err := DecodeServerMessage(raw)
	require.NoError(t, err)

	result := msg.(ServerCommandResult)
	require.NotNil(t, result.Command)
	require.Equal(t, "search", result.Command.Name)
	require.Equal(t, "x", result.Command.Arguments["query"])
}

func TestDecodeServerMessage_Error(t *testing.T) {
	raw := []byte(`{"type":"error","code":"connection_blocked","message":"blocked by policy","details":{"policy":"org"}}`)

	msg, err := DecodeServerMessage(raw)
	require.NoError(t, err)

	serverErr := msg.(ServerError)
	require.Equal(t, "connection_blocked", serverErr.Code)
	require.Equal(t, "blocked by policy", serverErr.Message)
	require.Equal(t, "org", serverErr.Details["policy"])
}

func TestDecodeServerMessage_UnknownTagIsNotAnError(t *testing.T) {
	raw := []byte(`{"type":"metrics_snapshot","rate":1.5}`)

	msg, err := DecodeServerMessage(raw)
	require.NoError(t, err)

	unknown, ok := msg.(ServerUnknown)
	require.True(t, ok, "decoded type = %T, want ServerUnknown", msg)
	require.Equal(t, "metrics_snapshot", unknown.Type)
}

func TestDecodeServerMessage_DataEnvelopeUnwraps(t *testing.T) {
	raw := []byte(`{"type":"data","payload":{"type":"edited_text","text":"Fixed."}}`)

	msg, err := DecodeServerMessage(raw)
	require.NoError(t, err)
	require.Equal(t, ServerEditedText{Type: "edited_text", Text: "Fixed."}, msg)
}

func TestDecodeServerMessage_Malformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{"type":`},
		{"missing type", `{"session_id":"s"}`},
		{"empty data payload", `{"type":"data"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeServerMessage([]byte(tc.raw))
			require.Error(t, err)
			var decErr *DecodeError
			require.ErrorAs(t, err, &decErr)
		})
	}
}

func TestValidateAuth(t *testing.T) {
	valid := ClientAuth{
		Type:           TypeAuth,
		APIKey:         "sk-test",
		InputLanguage:  "en",
		OutputLanguage: "en",
		Action:         ActionDictate,
	}
	require.NoError(t, ValidateAuth(valid))

	missingKey := valid
	missingKey.APIKey = " "
	require.Error(t, ValidateAuth(missingKey))

	badAction := valid
	badAction.Action = "summarize"
	err := ValidateAuth(badAction)
	require.Error(t, err)
	require.Contains(t, err.Error(), "action")
}

func TestValidateCommands(t *testing.T) {
	require.Error(t, ValidateCommands(nil))

	dup := []CommandDefinition{{Name: "search"}, {Name: "search"}}
	err := ValidateCommands(dup)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "unique"))

	ok := []CommandDefinition{
		{Name: "search", Description: "Search notes", Arguments: []CommandArgument{{Name: "query", Required: true}}},
		{Name: "open"},
	}
	require.NoError(t, ValidateCommands(ok))
}

func TestClientAuth_RedactedForLog(t *testing.T) {
	view := ClientAuth{
		Type:           TypeAuth,
		APIKey:         "sk-secret",
		InputLanguage:  "en",
		OutputLanguage: "de",
		Action:         ActionEdit,
	}.RedactedForLog()

	require.Equal(t, true, view["has_api_key"])
	for _, v := range view {
		if s, ok := v.(string); ok {
			require.NotContains(t, s, "sk-secret")
		}
	}
}
