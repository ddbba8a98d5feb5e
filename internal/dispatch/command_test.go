package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/mcpserver/internal/codec"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name  string
		input string
		kind  Kind
		id    string
		mode  AgentMode
	}{
		{"read", `{"command":"read_file","command_id":"1","payload":{"path":"a.txt"}}`, KindReadFile, "1", ModeCautious},
		{"write autonomous", `{"command":"write_file","command_id":"2","agent_mode":"Autonomous"}`, KindWriteFile, "2", ModeAutonomous},
		{"numeric id", `{"command":"ping","command_id":42}`, KindPing, "42", ModeCautious},
		{"envelope type", `{"type":"confirm_write","payload":{"confirm_id":"7"}}`, KindConfirmWrite, "", ModeCautious},
		{"image", `{"command_id":"3","image":"aGVsbG8=","prompt":"what is this"}`, KindImage, "3", ModeCautious},
		{"null image still counts", `{"command_id":"4","image":null}`, KindImage, "4", ModeCautious},
		{"known command wins over image", `{"command":"read_file","image":"x"}`, KindReadFile, "", ModeCautious},
		{"unknown", `{"command":"rm_rf","command_id":"5"}`, KindUnknown, "5", ModeCautious},
		{"custom mode kept", `{"command":"write_file","agent_mode":"Yolo"}`, KindWriteFile, "", AgentMode("Yolo")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ParseCommand(codec.JSON, []byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, cmd.Kind)
			assert.Equal(t, tt.id, cmd.ID)
			assert.Equal(t, tt.mode, cmd.Mode)
			assert.NotNil(t, cmd.Payload)
			assert.False(t, cmd.Binary)
		})
	}
}

func TestParseCommandRejectsNonObjects(t *testing.T) {
	for _, input := range []string{`not json`, `[1,2]`, `null`, `"read_file"`} {
		_, err := ParseCommand(codec.JSON, []byte(input))
		assert.ErrorIs(t, err, ErrDecode, input)
	}
}

func TestParseCommandCBOR(t *testing.T) {
	data, err := codec.CBOR.Marshal(map[string]any{
		"command":    "write_file",
		"command_id": uint64(9),
		"payload":    map[string]any{"path": "b.bin", "content": []byte{0x00, 0x01}},
	})
	require.NoError(t, err)

	cmd, err := ParseCommand(codec.CBOR, data)
	require.NoError(t, err)
	assert.Equal(t, KindWriteFile, cmd.Kind)
	assert.Equal(t, "9", cmd.ID)
	assert.True(t, cmd.Binary)
	assert.Equal(t, []byte{0x00, 0x01}, payloadBytes(cmd.Payload, "content"))
}

func TestAgentModeRequiresConfirmation(t *testing.T) {
	assert.True(t, ModeCautious.RequiresConfirmation())
	assert.False(t, ModeAutonomous.RequiresConfirmation())
	assert.False(t, AgentMode("cautious").RequiresConfirmation())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "read_file", KindReadFile.String())
	assert.Equal(t, "image", KindImage.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
