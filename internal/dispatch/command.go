package dispatch

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/codefionn/mcpserver/internal/codec"
)

// ErrDecode wraps every failure to turn a frame into a Command.
var ErrDecode = errors.New("failed to decode message")

// Kind is the operation a command requests.
type Kind int

const (
	KindUnknown Kind = iota
	KindReadFile
	KindWriteFile
	KindConfirmWrite
	KindPing
	KindImage
)

var kindNames = map[string]Kind{
	"read_file":     KindReadFile,
	"write_file":    KindWriteFile,
	"confirm_write": KindConfirmWrite,
	"ping":          KindPing,
}

func (k Kind) String() string {
	switch k {
	case KindReadFile:
		return "read_file"
	case KindWriteFile:
		return "write_file"
	case KindConfirmWrite:
		return "confirm_write"
	case KindPing:
		return "ping"
	case KindImage:
		return "image"
	default:
		return "unknown"
	}
}

func (k Kind) mutates() bool {
	return k == KindWriteFile || k == KindConfirmWrite
}

// AgentMode controls whether writes need client confirmation.
type AgentMode string

const (
	ModeCautious   AgentMode = "Cautious"
	ModeAutonomous AgentMode = "Autonomous"
)

// RequiresConfirmation reports whether writes are held for approval.
func (m AgentMode) RequiresConfirmation() bool {
	return m == ModeCautious
}

// Status is the outcome carried by a Response.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusConfirm Status = "confirm"
)

// Command is a decoded inbound message.
type Command struct {
	// Name is the raw command string, kept for logging.
	Name    string
	ID      string
	Mode    AgentMode
	Kind    Kind
	Payload map[string]any
	// Image is set when the message carried an image field.
	Image    any
	HasImage bool
	Prompt   string
	// Binary is set when the command arrived in a binary frame.
	Binary bool
}

// Response answers exactly one Command.
type Response struct {
	ResponseToID string         `json:"response_to_id" cbor:"response_to_id"`
	Status       Status         `json:"status" cbor:"status"`
	Payload      map[string]any `json:"payload" cbor:"payload"`
}

func success(id string, payload map[string]any) Response {
	return Response{ResponseToID: id, Status: StatusSuccess, Payload: payload}
}

func failure(id, message string) Response {
	return Response{ResponseToID: id, Status: StatusError, Payload: map[string]any{"message": message}}
}

// ParseCommand decodes data with c. The message must be an object; its
// command name is taken from "command", falling back to the plain envelope's
// "type".
func ParseCommand(c codec.Codec, data []byte) (Command, error) {
	var raw map[string]any
	if err := c.Unmarshal(data, &raw); err != nil {
		return Command{}, fmt.Errorf("%w: %s: %v", ErrDecode, c.Name(), err)
	}
	if raw == nil {
		return Command{}, fmt.Errorf("%w: %s: message is not an object", ErrDecode, c.Name())
	}

	cmd := Command{
		Name:    stringField(raw, "command"),
		ID:      idField(raw["command_id"]),
		Mode:    AgentMode(stringField(raw, "agent_mode")),
		Prompt:  stringField(raw, "prompt"),
		Payload: map[string]any{},
		Binary:  c.Binary(),
	}
	if cmd.Name == "" {
		cmd.Name = stringField(raw, "type")
	}
	if cmd.Mode == "" {
		cmd.Mode = ModeCautious
	}
	if payload, ok := raw["payload"].(map[string]any); ok {
		cmd.Payload = payload
	}
	cmd.Image, cmd.HasImage = raw["image"]

	if kind, ok := kindNames[cmd.Name]; ok {
		cmd.Kind = kind
	} else if cmd.HasImage {
		cmd.Kind = KindImage
	}
	return cmd, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// idField renders an opaque command identifier as a string. Numeric ids
// are accepted since JSON clients commonly send them.
func idField(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case uint64:
		return strconv.FormatUint(id, 10)
	case int64:
		return strconv.FormatInt(id, 10)
	default:
		return fmt.Sprint(id)
	}
}

// payloadBytes reads a content field that may arrive as text (JSON) or as a
// byte string (CBOR).
func payloadBytes(m map[string]any, key string) []byte {
	switch v := m[key].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}
