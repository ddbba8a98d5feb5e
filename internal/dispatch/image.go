package dispatch

import (
	"context"

	"github.com/codefionn/mcpserver/internal/codec"
	"github.com/codefionn/mcpserver/internal/logger"
)

// ImageMessageType is the envelope type handed to an ImageProcessor.
const ImageMessageType = "annotated_screenshot"

// ImageSubmission is the content of an image-bearing message.
type ImageSubmission struct {
	SessionID string    `json:"session_id" cbor:"session_id"`
	CommandID string    `json:"command_id" cbor:"command_id"`
	Mode      AgentMode `json:"agent_mode" cbor:"agent_mode"`
	Image     any       `json:"image" cbor:"image"`
	Prompt    string    `json:"prompt,omitempty" cbor:"prompt,omitempty"`
}

// ImageProcessor receives image submissions after they are acknowledged.
// It runs outside the command timeout and its errors never reach the client.
type ImageProcessor interface {
	ProcessImage(ctx context.Context, msg codec.Message) error
}

// ImageProcessorFunc adapts a function to ImageProcessor.
type ImageProcessorFunc func(ctx context.Context, msg codec.Message) error

func (f ImageProcessorFunc) ProcessImage(ctx context.Context, msg codec.Message) error {
	return f(ctx, msg)
}

// LogImageProcessor only records that a submission arrived.
type LogImageProcessor struct{}

func (LogImageProcessor) ProcessImage(_ context.Context, msg codec.Message) error {
	msgType, payload := codec.ParseMessage(msg)
	sub, ok := payload.(ImageSubmission)
	if !ok {
		logger.Debug("Image processor: ignoring %s message", msgType)
		return nil
	}
	logger.Info("Image processor: %s from session %s (prompt %d chars)", msgType, sub.SessionID, len(sub.Prompt))
	return nil
}
