// Package dispatch interprets decoded commands, runs them against the
// sandbox and file cache, and routes each response back to its session.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/codefionn/mcpserver/internal/codec"
	"github.com/codefionn/mcpserver/internal/fs"
	"github.com/codefionn/mcpserver/internal/logger"
	"github.com/codefionn/mcpserver/internal/sandbox"
	"github.com/codefionn/mcpserver/internal/session"
)

const (
	msgConfirmWrite  = "Confirm write to file?"
	msgFileWritten   = "File written."
	msgWriteDiscard  = "Write discarded."
	msgImageReceived = "Annotated screenshot received. Processing..."
	msgUnknown       = "Unknown command."
	msgTimedOut      = "command timed out"
	msgInternal      = "internal error"
)

// Options tunes a Dispatcher. Zero values disable the command timeout and
// use the default pending write lifetime.
type Options struct {
	CommandTimeout  time.Duration
	PendingWriteTTL time.Duration
	Images          ImageProcessor
}

// Dispatcher executes commands. It is safe for concurrent use; every
// inbound message is expected to be handled on its own goroutine.
type Dispatcher struct {
	sandbox  *sandbox.PathSandbox
	cache    *fs.FileCache
	registry *session.Registry
	timeout  time.Duration
	images   ImageProcessor
	pending  *pendingWrites
}

// New creates a Dispatcher over the given shared state.
func New(sb *sandbox.PathSandbox, cache *fs.FileCache, registry *session.Registry, opts Options) *Dispatcher {
	return &Dispatcher{
		sandbox:  sb,
		cache:    cache,
		registry: registry,
		timeout:  opts.CommandTimeout,
		images:   opts.Images,
		pending:  newPendingWrites(opts.PendingWriteTTL),
	}
}

// Handle decodes one inbound frame, executes it and sends the response to
// the session's current channel. Undecodable frames are logged and get no
// response. A response for a session that has gone away is dropped.
func (d *Dispatcher) Handle(ctx context.Context, sessionID string, frame session.Frame) {
	c := codec.ForFrame(frame.Binary)

	cmd, err := ParseCommand(c, frame.Data)
	if err != nil {
		logger.Warn("Error processing message for session %s: %v", sessionID, err)
		return
	}

	resp := d.run(ctx, sessionID, cmd)
	d.send(sessionID, c, resp)
	logger.Info("Processed command %s for session %s in mode %s (%s)", cmd.Kind, sessionID, cmd.Mode, resp.Status)
}

// Execute runs cmd for sessionID and returns its response without sending
// it.
func (d *Dispatcher) Execute(ctx context.Context, sessionID string, cmd Command) Response {
	return d.run(ctx, sessionID, cmd)
}

// Forget drops the writes parked for a closed session.
func (d *Dispatcher) Forget(sessionID string) {
	if n := d.pending.forget(sessionID); n > 0 {
		logger.Debug("Dropped %d pending writes for session %s", n, sessionID)
	}
}

// run applies the command timeout and turns panics into error responses.
// Exactly one response is produced even if the command outlives its
// deadline. Writes are awaited: once started, their outcome is reported
// even past the deadline, and a write that has not started by then fails
// with the timeout.
func (d *Dispatcher) run(ctx context.Context, sessionID string, cmd Command) Response {
	if d.timeout <= 0 {
		return d.safeExecute(ctx, sessionID, cmd)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if cmd.Kind.mutates() {
		return d.safeExecute(ctx, sessionID, cmd)
	}

	done := make(chan Response, 1)
	go func() {
		done <- d.safeExecute(ctx, sessionID, cmd)
	}()

	select {
	case resp := <-done:
		return resp
	case <-ctx.Done():
		logger.Warn("Command %s (%s) for session %s timed out after %s", cmd.Kind, cmd.ID, sessionID, d.timeout)
		return failure(cmd.ID, msgTimedOut)
	}
}

func (d *Dispatcher) safeExecute(ctx context.Context, sessionID string, cmd Command) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic handling %s for session %s: %v\n%s", cmd.Kind, sessionID, r, debug.Stack())
			resp = failure(cmd.ID, msgInternal)
		}
	}()
	return d.execute(ctx, sessionID, cmd)
}

func (d *Dispatcher) execute(ctx context.Context, sessionID string, cmd Command) Response {
	switch cmd.Kind {
	case KindReadFile:
		return d.readFile(ctx, cmd)
	case KindWriteFile:
		return d.writeFile(ctx, sessionID, cmd)
	case KindConfirmWrite:
		return d.confirmWrite(ctx, sessionID, cmd)
	case KindPing:
		return success(cmd.ID, map[string]any{"message": "pong"})
	case KindImage:
		return d.image(ctx, sessionID, cmd)
	default:
		return failure(cmd.ID, msgUnknown)
	}
}

func (d *Dispatcher) readFile(ctx context.Context, cmd Command) Response {
	rel := stringField(cmd.Payload, "path")
	path, err := d.sandbox.Resolve(rel)
	if err != nil {
		return failure(cmd.ID, errorMessage(err, rel))
	}
	data, err := d.cache.ReadCached(ctx, path)
	if err != nil {
		return failure(cmd.ID, errorMessage(err, rel))
	}
	if !utf8.Valid(data) {
		// CBOR byte strings carry arbitrary content; JSON strings cannot.
		if cmd.Binary {
			return success(cmd.ID, map[string]any{"content": data})
		}
		return failure(cmd.ID, fmt.Sprintf("%s is not valid UTF-8 text", rel))
	}
	return success(cmd.ID, map[string]any{"content": string(data)})
}

func (d *Dispatcher) writeFile(ctx context.Context, sessionID string, cmd Command) Response {
	rel := stringField(cmd.Payload, "path")
	if _, err := d.sandbox.Resolve(rel); err != nil {
		return failure(cmd.ID, errorMessage(err, rel))
	}
	content := payloadBytes(cmd.Payload, "content")

	if cmd.Mode.RequiresConfirmation() {
		confirmID := cmd.ID
		if confirmID == "" {
			confirmID = uuid.NewString()
		}
		d.pending.park(sessionID, confirmID, rel, content)
		return Response{
			ResponseToID: cmd.ID,
			Status:       StatusConfirm,
			Payload: map[string]any{
				"message":    msgConfirmWrite,
				"path":       rel,
				"confirm_id": confirmID,
			},
		}
	}

	return d.write(ctx, cmd.ID, rel, content)
}

func (d *Dispatcher) confirmWrite(ctx context.Context, sessionID string, cmd Command) Response {
	confirmID := idField(cmd.Payload["confirm_id"])
	w, err := d.pending.take(sessionID, confirmID)
	if err != nil {
		return failure(cmd.ID, err.Error())
	}

	if approved, ok := cmd.Payload["approved"].(bool); ok && !approved {
		logger.Info("Write to %s discarded by session %s", w.rel, sessionID)
		return success(cmd.ID, map[string]any{"message": msgWriteDiscard, "path": w.rel})
	}
	return d.write(ctx, cmd.ID, w.rel, w.content)
}

func (d *Dispatcher) write(ctx context.Context, id, rel string, content []byte) Response {
	path, err := d.sandbox.Resolve(rel)
	if err != nil {
		return failure(id, errorMessage(err, rel))
	}
	if err := d.cache.WriteAndCache(ctx, path, content); err != nil {
		return failure(id, errorMessage(err, rel))
	}
	return success(id, map[string]any{"message": msgFileWritten})
}

func (d *Dispatcher) image(ctx context.Context, sessionID string, cmd Command) Response {
	if d.images != nil {
		msg := codec.NewMessage(ImageMessageType, ImageSubmission{
			SessionID: sessionID,
			CommandID: cmd.ID,
			Mode:      cmd.Mode,
			Image:     cmd.Image,
			Prompt:    cmd.Prompt,
		})
		hookCtx := context.WithoutCancel(ctx)
		go func() {
			if err := d.images.ProcessImage(hookCtx, msg); err != nil {
				logger.Error("Image processing failed for session %s: %v", sessionID, err)
			}
		}()
	}
	return success(cmd.ID, map[string]any{"message": msgImageReceived})
}

func (d *Dispatcher) send(sessionID string, c codec.Codec, resp Response) {
	data, err := codec.Serialize(c, resp)
	if err != nil {
		logger.Error("Failed to encode response %s for session %s: %v", resp.ResponseToID, sessionID, err)
		return
	}

	ch, err := d.registry.Lookup(sessionID)
	if err != nil {
		logger.Warn("Dropping response %s: session %s is gone", resp.ResponseToID, sessionID)
		return
	}
	if err := ch.Send(session.Frame{Binary: c.Binary(), Data: data}); err != nil {
		logger.Warn("Failed to send response %s to session %s: %v", resp.ResponseToID, sessionID, err)
	}
}

// errorMessage renders err for a client. Paths inside errors are reported
// as the client gave them, never as resolved host paths.
func errorMessage(err error, rel string) string {
	if errors.Is(err, sandbox.ErrUnsafePath) {
		return sandbox.ErrUnsafePath.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return msgTimedOut
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return fmt.Sprintf("%s %s: %v", pathErr.Op, rel, pathErr.Err)
	}
	return err.Error()
}
