package stdio

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/quantlab/indicator-ls-go/documents"
	"github.com/quantlab/indicator-ls-go/engine"
	"github.com/quantlab/indicator-ls-go/internal/jsonrpc"
	"github.com/quantlab/indicator-ls-go/internal/logctx"
	"github.com/quantlab/indicator-ls-go/protocol"
	"github.com/quantlab/indicator-ls-go/wire"
)

const readBufferSize = 32 * 1024

// Handler is the single-connection stdio transport. It reads framed JSON-RPC
// messages from an io.Reader and writes replies to an io.Writer; by default
// it uses os.Stdin and os.Stdout.
//
// The handler is transport-only: all protocol semantics live in the engine it
// wraps. Dispatch and writes happen on the Serve goroutine, so the engine,
// document store, and session registry need no locking of their own.
type Handler struct {
	r   io.Reader
	w   io.Writer
	log *slog.Logger
	eng *engine.Engine

	responder  engine.Responder
	engineOpts []engine.Option

	watcher   *documents.Watcher
	watchRoot string

	largeBytes int
	maxBytes   int

	// writeMu serializes writes so a framed message is never interleaved
	// with another, regardless of which goroutine flushes it.
	writeMu sync.Mutex
}

// NewHandler constructs a stdio Handler with defaults and applies options.
// A nil responder answers every feature request with a null result.
func NewHandler(responder engine.Responder, opts ...Option) *Handler {
	h := &Handler{
		r:          os.Stdin,
		w:          os.Stdout,
		log:        slog.Default(),
		responder:  responder,
		largeBytes: wire.DefaultLargeMessageBytes,
		maxBytes:   wire.DefaultMaxMessageBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.eng == nil {
		h.eng = engine.New(h.responder, append([]engine.Option{engine.WithLogger(h.log)}, h.engineOpts...)...)
	}
	return h
}

// Engine exposes the wrapped engine, mainly for tests and diagnostics.
func (h *Handler) Engine() *engine.Engine { return h.eng }

type readResult struct {
	payload []byte
	err     error
}

// Serve runs the transport loop until the client sends exit, the reader hits
// EOF, or ctx is cancelled. EOF and a dispatched exit are clean shutdowns and
// return nil; read failures and write failures are returned to the caller.
// Serve must be called at most once per Handler.
func (h *Handler) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan readResult)
	go h.readLoop(ctx, frames)

	var watchCh <-chan []documents.FileEvent

	for {
		select {
		case <-ctx.Done():
			h.log.Info("stdio.serve.cancelled")
			return ctx.Err()

		case batch, ok := <-watchCh:
			if !ok {
				watchCh = nil
				continue
			}
			msg, err := engine.WatchedFilesNotification(batch)
			if err != nil {
				h.log.Error("stdio.watch.encode_fail", slog.String("err", err.Error()))
				continue
			}
			if _, err := h.dispatch(ctx, msg); err != nil {
				return err
			}

		case rr := <-frames:
			if rr.err != nil {
				if errors.Is(rr.err, io.EOF) {
					h.log.Info("stdio.serve.eof")
					return nil
				}
				h.log.Error("stdio.serve.read_fail", slog.String("err", rr.err.Error()))
				h.notifyReadFailure(rr.err)
				return rr.err
			}

			msg, perr := decodePayload(rr.payload)
			if perr != nil {
				h.log.Warn("stdio.serve.parse_error",
					slog.String("err", perr.Error()),
					slog.Int("payload_bytes", len(rr.payload)))
				res := jsonrpc.NewErrorResponse(wire.RecoverRequestID(rr.payload), jsonrpc.ErrorCodeParseError, "Parse error", nil)
				if err := h.write(res); err != nil {
					return err
				}
				continue
			}

			exit, err := h.dispatch(ctx, msg)
			if err != nil {
				return err
			}
			if exit {
				h.log.Info("stdio.serve.exit")
				return nil
			}

			if watchCh == nil && h.watcher != nil && h.eng.Phase() == engine.PhaseInitialized {
				watchCh = h.startWatcher(ctx)
				if watchCh == nil {
					// One attempt per connection; a bad root or watch
					// failure must not be retried on every message.
					h.watcher = nil
				}
			}
		}
	}
}

// readLoop owns the frame decoder. It pushes each complete payload to the
// dispatch goroutine and finishes with exactly one terminal error (io.EOF on
// clean stream end).
func (h *Handler) readLoop(ctx context.Context, out chan<- readResult) {
	dec := wire.NewDecoder(
		wire.WithDecoderLogger(h.log),
		wire.WithLargeMessageBytes(h.largeBytes),
		wire.WithMaxMessageBytes(h.maxBytes),
	)

	send := func(rr readResult) bool {
		select {
		case out <- rr:
			return true
		case <-ctx.Done():
			return false
		}
	}

	drain := func() bool {
		for {
			payload, ok, err := dec.Next()
			if err != nil {
				send(readResult{err: err})
				return false
			}
			if !ok {
				return true
			}
			if !send(readResult{payload: payload}) {
				return false
			}
		}
	}

	buf := make([]byte, readBufferSize)
	for {
		if !drain() {
			return
		}
		n, err := h.r.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			if !drain() {
				return
			}
			if dec.Buffered() > 0 {
				h.log.Warn("stdio.read.trailing_bytes", slog.Int("bytes", dec.Buffered()))
			}
			send(readResult{err: err})
			return
		}
	}
}

func decodePayload(payload []byte) (*jsonrpc.AnyMessage, error) {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// dispatch hands one message to the engine and flushes the outcome. The
// AfterWrite hook runs only once every reply has been written, which is what
// lets the engine count initialize success on response-sent.
func (h *Handler) dispatch(ctx context.Context, msg *jsonrpc.AnyMessage) (exit bool, err error) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   string(msg.Type()),
	})
	out := h.eng.Dispatch(ctx, msg)
	for _, reply := range out.Replies {
		if err := h.write(reply); err != nil {
			h.log.Error("stdio.serve.write_fail", slog.String("err", err.Error()))
			return false, err
		}
	}
	if out.AfterWrite != nil {
		out.AfterWrite()
	}
	return out.Exit, nil
}

// write frames and writes one message as a single atomic write.
func (h *Handler) write(v any) error {
	b, err := wire.Encode(v)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_, err = h.w.Write(b)
	return err
}

// notifyReadFailure makes a best-effort attempt to tell the client why the
// server is going away. The write error is ignored; the stream is already
// suspect.
func (h *Handler) notifyReadFailure(cause error) {
	note, err := jsonrpc.NewNotification(string(protocol.LogMessageNotificationMethod), protocol.LogMessageParams{
		Type:    protocol.MessageTypeError,
		Message: "shutting down: " + cause.Error(),
	})
	if err != nil {
		return
	}
	_ = h.write(note)
}

// startWatcher begins observing the workspace root announced at initialize.
// A missing or non-file root disables watching.
func (h *Handler) startWatcher(ctx context.Context) <-chan []documents.FileEvent {
	root := h.watchRoot
	if root == "" {
		root = strings.TrimPrefix(h.eng.RootURI(), "file://")
	}
	if root == "" || strings.Contains(root, "://") {
		h.log.Info("stdio.watch.disabled", slog.String("root_uri", h.eng.RootURI()))
		return nil
	}
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		h.log.Warn("stdio.watch.bad_root", slog.String("root", root))
		return nil
	}

	start := time.Now()
	ch, err := h.watcher.Watch(ctx, root)
	if err != nil {
		h.log.Warn("stdio.watch.start_fail", slog.String("root", root), slog.String("err", err.Error()))
		return nil
	}
	h.log.Info("stdio.watch.started",
		slog.String("root", root),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return ch
}
