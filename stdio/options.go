package stdio

import (
	"io"
	"log/slog"

	"github.com/quantlab/indicator-ls-go/documents"
	"github.com/quantlab/indicator-ls-go/engine"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithReader overrides the input stream.
func WithReader(r io.Reader) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
	}
}

// WithWriter overrides the output stream.
func WithWriter(w io.Writer) Option {
	return func(h *Handler) {
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithEngine supplies a pre-built engine instead of letting the handler
// construct one around its responder.
func WithEngine(e *engine.Engine) Option {
	return func(h *Handler) {
		if e != nil {
			h.eng = e
		}
	}
}

// WithEngineOptions forwards options to the engine the handler constructs.
// Ignored when WithEngine is used.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(h *Handler) {
		h.engineOpts = append(h.engineOpts, opts...)
	}
}

// WithServerInfo sets the advertised server name and version.
func WithServerInfo(name, version string) Option {
	return WithEngineOptions(engine.WithServerInfo(name, version))
}

// WithWatcher enables workspace file watching once the client has announced a
// root. root overrides the root URI from initialize when non-empty.
func WithWatcher(w *documents.Watcher, root string) Option {
	return func(h *Handler) {
		h.watcher = w
		h.watchRoot = root
	}
}

// WithFrameLimits overrides the advisory large-message threshold and the hard
// frame-size cap (0 disables the cap).
func WithFrameLimits(largeBytes, maxBytes int) Option {
	return func(h *Handler) {
		if largeBytes > 0 {
			h.largeBytes = largeBytes
		}
		if maxBytes >= 0 {
			h.maxBytes = maxBytes
		}
	}
}
