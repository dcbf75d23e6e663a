// Package wire implements the byte-stream framing used by the stdio
// transport. It reconstructs discrete JSON-RPC payloads from an unbounded,
// possibly fragmented input stream and produces Content-Length framed output.
//
// Decoding tolerates the framing dialects seen from real editor clients:
//
//	Content-Length: N\r\n\r\n<N bytes>   (the LSP base protocol)
//	Content-Length: N\n\n<N bytes>       (LF-only separators)
//	Content-Length: N\r\n<N bytes>       (header line with no blank line)
//	{...}\n                              (a bare JSON object on one line)
//
// The decoder is an explicit two-state machine (header search, body wait)
// so partial reads never force a rescan of consumed input.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

const (
	// DefaultLargeMessageBytes is the advisory threshold above which an
	// incoming frame is logged as a large message but still processed.
	DefaultLargeMessageBytes = 10 << 20
	// DefaultMaxMessageBytes is the hard cap on a declared frame length.
	// Frames above it abort the stream. Zero disables the cap.
	DefaultMaxMessageBytes = 64 << 20
)

type decodeState int

const (
	stateHeaders decodeState = iota
	stateBody
)

// Decoder accumulates raw bytes and yields complete JSON-RPC payloads.
// It is not safe for concurrent use; the transport loop owns it.
type Decoder struct {
	log *slog.Logger

	buf   []byte
	state decodeState
	need  int

	largeBytes int
	maxBytes   int
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithDecoderLogger sets the logger used for framing diagnostics.
func WithDecoderLogger(l *slog.Logger) DecoderOption {
	return func(d *Decoder) {
		if l != nil {
			d.log = l
		}
	}
}

// WithLargeMessageBytes overrides the advisory large-message threshold.
func WithLargeMessageBytes(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.largeBytes = n
		}
	}
}

// WithMaxMessageBytes overrides the hard frame-size cap (0 disables).
func WithMaxMessageBytes(n int) DecoderOption {
	return func(d *Decoder) {
		if n >= 0 {
			d.maxBytes = n
		}
	}
}

// NewDecoder constructs a Decoder with defaults and applies options.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		log:        slog.Default(),
		largeBytes: DefaultLargeMessageBytes,
		maxBytes:   DefaultMaxMessageBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Feed appends raw bytes read from the stream.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports the number of unconsumed bytes held by the decoder.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next extracts the next complete payload. It returns ok=false when the
// buffer cannot yield a message yet and more bytes are needed. A non-nil
// error means the stream is unrecoverable (frame above the hard cap).
func (d *Decoder) Next() ([]byte, bool, error) {
	for {
		if d.state == stateBody {
			if len(d.buf) < d.need {
				return nil, false, nil
			}
			payload := make([]byte, d.need)
			copy(payload, d.buf[:d.need])
			d.buf = d.buf[d.need:]
			d.state = stateHeaders
			d.need = 0
			return payload, true, nil
		}

		// Header search. Tolerate inter-frame padding.
		d.buf = bytes.TrimLeft(d.buf, "\r\n \t")
		if len(d.buf) == 0 {
			return nil, false, nil
		}

		if idx := bytes.Index(d.buf, []byte("\r\n\r\n")); idx >= 0 {
			d.beginBody(d.buf[:idx], idx+4, "\r\n")
			if err := d.checkCap(); err != nil {
				return nil, false, err
			}
			continue
		}

		if idx := bytes.Index(d.buf, []byte("\n\n")); idx >= 0 {
			d.beginBody(d.buf[:idx], idx+2, "\n")
			if err := d.checkCap(); err != nil {
				return nil, false, err
			}
			continue
		}

		// A lone Content-Length line with the body following immediately.
		// Commit only when the next byte opens a JSON body: a separator byte
		// means the blank line is still arriving, and anything else is
		// another header line of a partially-read block, so keep waiting for
		// the blank-line framing to resolve.
		if n, lineLen, ok := loneContentLength(d.buf); ok {
			rest := d.buf[lineLen:]
			if len(rest) == 0 {
				return nil, false, nil // cannot distinguish from a pending blank line
			}
			if rest[0] == '{' {
				d.buf = d.buf[lineLen:]
				d.state = stateBody
				d.need = n
				d.noteLarge(n)
				if err := d.checkCap(); err != nil {
					return nil, false, err
				}
				continue
			}
			return nil, false, nil
		}

		// Bare JSON object terminated by a newline, for non-conformant clients.
		if d.buf[0] == '{' {
			if nl := bytes.IndexByte(d.buf, '\n'); nl >= 0 {
				line := bytes.TrimRight(d.buf[:nl], "\r")
				if json.Valid(line) {
					payload := make([]byte, len(line))
					copy(payload, line)
					d.buf = d.buf[nl+1:]
					return payload, true, nil
				}
			}
		}

		return nil, false, nil
	}
}

// beginBody consumes a header block and arms the body state. When the block
// carries no usable Content-Length the block is still consumed and header
// search resumes, so a bad frame never wedges the stream.
func (d *Decoder) beginBody(block []byte, consume int, sep string) {
	n, err := contentLength(block, sep)
	d.buf = d.buf[consume:]
	if err != nil {
		d.log.Warn("wire.malformed_content_length", slog.String("err", err.Error()))
		return
	}
	d.state = stateBody
	d.need = n
	d.noteLarge(n)
}

func (d *Decoder) noteLarge(n int) {
	if d.largeBytes > 0 && n > d.largeBytes {
		d.log.Warn("wire.large_message", slog.Int("declared_bytes", n), slog.Int("threshold", d.largeBytes))
	}
}

func (d *Decoder) checkCap() error {
	if d.state == stateBody && d.maxBytes > 0 && d.need > d.maxBytes {
		return fmt.Errorf("declared frame length %d exceeds cap %d", d.need, d.maxBytes)
	}
	return nil
}

// contentLength extracts the Content-Length value from a header block.
func contentLength(block []byte, sep string) (int, error) {
	for _, line := range strings.Split(string(block), sep) {
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:i]))
		if key != "content-length" {
			continue
		}
		val := strings.TrimSpace(line[i+1:])
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("malformed Content-Length %q", val)
		}
		return n, nil
	}
	return 0, fmt.Errorf("header block without Content-Length")
}

// loneContentLength matches a buffer beginning with a single
// `Content-Length: N\r\n` line. lineLen includes the terminator.
func loneContentLength(buf []byte) (n, lineLen int, ok bool) {
	nl := bytes.IndexByte(buf, '\n')
	if nl < 0 {
		return 0, 0, false
	}
	line := strings.TrimRight(string(buf[:nl]), "\r")
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return 0, 0, false
	}
	if strings.ToLower(strings.TrimSpace(line[:i])) != "content-length" {
		return 0, 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(line[i+1:]))
	if err != nil || v < 0 {
		return 0, 0, false
	}
	return v, nl + 1, true
}

// Encode serializes a message and frames it with a Content-Length header.
// The returned slice is a single buffer so the caller can issue one atomic
// write per message.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	var b bytes.Buffer
	b.Grow(len(body) + 32)
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))
	b.Write(body)
	return b.Bytes(), nil
}
