// Package stdio implements the single-connection transport over
// stdin/stdout. It frames and decodes the incoming byte stream, hands each
// message to the lifecycle engine on a single dispatch goroutine, and writes
// every outgoing message as one atomic framed write.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Framing          : Content-Length (tolerant of LF-only and bare-JSON dialects)
//	Concurrency      : one reader goroutine, one dispatch/write goroutine
//	Shutdown         : exit message, EOF on stdin, or context cancellation
//
// Options allow supplying alternate io.Reader / io.Writer, a custom logger,
// frame-size limits, or a workspace file watcher.
//
// Example:
//
//	h := stdio.NewHandler(myResponder,
//	    stdio.WithServerInfo("indicator-ls", "1.4.0"),
//	)
//	if err := h.Serve(context.Background()); err != nil { log.Fatal(err) }
package stdio
