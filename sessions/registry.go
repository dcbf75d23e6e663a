// Package sessions tracks connected-client identity and process-wide
// connection accounting for the protocol server.
package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Status is the connection status of a session.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Session is the record kept for one client identity. A client is keyed by
// name and version; reconnecting with the same pair refreshes the record.
type Session struct {
	SessionID       string
	Name            string
	Version         string
	ProtocolVersion string
	Capabilities    json.RawMessage
	ConnectedAt     time.Time
	DisconnectedAt  time.Time
	Status          Status

	// countedSuccessful guards the at-most-once success accounting. It flips
	// only after the initialize response has been handed to the writer.
	countedSuccessful bool
}

// CountedSuccessful reports whether this session has been counted as a
// successful connection.
func (s *Session) CountedSuccessful() bool { return s.countedSuccessful }

// Stats are the process-wide counters. Counters are monotonic for the life
// of the process; disconnects never decrement them.
type Stats struct {
	RequestCount          int64
	ConnectionAttempts    int64
	SuccessfulConnections int64
	StartTime             time.Time
}

// Uptime is the elapsed time since the registry was created.
func (s Stats) Uptime() time.Duration { return time.Since(s.StartTime) }

// Registry tracks sessions and counters. It is exclusively owned by the
// transport loop goroutine and is deliberately unsynchronized.
type Registry struct {
	log      *slog.Logger
	sessions map[string]*Session
	stats    Stats

	now func() time.Time // test seam
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:      slog.Default(),
		sessions: make(map[string]*Session),
		stats:    Stats{StartTime: time.Now()},
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func sessionKey(name, version string) string {
	return fmt.Sprintf("%s_%s", name, version)
}

// RecordConnectionAttempt counts an initialize request and creates or
// refreshes the session for the client identity. The refreshed session is
// not yet counted successful; that happens only once the initialize response
// has been sent.
func (r *Registry) RecordConnectionAttempt(name, version, protocolVersion string, capabilities json.RawMessage) *Session {
	r.stats.ConnectionAttempts++

	key := sessionKey(name, version)
	sess, ok := r.sessions[key]
	if !ok {
		sess = &Session{SessionID: uuid.NewString(), Name: name, Version: version}
		r.sessions[key] = sess
	}
	sess.ProtocolVersion = protocolVersion
	sess.Capabilities = capabilities
	sess.ConnectedAt = r.now()
	sess.Status = StatusConnected

	r.log.Info("sessions.connection_attempt",
		slog.String("client_name", name),
		slog.String("client_version", version),
		slog.String("session_id", sess.SessionID),
		slog.Int64("attempts", r.stats.ConnectionAttempts))

	return sess
}

// MarkInitializeResponseSent counts the session as a successful connection,
// at most once. Duplicate initialize requests from a misbehaving client make
// this a logged no-op rather than an error.
func (r *Registry) MarkInitializeResponseSent(name, version string) {
	sess, ok := r.sessions[sessionKey(name, version)]
	if !ok {
		r.log.Warn("sessions.mark_success.unknown_session",
			slog.String("client_name", name),
			slog.String("client_version", version))
		return
	}
	if sess.countedSuccessful {
		r.log.Info("sessions.mark_success.already_counted",
			slog.String("session_id", sess.SessionID))
		return
	}
	sess.countedSuccessful = true
	r.stats.SuccessfulConnections++

	r.log.Info("sessions.mark_success",
		slog.String("session_id", sess.SessionID),
		slog.Int64("successful_connections", r.stats.SuccessfulConnections))
}

// MarkDisconnected records a disconnect timestamp for diagnostics. Success
// counters are never reversed.
func (r *Registry) MarkDisconnected(name, version string) {
	sess, ok := r.sessions[sessionKey(name, version)]
	if !ok {
		return
	}
	sess.Status = StatusDisconnected
	sess.DisconnectedAt = r.now()

	r.log.Info("sessions.disconnected", slog.String("session_id", sess.SessionID))
}

// Get returns the session for a client identity.
func (r *Registry) Get(name, version string) (*Session, bool) {
	sess, ok := r.sessions[sessionKey(name, version)]
	return sess, ok
}

// CountRequest increments the process-wide request counter.
func (r *Registry) CountRequest() { r.stats.RequestCount++ }

// Stats returns a copy of the process-wide counters.
func (r *Registry) Stats() Stats { return r.stats }
