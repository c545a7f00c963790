// Package session tracks ACP sessions: which runtime serves them, which
// WebSocket subscribers observe them, and the git workspace they run in.
// Sessions with no subscribers drain and expire after an idle TTL.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acprelay/acprelay/internal/common/logger"
	"github.com/acprelay/acprelay/internal/gitws"
	"github.com/acprelay/acprelay/internal/runtime"
)

// Subscriber is a sink for session-scoped notifications, implemented by the
// broker's WebSocket connections.
type Subscriber interface {
	// SendEnvelope writes one JSON-RPC envelope to the client.
	SendEnvelope(payload map[string]any) error
	// Label identifies the connection in logs.
	Label() string
}

// Record is one live session.
type Record struct {
	SessionID string
	Runtime   *runtime.Runtime
	Git       *gitws.Workspace

	subscribers  map[Subscriber]struct{}
	lastActiveAt time.Time
	drainTimer   *time.Timer // armed while the session has no subscribers
}

// ExpireFunc is invoked outside the registry lock when a session expires.
// runtimeOrphaned is true when the expired session was the runtime's last,
// in which case the callee should stop it.
type ExpireFunc func(rec *Record, runtimeOrphaned bool)

// Registry owns all session records.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Record
	ttl      time.Duration
	onExpire ExpireFunc
	logger   *logger.Logger
	closed   bool
}

// NewRegistry creates a registry with the given idle TTL.
func NewRegistry(ttl time.Duration, onExpire ExpireFunc, log *logger.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Record),
		ttl:      ttl,
		onExpire: onExpire,
		logger:   log.WithFields(zap.String("component", "session-registry")),
	}
}

// Ensure returns the record for a session, creating it if needed. An
// existing record is rebound when a client reuses the id on a different
// runtime.
func (r *Registry) Ensure(sessionID string, rt *runtime.Runtime) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.sessions[sessionID]; ok {
		if rec.Runtime != rt {
			r.logger.Info("session rebound to new runtime",
				zap.String("session_id", sessionID),
				zap.String("runtime_id", rt.ID()))
			rec.Runtime = rt
		}
		rec.lastActiveAt = time.Now()
		return rec
	}

	rec := &Record{
		SessionID:    sessionID,
		Runtime:      rt,
		subscribers:  make(map[Subscriber]struct{}),
		lastActiveAt: time.Now(),
	}
	r.sessions[sessionID] = rec
	r.logger.Info("session registered",
		zap.String("session_id", sessionID),
		zap.String("runtime_id", rt.ID()))
	return rec
}

// Get looks a session up.
func (r *Registry) Get(sessionID string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[sessionID]
	return rec, ok
}

// SetGitContext attaches a git workspace to an existing session.
func (r *Registry) SetGitContext(sessionID string, ws *gitws.Workspace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.sessions[sessionID]; ok {
		rec.Git = ws
	}
}

// Attach subscribes a connection to a session and cancels any pending
// expiry.
func (r *Registry) Attach(sub Subscriber, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	rec.subscribers[sub] = struct{}{}
	rec.lastActiveAt = time.Now()
	r.cancelDrainLocked(rec)
}

// Detach removes a connection from every session it subscribes to. Sessions
// left with no subscribers start draining.
func (r *Registry) Detach(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.sessions {
		if _, ok := rec.subscribers[sub]; !ok {
			continue
		}
		delete(rec.subscribers, sub)
		if len(rec.subscribers) == 0 {
			r.startDrainLocked(rec)
		}
	}
}

// Touch marks a session active and cancels any pending expiry.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.sessions[sessionID]; ok {
		rec.lastActiveAt = time.Now()
		r.cancelDrainLocked(rec)
	}
}

// GetSubscribers returns a snapshot of a session's subscribers.
func (r *Registry) GetSubscribers(sessionID string) []Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Subscriber, 0, len(rec.subscribers))
	for sub := range rec.subscribers {
		out = append(out, sub)
	}
	return out
}

// HasSessionsForRuntime reports whether any session is bound to the runtime.
func (r *Registry) HasSessionsForRuntime(runtimeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.sessions {
		if rec.Runtime != nil && rec.Runtime.ID() == runtimeID {
			return true
		}
	}
	return false
}

// Close cancels all pending expiries. Records are left in place; the caller
// tears runtimes and workspaces down as part of shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, rec := range r.sessions {
		r.cancelDrainLocked(rec)
	}
}

// All returns a snapshot of every record, for shutdown teardown.
func (r *Registry) All() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Record, 0, len(r.sessions))
	for _, rec := range r.sessions {
		out = append(out, rec)
	}
	return out
}

func (r *Registry) startDrainLocked(rec *Record) {
	if rec.drainTimer != nil || r.closed {
		return
	}
	sessionID := rec.SessionID
	rec.drainTimer = time.AfterFunc(r.ttl, func() {
		r.expire(sessionID)
	})
	r.logger.Debug("session draining",
		zap.String("session_id", sessionID),
		zap.Duration("ttl", r.ttl))
}

func (r *Registry) cancelDrainLocked(rec *Record) {
	if rec.drainTimer != nil {
		rec.drainTimer.Stop()
		rec.drainTimer = nil
	}
}

// expire removes a drained session once its TTL elapses. A subscriber that
// re-attached in the meantime keeps the session alive.
func (r *Registry) expire(sessionID string) {
	r.mu.Lock()
	rec, ok := r.sessions[sessionID]
	if !ok || r.closed || len(rec.subscribers) > 0 {
		if ok {
			rec.drainTimer = nil
		}
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)

	orphaned := true
	if rec.Runtime != nil {
		for _, other := range r.sessions {
			if other.Runtime != nil && other.Runtime.ID() == rec.Runtime.ID() {
				orphaned = false
				break
			}
		}
	}
	onExpire := r.onExpire
	r.mu.Unlock()

	r.logger.Info("session expired",
		zap.String("session_id", sessionID),
		zap.Bool("runtime_orphaned", orphaned))
	if onExpire != nil {
		onExpire(rec, orphaned)
	}
}
