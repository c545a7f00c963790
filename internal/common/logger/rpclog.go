package logger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RPCLog formats JSON-RPC traffic for the log stream. Payloads are truncated
// to a byte cap, and bursty session/update notifications are coalesced into
// a single counted entry per connection within a timer window.
type RPCLog struct {
	log          *Logger
	payloadLimit int
	window       time.Duration

	mu      sync.Mutex
	pending map[string]*coalesced // key: label + "\x00" + method
}

type coalesced struct {
	label  string
	method string
	count  int
	last   string
	timer  *time.Timer
}

// Methods whose notifications arrive in bursts during a prompt turn.
var coalescedMethods = map[string]bool{
	"session/update": true,
}

// NewRPCLog creates an RPC traffic logger. payloadLimit caps the logged
// payload size in bytes (0 disables truncation); window is the coalescing
// interval for bursty notifications (0 disables coalescing).
func NewRPCLog(log *Logger, payloadLimit int, window time.Duration) *RPCLog {
	return &RPCLog{
		log:          log,
		payloadLimit: payloadLimit,
		window:       window,
		pending:      make(map[string]*coalesced),
	}
}

// Message records one JSON-RPC message. label identifies the connection,
// direction is "in"/"out"/"agent", method is the RPC method (may be "" for
// responses).
func (r *RPCLog) Message(label, direction, method string, payload any) {
	if r.window > 0 && coalescedMethods[method] {
		r.coalesce(label, method, payload)
		return
	}
	r.emit(label, direction, method, 1, payload)
}

func (r *RPCLog) coalesce(label, method string, payload any) {
	key := label + "\x00" + method
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.pending[key]
	if !ok {
		entry = &coalesced{label: label, method: method}
		entry.timer = time.AfterFunc(r.window, func() { r.flushKey(key) })
		r.pending[key] = entry
	}
	entry.count++
	entry.last = r.formatPayload(payload)
}

func (r *RPCLog) flushKey(key string) {
	r.mu.Lock()
	entry, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.log.Debug("rpc",
		zap.String("conn", entry.label),
		zap.String("method", entry.method),
		zap.Int("count", entry.count),
		zap.String("payload", entry.last),
	)
}

// FlushLabel immediately writes any coalesced entries for the given
// connection label. Called on disconnect.
func (r *RPCLog) FlushLabel(label string) {
	prefix := label + "\x00"
	r.mu.Lock()
	var keys []string
	for key := range r.pending {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	r.mu.Unlock()
	for _, key := range keys {
		r.stopTimer(key)
		r.flushKey(key)
	}
}

// Flush writes all coalesced entries. Called on shutdown.
func (r *RPCLog) Flush() {
	r.mu.Lock()
	keys := make([]string, 0, len(r.pending))
	for key := range r.pending {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	for _, key := range keys {
		r.stopTimer(key)
		r.flushKey(key)
	}
}

func (r *RPCLog) stopTimer(key string) {
	r.mu.Lock()
	if entry, ok := r.pending[key]; ok && entry.timer != nil {
		entry.timer.Stop()
	}
	r.mu.Unlock()
}

func (r *RPCLog) emit(label, direction, method string, count int, payload any) {
	fields := []zap.Field{
		zap.String("conn", label),
		zap.String("dir", direction),
	}
	if method != "" {
		fields = append(fields, zap.String("method", method))
	}
	if count > 1 {
		fields = append(fields, zap.Int("count", count))
	}
	fields = append(fields, zap.String("payload", r.formatPayload(payload)))
	r.log.Debug("rpc", fields...)
}

func (r *RPCLog) formatPayload(payload any) string {
	var s string
	switch v := payload.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		s = string(data)
	}
	if r.payloadLimit > 0 && len(s) > r.payloadLimit {
		return fmt.Sprintf("%s…(+%d bytes)", s[:r.payloadLimit], len(s)-r.payloadLimit)
	}
	return s
}
