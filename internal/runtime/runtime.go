// Package runtime supervises one stdio-speaking ACP agent child process:
// spawning, line-delimited JSON-RPC framing, request/response correlation and
// per-request timeouts.
package runtime

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/acprelay/acprelay/internal/common/logger"
	"github.com/acprelay/acprelay/pkg/jsonrpc"
)

// Config describes the agent child process.
type Config struct {
	Command string
	Args    []string
	Env     map[string]any // overlaid on the broker environment; nil unsets
}

var runtimeSeq atomic.Int64

// Runtime owns exactly one agent child process at a time. Requests written
// to the child's stdin are correlated with replies read from its stdout by
// JSON-RPC id; a generation counter guards against callbacks from a replaced
// child.
type Runtime struct {
	id     string
	cfg    Config
	logger *logger.Logger

	mu         sync.Mutex
	started    bool
	generation int
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	spawnCwd   string
	cwdLocked  bool // set on first Start; SetSpawnCwd refuses afterwards
	pending    map[any]chan map[string]any

	writeMu sync.Mutex

	ring *logRing

	observerMu sync.RWMutex
	notifyFns  []func(map[string]any)
	logFns     []func(LogEntry)
}

// New creates a stopped runtime for the given agent configuration.
func New(cfg Config, log *logger.Logger) *Runtime {
	id := fmt.Sprintf("rt:%d", runtimeSeq.Add(1))
	return &Runtime{
		id:      id,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "agent-runtime"), zap.String("runtime_id", id)),
		pending: make(map[any]chan map[string]any),
		ring:    newLogRing(logRingCapacity),
	}
}

// ID returns the runtime's synthetic identity, unique per broker lifetime.
func (r *Runtime) ID() string {
	return r.id
}

// SetSpawnCwd sets the child's working directory. Allowed only before the
// first Start; returns false otherwise.
func (r *Runtime) SetSpawnCwd(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cwdLocked {
		return false
	}
	r.spawnCwd = path
	return true
}

// OnNotification registers an observer for agent notifications. Every
// notification reaches every registered observer exactly once.
func (r *Runtime) OnNotification(fn func(map[string]any)) {
	r.observerMu.Lock()
	r.notifyFns = append(r.notifyFns, fn)
	r.observerMu.Unlock()
}

// OnLog registers an observer for runtime log entries.
func (r *Runtime) OnLog(fn func(LogEntry)) {
	r.observerMu.Lock()
	r.logFns = append(r.logFns, fn)
	r.observerMu.Unlock()
}

// Start spawns the child process. Idempotent: a second call while the child
// is running returns nil without side effects.
func (r *Runtime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startLocked()
}

func (r *Runtime) startLocked() error {
	if r.started {
		return nil
	}
	if r.cfg.Command == "" {
		return fmt.Errorf("no agent command configured")
	}

	cmd := exec.Command(r.cfg.Command, r.cfg.Args...)
	cmd.Dir = r.spawnCwd
	cmd.Env = overlayEnv(nil, r.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		r.record("error", fmt.Sprintf("agent spawn failed: %v", err))
		return fmt.Errorf("failed to start agent: %w", err)
	}

	r.cmd = cmd
	r.stdin = stdin
	r.started = true
	r.cwdLocked = true
	r.generation++
	gen := r.generation

	go r.readStdout(stdout, gen)
	go r.readStderr(stderr, gen)
	go r.waitForExit(cmd, gen)

	r.logger.Info("agent process started",
		zap.String("command", r.cfg.Command),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("generation", gen))
	return nil
}

// Stop kills the current child, if any. Pending requests are left to their
// timeouts; reads and exits from the old child are ignored via the
// generation counter. Safe to call when not started.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.started && r.cmd == nil {
		r.mu.Unlock()
		return
	}
	cmd := r.cmd
	stdin := r.stdin
	r.cmd = nil
	r.stdin = nil
	r.started = false
	r.generation++
	r.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	r.logger.Info("agent process stopped")
}

// Started reports whether a child is currently running.
func (r *Runtime) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// SendRequest writes one request line to the child and waits for the reply
// with the given timeout. The result is the child's raw reply; failures are
// reported in-band as {"error": {"message": ...}} objects so callers see a
// single shape.
func (r *Runtime) SendRequest(payload map[string]any, timeout time.Duration) map[string]any {
	r.mu.Lock()
	if err := r.startLocked(); err != nil || !r.started {
		r.mu.Unlock()
		return errorReply("ACP runtime is not started")
	}
	id := pendingKey(jsonrpc.ID(payload))
	ch := make(chan map[string]any, 1)
	// A second in-flight request reusing an id evicts the first; the evicted
	// completer is resolved here so its caller never blocks past its timeout.
	if prev, exists := r.pending[id]; exists {
		prev <- errorReply("Request superseded by duplicate id")
	}
	r.pending[id] = ch
	gen := r.generation
	stdin := r.stdin
	r.mu.Unlock()

	if err := r.writeLine(stdin, payload); err != nil {
		r.takePendingMatch(id, ch)
		return errorReply(fmt.Sprintf("failed to write to agent: %v", err))
	}
	r.record("outgoing", payload)

	timer := time.AfterFunc(timeout, func() {
		if pending := r.takePendingMatch(id, ch); pending != nil {
			pending <- errorReply("Response timeout")
		}
	})
	defer timer.Stop()

	reply := <-ch

	// A reply from a replaced child is not trusted; the generation bump in
	// Stop removes its pending entries' relevance, but double-check here.
	r.mu.Lock()
	stale := r.generation != gen && !isErrorReply(reply)
	r.mu.Unlock()
	if stale {
		return errorReply("Response timeout")
	}
	return reply
}

// SendNotification writes one notification line to the child without waiting.
func (r *Runtime) SendNotification(payload map[string]any) error {
	r.mu.Lock()
	if err := r.startLocked(); err != nil || !r.started {
		r.mu.Unlock()
		return fmt.Errorf("ACP runtime is not started")
	}
	stdin := r.stdin
	r.mu.Unlock()

	if err := r.writeLine(stdin, payload); err != nil {
		return err
	}
	r.record("outgoing", payload)
	return nil
}

// Logs returns a snapshot of the runtime's recent log entries.
func (r *Runtime) Logs() []LogEntry {
	return r.ring.Snapshot()
}

func (r *Runtime) writeLine(stdin io.Writer, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if stdin == nil {
		return fmt.Errorf("agent stdin is closed")
	}
	_, err = stdin.Write(append(data, '\n'))
	return err
}

// readStdout drains the child's stdout to newline boundaries. ReadString
// retains a partial last line in the reader's buffer, matching the framing
// contract.
func (r *Runtime) readStdout(stdout io.Reader, gen int) {
	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" && r.currentGeneration() == gen {
			r.handleLine(line)
		}
		if err != nil {
			return
		}
	}
}

func (r *Runtime) handleLine(line string) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		r.record("raw", line)
		return
	}

	if id := jsonrpc.ID(parsed); id != nil {
		if pending := r.takePending(pendingKey(id)); pending != nil {
			r.record("incoming", parsed)
			pending <- parsed
			return
		}
	}
	if _, isNotification := parsed["method"].(string); isNotification && jsonrpc.ID(parsed) == nil {
		r.record("notification", parsed)
		r.emitNotification(parsed)
		return
	}
	// Unmatched response or malformed frame; keep for diagnostics only.
	r.record("incoming", parsed)
}

func (r *Runtime) readStderr(stderr io.Reader, gen int) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if r.currentGeneration() != gen {
			return
		}
		r.record("stderr", scanner.Text())
	}
}

func (r *Runtime) waitForExit(cmd *exec.Cmd, gen int) {
	err := cmd.Wait()

	r.mu.Lock()
	current := r.generation == gen
	if current {
		r.started = false
		r.cmd = nil
		r.stdin = nil
	}
	r.mu.Unlock()
	if !current {
		return
	}

	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}
	r.record("error", fmt.Sprintf("agent exited with code %d", exitCode))
	r.logger.Warn("agent process exited", zap.Int("exit_code", exitCode), zap.Error(err))
	// Pending requests are not failed here; each resolves via its own
	// timeout so clients see a single error class.
}

func (r *Runtime) currentGeneration() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

func (r *Runtime) takePending(id any) chan map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	return ch
}

// takePendingMatch removes the entry for id only when it still holds the
// given channel, so a timer for an evicted request cannot steal the entry a
// later request registered under the same id.
func (r *Runtime) takePendingMatch(id any, ch chan map[string]any) chan map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.pending[id]; ok && cur == ch {
		delete(r.pending, id)
		return cur
	}
	return nil
}

func (r *Runtime) emitNotification(payload map[string]any) {
	r.observerMu.RLock()
	fns := append([]func(map[string]any){}, r.notifyFns...)
	r.observerMu.RUnlock()
	for _, fn := range fns {
		fn(payload)
	}
}

func (r *Runtime) record(direction string, payload any) {
	entry := r.ring.Append(direction, payload)
	r.observerMu.RLock()
	fns := append([]func(LogEntry){}, r.logFns...)
	r.observerMu.RUnlock()
	for _, fn := range fns {
		fn(entry)
	}
}

// pendingKey folds integer id representations into float64, the type JSON
// numbers decode to, so locally-built requests match decoded replies.
func pendingKey(id any) any {
	switch v := id.(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return v
	}
}

func errorReply(message string) map[string]any {
	return map[string]any{"error": map[string]any{"message": message}}
}

func isErrorReply(reply map[string]any) bool {
	_, ok := reply["error"]
	return ok && len(reply) == 1
}
