package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acprelay/acprelay/internal/common/logger"
	"github.com/acprelay/acprelay/internal/runtime"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func newTestRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	return runtime.New(runtime.Config{Command: "/bin/sh"}, newTestLogger(t))
}

type fakeSub struct {
	label string

	mu   sync.Mutex
	sent []map[string]any
}

func (s *fakeSub) SendEnvelope(payload map[string]any) error {
	s.mu.Lock()
	s.sent = append(s.sent, payload)
	s.mu.Unlock()
	return nil
}

func (s *fakeSub) Label() string { return s.label }

func TestEnsureCreatesAndRebinds(t *testing.T) {
	reg := NewRegistry(time.Minute, nil, newTestLogger(t))
	rtA := newTestRuntime(t)
	rtB := newTestRuntime(t)

	rec := reg.Ensure("s-1", rtA)
	require.NotNil(t, rec)
	assert.Same(t, rec, reg.Ensure("s-1", rtA), "ensure must be idempotent")

	rebound := reg.Ensure("s-1", rtB)
	assert.Same(t, rec, rebound)
	assert.Equal(t, rtB.ID(), rebound.Runtime.ID(), "duplicate sessionId rebinds to the new runtime")
}

func TestAttachDetachSubscribers(t *testing.T) {
	reg := NewRegistry(time.Minute, nil, newTestLogger(t))
	rt := newTestRuntime(t)
	reg.Ensure("s-1", rt)

	a := &fakeSub{label: "conn-a"}
	b := &fakeSub{label: "conn-b"}
	reg.Attach(a, "s-1")
	reg.Attach(b, "s-1")
	assert.Len(t, reg.GetSubscribers("s-1"), 2)

	reg.Detach(a)
	subs := reg.GetSubscribers("s-1")
	require.Len(t, subs, 1)
	assert.Equal(t, "conn-b", subs[0].Label())

	// Attaching to an unknown session is a no-op.
	reg.Attach(a, "missing")
	assert.Nil(t, reg.GetSubscribers("missing"))
}

func TestHasSessionsForRuntime(t *testing.T) {
	reg := NewRegistry(time.Minute, nil, newTestLogger(t))
	rt := newTestRuntime(t)
	other := newTestRuntime(t)

	reg.Ensure("s-1", rt)
	assert.True(t, reg.HasSessionsForRuntime(rt.ID()))
	assert.False(t, reg.HasSessionsForRuntime(other.ID()))
}

func TestExpireAfterDrain(t *testing.T) {
	expired := make(chan bool, 1)
	reg := NewRegistry(50*time.Millisecond, func(rec *Record, orphaned bool) {
		expired <- orphaned
	}, newTestLogger(t))
	rt := newTestRuntime(t)
	reg.Ensure("s-1", rt)

	sub := &fakeSub{label: "conn"}
	reg.Attach(sub, "s-1")
	reg.Detach(sub)

	select {
	case orphaned := <-expired:
		assert.True(t, orphaned, "last session of the runtime should orphan it")
	case <-time.After(2 * time.Second):
		t.Fatal("session did not expire after drain")
	}
	_, ok := reg.Get("s-1")
	assert.False(t, ok)
}

func TestReattachCancelsDrain(t *testing.T) {
	expired := make(chan struct{}, 1)
	reg := NewRegistry(50*time.Millisecond, func(rec *Record, orphaned bool) {
		expired <- struct{}{}
	}, newTestLogger(t))
	rt := newTestRuntime(t)
	reg.Ensure("s-1", rt)

	sub := &fakeSub{label: "conn"}
	reg.Attach(sub, "s-1")
	reg.Detach(sub)
	reg.Attach(sub, "s-1")

	select {
	case <-expired:
		t.Fatal("session expired despite re-attach")
	case <-time.After(200 * time.Millisecond):
	}
	_, ok := reg.Get("s-1")
	assert.True(t, ok)
}

func TestTouchCancelsDrain(t *testing.T) {
	expired := make(chan struct{}, 1)
	reg := NewRegistry(80*time.Millisecond, func(rec *Record, orphaned bool) {
		expired <- struct{}{}
	}, newTestLogger(t))
	rt := newTestRuntime(t)
	reg.Ensure("s-1", rt)

	sub := &fakeSub{label: "conn"}
	reg.Attach(sub, "s-1")
	reg.Detach(sub)
	reg.Touch("s-1")

	select {
	case <-expired:
		t.Fatal("session expired despite touch")
	case <-time.After(250 * time.Millisecond):
	}
}

func TestExpireNotOrphanedWhenRuntimeShared(t *testing.T) {
	expired := make(chan bool, 1)
	reg := NewRegistry(50*time.Millisecond, func(rec *Record, orphaned bool) {
		expired <- orphaned
	}, newTestLogger(t))
	rt := newTestRuntime(t)
	reg.Ensure("s-1", rt)
	reg.Ensure("s-2", rt)

	sub := &fakeSub{label: "conn"}
	reg.Attach(sub, "s-1")
	keep := &fakeSub{label: "keeper"}
	reg.Attach(keep, "s-2")
	reg.Detach(sub)

	select {
	case orphaned := <-expired:
		assert.False(t, orphaned, "runtime still serves s-2")
	case <-time.After(2 * time.Second):
		t.Fatal("session did not expire")
	}
	_, ok := reg.Get("s-2")
	assert.True(t, ok)
}

func TestCloseCancelsPendingExpiry(t *testing.T) {
	expired := make(chan struct{}, 1)
	reg := NewRegistry(50*time.Millisecond, func(rec *Record, orphaned bool) {
		expired <- struct{}{}
	}, newTestLogger(t))
	rt := newTestRuntime(t)
	reg.Ensure("s-1", rt)

	sub := &fakeSub{label: "conn"}
	reg.Attach(sub, "s-1")
	reg.Detach(sub)
	reg.Close()

	select {
	case <-expired:
		t.Fatal("expiry fired after close")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Len(t, reg.All(), 1)
}
