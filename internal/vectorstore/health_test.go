package vectorstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type mockChecker struct {
	mu  sync.Mutex
	err error
}

func (m *mockChecker) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *mockChecker) set(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func TestHealthMonitor_InitialState(t *testing.T) {
	ctx := context.Background()

	healthy := vectorstore.NewHealthMonitor(ctx, &mockChecker{}, time.Minute, zaptest.NewLogger(t))
	defer healthy.Stop()
	assert.True(t, healthy.IsHealthy())
	assert.NoError(t, healthy.LastError())
	assert.False(t, healthy.LastCheck().IsZero())

	down := errors.New("down")
	unhealthy := vectorstore.NewHealthMonitor(ctx, &mockChecker{err: down}, time.Minute, zaptest.NewLogger(t))
	defer unhealthy.Stop()
	assert.False(t, unhealthy.IsHealthy())
	assert.ErrorIs(t, unhealthy.LastError(), down)
}

func TestHealthMonitor_Transitions(t *testing.T) {
	checker := &mockChecker{}
	hm := vectorstore.NewHealthMonitor(context.Background(), checker, time.Minute, zaptest.NewLogger(t))
	defer hm.Stop()

	transitions := make(chan bool, 4)
	require.NoError(t, hm.RegisterCallback(func(healthy bool) { transitions <- healthy }))
	assert.Error(t, hm.RegisterCallback(nil))

	checker.set(errors.New("down"))
	assert.False(t, hm.Check())
	assert.False(t, hm.IsHealthy())
	assert.False(t, waitFor(t, transitions))

	// No transition, no callback.
	assert.False(t, hm.Check())

	checker.set(nil)
	assert.True(t, hm.Check())
	assert.True(t, waitFor(t, transitions))
	assert.Empty(t, transitions)
}

func TestHealthMonitor_CallbackPanic(t *testing.T) {
	checker := &mockChecker{}
	// The panic is logged from the callback goroutine, which may outlive the test.
	hm := vectorstore.NewHealthMonitor(context.Background(), checker, time.Minute, zap.NewNop())
	defer hm.Stop()

	called := make(chan bool, 1)
	require.NoError(t, hm.RegisterCallback(func(bool) { panic("boom") }))
	require.NoError(t, hm.RegisterCallback(func(healthy bool) { called <- healthy }))

	checker.set(errors.New("down"))
	hm.Check()
	assert.False(t, waitFor(t, called))
}

func TestHealthMonitor_Start(t *testing.T) {
	checker := &mockChecker{}
	hm := vectorstore.NewHealthMonitor(context.Background(), checker, 10*time.Millisecond, zap.NewNop())
	defer hm.Stop()
	hm.Start()

	checker.set(errors.New("down"))
	assert.Eventually(t, func() bool { return !hm.IsHealthy() }, 2*time.Second, 10*time.Millisecond)
}

func TestHealthMonitor_ChromemBackend(t *testing.T) {
	b, _ := newChromem(t, &TestEmbedder{})
	hm := vectorstore.NewHealthMonitor(context.Background(), b, time.Minute, zaptest.NewLogger(t))
	defer hm.Stop()
	assert.True(t, hm.IsHealthy())

	require.NoError(t, b.Close())
	assert.False(t, hm.Check())
	assert.ErrorIs(t, hm.LastError(), vectorstore.ErrStorage)
}

func waitFor(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for health callback")
		return false
	}
}
