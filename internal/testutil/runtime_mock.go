// Package testutil provides fakes used by service-level tests so they never
// need a live Docker daemon or database.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxplatform/controlplane/pkg/runtime"
)

// Ensure MockRuntime implements runtime.Adapter.
var _ runtime.Adapter = (*MockRuntime)(nil)

type mockContainer struct {
	spec    runtime.ContainerSpec
	running bool
	exited  bool
	removed bool
}

// MockRuntime is an in-memory fake of the Docker-backed Runtime Adapter.
type MockRuntime struct {
	mu         sync.RWMutex
	containers map[string]*mockContainer
	failHealth bool
	failCreate bool
	logs       map[string][]runtime.LogEvent
}

// NewMockRuntime creates a new mock runtime adapter.
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		containers: make(map[string]*mockContainer),
		logs:       make(map[string][]runtime.LogEvent),
	}
}

func (m *MockRuntime) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failHealth {
		return fmt.Errorf("health check failed")
	}
	return nil
}

func (m *MockRuntime) SetHealthCheckError(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failHealth = fail
}

func (m *MockRuntime) SetCreateError(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCreate = fail
}

func (m *MockRuntime) EnsureImage(ctx context.Context, image string, progress runtime.ProgressFunc) error {
	if progress != nil {
		progress(100, "image present")
	}
	return nil
}

func (m *MockRuntime) CreateContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failCreate {
		return "", &runtime.Error{Kind: runtime.ErrOther, Op: "create_container", Err: fmt.Errorf("injected failure")}
	}

	ref := uuid.New().String()
	m.containers[ref] = &mockContainer{spec: spec}
	return ref, nil
}

func (m *MockRuntime) Start(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[ref]
	if !ok {
		return &runtime.Error{Kind: runtime.ErrNotFound, Op: "start", Err: fmt.Errorf("container not found")}
	}
	c.running = true
	return nil
}

func (m *MockRuntime) Stop(ctx context.Context, ref string, graceSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[ref]
	if !ok {
		return nil // not found is success
	}
	c.running = false
	c.exited = true
	return nil
}

func (m *MockRuntime) Restart(ctx context.Context, ref string, graceSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[ref]
	if !ok {
		return &runtime.Error{Kind: runtime.ErrNotFound, Op: "restart", Err: fmt.Errorf("container not found")}
	}
	c.running = true
	return nil
}

func (m *MockRuntime) Remove(ctx context.Context, ref string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, ref)
	return nil
}

func (m *MockRuntime) Inspect(ctx context.Context, ref string) (*runtime.InspectResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.containers[ref]
	if !ok {
		return nil, nil
	}

	status := "created"
	if c.running {
		status = "running"
	} else if c.exited {
		status = "exited"
	}

	return &runtime.InspectResult{Status: status, Running: c.running}, nil
}

func (m *MockRuntime) WaitRunning(ctx context.Context, ref string, deadline time.Duration) (bool, error) {
	res, err := m.Inspect(ctx, ref)
	if err != nil {
		return false, err
	}
	if res == nil {
		return false, nil
	}
	return res.Running, nil
}

func (m *MockRuntime) Stats(ctx context.Context, ref string) (*runtime.ContainerMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.containers[ref]; !ok {
		return nil, &runtime.Error{Kind: runtime.ErrNotFound, Op: "stats", Err: fmt.Errorf("container not found")}
	}

	return &runtime.ContainerMetrics{
		CPUPercent:    1.5,
		MemoryUsage:   1024 * 1024,
		MemoryLimit:   512 * 1024 * 1024,
		MemoryPercent: 0.2,
	}, nil
}

func (m *MockRuntime) StreamLogs(ctx context.Context, ref string, sinceUnix int64) (<-chan runtime.LogEvent, error) {
	m.mu.RLock()
	events := append([]runtime.LogEvent{}, m.logs[ref]...)
	m.mu.RUnlock()

	ch := make(chan runtime.LogEvent, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (m *MockRuntime) GetLogs(ctx context.Context, ref string, tail int) ([]runtime.LogEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.logs[ref]
	if tail > 0 && len(events) > tail {
		events = events[len(events)-tail:]
	}
	return events, nil
}

// SetLogs injects log lines for a container ref, for tests to assert on
// collector/redaction behavior.
func (m *MockRuntime) SetLogs(ref string, events []runtime.LogEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[ref] = events
}

func (m *MockRuntime) ExecBatch(ctx context.Context, ref string, argv []string) (int, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.containers[ref]; !ok {
		return 0, "", &runtime.Error{Kind: runtime.ErrNotFound, Op: "exec_batch", Err: fmt.Errorf("container not found")}
	}
	return 0, "mock output\n", nil
}

func (m *MockRuntime) ExecInteractive(ctx context.Context, ref string, initialCols, initialRows int) (runtime.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.containers[ref]; !ok {
		return nil, &runtime.Error{Kind: runtime.ErrNotFound, Op: "exec_interactive", Err: fmt.Errorf("container not found")}
	}
	return &mockSession{}, nil
}

func (m *MockRuntime) ListOwned(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	refs := make([]string, 0, len(m.containers))
	for ref := range m.containers {
		refs = append(refs, ref)
	}
	return refs, nil
}

// SetRunning forces a container into the running state (test helper).
func (m *MockRuntime) SetRunning(ref string, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[ref]; ok {
		c.running = running
	}
}

// ContainerCount returns how many containers the mock currently holds.
func (m *MockRuntime) ContainerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.containers)
}

type mockSession struct{}

func (s *mockSession) Read(p []byte) (int, error)                       { return 0, nil }
func (s *mockSession) Write(p []byte) (int, error)                      { return len(p), nil }
func (s *mockSession) Resize(ctx context.Context, cols, rows int) error { return nil }
func (s *mockSession) Close() error                                     { return nil }
