package testutils

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/zmedgyes/charon-proxy/pkg/api"
	proxyerrors "github.com/zmedgyes/charon-proxy/pkg/errors"
	"github.com/zmedgyes/charon-proxy/pkg/registry"
)

// LifecycleCall is one recorded Start or Stop
type LifecycleCall struct {
	Op     string
	Port   int
	Target api.Endpoint
}

// String returns a compact form such as "start 8001" or "stop 8002"
func (c LifecycleCall) String() string {
	return fmt.Sprintf("%s %d", c.Op, c.Port)
}

type fakeHandle struct {
	port int
}

func (h fakeHandle) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: h.port}
}

func (h fakeHandle) Shutdown(ctx context.Context) error {
	return nil
}

// MockLifecycle records proxies in a real registry without binding sockets.
// Ports can be made to fail on Start (as a BindError) or on Stop.
type MockLifecycle struct {
	mu        sync.Mutex
	registry  *registry.Registry
	calls     []LifecycleCall
	failStart map[int]bool
	failStop  map[int]bool

	// OnStart runs inside Start before the proxy is recorded
	OnStart func(port int)
}

// NewMockLifecycle creates a lifecycle recording into reg
func NewMockLifecycle(reg *registry.Registry) *MockLifecycle {
	return &MockLifecycle{
		registry:  reg,
		failStart: make(map[int]bool),
		failStop:  make(map[int]bool),
	}
}

// FailStart makes Start on port fail until cleared
func (l *MockLifecycle) FailStart(port int, fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failStart[port] = fail
}

// FailStop makes Stop on port fail until cleared
func (l *MockLifecycle) FailStop(port int, fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failStop[port] = fail
}

// Calls returns the recorded calls in order
func (l *MockLifecycle) Calls() []LifecycleCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LifecycleCall(nil), l.calls...)
}

// CallStrings returns the recorded calls rendered with String
func (l *MockLifecycle) CallStrings() []string {
	calls := l.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// ResetCalls forgets the recorded calls
func (l *MockLifecycle) ResetCalls() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

// Start implements the reconciler's lifecycle contract
func (l *MockLifecycle) Start(ctx context.Context, localPort int, target api.Endpoint) (*registry.ActiveProxy, error) {
	l.mu.Lock()
	l.calls = append(l.calls, LifecycleCall{Op: "start", Port: localPort, Target: target})
	fail := l.failStart[localPort]
	onStart := l.OnStart
	l.mu.Unlock()

	if onStart != nil {
		onStart(localPort)
	}
	if fail {
		return nil, proxyerrors.NewBindError(localPort, fmt.Errorf("simulated address already in use"))
	}

	proxy := registry.NewActiveProxy(localPort, target, fakeHandle{port: localPort})
	if err := l.registry.Add(proxy); err != nil {
		return nil, err
	}
	return proxy, nil
}

// Stop implements the reconciler's lifecycle contract
func (l *MockLifecycle) Stop(ctx context.Context, localPort int) error {
	l.mu.Lock()
	l.calls = append(l.calls, LifecycleCall{Op: "stop", Port: localPort})
	fail := l.failStop[localPort]
	l.mu.Unlock()

	if fail {
		return fmt.Errorf("simulated Stop failure on port %d", localPort)
	}
	l.registry.Remove(localPort)
	return nil
}
