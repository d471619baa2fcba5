package controller

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/zmedgyes/charon-proxy/pkg/api"
	"github.com/zmedgyes/charon-proxy/pkg/config"
	proxyerrors "github.com/zmedgyes/charon-proxy/pkg/errors"
	"github.com/zmedgyes/charon-proxy/pkg/proxy"
	"github.com/zmedgyes/charon-proxy/pkg/registry"
	"github.com/zmedgyes/charon-proxy/pkg/resolver"
	"github.com/zmedgyes/charon-proxy/testutils"
)

// testEnv wires a reconciler to in-memory upstreams and a lifecycle that
// records calls instead of binding sockets
type testEnv struct {
	Rules      *testutils.MockRuleStore
	Roster     *testutils.MockRoster
	Registry   *registry.Registry
	Lifecycle  *testutils.MockLifecycle
	Reconciler *Reconciler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		Rules:    testutils.NewMockRuleStore(),
		Roster:   testutils.NewMockRoster(),
		Registry: registry.New(),
	}
	env.Lifecycle = testutils.NewMockLifecycle(env.Registry)
	env.Reconciler = NewReconciler(
		resolver.New(env.Rules, env.Roster, time.Second, nil),
		env.Lifecycle,
		env.Registry,
		nil,
		clock.NewMock(),
	)
	t.Cleanup(env.Reconciler.Close)
	return env
}

func (e *testEnv) reconcile(t *testing.T) *PassResult {
	t.Helper()
	result, err := e.Reconciler.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Expected pass to succeed, got: %v", err)
	}
	return result
}

func (e *testEnv) expectRegistry(t *testing.T, expected map[int]api.Endpoint) {
	t.Helper()
	if got := e.Registry.Targets(); !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected registry %v, got %v", expected, got)
	}
}

func (e *testEnv) expectCalls(t *testing.T, expected ...string) {
	t.Helper()
	got := e.Lifecycle.CallStrings()
	if len(expected) == 0 && len(got) == 0 {
		return
	}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected lifecycle calls %v, got %v", expected, got)
	}
}

func rule(port int, user string, remote int) api.ForwardRule {
	return api.ForwardRule{LocalPort: port, OwningUser: user, RemotePort: remote}
}

func endpoint(addr string, port int) api.Endpoint {
	return api.Endpoint{Address: addr, Port: port}
}

func TestReconcile_ClientConnects(t *testing.T) {
	env := newTestEnv(t)
	env.Rules.SetRules(rule(8001, "alice", 80))
	env.Roster.SetClients(testutils.Connect("alice", "10.8.0.5")...)

	result := env.reconcile(t)

	env.expectRegistry(t, map[int]api.Endpoint{8001: endpoint("10.8.0.5", 80)})
	env.expectCalls(t, "start 8001")
	if !reflect.DeepEqual(result.Added, []int{8001}) {
		t.Errorf("Expected added [8001], got %v", result.Added)
	}
	if result.ID == "" {
		t.Error("Expected pass to carry an id")
	}
}

func TestReconcile_ClientDisconnects(t *testing.T) {
	env := newTestEnv(t)
	env.Rules.SetRules(rule(8001, "alice", 80))
	env.Roster.SetClients(testutils.Connect("alice", "10.8.0.5")...)
	env.reconcile(t)
	env.Lifecycle.ResetCalls()

	env.Roster.SetClients()
	result := env.reconcile(t)

	env.expectRegistry(t, map[int]api.Endpoint{})
	env.expectCalls(t, "stop 8001")
	if !reflect.DeepEqual(result.Removed, []int{8001}) {
		t.Errorf("Expected removed [8001], got %v", result.Removed)
	}
}

func TestReconcile_RemotePortChange(t *testing.T) {
	env := newTestEnv(t)
	env.Rules.SetRules(rule(8001, "alice", 80))
	env.Roster.SetClients(testutils.Connect("alice", "10.8.0.5")...)
	env.reconcile(t)
	env.Lifecycle.ResetCalls()

	env.Rules.SetRules(rule(8001, "alice", 8080))
	env.reconcile(t)

	env.expectRegistry(t, map[int]api.Endpoint{8001: endpoint("10.8.0.5", 8080)})
	env.expectCalls(t, "stop 8001", "start 8001")
}

func TestReconcile_ClientAddressChange(t *testing.T) {
	env := newTestEnv(t)
	env.Rules.SetRules(rule(8001, "alice", 80))
	env.Roster.SetClients(testutils.Connect("alice", "10.8.0.5")...)
	env.reconcile(t)
	env.Lifecycle.ResetCalls()

	env.Roster.SetClients(testutils.Connect("alice", "10.8.0.6")...)
	env.reconcile(t)

	env.expectRegistry(t, map[int]api.Endpoint{8001: endpoint("10.8.0.6", 80)})
	env.expectCalls(t, "stop 8001", "start 8001")
}

func TestReconcile_UpstreamFailureLeavesRegistryUntouched(t *testing.T) {
	tests := []struct {
		name string
		fail func(env *testEnv, fail bool)
	}{
		{name: "rule store", fail: func(env *testEnv, fail bool) { env.Rules.SetFailure(fail) }},
		{name: "roster", fail: func(env *testEnv, fail bool) { env.Roster.SetFailure(fail) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.Rules.SetRules(rule(8001, "alice", 80))
			env.Roster.SetClients(testutils.Connect("alice", "10.8.0.5")...)
			env.reconcile(t)
			env.Lifecycle.ResetCalls()

			// The change below must not be applied while the read fails
			env.Rules.SetRules(rule(8001, "alice", 80), rule(8002, "alice", 22))
			tt.fail(env, true)

			_, err := env.Reconciler.Reconcile(context.Background())
			if err == nil {
				t.Fatal("Expected pass to fail")
			}
			if !proxyerrors.IsKind(err, proxyerrors.KindUpstreamUnavailable) {
				t.Errorf("Expected UpstreamUnavailable, got: %v", err)
			}
			env.expectRegistry(t, map[int]api.Endpoint{8001: endpoint("10.8.0.5", 80)})
			env.expectCalls(t)

			tt.fail(env, false)
			env.reconcile(t)
			env.expectRegistry(t, map[int]api.Endpoint{
				8001: endpoint("10.8.0.5", 80),
				8002: endpoint("10.8.0.5", 22),
			})
		})
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	env.Rules.SetRules(rule(8001, "alice", 80), rule(8002, "bob", 22), rule(8003, "carol", 443))
	env.Roster.SetClients(testutils.Connect("alice", "10.8.0.5", "bob", "10.8.0.6")...)

	env.reconcile(t)
	before := env.Registry.Targets()
	env.Lifecycle.ResetCalls()

	result := env.reconcile(t)

	if result.Operations != 0 {
		t.Errorf("Expected second pass to perform no operations, got %d", result.Operations)
	}
	env.expectCalls(t)
	env.expectRegistry(t, before)
}

func TestReconcile_RemovalsBeforeAdditions(t *testing.T) {
	env := newTestEnv(t)
	env.Rules.SetRules(rule(8001, "alice", 80), rule(8002, "bob", 80), rule(8004, "alice", 22))
	env.Roster.SetClients(testutils.Connect("alice", "10.8.0.5", "bob", "10.8.0.6")...)
	env.reconcile(t)
	env.Lifecycle.ResetCalls()

	// bob leaves, alice moves, a new rule for bob's old port appears for carol
	env.Rules.SetRules(rule(8001, "alice", 80), rule(8002, "carol", 80), rule(8003, "carol", 22), rule(8004, "alice", 22))
	env.Roster.SetClients(testutils.Connect("alice", "10.8.0.7", "carol", "10.8.0.8")...)
	env.reconcile(t)

	env.expectCalls(t,
		"stop 8001", "stop 8002", "stop 8004",
		"start 8001", "start 8002", "start 8003", "start 8004")
	env.expectRegistry(t, map[int]api.Endpoint{
		8001: endpoint("10.8.0.7", 80),
		8002: endpoint("10.8.0.8", 80),
		8003: endpoint("10.8.0.8", 22),
		8004: endpoint("10.8.0.7", 22),
	})
}

func TestReconcile_FailureIsolation(t *testing.T) {
	env := newTestEnv(t)
	env.Rules.SetRules(rule(8001, "alice", 80), rule(8002, "alice", 81), rule(8003, "alice", 82))
	env.Roster.SetClients(testutils.Connect("alice", "10.8.0.5")...)
	env.Lifecycle.FailStart(8002, true)

	result := env.reconcile(t)

	env.expectCalls(t, "start 8001", "start 8002", "start 8003")
	env.expectRegistry(t, map[int]api.Endpoint{
		8001: endpoint("10.8.0.5", 80),
		8003: endpoint("10.8.0.5", 82),
	})
	if len(result.Failed) != 1 {
		t.Fatalf("Expected 1 failed operation, got %d", len(result.Failed))
	}
	if !proxyerrors.IsKind(result.Failed[0], proxyerrors.KindBindError) {
		t.Errorf("Expected BindError, got: %v", result.Failed[0])
	}

	// The failed port is retried on the next pass
	env.Lifecycle.FailStart(8002, false)
	env.Lifecycle.ResetCalls()
	env.reconcile(t)

	env.expectCalls(t, "start 8002")
	if env.Registry.Len() != 3 {
		t.Errorf("Expected 3 active proxies after retry, got %d", env.Registry.Len())
	}
}

func TestReconcile_FailedRemovalKeepsOthersGoing(t *testing.T) {
	env := newTestEnv(t)
	env.Rules.SetRules(rule(8001, "alice", 80), rule(8002, "alice", 81))
	env.Roster.SetClients(testutils.Connect("alice", "10.8.0.5")...)
	env.reconcile(t)
	env.Lifecycle.ResetCalls()

	env.Lifecycle.FailStop(8001, true)
	env.Roster.SetClients()
	result := env.reconcile(t)

	env.expectCalls(t, "stop 8001", "stop 8002")
	env.expectRegistry(t, map[int]api.Endpoint{8001: endpoint("10.8.0.5", 80)})
	if len(result.Failed) != 1 || !reflect.DeepEqual(result.Removed, []int{8002}) {
		t.Errorf("Expected one failure and 8002 removed, got failed=%v removed=%v", result.Failed, result.Removed)
	}
}

// gatedResolver blocks the first Resolve until release is closed
type gatedResolver struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
	desired map[int]api.DesiredTarget
}

func newGatedResolver() *gatedResolver {
	return &gatedResolver{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		desired: map[int]api.DesiredTarget{},
	}
}

func (g *gatedResolver) Resolve(ctx context.Context) (map[int]api.DesiredTarget, error) {
	g.calls.Add(1)
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
		return g.desired, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestReconcile_RejectsOverlappingPass(t *testing.T) {
	gate := newGatedResolver()
	reg := registry.New()
	r := NewReconciler(gate, testutils.NewMockLifecycle(reg), reg, nil, clock.NewMock())
	defer r.Close()

	firstDone := make(chan error, 1)
	go func() {
		_, err := r.Reconcile(context.Background())
		firstDone <- err
	}()
	<-gate.entered

	if _, err := r.Reconcile(context.Background()); !errors.Is(err, ErrPassInProgress) {
		t.Errorf("Expected ErrPassInProgress, got: %v", err)
	}

	close(gate.release)
	if err := <-firstDone; err != nil {
		t.Errorf("Expected first pass to succeed, got: %v", err)
	}

	// The guard is released once the pass ends
	if _, err := r.Reconcile(context.Background()); err != nil {
		t.Errorf("Expected pass after release to succeed, got: %v", err)
	}
	if calls := gate.calls.Load(); calls != 2 {
		t.Errorf("Expected resolver to be called twice, got %d", calls)
	}
}

func TestReconcile_RebindsSamePortWithRealProxies(t *testing.T) {
	backendA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "A")
	}))
	defer backendA.Close()
	backendB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "B")
	}))
	defer backendB.Close()

	portA := testutils.PortFromAddr(t, backendA.Listener.Addr().String())
	portB := testutils.PortFromAddr(t, backendB.Listener.Addr().String())
	localPort := testutils.FreePort(t)

	reg := registry.New()
	manager := proxy.NewManager(reg, proxy.Options{
		Mode:        config.ProxyModeHTTP,
		ListenHost:  "127.0.0.1",
		DialTimeout: time.Second,
	})
	t.Cleanup(func() { _ = manager.StopAll(context.Background()) })

	rules := testutils.NewMockRuleStore(rule(localPort, "alice", portA))
	roster := testutils.NewMockRoster(testutils.Connect("alice", "127.0.0.1")...)
	r := NewReconciler(resolver.New(rules, roster, time.Second, nil), manager, reg, nil, clock.NewMock())
	t.Cleanup(r.Close)

	client := &http.Client{
		Transport: &http.Transport{DisableKeepAlives: true},
		Timeout:   2 * time.Second,
	}
	get := func() string {
		t.Helper()
		resp, err := client.Get("http://127.0.0.1:" + strconv.Itoa(localPort) + "/")
		if err != nil {
			t.Fatalf("Expected proxy on port %d to answer, got: %v", localPort, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("Failed to read response body: %v", err)
		}
		return string(body)
	}

	if _, err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Expected first pass to succeed, got: %v", err)
	}
	if body := get(); body != "A" {
		t.Errorf("Expected body from first target A, got %q", body)
	}

	// Same local port, new remote port: the old listener must be gone before the rebind
	rules.SetRules(rule(localPort, "alice", portB))
	result, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Expected second pass to succeed, got: %v", err)
	}
	if result.HasFailures() {
		t.Fatalf("Expected no failed operations, got %v", result.Failed)
	}
	if !reflect.DeepEqual(result.Removed, []int{localPort}) || !reflect.DeepEqual(result.Added, []int{localPort}) {
		t.Errorf("Expected port %d removed then added, got removed %v added %v", localPort, result.Removed, result.Added)
	}
	if body := get(); body != "B" {
		t.Errorf("Expected body from new target B, got %q", body)
	}
	if got := reg.Targets()[localPort]; got != endpoint("127.0.0.1", portB) {
		t.Errorf("Expected registry to point at %d, got %v", portB, got)
	}
}
