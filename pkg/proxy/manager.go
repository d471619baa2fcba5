// Package proxy starts and stops the per-port forwarding listeners.
package proxy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/zmedgyes/charon-proxy/pkg/api"
	"github.com/zmedgyes/charon-proxy/pkg/config"
	proxyerrors "github.com/zmedgyes/charon-proxy/pkg/errors"
	"github.com/zmedgyes/charon-proxy/pkg/metrics"
	"github.com/zmedgyes/charon-proxy/pkg/registry"
)

// drainTimeout bounds how long Stop waits for in-flight traffic
const drainTimeout = 5 * time.Second

// Options configures how listeners are bound and how targets are dialled
type Options struct {
	// Mode is config.ProxyModeHTTP or config.ProxyModeTCP
	Mode        string
	ListenHost  string
	DialTimeout time.Duration
	Metrics     *metrics.Metrics
}

// Manager creates, binds and tears down forwarding listeners, recording
// every live one in the registry.
type Manager struct {
	registry *registry.Registry
	opts     Options
}

// NewManager creates a lifecycle manager that records proxies in reg
func NewManager(reg *registry.Registry, opts Options) *Manager {
	if opts.Mode == "" {
		opts.Mode = config.ProxyModeHTTP
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = config.DefaultDialTimeout
	}
	return &Manager{registry: reg, opts: opts}
}

// Registry returns the registry this manager records into
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Start binds localPort and forwards everything it accepts to target.
// A port that cannot be bound yields a BindError and leaves the registry untouched.
func (m *Manager) Start(ctx context.Context, localPort int, target api.Endpoint) (*registry.ActiveProxy, error) {
	logger := ctrllog.FromContext(ctx).WithValues(
		"component", "proxy",
		"local_port", localPort,
		"target", target.String())

	if existing, ok := m.registry.Get(localPort); ok {
		return nil, fmt.Errorf("port %d already forwards to %s", localPort, existing.Target)
	}

	addr := net.JoinHostPort(m.opts.ListenHost, strconv.Itoa(localPort))
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, proxyerrors.NewBindError(localPort, err)
	}

	var handle registry.Handle
	switch m.opts.Mode {
	case config.ProxyModeTCP:
		handle = startTCPForwarder(listener, localPort, target, m.opts.DialTimeout, m.opts.Metrics, logger)
	default:
		handle = startHTTPForwarder(listener, localPort, target, m.opts.DialTimeout, m.opts.Metrics, logger)
	}

	proxy := registry.NewActiveProxy(localPort, target, handle)
	if err := m.registry.Add(proxy); err != nil {
		_ = handle.Shutdown(ctx)
		return nil, err
	}

	logger.Info("Proxy started", "mode", m.opts.Mode, "addr", handle.Addr().String())
	return proxy, nil
}

// Stop closes the listener on localPort and removes it from the registry.
// Stopping a port with no active proxy is a no-op.
func (m *Manager) Stop(ctx context.Context, localPort int) error {
	proxy, ok := m.registry.Get(localPort)
	if !ok {
		return nil
	}

	logger := ctrllog.FromContext(ctx).WithValues(
		"component", "proxy",
		"local_port", localPort,
		"target", proxy.Target.String())

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()

	// The listener is closed even when draining times out, so the entry goes either way
	err := proxy.Handle().Shutdown(drainCtx)
	m.registry.Remove(localPort)

	if err != nil {
		logger.Error(err, "Proxy did not drain cleanly")
		return fmt.Errorf("failed to stop proxy on port %d: %w", localPort, err)
	}

	logger.Info("Proxy stopped", "uptime", time.Since(proxy.StartedAt).Round(time.Second).String())
	return nil
}

// StopAll stops every active proxy, returning the combined errors
func (m *Manager) StopAll(ctx context.Context) error {
	var errs error
	for _, port := range m.registry.Ports() {
		errs = multierr.Append(errs, m.Stop(ctx, port))
	}
	return errs
}

// logUnreachable reports a failed dial to the target of a live proxy
func logUnreachable(logger logr.Logger, m *metrics.Metrics, localPort int, err error) {
	m.ObserveTargetUnreachable(localPort)
	logger.V(1).Info("Target unreachable", "error", proxyerrors.NewTargetUnreachable(localPort, err).Error())
}
