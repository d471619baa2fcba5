package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/zmedgyes/charon-proxy/pkg/api"
	"github.com/zmedgyes/charon-proxy/pkg/metrics"
)

// UnavailableBody is returned with a 503 when the target cannot be reached
const UnavailableBody = "Service currently unavailable."

type httpForwarder struct {
	server    *http.Server
	listener  net.Listener
	transport *http.Transport
	done      chan struct{}

	// upgraded holds hijacked connections (WebSocket and other Upgrade
	// requests), which http.Server stops tracking once hijacked
	mu       sync.Mutex
	upgraded map[net.Conn]struct{}
}

// trackedConn lets the forwarder forget an upgraded connection once the
// reverse proxy closes it
type trackedConn struct {
	net.Conn
	forwarder *httpForwarder
}

func (c *trackedConn) Close() error {
	c.forwarder.forgetUpgraded(c)
	return c.Conn.Close()
}

type trackingListener struct {
	net.Listener
	forwarder *httpForwarder
}

func (l trackingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &trackedConn{Conn: conn, forwarder: l.forwarder}, nil
}

func startHTTPForwarder(listener net.Listener, localPort int, target api.Endpoint, dialTimeout time.Duration, m *metrics.Metrics, logger logr.Logger) *httpForwarder {
	targetURL := &url.URL{Scheme: "http", Host: target.String()}

	transport := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:    16,
		IdleConnTimeout: 90 * time.Second,
	}

	reverseProxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(targetURL)
			pr.SetXForwarded()
			// Keep the caller's Host header; the client may serve several virtual hosts
			pr.Out.Host = pr.In.Host
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logUnreachable(logger, m, localPort, err)
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, UnavailableBody)
		},
	}

	f := &httpForwarder{
		server: &http.Server{
			Handler:           reverseProxy,
			ReadHeaderTimeout: 30 * time.Second,
		},
		listener:  listener,
		transport: transport,
		done:      make(chan struct{}),
		upgraded:  make(map[net.Conn]struct{}),
	}
	f.server.ConnState = func(conn net.Conn, state http.ConnState) {
		if state == http.StateHijacked {
			f.mu.Lock()
			f.upgraded[conn] = struct{}{}
			f.mu.Unlock()
		}
	}

	go func() {
		defer close(f.done)
		if err := f.server.Serve(trackingListener{Listener: listener, forwarder: f}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "HTTP forwarder stopped unexpectedly")
		}
	}()

	return f
}

func (f *httpForwarder) Addr() net.Addr {
	return f.listener.Addr()
}

func (f *httpForwarder) forgetUpgraded(conn net.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.upgraded, conn)
}

// Shutdown stops accepting, waits for in-flight requests until ctx expires,
// then drops whatever is left, upgraded connections included.
func (f *httpForwarder) Shutdown(ctx context.Context) error {
	err := f.server.Shutdown(ctx)
	if err != nil {
		_ = f.server.Close()
	}

	f.mu.Lock()
	upgraded := make([]net.Conn, 0, len(f.upgraded))
	for conn := range f.upgraded {
		upgraded = append(upgraded, conn)
	}
	f.mu.Unlock()
	for _, conn := range upgraded {
		_ = conn.Close()
	}

	f.transport.CloseIdleConnections()
	<-f.done
	return err
}
