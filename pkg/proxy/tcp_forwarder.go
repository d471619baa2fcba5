package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/zmedgyes/charon-proxy/pkg/api"
	"github.com/zmedgyes/charon-proxy/pkg/metrics"
)

type tcpForwarder struct {
	listener    net.Listener
	localPort   int
	target      api.Endpoint
	dialTimeout time.Duration
	metrics     *metrics.Metrics
	logger      logr.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	wg   sync.WaitGroup
	done chan struct{}
}

func startTCPForwarder(listener net.Listener, localPort int, target api.Endpoint, dialTimeout time.Duration, m *metrics.Metrics, logger logr.Logger) *tcpForwarder {
	f := &tcpForwarder{
		listener:    listener,
		localPort:   localPort,
		target:      target,
		dialTimeout: dialTimeout,
		metrics:     m,
		logger:      logger,
		conns:       make(map[net.Conn]struct{}),
		done:        make(chan struct{}),
	}
	go f.acceptLoop()
	return f
}

func (f *tcpForwarder) Addr() net.Addr {
	return f.listener.Addr()
}

func (f *tcpForwarder) acceptLoop() {
	defer close(f.done)
	defer f.recoverRelay(f.listener)

	var backoff time.Duration
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient accept failures (EMFILE and friends) must not kill the listener
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			f.logger.V(1).Info("Accept failed, retrying", "error", err.Error(), "backoff", backoff.String())
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !f.track(conn) {
			_ = conn.Close()
			return
		}
		f.wg.Add(1)
		go f.handle(conn)
	}
}

func (f *tcpForwarder) track(conn net.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.conns[conn] = struct{}{}
	return true
}

func (f *tcpForwarder) untrack(conn net.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, conn)
}

func (f *tcpForwarder) handle(client net.Conn) {
	defer f.wg.Done()
	defer f.recoverRelay(client)
	defer f.untrack(client)
	defer client.Close()

	upstream, err := net.DialTimeout("tcp", f.target.String(), f.dialTimeout)
	if err != nil {
		logUnreachable(f.logger, f.metrics, f.localPort, err)
		return
	}
	if !f.track(upstream) {
		_ = upstream.Close()
		return
	}
	defer f.untrack(upstream)
	defer upstream.Close()

	var relay sync.WaitGroup
	relay.Add(1)
	go func() {
		defer relay.Done()
		defer f.recoverRelay(client, upstream)
		_, _ = io.Copy(upstream, client)
		closeWrite(upstream)
	}()
	_, _ = io.Copy(client, upstream)
	closeWrite(client)
	relay.Wait()
}

// recoverRelay keeps a panic in one relay from taking down the process. The
// given resources are closed so the other half of the relay unblocks.
func (f *tcpForwarder) recoverRelay(closers ...io.Closer) {
	if r := recover(); r != nil {
		f.logger.Error(fmt.Errorf("panic: %v", r), "Relay panicked, dropping connection")
		for _, c := range closers {
			_ = c.Close()
		}
	}
}

func closeWrite(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.CloseWrite()
		return
	}
	_ = conn.Close()
}

// Shutdown closes the listener and every relayed connection, then waits
// for the relay goroutines until ctx expires.
func (f *tcpForwarder) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	err := f.listener.Close()
	for conn := range f.conns {
		_ = conn.Close()
	}
	f.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		<-f.done
		f.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
