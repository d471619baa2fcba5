package testutils

import (
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
)

// FreePort returns a loopback TCP port that was free a moment ago
func FreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find free port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		t.Fatalf("Failed to release free port: %v", err)
	}
	return port
}

// PortFromAddr extracts the port of a host:port string
func PortFromAddr(t *testing.T, addr string) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("Failed to split address %s: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Failed to parse port %s: %v", portStr, err)
	}
	return port
}

// StartEchoServer runs a TCP server on loopback that writes back whatever it reads.
// It is closed when the test ends.
func StartEchoServer(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start echo server: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()

	t.Cleanup(func() {
		_ = l.Close()
		wg.Wait()
	})

	return l.Addr().(*net.TCPAddr).Port
}
