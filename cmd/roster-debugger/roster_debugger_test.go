package rosterdebugger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/zmedgyes/charon-proxy/testutils"
)

func poll(t *testing.T, d *RosterDebugger) {
	t.Helper()
	if err := d.Poll(context.Background()); err != nil {
		t.Fatalf("Expected poll to succeed, got: %v", err)
	}
}

func expectContains(t *testing.T, out, want string) {
	t.Helper()
	if !strings.Contains(out, want) {
		t.Errorf("Expected output to contain %q, got %q", want, out)
	}
}

func TestPoll_TracksTransitions(t *testing.T) {
	roster := testutils.NewMockRoster(testutils.Connect("alice", "10.8.0.2", "bob", "10.8.0.3")...)
	var out bytes.Buffer
	d := New(roster, Config{OutputFormat: "json"}, &out)
	d.Clock = clock.NewMock()

	poll(t, d)
	roster.SetClients(testutils.Connect("alice", "10.8.0.9")...)
	poll(t, d)

	var changes []AddressChange
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var c AddressChange
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			t.Fatalf("Expected one JSON change per line, got %q: %v", line, err)
		}
		changes = append(changes, c)
	}

	if len(changes) != 4 {
		t.Fatalf("Expected 4 changes, got %d: %v", len(changes), changes)
	}
	if changes[0].ChangeType != ChangeConnected || changes[1].ChangeType != ChangeConnected {
		t.Errorf("Expected two connects first, got %s and %s", changes[0].ChangeType, changes[1].ChangeType)
	}
	if changes[2].ChangeType != ChangeAddressChanged {
		t.Errorf("Expected address change, got %s", changes[2].ChangeType)
	}
	if changes[2].OldAddress != "10.8.0.2" || changes[2].NewAddress != "10.8.0.9" {
		t.Errorf("Expected 10.8.0.2 -> 10.8.0.9, got %s -> %s", changes[2].OldAddress, changes[2].NewAddress)
	}
	if changes[3].ChangeType != ChangeDisconnected || changes[3].User != "bob" {
		t.Errorf("Expected bob to disconnect, got %s %s", changes[3].User, changes[3].ChangeType)
	}

	states := d.States()
	if len(states) != 1 {
		t.Fatalf("Expected 1 tracked client, got %d", len(states))
	}
	if addr := states["alice"].NetworkAddress; addr != "10.8.0.9" {
		t.Errorf("Expected alice at 10.8.0.9, got %s", addr)
	}
}

func TestPoll_NoChangesIsQuiet(t *testing.T) {
	roster := testutils.NewMockRoster(testutils.Connect("alice", "10.8.0.2")...)
	var out bytes.Buffer
	d := New(roster, Config{}, &out)

	poll(t, d)
	out.Reset()
	poll(t, d)

	if out.Len() != 0 {
		t.Errorf("Expected no output for an unchanged roster, got %q", out.String())
	}
}

func TestPoll_HistoryIsBounded(t *testing.T) {
	roster := testutils.NewMockRoster()
	var out bytes.Buffer
	d := New(roster, Config{HistorySize: 2}, &out)

	for _, addr := range []string{"10.8.0.2", "10.8.0.3", "10.8.0.4", "10.8.0.5"} {
		roster.SetClients(testutils.Connect("alice", addr)...)
		poll(t, d)
	}

	changes := d.States()["alice"].Changes
	if len(changes) != 2 {
		t.Fatalf("Expected history of 2, got %d", len(changes))
	}
	if changes[1].NewAddress != "10.8.0.5" {
		t.Errorf("Expected latest change to 10.8.0.5, got %s", changes[1].NewAddress)
	}
}

func TestPoll_TextOutput(t *testing.T) {
	roster := testutils.NewMockRoster(testutils.Connect("alice", "10.8.0.2")...)
	var out bytes.Buffer
	d := New(roster, Config{OutputFormat: "text"}, &out)

	poll(t, d)
	expectContains(t, out.String(), "CONNECTED alice")
	expectContains(t, out.String(), "ADDRESS: 10.8.0.2")

	out.Reset()
	d.PrintSummary()
	expectContains(t, out.String(), "Client: alice")
	expectContains(t, out.String(), "=== END SUMMARY ===")
}

func TestPoll_RosterFailure(t *testing.T) {
	roster := testutils.NewMockRoster()
	roster.SetFailure(true)
	d := New(roster, Config{}, &bytes.Buffer{})

	if err := d.Poll(context.Background()); err == nil {
		t.Error("Expected poll to fail when the roster is unavailable")
	}
}

func TestRun_Once(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openvpn-status.log")
	status := strings.Join([]string{
		"TITLE,OpenVPN 2.5.1 x86_64-pc-linux-gnu",
		"TIME,2024-01-01 12:00:00,1704110400",
		"HEADER,CLIENT_LIST,Common Name,Real Address,Virtual Address,Virtual IPv6 Address,Bytes Received,Bytes Sent,Connected Since,Connected Since (time_t),Username,Client ID,Peer ID,Data Channel Cipher",
		"CLIENT_LIST,alice,203.0.113.7:51234,10.8.0.2,,1024,2048,2024-01-01 11:00:00,1704106800,UNDEF,0,0,AES-256-GCM",
		"END",
	}, "\n")
	if err := os.WriteFile(path, []byte(status), 0o600); err != nil {
		t.Fatalf("Failed to write status log: %v", err)
	}

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := Run(ctx, Config{StatusLogPath: path, OutputFormat: "text"}, &out); err != nil {
		t.Fatalf("Expected single run to succeed, got: %v", err)
	}
	expectContains(t, out.String(), "CONNECTED alice")
	expectContains(t, out.String(), "REAL_ADDRESS: 203.0.113.7:51234")
}
