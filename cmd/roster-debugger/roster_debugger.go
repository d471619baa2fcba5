// Package rosterdebugger watches the VPN status log and reports clients
// connecting, disconnecting and changing address.
package rosterdebugger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/zmedgyes/charon-proxy/pkg/api"
	"github.com/zmedgyes/charon-proxy/pkg/roster"
)

// Change types
const (
	ChangeConnected      = "connected"
	ChangeDisconnected   = "disconnected"
	ChangeAddressChanged = "address_changed"
)

// ClientState tracks one client over time
type ClientState struct {
	User           string          `json:"user"`
	NetworkAddress string          `json:"network_address"`
	RealAddress    string          `json:"real_address,omitempty"`
	LastSeen       time.Time       `json:"last_seen"`
	Changes        []AddressChange `json:"changes"`
}

// AddressChange is one observed transition of a client
type AddressChange struct {
	Timestamp  time.Time `json:"timestamp"`
	User       string    `json:"user"`
	ChangeType string    `json:"change_type"`
	OldAddress string    `json:"old_address,omitempty"`
	NewAddress string    `json:"new_address,omitempty"`
	RealAddr   string    `json:"real_address,omitempty"`
}

// Config holds configuration for the debugger
type Config struct {
	StatusLogPath string
	OutputFormat  string
	HistorySize   int
	// PollInterval of zero prints the roster once and returns
	PollInterval time.Duration
}

// ClientLister reads the connected clients
type ClientLister interface {
	ListConnectedClients(ctx context.Context) ([]api.RosterEntry, error)
}

// RosterDebugger diffs successive roster snapshots
type RosterDebugger struct {
	Roster ClientLister
	Config Config
	Out    io.Writer
	Clock  clock.Clock

	states map[string]*ClientState
}

// New creates a debugger reading roster and writing to out
func New(r ClientLister, config Config, out io.Writer) *RosterDebugger {
	if config.OutputFormat == "" {
		config.OutputFormat = "text"
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 10
	}
	return &RosterDebugger{
		Roster: r,
		Config: config,
		Out:    out,
		Clock:  clock.New(),
		states: make(map[string]*ClientState),
	}
}

// Run polls the status log until ctx is cancelled, then prints a summary
func Run(ctx context.Context, config Config, out io.Writer) error {
	logger := ctrllog.FromContext(ctx).WithValues("component", "roster-debugger")
	logger.Info("Starting roster debugger",
		"status_log", config.StatusLogPath,
		"output", config.OutputFormat,
		"interval", config.PollInterval.String())

	d := New(roster.NewStatusFileReader(config.StatusLogPath), config, out)
	if err := d.Poll(ctx); err != nil {
		return err
	}
	if config.PollInterval <= 0 {
		return nil
	}

	ticker := d.Clock.Ticker(config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.PrintSummary()
			return nil
		case <-ticker.C:
			if err := d.Poll(ctx); err != nil {
				logger.Error(err, "Failed to read roster")
			}
		}
	}
}

// Poll reads the roster once and reports every change since the last poll
func (d *RosterDebugger) Poll(ctx context.Context) error {
	entries, err := d.Roster.ListConnectedClients(ctx)
	if err != nil {
		return fmt.Errorf("failed to list connected clients: %w", err)
	}

	now := d.Clock.Now()
	seen := make(map[string]bool, len(entries))

	for _, entry := range entries {
		seen[entry.UserIdentity] = true
		state, exists := d.states[entry.UserIdentity]
		if !exists {
			state = &ClientState{
				User:           entry.UserIdentity,
				NetworkAddress: entry.NetworkAddress,
				RealAddress:    entry.RealAddress,
			}
			d.states[entry.UserIdentity] = state
			d.record(state, AddressChange{
				Timestamp:  now,
				User:       entry.UserIdentity,
				ChangeType: ChangeConnected,
				NewAddress: entry.NetworkAddress,
				RealAddr:   entry.RealAddress,
			})
		} else if state.NetworkAddress != entry.NetworkAddress {
			d.record(state, AddressChange{
				Timestamp:  now,
				User:       entry.UserIdentity,
				ChangeType: ChangeAddressChanged,
				OldAddress: state.NetworkAddress,
				NewAddress: entry.NetworkAddress,
				RealAddr:   entry.RealAddress,
			})
			state.NetworkAddress = entry.NetworkAddress
			state.RealAddress = entry.RealAddress
		}
		state.LastSeen = now
	}

	for _, user := range d.users() {
		if seen[user] {
			continue
		}
		state := d.states[user]
		d.record(state, AddressChange{
			Timestamp:  now,
			User:       user,
			ChangeType: ChangeDisconnected,
			OldAddress: state.NetworkAddress,
		})
		delete(d.states, user)
	}

	return nil
}

// States returns the tracked clients keyed by user
func (d *RosterDebugger) States() map[string]*ClientState {
	return d.states
}

func (d *RosterDebugger) users() []string {
	users := make([]string, 0, len(d.states))
	for user := range d.states {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

func (d *RosterDebugger) record(state *ClientState, change AddressChange) {
	state.Changes = append(state.Changes, change)
	if len(state.Changes) > d.Config.HistorySize {
		state.Changes = state.Changes[len(state.Changes)-d.Config.HistorySize:]
	}
	d.logChange(change)
}

// logChange outputs the change in the configured format
func (d *RosterDebugger) logChange(change AddressChange) {
	switch d.Config.OutputFormat {
	case "json":
		d.logChangeJSON(change)
	default:
		d.logChangeText(change)
	}
}

func (d *RosterDebugger) logChangeText(change AddressChange) {
	timestamp := change.Timestamp.UTC().Format("2006-01-02T15:04:05Z")

	switch change.ChangeType {
	case ChangeConnected:
		fmt.Fprintf(d.Out, "[%s] CONNECTED %s\n", timestamp, change.User)
		fmt.Fprintf(d.Out, "   ADDRESS: %s\n", change.NewAddress)
		if change.RealAddr != "" {
			fmt.Fprintf(d.Out, "   REAL_ADDRESS: %s\n", change.RealAddr)
		}
	case ChangeDisconnected:
		fmt.Fprintf(d.Out, "[%s] DISCONNECTED %s\n", timestamp, change.User)
		fmt.Fprintf(d.Out, "   LAST_ADDRESS: %s\n", change.OldAddress)
	case ChangeAddressChanged:
		fmt.Fprintf(d.Out, "[%s] ADDRESS_CHANGED %s\n", timestamp, change.User)
		fmt.Fprintf(d.Out, "   ADDRESS_CHANGE: %s -> %s\n", change.OldAddress, change.NewAddress)
		fmt.Fprintf(d.Out, "   WARNING: proxies for this user will be restarted on the next pass\n")
	}
	fmt.Fprintln(d.Out)
}

func (d *RosterDebugger) logChangeJSON(change AddressChange) {
	data, err := json.Marshal(change)
	if err != nil {
		fmt.Fprintf(d.Out, "Failed to marshal change to JSON: %v\n", err)
		return
	}
	fmt.Fprintln(d.Out, string(data))
}

// PrintSummary prints every client still connected
func (d *RosterDebugger) PrintSummary() {
	fmt.Fprintln(d.Out, "\n=== ROSTER DEBUGGER SUMMARY ===")

	for _, user := range d.users() {
		state := d.states[user]
		fmt.Fprintf(d.Out, "\nClient: %s\n", user)
		fmt.Fprintf(d.Out, "  Current Address: %s\n", state.NetworkAddress)
		fmt.Fprintf(d.Out, "  Last Seen: %s\n", state.LastSeen.UTC().Format("2006-01-02T15:04:05Z"))
		fmt.Fprintf(d.Out, "  Total Changes: %d\n", len(state.Changes))
	}

	fmt.Fprintln(d.Out, "\n=== END SUMMARY ===")
}
