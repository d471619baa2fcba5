// Package api contains the records exchanged between the rule store, the
// client roster and the reconciler.
package api

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// ForwardRule is a persisted request to forward LocalPort to RemotePort on
// whatever address OwningUser currently has on the VPN.
type ForwardRule struct {
	// LocalPort is the port the proxy listens on; unique across all rules
	LocalPort int `json:"localPort"`

	// OwningUser is the VPN common name the rule belongs to
	OwningUser string `json:"owningUser"`

	// RemotePort is the port on the client the traffic goes to
	RemotePort int `json:"remotePort"`
}

// String returns a string representation of the rule
func (r ForwardRule) String() string {
	return fmt.Sprintf("%d -> %s:%d", r.LocalPort, r.OwningUser, r.RemotePort)
}

// RosterEntry is one currently connected VPN client.
type RosterEntry struct {
	UserIdentity   string    `json:"userIdentity"`
	NetworkAddress string    `json:"networkAddress"`
	RealAddress    string    `json:"realAddress,omitempty"`
	ConnectedSince time.Time `json:"connectedSince,omitempty"`
}

// Endpoint is a host and port pair a proxy forwards to
type Endpoint struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// String renders the endpoint as host:port, bracketing IPv6 hosts
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// DesiredTarget is where a local port should currently forward.
type DesiredTarget struct {
	LocalPort int      `json:"localPort"`
	Target    Endpoint `json:"target"`
}

// String returns a string representation of the target
func (d DesiredTarget) String() string {
	return fmt.Sprintf("%d -> %s", d.LocalPort, d.Target)
}
