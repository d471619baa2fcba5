// Package resolver joins persisted forwarding rules with the live VPN roster
// to produce the set of ports that should currently be forwarded.
package resolver

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/zmedgyes/charon-proxy/pkg/api"
	"github.com/zmedgyes/charon-proxy/pkg/config"
	proxyerrors "github.com/zmedgyes/charon-proxy/pkg/errors"
	"github.com/zmedgyes/charon-proxy/pkg/metrics"
)

// Upstream source names used in errors and metrics
const (
	SourceRules  = "rules"
	SourceRoster = "roster"
)

// RuleLister reads every persisted forwarding rule
type RuleLister interface {
	ListAllRules(ctx context.Context) ([]api.ForwardRule, error)
}

// ClientLister reads the currently connected VPN clients
type ClientLister interface {
	ListConnectedClients(ctx context.Context) ([]api.RosterEntry, error)
}

// Resolver computes desired state. It has no side effects beyond reading
// its two upstreams.
type Resolver struct {
	Rules   RuleLister
	Roster  ClientLister
	Timeout time.Duration
	Metrics *metrics.Metrics
}

// New creates a resolver bounded by timeout per upstream read
func New(rules RuleLister, roster ClientLister, timeout time.Duration, m *metrics.Metrics) *Resolver {
	if timeout <= 0 {
		timeout = config.DefaultUpstreamTimeout
	}
	return &Resolver{Rules: rules, Roster: roster, Timeout: timeout, Metrics: m}
}

// Resolve reads rules and roster concurrently and returns, keyed by local
// port, the target of every rule whose owner is connected. Rules of
// disconnected users are left out. Any read failure is reported as
// UpstreamUnavailable.
func (r *Resolver) Resolve(ctx context.Context) (map[int]api.DesiredTarget, error) {
	logger := ctrllog.FromContext(ctx).WithValues("component", "resolver")

	var (
		rules   []api.ForwardRule
		clients []api.RosterEntry
	)

	// Both reads always run to completion so each failure is attributed to its own source
	var g errgroup.Group
	g.Go(func() error {
		readCtx, cancel := context.WithTimeout(ctx, r.Timeout)
		defer cancel()
		var err error
		rules, err = r.Rules.ListAllRules(readCtx)
		if err != nil {
			r.Metrics.ObserveUpstreamFailure(SourceRules)
			return proxyerrors.NewUpstreamUnavailable("list "+SourceRules, err)
		}
		return nil
	})
	g.Go(func() error {
		readCtx, cancel := context.WithTimeout(ctx, r.Timeout)
		defer cancel()
		var err error
		clients, err = r.Roster.ListConnectedClients(readCtx)
		if err != nil {
			r.Metrics.ObserveUpstreamFailure(SourceRoster)
			return proxyerrors.NewUpstreamUnavailable("list "+SourceRoster, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	desired := Join(rules, clients)
	logger.V(1).Info("Resolved desired state",
		"rules", len(rules),
		"connected_clients", len(clients),
		"desired", len(desired))
	return desired, nil
}

// Join maps each rule to its owner's network address. If a user appears in
// the roster more than once the later entry wins.
func Join(rules []api.ForwardRule, clients []api.RosterEntry) map[int]api.DesiredTarget {
	addressByUser := make(map[string]string, len(clients))
	for _, c := range clients {
		addressByUser[c.UserIdentity] = c.NetworkAddress
	}

	desired := make(map[int]api.DesiredTarget, len(rules))
	for _, rule := range rules {
		addr, connected := addressByUser[rule.OwningUser]
		if !connected {
			continue
		}
		desired[rule.LocalPort] = api.DesiredTarget{
			LocalPort: rule.LocalPort,
			Target:    api.Endpoint{Address: addr, Port: rule.RemotePort},
		}
	}
	return desired
}

