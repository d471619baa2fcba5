package testutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zmedgyes/charon-proxy/pkg/api"
)

// MockRuleStore serves a fixed, mutable list of forwarding rules
type MockRuleStore struct {
	mu         sync.RWMutex
	rules      []api.ForwardRule
	shouldFail bool
	delay      time.Duration
	callCount  int
}

// NewMockRuleStore creates a rule store holding rules
func NewMockRuleStore(rules ...api.ForwardRule) *MockRuleStore {
	return &MockRuleStore{rules: append([]api.ForwardRule(nil), rules...)}
}

// SetRules replaces the stored rules
func (s *MockRuleStore) SetRules(rules ...api.ForwardRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append([]api.ForwardRule(nil), rules...)
}

// SetFailure controls whether ListAllRules fails
func (s *MockRuleStore) SetFailure(shouldFail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shouldFail = shouldFail
}

// SetDelay makes every read block for d or until its context ends
func (s *MockRuleStore) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// GetCallCount returns how many times ListAllRules was called
func (s *MockRuleStore) GetCallCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callCount
}

// ListAllRules implements resolver.RuleLister
func (s *MockRuleStore) ListAllRules(ctx context.Context) ([]api.ForwardRule, error) {
	s.mu.Lock()
	s.callCount++
	delay, shouldFail := s.delay, s.shouldFail
	rules := append([]api.ForwardRule(nil), s.rules...)
	s.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, err
	}
	if shouldFail {
		return nil, fmt.Errorf("simulated ListAllRules failure")
	}
	return rules, nil
}

// MockRoster serves a fixed, mutable list of connected clients
type MockRoster struct {
	mu         sync.RWMutex
	clients    []api.RosterEntry
	shouldFail bool
	delay      time.Duration
	callCount  int
}

// NewMockRoster creates a roster listing clients
func NewMockRoster(clients ...api.RosterEntry) *MockRoster {
	return &MockRoster{clients: append([]api.RosterEntry(nil), clients...)}
}

// Connect builds roster entries from alternating user and address values
func Connect(pairs ...string) []api.RosterEntry {
	entries := make([]api.RosterEntry, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		entries = append(entries, api.RosterEntry{UserIdentity: pairs[i], NetworkAddress: pairs[i+1]})
	}
	return entries
}

// SetClients replaces the connected clients
func (r *MockRoster) SetClients(clients ...api.RosterEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = append([]api.RosterEntry(nil), clients...)
}

// SetFailure controls whether ListConnectedClients fails
func (r *MockRoster) SetFailure(shouldFail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shouldFail = shouldFail
}

// SetDelay makes every read block for d or until its context ends
func (r *MockRoster) SetDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = d
}

// GetCallCount returns how many times ListConnectedClients was called
func (r *MockRoster) GetCallCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.callCount
}

// ListConnectedClients implements resolver.ClientLister
func (r *MockRoster) ListConnectedClients(ctx context.Context) ([]api.RosterEntry, error) {
	r.mu.Lock()
	r.callCount++
	delay, shouldFail := r.delay, r.shouldFail
	clients := append([]api.RosterEntry(nil), r.clients...)
	r.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, err
	}
	if shouldFail {
		return nil, fmt.Errorf("simulated ListConnectedClients failure")
	}
	return clients, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
