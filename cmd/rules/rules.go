// Package rules implements the administrative commands that edit the
// forward_rules table.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"go.uber.org/multierr"
	"sigs.k8s.io/yaml"

	"github.com/zmedgyes/charon-proxy/pkg/api"
	"github.com/zmedgyes/charon-proxy/pkg/store"
)

// RuleStore is the subset of the store the commands need
type RuleStore interface {
	ListAllRules(ctx context.Context) ([]api.ForwardRule, error)
	ListRulesForUser(ctx context.Context, user string) ([]api.ForwardRule, error)
	ListPortsInUse(ctx context.Context) ([]int, error)
	AddRule(ctx context.Context, rule api.ForwardRule) error
	RemoveRule(ctx context.Context, user string, localPort int) error
}

// Output formats
const (
	OutputText = "text"
	OutputJSON = "json"
)

// List writes the rules, optionally only those of user, to out
func List(ctx context.Context, s RuleStore, user, format string, out io.Writer) error {
	var (
		rules []api.ForwardRule
		err   error
	)
	if user != "" {
		rules, err = s.ListRulesForUser(ctx, user)
	} else {
		rules, err = s.ListAllRules(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}

	if format == OutputJSON {
		if rules == nil {
			rules = []api.ForwardRule{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rules)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOCAL PORT\tUSER\tREMOTE PORT")
	for _, r := range rules {
		fmt.Fprintf(w, "%d\t%s\t%d\n", r.LocalPort, r.OwningUser, r.RemotePort)
	}
	return w.Flush()
}

// Ports writes every local port that already has a rule, one per line
func Ports(ctx context.Context, s RuleStore, out io.Writer) error {
	ports, err := s.ListPortsInUse(ctx)
	if err != nil {
		return fmt.Errorf("failed to list ports: %w", err)
	}
	for _, p := range ports {
		fmt.Fprintln(out, p)
	}
	return nil
}

// Add inserts every rule, continuing past failures. Ports that are already
// taken are reported by the returned error.
func Add(ctx context.Context, s RuleStore, rules []api.ForwardRule, out io.Writer) error {
	if len(rules) == 0 {
		return fmt.Errorf("no rules to add")
	}

	var errs error
	for _, r := range rules {
		if err := s.AddRule(ctx, r); err != nil {
			if errors.Is(err, store.ErrPortInUse) {
				err = fmt.Errorf("local port %d is already in use", r.LocalPort)
			}
			errs = multierr.Append(errs, fmt.Errorf("rule %s: %w", r, err))
			continue
		}
		fmt.Fprintf(out, "added rule %s\n", r)
	}
	return errs
}

// Remove deletes user's rule on localPort
func Remove(ctx context.Context, s RuleStore, user string, localPort int, out io.Writer) error {
	if err := s.RemoveRule(ctx, user, localPort); err != nil {
		if errors.Is(err, store.ErrRuleNotFound) {
			return fmt.Errorf("no rule for user %s on local port %d", user, localPort)
		}
		return fmt.Errorf("failed to remove rule: %w", err)
	}
	fmt.Fprintf(out, "removed rule on local port %d for %s\n", localPort, user)
	return nil
}

// ParseRulesString parses the CLI form "8001:alice:80,8002:bob:22"
func ParseRulesString(rulesStr string) ([]api.ForwardRule, error) {
	if strings.TrimSpace(rulesStr) == "" {
		return nil, fmt.Errorf("rules cannot be empty")
	}

	var rules []api.ForwardRule
	for _, item := range strings.Split(rulesStr, ",") {
		parts := strings.Split(strings.TrimSpace(item), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid rule format: %s (expected format: 'local-port:user:remote-port')", item)
		}

		localPort, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid local port: %s", parts[0])
		}
		remotePort, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("invalid remote port: %s", parts[2])
		}

		rule := api.ForwardRule{
			LocalPort:  localPort,
			OwningUser: strings.TrimSpace(parts[1]),
			RemotePort: remotePort,
		}
		if errs := rule.Validate(); len(errs) > 0 {
			return nil, fmt.Errorf("invalid rule %s: %w", item, errs.ToAggregate())
		}
		rules = append(rules, rule)
	}

	return rules, nil
}

// LoadRulesFromFile reads rules from a YAML or JSON file of the form
//
//	rules:
//	  - localPort: 8001
//	    owningUser: alice
//	    remotePort: 80
func LoadRulesFromFile(filename string) ([]api.ForwardRule, error) {
	if filename == "" {
		return nil, fmt.Errorf("filename cannot be empty")
	}

	cleanPath := filepath.Clean(filename)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("file not accessible: %w", err)
	}
	if !fileInfo.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", filename)
	}

	data, err := os.ReadFile(cleanPath) // #nosec G304 - path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var file struct {
		Rules []api.ForwardRule `json:"rules"`
	}
	// sigs.k8s.io/yaml accepts JSON as well
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse file: %w", err)
	}

	for _, r := range file.Rules {
		if errs := r.Validate(); len(errs) > 0 {
			return nil, fmt.Errorf("invalid rule %s: %w", r, errs.ToAggregate())
		}
	}
	return file.Rules, nil
}
