// Package store keeps forwarding rules in a SQLite table keyed by local port.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/zmedgyes/charon-proxy/pkg/api"
)

const busyTimeoutMS = 5000

const schema = `CREATE TABLE IF NOT EXISTS forward_rules (
	local_port  INTEGER PRIMARY KEY,
	remote_user TEXT    NOT NULL,
	remote_port INTEGER NOT NULL
)`

var (
	// ErrPortInUse is returned by AddRule when another rule already owns the local port
	ErrPortInUse = errors.New("local port already has a forwarding rule")
	// ErrRuleNotFound is returned by RemoveRule when no rule matches user and port
	ErrRuleNotFound = errors.New("forwarding rule not found")
	// ErrInvalidRule is returned by AddRule for rules that fail validation
	ErrInvalidRule = errors.New("invalid forwarding rule")
)

// Store is the durable rule table
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the rule database at path and ensures the schema exists
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d", path, busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule database %s: %w", path, err)
	}
	// SQLite serialises writers anyway; one connection avoids SQLITE_BUSY between our own goroutines
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to rule database %s: %w", path, err)
	}

	s := &Store{db: db, path: path}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	ctrllog.FromContext(ctx).V(1).Info("Opened rule database", "path", path)
	return s, nil
}

// EnsureSchema creates the forward_rules table if it does not exist
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create forward_rules table: %w", err)
	}
	return nil
}

// ListAllRules returns every rule. Rows that fail validation are logged and skipped.
func (s *Store) ListAllRules(ctx context.Context) ([]api.ForwardRule, error) {
	return s.queryRules(ctx, `SELECT local_port, remote_user, remote_port FROM forward_rules ORDER BY local_port`)
}

// ListRulesForUser returns the rules owned by user
func (s *Store) ListRulesForUser(ctx context.Context, user string) ([]api.ForwardRule, error) {
	return s.queryRules(ctx,
		`SELECT local_port, remote_user, remote_port FROM forward_rules WHERE remote_user = ? ORDER BY local_port`,
		user)
}

// ListPortsInUse returns every local port that has a rule, regardless of owner
func (s *Store) ListPortsInUse(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT local_port FROM forward_rules ORDER BY local_port`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ports in use: %w", err)
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, fmt.Errorf("failed to scan local port: %w", err)
		}
		ports = append(ports, port)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ports in use: %w", err)
	}
	return ports, nil
}

// AddRule inserts a rule. The local port must not already be taken.
func (s *Store) AddRule(ctx context.Context, rule api.ForwardRule) error {
	if errs := rule.Validate(); len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRule, errs.ToAggregate().Error())
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO forward_rules (local_port, remote_user, remote_port) VALUES (?, ?, ?)`,
		rule.LocalPort, rule.OwningUser, rule.RemotePort)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %d", ErrPortInUse, rule.LocalPort)
		}
		return fmt.Errorf("failed to insert rule %s: %w", rule, err)
	}

	ctrllog.FromContext(ctx).Info("Added forwarding rule",
		"local_port", rule.LocalPort,
		"owning_user", rule.OwningUser,
		"remote_port", rule.RemotePort)
	return nil
}

// RemoveRule deletes the rule on localPort if it belongs to user
func (s *Store) RemoveRule(ctx context.Context, user string, localPort int) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM forward_rules WHERE local_port = ? AND remote_user = ?`,
		localPort, user)
	if err != nil {
		return fmt.Errorf("failed to delete rule on port %d: %w", localPort, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: port %d for user %s", ErrRuleNotFound, localPort, user)
	}

	ctrllog.FromContext(ctx).Info("Removed forwarding rule", "local_port", localPort, "owning_user", user)
	return nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close rule database %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]api.ForwardRule, error) {
	logger := ctrllog.FromContext(ctx).WithValues("component", "rule-store")

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query forward rules: %w", err)
	}
	defer rows.Close()

	var rules []api.ForwardRule
	for rows.Next() {
		var rule api.ForwardRule
		if err := rows.Scan(&rule.LocalPort, &rule.OwningUser, &rule.RemotePort); err != nil {
			return nil, fmt.Errorf("failed to scan forward rule: %w", err)
		}
		if errs := rule.Validate(); len(errs) > 0 {
			logger.Info("Skipping invalid forward rule", "rule", rule.String(), "errors", errs.ToAggregate().Error())
			continue
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read forward rules: %w", err)
	}
	return rules, nil
}
