// Package policy implements the pluggable admission gate for the broker:
// named policies evaluated against each outbound envelope, collected into a
// manager that satisfies messaging.Validator.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mahilo/mahilo-go/contracts"
	"github.com/mahilo/mahilo-go/messaging"
)

// shortCircuitPriority is the priority at or above which a failing policy
// stops further evaluation.
const shortCircuitPriority = 100

// Rule evaluates an envelope against one policy. It returns whether the
// message passes and, when it does not, a human-readable reason.
type Rule func(ctx context.Context, env *contracts.Envelope, vctx messaging.ValidationContext) (bool, string)

// Policy is a single named admission check.
type Policy struct {
	// Name uniquely identifies the policy and appears in violations.
	Name string

	// Description is a human-readable summary of what the policy enforces.
	Description string

	// Rule is the check itself.
	Rule Rule

	// Priority orders evaluation (higher first). A failing policy with
	// priority >= 100 stops evaluation of the remaining policies.
	Priority int

	// Enabled controls whether the policy participates in evaluation.
	// Disabled policies always pass.
	Enabled bool
}

// Manager holds a set of policies and evaluates messages against all of
// them. It implements messaging.Validator.
type Manager struct {
	mu       sync.RWMutex
	policies []*Policy
	logger   *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used to report misbehaving policies.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates an empty policy manager.
func NewManager(options ...ManagerOption) *Manager {
	m := &Manager{logger: slog.Default()}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// AddPolicy registers a policy. Policies are kept sorted by descending
// priority.
func (m *Manager) AddPolicy(p *Policy) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("policy: name is required")
	}
	if p.Rule == nil {
		return fmt.Errorf("policy %q: rule is required", p.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies = append(m.policies, p)
	sort.SliceStable(m.policies, func(i, j int) bool {
		return m.policies[i].Priority > m.policies[j].Priority
	})
	return nil
}

// RemovePolicy unregisters a policy by name.
func (m *Manager) RemovePolicy(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.policies[:0]
	for _, p := range m.policies {
		if p.Name != name {
			kept = append(kept, p)
		}
	}
	m.policies = kept
}

// Policy returns the registered policy with the given name, nil if absent.
func (m *Manager) Policy(name string) *Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.policies {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// EnablePolicy enables a policy by name. Unknown names are a no-op.
func (m *Manager) EnablePolicy(name string) {
	m.setEnabled(name, true)
}

// DisablePolicy disables a policy by name. Unknown names are a no-op.
func (m *Manager) DisablePolicy(name string) {
	m.setEnabled(name, false)
}

func (m *Manager) setEnabled(name string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.policies {
		if p.Name == name {
			p.Enabled = enabled
		}
	}
}

// Validate implements messaging.Validator. Every enabled policy runs in
// priority order; violations accumulate, and a failing policy at or above
// the short-circuit priority stops further evaluation. A policy whose rule
// panics is logged and skipped rather than failing the message.
func (m *Manager) Validate(ctx context.Context, env *contracts.Envelope, vctx messaging.ValidationContext) (bool, []contracts.PolicyViolation, error) {
	m.mu.RLock()
	policies := make([]*Policy, len(m.policies))
	copy(policies, m.policies)
	m.mu.RUnlock()

	var violations []contracts.PolicyViolation
	for _, p := range policies {
		if !p.Enabled {
			continue
		}

		passed, reason := m.evaluate(ctx, p, env, vctx)
		if passed {
			continue
		}
		if reason == "" {
			reason = fmt.Sprintf("Violated policy: %s", p.Name)
		}
		violations = append(violations, contracts.NewPolicyViolation(p.Name, reason))

		if p.Priority >= shortCircuitPriority {
			break
		}
	}
	return len(violations) == 0, violations, nil
}

// evaluate runs one rule, converting a panic into a pass so that a broken
// policy cannot reject traffic on its own.
func (m *Manager) evaluate(ctx context.Context, p *Policy, env *contracts.Envelope, vctx messaging.ValidationContext) (passed bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("policy evaluation panicked",
				"policy", p.Name,
				"message_id", env.MessageID,
				"panic", r,
			)
			passed = true
			reason = ""
		}
	}()
	return p.Rule(ctx, env, vctx)
}
