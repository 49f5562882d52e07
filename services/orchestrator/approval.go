package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ApprovalDecision is the outcome of validating an approval token against a
// gate. When Allowed is false, Reason explains the denial.
type ApprovalDecision struct {
	Allowed bool
	Reason  string
}

// ValidateApprovalToken checks a run's approval token against the gate that
// protects its target service. gate may be nil, which means no gate is
// configured and the transition is allowed.
func ValidateApprovalToken(gate *ApprovalGate, token *string, issuedAt time.Time, explicitExpiry *time.Time, now time.Time) ApprovalDecision {
	if gate == nil || gate.Requirement == ApprovalRequirementNone {
		return ApprovalDecision{Allowed: true}
	}
	if token == nil || *token == "" {
		return ApprovalDecision{Reason: fmt.Sprintf("gate %q requires %s approval and no token is present", gate.ServiceName, gate.Requirement)}
	}
	expiry := issuedAt.Add(time.Duration(gate.ValidForMinutes) * time.Minute)
	if explicitExpiry != nil {
		expiry = *explicitExpiry
	}
	if !now.Before(expiry) {
		return ApprovalDecision{Reason: fmt.Sprintf("approval token expired at %s", expiry.UTC().Format(time.RFC3339))}
	}
	return ApprovalDecision{Allowed: true}
}

// gateLister is the slice of Store the cache needs.
type gateLister interface {
	ListApprovalGates(ctx context.Context) ([]ApprovalGate, error)
}

// GateCache keeps an in-memory snapshot of approval gates, refreshed in the
// background so the hot path never queries the database.
type GateCache struct {
	store    gateLister
	interval time.Duration
	logger   *log.Logger

	mu    sync.RWMutex
	gates map[string]ApprovalGate
}

// NewGateCache builds a cache over the store. interval controls the
// background refresh period.
func NewGateCache(store gateLister, interval time.Duration, logger *log.Logger) (*GateCache, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if interval <= 0 {
		return nil, errors.New("refresh interval must be positive")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &GateCache{
		store:    store,
		interval: interval,
		logger:   logger,
		gates:    map[string]ApprovalGate{},
	}, nil
}

// Start performs an initial load and then refreshes on a ticker until the
// context is cancelled. Refresh failures after the initial load keep the
// previous snapshot.
func (c *GateCache) Start(ctx context.Context) error {
	if err := c.RefreshNow(ctx); err != nil {
		return fmt.Errorf("initial gate load: %w", err)
	}
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.RefreshNow(ctx); err != nil {
					c.logger.Printf("level=warn msg=\"approval gate refresh failed\" error=%q", err)
				}
			}
		}
	}()
	return nil
}

// RefreshNow reloads the snapshot from the store immediately.
func (c *GateCache) RefreshNow(ctx context.Context) error {
	gates, err := c.store.ListApprovalGates(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]ApprovalGate, len(gates))
	for _, g := range gates {
		next[g.ServiceName] = g
	}
	c.mu.Lock()
	c.gates = next
	c.mu.Unlock()
	return nil
}

// Lookup returns the gate for a service name, or nil when none is configured.
func (c *GateCache) Lookup(serviceName string) *ApprovalGate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if g, ok := c.gates[serviceName]; ok {
		out := g
		return &out
	}
	return nil
}

// Len reports the number of cached gates.
func (c *GateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.gates)
}
