package calc

import (
	"fmt"
	"sync"

	"github.com/linuxmatters/featuretrack/internal/feature"
	"github.com/linuxmatters/featuretrack/internal/logging"
)

// UpgradeFunc is called after a calculator is replaced by a newer version.
type UpgradeFunc func(id string, oldVersion, newVersion int)

// Registry holds calculators by id, in registration order.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	calcs    map[string]Calculator
	upgrades []UpgradeFunc
	logger   logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		calcs:  make(map[string]Calculator),
		logger: logging.OrNoOp(logger).WithFields(logging.Fields{"component": "registry"}),
	}
}

// NewDefaultRegistry creates a registry holding the built-in calculators.
func NewDefaultRegistry(logger logging.Logger) *Registry {
	r := NewRegistry(logger)
	for _, c := range Builtins() {
		// built-ins have distinct ids, so this cannot fail
		_ = r.Register(c)
	}
	return r
}

// OnUpgrade adds a listener for version upgrades.
func (r *Registry) OnUpgrade(fn UpgradeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upgrades = append(r.upgrades, fn)
}

// Register adds a calculator, or replaces one with the same id when the
// new version is higher. Re-registering an equal or lower version fails.
func (r *Registry) Register(c Calculator) error {
	if c == nil || c.ID() == "" {
		return fmt.Errorf("calculator must have an id")
	}
	if c.Version() <= 0 {
		return fmt.Errorf("calculator %s: version must be positive, got %d", c.ID(), c.Version())
	}
	if c.FeatureKey() == "" {
		return fmt.Errorf("calculator %s: feature key must not be empty", c.ID())
	}

	r.mu.Lock()
	old, exists := r.calcs[c.ID()]
	if exists && c.Version() <= old.Version() {
		r.mu.Unlock()
		return fmt.Errorf("calculator %s: version %d is not newer than registered version %d",
			c.ID(), c.Version(), old.Version())
	}
	if !exists {
		r.order = append(r.order, c.ID())
	}
	r.calcs[c.ID()] = c
	listeners := append([]UpgradeFunc(nil), r.upgrades...)
	r.mu.Unlock()

	if !exists {
		r.logger.Debug("calculator registered", logging.Fields{"calculator_id": c.ID(), "version": c.Version()})
		return nil
	}

	r.logger.Info("calculator upgraded", logging.Fields{
		"calculator_id": c.ID(),
		"old_version":   old.Version(),
		"new_version":   c.Version(),
	})
	for _, fn := range listeners {
		fn(c.ID(), old.Version(), c.Version())
	}
	return nil
}

// Get returns the calculator registered under id.
func (r *Registry) Get(id string) (Calculator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calcs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCalculator, id)
	}
	return c, nil
}

// List returns every calculator in registration order.
func (r *Registry) List() []Calculator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Calculator, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.calcs[id])
	}
	return out
}

// Resolve returns the named calculators in registration order, whatever
// order ids are given in. Empty ids selects every calculator.
func (r *Registry) Resolve(ids []string) ([]Calculator, error) {
	if len(ids) == 0 {
		return r.List(), nil
	}

	want := make(map[string]bool, len(ids))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range ids {
		if _, ok := r.calcs[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCalculator, id)
		}
		want[id] = true
	}

	out := make([]Calculator, 0, len(want))
	for _, id := range r.order {
		if want[id] {
			out = append(out, r.calcs[id])
		}
	}
	return out, nil
}

// Codec returns the calculator's own track codec, if it has one. It has
// the feature.CodecLookup signature.
func (r *Registry) Codec(id string) feature.TrackCodec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if codec, ok := r.calcs[id].(feature.TrackCodec); ok {
		return codec
	}
	return nil
}
