// Package intent tracks which features consumers currently need.
//
// The bus never triggers analysis. It only answers which descriptors are
// required for a source and which of those are missing from its cache.
package intent

import (
	"errors"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/linuxmatters/featuretrack/internal/feature"
	"github.com/linuxmatters/featuretrack/internal/logging"
)

// Intent is one consumer's active subscription for one source.
type Intent struct {
	ConsumerID  string
	SourceID    string
	Descriptors []feature.Descriptor
}

// ChangeFunc is called after the required set of a source changes.
type ChangeFunc func(sourceID string)

type published struct {
	hash uint64
	keys []string
}

// requirement is one deduplicated descriptor and the consumers asking for it.
type requirement struct {
	desc      feature.Descriptor
	consumers map[string]struct{}
}

// Bus deduplicates consumer requests.
type Bus struct {
	mu sync.RWMutex

	// consumer -> source -> last publication
	intents map[string]map[string]*published
	// source -> descriptor key -> requirement
	required map[string]map[string]*requirement

	listeners []ChangeFunc
	logger    logging.Logger
}

// NewBus creates an empty bus.
func NewBus(logger logging.Logger) *Bus {
	return &Bus{
		intents:  make(map[string]map[string]*published),
		required: make(map[string]map[string]*requirement),
		logger:   logging.OrNoOp(logger).WithFields(logging.Fields{"component": "intent"}),
	}
}

// OnChange registers a listener for changes to a source's required set.
func (b *Bus) OnChange(fn ChangeFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Publish replaces the consumer's descriptors for sourceID. Republishing
// the same content is a no-op and reports false. Publishing no
// descriptors withdraws the consumer from the source.
func (b *Bus) Publish(consumerID, sourceID string, descriptors []feature.Descriptor) (bool, error) {
	if consumerID == "" || sourceID == "" {
		return false, errors.New("consumer and source ids must not be empty")
	}
	for _, d := range descriptors {
		if d.FeatureKey == "" {
			return false, errors.New("descriptor feature key must not be empty")
		}
	}

	keys, byKey := dedupe(descriptors)
	hash := contentHash(sourceID, keys)

	b.mu.Lock()
	prev := b.intents[consumerID][sourceID]
	if prev != nil && prev.hash == hash {
		b.mu.Unlock()
		return false, nil
	}

	if prev != nil {
		b.withdrawLocked(consumerID, sourceID, prev)
	}
	if len(keys) > 0 {
		if b.intents[consumerID] == nil {
			b.intents[consumerID] = make(map[string]*published)
		}
		b.intents[consumerID][sourceID] = &published{hash: hash, keys: keys}

		reqs := b.required[sourceID]
		if reqs == nil {
			reqs = make(map[string]*requirement)
			b.required[sourceID] = reqs
		}
		for _, k := range keys {
			r := reqs[k]
			if r == nil {
				r = &requirement{desc: byKey[k], consumers: make(map[string]struct{})}
				reqs[k] = r
			}
			r.consumers[consumerID] = struct{}{}
		}
	} else if prev == nil {
		b.mu.Unlock()
		return false, nil
	}
	listeners := b.listeners
	b.mu.Unlock()

	b.logger.Debug("intent published", logging.Fields{"consumer_id": consumerID, "source_id": sourceID, "descriptors": len(keys)})
	for _, fn := range listeners {
		fn(sourceID)
	}
	return true, nil
}

// Unpublish removes every intent of the consumer. Cached data is left
// alone even when no consumer needs it any more.
func (b *Bus) Unpublish(consumerID string) bool {
	b.mu.Lock()
	sources := b.intents[consumerID]
	if len(sources) == 0 {
		b.mu.Unlock()
		return false
	}
	changed := make([]string, 0, len(sources))
	for sourceID, p := range sources {
		b.withdrawLocked(consumerID, sourceID, p)
		changed = append(changed, sourceID)
	}
	delete(b.intents, consumerID)
	listeners := b.listeners
	b.mu.Unlock()

	sort.Strings(changed)
	b.logger.Debug("intent withdrawn", logging.Fields{"consumer_id": consumerID, "sources": len(changed)})
	for _, sourceID := range changed {
		for _, fn := range listeners {
			fn(sourceID)
		}
	}
	return true
}

func (b *Bus) withdrawLocked(consumerID, sourceID string, p *published) {
	reqs := b.required[sourceID]
	for _, k := range p.keys {
		r := reqs[k]
		if r == nil {
			continue
		}
		delete(r.consumers, consumerID)
		if len(r.consumers) == 0 {
			delete(reqs, k)
		}
	}
	if len(reqs) == 0 {
		delete(b.required, sourceID)
	}
	if m := b.intents[consumerID]; m != nil {
		delete(m, sourceID)
		if len(m) == 0 {
			delete(b.intents, consumerID)
		}
	}
}

// Required returns the deduplicated descriptors needed for sourceID,
// sorted by key.
func (b *Bus) Required(sourceID string) []feature.Descriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	reqs := b.required[sourceID]
	keys := make([]string, 0, len(reqs))
	for k := range reqs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]feature.Descriptor, len(keys))
	for i, k := range keys {
		out[i] = reqs[k].desc
	}
	return out
}

// Consumers returns the consumers subscribed to sourceID, sorted.
func (b *Bus) Consumers(sourceID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, r := range b.required[sourceID] {
		for c := range r.consumers {
			seen[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Sources returns every source with at least one requirement, sorted.
func (b *Bus) Sources() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.required))
	for id := range b.required {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Intents returns the consumer's current subscriptions, sorted by source.
func (b *Bus) Intents(consumerID string) []Intent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Intent
	for sourceID, p := range b.intents[consumerID] {
		in := Intent{ConsumerID: consumerID, SourceID: sourceID}
		for _, k := range p.keys {
			in.Descriptors = append(in.Descriptors, b.required[sourceID][k].desc)
		}
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Missing returns the required descriptors whose feature is absent from c
// or was produced by a different calculator than requested. A nil cache
// misses everything.
func (b *Bus) Missing(sourceID string, c *feature.Cache) []feature.Descriptor {
	var out []feature.Descriptor
	for _, d := range b.Required(sourceID) {
		t, ok := c.Track(d.FeatureKey)
		if !ok || (d.CalculatorID != "" && d.CalculatorID != t.CalculatorID) {
			out = append(out, d)
		}
	}
	return out
}

// dedupe drops repeated descriptors and returns the sorted keys.
func dedupe(ds []feature.Descriptor) ([]string, map[string]feature.Descriptor) {
	byKey := make(map[string]feature.Descriptor, len(ds))
	for _, d := range ds {
		k := d.Key()
		if _, ok := byKey[k]; !ok {
			byKey[k] = d
		}
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, byKey
}

func contentHash(sourceID string, keys []string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(sourceID)
	for _, k := range keys {
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(k)
	}
	return h.Sum64()
}
