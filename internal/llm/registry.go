package llm

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/internal/adapters/metrics"
	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/domain/models"
	"github.com/quarrylabs/quarry/internal/ports"
)

const (
	// DefaultRefreshInterval is how often provider catalogs are re-pulled.
	DefaultRefreshInterval = 60 * time.Second

	// failuresBeforeUnavailable is how many consecutive refresh failures a
	// provider gets before its models are advertised as unavailable.
	failuresBeforeUnavailable = 2

	listModelsTimeout = 10 * time.Second
)

type registryEntry struct {
	desc     *models.ModelDescriptor
	provider ports.Provider
}

// Registry is the process-wide model table. Refreshes build a fresh
// snapshot and swap it under the write lock; readers only take the
// read lock, so routing never blocks on a slow provider.
type Registry struct {
	providers []ports.Provider
	interval  time.Duration

	mu       sync.RWMutex
	entries  map[string]*registryEntry
	failures map[string]int
}

// NewRegistry orders providers by precedence (earlier ids win name
// collisions) and returns an empty registry. Call Refresh or Start to
// populate it.
func NewRegistry(providers []ports.Provider, precedence []string, interval time.Duration) *Registry {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	rank := make(map[string]int, len(precedence))
	for i, id := range precedence {
		rank[id] = i
	}
	ordered := make([]ports.Provider, len(providers))
	copy(ordered, providers)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, iKnown := rank[ordered[i].ID()]
		rj, jKnown := rank[ordered[j].ID()]
		switch {
		case iKnown && jKnown:
			return ri < rj
		case iKnown:
			return true
		default:
			return false
		}
	})

	return &Registry{
		providers: ordered,
		interval:  interval,
		entries:   make(map[string]*registryEntry),
		failures:  make(map[string]int),
	}
}

// Start refreshes once synchronously, then keeps the table fresh in the
// background until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	r.Refresh(ctx)
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Refresh(ctx)
			}
		}
	}()
}

// Refresh pulls every provider's catalog and swaps in a new snapshot.
// A provider that fails keeps its previous descriptors; after
// failuresBeforeUnavailable consecutive failures those descriptors are
// advertised as unavailable instead of silently stale.
func (r *Registry) Refresh(ctx context.Context) {
	r.mu.RLock()
	prev := r.entries
	failures := make(map[string]int, len(r.failures))
	for id, n := range r.failures {
		failures[id] = n
	}
	r.mu.RUnlock()

	next := make(map[string]*registryEntry)
	now := time.Now().UTC()

	for _, p := range r.providers {
		listCtx, cancel := context.WithTimeout(ctx, listModelsTimeout)
		descs, err := p.ListModels(listCtx)
		cancel()

		if err != nil {
			failures[p.ID()]++
			metrics.ModelRegistryRefreshTotal.WithLabelValues(p.ID(), "error").Inc()
			log.Printf("model registry: listing %s models failed (%d consecutive): %v",
				p.ID(), failures[p.ID()], err)
			carryForward(next, prev, p, failures[p.ID()] >= failuresBeforeUnavailable)
			continue
		}

		failures[p.ID()] = 0
		metrics.ModelRegistryRefreshTotal.WithLabelValues(p.ID(), "ok").Inc()
		for _, d := range descs {
			if _, taken := next[d.Name]; taken {
				continue
			}
			desc := *d
			desc.Provider = p.ID()
			desc.LastSeen = now
			if desc.Status == "" {
				desc.Status = models.ModelStatusAvailable
			}
			next[d.Name] = &registryEntry{desc: &desc, provider: p}
		}
	}

	r.mu.Lock()
	r.entries = next
	r.failures = failures
	r.mu.Unlock()
}

// carryForward copies a failing provider's previous descriptors into the
// snapshot being built, optionally downgrading them to unavailable.
func carryForward(next, prev map[string]*registryEntry, p ports.Provider, markUnavailable bool) {
	for name, entry := range prev {
		if entry.provider.ID() != p.ID() {
			continue
		}
		if _, taken := next[name]; taken {
			continue
		}
		desc := *entry.desc
		if markUnavailable {
			desc.Status = models.ModelStatusUnavailable
		}
		next[name] = &registryEntry{desc: &desc, provider: entry.provider}
	}
}

// Route resolves a canonical model name to its provider. Names match
// exactly; anything else is MODEL_NOT_FOUND with the closest available
// names as suggestions.
func (r *Registry) Route(model string) (ports.Provider, error) {
	r.mu.RLock()
	entry, ok := r.entries[model]
	var available []string
	if !ok {
		for name, e := range r.entries {
			if e.desc.IsAvailable() {
				available = append(available, name)
			}
		}
	}
	r.mu.RUnlock()

	if !ok {
		err := domain.NewModel(domain.CodeModelNotFound,
			fmt.Sprintf("model %q is not available", model))
		if suggestions := ClosestModels(model, available, maxModelSuggestions); len(suggestions) > 0 {
			err = err.WithSuggestions(suggestions...)
		}
		return nil, err
	}
	return entry.provider, nil
}

// ListModels returns the current descriptors sorted by name.
func (r *Registry) ListModels() []*models.ModelDescriptor {
	r.mu.RLock()
	out := make([]*models.ModelDescriptor, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.desc)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetModel returns the descriptor for an exact name.
func (r *Registry) GetModel(name string) (*models.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return entry.desc, true
}

// MarkExhausted records a capacity failure observed on a chat call. The
// descriptor is replaced, never mutated, so concurrent readers are safe.
func (r *Registry) MarkExhausted(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	if !ok {
		return
	}
	desc := *entry.desc
	desc.Status = models.ModelStatusResourceExhausted
	r.entries[name] = &registryEntry{desc: &desc, provider: entry.provider}
}
