// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package adapter hosts the per-modality translation plugins. Each adapter
// declares the model-id prefixes it serves; the registry resolves a model to
// its adapter once and caches the binding.
package adapter

import (
	"strings"
	"sync"

	"github.com/aws-samples/bedrock-access-gateway/internal/gwerrors"
)

// Adapter is the common part of every modality plugin.
type Adapter interface {
	// Name identifies the adapter in logs.
	Name() string
	// Matches reports whether the adapter serves modelID.
	Matches(modelID string) bool
}

// prefixMatcher implements Matches over a prefix list.
type prefixMatcher []string

func (p prefixMatcher) match(modelID string) bool {
	for _, prefix := range p {
		if strings.HasPrefix(modelID, prefix) {
			return true
		}
	}
	return false
}

// Registry resolves model ids to adapters.
type Registry struct {
	adapters []Adapter

	mu    sync.RWMutex
	bound map[string]Adapter
}

// NewRegistry builds a registry over the given adapters, consulted in order.
func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters, bound: map[string]Adapter{}}
}

// Resolve returns the adapter bound to modelID, caching the lookup.
func (r *Registry) Resolve(modelID string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.bound[modelID]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}
	for _, a := range r.adapters {
		if a.Matches(modelID) {
			r.mu.Lock()
			r.bound[modelID] = a
			r.mu.Unlock()
			return a, nil
		}
	}
	return nil, gwerrors.ModelNotFound(modelID)
}
