package orchestrate

import (
	"fmt"
	"os"
	"sync"

	"github.com/storypress/storypress/internal/store"
)

// Registry tracks orders with an active generation run and caches
// their reference images. It is the idempotency guard against two
// concurrent runs of the same order.
type Registry struct {
	mu        sync.Mutex
	active    map[string]bool
	refImages map[string][]byte
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active:    make(map[string]bool),
		refImages: make(map[string][]byte),
	}
}

// TryAcquire marks an order as running. Returns false if a run is
// already active for it.
func (r *Registry) TryAcquire(orderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[orderID] {
		return false
	}
	r.active[orderID] = true
	return true
}

// Release marks an order's run as finished.
func (r *Registry) Release(orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, orderID)
}

// Active reports whether an order has a running generation.
func (r *Registry) Active(orderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[orderID]
}

// ReferenceImage loads and caches an order's character reference
// image. Every page request sends it, so one read serves the run.
func (r *Registry) ReferenceImage(order *store.Order) ([]byte, error) {
	r.mu.Lock()
	if img, ok := r.refImages[order.ID]; ok {
		r.mu.Unlock()
		return img, nil
	}
	r.mu.Unlock()

	data, err := os.ReadFile(order.ReferencePath)
	if err != nil {
		return nil, fmt.Errorf("order %s: reference image: %w", order.ID, err)
	}

	r.mu.Lock()
	r.refImages[order.ID] = data
	r.mu.Unlock()
	return data, nil
}

// Forget drops an order's cached reference image.
func (r *Registry) Forget(orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.refImages, orderID)
}
