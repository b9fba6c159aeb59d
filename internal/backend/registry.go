package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sheerbytes/chunkftp/pkg/protocol"
)

// Well-known backend ids.
const (
	IDRAM   uint8 = 0
	IDFAT   uint8 = 1
	IDFlash uint8 = 2
)

// Registry maps wire backend ids to backends. It is built once at start-up
// and handed to the server engine.
type Registry struct {
	mu       sync.RWMutex
	backends map[uint8]Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[uint8]Backend)}
}

// Register adds b under id. Ids cannot be reused.
func (r *Registry) Register(id uint8, b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[id]; ok {
		return fmt.Errorf("backend id %d: %w", id, protocol.ResultExists)
	}
	r.backends[id] = b
	return nil
}

// Lookup returns the backend registered under id.
func (r *Registry) Lookup(id uint8) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[id]
	if !ok {
		return nil, fmt.Errorf("backend id %d: %w", id, protocol.ResultNotFound)
	}
	return b, nil
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint8, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
