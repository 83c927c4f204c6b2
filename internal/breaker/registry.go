package breaker

import "sync"

// Registry maps endpoint keys (scheme+host) to their breakers, created
// lazily. Construct one per process and pass it down; tests use isolated
// instances.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// ForEndpoint returns the breaker for key, creating it with cfg on first
// use. Config applies only at creation; an existing breaker is returned
// as-is. The registry lock covers only the lookup/insert; breakers do
// their own synchronization, so Execute never holds the registry lock.
func (r *Registry) ForEndpoint(key string, cfg Config) (*Breaker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if br, ok := r.breakers[key]; ok {
		return br, nil
	}
	br, err := New(key, cfg)
	if err != nil {
		return nil, err
	}
	r.breakers[key] = br
	return br, nil
}

// Snapshot returns stats for every breaker in the registry, keyed by
// endpoint.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make(map[string]Stats, len(r.breakers))
	for key, br := range r.breakers {
		stats[key] = br.Snapshot()
	}
	return stats
}
