package provider

import (
	"sort"
	"sync"
)

// DefaultCredentialName is the name the legacy single-credential config
// maps onto, and the credential used when requests name none.
const DefaultCredentialName = "default"

// Registry maps credential names to provider clients. It is the only
// module-level mutable state in the sidecar: the reconciler writes it,
// request handlers take snapshot reads. The default pointer, when set,
// always refers to an entry that is also in the map.
type Registry struct {
	mu          sync.RWMutex
	clients     map[string]*Client
	defaultName string
}

// NewRegistry creates an empty client registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Resolve returns the client for name, or the default client when name is
// empty.
func (r *Registry) Resolve(name string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		if r.defaultName == "" {
			return nil, false
		}
		c, ok := r.clients[r.defaultName]
		return c, ok
	}
	c, ok := r.clients[name]
	return c, ok
}

// Get returns the client registered under exactly name.
func (r *Registry) Get(name string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// Set registers (or replaces) the client for name.
func (r *Registry) Set(name string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[name]; !exists {
		activeClients.Inc()
	}
	r.clients[name] = c
	if name == DefaultCredentialName {
		r.defaultName = DefaultCredentialName
	}
}

// Remove drops the client for name. A removed default clears the default
// pointer.
func (r *Registry) Remove(name string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[name]
	if !ok {
		return nil, false
	}
	delete(r.clients, name)
	activeClients.Dec()
	if r.defaultName == name {
		r.defaultName = ""
	}
	return c, true
}

// SetDefault points the default at an existing entry. Pointing at a
// missing entry is ignored.
func (r *Registry) SetDefault(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[name]; !ok {
		return false
	}
	r.defaultName = name
	return true
}

// DefaultName returns the current default credential name, or "".
func (r *Registry) DefaultName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// Names returns the registered credential names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
