package p2pnet

import (
	"sync"
)

// Service describes a capability this node offers to peers, announced
// periodically on the announce topic.
type Service struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// PriceSats is the per-call price in satoshis. Zero means free.
	PriceSats int64 `json:"priceSats"`
}

// ServiceRegistry holds the services the local node announces.
type ServiceRegistry struct {
	mtx      sync.RWMutex
	services map[string]Service
}

// NewServiceRegistry returns an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[string]Service)}
}

// Register adds or replaces a service by name.
func (r *ServiceRegistry) Register(svc Service) {
	r.mtx.Lock()
	r.services[svc.Name] = svc
	r.mtx.Unlock()
}

// Unregister removes a service by name.
func (r *ServiceRegistry) Unregister(name string) {
	r.mtx.Lock()
	delete(r.services, name)
	r.mtx.Unlock()
}

// Lookup returns the service with the given name.
func (r *ServiceRegistry) Lookup(name string) (Service, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// List returns all registered services.
func (r *ServiceRegistry) List() []Service {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	return out
}
