// Package registry tracks the anonymous services the throttler registers for
// its live groups. The recorded identities are the hook for apportioning
// global quota across a fleet of crawler nodes; the local implementation
// keeps the bookkeeping on this node only.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ServiceStatus tracks a registered service's lifecycle.
type ServiceStatus string

const (
	ServiceActive ServiceStatus = "active"
	ServiceEnded  ServiceStatus = "ended"
)

// Service represents one registered service activity.
type Service struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Status     ServiceStatus `json:"status"`
	Registered time.Time     `json:"registered"`
	Ended      time.Time     `json:"ended,omitempty"`
}

// Registry is the service registration contract the throttler depends on.
type Registry interface {
	RegisterService(name string) (string, error)
	EndService(id string) error
}

// LocalRegistry is a node-local Registry. It records service identities and
// lifecycles but performs no cross-node coordination.
type LocalRegistry struct {
	mu       sync.RWMutex
	services map[string]*Service
	seq      atomic.Int64
	logger   *slog.Logger
}

// NewLocalRegistry creates an empty local registry.
func NewLocalRegistry(logger *slog.Logger) *LocalRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalRegistry{
		services: make(map[string]*Service),
		logger:   logger.With("component", "registry"),
	}
}

// RegisterService records a new anonymous service activity under the given
// name and returns its identity.
func (r *LocalRegistry) RegisterService(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("service name must not be empty")
	}
	id := fmt.Sprintf("%s#%d", name, r.seq.Add(1))

	r.mu.Lock()
	r.services[id] = &Service{
		ID:         id,
		Name:       name,
		Status:     ServiceActive,
		Registered: time.Now(),
	}
	r.mu.Unlock()

	r.logger.Debug("service registered", "id", id, "name", name)
	return id, nil
}

// EndService ends a service activity previously registered.
func (r *LocalRegistry) EndService(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.services[id]
	if !ok {
		return fmt.Errorf("unknown service %q", id)
	}
	if svc.Status == ServiceEnded {
		return fmt.Errorf("service %q already ended", id)
	}
	svc.Status = ServiceEnded
	svc.Ended = time.Now()

	r.logger.Debug("service ended", "id", id, "name", svc.Name)
	return nil
}

// Active returns a snapshot of all active services.
func (r *LocalRegistry) Active() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Service, 0, len(r.services))
	for _, svc := range r.services {
		if svc.Status == ServiceActive {
			out = append(out, svc)
		}
	}
	return out
}

// ActiveCount returns the number of active services sharing a name. A
// fleet-aware registry would use this to split a global quota among peers;
// the local registry counts only the registrations made through it, and
// every active registration under the name counts once.
func (r *LocalRegistry) ActiveCount(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, svc := range r.services {
		if svc.Status == ServiceActive && svc.Name == name {
			count++
		}
	}
	return count
}

// Prune drops ended services from the registry and returns how many were
// removed.
func (r *LocalRegistry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, svc := range r.services {
		if svc.Status == ServiceEnded {
			delete(r.services, id)
			removed++
		}
	}
	return removed
}
