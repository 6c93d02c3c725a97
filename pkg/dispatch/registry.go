package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/graphd/pkg/guard"
	"github.com/fyrsmithlabs/graphd/pkg/state"
)

var (
	// ErrUnknownWorker is returned for an id that is not registered.
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrInvalidPlan is returned when a plan is empty or names an unknown
	// worker.
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrSealed is returned by Register after Seal.
	ErrSealed = errors.New("registry is sealed")
)

// Kind distinguishes domain workers from specialists.
type Kind string

const (
	// KindDomain workers may dispatch their declared children.
	KindDomain Kind = "domain"

	// KindSpecialist workers may dispatch nothing.
	KindSpecialist Kind = "specialist"
)

// Registration describes one worker.
type Registration struct {
	ID     string
	Domain string
	Kind   Kind

	// Children are the worker ids a domain worker may dispatch.
	Children []string

	Worker Worker
}

// Registry maps worker ids to registrations.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Registration
	sealed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Registration)}
}

// Register adds a worker. Domain defaults to ID and Kind to KindDomain.
func (r *Registry) Register(reg Registration) error {
	if reg.ID == "" {
		return errors.New("worker id is required")
	}
	if reg.Worker == nil {
		return fmt.Errorf("worker %s has no implementation", reg.ID)
	}
	if reg.Domain == "" {
		reg.Domain = reg.ID
	}
	switch reg.Kind {
	case "":
		reg.Kind = KindDomain
	case KindDomain:
	case KindSpecialist:
		if len(reg.Children) > 0 {
			return fmt.Errorf("specialist %s cannot declare children", reg.ID)
		}
	default:
		return fmt.Errorf("worker %s has unknown kind %q", reg.ID, reg.Kind)
	}
	reg.Children = append([]string(nil), reg.Children...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("%w: cannot register %s", ErrSealed, reg.ID)
	}
	if _, exists := r.workers[reg.ID]; exists {
		return fmt.Errorf("worker %s already registered", reg.ID)
	}
	r.workers[reg.ID] = reg
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(reg Registration) {
	if err := r.Register(reg); err != nil {
		panic(err)
	}
}

// Seal blocks further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Lookup returns the registration for id.
func (r *Registry) Lookup(id string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.workers[id]
	return reg, ok
}

// IDs returns the registered worker ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidatePlan checks plan shape: non-empty and every worker registered.
// Plan quality is not judged.
func (r *Registry) ValidatePlan(plan []state.PlanStep) error {
	if len(plan) == 0 {
		return fmt.Errorf("%w: plan is empty", ErrInvalidPlan)
	}
	for i, step := range plan {
		if _, ok := r.Lookup(step.WorkerID); !ok {
			return fmt.Errorf("%w: step %d: %w %q", ErrInvalidPlan, i, ErrUnknownWorker, step.WorkerID)
		}
	}
	return nil
}

// Matrix derives the guard matrix from the registrations. The coordinator
// role may enter any domain, a domain worker its own domain and those of
// its children, and a specialist nothing.
func (r *Registry) Matrix(coordinatorRole string) guard.Matrix {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := guard.Matrix{coordinatorRole: {guard.Wildcard}}
	for id, reg := range r.workers {
		if reg.Kind == KindSpecialist {
			m[id] = []string{}
			continue
		}
		domains := []string{reg.Domain}
		for _, child := range reg.Children {
			if c, ok := r.workers[child]; ok {
				domains = append(domains, c.Domain)
			} else {
				domains = append(domains, child)
			}
		}
		m[id] = domains
	}
	return m.Clone()
}
