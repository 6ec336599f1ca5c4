package mdns

import (
	"slices"
	"strings"
	"sync"
)

// Lifecycle state of a registered service.
type State int

const (
	// Checking that the name is unique on the network.
	StateProbing State = iota

	// The name is claimed and the records are being announced.
	StateAnnounced

	// Announcements are done, queries are being answered.
	StateActive

	// Goodbye records are being sent, after which the service is removed.
	StateGoodbye
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateAnnounced:
		return "announced"
	case StateActive:
		return "active"
	case StateGoodbye:
		return "goodbye"
	default:
		return "unknown"
	}
}

// A Registration is a snapshot of a locally registered service.
type Registration struct {
	Service *Service
	State   State

	reg *registration
}

type registration struct {
	svc   *Service // Owned by the registry, replaced on rename
	state State

	// Signals from the receive loop to the responder, buffered by one
	conflict chan struct{} // Another host claims the name
	lost     chan struct{} // A simultaneous probe won the tiebreak

	// Stops the responder goroutine of this service
	cancel func()
	done   chan struct{}
}

// The registry is the table of locally registered services and their lifecycle states. All
// protocol behavior lives in the responder.
type registry struct {
	mu      sync.RWMutex
	entries []*registration
}

func (r *registry) add(svc *Service) (*registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := svc.key()
	for _, e := range r.entries {
		if e.state != StateGoodbye && e.svc.key() == key {
			return nil, &DuplicateError{Name: instanceName(svc.Name, svc.Type)}
		}
	}
	reg := &registration{
		svc:      svc,
		state:    StateProbing,
		conflict: make(chan struct{}, 1),
		lost:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	r.entries = append(r.entries, reg)
	registeredGauge.Inc()
	return reg, nil
}

// Returns false if the registration was already removed.
func (r *registry) remove(reg *registration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	r.entries = slices.DeleteFunc(r.entries, func(e *registration) bool { return e == reg })
	if len(r.entries) < n {
		registeredGauge.Dec()
		return true
	}
	return false
}

func (r *registry) list() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := make([]Registration, 0, len(r.entries))
	for _, e := range r.entries {
		svc := *e.svc
		regs = append(regs, Registration{Service: &svc, State: e.state, reg: e})
	}
	return regs
}

// Returns the registrations in one of the given states.
func (r *registry) inState(states ...State) []Registration {
	return slices.DeleteFunc(r.list(), func(reg Registration) bool {
		return !slices.Contains(states, reg.State)
	})
}

func (r *registry) contains(reg *registration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.entries, reg)
}

func (r *registry) service(reg *registration) *Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc := *reg.svc
	return &svc
}

func (r *registry) state(reg *registration) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return reg.state
}

func (r *registry) setState(reg *registration, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg.state = state
}

func (r *registry) rename(reg *registration, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc := *reg.svc
	svc.Name = name
	reg.svc = &svc
}

// Returns true if another registration has claimed the instance name (any state but probing).
func (r *registry) nameTaken(svc *Service, except *registration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name := strings.ToLower(instanceName(svc.Name, svc.Type))
	for _, e := range r.entries {
		if e == except || e.state == StateProbing || e.state == StateGoodbye {
			continue
		}
		if strings.ToLower(instanceName(e.svc.Name, e.svc.Type)) == name {
			return true
		}
	}
	return false
}

// Returns true if any other live registration has the same service type.
func (r *registry) typeShared(ty *Type, except *registration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e != except && e.state != StateGoodbye && e.svc.Type.Equal(ty) {
			return true
		}
	}
	return false
}

// Non-blocking signal on a buffered channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Drains a pending signal.
func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
