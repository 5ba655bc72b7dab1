// Package registry manages all named resources: filesystem locations,
// their backend dialers, and spaces. It provides thread-safe registration
// and lookup, and it owns the active-job reference counts that make
// locations immutable while operations are running against them.
//
// Example usage:
//
//	reg := registry.New()
//	reg.AddLocation(loc, dialer)
//	reg.AddSpace(space)
//
//	loc, _ := reg.GetLocation("loc-1")
//	dialer, _ := reg.DialerFor("loc-1")
package registry

import (
	"fmt"
	"sync"

	"github.com/patchpanel/remotefs/pkg/backend"
)

// Registry is the authoritative map of locations and spaces.
type Registry struct {
	mu        sync.RWMutex
	locations map[string]*Location
	dialers   map[string]backend.Dialer
	spaces    map[string]*Space
	activeOps map[string]int // locationID -> in-flight job count
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		locations: make(map[string]*Location),
		dialers:   make(map[string]backend.Dialer),
		spaces:    make(map[string]*Space),
		activeOps: make(map[string]int),
	}
}

// AddLocation registers a location together with the dialer built from its
// credentials. Returns an error if the id is already taken or the record
// is malformed.
func (r *Registry) AddLocation(loc *Location, dialer backend.Dialer) error {
	if loc == nil {
		return fmt.Errorf("cannot register nil location")
	}
	if loc.ID == "" {
		return fmt.Errorf("cannot register location with empty id")
	}
	if !loc.BackendType.Valid() {
		return fmt.Errorf("location %q has unknown backend type %q", loc.ID, loc.BackendType)
	}
	if dialer == nil {
		return fmt.Errorf("cannot register location %q with nil dialer", loc.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.locations[loc.ID]; exists {
		return fmt.Errorf("location %q already registered", loc.ID)
	}

	r.locations[loc.ID] = loc
	r.dialers[loc.ID] = dialer
	return nil
}

// RemoveLocation deletes a location. It fails while any job holds an
// active reference, and it never touches spaces: their items simply start
// dangling, which ResolveSpace reports.
func (r *Registry) RemoveLocation(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.locations[id]; !exists {
		return fmt.Errorf("location %q not found", id)
	}
	if n := r.activeOps[id]; n > 0 {
		return fmt.Errorf("location %q has %d active job(s)", id, n)
	}

	delete(r.locations, id)
	delete(r.dialers, id)
	delete(r.activeOps, id)
	return nil
}

// GetLocation retrieves a location by id.
func (r *Registry) GetLocation(id string) (*Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	loc, exists := r.locations[id]
	if !exists {
		return nil, fmt.Errorf("location %q not found", id)
	}
	return loc, nil
}

// DialerFor retrieves the backend dialer for a location.
func (r *Registry) DialerFor(id string) (backend.Dialer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dialer, exists := r.dialers[id]
	if !exists {
		return nil, fmt.Errorf("location %q not found", id)
	}
	return dialer, nil
}

// ListLocations returns all registered locations. The slice is a copy and
// safe to modify.
func (r *Registry) ListLocations() []*Location {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Location, 0, len(r.locations))
	for _, loc := range r.locations {
		out = append(out, loc)
	}
	return out
}

// LocationExists checks whether a location id is registered.
func (r *Registry) LocationExists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.locations[id]
	return exists
}

// ============================================================================
// Active-job reference counting
// ============================================================================

// AcquireRef records that a job started against the location. Fails if the
// location does not exist, so jobs can never start against a record that
// is concurrently being deleted.
func (r *Registry) AcquireRef(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.locations[id]; !exists {
		return fmt.Errorf("location %q not found", id)
	}
	r.activeOps[id]++
	return nil
}

// ReleaseRef records that a job against the location reached a terminal
// state. Releasing below zero is a programming error and panics.
func (r *Registry) ReleaseRef(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.activeOps[id]
	if n <= 0 {
		panic(fmt.Sprintf("registry: ReleaseRef(%q) without matching AcquireRef", id))
	}
	r.activeOps[id] = n - 1
}

// ActiveRefs reports the number of in-flight jobs for a location.
func (r *Registry) ActiveRefs(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeOps[id]
}

// ============================================================================
// Spaces
// ============================================================================

// AddSpace registers a space. Item location ids are validated to exist at
// registration time; they may start dangling later if locations are
// removed.
func (r *Registry) AddSpace(space *Space) error {
	if space == nil {
		return fmt.Errorf("cannot register nil space")
	}
	if space.ID == "" {
		return fmt.Errorf("cannot register space with empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.spaces[space.ID]; exists {
		return fmt.Errorf("space %q already exists", space.ID)
	}
	for i, item := range space.Items {
		if _, ok := r.locations[item.LocationID]; !ok {
			return fmt.Errorf("space item[%d] references unknown location %q", i, item.LocationID)
		}
	}

	r.spaces[space.ID] = space
	return nil
}

// RemoveSpace deletes a space record. Locations are untouched.
func (r *Registry) RemoveSpace(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.spaces[id]; !exists {
		return fmt.Errorf("space %q not found", id)
	}
	delete(r.spaces, id)
	return nil
}

// GetSpace retrieves a space by id.
func (r *Registry) GetSpace(id string) (*Space, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	space, exists := r.spaces[id]
	if !exists {
		return nil, fmt.Errorf("space %q not found", id)
	}
	return space, nil
}

// ListSpaces returns all registered spaces. The slice is a copy and safe
// to modify.
func (r *Registry) ListSpaces() []*Space {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Space, 0, len(r.spaces))
	for _, s := range r.spaces {
		out = append(out, s)
	}
	return out
}

// ResolveSpace resolves every item of a space against the current
// location set. Items whose location has been removed come back with
// Valid=false instead of failing the whole resolution, so a space with a
// dangling reference stays usable.
func (r *Registry) ResolveSpace(id string) ([]ResolvedSpaceItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	space, exists := r.spaces[id]
	if !exists {
		return nil, fmt.Errorf("space %q not found", id)
	}

	resolved := make([]ResolvedSpaceItem, 0, len(space.Items))
	for _, item := range space.Items {
		loc, ok := r.locations[item.LocationID]
		resolved = append(resolved, ResolvedSpaceItem{
			Item:     item,
			Location: loc,
			Valid:    ok,
		})
	}
	return resolved, nil
}

// SpacesReferencing returns the ids of spaces containing at least one item
// for the given location. The slice is a copy and safe to modify.
func (r *Registry) SpacesReferencing(locationID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, space := range r.spaces {
		for _, item := range space.Items {
			if item.LocationID == locationID {
				out = append(out, id)
				break
			}
		}
	}
	return out
}
