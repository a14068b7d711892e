// Package landmarks holds the map of known landmark poses and the loader that builds it.
package landmarks

import (
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/viam-modules/landmark-localizer/rigid"
)

// LandmarkPose is a landmark's pose in the map frame.
type LandmarkPose struct {
	ID   string
	Pose rigid.Transform
}

// ErrDuplicateID is returned when a landmark set contains the same ID twice.
var ErrDuplicateID = errors.New("duplicate landmark id")

// Registry maps landmark IDs to map frame poses. It is never modified after NewRegistry returns.
type Registry struct {
	byID map[string]LandmarkPose
}

// NewRegistry builds a registry from a landmark set.
func NewRegistry(set []LandmarkPose) (*Registry, error) {
	byID := make(map[string]LandmarkPose, len(set))
	for _, lm := range set {
		if _, ok := byID[lm.ID]; ok {
			return nil, errors.Wrapf(ErrDuplicateID, "%q", lm.ID)
		}
		byID[lm.ID] = lm
	}
	return &Registry{byID: byID}, nil
}

// Lookup returns the landmark with the given ID. A missing ID is a normal outcome.
func (r *Registry) Lookup(id string) (LandmarkPose, bool) {
	if r == nil {
		return LandmarkPose{}, false
	}
	lm, ok := r.byID[id]
	return lm, ok
}

// Len returns the number of landmarks.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.byID)
}

// IDs returns the registered IDs in sorted order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Handle is a registry that can be replaced wholesale while readers keep using it.
// Readers always see either the previous or the next registry, never a mix.
type Handle struct {
	current atomic.Pointer[Registry]
}

// NewHandle returns a handle holding an empty registry.
func NewHandle() *Handle {
	h := &Handle{}
	h.current.Store(&Registry{byID: map[string]LandmarkPose{}})
	return h
}

// Build replaces the current registry with one built from set. On error the current
// registry is left untouched.
func (h *Handle) Build(set []LandmarkPose) error {
	reg, err := NewRegistry(set)
	if err != nil {
		return err
	}
	h.current.Store(reg)
	return nil
}

// Snapshot returns the current registry.
func (h *Handle) Snapshot() *Registry {
	return h.current.Load()
}

// Lookup looks id up in the current registry.
func (h *Handle) Lookup(id string) (LandmarkPose, bool) {
	return h.Snapshot().Lookup(id)
}
