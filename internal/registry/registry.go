// Package registry implements the Resource Registry: a read-mostly
// directory of backends and their capabilities, replaced atomically on
// update so a single evaluation always sees a consistent snapshot.
package registry

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/authgateway/gateway/internal/authz"
	"github.com/authgateway/gateway/internal/xerrors"
)

// ProtocolAdapter discovers the capabilities a Resource currently exposes.
// One adapter is registered per protocol tag (e.g. "mcp", "grpc", "http").
type ProtocolAdapter interface {
	DiscoverCapabilities(ctx context.Context, resource authz.Resource) ([]authz.Capability, error)
}

// Filter selects resources during ListResources.
type Filter func(*authz.Resource) bool

// snapshot is the immutable directory content swapped atomically on write.
type snapshot struct {
	resources    map[string]*authz.Resource
	capabilities map[string]map[string]*authz.Capability // resourceID -> capability name -> Capability
}

func emptySnapshot() *snapshot {
	return &snapshot{
		resources:    make(map[string]*authz.Resource),
		capabilities: make(map[string]map[string]*authz.Capability),
	}
}

func (s *snapshot) clone() *snapshot {
	next := emptySnapshot()
	for id, r := range s.resources {
		cp := *r
		next.resources[id] = &cp
	}
	for rid, caps := range s.capabilities {
		m := make(map[string]*authz.Capability, len(caps))
		for name, c := range caps {
			cp := *c
			m[name] = &cp
		}
		next.capabilities[rid] = m
	}
	return next
}

// Registry is the Resource Registry.
type Registry struct {
	snap       atomic.Pointer[snapshot]
	adapters   map[string]ProtocolAdapter
	nextCapSeq atomic.Int64
}

// New constructs an empty Registry.
func New() *Registry {
	r := &Registry{adapters: make(map[string]ProtocolAdapter)}
	r.snap.Store(emptySnapshot())
	return r
}

// RegisterProtocolAdapter binds adapter to every resource whose Protocol
// field equals protocol.
func (r *Registry) RegisterProtocolAdapter(protocol string, adapter ProtocolAdapter) {
	r.adapters[protocol] = adapter
}

// GetResource returns the resource with id, if registered.
func (r *Registry) GetResource(id string) (*authz.Resource, bool) {
	s := r.snap.Load()
	res, ok := s.resources[id]
	return res, ok
}

// GetCapability resolves a capability by resource id and capability name.
// A retired resource's capabilities are never resolvable, even though the
// resource record itself remains readable (retirement is a soft marker,
// not a deletion).
func (r *Registry) GetCapability(resourceID, name string) (*authz.Capability, error) {
	s := r.snap.Load()
	res, ok := s.resources[resourceID]
	if !ok {
		return nil, xerrors.NotFound("resource", resourceID)
	}
	if res.Retired {
		return nil, xerrors.ResourceRetired(resourceID)
	}
	caps, ok := s.capabilities[resourceID]
	if !ok {
		return nil, xerrors.NotFound("capability", fmt.Sprintf("%s@%s", name, resourceID))
	}
	c, ok := caps[name]
	if !ok {
		return nil, xerrors.NotFound("capability", fmt.Sprintf("%s@%s", name, resourceID))
	}
	return c, nil
}

// ListResources returns every resource matching filter (nil matches all).
// The returned slice is a point-in-time copy; mutating it does not affect
// the registry.
func (r *Registry) ListResources(filter Filter) []*authz.Resource {
	s := r.snap.Load()
	out := make([]*authz.Resource, 0, len(s.resources))
	for _, res := range s.resources {
		if filter == nil || filter(res) {
			cp := *res
			out = append(out, &cp)
		}
	}
	return out
}

// UpsertResource installs or replaces a resource record. Existing
// capabilities for the resource are left untouched; use RefreshCapabilities
// (or UpsertCapabilities) to change them.
func (r *Registry) UpsertResource(res authz.Resource) {
	for {
		old := r.snap.Load()
		next := old.clone()
		cp := res
		next.resources[res.ID] = &cp
		if _, ok := next.capabilities[res.ID]; !ok {
			next.capabilities[res.ID] = make(map[string]*authz.Capability)
		}
		if r.snap.CompareAndSwap(old, next) {
			return
		}
	}
}

// RetireResource marks a resource retired in place; its capabilities
// become unresolvable via GetCapability but the resource record itself
// remains listable for audit/history purposes.
func (r *Registry) RetireResource(id string) error {
	for {
		old := r.snap.Load()
		res, ok := old.resources[id]
		if !ok {
			return xerrors.NotFound("resource", id)
		}
		next := old.clone()
		cp := *res
		cp.Retired = true
		next.resources[id] = &cp
		if r.snap.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// RefreshCapabilities asks the protocol adapter registered for resource's
// protocol tag to (re)discover its capabilities, then installs the result.
// Capability ids are stable across passes: a capability whose Name matches
// one already on record for this resource keeps its existing id; only a
// genuinely new name is assigned a fresh id.
func (r *Registry) RefreshCapabilities(ctx context.Context, resourceID string) error {
	res, ok := r.GetResource(resourceID)
	if !ok {
		return xerrors.NotFound("resource", resourceID)
	}
	adapter, ok := r.adapters[res.Protocol]
	if !ok {
		return fmt.Errorf("no protocol adapter registered for %q", res.Protocol)
	}

	discovered, err := adapter.DiscoverCapabilities(ctx, *res)
	if err != nil {
		return fmt.Errorf("discover capabilities for %q: %w", resourceID, err)
	}

	for {
		old := r.snap.Load()
		existing := old.capabilities[resourceID]

		next := old.clone()
		fresh := make(map[string]*authz.Capability, len(discovered))
		for _, c := range discovered {
			cp := c
			cp.ResourceID = resourceID
			if prior, found := existing[cp.Name]; found {
				cp.ID = prior.ID
			} else if cp.ID == "" {
				cp.ID = r.allocateCapabilityID(resourceID, cp.Name)
			}
			fresh[cp.Name] = &cp
		}
		next.capabilities[resourceID] = fresh

		if r.snap.CompareAndSwap(old, next) {
			return nil
		}
	}
}

func (r *Registry) allocateCapabilityID(resourceID, name string) string {
	seq := r.nextCapSeq.Add(1)
	return fmt.Sprintf("%s:%s:%d", resourceID, name, seq)
}
