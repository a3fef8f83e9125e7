package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgateway/gateway/internal/authz"
	"github.com/authgateway/gateway/internal/xerrors"
)

type fakeAdapter struct {
	caps []authz.Capability
	err  error
}

func (f *fakeAdapter) DiscoverCapabilities(ctx context.Context, res authz.Resource) ([]authz.Capability, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.caps, nil
}

func TestRegistry_GetResource(t *testing.T) {
	r := New()
	r.UpsertResource(authz.Resource{ID: "res1", Name: "database"})

	res, ok := r.GetResource("res1")
	require.True(t, ok)
	assert.Equal(t, "database", res.Name)

	_, ok = r.GetResource("missing")
	assert.False(t, ok)
}

func TestRegistry_GetCapability_NotFoundCases(t *testing.T) {
	r := New()

	_, err := r.GetCapability("missing", "read")
	require.Error(t, err)
	var svcErr *xerrors.ServiceError
	require.ErrorAs(t, err, &svcErr)

	r.UpsertResource(authz.Resource{ID: "res1"})
	_, err = r.GetCapability("res1", "read")
	assert.Error(t, err, "resource has no discovered capabilities yet")
}

func TestRegistry_RetiredResourceCapabilitiesUnresolvable(t *testing.T) {
	r := New()
	r.RegisterProtocolAdapter("mcp", &fakeAdapter{caps: []authz.Capability{{Name: "read"}}})
	r.UpsertResource(authz.Resource{ID: "res1", Protocol: "mcp"})
	require.NoError(t, r.RefreshCapabilities(context.Background(), "res1"))

	cap1, err := r.GetCapability("res1", "read")
	require.NoError(t, err)
	assert.Equal(t, "read", cap1.Name)

	require.NoError(t, r.RetireResource("res1"))

	// Retired resource record remains listable.
	res, ok := r.GetResource("res1")
	require.True(t, ok)
	assert.True(t, res.Retired)

	// But its capabilities are no longer resolvable.
	_, err = r.GetCapability("res1", "read")
	require.Error(t, err)
	var svcErr *xerrors.ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, xerrors.ErrCodeResourceRetired, svcErr.Code)
}

func TestRegistry_RetireResource_UnknownID(t *testing.T) {
	r := New()
	err := r.RetireResource("nope")
	assert.Error(t, err)
}

func TestRegistry_ListResources_Filter(t *testing.T) {
	r := New()
	r.UpsertResource(authz.Resource{ID: "res1", Sensitivity: authz.SensitivityCritical})
	r.UpsertResource(authz.Resource{ID: "res2", Sensitivity: authz.SensitivityLow})

	all := r.ListResources(nil)
	assert.Len(t, all, 2)

	critical := r.ListResources(func(r *authz.Resource) bool {
		return r.Sensitivity == authz.SensitivityCritical
	})
	require.Len(t, critical, 1)
	assert.Equal(t, "res1", critical[0].ID)
}

func TestRegistry_ListResources_ReturnsPointInTimeCopies(t *testing.T) {
	r := New()
	r.UpsertResource(authz.Resource{ID: "res1", Name: "original"})

	out := r.ListResources(nil)
	require.Len(t, out, 1)
	out[0].Name = "mutated"

	res, ok := r.GetResource("res1")
	require.True(t, ok)
	assert.Equal(t, "original", res.Name, "mutating a listed copy must not affect the stored record")
}

func TestRegistry_UpsertResource_Replace(t *testing.T) {
	r := New()
	r.UpsertResource(authz.Resource{ID: "res1", Name: "v1"})
	r.UpsertResource(authz.Resource{ID: "res1", Name: "v2"})

	res, ok := r.GetResource("res1")
	require.True(t, ok)
	assert.Equal(t, "v2", res.Name)
}

func TestRegistry_RefreshCapabilities_NoAdapterForProtocol(t *testing.T) {
	r := New()
	r.UpsertResource(authz.Resource{ID: "res1", Protocol: "grpc"})
	err := r.RefreshCapabilities(context.Background(), "res1")
	assert.Error(t, err)
}

func TestRegistry_RefreshCapabilities_CapabilityIDStability(t *testing.T) {
	r := New()
	adapter := &fakeAdapter{caps: []authz.Capability{{Name: "read"}, {Name: "write"}}}
	r.RegisterProtocolAdapter("mcp", adapter)
	r.UpsertResource(authz.Resource{ID: "res1", Protocol: "mcp"})

	require.NoError(t, r.RefreshCapabilities(context.Background(), "res1"))
	first, err := r.GetCapability("res1", "read")
	require.NoError(t, err)
	firstID := first.ID
	require.NotEmpty(t, firstID)

	// Second discovery pass: "read" reappears (must keep its id), "write"
	// is dropped, and a genuinely new capability "delete" appears.
	adapter.caps = []authz.Capability{{Name: "read"}, {Name: "delete"}}
	require.NoError(t, r.RefreshCapabilities(context.Background(), "res1"))

	second, err := r.GetCapability("res1", "read")
	require.NoError(t, err)
	assert.Equal(t, firstID, second.ID, "capability id must stay stable across discovery passes for an unchanged name")

	deleteCap, err := r.GetCapability("res1", "delete")
	require.NoError(t, err)
	assert.NotEmpty(t, deleteCap.ID)
	assert.NotEqual(t, firstID, deleteCap.ID)

	_, err = r.GetCapability("res1", "write")
	assert.Error(t, err, "write was dropped on the second discovery pass")
}
