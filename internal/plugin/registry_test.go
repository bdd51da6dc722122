package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ropeManifest() Manifest {
	return Manifest{
		Name: "rope", Kind: KindActuator, Languages: []string{"python"},
		Executable: "/usr/bin/rope", Capabilities: []string{"rename-symbol"},
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ropeManifest()))
	require.Error(t, r.Register(ropeManifest()))
}

func TestRegistryLookupsByIndex(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ropeManifest()))

	assert.Equal(t, []string{"rope"}, r.ByKind(KindActuator))
	assert.Equal(t, []string{"rope"}, r.ByLanguage("python"))
	assert.Equal(t, []string{"rope"}, r.ByCapability("rename-symbol"))
	assert.Empty(t, r.ByLanguage("rust"))
}

func TestResolveProviderDeterministic(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Manifest{
		Name: "zeta", Kind: KindActuator, Languages: []string{"python"},
		Executable: "/usr/bin/zeta", Capabilities: []string{"rename-symbol"},
	}))
	require.NoError(t, r.Register(Manifest{
		Name: "alpha", Kind: KindActuator, Languages: []string{"python"},
		Executable: "/usr/bin/alpha", Capabilities: []string{"rename-symbol"},
	}))

	m, ok := r.ResolveProvider("python", "rename-symbol")
	require.True(t, ok)
	assert.Equal(t, "alpha", m.Name)
}

func TestResolveProviderAbsentReturnsFalse(t *testing.T) {
	r := NewRegistry()
	_, ok := r.ResolveProvider("rust", "rename-symbol")
	assert.False(t, ok)
}

func TestRegistryNamesAndCount(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ropeManifest()))
	assert.Equal(t, []string{"rope"}, r.Names())
	assert.Equal(t, 1, r.Count())
}
