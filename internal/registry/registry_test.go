package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paasproxy/internal/config"
	"paasproxy/internal/registry"
)

func TestNew_SeedsGeneration(t *testing.T) {
	r := registry.New(map[string]config.BackendSpec{
		"a.test": {Command: "python3", Port: 8080},
	}, config.Defaults{})

	spec, ok := r.Lookup("a.test")
	require.True(t, ok)
	assert.Equal(t, 8080, spec.Port)
	assert.NotEqual(t, "", r.Generation().String())
}

func TestLookup_UnknownHost(t *testing.T) {
	r := registry.New(nil, config.Defaults{})
	_, ok := r.Lookup("nope.test")
	assert.False(t, ok)
}

func TestReload_DiffsAddedRemovedRetained(t *testing.T) {
	r := registry.New(map[string]config.BackendSpec{
		"keep.test":   {Command: "a", Port: 1},
		"remove.test": {Command: "b", Port: 2},
	}, config.Defaults{})
	firstGen := r.Generation()

	diff := r.Reload(map[string]config.BackendSpec{
		"keep.test": {Command: "a", Port: 1},
		"add.test":  {Command: "c", Port: 3},
	}, config.Defaults{})

	assert.ElementsMatch(t, []string{"add.test"}, diff.Added)
	assert.ElementsMatch(t, []string{"remove.test"}, diff.Removed)
	assert.ElementsMatch(t, []string{"keep.test"}, diff.Retained)
	assert.NotEqual(t, firstGen, r.Generation())

	_, stillThere := r.Lookup("remove.test")
	assert.False(t, stillThere)
}

func TestReload_PortChangeOnRetained_DoesNotPanic(t *testing.T) {
	r := registry.New(map[string]config.BackendSpec{
		"keep.test": {Command: "a", Port: 1},
	}, config.Defaults{})

	diff := r.Reload(map[string]config.BackendSpec{
		"keep.test": {Command: "a", Port: 2},
	}, config.Defaults{})

	assert.ElementsMatch(t, []string{"keep.test"}, diff.Retained)
	spec, ok := r.Lookup("keep.test")
	require.True(t, ok)
	assert.Equal(t, 2, spec.Port, "the registry itself always reflects the new generation; only the running replica's pickup is deferred")
}
