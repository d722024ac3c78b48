package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldkernel/core/registry"
)

func TestRegister_RejectsDuplicate(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(&registry.Registration{ModuleID: "gps:1.0.0", Name: "gps"}))
	err := r.Register(&registry.Registration{ModuleID: "gps:1.0.0", Name: "gps"})
	assert.ErrorIs(t, err, registry.ErrAlreadyRegistered)
}

func TestUnregister_RemovesEntry(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(&registry.Registration{ModuleID: "gps:1.0.0", Name: "gps"}))
	require.NoError(t, r.Unregister("gps:1.0.0"))
	assert.False(t, r.Exists("gps:1.0.0"))
	assert.ErrorIs(t, r.Unregister("gps:1.0.0"), registry.ErrNotFound)
}

func TestDependents_OnlyCountsRunningModules(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(&registry.Registration{ModuleID: "gps:1.0.0", Name: "gps", State: registry.StateRunning}))
	require.NoError(t, r.Register(&registry.Registration{ModuleID: "steer:1.0.0", Name: "steering", State: registry.StateRunning, Dependencies: []string{"gps"}}))
	require.NoError(t, r.Register(&registry.Registration{ModuleID: "log:1.0.0", Name: "logger", State: registry.StateStopping, Dependencies: []string{"gps"}}))

	dependents := r.Dependents("gps")
	assert.Equal(t, []string{"steer:1.0.0"}, dependents)
}

func TestRunningByDependencyName(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(&registry.Registration{ModuleID: "gps:1.0.0", Name: "gps", State: registry.StateRunning}))

	found := r.RunningByDependencyName([]string{"gps", "missing"})
	assert.True(t, found["gps"])
	assert.False(t, found["missing"])
}

func TestList_SortedByModuleID(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(&registry.Registration{ModuleID: "z:1.0.0", Name: "z"}))
	require.NoError(t, r.Register(&registry.Registration{ModuleID: "a:1.0.0", Name: "a"}))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a:1.0.0", list[0].ModuleID)
	assert.Equal(t, "z:1.0.0", list[1].ModuleID)
}
