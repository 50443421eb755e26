package vehicle_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evergrid-labs/carbonledger/pkg/accesscontrol"
	"github.com/evergrid-labs/carbonledger/pkg/errdefs"
	"github.com/evergrid-labs/carbonledger/pkg/observation"
	"github.com/evergrid-labs/carbonledger/pkg/vehicle"
)

func newRegistry(t *testing.T) (*vehicle.Registry, *accesscontrol.Registry) {
	t.Helper()
	obs := observation.NewMemoryLog()
	ac := accesscontrol.NewRegistry("admin", obs)
	require.NoError(t, ac.Grant(context.Background(), "admin", accesscontrol.RoleVehicleManager, "fleet-mgr"))
	return vehicle.NewRegistry(ac, obs), ac
}

func TestRegisterAndExists(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	assert.False(t, reg.Exists("VIN1"))
	require.NoError(t, reg.Register(ctx, "fleet-mgr", "VIN1", "Model Y", 75000))
	assert.True(t, reg.Exists("VIN1"))

	info, err := reg.Get("VIN1")
	require.NoError(t, err)
	assert.Equal(t, "Model Y", info.Model)
	assert.Equal(t, int64(75000), info.BatteryCapacityWh)
}

func TestRegisterRequiresVehicleManager(t *testing.T) {
	reg, _ := newRegistry(t)
	err := reg.Register(context.Background(), "rando", "VIN2", "Model 3", 60000)
	assert.ErrorIs(t, err, errdefs.ErrUnauthorized)
	assert.False(t, reg.Exists("VIN2"))
}

func TestRegisterDuplicate(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "fleet-mgr", "VIN1", "Model Y", 75000))
	err := reg.Register(ctx, "fleet-mgr", "VIN1", "Model Y", 75000)
	assert.ErrorIs(t, err, vehicle.ErrAlreadyRegistered)
}

func TestGetUnknown(t *testing.T) {
	reg, _ := newRegistry(t)
	_, err := reg.Get("NOPE")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}
