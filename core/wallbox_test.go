package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephanme/pvcontrol/api"
)

func newTestWallbox(t *testing.T) (*SimulatedWallbox, api.PhaseRelay) {
	t.Helper()
	relay := NewPhaseRelay("", api.PhaseRelayConfig{EnablePhaseSwitching: true, PhaseRelayType: api.RelayNO})
	wb := NewSimulatedWallbox(api.DefaultWallboxConfig(), relay, 230)
	return wb, relay
}

func TestSimulatedWallbox_PowerFollowsPhasesOutAndCurrent(t *testing.T) {
	wb, _ := newTestWallbox(t)
	wb.SetCarStatus(api.StatusWaitingForVehicle)
	wb.SetMaxCurrent(10)
	wb.AllowCharging(true)

	d := wb.ReadData()
	assert.Equal(t, 1, d.PhasesOut) // relay (NO, off) selects 1 phase
	assert.InDelta(t, 1*10*230.0, d.PowerW, 0.01)
}

func TestSimulatedWallbox_NoPowerWhenNotAllowed(t *testing.T) {
	wb, _ := newTestWallbox(t)
	wb.SetMaxCurrent(10)

	d := wb.ReadData()
	assert.Equal(t, 0, d.PhasesOut)
	assert.Equal(t, 0.0, d.PowerW)
}

func TestSimulatedWallbox_ChargedEnergyResetsOnAllowChargingEdge(t *testing.T) {
	wb, _ := newTestWallbox(t)
	wb.SetMaxCurrent(10)
	wb.AllowCharging(true)
	wb.ReadData()
	wb.ReadData()
	before := wb.GetData().ChargedEnergyWh
	require.Greater(t, before, 0.0)

	wb.AllowCharging(false)
	wb.AllowCharging(true)
	d := wb.ReadData()
	assert.Less(t, d.ChargedEnergyWh, before)
}

func TestSimulatedWallbox_SetPhasesInRejectedWhileCharging(t *testing.T) {
	wb, _ := newTestWallbox(t)
	wb.SetMaxCurrent(10)
	wb.AllowCharging(true)
	wb.ReadData() // phases_out now 1

	ok := wb.SetPhasesIn(1)
	assert.False(t, ok)
}

func TestSimulatedWallbox_SetPhasesInAcceptedWhenIdle(t *testing.T) {
	wb, relay := newTestWallbox(t)
	ok := wb.SetPhasesIn(1)
	assert.True(t, ok)
	assert.Equal(t, 1, relay.GetPhases())
	assert.Equal(t, 1, wb.ResetCount()) // TriggerReset called as part of the sequence
}

func TestSimulatedWallbox_PhasesOutClampedToPhasesIn(t *testing.T) {
	wb, _ := newTestWallbox(t)
	wb.SetPhasesIn(1)
	wb.SetMaxCurrent(10)
	wb.AllowCharging(true)

	d := wb.ReadData()
	assert.Equal(t, 1, d.PhasesOut)
}
