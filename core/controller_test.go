package core

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephanme/pvcontrol/api"
)

// newTestRig builds a controller wired to a SimulatedWallbox/TestMeter pair
// with the default (non-zero) allow-charging delay, for tests that care
// about the debounce itself.
func newTestRig(t *testing.T) (*ChargeController, *SimulatedWallbox, *TestMeter, api.PhaseRelay) {
	t.Helper()
	relay := NewPhaseRelay("", api.PhaseRelayConfig{EnablePhaseSwitching: true, PhaseRelayType: api.RelayNO})
	wbCfg := api.DefaultWallboxConfig()
	wb := NewSimulatedWallbox(wbCfg, relay, 230)
	meter := NewTestMeter(wb)
	car := NewSimulatedCar(api.DefaultCarConfig())
	cfg := api.DefaultChargeControllerConfig()
	c := NewChargeController(cfg, meter, wb, relay, car, WithClock(clock.NewMock()))
	return c, wb, meter, relay
}

// newPVTestRig mirrors the original test suite's ChargeControllerPVTest:
// pv_allow_charging_delay=0 so a surplus/deficit is reflected within a
// single tick, and one "init" run to settle the cold-boot transition
// (desired_mode OFF -> MANUAL) before the scenario itself starts.
func newPVTestRig(t *testing.T) (*ChargeController, *SimulatedWallbox, *TestMeter, api.PhaseRelay) {
	t.Helper()
	relay := NewPhaseRelay("", api.PhaseRelayConfig{EnablePhaseSwitching: true, PhaseRelayType: api.RelayNO})
	wbCfg := api.DefaultWallboxConfig()
	wb := NewSimulatedWallbox(wbCfg, relay, 230)
	meter := NewTestMeter(wb)
	car := NewSimulatedCar(api.DefaultCarConfig())
	cfg := api.DefaultChargeControllerConfig()
	cfg.PVAllowChargingDelaySeconds = 0
	c := NewChargeController(cfg, meter, wb, relay, car, WithClock(clock.NewMock()))
	c.Run() // init, as the original runControllerTest fixture does
	return c, wb, meter, relay
}

// settle re-reads the wallbox and meter once more after a controller tick,
// exactly as the original runControllerTest helper does ("to avoid 1 cycle
// delay -> makes test data easier"): SimulatedWallbox/TestMeter only
// recompute power/phases_out/grid on the NEXT ReadData() after a mutator
// runs, so the "settled" numbers spec.md documents require this extra read.
func settle(wb *SimulatedWallbox, meter *TestMeter) (api.WallboxData, api.MeterData) {
	wd := wb.ReadData()
	md := meter.ReadData()
	return wd, md
}

// S1: cold boot, no car - spec.md 8's S1. The rig already boots with
// phase_mode=AUTO and the relay (NO dialect, off) reporting phases_in=1,
// matching S1's documented initial state exactly with no extra setup.
func TestController_S1_ColdBootNoCar(t *testing.T) {
	c, wb, meter, _ := newTestRig(t)
	meter.SetData(0, 0)

	require.Equal(t, api.ModeOff, c.GetData().DesiredMode)
	require.Equal(t, api.ModeOff, c.GetData().Mode)
	require.Equal(t, api.PhaseModeAuto, c.GetData().PhaseMode)
	require.Equal(t, 1, wb.GetData().PhasesIn)

	c.Run()

	d := c.GetData()
	wd := wb.GetData()
	assert.Equal(t, api.ModeManual, d.DesiredMode)
	assert.Equal(t, api.ModeOff, d.Mode)
	assert.Equal(t, 1, wd.PhasesIn)
	assert.False(t, wd.AllowCharging)
}

// S2: PV_ONLY ramp with AUTO phase switching - spec.md 8's S2.
func TestController_S2_PVOnlyRampAutoPhases(t *testing.T) {
	c, wb, meter, _ := newPVTestRig(t)
	wb.SetCarStatus(api.StatusCharging)
	c.SetDesiredMode(api.ModePVOnly)
	meter.SetData(3000, 0)

	c.Run()
	wd, md := settle(wb, meter)
	assert.Equal(t, 1, wd.PhasesIn)
	assert.Equal(t, 1, wd.PhasesOut)
	assert.True(t, wd.AllowCharging)
	assert.Equal(t, 13, wd.MaxCurrent)
	assert.Equal(t, 2990.0, wd.PowerW)
	assert.Equal(t, -10.0, md.PowerGridW)

	// raise PV to 4500: tick A frees the relay (allow_charging off, no
	// phase switch yet because phases_out != 0), tick B performs the
	// actual 1->3 phase switch once phases_out has reached 0 - neither
	// tick charges.
	meter.SetData(4500, 0)
	resetsBefore := wb.ResetCount()
	c.Run()
	wd, _ = settle(wb, meter)
	assert.Equal(t, 0, wd.PhasesOut, "tick A: charging must be released before the phase switch")

	c.Run()
	wd, _ = settle(wb, meter)
	assert.Equal(t, 3, wd.PhasesIn, "tick B: relay has switched to 3 phases")
	assert.Equal(t, 0, wd.PhasesOut, "tick B: still no charging the tick the relay switches")
	assert.Equal(t, resetsBefore+1, wb.ResetCount())

	c.Run()
	wd, _ = settle(wb, meter)
	assert.Equal(t, 3, wd.PhasesIn)
	assert.Equal(t, 3, wd.PhasesOut)
	assert.Equal(t, 6, wd.MaxCurrent)
	assert.Equal(t, 4140.0, wd.PowerW)

	// lower PV to 4000 and hold: one idle tick (charging released, no
	// switch yet), then the 3->1 switch, then the settled 1-phase state.
	meter.SetData(4000, 0)
	c.Run()
	wd, _ = settle(wb, meter)
	assert.Equal(t, 0, wd.PhasesOut, "idle tick before the downward phase switch")

	c.Run()
	wd, _ = settle(wb, meter)
	assert.Equal(t, 1, wd.PhasesIn, "relay has switched back to 1 phase")
	assert.Equal(t, 0, wd.PhasesOut)

	c.Run()
	wd, _ = settle(wb, meter)
	assert.Equal(t, 1, wd.PhasesIn)
	assert.Equal(t, 1, wd.PhasesOut)
	assert.Equal(t, 16, wd.MaxCurrent)
	assert.Equal(t, 3680.0, wd.PowerW)
}

// S3: PV_ALL at 4890 W held at 3 phases - spec.md 8's S3. Pre-normalizing
// phases_in to 3 (accepted since phases_out==0 at cold start) lets the
// scenario's single documented tick land directly on the settled values,
// the same role the original suite's set_phases_in() setup call plays.
func TestController_S3_PVAllAt3Phases(t *testing.T) {
	c, wb, meter, _ := newPVTestRig(t)
	require.True(t, wb.SetPhasesIn(3))
	wb.SetCarStatus(api.StatusCharging)
	c.SetPhaseMode(api.PhaseMode3P)
	c.SetDesiredMode(api.ModePVAll)
	meter.SetData(4890, 0)

	c.Run()
	wd, _ := settle(wb, meter)

	// 4890/(3*230) = 7.087 -> ceil(7.087-0.1) = 7
	assert.Equal(t, 7, wd.MaxCurrent)
	assert.Equal(t, 4830.0, wd.PowerW)
}

// S4: home-battery priority - spec.md 8's S4. Not present in the original
// suite; derived from controller.go's priorityAdjustedAvailablePower and
// PV_ONLY current-setpoint formulas.
func TestController_S4_HomeBatteryPriority(t *testing.T) {
	c, wb, meter, _ := newPVTestRig(t)
	wb.SetCarStatus(api.StatusCharging)
	c.SetPhaseMode(api.PhaseMode1P)
	c.SetDesiredMode(api.ModePVOnly)
	c.SetDesiredPriority(api.PriorityHomeBattery)
	meter.SetBattery(-1000, 50) // battery absorbing 1000W, soc irrelevant at explicit HOME_BATTERY priority
	meter.SetData(3000, 0)

	c.Run()
	wd, md := settle(wb, meter)
	assert.True(t, wd.AllowCharging)
	assert.Equal(t, 8, wd.MaxCurrent)
	assert.Equal(t, 1840.0, wd.PowerW)
	assert.Equal(t, -160.0, md.PowerGridW)

	// battery full: stops absorbing, all surplus is available to the car
	meter.SetBattery(0, 100)
	c.Run()
	wd, _ = settle(wb, meter)
	assert.Equal(t, 13, wd.MaxCurrent)
	assert.Equal(t, 2990.0, wd.PowerW)
}

// S5: unplug debounce - spec.md 8's S5. The debounce counts down from
// unplugDebounce (300s) by cycle_time (30s) each qualifying tick and fires
// at the 10th. Firing sets desired_mode=OFF inside applyModeTransitions,
// but the very same tick's current-setpoint step (controller.go's
// ModeOff branch) immediately promotes it back to MANUAL and resolves
// mode=OFF - both land in that 10th tick, not a tick later.
func TestController_S5_UnplugDebounce(t *testing.T) {
	c, wb, meter, _ := newPVTestRig(t)
	wb.SetCarStatus(api.StatusCharging)
	c.SetDesiredMode(api.ModePVOnly)
	meter.SetData(3000, 0)
	c.Run()
	require.Equal(t, api.ModePVOnly, c.GetData().Mode)

	wb.SetCarStatus(api.StatusNoVehicle)
	for i := 0; i < 9; i++ {
		c.Run()
		require.Equal(t, api.ModePVOnly, c.GetData().Mode, "must not fire before the 10th tick")
	}

	c.Run()
	assert.Equal(t, api.ModeOff, c.GetData().Mode)
	assert.Equal(t, api.ModeManual, c.GetData().DesiredMode)
}

// --- spec.md 8 universal invariants -----------------------------------

// Invariant 1: a meter snapshot's power_consumption always balances
// against pv+grid+battery by construction of TestMeter.ReadData.
func TestController_Invariant1_MeterPowerBalances(t *testing.T) {
	_, _, meter, _ := newPVTestRig(t)
	cases := []struct{ pv, home, battery, soc float64 }{
		{3000, 500, 0, 50},
		{0, 200, 0, 50},
		{4890, 0, -1000, 30},
		{1200, 1200, 800, 90},
	}
	for _, tc := range cases {
		meter.SetBattery(tc.battery, tc.soc)
		meter.SetData(tc.pv, tc.home)
		md := meter.ReadData()
		diff := md.PowerConsumptionW - (md.PowerPVW + md.PowerGridW + md.PowerBatteryW)
		assert.InDelta(t, 0, diff, 1e-9)
	}
}

// Invariant 2: total_charged_energy never decreases, and the grid/pv
// split never exceeds it.
func TestController_Invariant2_ChargedEnergyMonotonic(t *testing.T) {
	c, wb, meter, _ := newPVTestRig(t)
	wb.SetCarStatus(api.StatusCharging)
	c.SetDesiredMode(api.ModePVOnly)
	meter.SetData(3000, 0)

	var lastTotal float64
	for i := 0; i < 5; i++ {
		c.Run()
		total := testutil.ToFloat64(metricsPvcControllerTotalChargedEnergy)
		assert.GreaterOrEqual(t, total, lastTotal)
		lastTotal = total

		grid := testutil.ToFloat64(metricsPvcControllerChargedEnergy.WithLabelValues("grid"))
		pv := testutil.ToFloat64(metricsPvcControllerChargedEnergy.WithLabelValues("pv"))
		assert.LessOrEqual(t, grid+pv, total+1e-9)
	}
}

// spyWallbox counts how many distinct wallbox-mutating action kinds a
// single tick issues, for invariant 3.
type spyWallbox struct {
	*SimulatedWallbox
	phaseActions, currentActions int
}

func (s *spyWallbox) SetPhasesIn(phases int) bool {
	s.phaseActions++
	return s.SimulatedWallbox.SetPhasesIn(phases)
}

func (s *spyWallbox) TriggerReset() {
	s.phaseActions++
	s.SimulatedWallbox.TriggerReset()
}

func (s *spyWallbox) SetMaxCurrent(amps int) {
	if amps != s.GetData().MaxCurrent {
		s.currentActions++
	}
	s.SimulatedWallbox.SetMaxCurrent(amps)
}

func (s *spyWallbox) AllowCharging(flag bool) {
	if flag != s.GetData().AllowCharging {
		s.currentActions++
	}
	s.SimulatedWallbox.AllowCharging(flag)
}

func (s *spyWallbox) reset() { s.phaseActions, s.currentActions = 0, 0 }

// Invariant 3: a tick never issues a phase action (set_phases_in /
// trigger_reset) together with a current action (set_max_current /
// allow_charging) - convergePhases returns early specifically to keep
// these two kinds of action mutually exclusive per tick.
func TestController_Invariant3_AtMostOneActionKindPerTick(t *testing.T) {
	relay := NewPhaseRelay("", api.PhaseRelayConfig{EnablePhaseSwitching: true, PhaseRelayType: api.RelayNO})
	sim := NewSimulatedWallbox(api.DefaultWallboxConfig(), relay, 230)
	wb := &spyWallbox{SimulatedWallbox: sim}
	meter := NewTestMeter(wb)
	car := NewSimulatedCar(api.DefaultCarConfig())
	cfg := api.DefaultChargeControllerConfig()
	cfg.PVAllowChargingDelaySeconds = 0
	c := NewChargeController(cfg, meter, wb, relay, car, WithClock(clock.NewMock()))
	c.Run()

	wb.SetCarStatus(api.StatusCharging)
	c.SetDesiredMode(api.ModePVOnly)

	pvLevels := []float64{3000, 4500, 4500, 4500, 4000, 4000, 4000}
	for _, pv := range pvLevels {
		meter.SetData(pv, 0)
		wb.reset()
		c.Run()
		assert.False(t, wb.phaseActions > 0 && wb.currentActions > 0,
			"tick issued both a phase action and a current action: phase=%d current=%d", wb.phaseActions, wb.currentActions)
	}
}

// Invariant 4: set_phases_in is accepted only when error_counter==0 and
// phases_out==0.
func TestController_Invariant4_SetPhasesInGatedOnPhasesOut(t *testing.T) {
	relay := NewPhaseRelay("", api.PhaseRelayConfig{EnablePhaseSwitching: true, PhaseRelayType: api.RelayNO})
	wb := NewSimulatedWallbox(api.DefaultWallboxConfig(), relay, 230)

	assert.True(t, wb.SetPhasesIn(3), "phases_out==0 at cold start: accepted")
	assert.Equal(t, 3, wb.GetData().PhasesIn)

	wb.SetCarStatus(api.StatusCharging)
	wb.AllowCharging(true)
	wb.ReadData() // phases_out now follows phases_in (3)
	require.NotZero(t, wb.GetData().PhasesOut)

	assert.False(t, wb.SetPhasesIn(1), "phases_out!=0: rejected")
	assert.Equal(t, 3, wb.GetData().PhasesIn, "rejected call must not change phases_in")
}

// Invariant 5 / boundary property: desiredPhases picks the higher phase
// count at or above an upward threshold, and only drops to the lower
// count strictly below the downward threshold.
func TestController_Invariant5_PhaseThresholdBoundaries(t *testing.T) {
	c, _, _, _ := newPVTestRig(t)
	d := c.GetData()
	d.DesiredMode = api.ModePVOnly
	d.PhaseMode = api.PhaseModeAuto

	assert.Equal(t, 3, c.desiredPhases(d, c.th.pvOnly1to3, 1), "at the upward threshold: switches to 3")
	assert.Equal(t, 1, c.desiredPhases(d, c.th.pvOnly1to3-1, 1), "just below the upward threshold: stays at 1")

	assert.Equal(t, 1, c.desiredPhases(d, c.th.pvOnly3to1-1, 3), "strictly below the downward threshold: drops to 1")
	assert.Equal(t, 3, c.desiredPhases(d, c.th.pvOnly3to1, 3), "at the downward threshold: stays at 3")
}

// Invariant 6: the allow-charging debounce does not let allow_charging
// flip more than once within pv_allow_charging_delay seconds in PV modes.
// No init tick here: that would zero the debounce timer via the ModeOff
// skip-delay path and mask the very behaviour under test, so desired_mode
// is set directly on the freshly constructed controller instead.
func TestController_Invariant6_AllowChargingDebounce(t *testing.T) {
	relay := NewPhaseRelay("", api.PhaseRelayConfig{EnablePhaseSwitching: true, PhaseRelayType: api.RelayNO})
	wb := NewSimulatedWallbox(api.DefaultWallboxConfig(), relay, 230)
	meter := NewTestMeter(wb)
	car := NewSimulatedCar(api.DefaultCarConfig())
	cfg := api.DefaultChargeControllerConfig()
	cfg.PVAllowChargingDelaySeconds = 90 // 3 ticks @ 30s
	c := NewChargeController(cfg, meter, wb, relay, car, WithClock(clock.NewMock()))

	wb.SetCarStatus(api.StatusCharging)
	c.SetDesiredMode(api.ModePVOnly)
	meter.SetData(3000, 0)

	c.Run()
	assert.False(t, wb.GetData().AllowCharging, "must not enable before the debounce elapses")

	c.Run()
	assert.False(t, wb.GetData().AllowCharging, "still within the debounce window")

	c.Run()
	assert.True(t, wb.GetData().AllowCharging, "debounce has elapsed")
}

// Round-trip/idempotence: repeated read_data with stable inputs yields
// identical outputs.
func TestController_RoundTrip_ReadDataIsIdempotentOnStableInputs(t *testing.T) {
	relay := NewPhaseRelay("", api.PhaseRelayConfig{EnablePhaseSwitching: true, PhaseRelayType: api.RelayNO})
	wb := NewSimulatedWallbox(api.DefaultWallboxConfig(), relay, 230)
	wb.SetCarStatus(api.StatusCharging)
	wb.AllowCharging(true)
	wb.SetMaxCurrent(10)

	first := wb.ReadData()
	second := wb.ReadData()
	assert.Equal(t, first, second)
}

// Round-trip: set_phases_in(n) followed by a read converges phases_in==n.
func TestController_RoundTrip_SetPhasesInConverges(t *testing.T) {
	relay := NewPhaseRelay("", api.PhaseRelayConfig{EnablePhaseSwitching: true, PhaseRelayType: api.RelayNO})
	wb := NewSimulatedWallbox(api.DefaultWallboxConfig(), relay, 230)

	require.True(t, wb.SetPhasesIn(3))
	assert.Equal(t, 3, wb.ReadData().PhasesIn)
}

// Shutdown always denies charging, regardless of the current mode.
func TestController_ShutdownDeniesCharging(t *testing.T) {
	c, wb, meter, _ := newTestRig(t)
	wb.SetCarStatus(api.StatusWaitingForVehicle)
	c.SetDesiredMode(api.ModeMax)
	meter.SetData(0, 0)
	c.Run() // MAX wants 3 phases: this tick only switches the relay
	c.Run() // phases converged: MAX now allows charging
	require.True(t, wb.GetData().AllowCharging)

	c.Shutdown()

	assert.False(t, wb.GetData().AllowCharging)
}

func TestController_DesiredPhasesHonorsManualOverride(t *testing.T) {
	c, _, meter, _ := newTestRig(t)
	c.SetPhaseMode(api.PhaseMode1P)
	meter.SetData(5000, 0)

	d := c.GetData()
	got := c.desiredPhases(d, 5000, 3)
	assert.Equal(t, 1, got)
}
