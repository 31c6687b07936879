package core

import (
	"math"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stephanme/pvcontrol/api"
	"github.com/stephanme/pvcontrol/util"
)

const (
	evModeConverged  = "controller:mode-converged"
	evPhaseSwitched  = "controller:phase-switched"
	evVehicleConnect = "controller:vehicle-connect"
	evVehicleLeave   = "controller:vehicle-leave"

	unplugDebounce = 5 * time.Minute
)

var (
	metricsPvcControllerMode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pvcontrol_controller_mode", Help: "Charge controller mode (stateful enum)",
	}, []string{"mode"})
	metricsPvcControllerProcessing = prometheus.NewSummary(prometheus.SummaryOpts{
		Name: "pvcontrol_controller_processing_seconds", Help: "Time spent processing control loop",
	})
	metricsPvcControllerTotalChargedEnergy = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pvcontrol_controller_total_charged_energy_wh_total", Help: "Total energy charged",
	})
	metricsPvcControllerChargedEnergy = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pvcontrol_controller_charged_energy_wh_total", Help: "Energy charged, split by source",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(
		metricsPvcControllerMode, metricsPvcControllerProcessing,
		metricsPvcControllerTotalChargedEnergy, metricsPvcControllerChargedEnergy,
	)
}

// thresholds are the PV power levels precomputed at construction time from
// min/max supported current, line voltage and hysteresis (spec.md 4.G.1).
type thresholds struct {
	pvOnlyOn, pvOnlyOff    float64
	pvOnly1to3, pvOnly3to1 float64
	pvAllOn, pvAllOff      float64
	pvAll1to3, pvAll3to1   float64
}

// ChargeController is the cyclic policy engine: the heart of pvcontrol. It
// reads the wallbox and meter, meters charged energy by source, converges
// the wallbox toward the operator's intent, and computes the per-phase
// current setpoint with hysteresis, rounding, and debounce - spec.md 4.G.
type ChargeController struct {
	*service[api.ChargeControllerData]
	log  *util.Logger
	clk  clock.Clock
	bus  evbus.Bus
	uiCh chan<- util.Param

	cfg     api.ChargeControllerConfig
	wallbox api.Wallbox
	meter   api.Meter
	relay   api.PhaseRelay
	car     api.Car

	minCurrent, maxCurrent int
	th                     thresholds

	// energy accounting state (spec.md 4.G.3)
	lastChargedEnergy         float64
	lastChargedEnergy5m       float64
	lastEnergyConsumption     float64
	lastEnergyConsumptionGrid float64

	// debounce counters, expressed in seconds remaining
	pvToOffDelay       float64
	allowChargingDelay float64
	desiredAllow       bool
}

// ChargeControllerOption configures optional collaborators, notably the UI
// push channel which is absent in most tests.
type ChargeControllerOption func(*ChargeController)

func WithUIChannel(ch chan<- util.Param) ChargeControllerOption {
	return func(c *ChargeController) { c.uiCh = ch }
}

func WithClock(clk clock.Clock) ChargeControllerOption {
	return func(c *ChargeController) { c.clk = clk }
}

// NewChargeController builds the controller and precomputes its PV
// thresholds from the wallbox's supported current range (spec.md 4.G.1).
// If the relay is disabled, phase_mode is forced to DISABLED once, here.
func NewChargeController(cfg api.ChargeControllerConfig, meter api.Meter, wallbox api.Wallbox, relay api.PhaseRelay, car api.Car, opts ...ChargeControllerOption) *ChargeController {
	wbCfg := wallbox.GetConfig()
	c := &ChargeController{
		service: newService("ChargeController", api.ChargeControllerData{
			Mode: api.ModeOff, DesiredMode: api.ModeOff, PhaseMode: api.PhaseModeAuto, Priority: api.PriorityAuto, DesiredPriority: api.PriorityAuto,
		}),
		log:         util.NewLogger("controller"),
		clk:         clock.New(),
		bus:         evbus.New(),
		cfg:         cfg,
		wallbox:     wallbox,
		meter:       meter,
		relay:       relay,
		car:         car,
		minCurrent:  wbCfg.MinSupportedCurrent,
		maxCurrent:  wbCfg.MaxSupportedCurrent,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.subscribeUIEvents()

	minPower1 := float64(c.minCurrent) * cfg.LineVoltage
	maxPower1 := float64(c.maxCurrent) * cfg.LineVoltage
	minPower3 := 3 * float64(c.minCurrent) * cfg.LineVoltage
	c.th = thresholds{
		pvOnlyOn:   minPower1 + cfg.PowerHysteresis,
		pvOnlyOff:  minPower1,
		pvOnly1to3: minPower3 + cfg.PowerHysteresis,
		pvOnly3to1: minPower3,
		pvAllOn:    cfg.PVAllMinPower,
		pvAllOff:   math.Max(cfg.PVAllMinPower-cfg.PowerHysteresis, 100),
		pvAll1to3:  maxPower1,
		pvAll3to1:  maxPower1 - cfg.PowerHysteresis,
	}

	c.pvToOffDelay = unplugDebounce.Seconds()
	c.allowChargingDelay = float64(cfg.PVAllowChargingDelaySeconds)

	if !relay.IsEnabled() {
		d := c.getData()
		d.PhaseMode = api.PhaseModeDisabled
		c.setData(d)
	}

	return c
}

func (c *ChargeController) GetConfig() api.ChargeControllerConfig { return c.cfg }
func (c *ChargeController) GetData() api.ChargeControllerData     { return c.getData() }

func (c *ChargeController) setData(d api.ChargeControllerData) {
	c.service.setData(d, func(d *api.ChargeControllerData, e int) { d.Error = e })
}

func (c *ChargeController) publish(key string, val interface{}) {
	if c.uiCh != nil {
		c.uiCh <- util.Param{Key: key, Val: val}
	}
}

// subscribeUIEvents wires the EventBus topics into the uiCh push channel,
// turning convergePhases/applyModeTransitions/controlCurrent's bus.Publish
// calls into the UI notifications they were meant to drive, instead of
// being published to no subscriber.
func (c *ChargeController) subscribeUIEvents() {
	for _, topic := range []string{evModeConverged, evPhaseSwitched, evVehicleConnect, evVehicleLeave} {
		topic := topic
		_ = c.bus.Subscribe(topic, func() { c.publish(topic, c.getData()) })
	}
}

// SetDesiredMode implements the PUT /controller/desired_mode mutator.
func (c *ChargeController) SetDesiredMode(mode api.ChargeMode) {
	d := c.getData()
	d.DesiredMode = mode
	c.setData(d)
}

// SetPhaseMode implements the PUT /controller/phase_mode mutator.
func (c *ChargeController) SetPhaseMode(mode api.PhaseMode) {
	d := c.getData()
	d.PhaseMode = mode
	c.setData(d)
}

// SetDesiredPriority implements the PUT /controller/desired_priority mutator.
func (c *ChargeController) SetDesiredPriority(p api.Priority) {
	d := c.getData()
	d.DesiredPriority = p
	c.setData(d)
}

// Run executes one control loop tick - spec.md 4.G.2.
func (c *ChargeController) Run() {
	timer := prometheus.NewTimer(metricsPvcControllerProcessing)
	defer timer.ObserveDuration()

	// 1. read wallbox, then meter - order matters for simulation.
	wb := c.wallbox.ReadData()
	m := c.meter.ReadData()

	// 2. account charged energy
	c.accountChargedEnergy(wb, m)

	// 3. charge-mode transitions
	c.applyModeTransitions(wb)

	// 4. priority resolution
	c.resolvePriority(m)

	d := c.getData()

	// 5. phase convergence - at most one action per tick
	if c.convergePhases(d, wb, m) {
		c.publishMode(d.Mode)
		return
	}

	// 6. current-setpoint control
	c.controlCurrent(d, wb, m)

	// 7. publish the mode metric
	c.publishMode(c.getData().Mode)
}

func (c *ChargeController) publishMode(mode api.ChargeMode) {
	for _, m := range []api.ChargeMode{api.ModeOff, api.ModePVOnly, api.ModePVAll, api.ModeMax, api.ModeManual} {
		v := 0.0
		if m == mode {
			v = 1
		}
		metricsPvcControllerMode.WithLabelValues(string(m)).Set(v)
	}
}

// --- 4.G.3 charged-energy accounting -----------------------------------

func (c *ChargeController) accountChargedEnergy(wb api.WallboxData, m api.MeterData) {
	deltaCharged := wb.ChargedEnergyWh - c.lastChargedEnergy
	if deltaCharged < -1 {
		deltaCharged = wb.ChargedEnergyWh
	}
	if deltaCharged < 0 {
		deltaCharged = 0
	}
	if deltaCharged > 0 {
		metricsPvcControllerTotalChargedEnergy.Add(deltaCharged)
	}

	if wb.AllowCharging && (m.EnergyConsumptionWh-c.lastEnergyConsumption) > 1 {
		deltaGrid := m.EnergyConsumptionGridWh - c.lastEnergyConsumptionGrid
		if deltaGrid < 0 {
			deltaGrid = 0
		}
		window := wb.ChargedEnergyWh - c.lastChargedEnergy5m
		if window < -1 {
			window = wb.ChargedEnergyWh
		}
		if window < 0 {
			window = 0
		}
		chargedFromGrid := math.Min(deltaGrid, window)
		chargedFromPV := window - chargedFromGrid
		if chargedFromGrid > 0 {
			metricsPvcControllerChargedEnergy.WithLabelValues("grid").Add(chargedFromGrid)
		}
		if chargedFromPV > 0 {
			metricsPvcControllerChargedEnergy.WithLabelValues("pv").Add(chargedFromPV)
		}
		c.lastChargedEnergy5m = wb.ChargedEnergyWh
	} else if !wb.AllowCharging {
		c.lastChargedEnergy5m = wb.ChargedEnergyWh
	}

	c.lastChargedEnergy = wb.ChargedEnergyWh
	c.lastEnergyConsumption = m.EnergyConsumptionWh
	c.lastEnergyConsumptionGrid = m.EnergyConsumptionGridWh
}

// --- 4.G.4 charge-mode transitions --------------------------------------

func (c *ChargeController) applyModeTransitions(wb api.WallboxData) {
	d := c.getData()

	if (d.Mode == api.ModePVOnly || d.Mode == api.ModePVAll) && wb.Error == 0 && wb.CarStatus == api.StatusNoVehicle {
		c.pvToOffDelay -= float64(c.cfg.CycleTimeSeconds)
		if c.pvToOffDelay <= 0 {
			d.DesiredMode = api.ModeOff
			c.setData(d)
			c.bus.Publish(evVehicleLeave)
		}
	} else {
		c.pvToOffDelay = unplugDebounce.Seconds()
	}

	if d.Mode == api.ModeOff && wb.Error == 0 && wb.CarStatus == api.StatusWaitingForVehicle && c.cfg.EnableChargingWhenConnectingCar != api.ModeOff {
		d = c.getData()
		d.DesiredMode = c.cfg.EnableChargingWhenConnectingCar
		c.setData(d)
		c.bus.Publish(evVehicleConnect)
	}
}

// --- 4.G.5 priority resolution ------------------------------------------

func (c *ChargeController) resolvePriority(m api.MeterData) {
	d := c.getData()
	switch d.DesiredPriority {
	case api.PriorityAuto:
		if m.SocBatteryPercent != nil && *m.SocBatteryPercent < c.cfg.PrioAutoSoCThreshold {
			d.Priority = api.PriorityHomeBattery
		} else {
			d.Priority = api.PriorityCar
		}
	default:
		d.Priority = d.DesiredPriority
	}
	c.setData(d)
}

// --- 4.G.6 phase convergence ----------------------------------------------

// convergePhases returns true iff it issued an electrically relevant action
// this tick (reset, relay switch, or allow_charging(false) to free the
// relay), in which case the caller must skip the current-setpoint step.
func (c *ChargeController) convergePhases(d api.ChargeControllerData, wb api.WallboxData, m api.MeterData) bool {
	if wb.Error == 0 && (wb.WbError == api.WbPhase || wb.WbError == api.WbPhaseRelayErr) {
		c.wallbox.TriggerReset()
		c.bus.Publish(evPhaseSwitched)
		return true
	}

	availablePower := -m.PowerGridW + wb.PowerW
	desiredPhases := c.desiredPhases(d, availablePower, wb.PhasesIn)

	if desiredPhases != wb.PhasesIn && wb.Error == 0 {
		if wb.PhasesOut == 0 {
			c.wallbox.SetPhasesIn(desiredPhases)
		} else {
			c.allowCharging(false, true)
		}
		c.bus.Publish(evPhaseSwitched)
		return true
	}
	return false
}

func (c *ChargeController) desiredPhases(d api.ChargeControllerData, availablePower float64, phasesIn int) int {
	switch d.PhaseMode {
	case api.PhaseMode1P:
		return 1
	case api.PhaseMode3P:
		return 3
	}

	// AUTO
	if !c.cfg.EnableAutoPhaseSwitching {
		if d.DesiredMode == api.ModePVOnly || d.DesiredMode == api.ModePVAll {
			return 1
		}
		return phasesIn
	}

	switch d.DesiredMode {
	case api.ModePVOnly:
		if phasesIn == 1 {
			if availablePower >= c.th.pvOnly1to3 {
				return 3
			}
			return 1
		}
		if availablePower < c.th.pvOnly3to1 {
			return 1
		}
		return 3
	case api.ModePVAll:
		if phasesIn == 1 {
			if availablePower >= c.th.pvAll1to3 {
				return 3
			}
			return 1
		}
		if availablePower < c.th.pvAll3to1 {
			return 1
		}
		return 3
	case api.ModeMax:
		return 3
	default: // OFF, MANUAL
		return phasesIn
	}
}

// --- 4.G.7 current-setpoint control --------------------------------------

func (c *ChargeController) controlCurrent(d api.ChargeControllerData, wb api.WallboxData, m api.MeterData) {
	var effectiveMode api.ChargeMode

	switch d.DesiredMode {
	case api.ModeOff:
		c.allowCharging(false, true)
		d.DesiredMode = api.ModeManual
		c.setData(d)
		effectiveMode = api.ModeOff

	case api.ModeMax:
		c.wallbox.SetMaxCurrent(c.maxCurrent)
		c.allowCharging(true, true)
		d.DesiredMode = api.ModeManual
		c.setData(d)
		effectiveMode = api.ModeMax

	case api.ModeManual:
		c.allowChargingDelay = float64(c.cfg.PVAllowChargingDelaySeconds)
		switch {
		case !wb.AllowCharging:
			effectiveMode = api.ModeOff
		case wb.MaxCurrent == c.maxCurrent:
			effectiveMode = api.ModeMax
		default:
			effectiveMode = api.ModeManual
		}

	case api.ModePVOnly, api.ModePVAll:
		phases := wb.PhasesOut
		if phases == 0 {
			phases = wb.PhasesIn
		}
		availablePower := c.priorityAdjustedAvailablePower(d, wb, m)

		var amps int
		switch d.DesiredMode {
		case api.ModePVOnly:
			if !wb.AllowCharging && availablePower < c.th.pvOnlyOn {
				amps = 0
			} else {
				amps = int(math.Floor(availablePower/c.cfg.LineVoltage/float64(phases) + c.cfg.CurrentRoundingOffset))
				if amps < c.minCurrent {
					amps = 0
				}
			}
		case api.ModePVAll:
			if (!wb.AllowCharging && availablePower < c.th.pvAllOn) || availablePower < c.th.pvAllOff {
				amps = 0
			} else {
				amps = int(math.Ceil(availablePower/c.cfg.LineVoltage/float64(phases) - c.cfg.CurrentRoundingOffset))
				if amps < c.minCurrent {
					amps = c.minCurrent
				}
			}
		}
		if amps > c.maxCurrent {
			amps = c.maxCurrent
		}

		var desiredAllow bool
		if amps > 0 {
			desiredAllow = true
		} else {
			amps = c.minCurrent
			desiredAllow = false
		}

		c.wallbox.SetMaxCurrent(amps)

		if wb.AllowCharging != desiredAllow {
			c.allowChargingDelay -= float64(c.cfg.CycleTimeSeconds)
			if c.allowChargingDelay <= 0 {
				c.allowCharging(desiredAllow, false)
			}
		} else {
			c.allowChargingDelay = float64(c.cfg.PVAllowChargingDelaySeconds)
		}
		effectiveMode = d.DesiredMode
	}

	d = c.getData()
	d.Mode = effectiveMode
	c.setData(d)
	c.bus.Publish(evModeConverged)
}

// priorityAdjustedAvailablePower implements spec.md 4.G.7 step 2: CAR
// priority never touches the home battery; HOME_BATTERY priority protects
// the battery from being drained to feed the car.
func (c *ChargeController) priorityAdjustedAvailablePower(d api.ChargeControllerData, wb api.WallboxData, m api.MeterData) float64 {
	available := -m.PowerGridW + wb.PowerW
	switch d.Priority {
	case api.PriorityCar:
		available -= m.PowerBatteryW
	case api.PriorityHomeBattery:
		if m.PowerBatteryW > 0 {
			available -= m.PowerBatteryW
		}
	}
	return available
}

// --- 4.G.8 allow_charging helper ------------------------------------------

// allowCharging wraps the wallbox mutator, remembering the last requested
// value and resetting the debounce timer (or zeroing it when skipDelay is
// set), per spec.md 4.G.8.
func (c *ChargeController) allowCharging(flag bool, skipDelay bool) {
	c.desiredAllow = flag
	if skipDelay {
		c.allowChargingDelay = 0
	} else {
		c.allowChargingDelay = float64(c.cfg.PVAllowChargingDelaySeconds)
	}
	c.wallbox.AllowCharging(flag)
}

// Shutdown enforces the safe state on process shutdown: deny charging.
func (c *ChargeController) Shutdown() {
	c.log.Infof("shutting down: allow_charging=false")
	c.wallbox.AllowCharging(false)
}
