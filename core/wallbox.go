package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stephanme/pvcontrol/api"
	"github.com/stephanme/pvcontrol/util"
)

var (
	metricsPvcWallboxCarStatus     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pvcontrol_wallbox_car_status", Help: "Wallbox car status"})
	metricsPvcWallboxPower         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pvcontrol_wallbox_power_watts", Help: "Wallbox total power"})
	metricsPvcWallboxPhasesIn      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pvcontrol_wallbox_phases_in", Help: "Number of phases before wallbox (0..3)"})
	metricsPvcWallboxPhasesOut     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pvcontrol_wallbox_phases_out", Help: "Number of phases for charging after wallbox (0..3)"})
	metricsPvcWallboxMaxCurrent    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pvcontrol_wallbox_max_current_amperes", Help: "Max current per phase"})
	metricsPvcWallboxAllowCharging = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pvcontrol_wallbox_allow_charging", Help: "Wallbox allows charging"})
	metricsPvcWallboxTemperature   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pvcontrol_wallbox_temperature_celsius", Help: "Wallbox temperature"})
)

func init() {
	prometheus.MustRegister(
		metricsPvcWallboxCarStatus, metricsPvcWallboxPower, metricsPvcWallboxPhasesIn,
		metricsPvcWallboxPhasesOut, metricsPvcWallboxMaxCurrent, metricsPvcWallboxAllowCharging,
		metricsPvcWallboxTemperature,
	)
}

// baseWallbox provides the shared data-caching/metrics plumbing every
// Wallbox implementation composes, keeping the relay-driven SetPhasesIn
// contract (spec.md 4.C) in one place.
type baseWallbox struct {
	*service[api.WallboxData]
	log   *util.Logger
	cfg   api.WallboxConfig
	relay api.PhaseRelay
}

func newBaseWallbox(name string, cfg api.WallboxConfig, relay api.PhaseRelay) *baseWallbox {
	return &baseWallbox{
		service: newService(name, api.WallboxData{MaxCurrent: cfg.MaxSupportedCurrent, PhasesIn: 3}),
		log:     util.NewLogger("wallbox"),
		cfg:     cfg,
		relay:   relay,
	}
}

func (w *baseWallbox) GetConfig() api.WallboxConfig { return w.cfg }
func (w *baseWallbox) GetData() api.WallboxData     { return w.getData() }

func (w *baseWallbox) publish(d api.WallboxData) api.WallboxData {
	d = w.service.setData(d, func(d *api.WallboxData, e int) { d.Error = e })
	metricsPvcWallboxCarStatus.Set(float64(d.CarStatus))
	metricsPvcWallboxPower.Set(d.PowerW)
	metricsPvcWallboxPhasesIn.Set(float64(d.PhasesIn))
	metricsPvcWallboxPhasesOut.Set(float64(d.PhasesOut))
	metricsPvcWallboxMaxCurrent.Set(float64(d.MaxCurrent))
	metricsPvcWallboxAllowCharging.Set(boolToFloat(d.AllowCharging))
	metricsPvcWallboxTemperature.Set(d.TemperatureC)
	return d
}

// trySetPhasesIn implements the common accept/reject gate of spec.md 4.C's
// set_phases_in contract: only permitted when error_counter==0 and
// phases_out==0. On acceptance it flips the relay, waits the configured
// reset delay, and triggers a wallbox reset - callers provide the reset
// delay and the actual reset/write-back hook.
func (w *baseWallbox) trySetPhasesIn(phases int, resetDelay time.Duration, apply func(phases int), reset func()) bool {
	d := w.getData()
	if w.errorCounter() != 0 || d.PhasesOut != 0 {
		w.log.Warnf("rejected set_phases_in(%d): phases_out=%d, error_counter=%d", phases, d.PhasesOut, w.errorCounter())
		return false
	}
	if w.relay != nil {
		w.relay.SetPhases(phases)
	}
	apply(phases)
	if resetDelay > 0 {
		time.Sleep(resetDelay)
	}
	reset()
	return true
}

// --- SimulatedWallbox -------------------------------------------------

// SimulatedWallbox reproduces original_source/pvcontrol/wallbox.py's
// SimulatedWallbox: charging power follows phases_out*max_current*voltage,
// energy accrues assuming a 30s cycle, and charged_energy resets on the
// allow_charging 0->1 edge.
type SimulatedWallbox struct {
	*baseWallbox
	lineVoltage   float64
	resetCount    int
	wbErrOverride api.WbError
}

func NewSimulatedWallbox(cfg api.WallboxConfig, relay api.PhaseRelay, lineVoltage float64) *SimulatedWallbox {
	wb := &SimulatedWallbox{baseWallbox: newBaseWallbox("SimulatedWallbox", cfg, relay), lineVoltage: lineVoltage}
	d := wb.getData()
	if relay != nil && relay.GetPhases() != 0 {
		d.PhasesIn = relay.GetPhases()
	}
	wb.publish(d)
	return wb
}

func (wb *SimulatedWallbox) ReadData() api.WallboxData {
	old := wb.getData()
	d := old
	d.WbError = wb.wbErrOverride
	if wb.relay != nil {
		d.PhasesIn = wb.relay.GetPhases()
		if d.PhasesIn == 0 {
			d.PhasesIn = old.PhasesIn
		}
	}
	if d.PhasesOut > d.PhasesIn {
		d.PhasesOut = d.PhasesIn
	}

	if d.AllowCharging && d.CarStatus != api.StatusChargingFinished {
		d.PhasesOut = d.PhasesIn
		d.PowerW = float64(d.PhasesOut) * float64(d.MaxCurrent) * wb.lineVoltage
		d.ChargedEnergyWh += d.PowerW / 120 // assumes 30s cycle time
		d.TotalEnergyWh += d.PowerW / 120
	} else {
		d.PhasesOut = 0
		d.PowerW = 0
	}

	return wb.publish(d)
}

// AllowCharging resets charged_energy on the false->true transition, the
// same edge original_source/pvcontrol/wallbox.py's SimulatedWallbox resets
// on - a new charging session starts counting from zero.
func (wb *SimulatedWallbox) AllowCharging(flag bool) {
	d := wb.getData()
	if d.AllowCharging != flag {
		d.AllowCharging = flag
		if flag {
			d.ChargedEnergyWh = 0
		}
		wb.publish(d)
	}
}

func (wb *SimulatedWallbox) SetMaxCurrent(amps int) {
	d := wb.getData()
	if d.MaxCurrent != amps {
		d.MaxCurrent = amps
		wb.publish(d)
	}
}

func (wb *SimulatedWallbox) SetPhasesIn(phases int) bool {
	return wb.trySetPhasesIn(phases, 0, func(p int) {
		d := wb.getData()
		d.PhasesIn = p
		wb.publish(d)
	}, wb.TriggerReset)
}

func (wb *SimulatedWallbox) TriggerReset() { wb.resetCount++ }
func (wb *SimulatedWallbox) Close()        {}
func (wb *SimulatedWallbox) ResetCount() int { return wb.resetCount }

// SetCarStatus is the test/simulation-only mutator exposed over HTTP for
// SimulatedWallbox per spec.md 6.
func (wb *SimulatedWallbox) SetCarStatus(status api.CarStatus) {
	d := wb.getData()
	d.CarStatus = status
	wb.publish(d)
}

func (wb *SimulatedWallbox) SetWbError(err api.WbError) {
	wb.wbErrOverride = err
	d := wb.getData()
	d.WbError = err
	wb.publish(d)
}

// DecrementChargedEnergyForTests undoes the last tick's energy accrual - it
// exists only so property tests can simulate a counter reset mid-session,
// mirroring the Python reference's test-only helper of the same name.
func (wb *SimulatedWallbox) DecrementChargedEnergyForTests() {
	d := wb.getData()
	if d.AllowCharging {
		d.ChargedEnergyWh -= d.PowerW / 120
		d.TotalEnergyWh -= d.PowerW / 120
		wb.publish(d)
	}
}
