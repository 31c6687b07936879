package core

import (
	"math"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stephanme/pvcontrol/api"
	"github.com/stephanme/pvcontrol/util"
)

var (
	metricsPvcMeterPower = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pvcontrol_meter_power_watts", Help: "Power from pv or grid",
	}, []string{"source"})
	metricsPvcMeterPowerConsumptionTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pvcontrol_meter_power_consumption_total_watts", Help: "Total home power consumption",
	})
)

func init() {
	prometheus.MustRegister(metricsPvcMeterPower, metricsPvcMeterPowerConsumptionTotal)
}

// baseMeter shares the read/publish/metrics plumbing across meter variants.
type baseMeter struct {
	*service[api.MeterData]
	log *util.Logger
}

func newBaseMeter(name string) *baseMeter {
	return &baseMeter{service: newService(name, api.MeterData{}), log: util.NewLogger("meter")}
}

func (m *baseMeter) GetConfig() any { return struct{}{} }
func (m *baseMeter) GetData() api.MeterData { return m.getData() }
func (m *baseMeter) Close()                 {}

func (m *baseMeter) publish(d api.MeterData) api.MeterData {
	d = m.service.setData(d, func(d *api.MeterData, e int) { d.Error = e })
	metricsPvcMeterPower.WithLabelValues("pv").Set(d.PowerPVW)
	metricsPvcMeterPower.WithLabelValues("grid").Set(d.PowerGridW)
	metricsPvcMeterPowerConsumptionTotal.Set(d.PowerConsumptionW)
	return d
}

// --- SimulatedMeter -----------------------------------------------------

// SimulatedMeter reproduces the sinusoidal PV/consumption demo profile of
// original_source/pvcontrol/meter.py, generalised with a simple battery.
type SimulatedMeter struct {
	*baseMeter
	wallbox    api.Wallbox
	batteryMaxW float64
	soc        float64
	clk        clock.Clock
}

func NewSimulatedMeter(wallbox api.Wallbox, batteryMaxW float64) *SimulatedMeter {
	return &SimulatedMeter{baseMeter: newBaseMeter("SimulatedMeter"), wallbox: wallbox, batteryMaxW: batteryMaxW, soc: 50, clk: clock.New()}
}

func (m *SimulatedMeter) ReadData() api.MeterData {
	t := float64(m.clk.Now().Unix())
	powerCar := m.wallbox.GetData().PowerW
	pv := math.Floor(7000 * math.Abs(math.Sin(2*math.Pi*t/3600)))
	home := 500 + math.Floor(500*math.Abs(math.Sin(2*math.Pi*t/300)))
	consumption := home + powerCar

	var battery float64
	var soc *float64
	if m.batteryMaxW > 0 {
		battery = clampf(consumption-pv, -m.batteryMaxW, m.batteryMaxW)
		m.soc = clampf(m.soc+battery/120, 0, 100)
		s := m.soc
		soc = &s
	}
	grid := consumption - pv - battery

	d := api.MeterData{
		PowerPVW: pv, PowerConsumptionW: consumption, PowerGridW: grid,
		PowerBatteryW: battery, SocBatteryPercent: soc,
	}
	return m.publish(d)
}

// --- TestMeter ------------------------------------------------------------

// TestMeter is the deterministic meter double used by controller tests: the
// test fixes pv/home power directly and the battery model integrates
// power_battery/120 Wh per tick, saturating SoC at [0,100], exactly as
// spec.md 9 requires for reproducible E2E scenarios.
type TestMeter struct {
	*baseMeter
	wallbox       api.Wallbox
	pv, home      float64
	batteryPowerW float64
	hasBattery    bool
	soc           float64
	energyConsumption, energyConsumptionGrid, energyConsumptionPV float64
}

func NewTestMeter(wallbox api.Wallbox) *TestMeter {
	return &TestMeter{baseMeter: newBaseMeter("TestMeter"), wallbox: wallbox, soc: 50}
}

// SetData fixes the simulated PV/home power for the next reads.
func (m *TestMeter) SetData(pv, home float64) {
	m.pv, m.home = pv, home
}

// SetBattery enables the battery model with the given instantaneous power
// (+discharge, -charge) and initial SoC.
func (m *TestMeter) SetBattery(powerW, soc float64) {
	m.hasBattery = true
	m.batteryPowerW = powerW
	m.soc = soc
}

// SetBatteryPower updates the simulated battery power without touching SoC.
func (m *TestMeter) SetBatteryPower(powerW float64) {
	m.batteryPowerW = powerW
}

func (m *TestMeter) SoC() float64 { return m.soc }

func (m *TestMeter) ReadData() api.MeterData {
	powerCar := m.wallbox.GetData().PowerW
	consumption := m.home + powerCar

	var battery float64
	var soc *float64
	if m.hasBattery {
		battery = m.batteryPowerW
		m.soc = clampf(m.soc+battery/120, 0, 100)
		s := m.soc
		soc = &s
	}
	grid := consumption - m.pv - battery

	m.energyConsumption += consumption / 120
	m.energyConsumptionGrid += math.Max(0, grid) / 120
	m.energyConsumptionPV += math.Max(0, m.pv-math.Max(0, battery)) / 120

	d := api.MeterData{
		PowerPVW: m.pv, PowerConsumptionW: consumption, PowerGridW: grid,
		PowerBatteryW: battery, SocBatteryPercent: soc,
		EnergyConsumptionWh: m.energyConsumption, EnergyConsumptionGridWh: m.energyConsumptionGrid,
		EnergyConsumptionPVWh: m.energyConsumptionPV,
	}
	return m.publish(d)
}

// --- FailingMeter -----------------------------------------------------

// FailingMeter simulates a backend that can be made to fail reads on demand,
// for exercising the three-strikes-then-empty-snapshot rule of spec.md 4.D.
type FailingMeter struct {
	*baseMeter
	failing bool
	last    api.MeterData
}

func NewFailingMeter() *FailingMeter {
	return &FailingMeter{baseMeter: newBaseMeter("FailingMeter")}
}

func (m *FailingMeter) SetFailing(f bool) { m.failing = f }

func (m *FailingMeter) ReadData() api.MeterData {
	if m.failing {
		cnt := m.incErrorCounter()
		if cnt >= 3 {
			return m.publish(api.MeterData{})
		}
		return m.publish(m.last)
	}
	m.resetErrorCounter()
	m.last = api.MeterData{}
	return m.publish(m.last)
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
