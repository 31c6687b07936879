package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stephanme/pvcontrol/api"
	"github.com/stephanme/pvcontrol/util"
)

var (
	metricsPvcCarSoC     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pvcontrol_car_soc_ratio", Help: "State of Charge"})
	metricsPvcCarRange   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pvcontrol_car_cruising_range_meters", Help: "Remaining cruising range"})
	metricsPvcCarMileage = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pvcontrol_car_mileage_meters", Help: "Mileage"})
	metricsPvcCarEnergyConsumption = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pvcontrol_car_energy_consumption_wh", Help: "Energy Consumption",
	})
)

func init() {
	prometheus.MustRegister(metricsPvcCarSoC, metricsPvcCarRange, metricsPvcCarMileage, metricsPvcCarEnergyConsumption)
}

// baseCar shares the read/publish/metrics plumbing and the discharge-delta
// energy accounting of original_source/pvcontrol/car.py across variants.
type baseCar struct {
	*service[api.CarData]
	log     *util.Logger
	cfg     api.CarConfig
	lastSoC float64
}

func newBaseCar(name string, cfg api.CarConfig) *baseCar {
	return &baseCar{service: newService(name, api.CarData{}), log: util.NewLogger("car"), cfg: cfg}
}

func (c *baseCar) GetConfig() api.CarConfig { return c.cfg }
func (c *baseCar) GetData() api.CarData     { return c.getData() }

// publish stamps metrics and accrues the monotonic energy-consumption
// counter by (last_soc - soc) * energy_one_percent_soc whenever SoC
// strictly decreases (a discharge event), per spec.md 4.E.
func (c *baseCar) publish(d api.CarData) api.CarData {
	d = c.service.setData(d, func(d *api.CarData, e int) { d.Error = e })
	metricsPvcCarSoC.Set(d.SocPercent / 100)
	metricsPvcCarRange.Set(float64(d.CruisingRangeKm) * 1000)
	metricsPvcCarMileage.Set(float64(d.MileageKm) * 1000)
	if d.SocPercent < c.lastSoC {
		metricsPvcCarEnergyConsumption.Add((c.lastSoC - d.SocPercent) * float64(c.cfg.EnergyOnePercentSoC))
	}
	c.lastSoC = d.SocPercent
	return d
}

// --- SimulatedCar -----------------------------------------------------

// SimulatedCar is a stable test double with a fixed initial SoC/range.
type SimulatedCar struct {
	*baseCar
}

func NewSimulatedCar(cfg api.CarConfig) *SimulatedCar {
	c := &SimulatedCar{baseCar: newBaseCar("SimulatedCar", cfg)}
	c.SetData(api.CarData{DataCapturedAt: time.Now(), SocPercent: 50, CruisingRangeKm: 150, MileageKm: 10000})
	return c
}

func (c *SimulatedCar) ReadData() api.CarData { return c.GetData() }

// SetData lets tests drive the simulated car's telemetry directly.
func (c *SimulatedCar) SetData(d api.CarData) {
	c.publish(d)
}

// --- NoCar --------------------------------------------------------------

// NoCar permanently degrades the error counter so the UI greys out SoC,
// per spec.md 4.E and original_source/pvcontrol/car.py's NoCar.
type NoCar struct {
	*baseCar
}

func NewNoCar(cfg api.CarConfig) *NoCar {
	c := &NoCar{baseCar: newBaseCar("NoCar", cfg)}
	for i := 0; i < 4; i++ {
		c.incErrorCounter()
	}
	return c
}

func (c *NoCar) ReadData() api.CarData {
	return c.publish(api.CarData{DataCapturedAt: time.Now()})
}

// --- DisabledCar ----------------------------------------------------------

// DisabledCar models a car config with disabled=true: every read raises the
// error counter, matching spec.md 4.E's "disabled=true configuration"
// clause distinctly from the always-absent NoCar variant.
type DisabledCar struct {
	*baseCar
}

func NewDisabledCar(cfg api.CarConfig) *DisabledCar {
	return &DisabledCar{baseCar: newBaseCar("DisabledCar", cfg)}
}

func (c *DisabledCar) ReadData() api.CarData {
	c.incErrorCounter()
	return c.publish(api.CarData{})
}
