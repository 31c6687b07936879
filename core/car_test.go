package core

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephanme/pvcontrol/api"
)

func TestSimulatedCar_ReadsBackSetData(t *testing.T) {
	c := NewSimulatedCar(api.DefaultCarConfig())
	c.SetData(api.CarData{SocPercent: 80, CruisingRangeKm: 300, MileageKm: 12000})

	d := c.ReadData()
	assert.Equal(t, 80.0, d.SocPercent)
	assert.Equal(t, 300, d.CruisingRangeKm)
}

func TestSimulatedCar_DischargeAccruesEnergyConsumption(t *testing.T) {
	c := NewSimulatedCar(api.DefaultCarConfig())
	before := testGaugeValue(t, metricsPvcCarEnergyConsumption)

	c.SetData(api.CarData{SocPercent: 40}) // down from the initial 50
	after := testGaugeValue(t, metricsPvcCarEnergyConsumption)

	assert.InDelta(t, before+10*float64(c.GetConfig().EnergyOnePercentSoC), after, 0.01)
}

func TestSimulatedCar_ChargingDoesNotAccrueConsumption(t *testing.T) {
	c := NewSimulatedCar(api.DefaultCarConfig())
	before := testGaugeValue(t, metricsPvcCarEnergyConsumption)

	c.SetData(api.CarData{SocPercent: 60}) // up from the initial 50: charging, not discharging
	after := testGaugeValue(t, metricsPvcCarEnergyConsumption)

	assert.Equal(t, before, after)
}

func TestNoCar_AlwaysReportsFourErrors(t *testing.T) {
	c := NewNoCar(api.DefaultCarConfig())
	d := c.ReadData()
	assert.Equal(t, 4, d.Error)
}

func TestDisabledCar_ErrorGrowsOnEveryRead(t *testing.T) {
	c := NewDisabledCar(api.DefaultCarConfig())
	d1 := c.ReadData()
	d2 := c.ReadData()
	assert.Equal(t, 1, d1.Error)
	assert.Equal(t, 2, d2.Error)
}

// testGaugeValue reads back a prometheus.Counter's current value the same
// way core/service.go's errorGaugeValue does for gauges.
func testGaugeValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}
