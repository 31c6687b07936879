package core

import (
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsPvcError is the single per-process error gauge all services share,
// labelled by service name, exactly as the teacher's BaseService tracks one
// error counter per concrete service in spec.md 4.A.
var metricsPvcError = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "pvcontrol_error",
	Help: "Error counter per service. 0 = ok.",
}, []string{"service"})

func init() {
	prometheus.MustRegister(metricsPvcError)
}

// service is the composable helper embedded by every adapter/controller. It
// is not exported: components expose their own typed GetConfig/GetData
// methods and compose *service for the shared error-counter/metrics
// plumbing, matching the "composition over a base-class hierarchy" design
// note in spec.md 9.
type service[D any] struct {
	name  string
	data  atomic.Pointer[D]
	gauge prometheus.Gauge
}

func newService[D any](name string, initial D) *service[D] {
	s := &service[D]{name: name, gauge: metricsPvcError.WithLabelValues(name)}
	s.gauge.Set(0)
	s.data.Store(&initial)
	return s
}

// getData returns the current coherent snapshot. Callers never see a
// partially updated record because setData replaces the pointer wholesale.
func (s *service[D]) getData() D {
	return *s.data.Load()
}

// setData installs a new snapshot, stamping it with the current error
// counter first - the Go equivalent of the teacher's BaseService._set_data.
// It returns the stamped snapshot so callers that want the value they just
// stored (rather than their pre-stamp local copy) can use it directly.
func (s *service[D]) setData(d D, setErr func(*D, int)) D {
	setErr(&d, s.errorCounter())
	s.data.Store(&d)
	return d
}

func (s *service[D]) errorCounter() int {
	return int(errorGaugeValue(s.gauge))
}

func (s *service[D]) incErrorCounter() int {
	s.gauge.Inc()
	return s.errorCounter()
}

func (s *service[D]) resetErrorCounter() {
	s.gauge.Set(0)
}

// errorGaugeValue reads back the current value of a prometheus.Gauge. The
// client library has no public getter, so the value is captured via the
// metric's Write method - the same trick the Python reference uses when it
// reaches into the collector's private _value.
func errorGaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
