package core

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stephanme/pvcontrol/api"
	"github.com/stephanme/pvcontrol/util"
)

var (
	metricsPvcPhaseRelay = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pvcontrol_phase_relay", Help: "Phase switch relay status (off/on)",
	})
	metricsPvcPhaseRelayPhases = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pvcontrol_phase_relay_phases", Help: "Number of phases selected by the relay (0, 1 or 3)",
	})
)

func init() {
	prometheus.MustRegister(metricsPvcPhaseRelay, metricsPvcPhaseRelayPhases)
}

// NewPhaseRelay builds the enabled/disabled relay per spec.md 4.B's factory
// rule: active iff enable_phase_switching is set and installed_on_host is
// empty or matches the given hostname (so a shared binary can be deployed
// fleet-wide while only one instance owns the physical relay).
func NewPhaseRelay(hostname string, cfg api.PhaseRelayConfig) api.PhaseRelay {
	if cfg.EnablePhaseSwitching && (cfg.InstalledOnHost == "" || cfg.InstalledOnHost == hostname) {
		return newActiveRelay(cfg)
	}
	return newDisabledRelay(cfg)
}

// Hostname resolves the process host identifier, defaulting to os.Hostname()
// the way the CLI's --hostname flag does when left unset.
func Hostname(override string) string {
	if override != "" {
		return override
	}
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

// disabledRelay is the no-op variant: no physical relay, phases is always 0.
type disabledRelay struct {
	*service[api.PhaseRelayData]
	cfg api.PhaseRelayConfig
}

func newDisabledRelay(cfg api.PhaseRelayConfig) *disabledRelay {
	return &disabledRelay{
		service: newService("PhaseRelay", api.PhaseRelayData{Enabled: false, Phases: 0}),
		cfg:     cfg,
	}
}

func (r *disabledRelay) GetConfig() api.PhaseRelayConfig { return r.cfg }
func (r *disabledRelay) GetData() api.PhaseRelayData     { return r.getData() }
func (r *disabledRelay) IsEnabled() bool                 { return false }
func (r *disabledRelay) GetPhases() int                  { return 0 }
func (r *disabledRelay) SetPhases(int)                   {} // no-op, always a no-op

// activeRelay drives (simulated) hardware. The NO/NC dialect lives as a
// field, not a subtype, per spec.md 9's explicit design note.
type activeRelay struct {
	*service[api.PhaseRelayData]
	log      *util.Logger
	cfg      api.PhaseRelayConfig
	relayType api.RelayType
}

func newActiveRelay(cfg api.PhaseRelayConfig) *activeRelay {
	r := &activeRelay{
		service:   newService("PhaseRelay", api.PhaseRelayData{Enabled: true}),
		log:       util.NewLogger("relay"),
		cfg:       cfg,
		relayType: cfg.PhaseRelayType,
	}
	// Initial state: relay off, which maps to phases depending on dialect.
	r.setData(false)
	return r
}

func (r *activeRelay) GetConfig() api.PhaseRelayConfig { return r.cfg }
func (r *activeRelay) GetData() api.PhaseRelayData     { return r.getData() }
func (r *activeRelay) IsEnabled() bool                 { return true }
func (r *activeRelay) GetPhases() int                  { return r.getData().Phases }

// phasesToRelay maps a desired phase count to the relay contact position.
func (r *activeRelay) phasesToRelay(phases int) bool {
	if r.relayType == api.RelayNC {
		return phases == 1
	}
	return phases == 3 // NO (default): on => 3 phases
}

// relayToPhases is the inverse mapping, used when reading back state.
func (r *activeRelay) relayToPhases(on bool) int {
	if r.relayType == api.RelayNC {
		if on {
			return 1
		}
		return 3
	}
	if on {
		return 3
	}
	return 1
}

// SetPhases sets the contact position for n in {1,3}; any other value is a
// no-op per spec.md 4.B.
func (r *activeRelay) SetPhases(phases int) {
	if phases != 1 && phases != 3 {
		return
	}
	on := r.phasesToRelay(phases)
	r.log.Debugf("set phase_relay=%v (phases=%d)", on, phases)
	r.setData(on)
}

func (r *activeRelay) setData(on bool) {
	d := api.PhaseRelayData{Enabled: true, PhaseRelay: on, Phases: r.relayToPhases(on)}
	r.service.setData(d, func(d *api.PhaseRelayData, e int) { d.Error = e })
	metricsPvcPhaseRelay.Set(boolToFloat(on))
	metricsPvcPhaseRelayPhases.Set(float64(d.Phases))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
