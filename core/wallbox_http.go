package core

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/stephanme/pvcontrol/api"
)

// HTTPWallboxConfig configures the generic HTTP status-polling wallbox
// adapter, grounded on original_source/pvcontrol/wallbox.py's GoeWallbox.
// The wire format itself is vendor-specific and out of scope (spec.md 1);
// what's implemented and tested here is the contract: status decode, the
// phase-relay inconsistency check, the conditional-write discipline, and
// the set_phases_in three-step sequence.
type HTTPWallboxConfig struct {
	api.WallboxConfig   `mapstructure:",squash"`
	URL                string        `json:"url" mapstructure:"url"`
	Timeout            time.Duration `json:"timeout" mapstructure:"timeout"`
	SwitchPhasesResetDelay time.Duration `json:"switch_phases_reset_delay" mapstructure:"switch_phases_reset_delay"`
}

func DefaultHTTPWallboxConfig() HTTPWallboxConfig {
	return HTTPWallboxConfig{
		WallboxConfig:          api.DefaultWallboxConfig(),
		Timeout:                5 * time.Second,
		SwitchPhasesResetDelay: 2 * time.Second,
	}
}

// httpStatusPayload is the vendor JSON status shape: error, car status,
// configured current, allow flag, input/output phase counts, power and
// energy counters. It's deliberately abstract/minimal - a real vendor integration
// would replace this with its actual wire format.
type httpStatusPayload struct {
	Err        int     `json:"err"`
	Car        int     `json:"car"`
	Amp        int     `json:"amp"`
	Allow      bool    `json:"alw"`
	PhasesIn   int     `json:"pha_in"`
	PhasesOut  int     `json:"pha_out"`
	PowerW     float64 `json:"nrg"`
	ChargedWh  float64 `json:"dws"`
	TotalWh    float64 `json:"eto"`
	TempC      float64 `json:"tmp"`
}

// httpStatusWallbox polls a JSON status endpoint over HTTP and issues
// writes via simple GET-with-query-params requests, the same shape as the
// reference adapter.
type httpStatusWallbox struct {
	*baseWallbox
	client *http.Client
	cfg    HTTPWallboxConfig
}

func NewHTTPStatusWallbox(cfg HTTPWallboxConfig, relay api.PhaseRelay) api.Wallbox {
	return &httpStatusWallbox{
		baseWallbox: newBaseWallbox("HTTPStatusWallbox", cfg.WallboxConfig, relay),
		client:      &http.Client{Timeout: cfg.Timeout},
		cfg:         cfg,
	}
}

func (wb *httpStatusWallbox) ReadData() api.WallboxData {
	var payload httpStatusPayload
	err := retry.Do(func() error {
		resp, err := wb.client.Get(wb.cfg.URL + "/status")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status endpoint returned %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&payload)
	}, retry.Attempts(3), retry.Delay(100*time.Millisecond))

	if err != nil {
		wb.log.Errorf("%v", errors.Wrapf(err, "reading wallbox status"))
		wb.incErrorCounter()
		// re-stamp the last-known snapshot with the now-current error count,
		// per spec.md 7(a) - the snapshot's own Error field must never lag.
		return wb.publish(wb.getData())
	}

	wb.resetErrorCounter()
	return wb.publish(wb.decode(payload))
}

// decode maps the vendor payload to WallboxData, applying the two required
// transforms of spec.md 4.C(b): clamp phases_out<=phases_in, and derive the
// synthetic PHASE_RELAY_ERR when the relay is enabled, the vendor error is
// absent/informational, and phases_in disagrees with the relay's phases.
func (wb *httpStatusWallbox) decode(p httpStatusPayload) api.WallboxData {
	wbErr := api.WbError(p.Err)
	phasesOut := p.PhasesOut
	if phasesOut > p.PhasesIn {
		phasesOut = p.PhasesIn
	}

	if wb.relay != nil && wb.relay.IsEnabled() && wbErr.Informational() {
		if p.PhasesIn != wb.relay.GetPhases() {
			wbErr = api.WbPhaseRelayErr
		}
	}

	return api.WallboxData{
		WbError:         wbErr,
		CarStatus:       api.CarStatus(p.Car),
		MaxCurrent:      p.Amp,
		AllowCharging:   p.Allow,
		PhasesIn:        p.PhasesIn,
		PhasesOut:       phasesOut,
		PowerW:          p.PowerW,
		ChargedEnergyWh: p.ChargedWh,
		TotalEnergyWh:   p.TotalWh,
		TemperatureC:    p.TempC,
	}
}

func (wb *httpStatusWallbox) write(payload string) {
	resp, err := wb.client.Get(wb.cfg.URL + "/mqtt?payload=" + payload)
	if err != nil {
		wb.log.Errorf("%v", errors.Wrapf(err, "writing to wallbox"))
		return
	}
	defer resp.Body.Close()
}

func (wb *httpStatusWallbox) AllowCharging(flag bool) {
	if wb.getData().AllowCharging == flag {
		return
	}
	wb.log.Debugf("set allow_charging=%v", flag)
	v := 0
	if flag {
		v = 1
	}
	wb.write(fmt.Sprintf("alw=%d", v))
	wb.ReadData()
}

func (wb *httpStatusWallbox) SetMaxCurrent(amps int) {
	if wb.getData().MaxCurrent == amps {
		return
	}
	wb.log.Debugf("set max_current=%d", amps)
	wb.write(fmt.Sprintf("amx=%d", amps))
	wb.ReadData()
}

func (wb *httpStatusWallbox) SetPhasesIn(phases int) bool {
	return wb.trySetPhasesIn(phases, wb.cfg.SwitchPhasesResetDelay, func(int) {}, wb.TriggerReset)
}

func (wb *httpStatusWallbox) TriggerReset() {
	wb.log.Debugf("trigger reset")
	wb.write("rst=1")
}

func (wb *httpStatusWallbox) Close() {
	wb.client.CloseIdleConnections()
}
