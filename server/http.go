// Package server exposes pvcontrol's component state and mutators over
// HTTP/JSON, plus Prometheus metrics and a static UI, per spec.md 6.
package server

import (
	"encoding/json"
	"net/http"
	"reflect"

	"github.com/stephanme/pvcontrol/api"
	"github.com/stephanme/pvcontrol/core"
	"github.com/stephanme/pvcontrol/util"
)

// Services bundles every component the HTTP surface fronts. Simulation-only
// fields are nil outside a simulated deployment, and the corresponding
// endpoints are only registered when present.
type Services struct {
	Version string // build version, surfaced on the root aggregate endpoint

	Controller *core.ChargeController
	Meter      api.Meter
	Wallbox    api.Wallbox
	Relay      api.PhaseRelay
	Car        api.Car

	SimulatedWallbox *core.SimulatedWallbox // optional, enables test-only mutators
	TestMeter        *core.TestMeter        // optional, enables test-only mutators

	BaseHref string // URL prefix the static UI is served under, e.g. "/pvcontrol"
}

// serviceEnvelope mirrors the original ServiceResponse[C, D]: every
// component GET returns its own type name alongside its config and data,
// so a client can tell which concrete adapter answered without a second
// request.
type serviceEnvelope[C any, D any] struct {
	Type   string `json:"type"`
	Config C      `json:"config"`
	Data   D      `json:"data"`
}

// rootResponse is the mandatory aggregate GET /api/pvcontrol: bare data
// snapshots of every component plus the running build version, matching
// the original PvcontrolResponse.
type rootResponse struct {
	Version    string                   `json:"version"`
	Controller api.ChargeControllerData `json:"controller"`
	Meter      api.MeterData            `json:"meter"`
	Wallbox    api.WallboxData          `json:"wallbox"`
	Relay      api.PhaseRelayData       `json:"relay"`
	Car        api.CarData              `json:"car"`
}

// NewHandler builds the full pvcontrol HTTP surface: the routes in
// spec.md 6, /metrics, and a static file handler for the UI bundle.
func NewHandler(svc Services, staticDir string) http.Handler {
	log := util.NewLogger("server")
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/pvcontrol", jsonGet(func() any {
		resp := rootResponse{
			Version:    svc.Version,
			Controller: svc.Controller.GetData(),
			Meter:      svc.Meter.GetData(),
			Wallbox:    svc.Wallbox.GetData(),
			Relay:      svc.Relay.GetData(),
		}
		if svc.Car != nil {
			resp.Car = svc.Car.GetData()
		}
		return resp
	}))

	mux.HandleFunc("GET /api/pvcontrol/controller", jsonEnvelope(svc.Controller, svc.Controller.GetConfig, svc.Controller.GetData))
	mux.HandleFunc("PUT /api/pvcontrol/controller/desired_mode", putChargeMode(func(m api.ChargeMode) { svc.Controller.SetDesiredMode(m) }))
	mux.HandleFunc("PUT /api/pvcontrol/controller/phase_mode", putPhaseMode(func(m api.PhaseMode) { svc.Controller.SetPhaseMode(m) }))
	mux.HandleFunc("PUT /api/pvcontrol/controller/desired_priority", putPriority(func(p api.Priority) { svc.Controller.SetDesiredPriority(p) }))

	mux.HandleFunc("GET /api/pvcontrol/wallbox", jsonEnvelope(svc.Wallbox, svc.Wallbox.GetConfig, svc.Wallbox.GetData))

	mux.HandleFunc("GET /api/pvcontrol/meter", jsonEnvelope(svc.Meter, svc.Meter.GetConfig, svc.Meter.GetData))

	mux.HandleFunc("GET /api/pvcontrol/relay", jsonEnvelope(svc.Relay, svc.Relay.GetConfig, svc.Relay.GetData))

	if svc.Car != nil {
		mux.HandleFunc("GET /api/pvcontrol/car", jsonEnvelope(svc.Car, svc.Car.GetConfig, svc.Car.GetData))
	}

	// Simulation-only mutators, registered only for simulated deployments -
	// the production wallbox/meter adapters don't expose them.
	if svc.SimulatedWallbox != nil {
		mux.HandleFunc("PUT /api/pvcontrol/wallbox/car_status", putCarStatus(func(cs api.CarStatus) { svc.SimulatedWallbox.SetCarStatus(cs) }))
		mux.HandleFunc("PUT /api/pvcontrol/wallbox/wb_error", putWbError(func(e api.WbError) { svc.SimulatedWallbox.SetWbError(e) }))
	}
	if svc.TestMeter != nil {
		mux.HandleFunc("PUT /api/pvcontrol/meter/simulation", func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				PV   float64 `json:"pv"`
				Home float64 `json:"home"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, http.StatusUnprocessableEntity, err)
				return
			}
			svc.TestMeter.SetData(body.PV, body.Home)
			w.WriteHeader(http.StatusNoContent)
		})
	}

	mux.Handle("GET /metrics", metricsHandler())

	if staticDir != "" {
		mux.Handle("GET /", http.StripPrefix(svc.BaseHref, NewStaticHandler(staticDir)))
	}

	return chain(mux, withRequestID, withLogging(log))
}

func jsonGet(get func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, get())
	}
}

// jsonEnvelope wraps a component's config/data in the {type, config, data}
// envelope. component is the interface value actually backing getConfig/
// getData, used once at registration time to resolve the concrete adapter's
// type name (e.g. "SimulatedWallbox"), mirroring the original
// type(service).__name__.
func jsonEnvelope[C any, D any](component any, getConfig func() C, getData func() D) http.HandlerFunc {
	typeName := componentTypeName(component)
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, serviceEnvelope[C, D]{Type: typeName, Config: getConfig(), Data: getData()})
	}
}

func componentTypeName(component any) string {
	t := reflect.TypeOf(component)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return t.Name()
}

// putChargeMode, putPhaseMode, putPriority, putCarStatus and putWbError
// decode a bare JSON-encoded enum value and apply it, responding 422 when
// decoding fails - per spec.md 7(d)'s "unknown enum value is a client error,
// not a panic" contract. ChargeMode, PhaseMode, Priority and CarStatus
// reject values outside their set in a pointer-receiver UnmarshalJSON, so
// these stay concrete rather than a single generic helper. WbError has no
// such check: putWbError accepts any JSON integer.
func putChargeMode(apply func(api.ChargeMode)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var v api.ChargeMode
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		apply(v)
		w.WriteHeader(http.StatusNoContent)
	}
}

func putPhaseMode(apply func(api.PhaseMode)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var v api.PhaseMode
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		apply(v)
		w.WriteHeader(http.StatusNoContent)
	}
}

func putPriority(apply func(api.Priority)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var v api.Priority
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		apply(v)
		w.WriteHeader(http.StatusNoContent)
	}
}

func putCarStatus(apply func(api.CarStatus)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var v api.CarStatus
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		apply(v)
		w.WriteHeader(http.StatusNoContent)
	}
}

func putWbError(apply func(api.WbError)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var v api.WbError
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		apply(v)
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
