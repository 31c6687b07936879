// Package api defines the wire-level vocabulary shared by every pvcontrol
// component: the enums describing charger/car/mode state and the small
// interfaces adapters implement. Nothing in this package talks to hardware.
package api

import (
	"encoding/json"
	"fmt"
)

// ChargeMode is the operator-selected high level intent.
type ChargeMode string

const (
	ModeOff     ChargeMode = "OFF"
	ModePVOnly  ChargeMode = "PV_ONLY"
	ModePVAll   ChargeMode = "PV_ALL"
	ModeMax     ChargeMode = "MAX"
	ModeManual  ChargeMode = "MANUAL"
)

var chargeModes = map[ChargeMode]bool{
	ModeOff: true, ModePVOnly: true, ModePVAll: true, ModeMax: true, ModeManual: true,
}

// Valid reports whether m is one of the enumerated charge modes.
func (m ChargeMode) Valid() bool {
	return chargeModes[m]
}

func (m ChargeMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (m *ChargeMode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v := ChargeMode(s)
	if !v.Valid() {
		return fmt.Errorf("invalid ChargeMode: %q", s)
	}
	*m = v
	return nil
}

// PhaseMode controls whether and how the controller switches phase count.
type PhaseMode string

const (
	PhaseModeDisabled PhaseMode = "DISABLED"
	PhaseModeAuto     PhaseMode = "AUTO"
	PhaseMode1P       PhaseMode = "CHARGE_1P"
	PhaseMode3P       PhaseMode = "CHARGE_3P"
)

var phaseModes = map[PhaseMode]bool{
	PhaseModeDisabled: true, PhaseModeAuto: true, PhaseMode1P: true, PhaseMode3P: true,
}

func (m PhaseMode) Valid() bool { return phaseModes[m] }

func (m PhaseMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (m *PhaseMode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v := PhaseMode(s)
	if !v.Valid() {
		return fmt.Errorf("invalid PhaseMode: %q", s)
	}
	*m = v
	return nil
}

// Priority decides whether surplus power goes to the home battery or the car.
type Priority string

const (
	PriorityAuto        Priority = "AUTO"
	PriorityHomeBattery Priority = "HOME_BATTERY"
	PriorityCar         Priority = "CAR"
)

var priorities = map[Priority]bool{
	PriorityAuto: true, PriorityHomeBattery: true, PriorityCar: true,
}

func (p Priority) Valid() bool { return priorities[p] }

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(p))
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v := Priority(s)
	if !v.Valid() {
		return fmt.Errorf("invalid Priority: %q", s)
	}
	*p = v
	return nil
}

// CarStatus is the SAE J1772 pilot-derived state reported by the wallbox.
type CarStatus int

const (
	StatusNoVehicle         CarStatus = 1
	StatusCharging          CarStatus = 2
	StatusWaitingForVehicle CarStatus = 3
	StatusChargingFinished  CarStatus = 4
)

func (s CarStatus) Valid() bool {
	return s >= StatusNoVehicle && s <= StatusChargingFinished
}

func (s CarStatus) String() string {
	switch s {
	case StatusNoVehicle:
		return "NoVehicle"
	case StatusCharging:
		return "Charging"
	case StatusWaitingForVehicle:
		return "WaitingForVehicle"
	case StatusChargingFinished:
		return "ChargingFinished"
	default:
		return fmt.Sprintf("CarStatus(%d)", int(s))
	}
}

func (s *CarStatus) UnmarshalJSON(b []byte) error {
	var v int
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	cs := CarStatus(v)
	if !cs.Valid() {
		return fmt.Errorf("invalid CarStatus: %d", v)
	}
	*s = cs
	return nil
}

// WbError is the wallbox's self-reported error state. PHASE_RELAY_ERR is
// synthetic - it never comes from the vendor payload, the adapter derives it.
type WbError int

const (
	WbOK            WbError = 0
	WbRCCB          WbError = 1
	WbPhase         WbError = 3
	WbNoGround      WbError = 8
	WbInternal      WbError = 10
	WbPhaseRelayErr WbError = 100
)

func (e WbError) String() string {
	switch e {
	case WbOK:
		return "OK"
	case WbRCCB:
		return "RCCB"
	case WbPhase:
		return "PHASE"
	case WbNoGround:
		return "NO_GROUND"
	case WbInternal:
		return "INTERNAL"
	case WbPhaseRelayErr:
		return "PHASE_RELAY_ERR"
	default:
		return fmt.Sprintf("WbError(%d)", int(e))
	}
}

// Informational reports whether a non-OK vendor error still allows the
// PHASE_RELAY_ERR inconsistency check to run (spec: "no vendor error is
// present, or vendor error is informational, i.e. > INTERNAL").
func (e WbError) Informational() bool {
	return e == WbOK || e > WbInternal
}

// RelayType encodes the NO/NC wiring dialect of the physical phase relay.
type RelayType string

const (
	RelayNO RelayType = "NO"
	RelayNC RelayType = "NC"
)

func (t RelayType) Valid() bool {
	return t == RelayNO || t == RelayNC
}
