package api

// Service is implemented by every component: a cached config/data pair plus
// the shared error-counter contract of spec.md 4.A. C and D are the
// component's own config/data record types.
type Service[C any, D any] interface {
	GetConfig() C
	GetData() D
}

// PhaseRelay abstracts the external phase-switching contactor.
type PhaseRelay interface {
	Service[PhaseRelayConfig, PhaseRelayData]
	IsEnabled() bool
	GetPhases() int
	SetPhases(phases int)
}

// Wallbox abstracts the car-side charging station.
type Wallbox interface {
	Service[WallboxConfig, WallboxData]
	ReadData() WallboxData
	AllowCharging(flag bool)
	SetMaxCurrent(amps int)
	SetPhasesIn(phases int) bool // false = rejected
	TriggerReset()
	Close()
}

// Meter abstracts the household energy meter.
type Meter interface {
	Service[any, MeterData]
	ReadData() MeterData
	Close()
}

// Car abstracts optional car telemetry.
type Car interface {
	Service[CarConfig, CarData]
	ReadData() CarData
}
