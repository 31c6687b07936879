package api

import "time"

// BaseData is embedded by every component's data record. Error mirrors the
// service's error-counter metric so a snapshot is self-describing.
type BaseData struct {
	Error int `json:"error"`
}

// PhaseRelayData is the cached snapshot of the phase-switching relay.
type PhaseRelayData struct {
	BaseData   `mapstructure:",squash"`
	Enabled    bool `json:"enabled"`
	PhaseRelay bool `json:"phase_relay"`
	Phases     int  `json:"phases"` // 0, 1 or 3
}

// PhaseRelayConfig configures whether/where the relay is active.
type PhaseRelayConfig struct {
	EnablePhaseSwitching bool      `json:"enable_phase_switching" mapstructure:"enable_phase_switching"`
	InstalledOnHost      string    `json:"installed_on_host" mapstructure:"installed_on_host"`
	PhaseRelayType       RelayType `json:"phase_relay_type" mapstructure:"phase_relay_type"`
}

// WallboxData is the cached snapshot of car-side charging state.
type WallboxData struct {
	BaseData         `mapstructure:",squash"`
	WbError          WbError   `json:"wb_error"`
	CarStatus        CarStatus `json:"car_status"`
	MaxCurrent       int       `json:"max_current"`
	AllowCharging    bool      `json:"allow_charging"`
	PhasesIn         int       `json:"phases_in"`
	PhasesOut        int       `json:"phases_out"`
	PowerW           float64   `json:"power"`
	ChargedEnergyWh  float64   `json:"charged_energy"`
	TotalEnergyWh    float64   `json:"total_energy"`
	TemperatureC     float64   `json:"temperature"`
}

// WallboxConfig configures the supported current range of a wallbox.
type WallboxConfig struct {
	MinSupportedCurrent int `json:"min_supported_current" mapstructure:"min_supported_current"`
	MaxSupportedCurrent int `json:"max_supported_current" mapstructure:"max_supported_current"`
}

func DefaultWallboxConfig() WallboxConfig {
	return WallboxConfig{MinSupportedCurrent: 6, MaxSupportedCurrent: 16}
}

// MeterData is the cached snapshot of the household energy meter.
type MeterData struct {
	BaseData                 `mapstructure:",squash"`
	PowerPVW                 float64  `json:"power_pv"`
	PowerConsumptionW        float64  `json:"power_consumption"`
	PowerGridW               float64  `json:"power_grid"` // +import, -export
	PowerBatteryW            float64  `json:"power_battery"` // +discharge, -charge
	SocBatteryPercent        *float64 `json:"soc_battery,omitempty"`
	EnergyConsumptionWh      float64  `json:"energy_consumption"`
	EnergyConsumptionGridWh  float64  `json:"energy_consumption_grid"`
	EnergyConsumptionPVWh    float64  `json:"energy_consumption_pv"`
}

// CarData is the cached snapshot of optional car telemetry.
type CarData struct {
	BaseData        `mapstructure:",squash"`
	DataCapturedAt  time.Time `json:"data_captured_at"`
	SocPercent      float64   `json:"soc"`
	CruisingRangeKm int       `json:"cruising_range"`
	MileageKm       int       `json:"mileage"`
}

// CarConfig configures the car polling cadence and accounting constants.
type CarConfig struct {
	CycleTimeSeconds   int `json:"cycle_time" mapstructure:"cycle_time"`
	EnergyOnePercentSoC int `json:"energy_one_percent_soc" mapstructure:"energy_one_percent_soc"`
}

func DefaultCarConfig() CarConfig {
	return CarConfig{CycleTimeSeconds: 300, EnergyOnePercentSoC: 580}
}

// ChargeControllerData is the controller's own public state.
type ChargeControllerData struct {
	BaseData        `mapstructure:",squash"`
	Mode            ChargeMode `json:"mode"`
	DesiredMode     ChargeMode `json:"desired_mode"`
	PhaseMode       PhaseMode  `json:"phase_mode"`
	Priority        Priority   `json:"priority"`
	DesiredPriority Priority   `json:"desired_priority"`
}

// ChargeControllerConfig configures the control loop.
type ChargeControllerConfig struct {
	CycleTimeSeconds              int        `json:"cycle_time" mapstructure:"cycle_time"`
	EnableAutoPhaseSwitching      bool       `json:"enable_auto_phase_switching" mapstructure:"enable_auto_phase_switching"`
	EnableChargingWhenConnectingCar ChargeMode `json:"enable_charging_when_connecting_car" mapstructure:"enable_charging_when_connecting_car"`
	LineVoltage                   float64    `json:"line_voltage" mapstructure:"line_voltage"`
	CurrentRoundingOffset         float64    `json:"current_rounding_offset" mapstructure:"current_rounding_offset"`
	PowerHysteresis               float64    `json:"power_hysteresis" mapstructure:"power_hysteresis"`
	PVAllMinPower                 float64    `json:"pv_all_min_power" mapstructure:"pv_all_min_power"`
	PVAllowChargingDelaySeconds   int        `json:"pv_allow_charging_delay" mapstructure:"pv_allow_charging_delay"`
	PrioAutoSoCThreshold          float64    `json:"prio_auto_soc_threshold" mapstructure:"prio_auto_soc_threshold"`
}

func DefaultChargeControllerConfig() ChargeControllerConfig {
	return ChargeControllerConfig{
		CycleTimeSeconds:                30,
		EnableAutoPhaseSwitching:        true,
		EnableChargingWhenConnectingCar: ModeOff,
		LineVoltage:                     230,
		CurrentRoundingOffset:           0.1,
		PowerHysteresis:                 200,
		PVAllMinPower:                   500,
		PVAllowChargingDelaySeconds:     120,
		PrioAutoSoCThreshold:            50,
	}
}
