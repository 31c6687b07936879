// Package config assembles pvcontrol's runtime configuration by layering
// defaults, an optional JSON file, environment variables and CLI flags -
// precedence flags > env > file > defaults, via spf13/viper.
package config

import (
	"encoding/json"
	"strings"

	"github.com/spf13/viper"

	"github.com/stephanme/pvcontrol/api"
	"github.com/stephanme/pvcontrol/core"
	"github.com/stephanme/pvcontrol/util"
)

// Config is the fully-resolved, per-component configuration tree. Each
// field mirrors one component's Config type so util.DecodeOther can later
// hand a component a well-typed sub-object (spec.md 4.A's "Other" config
// extension point). json tags mirror the mapstructure tags 1:1 so Defaults()
// can be round-tripped through encoding/json into the map viper needs for
// SetDefault (see setDefaults below).
type Config struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	BaseHref string `json:"basehref" mapstructure:"basehref"`
	Hostname string `json:"hostname" mapstructure:"hostname"`
	LogLevel string `json:"loglevel" mapstructure:"loglevel"`

	Meter   string `json:"meter" mapstructure:"meter"`     // "simulated" | "test" | "failing"
	Wallbox string `json:"wallbox" mapstructure:"wallbox"` // "simulated" | "http"
	Car     string `json:"car" mapstructure:"car"`         // "simulated" | "none" | "disabled"

	WallboxConfig    api.WallboxConfig          `json:"wallbox_config" mapstructure:"wallbox_config"`
	HTTPWallbox      core.HTTPWallboxConfig     `json:"http_wallbox" mapstructure:"http_wallbox"`
	RelayConfig      api.PhaseRelayConfig       `json:"relay" mapstructure:"relay"`
	CarConfig        api.CarConfig              `json:"car_config" mapstructure:"car_config"`
	ControllerConfig api.ChargeControllerConfig `json:"controller" mapstructure:"controller"`
	BatteryMaxW      float64                    `json:"battery_max_watts" mapstructure:"battery_max_watts"`
}

// Defaults returns the configuration a fresh install boots with, matching
// original_source/pvcontrol/app.py's factory defaults.
func Defaults() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             8080,
		BaseHref:         "",
		LogLevel:         "INFO",
		Meter:            "simulated",
		Wallbox:          "simulated",
		Car:              "simulated",
		WallboxConfig:    api.DefaultWallboxConfig(),
		HTTPWallbox:      core.DefaultHTTPWallboxConfig(),
		RelayConfig:      api.PhaseRelayConfig{PhaseRelayType: api.RelayNO},
		CarConfig:        api.DefaultCarConfig(),
		ControllerConfig: api.DefaultChargeControllerConfig(),
		BatteryMaxW:      0,
	}
}

// Load builds a viper instance layering defaults, an optional config file
// and PVCONTROL_-prefixed environment variables. CLI flags are bound by the
// caller (cmd/pvcontrol) before calling Unmarshal, so they take precedence
// over everything here.
func Load(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("pvcontrol")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v, Defaults()); err != nil {
		return nil, err
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// setDefaults seeds every field of defaults into v, not just the top-level
// scalars: the nested component configs (wallbox_config, controller, ...)
// must resolve to real values even when no config file/env/flag overrides
// them, or the zero values (LineVoltage=0, MaxSupportedCurrent=0, ...) reach
// the controller and scheduler. Defaults() is round-tripped through
// encoding/json into a plain map so the full nested tree can be handed to
// viper in one shot via SetDefault, keyed by its top-level mapstructure/json
// tag - mapstructure's own decode later resolves the nested maps back into
// the corresponding struct fields.
func setDefaults(v *viper.Viper, defaults Config) error {
	b, err := json.Marshal(defaults)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for key, val := range m {
		v.SetDefault(key, val)
	}
	return nil
}

// ApplyLogLevel maps the resolved log level string onto the global logger,
// defaulting to INFO on an unrecognised value rather than failing startup.
func ApplyLogLevel(level string) {
	switch strings.ToUpper(level) {
	case "FATAL":
		util.SetLevel(util.FATAL)
	case "ERROR":
		util.SetLevel(util.ERROR)
	case "WARN", "WARNING":
		util.SetLevel(util.WARN)
	case "INFO":
		util.SetLevel(util.INFO)
	case "DEBUG":
		util.SetLevel(util.DEBUG)
	case "TRACE":
		util.SetLevel(util.TRACE)
	default:
		util.SetLevel(util.INFO)
	}
}
