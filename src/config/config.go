// Package config loads the bmsctl YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	NVMPath   string          `yaml:"nvm_path"`
	Battery   BatteryConfig   `yaml:"battery"`
	Pack      PackConfig      `yaml:"pack"`
	SOF       SOFConfig       `yaml:"sof"`
	Balancing BalancingConfig `yaml:"balancing"`
	Periods   PeriodsConfig   `yaml:"periods"`
}

// ---- MQTT ----

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`

	// Prefix roots every measurement, command and state topic.
	Prefix string `yaml:"prefix"`

	// Home Assistant discovery, disabled when empty.
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// ---- BATTERY ----

type BatteryConfig struct {
	Name         string  `yaml:"name"`
	Manufacturer string  `yaml:"manufacturer"`
	CapacityAh   float64 `yaml:"capacity_ah"` // per string
	EnergyWh     float64 `yaml:"energy_wh"`   // per string

	PositiveDischargeCurrent bool `yaml:"positive_discharge_current"`

	// Use the current sensor's charge and energy counters instead of integrating.
	SensorCounting bool `yaml:"sensor_counting"`
}

// ---- PACK STATE / SAFETY LIMITS ----

type PackConfig struct {
	RestCurrentMA    float64       `yaml:"rest_current_ma"`
	RelaxationPeriod time.Duration `yaml:"relaxation_period"`

	MaxCellVoltageMV             int32   `yaml:"max_cell_voltage_mv"`
	MinCellVoltageMV             int32   `yaml:"min_cell_voltage_mv"`
	MaxChargeTemperatureDdegC    int32   `yaml:"max_charge_temperature_ddegc"`
	MinChargeTemperatureDdegC    int32   `yaml:"min_charge_temperature_ddegc"`
	MaxDischargeTemperatureDdegC int32   `yaml:"max_discharge_temperature_ddegc"`
	MinDischargeTemperatureDdegC int32   `yaml:"min_discharge_temperature_ddegc"`
	MaxStringCurrentMA           float64 `yaml:"max_string_current_ma"`
}

// ---- SOF ----

type SOFConfig struct {
	MaxChargeCurrentMA    float64 `yaml:"max_charge_current_ma"`
	MaxDischargeCurrentMA float64 `yaml:"max_discharge_current_ma"`
	LimpHomeCurrentMA     float64 `yaml:"limp_home_current_ma"`

	LowTemperatureDischarge  RampConfig `yaml:"low_temperature_discharge"`
	HighTemperatureDischarge RampConfig `yaml:"high_temperature_discharge"`
	LowTemperatureCharge     RampConfig `yaml:"low_temperature_charge"`
	HighTemperatureCharge    RampConfig `yaml:"high_temperature_charge"`
	UpperCellVoltage         RampConfig `yaml:"upper_cell_voltage"`
	LowerCellVoltage         RampConfig `yaml:"lower_cell_voltage"`
}

// RampConfig is one derating ramp: full current at the cutoff, floor current at the limit.
// Temperatures are in 0.1 °C, voltages in mV.
type RampConfig struct {
	Cutoff float64 `yaml:"cutoff"`
	Limit  float64 `yaml:"limit"`
}

// ---- BALANCING ----

type BalancingConfig struct {
	ThresholdMV                int32   `yaml:"threshold_mv"`
	HysteresisMV               int32   `yaml:"hysteresis_mv"`
	LowerVoltageLimitMV        int32   `yaml:"lower_voltage_limit_mv"`
	UpperTemperatureLimitDdegC int32   `yaml:"upper_temperature_limit_ddegc"`
	ResistanceOhm              float64 `yaml:"resistance_ohm"`

	// In balancing task periods.
	ShortTime     uint32 `yaml:"short_time"`
	BalancingTime uint32 `yaml:"balancing_time"`

	GlobalAllowed bool `yaml:"global_allowed"`
	// Send the init request at startup instead of waiting for a command.
	AutoInit bool `yaml:"auto_init"`
}

// ---- TASK PERIODS ----

type PeriodsConfig struct {
	PackState  time.Duration `yaml:"pack_state"`
	Estimation time.Duration `yaml:"estimation"`
	SOF        time.Duration `yaml:"sof"`
	Balancing  time.Duration `yaml:"balancing"`
	Publish    time.Duration `yaml:"publish"`
}

// Default returns the configuration used for every value the file leaves out.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker:   "localhost",
			Port:     1883,
			ClientID: "bmsctl",
			Prefix:   "bmsctl",
		},
		NVMPath: "bmsctl.nvm",
		Battery: BatteryConfig{
			Name:                     "Battery",
			Manufacturer:             "bmsctl",
			CapacityAh:               3.5,
			EnergyWh:                 3.5 * 3.7 * 24,
			PositiveDischargeCurrent: true,
		},
		Pack: PackConfig{
			RestCurrentMA:                500,
			RelaxationPeriod:             30 * time.Minute,
			MaxCellVoltageMV:             4250,
			MinCellVoltageMV:             2500,
			MaxChargeTemperatureDdegC:    450,
			MinChargeTemperatureDdegC:    0,
			MaxDischargeTemperatureDdegC: 550,
			MinDischargeTemperatureDdegC: -200,
			MaxStringCurrentMA:           180000,
		},
		SOF: SOFConfig{
			MaxChargeCurrentMA:       120000,
			MaxDischargeCurrentMA:    170000,
			LimpHomeCurrentMA:        20000,
			LowTemperatureDischarge:  RampConfig{Cutoff: -100, Limit: -200},
			HighTemperatureDischarge: RampConfig{Cutoff: 450, Limit: 550},
			LowTemperatureCharge:     RampConfig{Cutoff: 50, Limit: 0},
			HighTemperatureCharge:    RampConfig{Cutoff: 400, Limit: 450},
			UpperCellVoltage:         RampConfig{Cutoff: 4100, Limit: 4200},
			LowerCellVoltage:         RampConfig{Cutoff: 2800, Limit: 2700},
		},
		Balancing: BalancingConfig{
			ThresholdMV:                50,
			HysteresisMV:               20,
			LowerVoltageLimitMV:        1500,
			UpperTemperatureLimitDdegC: 700,
			ResistanceOhm:              20,
			ShortTime:                  1,
			BalancingTime:              10,
			GlobalAllowed:              true,
		},
		Periods: PeriodsConfig{
			PackState:  10 * time.Millisecond,
			Estimation: 100 * time.Millisecond,
			SOF:        100 * time.Millisecond,
			Balancing:  100 * time.Millisecond,
			Publish:    time.Second,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
