package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ryansname/bmsctl/src/balancing"
	"github.com/ryansname/bmsctl/src/battery"
	"github.com/ryansname/bmsctl/src/soc"
	"github.com/ryansname/bmsctl/src/sof"
)

// MaxCapacityAh bounds the string capacity so balancing targets fit the control table.
const MaxCapacityAh = 1000

// Validate checks configuration correctness. It does not modify cfg.
func Validate(cfg *Config) error {
	// MQTT
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt: broker must be set")
	}
	if cfg.MQTT.Port <= 0 || cfg.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt: port %d out of range", cfg.MQTT.Port)
	}
	if cfg.MQTT.Prefix == "" || strings.ContainsAny(cfg.MQTT.Prefix, "#+") {
		return fmt.Errorf("mqtt: prefix %q must be a non-empty topic without wildcards", cfg.MQTT.Prefix)
	}
	if strings.ContainsAny(cfg.MQTT.DiscoveryPrefix, "#+") {
		return fmt.Errorf("mqtt: discovery_prefix %q must not contain wildcards", cfg.MQTT.DiscoveryPrefix)
	}

	// Battery
	if cfg.Battery.CapacityAh <= 0 || cfg.Battery.CapacityAh > MaxCapacityAh {
		return fmt.Errorf("battery: capacity_ah must be in (0, %v]", MaxCapacityAh)
	}
	if cfg.Battery.EnergyWh <= 0 {
		return fmt.Errorf("battery: energy_wh must be positive")
	}
	if err := soc.LookupTable(battery.SocLookupTable).Validate(); err != nil {
		return fmt.Errorf("battery: soc %w", err)
	}
	if err := soc.LookupTable(battery.SoeLookupTable).Validate(); err != nil {
		return fmt.Errorf("battery: soe %w", err)
	}

	// Pack
	p := cfg.Pack
	if p.RestCurrentMA < 0 || p.RelaxationPeriod < 0 {
		return fmt.Errorf("pack: rest_current_ma and relaxation_period must not be negative")
	}
	if p.MinCellVoltageMV >= p.MaxCellVoltageMV {
		return fmt.Errorf("pack: min_cell_voltage_mv %d must be below max_cell_voltage_mv %d",
			p.MinCellVoltageMV, p.MaxCellVoltageMV)
	}
	if p.MinChargeTemperatureDdegC >= p.MaxChargeTemperatureDdegC {
		return fmt.Errorf("pack: charge temperature window is empty")
	}
	if p.MinDischargeTemperatureDdegC >= p.MaxDischargeTemperatureDdegC {
		return fmt.Errorf("pack: discharge temperature window is empty")
	}
	if p.MaxStringCurrentMA <= 0 {
		return fmt.Errorf("pack: max_string_current_ma must be positive")
	}

	// SOF
	if cfg.SOF.MaxChargeCurrentMA <= 0 || cfg.SOF.MaxDischargeCurrentMA <= 0 {
		return fmt.Errorf("sof: maximum currents must be positive")
	}
	if cfg.SOF.LimpHomeCurrentMA < 0 || cfg.SOF.LimpHomeCurrentMA > cfg.SOF.MaxDischargeCurrentMA {
		return fmt.Errorf("sof: limp_home_current_ma must be within [0, max_discharge_current_ma]")
	}
	if _, err := sof.NewCurves(cfg.SofEngine()); err != nil {
		return fmt.Errorf("sof: %w", err)
	}

	// Balancing
	b := cfg.Balancing
	if b.ThresholdMV < 0 || b.ThresholdMV > balancing.MaxThreshold_mV ||
		b.HysteresisMV < 0 || b.HysteresisMV > balancing.MaxThreshold_mV {
		return fmt.Errorf("balancing: threshold_mv and hysteresis_mv must be within 0..%d", balancing.MaxThreshold_mV)
	}
	if b.ResistanceOhm <= 0 {
		return fmt.Errorf("balancing: resistance_ohm must be positive")
	}
	if b.BalancingTime == 0 {
		return fmt.Errorf("balancing: balancing_time must be at least one period")
	}

	// Periods
	for name, d := range map[string]time.Duration{
		"pack_state": cfg.Periods.PackState,
		"estimation": cfg.Periods.Estimation,
		"sof":        cfg.Periods.SOF,
		"balancing":  cfg.Periods.Balancing,
		"publish":    cfg.Periods.Publish,
	} {
		if d <= 0 {
			return fmt.Errorf("periods: %s must be positive", name)
		}
	}
	return nil
}
