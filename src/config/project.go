package config

import (
	"github.com/ryansname/bmsctl/src/balancing"
	"github.com/ryansname/bmsctl/src/battery"
	"github.com/ryansname/bmsctl/src/bms"
	"github.com/ryansname/bmsctl/src/estimation"
	"github.com/ryansname/bmsctl/src/soc"
	"github.com/ryansname/bmsctl/src/sof"
)

// PackMonitor returns the pack state monitor parameters.
func (c *Config) PackMonitor() bms.Config {
	return bms.Config{
		PositiveDischargeCurrent:          c.Battery.PositiveDischargeCurrent,
		RestCurrent_mA:                    c.Pack.RestCurrentMA,
		RelaxationPeriod:                  c.Pack.RelaxationPeriod,
		MaximumCellVoltage_mV:             c.Pack.MaxCellVoltageMV,
		MinimumCellVoltage_mV:             c.Pack.MinCellVoltageMV,
		MaximumChargeTemperature_ddegC:    c.Pack.MaxChargeTemperatureDdegC,
		MinimumChargeTemperature_ddegC:    c.Pack.MinChargeTemperatureDdegC,
		MaximumDischargeTemperature_ddegC: c.Pack.MaxDischargeTemperatureDdegC,
		MinimumDischargeTemperature_ddegC: c.Pack.MinDischargeTemperatureDdegC,
		MaximumStringCurrent_mA:           c.Pack.MaxStringCurrentMA,
	}
}

// SofEngine returns the derating parameters.
func (c *Config) SofEngine() sof.Config {
	s := c.SOF
	return sof.Config{
		MaximumChargeCurrent_mA:    s.MaxChargeCurrentMA,
		MaximumDischargeCurrent_mA: s.MaxDischargeCurrentMA,
		LimpHomeCurrent_mA:         s.LimpHomeCurrentMA,
		MaximumStringCurrent_mA:    c.Pack.MaxStringCurrentMA,

		CutoffLowTemperatureDischarge_ddegC:  s.LowTemperatureDischarge.Cutoff,
		LimitLowTemperatureDischarge_ddegC:   s.LowTemperatureDischarge.Limit,
		CutoffHighTemperatureDischarge_ddegC: s.HighTemperatureDischarge.Cutoff,
		LimitHighTemperatureDischarge_ddegC:  s.HighTemperatureDischarge.Limit,
		CutoffLowTemperatureCharge_ddegC:     s.LowTemperatureCharge.Cutoff,
		LimitLowTemperatureCharge_ddegC:      s.LowTemperatureCharge.Limit,
		CutoffHighTemperatureCharge_ddegC:    s.HighTemperatureCharge.Cutoff,
		LimitHighTemperatureCharge_ddegC:     s.HighTemperatureCharge.Limit,

		CutoffUpperCellVoltage_mV: s.UpperCellVoltage.Cutoff,
		LimitUpperCellVoltage_mV:  s.UpperCellVoltage.Limit,
		CutoffLowerCellVoltage_mV: s.LowerCellVoltage.Cutoff,
		LimitLowerCellVoltage_mV:  s.LowerCellVoltage.Limit,
	}
}

// BalancingMachine returns the balancing parameters.
func (c *Config) BalancingMachine() balancing.Config {
	b := c.Balancing
	return balancing.Config{
		Threshold_mV:                b.ThresholdMV,
		Hysteresis_mV:               b.HysteresisMV,
		LowerVoltageLimit_mV:        b.LowerVoltageLimitMV,
		UpperTemperatureLimit_ddegC: b.UpperTemperatureLimitDdegC,
		Resistance_ohm:              b.ResistanceOhm,
		NominalCapacity_mAh:         c.Battery.CapacityAh * 1000,
		ShortTime:                   b.ShortTime,
		BalancingTime:               b.BalancingTime,
		TickPeriod:                  c.Periods.Balancing,
		GlobalAllowed:               b.GlobalAllowed,
	}
}

// EstimationDispatcher returns the SOC and SOE estimator parameters.
func (c *Config) EstimationDispatcher() estimation.Config {
	cfg := estimation.Config{
		Soc: soc.Config{
			Table:                    soc.LookupTable(battery.SocLookupTable),
			Nominal:                  c.Battery.CapacityAh,
			PositiveDischargeCurrent: c.Battery.PositiveDischargeCurrent,
		},
		Soe: soc.Config{
			Table:                    soc.LookupTable(battery.SoeLookupTable),
			Nominal:                  c.Battery.EnergyWh,
			PositiveDischargeCurrent: c.Battery.PositiveDischargeCurrent,
		},
	}
	for s := range battery.NrOfStrings {
		cfg.SensorCounting[s] = c.Battery.SensorCounting
	}
	return cfg
}
