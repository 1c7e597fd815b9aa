package soc

import "math"

// EnergyFromPercent converts a state of energy in percent to Wh.
func EnergyFromPercent(percent, nominal_Wh float64) float64 {
	return fromPercent(percent, nominal_Wh)
}

// PercentFromEnergy converts Wh to a state of energy in percent.
// Negative inputs pass through; callers clamp the result.
func PercentFromEnergy(energy_Wh, nominal_Wh float64) float64 {
	return toPercent(energy_Wh, nominal_Wh)
}

// ChargeFromPercent converts a state of charge in percent to Ah.
func ChargeFromPercent(percent, nominal_Ah float64) float64 {
	return fromPercent(percent, nominal_Ah)
}

// PercentFromCharge converts Ah to a state of charge in percent.
func PercentFromCharge(charge_Ah, nominal_Ah float64) float64 {
	return toPercent(charge_Ah, nominal_Ah)
}

func fromPercent(percent, nominal float64) float64 {
	switch {
	case percent >= 100:
		return nominal
	case percent <= 0:
		return 0
	}
	return percent / 100 * nominal
}

func toPercent(value, nominal float64) float64 {
	if value >= nominal {
		return 100
	}
	return value / nominal * 100
}

// clampPercent limits a percentage to [0, 100]. NaN becomes 0.
func clampPercent(p float64) float64 {
	if math.IsNaN(p) {
		return 0
	}
	return max(0, min(p, 100))
}
