// Package soc estimates state of charge and state of energy of the battery strings.
package soc

import (
	"errors"
	"fmt"

	"github.com/ryansname/bmsctl/src/battery"
)

// LookupTable maps cell voltage to a percentage. Voltages must be strictly descending.
type LookupTable []battery.LookupPoint

// Validate reports tables that cannot be interpolated.
func (t LookupTable) Validate() error {
	if len(t) < 2 {
		return errors.New("lookup table needs at least two entries")
	}
	for i := 1; i < len(t); i++ {
		if t[i].Voltage_mV >= t[i-1].Voltage_mV {
			return fmt.Errorf("lookup table voltage not descending at entry %d (%d mV >= %d mV)",
				i, t[i].Voltage_mV, t[i-1].Voltage_mV)
		}
	}
	return nil
}

type bracketKind int

const (
	bracketNone bracketKind = iota
	bracketAbove
	bracketBelow
	bracketFound
)

// bracket is the result of searching the table for a voltage.
// high and low are only meaningful for bracketFound.
type bracket struct {
	kind      bracketKind
	high, low int
}

func (t LookupTable) search(voltage_mV int32) bracket {
	if len(t) == 0 {
		return bracket{kind: bracketNone}
	}
	if voltage_mV >= t[0].Voltage_mV {
		return bracket{kind: bracketAbove}
	}
	if voltage_mV <= t[len(t)-1].Voltage_mV {
		return bracket{kind: bracketBelow}
	}
	for i := 1; i < len(t); i++ {
		if voltage_mV >= t[i].Voltage_mV {
			return bracket{kind: bracketFound, high: i - 1, low: i}
		}
	}
	return bracket{kind: bracketNone}
}

// InterpolateFromVoltage returns the table value for voltage_mV, interpolating linearly
// between neighbours. Voltages outside the table return the nearest endpoint.
func (t LookupTable) InterpolateFromVoltage(voltage_mV int32) float64 {
	b := t.search(voltage_mV)
	switch b.kind {
	case bracketAbove:
		return t[0].Value
	case bracketBelow:
		return t[len(t)-1].Value
	case bracketFound:
		hi, lo := t[b.high], t[b.low]
		return linearInterpolation(
			float64(lo.Voltage_mV), lo.Value,
			float64(hi.Voltage_mV), hi.Value,
			float64(voltage_mV),
		)
	}
	return 0
}

func linearInterpolation(x1, y1, x2, y2, x float64) float64 {
	if x1 == x2 {
		return y1
	}
	return y1 + (x-x1)*(y2-y1)/(x2-x1)
}
