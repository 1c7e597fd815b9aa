// Package sof derates the allowed string and pack currents from cell voltage and temperature.
package sof

import (
	"errors"
	"fmt"

	"github.com/ryansname/bmsctl/src/battery"
	"github.com/ryansname/bmsctl/src/database"
)

// ErrDegenerateCurve is returned when a cutoff equals its limit, leaving no ramp to interpolate.
var ErrDegenerateCurve = errors.New("sof cutoff equals limit")

// Config holds the derating parameters. Currents in mA, temperatures in 0.1 °C, voltages in mV.
// Below a cutoff (or above it for high side curves) the full current is allowed; past the
// limit the current is reduced to the floor.
type Config struct {
	MaximumChargeCurrent_mA    float64
	MaximumDischargeCurrent_mA float64
	LimpHomeCurrent_mA         float64
	MaximumStringCurrent_mA    float64

	CutoffLowTemperatureDischarge_ddegC  float64
	LimitLowTemperatureDischarge_ddegC   float64
	CutoffHighTemperatureDischarge_ddegC float64
	LimitHighTemperatureDischarge_ddegC  float64
	CutoffLowTemperatureCharge_ddegC     float64
	LimitLowTemperatureCharge_ddegC      float64
	CutoffHighTemperatureCharge_ddegC    float64
	LimitHighTemperatureCharge_ddegC     float64

	CutoffUpperCellVoltage_mV float64
	LimitUpperCellVoltage_mV  float64
	CutoffLowerCellVoltage_mV float64
	LimitLowerCellVoltage_mV  float64
}

// Curve is a straight line current = Slope*x + Offset.
type Curve struct {
	Slope, Offset float64
}

// At evaluates the curve.
func (c Curve) At(x float64) float64 {
	return c.Slope*x + c.Offset
}

// Curves holds the derating ramps, computed once from Config.
type Curves struct {
	LowTemperatureDischarge  Curve
	HighTemperatureDischarge Curve
	LowTemperatureCharge     Curve
	HighTemperatureCharge    Curve
	UpperCellVoltage         Curve
	LowerCellVoltage         Curve
}

// NewCurves computes the ramps. The low temperature discharge ramp ends at the limp home
// current, every other ramp ends at zero.
func NewCurves(cfg Config) (Curves, error) {
	var c Curves
	var err error

	c.LowTemperatureDischarge, err = ramp("low temperature discharge",
		cfg.CutoffLowTemperatureDischarge_ddegC, cfg.MaximumDischargeCurrent_mA,
		cfg.LimitLowTemperatureDischarge_ddegC, cfg.LimpHomeCurrent_mA)
	if err != nil {
		return Curves{}, err
	}
	c.HighTemperatureDischarge, err = ramp("high temperature discharge",
		cfg.CutoffHighTemperatureDischarge_ddegC, cfg.MaximumDischargeCurrent_mA,
		cfg.LimitHighTemperatureDischarge_ddegC, 0)
	if err != nil {
		return Curves{}, err
	}
	c.LowTemperatureCharge, err = ramp("low temperature charge",
		cfg.CutoffLowTemperatureCharge_ddegC, cfg.MaximumChargeCurrent_mA,
		cfg.LimitLowTemperatureCharge_ddegC, 0)
	if err != nil {
		return Curves{}, err
	}
	c.HighTemperatureCharge, err = ramp("high temperature charge",
		cfg.CutoffHighTemperatureCharge_ddegC, cfg.MaximumChargeCurrent_mA,
		cfg.LimitHighTemperatureCharge_ddegC, 0)
	if err != nil {
		return Curves{}, err
	}
	c.UpperCellVoltage, err = ramp("upper cell voltage",
		cfg.CutoffUpperCellVoltage_mV, cfg.MaximumChargeCurrent_mA,
		cfg.LimitUpperCellVoltage_mV, 0)
	if err != nil {
		return Curves{}, err
	}
	c.LowerCellVoltage, err = ramp("lower cell voltage",
		cfg.CutoffLowerCellVoltage_mV, cfg.MaximumDischargeCurrent_mA,
		cfg.LimitLowerCellVoltage_mV, 0)
	if err != nil {
		return Curves{}, err
	}
	return c, nil
}

// ramp returns the line through (cutoff, atCutoff) and (limit, atLimit).
func ramp(name string, cutoff, atCutoff, limit, atLimit float64) (Curve, error) {
	if cutoff == limit {
		return Curve{}, fmt.Errorf("%w: %s at %g", ErrDegenerateCurve, name, cutoff)
	}
	slope := (atCutoff - atLimit) / (cutoff - limit)
	return Curve{Slope: slope, Offset: atLimit - slope*limit}, nil
}

// CurrentLimits are the recommended continuous and peak currents in mA.
type CurrentLimits struct {
	ContinuousCharge_mA    float64
	ContinuousDischarge_mA float64
	PeakCharge_mA          float64
	PeakDischarge_mA       float64
}

// Min combines two limits field by field.
func (l CurrentLimits) Min(o CurrentLimits) CurrentLimits {
	return CurrentLimits{
		ContinuousCharge_mA:    min(l.ContinuousCharge_mA, o.ContinuousCharge_mA),
		ContinuousDischarge_mA: min(l.ContinuousDischarge_mA, o.ContinuousDischarge_mA),
		PeakCharge_mA:          min(l.PeakCharge_mA, o.PeakCharge_mA),
		PeakDischarge_mA:       min(l.PeakDischarge_mA, o.PeakDischarge_mA),
	}
}

func (l CurrentLimits) capped(max_mA float64) CurrentLimits {
	return l.Min(CurrentLimits{max_mA, max_mA, max_mA, max_mA})
}

// Store is the part of the database the engine uses.
type Store interface {
	Read(blocks ...database.Block) error
	Write(blocks ...database.Block) error
}

// PackState reports contactor and error state.
type PackState interface {
	IsStringClosed(s int) bool
	IsTransitionToErrorActive() bool
}

// Engine computes the SOF table every cycle.
type Engine struct {
	cfg    Config
	curves Curves
	store  Store
	pack   PackState
}

// New validates the configuration and computes the ramps.
func New(cfg Config, store Store, pack PackState) (*Engine, error) {
	curves, err := NewCurves(cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, curves: curves, store: store, pack: pack}, nil
}

// Curves returns the ramps in use.
func (e *Engine) Curves() Curves { return e.curves }

// VoltageBasedLimits derates charging near the upper and discharging near the lower cell voltage limit.
func (e *Engine) VoltageBasedLimits(minimumCellVoltage_mV, maximumCellVoltage_mV float64) CurrentLimits {
	var l CurrentLimits

	switch {
	case maximumCellVoltage_mV >= e.cfg.LimitUpperCellVoltage_mV:
		l.ContinuousCharge_mA = 0
	case maximumCellVoltage_mV > e.cfg.CutoffUpperCellVoltage_mV:
		l.ContinuousCharge_mA = e.curves.UpperCellVoltage.At(maximumCellVoltage_mV)
	default:
		l.ContinuousCharge_mA = e.cfg.MaximumChargeCurrent_mA
	}

	switch {
	case minimumCellVoltage_mV <= e.cfg.LimitLowerCellVoltage_mV:
		l.ContinuousDischarge_mA = 0
	case minimumCellVoltage_mV < e.cfg.CutoffLowerCellVoltage_mV:
		l.ContinuousDischarge_mA = e.curves.LowerCellVoltage.At(minimumCellVoltage_mV)
	default:
		l.ContinuousDischarge_mA = e.cfg.MaximumDischargeCurrent_mA
	}

	l.PeakCharge_mA = l.ContinuousCharge_mA
	l.PeakDischarge_mA = l.ContinuousDischarge_mA
	return l
}

// TemperatureBasedLimits combines the low and high temperature derating.
func (e *Engine) TemperatureBasedLimits(minimumTemperature_ddegC, maximumTemperature_ddegC float64) CurrentLimits {
	return e.lowTemperatureLimits(minimumTemperature_ddegC).Min(e.highTemperatureLimits(maximumTemperature_ddegC))
}

func (e *Engine) lowTemperatureLimits(t float64) CurrentLimits {
	var l CurrentLimits

	switch {
	case t <= e.cfg.LimitLowTemperatureDischarge_ddegC:
		l.ContinuousDischarge_mA = e.cfg.LimpHomeCurrent_mA
	case t < e.cfg.CutoffLowTemperatureDischarge_ddegC:
		l.ContinuousDischarge_mA = e.curves.LowTemperatureDischarge.At(t)
	default:
		l.ContinuousDischarge_mA = e.cfg.MaximumDischargeCurrent_mA
	}

	switch {
	case t <= e.cfg.LimitLowTemperatureCharge_ddegC:
		l.ContinuousCharge_mA = 0
	case t < e.cfg.CutoffLowTemperatureCharge_ddegC:
		l.ContinuousCharge_mA = e.curves.LowTemperatureCharge.At(t)
	default:
		l.ContinuousCharge_mA = e.cfg.MaximumChargeCurrent_mA
	}

	l.PeakCharge_mA = l.ContinuousCharge_mA
	l.PeakDischarge_mA = l.ContinuousDischarge_mA
	return l
}

func (e *Engine) highTemperatureLimits(t float64) CurrentLimits {
	var l CurrentLimits

	switch {
	case t >= e.cfg.LimitHighTemperatureDischarge_ddegC:
		l.ContinuousDischarge_mA = 0
	case t > e.cfg.CutoffHighTemperatureDischarge_ddegC:
		l.ContinuousDischarge_mA = e.curves.HighTemperatureDischarge.At(t)
	default:
		l.ContinuousDischarge_mA = e.cfg.MaximumDischargeCurrent_mA
	}

	switch {
	case t >= e.cfg.LimitHighTemperatureCharge_ddegC:
		l.ContinuousCharge_mA = 0
	case t > e.cfg.CutoffHighTemperatureCharge_ddegC:
		l.ContinuousCharge_mA = e.curves.HighTemperatureCharge.At(t)
	default:
		l.ContinuousCharge_mA = e.cfg.MaximumChargeCurrent_mA
	}

	l.PeakCharge_mA = l.ContinuousCharge_mA
	l.PeakDischarge_mA = l.ContinuousDischarge_mA
	return l
}

// Calculate derives string and pack limits from the min/max table and writes the SOF table.
func (e *Engine) Calculate() error {
	var mm database.MinMaxTable
	if err := e.store.Read(&mm); err != nil {
		return fmt.Errorf("sof: %w", err)
	}

	table := e.limits(&mm)
	if err := e.store.Write(&table); err != nil {
		return fmt.Errorf("sof: %w", err)
	}
	return nil
}

func (e *Engine) limits(mm *database.MinMaxTable) database.SofTable {
	var table database.SofTable
	if e.pack.IsTransitionToErrorActive() {
		return table
	}

	var perString [battery.NrOfStrings]CurrentLimits
	for s := range battery.NrOfStrings {
		voltage := e.VoltageBasedLimits(float64(mm.MinimumCellVoltage_mV[s]), float64(mm.MaximumCellVoltage_mV[s]))
		temperature := e.TemperatureBasedLimits(float64(mm.MinimumTemperature_ddegC[s]), float64(mm.MaximumTemperature_ddegC[s]))
		perString[s] = voltage.Min(temperature).capped(e.cfg.MaximumStringCurrent_mA)

		table.ContinuousChargeCurrent_mA[s] = perString[s].ContinuousCharge_mA
		table.ContinuousDischargeCurrent_mA[s] = perString[s].ContinuousDischarge_mA
		table.PeakChargeCurrent_mA[s] = perString[s].PeakCharge_mA
		table.PeakDischargeCurrent_mA[s] = perString[s].PeakDischarge_mA
	}

	// A pack is as strong as its weakest closed string, times the number of closed strings
	closed := 0
	var weakest CurrentLimits
	for s := range battery.NrOfStrings {
		if !e.pack.IsStringClosed(s) {
			continue
		}
		if closed == 0 {
			weakest = perString[s]
		} else {
			weakest = weakest.Min(perString[s])
		}
		closed++
	}

	n := float64(closed)
	table.PackContinuousChargeCurrent_mA = n * weakest.ContinuousCharge_mA
	table.PackContinuousDischargeCurrent_mA = n * weakest.ContinuousDischarge_mA
	table.PackPeakChargeCurrent_mA = n * weakest.PeakCharge_mA
	table.PackPeakDischargeCurrent_mA = n * weakest.PeakDischarge_mA
	return table
}
