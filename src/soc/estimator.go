package soc

import (
	"fmt"
	"math"

	"github.com/ryansname/bmsctl/src/battery"
	"github.com/ryansname/bmsctl/src/bms"
	"github.com/ryansname/bmsctl/src/database"
	"github.com/ryansname/bmsctl/src/nvm"
)

// Kind selects what an Estimator tracks.
type Kind int

const (
	// KindCharge tracks state of charge in Ah.
	KindCharge Kind = iota
	// KindEnergy tracks state of energy in Wh.
	KindEnergy
)

func (k Kind) String() string {
	if k == KindEnergy {
		return "SOE"
	}
	return "SOC"
}

// Store is the part of the database the estimator reads measurements from.
type Store interface {
	Read(blocks ...database.Block) error
}

// Persister keeps the estimate across power cycles.
type Persister interface {
	Read(id nvm.BlockID) (nvm.Snapshot, error)
	Write(id nvm.BlockID, snap nvm.Snapshot) error
}

// PackState answers questions about the pack as a whole.
type PackState interface {
	IsBatteryResting() bool
	CurrentFlowDirection(current_mA float64) bms.Direction
}

// Config parameterises an Estimator.
type Config struct {
	Kind  Kind
	Table LookupTable
	// Nominal is the string capacity in Ah (KindCharge) or energy in Wh (KindEnergy).
	Nominal                  float64
	PositiveDischargeCurrent bool
}

// State is the estimator bookkeeping that is not published.
type State struct {
	Initialized        bool
	SensorCountingUsed [battery.NrOfStrings]bool

	ScalingOffsetAverage [battery.NrOfStrings]float64
	ScalingOffsetMinimum [battery.NrOfStrings]float64
	ScalingOffsetMaximum [battery.NrOfStrings]float64

	PreviousTimestamp [battery.NrOfStrings]uint32
	PreviousCounter   [battery.NrOfStrings]float64
}

// Estimator tracks SOC or SOE of every string by lookup table recalibration at rest,
// current integration, or the sensor's own charge/energy counter.
// It is not safe for concurrent use; one task owns it.
type Estimator struct {
	cfg       Config
	store     Store
	nvm       Persister
	pack      PackState
	state     State
	persisted nvm.Snapshot
}

// New creates an uninitialised estimator.
func New(cfg Config, store Store, persister Persister, pack PackState) *Estimator {
	return &Estimator{
		cfg:   cfg,
		store: store,
		nvm:   persister,
		pack:  pack,
	}
}

// Kind reports what the estimator tracks.
func (e *Estimator) Kind() Kind { return e.cfg.Kind }

// State returns a copy of the internal bookkeeping.
func (e *Estimator) State() State { return e.state }

// PercentFromVoltage looks up the percentage for an open circuit cell voltage.
func (e *Estimator) PercentFromVoltage(voltage_mV int32) float64 {
	return e.cfg.Table.InterpolateFromVoltage(voltage_mV)
}

// Initialize restores the persisted estimate into table and prepares sensor counting for
// the strings where sensorPresent is set.
func (e *Estimator) Initialize(table *database.EstimateTable, sensorPresent [battery.NrOfStrings]bool) error {
	snap, err := e.nvm.Read(e.blockID())
	if err != nil {
		return fmt.Errorf("read persisted %v: %w", e.cfg.Kind, err)
	}

	var cs database.CurrentSensorTable
	if err := e.store.Read(&cs); err != nil {
		return fmt.Errorf("%v init: %w", e.cfg.Kind, err)
	}

	for s := range battery.NrOfStrings {
		snap.AveragePercent[s] = clampPercent(snap.AveragePercent[s])
		snap.MinimumPercent[s] = clampPercent(snap.MinimumPercent[s])
		snap.MaximumPercent[s] = clampPercent(snap.MaximumPercent[s])
	}
	e.persisted = snap

	for s := range battery.NrOfStrings {
		e.state.SensorCountingUsed[s] = sensorPresent[s]
		if sensorPresent[s] {
			counter, ts := e.counter(&cs, s)
			e.state.PreviousTimestamp[s] = ts
			e.state.PreviousCounter[s] = counter
			e.updateScaling(&cs, s)
		} else {
			e.state.PreviousTimestamp[s] = cs.TimestampCurrent[s]
		}
		e.copyToTable(table, s)
	}

	if err := e.persist(); err != nil {
		return err
	}
	e.state.Initialized = true
	return nil
}

// Calculate advances the estimate by one cycle. It does nothing until Initialize succeeded.
func (e *Estimator) Calculate(table *database.EstimateTable) error {
	if !e.state.Initialized {
		return nil
	}

	if e.pack.IsBatteryResting() {
		return e.recalibrate(table)
	}

	var cs database.CurrentSensorTable
	if err := e.store.Read(&cs); err != nil {
		return fmt.Errorf("%v calculation: %w", e.cfg.Kind, err)
	}

	for s := range battery.NrOfStrings {
		if e.state.SensorCountingUsed[s] {
			e.countFromSensor(table, &cs, s)
		} else {
			e.integrateCurrent(table, &cs, s)
		}
	}
	return e.persist()
}

// SetValue overrides the estimate of one string. Values are clamped to [0, 100] percent.
func (e *Estimator) SetValue(table *database.EstimateTable, minimum, maximum, average float64, s int) error {
	if err := e.setValue(table, minimum, maximum, average, s); err != nil {
		return err
	}
	return e.persist()
}

func (e *Estimator) setValue(table *database.EstimateTable, minimum, maximum, average float64, s int) error {
	e.persisted.MinimumPercent[s] = clampPercent(minimum)
	e.persisted.MaximumPercent[s] = clampPercent(maximum)
	e.persisted.AveragePercent[s] = clampPercent(average)

	if e.state.SensorCountingUsed[s] {
		var cs database.CurrentSensorTable
		if err := e.store.Read(&cs); err != nil {
			return fmt.Errorf("%v set value: %w", e.cfg.Kind, err)
		}
		e.updateScaling(&cs, s)
	}
	e.copyToTable(table, s)
	return nil
}

func (e *Estimator) recalibrate(table *database.EstimateTable) error {
	var mm database.MinMaxTable
	if err := e.store.Read(&mm); err != nil {
		return fmt.Errorf("%v recalibration: %w", e.cfg.Kind, err)
	}
	for s := range battery.NrOfStrings {
		err := e.setValue(table,
			e.PercentFromVoltage(mm.MinimumCellVoltage_mV[s]),
			e.PercentFromVoltage(mm.MaximumCellVoltage_mV[s]),
			e.PercentFromVoltage(mm.AverageCellVoltage_mV[s]),
			s,
		)
		if err != nil {
			return err
		}
	}
	return e.persist()
}

func (e *Estimator) integrateCurrent(table *database.EstimateTable, cs *database.CurrentSensorTable, s int) {
	ts := cs.TimestampCurrent[s]
	if ts == e.state.PreviousTimestamp[s] {
		return
	}
	e.state.PreviousTimestamp[s] = ts

	prev := cs.PreviousTimestampCurrent[s]
	if ts <= prev {
		return
	}
	dt_s := float64(ts-prev) / 1000

	current_A := cs.Current_mA[s] / 1000
	delta := current_A * dt_s / 3600
	if e.cfg.Kind == KindEnergy {
		delta *= cs.HighVoltage_mV[s] / 1000
	}
	delta *= e.polarity()

	table.Minimum[s] -= delta
	table.Average[s] -= delta
	table.Maximum[s] -= delta

	switch e.pack.CurrentFlowDirection(cs.Current_mA[s]) {
	case bms.Charging:
		e.persisted.ChargeThroughput[s] += math.Abs(delta)
	case bms.Discharging:
		e.persisted.DischargeThroughput[s] += math.Abs(delta)
	}

	e.persisted.MinimumPercent[s] = clampPercent(e.toPercent(table.Minimum[s]))
	e.persisted.AveragePercent[s] = clampPercent(e.toPercent(table.Average[s]))
	e.persisted.MaximumPercent[s] = clampPercent(e.toPercent(table.Maximum[s]))
	e.copyToTable(table, s)
}

func (e *Estimator) countFromSensor(table *database.EstimateTable, cs *database.CurrentSensorTable, s int) {
	counter, ts := e.counter(cs, s)
	if ts == e.state.PreviousTimestamp[s] {
		return
	}

	deltaPercent := e.counterPercent(counter)
	e.persisted.AveragePercent[s] = clampPercent(e.state.ScalingOffsetAverage[s] - deltaPercent)
	e.persisted.MinimumPercent[s] = clampPercent(e.state.ScalingOffsetMinimum[s] - deltaPercent)
	e.persisted.MaximumPercent[s] = clampPercent(e.state.ScalingOffsetMaximum[s] - deltaPercent)

	// Positive after the polarity flip means charge left the string
	moved := (counter - e.state.PreviousCounter[s]) * e.polarity()
	if moved > 0 {
		e.persisted.DischargeThroughput[s] += moved
	} else {
		e.persisted.ChargeThroughput[s] -= moved
	}

	e.state.PreviousCounter[s] = counter
	e.state.PreviousTimestamp[s] = ts
	e.copyToTable(table, s)
}

// updateScaling re-anchors sensor counting so the current counter value maps to the persisted percentages.
func (e *Estimator) updateScaling(cs *database.CurrentSensorTable, s int) {
	counter, _ := e.counter(cs, s)
	offset := e.counterPercent(counter)
	e.state.ScalingOffsetAverage[s] = e.persisted.AveragePercent[s] + offset
	e.state.ScalingOffsetMinimum[s] = e.persisted.MinimumPercent[s] + offset
	e.state.ScalingOffsetMaximum[s] = e.persisted.MaximumPercent[s] + offset
}

func (e *Estimator) copyToTable(table *database.EstimateTable, s int) {
	table.AveragePercent[s] = e.persisted.AveragePercent[s]
	table.MinimumPercent[s] = e.persisted.MinimumPercent[s]
	table.MaximumPercent[s] = e.persisted.MaximumPercent[s]

	table.Average[s] = e.fromPercent(table.AveragePercent[s])
	table.Minimum[s] = e.fromPercent(table.MinimumPercent[s])
	table.Maximum[s] = e.fromPercent(table.MaximumPercent[s])

	table.ChargeThroughput[s] = e.persisted.ChargeThroughput[s]
	table.DischargeThroughput[s] = e.persisted.DischargeThroughput[s]
}

func (e *Estimator) persist() error {
	if err := e.nvm.Write(e.blockID(), e.persisted); err != nil {
		return fmt.Errorf("persist %v: %w", e.cfg.Kind, err)
	}
	return nil
}

// counter returns the sensor's running counter in Ah or Wh and the time it was sampled.
func (e *Estimator) counter(cs *database.CurrentSensorTable, s int) (float64, uint32) {
	if e.cfg.Kind == KindEnergy {
		return cs.EnergyCounter_Wh[s], cs.TimestampEnergyCounting[s]
	}
	return cs.CurrentCounter_As[s] / 3600, cs.TimestampCurrentCounting[s]
}

// counterPercent is the counter expressed in percent of nominal, signed so that discharge is positive.
func (e *Estimator) counterPercent(counter float64) float64 {
	return counter / e.cfg.Nominal * 100 * e.polarity()
}

func (e *Estimator) polarity() float64 {
	if e.cfg.PositiveDischargeCurrent {
		return 1
	}
	return -1
}

func (e *Estimator) toPercent(value float64) float64 {
	if e.cfg.Kind == KindEnergy {
		return PercentFromEnergy(value, e.cfg.Nominal)
	}
	return PercentFromCharge(value, e.cfg.Nominal)
}

func (e *Estimator) fromPercent(percent float64) float64 {
	if e.cfg.Kind == KindEnergy {
		return EnergyFromPercent(percent, e.cfg.Nominal)
	}
	return ChargeFromPercent(percent, e.cfg.Nominal)
}

func (e *Estimator) blockID() nvm.BlockID {
	if e.cfg.Kind == KindEnergy {
		return nvm.BlockSoe
	}
	return nvm.BlockSoc
}
