// Package estimation runs the state estimators of the pack as one unit.
package estimation

import (
	"fmt"

	"github.com/ryansname/bmsctl/src/battery"
	"github.com/ryansname/bmsctl/src/database"
	"github.com/ryansname/bmsctl/src/soc"
)

// Config selects the estimators the dispatcher runs.
type Config struct {
	Soc soc.Config
	Soe soc.Config

	// SensorCounting enables counter based estimation for a string. It is only used when
	// the sensor has reported a counter value by the time Initialize runs.
	SensorCounting [battery.NrOfStrings]bool
}

// Store is the part of the database the dispatcher uses.
type Store interface {
	Read(blocks ...database.Block) error
	Write(blocks ...database.Block) error
}

// Dispatcher owns the SOC and SOE estimators and publishes SOC, SOE and SOH together.
// All methods must be called from the same goroutine.
type Dispatcher struct {
	store          Store
	soc, soe       *soc.Estimator
	sensorCounting [battery.NrOfStrings]bool

	socTable *database.EstimateTable
	soeTable *database.EstimateTable
	sohTable database.SohTable
}

// New creates a dispatcher. Nothing is estimated before Initialize.
func New(cfg Config, store Store, persister soc.Persister, pack soc.PackState) *Dispatcher {
	cfg.Soc.Kind = soc.KindCharge
	cfg.Soe.Kind = soc.KindEnergy
	return &Dispatcher{
		store:          store,
		soc:            soc.New(cfg.Soc, store, persister, pack),
		soe:            soc.New(cfg.Soe, store, persister, pack),
		sensorCounting: cfg.SensorCounting,
		socTable:       database.NewSocTable(),
		soeTable:       database.NewSoeTable(),
	}
}

// Initialize restores the persisted estimates and publishes them.
func (d *Dispatcher) Initialize() error {
	var cs database.CurrentSensorTable
	if err := d.store.Read(&cs); err != nil {
		return fmt.Errorf("estimation init: %w", err)
	}

	var chargeCounter, energyCounter [battery.NrOfStrings]bool
	for s := range battery.NrOfStrings {
		chargeCounter[s] = d.sensorCounting[s] && cs.TimestampCurrentCounting[s] != 0
		energyCounter[s] = d.sensorCounting[s] && cs.TimestampEnergyCounting[s] != 0
	}

	if err := d.soc.Initialize(d.socTable, chargeCounter); err != nil {
		return err
	}
	if err := d.soe.Initialize(d.soeTable, energyCounter); err != nil {
		return err
	}
	d.calculateSoh()
	return d.write()
}

// Run performs one estimation cycle.
func (d *Dispatcher) Run() error {
	if err := d.soc.Calculate(d.socTable); err != nil {
		return err
	}
	if err := d.soe.Calculate(d.soeTable); err != nil {
		return err
	}
	d.calculateSoh()
	return d.write()
}

// SetStateOfCharge overrides the state of charge of string s.
func (d *Dispatcher) SetStateOfCharge(s int, minimum, maximum, average float64) error {
	if s < 0 || s >= battery.NrOfStrings {
		return fmt.Errorf("string %d out of range [0, %d)", s, battery.NrOfStrings)
	}
	if err := d.soc.SetValue(d.socTable, minimum, maximum, average, s); err != nil {
		return err
	}
	return d.write()
}

// SensorCounting reports the strings that estimate from the sensor counters.
func (d *Dispatcher) SensorCounting() (charge, energy [battery.NrOfStrings]bool) {
	return d.soc.State().SensorCountingUsed, d.soe.State().SensorCountingUsed
}

// calculateSoh reports a new pack. There is no ageing model.
func (d *Dispatcher) calculateSoh() {
	for s := range battery.NrOfStrings {
		d.sohTable.AveragePercent[s] = 100
		d.sohTable.MinimumPercent[s] = 100
		d.sohTable.MaximumPercent[s] = 100
	}
}

func (d *Dispatcher) write() error {
	if err := d.store.Write(d.socTable, d.soeTable, &d.sohTable); err != nil {
		return fmt.Errorf("estimation: %w", err)
	}
	return nil
}
