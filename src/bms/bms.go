// Package bms evaluates the pack level state the estimators and controllers depend on.
package bms

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ryansname/bmsctl/src/battery"
	"github.com/ryansname/bmsctl/src/database"
)

// Direction is the current flow direction of a string or the pack.
type Direction int

const (
	AtRest Direction = iota
	Charging
	Discharging
)

func (d Direction) String() string {
	switch d {
	case Charging:
		return "charging"
	case Discharging:
		return "discharging"
	}
	return "at rest"
}

// Config holds the pack thresholds used by the monitor.
type Config struct {
	PositiveDischargeCurrent bool
	RestCurrent_mA           float64
	RelaxationPeriod         time.Duration

	// Maximum safety limits. Violating any of them starts the transition into the error state.
	MaximumCellVoltage_mV             int32
	MinimumCellVoltage_mV             int32
	MaximumChargeTemperature_ddegC    int32
	MinimumChargeTemperature_ddegC    int32
	MaximumDischargeTemperature_ddegC int32
	MinimumDischargeTemperature_ddegC int32
	MaximumStringCurrent_mA           float64
}

// Store is the part of the database the monitor uses.
type Store interface {
	Read(blocks ...database.Block) error
	Write(blocks ...database.Block) error
	Now() uint32
}

// Monitor tracks rest, contactor and error state. Update is called by one task,
// the query methods may be called from any goroutine.
type Monitor struct {
	cfg   Config
	store Store

	mu          sync.RWMutex
	lastActive  uint32
	started     bool
	resting     bool
	closed      [battery.NrOfStrings]bool
	precharging [battery.NrOfStrings]bool
	errorActive bool
	errorReason string
}

// NewMonitor creates a monitor that reports the pack as not resting until the first relaxation period passed.
func NewMonitor(cfg Config, store Store) *Monitor {
	return &Monitor{cfg: cfg, store: store}
}

// Update re-evaluates the pack state from the latest measurements and publishes it.
func (m *Monitor) Update() error {
	var cs database.CurrentSensorTable
	var mm database.MinMaxTable
	var ct database.ContactorTable
	if err := m.store.Read(&cs, &mm, &ct); err != nil {
		return fmt.Errorf("pack state: %w", err)
	}
	now := m.store.Now()

	m.mu.Lock()
	if !m.started {
		m.started = true
		m.lastActive = now
	}
	if !m.quiet(&cs, &mm) {
		m.lastActive = now
	}
	m.resting = time.Duration(now-m.lastActive)*time.Millisecond >= m.cfg.RelaxationPeriod
	m.closed = ct.StringClosed
	m.precharging = ct.StringPrecharging

	reason := ""
	if ct.ErrorRequested {
		reason = "error requested"
	} else {
		reason = m.checkSafetyLimits(&cs, &mm)
	}
	m.errorActive = reason != ""
	m.errorReason = reason

	state := database.PackStateTable{
		Resting:                 m.resting,
		TransitionToErrorActive: m.errorActive,
		ErrorReason:             m.errorReason,
	}
	for s := range battery.NrOfStrings {
		if m.closed[s] {
			state.NrClosedStrings++
		}
	}
	m.mu.Unlock()

	if err := m.store.Write(&state); err != nil {
		return fmt.Errorf("pack state: %w", err)
	}
	return nil
}

// quiet reports whether every string has been measured and carries less than the rest current.
func (m *Monitor) quiet(cs *database.CurrentSensorTable, mm *database.MinMaxTable) bool {
	for s := range battery.NrOfStrings {
		if cs.TimestampCurrent[s] == 0 || !mm.Valid[s] {
			return false
		}
		if math.Abs(cs.Current_mA[s]) >= m.cfg.RestCurrent_mA {
			return false
		}
	}
	return true
}

func (m *Monitor) checkSafetyLimits(cs *database.CurrentSensorTable, mm *database.MinMaxTable) string {
	for s := range battery.NrOfStrings {
		if !mm.Valid[s] {
			continue
		}
		if mm.MaximumCellVoltage_mV[s] > m.cfg.MaximumCellVoltage_mV {
			return fmt.Sprintf("string %d cell overvoltage %d mV", s, mm.MaximumCellVoltage_mV[s])
		}
		if mm.MinimumCellVoltage_mV[s] < m.cfg.MinimumCellVoltage_mV {
			return fmt.Sprintf("string %d cell undervoltage %d mV", s, mm.MinimumCellVoltage_mV[s])
		}
		if math.Abs(cs.Current_mA[s]) > m.cfg.MaximumStringCurrent_mA {
			return fmt.Sprintf("string %d overcurrent %.0f mA", s, cs.Current_mA[s])
		}

		maxT, minT := m.cfg.MaximumDischargeTemperature_ddegC, m.cfg.MinimumDischargeTemperature_ddegC
		if m.direction(cs.Current_mA[s]) == Charging {
			maxT, minT = m.cfg.MaximumChargeTemperature_ddegC, m.cfg.MinimumChargeTemperature_ddegC
		}
		if mm.MaximumTemperature_ddegC[s] > maxT {
			return fmt.Sprintf("string %d overtemperature %d ddegC", s, mm.MaximumTemperature_ddegC[s])
		}
		if mm.MinimumTemperature_ddegC[s] < minT {
			return fmt.Sprintf("string %d undertemperature %d ddegC", s, mm.MinimumTemperature_ddegC[s])
		}
	}
	return ""
}

// IsBatteryResting reports whether no string carried current for the relaxation period.
func (m *Monitor) IsBatteryResting() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resting
}

// CurrentFlowDirection classifies a current using the configured polarity and rest current.
func (m *Monitor) CurrentFlowDirection(current_mA float64) Direction {
	return m.direction(current_mA)
}

func (m *Monitor) direction(current_mA float64) Direction {
	if !m.cfg.PositiveDischargeCurrent {
		current_mA = -current_mA
	}
	switch {
	case current_mA >= m.cfg.RestCurrent_mA:
		return Discharging
	case current_mA <= -m.cfg.RestCurrent_mA:
		return Charging
	}
	return AtRest
}

// IsStringClosed reports whether the contactors of string s are closed.
func (m *Monitor) IsStringClosed(s int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed[s]
}

// IsStringPrecharging reports whether string s is being precharged.
func (m *Monitor) IsStringPrecharging(s int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.precharging[s]
}

// IsTransitionToErrorActive reports whether the pack is about to enter the error state.
func (m *Monitor) IsTransitionToErrorActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errorActive
}

// ErrorReason describes why the error transition is active.
func (m *Monitor) ErrorReason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errorReason
}
