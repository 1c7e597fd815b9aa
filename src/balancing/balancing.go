// Package balancing implements history based passive cell balancing.
//
// Imbalances are computed from the open circuit voltage while the pack rests and
// stored as the charge every cell still has to shed. The balancing resistors then
// work those targets down in fixed time slices until nothing is left.
package balancing

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryansname/bmsctl/src/battery"
	"github.com/ryansname/bmsctl/src/database"
)

// State is the top level position of the state machine.
type State int

const (
	Uninitialized State = iota
	Initialization
	Initialized
	CheckBalancing
	Balance
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialization:
		return "initialization"
	case Initialized:
		return "initialized"
	case CheckBalancing:
		return "check-balancing"
	case Balance:
		return "balance"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Substate refines CheckBalancing and Balance.
type Substate int

const (
	SubstateEntry Substate = iota
	SubstateCheckImbalances
	SubstateComputeImbalances
	SubstateActivateBalancing
)

func (s Substate) String() string {
	switch s {
	case SubstateEntry:
		return "entry"
	case SubstateCheckImbalances:
		return "check-imbalances"
	case SubstateComputeImbalances:
		return "compute-imbalances"
	case SubstateActivateBalancing:
		return "activate-balancing"
	}
	return fmt.Sprintf("substate(%d)", int(s))
}

// Request is deposited by other tasks and consumed by Trigger.
type Request int

const (
	NoRequest Request = iota
	InitRequest
	GlobalEnableRequest
	GlobalDisableRequest
	AllowBalancingRequest
	NoBalancingRequest
)

var requestWords = map[Request]string{
	NoRequest:             "none",
	InitRequest:           "init",
	GlobalEnableRequest:   "enable",
	GlobalDisableRequest:  "disable",
	AllowBalancingRequest: "allow",
	NoBalancingRequest:    "forbid",
}

func (r Request) String() string {
	if w, ok := requestWords[r]; ok {
		return w
	}
	return fmt.Sprintf("request(%d)", int(r))
}

// ParseRequest maps command words (init, enable, disable, allow, forbid) to requests.
func ParseRequest(s string) (Request, bool) {
	for r, w := range requestWords {
		if r != NoRequest && w == s {
			return r, true
		}
	}
	return NoRequest, false
}

// RequestResult is the answer to SetStateRequest.
type RequestResult int

const (
	RequestOK RequestResult = iota
	RequestPending
	RequestIllegal
	RequestAlreadyInitialized
)

func (r RequestResult) String() string {
	switch r {
	case RequestOK:
		return "ok"
	case RequestPending:
		return "request pending"
	case RequestIllegal:
		return "illegal request"
	case RequestAlreadyInitialized:
		return "already initialized"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// InitStatus reports whether initialization finished.
type InitStatus int

const (
	InitPending InitStatus = iota
	InitOK
	InitFailed
)

// MaxThreshold_mV bounds the imbalance threshold and the hysteresis. No cell pair of a
// working string differs by more.
const MaxThreshold_mV int32 = 1000

// Config holds the balancing parameters.
type Config struct {
	Threshold_mV                int32
	Hysteresis_mV               int32
	LowerVoltageLimit_mV        int32
	UpperTemperatureLimit_ddegC int32
	Resistance_ohm              float64
	NominalCapacity_mAh         float64

	// Timer values in trigger periods.
	ShortTime     uint32
	BalancingTime uint32
	TickPeriod    time.Duration

	GlobalAllowed bool
}

// Store is the part of the database balancing uses.
type Store interface {
	Read(blocks ...database.Block) error
	Write(blocks ...database.Block) error
}

// PackState tells whether the pack is resting long enough for open circuit voltages.
type PackState interface {
	IsBatteryResting() bool
}

// SocLookup maps a cell voltage to state of charge in percent.
type SocLookup interface {
	InterpolateFromVoltage(voltage_mV int32) float64
}

// Status is a snapshot of the machine for display.
type Status struct {
	State          State
	Substate       Substate
	LastState      State
	LastSubstate   Substate
	Active         bool
	Allowed        bool
	GlobalAllowed  bool
	Threshold_mV   int32
	Initialization InitStatus
}

// Balancing is the balancing state machine. Trigger must be called periodically;
// SetStateRequest and SetBalancingThreshold may be called from any goroutine.
type Balancing struct {
	cfg   Config
	store Store
	pack  PackState
	soc   SocLookup

	triggerEntry atomic.Bool

	mu               sync.Mutex
	stateRequest     Request
	disableRequested bool
	baseThreshold    int32
	status           Status

	state, lastState       State
	substate, lastSubstate Substate
	timer                  uint32
	active                 bool
	threshold_mV           int32
	allowed                bool
	globalAllowed          bool
	initialization         InitStatus
	control                database.BalancingControlTable
}

// New creates an uninitialised state machine. It starts working after an InitRequest.
func New(cfg Config, store Store, pack PackState, soc SocLookup) *Balancing {
	b := &Balancing{
		cfg:           cfg,
		store:         store,
		pack:          pack,
		soc:           soc,
		baseThreshold: clampThreshold(cfg.Threshold_mV),
		threshold_mV:  clampThreshold(cfg.Threshold_mV),
		allowed:       true,
		globalAllowed: cfg.GlobalAllowed,
	}
	b.publishStatus()
	return b
}

// SetStateRequest deposits a request for the next Trigger. Only one request can be pending.
// A global disable is never refused: it is kept beside the pending request and cancels a
// pending global enable.
func (b *Balancing) SetStateRequest(req Request) RequestResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if req == GlobalDisableRequest {
		b.disableRequested = true
		if b.stateRequest == GlobalEnableRequest {
			b.stateRequest = NoRequest
		}
		return RequestOK
	}
	if b.stateRequest != NoRequest {
		return RequestPending
	}

	switch req {
	case InitRequest:
		if b.status.State != Uninitialized {
			return RequestAlreadyInitialized
		}
	case GlobalEnableRequest, AllowBalancingRequest, NoBalancingRequest:
	default:
		return RequestIllegal
	}
	b.stateRequest = req
	return RequestOK
}

// SetBalancingThreshold overrides the configured imbalance threshold. It applies from the
// next imbalance computation on and is limited to [0, MaxThreshold_mV].
func (b *Balancing) SetBalancingThreshold(threshold_mV int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.baseThreshold = clampThreshold(threshold_mV)
}

func clampThreshold(mV int32) int32 {
	return max(0, min(mV, MaxThreshold_mV))
}

// saturateCharge converts a charge in mAs to the control table type.
func saturateCharge(mAs float64) uint32 {
	return uint32(max(0, min(mAs, math.MaxUint32)))
}

// Status returns the state as of the end of the last Trigger.
func (b *Balancing) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Balancing) transferRequest() (disable bool, req Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	disable, req = b.disableRequested, b.stateRequest
	b.disableRequested, b.stateRequest = false, NoRequest
	return disable, req
}

func (b *Balancing) publishStatus() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = Status{
		State:          b.state,
		Substate:       b.substate,
		LastState:      b.lastState,
		LastSubstate:   b.lastSubstate,
		Active:         b.active,
		Allowed:        b.allowed,
		GlobalAllowed:  b.globalAllowed,
		Threshold_mV:   b.threshold_mV,
		Initialization: b.initialization,
	}
}

// Trigger runs one step of the state machine. Calls that overlap a running Trigger return immediately.
func (b *Balancing) Trigger() error {
	if !b.triggerEntry.CompareAndSwap(false, true) {
		return nil
	}
	defer b.triggerEntry.Store(false)
	defer b.publishStatus()

	disable, req := b.transferRequest()
	if disable {
		if err := b.applyRequest(GlobalDisableRequest); err != nil {
			return err
		}
	}
	if err := b.applyRequest(req); err != nil {
		return err
	}

	if b.timer > 0 {
		b.timer--
		return nil
	}

	b.lastState, b.lastSubstate = b.state, b.substate

	switch b.state {
	case Uninitialized:
		return nil

	case Initialization:
		if err := b.Deactivate(); err != nil {
			b.initialization = InitFailed
			return err
		}
		b.goTo(Initialized, SubstateEntry, b.cfg.ShortTime)
		return nil

	case Initialized:
		b.initialization = InitOK
		b.goTo(CheckBalancing, SubstateEntry, b.cfg.ShortTime)
		return nil

	case CheckBalancing:
		return b.checkBalancing()

	case Balance:
		return b.balance()
	}
	panic(fmt.Sprintf("balancing: unreachable state %v", b.state))
}

func (b *Balancing) goTo(state State, substate Substate, timer uint32) {
	b.state = state
	b.substate = substate
	b.timer = timer
}

func (b *Balancing) applyRequest(req Request) error {
	switch req {
	case InitRequest:
		if b.state == Uninitialized {
			b.goTo(Initialization, SubstateEntry, b.cfg.ShortTime)
		}
	case GlobalEnableRequest:
		b.globalAllowed = true
	case GlobalDisableRequest:
		b.globalAllowed = false
		if b.state == CheckBalancing || b.state == Balance {
			b.goTo(CheckBalancing, SubstateEntry, 0)
			return b.Deactivate()
		}
	case AllowBalancingRequest:
		b.allowed = true
	case NoBalancingRequest:
		b.allowed = false
	}
	return nil
}

func (b *Balancing) checkBalancing() error {
	switch b.substate {
	case SubstateEntry:
		if !b.globalAllowed {
			b.timer = b.cfg.ShortTime
			return b.Deactivate()
		}
		b.substate = SubstateCheckImbalances

	case SubstateCheckImbalances:
		if b.active {
			if err := b.Deactivate(); err != nil {
				return err
			}
		}
		if b.CheckImbalances() {
			b.goTo(Balance, SubstateEntry, b.cfg.ShortTime)
			return nil
		}
		b.substate = SubstateComputeImbalances

	case SubstateComputeImbalances:
		if !b.pack.IsBatteryResting() {
			b.substate = SubstateCheckImbalances
			break
		}
		if err := b.ComputeImbalances(); err != nil {
			return err
		}
		b.goTo(Balance, SubstateEntry, b.cfg.ShortTime)
		return nil

	default:
		panic(fmt.Sprintf("balancing: unreachable substate %v in %v", b.substate, b.state))
	}
	b.timer = b.cfg.ShortTime
	return nil
}

func (b *Balancing) balance() error {
	switch b.substate {
	case SubstateEntry:
		if !b.globalAllowed {
			b.goTo(CheckBalancing, SubstateEntry, b.cfg.ShortTime)
			return b.Deactivate()
		}
		b.substate = SubstateActivateBalancing
		b.timer = b.cfg.ShortTime

	case SubstateActivateBalancing:
		var mm database.MinMaxTable
		if err := b.store.Read(&mm); err != nil {
			return fmt.Errorf("balancing: %w", err)
		}
		if !b.safeToBalance(&mm) || !b.CheckImbalances() || !b.globalAllowed {
			b.goTo(CheckBalancing, SubstateEntry, b.cfg.BalancingTime)
			return b.Deactivate()
		}
		b.timer = b.cfg.BalancingTime
		return b.ActivateBalancing()

	default:
		panic(fmt.Sprintf("balancing: unreachable substate %v in %v", b.substate, b.state))
	}
	return nil
}

func (b *Balancing) safeToBalance(mm *database.MinMaxTable) bool {
	for s := range battery.NrOfStrings {
		if !mm.Valid[s] {
			return false
		}
		if mm.MinimumCellVoltage_mV[s] < b.cfg.LowerVoltageLimit_mV {
			return false
		}
		if mm.MaximumTemperature_ddegC[s] > b.cfg.UpperTemperatureLimit_ddegC {
			return false
		}
	}
	return true
}

// CheckImbalances reports whether any cell still has charge to shed.
func (b *Balancing) CheckImbalances() bool {
	for s := range battery.NrOfStrings {
		for c := range battery.NrOfCellBlocksPerString {
			if b.control.DeltaCharge_mAs[s][c] > 0 {
				return true
			}
		}
	}
	return false
}

// ComputeImbalances sets the charge every cell has to shed to reach the depth of
// discharge of the weakest cell in its string.
func (b *Balancing) ComputeImbalances() error {
	var cv database.CellVoltageTable
	if err := b.store.Read(&cv); err != nil {
		return fmt.Errorf("balancing: %w", err)
	}

	b.threshold_mV = b.baseThresholdValue() + clampThreshold(b.cfg.Hysteresis_mV)

	for s := range battery.NrOfStrings {
		voltages := cv.CellVoltage_mV[s]
		ref := 0
		for c := range voltages {
			if voltages[c] < voltages[ref] {
				ref = c
			}
		}

		refDOD := b.depthOfDischarge_mAs(voltages[ref])
		for c := range voltages {
			b.control.DeltaCharge_mAs[s][c] = 0
			if c == ref || voltages[c] <= voltages[ref]+b.threshold_mV {
				continue
			}
			diff := refDOD - b.depthOfDischarge_mAs(voltages[c])
			b.control.DeltaCharge_mAs[s][c] = saturateCharge(diff)
		}
	}
	return b.writeControl()
}

func (b *Balancing) baseThresholdValue() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.baseThreshold
}

func (b *Balancing) depthOfDischarge_mAs(voltage_mV int32) float64 {
	soc := b.soc.InterpolateFromVoltage(voltage_mV)
	return b.cfg.NominalCapacity_mAh * 3600 * (1 - soc/100)
}

// ActivateBalancing switches on the resistors of every cell with charge left to shed and
// books the charge removed during one balancing period.
func (b *Balancing) ActivateBalancing() error {
	var cv database.CellVoltageTable
	if err := b.store.Read(&cv); err != nil {
		return fmt.Errorf("balancing: %w", err)
	}

	slice_s := (time.Duration(b.cfg.BalancingTime) * b.cfg.TickPeriod).Seconds()
	b.control.EnableBalancing = false

	for s := range battery.NrOfStrings {
		b.control.NrBalancedCells[s] = 0
		for c := range battery.NrOfCellBlocksPerString {
			delta := b.control.DeltaCharge_mAs[s][c]
			if delta == 0 || !b.allowed || !b.globalAllowed {
				b.control.ActivateBalancing[s][c] = false
				continue
			}

			current_mA := float64(cv.CellVoltage_mV[s][c]) / b.cfg.Resistance_ohm
			removed := saturateCharge(current_mA * slice_s)
			if removed >= delta {
				delta = 0
			} else {
				delta -= removed
			}

			b.control.DeltaCharge_mAs[s][c] = delta
			b.control.ActivateBalancing[s][c] = true
			b.control.NrBalancedCells[s]++
			b.control.EnableBalancing = true
		}
	}
	b.active = b.control.EnableBalancing
	return b.writeControl()
}

// Deactivate switches every resistor off and forgets all targets.
func (b *Balancing) Deactivate() error {
	b.control = database.BalancingControlTable{}
	b.active = false
	return b.writeControl()
}

func (b *Balancing) writeControl() error {
	if err := b.store.Write(&b.control); err != nil {
		return fmt.Errorf("balancing: %w", err)
	}
	return nil
}
