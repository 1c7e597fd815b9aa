package balancing

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/bmsctl/src/battery"
	"github.com/ryansname/bmsctl/src/database"
	"github.com/ryansname/bmsctl/src/soc"
)

type fakePack struct{ resting bool }

func (p *fakePack) IsBatteryResting() bool { return p.resting }

func testConfig() Config {
	return Config{
		Threshold_mV:                50,
		Hysteresis_mV:               20,
		LowerVoltageLimit_mV:        3000,
		UpperTemperatureLimit_ddegC: 450,
		Resistance_ohm:              100,
		NominalCapacity_mAh:         3500,
		ShortTime:                   0,
		BalancingTime:               10,
		TickPeriod:                  100 * time.Millisecond,
		GlobalAllowed:               true,
	}
}

type fixture struct {
	b     *Balancing
	store *database.Store
	pack  *fakePack
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store: database.NewStore(func() uint32 { return 0 }),
		pack:  &fakePack{resting: true},
	}
	f.b = New(cfg, f.store, f.pack, soc.LookupTable(battery.SocLookupTable))
	f.measure(t, func(*database.CellVoltageTable, *database.MinMaxTable) {})
	return f
}

// measure writes 3700 mV cells everywhere except string 0, where cell 5 is the weakest
// at 3644 mV and cell 7 the strongest at 3780 mV.
func (f *fixture) measure(t *testing.T, edit func(cv *database.CellVoltageTable, mm *database.MinMaxTable)) {
	t.Helper()
	var cv database.CellVoltageTable
	var mm database.MinMaxTable
	for s := range battery.NrOfStrings {
		for c := range battery.NrOfCellBlocksPerString {
			cv.CellVoltage_mV[s][c] = 3700
		}
		mm.Valid[s] = true
		mm.MinimumCellVoltage_mV[s] = 3700
		mm.MaximumCellVoltage_mV[s] = 3700
		mm.MaximumTemperature_ddegC[s] = 250
	}
	cv.CellVoltage_mV[0][5] = 3644
	cv.CellVoltage_mV[0][7] = 3780
	mm.MinimumCellVoltage_mV[0] = 3644
	mm.MaximumCellVoltage_mV[0] = 3780

	edit(&cv, &mm)
	require.NoError(t, f.store.Write(&cv, &mm))
}

func (f *fixture) control(t *testing.T) database.BalancingControlTable {
	t.Helper()
	var ctl database.BalancingControlTable
	require.NoError(t, f.store.Read(&ctl))
	return ctl
}

// runUntil triggers until the machine reaches state/substate.
func (f *fixture) runUntil(t *testing.T, state State, substate Substate) {
	t.Helper()
	for range 100 {
		st := f.b.Status()
		if st.State == state && st.Substate == substate {
			return
		}
		require.NoError(t, f.b.Trigger())
	}
	t.Fatalf("never reached %v/%v, stuck in %v/%v", state, substate, f.b.Status().State, f.b.Status().Substate)
}

func TestSetStateRequest(t *testing.T) {
	f := newFixture(t, testConfig())

	assert.Equal(t, RequestOK, f.b.SetStateRequest(InitRequest))
	assert.Equal(t, RequestPending, f.b.SetStateRequest(GlobalEnableRequest))

	// A global disable is never refused and does not replace the pending init
	assert.Equal(t, RequestOK, f.b.SetStateRequest(GlobalDisableRequest))

	require.NoError(t, f.b.Trigger())
	assert.Equal(t, Initialization, f.b.Status().State)
	assert.False(t, f.b.Status().GlobalAllowed)
	assert.Equal(t, RequestAlreadyInitialized, f.b.SetStateRequest(InitRequest))

	assert.Equal(t, RequestIllegal, f.b.SetStateRequest(NoRequest))
	assert.Equal(t, RequestIllegal, f.b.SetStateRequest(Request(42)))
}

func TestSetStateRequest_DisableKeepsPendingInit(t *testing.T) {
	f := newFixture(t, testConfig())

	require.Equal(t, RequestOK, f.b.SetStateRequest(InitRequest))
	require.Equal(t, RequestOK, f.b.SetStateRequest(GlobalDisableRequest))
	require.NoError(t, f.b.Trigger())
	require.Equal(t, RequestOK, f.b.SetStateRequest(GlobalEnableRequest))

	f.runUntil(t, CheckBalancing, SubstateCheckImbalances)
	assert.True(t, f.b.Status().GlobalAllowed)
	assert.Equal(t, InitOK, f.b.Status().Initialization)
}

func TestSetStateRequest_DisableCancelsPendingEnable(t *testing.T) {
	f := newFixture(t, testConfig())

	require.Equal(t, RequestOK, f.b.SetStateRequest(GlobalEnableRequest))
	require.Equal(t, RequestOK, f.b.SetStateRequest(GlobalDisableRequest))
	require.NoError(t, f.b.Trigger())
	assert.False(t, f.b.Status().GlobalAllowed)

	// Nothing is left pending
	assert.Equal(t, RequestOK, f.b.SetStateRequest(InitRequest))
}

func TestParseRequest(t *testing.T) {
	req, ok := ParseRequest("disable")
	assert.True(t, ok)
	assert.Equal(t, GlobalDisableRequest, req)

	_, ok = ParseRequest("balance-harder")
	assert.False(t, ok)
}

func TestTrigger_WaitsForInitRequest(t *testing.T) {
	f := newFixture(t, testConfig())

	for range 5 {
		require.NoError(t, f.b.Trigger())
	}
	assert.Equal(t, Uninitialized, f.b.Status().State)
	assert.Equal(t, InitPending, f.b.Status().Initialization)

	f.b.SetStateRequest(InitRequest)
	f.runUntil(t, CheckBalancing, SubstateEntry)
	assert.Equal(t, InitOK, f.b.Status().Initialization)
}

func TestTrigger_TimerDelaysStateMachine(t *testing.T) {
	cfg := testConfig()
	cfg.ShortTime = 2
	f := newFixture(t, cfg)

	f.b.SetStateRequest(InitRequest)
	require.NoError(t, f.b.Trigger())
	require.NoError(t, f.b.Trigger())
	assert.Equal(t, Initialization, f.b.Status().State)

	require.NoError(t, f.b.Trigger())
	assert.Equal(t, Initialized, f.b.Status().State)
	assert.Equal(t, Initialization, f.b.Status().LastState)
}

func TestTrigger_ReentranceGuard(t *testing.T) {
	f := newFixture(t, testConfig())
	f.b.SetStateRequest(InitRequest)

	// Pretend another trigger is running
	f.b.triggerEntry.Store(true)
	require.NoError(t, f.b.Trigger())
	assert.Equal(t, Uninitialized, f.b.Status().State)
	assert.Equal(t, RequestPending, f.b.SetStateRequest(GlobalEnableRequest), "request must not be consumed")

	f.b.triggerEntry.Store(false)
	require.NoError(t, f.b.Trigger())
	assert.NotEqual(t, Uninitialized, f.b.Status().State)
}

func TestComputeImbalances(t *testing.T) {
	f := newFixture(t, testConfig())

	require.NoError(t, f.b.ComputeImbalances())
	ctl := f.control(t)

	// Reference cell never sheds charge
	assert.Equal(t, uint32(0), ctl.DeltaCharge_mAs[0][5])

	// 3700 mV is within 50+20 mV of 3644 mV
	assert.Equal(t, uint32(0), ctl.DeltaCharge_mAs[0][0])

	// 3780 mV is 64 %, 3644 mV is 51 %: 13 % of 3500 mAh
	assert.InDelta(t, 0.13*3500*3600, float64(ctl.DeltaCharge_mAs[0][7]), 2)

	// Balanced strings get no targets
	for s := 1; s < battery.NrOfStrings; s++ {
		for c := range battery.NrOfCellBlocksPerString {
			assert.Equal(t, uint32(0), ctl.DeltaCharge_mAs[s][c])
		}
	}
	assert.Equal(t, int32(70), f.b.threshold_mV)
}

func TestComputeImbalances_ThresholdOverride(t *testing.T) {
	f := newFixture(t, testConfig())
	f.b.SetBalancingThreshold(200)

	require.NoError(t, f.b.ComputeImbalances())
	assert.Equal(t, uint32(0), f.control(t).DeltaCharge_mAs[0][7])
}

func TestSetBalancingThreshold_Bounded(t *testing.T) {
	f := newFixture(t, testConfig())

	f.b.SetBalancingThreshold(math.MaxInt32)
	require.NoError(t, f.b.ComputeImbalances())
	assert.Equal(t, MaxThreshold_mV+20, f.b.threshold_mV)
	assert.Equal(t, uint32(0), f.control(t).DeltaCharge_mAs[0][7])

	f.b.SetBalancingThreshold(-5)
	require.NoError(t, f.b.ComputeImbalances())
	assert.Equal(t, int32(20), f.b.threshold_mV)
	assert.Greater(t, f.control(t).DeltaCharge_mAs[0][7], uint32(0))
}

func TestComputeImbalances_SaturatesLargeCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.NominalCapacity_mAh = 5e9
	f := newFixture(t, cfg)

	require.NoError(t, f.b.ComputeImbalances())
	assert.Equal(t, uint32(math.MaxUint32), f.control(t).DeltaCharge_mAs[0][7])
	assert.Equal(t, uint32(0), f.control(t).DeltaCharge_mAs[0][5])
}

func TestActivateBalancing_SaturatesAtZero(t *testing.T) {
	f := newFixture(t, testConfig())
	f.b.control.DeltaCharge_mAs[0][7] = 50

	// 3780 mV over 100 Ω for one second removes 37 mAs
	require.NoError(t, f.b.ActivateBalancing())
	ctl := f.control(t)
	assert.Equal(t, uint32(13), ctl.DeltaCharge_mAs[0][7])
	assert.True(t, ctl.ActivateBalancing[0][7])
	assert.Equal(t, 1, ctl.NrBalancedCells[0])
	assert.True(t, ctl.EnableBalancing)

	require.NoError(t, f.b.ActivateBalancing())
	assert.Equal(t, uint32(0), f.control(t).DeltaCharge_mAs[0][7])

	// Nothing left to do
	require.NoError(t, f.b.ActivateBalancing())
	ctl = f.control(t)
	assert.False(t, ctl.ActivateBalancing[0][7])
	assert.False(t, ctl.EnableBalancing)
	assert.Equal(t, 0, ctl.NrBalancedCells[0])
}

func TestActivateBalancing_RespectsLocalPermission(t *testing.T) {
	f := newFixture(t, testConfig())
	f.b.control.DeltaCharge_mAs[0][7] = 50
	f.b.allowed = false

	require.NoError(t, f.b.ActivateBalancing())
	ctl := f.control(t)
	assert.False(t, ctl.EnableBalancing)
	assert.Equal(t, uint32(50), ctl.DeltaCharge_mAs[0][7])
}

func TestTrigger_BalancesWhileResting(t *testing.T) {
	f := newFixture(t, testConfig())
	f.b.SetStateRequest(InitRequest)

	f.runUntil(t, Balance, SubstateActivateBalancing)
	require.NoError(t, f.b.Trigger())

	ctl := f.control(t)
	assert.True(t, ctl.EnableBalancing)
	assert.True(t, ctl.ActivateBalancing[0][7])
	assert.False(t, ctl.ActivateBalancing[0][5])
	assert.True(t, f.b.Status().Active)
}

func TestTrigger_WaitsForRest(t *testing.T) {
	f := newFixture(t, testConfig())
	f.pack.resting = false
	f.b.SetStateRequest(InitRequest)

	for range 20 {
		require.NoError(t, f.b.Trigger())
	}
	st := f.b.Status()
	assert.Equal(t, CheckBalancing, st.State)
	assert.Contains(t, []Substate{SubstateCheckImbalances, SubstateComputeImbalances}, st.Substate)
	assert.Equal(t, uint32(0), f.control(t).DeltaCharge_mAs[0][7])
}

func TestTrigger_GlobalDisableDeactivatesWithinOneCall(t *testing.T) {
	f := newFixture(t, testConfig())
	f.b.SetStateRequest(InitRequest)
	f.runUntil(t, Balance, SubstateActivateBalancing)
	require.NoError(t, f.b.Trigger())
	require.True(t, f.control(t).EnableBalancing)

	// The balancing timer is pending; disable must not wait for it
	assert.Equal(t, RequestOK, f.b.SetStateRequest(GlobalDisableRequest))
	require.NoError(t, f.b.Trigger())

	assert.Equal(t, database.BalancingControlTable{}, stripHeader(f.control(t)))
	st := f.b.Status()
	assert.False(t, st.Active)
	assert.False(t, st.GlobalAllowed)
	assert.Equal(t, CheckBalancing, st.State)

	// And it stays off
	for range 30 {
		require.NoError(t, f.b.Trigger())
	}
	assert.Equal(t, database.BalancingControlTable{}, stripHeader(f.control(t)))
	assert.Equal(t, CheckBalancing, f.b.Status().State)
	assert.Equal(t, SubstateEntry, f.b.Status().Substate)
}

func TestTrigger_StopsBelowLowerVoltageLimit(t *testing.T) {
	f := newFixture(t, testConfig())
	f.b.SetStateRequest(InitRequest)
	f.runUntil(t, Balance, SubstateActivateBalancing)

	f.measure(t, func(_ *database.CellVoltageTable, mm *database.MinMaxTable) {
		mm.MinimumCellVoltage_mV[2] = 2900
	})
	require.NoError(t, f.b.Trigger())

	assert.Equal(t, CheckBalancing, f.b.Status().State)
	assert.Equal(t, database.BalancingControlTable{}, stripHeader(f.control(t)))
}

func TestTrigger_StopsAboveTemperatureLimit(t *testing.T) {
	f := newFixture(t, testConfig())
	f.b.SetStateRequest(InitRequest)
	f.runUntil(t, Balance, SubstateActivateBalancing)

	f.measure(t, func(_ *database.CellVoltageTable, mm *database.MinMaxTable) {
		mm.MaximumTemperature_ddegC[1] = 460
	})
	require.NoError(t, f.b.Trigger())

	assert.Equal(t, CheckBalancing, f.b.Status().State)
	assert.False(t, f.control(t).EnableBalancing)
}

func TestTrigger_UnreachableStatePanics(t *testing.T) {
	f := newFixture(t, testConfig())
	f.b.state = State(99)

	assert.Panics(t, func() { _ = f.b.Trigger() })
}

func stripHeader(ctl database.BalancingControlTable) database.BalancingControlTable {
	ctl.Header = database.Header{}
	return ctl
}
