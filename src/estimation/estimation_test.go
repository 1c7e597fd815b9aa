package estimation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/bmsctl/src/battery"
	"github.com/ryansname/bmsctl/src/bms"
	"github.com/ryansname/bmsctl/src/database"
	"github.com/ryansname/bmsctl/src/nvm"
	"github.com/ryansname/bmsctl/src/soc"
)

type restingPack struct{}

func (restingPack) IsBatteryResting() bool                     { return false }
func (restingPack) CurrentFlowDirection(float64) bms.Direction { return bms.AtRest }

func testConfig() Config {
	return Config{
		Soc: soc.Config{
			Table:                    soc.LookupTable(battery.SocLookupTable),
			Nominal:                  100,
			PositiveDischargeCurrent: true,
		},
		Soe: soc.Config{
			Table:                    soc.LookupTable(battery.SoeLookupTable),
			Nominal:                  36000,
			PositiveDischargeCurrent: true,
		},
		SensorCounting: [battery.NrOfStrings]bool{true, true, false},
	}
}

func TestInitialize_PublishesAllEstimates(t *testing.T) {
	store := database.NewStore(func() uint32 { return 5 })
	d := New(testConfig(), store, nvm.NewMemory(), restingPack{})
	require.NoError(t, d.Initialize())

	socTable, soeTable := database.NewSocTable(), database.NewSoeTable()
	var soh database.SohTable
	require.NoError(t, store.Read(socTable, soeTable, &soh))

	assert.Equal(t, 50.0, socTable.AveragePercent[0])
	assert.Equal(t, 50.0, soeTable.AveragePercent[0])
	assert.Equal(t, 18000.0, soeTable.Average[0])
	assert.Equal(t, 100.0, soh.MinimumPercent[2])
	assert.Equal(t, uint32(5), socTable.Timestamp)
}

func TestInitialize_SensorCountingNeedsCounterData(t *testing.T) {
	store := database.NewStore(func() uint32 { return 0 })

	var cs database.CurrentSensorTable
	cs.TimestampCurrentCounting[0] = 100
	cs.TimestampCurrentCounting[2] = 100
	cs.TimestampEnergyCounting[1] = 100
	require.NoError(t, store.Write(&cs))

	d := New(testConfig(), store, nvm.NewMemory(), restingPack{})
	require.NoError(t, d.Initialize())

	charge, energy := d.SensorCounting()
	// String 2 has counter data but counting is not configured for it
	assert.Equal(t, [battery.NrOfStrings]bool{true, false, false}, charge)
	assert.Equal(t, [battery.NrOfStrings]bool{false, true, false}, energy)
}

func TestSetStateOfCharge(t *testing.T) {
	store := database.NewStore(func() uint32 { return 0 })
	persister := nvm.NewMemory()
	d := New(testConfig(), store, persister, restingPack{})
	require.NoError(t, d.Initialize())

	require.NoError(t, d.SetStateOfCharge(1, 20, 30, 25))
	socTable := database.NewSocTable()
	require.NoError(t, store.Read(socTable))
	assert.Equal(t, 25.0, socTable.AveragePercent[1])
	assert.Equal(t, 50.0, socTable.AveragePercent[0])

	snap, err := persister.Read(nvm.BlockSoc)
	require.NoError(t, err)
	assert.Equal(t, 30.0, snap.MaximumPercent[1])

	// SOE is not touched
	soe, err := persister.Read(nvm.BlockSoe)
	require.NoError(t, err)
	assert.Equal(t, 50.0, soe.AveragePercent[1])

	assert.Error(t, d.SetStateOfCharge(battery.NrOfStrings, 1, 1, 1))
	assert.Error(t, d.SetStateOfCharge(-1, 1, 1, 1))
}

func TestRun_WritesConsistentTables(t *testing.T) {
	now := uint32(0)
	store := database.NewStore(func() uint32 { return now })
	d := New(testConfig(), store, nvm.NewMemory(), restingPack{})
	require.NoError(t, d.Initialize())

	var cs database.CurrentSensorTable
	for s := range battery.NrOfStrings {
		cs.Current_mA[s] = 36000
		cs.HighVoltage_mV[s] = 360000
		cs.TimestampCurrent[s] = 1000
		cs.PreviousTimestampCurrent[s] = 0
	}
	require.NoError(t, store.Write(&cs))

	now = 1000
	require.NoError(t, d.Run())

	socTable, soeTable := database.NewSocTable(), database.NewSoeTable()
	var soh database.SohTable
	require.NoError(t, store.Read(socTable, soeTable, &soh))
	assert.Equal(t, socTable.Timestamp, soeTable.Timestamp)
	assert.Equal(t, socTable.Timestamp, soh.Timestamp)

	// 36 A for one second: 0.01 Ah and 3.6 Wh
	assert.InDelta(t, 49.99, socTable.Average[2], 1e-9)
	assert.InDelta(t, 17996.4, soeTable.Average[2], 1e-6)
}
