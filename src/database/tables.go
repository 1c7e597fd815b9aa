package database

import "github.com/ryansname/bmsctl/src/battery"

const (
	nStrings = battery.NrOfStrings
	nCells   = battery.NrOfCellBlocksPerString
	nSensors = battery.NrOfTemperatureSensorsPerString
)

// CellVoltageTable holds the latest cell block voltages per string.
type CellVoltageTable struct {
	Header
	CellVoltage_mV [nStrings][nCells]int32
	Valid          [nStrings]bool
}

// CellTemperatureTable holds the latest temperature sensor readings per string.
type CellTemperatureTable struct {
	Header
	CellTemperature_ddegC [nStrings][nSensors]int32
	Valid                 [nStrings]bool
}

// CurrentSensorTable holds the string current sensor measurements.
// Each measurement carries its own timestamp so consumers can detect fresh samples.
type CurrentSensorTable struct {
	Header
	Current_mA        [nStrings]float64
	HighVoltage_mV    [nStrings]float64
	CurrentCounter_As [nStrings]float64
	EnergyCounter_Wh  [nStrings]float64

	TimestampCurrent                 [nStrings]uint32
	PreviousTimestampCurrent         [nStrings]uint32
	TimestampCurrentCounting         [nStrings]uint32
	PreviousTimestampCurrentCounting [nStrings]uint32
	TimestampEnergyCounting          [nStrings]uint32
	PreviousTimestampEnergyCounting  [nStrings]uint32
}

// MinMaxTable holds per string extremes of the cell measurements.
// Valid is set once both voltages and temperatures of a string were measured.
type MinMaxTable struct {
	Header
	Valid [nStrings]bool

	AverageCellVoltage_mV    [nStrings]int32
	MinimumCellVoltage_mV    [nStrings]int32
	MaximumCellVoltage_mV    [nStrings]int32
	NrCellMinimumCellVoltage [nStrings]int
	NrCellMaximumCellVoltage [nStrings]int

	AverageTemperature_ddegC [nStrings]float64
	MinimumTemperature_ddegC [nStrings]int32
	MaximumTemperature_ddegC [nStrings]int32
}

// ContactorTable holds the contactor feedback and external error request.
type ContactorTable struct {
	Header
	StringClosed      [nStrings]bool
	StringPrecharging [nStrings]bool
	ErrorRequested    bool
}

// PackStateTable is the pack state as last evaluated by the pack monitor.
type PackStateTable struct {
	Header
	Resting                 bool
	TransitionToErrorActive bool
	ErrorReason             string
	NrClosedStrings         int
}

// EstimateTable is shared by state of charge (BlockSoc, values in Ah) and
// state of energy (BlockSoe, values in Wh).
type EstimateTable struct {
	Header
	AveragePercent [nStrings]float64
	MinimumPercent [nStrings]float64
	MaximumPercent [nStrings]float64

	Average [nStrings]float64
	Minimum [nStrings]float64
	Maximum [nStrings]float64

	ChargeThroughput    [nStrings]float64
	DischargeThroughput [nStrings]float64
}

// NewSocTable returns an empty state of charge table.
func NewSocTable() *EstimateTable {
	return &EstimateTable{Header: Header{ID: BlockSoc}}
}

// NewSoeTable returns an empty state of energy table.
func NewSoeTable() *EstimateTable {
	return &EstimateTable{Header: Header{ID: BlockSoe}}
}

// SohTable holds the state of health per string.
type SohTable struct {
	Header
	AveragePercent [nStrings]float64
	MinimumPercent [nStrings]float64
	MaximumPercent [nStrings]float64
}

// SofTable holds the recommended current limits per string and for the pack.
type SofTable struct {
	Header
	ContinuousChargeCurrent_mA    [nStrings]float64
	ContinuousDischargeCurrent_mA [nStrings]float64
	PeakChargeCurrent_mA          [nStrings]float64
	PeakDischargeCurrent_mA       [nStrings]float64

	PackContinuousChargeCurrent_mA    float64
	PackContinuousDischargeCurrent_mA float64
	PackPeakChargeCurrent_mA          float64
	PackPeakDischargeCurrent_mA       float64
}

// BalancingControlTable is the balancing command written for the cell supervision.
type BalancingControlTable struct {
	Header
	ActivateBalancing [nStrings][nCells]bool
	DeltaCharge_mAs   [nStrings][nCells]uint32
	NrBalancedCells   [nStrings]int
	EnableBalancing   bool
}
