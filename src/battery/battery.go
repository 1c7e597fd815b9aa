// Package battery describes the pack topology and the cell characteristics compiled into the firmware.
package battery

// Pack topology. Every per-string array in the repository is sized by these constants.
const (
	NrOfStrings                     = 3
	NrOfModulesPerString            = 2
	NrOfCellBlocksPerModule         = 12
	NrOfTemperatureSensorsPerModule = 4

	NrOfCellBlocksPerString         = NrOfModulesPerString * NrOfCellBlocksPerModule
	NrOfTemperatureSensorsPerString = NrOfModulesPerString * NrOfTemperatureSensorsPerModule
)

// LookupPoint is a single (voltage, value) sample of a discharge curve.
type LookupPoint struct {
	Voltage_mV int32
	Value      float64
}

// SocLookupTable maps open circuit cell voltage to state of charge in percent.
// Entries are ordered by strictly descending voltage.
var SocLookupTable = []LookupPoint{
	{Voltage_mV: 4123, Value: 100.0},
	{Voltage_mV: 4041, Value: 93.0},
	{Voltage_mV: 3963, Value: 85.0},
	{Voltage_mV: 3879, Value: 76.0},
	{Voltage_mV: 3780, Value: 64.0},
	{Voltage_mV: 3705, Value: 57.0},
	{Voltage_mV: 3644, Value: 51.0},
	{Voltage_mV: 3598, Value: 44.0},
	{Voltage_mV: 3554, Value: 35.0},
	{Voltage_mV: 3506, Value: 26.0},
	{Voltage_mV: 3454, Value: 18.0},
	{Voltage_mV: 3374, Value: 10.0},
	{Voltage_mV: 3267, Value: 5.0},
	{Voltage_mV: 3093, Value: 2.0},
	{Voltage_mV: 2716, Value: 1.0},
}

// SoeLookupTable maps open circuit cell voltage to state of energy in percent.
// Energy lags charge at the low end because the discharge voltage is lower there.
var SoeLookupTable = []LookupPoint{
	{Voltage_mV: 4123, Value: 100.0},
	{Voltage_mV: 4041, Value: 92.5},
	{Voltage_mV: 3963, Value: 84.0},
	{Voltage_mV: 3879, Value: 74.5},
	{Voltage_mV: 3780, Value: 62.0},
	{Voltage_mV: 3705, Value: 55.0},
	{Voltage_mV: 3644, Value: 49.0},
	{Voltage_mV: 3598, Value: 42.0},
	{Voltage_mV: 3554, Value: 33.0},
	{Voltage_mV: 3506, Value: 24.0},
	{Voltage_mV: 3454, Value: 16.5},
	{Voltage_mV: 3374, Value: 9.0},
	{Voltage_mV: 3267, Value: 4.5},
	{Voltage_mV: 3093, Value: 1.8},
	{Voltage_mV: 2716, Value: 0.9},
}
