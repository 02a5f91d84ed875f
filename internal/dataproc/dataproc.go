// Package dataproc is the stateless translation layer between a
// Readings snapshot plus DeviceInfo and the published item tree. It
// performs no I/O and holds no state of its own.
package dataproc

import (
	"math"

	"github.com/holmgren-iot/smamon/internal/inverter"
)

// Phase identifies which published AC leaf a single-phase reading is
// routed to.
type Phase int

const (
	L1 Phase = iota
	L2
	L3
)

// Leaf is one published item-tree entry.
type Leaf struct {
	Path  string
	Value float64
	Text  string
	Unit  string
}

// Process renders a Readings snapshot into the full set of published
// leaves for one poll cycle. assignedPhase is the user's phase
// assignment setting for single-phase inverters; di.PhaseCount == 1
// routes all AC data there and resets the other two phases to NaN
// rather than zero.
func Process(di inverter.DeviceInfo, r inverter.Readings, assignedPhase Phase) []Leaf {
	phases := routePhases(di, r, assignedPhase)

	totalACPower := 0.0
	anyPower := false
	for _, p := range phases {
		if !math.IsNaN(p.PowerW) {
			totalACPower += p.PowerW
			anyPower = true
		}
	}
	if !anyPower {
		totalACPower = math.NaN()
	}

	code, text := inverter.StatusCode(r.OperatingCondition, r.OperatingState)

	leaves := []Leaf{
		{Path: "ProductName", Text: di.ProductName},
		{Path: "SMADeviceType", Value: float64(di.ModelID)},
		{Path: "Serial", Text: di.SerialNumber},
		{Path: "FirmwareVersion", Text: di.FirmwareVersion},

		{Path: "Ac/Frequency", Value: round(r.ACFrequencyHz, 1), Unit: "Hz"},
		{Path: "Ac/Power", Value: round(totalACPower, 0), Unit: "W"},

		{Path: "Ac/Energy/Forward", Value: round(float64(r.TotalEnergyWh)/1000, 2), Unit: "kWh"},
		{Path: "History/Daily/0/Yield", Value: round(float64(r.DayEnergyWh)/1000, 2), Unit: "kWh"},

		{Path: "Pv/0/Current", Value: round(r.PV0.CurrentA, 3), Unit: "A"},
		{Path: "Pv/0/Voltage", Value: round(r.PV0.VoltageV, 2), Unit: "V"},
		{Path: "Pv/0/Power", Value: round(r.PV0.PowerW, 0), Unit: "W"},
		{Path: "Pv/1/Current", Value: round(r.PV1.CurrentA, 3), Unit: "A"},
		{Path: "Pv/1/Voltage", Value: round(r.PV1.VoltageV, 2), Unit: "V"},
		{Path: "Pv/1/Power", Value: round(r.PV1.PowerW, 0), Unit: "W"},
	}

	dcCurrent, dcVoltage := r.AggregateDC()
	leaves = append(leaves,
		Leaf{Path: "Dc/Current", Value: round(dcCurrent, 3), Unit: "A"},
		Leaf{Path: "Dc/Voltage", Value: round(dcVoltage, 2), Unit: "V"},

		Leaf{Path: "Temperature", Value: round(r.TemperatureC, 1), Unit: "degC"},

		Leaf{Path: "StatusCode", Value: float64(code), Text: text},
		Leaf{Path: "ErrorCode", Value: float64(r.ErrorCode)},
		Leaf{Path: "OperatingState", Value: float64(r.OperatingState), Text: r.OperatingState.Text()},
		Leaf{Path: "OperatingCondition", Value: float64(r.OperatingCondition), Text: r.OperatingCondition.Text()},
		Leaf{Path: "OperatingMode", Value: float64(r.OperatingMode), Text: r.OperatingMode.Text()},
		Leaf{Path: "LoggedIn", Value: boolToFloat(r.LoggedIn), Text: loggedInText(r.LoggedIn)},

		Leaf{Path: "PowerLimit", Value: float64(r.PowerLimitWatts), Unit: "W"},
	)

	for i, name := range [3]string{"Ac/L1", "Ac/L2", "Ac/L3"} {
		p := phases[i]
		leaves = append(leaves,
			Leaf{Path: name + "/Voltage", Value: round(p.VoltageV, 2), Unit: "V"},
			Leaf{Path: name + "/Current", Value: round(p.CurrentA, 3), Unit: "A"},
			Leaf{Path: name + "/Power", Value: round(p.PowerW, 0), Unit: "W"},
		)
	}

	return leaves
}

func routePhases(di inverter.DeviceInfo, r inverter.Readings, assignedPhase Phase) [3]inverter.Phase {
	var out [3]inverter.Phase
	for i := range out {
		out[i] = inverter.Phase{VoltageV: math.NaN(), CurrentA: math.NaN(), PowerW: math.NaN()}
	}

	if di.PhaseCount == 1 {
		out[assignedPhase] = r.L1
		return out
	}

	out[L1] = r.L1
	out[L2] = r.L2
	out[L3] = r.L3
	return out
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func loggedInText(b bool) string {
	if b {
		return "LOGGED ON"
	}
	return "LOGGED OFF"
}

func round(v float64, decimals int) float64 {
	if math.IsNaN(v) {
		return v
	}
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}
