// Package inverter holds the data model shared by the identifier,
// poller, arbiter, and data processor: device identity, the latest
// readings snapshot, and the numeric enumerations SMA inverters speak
// on the wire.
package inverter

import "fmt"

// RetrievalMode reflects whether identification both logged in with
// the grid code and confirmed Watt operating mode. The poller does not
// consult it: a power-limit write is gated on the poller's own login
// and operating-mode reads.
type RetrievalMode int

const (
	ReadOnly RetrievalMode = iota
	ReadWrite
)

func (m RetrievalMode) String() string {
	if m == ReadWrite {
		return "ReadWrite"
	}
	return "ReadOnly"
}

// OperatingCondition is the coarse device state read from register
// 30201's low word.
type OperatingCondition uint16

const (
	ConditionInvalid OperatingCondition = 0
	ConditionFault   OperatingCondition = 35
	ConditionOff     OperatingCondition = 303
	ConditionOk      OperatingCondition = 307
	ConditionWarn    OperatingCondition = 455
)

func (c OperatingCondition) Text() string {
	switch c {
	case ConditionInvalid:
		return "INVALID"
	case ConditionFault:
		return "FAULT"
	case ConditionOff:
		return "OFF"
	case ConditionOk:
		return "OK"
	case ConditionWarn:
		return "WARNING"
	default:
		return fmt.Sprintf("UNKNOWN (%d)", uint16(c))
	}
}

// OperatingState is the fine-grained device state within Ok/Warn.
type OperatingState uint16

const (
	StateInvalid    OperatingState = 0
	StateStopped    OperatingState = 381
	StateStarted    OperatingState = 1467
	StateDerating   OperatingState = 2119
	StateMPP        OperatingState = 295
	StateShutdown   OperatingState = 1469
	StateFault      OperatingState = 1392
	StateWaitAC     OperatingState = 1480
	StateWaitPV     OperatingState = 1393
	StateConstVolt  OperatingState = 443
	StateStandAlone OperatingState = 1855
	// StateThrottled does not appear in the core register table this
	// daemon reads, but the vendor firmware can report it; carried
	// forward so the text renderer doesn't fall back to "UNKNOWN".
	StateThrottled OperatingState = 8000
)

func (s OperatingState) Text() string {
	switch s {
	case StateInvalid:
		return "INVALID"
	case StateStopped:
		return "STOPPED"
	case StateStarted:
		return "STARTED"
	case StateDerating:
		return "DERATING"
	case StateMPP:
		return "RUNNING (MPPT)"
	case StateShutdown:
		return "SHUTDOWN"
	case StateFault:
		return "FAULT"
	case StateWaitAC:
		return "WAITING FOR AC"
	case StateWaitPV:
		return "WAITING FOR PV"
	case StateConstVolt:
		return "CONSTANT VOLTAGE"
	case StateStandAlone:
		return "STANDBY ALONE OPERATION"
	case StateThrottled:
		return "THROTTLED"
	default:
		return fmt.Sprintf("UNKNOWN (%d)", uint16(s))
	}
}

// OperatingMode is the control-input selector written to register
// 40210.
type OperatingMode uint16

const (
	ModeInvalid   OperatingMode = 0
	ModeOff       OperatingMode = 303
	ModeWatt      OperatingMode = 1077
	ModePercent   OperatingMode = 1078
	ModeSystemCtl OperatingMode = 1079
)

func (m OperatingMode) Text() string {
	switch m {
	case ModeInvalid:
		return "INVALID"
	case ModeOff:
		return "OFF"
	case ModeWatt:
		return "WATT LIMITED"
	case ModePercent:
		return "PERCENTAGE LIMITED"
	case ModeSystemCtl:
		return "SYSTEM CONTROL"
	default:
		return fmt.Sprintf("UNKNOWN (%d)", uint16(m))
	}
}

// StatusCode renders the published StatusCode leaf: Fault/Off render
// their condition code directly, Ok/Warn defer to the operating
// state's numeric code and text.
func StatusCode(cond OperatingCondition, state OperatingState) (code uint16, text string) {
	switch cond {
	case ConditionFault:
		return uint16(ConditionFault), cond.Text()
	case ConditionOff:
		return uint16(ConditionOff), cond.Text()
	case ConditionOk, ConditionWarn:
		return uint16(state), state.Text()
	default:
		return uint16(cond), cond.Text()
	}
}

// DeviceInfo is fixed once identification completes.
type DeviceInfo struct {
	HostName string
	Port     uint16
	UnitID   uint8

	DeviceClass uint32
	ModelID     uint16
	ProductName string

	SerialNumber    string
	FirmwareVersion string

	PhaseCount int

	MaxPowerWatts   uint32
	PowerLimitScale uint32
	RetrievalMode   RetrievalMode
}

// PVString holds one DC string's live reading.
type PVString struct {
	CurrentA float64
	VoltageV float64
	PowerW   float64
}

// Phase holds one AC phase's live reading. Phases the inverter does
// not drive are left at NaN by the data processor, never coerced to
// zero.
type Phase struct {
	VoltageV float64
	CurrentA float64
	PowerW   float64
}

// Readings is the mutable snapshot updated once per completed poll
// cycle (or partially, up to the point a cycle short-circuits on a
// DC-down condition).
type Readings struct {
	ACFrequencyHz float64

	L1, L2, L3 Phase

	PV0, PV1 PVString

	TotalEnergyWh uint64
	DayEnergyWh   uint64

	TemperatureC float64

	PowerLimitWatts uint32

	OperatingCondition OperatingCondition
	OperatingState     OperatingState
	OperatingMode      OperatingMode
	LoggedIn           bool

	ErrorCode uint16
}

// AggregateDC returns the sum of the two PV strings' currents and the
// mean of their voltages, which is the physically correct aggregation
// for strings paralleled on a common DC bus.
func (r Readings) AggregateDC() (currentA, voltageV float64) {
	return r.PV0.CurrentA + r.PV1.CurrentA, (r.PV0.VoltageV + r.PV1.VoltageV) / 2
}
