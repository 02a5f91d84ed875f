// Package poller implements the continuous per-device protocol state
// machine: it owns a Modbus transport after identification, cycles
// through an ordered set of register reads/writes, maintains the
// Readings snapshot, and publishes a snapshot once per completed
// cycle.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holmgren-iot/smamon/internal/arbiter"
	"github.com/holmgren-iot/smamon/internal/dataproc"
	"github.com/holmgren-iot/smamon/internal/inverter"
	"github.com/holmgren-iot/smamon/internal/metrics"
	"github.com/holmgren-iot/smamon/internal/publish"
	"github.com/holmgren-iot/smamon/internal/transport"
)

// State is one node of the poll cycle's directed graph.
type State int

const (
	StateCheckCondition State = iota
	StateCheckState
	StateCheckLogin
	StateDoLogin
	StateCheckOpMode
	StateSetOpMode
	StateReadPowerYield
	StateReadACFrequency
	StateReadACCurrent
	StateReadACPowerAndVoltage
	StateReadTemperature
	StateReadPVData1
	StateReadPVData2
	StateReadPowerLimit
	StateWritePowerLimit
	StateError
	StateIdle
)

func (s State) String() string {
	names := [...]string{
		"CheckCondition", "CheckState", "CheckLogin", "DoLogin",
		"CheckOpMode", "SetOpMode", "ReadPowerYield", "ReadACFrequency",
		"ReadACCurrent", "ReadACPowerAndVoltage", "ReadTemperature",
		"ReadPVData1", "ReadPVData2", "ReadPowerLimit", "WritePowerLimit",
		"Error", "Idle",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const (
	regCondition   = 30201
	regStatus      = 40029
	regGridCode    = 43090
	regOpMode      = 40210
	regPowerYield  = 30513
	regACFrequency = 40135
	regACCurrent   = 30795
	regACPowerVolt = 30775
	regTemperature = 34113
	regPVData1     = 30769
	regPVData2     = 30957
	regPowerLimit  = 40212

	maxLoginWriteAttempts  = 3
	maxOpModeWriteAttempts = 3

	// Six consecutive transport errors signal connection_lost once;
	// the counter then resets and a new count begins.
	connectionLostThreshold = 6
)

// idleInterval and errorInterval are vars, not consts, so tests can
// shrink the pacing without waiting out the real cadence.
var (
	idleInterval  = 1000 * time.Millisecond
	errorInterval = 5000 * time.Millisecond
)

// Poller drives one device's poll cycle for as long as Run is
// executing. A Poller is single-use: create a new one after a
// reconnect, which naturally restarts the cycle at CheckCondition.
type Poller struct {
	device   string
	conn     *transport.Conn
	di       inverter.DeviceInfo
	gridCode uint32

	phaseMu sync.Mutex
	phase   dataproc.Phase

	arbiter *arbiter.Arbiter
	sink    publish.Sink

	readings          inverter.Readings
	state             State
	writeCount        int
	retryCount        int
	pendingWriteWatts uint32

	wake             chan struct{}
	connectionLostCh chan struct{}
}

// New constructs a poller for an already-identified device. conn must
// not yet be shared with any other caller: the poller owns it
// exclusively until Run returns.
func New(device string, conn *transport.Conn, di inverter.DeviceInfo, gridCode uint32, phase dataproc.Phase, maxPowerWatts uint32, sink publish.Sink) *Poller {
	return &Poller{
		device:           device,
		conn:             conn,
		di:               di,
		gridCode:         gridCode,
		phase:            phase,
		arbiter:          arbiter.New(maxPowerWatts),
		sink:             sink,
		state:            StateCheckCondition,
		wake:             make(chan struct{}, 1),
		connectionLostCh: make(chan struct{}, 1),
	}
}

// ConnectionLost signals connection_lost emissions to the supervisor,
// which decides whether to reconnect or retire the device.
func (p *Poller) ConnectionLost() <-chan struct{} {
	return p.connectionLostCh
}

// RequestPowerLimit accepts an external power-limit-set request. If
// the poller is currently idling, this wakes it immediately to
// revalidate login/mode before writing rather than waiting out the
// idle timer.
func (p *Poller) RequestPowerLimit(watts int64) {
	p.arbiter.Request(watts)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// SetPhase updates which published AC leaf single-phase live readings
// route to, effective on the next completed cycle's publish. Process
// always resets the two unassigned phases to NaN (see
// internal/dataproc), so the previously-assigned phase's leaf reads
// NaN on that very next publish rather than holding a stale value.
func (p *Poller) SetPhase(phase dataproc.Phase) {
	p.phaseMu.Lock()
	p.phase = phase
	p.phaseMu.Unlock()
}

func (p *Poller) currentPhase() dataproc.Phase {
	p.phaseMu.Lock()
	defer p.phaseMu.Unlock()
	return p.phase
}

// Run drives the poll cycle until ctx is cancelled. Transport errors
// never end it: six consecutive ones are signalled on ConnectionLost
// and the cycle carries on from the error pacing interval.
func (p *Poller) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch p.state {
		case StateIdle:
			if !p.wait(ctx, idleInterval) {
				return ctx.Err()
			}
			p.state = StateCheckCondition
		case StateError:
			if !p.wait(ctx, errorInterval) {
				return ctx.Err()
			}
			p.state = StateCheckCondition
		default:
			p.step(ctx)
		}
	}
}

func (p *Poller) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-p.wake:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Poller) step(ctx context.Context) {
	switch p.state {
	case StateCheckCondition:
		p.checkCondition(ctx)
	case StateCheckState:
		p.checkState(ctx)
	case StateCheckLogin:
		p.checkLogin(ctx)
	case StateDoLogin:
		p.doLogin(ctx)
	case StateCheckOpMode:
		p.checkOpMode(ctx)
	case StateSetOpMode:
		p.setOpMode(ctx)
	case StateReadPowerYield:
		p.readPowerYield(ctx)
	case StateReadACFrequency:
		p.readACFrequency(ctx)
	case StateReadACCurrent:
		p.readACCurrent(ctx)
	case StateReadACPowerAndVoltage:
		p.readACPowerAndVoltage(ctx)
	case StateReadTemperature:
		p.readTemperature(ctx)
	case StateReadPVData1:
		p.readPVData1(ctx)
	case StateReadPVData2:
		p.readPVData2(ctx)
	case StateReadPowerLimit:
		p.readPowerLimit(ctx)
	case StateWritePowerLimit:
		p.writePowerLimit(ctx)
	default:
		// Impossible state. Force recovery rather than crash a
		// running daemon.
		slog.Error("poller: impossible state reached, recovering", "device", p.device, "state", p.state)
		p.state = StateCheckCondition
	}
}

// read performs one length-checked holding-register read. On
// transport error or a short/long response it records the failure and
// transitions to Error; no Readings field is touched in that case.
func (p *Poller) read(ctx context.Context, address, quantity uint16) ([]uint16, bool) {
	vals, err := transport.ReadRegisters[uint16](p.conn, ctx, address, quantity)
	if err != nil {
		p.onTransportError(err)
		return nil, false
	}
	if len(vals) != int(quantity) {
		p.onTransportError(fmt.Errorf("short read: got %d registers, want %d", len(vals), quantity))
		return nil, false
	}
	p.retryCount = 0
	return vals, true
}

func (p *Poller) write(ctx context.Context, address uint16, values []uint16) bool {
	if err := p.conn.WriteMultipleRegisters(ctx, address, values); err != nil {
		p.onTransportError(err)
		return false
	}
	p.retryCount = 0
	return true
}

func (p *Poller) onTransportError(err error) {
	p.retryCount++
	metrics.TransportErrors.WithLabelValues(p.device).Inc()
	slog.Warn("poller: transport error", "device", p.device, "state", p.state, "retry_count", p.retryCount, "err", err)
	if p.retryCount >= connectionLostThreshold {
		p.retryCount = 0
		metrics.ConnectionLost.WithLabelValues(p.device).Inc()
		select {
		case p.connectionLostCh <- struct{}{}:
		default:
		}
	}
	p.state = StateError
}

func (p *Poller) checkCondition(ctx context.Context) {
	vals, ok := p.read(ctx, regCondition, 2)
	if !ok {
		return
	}
	cond := inverter.OperatingCondition(vals[1])
	p.readings.OperatingCondition = cond

	// Reset AC live data: a fault condition means the figures below
	// are stale until the device recovers.
	p.readings.L1 = inverter.Phase{}

	// Every condition other than Ok and Warn (Fault, Off, Invalid or an
	// unrecognized value) routes to the fault/idle path; Ok and Warn
	// proceed.
	if cond != inverter.ConditionOk && cond != inverter.ConditionWarn {
		p.readings.ErrorCode = uint16(cond)
		p.publish()
		p.state = StateIdle
		return
	}
	p.readings.ErrorCode = 0
	p.state = StateCheckState
}

func (p *Poller) checkState(ctx context.Context) {
	vals, ok := p.read(ctx, regStatus, 2)
	if !ok {
		return
	}
	state := inverter.OperatingState(vals[1])
	p.readings.OperatingState = state

	next := StateCheckLogin
	p.writeCount = 0
	if p.gridCode == 0 {
		next = StateReadPowerYield
	}
	if state != inverter.StateMPP {
		next = StateReadPowerYield
	}
	p.state = next
}

func (p *Poller) checkLogin(ctx context.Context) {
	vals, ok := p.read(ctx, regGridCode, 2)
	if !ok {
		return
	}
	loggedIn := vals[1] == 1
	p.readings.LoggedIn = loggedIn

	next := StateCheckOpMode
	if !loggedIn && p.writeCount < maxLoginWriteAttempts {
		p.writeCount++
		next = StateDoLogin
	} else if p.writeCount >= maxLoginWriteAttempts {
		next = StateReadPowerYield
	}
	if next == StateCheckOpMode {
		p.writeCount = 0
	}
	p.state = next
}

func (p *Poller) doLogin(ctx context.Context) {
	hi := uint16(p.gridCode >> 16)
	lo := uint16(p.gridCode & 0xFFFF)
	if !p.write(ctx, regGridCode, []uint16{hi, lo}) {
		return
	}
	p.state = StateCheckLogin
}

func (p *Poller) checkOpMode(ctx context.Context) {
	vals, ok := p.read(ctx, regOpMode, 2)
	if !ok {
		return
	}
	mode := inverter.OperatingMode(vals[1])
	p.readings.OperatingMode = mode

	next := StateReadPowerYield
	if mode != inverter.ModeWatt && p.writeCount < maxOpModeWriteAttempts {
		p.writeCount++
		next = StateSetOpMode
	}
	p.state = next
}

func (p *Poller) setOpMode(ctx context.Context) {
	if !p.write(ctx, regOpMode, []uint16{0, uint16(inverter.ModeWatt)}) {
		return
	}
	p.state = StateCheckOpMode
}

func (p *Poller) readPowerYield(ctx context.Context) {
	vals, ok := p.read(ctx, regPowerYield, 8)
	if !ok {
		return
	}
	p.readings.TotalEnergyWh = combine64(vals[0:4])
	p.readings.DayEnergyWh = combine64(vals[4:8])

	if p.readings.OperatingState != inverter.StateMPP {
		// DC down: live AC/DC registers are skipped entirely;
		// publish the energy totals and idle.
		p.publish()
		p.state = StateIdle
		return
	}
	p.state = StateReadACFrequency
}

func (p *Poller) readACFrequency(ctx context.Context) {
	vals, ok := p.read(ctx, regACFrequency, 2)
	if !ok {
		return
	}
	p.readings.ACFrequencyHz = float64(combine32(vals)) / 100
	p.state = StateReadACCurrent
}

func (p *Poller) readACCurrent(ctx context.Context) {
	vals, ok := p.read(ctx, regACCurrent, 2)
	if !ok {
		return
	}
	p.readings.L1.CurrentA = float64(combine32(vals)) / 1000
	p.state = StateReadACPowerAndVoltage
}

func (p *Poller) readACPowerAndVoltage(ctx context.Context) {
	vals, ok := p.read(ctx, regACPowerVolt, 10)
	if !ok {
		return
	}
	p.readings.L1.PowerW = float64(combine32(vals[0:2]))
	p.readings.L1.VoltageV = float64(combine32(vals[8:10])) / 100
	p.state = StateReadTemperature
}

func (p *Poller) readTemperature(ctx context.Context) {
	vals, ok := p.read(ctx, regTemperature, 2)
	if !ok {
		return
	}
	p.readings.TemperatureC = float64(combine32(vals)) / 10
	p.state = StateReadPVData1
}

func (p *Poller) readPVData1(ctx context.Context) {
	vals, ok := p.read(ctx, regPVData1, 6)
	if !ok {
		return
	}
	p.readings.PV0 = pvStringFrom(vals)
	p.state = StateReadPVData2
}

func (p *Poller) readPVData2(ctx context.Context) {
	vals, ok := p.read(ctx, regPVData2, 6)
	if !ok {
		return
	}
	p.readings.PV1 = pvStringFrom(vals)
	p.state = StateReadPowerLimit
}

func pvStringFrom(vals []uint16) inverter.PVString {
	return inverter.PVString{
		CurrentA: float64(combine32(vals[0:2])) / 1000,
		VoltageV: float64(combine32(vals[2:4])) / 100,
		PowerW:   float64(combine32(vals[4:6])),
	}
}

func (p *Poller) readPowerLimit(ctx context.Context) {
	vals, ok := p.read(ctx, regPowerLimit, 2)
	if !ok {
		return
	}
	p.readings.PowerLimitWatts = uint32(vals[1])
	p.publish()

	// Only write back when logged in, in Watt mode, and a request is
	// actually outstanding.
	watts, pending := p.arbiter.Pending()
	if p.readings.LoggedIn && p.readings.OperatingMode == inverter.ModeWatt && pending {
		p.pendingWriteWatts = watts
		p.state = StateWritePowerLimit
		return
	}
	p.state = StateIdle
}

func (p *Poller) writePowerLimit(ctx context.Context) {
	if !p.write(ctx, regPowerLimit, []uint16{0, uint16(p.pendingWriteWatts)}) {
		return
	}
	metrics.PowerLimitWrites.WithLabelValues(p.device).Inc()
	p.arbiter.Clear()
	p.state = StateIdle
}

func (p *Poller) publish() {
	metrics.PollCycles.WithLabelValues(p.device).Inc()
	leaves := dataproc.Process(p.di, p.readings, p.currentPhase())
	p.sink.Publish(p.device, leaves)
}

func combine32(vals []uint16) uint32 {
	return uint32(vals[0])<<16 | uint32(vals[1])
}

func combine64(vals []uint16) uint64 {
	return uint64(vals[0])<<48 | uint64(vals[1])<<32 | uint64(vals[2])<<16 | uint64(vals[3])
}
