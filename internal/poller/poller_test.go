package poller_test

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"github.com/holmgren-iot/smamon/internal/dataproc"
	"github.com/holmgren-iot/smamon/internal/inverter"
	"github.com/holmgren-iot/smamon/internal/modbustest"
	"github.com/holmgren-iot/smamon/internal/poller"
	"github.com/holmgren-iot/smamon/internal/publish"
	"github.com/holmgren-iot/smamon/internal/transport"
)

func newConn(t *testing.T, srv *modbustest.Server) *transport.Conn {
	t.Helper()
	go srv.Serve()

	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := transport.NewConn(conn, 3)
	go c.Run(context.Background())
	return c
}

// seedRunningMPP wires registers for a device that is online, logged
// in, in Watt mode, and actively producing.
func seedRunningMPP(srv *modbustest.Server) {
	srv.SetRegisters(30201, 0, uint16(inverter.ConditionOk))
	srv.SetRegisters(40029, 0, uint16(inverter.StateMPP))
	srv.SetRegisters(43090, 0, 1)
	srv.SetRegisters(40210, 0, uint16(inverter.ModeWatt))
	srv.SetRegisters(30513, 0, 0, 1, 0, 0, 0, 0, 10) // total=65536, day=10
	srv.SetRegisters(40135, 0, 5000)                    // 50.00 Hz
	srv.SetRegisters(30795, 0, 3250)                    // 3.250 A
	srv.SetRegisters(30775, 0, 700, 0, 0, 0, 0, 0, 0, 0, 23000) // power=700W, voltage=230.00V
	srv.SetRegisters(34113, 0, 253)                     // 25.3 degC
	srv.SetRegisters(30769, 0, 1000, 0, 40000, 0, 350)  // PV0: 1.000A, 400.00V, 350W
	srv.SetRegisters(30957, 0, 900, 0, 38000, 0, 300)   // PV1: 0.900A, 380.00V, 300W
	srv.SetRegisters(40212, 0, 4000)                    // power limit 4000W
}

func runOneCycle(t *testing.T, p *poller.Poller, sink *publish.MemorySink, device string) []dataproc.Leaf {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if leaves, ok := sink.Latest(device); ok {
			cancel()
			<-done
			return leaves
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatalf("no publish observed within deadline")
	return nil
}

func TestHappyPathPublishesRunningSnapshot(t *testing.T) {
	srv, err := modbustest.NewServer()
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	defer srv.Close()
	seedRunningMPP(srv)

	conn := newConn(t, srv)
	sink := publish.NewMemorySink()
	di := inverter.DeviceInfo{PhaseCount: 1, MaxPowerWatts: 4000, ProductName: "SMA SB 4000TL-21"}
	p := poller.New("inv1", conn, di, 1, dataproc.L1, 4000, sink)

	leaves := runOneCycle(t, p, sink, "inv1")

	var gotFreq, gotPower bool
	for _, l := range leaves {
		if l.Path == "Ac/Frequency" && l.Value == 50.0 {
			gotFreq = true
		}
		if l.Path == "Ac/L1/Power" && l.Value == 700 {
			gotPower = true
		}
	}
	if !gotFreq {
		t.Errorf("expected Ac/Frequency == 50.0 in %+v", leaves)
	}
	if !gotPower {
		t.Errorf("expected Ac/L1/Power == 700 in %+v", leaves)
	}
}

// When the operating state isn't MPP, the cycle must publish energy
// totals without ever reading the AC/DC live registers.
func TestDCDownShortCircuitsLiveData(t *testing.T) {
	srv, err := modbustest.NewServer()
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	defer srv.Close()
	srv.SetRegisters(30201, 0, uint16(inverter.ConditionOk))
	srv.SetRegisters(40029, 0, uint16(inverter.StateWaitPV))
	srv.SetRegisters(30513, 0, 0, 1, 0, 0, 0, 0, 5)
	srv.SetRegisters(40135, 0, 5000) // would publish 50.0 Hz if it were read

	conn := newConn(t, srv)
	sink := publish.NewMemorySink()
	di := inverter.DeviceInfo{PhaseCount: 1}
	p := poller.New("inv1", conn, di, 0, dataproc.L1, 4000, sink)

	leaves := runOneCycle(t, p, sink, "inv1")

	var sawEnergy bool
	for _, l := range leaves {
		if l.Path == "History/Daily/0/Yield" {
			sawEnergy = true
		}
		if l.Path == "Ac/Frequency" && l.Value != 0 {
			t.Errorf("AC frequency should read as its unread zero value, got %v", l.Value)
		}
	}
	if !sawEnergy {
		t.Fatalf("expected an energy leaf in a DC-down publish")
	}
}

// At most 3 writes to the grid-code register between CheckLogin
// passes, then the cycle gives up and proceeds to ReadPowerYield
// instead of CheckOpMode.
func TestLoginBoundedRetries(t *testing.T) {
	srv, err := modbustest.NewServer()
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	defer srv.Close()
	srv.SetRegisters(30201, 0, uint16(inverter.ConditionOk))
	srv.SetRegisters(40029, 0, uint16(inverter.StateMPP))
	srv.SetRegisters(43090, 0, 0) // never reports logged in
	srv.PinRegister(43090, 0)
	srv.PinRegister(43091, 0)
	srv.SetRegisters(30513, 0, 0, 1, 0, 0, 0, 0, 5)

	conn := newConn(t, srv)
	sink := publish.NewMemorySink()
	di := inverter.DeviceInfo{PhaseCount: 1}
	p := poller.New("inv1", conn, di, 999, dataproc.L1, 4000, sink)

	runOneCycle(t, p, sink, "inv1")

	gridCodeWrites := 0
	for _, w := range srv.Writes() {
		if w.Address == 43090 {
			gridCodeWrites++
		}
	}
	if gridCodeWrites != 3 {
		t.Errorf("grid code writes = %d, want exactly 3", gridCodeWrites)
	}

	opModeWrites := 0
	for _, w := range srv.Writes() {
		if w.Address == 40210 {
			opModeWrites++
		}
	}
	if opModeWrites != 0 {
		t.Errorf("opmode writes = %d, want 0 (should have given up before CheckOpMode)", opModeWrites)
	}
}

// A pending power-limit request is only written when logged in and in
// Watt mode.
func TestPowerLimitWriteGatedByModeAndLogin(t *testing.T) {
	srv, err := modbustest.NewServer()
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	defer srv.Close()
	seedRunningMPP(srv)
	srv.PinRegister(40211, uint16(inverter.ModePercent)) // mode low word stuck at Percent, never toggles to Watt

	conn := newConn(t, srv)
	sink := publish.NewMemorySink()
	di := inverter.DeviceInfo{PhaseCount: 1, MaxPowerWatts: 4000}
	p := poller.New("inv1", conn, di, 1, dataproc.L1, 4000, sink)
	p.RequestPowerLimit(2000)

	runOneCycle(t, p, sink, "inv1")

	for _, w := range srv.Writes() {
		if w.Address == 40212 {
			t.Errorf("power limit should not have been written while not in Watt mode")
		}
	}
}

// Exactly 6 consecutive transport errors emit one connection_lost
// signal.
func TestConnectionLostAfterSixConsecutiveErrors(t *testing.T) {
	restore := poller.SetIntervalsForTest(10*time.Millisecond, 10*time.Millisecond)
	defer restore()

	srv, err := modbustest.NewServer()
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	defer srv.Close()
	srv.SetRegisters(30201, 0, uint16(inverter.ConditionOk))
	srv.FailNextReads(6)

	conn := newConn(t, srv)
	sink := publish.NewMemorySink()
	di := inverter.DeviceInfo{PhaseCount: 1}
	p := poller.New("inv1", conn, di, 0, dataproc.L1, 4000, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case <-p.ConnectionLost():
	case <-ctx.Done():
		t.Fatalf("connection_lost was never signalled")
	}
	cancel()
	<-done
}

// TestSetPhaseAppliesOnNextPublish covers the live phase-reassignment
// requirement: a mid-run SetPhase call takes effect on the very next
// completed cycle, with the previously-assigned phase's leaf reading
// NaN rather than holding its last value.
func TestSetPhaseAppliesOnNextPublish(t *testing.T) {
	restore := poller.SetIntervalsForTest(10*time.Millisecond, 10*time.Millisecond)
	defer restore()

	srv, err := modbustest.NewServer()
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	defer srv.Close()
	seedRunningMPP(srv)

	conn := newConn(t, srv)
	sink := publish.NewMemorySink()
	di := inverter.DeviceInfo{PhaseCount: 1, MaxPowerWatts: 4000}
	p := poller.New("inv1", conn, di, 1, dataproc.L1, 4000, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitForLeaf := func(path string, want float64) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if leaves, ok := sink.Latest("inv1"); ok {
				for _, l := range leaves {
					if l.Path == path && l.Value == want {
						return
					}
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("leaf %q never reached %v", path, want)
	}

	waitForLeaf("Ac/L1/Power", 700)

	p.SetPhase(dataproc.L2)

	waitForLeaf("Ac/L2/Power", 700)
	if leaves, ok := sink.Latest("inv1"); ok {
		for _, l := range leaves {
			if l.Path == "Ac/L1/Power" && !math.IsNaN(l.Value) {
				t.Errorf("Ac/L1/Power = %v, want NaN after reassigning to L2", l.Value)
			}
		}
	}

	cancel()
	<-done
}

// waitForWrite runs p until the server records a write to address, and
// returns its values. Fails the test if none lands before the deadline.
func waitForWrite(t *testing.T, p *poller.Poller, srv *modbustest.Server, address uint16) []uint16 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, w := range srv.Writes() {
			if w.Address == address {
				cancel()
				<-done
				return w.Values
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatalf("no write to register %d observed within deadline", address)
	return nil
}

// TestRequestPowerLimitViaCommanderSink covers the control arbiter's
// production entry point: an external PowerLimit/set write (simulated
// here via MemorySink.SetPowerLimit, the Commander interface's
// in-process stand-in for an MQTT publish) reaches the poller and is
// written to the device once logged in and in Watt mode.
func TestRequestPowerLimitViaCommanderSink(t *testing.T) {
	srv, err := modbustest.NewServer()
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	defer srv.Close()
	seedRunningMPP(srv)

	conn := newConn(t, srv)
	sink := publish.NewMemorySink()
	di := inverter.DeviceInfo{PhaseCount: 1, MaxPowerWatts: 4000}
	p := poller.New("inv1", conn, di, 1, dataproc.L1, 4000, sink)

	unsubscribe, err := sink.SubscribeSetPowerLimit("inv1", p.RequestPowerLimit)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	sink.SetPowerLimit("inv1", 2500)

	values := waitForWrite(t, p, srv, 40212)
	if len(values) != 2 || values[0] != 0 || values[1] != 2500 {
		t.Errorf("power limit write = %v, want [0 2500]", values)
	}
}

// A request above nameplate writes the nameplate value, not the
// request.
func TestPowerLimitClampedToNameplateOnWrite(t *testing.T) {
	srv, err := modbustest.NewServer()
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	defer srv.Close()
	seedRunningMPP(srv)

	conn := newConn(t, srv)
	sink := publish.NewMemorySink()
	di := inverter.DeviceInfo{PhaseCount: 1, MaxPowerWatts: 3000}
	p := poller.New("inv1", conn, di, 1, dataproc.L1, 3000, sink)
	p.RequestPowerLimit(5000)

	values := waitForWrite(t, p, srv, 40212)
	if len(values) != 2 || values[0] != 0 || values[1] != 3000 {
		t.Errorf("power limit write = %v, want [0 3000]", values)
	}
}
