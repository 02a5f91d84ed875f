package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/holmgren-iot/smamon/internal/dataproc"
	"github.com/holmgren-iot/smamon/internal/discovery"
	"github.com/holmgren-iot/smamon/internal/identifier"
	"github.com/holmgren-iot/smamon/internal/inverter"
	"github.com/holmgren-iot/smamon/internal/metrics"
	"github.com/holmgren-iot/smamon/internal/poller"
	"github.com/holmgren-iot/smamon/internal/publish"
	"github.com/holmgren-iot/smamon/internal/settings"
	"github.com/holmgren-iot/smamon/internal/transport"
)

func runAgent(cfg *LoadedConfig) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := settings.Load(cfg.SettingsPath)
	if err != nil {
		slog.Error("settings load", "err", err)
		os.Exit(1)
	}

	stopWatch := make(chan struct{})
	go func() {
		if err := store.Watch(stopWatch); err != nil {
			slog.Warn("settings watch exited", "err", err)
		}
	}()
	defer close(stopWatch)

	sink, err := publish.NewMQTTSink(ctx, cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Username, cfg.MQTT.Password, cfg.MQTT.TopicPrefix, cfg.MQTT.QoS, cfg.MQTT.Retain)
	if err != nil {
		slog.Error("mqtt setup", "err", err)
		os.Exit(1)
	}
	defer sink.Close()

	reg := metrics.Registry()
	go serveMetrics(cfg.Metrics.ListenAddr, reg)

	sup := newSupervisor(cfg, store, sink)
	sup.Run(ctx)

	slog.Info("exiting")
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Warn("metrics server exited", "err", err)
	}
}

// supervisor owns one goroutine per configured device, reconciling
// against settings changes and reconnecting with backoff on failure.
type supervisor struct {
	cfg     *LoadedConfig
	store   *settings.Store
	sink    publish.Sink
	scanner *discovery.Scanner

	mu      sync.Mutex
	running map[string]*deviceHandle
}

// deviceHandle is the supervisor's live record of one running device:
// its cancel func, the settings it was last reconciled against, and a
// hook back into its current poller so settings changes that don't
// require a full reconnect (currently just phase reassignment) can be
// applied in place.
type deviceHandle struct {
	cancel context.CancelFunc

	mu       sync.Mutex
	ds       settings.DeviceSettings
	setPhase func(dataproc.Phase)
}

func newSupervisor(cfg *LoadedConfig, store *settings.Store, sink publish.Sink) *supervisor {
	return &supervisor{
		cfg:     cfg,
		store:   store,
		sink:    sink,
		scanner: discovery.New(cfg.discoveryTimeout, cfg.Discovery.Concurrency),
		running: make(map[string]*deviceHandle),
	}
}

// Run reconciles the running device goroutines against the settings
// store's device list (at startup, on every "devices" property-changed
// notification, and on a slow periodic tick so newly-appeared
// auto-detected hosts aren't missed) until ctx is cancelled.
func (s *supervisor) Run(ctx context.Context) {
	changed := s.store.Subscribe("devices")
	rescan := time.NewTicker(5 * time.Minute)
	defer rescan.Stop()

	s.reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-changed:
			s.reconcile(ctx)
		case <-rescan.C:
			s.reconcile(ctx)
		}
	}
}

// reconcile brings the running device goroutines in line with the
// settings store's statically-known devices plus, when auto_detect is
// on, anything the discovery scanner currently finds in ip_addresses
// that isn't already a known device. For a device that's already
// running, a changed phase assignment is applied to its live poller in
// place; any other settings change still requires the device's own
// reconnect to take effect.
func (s *supervisor) reconcile(ctx context.Context) {
	cur := s.store.Current()
	devices := make(map[string]settings.DeviceSettings, len(cur.Devices))
	for name, ds := range cur.Devices {
		devices[name] = ds
	}

	if cur.AutoDetect && len(cur.IPAddresses) > 0 {
		scanCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		found := s.scanner.ScanHosts(scanCtx, cur.IPAddresses, s.cfg.Discovery.Port)
		cancel()

		for _, c := range found {
			if hostAlreadyKnown(cur.Devices, c.Host) {
				continue
			}
			name := fmt.Sprintf("auto:%s", c.Host)
			devices[name] = settings.DeviceSettings{Host: c.Host, Port: c.Port}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, ds := range devices {
		h, ok := s.running[name]
		if !ok {
			devCtx, cancel := context.WithCancel(ctx)
			h = &deviceHandle{cancel: cancel, ds: ds}
			s.running[name] = h
			go s.runDevice(devCtx, name, h)
			continue
		}

		h.mu.Lock()
		prevPhase := h.ds.Phase
		h.ds = ds
		setPhase := h.setPhase
		h.mu.Unlock()

		if setPhase != nil && prevPhase != ds.Phase {
			setPhase(phaseFromString(ds.Phase))
		}
	}

	for name, h := range s.running {
		if _, ok := devices[name]; !ok {
			h.cancel()
			delete(s.running, name)
		}
	}
}

func hostAlreadyKnown(devices map[string]settings.DeviceSettings, host string) bool {
	for _, ds := range devices {
		if ds.Host == host {
			return true
		}
	}
	return false
}

func (s *supervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.running {
		h.cancel()
	}
}

// runDevice owns one device's connect -> identify -> poll lifecycle
// and reconnects with exponential backoff on any failure, capped at
// 5 minutes, doubling after every 10 failed attempts; neither the
// attempt count nor the backoff is reset after a connection that
// worked for a while. It re-reads h's
// settings before every connection attempt, so a settings change that
// required a reconnect (anything but phase) takes effect on the next
// attempt without the supervisor needing to restart the goroutine.
func (s *supervisor) runDevice(ctx context.Context, name string, h *deviceHandle) {
	const maxBackoff = 5 * time.Minute
	backoff := time.Second
	attempts := 0

	for ctx.Err() == nil {
		h.mu.Lock()
		ds := h.ds
		h.mu.Unlock()

		err := s.connectAndPoll(ctx, name, ds, h)
		if ctx.Err() != nil {
			return
		}

		slog.Warn("device disconnected, reconnecting", "device", name, "err", err, "retry_in", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}

		attempts++
		if attempts >= 10 && backoff < maxBackoff {
			backoff *= 2
			attempts = 0
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func (s *supervisor) connectAndPoll(ctx context.Context, name string, ds settings.DeviceSettings, h *deviceHandle) error {
	addr := fmt.Sprintf("%s:%d", ds.Host, ds.Port)

	di, err := s.identify(ctx, addr, ds)
	if err != nil {
		return fmt.Errorf("identify %s: %w", addr, err)
	}
	slog.Info("device identified", "device", name, "product", di.ProductName, "serial", di.SerialNumber, "mode", di.RetrievalMode)

	// The identification connection is torn down once classification
	// completes; the poller inherits a fresh transport of its own.
	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	dialCancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	// connCtx scopes the transport and poller goroutines to this one
	// connection attempt, so a connection_lost return doesn't leave
	// them running while runDevice dials the next attempt.
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	conn := transport.NewConn(tcpConn, ds.UnitID)
	connDone := make(chan error, 1)
	go func() { connDone <- conn.Run(connCtx) }()

	p := poller.New(name, conn, *di, ds.GridCode, phaseFromString(ds.Phase), di.MaxPowerWatts, s.sink)

	h.mu.Lock()
	h.setPhase = p.SetPhase
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.setPhase = nil
		h.mu.Unlock()
	}()

	if cmd, ok := s.sink.(publish.Commander); ok {
		unsubscribe, err := cmd.SubscribeSetPowerLimit(name, p.RequestPowerLimit)
		if err != nil {
			slog.Warn("power-limit subscribe failed", "device", name, "err", err)
		} else {
			defer unsubscribe()
		}
	}

	pollDone := make(chan error, 1)
	go func() { pollDone <- p.Run(connCtx) }()

	select {
	case <-p.ConnectionLost():
		return fmt.Errorf("connection_lost signalled")
	case err := <-connDone:
		return err
	case err := <-pollDone:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// identify dials a dedicated connection for the one-shot
// identification sequence and closes it when done, successful or not.
func (s *supervisor) identify(ctx context.Context, addr string, ds settings.DeviceSettings) (*inverter.DeviceInfo, error) {
	idCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(idCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	conn := transport.NewConn(tcpConn, ds.UnitID)
	go conn.Run(idCtx) // closes tcpConn when idCtx is cancelled

	return identifier.Identify(idCtx, conn, ds.Host, ds.Port, ds.UnitID, ds.GridCode)
}

func phaseFromString(s string) dataproc.Phase {
	switch s {
	case "L2":
		return dataproc.L2
	case "L3":
		return dataproc.L3
	default:
		return dataproc.L1
	}
}
