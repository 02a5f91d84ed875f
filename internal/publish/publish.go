// Package publish implements the published item tree: a sink that
// accepts (path, value, text, unit) leaves. Transport to the tree is
// opaque to its callers; this package owns the only two concrete
// sinks this daemon ships: MQTT (for real deployments) and an
// in-memory sink (for tests).
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/holmgren-iot/smamon/internal/dataproc"
)

// Sink is the core's only view of the published item tree.
type Sink interface {
	Publish(device string, leaves []dataproc.Leaf)
}

// Commander is the inbound half of the published item tree: a sink
// that accepts writes back to a device's writable PowerLimit leaf.
// Not every Sink supports this — callers type-assert for it when
// wiring a device's control path.
type Commander interface {
	// SubscribeSetPowerLimit arranges for onSet to be called with the
	// requested watt value whenever an external write lands on
	// device's PowerLimit/set topic, and returns a func to tear the
	// subscription down.
	SubscribeSetPowerLimit(device string, onSet func(watts int64)) (unsubscribe func(), err error)
}

// leafMessage is the wire shape of one published MQTT payload: one
// message per device, carrying every leaf from the most recent poll
// cycle.
type leafMessage struct {
	Timestamp string           `json:"timestamp"`
	Leaves    []dataproc.Leaf `json:"leaves"`
}

// MQTTSink publishes JSON blobs (retained when retain is set) under
// "<topicPrefix>/<device>", using a bounded channel and dedicated
// publisher goroutine so a slow broker never blocks a poller's event
// loop.
type MQTTSink struct {
	client      mqtt.Client
	topicPrefix string
	qos         byte
	retain      bool

	queue chan publishJob
}

type publishJob struct {
	device string
	leaves []dataproc.Leaf
}

// NewMQTTSink connects to broker and returns a running sink. Call
// Close to disconnect.
func NewMQTTSink(ctx context.Context, broker, clientID, username, password, topicPrefix string, qos byte, retain bool) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	opts.SetAutoReconnect(true).SetConnectRetry(true).SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	s := &MQTTSink{
		client:      client,
		topicPrefix: topicPrefix,
		qos:         qos,
		retain:      retain,
		queue:       make(chan publishJob, 64),
	}
	go s.run(ctx)
	return s, nil
}

func (s *MQTTSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.queue:
			payload, err := json.Marshal(leafMessage{
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Leaves:    job.leaves,
			})
			if err != nil {
				slog.Warn("publish: marshal error", "device", job.device, "err", err)
				continue
			}

			topic := fmt.Sprintf("%s/%s", s.topicPrefix, job.device)
			token := s.client.Publish(topic, s.qos, s.retain, payload)
			if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
				slog.Warn("publish: mqtt error", "device", job.device, "err", token.Error())
			}
		}
	}
}

// Publish queues leaves for device; if the queue is full the sample is
// dropped rather than blocking the caller's poller loop.
func (s *MQTTSink) Publish(device string, leaves []dataproc.Leaf) {
	select {
	case s.queue <- publishJob{device: device, leaves: leaves}:
	default:
		slog.Warn("publish: queue full, dropping sample", "device", device)
	}
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	s.client.Disconnect(2000)
}

// SubscribeSetPowerLimit subscribes to
// "<topicPrefix>/<device>/PowerLimit/set" and invokes onSet with the
// parsed integer watt value of every message received on it. This is
// the write side of the published, writable PowerLimit leaf — an
// operator or higher-level controller publishes a watt value there to
// feed the control arbiter.
func (s *MQTTSink) SubscribeSetPowerLimit(device string, onSet func(watts int64)) (func(), error) {
	topic := fmt.Sprintf("%s/%s/PowerLimit/set", s.topicPrefix, device)

	token := s.client.Subscribe(topic, s.qos, func(_ mqtt.Client, msg mqtt.Message) {
		watts, err := strconv.ParseInt(strings.TrimSpace(string(msg.Payload())), 10, 64)
		if err != nil {
			slog.Warn("publish: invalid PowerLimit/set payload", "device", device, "topic", topic, "err", err)
			return
		}
		onSet(watts)
	})
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		return nil, fmt.Errorf("mqtt subscribe %s: %w", topic, token.Error())
	}

	return func() { s.client.Unsubscribe(topic) }, nil
}

// MemorySink is an in-process Sink used by tests and by any component
// that wants the latest leaves without a broker round-trip. It also
// implements Commander, with SetPowerLimit standing in for an
// external MQTT publish to PowerLimit/set.
type MemorySink struct {
	mu     sync.Mutex
	latest map[string][]dataproc.Leaf
	onSet  map[string]func(watts int64)
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		latest: make(map[string][]dataproc.Leaf),
		onSet:  make(map[string]func(watts int64)),
	}
}

func (m *MemorySink) Publish(device string, leaves []dataproc.Leaf) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest[device] = leaves
}

func (m *MemorySink) Latest(device string) ([]dataproc.Leaf, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	leaves, ok := m.latest[device]
	return leaves, ok
}

func (m *MemorySink) SubscribeSetPowerLimit(device string, onSet func(watts int64)) (func(), error) {
	m.mu.Lock()
	m.onSet[device] = onSet
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.onSet, device)
		m.mu.Unlock()
	}, nil
}

// SetPowerLimit simulates an external PowerLimit/set write for tests.
func (m *MemorySink) SetPowerLimit(device string, watts int64) {
	m.mu.Lock()
	onSet := m.onSet[device]
	m.mu.Unlock()
	if onSet != nil {
		onSet(watts)
	}
}
