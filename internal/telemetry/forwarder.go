package telemetry

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/nmfleet/internal/device"
	"github.com/nerrad567/nmfleet/internal/infrastructure/mqtt"
	"github.com/nerrad567/nmfleet/internal/push"
)

// Logger defines the logging interface used by the Forwarder.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Publisher is the subset of the MQTT client the forwarder needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// PointWriter is the subset of the InfluxDB client the forwarder needs.
type PointWriter interface {
	WriteMinerTelemetry(address string, tags map[string]string, fields map[string]any, ts time.Time)
}

// DefaultQueueSize bounds how many registry events may wait for delivery.
const DefaultQueueSize = 256

// Forwarder fans registry changes out to MQTT and InfluxDB.
//
// Registry observers run on the listener goroutine, so Observe only
// enqueues; a single worker does the network I/O. When the queue is full
// the event is dropped and counted.
type Forwarder struct {
	publisher Publisher
	writer    PointWriter
	qos       byte

	queue chan device.Event
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	logger  Logger
	dropped atomic.Uint64
	sent    atomic.Uint64
	stale   atomic.Uint64

	// published holds the last revision sent as retained state per
	// address. Only the worker goroutine touches it.
	published map[string]uint64
}

// New creates a Forwarder. Either sink may be nil.
func New(publisher Publisher, writer PointWriter, qos byte, queueSize int) *Forwarder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Forwarder{
		publisher: publisher,
		writer:    writer,
		qos:       qos,
		queue:     make(chan device.Event, queueSize),
		done:      make(chan struct{}),
		logger:    noopLogger{},
		published: make(map[string]uint64),
	}
}

// SetLogger sets the logger for the forwarder.
func (f *Forwarder) SetLogger(logger Logger) {
	f.logger = logger
}

// Start launches the delivery worker.
func (f *Forwarder) Start() {
	f.wg.Add(1)
	go f.run()
}

// Stop drains queued events and waits for the worker to exit.
func (f *Forwarder) Stop() {
	f.once.Do(func() { close(f.done) })
	f.wg.Wait()
}

// Observe is a device.Observer. It never blocks.
func (f *Forwarder) Observe(ev device.Event) {
	select {
	case <-f.done:
		return
	default:
	}

	select {
	case f.queue <- ev:
	default:
		f.dropped.Add(1)
		f.logger.Warn("telemetry queue full, event dropped", "address", ev.Record.Address, "event", string(ev.Type))
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (f *Forwarder) Dropped() uint64 {
	return f.dropped.Load()
}

// Stale returns how many state snapshots were not published because a newer
// revision of the same record had already gone out.
func (f *Forwarder) Stale() uint64 {
	return f.stale.Load()
}

// Delivered returns how many events the worker has processed.
func (f *Forwarder) Delivered() uint64 {
	return f.sent.Load()
}

func (f *Forwarder) run() {
	defer f.wg.Done()
	for {
		select {
		case ev := <-f.queue:
			f.deliver(ev)
		case <-f.done:
			for {
				select {
				case ev := <-f.queue:
					f.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (f *Forwarder) deliver(ev device.Event) {
	defer f.sent.Add(1)

	if f.publisher != nil && f.publisher.IsConnected() && f.fresh(ev.Record) {
		payload, err := json.Marshal(ev.Record)
		if err == nil {
			err = f.publisher.Publish(mqtt.Topics{}.DeviceState(ev.Record.Address), payload, f.qos, true)
		}
		if err != nil {
			f.logger.Warn("publishing device state failed", "address", ev.Record.Address, "error", err)
		}
	}

	if f.writer != nil {
		fields := Fields(ev)
		if len(fields) > 0 {
			tags := map[string]string{
				"board":    ev.Record.BoardType,
				"firmware": ev.Record.FirmwareVersion,
			}
			f.writer.WriteMinerTelemetry(ev.Record.Address, tags, fields, ev.Record.LastUpdate)
		}
	}
}

// fresh reports whether rec is newer than the retained state already
// published for its address. Revision 0 marks a record built outside the
// registry and is always published.
func (f *Forwarder) fresh(rec device.Record) bool {
	if rec.Revision == 0 {
		return true
	}
	if last, ok := f.published[rec.Address]; ok && rec.Revision <= last {
		f.stale.Add(1)
		f.logger.Debug("skipping stale device state", "address", rec.Address,
			"revision", rec.Revision, "published", last)
		return false
	}
	f.published[rec.Address] = rec.Revision
	return true
}

// Fields returns the InfluxDB fields for an event. Only values carried by
// the event's patch are written, so a beacon that omits temperature does
// not produce a repeated stale temperature point.
func Fields(ev device.Event) map[string]any {
	fields := map[string]any{"online": ev.Type != device.EventOffline}
	if ev.Type == device.EventOffline {
		return fields
	}

	p := ev.Patch
	if p.HashRate != nil {
		if hs, ok := ParseHashRate(*p.HashRate); ok {
			fields["hash_rate_hs"] = hs
		}
	}
	if p.Temp != nil {
		fields["temp_c"] = *p.Temp
	}
	if p.RSSI != nil {
		fields["rssi_dbm"] = *p.RSSI
	}
	if p.FreeHeap != nil {
		fields["free_heap"] = *p.FreeHeap
	}
	if p.Valid != nil {
		fields["valid_shares"] = *p.Valid
	}
	if p.Progress != nil {
		fields["progress"] = *p.Progress
	}
	return fields
}

// PublishPush announces a completed configuration push on MQTT. It is a
// no-op when no broker is connected.
func (f *Forwarder) PublishPush(r push.Report) {
	if f.publisher == nil || !f.publisher.IsConnected() {
		return
	}

	address := "broadcast"
	if !r.Broadcast {
		if host, _, err := net.SplitHostPort(r.Target); err == nil {
			address = host
		} else {
			address = r.Target
		}
	}

	payload, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := f.publisher.Publish(mqtt.Topics{}.PushEvent(address), payload, f.qos, false); err != nil {
		f.logger.Warn("publishing push event failed", "id", r.ID, "error", err)
	}
}
