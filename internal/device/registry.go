package device

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry is the in-memory map of known miners keyed by IP address.
//
// Readers always receive copies, so a record is never observed half-written.
// Observers are notified after the lock is released. Events for one address
// may therefore arrive out of commit order when several goroutines write;
// Record.Revision orders them.
//
// All public methods are thread-safe.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record

	obsMu     sync.RWMutex
	observers []Observer

	logger Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// AddObserver registers fn for every subsequent change.
func (r *Registry) AddObserver(fn Observer) {
	if fn == nil {
		return
	}
	r.obsMu.Lock()
	r.observers = append(r.observers, fn)
	r.obsMu.Unlock()
}

// NormalizeAddress canonicalises an IP address string. It rejects empty
// strings, non-IP values and the reserved broadcast address 0.0.0.0.
func NormalizeAddress(address string) (string, error) {
	ip, err := netip.ParseAddr(strings.TrimSpace(address))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	ip = ip.Unmap()
	if ip.IsUnspecified() {
		return "", fmt.Errorf("%w: %q is reserved for broadcast", ErrInvalidAddress, address)
	}
	return ip.String(), nil
}

// Upsert creates the record for address if absent, then applies p. The
// record is marked online and stamped with at.
//
// Parameters:
//   - address: Device IP address (identity key)
//   - p: Fields present in the incoming message
//   - src: Channel the message arrived on
//   - at: Arrival time at the merge point
//
// Returns:
//   - bool: true if a new record was created
//   - error: ErrInvalidAddress if address cannot identify a device
func (r *Registry) Upsert(address string, p Patch, src Source, at time.Time) (bool, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	rec, exists := r.records[addr]
	if !exists {
		rec = &Record{
			Address:   addr,
			Metrics:   defaultMetrics(),
			FirstSeen: at,
		}
		r.records[addr] = rec
	}
	r.merge(rec, p, src, at)
	snapshot := *rec
	r.mu.Unlock()

	evType := EventUpdated
	if !exists {
		evType = EventCreated
		r.logger.Info("device registered", "address", addr, "source", string(src))
	}
	r.notify(Event{Type: evType, Source: src, Record: snapshot, Patch: p})
	return !exists, nil
}

// Update merges p into an existing record only. It returns false, without
// creating anything, when address is unknown.
func (r *Registry) Update(address string, p Patch, src Source, at time.Time) (bool, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	rec, exists := r.records[addr]
	if !exists {
		r.mu.Unlock()
		return false, nil
	}
	r.merge(rec, p, src, at)
	snapshot := *rec
	r.mu.Unlock()

	r.notify(Event{Type: EventUpdated, Source: src, Record: snapshot, Patch: p})
	return true, nil
}

// merge must be called with mu held.
func (r *Registry) merge(rec *Record, p Patch, src Source, at time.Time) {
	p.apply(rec)
	rec.IsOnline = true
	rec.LastUpdate = at
	rec.LastSource = src
	rec.Revision++
}

// Get returns a copy of the record for address.
func (r *Registry) Get(address string) (Record, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return Record{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[addr]
	if !ok {
		return Record{}, ErrDeviceNotFound
	}
	return *rec, nil
}

// List returns copies of all records ordered by address.
func (r *Registry) List() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return lessAddress(out[i].Address, out[j].Address)
	})
	return out
}

// lessAddress orders IPs numerically so 10.0.0.9 sorts before 10.0.0.10.
func lessAddress(a, b string) bool {
	ia, errA := netip.ParseAddr(a)
	ib, errB := netip.ParseAddr(b)
	if errA != nil || errB != nil {
		return a < b
	}
	return ia.Less(ib)
}

// Count returns the number of known devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Stats returns online/offline totals and a breakdown by last update source.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		Total:    len(r.records),
		BySource: make(map[Source]int),
	}
	for _, rec := range r.records {
		if rec.IsOnline {
			s.Online++
		} else {
			s.Offline++
		}
		s.BySource[rec.LastSource]++
	}
	return s
}

// MarkStale flips IsOnline to false for every online record whose last
// update is older than timeout at now. It returns the affected addresses.
// A later message brings the device back online through the normal merge.
func (r *Registry) MarkStale(now time.Time, timeout time.Duration) []string {
	if timeout <= 0 {
		return nil
	}
	cutoff := now.Add(-timeout)

	var events []Event
	r.mu.Lock()
	for _, rec := range r.records {
		if rec.IsOnline && rec.LastUpdate.Before(cutoff) {
			rec.IsOnline = false
			rec.Revision++
			events = append(events, Event{Type: EventOffline, Source: rec.LastSource, Record: *rec})
		}
	}
	r.mu.Unlock()

	addrs := make([]string, 0, len(events))
	for _, ev := range events {
		r.logger.Info("device offline", "address", ev.Record.Address, "last_update", ev.Record.LastUpdate)
		r.notify(ev)
		addrs = append(addrs, ev.Record.Address)
	}
	sort.Slice(addrs, func(i, j int) bool { return lessAddress(addrs[i], addrs[j]) })
	return addrs
}

func (r *Registry) notify(ev Event) {
	r.obsMu.RLock()
	observers := r.observers
	r.obsMu.RUnlock()

	for _, fn := range observers {
		r.safeNotify(fn, ev)
	}
}

func (r *Registry) safeNotify(fn Observer, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("registry observer panic recovered",
				"address", ev.Record.Address, "event", string(ev.Type), "panic", rec)
		}
	}()
	fn(ev)
}
