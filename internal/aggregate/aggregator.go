package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"fieldsense/internal/model"
	"fieldsense/internal/storage"
)

// cell is the guarded state of one device. Status is never stored; it is derived on read.
type cell struct {
	mu           sync.Mutex
	state        model.DeviceState
	networkCount int
	networkFirst time.Time
	networkLast  time.Time
}

// Aggregator maintains per-device state incrementally. The map lock only guards
// cell lookup and creation; updates to different devices never contend.
type Aggregator struct {
	mu        sync.RWMutex
	cells     map[string]*cell
	threshold atomic.Int64
	logger    *slog.Logger
	now       func() time.Time
}

func New(threshold time.Duration, logger *slog.Logger) *Aggregator {
	a := &Aggregator{
		cells:  make(map[string]*cell),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	a.SetThreshold(threshold)
	return a
}

func (a *Aggregator) SetThreshold(d time.Duration) {
	if d <= 0 {
		d = 5 * time.Minute
	}
	a.threshold.Store(int64(d))
}

func (a *Aggregator) Threshold() time.Duration {
	return time.Duration(a.threshold.Load())
}

func (a *Aggregator) lookup(deviceID string) (*cell, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.cells[deviceID]
	return c, ok
}

func (a *Aggregator) cellFor(deviceID string) *cell {
	if c, ok := a.lookup(deviceID); ok {
		return c
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.cells[deviceID]; ok {
		return c
	}
	c := &cell{state: model.DeviceState{
		DeviceID:         deviceID,
		LastReading:      make(map[string]model.FieldValue),
		EventCountByKind: make(map[model.EventKind]int),
	}}
	a.cells[deviceID] = c
	return c
}

// OnEvent folds one accepted event into its device state. Fields absent from the
// event keep their previous value; an older event never overwrites a newer value.
func (a *Aggregator) OnEvent(ev model.TelemetryEvent) {
	if ev.DeviceID == "" {
		return
	}
	c := a.cellFor(ev.DeviceID)
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &c.state
	if s.FirstSeenAt.IsZero() || ev.OccurredAt.Before(s.FirstSeenAt) {
		s.FirstSeenAt = ev.OccurredAt
	}
	if ev.OccurredAt.After(s.LastSeenAt) {
		s.LastSeenAt = ev.OccurredAt
	}
	for name, v := range ev.Fields {
		prev, ok := s.LastReading[name]
		if ok && prev.ObservedAt.After(ev.OccurredAt) {
			continue
		}
		s.LastReading[name] = model.FieldValue{Value: v, ObservedAt: ev.OccurredAt}
	}
	s.EventCountByKind[ev.Kind]++
	if name := ev.Labels[model.LabelDeviceName]; name != "" {
		s.Name = name
	}
	if app := ev.Labels[model.LabelApplicationName]; app != "" {
		s.Application = app
	}
	if ev.Kind.IsNetwork() {
		c.networkCount++
		if c.networkFirst.IsZero() || ev.OccurredAt.Before(c.networkFirst) {
			c.networkFirst = ev.OccurredAt
		}
		if ev.OccurredAt.After(c.networkLast) {
			c.networkLast = ev.OccurredAt
		}
	}
	if ev.Kind == model.KindUplink {
		if v, ok := ev.Field(model.FieldRSSI); ok {
			s.Radio.RSSI.Observe(v)
		}
		if v, ok := ev.Field(model.FieldSNR); ok {
			s.Radio.SNR.Observe(v)
		}
	}
}

func (c *cell) snapshot(now time.Time, threshold time.Duration) model.DeviceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.state
	out.LastReading = make(map[string]model.FieldValue, len(c.state.LastReading))
	for k, v := range c.state.LastReading {
		out.LastReading[k] = v
	}
	out.EventCountByKind = make(map[model.EventKind]int, len(c.state.EventCountByKind))
	for k, v := range c.state.EventCountByKind {
		out.EventCountByKind[k] = v
	}
	out.Status = model.Liveness(now, out.LastSeenAt, threshold)
	return out
}

func (a *Aggregator) Known(deviceID string) bool {
	_, ok := a.lookup(deviceID)
	return ok
}

func (a *Aggregator) Snapshot(deviceID string) (model.DeviceState, error) {
	return a.SnapshotAt(deviceID, a.now())
}

func (a *Aggregator) SnapshotAt(deviceID string, now time.Time) (model.DeviceState, error) {
	c, ok := a.lookup(deviceID)
	if !ok {
		return model.DeviceState{}, fmt.Errorf("%w: %s", model.ErrUnknownDevice, deviceID)
	}
	return c.snapshot(now, a.Threshold()), nil
}

// LivenessCheck derives the status of one device against an explicit threshold.
func (a *Aggregator) LivenessCheck(deviceID string, now time.Time, threshold time.Duration) (model.Status, error) {
	c, ok := a.lookup(deviceID)
	if !ok {
		return "", fmt.Errorf("%w: %s", model.ErrUnknownDevice, deviceID)
	}
	c.mu.Lock()
	last := c.state.LastSeenAt
	c.mu.Unlock()
	return model.Liveness(now, last, threshold), nil
}

func (a *Aggregator) cellsSorted() []*cell {
	a.mu.RLock()
	ids := make([]string, 0, len(a.cells))
	for id := range a.cells {
		ids = append(ids, id)
	}
	cells := make([]*cell, 0, len(ids))
	sort.Strings(ids)
	for _, id := range ids {
		cells = append(cells, a.cells[id])
	}
	a.mu.RUnlock()
	return cells
}

func (a *Aggregator) FleetSnapshot() []model.DeviceState {
	return a.FleetSnapshotAt(a.now())
}

func (a *Aggregator) FleetSnapshotAt(now time.Time) []model.DeviceState {
	threshold := a.Threshold()
	cells := a.cellsSorted()
	out := make([]model.DeviceState, 0, len(cells))
	for _, c := range cells {
		out = append(out, c.snapshot(now, threshold))
	}
	return out
}

// Rebuild replays the store into a fresh state set and swaps it in. Run it
// before ingestion starts; events folded during the replay are replaced.
func (a *Aggregator) Rebuild(ctx context.Context, store storage.Store) (int, error) {
	fresh := New(a.Threshold(), nil)
	n := 0
	for ev, err := range store.Scan(ctx, storage.ScanQuery{}) {
		if err != nil {
			return n, fmt.Errorf("rebuild device state: %w", err)
		}
		fresh.OnEvent(ev)
		n++
	}
	a.mu.Lock()
	a.cells = fresh.cells
	a.mu.Unlock()
	if a.logger != nil {
		a.logger.Info("device state rebuilt", "events", n, "devices", len(fresh.cells))
	}
	return n, nil
}
