package storage

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"fieldsense/internal/model"
)

// memoryStore keeps the log in process. Both the fleet-wide and per-device slices
// stay sorted by event order so scans resume from a binary-searched cursor.
// Events are copied in and out so stored events never change.
type memoryStore struct {
	mu       sync.RWMutex
	seq      int64
	all      []model.TelemetryEvent
	byDevice map[string][]model.TelemetryEvent
	byKey    map[string]model.TelemetryEvent
	byID     map[string]model.TelemetryEvent
}

func NewMemory() Store {
	return &memoryStore{
		byDevice: make(map[string][]model.TelemetryEvent),
		byKey:    make(map[string]model.TelemetryEvent),
		byID:     make(map[string]model.TelemetryEvent),
	}
}

func (m *memoryStore) Init(context.Context) error { return nil }

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) Ping(context.Context) error { return nil }

func (m *memoryStore) Append(ctx context.Context, ev model.TelemetryEvent) (AppendResult, error) {
	ev, err := prepareForAppend(ev)
	if err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, model.Unavailable("append event", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byKey[ev.DedupKey]; ok {
		return AppendResult{ExistingID: existing.ID, Event: existing.Clone()}, nil
	}
	m.seq++
	ev.Seq = m.seq
	m.all = insertSorted(m.all, ev)
	m.byDevice[ev.DeviceID] = insertSorted(m.byDevice[ev.DeviceID], ev)
	m.byKey[ev.DedupKey] = ev
	m.byID[ev.ID] = ev
	return AppendResult{Inserted: true, Event: ev.Clone()}, nil
}

func insertSorted(events []model.TelemetryEvent, ev model.TelemetryEvent) []model.TelemetryEvent {
	i := sort.Search(len(events), func(i int) bool { return ev.Before(events[i]) })
	events = append(events, model.TelemetryEvent{})
	copy(events[i+1:], events[i:])
	events[i] = ev
	return events
}

func (m *memoryStore) Scan(ctx context.Context, q ScanQuery) iter.Seq2[model.TelemetryEvent, error] {
	return paginate(ctx, q, m.fetchPage)
}

func (m *memoryStore) slice(deviceID string) []model.TelemetryEvent {
	if deviceID == "" {
		return m.all
	}
	return m.byDevice[deviceID]
}

func (m *memoryStore) fetchPage(_ context.Context, q ScanQuery, after *model.TelemetryEvent, limit int) ([]model.TelemetryEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.slice(q.DeviceID)
	out := make([]model.TelemetryEvent, 0, min(limit, len(events)))
	if !q.Reverse {
		var i int
		if after != nil {
			i = sort.Search(len(events), func(i int) bool { return after.Before(events[i]) })
		} else if !q.From.IsZero() {
			i = sort.Search(len(events), func(i int) bool { return !events[i].OccurredAt.Before(q.From) })
		}
		for ; i < len(events) && len(out) < limit; i++ {
			ev := events[i]
			if !q.To.IsZero() && !ev.OccurredAt.Before(q.To) {
				break
			}
			if kindMatches(q.Kinds, ev.Kind) {
				out = append(out, ev.Clone())
			}
		}
		return out, nil
	}
	i := len(events) - 1
	if after != nil {
		i = sort.Search(len(events), func(i int) bool { return !events[i].Before(*after) }) - 1
	} else if !q.To.IsZero() {
		i = sort.Search(len(events), func(i int) bool { return !events[i].OccurredAt.Before(q.To) }) - 1
	}
	for ; i >= 0 && len(out) < limit; i-- {
		ev := events[i]
		if !q.From.IsZero() && ev.OccurredAt.Before(q.From) {
			break
		}
		if kindMatches(q.Kinds, ev.Kind) {
			out = append(out, ev.Clone())
		}
	}
	return out, nil
}

func (m *memoryStore) Latest(_ context.Context, deviceID string) (model.TelemetryEvent, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.byDevice[deviceID]
	if len(events) == 0 {
		return model.TelemetryEvent{}, false, nil
	}
	return events[len(events)-1].Clone(), true, nil
}

func (m *memoryStore) Get(_ context.Context, id string) (model.TelemetryEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.byID[id]
	if !ok {
		return model.TelemetryEvent{}, fmt.Errorf("get event: %w", model.ErrNotFound)
	}
	return ev.Clone(), nil
}

func (m *memoryStore) Lookup(_ context.Context, dedupKey string) (model.TelemetryEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.byKey[dedupKey]
	if !ok {
		return model.TelemetryEvent{}, fmt.Errorf("lookup dedup key: %w", model.ErrNotFound)
	}
	return ev.Clone(), nil
}

func (m *memoryStore) Devices(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byDevice))
	for id := range m.byDevice {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryStore) Query(_ context.Context, f EventFilter) ([]model.TelemetryEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.slice(f.DeviceID)
	limit := f.normalizedLimit()
	skip := max(f.Offset, 0)
	var out []model.TelemetryEvent
	for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := events[i]
		if !f.To.IsZero() && ev.OccurredAt.After(f.To) {
			continue
		}
		if !f.From.IsZero() && ev.OccurredAt.Before(f.From) {
			break
		}
		if !kindMatches(f.Kinds, ev.Kind) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, ev.Clone())
	}
	return out, nil
}
