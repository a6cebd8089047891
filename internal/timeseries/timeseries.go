package timeseries

import (
	"context"
	"fmt"
	"time"

	"fieldsense/internal/model"
	"fieldsense/internal/storage"
)

// Window is a named history range: how far back to look and how wide each bucket is.
type Window struct {
	Name     string        `json:"name"`
	Lookback time.Duration `json:"lookback"`
	Width    time.Duration `json:"width"`
}

const day = 24 * time.Hour

var windows = map[string]Window{
	"1h":  {Name: "1h", Lookback: time.Hour, Width: 5 * time.Minute},
	"24h": {Name: "24h", Lookback: day, Width: time.Hour},
	"7d":  {Name: "7d", Lookback: 7 * day, Width: 6 * time.Hour},
	"30d": {Name: "30d", Lookback: 30 * day, Width: day},
}

var analysisRanges = map[string]time.Duration{
	"last_24h":     day,
	"last_7_days":  7 * day,
	"last_30_days": 30 * day,
	"last_90_days": 90 * day,
}

func ParseWindow(name string) (Window, error) {
	w, ok := windows[name]
	if !ok {
		return Window{}, fmt.Errorf("%w: %q (want 1h, 24h, 7d or 30d)", model.ErrInvalidTimeRange, name)
	}
	return w, nil
}

func ParseAnalysisRange(name string) (time.Duration, error) {
	d, ok := analysisRanges[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q (want last_24h, last_7_days, last_30_days or last_90_days)", model.ErrInvalidTimeRange, name)
	}
	return d, nil
}

type DeviceDirectory interface {
	Known(deviceID string) bool
}

type Engine struct {
	store storage.Store
	dir   DeviceDirectory
	now   func() time.Time
}

func New(store storage.Store, dir DeviceDirectory) *Engine {
	return &Engine{store: store, dir: dir, now: func() time.Time { return time.Now().UTC() }}
}

func (e *Engine) History(ctx context.Context, deviceID, rangeName string) ([]model.Bucket, error) {
	w, err := ParseWindow(rangeName)
	if err != nil {
		return nil, err
	}
	return e.HistoryAt(ctx, deviceID, w, e.now())
}

// HistoryAt emits one bucket per epoch-aligned slot from the slot containing
// now-lookback through the slot containing now. Slots without data carry no fields.
func (e *Engine) HistoryAt(ctx context.Context, deviceID string, w Window, now time.Time) ([]model.Bucket, error) {
	if w.Width <= 0 || w.Lookback <= 0 {
		return nil, fmt.Errorf("%w: empty window", model.ErrInvalidTimeRange)
	}
	if e.dir != nil && !e.dir.Known(deviceID) {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownDevice, deviceID)
	}
	first := now.Add(-w.Lookback).Truncate(w.Width)
	last := now.Truncate(w.Width)
	n := int(last.Sub(first)/w.Width) + 1
	acc := newAccumulator(first, w.Width, n)
	if err := e.seedCounters(ctx, deviceID, first.Add(-w.Lookback), first, acc.counters); err != nil {
		return nil, err
	}
	q := storage.ScanQuery{DeviceID: deviceID, From: first, To: last.Add(w.Width)}
	for ev, err := range e.store.Scan(ctx, q) {
		if err != nil {
			return nil, err
		}
		acc.add(ev)
	}
	return acc.buckets(), nil
}

// seedCounters loads the last value of each counter reported in [from, to)
// so the first in-window reading yields a real delta. The look-behind is
// bounded to one extra window.
func (e *Engine) seedCounters(ctx context.Context, deviceID string, from, to time.Time, into map[string]float64) error {
	q := storage.ScanQuery{DeviceID: deviceID, From: from, To: to, Reverse: true}
	for ev, err := range e.store.Scan(ctx, q) {
		if err != nil {
			return err
		}
		for _, name := range model.CounterFields {
			if _, done := into[name]; done {
				continue
			}
			if v, ok := ev.Fields[name]; ok {
				into[name] = v
			}
		}
		if len(into) == len(model.CounterFields) {
			return nil
		}
	}
	return nil
}

type slot struct {
	values map[string]float64
}

// accumulator folds ordered events into slots. Gauges keep the last value;
// counters sum increments, where a decrease counts as a reset to the new value.
type accumulator struct {
	start    time.Time
	width    time.Duration
	slots    []slot
	counters map[string]float64
}

func newAccumulator(start time.Time, width time.Duration, n int) *accumulator {
	return &accumulator{
		start:    start,
		width:    width,
		slots:    make([]slot, n),
		counters: make(map[string]float64),
	}
}

func (a *accumulator) add(ev model.TelemetryEvent) {
	idx := int(ev.OccurredAt.Sub(a.start) / a.width)
	if idx < 0 || idx >= len(a.slots) || len(ev.Fields) == 0 {
		return
	}
	s := &a.slots[idx]
	if s.values == nil {
		s.values = make(map[string]float64, len(ev.Fields))
	}
	for name, v := range ev.Fields {
		if !model.IsCounter(name) {
			s.values[name] = v
			continue
		}
		delta := 0.0
		if prev, seen := a.counters[name]; seen {
			if v >= prev {
				delta = v - prev
			} else {
				delta = v
			}
		}
		a.counters[name] = v
		s.values[name] += delta
	}
}

func (a *accumulator) buckets() []model.Bucket {
	out := make([]model.Bucket, len(a.slots))
	for i, s := range a.slots {
		fields := s.values
		if fields == nil {
			fields = map[string]float64{}
		}
		out[i] = model.Bucket{Start: a.start.Add(time.Duration(i) * a.width), Fields: fields}
	}
	return out
}

// SeriesQuery selects raw points of one field. Dataset "" or "all" merges the fleet.
type SeriesQuery struct {
	Dataset  string
	Field    string
	Lookback time.Duration
}

func IsFleetDataset(dataset string) bool {
	return dataset == "" || dataset == "all"
}

// Series returns the ordered (time, value) points where Field was reported.
// Events without the field are skipped, never imputed.
func (e *Engine) Series(ctx context.Context, q SeriesQuery) ([]model.Point, error) {
	if q.Lookback <= 0 {
		return nil, fmt.Errorf("%w: non-positive lookback", model.ErrInvalidTimeRange)
	}
	scan := storage.ScanQuery{From: e.now().Add(-q.Lookback)}
	if !IsFleetDataset(q.Dataset) {
		if e.dir != nil && !e.dir.Known(q.Dataset) {
			return nil, fmt.Errorf("%w: %s", model.ErrUnknownDevice, q.Dataset)
		}
		scan.DeviceID = q.Dataset
	}
	var out []model.Point
	for ev, err := range e.store.Scan(ctx, scan) {
		if err != nil {
			return nil, err
		}
		if v, ok := ev.Field(q.Field); ok {
			out = append(out, model.Point{Time: ev.OccurredAt, Value: v})
		}
	}
	return out, nil
}
