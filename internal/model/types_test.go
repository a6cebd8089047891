package model

import (
	"errors"
	"io"
	"testing"
	"time"
)

func TestLiveness(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if s := Liveness(now, now.Add(-5*time.Minute), 5*time.Minute); s != StatusOnline {
		t.Fatalf("boundary should be online, got %s", s)
	}
	if s := Liveness(now, now.Add(-5*time.Minute-time.Second), 5*time.Minute); s != StatusOffline {
		t.Fatalf("expected offline, got %s", s)
	}
	if s := Liveness(now, time.Time{}, time.Hour); s != StatusOffline {
		t.Fatalf("never seen should be offline, got %s", s)
	}
}

func TestEventOrdering(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := TelemetryEvent{OccurredAt: base, ReceivedAt: base.Add(time.Second), Seq: 2}
	b := TelemetryEvent{OccurredAt: base, ReceivedAt: base.Add(time.Second), Seq: 3}
	c := TelemetryEvent{OccurredAt: base, ReceivedAt: base.Add(2 * time.Second), Seq: 1}
	d := TelemetryEvent{OccurredAt: base.Add(time.Millisecond), Seq: 0}
	if !a.Before(b) || b.Before(a) {
		t.Fatalf("seq should break ties")
	}
	if !b.Before(c) {
		t.Fatalf("received_at should order before seq")
	}
	if !c.Before(d) {
		t.Fatalf("occurred_at should dominate")
	}
}

func TestRangeStat(t *testing.T) {
	var r RangeStat
	for _, v := range []float64{-80, -100, -90} {
		r.Observe(v)
	}
	if r.Count != 3 || r.Min != -100 || r.Max != -80 || r.Avg != -90 {
		t.Fatalf("unexpected stat %+v", r)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	err := error(&NotEnoughDataError{Kind: "clustering", Required: 30, Got: 4})
	if !errors.Is(err, ErrNotEnoughData) {
		t.Fatalf("expected ErrNotEnoughData")
	}
	wrapped := Unavailable("append", io.ErrUnexpectedEOF)
	if !errors.Is(wrapped, ErrStoreUnavailable) || !errors.Is(wrapped, io.ErrUnexpectedEOF) {
		t.Fatalf("unavailable should keep both causes: %v", wrapped)
	}
	if Unavailable("noop", nil) != nil {
		t.Fatalf("nil error should stay nil")
	}
}
