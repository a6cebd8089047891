package aggregate

import (
	"context"
	"time"

	"fieldsense/internal/metrics"
	"fieldsense/internal/model"
)

// Sweeper periodically publishes fleet liveness counts. It never writes status
// back into device state.
type Sweeper struct {
	agg      *Aggregator
	metrics  *metrics.Registry
	interval time.Duration
}

func NewSweeper(agg *Aggregator, reg *metrics.Registry, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{agg: agg, metrics: reg, interval: interval}
}

func (s *Sweeper) Sweep(now time.Time) (online, offline int) {
	for _, st := range s.agg.FleetSnapshotAt(now) {
		if st.Status == model.StatusOnline {
			online++
		} else {
			offline++
		}
	}
	s.metrics.SetDevices(online, offline)
	return online, offline
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Sweep(s.agg.now())
	for {
		select {
		case <-ticker.C:
			s.Sweep(s.agg.now())
		case <-ctx.Done():
			return nil
		}
	}
}
