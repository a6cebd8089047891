package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"fieldsense/internal/config"
	"fieldsense/internal/metrics"
	"fieldsense/internal/model"
	"fieldsense/internal/storage"
)

// StateSink receives every accepted event synchronously, in admission order per device.
type StateSink interface {
	OnEvent(ev model.TelemetryEvent)
}

// Publisher fans accepted events out to live subscribers; it must not block.
type Publisher interface {
	Publish(ev model.TelemetryEvent)
}

type Engine struct {
	logger     *slog.Logger
	metrics    *metrics.Registry
	cfg        atomic.Value
	dedup      *Deduplicator
	state      StateSink
	mu         sync.RWMutex
	publishers []Publisher
	now        func() time.Time
}

func NewEngine(cfg *config.Config, logger *slog.Logger, store storage.Store, index FingerprintIndex, state StateSink, reg *metrics.Registry) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if index == nil {
		index = NewMemoryFingerprintIndex(cfg.Dedupe.Stripes, cfg.Dedupe.CacheLimit, cfg.Dedupe.IndexTTL)
	}
	e := &Engine{
		logger:  logger,
		metrics: reg,
		dedup:   NewDeduplicator(store, index),
		state:   state,
		now:     func() time.Time { return time.Now().UTC() },
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) Subscribe(p Publisher) {
	if p == nil {
		return
	}
	e.mu.Lock()
	e.publishers = append(e.publishers, p)
	e.mu.Unlock()
}

// Ingest validates, admits and fans out one candidate. It is safe for concurrent use.
func (e *Engine) Ingest(ctx context.Context, c model.Candidate) (Admission, error) {
	cfg := e.config()
	e.metrics.Received(c.Source)
	kind, err := validateCandidate(c)
	if err != nil {
		e.metrics.IngestError(c.Source)
		return Admission{}, err
	}
	now := e.now()
	ev := model.TelemetryEvent{
		DeviceID:   c.DeviceID,
		OccurredAt: clampTimestamp(c.OccurredAt, now, 0, cfg.Ingest.MaxFutureSkew).UTC(),
		ReceivedAt: now,
		Kind:       kind,
		DedupKey:   c.DedupKey,
		Fields:     c.Fields,
		Labels:     c.Labels,
		Source:     c.Source,
		RawPayload: c.RawPayload,
	}

	adm, err := e.dedup.Admit(ctx, ev, cfg.Dedupe.Tolerance)
	var idxErr *IndexError
	if errors.As(err, &idxErr) {
		if e.logger != nil {
			e.logger.Warn("fingerprint index update failed", "device_id", ev.DeviceID, "err", idxErr.Err)
		}
		err = nil
	}
	if err != nil {
		e.metrics.IngestError(c.Source)
		if e.logger != nil {
			e.logger.Error("admit failed", "device_id", ev.DeviceID, "dedup_key", ev.DedupKey, "err", err)
		}
		return Admission{}, err
	}
	if !adm.Accepted() {
		e.metrics.Duplicate(adm.Reason)
		if e.logger != nil {
			e.logger.Debug("duplicate event", "device_id", ev.DeviceID, "existing_id", adm.ExistingID, "reason", adm.Reason)
		}
		return adm, nil
	}

	if e.state != nil {
		e.state.OnEvent(adm.Event)
	}
	e.metrics.Accepted(string(adm.Event.Kind))
	e.publish(adm.Event)
	if e.logger != nil {
		e.logger.Debug("event accepted", "device_id", adm.Event.DeviceID, "kind", adm.Event.Kind, "id", adm.Event.ID)
	}
	return adm, nil
}

func (e *Engine) publish(ev model.TelemetryEvent) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, p := range e.publishers {
		p.Publish(ev)
	}
}

func validateCandidate(c model.Candidate) (model.EventKind, error) {
	if c.DeviceID == "" {
		return "", fmt.Errorf("%w: device_id required", model.ErrInvalidEvent)
	}
	kind, ok := model.ParseKind(string(c.Kind))
	if !ok {
		return "", fmt.Errorf("%w: unsupported event kind %q", model.ErrInvalidEvent, c.Kind)
	}
	for name, v := range c.Fields {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", fmt.Errorf("%w: field %s is not finite", model.ErrInvalidEvent, name)
		}
	}
	return kind, nil
}

// clampTimestamp replaces missing or implausibly skewed source times with now.
func clampTimestamp(ts, now time.Time, maxPast, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	if maxPast > 0 {
		if now.Sub(ts) > maxPast {
			return now
		}
	}
	if maxFuture > 0 {
		if ts.Sub(now) > maxFuture {
			return now
		}
	}
	return ts
}
