package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"fieldsense/internal/config"
	"fieldsense/internal/metrics"
	"fieldsense/internal/model"
	"fieldsense/internal/timeseries"
)

const (
	KindClustering     = "clustering"
	KindPrediction     = "prediction"
	KindClassification = "classification"
)

// Summary is the typed, kind-specific payload of a result.
type Summary interface {
	AnalysisKind() string
}

// Strategy turns an ordered series into a summary. Implementations should
// return promptly once ctx is done.
type Strategy interface {
	Kind() string
	MinSamples() int
	Run(ctx context.Context, series []model.Point) (Summary, error)
}

type Request struct {
	Dataset      string `json:"dataset"`
	AnalysisKind string `json:"analysis_kind"`
	TargetField  string `json:"target_field"`
	TimeRange    string `json:"time_range"`
}

type Metadata struct {
	GeneratedAt time.Time `json:"generated_at"`
	Points      int       `json:"points"`
	Field       string    `json:"field"`
	DurationMS  int64     `json:"duration_ms"`
}

type Result struct {
	AnalysisKind string   `json:"analysis_kind"`
	TargetField  string   `json:"target_field"`
	TimeRange    string   `json:"time_range"`
	Dataset      string   `json:"dataset"`
	Results      Summary  `json:"results"`
	Metadata     Metadata `json:"metadata"`
}

var targetFields = map[string]string{
	"temperature": model.FieldTemperature,
	"temperatura": model.FieldTemperature,
	"humidity":    model.FieldHumidity,
	"umidade":     model.FieldHumidity,
	"gas":         model.FieldGas,
	"flow":        model.FieldFlow,
	"vazao":       model.FieldFlow,
	"pulse":       model.FieldPulse,
	"soil":        model.FieldSoil,
	"rssi":        model.FieldRSSI,
	"snr":         model.FieldSNR,
}

// ResolveField maps a request target to the stored field name. Canonical names pass through.
func ResolveField(target string) (string, error) {
	t := strings.ToLower(strings.TrimSpace(target))
	if f, ok := targetFields[t]; ok {
		return f, nil
	}
	for _, f := range model.SensorFields {
		if t == f {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", model.ErrUnknownField, target)
}

type SeriesSource interface {
	Series(ctx context.Context, q timeseries.SeriesQuery) ([]model.Point, error)
}

type Dispatcher struct {
	source     SeriesSource
	strategies map[string]Strategy
	cfg        atomic.Value
	logger     *slog.Logger
	metrics    *metrics.Registry
	now        func() time.Time
}

func NewDispatcher(source SeriesSource, cfg config.AnalysisConfig, logger *slog.Logger, reg *metrics.Registry, strategies ...Strategy) *Dispatcher {
	if len(strategies) == 0 {
		strategies = DefaultStrategies(cfg)
	}
	d := &Dispatcher{
		source:     source,
		strategies: make(map[string]Strategy, len(strategies)),
		logger:     logger,
		metrics:    reg,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, s := range strategies {
		d.strategies[s.Kind()] = s
	}
	d.cfg.Store(cfg)
	return d
}

func DefaultStrategies(cfg config.AnalysisConfig) []Strategy {
	return []Strategy{
		NewClustering(cfg.Clusters),
		NewPrediction(cfg.ForecastSteps),
		NewClassification(),
	}
}

func (d *Dispatcher) UpdateConfig(cfg config.AnalysisConfig) {
	d.cfg.Store(cfg)
}

func (d *Dispatcher) config() config.AnalysisConfig {
	return d.cfg.Load().(config.AnalysisConfig)
}

// MinSamples is the configured minimum for a kind, falling back to the strategy default.
func (d *Dispatcher) MinSamples(kind string) int {
	if n := d.config().MinSamples[kind]; n > 0 {
		return n
	}
	if s, ok := d.strategies[kind]; ok {
		return s.MinSamples()
	}
	return 0
}

// Analyze validates the request, resolves the series and runs the strategy under
// the configured timeout. A timed-out run yields ErrAnalysisTimeout and no result.
func (d *Dispatcher) Analyze(ctx context.Context, req Request) (Result, error) {
	strategy, ok := d.strategies[req.AnalysisKind]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", model.ErrUnknownAnalysis, req.AnalysisKind)
	}
	field, err := ResolveField(req.TargetField)
	if err != nil {
		return Result{}, err
	}
	lookback, err := timeseries.ParseAnalysisRange(req.TimeRange)
	if err != nil {
		return Result{}, err
	}
	if timeout := d.config().Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	started := time.Now()

	series, err := d.source.Series(ctx, timeseries.SeriesQuery{Dataset: req.Dataset, Field: field, Lookback: lookback})
	if err != nil {
		return Result{}, timeoutOr(ctx, err)
	}
	if required := d.MinSamples(req.AnalysisKind); len(series) < required {
		return Result{}, &model.NotEnoughDataError{Kind: req.AnalysisKind, Required: required, Got: len(series)}
	}

	type outcome struct {
		summary Summary
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		s, err := strategy.Run(ctx, series)
		done <- outcome{s, err}
	}()
	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		return Result{}, timeoutOr(ctx, ctx.Err())
	}
	if out.err != nil {
		return Result{}, timeoutOr(ctx, out.err)
	}
	elapsed := time.Since(started)
	d.metrics.ObserveAnalysis(req.AnalysisKind, elapsed)
	if d.logger != nil {
		d.logger.Info("analysis completed", "kind", req.AnalysisKind, "field", field, "points", len(series), "duration_ms", elapsed.Milliseconds())
	}
	dataset := req.Dataset
	if timeseries.IsFleetDataset(dataset) {
		dataset = "all"
	}
	return Result{
		AnalysisKind: req.AnalysisKind,
		TargetField:  req.TargetField,
		TimeRange:    req.TimeRange,
		Dataset:      dataset,
		Results:      out.summary,
		Metadata: Metadata{
			GeneratedAt: d.now(),
			Points:      len(series),
			Field:       field,
			DurationMS:  elapsed.Milliseconds(),
		},
	}, nil
}

func timeoutOr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", model.ErrAnalysisTimeout, err)
	}
	return err
}
