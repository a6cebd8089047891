package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fieldsense/internal/config"
	"fieldsense/internal/model"
	"fieldsense/internal/timeseries"
)

// monday is a Monday at midnight UTC.
var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

type fakeSource struct {
	points []model.Point
	last   timeseries.SeriesQuery
}

func (f *fakeSource) Series(_ context.Context, q timeseries.SeriesQuery) ([]model.Point, error) {
	f.last = q
	return f.points, nil
}

func series(step time.Duration, values ...float64) []model.Point {
	out := make([]model.Point, len(values))
	for i, v := range values {
		out[i] = model.Point{Time: monday.Add(time.Duration(i) * step), Value: v}
	}
	return out
}

func testConfig() config.AnalysisConfig {
	return config.DefaultConfig().Analysis
}

func TestClassificationThresholdsOrdered(t *testing.T) {
	values := make([]float64, 40)
	for i := range values {
		values[i] = float64(i + 1)
	}
	src := &fakeSource{points: series(time.Minute, values...)}
	d := NewDispatcher(src, testConfig(), nil, nil)

	res, err := d.Analyze(context.Background(), Request{Dataset: "d1", AnalysisKind: KindClassification, TargetField: "temperature", TimeRange: "last_7_days"})
	require.NoError(t, err)
	require.Equal(t, "t", src.last.Field)
	require.Equal(t, 7*24*time.Hour, src.last.Lookback)
	require.Equal(t, "d1", res.Dataset)
	require.Equal(t, 40, res.Metadata.Points)

	out, ok := res.Results.(ClassificationResult)
	require.True(t, ok)
	th := out.ClassThresholds
	require.Less(t, th.Low, th.Normal)
	require.Less(t, th.Normal, th.High)
	require.Equal(t, 40, out.TotalClassified)
	sum := 0
	for _, n := range out.ClassDistribution {
		sum += n
	}
	require.Equal(t, out.TotalClassified, sum)
	require.Equal(t, ClassLow, Classify(1, th))
	require.Equal(t, ClassNormal, Classify(th.Normal, th))
	require.Equal(t, ClassHigh, Classify(40, th))
	require.Len(t, out.Classifications, 40)
}

func TestClassificationListIsCapped(t *testing.T) {
	values := make([]float64, 250)
	for i := range values {
		values[i] = float64(i % 17)
	}
	res, err := NewClassification().Run(context.Background(), series(time.Second, values...))
	require.NoError(t, err)
	out := res.(ClassificationResult)
	require.Equal(t, 250, out.TotalClassified)
	require.Len(t, out.Classifications, maxListedClassifications)
}

func TestClassificationHoldoutAccuracy(t *testing.T) {
	values := make([]float64, 40)
	for i := range values {
		values[i] = float64(i + 1)
	}
	res, err := NewClassification().Run(context.Background(), series(15*time.Minute, values...))
	require.NoError(t, err)
	out := res.(ClassificationResult)
	require.GreaterOrEqual(t, out.ModelAccuracy, 0.9)
	require.LessOrEqual(t, out.ModelAccuracy, 1.0)

	short, err := NewClassification().Run(context.Background(), series(time.Minute, 1, 2, 3))
	require.NoError(t, err)
	require.Zero(t, short.(ClassificationResult).ModelAccuracy)
}

func TestClusteringSeparatesGroups(t *testing.T) {
	var values []float64
	for _, center := range []float64{100, 0, 50} {
		for i := 0; i < 10; i++ {
			values = append(values, center+float64(i%3)-1)
		}
	}
	d := NewDispatcher(&fakeSource{points: series(time.Minute, values...)}, testConfig(), nil, nil)
	res, err := d.Analyze(context.Background(), Request{AnalysisKind: KindClustering, TargetField: "h", TimeRange: "last_24h"})
	require.NoError(t, err)
	require.Equal(t, "all", res.Dataset)

	out := res.Results.(ClusteringResult)
	require.Equal(t, 3, out.NClusters)
	require.Equal(t, 30, out.TotalPoints)
	require.Len(t, out.ClusterStats, 3)
	for i, want := range []float64{0, 50, 100} {
		require.InDelta(t, want, out.ClusterCenters[i], 1)
		require.Equal(t, i, out.ClusterStats[i].ClusterID)
		require.Equal(t, 10, out.ClusterStats[i].Count)
		require.InDelta(t, want, out.ClusterStats[i].Mean, 1)
		require.LessOrEqual(t, out.ClusterStats[i].Min, out.ClusterStats[i].Max)
	}
	require.Greater(t, out.Inertia, 0.0)
}

func TestPredictionFollowsTrend(t *testing.T) {
	values := make([]float64, 40)
	for i := range values {
		values[i] = 2*float64(i) + 5
	}
	pts := series(15*time.Minute, values...)
	res, err := NewPrediction(4).Run(context.Background(), pts)
	require.NoError(t, err)
	out := res.(PredictionResult)
	require.Greater(t, out.ModelScore, 0.9)
	require.Len(t, out.Predictions, 4)
	for i, f := range out.Predictions {
		require.Equal(t, i+1, f.Step)
		require.True(t, f.Timestamp.Equal(pts[len(pts)-1].Time.Add(time.Duration(i+1)*15*time.Minute)))
		require.InDelta(t, 2*float64(40+i)+5, f.PredictedValue, 1)
	}
	total := 0.0
	for _, name := range featureNames {
		v, ok := out.FeatureImportance[name]
		require.True(t, ok, name)
		total += v
	}
	require.InDelta(t, 1, total, 1e-9)
}

func TestAnalyzeRejectsBadRequests(t *testing.T) {
	d := NewDispatcher(&fakeSource{points: series(time.Minute, 1, 2, 3)}, testConfig(), nil, nil)
	ctx := context.Background()

	_, err := d.Analyze(ctx, Request{AnalysisKind: "regression", TargetField: "t", TimeRange: "last_24h"})
	require.ErrorIs(t, err, model.ErrUnknownAnalysis)

	_, err = d.Analyze(ctx, Request{AnalysisKind: KindClustering, TargetField: "pressure", TimeRange: "last_24h"})
	require.ErrorIs(t, err, model.ErrUnknownField)

	_, err = d.Analyze(ctx, Request{AnalysisKind: KindClustering, TargetField: "t", TimeRange: "yesterday"})
	require.ErrorIs(t, err, model.ErrInvalidTimeRange)

	_, err = d.Analyze(ctx, Request{AnalysisKind: KindClassification, TargetField: "vazao", TimeRange: "last_24h"})
	require.ErrorIs(t, err, model.ErrNotEnoughData)
	var nd *model.NotEnoughDataError
	require.True(t, errors.As(err, &nd))
	require.Equal(t, 20, nd.Required)
	require.Equal(t, 3, nd.Got)
}

func TestMinSamplesFollowConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MinSamples = map[string]int{KindClassification: 3}
	d := NewDispatcher(&fakeSource{points: series(time.Minute, 1, 2, 3)}, cfg, nil, nil)
	_, err := d.Analyze(context.Background(), Request{AnalysisKind: KindClassification, TargetField: "t", TimeRange: "last_24h"})
	require.NoError(t, err)
	require.Equal(t, 30, d.MinSamples(KindClustering))

	cfg.MinSamples = map[string]int{KindClassification: 10}
	d.UpdateConfig(cfg)
	_, err = d.Analyze(context.Background(), Request{AnalysisKind: KindClassification, TargetField: "t", TimeRange: "last_24h"})
	require.ErrorIs(t, err, model.ErrNotEnoughData)
}

type slowStrategy struct{}

func (slowStrategy) Kind() string    { return "slow" }
func (slowStrategy) MinSamples() int { return 0 }
func (slowStrategy) Run(ctx context.Context, _ []model.Point) (Summary, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAnalyzeTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	d := NewDispatcher(&fakeSource{points: series(time.Minute, 1)}, cfg, nil, nil, slowStrategy{})
	res, err := d.Analyze(context.Background(), Request{AnalysisKind: "slow", TargetField: "t", TimeRange: "last_24h"})
	require.ErrorIs(t, err, model.ErrAnalysisTimeout)
	require.Nil(t, res.Results)
}

func TestResolveField(t *testing.T) {
	for in, want := range map[string]string{"temperature": "t", "Vazao": "fluxo", "solo": "solo", "rssi": "rssi"} {
		got, err := ResolveField(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ResolveField("")
	require.ErrorIs(t, err, model.ErrUnknownField)
}
