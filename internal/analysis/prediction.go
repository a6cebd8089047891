package analysis

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"fieldsense/internal/model"
)

var featureNames = []string{"time_index", "hour", "day_of_week", "lag_1", "lag_2", "lag_3"}

const (
	lags         = 3
	ridgeLambda  = 1e-2
	trainShare   = 0.8
	defaultSteps = 10
)

type Forecast struct {
	Step           int       `json:"step"`
	Timestamp      time.Time `json:"timestamp"`
	PredictedValue float64   `json:"predicted_value"`
}

type PredictionResult struct {
	ModelScore        float64            `json:"model_score"`
	ForecastSteps     int                `json:"forecast_steps"`
	Predictions       []Forecast         `json:"predictions"`
	FeatureImportance map[string]float64 `json:"feature_importance"`
}

func (PredictionResult) AnalysisKind() string { return KindPrediction }

// Prediction fits a ridge regression on time and lag features, scores it on a
// chronological holdout and forecasts recursively at the series' median spacing.
type Prediction struct {
	steps int
}

func NewPrediction(steps int) *Prediction {
	if steps <= 0 {
		steps = defaultSteps
	}
	return &Prediction{steps: steps}
}

func (p *Prediction) Kind() string    { return KindPrediction }
func (p *Prediction) MinSamples() int { return 20 }

var errDegenerateFit = errors.New("prediction: regression system is singular")

func (p *Prediction) Run(ctx context.Context, series []model.Point) (Summary, error) {
	if len(series) <= lags+2 {
		return nil, &model.NotEnoughDataError{Kind: KindPrediction, Required: lags + 3, Got: len(series)}
	}
	rows, y := buildFeatures(series)

	split := int(float64(len(rows)) * trainShare)
	if split < 2 {
		split = 2
	}
	score := 0.0
	if split < len(rows) {
		m, err := fitRidge(rows[:split], y[:split])
		if err != nil {
			return nil, err
		}
		est := make([]float64, 0, len(rows)-split)
		for _, r := range rows[split:] {
			est = append(est, m.predict(r))
		}
		score = stat.RSquaredFrom(est, y[split:], nil)
		if math.IsNaN(score) || math.IsInf(score, 0) {
			score = 0
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m, err := fitRidge(rows, y)
	if err != nil {
		return nil, err
	}

	interval := medianInterval(series)
	last := series[len(series)-1]
	recent := []float64{series[len(series)-1].Value, series[len(series)-2].Value, series[len(series)-3].Value}
	res := PredictionResult{
		ModelScore:        score,
		ForecastSteps:     p.steps,
		Predictions:       make([]Forecast, 0, p.steps),
		FeatureImportance: m.importance(),
	}
	for step := 1; step <= p.steps; step++ {
		ts := last.Time.Add(time.Duration(step) * interval)
		row := featureRow(len(series)-1+step, ts, recent)
		v := m.predict(row)
		res.Predictions = append(res.Predictions, Forecast{Step: step, Timestamp: ts, PredictedValue: v})
		recent = []float64{v, recent[0], recent[1]}
	}
	return res, nil
}

func buildFeatures(series []model.Point) ([][]float64, []float64) {
	rows := make([][]float64, 0, len(series)-lags)
	y := make([]float64, 0, len(series)-lags)
	for i := lags; i < len(series); i++ {
		prev := []float64{series[i-1].Value, series[i-2].Value, series[i-3].Value}
		rows = append(rows, featureRow(i, series[i].Time, prev))
		y = append(y, series[i].Value)
	}
	return rows, y
}

// featureRow lays out features in featureNames order. Day of week counts from Monday.
func featureRow(index int, ts time.Time, lagged []float64) []float64 {
	ts = ts.UTC()
	return []float64{
		float64(index),
		float64(ts.Hour()),
		float64((int(ts.Weekday()) + 6) % 7),
		lagged[0], lagged[1], lagged[2],
	}
}

func medianInterval(series []model.Point) time.Duration {
	gaps := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		if d := series[i].Time.Sub(series[i-1].Time); d > 0 {
			gaps = append(gaps, float64(d))
		}
	}
	if len(gaps) == 0 {
		return time.Hour
	}
	sort.Float64s(gaps)
	return time.Duration(stat.Quantile(0.5, stat.Empirical, gaps, nil))
}

type ridgeModel struct {
	mu, sigma []float64
	yMean     float64
	beta      []float64
}

// fitRidge solves (XᵀX + λI)β = Xᵀy on standardized features with centered targets.
func fitRidge(rows [][]float64, y []float64) (*ridgeModel, error) {
	n, p := len(rows), len(rows[0])
	m := &ridgeModel{mu: make([]float64, p), sigma: make([]float64, p), beta: make([]float64, p)}
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		for i := range rows {
			col[i] = rows[i][j]
		}
		m.mu[j], m.sigma[j] = stat.PopMeanStdDev(col, nil)
		if m.sigma[j] == 0 {
			m.sigma[j] = 1
		}
	}
	m.yMean = stat.Mean(y, nil)

	x := mat.NewDense(n, p, nil)
	yc := mat.NewVecDense(n, nil)
	for i, r := range rows {
		for j, v := range r {
			x.Set(i, j, (v-m.mu[j])/m.sigma[j])
		}
		yc.SetVec(i, y[i]-m.yMean)
	}

	var gram mat.SymDense
	gram.SymOuterK(1, x.T())
	for j := 0; j < p; j++ {
		gram.SetSym(j, j, gram.At(j, j)+ridgeLambda)
	}
	var xty mat.VecDense
	xty.MulVec(x.T(), yc)

	var chol mat.Cholesky
	if ok := chol.Factorize(&gram); !ok {
		return nil, errDegenerateFit
	}
	var beta mat.VecDense
	if err := chol.SolveVecTo(&beta, &xty); err != nil {
		return nil, err
	}
	for j := 0; j < p; j++ {
		m.beta[j] = beta.AtVec(j)
	}
	return m, nil
}

func (m *ridgeModel) predict(row []float64) float64 {
	v := m.yMean
	for j, x := range row {
		v += m.beta[j] * (x - m.mu[j]) / m.sigma[j]
	}
	return v
}

// importance is each standardized coefficient's share of the total magnitude.
func (m *ridgeModel) importance() map[string]float64 {
	var total float64
	for _, b := range m.beta {
		total += math.Abs(b)
	}
	out := make(map[string]float64, len(featureNames))
	for j, name := range featureNames {
		if total > 0 {
			out[name] = math.Abs(m.beta[j]) / total
		} else {
			out[name] = 0
		}
	}
	return out
}
