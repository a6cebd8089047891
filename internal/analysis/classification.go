package analysis

import (
	"context"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"fieldsense/internal/model"
)

const (
	ClassLow    = "low"
	ClassNormal = "normal"
	ClassHigh   = "high"

	maxListedClassifications = 100
)

type ClassThresholds struct {
	Low    float64 `json:"low"`
	Normal float64 `json:"normal"`
	High   float64 `json:"high"`
}

type Classified struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Class     string    `json:"class"`
}

type ClassificationResult struct {
	ClassThresholds   ClassThresholds `json:"class_thresholds"`
	ClassDistribution map[string]int  `json:"class_distribution"`
	TotalClassified   int             `json:"total_classified"`
	Classifications   []Classified    `json:"classifications"`
	ModelAccuracy     float64         `json:"model_accuracy"`
}

func (ClassificationResult) AnalysisKind() string { return KindClassification }

// Classification labels each point against the series quartiles:
// below Q1 is low, below Q3 is normal, anything else is high.
type Classification struct{}

func NewClassification() *Classification { return &Classification{} }

func (c *Classification) Kind() string    { return KindClassification }
func (c *Classification) MinSamples() int { return 20 }

func (c *Classification) Run(ctx context.Context, series []model.Point) (Summary, error) {
	sorted := pointValues(series)
	sort.Float64s(sorted)
	th := ClassThresholds{
		Low:    stat.Quantile(0.25, stat.LinInterp, sorted, nil),
		Normal: stat.Quantile(0.50, stat.LinInterp, sorted, nil),
		High:   stat.Quantile(0.75, stat.LinInterp, sorted, nil),
	}
	res := ClassificationResult{
		ClassThresholds:   th,
		ClassDistribution: map[string]int{ClassLow: 0, ClassNormal: 0, ClassHigh: 0},
		TotalClassified:   len(series),
		ModelAccuracy:     holdoutAccuracy(series, th),
	}
	for i, p := range series {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		class := Classify(p.Value, th)
		res.ClassDistribution[class]++
		if len(res.Classifications) < maxListedClassifications {
			res.Classifications = append(res.Classifications, Classified{Timestamp: p.Time, Value: p.Value, Class: class})
		}
	}
	return res, nil
}

func Classify(v float64, th ClassThresholds) string {
	switch {
	case v < th.Low:
		return ClassLow
	case v < th.High:
		return ClassNormal
	default:
		return ClassHigh
	}
}

// holdoutAccuracy fits the lag regression on the first 80% of the series and
// reports how often the class of its one-step prediction matches the actual
// class on the rest. Series too short to split score 0.
func holdoutAccuracy(series []model.Point, th ClassThresholds) float64 {
	if len(series) <= lags+2 {
		return 0
	}
	rows, y := buildFeatures(series)
	split := max(int(float64(len(rows))*trainShare), 2)
	if split >= len(rows) {
		return 0
	}
	m, err := fitRidge(rows[:split], y[:split])
	if err != nil {
		return 0
	}
	hits := 0
	for i, r := range rows[split:] {
		if Classify(m.predict(r), th) == Classify(y[split+i], th) {
			hits++
		}
	}
	return float64(hits) / float64(len(rows)-split)
}
