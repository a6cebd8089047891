package analysis

import (
	"context"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"fieldsense/internal/model"
)

const maxKMeansIterations = 100

type ClusterStat struct {
	ClusterID int     `json:"cluster_id"`
	Count     int     `json:"count"`
	Mean      float64 `json:"mean"`
	Std       float64 `json:"std"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
}

type ClusteringResult struct {
	NClusters      int           `json:"n_clusters"`
	TotalPoints    int           `json:"total_points"`
	ClusterCenters []float64     `json:"cluster_centers"`
	ClusterStats   []ClusterStat `json:"cluster_stats"`
	Inertia        float64       `json:"inertia"`
}

func (ClusteringResult) AnalysisKind() string { return KindClustering }

// Clustering groups values into k clusters with k-means over standardized values.
// Seeding is quantile-based so repeated runs over the same series agree.
type Clustering struct {
	k int
}

func NewClustering(k int) *Clustering {
	if k < 2 {
		k = 3
	}
	return &Clustering{k: k}
}

func (c *Clustering) Kind() string    { return KindClustering }
func (c *Clustering) MinSamples() int { return 30 }

func (c *Clustering) Run(ctx context.Context, series []model.Point) (Summary, error) {
	values := pointValues(series)
	k := c.k
	if k > len(values) {
		k = len(values)
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	if std == 0 || math.IsNaN(std) {
		std = 1
	}
	z := make([]float64, len(values))
	for i, v := range values {
		z[i] = (v - mean) / std
	}

	sorted := append([]float64(nil), z...)
	sort.Float64s(sorted)
	centers := make([]float64, k)
	for i := range centers {
		centers[i] = stat.Quantile((float64(i)+0.5)/float64(k), stat.Empirical, sorted, nil)
	}

	assign := make([]int, len(z))
	for i := range assign {
		assign[i] = -1
	}
	for iter := 0; iter < maxKMeansIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changed := false
		for i, v := range z {
			best := nearest(centers, v)
			if best != assign[i] {
				assign[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
		sums := make([]float64, k)
		counts := make([]int, k)
		for i, v := range z {
			sums[assign[i]] += v
			counts[assign[i]]++
		}
		for j := range centers {
			if counts[j] > 0 {
				centers[j] = sums[j] / float64(counts[j])
			}
		}
	}

	var inertia float64
	members := make([][]float64, k)
	for i, v := range z {
		d := v - centers[assign[i]]
		inertia += d * d
		members[assign[i]] = append(members[assign[i]], values[i])
	}

	order := make([]int, k)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return centers[order[a]] < centers[order[b]] })

	res := ClusteringResult{
		NClusters:      k,
		TotalPoints:    len(values),
		ClusterCenters: make([]float64, 0, k),
		Inertia:        inertia,
	}
	for id, j := range order {
		res.ClusterCenters = append(res.ClusterCenters, centers[j]*std+mean)
		m := members[j]
		if len(m) == 0 {
			continue
		}
		cm, cs := stat.PopMeanStdDev(m, nil)
		res.ClusterStats = append(res.ClusterStats, ClusterStat{
			ClusterID: id,
			Count:     len(m),
			Mean:      cm,
			Std:       cs,
			Min:       floats.Min(m),
			Max:       floats.Max(m),
		})
	}
	return res, nil
}

func nearest(centers []float64, v float64) int {
	best, bestDist := 0, math.Inf(1)
	for j, c := range centers {
		if d := math.Abs(v - c); d < bestDist {
			best, bestDist = j, d
		}
	}
	return best
}

func pointValues(series []model.Point) []float64 {
	out := make([]float64, len(series))
	for i, p := range series {
		out[i] = p.Value
	}
	return out
}
