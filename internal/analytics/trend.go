package analytics

import (
	"fmt"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Direction is the overall movement of a metric.
type Direction string

const (
	Increasing Direction = "INCREASING"
	Decreasing Direction = "DECREASING"
	Stable     Direction = "STABLE"
)

// Severity grades an anomalous point by its distance from the mean.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Trend fitting constants.
const (
	predictionPoints  = 5
	minAnomalyPoints  = 5
	fullConfidenceN   = 30.0 // points at which sample size stops adding confidence
	volatilityScale   = 10.0
	minConfidence     = 0.3
	minSlope          = 0.01
	anomalyLowZ       = 2.0
	anomalyMediumZ    = 2.5
	anomalyHighZ      = 3.0
	insufficientTrend = "not enough data to fit a trend"
)

// Anomaly is a point far from the series mean.
type Anomaly struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	ZScore    float64   `json:"z_score"`
	Severity  Severity  `json:"severity"`
}

// Trend is a least-squares fit of a metric against its sample index.
type Trend struct {
	Metric      string    `json:"metric"`
	Points      int       `json:"points"`
	Mean        float64   `json:"mean"`
	Slope       float64   `json:"slope"` // per sample
	Intercept   float64   `json:"intercept"`
	Correlation float64   `json:"correlation"`
	Volatility  float64   `json:"volatility"` // sample standard deviation
	Confidence  float64   `json:"confidence"`
	Direction   Direction `json:"direction"`
	Prediction  []float64 `json:"prediction"` // the next samples on the fitted line
	Anomalies   []Anomaly `json:"anomalies"`
	Summary     string    `json:"summary"`
}

// Fitted returns the fitted value at sample index i.
func (t Trend) Fitted(i int) float64 {
	return t.Intercept + t.Slope*float64(i)
}

// AnalyzeTrend fits values, sampled at times, against their index.
//
// Confidence averages three terms in [0, 1]: the absolute correlation, the
// sample size relative to thirty points, and 1/(1+volatility/10). A trend
// below 0.3 confidence, or with a slope under 0.01 per sample, is STABLE.
func AnalyzeTrend(metric string, times []time.Time, values []float64) Trend {
	t := Trend{Metric: metric, Points: len(values), Direction: Stable, Anomalies: []Anomaly{}}
	if len(values) == 0 {
		t.Summary = insufficientTrend
		return t
	}
	t.Mean = stat.Mean(values, nil)
	if len(values) < 2 {
		t.Intercept = values[0]
		t.Summary = insufficientTrend
		return t
	}

	x := make([]float64, len(values))
	for i := range x {
		x[i] = float64(i)
	}
	t.Intercept, t.Slope = stat.LinearRegression(x, values, nil, false)
	if c := stat.Correlation(x, values, nil); !math.IsNaN(c) {
		t.Correlation = c
	}
	t.Volatility = stat.StdDev(values, nil)

	n := float64(len(values))
	t.Confidence = (math.Abs(t.Correlation) + math.Min(n/fullConfidenceN, 1) + 1/(1+t.Volatility/volatilityScale)) / 3
	if t.Confidence >= minConfidence {
		switch {
		case t.Slope > minSlope:
			t.Direction = Increasing
		case t.Slope < -minSlope:
			t.Direction = Decreasing
		}
	}

	t.Prediction = make([]float64, predictionPoints)
	for i := range t.Prediction {
		t.Prediction[i] = t.Fitted(len(values) + i)
	}

	if len(values) >= minAnomalyPoints {
		mean, std := stat.PopMeanStdDev(values, nil)
		if std > 0 {
			for i, v := range values {
				z := math.Abs(stat.StdScore(v, mean, std))
				if z <= anomalyLowZ {
					continue
				}
				a := Anomaly{Index: i, Value: v, ZScore: z, Severity: SeverityLow}
				if i < len(times) {
					a.Timestamp = times[i]
				}
				switch {
				case z > anomalyHighZ:
					a.Severity = SeverityHigh
				case z > anomalyMediumZ:
					a.Severity = SeverityMedium
				}
				t.Anomalies = append(t.Anomalies, a)
			}
		}
	}

	t.Summary = t.describe()
	return t
}

func (t Trend) describe() string {
	name := strings.ReplaceAll(t.Metric, "_", " ")
	var b strings.Builder
	switch t.Direction {
	case Increasing:
		fmt.Fprintf(&b, "%s is increasing by %.2f per sample", name, t.Slope)
	case Decreasing:
		fmt.Fprintf(&b, "%s is decreasing by %.2f per sample", name, -t.Slope)
	default:
		fmt.Fprintf(&b, "%s is stable around %.2f", name, t.Mean)
	}
	fmt.Fprintf(&b, " (confidence %.0f%%)", t.Confidence*100)
	if len(t.Anomalies) > 0 {
		fmt.Fprintf(&b, "; %d anomalous sample(s)", len(t.Anomalies))
	}
	return b.String()
}

// PeriodComparison compares the mean of a metric over two periods.
type PeriodComparison struct {
	Metric        string  `json:"metric"`
	BeforeMean    float64 `json:"before_mean"`
	AfterMean     float64 `json:"after_mean"`
	Change        float64 `json:"change"`
	PercentChange float64 `json:"percent_change"`
}

// ComparePeriods compares before and after. An empty period has mean 0. A
// rise from 0 is reported as 100%.
func ComparePeriods(metric string, before, after []float64) PeriodComparison {
	c := PeriodComparison{Metric: metric}
	if len(before) > 0 {
		c.BeforeMean = stat.Mean(before, nil)
	}
	if len(after) > 0 {
		c.AfterMean = stat.Mean(after, nil)
	}
	c.Change = c.AfterMean - c.BeforeMean
	switch {
	case c.BeforeMean != 0:
		c.PercentChange = c.Change / math.Abs(c.BeforeMean) * 100
	case c.AfterMean != 0:
		c.PercentChange = math.Copysign(100, c.Change)
	}
	return c
}
