package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

func everyQuarterHour(n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = t0.Add(time.Duration(i) * 15 * time.Minute)
	}
	return out
}

func TestAnalyzeTrend_Increasing(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = float64(2 * i)
	}
	tr := AnalyzeTrend("active_devices", everyQuarterHour(30), values)

	assert.Equal(t, 30, tr.Points)
	assert.InDelta(t, 2.0, tr.Slope, 1e-9)
	assert.InDelta(t, 0.0, tr.Intercept, 1e-9)
	assert.InDelta(t, 1.0, tr.Correlation, 1e-9)
	assert.InDelta(t, 17.607, tr.Volatility, 1e-3)
	assert.InDelta(t, 0.787, tr.Confidence, 1e-3)
	assert.Equal(t, Increasing, tr.Direction)
	require.Len(t, tr.Prediction, 5)
	assert.InDelta(t, 60.0, tr.Prediction[0], 1e-9)
	assert.InDelta(t, 68.0, tr.Prediction[4], 1e-9)
	assert.Empty(t, tr.Anomalies)
	assert.Contains(t, tr.Summary, "active devices is increasing by 2.00")
}

func TestAnalyzeTrend_FlatSeriesIsStable(t *testing.T) {
	values := []float64{5, 5, 5, 5, 5, 5, 5, 5, 5, 5}
	tr := AnalyzeTrend("total_devices", everyQuarterHour(10), values)

	assert.Equal(t, 0.0, tr.Correlation, "zero variance has no correlation")
	assert.Equal(t, 0.0, tr.Slope)
	assert.Equal(t, 0.0, tr.Volatility)
	assert.InDelta(t, (0+10.0/30+1)/3, tr.Confidence, 1e-9)
	assert.Equal(t, Stable, tr.Direction)
	assert.Empty(t, tr.Anomalies)
	assert.Contains(t, tr.Summary, "stable around 5.00")
}

func TestAnalyzeTrend_LowConfidenceIsStable(t *testing.T) {
	tr := AnalyzeTrend("alerts", everyQuarterHour(4), []float64{0, 100, 0, 100})

	assert.InDelta(t, 20.0, tr.Slope, 1e-9)
	assert.Less(t, tr.Confidence, 0.3)
	assert.Equal(t, Stable, tr.Direction, "a steep but unreliable slope is not a trend")
}

func TestAnalyzeTrend_Anomalies(t *testing.T) {
	values := make([]float64, 20)
	for i := range values {
		values[i] = 10
	}
	values[7] = 100
	times := everyQuarterHour(20)
	tr := AnalyzeTrend("suspicious_devices", times, values)

	require.Len(t, tr.Anomalies, 1)
	a := tr.Anomalies[0]
	assert.Equal(t, 7, a.Index)
	assert.Equal(t, times[7], a.Timestamp)
	assert.Equal(t, 100.0, a.Value)
	assert.InDelta(t, 4.359, a.ZScore, 1e-3)
	assert.Equal(t, SeverityHigh, a.Severity)
	assert.Contains(t, tr.Summary, "1 anomalous sample")
}

func TestAnalyzeTrend_TooFewPoints(t *testing.T) {
	tr := AnalyzeTrend("alerts", nil, nil)
	assert.Equal(t, Stable, tr.Direction)
	assert.Equal(t, insufficientTrend, tr.Summary)
	assert.NotNil(t, tr.Anomalies)

	tr = AnalyzeTrend("alerts", everyQuarterHour(1), []float64{3})
	assert.Equal(t, 3.0, tr.Mean)
	assert.Equal(t, 3.0, tr.Fitted(5))
	assert.Empty(t, tr.Prediction)

	// Four points fit a line but are too few to call anything anomalous.
	tr = AnalyzeTrend("alerts", everyQuarterHour(4), []float64{1, 1, 1, 50})
	assert.Empty(t, tr.Anomalies)
}

func TestComparePeriods(t *testing.T) {
	tests := []struct {
		name          string
		before, after []float64
		wantChange    float64
		wantPercent   float64
	}{
		{"rise", []float64{1, 2, 3}, []float64{3, 3}, 1, 50},
		{"fall", []float64{4, 4}, []float64{1}, -3, -75},
		{"from zero", nil, []float64{4}, 4, 100},
		{"negative baseline", []float64{-80}, []float64{-60}, 20, 25},
		{"both empty", nil, nil, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ComparePeriods("avg_rssi", tt.before, tt.after)
			assert.InDelta(t, tt.wantChange, c.Change, 1e-9)
			assert.InDelta(t, tt.wantPercent, c.PercentChange, 1e-9)
		})
	}
}

func TestSeries(t *testing.T) {
	snaps := []Snapshot{
		{Timestamp: t0, ActiveDevices: 3, AvgRSSI: -70},
		{Timestamp: t0.Add(time.Hour), ActiveDevices: 5, AvgRSSI: -65},
	}
	times, values, ok := Series(snaps, "active_devices")
	require.True(t, ok)
	assert.Equal(t, []time.Time{t0, t0.Add(time.Hour)}, times)
	assert.Equal(t, []float64{3, 5}, values)

	_, values, ok = Series(snaps, "avg_rssi")
	require.True(t, ok)
	assert.Equal(t, []float64{-70, -65}, values)

	_, _, ok = Series(snaps, "battery")
	assert.False(t, ok)

	for _, m := range Metrics {
		_, ok := (Snapshot{}).Value(m)
		assert.True(t, ok, m)
	}
}
