package service

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/mir00r/mcp-orchestrator/internal/domain"
)

// PredictionPotentialDegradation tags warnings raised by trend analysis
const PredictionPotentialDegradation = "potential_degradation"

// TrendConfig tunes degradation prediction
type TrendConfig struct {
	// Window is the number of most recent samples analysed
	Window int
	// MinSamples is the number of samples required before analysing
	MinSamples int
	// TrendThreshold is the net score change below which a warning may fire
	TrendThreshold float64
	// ScoreThreshold is the mean score below which a warning may fire
	ScoreThreshold float64
	// SlowResponse is the response time at which a healthy sample scores its floor
	SlowResponse time.Duration
	// ScoreFloor is the minimum penalty multiplier for slow responses
	ScoreFloor float64
}

// DefaultTrendConfig returns the default trend analysis settings
func DefaultTrendConfig() TrendConfig {
	return TrendConfig{
		Window:         10,
		MinSamples:     3,
		TrendThreshold: -0.1,
		ScoreThreshold: 0.7,
		SlowResponse:   10 * time.Second,
		ScoreFloor:     0.1,
	}
}

// TrendReport is the result of analysing one instance history
type TrendReport struct {
	InstanceID  string  `json:"instance_id"`
	Trend       float64 `json:"trend"`
	AvgScore    float64 `json:"avg_score"`
	Slope       float64 `json:"slope"`
	SampleCount int     `json:"sample_count"`
	Warning     bool    `json:"warning"`
}

// SampleScore scores a sample: 1.0 when healthy, 0.0 otherwise, scaled down for slow
// responses but never below the floor.
func SampleScore(sample domain.HealthSample, cfg TrendConfig) float64 {
	if !sample.Healthy() {
		return 0
	}
	score := 1.0
	if sample.ResponseTime > 0 && cfg.SlowResponse > 0 {
		penalty := 1 - sample.ResponseTime.Seconds()/cfg.SlowResponse.Seconds()
		score *= math.Max(cfg.ScoreFloor, penalty)
	}
	return score
}

// AnalyzeTrend scores the last Window samples. The trend is the net change between
// the first and last analysed score. Returns false when there are too few samples.
func AnalyzeTrend(instanceID string, samples []domain.HealthSample, cfg TrendConfig) (TrendReport, bool) {
	if len(samples) < cfg.MinSamples || len(samples) == 0 {
		return TrendReport{}, false
	}
	if cfg.Window > 0 && len(samples) > cfg.Window {
		samples = samples[len(samples)-cfg.Window:]
	}

	scores := make([]float64, len(samples))
	xs := make([]float64, len(samples))
	for i, s := range samples {
		scores[i] = SampleScore(s, cfg)
		xs[i] = float64(i)
	}

	report := TrendReport{
		InstanceID:  instanceID,
		Trend:       scores[len(scores)-1] - scores[0],
		AvgScore:    stat.Mean(scores, nil),
		SampleCount: len(scores),
	}
	if len(scores) > 1 {
		_, report.Slope = stat.LinearRegression(xs, scores, nil, false)
	}
	report.Warning = report.Trend < cfg.TrendThreshold && report.AvgScore < cfg.ScoreThreshold

	return report, true
}
