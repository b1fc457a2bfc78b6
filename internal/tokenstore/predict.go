package tokenstore

import (
	"context"
	"math"
	"time"
)

// Prediction is a linear-fit forecast of total spend daysAhead from the
// last recorded day, with a 95% confidence band derived from the fit's
// residual standard deviation.
type Prediction struct {
	DaysAhead     int
	PredictedCost float64
	LowerBound    float64
	UpperBound    float64
	SampleDays    int
}

// the 95% z-score for a normal approximation.
const z95 = 1.96

// Predict fits a line through the daily cost totals of the last lookback
// period and projects it daysAhead days past the last observed day.
func (s *Store) Predict(ctx context.Context, lookback time.Duration, daysAhead int) (Prediction, error) {
	rows, err := s.since(ctx, time.Now().Add(-lookback))
	if err != nil {
		return Prediction{}, err
	}

	daily := dailyTotals(rows)
	if len(daily) == 0 {
		return Prediction{DaysAhead: daysAhead}, nil
	}
	if len(daily) == 1 {
		// Not enough points for a slope; flat-project the single day.
		return Prediction{DaysAhead: daysAhead, PredictedCost: daily[0], LowerBound: daily[0], UpperBound: daily[0], SampleDays: 1}, nil
	}

	slope, intercept, sigma := linearFit(daily)
	x := float64(len(daily) - 1 + daysAhead)
	predicted := intercept + slope*x
	margin := z95 * sigma

	return Prediction{
		DaysAhead:     daysAhead,
		PredictedCost: predicted,
		LowerBound:    predicted - margin,
		UpperBound:    predicted + margin,
		SampleDays:    len(daily),
	}, nil
}

// dailyTotals buckets rows by UTC calendar day (in arrival order) into a
// dense slice of per-day cost totals, day 0 first.
func dailyTotals(rows []row) []float64 {
	if len(rows) == 0 {
		return nil
	}
	firstDay := rows[0].timestamp.UTC().Truncate(24 * time.Hour)
	totals := make(map[int]float64)
	maxDay := 0
	for _, r := range rows {
		day := int(r.timestamp.UTC().Truncate(24*time.Hour).Sub(firstDay).Hours() / 24)
		totals[day] += r.cost
		if day > maxDay {
			maxDay = day
		}
	}
	out := make([]float64, maxDay+1)
	for d, total := range totals {
		out[d] = total
	}
	return out
}

// linearFit computes the ordinary-least-squares slope and intercept of y
// against its index, plus the residual standard deviation.
func linearFit(y []float64) (slope, intercept, sigma float64) {
	n := float64(len(y))
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range y {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		intercept = sumY / n
		return 0, intercept, 0
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n

	var sse float64
	for i, v := range y {
		pred := intercept + slope*float64(i)
		diff := v - pred
		sse += diff * diff
	}
	sigma = math.Sqrt(sse / n)
	return slope, intercept, sigma
}
