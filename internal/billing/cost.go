package billing

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	secondsPerHour = decimal.NewFromInt(3600)

	// minBilledSeconds is the 1-second minimum billing floor: a job that ran
	// for 200ms is still billed for one second of the locked hourly price.
	minBilledSeconds = decimal.NewFromInt(1)

	// relativeTolerance and absoluteTolerance together define how far a
	// worker-reported cost may drift from the server-computed cost before it
	// is rejected: |reported - expected| <= expected*1% + $0.01. The relative
	// part absorbs timing noise on long jobs, the absolute part on short ones.
	relativeTolerance = decimal.NewFromFloat(0.01)
	absoluteTolerance = decimal.NewFromFloat(0.01)
)

// Validator recomputes job cost from the locked price and reported duration
// and decides whether the worker's reported cost can be trusted. It protects
// buyers from a malicious or buggy worker over-reporting cost while
// tolerating floating-point and timing noise.
type Validator struct {
	logger *zap.Logger
}

// NewValidator creates a cost validator.
func NewValidator(logger *zap.Logger) *Validator {
	return &Validator{logger: logger}
}

// ExpectedCost computes the server-side cost for a completed execution:
// max(duration, 1s) * pricePerHour / 3600.
func ExpectedCost(durationSeconds, pricePerHour decimal.Decimal) decimal.Decimal {
	billed := durationSeconds
	if billed.LessThan(minBilledSeconds) {
		billed = minBilledSeconds
	}
	return billed.Mul(pricePerHour).Div(secondsPerHour)
}

// Validate returns the cost to persist for a completion report. The reported
// cost is accepted as-is when within tolerance of the expected cost;
// otherwise the expected cost is substituted and a mismatch warning logged.
// A mismatch never blocks completion.
func (v *Validator) Validate(jobID string, durationSeconds, pricePerHour, reported decimal.Decimal) decimal.Decimal {
	expected := ExpectedCost(durationSeconds, pricePerHour)
	tolerance := expected.Mul(relativeTolerance).Add(absoluteTolerance)

	if reported.Sub(expected).Abs().GreaterThan(tolerance) {
		v.logger.Warn("cost validation mismatch, substituting computed cost",
			zap.String("job_id", jobID),
			zap.String("reported", reported.String()),
			zap.String("expected", expected.String()),
		)
		return expected
	}
	return reported
}
