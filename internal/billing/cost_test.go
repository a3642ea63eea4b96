package billing

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestExpectedCost(t *testing.T) {
	tests := []struct {
		name     string
		duration string
		price    string
		want     string
	}{
		{"half hour at 2 per hour", "1800", "2.00", "1"},
		{"full hour", "3600", "1.50", "1.5"},
		{"one second", "1", "3600", "1"},
		{"sub-second run billed as one second", "0.2", "3600", "1"},
		{"zero duration billed as one second", "0", "7200", "2"},
		{"long run", "7200", "0.50", "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExpectedCost(
				decimal.RequireFromString(tt.duration),
				decimal.RequireFromString(tt.price),
			)
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("ExpectedCost(%s, %s) = %s, want %s", tt.duration, tt.price, got, tt.want)
			}
		})
	}
}

func TestValidateAcceptsWithinTolerance(t *testing.T) {
	v := NewValidator(zap.NewNop())

	// Expected cost is 1.00; tolerance is 1.00*1% + 0.01 = 0.02.
	tests := []struct {
		name     string
		reported string
		want     string
	}{
		{"exact report kept", "1.00", "1.00"},
		{"slightly high kept", "1.005", "1.005"},
		{"at tolerance boundary kept", "1.02", "1.02"},
		{"slightly low kept", "0.99", "0.99"},
		{"over-report substituted", "5.00", "1"},
		{"under-report substituted", "0.10", "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Validate("job-1",
				decimal.RequireFromString("1800"),
				decimal.RequireFromString("2.00"),
				decimal.RequireFromString(tt.reported),
			)
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("Validate(reported=%s) = %s, want %s", tt.reported, got, tt.want)
			}
		})
	}
}
