package util

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCents(t *testing.T) {
	assert.Equal(t, "12.35", Cents(12.346).StringFixed(2))
	assert.Equal(t, "450.00", Cents(450.0000001).StringFixed(2))
	assert.Equal(t, "-1.50", Cents(-1.499999).StringFixed(2))
	assert.Equal(t, "0.30", Cents(0.1+0.2).StringFixed(2))
}

func TestPercentOf(t *testing.T) {
	assert.Equal(t, "50.00", PercentOf(decimal.NewFromInt(500), 10).StringFixed(2))
	assert.Equal(t, "112.50", PercentOf(decimal.NewFromInt(450), 25).StringFixed(2))
	assert.Equal(t, "0.00", PercentOf(decimal.NewFromInt(100), 0).StringFixed(2))
	assert.Equal(t, "0.03", PercentOf(decimal.RequireFromString("0.10"), 25).StringFixed(2))
}

func TestPercentSplitsAddUp(t *testing.T) {
	held := decimal.RequireFromString("333.33")
	for _, pct := range []float64{20, 25, 27.5, 30} {
		fee := PercentOf(held, pct)
		refund := held.Sub(fee)
		assert.True(t, held.Equal(fee.Add(refund)), "split at %v%%", pct)
		assert.True(t, refund.Equal(refund.Round(2)), "refund has no sub-cent part")
	}
}
