package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestWeightedAverageCost(t *testing.T) {
	tests := []struct {
		name         string
		existingQty  int64
		existingAvg  string
		incomingQty  int64
		incomingCost string
		expected     string
	}{
		{
			name:         "空バッチへの初回入庫は単価がそのまま平均になる",
			existingQty:  0,
			existingAvg:  "0",
			incomingQty:  100,
			incomingCost: "10",
			expected:     "10",
		},
		{
			name:         "100個@10円に100個@20円を按分して平均15円",
			existingQty:  100,
			existingAvg:  "10",
			incomingQty:  100,
			incomingCost: "20",
			expected:     "15",
		},
		{
			name:         "数量の偏った按分",
			existingQty:  300,
			existingAvg:  "10",
			incomingQty:  100,
			incomingCost: "30",
			expected:     "15",
		},
		{
			name:         "割り切れない平均は小数4桁へ丸める",
			existingQty:  3,
			existingAvg:  "10",
			incomingQty:  1,
			incomingCost: "11",
			expected:     "10.25",
		},
		{
			name:         "入庫数量0は平均を変えない",
			existingQty:  100,
			existingAvg:  "10",
			incomingQty:  0,
			incomingCost: "99",
			expected:     "10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			existingAvg := decimal.RequireFromString(tt.existingAvg)
			incomingCost := decimal.RequireFromString(tt.incomingCost)
			expected := decimal.RequireFromString(tt.expected)

			result := WeightedAverageCost(tt.existingQty, existingAvg, tt.incomingQty, incomingCost)
			assert.True(t, expected.Equal(result), "expected %s, got %s", expected, result)
		})
	}
}

func TestWeightedAverageCostRounding(t *testing.T) {
	// (7*3.3333 + 3*5.5555) / 10 = 3.99996 → 4.0000
	avg := WeightedAverageCost(7, decimal.RequireFromString("3.3333"), 3, decimal.RequireFromString("5.5555"))
	assert.Equal(t, int32(-costScale), avg.Exponent())
	assert.True(t, decimal.RequireFromString("4.0000").Equal(avg))
}

func TestApplyCost(t *testing.T) {
	batch := &Batch{WeightedAverageCost: decimal.NewFromInt(10)}
	applyCost(batch, 100, 100, decimal.NewFromInt(20))
	assert.True(t, decimal.NewFromInt(15).Equal(batch.WeightedAverageCost))
}
