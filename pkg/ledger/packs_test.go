package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPackConfig() PackConfig {
	return PackConfig{
		BaseUnit:     "tablet",
		UnitsPerPack: 10,
		PacksPerBox:  12,
		BoxesPerCase: 8,
	}
}

func TestToBaseUnits(t *testing.T) {
	cfg := testPackConfig()

	tests := []struct {
		name     string
		quantity int64
		level    PackLevel
		expected int64
	}{
		{"基本単位はそのまま", 7, PackLevelBase, 7},
		{"パック換算", 3, PackLevelPack, 30},
		{"箱換算", 2, PackLevelBox, 240},
		{"ケース換算", 1, PackLevelCase, 960},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ToBaseUnits(tt.quantity, tt.level, cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestToBaseUnitsInvalidLevel(t *testing.T) {
	_, err := ToBaseUnits(1, PackLevel("pallet"), testPackConfig())
	require.Error(t, err)
	var validationErr *ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestToBaseUnitsInvalidConfig(t *testing.T) {
	cfg := testPackConfig()
	cfg.PacksPerBox = 0
	_, err := ToBaseUnits(1, PackLevelBox, cfg)
	require.Error(t, err)
}

func TestFromBaseUnits(t *testing.T) {
	cfg := testPackConfig()

	// 975錠 = 1ケース(960) + 端数15錠
	units, remainder, err := FromBaseUnits(975, PackLevelCase, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), units)
	assert.Equal(t, int64(15), remainder)

	// 975錠 = 97パック + 端数5錠
	units, remainder, err = FromBaseUnits(975, PackLevelPack, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(97), units)
	assert.Equal(t, int64(5), remainder)
}

func TestPackRoundTrip(t *testing.T) {
	cfg := testPackConfig()

	base, err := ToBaseUnits(5, PackLevelBox, cfg)
	require.NoError(t, err)

	units, remainder, err := FromBaseUnits(base, PackLevelBox, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(5), units)
	assert.Equal(t, int64(0), remainder)
}
