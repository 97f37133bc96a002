package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpiryStatusOf(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		days     int
		expected ExpiryStatus
	}{
		{"期限まで1年", 365, ExpiryStatusNormal},
		{"181日は通常", 181, ExpiryStatusNormal},
		{"180日ちょうどで注意", 180, ExpiryStatusCaution},
		{"91日は注意", 91, ExpiryStatusCaution},
		{"90日ちょうどで警告", 90, ExpiryStatusWarning},
		{"31日は警告", 31, ExpiryStatusWarning},
		{"30日ちょうどで危険", 30, ExpiryStatusCritical},
		{"翌日は危険", 1, ExpiryStatusCritical},
		{"当日は期限切れ", 0, ExpiryStatusExpired},
		{"過去は期限切れ", -10, ExpiryStatusExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expiry := now.AddDate(0, 0, tt.days)
			assert.Equal(t, tt.expected, ExpiryStatusOf(&expiry, now))
		})
	}
}

func TestExpiryStatusOfNoExpiryDate(t *testing.T) {
	assert.Equal(t, ExpiryStatusNormal, ExpiryStatusOf(nil, time.Now()))
}

func TestAllocatable(t *testing.T) {
	assert.True(t, ExpiryStatusNormal.Allocatable())
	assert.True(t, ExpiryStatusCaution.Allocatable())
	assert.True(t, ExpiryStatusWarning.Allocatable())
	assert.True(t, ExpiryStatusCritical.Allocatable())
	assert.False(t, ExpiryStatusExpired.Allocatable())
}

func TestShouldAlertExpiry(t *testing.T) {
	tests := []struct {
		name       string
		from       ExpiryStatus
		to         ExpiryStatus
		onCreation bool
		expected   bool
	}{
		{"変化なしはアラートしない", ExpiryStatusCaution, ExpiryStatusCaution, false, false},
		{"通常から注意への遷移はアラートしない", ExpiryStatusNormal, ExpiryStatusCaution, false, false},
		{"注意から警告への遷移はアラートしない", ExpiryStatusCaution, ExpiryStatusWarning, false, false},
		{"警告から危険への遷移はアラート", ExpiryStatusWarning, ExpiryStatusCritical, false, true},
		{"危険から期限切れへの遷移はアラート", ExpiryStatusCritical, ExpiryStatusExpired, false, true},
		{"通常から一気に期限切れもアラート", ExpiryStatusNormal, ExpiryStatusExpired, false, true},
		{"期限延長による後退はアラートしない", ExpiryStatusCritical, ExpiryStatusNormal, false, false},
		{"作成時に警告ならアラート", ExpiryStatusNormal, ExpiryStatusWarning, true, true},
		{"作成時に危険ならアラート", ExpiryStatusNormal, ExpiryStatusCritical, true, true},
		{"作成時に注意ならアラートしない", ExpiryStatusNormal, ExpiryStatusCaution, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, shouldAlertExpiry(tt.from, tt.to, tt.onCreation))
		})
	}
}
