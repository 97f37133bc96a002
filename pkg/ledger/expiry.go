package ledger

import "time"

// ExpiryStatus is the shelf-life band of a batch, derived from its expiry
// date and the current date
// バッチの有効期限バンド。有効期限と現在日付から導出される
type ExpiryStatus string

const (
	ExpiryStatusNormal   ExpiryStatus = "normal"   // 通常
	ExpiryStatusCaution  ExpiryStatus = "caution"  // 注意（180日以内）
	ExpiryStatusWarning  ExpiryStatus = "warning"  // 警告（90日以内）
	ExpiryStatusCritical ExpiryStatus = "critical" // 危険（30日以内）
	ExpiryStatusExpired  ExpiryStatus = "expired"  // 期限切れ
)

// Shelf-life band thresholds in days
// 有効期限バンドの閾値（日数）
const (
	expiryCautionDays  = 180
	expiryWarningDays  = 90
	expiryCriticalDays = 30
)

// ExpiryStatusOf computes the expiry status for an expiry date as of now.
// A batch without an expiry date is always normal.
// 現時点での期限ステータスを計算。有効期限のないバッチは常に normal
func ExpiryStatusOf(expiryDate *time.Time, now time.Time) ExpiryStatus {
	if expiryDate == nil {
		return ExpiryStatusNormal
	}
	days := daysUntil(*expiryDate, now)
	switch {
	case days <= 0:
		return ExpiryStatusExpired
	case days <= expiryCriticalDays:
		return ExpiryStatusCritical
	case days <= expiryWarningDays:
		return ExpiryStatusWarning
	case days <= expiryCautionDays:
		return ExpiryStatusCaution
	default:
		return ExpiryStatusNormal
	}
}

// daysUntil returns whole days from now until the given date, rounding up so
// that any remaining fraction of a day still counts
// 現在から指定日までの日数を返す。端数は切り上げる
func daysUntil(date, now time.Time) int {
	d := date.Sub(now)
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) > 0 {
		days++
	}
	return days
}

// Allocatable reports whether a batch in this status may be picked by the
// FIFO allocator. Expired batches are excluded even while their quantity
// remains nonzero.
// このステータスのバッチがFIFO引当の対象になるかを報告。
// 期限切れバッチは数量が残っていても除外される
func (s ExpiryStatus) Allocatable() bool {
	return s != ExpiryStatusExpired
}

// severity orders statuses from normal (0) to expired (4)
// ステータスを normal(0) から expired(4) の順に並べる
func (s ExpiryStatus) severity() int {
	switch s {
	case ExpiryStatusCaution:
		return 1
	case ExpiryStatusWarning:
		return 2
	case ExpiryStatusCritical:
		return 3
	case ExpiryStatusExpired:
		return 4
	default:
		return 0
	}
}

// shouldAlertExpiry decides whether a status change warrants an alert event.
// Transitions into critical or expired always alert; on batch creation any
// status at warning or beyond alerts.
// ステータス変化がアラートに値するかを判定。critical / expired への遷移は
// 常にアラート。バッチ作成時は warning 以上でアラート
func shouldAlertExpiry(from, to ExpiryStatus, onCreation bool) bool {
	if to == from {
		return false
	}
	if to.severity() < from.severity() {
		return false
	}
	if onCreation {
		return to.severity() >= ExpiryStatusWarning.severity()
	}
	return to == ExpiryStatusCritical || to == ExpiryStatusExpired
}
