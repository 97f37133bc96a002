package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the ledger hot paths
// 台帳ホットパス用のPrometheusメトリクス
var (
	movementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zailedger",
		Name:      "movements_total",
		Help:      "確定した在庫移動の総数（タイプ別）",
	}, []string{"type"})

	movementRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zailedger",
		Name:      "movement_rejections_total",
		Help:      "拒否された在庫移動の総数（理由別）",
	}, []string{"reason"})

	reservationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "zailedger",
		Name:      "reservations_active",
		Help:      "有効な予約の現在数",
	})

	allocationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "zailedger",
		Name:      "allocation_duration_seconds",
		Help:      "FIFO引当の所要時間",
		Buckets:   prometheus.DefBuckets,
	})
)

// Rejection reasons for movementRejectionsTotal
// 拒否理由のラベル値
const (
	rejectReasonInsufficientStock = "insufficient_stock"
	rejectReasonValidation        = "validation"
	rejectReasonUnknownEntity     = "unknown_entity"
	rejectReasonConflict          = "concurrent_modification"
)
