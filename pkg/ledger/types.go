// Package ledger provides a batch-tracked multi-location inventory ledger
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Product represents a catalog product reference held by the ledger
// 台帳が保持するカタログ商品への参照を表現
type Product struct {
	ID                 string     `json:"id" db:"id"`                                     // 商品ID
	Name               string     `json:"name" db:"name"`                                 // 商品名
	Pack               PackConfig `json:"pack" db:"-"`                                    // 荷姿構成
	ReorderLevel       int64      `json:"reorder_level" db:"reorder_level"`               // 発注点
	CriticalStockLevel int64      `json:"critical_stock_level" db:"critical_stock_level"` // 危険在庫閾値
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`                     // 作成日時
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`                     // 更新日時
}

// PackConfig defines the unit-of-measure hierarchy of a product
// 商品の荷姿階層（基本単位・パック・箱・ケース）を定義
type PackConfig struct {
	BaseUnit     string `json:"base_unit" db:"base_unit"`           // 基本単位名
	UnitsPerPack int64  `json:"units_per_pack" db:"units_per_pack"` // 1パックあたりの基本単位数
	PacksPerBox  int64  `json:"packs_per_box" db:"packs_per_box"`   // 1箱あたりのパック数
	BoxesPerCase int64  `json:"boxes_per_case" db:"boxes_per_case"` // 1ケースあたりの箱数
}

// Batch represents a manufactured lot of a product
// 商品の製造ロット（バッチ）を表現
type Batch struct {
	ID                  string          `json:"id" db:"id"`                                       // バッチID
	ProductID           string          `json:"product_id" db:"product_id"`                       // 商品ID
	Number              string          `json:"number" db:"number"`                               // バッチ番号
	ManufacturingDate   *time.Time      `json:"manufacturing_date" db:"manufacturing_date"`       // 製造日
	ExpiryDate          *time.Time      `json:"expiry_date" db:"expiry_date"`                     // 有効期限
	QuantityAvailable   int64           `json:"quantity_available" db:"quantity_available"`       // 利用可能数量（全ロケーション合計、派生値）
	WeightedAverageCost decimal.Decimal `json:"weighted_average_cost" db:"weighted_average_cost"` // 加重平均原価（派生値）
	ExpiryStatus        ExpiryStatus    `json:"expiry_status" db:"expiry_status"`                 // 期限ステータス（派生値）
	PrimaryLocationID   *string         `json:"primary_location_id" db:"primary_location_id"`     // 主ロケーション（単一ロケーション時のみ、派生値）
	LocationCount       int             `json:"location_count" db:"location_count"`               // 在庫保有ロケーション数（派生値）
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`                       // 作成日時
	UpdatedAt           time.Time       `json:"updated_at" db:"updated_at"`                       // 更新日時
}

// Location represents a storage point (warehouse, store shelf, vehicle)
// 保管地点（倉庫、店頭棚、車両）を表現
type Location struct {
	ID            string    `json:"id" db:"id"`                         // ロケーションID
	Name          string    `json:"name" db:"name"`                     // ロケーション名
	Type          string    `json:"type" db:"type"`                     // タイプ（倉庫、店舗など）
	SalesEligible bool      `json:"sales_eligible" db:"sales_eligible"` // 販売可能フラグ
	IsActive      bool      `json:"is_active" db:"is_active"`           // アクティブ状態
	CreatedAt     time.Time `json:"created_at" db:"created_at"`         // 作成日時
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`         // 更新日時
}

// StockCell is the atomic unit of stock state: one batch at one location
// 在庫状態の最小単位：1バッチ×1ロケーション
// 不変条件: Available >= 0 かつ 0 <= Reserved <= Available
type StockCell struct {
	BatchID    string    `json:"batch_id" db:"batch_id"`       // バッチID
	LocationID string    `json:"location_id" db:"location_id"` // ロケーションID
	ProductID  string    `json:"product_id" db:"product_id"`   // 商品ID
	Available  int64     `json:"available" db:"available"`     // 利用可能数量（基本単位）
	Reserved   int64     `json:"reserved" db:"reserved"`       // 予約済み数量
	Version    int64     `json:"version" db:"version"`         // 楽観的ロック用バージョン
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`   // 最終更新日時
	UpdatedBy  string    `json:"updated_by" db:"updated_by"`   // 更新者
}

// Unreserved returns the quantity available for new commitments
// 新規引当に利用できる数量を返す
func (c *StockCell) Unreserved() int64 {
	return c.Available - c.Reserved
}

// MovementType defines the type of an inventory movement
// 在庫移動のタイプを定義
type MovementType string

const (
	MovementTypePurchase           MovementType = "purchase"            // 仕入
	MovementTypeSale               MovementType = "sale"                // 販売
	MovementTypeSaleReturn         MovementType = "sale_return"         // 販売返品
	MovementTypeTransferOut        MovementType = "transfer_out"        // 移動出庫
	MovementTypeTransferIn         MovementType = "transfer_in"         // 移動入庫
	MovementTypeAdjustmentIncrease MovementType = "adjustment_increase" // 調整増
	MovementTypeAdjustmentDecrease MovementType = "adjustment_decrease" // 調整減
	MovementTypeDamage             MovementType = "damage"              // 破損
	MovementTypeExpiry             MovementType = "expiry"              // 期限切れ廃棄
	MovementTypeStockCount         MovementType = "stock_count"         // 棚卸
)

// MovementDirection indicates whether a movement adds or removes stock
// 移動が在庫を増やすか減らすかを示す
type MovementDirection int

const (
	DirectionInbound  MovementDirection = 1  // 入庫
	DirectionOutbound MovementDirection = -1 // 出庫
)

// Direction returns the stock direction of the movement type.
// stock_count は草稿側の CountDirection で符号が決まるため DirectionInbound を返し、
// 呼び出し側で上書きされる
func (t MovementType) Direction() MovementDirection {
	switch t {
	case MovementTypeSale, MovementTypeTransferOut, MovementTypeAdjustmentDecrease,
		MovementTypeDamage, MovementTypeExpiry:
		return DirectionOutbound
	default:
		return DirectionInbound
	}
}

// CarriesCost reports whether the movement type may carry a unit cost
// 単価を持ちうる移動タイプかを報告
func (t MovementType) CarriesCost() bool {
	return t == MovementTypePurchase || t == MovementTypeAdjustmentIncrease
}

// Reference identifies the originating business document of a movement
// 移動の起点となった業務伝票を識別
type Reference struct {
	Type string `json:"type" db:"reference_type"` // 伝票タイプ（発注書、請求書など）
	ID   string `json:"id" db:"reference_id"`     // 伝票ID
}

// Movement is an immutable ledger entry. Created once, never mutated or
// deleted; corrections are new offsetting movements.
// 不変の台帳エントリ。作成後の変更・削除は不可で、訂正は相殺移動として追記する
type Movement struct {
	ID             string           `json:"id" db:"id"`                           // 移動ID
	Type           MovementType     `json:"type" db:"type"`                       // 移動タイプ
	ProductID      string           `json:"product_id" db:"product_id"`           // 商品ID
	BatchID        string           `json:"batch_id" db:"batch_id"`               // バッチID
	LocationID     string           `json:"location_id" db:"location_id"`         // ロケーションID
	Quantity       int64            `json:"quantity" db:"quantity"`               // 数量（常に正、符号はタイプで決まる）
	Direction      MovementDirection `json:"direction" db:"direction"`            // 在庫方向
	UnitCost       *decimal.Decimal `json:"unit_cost" db:"unit_cost"`             // 単価（仕入・調整増のみ）
	Reference      Reference        `json:"reference" db:"-"`                     // 参照伝票
	TransferPairID *string          `json:"transfer_pair_id" db:"transfer_pair_id"` // 移動ペアID（transfer系のみ）
	ReservationID  *string          `json:"reservation_id" db:"reservation_id"`   // 予約消込時の予約ID
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`           // 作成日時
	CreatedBy      string           `json:"created_by" db:"created_by"`           // 作成者
}

// MovementDraft is the input to Ledger.Record
// Ledger.Record への入力草稿
type MovementDraft struct {
	Type              MovementType      `json:"type"`               // 移動タイプ
	ProductID         string            `json:"product_id"`         // 商品ID
	BatchID           string            `json:"batch_id"`           // バッチID（既存バッチ参照時）
	BatchNumber       string            `json:"batch_number"`       // バッチ番号（初回入庫時のバッチ作成に使用）
	LocationID        string            `json:"location_id"`        // ロケーションID
	Quantity          int64             `json:"quantity"`           // 数量（正の値、基本単位）
	CountDirection    MovementDirection `json:"count_direction"`    // stock_count 時の符号（省略時は入庫扱い）
	UnitCost          *decimal.Decimal  `json:"unit_cost"`          // 単価（仕入・調整増のみ）
	Reference         Reference         `json:"reference"`          // 参照伝票
	ReservationID     *string           `json:"reservation_id"`     // 予約消込時の予約ID
	ManufacturingDate *time.Time        `json:"manufacturing_date"` // 製造日（バッチ作成時）
	ExpiryDate        *time.Time        `json:"expiry_date"`        // 有効期限（バッチ作成時）
	CreatedBy         string            `json:"created_by"`         // 作成者
}

// ReservationStatus defines the lifecycle states of a reservation
// 予約のライフサイクル状態を定義
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "active"    // 有効
	ReservationStatusFulfilled ReservationStatus = "fulfilled" // 出荷済み
	ReservationStatusCancelled ReservationStatus = "cancelled" // 取消
	ReservationStatusExpired   ReservationStatus = "expired"   // 期限切れ
)

// ReservationOutcome is the terminal state requested on release
// 解放時に指定する終端状態
type ReservationOutcome = ReservationStatus

// Reservation is a time-boxed hold on available stock
// 利用可能在庫に対する時間制限付きの確保
type Reservation struct {
	ID         string            `json:"id" db:"id"`                   // 予約ID
	ProductID  string            `json:"product_id" db:"product_id"`   // 商品ID
	BatchID    string            `json:"batch_id" db:"batch_id"`       // バッチID
	LocationID string            `json:"location_id" db:"location_id"` // ロケーションID
	Quantity   int64             `json:"quantity" db:"quantity"`       // 未消込の確保数量
	Reference  Reference         `json:"reference" db:"-"`             // 参照伝票
	Status     ReservationStatus `json:"status" db:"status"`           // ステータス
	ExpiresAt  time.Time         `json:"expires_at" db:"expires_at"`   // 失効日時
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`   // 作成日時
	UpdatedAt  time.Time         `json:"updated_at" db:"updated_at"`   // 更新日時
}

// IsExpired reports whether the reservation has outlived its TTL
// 予約がTTLを超過しているかを報告
func (r *Reservation) IsExpired(now time.Time) bool {
	return r.Status == ReservationStatusActive && now.After(r.ExpiresAt)
}

// AllocationLine is one batch pick produced by the FIFO allocator
// FIFOアロケータが生成する1バッチ分の引当行
type AllocationLine struct {
	BatchID  string `json:"batch_id"` // バッチID
	Quantity int64  `json:"quantity"` // 引当数量
}

// StockBalance is the per-cell view returned by stock queries
// 在庫照会が返すセル単位のビュー
type StockBalance struct {
	BatchID    string `json:"batch_id"`    // バッチID
	LocationID string `json:"location_id"` // ロケーションID
	Available  int64  `json:"available"`   // 利用可能数量
	Reserved   int64  `json:"reserved"`    // 予約済み数量
}

// AlertType defines types of inventory alerts
// 在庫アラートのタイプを定義
type AlertType string

const (
	AlertTypeLowStock      AlertType = "low_stock"      // 低在庫
	AlertTypeCriticalStock AlertType = "critical_stock" // 危険在庫
	AlertTypeExpiring      AlertType = "expiring"       // 期限切れ間近
	AlertTypeExpired       AlertType = "expired"        // 期限切れ
)

// StockAlert represents a persisted inventory alert
// 永続化される在庫アラートを表現
type StockAlert struct {
	ID         string     `json:"id" db:"id"`                   // アラートID
	Type       AlertType  `json:"type" db:"type"`               // アラートタイプ
	ProductID  string     `json:"product_id" db:"product_id"`   // 商品ID
	BatchID    string     `json:"batch_id" db:"batch_id"`       // バッチID（商品単位のアラートでは空）
	LocationID string     `json:"location_id" db:"location_id"` // ロケーションID（商品単位のアラートでは空）
	CurrentQty int64      `json:"current_qty" db:"current_qty"` // 現在数量
	Threshold  int64      `json:"threshold" db:"threshold"`     // 閾値
	Message    string     `json:"message" db:"message"`         // メッセージ
	IsActive   bool       `json:"is_active" db:"is_active"`     // アクティブ状態
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`   // 作成日時
	ResolvedAt *time.Time `json:"resolved_at" db:"resolved_at"` // 解決日時
}

// NewMovementID generates a new movement ID
// 新しい移動IDを生成
func NewMovementID() string {
	return uuid.New().String()
}

// NewReservationID generates a new reservation ID
// 新しい予約IDを生成
func NewReservationID() string {
	return uuid.New().String()
}

// NewTransferPairID generates a shared ID for a transfer_out/transfer_in pair
// transfer_out/transfer_in ペアで共有するIDを生成
func NewTransferPairID() string {
	return uuid.New().String()
}

// NewBatchID generates a new batch ID
// 新しいバッチIDを生成
func NewBatchID() string {
	return uuid.New().String()
}

// NewAlertID generates a new alert ID
// 新しいアラートIDを生成
func NewAlertID() string {
	return uuid.New().String()
}
