package ledger

import (
	"context"
	"time"
)

// Ledger defines the exposed contract of the inventory ledger. All derived
// state (stock cells, batch rollups, costs) is mutated exclusively through
// this interface.
// 在庫台帳の公開契約を定義。派生状態（在庫セル、バッチ集計、原価）は
// このインターフェースを通じてのみ変更される
type Ledger interface {
	// 移動台帳 - Movement ledger
	Record(ctx context.Context, draft MovementDraft) (string, error)

	// 引当 - FIFO allocation (read-only)
	Allocate(ctx context.Context, productID, locationID string, quantity int64) ([]AllocationLine, error)

	// 予約管理 - Reservation management
	Reserve(ctx context.Context, req ReserveRequest) (string, error)
	Release(ctx context.Context, reservationID string, outcome ReservationOutcome) error

	// ロケーション間移動 - Inter-location transfer
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)

	// 在庫照会 - Stock inquiry
	GetStock(ctx context.Context, productID, locationID string) ([]StockBalance, error)
	GetTotalStock(ctx context.Context, productID string) (int64, error)
	GetExpiringBatches(ctx context.Context, withinDays int) ([]Batch, error)

	// 監査証跡 - Audit trail
	GetMovements(ctx context.Context, productID string, limit int) ([]Movement, error)

	// 派生状態の再構築 - Derived state rebuild from the movement log
	RebuildState(ctx context.Context) error
}

// ReserveRequest is the input to Ledger.Reserve
// Ledger.Reserve への入力
type ReserveRequest struct {
	ProductID  string        `json:"product_id"`  // 商品ID
	BatchID    string        `json:"batch_id"`    // バッチID
	LocationID string        `json:"location_id"` // ロケーションID
	Quantity   int64         `json:"quantity"`    // 確保数量
	Reference  Reference     `json:"reference"`   // 参照伝票
	TTL        time.Duration `json:"ttl"`         // 失効までの期間（0でデフォルト24時間）
}

// TransferRequest is the input to Ledger.Transfer
// Ledger.Transfer への入力
type TransferRequest struct {
	ProductID      string    `json:"product_id"`       // 商品ID
	BatchID        string    `json:"batch_id"`         // バッチID
	FromLocationID string    `json:"from_location_id"` // 移動元ロケーション
	ToLocationID   string    `json:"to_location_id"`   // 移動先ロケーション
	Quantity       int64     `json:"quantity"`         // 数量
	Reference      Reference `json:"reference"`        // 参照伝票
	CreatedBy      string    `json:"created_by"`       // 作成者
}

// TransferResult carries the paired movement IDs of a committed transfer
// 確定した移動のペア移動IDを保持
type TransferResult struct {
	TransferPairID string `json:"transfer_pair_id"` // ペアID
	MovementOutID  string `json:"movement_out_id"`  // 出庫側移動ID
	MovementInID   string `json:"movement_in_id"`   // 入庫側移動ID
}

// Storage defines the interface for the persistence layer. Movements are
// append-only: implementations must not expose update or delete paths for
// them.
// 永続化層のインターフェースを定義。移動記録は追記専用であり、
// 実装は更新・削除経路を公開してはならない
type Storage interface {
	// Product snapshot (owned by the catalog collaborator)
	UpsertProduct(ctx context.Context, product *Product) error
	GetProduct(ctx context.Context, productID string) (*Product, error)

	// Location snapshot
	UpsertLocation(ctx context.Context, location *Location) error
	GetLocation(ctx context.Context, locationID string) (*Location, error)

	// Batch management
	CreateBatch(ctx context.Context, batch *Batch) error
	GetBatch(ctx context.Context, batchID string) (*Batch, error)
	GetBatchByNumber(ctx context.Context, productID, number string) (*Batch, error)
	UpdateBatch(ctx context.Context, batch *Batch) error
	ListBatchesByProduct(ctx context.Context, productID string) ([]Batch, error)
	ListExpiringBatches(ctx context.Context, before time.Time) ([]Batch, error)

	// Stock cells
	CreateStockCell(ctx context.Context, cell *StockCell) error
	UpdateStockCell(ctx context.Context, cell *StockCell) error
	GetStockCell(ctx context.Context, batchID, locationID string) (*StockCell, error)
	ListStockCellsByBatch(ctx context.Context, batchID string) ([]StockCell, error)
	ListStockCellsByProduct(ctx context.Context, productID string) ([]StockCell, error)
	ListStockCellsByProductLocation(ctx context.Context, productID, locationID string) ([]StockCell, error)

	// Movement log (append-only). AppendMovementPair must persist both
	// movements or neither, so a transfer never leaves half a pair in the log.
	// 移動ログ（追記専用）。AppendMovementPair は両方の移動を永続化するか
	// どちらも永続化しないかのいずれかでなければならない
	AppendMovement(ctx context.Context, movement *Movement) error
	AppendMovementPair(ctx context.Context, out, in *Movement) error
	ListMovementsByProduct(ctx context.Context, productID string, limit int) ([]Movement, error)
	ListMovementsByBatch(ctx context.Context, batchID string, limit int) ([]Movement, error)
	ListAllMovements(ctx context.Context) ([]Movement, error)

	// Reservations
	CreateReservation(ctx context.Context, reservation *Reservation) error
	GetReservation(ctx context.Context, reservationID string) (*Reservation, error)
	UpdateReservation(ctx context.Context, reservation *Reservation) error
	FindActiveReservation(ctx context.Context, batchID, locationID string, ref Reference) (*Reservation, error)
	ListActiveReservations(ctx context.Context) ([]Reservation, error)
	ListExpiredReservations(ctx context.Context, asOf time.Time) ([]Reservation, error)

	// Alert management
	CreateAlert(ctx context.Context, alert *StockAlert) error
	GetActiveAlerts(ctx context.Context, locationID string) ([]StockAlert, error)
	ResolveAlert(ctx context.Context, alertID string) error

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// EventPublisher defines interface for publishing ledger domain events,
// consumed by the notification collaborator
// 通知コラボレータが購読する台帳ドメインイベント発行のインターフェース
type EventPublisher interface {
	PublishLowStock(ctx context.Context, event StockThresholdEvent) error
	PublishCriticalStock(ctx context.Context, event StockThresholdEvent) error
	PublishExpiryTransition(ctx context.Context, event ExpiryTransitionEvent) error
}

// StockThresholdEvent represents a downward crossing of a stock threshold
// 在庫閾値の下方交差イベントを表現
type StockThresholdEvent struct {
	ProductID   string    `json:"product_id"`
	BatchID     string    `json:"batch_id"`
	LocationID  string    `json:"location_id"`
	CurrentQty  int64     `json:"current_qty"`
	Threshold   int64     `json:"threshold"`
	MovementID  string    `json:"movement_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// ExpiryTransitionEvent represents a batch expiry status transition
// バッチ期限ステータスの遷移イベントを表現
type ExpiryTransitionEvent struct {
	ProductID  string       `json:"product_id"`
	BatchID    string       `json:"batch_id"`
	From       ExpiryStatus `json:"from"`
	To         ExpiryStatus `json:"to"`
	ExpiryDate time.Time    `json:"expiry_date"`
	Quantity   int64        `json:"quantity"`
	Timestamp  time.Time    `json:"timestamp"`
}
