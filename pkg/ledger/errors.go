package ledger

import (
	"errors"
	"fmt"
)

// Common ledger errors
// 共通の台帳エラー定義

var (
	// ErrProductNotFound is returned when a product doesn't exist
	// 商品が存在しない場合のエラー
	ErrProductNotFound = errors.New("商品が見つかりません")

	// ErrBatchNotFound is returned when a batch doesn't exist
	// バッチが存在しない場合のエラー
	ErrBatchNotFound = errors.New("バッチが見つかりません")

	// ErrLocationNotFound is returned when a location doesn't exist
	// ロケーションが存在しない場合のエラー
	ErrLocationNotFound = errors.New("ロケーションが見つかりません")

	// ErrStockCellNotFound is returned when a stock cell record doesn't exist
	// 在庫セル記録が存在しない場合のエラー
	ErrStockCellNotFound = errors.New("在庫セルが見つかりません")

	// ErrReservationNotFound is returned when a reservation doesn't exist
	// 予約が存在しない場合のエラー
	ErrReservationNotFound = errors.New("予約が見つかりません")

	// ErrReservationNotActive is returned when a reservation has already
	// expired or reached a terminal state
	// 予約が既に失効または終端状態に達している場合のエラー
	ErrReservationNotActive = errors.New("予約は有効ではありません")

	// ErrTransferSameLocation is returned when source and destination match
	// 移動元と移動先が同一の場合のエラー
	ErrTransferSameLocation = errors.New("移動元と移動先が同じです")

	// ErrConcurrentModification is returned when optimistic locking fails
	// after all internal retries are exhausted
	// 内部リトライを使い切っても楽観的ロックが失敗した場合のエラー
	ErrConcurrentModification = errors.New("同時更新が競合しました。再試行してください")

	// ErrMovementImmutable is returned on any attempt to change ledger history
	// 台帳履歴の変更を試みた場合のエラー
	ErrMovementImmutable = errors.New("移動記録は変更できません")

	// ErrAlertNotFound is returned when an alert doesn't exist
	// アラートが存在しない場合のエラー
	ErrAlertNotFound = errors.New("アラートが見つかりません")
)

// InsufficientStockError is returned when an outbound movement, allocation
// or reservation exceeds the available quantity
// 出庫・引当・予約が利用可能数量を超えた場合のエラー
type InsufficientStockError struct {
	ProductID  string `json:"product_id"`  // 商品ID
	BatchID    string `json:"batch_id"`    // バッチID（商品単位の引当では空）
	LocationID string `json:"location_id"` // ロケーションID
	Available  int64  `json:"available"`   // 利用可能数量
	Requested  int64  `json:"requested"`   // 要求数量
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("在庫が不足しています (利用可能: %d, 要求: %d)", e.Available, e.Requested)
}

// NewInsufficientStockError creates a new insufficient stock error
// 新しい在庫不足エラーを作成
func NewInsufficientStockError(productID, batchID, locationID string, available, requested int64) *InsufficientStockError {
	return &InsufficientStockError{
		ProductID:  productID,
		BatchID:    batchID,
		LocationID: locationID,
		Available:  available,
		Requested:  requested,
	}
}

// IsInsufficientStock reports whether err is an InsufficientStockError
// err が在庫不足エラーかを報告
func IsInsufficientStock(err error) bool {
	var target *InsufficientStockError
	return errors.As(err, &target)
}

// ValidationError represents a validation error with details
// 詳細付きバリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"cause"`     // 原因エラー
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a new storage error
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}
