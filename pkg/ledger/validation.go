package ledger

import (
	"fmt"
	"regexp"
	"time"
)

// 識別子に許可する文字: 英数字、ハイフン、アンダースコア
var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// バッチ番号と伝票番号にはドットも許可
var referencePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ValidateProductID 商品IDの形式をバリデーション
func ValidateProductID(productID string) error {
	if productID == "" {
		return NewValidationError("product_id", "商品IDが空です", productID)
	}
	if len(productID) > 255 {
		return NewValidationError("product_id", "商品IDが長すぎます", productID)
	}
	if !identifierPattern.MatchString(productID) {
		return NewValidationError("product_id", "商品IDに無効な文字が含まれています", productID)
	}
	return nil
}

// ValidateLocationID ロケーションIDの形式をバリデーション
func ValidateLocationID(locationID string) error {
	if locationID == "" {
		return NewValidationError("location_id", "ロケーションIDが空です", locationID)
	}
	if len(locationID) > 255 {
		return NewValidationError("location_id", "ロケーションIDが長すぎます", locationID)
	}
	if !identifierPattern.MatchString(locationID) {
		return NewValidationError("location_id", "ロケーションIDに無効な文字が含まれています", locationID)
	}
	return nil
}

// ValidateBatchNumber バッチ番号の形式をバリデーション
func ValidateBatchNumber(number string) error {
	if number == "" {
		return NewValidationError("batch_number", "バッチ番号が空です", number)
	}
	if len(number) > 255 {
		return NewValidationError("batch_number", "バッチ番号が長すぎます", number)
	}
	if !referencePattern.MatchString(number) {
		return NewValidationError("batch_number", "バッチ番号に無効な文字が含まれています", number)
	}
	return nil
}

// ValidateQuantity 数量をバリデーション（台帳への入力は常に正の値）
func ValidateQuantity(quantity int64) error {
	if quantity <= 0 {
		return NewValidationError("quantity", "数量は正の値である必要があります", fmt.Sprintf("%d", quantity))
	}
	if quantity > 999999999 {
		return NewValidationError("quantity", "数量が有効範囲を超えています", fmt.Sprintf("%d", quantity))
	}
	return nil
}

// ValidateMovementType 移動タイプをバリデーション
func ValidateMovementType(movementType MovementType) error {
	switch movementType {
	case MovementTypePurchase, MovementTypeSale, MovementTypeSaleReturn,
		MovementTypeTransferOut, MovementTypeTransferIn,
		MovementTypeAdjustmentIncrease, MovementTypeAdjustmentDecrease,
		MovementTypeDamage, MovementTypeExpiry, MovementTypeStockCount:
		return nil
	default:
		return NewValidationError("type", "無効な移動タイプです", string(movementType))
	}
}

// ValidateReference 参照伝票をバリデーション
func ValidateReference(ref Reference) error {
	if ref.Type == "" {
		return NewValidationError("reference.type", "伝票タイプが空です", ref.Type)
	}
	if ref.ID == "" {
		return NewValidationError("reference.id", "伝票IDが空です", ref.ID)
	}
	if len(ref.Type) > 100 || len(ref.ID) > 255 {
		return NewValidationError("reference", "参照伝票が長すぎます", ref.Type+":"+ref.ID)
	}
	return nil
}

// ValidateTTL 予約TTLをバリデーション（0はデフォルト適用を意味する）
func ValidateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return NewValidationError("ttl", "TTLは0以上である必要があります", ttl.String())
	}
	return nil
}

// ValidateDraft 移動草稿全体をバリデーション
func ValidateDraft(draft *MovementDraft) error {
	if draft == nil {
		return NewValidationError("draft", "移動草稿が指定されていません", "nil")
	}
	if err := ValidateMovementType(draft.Type); err != nil {
		return err
	}
	if err := ValidateProductID(draft.ProductID); err != nil {
		return err
	}
	if err := ValidateLocationID(draft.LocationID); err != nil {
		return err
	}
	if err := ValidateQuantity(draft.Quantity); err != nil {
		return err
	}
	if draft.BatchID == "" && draft.BatchNumber == "" {
		return NewValidationError("batch", "バッチIDまたはバッチ番号が必要です", "")
	}
	if draft.BatchNumber != "" {
		if err := ValidateBatchNumber(draft.BatchNumber); err != nil {
			return err
		}
	}
	if err := ValidateReference(draft.Reference); err != nil {
		return err
	}
	if draft.UnitCost != nil {
		if !draft.Type.CarriesCost() {
			return NewValidationError("unit_cost", "この移動タイプは単価を持てません", string(draft.Type))
		}
		if draft.UnitCost.IsNegative() {
			return NewValidationError("unit_cost", "単価は0以上である必要があります", draft.UnitCost.String())
		}
	}
	return nil
}
