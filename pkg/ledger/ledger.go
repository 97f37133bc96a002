package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service implements the Ledger interface over a Storage backend. It is the
// sole writer of derived state: stock cells, batch rollups and costs change
// only through its operations.
// Storage バックエンド上で Ledger インターフェースを実装。派生状態の唯一の
// 書き込み主体であり、在庫セル・バッチ集計・原価はこの操作を通じてのみ変化する
type Service struct {
	storage   Storage        // ストレージ層
	publisher EventPublisher // イベント発行者
	logger    *zap.Logger    // ログ
	config    *Config        // 設定
	locks     *cellLocks     // 在庫セル単位のロックアリーナ
}

// Ledgerインターフェースを実装することを明示
var _ Ledger = (*Service)(nil)

// Config holds configuration for the ledger service
// 台帳サービスの設定を保持
type Config struct {
	DefaultReservationTTL time.Duration `yaml:"default_reservation_ttl"` // 予約TTLのデフォルト
	SweepInterval         time.Duration `yaml:"sweep_interval"`          // 予約失効スイープ間隔
}

// NewService creates a new ledger service
// 新しい台帳サービスを作成
func NewService(storage Storage, publisher EventPublisher, logger *zap.Logger, config *Config) *Service {
	if config == nil {
		config = &Config{}
	}
	if config.DefaultReservationTTL <= 0 {
		config.DefaultReservationTTL = 24 * time.Hour
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Minute
	}

	return &Service{
		storage:   storage,
		publisher: publisher,
		logger:    logger,
		config:    config,
		locks:     newCellLocks(),
	}
}

// Record validates and appends a movement, then atomically maintains the
// derived state: stock cell, batch rollup, weighted-average cost and expiry
// status. Rejected movements leave no partial state behind.
// 移動を検証して追記し、派生状態（在庫セル、バッチ集計、加重平均原価、
// 期限ステータス）をアトミックに維持する。拒否された移動は部分的な状態を残さない
func (s *Service) Record(ctx context.Context, draft MovementDraft) (string, error) {
	if err := ValidateDraft(&draft); err != nil {
		movementRejectionsTotal.WithLabelValues(rejectReasonValidation).Inc()
		return "", err
	}

	// 商品とロケーションの存在確認
	product, err := s.storage.GetProduct(ctx, draft.ProductID)
	if err != nil {
		return "", s.entityErr("get_product", err)
	}
	if _, err := s.storage.GetLocation(ctx, draft.LocationID); err != nil {
		return "", s.entityErr("get_location", err)
	}

	direction := resolvedDirection(&draft)

	// バッチ解決（初回入庫時は作成）
	batch, batchCreated, err := s.resolveBatch(ctx, &draft, direction)
	if err != nil {
		return "", err
	}

	unlock := s.locks.lock(cellKey(batch.ID, draft.LocationID))
	defer unlock()

	movementID := NewMovementID()
	createdBy := s.actor(ctx, draft.CreatedBy)

	var cellAfter *StockCell
	err = s.withCASRetry(ctx, func() error {
		cell, consumedReserved, err := s.applyToCell(ctx, batch, &draft, direction, createdBy)
		if err != nil {
			return err
		}

		// 台帳への追記。ログが正であり、追記できない移動はセル変更ごと拒否する
		movement := &Movement{
			ID:            movementID,
			Type:          draft.Type,
			ProductID:     draft.ProductID,
			BatchID:       batch.ID,
			LocationID:    draft.LocationID,
			Quantity:      draft.Quantity,
			Direction:     direction,
			UnitCost:      draft.UnitCost,
			Reference:     draft.Reference,
			ReservationID: draft.ReservationID,
			CreatedAt:     time.Now(),
			CreatedBy:     createdBy,
		}
		if err := s.storage.AppendMovement(ctx, movement); err != nil {
			s.revertCell(ctx, cell, &draft, direction, consumedReserved)
			return NewStorageError("append_movement", "移動記録の追記に失敗しました", err)
		}
		cellAfter = cell
		return nil
	})
	if err != nil {
		if IsInsufficientStock(err) {
			movementRejectionsTotal.WithLabelValues(rejectReasonInsufficientStock).Inc()
		} else if errors.Is(err, ErrConcurrentModification) {
			movementRejectionsTotal.WithLabelValues(rejectReasonConflict).Inc()
		}
		return "", err
	}

	// バッチ集計・原価・期限ステータスの更新
	prevBatchQty := batch.QuantityAvailable
	if err := s.refreshBatch(ctx, batch, prevBatchQty, &draft, direction, batchCreated); err != nil {
		s.logger.Error("バッチ集計の更新に失敗しました", zap.String("batch_id", batch.ID), zap.Error(err))
	}

	// 商品合計の閾値交差チェック（出庫のみ）
	if direction == DirectionOutbound {
		s.checkThresholds(ctx, product, batch.ID, draft.LocationID, movementID, draft.Quantity)
	}

	movementsTotal.WithLabelValues(string(draft.Type)).Inc()

	s.logger.Info("移動記録完了",
		zap.String("movement_id", movementID),
		zap.String("type", string(draft.Type)),
		zap.String("product_id", draft.ProductID),
		zap.String("batch_id", batch.ID),
		zap.String("location_id", draft.LocationID),
		zap.Int64("quantity", draft.Quantity),
		zap.Int64("cell_available", cellAfter.Available),
	)

	return movementID, nil
}

// applyToCell performs the availability check and mutates the stock cell for
// one movement. Must be called with the cell lock held.
// 1移動分の在庫チェックとセル更新を行う。セルロックを保持して呼び出すこと
func (s *Service) applyToCell(ctx context.Context, batch *Batch, draft *MovementDraft, direction MovementDirection, actor string) (*StockCell, int64, error) {
	now := time.Now()

	cell, err := s.storage.GetStockCell(ctx, batch.ID, draft.LocationID)
	if err != nil && !errors.Is(err, ErrStockCellNotFound) {
		return nil, 0, NewStorageError("get_stock_cell", "在庫セル取得に失敗しました", err)
	}

	if cell == nil {
		if direction == DirectionOutbound {
			return nil, 0, NewInsufficientStockError(draft.ProductID, batch.ID, draft.LocationID, 0, draft.Quantity)
		}
		cell = &StockCell{
			BatchID:    batch.ID,
			LocationID: draft.LocationID,
			ProductID:  draft.ProductID,
			Available:  draft.Quantity,
			Reserved:   0,
			Version:    1,
			UpdatedAt:  now,
			UpdatedBy:  actor,
		}
		if err := s.storage.CreateStockCell(ctx, cell); err != nil {
			return nil, 0, NewStorageError("create_stock_cell", "在庫セル作成に失敗しました", err)
		}
		return cell, 0, nil
	}

	var consumedReserved int64
	if direction == DirectionOutbound {
		if draft.ReservationID != nil {
			// 予約消込: 確保済み分から引き落とす
			res, err := s.storage.GetReservation(ctx, *draft.ReservationID)
			if err != nil {
				return nil, 0, s.entityErr("get_reservation", err)
			}
			if res.Status != ReservationStatusActive || res.IsExpired(now) {
				return nil, 0, ErrReservationNotActive
			}
			if res.BatchID != batch.ID || res.LocationID != draft.LocationID {
				return nil, 0, NewValidationError("reservation_id", "予約が対象の在庫セルと一致しません", *draft.ReservationID)
			}
			// 予約残 + 未予約分まで引き落とし可能
			allowed := res.Quantity + cell.Unreserved()
			if draft.Quantity > allowed || cell.Available < draft.Quantity {
				return nil, 0, NewInsufficientStockError(draft.ProductID, batch.ID, draft.LocationID, allowed, draft.Quantity)
			}
			consumedReserved = draft.Quantity
			if consumedReserved > res.Quantity {
				consumedReserved = res.Quantity
			}
			cell.Available -= draft.Quantity
			cell.Reserved -= consumedReserved
			res.Quantity -= consumedReserved
			res.UpdatedAt = now
			if res.Quantity == 0 {
				res.Status = ReservationStatusFulfilled
				reservationsActive.Dec()
			}
			if err := s.storage.UpdateReservation(ctx, res); err != nil {
				return nil, 0, NewStorageError("update_reservation", "予約更新に失敗しました", err)
			}
		} else {
			// 未予約分からのみ引き落とせる
			if cell.Unreserved() < draft.Quantity {
				return nil, 0, NewInsufficientStockError(draft.ProductID, batch.ID, draft.LocationID, cell.Unreserved(), draft.Quantity)
			}
			cell.Available -= draft.Quantity
		}
	} else {
		cell.Available += draft.Quantity
	}

	cell.Version++
	cell.UpdatedAt = now
	cell.UpdatedBy = actor
	if err := s.storage.UpdateStockCell(ctx, cell); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			return nil, 0, ErrConcurrentModification
		}
		return nil, 0, NewStorageError("update_stock_cell", "在庫セル更新に失敗しました", err)
	}

	return cell, consumedReserved, nil
}

// revertCell undoes one movement's cell mutation after a log append failure,
// restoring any reservation hold the movement had consumed. Must be called
// with the cell lock held.
// 台帳追記の失敗後に1移動分のセル変更を取り消し、消込済みの予約確保も
// 復元する。セルロックを保持して呼び出すこと
func (s *Service) revertCell(ctx context.Context, cell *StockCell, draft *MovementDraft, direction MovementDirection, consumedReserved int64) {
	now := time.Now()

	if direction == DirectionOutbound {
		cell.Available += draft.Quantity
		cell.Reserved += consumedReserved
		if consumedReserved > 0 && draft.ReservationID != nil {
			if res, err := s.storage.GetReservation(ctx, *draft.ReservationID); err == nil {
				if res.Status == ReservationStatusFulfilled {
					res.Status = ReservationStatusActive
					reservationsActive.Inc()
				}
				res.Quantity += consumedReserved
				res.UpdatedAt = now
				if err := s.storage.UpdateReservation(ctx, res); err != nil {
					s.logger.Error("予約の復元に失敗しました",
						zap.String("reservation_id", res.ID), zap.Error(err))
				}
			}
		}
	} else {
		cell.Available -= draft.Quantity
	}

	cell.Version++
	cell.UpdatedAt = now
	if err := s.storage.UpdateStockCell(ctx, cell); err != nil {
		s.logger.Error("在庫セルの復元に失敗しました",
			zap.String("batch_id", cell.BatchID),
			zap.String("location_id", cell.LocationID),
			zap.Error(err))
	}
}

// resolveBatch resolves the draft's batch by ID or number. An unknown batch
// number on an inbound movement creates the batch; on an outbound movement it
// is a referential error.
// 草稿のバッチをIDまたは番号で解決。入庫で未知のバッチ番号ならバッチを作成し、
// 出庫なら参照エラーとする
func (s *Service) resolveBatch(ctx context.Context, draft *MovementDraft, direction MovementDirection) (*Batch, bool, error) {
	if draft.BatchID != "" {
		batch, err := s.storage.GetBatch(ctx, draft.BatchID)
		if err != nil {
			return nil, false, s.entityErr("get_batch", err)
		}
		return batch, false, nil
	}

	// 同一バッチ番号の初回入庫同士が重複作成しないよう番号単位で直列化する
	unlock := s.locks.lock(batchNumberKey(draft.ProductID, draft.BatchNumber))
	defer unlock()

	batch, err := s.storage.GetBatchByNumber(ctx, draft.ProductID, draft.BatchNumber)
	if err == nil {
		return batch, false, nil
	}
	if !errors.Is(err, ErrBatchNotFound) {
		return nil, false, NewStorageError("get_batch_by_number", "バッチ取得に失敗しました", err)
	}
	if direction == DirectionOutbound {
		return nil, false, ErrBatchNotFound
	}

	now := time.Now()
	batch = &Batch{
		ID:                  NewBatchID(),
		ProductID:           draft.ProductID,
		Number:              draft.BatchNumber,
		ManufacturingDate:   draft.ManufacturingDate,
		ExpiryDate:          draft.ExpiryDate,
		WeightedAverageCost: decimal.Zero,
		ExpiryStatus:        ExpiryStatusNormal,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.storage.CreateBatch(ctx, batch); err != nil {
		// 外部の書き込み主体が先に同じ番号で作成済みの場合はそちらを採用する
		if errors.Is(err, ErrConcurrentModification) {
			if existing, lookupErr := s.storage.GetBatchByNumber(ctx, draft.ProductID, draft.BatchNumber); lookupErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, NewStorageError("create_batch", "バッチ作成に失敗しました", err)
	}

	s.logger.Info("バッチ作成完了",
		zap.String("batch_id", batch.ID),
		zap.String("batch_number", batch.Number),
		zap.String("product_id", batch.ProductID),
	)

	return batch, true, nil
}

// refreshBatch recomputes the batch rollup from its cells, folds in costing
// for costed inbound movements, and re-evaluates the expiry status
// バッチ集計をセルから再計算し、原価付き入庫は原価へ反映、期限ステータスを再評価
func (s *Service) refreshBatch(ctx context.Context, batch *Batch, prevQty int64, draft *MovementDraft, direction MovementDirection, created bool) error {
	cells, err := s.storage.ListStockCellsByBatch(ctx, batch.ID)
	if err != nil {
		return NewStorageError("list_stock_cells", "バッチ在庫取得に失敗しました", err)
	}

	var total int64
	var holding []StockCell
	for _, cell := range cells {
		total += cell.Available
		if cell.Available > 0 {
			holding = append(holding, cell)
		}
	}

	// 原価反映（仕入・調整増で単価付きの場合のみ）
	if direction == DirectionInbound && draft.Type.CarriesCost() && draft.UnitCost != nil && draft.UnitCost.IsPositive() {
		applyCost(batch, prevQty, draft.Quantity, *draft.UnitCost)
	}

	batch.QuantityAvailable = total
	batch.LocationCount = len(holding)
	batch.PrimaryLocationID = nil
	if len(holding) == 1 {
		loc := holding[0].LocationID
		batch.PrimaryLocationID = &loc
	}
	batch.UpdatedAt = time.Now()

	// 期限ステータスの再評価
	from := batch.ExpiryStatus
	if created {
		from = ExpiryStatusNormal
	}
	to := ExpiryStatusOf(batch.ExpiryDate, time.Now())
	batch.ExpiryStatus = to
	if shouldAlertExpiry(from, to, created) {
		s.emitExpiryAlert(ctx, batch, from, to)
	}

	if err := s.storage.UpdateBatch(ctx, batch); err != nil {
		return NewStorageError("update_batch", "バッチ更新に失敗しました", err)
	}
	return nil
}

// checkThresholds emits low/critical stock alerts exactly when the product
// total crosses a threshold downward, not on every movement below it
// 商品合計が閾値を下方交差した瞬間にのみアラートを発行する
func (s *Service) checkThresholds(ctx context.Context, product *Product, batchID, locationID, movementID string, removed int64) {
	cells, err := s.storage.ListStockCellsByProduct(ctx, product.ID)
	if err != nil {
		s.logger.Error("商品在庫合計の取得に失敗しました", zap.String("product_id", product.ID), zap.Error(err))
		return
	}
	var newTotal int64
	for _, cell := range cells {
		newTotal += cell.Available
	}
	prevTotal := newTotal + removed

	event := StockThresholdEvent{
		ProductID:  product.ID,
		BatchID:    batchID,
		LocationID: locationID,
		CurrentQty: newTotal,
		MovementID: movementID,
		Timestamp:  time.Now(),
	}

	if product.CriticalStockLevel > 0 && prevTotal > product.CriticalStockLevel && newTotal <= product.CriticalStockLevel {
		event.Threshold = product.CriticalStockLevel
		s.persistThresholdAlert(ctx, AlertTypeCriticalStock, product, newTotal, product.CriticalStockLevel)
		if s.publisher != nil {
			if err := s.publisher.PublishCriticalStock(ctx, event); err != nil {
				s.logger.Error("危険在庫イベント発行に失敗しました", zap.Error(err))
			}
		}
		return // 危険在庫は低在庫を包含する
	}

	if product.ReorderLevel > 0 && prevTotal > product.ReorderLevel && newTotal <= product.ReorderLevel {
		event.Threshold = product.ReorderLevel
		s.persistThresholdAlert(ctx, AlertTypeLowStock, product, newTotal, product.ReorderLevel)
		if s.publisher != nil {
			if err := s.publisher.PublishLowStock(ctx, event); err != nil {
				s.logger.Error("低在庫イベント発行に失敗しました", zap.Error(err))
			}
		}
	}
}

// persistThresholdAlert stores a threshold alert record
// 閾値アラート記録を保存
func (s *Service) persistThresholdAlert(ctx context.Context, alertType AlertType, product *Product, currentQty, threshold int64) {
	alert := &StockAlert{
		ID:         NewAlertID(),
		Type:       alertType,
		ProductID:  product.ID,
		CurrentQty: currentQty,
		Threshold:  threshold,
		Message:    fmt.Sprintf("商品 %s の在庫合計が閾値を下回りました (現在: %d, 閾値: %d)", product.ID, currentQty, threshold),
		IsActive:   true,
		CreatedAt:  time.Now(),
	}
	if err := s.storage.CreateAlert(ctx, alert); err != nil {
		s.logger.Error("アラート作成に失敗しました", zap.Error(err))
	}
}

// emitExpiryAlert stores and publishes an expiry transition alert
// 期限遷移アラートを保存・発行
func (s *Service) emitExpiryAlert(ctx context.Context, batch *Batch, from, to ExpiryStatus) {
	alertType := AlertTypeExpiring
	if to == ExpiryStatusExpired {
		alertType = AlertTypeExpired
	}
	alert := &StockAlert{
		ID:         NewAlertID(),
		Type:       alertType,
		ProductID:  batch.ProductID,
		BatchID:    batch.ID,
		CurrentQty: batch.QuantityAvailable,
		Message:    fmt.Sprintf("バッチ %s の期限ステータスが %s から %s に遷移しました", batch.Number, from, to),
		IsActive:   true,
		CreatedAt:  time.Now(),
	}
	if err := s.storage.CreateAlert(ctx, alert); err != nil {
		s.logger.Error("期限アラート作成に失敗しました", zap.Error(err))
	}

	if s.publisher != nil {
		event := ExpiryTransitionEvent{
			ProductID: batch.ProductID,
			BatchID:   batch.ID,
			From:      from,
			To:        to,
			Quantity:  batch.QuantityAvailable,
			Timestamp: time.Now(),
		}
		if batch.ExpiryDate != nil {
			event.ExpiryDate = *batch.ExpiryDate
		}
		if err := s.publisher.PublishExpiryTransition(ctx, event); err != nil {
			s.logger.Error("期限遷移イベント発行に失敗しました", zap.Error(err))
		}
	}
}

// GetStock returns per-cell balances for a product, optionally restricted to
// one location (empty locationID = all locations)
// 商品のセル単位残高を返す。locationID が空の場合は全ロケーション
func (s *Service) GetStock(ctx context.Context, productID, locationID string) ([]StockBalance, error) {
	if err := ValidateProductID(productID); err != nil {
		return nil, err
	}

	var cells []StockCell
	var err error
	if locationID == "" {
		cells, err = s.storage.ListStockCellsByProduct(ctx, productID)
	} else {
		cells, err = s.storage.ListStockCellsByProductLocation(ctx, productID, locationID)
	}
	if err != nil {
		return nil, NewStorageError("list_stock_cells", "在庫取得に失敗しました", err)
	}

	balances := make([]StockBalance, 0, len(cells))
	for _, cell := range cells {
		balances = append(balances, StockBalance{
			BatchID:    cell.BatchID,
			LocationID: cell.LocationID,
			Available:  cell.Available,
			Reserved:   cell.Reserved,
		})
	}
	return balances, nil
}

// GetTotalStock returns total available quantity for a product across all
// locations and batches
// 商品の全ロケーション・全バッチ合計の利用可能数量を返す
func (s *Service) GetTotalStock(ctx context.Context, productID string) (int64, error) {
	balances, err := s.GetStock(ctx, productID, "")
	if err != nil {
		return 0, err
	}
	var total int64
	for _, b := range balances {
		total += b.Available
	}
	return total, nil
}

// GetExpiringBatches returns batches whose expiry date falls within the given
// number of days and which still hold stock
// 指定日数以内に期限を迎え、かつ在庫が残っているバッチを返す
func (s *Service) GetExpiringBatches(ctx context.Context, withinDays int) ([]Batch, error) {
	if withinDays <= 0 {
		return nil, NewValidationError("within_days", "日数は正の値である必要があります", fmt.Sprintf("%d", withinDays))
	}

	before := time.Now().AddDate(0, 0, withinDays)
	batches, err := s.storage.ListExpiringBatches(ctx, before)
	if err != nil {
		return nil, NewStorageError("list_expiring_batches", "期限間近バッチ取得に失敗しました", err)
	}

	now := time.Now()
	result := make([]Batch, 0, len(batches))
	for _, batch := range batches {
		if batch.QuantityAvailable <= 0 {
			continue
		}
		batch.ExpiryStatus = ExpiryStatusOf(batch.ExpiryDate, now)
		result = append(result, batch)
	}
	return result, nil
}

// GetMovements returns the movement audit trail for a product, newest first
// 商品の移動監査証跡を新しい順に返す
func (s *Service) GetMovements(ctx context.Context, productID string, limit int) ([]Movement, error) {
	if err := ValidateProductID(productID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100 // デフォルト値
	}
	movements, err := s.storage.ListMovementsByProduct(ctx, productID, limit)
	if err != nil {
		return nil, NewStorageError("list_movements", "移動履歴取得に失敗しました", err)
	}
	return movements, nil
}

// RebuildState replays the full movement log into derived state. Derived
// state is a rebuildable cache of the log: replaying from empty reproduces
// the exact current cells, rollups and costs.
// 移動ログ全体を派生状態へ再生する。派生状態はログの再構築可能なキャッシュ
// であり、空の状態からの再生で現在のセル・集計・原価が正確に再現される
func (s *Service) RebuildState(ctx context.Context) error {
	movements, err := s.storage.ListAllMovements(ctx)
	if err != nil {
		return NewStorageError("list_all_movements", "移動ログ取得に失敗しました", err)
	}

	type batchReplay struct {
		qty int64
		avg decimal.Decimal
	}
	cellQty := make(map[string]int64)
	cellMeta := make(map[string]Movement)
	batches := make(map[string]*batchReplay)

	for _, mv := range movements {
		key := cellKey(mv.BatchID, mv.LocationID)
		delta := mv.Quantity * int64(mv.Direction)
		cellQty[key] += delta
		if _, ok := cellMeta[key]; !ok {
			cellMeta[key] = mv
		}

		br, ok := batches[mv.BatchID]
		if !ok {
			br = &batchReplay{avg: decimal.Zero}
			batches[mv.BatchID] = br
		}
		if mv.Direction == DirectionInbound && mv.Type.CarriesCost() && mv.UnitCost != nil && mv.UnitCost.IsPositive() {
			br.avg = WeightedAverageCost(br.qty, br.avg, mv.Quantity, *mv.UnitCost)
		}
		br.qty += delta
	}

	// 予約済み数量は有効な予約から再計算する
	reserved := make(map[string]int64)
	active, err := s.storage.ListActiveReservations(ctx)
	if err != nil {
		return NewStorageError("list_active_reservations", "予約取得に失敗しました", err)
	}
	for _, res := range active {
		reserved[cellKey(res.BatchID, res.LocationID)] += res.Quantity
	}

	now := time.Now()
	for key, qty := range cellQty {
		meta := cellMeta[key]
		unlock := s.locks.lock(key)
		cell, err := s.storage.GetStockCell(ctx, meta.BatchID, meta.LocationID)
		if err != nil && !errors.Is(err, ErrStockCellNotFound) {
			unlock()
			return NewStorageError("get_stock_cell", "在庫セル取得に失敗しました", err)
		}
		if cell == nil {
			cell = &StockCell{
				BatchID:    meta.BatchID,
				LocationID: meta.LocationID,
				ProductID:  meta.ProductID,
				Version:    0,
				UpdatedBy:  "rebuild",
			}
			cell.Available = qty
			cell.Reserved = reserved[key]
			cell.Version = 1
			cell.UpdatedAt = now
			if err := s.storage.CreateStockCell(ctx, cell); err != nil {
				unlock()
				return NewStorageError("create_stock_cell", "在庫セル作成に失敗しました", err)
			}
		} else {
			cell.Available = qty
			cell.Reserved = reserved[key]
			cell.Version++
			cell.UpdatedAt = now
			cell.UpdatedBy = "rebuild"
			if err := s.storage.UpdateStockCell(ctx, cell); err != nil {
				unlock()
				return NewStorageError("update_stock_cell", "在庫セル更新に失敗しました", err)
			}
		}
		unlock()
	}

	for batchID, br := range batches {
		batch, err := s.storage.GetBatch(ctx, batchID)
		if err != nil {
			return s.entityErr("get_batch", err)
		}
		cells, err := s.storage.ListStockCellsByBatch(ctx, batchID)
		if err != nil {
			return NewStorageError("list_stock_cells", "バッチ在庫取得に失敗しました", err)
		}
		var holding int
		var primary *string
		for _, cell := range cells {
			if cell.Available > 0 {
				holding++
				loc := cell.LocationID
				primary = &loc
			}
		}
		batch.QuantityAvailable = br.qty
		batch.WeightedAverageCost = br.avg
		batch.LocationCount = holding
		batch.PrimaryLocationID = nil
		if holding == 1 {
			batch.PrimaryLocationID = primary
		}
		batch.ExpiryStatus = ExpiryStatusOf(batch.ExpiryDate, now)
		batch.UpdatedAt = now
		if err := s.storage.UpdateBatch(ctx, batch); err != nil {
			return NewStorageError("update_batch", "バッチ更新に失敗しました", err)
		}
	}

	s.logger.Info("派生状態の再構築完了",
		zap.Int("movements", len(movements)),
		zap.Int("cells", len(cellQty)),
		zap.Int("batches", len(batches)),
	)
	return nil
}

// ヘルパーメソッド

// resolvedDirection returns the stock direction of a draft, honoring the
// explicit count direction on stock_count movements
// 草稿の在庫方向を返す。stock_count は草稿側の方向指定を優先する
func resolvedDirection(draft *MovementDraft) MovementDirection {
	if draft.Type == MovementTypeStockCount && draft.CountDirection == DirectionOutbound {
		return DirectionOutbound
	}
	return draft.Type.Direction()
}

// withCASRetry runs fn, retrying bounded times with exponential backoff when
// the storage layer reports an optimistic-lock conflict
// 楽観的ロック競合時に指数バックオフ付きで有限回リトライして fn を実行
func (s *Service) withCASRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(casBackoff(attempt)):
		}
	}
	return err
}

// entityErr passes referential sentinels through unchanged and wraps the rest
// as storage errors
// 参照エラーのセンチネルはそのまま伝播し、それ以外はストレージエラーで包む
func (s *Service) entityErr(operation string, err error) error {
	switch {
	case errors.Is(err, ErrProductNotFound),
		errors.Is(err, ErrBatchNotFound),
		errors.Is(err, ErrLocationNotFound),
		errors.Is(err, ErrStockCellNotFound),
		errors.Is(err, ErrReservationNotFound):
		movementRejectionsTotal.WithLabelValues(rejectReasonUnknownEntity).Inc()
		return err
	default:
		return NewStorageError(operation, "取得に失敗しました", err)
	}
}

// actor resolves the acting user from the draft or context
// 草稿またはコンテキストから実行ユーザーを解決
func (s *Service) actor(ctx context.Context, createdBy string) string {
	if createdBy != "" {
		return createdBy
	}
	if userID, ok := ctx.Value("user_id").(string); ok {
		return userID
	}
	return "system"
}
