package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Transfer moves stock of one batch between two locations as a paired
// transfer_out/transfer_in sharing a transfer pair ID. The pair is appended
// in a single storage operation after both cells commit, and any failure
// reverts the already-updated cells under the held locks, so the log never
// shows a transfer_out without its transfer_in.
// 1バッチの在庫を2ロケーション間で移動ペアIDを共有する transfer_out /
// transfer_in の対として移動する。両セルの確定後に対を単一のストレージ操作で
// 追記し、失敗時はロック保持のまま更新済みのセルを戻すため、台帳に対を欠いた
// transfer_out が現れることはない
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := ValidateProductID(req.ProductID); err != nil {
		return nil, err
	}
	if err := ValidateLocationID(req.FromLocationID); err != nil {
		return nil, err
	}
	if err := ValidateLocationID(req.ToLocationID); err != nil {
		return nil, err
	}
	if err := ValidateQuantity(req.Quantity); err != nil {
		return nil, err
	}
	if err := ValidateReference(req.Reference); err != nil {
		return nil, err
	}
	if req.BatchID == "" {
		return nil, NewValidationError("batch_id", "バッチIDが空です", req.BatchID)
	}
	if req.FromLocationID == req.ToLocationID {
		movementRejectionsTotal.WithLabelValues(rejectReasonValidation).Inc()
		return nil, ErrTransferSameLocation
	}

	batch, err := s.storage.GetBatch(ctx, req.BatchID)
	if err != nil {
		return nil, s.entityErr("get_batch", err)
	}
	if _, err := s.storage.GetLocation(ctx, req.FromLocationID); err != nil {
		return nil, s.entityErr("get_location", err)
	}
	if _, err := s.storage.GetLocation(ctx, req.ToLocationID); err != nil {
		return nil, s.entityErr("get_location", err)
	}

	srcKey := cellKey(batch.ID, req.FromLocationID)
	dstKey := cellKey(batch.ID, req.ToLocationID)
	unlock := s.locks.lock(srcKey, dstKey)
	defer unlock()

	actor := s.actor(ctx, req.CreatedBy)
	now := time.Now()
	pairID := NewTransferPairID()
	outID := NewMovementID()
	inID := NewMovementID()

	var source, dest *StockCell
	err = s.withCASRetry(ctx, func() error {
		var err error
		source, err = s.storage.GetStockCell(ctx, batch.ID, req.FromLocationID)
		if err != nil {
			if errors.Is(err, ErrStockCellNotFound) {
				movementRejectionsTotal.WithLabelValues(rejectReasonInsufficientStock).Inc()
				return NewInsufficientStockError(req.ProductID, batch.ID, req.FromLocationID, 0, req.Quantity)
			}
			return NewStorageError("get_stock_cell", "在庫セル取得に失敗しました", err)
		}
		if source.Unreserved() < req.Quantity {
			movementRejectionsTotal.WithLabelValues(rejectReasonInsufficientStock).Inc()
			return NewInsufficientStockError(req.ProductID, batch.ID, req.FromLocationID, source.Unreserved(), req.Quantity)
		}

		// 移動元から引き落とす
		source.Available -= req.Quantity
		source.Version++
		source.UpdatedAt = now
		source.UpdatedBy = actor
		if err := s.storage.UpdateStockCell(ctx, source); err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				return ErrConcurrentModification
			}
			return NewStorageError("update_stock_cell", "移動元セル更新に失敗しました", err)
		}

		// 移動先に積む（セルがなければ作成）
		dest, err = s.storage.GetStockCell(ctx, batch.ID, req.ToLocationID)
		if err != nil && !errors.Is(err, ErrStockCellNotFound) {
			s.revertSource(ctx, source, req.Quantity)
			return NewStorageError("get_stock_cell", "移動先セル取得に失敗しました", err)
		}
		if dest == nil {
			dest = &StockCell{
				BatchID:    batch.ID,
				LocationID: req.ToLocationID,
				ProductID:  req.ProductID,
				Available:  req.Quantity,
				Version:    1,
				UpdatedAt:  now,
				UpdatedBy:  actor,
			}
			if err := s.storage.CreateStockCell(ctx, dest); err != nil {
				s.revertSource(ctx, source, req.Quantity)
				return NewStorageError("create_stock_cell", "移動先セル作成に失敗しました", err)
			}
		} else {
			dest.Available += req.Quantity
			dest.Version++
			dest.UpdatedAt = now
			dest.UpdatedBy = actor
			if err := s.storage.UpdateStockCell(ctx, dest); err != nil {
				s.revertSource(ctx, source, req.Quantity)
				if errors.Is(err, ErrConcurrentModification) {
					return ErrConcurrentModification
				}
				return NewStorageError("update_stock_cell", "移動先セル更新に失敗しました", err)
			}
		}

		// 両セルの確定後にペアの移動記録を追記する。ログが正であり、
		// 追記できない移動はセル変更ごと拒否する
		out := &Movement{
			ID:             outID,
			Type:           MovementTypeTransferOut,
			ProductID:      req.ProductID,
			BatchID:        batch.ID,
			LocationID:     req.FromLocationID,
			Quantity:       req.Quantity,
			Direction:      DirectionOutbound,
			Reference:      req.Reference,
			TransferPairID: &pairID,
			CreatedAt:      now,
			CreatedBy:      actor,
		}
		in := &Movement{
			ID:             inID,
			Type:           MovementTypeTransferIn,
			ProductID:      req.ProductID,
			BatchID:        batch.ID,
			LocationID:     req.ToLocationID,
			Quantity:       req.Quantity,
			Direction:      DirectionInbound,
			Reference:      req.Reference,
			TransferPairID: &pairID,
			CreatedAt:      now,
			CreatedBy:      actor,
		}
		if err := s.storage.AppendMovementPair(ctx, out, in); err != nil {
			s.revertTransfer(ctx, source, dest, req.Quantity)
			return NewStorageError("append_movement_pair", "移動記録の追記に失敗しました", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// バッチ集計の再計算（合計は不変だがロケーション分布が変わる）
	if err := s.refreshBatchDistribution(ctx, batch); err != nil {
		s.logger.Error("バッチ集計の更新に失敗しました", zap.String("batch_id", batch.ID), zap.Error(err))
	}

	movementsTotal.WithLabelValues(string(MovementTypeTransferOut)).Inc()
	movementsTotal.WithLabelValues(string(MovementTypeTransferIn)).Inc()

	s.logger.Info("ロケーション間移動完了",
		zap.String("transfer_pair_id", pairID),
		zap.String("batch_id", batch.ID),
		zap.String("from", req.FromLocationID),
		zap.String("to", req.ToLocationID),
		zap.Int64("quantity", req.Quantity),
	)

	return &TransferResult{
		TransferPairID: pairID,
		MovementOutID:  outID,
		MovementInID:   inID,
	}, nil
}

// revertSource restores the source cell after a destination-side failure.
// Must be called with both cell locks held.
// 移動先側の失敗後に移動元セルを復元する。両セルロック保持が前提
func (s *Service) revertSource(ctx context.Context, source *StockCell, quantity int64) {
	source.Available += quantity
	source.Version++
	source.UpdatedAt = time.Now()
	if err := s.storage.UpdateStockCell(ctx, source); err != nil {
		s.logger.Error("移動元セルの復元に失敗しました",
			zap.String("batch_id", source.BatchID),
			zap.String("location_id", source.LocationID),
			zap.Error(err))
	}
}

// revertTransfer restores both cells after a pair-append failure.
// Must be called with both cell locks held.
// 対の追記失敗後に両セルを復元する。両セルロック保持が前提
func (s *Service) revertTransfer(ctx context.Context, source, dest *StockCell, quantity int64) {
	s.revertSource(ctx, source, quantity)

	dest.Available -= quantity
	dest.Version++
	dest.UpdatedAt = time.Now()
	if err := s.storage.UpdateStockCell(ctx, dest); err != nil {
		s.logger.Error("移動先セルの復元に失敗しました",
			zap.String("batch_id", dest.BatchID),
			zap.String("location_id", dest.LocationID),
			zap.Error(err))
	}
}

// refreshBatchDistribution recomputes location count and primary location
// after a transfer. Quantity and cost are unchanged by transfers.
// 移動後のロケーション数と主ロケーションを再計算。数量と原価は移動で変化しない
func (s *Service) refreshBatchDistribution(ctx context.Context, batch *Batch) error {
	cells, err := s.storage.ListStockCellsByBatch(ctx, batch.ID)
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
	batch.LocationCount = holding
	batch.PrimaryLocationID = nil
	if holding == 1 {
		batch.PrimaryLocationID = primary
	}
	batch.UpdatedAt = time.Now()

	if err := s.storage.UpdateBatch(ctx, batch); err != nil {
		return NewStorageError("update_batch", "バッチ更新に失敗しました", err)
	}
	return nil
}
