package ledger

import (
	"context"
	"sort"
	"time"
)

// allocationCandidate pairs a stock cell with its batch for expiry ordering
// 期限順ソートのため在庫セルとバッチを組にする
type allocationCandidate struct {
	cell  StockCell
	batch *Batch
}

// Allocate proposes a nearest-expiry-first pick plan for the requested
// quantity at one location. The plan is read-only: no stock changes until the
// caller records the corresponding movements or reservations.
// 指定ロケーションで要求数量に対する期限近い順の引当計画を提案する。
// 計画は読み取り専用であり、呼び出し側が対応する移動や予約を記録するまで
// 在庫は変化しない
func (s *Service) Allocate(ctx context.Context, productID, locationID string, quantity int64) ([]AllocationLine, error) {
	start := time.Now()
	defer func() {
		allocationDuration.Observe(time.Since(start).Seconds())
	}()

	if err := ValidateProductID(productID); err != nil {
		return nil, err
	}
	if err := ValidateLocationID(locationID); err != nil {
		return nil, err
	}
	if err := ValidateQuantity(quantity); err != nil {
		return nil, err
	}

	if _, err := s.storage.GetProduct(ctx, productID); err != nil {
		return nil, s.entityErr("get_product", err)
	}
	if _, err := s.storage.GetLocation(ctx, locationID); err != nil {
		return nil, s.entityErr("get_location", err)
	}

	cells, err := s.storage.ListStockCellsByProductLocation(ctx, productID, locationID)
	if err != nil {
		return nil, NewStorageError("list_stock_cells", "在庫取得に失敗しました", err)
	}

	now := time.Now()
	candidates := make([]allocationCandidate, 0, len(cells))
	for _, cell := range cells {
		if cell.Unreserved() <= 0 {
			continue
		}
		batch, err := s.storage.GetBatch(ctx, cell.BatchID)
		if err != nil {
			return nil, s.entityErr("get_batch", err)
		}
		// 期限切れバッチは引当対象外
		if !ExpiryStatusOf(batch.ExpiryDate, now).Allocatable() {
			continue
		}
		candidates = append(candidates, allocationCandidate{cell: cell, batch: batch})
	}

	// 期限が近い順。期限なしは最後、同値はバッチIDで安定化
	sort.Slice(candidates, func(i, j int) bool {
		ei, ej := candidates[i].batch.ExpiryDate, candidates[j].batch.ExpiryDate
		switch {
		case ei == nil && ej == nil:
			return candidates[i].batch.ID < candidates[j].batch.ID
		case ei == nil:
			return false
		case ej == nil:
			return true
		case ei.Equal(*ej):
			return candidates[i].batch.ID < candidates[j].batch.ID
		default:
			return ei.Before(*ej)
		}
	})

	var total int64
	for _, c := range candidates {
		total += c.cell.Unreserved()
	}
	if total < quantity {
		movementRejectionsTotal.WithLabelValues(rejectReasonInsufficientStock).Inc()
		return nil, NewInsufficientStockError(productID, "", locationID, total, quantity)
	}

	lines := make([]AllocationLine, 0, len(candidates))
	remaining := quantity
	for _, c := range candidates {
		if remaining <= 0 {
			break
		}
		take := c.cell.Unreserved()
		if take > remaining {
			take = remaining
		}
		lines = append(lines, AllocationLine{BatchID: c.batch.ID, Quantity: take})
		remaining -= take
	}

	return lines, nil
}
