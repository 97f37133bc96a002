package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Reserve places a time-boxed hold on unreserved stock in one cell. A second
// reserve against the same cell and reference adjusts the existing hold
// instead of stacking a new one, so retried requests are safe.
// 1セルの未予約在庫に対して時間制限付きの確保を行う。同一セル・同一伝票への
// 再予約は新規に積み増さず既存の確保を調整するため、リトライされた要求も安全
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (string, error) {
	if err := ValidateProductID(req.ProductID); err != nil {
		return "", err
	}
	if err := ValidateLocationID(req.LocationID); err != nil {
		return "", err
	}
	if err := ValidateQuantity(req.Quantity); err != nil {
		return "", err
	}
	if err := ValidateReference(req.Reference); err != nil {
		return "", err
	}
	if err := ValidateTTL(req.TTL); err != nil {
		return "", err
	}
	if req.BatchID == "" {
		return "", NewValidationError("batch_id", "バッチIDが空です", req.BatchID)
	}

	batch, err := s.storage.GetBatch(ctx, req.BatchID)
	if err != nil {
		return "", s.entityErr("get_batch", err)
	}
	if _, err := s.storage.GetLocation(ctx, req.LocationID); err != nil {
		return "", s.entityErr("get_location", err)
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = s.config.DefaultReservationTTL
	}

	unlock := s.locks.lock(cellKey(batch.ID, req.LocationID))
	defer unlock()

	var reservationID string
	err = s.withCASRetry(ctx, func() error {
		now := time.Now()

		cell, err := s.storage.GetStockCell(ctx, batch.ID, req.LocationID)
		if err != nil {
			if errors.Is(err, ErrStockCellNotFound) {
				movementRejectionsTotal.WithLabelValues(rejectReasonInsufficientStock).Inc()
				return NewInsufficientStockError(req.ProductID, batch.ID, req.LocationID, 0, req.Quantity)
			}
			return NewStorageError("get_stock_cell", "在庫セル取得に失敗しました", err)
		}

		// このセルの失効済み予約を先に回収する
		if err := s.expireCellReservations(ctx, cell, now); err != nil {
			return err
		}

		existing, err := s.storage.FindActiveReservation(ctx, batch.ID, req.LocationID, req.Reference)
		if err != nil && !errors.Is(err, ErrReservationNotFound) {
			return NewStorageError("find_reservation", "予約検索に失敗しました", err)
		}

		headroom := cell.Unreserved()
		if existing != nil {
			headroom += existing.Quantity
		}
		if req.Quantity > headroom {
			movementRejectionsTotal.WithLabelValues(rejectReasonInsufficientStock).Inc()
			return NewInsufficientStockError(req.ProductID, batch.ID, req.LocationID, headroom, req.Quantity)
		}

		if existing != nil {
			// 既存予約の数量とTTLを置き換える
			cell.Reserved += req.Quantity - existing.Quantity
			existing.Quantity = req.Quantity
			existing.ExpiresAt = now.Add(ttl)
			existing.UpdatedAt = now
			if err := s.storage.UpdateReservation(ctx, existing); err != nil {
				return NewStorageError("update_reservation", "予約更新に失敗しました", err)
			}
			reservationID = existing.ID
		} else {
			reservation := &Reservation{
				ID:         NewReservationID(),
				ProductID:  req.ProductID,
				BatchID:    batch.ID,
				LocationID: req.LocationID,
				Quantity:   req.Quantity,
				Reference:  req.Reference,
				Status:     ReservationStatusActive,
				ExpiresAt:  now.Add(ttl),
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := s.storage.CreateReservation(ctx, reservation); err != nil {
				return NewStorageError("create_reservation", "予約作成に失敗しました", err)
			}
			cell.Reserved += req.Quantity
			reservationsActive.Inc()
			reservationID = reservation.ID
		}

		cell.Version++
		cell.UpdatedAt = now
		if err := s.storage.UpdateStockCell(ctx, cell); err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				return ErrConcurrentModification
			}
			return NewStorageError("update_stock_cell", "在庫セル更新に失敗しました", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("予約作成完了",
		zap.String("reservation_id", reservationID),
		zap.String("batch_id", batch.ID),
		zap.String("location_id", req.LocationID),
		zap.Int64("quantity", req.Quantity),
		zap.Duration("ttl", ttl),
	)

	return reservationID, nil
}

// Release terminates an active reservation and returns its remaining hold to
// unreserved stock. The outcome distinguishes fulfillment, cancellation and
// expiry; a fulfilled release assumes the caller already recorded the
// corresponding outbound movement.
// 有効な予約を終了し、残りの確保分を未予約在庫へ戻す。outcome で出荷・取消・
// 失効を区別する。fulfilled での解放は対応する出庫移動が記録済みであることを
// 前提とする
func (s *Service) Release(ctx context.Context, reservationID string, outcome ReservationOutcome) error {
	if reservationID == "" {
		return NewValidationError("reservation_id", "予約IDが空です", reservationID)
	}
	if outcome != ReservationStatusFulfilled && outcome != ReservationStatusCancelled && outcome != ReservationStatusExpired {
		return NewValidationError("outcome", "解放の終端状態は fulfilled / cancelled / expired のいずれかです", string(outcome))
	}

	reservation, err := s.storage.GetReservation(ctx, reservationID)
	if err != nil {
		return s.entityErr("get_reservation", err)
	}
	if reservation.Status != ReservationStatusActive {
		return ErrReservationNotActive
	}

	unlock := s.locks.lock(cellKey(reservation.BatchID, reservation.LocationID))
	defer unlock()

	return s.withCASRetry(ctx, func() error {
		// ロック獲得中に状態が変わっていないか再読込
		reservation, err := s.storage.GetReservation(ctx, reservation.ID)
		if err != nil {
			return s.entityErr("get_reservation", err)
		}
		if reservation.Status != ReservationStatusActive {
			return ErrReservationNotActive
		}
		return s.releaseLocked(ctx, reservation, outcome)
	})
}

// releaseLocked releases one active reservation. Must be called with the cell
// lock held.
// 有効な予約を1件解放する。セルロックを保持して呼び出すこと
func (s *Service) releaseLocked(ctx context.Context, reservation *Reservation, outcome ReservationOutcome) error {
	now := time.Now()

	cell, err := s.storage.GetStockCell(ctx, reservation.BatchID, reservation.LocationID)
	if err != nil {
		return NewStorageError("get_stock_cell", "在庫セル取得に失敗しました", err)
	}

	cell.Reserved -= reservation.Quantity
	if cell.Reserved < 0 {
		cell.Reserved = 0
	}
	cell.Version++
	cell.UpdatedAt = now
	if err := s.storage.UpdateStockCell(ctx, cell); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			return ErrConcurrentModification
		}
		return NewStorageError("update_stock_cell", "在庫セル更新に失敗しました", err)
	}

	reservation.Status = outcome
	reservation.UpdatedAt = now
	if err := s.storage.UpdateReservation(ctx, reservation); err != nil {
		return NewStorageError("update_reservation", "予約更新に失敗しました", err)
	}
	reservationsActive.Dec()

	s.logger.Info("予約解放完了",
		zap.String("reservation_id", reservation.ID),
		zap.String("outcome", string(outcome)),
		zap.Int64("returned_quantity", reservation.Quantity),
	)
	return nil
}

// expireCellReservations lazily releases expired reservations for one cell.
// Must be called with the cell lock held; mutates cell.Reserved in place so
// the caller's subsequent update persists the reclaim.
// 1セルの失効済み予約を遅延解放する。セルロック保持が前提で、cell.Reserved を
// 直接書き換えるため呼び出し側の後続更新で回収が永続化される
func (s *Service) expireCellReservations(ctx context.Context, cell *StockCell, now time.Time) error {
	expired, err := s.storage.ListExpiredReservations(ctx, now)
	if err != nil {
		return NewStorageError("list_expired_reservations", "失効予約取得に失敗しました", err)
	}
	for i := range expired {
		res := &expired[i]
		if res.BatchID != cell.BatchID || res.LocationID != cell.LocationID {
			continue
		}
		cell.Reserved -= res.Quantity
		if cell.Reserved < 0 {
			cell.Reserved = 0
		}
		res.Status = ReservationStatusExpired
		res.UpdatedAt = now
		if err := s.storage.UpdateReservation(ctx, res); err != nil {
			return NewStorageError("update_reservation", "予約更新に失敗しました", err)
		}
		reservationsActive.Dec()
		s.logger.Info("失効予約を回収しました",
			zap.String("reservation_id", res.ID),
			zap.Int64("returned_quantity", res.Quantity),
		)
	}
	return nil
}

// Sweeper periodically releases expired reservations across all cells,
// complementing the lazy reclaim done on the reserve path
// 全セルの失効予約を定期的に解放し、予約経路の遅延回収を補完する
type Sweeper struct {
	service *Service
	logger  *zap.Logger
	stop    chan struct{}
	done    chan struct{}
}

// NewSweeper creates a sweeper bound to a ledger service
// 台帳サービスに紐づくスイーパーを作成
func NewSweeper(service *Service, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		service: service,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run sweeps on the configured interval until Stop is called or the context
// is cancelled
// Stop 呼び出しまたはコンテキスト終了まで設定間隔でスイープを実行
func (w *Sweeper) Run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.service.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.sweep(ctx); err != nil {
				w.logger.Error("予約スイープに失敗しました", zap.Error(err))
			}
		}
	}
}

// Stop terminates the sweep loop and waits for it to finish
// スイープループを停止し、終了を待機
func (w *Sweeper) Stop() {
	close(w.stop)
	<-w.done
}

// sweep releases every reservation past its TTL
// TTLを超過した全予約を解放
func (w *Sweeper) sweep(ctx context.Context) error {
	now := time.Now()
	expired, err := w.service.storage.ListExpiredReservations(ctx, now)
	if err != nil {
		return NewStorageError("list_expired_reservations", "失効予約取得に失敗しました", err)
	}

	for i := range expired {
		res := expired[i]
		unlock := w.service.locks.lock(cellKey(res.BatchID, res.LocationID))
		err := w.service.withCASRetry(ctx, func() error {
			// 遅延回収と競合した場合は再読込で状態確認
			current, err := w.service.storage.GetReservation(ctx, res.ID)
			if err != nil {
				return w.service.entityErr("get_reservation", err)
			}
			if current.Status != ReservationStatusActive {
				return nil
			}
			return w.service.releaseLocked(ctx, current, ReservationStatusExpired)
		})
		unlock()
		if err != nil {
			w.logger.Error("失効予約の解放に失敗しました",
				zap.String("reservation_id", res.ID), zap.Error(err))
		}
	}

	if len(expired) > 0 {
		w.logger.Info("予約スイープ完了", zap.Int("released", len(expired)))
	}
	return nil
}
