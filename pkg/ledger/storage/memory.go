package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nemonet1337/zaiLedgerGo/pkg/ledger"
)

// MemoryStorage implements the Storage interface in memory. Intended for
// tests and examples; it mirrors the optimistic-locking behavior of the
// PostgreSQL implementation.
// Storageインターフェースのインメモリ実装。テストと例のためのもので、
// PostgreSQL実装の楽観的ロック挙動を再現する
type MemoryStorage struct {
	mu           sync.RWMutex
	products     map[string]ledger.Product
	locations    map[string]ledger.Location
	batches      map[string]ledger.Batch
	cells        map[string]ledger.StockCell
	movements    []ledger.Movement
	reservations map[string]ledger.Reservation
	alerts       map[string]ledger.StockAlert
}

// NewMemoryStorage creates an empty in-memory storage
// 空のインメモリストレージを作成
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		products:     make(map[string]ledger.Product),
		locations:    make(map[string]ledger.Location),
		batches:      make(map[string]ledger.Batch),
		cells:        make(map[string]ledger.StockCell),
		reservations: make(map[string]ledger.Reservation),
		alerts:       make(map[string]ledger.StockAlert),
	}
}

func cellKey(batchID, locationID string) string {
	return batchID + "\x00" + locationID
}

// UpsertProduct creates or replaces a product snapshot
// 商品スナップショットを作成または置き換え
func (s *MemoryStorage) UpsertProduct(ctx context.Context, product *ledger.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = *product
	return nil
}

// GetProduct retrieves a product by ID
// IDで商品を取得
func (s *MemoryStorage) GetProduct(ctx context.Context, productID string) (*ledger.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	product, ok := s.products[productID]
	if !ok {
		return nil, ledger.ErrProductNotFound
	}
	return &product, nil
}

// UpsertLocation creates or replaces a location snapshot
// ロケーションスナップショットを作成または置き換え
func (s *MemoryStorage) UpsertLocation(ctx context.Context, location *ledger.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[location.ID] = *location
	return nil
}

// GetLocation retrieves a location by ID
// IDでロケーションを取得
func (s *MemoryStorage) GetLocation(ctx context.Context, locationID string) (*ledger.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	location, ok := s.locations[locationID]
	if !ok {
		return nil, ledger.ErrLocationNotFound
	}
	return &location, nil
}

// CreateBatch creates a new batch record. (product, number) is unique, as in
// the PostgreSQL schema.
// 新しいバッチ記録を作成。(商品, 番号) はPostgreSQLスキーマと同様に一意
func (s *MemoryStorage) CreateBatch(ctx context.Context, batch *ledger.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.batches {
		if existing.ProductID == batch.ProductID && existing.Number == batch.Number {
			return ledger.ErrConcurrentModification
		}
	}
	s.batches[batch.ID] = *batch
	return nil
}

// GetBatch retrieves a batch by ID
// IDでバッチを取得
func (s *MemoryStorage) GetBatch(ctx context.Context, batchID string) (*ledger.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return nil, ledger.ErrBatchNotFound
	}
	return &batch, nil
}

// GetBatchByNumber retrieves a batch by product and batch number
// 商品とバッチ番号でバッチを取得
func (s *MemoryStorage) GetBatchByNumber(ctx context.Context, productID, number string) (*ledger.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, batch := range s.batches {
		if batch.ProductID == productID && batch.Number == number {
			b := batch
			return &b, nil
		}
	}
	return nil, ledger.ErrBatchNotFound
}

// UpdateBatch updates a batch's derived fields
// バッチの派生フィールドを更新
func (s *MemoryStorage) UpdateBatch(ctx context.Context, batch *ledger.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch.ID]; !ok {
		return ledger.ErrBatchNotFound
	}
	s.batches[batch.ID] = *batch
	return nil
}

// ListBatchesByProduct retrieves all batches of a product
// 指定商品のすべてのバッチを取得
func (s *MemoryStorage) ListBatchesByProduct(ctx context.Context, productID string) ([]ledger.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var batches []ledger.Batch
	for _, batch := range s.batches {
		if batch.ProductID == productID {
			batches = append(batches, batch)
		}
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].ID < batches[j].ID })
	return batches, nil
}

// ListExpiringBatches retrieves batches expiring before the given time
// 指定時刻より前に期限を迎えるバッチを取得
func (s *MemoryStorage) ListExpiringBatches(ctx context.Context, before time.Time) ([]ledger.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var batches []ledger.Batch
	for _, batch := range s.batches {
		if batch.ExpiryDate != nil && !batch.ExpiryDate.After(before) {
			batches = append(batches, batch)
		}
	}
	sort.Slice(batches, func(i, j int) bool {
		return batches[i].ExpiryDate.Before(*batches[j].ExpiryDate)
	})
	return batches, nil
}

// CreateStockCell creates a new stock cell record
// 新しい在庫セル記録を作成
func (s *MemoryStorage) CreateStockCell(ctx context.Context, cell *ledger.StockCell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cells[cellKey(cell.BatchID, cell.LocationID)] = *cell
	return nil
}

// UpdateStockCell updates a stock cell using optimistic locking
// 楽観的ロックを用いて在庫セルを更新
func (s *MemoryStorage) UpdateStockCell(ctx context.Context, cell *ledger.StockCell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cellKey(cell.BatchID, cell.LocationID)
	current, ok := s.cells[key]
	if !ok {
		return ledger.ErrStockCellNotFound
	}
	if current.Version != cell.Version-1 {
		return ledger.ErrConcurrentModification
	}
	s.cells[key] = *cell
	return nil
}

// GetStockCell retrieves the stock cell for a batch at a location
// 指定ロケーションのバッチ在庫セルを取得
func (s *MemoryStorage) GetStockCell(ctx context.Context, batchID, locationID string) (*ledger.StockCell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cell, ok := s.cells[cellKey(batchID, locationID)]
	if !ok {
		return nil, ledger.ErrStockCellNotFound
	}
	return &cell, nil
}

// ListStockCellsByBatch retrieves all stock cells of a batch
// バッチのすべての在庫セルを取得
func (s *MemoryStorage) ListStockCellsByBatch(ctx context.Context, batchID string) ([]ledger.StockCell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var cells []ledger.StockCell
	for _, cell := range s.cells {
		if cell.BatchID == batchID {
			cells = append(cells, cell)
		}
	}
	sortCells(cells)
	return cells, nil
}

// ListStockCellsByProduct retrieves all stock cells of a product
// 商品のすべての在庫セルを取得
func (s *MemoryStorage) ListStockCellsByProduct(ctx context.Context, productID string) ([]ledger.StockCell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var cells []ledger.StockCell
	for _, cell := range s.cells {
		if cell.ProductID == productID {
			cells = append(cells, cell)
		}
	}
	sortCells(cells)
	return cells, nil
}

// ListStockCellsByProductLocation retrieves stock cells of a product at one location
// 指定ロケーションの商品在庫セルを取得
func (s *MemoryStorage) ListStockCellsByProductLocation(ctx context.Context, productID, locationID string) ([]ledger.StockCell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var cells []ledger.StockCell
	for _, cell := range s.cells {
		if cell.ProductID == productID && cell.LocationID == locationID {
			cells = append(cells, cell)
		}
	}
	sortCells(cells)
	return cells, nil
}

func sortCells(cells []ledger.StockCell) {
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].BatchID != cells[j].BatchID {
			return cells[i].BatchID < cells[j].BatchID
		}
		return cells[i].LocationID < cells[j].LocationID
	})
}

// AppendMovement appends a movement to the in-memory log
// 移動をインメモリログへ追記
func (s *MemoryStorage) AppendMovement(ctx context.Context, movement *ledger.Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.movements = append(s.movements, *movement)
	return nil
}

// AppendMovementPair appends both movements of a transfer under one lock,
// so the log holds both or neither
// 移動の対を同一ロック内で追記する。ログには両方が記録されるか、
// どちらも記録されない
func (s *MemoryStorage) AppendMovementPair(ctx context.Context, out, in *ledger.Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.movements = append(s.movements, *out, *in)
	return nil
}

// ListMovementsByProduct retrieves movement history for a product, newest first
// 商品の移動履歴を新しい順に取得
func (s *MemoryStorage) ListMovementsByProduct(ctx context.Context, productID string, limit int) ([]ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var movements []ledger.Movement
	for i := len(s.movements) - 1; i >= 0 && len(movements) < limit; i-- {
		if s.movements[i].ProductID == productID {
			movements = append(movements, s.movements[i])
		}
	}
	return movements, nil
}

// ListMovementsByBatch retrieves movement history for a batch, newest first
// バッチの移動履歴を新しい順に取得
func (s *MemoryStorage) ListMovementsByBatch(ctx context.Context, batchID string, limit int) ([]ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var movements []ledger.Movement
	for i := len(s.movements) - 1; i >= 0 && len(movements) < limit; i-- {
		if s.movements[i].BatchID == batchID {
			movements = append(movements, s.movements[i])
		}
	}
	return movements, nil
}

// ListAllMovements retrieves the full movement log in append order
// 移動ログ全体を追記順で取得
func (s *MemoryStorage) ListAllMovements(ctx context.Context) ([]ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	movements := make([]ledger.Movement, len(s.movements))
	copy(movements, s.movements)
	return movements, nil
}

// CreateReservation creates a new reservation record
// 新しい予約記録を作成
func (s *MemoryStorage) CreateReservation(ctx context.Context, reservation *ledger.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[reservation.ID] = *reservation
	return nil
}

// GetReservation retrieves a reservation by ID
// IDで予約を取得
func (s *MemoryStorage) GetReservation(ctx context.Context, reservationID string) (*ledger.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reservation, ok := s.reservations[reservationID]
	if !ok {
		return nil, ledger.ErrReservationNotFound
	}
	return &reservation, nil
}

// UpdateReservation updates a reservation record
// 予約記録を更新
func (s *MemoryStorage) UpdateReservation(ctx context.Context, reservation *ledger.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[reservation.ID]; !ok {
		return ledger.ErrReservationNotFound
	}
	s.reservations[reservation.ID] = *reservation
	return nil
}

// FindActiveReservation finds the active reservation for a cell and reference
// セルと参照伝票に対応する有効な予約を検索
func (s *MemoryStorage) FindActiveReservation(ctx context.Context, batchID, locationID string, ref ledger.Reference) (*ledger.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, reservation := range s.reservations {
		if reservation.Status == ledger.ReservationStatusActive &&
			reservation.BatchID == batchID &&
			reservation.LocationID == locationID &&
			reservation.Reference == ref {
			r := reservation
			return &r, nil
		}
	}
	return nil, ledger.ErrReservationNotFound
}

// ListActiveReservations retrieves all active reservations
// すべての有効な予約を取得
func (s *MemoryStorage) ListActiveReservations(ctx context.Context) ([]ledger.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var reservations []ledger.Reservation
	for _, reservation := range s.reservations {
		if reservation.Status == ledger.ReservationStatusActive {
			reservations = append(reservations, reservation)
		}
	}
	sort.Slice(reservations, func(i, j int) bool { return reservations[i].ID < reservations[j].ID })
	return reservations, nil
}

// ListExpiredReservations retrieves active reservations past their TTL
// TTLを超過した有効な予約を取得
func (s *MemoryStorage) ListExpiredReservations(ctx context.Context, asOf time.Time) ([]ledger.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var reservations []ledger.Reservation
	for _, reservation := range s.reservations {
		if reservation.Status == ledger.ReservationStatusActive && !reservation.ExpiresAt.After(asOf) {
			reservations = append(reservations, reservation)
		}
	}
	sort.Slice(reservations, func(i, j int) bool {
		return reservations[i].ExpiresAt.Before(reservations[j].ExpiresAt)
	})
	return reservations, nil
}

// CreateAlert creates a new stock alert
// 新しい在庫アラートを作成
func (s *MemoryStorage) CreateAlert(ctx context.Context, alert *ledger.StockAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = *alert
	return nil
}

// GetActiveAlerts retrieves active alerts, optionally filtered by location
// アクティブアラートを取得（ロケーションで絞り込み可能）
func (s *MemoryStorage) GetActiveAlerts(ctx context.Context, locationID string) ([]ledger.StockAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var alerts []ledger.StockAlert
	for _, alert := range s.alerts {
		if !alert.IsActive {
			continue
		}
		if locationID != "" && alert.LocationID != locationID {
			continue
		}
		alerts = append(alerts, alert)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].CreatedAt.Before(alerts[j].CreatedAt) })
	return alerts, nil
}

// ResolveAlert resolves an alert by setting it inactive
// アラートを非アクティブにして解決
func (s *MemoryStorage) ResolveAlert(ctx context.Context, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return ledger.ErrAlertNotFound
	}
	now := time.Now()
	alert.IsActive = false
	alert.ResolvedAt = &now
	s.alerts[alertID] = alert
	return nil
}

// Ping always succeeds for the in-memory backend
// インメモリバックエンドでは常に成功
func (s *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory backend
// インメモリバックエンドでは何もしない
func (s *MemoryStorage) Close() error {
	return nil
}
