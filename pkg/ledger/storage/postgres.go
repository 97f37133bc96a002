// Package storage provides persistence implementations for the ledger
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedgerGo/pkg/ledger"
)

// PostgreSQLStorage implements the Storage interface using PostgreSQL
// PostgreSQLを使用したStorageインターフェースの実装
type PostgreSQLStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(dsn string, logger *zap.Logger) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	// 接続プール設定
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	storage := &PostgreSQLStorage{
		db:     db,
		logger: logger,
	}

	return storage, nil
}

// UpsertProduct creates or replaces a product snapshot
// 商品スナップショットを作成または置き換え
func (s *PostgreSQLStorage) UpsertProduct(ctx context.Context, product *ledger.Product) error {
	query := `
		INSERT INTO products (id, name, base_unit, units_per_pack, packs_per_box, boxes_per_case, reorder_level, critical_stock_level, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET name = $2, base_unit = $3, units_per_pack = $4, packs_per_box = $5, boxes_per_case = $6, reorder_level = $7, critical_stock_level = $8, updated_at = $10`

	_, err := s.db.ExecContext(ctx, query,
		product.ID,
		product.Name,
		product.Pack.BaseUnit,
		product.Pack.UnitsPerPack,
		product.Pack.PacksPerBox,
		product.Pack.BoxesPerCase,
		product.ReorderLevel,
		product.CriticalStockLevel,
		product.CreatedAt,
		product.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("商品保存に失敗しました: %w", err)
	}

	return nil
}

// GetProduct retrieves a product by ID
// IDで商品を取得
func (s *PostgreSQLStorage) GetProduct(ctx context.Context, productID string) (*ledger.Product, error) {
	query := `
		SELECT id, name, base_unit, units_per_pack, packs_per_box, boxes_per_case, reorder_level, critical_stock_level, created_at, updated_at
		FROM products
		WHERE id = $1`

	product := &ledger.Product{}
	err := s.db.QueryRowContext(ctx, query, productID).Scan(
		&product.ID,
		&product.Name,
		&product.Pack.BaseUnit,
		&product.Pack.UnitsPerPack,
		&product.Pack.PacksPerBox,
		&product.Pack.BoxesPerCase,
		&product.ReorderLevel,
		&product.CriticalStockLevel,
		&product.CreatedAt,
		&product.UpdatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ledger.ErrProductNotFound
		}
		return nil, fmt.Errorf("商品取得に失敗しました: %w", err)
	}

	return product, nil
}

// UpsertLocation creates or replaces a location snapshot
// ロケーションスナップショットを作成または置き換え
func (s *PostgreSQLStorage) UpsertLocation(ctx context.Context, location *ledger.Location) error {
	query := `
		INSERT INTO locations (id, name, type, sales_eligible, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET name = $2, type = $3, sales_eligible = $4, is_active = $5, updated_at = $7`

	_, err := s.db.ExecContext(ctx, query,
		location.ID,
		location.Name,
		location.Type,
		location.SalesEligible,
		location.IsActive,
		location.CreatedAt,
		location.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("ロケーション保存に失敗しました: %w", err)
	}

	return nil
}

// GetLocation retrieves a location by ID
// IDでロケーションを取得
func (s *PostgreSQLStorage) GetLocation(ctx context.Context, locationID string) (*ledger.Location, error) {
	query := `
		SELECT id, name, type, sales_eligible, is_active, created_at, updated_at
		FROM locations
		WHERE id = $1`

	location := &ledger.Location{}
	err := s.db.QueryRowContext(ctx, query, locationID).Scan(
		&location.ID,
		&location.Name,
		&location.Type,
		&location.SalesEligible,
		&location.IsActive,
		&location.CreatedAt,
		&location.UpdatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ledger.ErrLocationNotFound
		}
		return nil, fmt.Errorf("ロケーション取得に失敗しました: %w", err)
	}

	return location, nil
}

// CreateBatch creates a new batch record
// 新しいバッチ記録を作成
func (s *PostgreSQLStorage) CreateBatch(ctx context.Context, batch *ledger.Batch) error {
	query := `
		INSERT INTO batches (id, product_id, number, manufacturing_date, expiry_date, quantity_available, weighted_average_cost, expiry_status, primary_location_id, location_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.db.ExecContext(ctx, query,
		batch.ID,
		batch.ProductID,
		batch.Number,
		batch.ManufacturingDate,
		batch.ExpiryDate,
		batch.QuantityAvailable,
		batch.WeightedAverageCost,
		string(batch.ExpiryStatus),
		batch.PrimaryLocationID,
		batch.LocationCount,
		batch.CreatedAt,
		batch.UpdatedAt,
	)

	if err != nil {
		// 同じ番号のバッチが先に作成された場合は競合として呼び出し側で回復する
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ledger.ErrConcurrentModification
		}
		return fmt.Errorf("バッチ作成に失敗しました: %w", err)
	}

	return nil
}

// GetBatch retrieves a batch by ID
// IDでバッチを取得
func (s *PostgreSQLStorage) GetBatch(ctx context.Context, batchID string) (*ledger.Batch, error) {
	query := `
		SELECT id, product_id, number, manufacturing_date, expiry_date, quantity_available, weighted_average_cost, expiry_status, primary_location_id, location_count, created_at, updated_at
		FROM batches
		WHERE id = $1`

	return s.scanBatch(s.db.QueryRowContext(ctx, query, batchID))
}

// GetBatchByNumber retrieves a batch by product and batch number
// 商品とバッチ番号でバッチを取得
func (s *PostgreSQLStorage) GetBatchByNumber(ctx context.Context, productID, number string) (*ledger.Batch, error) {
	query := `
		SELECT id, product_id, number, manufacturing_date, expiry_date, quantity_available, weighted_average_cost, expiry_status, primary_location_id, location_count, created_at, updated_at
		FROM batches
		WHERE product_id = $1 AND number = $2`

	return s.scanBatch(s.db.QueryRowContext(ctx, query, productID, number))
}

// scanBatch scans one batch row
// バッチ1行をスキャン
func (s *PostgreSQLStorage) scanBatch(row *sql.Row) (*ledger.Batch, error) {
	batch := &ledger.Batch{}
	var expiryStatus string
	err := row.Scan(
		&batch.ID,
		&batch.ProductID,
		&batch.Number,
		&batch.ManufacturingDate,
		&batch.ExpiryDate,
		&batch.QuantityAvailable,
		&batch.WeightedAverageCost,
		&expiryStatus,
		&batch.PrimaryLocationID,
		&batch.LocationCount,
		&batch.CreatedAt,
		&batch.UpdatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ledger.ErrBatchNotFound
		}
		return nil, fmt.Errorf("バッチ取得に失敗しました: %w", err)
	}
	batch.ExpiryStatus = ledger.ExpiryStatus(expiryStatus)

	return batch, nil
}

// UpdateBatch updates a batch's derived fields
// バッチの派生フィールドを更新
func (s *PostgreSQLStorage) UpdateBatch(ctx context.Context, batch *ledger.Batch) error {
	query := `
		UPDATE batches
		SET quantity_available = $2, weighted_average_cost = $3, expiry_status = $4, primary_location_id = $5, location_count = $6, updated_at = $7
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query,
		batch.ID,
		batch.QuantityAvailable,
		batch.WeightedAverageCost,
		string(batch.ExpiryStatus),
		batch.PrimaryLocationID,
		batch.LocationCount,
		batch.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("バッチ更新に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}

	if rowsAffected == 0 {
		return ledger.ErrBatchNotFound
	}

	return nil
}

// ListBatchesByProduct retrieves all batches of a product
// 指定商品のすべてのバッチを取得
func (s *PostgreSQLStorage) ListBatchesByProduct(ctx context.Context, productID string) ([]ledger.Batch, error) {
	query := `
		SELECT id, product_id, number, manufacturing_date, expiry_date, quantity_available, weighted_average_cost, expiry_status, primary_location_id, location_count, created_at, updated_at
		FROM batches
		WHERE product_id = $1
		ORDER BY expiry_date ASC NULLS LAST, id`

	rows, err := s.db.QueryContext(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("商品バッチ取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return s.scanBatches(rows)
}

// ListExpiringBatches retrieves batches expiring before the given time
// 指定時刻より前に期限を迎えるバッチを取得
func (s *PostgreSQLStorage) ListExpiringBatches(ctx context.Context, before time.Time) ([]ledger.Batch, error) {
	query := `
		SELECT id, product_id, number, manufacturing_date, expiry_date, quantity_available, weighted_average_cost, expiry_status, primary_location_id, location_count, created_at, updated_at
		FROM batches
		WHERE expiry_date IS NOT NULL AND expiry_date <= $1
		ORDER BY expiry_date ASC`

	rows, err := s.db.QueryContext(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("期限間近バッチ取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return s.scanBatches(rows)
}

// scanBatches scans a batch result set
// バッチの結果セットをスキャン
func (s *PostgreSQLStorage) scanBatches(rows *sql.Rows) ([]ledger.Batch, error) {
	var batches []ledger.Batch
	for rows.Next() {
		var batch ledger.Batch
		var expiryStatus string
		err := rows.Scan(
			&batch.ID,
			&batch.ProductID,
			&batch.Number,
			&batch.ManufacturingDate,
			&batch.ExpiryDate,
			&batch.QuantityAvailable,
			&batch.WeightedAverageCost,
			&expiryStatus,
			&batch.PrimaryLocationID,
			&batch.LocationCount,
			&batch.CreatedAt,
			&batch.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("バッチスキャンに失敗しました: %w", err)
		}
		batch.ExpiryStatus = ledger.ExpiryStatus(expiryStatus)
		batches = append(batches, batch)
	}

	return batches, nil
}

// CreateStockCell creates a new stock cell record
// 新しい在庫セル記録を作成
func (s *PostgreSQLStorage) CreateStockCell(ctx context.Context, cell *ledger.StockCell) error {
	query := `
		INSERT INTO stock_cells (batch_id, location_id, product_id, available, reserved, version, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		cell.BatchID,
		cell.LocationID,
		cell.ProductID,
		cell.Available,
		cell.Reserved,
		cell.Version,
		cell.UpdatedAt,
		cell.UpdatedBy,
	)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("在庫セルは既に存在します")
		}
		return fmt.Errorf("在庫セル作成に失敗しました: %w", err)
	}

	return nil
}

// UpdateStockCell updates a stock cell using optimistic locking
// 楽観的ロックを用いて在庫セルを更新
func (s *PostgreSQLStorage) UpdateStockCell(ctx context.Context, cell *ledger.StockCell) error {
	query := `
		UPDATE stock_cells
		SET available = $3, reserved = $4, version = $5, updated_at = $6, updated_by = $7
		WHERE batch_id = $1 AND location_id = $2 AND version = $8`

	result, err := s.db.ExecContext(ctx, query,
		cell.BatchID,
		cell.LocationID,
		cell.Available,
		cell.Reserved,
		cell.Version,
		cell.UpdatedAt,
		cell.UpdatedBy,
		cell.Version-1, // 楽観的ロックのための前バージョン
	)

	if err != nil {
		return fmt.Errorf("在庫セル更新に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}

	if rowsAffected == 0 {
		return ledger.ErrConcurrentModification
	}

	return nil
}

// GetStockCell retrieves the stock cell for a batch at a location
// 指定ロケーションのバッチ在庫セルを取得
func (s *PostgreSQLStorage) GetStockCell(ctx context.Context, batchID, locationID string) (*ledger.StockCell, error) {
	query := `
		SELECT batch_id, location_id, product_id, available, reserved, version, updated_at, updated_by
		FROM stock_cells
		WHERE batch_id = $1 AND location_id = $2`

	cell := &ledger.StockCell{}
	err := s.db.QueryRowContext(ctx, query, batchID, locationID).Scan(
		&cell.BatchID,
		&cell.LocationID,
		&cell.ProductID,
		&cell.Available,
		&cell.Reserved,
		&cell.Version,
		&cell.UpdatedAt,
		&cell.UpdatedBy,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ledger.ErrStockCellNotFound
		}
		return nil, fmt.Errorf("在庫セル取得に失敗しました: %w", err)
	}

	return cell, nil
}

// ListStockCellsByBatch retrieves all stock cells of a batch
// バッチのすべての在庫セルを取得
func (s *PostgreSQLStorage) ListStockCellsByBatch(ctx context.Context, batchID string) ([]ledger.StockCell, error) {
	query := `
		SELECT batch_id, location_id, product_id, available, reserved, version, updated_at, updated_by
		FROM stock_cells
		WHERE batch_id = $1
		ORDER BY location_id`

	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("バッチ在庫取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return s.scanStockCells(rows)
}

// ListStockCellsByProduct retrieves all stock cells of a product
// 商品のすべての在庫セルを取得
func (s *PostgreSQLStorage) ListStockCellsByProduct(ctx context.Context, productID string) ([]ledger.StockCell, error) {
	query := `
		SELECT batch_id, location_id, product_id, available, reserved, version, updated_at, updated_by
		FROM stock_cells
		WHERE product_id = $1
		ORDER BY batch_id, location_id`

	rows, err := s.db.QueryContext(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("商品在庫取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return s.scanStockCells(rows)
}

// ListStockCellsByProductLocation retrieves stock cells of a product at one location
// 指定ロケーションの商品在庫セルを取得
func (s *PostgreSQLStorage) ListStockCellsByProductLocation(ctx context.Context, productID, locationID string) ([]ledger.StockCell, error) {
	query := `
		SELECT batch_id, location_id, product_id, available, reserved, version, updated_at, updated_by
		FROM stock_cells
		WHERE product_id = $1 AND location_id = $2
		ORDER BY batch_id`

	rows, err := s.db.QueryContext(ctx, query, productID, locationID)
	if err != nil {
		return nil, fmt.Errorf("商品在庫取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return s.scanStockCells(rows)
}

// scanStockCells scans a stock cell result set
// 在庫セルの結果セットをスキャン
func (s *PostgreSQLStorage) scanStockCells(rows *sql.Rows) ([]ledger.StockCell, error) {
	var cells []ledger.StockCell
	for rows.Next() {
		var cell ledger.StockCell
		err := rows.Scan(
			&cell.BatchID,
			&cell.LocationID,
			&cell.ProductID,
			&cell.Available,
			&cell.Reserved,
			&cell.Version,
			&cell.UpdatedAt,
			&cell.UpdatedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("在庫セルスキャンに失敗しました: %w", err)
		}
		cells = append(cells, cell)
	}

	return cells, nil
}

// AppendMovement appends a movement to the ledger. There is deliberately no
// update or delete counterpart.
// 移動を台帳へ追記する。更新・削除の対となる操作は意図的に存在しない
func (s *PostgreSQLStorage) AppendMovement(ctx context.Context, movement *ledger.Movement) error {
	return insertMovement(ctx, s.db, movement)
}

// AppendMovementPair appends both movements of a transfer in one transaction,
// so the log holds both or neither
// 移動の対を単一トランザクションで追記する。ログには両方が記録されるか、
// どちらも記録されない
func (s *PostgreSQLStorage) AppendMovementPair(ctx context.Context, out, in *ledger.Movement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗しました: %w", err)
	}

	for _, movement := range []*ledger.Movement{out, in} {
		if err := insertMovement(ctx, tx, movement); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションコミットに失敗しました: %w", err)
	}
	return nil
}

// sqlExecer is satisfied by both *sql.DB and *sql.Tx
// *sql.DB と *sql.Tx の両方が満たす
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertMovement(ctx context.Context, db sqlExecer, movement *ledger.Movement) error {
	var unitCost decimal.NullDecimal
	if movement.UnitCost != nil {
		unitCost = decimal.NullDecimal{Decimal: *movement.UnitCost, Valid: true}
	}

	query := `
		INSERT INTO movements (id, type, product_id, batch_id, location_id, quantity, direction, unit_cost, reference_type, reference_id, transfer_pair_id, reservation_id, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := db.ExecContext(ctx, query,
		movement.ID,
		string(movement.Type),
		movement.ProductID,
		movement.BatchID,
		movement.LocationID,
		movement.Quantity,
		int(movement.Direction),
		unitCost,
		movement.Reference.Type,
		movement.Reference.ID,
		movement.TransferPairID,
		movement.ReservationID,
		movement.CreatedAt,
		movement.CreatedBy,
	)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("移動記録は既に存在します: %s", movement.ID)
		}
		return fmt.Errorf("移動記録作成に失敗しました: %w", err)
	}

	return nil
}

// ListMovementsByProduct retrieves movement history for a product, newest first
// 商品の移動履歴を新しい順に取得
func (s *PostgreSQLStorage) ListMovementsByProduct(ctx context.Context, productID string, limit int) ([]ledger.Movement, error) {
	query := `
		SELECT id, type, product_id, batch_id, location_id, quantity, direction, unit_cost, reference_type, reference_id, transfer_pair_id, reservation_id, created_at, created_by
		FROM movements
		WHERE product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, productID, limit)
	if err != nil {
		return nil, fmt.Errorf("移動履歴取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return s.scanMovements(rows)
}

// ListMovementsByBatch retrieves movement history for a batch, newest first
// バッチの移動履歴を新しい順に取得
func (s *PostgreSQLStorage) ListMovementsByBatch(ctx context.Context, batchID string, limit int) ([]ledger.Movement, error) {
	query := `
		SELECT id, type, product_id, batch_id, location_id, quantity, direction, unit_cost, reference_type, reference_id, transfer_pair_id, reservation_id, created_at, created_by
		FROM movements
		WHERE batch_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, batchID, limit)
	if err != nil {
		return nil, fmt.Errorf("バッチ移動履歴取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return s.scanMovements(rows)
}

// ListAllMovements retrieves the full movement log in append order
// 移動ログ全体を追記順で取得
func (s *PostgreSQLStorage) ListAllMovements(ctx context.Context) ([]ledger.Movement, error) {
	query := `
		SELECT id, type, product_id, batch_id, location_id, quantity, direction, unit_cost, reference_type, reference_id, transfer_pair_id, reservation_id, created_at, created_by
		FROM movements
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("移動ログ取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return s.scanMovements(rows)
}

// scanMovements scans a movement result set
// 移動の結果セットをスキャン
func (s *PostgreSQLStorage) scanMovements(rows *sql.Rows) ([]ledger.Movement, error) {
	var movements []ledger.Movement
	for rows.Next() {
		var mv ledger.Movement
		var movementType string
		var direction int
		var unitCost decimal.NullDecimal

		err := rows.Scan(
			&mv.ID,
			&movementType,
			&mv.ProductID,
			&mv.BatchID,
			&mv.LocationID,
			&mv.Quantity,
			&direction,
			&unitCost,
			&mv.Reference.Type,
			&mv.Reference.ID,
			&mv.TransferPairID,
			&mv.ReservationID,
			&mv.CreatedAt,
			&mv.CreatedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("移動スキャンに失敗しました: %w", err)
		}

		mv.Type = ledger.MovementType(movementType)
		mv.Direction = ledger.MovementDirection(direction)
		if unitCost.Valid {
			cost := unitCost.Decimal
			mv.UnitCost = &cost
		}

		movements = append(movements, mv)
	}

	return movements, nil
}

// CreateReservation creates a new reservation record
// 新しい予約記録を作成
func (s *PostgreSQLStorage) CreateReservation(ctx context.Context, reservation *ledger.Reservation) error {
	query := `
		INSERT INTO reservations (id, product_id, batch_id, location_id, quantity, reference_type, reference_id, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.ExecContext(ctx, query,
		reservation.ID,
		reservation.ProductID,
		reservation.BatchID,
		reservation.LocationID,
		reservation.Quantity,
		reservation.Reference.Type,
		reservation.Reference.ID,
		string(reservation.Status),
		reservation.ExpiresAt,
		reservation.CreatedAt,
		reservation.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("予約作成に失敗しました: %w", err)
	}

	return nil
}

// GetReservation retrieves a reservation by ID
// IDで予約を取得
func (s *PostgreSQLStorage) GetReservation(ctx context.Context, reservationID string) (*ledger.Reservation, error) {
	query := `
		SELECT id, product_id, batch_id, location_id, quantity, reference_type, reference_id, status, expires_at, created_at, updated_at
		FROM reservations
		WHERE id = $1`

	return s.scanReservation(s.db.QueryRowContext(ctx, query, reservationID))
}

// FindActiveReservation finds the active reservation for a cell and reference
// セルと参照伝票に対応する有効な予約を検索
func (s *PostgreSQLStorage) FindActiveReservation(ctx context.Context, batchID, locationID string, ref ledger.Reference) (*ledger.Reservation, error) {
	query := `
		SELECT id, product_id, batch_id, location_id, quantity, reference_type, reference_id, status, expires_at, created_at, updated_at
		FROM reservations
		WHERE batch_id = $1 AND location_id = $2 AND reference_type = $3 AND reference_id = $4 AND status = 'active'`

	return s.scanReservation(s.db.QueryRowContext(ctx, query, batchID, locationID, ref.Type, ref.ID))
}

// scanReservation scans one reservation row
// 予約1行をスキャン
func (s *PostgreSQLStorage) scanReservation(row *sql.Row) (*ledger.Reservation, error) {
	reservation := &ledger.Reservation{}
	var status string
	err := row.Scan(
		&reservation.ID,
		&reservation.ProductID,
		&reservation.BatchID,
		&reservation.LocationID,
		&reservation.Quantity,
		&reservation.Reference.Type,
		&reservation.Reference.ID,
		&status,
		&reservation.ExpiresAt,
		&reservation.CreatedAt,
		&reservation.UpdatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ledger.ErrReservationNotFound
		}
		return nil, fmt.Errorf("予約取得に失敗しました: %w", err)
	}
	reservation.Status = ledger.ReservationStatus(status)

	return reservation, nil
}

// UpdateReservation updates a reservation record
// 予約記録を更新
func (s *PostgreSQLStorage) UpdateReservation(ctx context.Context, reservation *ledger.Reservation) error {
	query := `
		UPDATE reservations
		SET quantity = $2, status = $3, expires_at = $4, updated_at = $5
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query,
		reservation.ID,
		reservation.Quantity,
		string(reservation.Status),
		reservation.ExpiresAt,
		reservation.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("予約更新に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}

	if rowsAffected == 0 {
		return ledger.ErrReservationNotFound
	}

	return nil
}

// ListActiveReservations retrieves all active reservations
// すべての有効な予約を取得
func (s *PostgreSQLStorage) ListActiveReservations(ctx context.Context) ([]ledger.Reservation, error) {
	query := `
		SELECT id, product_id, batch_id, location_id, quantity, reference_type, reference_id, status, expires_at, created_at, updated_at
		FROM reservations
		WHERE status = 'active'
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("予約取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return s.scanReservations(rows)
}

// ListExpiredReservations retrieves active reservations past their TTL
// TTLを超過した有効な予約を取得
func (s *PostgreSQLStorage) ListExpiredReservations(ctx context.Context, asOf time.Time) ([]ledger.Reservation, error) {
	query := `
		SELECT id, product_id, batch_id, location_id, quantity, reference_type, reference_id, status, expires_at, created_at, updated_at
		FROM reservations
		WHERE status = 'active' AND expires_at <= $1
		ORDER BY expires_at`

	rows, err := s.db.QueryContext(ctx, query, asOf)
	if err != nil {
		return nil, fmt.Errorf("失効予約取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return s.scanReservations(rows)
}

// scanReservations scans a reservation result set
// 予約の結果セットをスキャン
func (s *PostgreSQLStorage) scanReservations(rows *sql.Rows) ([]ledger.Reservation, error) {
	var reservations []ledger.Reservation
	for rows.Next() {
		var reservation ledger.Reservation
		var status string
		err := rows.Scan(
			&reservation.ID,
			&reservation.ProductID,
			&reservation.BatchID,
			&reservation.LocationID,
			&reservation.Quantity,
			&reservation.Reference.Type,
			&reservation.Reference.ID,
			&status,
			&reservation.ExpiresAt,
			&reservation.CreatedAt,
			&reservation.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("予約スキャンに失敗しました: %w", err)
		}
		reservation.Status = ledger.ReservationStatus(status)
		reservations = append(reservations, reservation)
	}

	return reservations, nil
}

// CreateAlert creates a new stock alert
// 新しい在庫アラートを作成
func (s *PostgreSQLStorage) CreateAlert(ctx context.Context, alert *ledger.StockAlert) error {
	query := `
		INSERT INTO stock_alerts (id, type, product_id, batch_id, location_id, current_qty, threshold, message, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query,
		alert.ID,
		string(alert.Type),
		alert.ProductID,
		alert.BatchID,
		alert.LocationID,
		alert.CurrentQty,
		alert.Threshold,
		alert.Message,
		alert.IsActive,
		alert.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("アラート作成に失敗しました: %w", err)
	}

	return nil
}

// GetActiveAlerts retrieves active alerts, optionally filtered by location
// アクティブアラートを取得（ロケーションで絞り込み可能）
func (s *PostgreSQLStorage) GetActiveAlerts(ctx context.Context, locationID string) ([]ledger.StockAlert, error) {
	query := `
		SELECT id, type, product_id, batch_id, location_id, current_qty, threshold, message, is_active, created_at, resolved_at
		FROM stock_alerts
		WHERE is_active = true AND ($1 = '' OR location_id = $1)
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, locationID)
	if err != nil {
		return nil, fmt.Errorf("アラート取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var alerts []ledger.StockAlert
	for rows.Next() {
		var alert ledger.StockAlert
		var alertType string
		err := rows.Scan(
			&alert.ID,
			&alertType,
			&alert.ProductID,
			&alert.BatchID,
			&alert.LocationID,
			&alert.CurrentQty,
			&alert.Threshold,
			&alert.Message,
			&alert.IsActive,
			&alert.CreatedAt,
			&alert.ResolvedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("アラートスキャンに失敗しました: %w", err)
		}
		alert.Type = ledger.AlertType(alertType)
		alerts = append(alerts, alert)
	}

	return alerts, nil
}

// ResolveAlert resolves an alert by setting it inactive
// アラートを非アクティブにして解決
func (s *PostgreSQLStorage) ResolveAlert(ctx context.Context, alertID string) error {
	now := time.Now()
	query := `
		UPDATE stock_alerts
		SET is_active = false, resolved_at = $2
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, alertID, now)
	if err != nil {
		return fmt.Errorf("アラート解決に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}

	if rowsAffected == 0 {
		return ledger.ErrAlertNotFound
	}

	return nil
}

// Ping checks database connectivity
// データベース接続をチェック
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
// データベース接続を閉じる
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}
