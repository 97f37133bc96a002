package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedgerGo/pkg/ledger"
	"github.com/nemonet1337/zaiLedgerGo/pkg/ledger/storage"
)

func zapNop() *zap.Logger {
	return zap.NewNop()
}

// newMemoryFixtureStore seeds a memory store with one product and location
// 商品1件・ロケーション1件を登録したメモリストアを用意
func newMemoryFixtureStore(t *testing.T) *storage.MemoryStorage {
	t.Helper()
	store := storage.NewMemoryStorage()
	seedProduct(t, store, "P1", 0, 0)
	seedLocation(t, store, "L1")
	return store
}

func TestReserveAndFulfill(t *testing.T) {
	service, store, _ := newTestLedger(t)
	ctx := context.Background()
	seedProduct(t, store, "P1", 0, 0)
	seedLocation(t, store, "L1")
	recordPurchase(t, service, "P1", "LOT-A", "L1", 50, "10", nil)

	batch, err := store.GetBatchByNumber(ctx, "P1", "LOT-A")
	require.NoError(t, err)

	reservationID, err := service.Reserve(ctx, ledger.ReserveRequest{
		ProductID:  "P1",
		BatchID:    batch.ID,
		LocationID: "L1",
		Quantity:   30,
		Reference:  ledger.Reference{Type: "sales_order", ID: "SO-1"},
	})
	require.NoError(t, err)

	cell, err := store.GetStockCell(ctx, batch.ID, "L1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), cell.Available)
	assert.Equal(t, int64(30), cell.Reserved)

	// 予約を販売で消し込む
	_, err = service.Record(ctx, ledger.MovementDraft{
		Type:          ledger.MovementTypeSale,
		ProductID:     "P1",
		BatchID:       batch.ID,
		LocationID:    "L1",
		Quantity:      30,
		ReservationID: &reservationID,
		Reference:     ledger.Reference{Type: "sales_order", ID: "SO-1"},
	})
	require.NoError(t, err)

	cell, err = store.GetStockCell(ctx, batch.ID, "L1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), cell.Available)
	assert.Equal(t, int64(0), cell.Reserved)

	reservation, err := store.GetReservation(ctx, reservationID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReservationStatusFulfilled, reservation.Status)
}

func TestReservePartialFulfillment(t *testing.T) {
	service, store, _ := newTestLedger(t)
	ctx := context.Background()
	seedProduct(t, store, "P1", 0, 0)
	seedLocation(t, store, "L1")
	recordPurchase(t, service, "P1", "LOT-A", "L1", 50, "10", nil)

	batch, err := store.GetBatchByNumber(ctx, "P1", "LOT-A")
	require.NoError(t, err)

	reservationID, err := service.Reserve(ctx, ledger.ReserveRequest{
		ProductID:  "P1",
		BatchID:    batch.ID,
		LocationID: "L1",
		Quantity:   30,
		Reference:  ledger.Reference{Type: "sales_order", ID: "SO-1"},
	})
	require.NoError(t, err)

	_, err = service.Record(ctx, ledger.MovementDraft{
		Type:          ledger.MovementTypeSale,
		ProductID:     "P1",
		BatchID:       batch.ID,
		LocationID:    "L1",
		Quantity:      10,
		ReservationID: &reservationID,
		Reference:     ledger.Reference{Type: "sales_order", ID: "SO-1"},
	})
	require.NoError(t, err)

	// 残り20が確保されたまま
	cell, err := store.GetStockCell(ctx, batch.ID, "L1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), cell.Available)
	assert.Equal(t, int64(20), cell.Reserved)

	reservation, err := store.GetReservation(ctx, reservationID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReservationStatusActive, reservation.Status)
	assert.Equal(t, int64(20), reservation.Quantity)
}

func TestReserveInsufficientUnreserved(t *testing.T) {
	service, store, _ := newTestLedger(t)
	ctx := context.Background()
	seedProduct(t, store, "P1", 0, 0)
	seedLocation(t, store, "L1")
	recordPurchase(t, service, "P1", "LOT-A", "L1", 50, "10", nil)

	batch, err := store.GetBatchByNumber(ctx, "P1", "LOT-A")
	require.NoError(t, err)

	_, err = service.Reserve(ctx, ledger.ReserveRequest{
		ProductID:  "P1",
		BatchID:    batch.ID,
		LocationID: "L1",
		Quantity:   30,
		Reference:  ledger.Reference{Type: "sales_order", ID: "SO-1"},
	})
	require.NoError(t, err)

	// 未予約分は20しかない
	_, err = service.Reserve(ctx, ledger.ReserveRequest{
		ProductID:  "P1",
		BatchID:    batch.ID,
		LocationID: "L1",
		Quantity:   30,
		Reference:  ledger.Reference{Type: "sales_order", ID: "SO-2"},
	})
	require.Error(t, err)
	var insufficientErr *ledger.InsufficientStockError
	require.ErrorAs(t, err, &insufficientErr)
	assert.Equal(t, int64(20), insufficientErr.Available)
}

func TestReserveSameReferenceAdjustsExisting(t *testing.T) {
	service, store, _ := newTestLedger(t)
	ctx := context.Background()
	seedProduct(t, store, "P1", 0, 0)
	seedLocation(t, store, "L1")
	recordPurchase(t, service, "P1", "LOT-A", "L1", 50, "10", nil)

	batch, err := store.GetBatchByNumber(ctx, "P1", "LOT-A")
	require.NoError(t, err)

	ref := ledger.Reference{Type: "sales_order", ID: "SO-1"}
	firstID, err := service.Reserve(ctx, ledger.ReserveRequest{
		ProductID: "P1", BatchID: batch.ID, LocationID: "L1", Quantity: 30, Reference: ref,
	})
	require.NoError(t, err)

	// 同一伝票の再予約は積み増さず置き換える
	secondID, err := service.Reserve(ctx, ledger.ReserveRequest{
		ProductID: "P1", BatchID: batch.ID, LocationID: "L1", Quantity: 40, Reference: ref,
	})
	require.NoError(t, err)
	assert.Equal(t, firstID, secondID)

	cell, err := store.GetStockCell(ctx, batch.ID, "L1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), cell.Reserved)
}

func TestReleaseReturnsHold(t *testing.T) {
	service, store, _ := newTestLedger(t)
	ctx := context.Background()
	seedProduct(t, store, "P1", 0, 0)
	seedLocation(t, store, "L1")
	recordPurchase(t, service, "P1", "LOT-A", "L1", 50, "10", nil)

	batch, err := store.GetBatchByNumber(ctx, "P1", "LOT-A")
	require.NoError(t, err)

	reservationID, err := service.Reserve(ctx, ledger.ReserveRequest{
		ProductID:  "P1",
		BatchID:    batch.ID,
		LocationID: "L1",
		Quantity:   30,
		Reference:  ledger.Reference{Type: "sales_order", ID: "SO-1"},
	})
	require.NoError(t, err)

	require.NoError(t, service.Release(ctx, reservationID, ledger.ReservationStatusCancelled))

	cell, err := store.GetStockCell(ctx, batch.ID, "L1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), cell.Available)
	assert.Equal(t, int64(0), cell.Reserved)

	reservation, err := store.GetReservation(ctx, reservationID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReservationStatusCancelled, reservation.Status)

	// 終端状態の予約は再解放できない
	err = service.Release(ctx, reservationID, ledger.ReservationStatusCancelled)
	assert.ErrorIs(t, err, ledger.ErrReservationNotActive)
}

func TestReleaseUnknownReservation(t *testing.T) {
	service, _, _ := newTestLedger(t)
	err := service.Release(context.Background(), "missing", ledger.ReservationStatusCancelled)
	assert.ErrorIs(t, err, ledger.ErrReservationNotFound)
}

func TestExpiredReservationReclaimedLazily(t *testing.T) {
	service, store, _ := newTestLedger(t)
	ctx := context.Background()
	seedProduct(t, store, "P1", 0, 0)
	seedLocation(t, store, "L1")
	recordPurchase(t, service, "P1", "LOT-A", "L1", 50, "10", nil)

	batch, err := store.GetBatchByNumber(ctx, "P1", "LOT-A")
	require.NoError(t, err)

	expiredID, err := service.Reserve(ctx, ledger.ReserveRequest{
		ProductID:  "P1",
		BatchID:    batch.ID,
		LocationID: "L1",
		Quantity:   40,
		Reference:  ledger.Reference{Type: "sales_order", ID: "SO-1"},
		TTL:        10 * time.Millisecond,
	})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	// 失効済みの確保は次の予約時に回収される
	_, err = service.Reserve(ctx, ledger.ReserveRequest{
		ProductID:  "P1",
		BatchID:    batch.ID,
		LocationID: "L1",
		Quantity:   35,
		Reference:  ledger.Reference{Type: "sales_order", ID: "SO-2"},
	})
	require.NoError(t, err)

	expired, err := store.GetReservation(ctx, expiredID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReservationStatusExpired, expired.Status)

	cell, err := store.GetStockCell(ctx, batch.ID, "L1")
	require.NoError(t, err)
	assert.Equal(t, int64(35), cell.Reserved)
}

func TestExpiredReservationRejectedOnFulfillment(t *testing.T) {
	service, store, _ := newTestLedger(t)
	ctx := context.Background()
	seedProduct(t, store, "P1", 0, 0)
	seedLocation(t, store, "L1")
	recordPurchase(t, service, "P1", "LOT-A", "L1", 50, "10", nil)

	batch, err := store.GetBatchByNumber(ctx, "P1", "LOT-A")
	require.NoError(t, err)

	reservationID, err := service.Reserve(ctx, ledger.ReserveRequest{
		ProductID:  "P1",
		BatchID:    batch.ID,
		LocationID: "L1",
		Quantity:   20,
		Reference:  ledger.Reference{Type: "sales_order", ID: "SO-1"},
		TTL:        10 * time.Millisecond,
	})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, err = service.Record(ctx, ledger.MovementDraft{
		Type:          ledger.MovementTypeSale,
		ProductID:     "P1",
		BatchID:       batch.ID,
		LocationID:    "L1",
		Quantity:      20,
		ReservationID: &reservationID,
		Reference:     ledger.Reference{Type: "sales_order", ID: "SO-1"},
	})
	assert.ErrorIs(t, err, ledger.ErrReservationNotActive)
}

func TestSweeperReleasesExpiredReservations(t *testing.T) {
	store := newSweeperFixture(t)
	service, sweeper := store.service, store.sweeper
	ctx := context.Background()

	reservationID, err := service.Reserve(ctx, ledger.ReserveRequest{
		ProductID:  "P1",
		BatchID:    store.batchID,
		LocationID: "L1",
		Quantity:   25,
		Reference:  ledger.Reference{Type: "sales_order", ID: "SO-1"},
		TTL:        10 * time.Millisecond,
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	go sweeper.Run(runCtx)

	// スイープ間隔1回分を待つ
	require.Eventually(t, func() bool {
		reservation, err := store.store.GetReservation(ctx, reservationID)
		return err == nil && reservation.Status == ledger.ReservationStatusExpired
	}, 2*time.Second, 20*time.Millisecond)

	cancel()

	cell, err := store.store.GetStockCell(ctx, store.batchID, "L1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cell.Reserved)
}

// sweeperFixture bundles a ledger wired with a fast sweep interval
// 短いスイープ間隔で構成した台帳一式
type sweeperFixture struct {
	service *ledger.Service
	sweeper *ledger.Sweeper
	store   ledger.Storage
	batchID string
}

func newSweeperFixture(t *testing.T) *sweeperFixture {
	t.Helper()
	store := newMemoryFixtureStore(t)
	service := ledger.NewService(store, nil, zapNop(), &ledger.Config{
		DefaultReservationTTL: time.Hour,
		SweepInterval:         20 * time.Millisecond,
	})

	recordPurchase(t, service, "P1", "LOT-A", "L1", 50, "10", nil)
	batch, err := store.GetBatchByNumber(context.Background(), "P1", "LOT-A")
	require.NoError(t, err)

	return &sweeperFixture{
		service: service,
		sweeper: ledger.NewSweeper(service, zapNop()),
		store:   store,
		batchID: batch.ID,
	}
}
