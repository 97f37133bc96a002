package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/zaiLedgerGo/pkg/ledger"
)

func TestAllocateNearestExpiryFirst(t *testing.T) {
	service, store, _ := newTestLedger(t)
	ctx := context.Background()
	seedProduct(t, store, "P1", 0, 0)
	seedLocation(t, store, "L1")

	e1 := time.Now().AddDate(0, 2, 0)
	e2 := time.Now().AddDate(0, 4, 0)
	e3 := time.Now().AddDate(0, 8, 0)
	recordPurchase(t, service, "P1", "LOT-1", "L1", 30, "10", &e1)
	recordPurchase(t, service, "P1", "LOT-2", "L1", 30, "10", &e2)
	recordPurchase(t, service, "P1", "LOT-3", "L1", 30, "10", &e3)

	batch1, err := store.GetBatchByNumber(ctx, "P1", "LOT-1")
	require.NoError(t, err)
	batch2, err := store.GetBatchByNumber(ctx, "P1", "LOT-2")
	require.NoError(t, err)

	// 期限の近いバッチを使い切ってから次に進む
	lines, err := service.Allocate(ctx, "P1", "L1", 50)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, batch1.ID, lines[0].BatchID)
	assert.Equal(t, int64(30), lines[0].Quantity)
	assert.Equal(t, batch2.ID, lines[1].BatchID)
	assert.Equal(t, int64(20), lines[1].Quantity)
}

func TestAllocateExcludesExpiredBatches(t *testing.T) {
	service, store, _ := newTestLedger(t)
	ctx := context.Background()
	seedProduct(t, store, "P1", 0, 0)
	seedLocation(t, store, "L1")

	expired := time.Now().AddDate(0, 0, -1)
	fresh := time.Now().AddDate(0, 6, 0)
	recordPurchase(t, service, "P1", "LOT-OLD", "L1", 50, "10", &expired)
	recordPurchase(t, service, "P1", "LOT-NEW", "L1", 50, "10", &fresh)

	freshBatch, err := store.GetBatchByNumber(ctx, "P1", "LOT-NEW")
	require.NoError(t, err)

	lines, err := service.Allocate(ctx, "P1", "L1", 40)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, freshBatch.ID, lines[0].BatchID)

	// 期限切れ分は合計にも入らない
	_, err = service.Allocate(ctx, "P1", "L1", 60)
	require.Error(t, err)
	var insufficientErr *ledger.InsufficientStockError
	require.ErrorAs(t, err, &insufficientErr)
	assert.Equal(t, int64(50), insufficientErr.Available)
	assert.Equal(t, int64(60), insufficientErr.Requested)
}

func TestAllocateIsReadOnly(t *testing.T) {
	service, store, _ := newTestLedger(t)
	ctx := context.Background()
	seedProduct(t, store, "P1", 0, 0)
	seedLocation(t, store, "L1")
	recordPurchase(t, service, "P1", "LOT-A", "L1", 50, "10", nil)

	before, err := store.ListAllMovements(ctx)
	require.NoError(t, err)

	_, err = service.Allocate(ctx, "P1", "L1", 30)
	require.NoError(t, err)

	// 引当の提案は在庫も台帳も変更しない
	after, err := store.ListAllMovements(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))

	total, err := service.GetTotalStock(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), total)
}

func TestAllocateRespectsReservations(t *testing.T) {
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

	// 予約済み30を除いた20しか引当できない
	_, err = service.Allocate(ctx, "P1", "L1", 30)
	require.Error(t, err)
	var insufficientErr *ledger.InsufficientStockError
	require.ErrorAs(t, err, &insufficientErr)
	assert.Equal(t, int64(20), insufficientErr.Available)

	lines, err := service.Allocate(ctx, "P1", "L1", 20)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, int64(20), lines[0].Quantity)
}

func TestAllocateUnknownLocation(t *testing.T) {
	service, store, _ := newTestLedger(t)
	seedProduct(t, store, "P1", 0, 0)

	_, err := service.Allocate(context.Background(), "P1", "NOWHERE", 10)
	assert.ErrorIs(t, err, ledger.ErrLocationNotFound)
}
