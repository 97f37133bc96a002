package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedgerGo/pkg/ledger"
)

func TestTransferCreatesPairedMovements(t *testing.T) {
	service, store, _ := newTestLedger(t)
	ctx := context.Background()
	seedProduct(t, store, "P1", 0, 0)
	seedLocation(t, store, "L1")
	seedLocation(t, store, "L2")
	recordPurchase(t, service, "P1", "LOT-A", "L1", 100, "10", nil)

	batch, err := store.GetBatchByNumber(ctx, "P1", "LOT-A")
	require.NoError(t, err)

	result, err := service.Transfer(ctx, ledger.TransferRequest{
		ProductID:      "P1",
		BatchID:        batch.ID,
		FromLocationID: "L1",
		ToLocationID:   "L2",
		Quantity:       40,
		Reference:      ledger.Reference{Type: "transfer_order", ID: "TO-1"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.TransferPairID)

	// 両セルが同時に更新される
	source, err := store.GetStockCell(ctx, batch.ID, "L1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), source.Available)

	dest, err := store.GetStockCell(ctx, batch.ID, "L2")
	require.NoError(t, err)
	assert.Equal(t, int64(40), dest.Available)

	// 移動記録はペアIDを共有する
	movements, err := store.ListAllMovements(ctx)
	require.NoError(t, err)

	var out, in *ledger.Movement
	for i := range movements {
		switch movements[i].Type {
		case ledger.MovementTypeTransferOut:
			out = &movements[i]
		case ledger.MovementTypeTransferIn:
			in = &movements[i]
		}
	}
	require.NotNil(t, out)
	require.NotNil(t, in)
	require.NotNil(t, out.TransferPairID)
	require.NotNil(t, in.TransferPairID)
	assert.Equal(t, result.TransferPairID, *out.TransferPairID)
	assert.Equal(t, *out.TransferPairID, *in.TransferPairID)
	assert.Equal(t, out.Quantity, in.Quantity)
	assert.Equal(t, "L1", out.LocationID)
	assert.Equal(t, "L2", in.LocationID)

	// 合計数量は移動では変化しない
	total, err := service.GetTotalStock(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), total)

	// バッチのロケーション分布は更新される
	batch, err = store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, batch.LocationCount)
	assert.Nil(t, batch.PrimaryLocationID)
}

func TestTransferSameLocationRejected(t *testing.T) {
	service, store, _ := newTestLedger(t)
	ctx := context.Background()
	seedProduct(t, store, "P1", 0, 0)
	seedLocation(t, store, "L1")
	recordPurchase(t, service, "P1", "LOT-A", "L1", 100, "10", nil)

	batch, err := store.GetBatchByNumber(ctx, "P1", "LOT-A")
	require.NoError(t, err)

	_, err = service.Transfer(ctx, ledger.TransferRequest{
		ProductID:      "P1",
		BatchID:        batch.ID,
		FromLocationID: "L1",
		ToLocationID:   "L1",
		Quantity:       10,
		Reference:      ledger.Reference{Type: "transfer_order", ID: "TO-1"},
	})
	assert.ErrorIs(t, err, ledger.ErrTransferSameLocation)
}

func TestTransferInsufficientUnreserved(t *testing.T) {
	service, store, _ := newTestLedger(t)
	ctx := context.Background()
	seedProduct(t, store, "P1", 0, 0)
	seedLocation(t, store, "L1")
	seedLocation(t, store, "L2")
	recordPurchase(t, service, "P1", "LOT-A", "L1", 50, "10", nil)

	batch, err := store.GetBatchByNumber(ctx, "P1", "LOT-A")
	require.NoError(t, err)

	// 予約済み分は移動の原資にならない
	_, err = service.Reserve(ctx, ledger.ReserveRequest{
		ProductID:  "P1",
		BatchID:    batch.ID,
		LocationID: "L1",
		Quantity:   30,
		Reference:  ledger.Reference{Type: "sales_order", ID: "SO-1"},
	})
	require.NoError(t, err)

	_, err = service.Transfer(ctx, ledger.TransferRequest{
		ProductID:      "P1",
		BatchID:        batch.ID,
		FromLocationID: "L1",
		ToLocationID:   "L2",
		Quantity:       30,
		Reference:      ledger.Reference{Type: "transfer_order", ID: "TO-1"},
	})
	require.Error(t, err)
	var insufficientErr *ledger.InsufficientStockError
	require.ErrorAs(t, err, &insufficientErr)
	assert.Equal(t, int64(20), insufficientErr.Available)
}

// failingCellStorage forces destination-side failures to exercise the
// transfer revert path
// 移動先側の失敗を強制して巻き戻し経路を検証する
type failingCellStorage struct {
	ledger.Storage
	failCreate bool
}

func (f *failingCellStorage) CreateStockCell(ctx context.Context, cell *ledger.StockCell) error {
	if f.failCreate {
		return errors.New("simulated storage failure")
	}
	return f.Storage.CreateStockCell(ctx, cell)
}

// failingAppendStorage forces movement-log append failures to exercise the
// cell revert paths
// 移動ログの追記失敗を強制してセル巻き戻し経路を検証する
type failingAppendStorage struct {
	ledger.Storage
	failAppend bool
}

func (f *failingAppendStorage) AppendMovement(ctx context.Context, movement *ledger.Movement) error {
	if f.failAppend {
		return errors.New("simulated log failure")
	}
	return f.Storage.AppendMovement(ctx, movement)
}

func (f *failingAppendStorage) AppendMovementPair(ctx context.Context, out, in *ledger.Movement) error {
	if f.failAppend {
		return errors.New("simulated log failure")
	}
	return f.Storage.AppendMovementPair(ctx, out, in)
}

func TestTransferPairAppendFailureRevertsBothCells(t *testing.T) {
	base := newMemoryFixtureStore(t)
	seedLocation(t, base, "L2")
	flaky := &failingAppendStorage{Storage: base}
	service := ledger.NewService(flaky, nil, zap.NewNop(), nil)
	ctx := context.Background()

	recordPurchase(t, service, "P1", "LOT-A", "L1", 100, "10", nil)
	batch, err := base.GetBatchByNumber(ctx, "P1", "LOT-A")
	require.NoError(t, err)

	before, err := base.ListAllMovements(ctx)
	require.NoError(t, err)

	// ペアの追記を失敗させる
	flaky.failAppend = true
	_, err = service.Transfer(ctx, ledger.TransferRequest{
		ProductID:      "P1",
		BatchID:        batch.ID,
		FromLocationID: "L1",
		ToLocationID:   "L2",
		Quantity:       40,
		Reference:      ledger.Reference{Type: "transfer_order", ID: "TO-1"},
	})
	require.Error(t, err)

	// 両セルとも移動前の状態に戻り、片割れの記録は残らない
	source, err := base.GetStockCell(ctx, batch.ID, "L1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), source.Available)

	dest, err := base.GetStockCell(ctx, batch.ID, "L2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), dest.Available)

	after, err := base.ListAllMovements(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))

	total, err := service.GetTotalStock(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), total)
}

func TestTransferDestinationFailureLeavesNoOrphan(t *testing.T) {
	base := newMemoryFixtureStore(t)
	seedLocation(t, base, "L2")
	flaky := &failingCellStorage{Storage: base}
	service := ledger.NewService(flaky, nil, zap.NewNop(), nil)
	ctx := context.Background()

	recordPurchase(t, service, "P1", "LOT-A", "L1", 100, "10", nil)
	batch, err := base.GetBatchByNumber(ctx, "P1", "LOT-A")
	require.NoError(t, err)

	before, err := base.ListAllMovements(ctx)
	require.NoError(t, err)

	// 移動先セルの作成を失敗させる
	flaky.failCreate = true
	_, err = service.Transfer(ctx, ledger.TransferRequest{
		ProductID:      "P1",
		BatchID:        batch.ID,
		FromLocationID: "L1",
		ToLocationID:   "L2",
		Quantity:       40,
		Reference:      ledger.Reference{Type: "transfer_order", ID: "TO-1"},
	})
	require.Error(t, err)

	// 移動元は巻き戻され、片割れの transfer_out は記録されない
	source, err := base.GetStockCell(ctx, batch.ID, "L1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), source.Available)

	after, err := base.ListAllMovements(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}
