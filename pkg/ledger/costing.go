package ledger

import "github.com/shopspring/decimal"

// Weighted-average costing engine. This is the only path that changes a
// batch's WeightedAverageCost; the ledger invokes it synchronously inside the
// same atomic step as the triggering movement so cost and quantity never
// diverge.
// 加重平均原価エンジン。バッチの加重平均原価を変更する唯一の経路であり、
// 台帳が移動の確定と同一のアトミックなステップ内で同期的に呼び出すため、
// 原価と数量が乖離することはない

// costScale is the decimal precision kept on weighted-average cost
// 加重平均原価に保持する小数精度
const costScale = 4

// WeightedAverageCost blends an incoming receipt into the existing average:
//
//	new_avg = (existing_qty*existing_avg + incoming_qty*incoming_cost) / (existing_qty + incoming_qty)
//
// The first receipt into an empty batch sets the average to the unit cost.
// 入庫を既存平均に按分する。空バッチへの初回入庫は平均=単価となる
func WeightedAverageCost(existingQty int64, existingAvg decimal.Decimal, incomingQty int64, incomingCost decimal.Decimal) decimal.Decimal {
	if incomingQty <= 0 {
		return existingAvg
	}
	if existingQty <= 0 {
		return incomingCost.Round(costScale)
	}
	existingValue := existingAvg.Mul(decimal.NewFromInt(existingQty))
	incomingValue := incomingCost.Mul(decimal.NewFromInt(incomingQty))
	totalQty := decimal.NewFromInt(existingQty + incomingQty)
	return existingValue.Add(incomingValue).DivRound(totalQty, costScale)
}

// applyCost folds an incoming costed movement into the batch. existingQty is
// the batch rollup before the movement was applied.
// 入庫移動の原価をバッチへ反映する。existingQty は移動適用前のバッチ集計値
func applyCost(batch *Batch, existingQty int64, incomingQty int64, incomingCost decimal.Decimal) {
	batch.WeightedAverageCost = WeightedAverageCost(existingQty, batch.WeightedAverageCost, incomingQty, incomingCost)
}
