package ledger

import "fmt"

// PackLevel identifies one level of the unit-of-measure hierarchy
// 荷姿階層の1レベルを識別
type PackLevel string

const (
	PackLevelBase PackLevel = "base" // 基本単位
	PackLevelPack PackLevel = "pack" // パック
	PackLevelBox  PackLevel = "box"  // 箱
	PackLevelCase PackLevel = "case" // ケース
)

// factor returns the number of base units represented by one unit of the
// given level
// 指定レベル1単位あたりの基本単位数を返す
func (cfg PackConfig) factor(level PackLevel) (int64, error) {
	if err := cfg.validate(); err != nil {
		return 0, err
	}
	switch level {
	case PackLevelBase:
		return 1, nil
	case PackLevelPack:
		return cfg.UnitsPerPack, nil
	case PackLevelBox:
		return cfg.UnitsPerPack * cfg.PacksPerBox, nil
	case PackLevelCase:
		return cfg.UnitsPerPack * cfg.PacksPerBox * cfg.BoxesPerCase, nil
	default:
		return 0, NewValidationError("pack_level", "無効な荷姿レベルです", string(level))
	}
}

// validate checks the conversion factors
// 換算係数をチェック
func (cfg PackConfig) validate() error {
	if cfg.UnitsPerPack < 1 {
		return NewValidationError("units_per_pack", "換算係数は1以上である必要があります", fmt.Sprintf("%d", cfg.UnitsPerPack))
	}
	if cfg.PacksPerBox < 1 {
		return NewValidationError("packs_per_box", "換算係数は1以上である必要があります", fmt.Sprintf("%d", cfg.PacksPerBox))
	}
	if cfg.BoxesPerCase < 1 {
		return NewValidationError("boxes_per_case", "換算係数は1以上である必要があります", fmt.Sprintf("%d", cfg.BoxesPerCase))
	}
	return nil
}

// ToBaseUnits converts a pack-level quantity into base units. All movement
// quantities are stored in base units; pack-level quantities are a
// presentation concern.
// 荷姿レベルの数量を基本単位へ換算。移動数量はすべて基本単位で保存され、
// 荷姿レベルの数量は表示上の関心事にすぎない
func ToBaseUnits(quantity int64, level PackLevel, cfg PackConfig) (int64, error) {
	if quantity < 0 {
		return 0, NewValidationError("quantity", "数量は0以上である必要があります", fmt.Sprintf("%d", quantity))
	}
	f, err := cfg.factor(level)
	if err != nil {
		return 0, err
	}
	return quantity * f, nil
}

// FromBaseUnits converts a base-unit quantity into whole units of the given
// level plus the remainder in base units
// 基本単位の数量を指定レベルの整数単位と基本単位の端数へ換算
func FromBaseUnits(baseQuantity int64, level PackLevel, cfg PackConfig) (units int64, remainder int64, err error) {
	if baseQuantity < 0 {
		return 0, 0, NewValidationError("quantity", "数量は0以上である必要があります", fmt.Sprintf("%d", baseQuantity))
	}
	f, err := cfg.factor(level)
	if err != nil {
		return 0, 0, err
	}
	return baseQuantity / f, baseQuantity % f, nil
}
