package inventory

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// 英数字、ハイフン、アンダースコア、ドット、スラッシュのみ許可
	codePattern = regexp.MustCompile(`^[a-zA-Z0-9_./-]+$`)

	maxQuantity = decimal.NewFromInt(999999999)
)

// ValidateMaterialID 品目IDの形式をバリデーション
func ValidateMaterialID(materialID string) error {
	if materialID == "" {
		return NewValidationError("material_id", "品目IDが空です", materialID)
	}
	if len(materialID) > 255 {
		return NewValidationError("material_id", "品目IDが長すぎます", materialID)
	}
	if !codePattern.MatchString(materialID) {
		return NewValidationError("material_id", "品目IDに無効な文字が含まれています", materialID)
	}
	return nil
}

// ValidateLocationID ロケーションIDの形式をバリデーション
func ValidateLocationID(locationID string) error {
	if locationID == "" {
		return NewValidationError("location_id", "ロケーションIDが空です", locationID)
	}
	if len(locationID) > 255 {
		return NewValidationError("location_id", "ロケーションIDが長すぎます", locationID)
	}
	if !codePattern.MatchString(locationID) {
		return NewValidationError("location_id", "ロケーションIDに無効な文字が含まれています", locationID)
	}
	return nil
}

// ValidateQuantity 数量をバリデーション
func ValidateQuantity(quantity decimal.Decimal, allowNegative bool) error {
	if !allowNegative && quantity.IsNegative() {
		return NewValidationError("quantity", "負の数量は許可されていません", quantity.String())
	}
	if quantity.Abs().GreaterThan(maxQuantity) {
		return NewValidationError("quantity", "数量が有効範囲を超えています", quantity.String())
	}
	return nil
}

// ValidateReference 参照番号の形式をバリデーション
func ValidateReference(reference string) error {
	if strings.TrimSpace(reference) == "" {
		return NewValidationError("reference", "参照番号が空です", reference)
	}
	if len(reference) > 500 {
		return NewValidationError("reference", "参照番号が長すぎます", reference)
	}
	return nil
}

// ValidateSerialOrBatch シリアル/ロット番号の形式をバリデーション（空は許可）
func ValidateSerialOrBatch(serial string) error {
	if serial == "" {
		return nil
	}
	if len(serial) > 255 {
		return NewValidationError("serial_or_batch", "シリアル/ロット番号が長すぎます", serial)
	}
	if !codePattern.MatchString(serial) {
		return NewValidationError("serial_or_batch", "シリアル/ロット番号に無効な文字が含まれています", serial)
	}
	return nil
}

// ValidateUserID ユーザーIDをバリデーション
func ValidateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return NewValidationError("user_id", "ユーザーIDが空です", userID)
	}
	if len(userID) > 255 {
		return NewValidationError("user_id", "ユーザーIDが長すぎます", userID)
	}
	return nil
}

// ValidateDelta 台帳差分をバリデーション
// キーは有無と長さのみ確認する（台帳の既存行の形式は問わない）
func ValidateDelta(delta LedgerDelta) error {
	if err := validateKey("material_id", delta.MaterialID); err != nil {
		return err
	}
	if err := validateKey("location_id", delta.LocationID); err != nil {
		return err
	}
	if err := ValidateQuantity(delta.Quantity, true); err != nil {
		return err
	}
	if delta.Quantity.IsZero() {
		return NewValidationError("quantity", "差分数量が0です", fmt.Sprintf("%s@%s", delta.MaterialID, delta.LocationID))
	}
	return nil
}

func validateKey(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewValidationError(field, "キーが空です", value)
	}
	if len(value) > 255 {
		return NewValidationError(field, "キーが長すぎます", value)
	}
	return nil
}
