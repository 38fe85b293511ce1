package inventory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Common inventory errors
// 共通の在庫エラー定義

var (
	// ErrLocationNotFound is returned when a location doesn't exist
	// ロケーションが存在しない場合のエラー
	ErrLocationNotFound = errors.New("ロケーションが見つかりません")

	// ErrStockNotFound is returned when stock record doesn't exist
	// 在庫記録が存在しない場合のエラー
	ErrStockNotFound = errors.New("在庫記録が見つかりません")

	// ErrStocktakeNotFound is returned when a stock-take doesn't exist
	// 棚卸が存在しない場合のエラー
	ErrStocktakeNotFound = errors.New("棚卸が見つかりません")

	// ErrAssignmentNotFound is returned when a stock-take assignment doesn't exist
	// 棚卸担当割当が存在しない場合のエラー
	ErrAssignmentNotFound = errors.New("担当割当が見つかりません")

	// ErrResultNotFound is returned when a stock-take result row doesn't exist
	// 棚卸結果行が存在しない場合のエラー
	ErrResultNotFound = errors.New("棚卸結果が見つかりません")

	// ErrDocumentNotFound is returned when a receipt or voucher doesn't exist
	// 入庫伝票または出庫伝票が存在しない場合のエラー
	ErrDocumentNotFound = errors.New("伝票が見つかりません")

	// ErrLineNotFound is returned when a document line doesn't exist
	// 伝票明細が存在しない場合のエラー
	ErrLineNotFound = errors.New("伝票明細が見つかりません")

	// ErrNegativeQuantity is returned when a negative quantity is provided
	// 負の数量が指定された場合のエラー
	ErrNegativeQuantity = errors.New("数量は0以上である必要があります")

	// ErrDuplicateLocation is returned when a location is already assigned in a stock-take
	// 同じ棚卸内で既に割り当て済みのロケーションの場合のエラー
	ErrDuplicateLocation = errors.New("ロケーションは既に割り当てられています")

	// ErrOverAllocation is returned when splits would exceed the target quantity
	// 分割数量の合計が対象数量を超える場合のエラー
	ErrOverAllocation = errors.New("割当数量が対象数量を超えています")

	// ErrAllocationIncomplete is returned when splits don't add up to the target quantity
	// 分割数量の合計が対象数量に一致しない場合のエラー
	ErrAllocationIncomplete = errors.New("割当が完了していません")

	// ErrMissingLocation is returned when a split has no location
	// ロケーション未入力の分割がある場合のエラー
	ErrMissingLocation = errors.New("ロケーションが入力されていません")

	// ErrMissingSerial is returned when a serial-managed split has no serial/batch
	// シリアル管理品目でシリアル/ロットが未入力の場合のエラー
	ErrMissingSerial = errors.New("シリアル/ロット番号が入力されていません")

	// ErrSplitNotAllowed is returned when the split policy rejects adding a split
	// 分割ポリシーにより分割追加が許可されない場合のエラー
	ErrSplitNotAllowed = errors.New("この数量では分割できません")

	// ErrLastSplit is returned when removing the only remaining split
	// 最後の分割を削除しようとした場合のエラー
	ErrLastSplit = errors.New("最後の分割は削除できません")

	// ErrSplitIndex is returned when a split index is out of range
	ErrSplitIndex = errors.New("分割インデックスが範囲外です")

	// ErrConflict is returned when a concurrency token is stale
	// 同時更新の競合エラー
	ErrConflict = errors.New("他のユーザーによって更新されています。再取得してください")

	// ErrInvalidTransition is returned when the current state doesn't permit an operation
	// 現在の状態で許可されない操作のエラー
	ErrInvalidTransition = errors.New("現在の状態ではこの操作はできません")

	// ErrNoAssignments is returned when counting starts without any assignment
	ErrNoAssignments = errors.New("担当割当がありません")

	// ErrAssignmentsPending is returned when reconcile runs with unfinished assignments
	ErrAssignmentsPending = errors.New("未完了の担当割当があります")

	// ErrAlreadyPosted is returned by ledger storage when a reference was already applied
	// 同じ参照番号で既に計上済みの場合のエラー
	ErrAlreadyPosted = errors.New("既に計上済みです")
)

// ValidationError represents a validation error with details
// 詳細付きバリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

// BusinessRuleError represents a business rule violation
// ビジネスルール違反を表現
type BusinessRuleError struct {
	Rule    string `json:"rule"`    // ルール名
	Message string `json:"message"` // エラーメッセージ
	Context string `json:"context"` // コンテキスト情報
}

func (e BusinessRuleError) Error() string {
	return fmt.Sprintf("ビジネスルール違反 [%s]: %s (コンテキスト: %s)", e.Rule, e.Message, e.Context)
}

// ConflictError represents a stale concurrency token
// 古い同時実行トークンによる競合を表現
type ConflictError struct {
	Operation string   `json:"operation"` // 操作名
	Resource  string   `json:"resource"`  // リソース
	StaleIDs  []string `json:"stale_ids"` // 競合した行ID
}

func (e ConflictError) Error() string {
	if len(e.StaleIDs) > 0 {
		return fmt.Sprintf("同時実行エラー [%s:%s]: %s (行: %s)", e.Operation, e.Resource, ErrConflict.Error(), strings.Join(e.StaleIDs, ","))
	}
	return fmt.Sprintf("同時実行エラー [%s:%s]: %s", e.Operation, e.Resource, ErrConflict.Error())
}

func (e ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// TransitionError represents an operation issued against a state that doesn't permit it
// 状態遷移エラーを表現
type TransitionError struct {
	Event  string `json:"event"` // イベント名
	From   string `json:"from"`  // 現在の状態
	Reason error  `json:"-"`     // 前提条件違反の詳細
}

func (e TransitionError) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("状態遷移エラー [%s @ %s]: %v", e.Event, e.From, e.Reason)
	}
	return fmt.Sprintf("状態遷移エラー [%s @ %s]: %s", e.Event, e.From, ErrInvalidTransition.Error())
}

func (e TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func (e TransitionError) Unwrap() error {
	return e.Reason
}

// OverAllocationError carries the rejected split edit
// 超過割当となった分割編集の詳細
type OverAllocationError struct {
	ItemID     string          `json:"item_id"`
	SplitIndex int             `json:"split_index"`
	Target     decimal.Decimal `json:"target"`
	Attempted  decimal.Decimal `json:"attempted"`
}

func (e OverAllocationError) Error() string {
	return fmt.Sprintf("%s [明細: %s, 分割: %d]: 合計 %s > 対象 %s",
		ErrOverAllocation.Error(), e.ItemID, e.SplitIndex, e.Attempted.String(), e.Target.String())
}

func (e OverAllocationError) Is(target error) bool {
	return target == ErrOverAllocation
}

// AllocationError reports why a line cannot be confirmed
// 明細が確定できない理由を表現
type AllocationError struct {
	Kind       error  `json:"-"`
	ItemID     string `json:"item_id"`
	SplitIndex int    `json:"split_index"` // -1 は明細全体
}

func (e AllocationError) Error() string {
	if e.SplitIndex < 0 {
		return fmt.Sprintf("%v [明細: %s]", e.Kind, e.ItemID)
	}
	return fmt.Sprintf("%v [明細: %s, 分割: %d]", e.Kind, e.ItemID, e.SplitIndex)
}

func (e AllocationError) Unwrap() error {
	return e.Kind
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"cause"`     // 原因エラー
}

func (e StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e StorageError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NewBusinessRuleError creates a new business rule error
// 新しいビジネスルールエラーを作成
func NewBusinessRuleError(rule, message, context string) *BusinessRuleError {
	return &BusinessRuleError{
		Rule:    rule,
		Message: message,
		Context: context,
	}
}

// NewConflictError creates a new conflict error
// 新しい競合エラーを作成
func NewConflictError(operation, resource string, staleIDs ...string) *ConflictError {
	return &ConflictError{
		Operation: operation,
		Resource:  resource,
		StaleIDs:  staleIDs,
	}
}

// NewTransitionError creates a new transition error
// 新しい状態遷移エラーを作成
func NewTransitionError(event, from string, reason error) *TransitionError {
	return &TransitionError{
		Event:  event,
		From:   from,
		Reason: reason,
	}
}

// NewAllocationError creates a new allocation error
func NewAllocationError(kind error, itemID string, splitIndex int) *AllocationError {
	return &AllocationError{
		Kind:       kind,
		ItemID:     itemID,
		SplitIndex: splitIndex,
	}
}

// NewStorageError creates a new storage error
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// API error codes
// APIエラーコード
const (
	CodeOverAllocation       = "OVER_ALLOCATION"
	CodeAllocationIncomplete = "ALLOCATION_INCOMPLETE"
	CodeMissingLocation      = "MISSING_LOCATION"
	CodeMissingSerial        = "MISSING_SERIAL"
	CodeDuplicateLocation    = "DUPLICATE_LOCATION"
	CodeConflict             = "CONFLICT"
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodeNotFound             = "NOT_FOUND"
	CodeValidation           = "VALIDATION_ERROR"
	CodeInternal             = "INTERNAL_ERROR"
)

// ErrorCode maps an error to its API error code
// エラーをAPIエラーコードに変換
func ErrorCode(err error) string {
	var ve *ValidationError
	var be *BusinessRuleError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrOverAllocation):
		return CodeOverAllocation
	case errors.Is(err, ErrAllocationIncomplete):
		return CodeAllocationIncomplete
	case errors.Is(err, ErrMissingLocation):
		return CodeMissingLocation
	case errors.Is(err, ErrMissingSerial):
		return CodeMissingSerial
	case errors.Is(err, ErrDuplicateLocation):
		return CodeDuplicateLocation
	case errors.Is(err, ErrLocationNotFound),
		errors.Is(err, ErrStockNotFound),
		errors.Is(err, ErrStocktakeNotFound),
		errors.Is(err, ErrAssignmentNotFound),
		errors.Is(err, ErrResultNotFound),
		errors.Is(err, ErrDocumentNotFound),
		errors.Is(err, ErrLineNotFound):
		return CodeNotFound
	case errors.As(err, &ve),
		errors.As(err, &be),
		errors.Is(err, ErrNegativeQuantity),
		errors.Is(err, ErrSplitNotAllowed),
		errors.Is(err, ErrLastSplit),
		errors.Is(err, ErrSplitIndex):
		return CodeValidation
	}
	return CodeInternal
}
