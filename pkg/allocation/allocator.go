// Package allocation distributes a fixed target quantity across an ordered list
// of (location, quantity, serial/batch) splits. It is used identically by
// put-away and picking.
package allocation

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
)

// Split is one allocation unit within a line
// 明細内の1つの割当単位
type Split struct {
	Location      string          `json:"location"`
	Quantity      decimal.Decimal `json:"quantity"`
	SerialOrBatch string          `json:"serial_or_batch"`
}

// SplitPolicy decides whether a line with the given target may be split further.
type SplitPolicy func(target decimal.Decimal) bool

// MinQuantityPolicy allows splitting only when the target exceeds min
// 対象数量が閾値を超える場合のみ分割を許可
func MinQuantityPolicy(min decimal.Decimal) SplitPolicy {
	return func(target decimal.Decimal) bool {
		return target.GreaterThan(min)
	}
}

// DefaultSplitPolicy disables splitting a single unit
var DefaultSplitPolicy = MinQuantityPolicy(decimal.NewFromInt(1))

// Option configures an Allocator
type Option func(*Allocator)

// WithSplitPolicy overrides the add-split guard
func WithSplitPolicy(policy SplitPolicy) Option {
	return func(a *Allocator) {
		if policy != nil {
			a.canSplit = policy
		}
	}
}

// WithSerialRequired makes every split require a serial/batch before the line is complete
func WithSerialRequired(required bool) Option {
	return func(a *Allocator) {
		a.serialRequired = required
	}
}

// Allocator edits the splits of one line. Every mutating call either applies
// fully or returns an error and leaves the splits untouched.
// 1明細の分割を編集（失敗時は状態を変更しない）
type Allocator struct {
	itemID         string
	target         decimal.Decimal
	splits         []Split
	edited         bool
	serialRequired bool
	canSplit       SplitPolicy
}

// New creates an allocator over a copy of the given splits
// 分割のコピーを使って割当エディタを作成
func New(itemID string, target decimal.Decimal, splits []Split, opts ...Option) *Allocator {
	a := &Allocator{
		itemID:   itemID,
		target:   target,
		splits:   append([]Split(nil), splits...),
		canSplit: DefaultSplitPolicy,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ItemID returns the parent line identity
func (a *Allocator) ItemID() string { return a.itemID }

// Target returns the quantity that must be fully allocated
func (a *Allocator) Target() decimal.Decimal { return a.target }

// SerialRequired reports whether splits need a serial/batch
func (a *Allocator) SerialRequired() bool { return a.serialRequired }

// Edited reports whether a split was added or removed
func (a *Allocator) Edited() bool { return a.edited }

// Splits returns a copy of the current splits
func (a *Allocator) Splits() []Split {
	return append([]Split(nil), a.splits...)
}

// CanAddSplit reports whether the split policy allows another split
func (a *Allocator) CanAddSplit() bool {
	return a.canSplit(a.target)
}

// AddSplit appends an empty split
// 空の分割を追加
func (a *Allocator) AddSplit() error {
	if !a.CanAddSplit() {
		return inventory.ErrSplitNotAllowed
	}
	a.splits = append(a.splits, Split{Quantity: decimal.Zero})
	a.edited = true
	return nil
}

// RemoveSplit removes the split at index; the last split can't be removed
// 分割を削除（最後の1件は削除不可）
func (a *Allocator) RemoveSplit(index int) error {
	if err := a.checkIndex(index); err != nil {
		return err
	}
	if len(a.splits) == 1 {
		return inventory.ErrLastSplit
	}
	a.splits = append(a.splits[:index:index], a.splits[index+1:]...)
	a.edited = true
	return nil
}

// SetSplitQuantity sets the quantity of one split. Negative values and values
// that would push the allocated total above the target are rejected.
// 分割数量を設定（負数および合計超過は拒否）
func (a *Allocator) SetSplitQuantity(index int, value decimal.Decimal) error {
	if err := a.checkIndex(index); err != nil {
		return err
	}
	if value.IsNegative() {
		return inventory.NewValidationError("quantity", inventory.ErrNegativeQuantity.Error(), value.String())
	}

	attempted := a.AllocatedTotal().Sub(a.splits[index].Quantity).Add(value)
	if attempted.GreaterThan(a.target) {
		return &inventory.OverAllocationError{
			ItemID:     a.itemID,
			SplitIndex: index,
			Target:     a.target,
			Attempted:  attempted,
		}
	}

	a.splits[index].Quantity = value
	return nil
}

// SetSplitLocation sets the free-text location of one split
func (a *Allocator) SetSplitLocation(index int, value string) error {
	if err := a.checkIndex(index); err != nil {
		return err
	}
	a.splits[index].Location = strings.TrimSpace(value)
	return nil
}

// SetSplitSerial sets the free-text serial/batch of one split
func (a *Allocator) SetSplitSerial(index int, value string) error {
	if err := a.checkIndex(index); err != nil {
		return err
	}
	a.splits[index].SerialOrBatch = strings.TrimSpace(value)
	return nil
}

// ResolveLocationByMapSelection fills the first split without a location, or
// appends a new zero-quantity split carrying the code. It returns the index used.
// マップ選択されたロケーションを最初の空き分割に設定、なければ追加
func (a *Allocator) ResolveLocationByMapSelection(code string) int {
	code = strings.TrimSpace(code)
	for i := range a.splits {
		if a.splits[i].Location == "" {
			a.splits[i].Location = code
			return i
		}
	}
	a.splits = append(a.splits, Split{Location: code, Quantity: decimal.Zero})
	a.edited = true
	return len(a.splits) - 1
}

// AllocatedTotal returns the sum of all split quantities
// 割当合計を返す
func (a *Allocator) AllocatedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, s := range a.splits {
		total = total.Add(s.Quantity)
	}
	return total
}

// Remaining returns target minus allocated total
func (a *Allocator) Remaining() decimal.Decimal {
	return a.target.Sub(a.AllocatedTotal())
}

// IsComplete reports whether the line can be confirmed
// 明細が確定可能かチェック
func (a *Allocator) IsComplete() bool {
	return a.Validate() == nil
}

// Validate returns the first reason the line can't be confirmed, or nil
// 確定できない最初の理由を返す
func (a *Allocator) Validate() error {
	if !a.AllocatedTotal().Equal(a.target) {
		return inventory.NewAllocationError(inventory.ErrAllocationIncomplete, a.itemID, -1)
	}
	for i, s := range a.splits {
		if s.Location == "" {
			return inventory.NewAllocationError(inventory.ErrMissingLocation, a.itemID, i)
		}
	}
	if a.serialRequired {
		for i, s := range a.splits {
			if s.SerialOrBatch == "" {
				return inventory.NewAllocationError(inventory.ErrMissingSerial, a.itemID, i)
			}
		}
	}
	return nil
}

func (a *Allocator) checkIndex(index int) error {
	if index < 0 || index >= len(a.splits) {
		return inventory.ErrSplitIndex
	}
	return nil
}
