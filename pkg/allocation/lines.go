package allocation

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
)

// Load builds an allocator from submitted splits and checks the editing
// invariants: at least one split, no negative quantity, total within target.
// The split policy is not consulted; it only guards interactive AddSplit.
// 提出された分割から割当エディタを構築し不変条件を検証
func Load(itemID string, target decimal.Decimal, splits []Split, opts ...Option) (*Allocator, error) {
	if len(splits) == 0 {
		return nil, inventory.ErrLastSplit
	}

	a := New(itemID, target, make([]Split, len(splits)), opts...)
	for i, s := range splits {
		if err := a.SetSplitLocation(i, s.Location); err != nil {
			return nil, err
		}
		if err := a.SetSplitSerial(i, s.SerialOrBatch); err != nil {
			return nil, err
		}
		if err := a.SetSplitQuantity(i, s.Quantity); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Seed returns the starting split for a line that has none: the full target
// quantity at an empty location.
// 分割がない明細の初期分割（全数量・ロケーション未設定）
func Seed(target decimal.Decimal) []Split {
	return []Split{{Quantity: target}}
}

// FilterSuggestions narrows candidate location codes by a case-insensitive
// query. Prefix matches come first. It only shapes suggestions and never
// restricts what may be typed into a split.
// ロケーション候補を絞り込む（手入力は制限しない）
func FilterSuggestions(candidates []string, query string) []string {
	q := strings.ToUpper(strings.TrimSpace(query))
	seen := make(map[string]bool, len(candidates))
	var prefix, contains []string

	for _, c := range candidates {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		upper := strings.ToUpper(c)
		switch {
		case q == "" || strings.HasPrefix(upper, q):
			prefix = append(prefix, c)
		case strings.Contains(upper, q):
			contains = append(contains, c)
		}
	}

	sort.Strings(prefix)
	sort.Strings(contains)
	return append(prefix, contains...)
}
