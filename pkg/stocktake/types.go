// Package stocktake runs the four-step stock-take process: locations are
// assigned, counted, reconciled against the book snapshot, and the non-zero
// variances are posted to the inventory ledger exactly once.
package stocktake

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Step is the stock-take phase
// 棚卸ステップ
type Step int

const (
	StepDraft       Step = 1 // 準備
	StepCounting    Step = 2 // 実地棚卸
	StepReconciling Step = 3 // 差異確認
	StepCompleted   Step = 4 // 完了
)

func (s Step) String() string {
	switch s {
	case StepDraft:
		return "DRAFT"
	case StepCounting:
		return "COUNTING"
	case StepReconciling:
		return "RECONCILING"
	case StepCompleted:
		return "COMPLETED"
	}
	return "UNKNOWN"
}

// ParseStep parses a step name or number; ok is false for unknown input
func ParseStep(v string) (Step, bool) {
	if n, err := strconv.Atoi(v); err == nil {
		s := Step(n)
		return s, s >= StepDraft && s <= StepCompleted
	}
	for _, s := range Steps() {
		if strings.EqualFold(v, s.String()) {
			return s, true
		}
	}
	return 0, false
}

// Steps lists every step in order
func Steps() []Step {
	return []Step{StepDraft, StepCounting, StepReconciling, StepCompleted}
}

// MarshalJSON emits the step name
func (s Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts a step name or number
func (s *Step) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	step, ok := ParseStep(raw)
	if !ok {
		return fmt.Errorf("無効なステップ: %s", raw)
	}
	*s = step
	return nil
}

// AssignmentStatus is the counting status of one assigned location
// 担当割当の状態
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "PENDING"   // 未完了
	AssignmentCompleted AssignmentStatus = "COMPLETED" // 完了
)

// Assignment binds a location to an assignee for counting
// ロケーションと担当者の割当
type Assignment struct {
	ID          string           `json:"id" db:"id"`
	StocktakeID string           `json:"stocktake_id" db:"stocktake_id"`
	LocationID  string           `json:"location_id" db:"location_id"`
	AssigneeID  string           `json:"assignee_id" db:"assignee_id"`
	Status      AssignmentStatus `json:"status" db:"status"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at" db:"updated_at"`
}

// Result is the counted quantity of one (material, location) pair
// 品目・ロケーション単位の棚卸結果
type Result struct {
	ID             string          `db:"id"`
	StocktakeID    string          `db:"stocktake_id"`
	MaterialID     string          `db:"material_id"`
	LocationID     string          `db:"location_id"`
	UnitID         string          `db:"unit_id"`
	BookQuantity   decimal.Decimal `db:"book_quantity"`   // 開始時点の帳簿数量
	ActualQuantity decimal.Decimal `db:"actual_quantity"` // 実棚数量
	SerialBatch    string          `db:"serial_batch"`
	Notes          string          `db:"notes"`
	Version        int64           `db:"version"` // 楽観的ロック用バージョン
	UpdatedAt      time.Time       `db:"updated_at"`
}

// Variance returns actual minus book quantity
// 差異数量（実棚 - 帳簿）
func (r Result) Variance() decimal.Decimal {
	return r.ActualQuantity.Sub(r.BookQuantity)
}

type resultJSON struct {
	ID             string          `json:"id"`
	MaterialID     string          `json:"material_id"`
	LocationID     string          `json:"location_id"`
	UnitID         string          `json:"unit_id"`
	BookQuantity   decimal.Decimal `json:"book_quantity"`
	ActualQuantity decimal.Decimal `json:"actual_quantity"`
	Variance       decimal.Decimal `json:"variance"`
	SerialBatch    string          `json:"serial_batch"`
	Notes          string          `json:"notes"`
	Version        int64           `json:"version"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// MarshalJSON emits the row with its computed variance
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{
		ID:             r.ID,
		MaterialID:     r.MaterialID,
		LocationID:     r.LocationID,
		UnitID:         r.UnitID,
		BookQuantity:   r.BookQuantity,
		ActualQuantity: r.ActualQuantity,
		Variance:       r.Variance(),
		SerialBatch:    r.SerialBatch,
		Notes:          r.Notes,
		Version:        r.Version,
		UpdatedAt:      r.UpdatedAt,
	})
}

// Stocktake is the stock-take aggregate. CurrentStep only moves forward and is
// changed exclusively through the transition table.
// 棚卸集約
type Stocktake struct {
	ID           string       `json:"id" db:"id"`
	Name         string       `json:"name" db:"name"`
	WarehouseID  string       `json:"warehouse_id" db:"warehouse_id"`
	CurrentStep  Step         `json:"current_step" db:"current_step"`
	Version      int64        `json:"version" db:"version"` // 集約バージョン
	Assignments  []Assignment `json:"assignments"`
	Results      []Result     `json:"results"`
	CreatedBy    string       `json:"created_by" db:"created_by"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty" db:"started_at"`
	ReconciledAt *time.Time   `json:"reconciled_at,omitempty" db:"reconciled_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
}

// MarshalJSON emits the aggregate with its computed total variance
func (s Stocktake) MarshalJSON() ([]byte, error) {
	type plain Stocktake
	return json.Marshal(struct {
		plain
		TotalVariance decimal.Decimal `json:"total_variance"`
	}{
		plain:         plain(s),
		TotalVariance: s.TotalVariance(),
	})
}

// TotalVariance returns the sum of all result variances
// 差異合計
func (s *Stocktake) TotalVariance() decimal.Decimal {
	total := decimal.Zero
	for _, r := range s.Results {
		total = total.Add(r.Variance())
	}
	return total
}

// Adjustments returns the results with a non-zero variance
// 差異のある結果のみを返す
func (s *Stocktake) Adjustments() []Result {
	adjustments := make([]Result, 0)
	for _, r := range s.Results {
		if !r.Variance().IsZero() {
			adjustments = append(adjustments, r)
		}
	}
	return adjustments
}

// AssignedLocations returns the location IDs of every assignment
func (s *Stocktake) AssignedLocations() []string {
	locations := make([]string, 0, len(s.Assignments))
	for _, a := range s.Assignments {
		locations = append(locations, a.LocationID)
	}
	return locations
}

// PendingAssignments counts assignments not yet completed
func (s *Stocktake) PendingAssignments() int {
	n := 0
	for _, a := range s.Assignments {
		if a.Status != AssignmentCompleted {
			n++
		}
	}
	return n
}

// Summary is the list view of a stock-take
// 棚卸一覧用の要約
type Summary struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	WarehouseID string     `json:"warehouse_id"`
	CurrentStep Step       `json:"current_step"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
}

// NoLimit as Filter.Limit returns every matching row
const NoLimit = -1

// Filter narrows List results. A zero Limit uses the storage default page size.
type Filter struct {
	Step  Step // 0 は全件
	Limit int
}
