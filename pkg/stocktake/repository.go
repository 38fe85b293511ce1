package stocktake

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ResultEdit is one row of a result batch. Version is the token the client
// read; the row is written only if it still matches the stored version.
// 棚卸結果の編集内容
type ResultEdit struct {
	ResultID       string          `json:"id"`
	ActualQuantity decimal.Decimal `json:"actual_quantity"`
	SerialBatch    string          `json:"serial_batch"`
	Notes          string          `json:"notes"`
	Version        int64           `json:"version"`
}

// Repository persists stock-takes. Every mutating method is atomic and checks
// the current step against the transition table inside the same storage
// transaction, bumping the aggregate version on success.
// 棚卸の永続化層インターフェースを定義
type Repository interface {
	Create(ctx context.Context, st *Stocktake) error
	Get(ctx context.Context, stocktakeID string) (*Stocktake, error)
	List(ctx context.Context, filter Filter) ([]Summary, error)

	// InsertAssignment returns inventory.ErrDuplicateLocation when the
	// location is already assigned to the stock-take.
	InsertAssignment(ctx context.Context, a *Assignment) error
	DeleteAssignment(ctx context.Context, stocktakeID, assignmentID string) error
	UpdateAssignmentStatus(ctx context.Context, stocktakeID, assignmentID string, status AssignmentStatus, at time.Time) error

	// StartCounting stores the seeded results and moves DRAFT to COUNTING if
	// the aggregate version still equals expectedVersion.
	StartCounting(ctx context.Context, stocktakeID string, expectedVersion int64, results []Result, at time.Time) error

	// SaveResults applies all edits or none. Stale tokens fail the whole batch
	// with a ConflictError listing the stale result IDs.
	SaveResults(ctx context.Context, stocktakeID string, edits []ResultEdit, at time.Time) ([]Result, error)

	// AdvanceStep applies event if the aggregate version still equals
	// expectedVersion, otherwise it returns a ConflictError.
	AdvanceStep(ctx context.Context, stocktakeID string, event Event, expectedVersion int64, at time.Time) error
}
