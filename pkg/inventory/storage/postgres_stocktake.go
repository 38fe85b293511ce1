package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
	"github.com/nemonet1337/zaiWarehouse/pkg/stocktake"
)

// PostgresStocktakeRepository implements stocktake.Repository using PostgreSQL.
// Every mutation locks the stock-take row, checks the step against the
// transition table and bumps the aggregate version in one transaction.
// PostgreSQLを使用した棚卸リポジトリ
type PostgresStocktakeRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ stocktake.Repository = (*PostgresStocktakeRepository)(nil)

// Create inserts a new stock-take
// 棚卸を作成
func (r *PostgresStocktakeRepository) Create(ctx context.Context, st *stocktake.Stocktake) error {
	query := `
		INSERT INTO stocktakes (id, name, warehouse_id, current_step, version, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(ctx, query,
		st.ID,
		st.Name,
		st.WarehouseID,
		int(st.CurrentStep),
		st.Version,
		st.CreatedBy,
		st.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("棚卸作成に失敗しました: %w", err)
	}
	return nil
}

// Get retrieves a stock-take with its assignments and results
// 棚卸を担当割当・結果とともに取得
func (r *PostgresStocktakeRepository) Get(ctx context.Context, stocktakeID string) (*stocktake.Stocktake, error) {
	query := `
		SELECT id, name, warehouse_id, current_step, version, created_by, created_at, started_at, reconciled_at, completed_at
		FROM stocktakes
		WHERE id = $1`

	st := &stocktake.Stocktake{}
	var step int
	var startedAt, reconciledAt, completedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, stocktakeID).Scan(
		&st.ID,
		&st.Name,
		&st.WarehouseID,
		&step,
		&st.Version,
		&st.CreatedBy,
		&st.CreatedAt,
		&startedAt,
		&reconciledAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrStocktakeNotFound
		}
		return nil, fmt.Errorf("棚卸取得に失敗しました: %w", err)
	}
	st.CurrentStep = stocktake.Step(step)
	st.StartedAt = nullTime(startedAt)
	st.ReconciledAt = nullTime(reconciledAt)
	st.CompletedAt = nullTime(completedAt)

	if st.Assignments, err = r.assignments(ctx, stocktakeID); err != nil {
		return nil, err
	}
	if st.Results, err = r.results(ctx, r.db, stocktakeID, nil); err != nil {
		return nil, err
	}
	return st, nil
}

const defaultListLimit = 100

// listLimit maps Filter.Limit to the LIMIT parameter; LIMIT NULL is unbounded
func listLimit(filter stocktake.Filter) sql.NullInt64 {
	switch {
	case filter.Limit > 0:
		return sql.NullInt64{Int64: int64(filter.Limit), Valid: true}
	case filter.Limit == 0:
		return sql.NullInt64{Int64: defaultListLimit, Valid: true}
	}
	return sql.NullInt64{}
}

// List retrieves stock-take summaries, newest first
// 棚卸一覧を取得
func (r *PostgresStocktakeRepository) List(ctx context.Context, filter stocktake.Filter) ([]stocktake.Summary, error) {
	query := `
		SELECT id, name, warehouse_id, current_step, version, created_at, started_at
		FROM stocktakes
		WHERE ($1 = 0 OR current_step = $1)
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, int(filter.Step), listLimit(filter))
	if err != nil {
		return nil, fmt.Errorf("棚卸一覧取得に失敗しました: %w", err)
	}
	defer rows.Close()

	summaries := make([]stocktake.Summary, 0)
	for rows.Next() {
		var s stocktake.Summary
		var step int
		var startedAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.Name, &s.WarehouseID, &step, &s.Version, &s.CreatedAt, &startedAt); err != nil {
			return nil, fmt.Errorf("棚卸スキャンに失敗しました: %w", err)
		}
		s.CurrentStep = stocktake.Step(step)
		s.StartedAt = nullTime(startedAt)
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// InsertAssignment adds an assignment while the stock-take is DRAFT
// 担当割当を追加
func (r *PostgresStocktakeRepository) InsertAssignment(ctx context.Context, a *stocktake.Assignment) error {
	return r.mutate(ctx, a.StocktakeID, stocktake.EventAddAssignment, func(tx *sql.Tx, _ int64) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stocktake_assignments (id, stocktake_id, location_id, assignee_id, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			a.ID, a.StocktakeID, a.LocationID, a.AssigneeID, string(a.Status), a.CreatedAt, a.UpdatedAt,
		)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
				return fmt.Errorf("%w: %s", inventory.ErrDuplicateLocation, a.LocationID)
			}
			return fmt.Errorf("担当割当作成に失敗しました: %w", err)
		}
		return nil
	})
}

// DeleteAssignment removes an assignment while the stock-take is DRAFT
// 担当割当を削除
func (r *PostgresStocktakeRepository) DeleteAssignment(ctx context.Context, stocktakeID, assignmentID string) error {
	return r.mutate(ctx, stocktakeID, stocktake.EventRemoveAssignment, func(tx *sql.Tx, _ int64) error {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM stocktake_assignments WHERE id = $1 AND stocktake_id = $2`,
			assignmentID, stocktakeID,
		)
		if err != nil {
			return fmt.Errorf("担当割当削除に失敗しました: %w", err)
		}
		return requireRows(result, inventory.ErrAssignmentNotFound)
	})
}

// UpdateAssignmentStatus changes an assignment status while the stock-take is COUNTING
// 担当割当の状態を更新
func (r *PostgresStocktakeRepository) UpdateAssignmentStatus(ctx context.Context, stocktakeID, assignmentID string, status stocktake.AssignmentStatus, at time.Time) error {
	return r.mutate(ctx, stocktakeID, stocktake.EventMarkAssignmentComplete, func(tx *sql.Tx, _ int64) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE stocktake_assignments
			SET status = $3, updated_at = $4
			WHERE id = $1 AND stocktake_id = $2`,
			assignmentID, stocktakeID, string(status), at,
		)
		if err != nil {
			return fmt.Errorf("担当割当更新に失敗しました: %w", err)
		}
		return requireRows(result, inventory.ErrAssignmentNotFound)
	})
}

// StartCounting stores the seeded results and moves the stock-take to COUNTING
// 棚卸結果を登録して実地棚卸を開始
func (r *PostgresStocktakeRepository) StartCounting(ctx context.Context, stocktakeID string, expectedVersion int64, results []stocktake.Result, at time.Time) error {
	return r.mutate(ctx, stocktakeID, stocktake.EventStartCounting, func(tx *sql.Tx, version int64) error {
		if version != expectedVersion {
			return inventory.NewConflictError(string(stocktake.EventStartCounting), "stocktake", stocktakeID)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO stocktake_results (id, stocktake_id, material_id, location_id, unit_id, book_quantity, actual_quantity, serial_batch, notes, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
		if err != nil {
			return fmt.Errorf("ステートメント準備に失敗しました: %w", err)
		}
		defer stmt.Close()

		for _, res := range results {
			_, err := stmt.ExecContext(ctx,
				res.ID, stocktakeID, res.MaterialID, res.LocationID, res.UnitID,
				res.BookQuantity, res.ActualQuantity, res.SerialBatch, res.Notes, res.Version, res.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("棚卸結果作成に失敗しました: %w", err)
			}
		}

		return r.setStep(ctx, tx, stocktakeID, stocktake.StepCounting, "started_at", at)
	})
}

// SaveResults applies the batch if every row token matches, all or nothing
// 棚卸結果を一括更新（全件成功または全件失敗）
func (r *PostgresStocktakeRepository) SaveResults(ctx context.Context, stocktakeID string, edits []stocktake.ResultEdit, at time.Time) ([]stocktake.Result, error) {
	ids := make([]string, 0, len(edits))
	for _, e := range edits {
		ids = append(ids, e.ResultID)
	}

	var saved []stocktake.Result
	err := r.mutate(ctx, stocktakeID, stocktake.EventSaveResults, func(tx *sql.Tx, _ int64) error {
		current, err := r.results(ctx, tx, stocktakeID, ids)
		if err != nil {
			return err
		}
		versions := make(map[string]int64, len(current))
		for _, res := range current {
			versions[res.ID] = res.Version
		}

		var stale []string
		for _, e := range edits {
			v, ok := versions[e.ResultID]
			if !ok {
				return fmt.Errorf("%w: %s", inventory.ErrResultNotFound, e.ResultID)
			}
			if v != e.Version {
				stale = append(stale, e.ResultID)
			}
		}
		if len(stale) > 0 {
			return inventory.NewConflictError(string(stocktake.EventSaveResults), "stocktake_result", stale...)
		}

		for _, e := range edits {
			result, err := tx.ExecContext(ctx, `
				UPDATE stocktake_results
				SET actual_quantity = $3, serial_batch = $4, notes = $5, version = version + 1, updated_at = $6
				WHERE id = $1 AND stocktake_id = $2 AND version = $7`,
				e.ResultID, stocktakeID, e.ActualQuantity, e.SerialBatch, e.Notes, at, e.Version,
			)
			if err != nil {
				return fmt.Errorf("棚卸結果更新に失敗しました: %w", err)
			}
			if err := requireRows(result, inventory.NewConflictError(string(stocktake.EventSaveResults), "stocktake_result", e.ResultID)); err != nil {
				return err
			}
		}

		saved, err = r.results(ctx, tx, stocktakeID, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// AdvanceStep applies a step transition if the aggregate version is unchanged
// 集約バージョンが一致する場合のみステップを進める
func (r *PostgresStocktakeRepository) AdvanceStep(ctx context.Context, stocktakeID string, event stocktake.Event, expectedVersion int64, at time.Time) error {
	return r.mutate(ctx, stocktakeID, event, func(tx *sql.Tx, version int64) error {
		if version != expectedVersion {
			return inventory.NewConflictError(string(event), "stocktake", stocktakeID)
		}
		switch event {
		case stocktake.EventReconcile:
			return r.setStep(ctx, tx, stocktakeID, stocktake.StepReconciling, "reconciled_at", at)
		case stocktake.EventComplete:
			return r.setStep(ctx, tx, stocktakeID, stocktake.StepCompleted, "completed_at", at)
		}
		return inventory.NewTransitionError(string(event), "", nil)
	})
}

// mutate runs fn inside a transaction holding the stock-take row lock after
// checking event against the current step, then bumps the aggregate version
func (r *PostgresStocktakeRepository) mutate(ctx context.Context, stocktakeID string, event stocktake.Event, fn func(tx *sql.Tx, version int64) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	var step int
	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT current_step, version FROM stocktakes WHERE id = $1 FOR UPDATE`,
		stocktakeID,
	).Scan(&step, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return inventory.ErrStocktakeNotFound
		}
		return fmt.Errorf("棚卸取得に失敗しました: %w", err)
	}

	if _, err := stocktake.Transition(stocktake.Step(step), event); err != nil {
		return err
	}
	if err := fn(tx, version); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE stocktakes SET version = version + 1 WHERE id = $1`,
		stocktakeID,
	); err != nil {
		return fmt.Errorf("棚卸バージョン更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗しました: %w", err)
	}
	return nil
}

func (r *PostgresStocktakeRepository) setStep(ctx context.Context, tx *sql.Tx, stocktakeID string, step stocktake.Step, column string, at time.Time) error {
	// column is one of the fixed timestamp columns chosen by the caller
	query := fmt.Sprintf(`UPDATE stocktakes SET current_step = $2, %s = $3 WHERE id = $1`, column)
	if _, err := tx.ExecContext(ctx, query, stocktakeID, int(step), at); err != nil {
		return fmt.Errorf("棚卸ステップ更新に失敗しました: %w", err)
	}
	r.logger.Debug("棚卸ステップを更新しました",
		zap.String("stocktake_id", stocktakeID),
		zap.String("step", step.String()),
	)
	return nil
}

func (r *PostgresStocktakeRepository) assignments(ctx context.Context, stocktakeID string) ([]stocktake.Assignment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, stocktake_id, location_id, assignee_id, status, created_at, updated_at
		FROM stocktake_assignments
		WHERE stocktake_id = $1
		ORDER BY created_at, location_id`,
		stocktakeID,
	)
	if err != nil {
		return nil, fmt.Errorf("担当割当取得に失敗しました: %w", err)
	}
	defer rows.Close()

	assignments := make([]stocktake.Assignment, 0)
	for rows.Next() {
		var a stocktake.Assignment
		var status string
		if err := rows.Scan(&a.ID, &a.StocktakeID, &a.LocationID, &a.AssigneeID, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("担当割当スキャンに失敗しました: %w", err)
		}
		a.Status = stocktake.AssignmentStatus(status)
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// results loads result rows; ids limits the rows when non-nil
func (r *PostgresStocktakeRepository) results(ctx context.Context, q queryer, stocktakeID string, ids []string) ([]stocktake.Result, error) {
	query := `
		SELECT id, stocktake_id, material_id, location_id, unit_id, book_quantity, actual_quantity, serial_batch, notes, version, updated_at
		FROM stocktake_results
		WHERE stocktake_id = $1 AND ($2::text[] IS NULL OR id = ANY($2))
		ORDER BY location_id, material_id`

	var filter interface{}
	if ids != nil {
		filter = pq.Array(ids)
	}
	rows, err := q.QueryContext(ctx, query, stocktakeID, filter)
	if err != nil {
		return nil, fmt.Errorf("棚卸結果取得に失敗しました: %w", err)
	}
	defer rows.Close()

	results := make([]stocktake.Result, 0)
	for rows.Next() {
		var res stocktake.Result
		err := rows.Scan(
			&res.ID,
			&res.StocktakeID,
			&res.MaterialID,
			&res.LocationID,
			&res.UnitID,
			&res.BookQuantity,
			&res.ActualQuantity,
			&res.SerialBatch,
			&res.Notes,
			&res.Version,
			&res.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("棚卸結果スキャンに失敗しました: %w", err)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func requireRows(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
