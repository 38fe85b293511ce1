package stocktake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
)

// LedgerPoster is the part of the inventory ledger a stock-take needs
// 棚卸が利用する在庫台帳の操作
type LedgerPoster interface {
	StockAtLocations(ctx context.Context, locationIDs []string) ([]inventory.Stock, error)
	ApplyDeltas(ctx context.Context, reference string, deltas []inventory.LedgerDelta) (bool, error)
}

// Service drives stock-takes through their steps
// 棚卸の進行を管理するサービス
type Service struct {
	repo      Repository
	ledger    LedgerPoster
	publisher inventory.EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a new stock-take service
// 新しい棚卸サービスを作成
func NewService(repo Repository, ledger LedgerPoster, publisher inventory.EventPublisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		ledger:    ledger,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Create creates a DRAFT stock-take
// 準備状態の棚卸を作成
func (s *Service) Create(ctx context.Context, name, warehouseID string) (*Stocktake, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, inventory.NewValidationError("name", "棚卸名が空です", name)
	}

	st := &Stocktake{
		ID:          inventory.NewID(),
		Name:        name,
		WarehouseID: strings.TrimSpace(warehouseID),
		CurrentStep: StepDraft,
		Version:     1,
		Assignments: []Assignment{},
		Results:     []Result{},
		CreatedBy:   inventory.UserFromContext(ctx),
		CreatedAt:   s.now(),
	}
	if err := s.repo.Create(ctx, st); err != nil {
		return nil, fmt.Errorf("棚卸作成に失敗しました: %w", err)
	}

	s.logger.Info("棚卸を作成しました",
		zap.String("stocktake_id", st.ID),
		zap.String("name", st.Name),
		zap.String("user_id", st.CreatedBy),
	)
	return st, nil
}

// Get gets a stock-take with its assignments and results
// 棚卸を取得
func (s *Service) Get(ctx context.Context, stocktakeID string) (*Stocktake, error) {
	st, err := s.repo.Get(ctx, stocktakeID)
	if err != nil {
		return nil, fmt.Errorf("棚卸取得に失敗しました: %w", err)
	}
	return st, nil
}

// List lists stock-takes, optionally filtered by step
// 棚卸一覧を取得
func (s *Service) List(ctx context.Context, filter Filter) ([]Summary, error) {
	summaries, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("棚卸一覧取得に失敗しました: %w", err)
	}
	return summaries, nil
}

// AddAssignment assigns a location to an assignee while the stock-take is DRAFT
// 担当割当を追加（準備状態のみ）
func (s *Service) AddAssignment(ctx context.Context, stocktakeID, locationID, assigneeID string) (*Assignment, error) {
	if err := inventory.ValidateLocationID(locationID); err != nil {
		return nil, err
	}
	if err := inventory.ValidateUserID(assigneeID); err != nil {
		return nil, err
	}

	st, err := s.Get(ctx, stocktakeID)
	if err != nil {
		return nil, err
	}
	if _, err := Transition(st.CurrentStep, EventAddAssignment); err != nil {
		return nil, err
	}
	for _, a := range st.Assignments {
		if a.LocationID == locationID {
			return nil, fmt.Errorf("%w: %s", inventory.ErrDuplicateLocation, locationID)
		}
	}

	now := s.now()
	a := &Assignment{
		ID:          inventory.NewID(),
		StocktakeID: stocktakeID,
		LocationID:  locationID,
		AssigneeID:  assigneeID,
		Status:      AssignmentPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.InsertAssignment(ctx, a); err != nil {
		return nil, fmt.Errorf("担当割当の追加に失敗しました: %w", err)
	}

	s.logger.Info("担当割当を追加しました",
		zap.String("stocktake_id", stocktakeID),
		zap.String("location_id", locationID),
		zap.String("assignee_id", assigneeID),
	)
	return a, nil
}

// RemoveAssignment deletes an assignment while the stock-take is DRAFT
// 担当割当を削除（準備状態のみ）
func (s *Service) RemoveAssignment(ctx context.Context, stocktakeID, assignmentID string) error {
	st, err := s.Get(ctx, stocktakeID)
	if err != nil {
		return err
	}
	if _, err := Transition(st.CurrentStep, EventRemoveAssignment); err != nil {
		return err
	}
	if err := s.repo.DeleteAssignment(ctx, stocktakeID, assignmentID); err != nil {
		return fmt.Errorf("担当割当の削除に失敗しました: %w", err)
	}

	s.logger.Info("担当割当を削除しました",
		zap.String("stocktake_id", stocktakeID),
		zap.String("assignment_id", assignmentID),
	)
	return nil
}

// StartCounting snapshots book stock of every assigned location into result
// rows and moves the stock-take to COUNTING
// 帳簿数量を取り込み実地棚卸を開始
func (s *Service) StartCounting(ctx context.Context, stocktakeID string) (*Stocktake, error) {
	st, err := s.Get(ctx, stocktakeID)
	if err != nil {
		return nil, err
	}
	to, err := Transition(st.CurrentStep, EventStartCounting)
	if err != nil {
		return nil, err
	}
	if len(st.Assignments) == 0 {
		return nil, inventory.NewTransitionError(string(EventStartCounting), st.CurrentStep.String(), inventory.ErrNoAssignments)
	}

	stocks, err := s.ledger.StockAtLocations(ctx, st.AssignedLocations())
	if err != nil {
		return nil, fmt.Errorf("帳簿在庫の取得に失敗しました: %w", err)
	}

	now := s.now()
	results := make([]Result, 0, len(stocks))
	for _, stock := range stocks {
		results = append(results, Result{
			ID:             inventory.NewID(),
			StocktakeID:    stocktakeID,
			MaterialID:     stock.MaterialID,
			LocationID:     stock.LocationID,
			UnitID:         stock.UnitID,
			BookQuantity:   stock.Quantity,
			ActualQuantity: stock.Quantity,
			Version:        1,
			UpdatedAt:      now,
		})
	}

	if err := s.repo.StartCounting(ctx, stocktakeID, st.Version, results, now); err != nil {
		s.conflicted(ctx, string(EventStartCounting), stocktakeID, err)
		return nil, fmt.Errorf("実地棚卸の開始に失敗しました: %w", err)
	}
	s.stepChanged(ctx, stocktakeID, st.CurrentStep, to, now)

	s.logger.Info("実地棚卸を開始しました",
		zap.String("stocktake_id", stocktakeID),
		zap.Int("result_count", len(results)),
	)
	return s.Get(ctx, stocktakeID)
}

// Results gets the result rows of a stock-take
// 棚卸結果を取得
func (s *Service) Results(ctx context.Context, stocktakeID string) ([]Result, error) {
	st, err := s.Get(ctx, stocktakeID)
	if err != nil {
		return nil, err
	}
	return st.Results, nil
}

// SaveResults writes a batch of counted quantities. The batch is applied only
// if every row token still matches; otherwise nothing is written and a
// ConflictError lists the stale rows.
// 棚卸結果を一括保存（1行でも競合すれば全件拒否）
func (s *Service) SaveResults(ctx context.Context, stocktakeID string, edits []ResultEdit) ([]Result, error) {
	if len(edits) == 0 {
		return nil, inventory.NewValidationError("results", "保存対象がありません", "")
	}
	seen := make(map[string]bool, len(edits))
	for _, e := range edits {
		if e.ResultID == "" {
			return nil, inventory.NewValidationError("id", "結果IDが空です", "")
		}
		if seen[e.ResultID] {
			return nil, inventory.NewValidationError("id", "結果IDが重複しています", e.ResultID)
		}
		seen[e.ResultID] = true
		if err := inventory.ValidateQuantity(e.ActualQuantity, false); err != nil {
			return nil, err
		}
		if err := inventory.ValidateSerialOrBatch(e.SerialBatch); err != nil {
			return nil, err
		}
	}

	st, err := s.Get(ctx, stocktakeID)
	if err != nil {
		return nil, err
	}
	if _, err := Transition(st.CurrentStep, EventSaveResults); err != nil {
		return nil, err
	}

	saved, err := s.repo.SaveResults(ctx, stocktakeID, edits, s.now())
	if err != nil {
		s.conflicted(ctx, string(EventSaveResults), stocktakeID, err)
		return nil, fmt.Errorf("棚卸結果の保存に失敗しました: %w", err)
	}

	s.logger.Info("棚卸結果を保存しました",
		zap.String("stocktake_id", stocktakeID),
		zap.Int("row_count", len(saved)),
		zap.String("user_id", inventory.UserFromContext(ctx)),
	)
	return saved, nil
}

// MarkAssignmentComplete marks one assigned location as counted
// 担当割当を完了にする
func (s *Service) MarkAssignmentComplete(ctx context.Context, stocktakeID, assignmentID string) error {
	st, err := s.Get(ctx, stocktakeID)
	if err != nil {
		return err
	}
	if _, err := Transition(st.CurrentStep, EventMarkAssignmentComplete); err != nil {
		return err
	}
	if err := s.repo.UpdateAssignmentStatus(ctx, stocktakeID, assignmentID, AssignmentCompleted, s.now()); err != nil {
		return fmt.Errorf("担当割当の完了に失敗しました: %w", err)
	}

	s.logger.Info("担当割当を完了しました",
		zap.String("stocktake_id", stocktakeID),
		zap.String("assignment_id", assignmentID),
	)
	return nil
}

// Reconcile freezes the results once every assignment is completed. A result
// save or assignment change committed after the stock-take was read fails the
// call with a ConflictError.
// 差異確認へ進める（全担当割当の完了が必要）
func (s *Service) Reconcile(ctx context.Context, stocktakeID string) (*Stocktake, error) {
	st, err := s.Get(ctx, stocktakeID)
	if err != nil {
		return nil, err
	}
	to, err := Transition(st.CurrentStep, EventReconcile)
	if err != nil {
		return nil, err
	}
	if st.PendingAssignments() > 0 {
		return nil, inventory.NewTransitionError(string(EventReconcile), st.CurrentStep.String(), inventory.ErrAssignmentsPending)
	}

	now := s.now()
	if err := s.repo.AdvanceStep(ctx, stocktakeID, EventReconcile, st.Version, now); err != nil {
		s.conflicted(ctx, string(EventReconcile), stocktakeID, err)
		return nil, fmt.Errorf("差異確認への移行に失敗しました: %w", err)
	}
	s.stepChanged(ctx, stocktakeID, st.CurrentStep, to, now)

	s.logger.Info("差異確認へ移行しました",
		zap.String("stocktake_id", stocktakeID),
		zap.String("total_variance", st.TotalVariance().String()),
	)
	return s.Get(ctx, stocktakeID)
}

// Complete posts every non-zero variance to the ledger under the stock-take ID
// and moves the stock-take to COMPLETED. The posting is keyed by the stock-take
// ID, so a retried or concurrent call never posts twice.
// 差異を台帳に計上して棚卸を完了
func (s *Service) Complete(ctx context.Context, stocktakeID string) (*Stocktake, error) {
	st, err := s.Get(ctx, stocktakeID)
	if err != nil {
		return nil, err
	}
	to, err := Transition(st.CurrentStep, EventComplete)
	if err != nil {
		return nil, err
	}

	adjustments := st.Adjustments()
	deltas := make([]inventory.LedgerDelta, 0, len(adjustments))
	for _, r := range adjustments {
		deltas = append(deltas, inventory.LedgerDelta{
			MaterialID: r.MaterialID,
			LocationID: r.LocationID,
			UnitID:     r.UnitID,
			Quantity:   r.Variance(),
		})
	}

	applied, err := s.ledger.ApplyDeltas(ctx, stocktakeID, deltas)
	if err != nil {
		return nil, fmt.Errorf("在庫調整の計上に失敗しました: %w", err)
	}

	now := s.now()
	if err := s.repo.AdvanceStep(ctx, stocktakeID, EventComplete, st.Version, now); err != nil {
		s.conflicted(ctx, string(EventComplete), stocktakeID, err)
		return nil, fmt.Errorf("棚卸の完了に失敗しました: %w", err)
	}
	s.stepChanged(ctx, stocktakeID, st.CurrentStep, to, now)

	s.logger.Info("棚卸を完了しました",
		zap.String("stocktake_id", stocktakeID),
		zap.Int("adjustment_count", len(deltas)),
		zap.Bool("posted", applied),
	)
	return s.Get(ctx, stocktakeID)
}

// Adjustments returns the rows with a non-zero variance
// 差異のある棚卸結果を取得
func (s *Service) Adjustments(ctx context.Context, stocktakeID string) ([]Result, error) {
	st, err := s.Get(ctx, stocktakeID)
	if err != nil {
		return nil, err
	}
	return st.Adjustments(), nil
}

func (s *Service) stepChanged(ctx context.Context, stocktakeID string, from, to Step, at time.Time) {
	if s.publisher == nil {
		return
	}
	event := inventory.StepChangedEvent{
		StocktakeID: stocktakeID,
		From:        from.String(),
		To:          to.String(),
		Timestamp:   at,
		UserID:      inventory.UserFromContext(ctx),
	}
	if err := s.publisher.PublishStepChanged(ctx, event); err != nil {
		s.logger.Error("イベント発行に失敗しました", zap.Error(err))
	}
}

func (s *Service) conflicted(ctx context.Context, operation, stocktakeID string, err error) {
	var conflict *inventory.ConflictError
	if !errors.As(err, &conflict) {
		return
	}
	s.logger.Warn("競合が発生しました",
		zap.String("operation", operation),
		zap.String("stocktake_id", stocktakeID),
		zap.Strings("stale_ids", conflict.StaleIDs),
	)
	if s.publisher == nil {
		return
	}
	event := inventory.ConflictEvent{
		Operation:   operation,
		StocktakeID: stocktakeID,
		StaleIDs:    conflict.StaleIDs,
		Timestamp:   s.now(),
	}
	if perr := s.publisher.PublishConflict(ctx, event); perr != nil {
		s.logger.Error("イベント発行に失敗しました", zap.Error(perr))
	}
}
