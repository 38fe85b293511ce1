package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nemonet1337/zaiWarehouse/pkg/allocation"
	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
)

// PutAwayService assigns received quantities to storage locations
// 入庫数量を保管ロケーションへ割り当てる格納サービス
type PutAwayService struct {
	store  DocumentStore
	engine *lineEngine
	logger *zap.Logger
}

// NewPutAwayService creates a new put-away service
// 新しい格納サービスを作成
func NewPutAwayService(store DocumentStore, registry inventory.LocationRegistry, publisher inventory.EventPublisher, logger *zap.Logger, opts Options) *PutAwayService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PutAwayService{
		store: store,
		engine: &lineEngine{
			kind:      "putaway",
			registry:  registry,
			publisher: publisher,
			logger:    logger,
			opts:      opts,
		},
		logger: logger,
	}
}

func receiptLines(r *Receipt) []line {
	lines := make([]line, 0, len(r.Items))
	for _, item := range r.Items {
		lines = append(lines, line{
			itemID:       item.ID,
			materialID:   item.MaterialID,
			materialCode: item.MaterialCode,
			target:       item.ReceivingQuantity,
			splits:       item.Splits,
		})
	}
	return lines
}

// Receipt gets a receipt
// 入庫伝票を取得
func (s *PutAwayService) Receipt(ctx context.Context, receiptID string) (*Receipt, error) {
	r, err := s.store.GetReceipt(ctx, receiptID)
	if err != nil {
		return nil, fmt.Errorf("入庫伝票取得に失敗しました: %w", err)
	}
	return r, nil
}

// InitializeLines returns one allocator per receipt item. Items without stored
// splits start with the full receiving quantity at an empty location.
// 入庫明細ごとの割当エディタを初期化
func (s *PutAwayService) InitializeLines(ctx context.Context, receiptID string) ([]*allocation.Allocator, error) {
	r, err := s.Receipt(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	return s.engine.initialize(receiptLines(r)), nil
}

// Lines returns the read model of every receipt line
// 入庫明細の表示用モデルを取得
func (s *PutAwayService) Lines(ctx context.Context, receiptID string) ([]LineView, error) {
	r, err := s.Receipt(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	return s.engine.views(receiptLines(r)), nil
}

// SaveDraft stores the submitted splits without confirming the receipt
// 分割を下書き保存（確定はしない）
func (s *PutAwayService) SaveDraft(ctx context.Context, receiptID string, lines []LineInput) error {
	r, err := s.Receipt(ctx, receiptID)
	if err != nil {
		return err
	}
	if !ContainsReceiptStatus(receiptConfirmFrom, r.Status) {
		return inventory.NewTransitionError("save_putaway", string(r.Status), nil)
	}

	splits, err := s.engine.replay(ctx, receiptLines(r), lines)
	if err != nil {
		return err
	}
	if err := s.store.SaveReceiptSplits(ctx, receiptID, receiptConfirmFrom, splits); err != nil {
		return fmt.Errorf("格納下書き保存に失敗しました: %w", err)
	}

	s.logger.Info("格納下書きを保存しました",
		zap.String("receipt_id", receiptID),
		zap.Int("line_count", len(splits)),
	)
	return nil
}

// Confirm validates every line and moves the receipt to COMPLETED. When lines
// is empty the stored splits are confirmed.
// 格納を確定（AWAITING_PUTAWAY → COMPLETED）
func (s *PutAwayService) Confirm(ctx context.Context, receiptID string, lines []LineInput) error {
	r, err := s.Receipt(ctx, receiptID)
	if err != nil {
		return err
	}
	if !ContainsReceiptStatus(receiptConfirmFrom, r.Status) {
		return inventory.NewTransitionError("confirm_putaway", string(r.Status), nil)
	}

	final, err := s.engine.confirmable(ctx, receiptLines(r), lines)
	if err != nil {
		return err
	}

	if err := s.store.TransitionReceipt(ctx, receiptID, receiptConfirmFrom, ReceiptCompleted, final); err != nil {
		return fmt.Errorf("格納確定に失敗しました: %w", err)
	}

	s.engine.confirmed(ctx, receiptID, string(ReceiptCompleted))
	s.logger.Info("格納を確定しました",
		zap.String("receipt_id", receiptID),
		zap.String("user_id", inventory.UserFromContext(ctx)),
	)
	return nil
}
