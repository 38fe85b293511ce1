package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nemonet1337/zaiWarehouse/pkg/allocation"
	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
)

// PickingService assigns requested outbound quantities to source locations
// 出庫数量を出庫元ロケーションへ割り当てるピッキングサービス
type PickingService struct {
	store    DocumentStore
	registry inventory.LocationRegistry
	engine   *lineEngine
	logger   *zap.Logger
}

// NewPickingService creates a new picking service
// 新しいピッキングサービスを作成
func NewPickingService(store DocumentStore, registry inventory.LocationRegistry, publisher inventory.EventPublisher, logger *zap.Logger, opts Options) *PickingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PickingService{
		store:    store,
		registry: registry,
		engine: &lineEngine{
			kind:      "picking",
			registry:  registry,
			publisher: publisher,
			logger:    logger,
			opts:      opts,
		},
		logger: logger,
	}
}

func (s *PickingService) voucherLines(v *Voucher) []line {
	lines := make([]line, 0, len(v.Items))
	for _, item := range v.Items {
		lines = append(lines, line{
			itemID:       item.ID,
			materialID:   item.MaterialID,
			materialCode: item.MaterialCode,
			target:       item.RequestedQuantity,
			splits:       item.Splits,
			serial:       s.engine.opts.SerialPolicy.IsSerialManaged(item.MaterialCode),
		})
	}
	return lines
}

// Voucher gets a voucher
// 出庫伝票を取得
func (s *PickingService) Voucher(ctx context.Context, voucherID string) (*Voucher, error) {
	v, err := s.store.GetVoucher(ctx, voucherID)
	if err != nil {
		return nil, fmt.Errorf("出庫伝票取得に失敗しました: %w", err)
	}
	return v, nil
}

// InitializeLines returns one allocator per voucher item. Serial-managed
// materials require a serial/batch on every split.
// 出庫明細ごとの割当エディタを初期化
func (s *PickingService) InitializeLines(ctx context.Context, voucherID string) ([]*allocation.Allocator, error) {
	v, err := s.Voucher(ctx, voucherID)
	if err != nil {
		return nil, err
	}
	return s.engine.initialize(s.voucherLines(v)), nil
}

// Lines returns the read model of every voucher line
// 出庫明細の表示用モデルを取得
func (s *PickingService) Lines(ctx context.Context, voucherID string) ([]LineView, error) {
	v, err := s.Voucher(ctx, voucherID)
	if err != nil {
		return nil, err
	}
	return s.engine.views(s.voucherLines(v)), nil
}

// SaveDraft stores the submitted splits without issuing the voucher
// 分割を下書き保存（出庫はしない）
func (s *PickingService) SaveDraft(ctx context.Context, voucherID string, lines []LineInput) error {
	v, err := s.Voucher(ctx, voucherID)
	if err != nil {
		return err
	}
	if !ContainsVoucherStatus(voucherConfirmFrom, v.Status) {
		return inventory.NewTransitionError("save_picking", string(v.Status), nil)
	}

	splits, err := s.engine.replay(ctx, s.voucherLines(v), lines)
	if err != nil {
		return err
	}
	if err := s.store.SaveVoucherSplits(ctx, voucherID, voucherConfirmFrom, splits); err != nil {
		return fmt.Errorf("ピッキング下書き保存に失敗しました: %w", err)
	}

	s.logger.Info("ピッキング下書きを保存しました",
		zap.String("voucher_id", voucherID),
		zap.Int("line_count", len(splits)),
	)
	return nil
}

// Confirm validates every line and moves the voucher to ISSUED
// ピッキングを確定（AWAITING_ISSUE/PREPARING → ISSUED）
func (s *PickingService) Confirm(ctx context.Context, voucherID string, lines []LineInput) error {
	v, err := s.Voucher(ctx, voucherID)
	if err != nil {
		return err
	}
	if !ContainsVoucherStatus(voucherConfirmFrom, v.Status) {
		return inventory.NewTransitionError("confirm_picking", string(v.Status), nil)
	}

	final, err := s.engine.confirmable(ctx, s.voucherLines(v), lines)
	if err != nil {
		return err
	}

	if err := s.store.TransitionVoucher(ctx, voucherID, voucherConfirmFrom, VoucherIssued, final); err != nil {
		return fmt.Errorf("ピッキング確定に失敗しました: %w", err)
	}

	s.engine.confirmed(ctx, voucherID, string(VoucherIssued))
	s.logger.Info("ピッキングを確定しました",
		zap.String("voucher_id", voucherID),
		zap.String("user_id", inventory.UserFromContext(ctx)),
	)
	return nil
}

// SuggestLocations lists the locations currently holding the material,
// narrowed by query. Manual entry of other locations is not restricted.
// 品目を保管中のロケーション候補を取得
func (s *PickingService) SuggestLocations(ctx context.Context, materialID, query string) ([]string, error) {
	if err := inventory.ValidateMaterialID(materialID); err != nil {
		return nil, err
	}
	if s.registry == nil {
		return []string{}, nil
	}
	holding, err := s.registry.LocationsHolding(ctx, materialID)
	if err != nil {
		return nil, fmt.Errorf("ロケーション候補取得に失敗しました: %w", err)
	}
	suggestions := allocation.FilterSuggestions(holding, query)
	if suggestions == nil {
		suggestions = []string{}
	}
	return suggestions, nil
}
