package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiWarehouse/pkg/allocation"
	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
)

// LineInput is the submitted split list of one document line
// 明細ごとの分割入力
type LineInput struct {
	ItemID string             `json:"item_id" validate:"required"`
	Splits []allocation.Split `json:"splits" validate:"required,min=1"`
}

// LineView is the read model of one line: its allocator state plus derived totals
// 明細の表示用モデル
type LineView struct {
	ItemID         string             `json:"item_id"`
	MaterialID     string             `json:"material_id"`
	MaterialCode   string             `json:"material_code"`
	Target         decimal.Decimal    `json:"target"`
	Allocated      decimal.Decimal    `json:"allocated"`
	Remaining      decimal.Decimal    `json:"remaining"`
	Complete       bool               `json:"complete"`
	CanAddSplit    bool               `json:"can_add_split"`
	SerialRequired bool               `json:"serial_required"`
	Splits         []allocation.Split `json:"splits"`
}

// Options configures the put-away and picking services
// 格納・ピッキングサービスの設定
type Options struct {
	SplitPolicy       allocation.SplitPolicy // 分割可否ポリシー
	SerialPolicy      inventory.SerialPolicy // シリアル管理判定
	ValidateLocations bool                   // 確定時にロケーション存在チェック
}

// line is the workflow-neutral view of a receipt or voucher line
type line struct {
	itemID       string
	materialID   string
	materialCode string
	target       decimal.Decimal
	splits       []allocation.Split
	serial       bool
}

// lineEngine holds the logic shared by put-away and picking
type lineEngine struct {
	kind      string
	registry  inventory.LocationRegistry
	publisher inventory.EventPublisher
	logger    *zap.Logger
	opts      Options
}

func (e *lineEngine) options(l line) []allocation.Option {
	return []allocation.Option{
		allocation.WithSplitPolicy(e.opts.SplitPolicy),
		allocation.WithSerialRequired(l.serial),
	}
}

// initialize returns one allocator per line; lines without stored splits are seeded
func (e *lineEngine) initialize(lines []line) []*allocation.Allocator {
	allocators := make([]*allocation.Allocator, 0, len(lines))
	for _, l := range lines {
		splits := l.splits
		if len(splits) == 0 {
			splits = allocation.Seed(l.target)
		}
		allocators = append(allocators, allocation.New(l.itemID, l.target, splits, e.options(l)...))
	}
	return allocators
}

// views converts lines into their read models
func (e *lineEngine) views(lines []line) []LineView {
	allocators := e.initialize(lines)
	views := make([]LineView, 0, len(lines))
	for i, a := range allocators {
		views = append(views, LineView{
			ItemID:         a.ItemID(),
			MaterialID:     lines[i].materialID,
			MaterialCode:   lines[i].materialCode,
			Target:         a.Target(),
			Allocated:      a.AllocatedTotal(),
			Remaining:      a.Remaining(),
			Complete:       a.IsComplete(),
			CanAddSplit:    a.CanAddSplit(),
			SerialRequired: a.SerialRequired(),
			Splits:         a.Splits(),
		})
	}
	return views
}

// replay loads every submitted line through an allocator so over-allocation
// and negative quantities are rejected before anything is persisted
func (e *lineEngine) replay(ctx context.Context, lines []line, inputs []LineInput) (map[string][]allocation.Split, error) {
	byID := make(map[string]line, len(lines))
	for _, l := range lines {
		byID[l.itemID] = l
	}

	submitted := make(map[string][]allocation.Split, len(inputs))
	for _, in := range inputs {
		l, ok := byID[in.ItemID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", inventory.ErrLineNotFound, in.ItemID)
		}
		a, err := allocation.Load(l.itemID, l.target, in.Splits, e.options(l)...)
		if err != nil {
			e.rejected(ctx, l.itemID, err)
			return nil, err
		}
		submitted[l.itemID] = a.Splits()
	}
	return submitted, nil
}

// confirmable validates every line, substituting stored splits for lines that
// were not submitted, and returns the final splits per line
func (e *lineEngine) confirmable(ctx context.Context, lines []line, inputs []LineInput) (map[string][]allocation.Split, error) {
	submitted, err := e.replay(ctx, lines, inputs)
	if err != nil {
		return nil, err
	}

	final := make(map[string][]allocation.Split, len(lines))
	for _, l := range lines {
		splits, ok := submitted[l.itemID]
		if !ok {
			splits = l.splits
		}
		if len(splits) == 0 {
			splits = allocation.Seed(l.target)
		}

		a, err := allocation.Load(l.itemID, l.target, splits, e.options(l)...)
		if err != nil {
			e.rejected(ctx, l.itemID, err)
			return nil, err
		}
		if err := a.Validate(); err != nil {
			e.rejected(ctx, l.itemID, err)
			return nil, err
		}
		final[l.itemID] = a.Splits()
	}

	if e.opts.ValidateLocations {
		if err := e.checkLocations(ctx, lines, final); err != nil {
			return nil, err
		}
	}
	return final, nil
}

func (e *lineEngine) checkLocations(ctx context.Context, lines []line, final map[string][]allocation.Split) error {
	if e.registry == nil {
		return nil
	}
	checked := make(map[string]bool)
	for _, l := range lines {
		for i, s := range final[l.itemID] {
			if checked[s.Location] {
				continue
			}
			if _, err := e.registry.GetLocation(ctx, s.Location); err != nil {
				if errors.Is(err, inventory.ErrLocationNotFound) {
					e.rejected(ctx, l.itemID, err)
					return fmt.Errorf("%w: %s [明細: %s, 分割: %d]", inventory.ErrLocationNotFound, s.Location, l.itemID, i)
				}
				return fmt.Errorf("ロケーション確認に失敗しました: %w", err)
			}
			checked[s.Location] = true
		}
	}
	return nil
}

func (e *lineEngine) rejected(ctx context.Context, itemID string, cause error) {
	code := inventory.ErrorCode(cause)
	e.logger.Warn("割当が拒否されました",
		zap.String("kind", e.kind),
		zap.String("item_id", itemID),
		zap.String("code", code),
		zap.Error(cause),
	)
	if e.publisher == nil {
		return
	}
	event := inventory.AllocationRejectedEvent{
		Kind:      e.kind,
		ItemID:    itemID,
		Code:      code,
		Timestamp: time.Now(),
	}
	if err := e.publisher.PublishAllocationRejected(ctx, event); err != nil {
		e.logger.Error("イベント発行に失敗しました", zap.Error(err))
	}
}

func (e *lineEngine) confirmed(ctx context.Context, documentID, status string) {
	if e.publisher == nil {
		return
	}
	event := inventory.DocumentConfirmedEvent{
		Kind:       e.kind,
		DocumentID: documentID,
		Status:     status,
		Timestamp:  time.Now(),
		UserID:     inventory.UserFromContext(ctx),
	}
	if err := e.publisher.PublishDocumentConfirmed(ctx, event); err != nil {
		e.logger.Error("イベント発行に失敗しました", zap.Error(err))
	}
}
