package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger is the system of record for per-material, per-location book quantities
// 品目・ロケーション別帳簿在庫の記録システム
type Ledger struct {
	storage   LedgerStorage  // ストレージ層
	publisher EventPublisher // イベント発行者
	logger    *zap.Logger    // ログ
	config    *Config        // 設定
}

// Config holds configuration for the inventory ledger
// 在庫台帳の設定を保持
type Config struct {
	AllowNegativeStock bool `yaml:"allow_negative_stock"` // 負の在庫を許可
	AuditEnabled       bool `yaml:"audit_enabled"`        // 監査ログ有効
}

// NewLedger creates a new inventory ledger
// 新しい在庫台帳を作成
func NewLedger(storage LedgerStorage, publisher EventPublisher, logger *zap.Logger, config *Config) *Ledger {
	if config == nil {
		config = &Config{
			AllowNegativeStock: false,
			AuditEnabled:       true,
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Ledger{
		storage:   storage,
		publisher: publisher,
		logger:    logger,
		config:    config,
	}
}

// BookQuantity gets the current book quantity; a missing stock row counts as zero
// 現在の帳簿数量を取得（在庫記録がない場合は0）
func (l *Ledger) BookQuantity(ctx context.Context, materialID, locationID string) (decimal.Decimal, error) {
	stock, err := l.storage.GetStock(ctx, materialID, locationID)
	if err != nil {
		if errors.Is(err, ErrStockNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, NewStorageError("get_stock", "在庫取得に失敗しました", err)
	}
	return stock.Quantity, nil
}

// StockAtLocations gets all stock rows held in the given locations
// 指定ロケーション群のすべての在庫を取得
func (l *Ledger) StockAtLocations(ctx context.Context, locationIDs []string) ([]Stock, error) {
	if len(locationIDs) == 0 {
		return []Stock{}, nil
	}
	stocks, err := l.storage.ListStockByLocations(ctx, locationIDs)
	if err != nil {
		return nil, NewStorageError("list_stock", "ロケーション在庫取得に失敗しました", err)
	}
	return stocks, nil
}

// ApplyDeltas posts the non-zero deltas under the given reference. A reference
// is applied at most once: a repeated call returns applied=false and changes nothing.
// 参照番号単位で差分を計上（同じ参照番号は一度だけ計上される）
func (l *Ledger) ApplyDeltas(ctx context.Context, reference string, deltas []LedgerDelta) (bool, error) {
	if err := ValidateReference(reference); err != nil {
		return false, err
	}

	posting := &Posting{
		ID:        NewID(),
		Reference: reference,
		Deltas:    make([]LedgerDelta, 0, len(deltas)),
		PostedAt:  time.Now(),
		PostedBy:  UserFromContext(ctx),
	}
	for _, d := range deltas {
		if d.Quantity.IsZero() {
			continue
		}
		if err := ValidateDelta(d); err != nil {
			return false, err
		}
		posting.Deltas = append(posting.Deltas, d)
	}

	err := l.storage.ApplyPosting(ctx, posting, l.config.AllowNegativeStock)
	if err != nil {
		if errors.Is(err, ErrAlreadyPosted) {
			l.logger.Warn("既に計上済みの参照番号です",
				zap.String("reference", reference),
			)
			return false, nil
		}
		var ruleErr *BusinessRuleError
		if errors.As(err, &ruleErr) {
			return false, err
		}
		return false, NewStorageError("apply_posting", "台帳計上に失敗しました", err)
	}

	// イベント発行
	if l.publisher != nil {
		event := LedgerPostedEvent{
			Reference:   reference,
			DeltaCount:  len(posting.Deltas),
			NetQuantity: posting.NetQuantity(),
			Timestamp:   posting.PostedAt,
			UserID:      posting.PostedBy,
		}
		if err := l.publisher.PublishLedgerPosted(ctx, event); err != nil {
			l.logger.Error("イベント発行に失敗しました", zap.Error(err))
		}
	}

	if l.config.AuditEnabled {
		for _, d := range posting.Deltas {
			l.logger.Info("在庫調整計上",
				zap.String("reference", reference),
				zap.String("material_id", d.MaterialID),
				zap.String("location_id", d.LocationID),
				zap.String("quantity", d.Quantity.String()),
			)
		}
	}

	l.logger.Info("台帳計上完了",
		zap.String("reference", reference),
		zap.Int("delta_count", len(posting.Deltas)),
		zap.String("net_quantity", posting.NetQuantity().String()),
	)

	return true, nil
}

// History gets the ledger transactions recorded under a reference
// 参照番号の台帳トランザクション履歴を取得
func (l *Ledger) History(ctx context.Context, reference string) ([]Transaction, error) {
	if err := ValidateReference(reference); err != nil {
		return nil, err
	}
	txs, err := l.storage.GetTransactionsByReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("履歴取得に失敗しました: %w", err)
	}
	return txs, nil
}
