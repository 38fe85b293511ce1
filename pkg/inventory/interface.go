package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LocationRegistry supplies valid storage locations and which of them hold a material.
// It is read-only to the engine.
// 有効なロケーションと品目の保管ロケーションを提供（読み取り専用）
type LocationRegistry interface {
	ListLocations(ctx context.Context) ([]Location, error)
	GetLocation(ctx context.Context, locationID string) (*Location, error)
	LocationsHolding(ctx context.Context, materialID string) ([]string, error)
}

// LedgerStorage defines the persistence layer behind the inventory ledger
// 在庫台帳の永続化層インターフェースを定義
type LedgerStorage interface {
	GetStock(ctx context.Context, materialID, locationID string) (*Stock, error)
	ListStockByLocations(ctx context.Context, locationIDs []string) ([]Stock, error)

	// ApplyPosting applies every delta of the posting atomically. It returns
	// ErrAlreadyPosted when the reference was applied before and a
	// BusinessRuleError when a delta would drive stock negative while that is
	// not allowed.
	ApplyPosting(ctx context.Context, posting *Posting, allowNegative bool) error

	GetTransactionsByReference(ctx context.Context, reference string) ([]Transaction, error)
}

// EventPublisher defines interface for publishing engine events
// エンジンイベント発行のインターフェースを定義
type EventPublisher interface {
	PublishStepChanged(ctx context.Context, event StepChangedEvent) error
	PublishLedgerPosted(ctx context.Context, event LedgerPostedEvent) error
	PublishDocumentConfirmed(ctx context.Context, event DocumentConfirmedEvent) error
	PublishConflict(ctx context.Context, event ConflictEvent) error
	PublishAllocationRejected(ctx context.Context, event AllocationRejectedEvent) error
}

// StepChangedEvent represents a stock-take step transition
// 棚卸ステップ遷移イベントを表現
type StepChangedEvent struct {
	StocktakeID string    `json:"stocktake_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Timestamp   time.Time `json:"timestamp"`
	UserID      string    `json:"user_id"`
}

// LedgerPostedEvent represents deltas applied to the ledger
// 台帳計上イベントを表現
type LedgerPostedEvent struct {
	Reference   string          `json:"reference"`
	DeltaCount  int             `json:"delta_count"`
	NetQuantity decimal.Decimal `json:"net_quantity"`
	Timestamp   time.Time       `json:"timestamp"`
	UserID      string          `json:"user_id"`
}

// DocumentConfirmedEvent represents a receipt or voucher confirmation
// 伝票確定イベントを表現
type DocumentConfirmedEvent struct {
	Kind       string    `json:"kind"` // receipt, voucher
	DocumentID string    `json:"document_id"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	UserID     string    `json:"user_id"`
}

// ConflictEvent represents a rejected write caused by a stale token
// 競合による書き込み拒否イベントを表現
type ConflictEvent struct {
	Operation   string    `json:"operation"`
	StocktakeID string    `json:"stocktake_id"`
	StaleIDs    []string  `json:"stale_ids"`
	Timestamp   time.Time `json:"timestamp"`
}

// AllocationRejectedEvent represents a split edit or confirmation that was rejected
// 割当拒否イベントを表現
type AllocationRejectedEvent struct {
	Kind      string    `json:"kind"` // putaway, picking
	ItemID    string    `json:"item_id"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}
