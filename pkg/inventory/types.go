// Package inventory provides the shared inventory kernel: book stock, locations,
// the ledger that posts quantity deltas, and the error taxonomy used by the
// allocation, workflow and stocktake packages.
package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Location represents a storage location in a warehouse
// 倉庫内の保管場所を表現
type Location struct {
	ID          string    `json:"id" db:"id"`                     // ロケーションID（棚番）
	Name        string    `json:"name" db:"name"`                 // ロケーション名
	WarehouseID string    `json:"warehouse_id" db:"warehouse_id"` // 倉庫ID
	Type        string    `json:"type" db:"type"`                 // タイプ（棚、平置きなど）
	IsActive    bool      `json:"is_active" db:"is_active"`       // アクティブ状態
	CreatedAt   time.Time `json:"created_at" db:"created_at"`     // 作成日時
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`     // 更新日時
}

// Stock represents the book quantity of a material at a location
// 特定ロケーションでの品目の帳簿在庫を表現
type Stock struct {
	MaterialID string          `json:"material_id" db:"material_id"` // 品目ID
	LocationID string          `json:"location_id" db:"location_id"` // ロケーションID
	UnitID     string          `json:"unit_id" db:"unit_id"`         // 単位ID
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`       // 帳簿数量
	Version    int64           `json:"version" db:"version"`         // 楽観的ロック用バージョン
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`   // 最終更新日時
	UpdatedBy  string          `json:"updated_by" db:"updated_by"`   // 更新者
}

// Transaction represents a ledger movement record
// 在庫移動記録を表現
type Transaction struct {
	ID         string          `json:"id" db:"id"`                   // トランザクションID
	Type       TransactionType `json:"type" db:"type"`               // トランザクションタイプ
	MaterialID string          `json:"material_id" db:"material_id"` // 品目ID
	LocationID string          `json:"location_id" db:"location_id"` // ロケーションID
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`       // 数量（符号付き）
	Reference  string          `json:"reference" db:"reference"`     // 参照番号（棚卸IDなど）
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`   // 作成日時
	CreatedBy  string          `json:"created_by" db:"created_by"`   // 作成者
}

// TransactionType defines the type of inventory movement
// 在庫移動のタイプを定義
type TransactionType string

const (
	TransactionTypeInbound  TransactionType = "inbound"  // 入庫
	TransactionTypeOutbound TransactionType = "outbound" // 出庫
	TransactionTypeAdjust   TransactionType = "adjust"   // 棚卸調整
)

// LedgerDelta is a signed quantity change for one (material, location) pair
// 品目・ロケーション単位の符号付き数量変動
type LedgerDelta struct {
	MaterialID string          `json:"material_id"`
	LocationID string          `json:"location_id"`
	UnitID     string          `json:"unit_id,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
}

// Posting groups the deltas applied to the ledger under one reference.
// A reference is applied at most once.
// 同一参照番号での計上単位（参照番号ごとに一度だけ計上される）
type Posting struct {
	ID        string        `json:"id"`
	Reference string        `json:"reference"`
	Deltas    []LedgerDelta `json:"deltas"`
	PostedAt  time.Time     `json:"posted_at"`
	PostedBy  string        `json:"posted_by"`
}

// NetQuantity returns the sum of all deltas in the posting
func (p *Posting) NetQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, d := range p.Deltas {
		total = total.Add(d.Quantity)
	}
	return total
}

// NewID generates a new random identifier
// 新しいIDを生成
func NewID() string {
	return uuid.New().String()
}

type contextKey string

const userIDKey contextKey = "user_id"

// WithUser returns a context carrying the acting user ID
// 操作ユーザーIDをコンテキストに設定
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserFromContext extracts user ID from context
// コンテキストからユーザーIDを取得
func UserFromContext(ctx context.Context) string {
	if userID, ok := ctx.Value(userIDKey).(string); ok && userID != "" {
		return userID
	}
	return "system"
}
