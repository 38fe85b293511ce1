package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiWarehouse/pkg/allocation"
	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
	"github.com/nemonet1337/zaiWarehouse/pkg/workflow"
)

// PostgresDocumentStore implements workflow.DocumentStore using PostgreSQL.
// Splits are stored per line as JSONB.
// PostgreSQLを使用した伝票ストア
type PostgresDocumentStore struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ workflow.DocumentStore = (*PostgresDocumentStore)(nil)

type documentTables struct {
	header  string // 伝票テーブル
	items   string // 明細テーブル
	foreign string // 明細の伝票IDカラム
	event   string
}

var (
	receiptTables = documentTables{header: "receipts", items: "receipt_items", foreign: "receipt_id", event: "putaway"}
	voucherTables = documentTables{header: "vouchers", items: "voucher_items", foreign: "voucher_id", event: "picking"}
)

// GetReceipt retrieves a receipt with its items
// 入庫伝票を取得
func (s *PostgresDocumentStore) GetReceipt(ctx context.Context, receiptID string) (*workflow.Receipt, error) {
	r := &workflow.Receipt{}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, number, status FROM receipts WHERE id = $1`, receiptID,
	).Scan(&r.ID, &r.Number, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("入庫伝票取得に失敗しました: %w", err)
	}
	r.Status = workflow.ReceiptStatus(status)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, material_id, material_code, receiving_quantity, splits
		FROM receipt_items
		WHERE receipt_id = $1
		ORDER BY line_no`, receiptID)
	if err != nil {
		return nil, fmt.Errorf("入庫明細取得に失敗しました: %w", err)
	}
	defer rows.Close()

	r.Items = make([]workflow.ReceiptItem, 0)
	for rows.Next() {
		var item workflow.ReceiptItem
		var splitsJSON []byte
		if err := rows.Scan(&item.ID, &item.MaterialID, &item.MaterialCode, &item.ReceivingQuantity, &splitsJSON); err != nil {
			return nil, fmt.Errorf("入庫明細スキャンに失敗しました: %w", err)
		}
		if item.Splits, err = s.decodeSplits(item.ID, splitsJSON); err != nil {
			return nil, err
		}
		r.Items = append(r.Items, item)
	}
	return r, rows.Err()
}

// SaveReceiptSplits stores draft splits while the receipt status is one of expected
// 入庫明細の分割を保存
func (s *PostgresDocumentStore) SaveReceiptSplits(ctx context.Context, receiptID string, expected []workflow.ReceiptStatus, splits map[string][]allocation.Split) error {
	return s.withStatus(ctx, receiptTables, receiptID, receiptStrings(expected), "", splits)
}

// TransitionReceipt moves the receipt status and stores the final splits atomically
// 入庫伝票の状態を比較交換で更新
func (s *PostgresDocumentStore) TransitionReceipt(ctx context.Context, receiptID string, from []workflow.ReceiptStatus, to workflow.ReceiptStatus, splits map[string][]allocation.Split) error {
	return s.withStatus(ctx, receiptTables, receiptID, receiptStrings(from), string(to), splits)
}

// GetVoucher retrieves a voucher with its items
// 出庫伝票を取得
func (s *PostgresDocumentStore) GetVoucher(ctx context.Context, voucherID string) (*workflow.Voucher, error) {
	v := &workflow.Voucher{}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, number, status FROM vouchers WHERE id = $1`, voucherID,
	).Scan(&v.ID, &v.Number, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("出庫伝票取得に失敗しました: %w", err)
	}
	v.Status = workflow.VoucherStatus(status)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, material_id, material_code, requested_quantity, splits
		FROM voucher_items
		WHERE voucher_id = $1
		ORDER BY line_no`, voucherID)
	if err != nil {
		return nil, fmt.Errorf("出庫明細取得に失敗しました: %w", err)
	}
	defer rows.Close()

	v.Items = make([]workflow.VoucherItem, 0)
	for rows.Next() {
		var item workflow.VoucherItem
		var splitsJSON []byte
		if err := rows.Scan(&item.ID, &item.MaterialID, &item.MaterialCode, &item.RequestedQuantity, &splitsJSON); err != nil {
			return nil, fmt.Errorf("出庫明細スキャンに失敗しました: %w", err)
		}
		if item.Splits, err = s.decodeSplits(item.ID, splitsJSON); err != nil {
			return nil, err
		}
		v.Items = append(v.Items, item)
	}
	return v, rows.Err()
}

// SaveVoucherSplits stores draft splits while the voucher status is one of expected
// 出庫明細の分割を保存
func (s *PostgresDocumentStore) SaveVoucherSplits(ctx context.Context, voucherID string, expected []workflow.VoucherStatus, splits map[string][]allocation.Split) error {
	return s.withStatus(ctx, voucherTables, voucherID, voucherStrings(expected), "", splits)
}

// TransitionVoucher moves the voucher status and stores the final splits atomically
// 出庫伝票の状態を比較交換で更新
func (s *PostgresDocumentStore) TransitionVoucher(ctx context.Context, voucherID string, from []workflow.VoucherStatus, to workflow.VoucherStatus, splits map[string][]allocation.Split) error {
	return s.withStatus(ctx, voucherTables, voucherID, voucherStrings(from), string(to), splits)
}

// withStatus writes splits inside a transaction that first claims the document
// with a conditional status update; to == "" keeps the status unchanged
func (s *PostgresDocumentStore) withStatus(ctx context.Context, t documentTables, documentID string, from []string, to string, splits map[string][]allocation.Split) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	// status = COALESCE(NULLIF($2, ''), status) leaves the status as-is for drafts
	query := fmt.Sprintf(`
		UPDATE %s SET status = COALESCE(NULLIF($2, ''), status)
		WHERE id = $1 AND status = ANY($3)`, t.header)
	result, err := tx.ExecContext(ctx, query, documentID, to, pq.Array(from))
	if err != nil {
		return fmt.Errorf("伝票状態更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		var current string
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, t.header), documentID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return inventory.ErrDocumentNotFound
		}
		if err != nil {
			return fmt.Errorf("伝票状態取得に失敗しました: %w", err)
		}
		return inventory.NewTransitionError(t.event, current, nil)
	}

	update := fmt.Sprintf(`UPDATE %s SET splits = $3 WHERE id = $1 AND %s = $2`, t.items, t.foreign)
	for itemID, itemSplits := range splits {
		splitsJSON, err := json.Marshal(itemSplits)
		if err != nil {
			return fmt.Errorf("分割のJSON変換に失敗しました: %w", err)
		}
		result, err := tx.ExecContext(ctx, update, itemID, documentID, string(splitsJSON))
		if err != nil {
			return fmt.Errorf("明細分割更新に失敗しました: %w", err)
		}
		if err := requireRows(result, fmt.Errorf("%w: %s", inventory.ErrLineNotFound, itemID)); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗しました: %w", err)
	}
	return nil
}

// decodeSplits parses the JSONB splits of one line; corrupt data is an error
func (s *PostgresDocumentStore) decodeSplits(itemID string, raw []byte) ([]allocation.Split, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var splits []allocation.Split
	if err := json.Unmarshal(raw, &splits); err != nil {
		s.logger.Error("分割のパースに失敗しました", zap.String("item_id", itemID), zap.Error(err))
		return nil, inventory.NewStorageError("decode_splits", "明細分割が破損しています: "+itemID, err)
	}
	return splits, nil
}

func receiptStrings(statuses []workflow.ReceiptStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}

func voucherStrings(statuses []workflow.VoucherStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}
