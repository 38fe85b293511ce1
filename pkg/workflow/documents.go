// Package workflow applies the split allocator to inbound receipt lines
// (put-away) and outbound voucher lines (picking) and drives their one-way
// confirmation transitions.
package workflow

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/nemonet1337/zaiWarehouse/pkg/allocation"
)

// ReceiptStatus is the put-away state of an inbound receipt
// 入庫伝票の状態
type ReceiptStatus string

const (
	ReceiptAwaitingPutAway ReceiptStatus = "AWAITING_PUTAWAY" // 格納待ち
	ReceiptCompleted       ReceiptStatus = "COMPLETED"        // 完了
)

// VoucherStatus is the picking state of an outbound voucher
// 出庫伝票の状態
type VoucherStatus string

const (
	VoucherPreparing     VoucherStatus = "PREPARING"      // 準備中
	VoucherAwaitingIssue VoucherStatus = "AWAITING_ISSUE" // 出庫待ち
	VoucherIssued        VoucherStatus = "ISSUED"         // 出庫済み
)

// confirmable source states; both transitions are one-way
var (
	receiptConfirmFrom = []ReceiptStatus{ReceiptAwaitingPutAway}
	voucherConfirmFrom = []VoucherStatus{VoucherAwaitingIssue, VoucherPreparing}
)

// Receipt is an inbound receipt record owned by the document collaborator
// 入庫伝票
type Receipt struct {
	ID     string        `json:"id"`
	Number string        `json:"number"`
	Status ReceiptStatus `json:"status"`
	Items  []ReceiptItem `json:"items"`
}

// ReceiptItem is one receipt line
// 入庫伝票明細
type ReceiptItem struct {
	ID                string             `json:"id"`
	MaterialID        string             `json:"material_id"`
	MaterialCode      string             `json:"material_code"`
	ReceivingQuantity decimal.Decimal    `json:"receiving_quantity"`
	Splits            []allocation.Split `json:"splits"`
}

// Voucher is an outbound voucher record owned by the document collaborator
// 出庫伝票
type Voucher struct {
	ID     string        `json:"id"`
	Number string        `json:"number"`
	Status VoucherStatus `json:"status"`
	Items  []VoucherItem `json:"items"`
}

// VoucherItem is one voucher line
// 出庫伝票明細
type VoucherItem struct {
	ID                string             `json:"id"`
	MaterialID        string             `json:"material_id"`
	MaterialCode      string             `json:"material_code"`
	RequestedQuantity decimal.Decimal    `json:"requested_quantity"`
	Splits            []allocation.Split `json:"splits"`
}

// DocumentStore reads receipts and vouchers and persists their splits.
// Status changes are compare-and-swap: the store rejects them with
// inventory.ErrInvalidTransition when the stored status is not one of from.
// 伝票の読み書き（状態変更は比較交換で行う）
type DocumentStore interface {
	GetReceipt(ctx context.Context, receiptID string) (*Receipt, error)
	SaveReceiptSplits(ctx context.Context, receiptID string, expected []ReceiptStatus, splits map[string][]allocation.Split) error
	TransitionReceipt(ctx context.Context, receiptID string, from []ReceiptStatus, to ReceiptStatus, splits map[string][]allocation.Split) error

	GetVoucher(ctx context.Context, voucherID string) (*Voucher, error)
	SaveVoucherSplits(ctx context.Context, voucherID string, expected []VoucherStatus, splits map[string][]allocation.Split) error
	TransitionVoucher(ctx context.Context, voucherID string, from []VoucherStatus, to VoucherStatus, splits map[string][]allocation.Split) error
}

// ContainsReceiptStatus reports whether status is one of set
func ContainsReceiptStatus(set []ReceiptStatus, status ReceiptStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// ContainsVoucherStatus reports whether status is one of set
func ContainsVoucherStatus(set []VoucherStatus, status VoucherStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
