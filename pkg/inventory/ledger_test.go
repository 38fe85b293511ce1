package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockStorage はテスト用のLedgerStorageモック
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) GetStock(ctx context.Context, materialID, locationID string) (*Stock, error) {
	args := m.Called(ctx, materialID, locationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Stock), args.Error(1)
}

func (m *MockStorage) ListStockByLocations(ctx context.Context, locationIDs []string) ([]Stock, error) {
	args := m.Called(ctx, locationIDs)
	return args.Get(0).([]Stock), args.Error(1)
}

func (m *MockStorage) ApplyPosting(ctx context.Context, posting *Posting, allowNegative bool) error {
	args := m.Called(ctx, posting, allowNegative)
	return args.Error(0)
}

func (m *MockStorage) GetTransactionsByReference(ctx context.Context, reference string) ([]Transaction, error) {
	args := m.Called(ctx, reference)
	return args.Get(0).([]Transaction), args.Error(1)
}

func newTestLedger(storage LedgerStorage) *Ledger {
	return NewLedger(storage, nil, zap.NewNop(), &Config{AllowNegativeStock: false, AuditEnabled: true})
}

// TestLedger_BookQuantity は帳簿数量取得のテスト
func TestLedger_BookQuantity(t *testing.T) {
	mockStorage := new(MockStorage)
	ledger := newTestLedger(mockStorage)
	ctx := context.Background()

	stock := &Stock{
		MaterialID: "MAT-1",
		LocationID: "A1",
		Quantity:   decimal.NewFromInt(50),
		Version:    1,
	}
	mockStorage.On("GetStock", ctx, "MAT-1", "A1").Return(stock, nil)
	mockStorage.On("GetStock", ctx, "MAT-1", "B2").Return(nil, ErrStockNotFound)

	qty, err := ledger.BookQuantity(ctx, "MAT-1", "A1")
	require.NoError(t, err)
	assert.True(t, qty.Equal(decimal.NewFromInt(50)))

	// 在庫記録がない場合は0
	qty, err = ledger.BookQuantity(ctx, "MAT-1", "B2")
	require.NoError(t, err)
	assert.True(t, qty.IsZero())

	mockStorage.AssertExpectations(t)
}

// TestLedger_ApplyDeltas_SkipsZero はゼロ差分を計上しないことのテスト
func TestLedger_ApplyDeltas_SkipsZero(t *testing.T) {
	mockStorage := new(MockStorage)
	ledger := newTestLedger(mockStorage)
	ctx := context.Background()

	deltas := []LedgerDelta{
		{MaterialID: "MAT-1", LocationID: "A1", Quantity: decimal.NewFromInt(-2)},
		{MaterialID: "MAT-2", LocationID: "A1", Quantity: decimal.Zero},
	}

	mockStorage.On("ApplyPosting", ctx, mock.MatchedBy(func(p *Posting) bool {
		return p.Reference == "ST-1" &&
			len(p.Deltas) == 1 &&
			p.Deltas[0].Quantity.Equal(decimal.NewFromInt(-2))
	}), false).Return(nil).Once()

	applied, err := ledger.ApplyDeltas(ctx, "ST-1", deltas)

	assert.NoError(t, err)
	assert.True(t, applied)
	mockStorage.AssertExpectations(t)
}

// TestLedger_ApplyDeltas_AlreadyPosted は二重計上が無視されることのテスト
func TestLedger_ApplyDeltas_AlreadyPosted(t *testing.T) {
	mockStorage := new(MockStorage)
	ledger := newTestLedger(mockStorage)
	ctx := context.Background()

	mockStorage.On("ApplyPosting", ctx, mock.AnythingOfType("*inventory.Posting"), false).Return(ErrAlreadyPosted)

	applied, err := ledger.ApplyDeltas(ctx, "ST-1", []LedgerDelta{
		{MaterialID: "MAT-1", LocationID: "A1", Quantity: decimal.NewFromInt(3)},
	})

	assert.NoError(t, err)
	assert.False(t, applied)
	mockStorage.AssertExpectations(t)
}

// TestLedger_ApplyDeltas_NegativeStock は負の在庫ルール違反のテスト
func TestLedger_ApplyDeltas_NegativeStock(t *testing.T) {
	mockStorage := new(MockStorage)
	ledger := newTestLedger(mockStorage)
	ctx := context.Background()

	ruleErr := NewBusinessRuleError("negative_stock", "負の在庫は許可されていません", "MAT-1@A1")
	mockStorage.On("ApplyPosting", ctx, mock.AnythingOfType("*inventory.Posting"), false).Return(ruleErr)

	applied, err := ledger.ApplyDeltas(ctx, "ST-1", []LedgerDelta{
		{MaterialID: "MAT-1", LocationID: "A1", Quantity: decimal.NewFromInt(-100)},
	})

	assert.False(t, applied)
	var got *BusinessRuleError
	assert.True(t, errors.As(err, &got))
	assert.Equal(t, CodeValidation, ErrorCode(err))
}

// TestLedger_ApplyDeltas_InvalidReference は参照番号バリデーションのテスト
func TestLedger_ApplyDeltas_InvalidReference(t *testing.T) {
	mockStorage := new(MockStorage)
	ledger := newTestLedger(mockStorage)

	_, err := ledger.ApplyDeltas(context.Background(), " ", nil)

	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
	mockStorage.AssertNotCalled(t, "ApplyPosting", mock.Anything, mock.Anything, mock.Anything)
}

// TestLedger_StockAtLocations_Empty はロケーション未指定時のテスト
func TestLedger_StockAtLocations_Empty(t *testing.T) {
	mockStorage := new(MockStorage)
	ledger := newTestLedger(mockStorage)

	stocks, err := ledger.StockAtLocations(context.Background(), nil)

	assert.NoError(t, err)
	assert.Empty(t, stocks)
	mockStorage.AssertNotCalled(t, "ListStockByLocations", mock.Anything, mock.Anything)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"conflict", NewConflictError("save_results", "stocktake", "r1"), CodeConflict},
		{"transition", NewTransitionError("complete", "COUNTING", nil), CodeInvalidTransition},
		{"transition with reason", NewTransitionError("reconcile", "COUNTING", ErrAssignmentsPending), CodeInvalidTransition},
		{"over allocation", &OverAllocationError{ItemID: "i1"}, CodeOverAllocation},
		{"missing serial", NewAllocationError(ErrMissingSerial, "i1", 0), CodeMissingSerial},
		{"not found wrapped", NewStorageError("get", "x", ErrStocktakeNotFound), CodeNotFound},
		{"validation", NewValidationError("f", "m", "v"), CodeValidation},
		{"internal", errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCode(tt.err))
		})
	}
}

func TestSerialPolicy_IsSerialManaged(t *testing.T) {
	policy := NewSerialPolicy([]string{"sn-", " EQ", ""})

	assert.True(t, policy.IsSerialManaged("SN-0001"))
	assert.True(t, policy.IsSerialManaged("eq-pump"))
	assert.False(t, policy.IsSerialManaged("BOLT-M8"))
	assert.False(t, policy.IsSerialManaged(""))
}

func TestValidateDelta(t *testing.T) {
	tests := []struct {
		name    string
		delta   LedgerDelta
		wantErr bool
	}{
		{"dotted material", LedgerDelta{MaterialID: "MAT.001", LocationID: "A1", Quantity: decimal.NewFromInt(-2)}, false},
		{"ledger key with space", LedgerDelta{MaterialID: "MAT 001", LocationID: "A 1", Quantity: decimal.NewFromInt(1)}, false},
		{"empty material", LedgerDelta{LocationID: "A1", Quantity: decimal.NewFromInt(1)}, true},
		{"zero quantity", LedgerDelta{MaterialID: "M1", LocationID: "A1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDelta(tt.delta)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
	assert.NoError(t, ValidateMaterialID("MAT.001"))
}
