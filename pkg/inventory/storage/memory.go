package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nemonet1337/zaiWarehouse/pkg/allocation"
	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
	"github.com/nemonet1337/zaiWarehouse/pkg/stocktake"
	"github.com/nemonet1337/zaiWarehouse/pkg/workflow"
)

type stockKey struct {
	materialID string
	locationID string
}

// MemoryStorage keeps every table in process memory. A single mutex makes each
// method atomic, which stands in for the SQL transaction of the PostgreSQL driver.
// 開発・テスト用のインメモリストレージ
type MemoryStorage struct {
	mu           sync.RWMutex
	locations    map[string]inventory.Location
	stocks       map[stockKey]inventory.Stock
	transactions []inventory.Transaction
	postings     map[string]inventory.Posting
	stocktakes   map[string]*stocktake.Stocktake
	receipts     map[string]*workflow.Receipt
	vouchers     map[string]*workflow.Voucher
}

// NewMemoryStorage creates an empty in-memory storage
// 空のインメモリストレージを作成
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		locations:  make(map[string]inventory.Location),
		stocks:     make(map[stockKey]inventory.Stock),
		postings:   make(map[string]inventory.Posting),
		stocktakes: make(map[string]*stocktake.Stocktake),
		receipts:   make(map[string]*workflow.Receipt),
		vouchers:   make(map[string]*workflow.Voucher),
	}
}

// Stocktakes returns the stock-take repository backed by this storage
func (m *MemoryStorage) Stocktakes() *MemoryStocktakeRepository {
	return &MemoryStocktakeRepository{m: m}
}

// Documents returns the receipt/voucher store backed by this storage
func (m *MemoryStorage) Documents() *MemoryDocumentStore {
	return &MemoryDocumentStore{m: m}
}

// PutLocation registers a location
// ロケーションを登録
func (m *MemoryStorage) PutLocation(location inventory.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[location.ID] = location
}

// PutStock sets a book stock row, replacing any existing one
// 帳簿在庫を設定
func (m *MemoryStorage) PutStock(stock inventory.Stock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stock.Version < 1 {
		stock.Version = 1
	}
	m.stocks[stockKey{stock.MaterialID, stock.LocationID}] = stock
}

// PutReceipt registers a receipt
// 入庫伝票を登録
func (m *MemoryStorage) PutReceipt(r workflow.Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[r.ID] = cloneReceipt(&r)
}

// PutVoucher registers a voucher
// 出庫伝票を登録
func (m *MemoryStorage) PutVoucher(v workflow.Voucher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vouchers[v.ID] = cloneVoucher(&v)
}

// GetStock retrieves the book stock of a material at a location
func (m *MemoryStorage) GetStock(ctx context.Context, materialID, locationID string) (*inventory.Stock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stock, ok := m.stocks[stockKey{materialID, locationID}]
	if !ok {
		return nil, inventory.ErrStockNotFound
	}
	return &stock, nil
}

// ListStockByLocations retrieves all stock held in the given locations
func (m *MemoryStorage) ListStockByLocations(ctx context.Context, locationIDs []string) ([]inventory.Stock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[string]bool, len(locationIDs))
	for _, id := range locationIDs {
		wanted[id] = true
	}
	stocks := make([]inventory.Stock, 0)
	for key, stock := range m.stocks {
		if wanted[key.locationID] {
			stocks = append(stocks, stock)
		}
	}
	sort.Slice(stocks, func(i, j int) bool {
		if stocks[i].LocationID != stocks[j].LocationID {
			return stocks[i].LocationID < stocks[j].LocationID
		}
		return stocks[i].MaterialID < stocks[j].MaterialID
	})
	return stocks, nil
}

// ApplyPosting applies every delta or none
// 計上を全件適用（1件でも失敗すれば適用しない）
func (m *MemoryStorage) ApplyPosting(ctx context.Context, posting *inventory.Posting, allowNegative bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.postings[posting.Reference]; ok {
		return inventory.ErrAlreadyPosted
	}

	next := make(map[stockKey]inventory.Stock, len(posting.Deltas))
	for _, d := range posting.Deltas {
		key := stockKey{d.MaterialID, d.LocationID}
		stock, ok := next[key]
		if !ok {
			stock, ok = m.stocks[key]
			if !ok {
				stock = inventory.Stock{MaterialID: d.MaterialID, LocationID: d.LocationID, UnitID: d.UnitID, Quantity: decimal.Zero}
			}
		}
		stock.Quantity = stock.Quantity.Add(d.Quantity)
		stock.Version++
		stock.UpdatedAt = posting.PostedAt
		stock.UpdatedBy = posting.PostedBy
		if !allowNegative && stock.Quantity.IsNegative() {
			return inventory.NewBusinessRuleError("negative_stock", "在庫がマイナスになります",
				fmt.Sprintf("%s@%s: %s", d.MaterialID, d.LocationID, stock.Quantity.String()))
		}
		next[key] = stock
	}

	for key, stock := range next {
		m.stocks[key] = stock
	}
	for _, d := range posting.Deltas {
		m.transactions = append(m.transactions, inventory.Transaction{
			ID:         inventory.NewID(),
			Type:       inventory.TransactionTypeAdjust,
			MaterialID: d.MaterialID,
			LocationID: d.LocationID,
			Quantity:   d.Quantity,
			Reference:  posting.Reference,
			CreatedAt:  posting.PostedAt,
			CreatedBy:  posting.PostedBy,
		})
	}
	m.postings[posting.Reference] = *posting
	return nil
}

// GetTransactionsByReference retrieves the ledger movements recorded under a reference
func (m *MemoryStorage) GetTransactionsByReference(ctx context.Context, reference string) ([]inventory.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txs := make([]inventory.Transaction, 0)
	for _, tx := range m.transactions {
		if tx.Reference == reference {
			txs = append(txs, tx)
		}
	}
	return txs, nil
}

// GetLocation retrieves an active location by ID
func (m *MemoryStorage) GetLocation(ctx context.Context, locationID string) (*inventory.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	location, ok := m.locations[locationID]
	if !ok || !location.IsActive {
		return nil, inventory.ErrLocationNotFound
	}
	return &location, nil
}

// ListLocations retrieves every active location
func (m *MemoryStorage) ListLocations(ctx context.Context) ([]inventory.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	locations := make([]inventory.Location, 0, len(m.locations))
	for _, l := range m.locations {
		if l.IsActive {
			locations = append(locations, l)
		}
	}
	sort.Slice(locations, func(i, j int) bool { return locations[i].ID < locations[j].ID })
	return locations, nil
}

// LocationsHolding lists the active locations with positive stock of the material
func (m *MemoryStorage) LocationsHolding(ctx context.Context, materialID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0)
	for key, stock := range m.stocks {
		if key.materialID != materialID || !stock.Quantity.IsPositive() {
			continue
		}
		if l, ok := m.locations[key.locationID]; ok && l.IsActive {
			ids = append(ids, key.locationID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// MemoryStocktakeRepository implements stocktake.Repository on MemoryStorage
// インメモリ棚卸リポジトリ
type MemoryStocktakeRepository struct {
	m *MemoryStorage
}

var _ stocktake.Repository = (*MemoryStocktakeRepository)(nil)

// Create stores a new stock-take
func (r *MemoryStocktakeRepository) Create(ctx context.Context, st *stocktake.Stocktake) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.stocktakes[st.ID]; ok {
		return fmt.Errorf("棚卸は既に存在します: %s", st.ID)
	}
	r.m.stocktakes[st.ID] = cloneStocktake(st)
	return nil
}

// Get retrieves a copy of the stock-take
func (r *MemoryStocktakeRepository) Get(ctx context.Context, stocktakeID string) (*stocktake.Stocktake, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	st, ok := r.m.stocktakes[stocktakeID]
	if !ok {
		return nil, inventory.ErrStocktakeNotFound
	}
	return cloneStocktake(st), nil
}

// List retrieves stock-take summaries, newest first
func (r *MemoryStocktakeRepository) List(ctx context.Context, filter stocktake.Filter) ([]stocktake.Summary, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	summaries := make([]stocktake.Summary, 0)
	for _, st := range r.m.stocktakes {
		if filter.Step != 0 && st.CurrentStep != filter.Step {
			continue
		}
		summaries = append(summaries, stocktake.Summary{
			ID:          st.ID,
			Name:        st.Name,
			WarehouseID: st.WarehouseID,
			CurrentStep: st.CurrentStep,
			Version:     st.Version,
			CreatedAt:   st.CreatedAt,
			StartedAt:   st.StartedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].CreatedAt.After(summaries[j].CreatedAt) })
	if filter.Limit > 0 && len(summaries) > filter.Limit {
		summaries = summaries[:filter.Limit]
	}
	return summaries, nil
}

// InsertAssignment adds an assignment while the stock-take is DRAFT
func (r *MemoryStocktakeRepository) InsertAssignment(ctx context.Context, a *stocktake.Assignment) error {
	return r.mutate(a.StocktakeID, stocktake.EventAddAssignment, func(st *stocktake.Stocktake) error {
		for _, existing := range st.Assignments {
			if existing.LocationID == a.LocationID {
				return fmt.Errorf("%w: %s", inventory.ErrDuplicateLocation, a.LocationID)
			}
		}
		st.Assignments = append(st.Assignments, *a)
		return nil
	})
}

// DeleteAssignment removes an assignment while the stock-take is DRAFT
func (r *MemoryStocktakeRepository) DeleteAssignment(ctx context.Context, stocktakeID, assignmentID string) error {
	return r.mutate(stocktakeID, stocktake.EventRemoveAssignment, func(st *stocktake.Stocktake) error {
		for i, a := range st.Assignments {
			if a.ID == assignmentID {
				st.Assignments = append(st.Assignments[:i:i], st.Assignments[i+1:]...)
				return nil
			}
		}
		return inventory.ErrAssignmentNotFound
	})
}

// UpdateAssignmentStatus changes an assignment status while the stock-take is COUNTING
func (r *MemoryStocktakeRepository) UpdateAssignmentStatus(ctx context.Context, stocktakeID, assignmentID string, status stocktake.AssignmentStatus, at time.Time) error {
	return r.mutate(stocktakeID, stocktake.EventMarkAssignmentComplete, func(st *stocktake.Stocktake) error {
		for i := range st.Assignments {
			if st.Assignments[i].ID == assignmentID {
				st.Assignments[i].Status = status
				st.Assignments[i].UpdatedAt = at
				return nil
			}
		}
		return inventory.ErrAssignmentNotFound
	})
}

// StartCounting stores the seeded results and moves the stock-take to COUNTING
func (r *MemoryStocktakeRepository) StartCounting(ctx context.Context, stocktakeID string, expectedVersion int64, results []stocktake.Result, at time.Time) error {
	return r.mutate(stocktakeID, stocktake.EventStartCounting, func(st *stocktake.Stocktake) error {
		if st.Version != expectedVersion {
			return inventory.NewConflictError(string(stocktake.EventStartCounting), "stocktake", stocktakeID)
		}
		st.Results = append([]stocktake.Result(nil), results...)
		st.CurrentStep = stocktake.StepCounting
		st.StartedAt = &at
		return nil
	})
}

// SaveResults applies the batch if every row token matches, all or nothing
func (r *MemoryStocktakeRepository) SaveResults(ctx context.Context, stocktakeID string, edits []stocktake.ResultEdit, at time.Time) ([]stocktake.Result, error) {
	var saved []stocktake.Result
	err := r.mutate(stocktakeID, stocktake.EventSaveResults, func(st *stocktake.Stocktake) error {
		index := make(map[string]int, len(st.Results))
		for i, res := range st.Results {
			index[res.ID] = i
		}

		var stale []string
		for _, e := range edits {
			i, ok := index[e.ResultID]
			if !ok {
				return fmt.Errorf("%w: %s", inventory.ErrResultNotFound, e.ResultID)
			}
			if st.Results[i].Version != e.Version {
				stale = append(stale, e.ResultID)
			}
		}
		if len(stale) > 0 {
			return inventory.NewConflictError(string(stocktake.EventSaveResults), "stocktake_result", stale...)
		}

		saved = make([]stocktake.Result, 0, len(edits))
		for _, e := range edits {
			res := &st.Results[index[e.ResultID]]
			res.ActualQuantity = e.ActualQuantity
			res.SerialBatch = e.SerialBatch
			res.Notes = e.Notes
			res.Version++
			res.UpdatedAt = at
			saved = append(saved, *res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// AdvanceStep applies a step transition if the aggregate version is unchanged
func (r *MemoryStocktakeRepository) AdvanceStep(ctx context.Context, stocktakeID string, event stocktake.Event, expectedVersion int64, at time.Time) error {
	return r.mutate(stocktakeID, event, func(st *stocktake.Stocktake) error {
		if st.Version != expectedVersion {
			return inventory.NewConflictError(string(event), "stocktake", stocktakeID)
		}
		to, err := stocktake.Transition(st.CurrentStep, event)
		if err != nil {
			return err
		}
		st.CurrentStep = to
		switch to {
		case stocktake.StepReconciling:
			st.ReconciledAt = &at
		case stocktake.StepCompleted:
			st.CompletedAt = &at
		}
		return nil
	})
}

// mutate applies fn to a copy of the stock-take and stores it with a bumped
// version only when fn succeeds
func (r *MemoryStocktakeRepository) mutate(stocktakeID string, event stocktake.Event, fn func(st *stocktake.Stocktake) error) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	current, ok := r.m.stocktakes[stocktakeID]
	if !ok {
		return inventory.ErrStocktakeNotFound
	}
	if _, err := stocktake.Transition(current.CurrentStep, event); err != nil {
		return err
	}

	next := cloneStocktake(current)
	if err := fn(next); err != nil {
		return err
	}
	next.Version++
	r.m.stocktakes[stocktakeID] = next
	return nil
}

// MemoryDocumentStore implements workflow.DocumentStore on MemoryStorage
// インメモリ伝票ストア
type MemoryDocumentStore struct {
	m *MemoryStorage
}

var _ workflow.DocumentStore = (*MemoryDocumentStore)(nil)

// GetReceipt retrieves a copy of the receipt
func (d *MemoryDocumentStore) GetReceipt(ctx context.Context, receiptID string) (*workflow.Receipt, error) {
	d.m.mu.RLock()
	defer d.m.mu.RUnlock()
	r, ok := d.m.receipts[receiptID]
	if !ok {
		return nil, inventory.ErrDocumentNotFound
	}
	return cloneReceipt(r), nil
}

// SaveReceiptSplits stores draft splits while the receipt status is one of expected
func (d *MemoryDocumentStore) SaveReceiptSplits(ctx context.Context, receiptID string, expected []workflow.ReceiptStatus, splits map[string][]allocation.Split) error {
	return d.transitionReceipt(receiptID, expected, "", splits)
}

// TransitionReceipt moves the receipt status and stores the final splits atomically
func (d *MemoryDocumentStore) TransitionReceipt(ctx context.Context, receiptID string, from []workflow.ReceiptStatus, to workflow.ReceiptStatus, splits map[string][]allocation.Split) error {
	return d.transitionReceipt(receiptID, from, to, splits)
}

func (d *MemoryDocumentStore) transitionReceipt(receiptID string, from []workflow.ReceiptStatus, to workflow.ReceiptStatus, splits map[string][]allocation.Split) error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	current, ok := d.m.receipts[receiptID]
	if !ok {
		return inventory.ErrDocumentNotFound
	}
	if !workflow.ContainsReceiptStatus(from, current.Status) {
		return inventory.NewTransitionError("putaway", string(current.Status), nil)
	}

	next := cloneReceipt(current)
	index := make(map[string]int, len(next.Items))
	for i, item := range next.Items {
		index[item.ID] = i
	}
	for itemID, itemSplits := range splits {
		i, ok := index[itemID]
		if !ok {
			return fmt.Errorf("%w: %s", inventory.ErrLineNotFound, itemID)
		}
		next.Items[i].Splits = append([]allocation.Split(nil), itemSplits...)
	}
	if to != "" {
		next.Status = to
	}
	d.m.receipts[receiptID] = next
	return nil
}

// GetVoucher retrieves a copy of the voucher
func (d *MemoryDocumentStore) GetVoucher(ctx context.Context, voucherID string) (*workflow.Voucher, error) {
	d.m.mu.RLock()
	defer d.m.mu.RUnlock()
	v, ok := d.m.vouchers[voucherID]
	if !ok {
		return nil, inventory.ErrDocumentNotFound
	}
	return cloneVoucher(v), nil
}

// SaveVoucherSplits stores draft splits while the voucher status is one of expected
func (d *MemoryDocumentStore) SaveVoucherSplits(ctx context.Context, voucherID string, expected []workflow.VoucherStatus, splits map[string][]allocation.Split) error {
	return d.transitionVoucher(voucherID, expected, "", splits)
}

// TransitionVoucher moves the voucher status and stores the final splits atomically
func (d *MemoryDocumentStore) TransitionVoucher(ctx context.Context, voucherID string, from []workflow.VoucherStatus, to workflow.VoucherStatus, splits map[string][]allocation.Split) error {
	return d.transitionVoucher(voucherID, from, to, splits)
}

func (d *MemoryDocumentStore) transitionVoucher(voucherID string, from []workflow.VoucherStatus, to workflow.VoucherStatus, splits map[string][]allocation.Split) error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	current, ok := d.m.vouchers[voucherID]
	if !ok {
		return inventory.ErrDocumentNotFound
	}
	if !workflow.ContainsVoucherStatus(from, current.Status) {
		return inventory.NewTransitionError("picking", string(current.Status), nil)
	}

	next := cloneVoucher(current)
	index := make(map[string]int, len(next.Items))
	for i, item := range next.Items {
		index[item.ID] = i
	}
	for itemID, itemSplits := range splits {
		i, ok := index[itemID]
		if !ok {
			return fmt.Errorf("%w: %s", inventory.ErrLineNotFound, itemID)
		}
		next.Items[i].Splits = append([]allocation.Split(nil), itemSplits...)
	}
	if to != "" {
		next.Status = to
	}
	d.m.vouchers[voucherID] = next
	return nil
}

func cloneStocktake(st *stocktake.Stocktake) *stocktake.Stocktake {
	c := *st
	c.Assignments = append([]stocktake.Assignment{}, st.Assignments...)
	c.Results = append([]stocktake.Result{}, st.Results...)
	return &c
}

func cloneReceipt(r *workflow.Receipt) *workflow.Receipt {
	c := *r
	c.Items = make([]workflow.ReceiptItem, len(r.Items))
	for i, item := range r.Items {
		item.Splits = append([]allocation.Split(nil), item.Splits...)
		c.Items[i] = item
	}
	return &c
}

func cloneVoucher(v *workflow.Voucher) *workflow.Voucher {
	c := *v
	c.Items = make([]workflow.VoucherItem, len(v.Items))
	for i, item := range v.Items {
		item.Splits = append([]allocation.Split(nil), item.Splits...)
		c.Items[i] = item
	}
	return &c
}
