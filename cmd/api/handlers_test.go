package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiWarehouse/internal/config"
	"github.com/nemonet1337/zaiWarehouse/internal/metrics"
	"github.com/nemonet1337/zaiWarehouse/pkg/allocation"
	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
	"github.com/nemonet1337/zaiWarehouse/pkg/inventory/storage"
	"github.com/nemonet1337/zaiWarehouse/pkg/stocktake"
	"github.com/nemonet1337/zaiWarehouse/pkg/workflow"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type testAPI struct {
	t      *testing.T
	router http.Handler
}

func qty(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := zap.NewNop()

	mem := storage.NewMemoryStorage()
	for _, id := range []string{"A-01", "A-02", "B-01"} {
		mem.PutLocation(inventory.Location{ID: id, Name: id, IsActive: true})
	}
	mem.PutStock(inventory.Stock{MaterialID: "M1", LocationID: "A-01", Quantity: qty(5)})
	mem.PutStock(inventory.Stock{MaterialID: "M1", LocationID: "B-01", Quantity: qty(2)})
	mem.PutReceipt(workflow.Receipt{
		ID:     "rc-1",
		Status: workflow.ReceiptAwaitingPutAway,
		Items:  []workflow.ReceiptItem{{ID: "ri-1", MaterialID: "M1", MaterialCode: "PART-1", ReceivingQuantity: qty(10)}},
	})
	mem.PutVoucher(workflow.Voucher{
		ID:     "vc-1",
		Status: workflow.VoucherAwaitingIssue,
		Items:  []workflow.VoucherItem{{ID: "vi-1", MaterialID: "M1", MaterialCode: "PART-1", RequestedQuantity: qty(3)}},
	})

	collector := metrics.NewCollector()
	ledger := inventory.NewLedger(mem, collector, logger, &inventory.Config{AuditEnabled: true})
	opts := workflow.Options{
		SplitPolicy:       allocation.DefaultSplitPolicy,
		ValidateLocations: true,
	}

	handlers := NewHandlers(
		stocktake.NewService(mem.Stocktakes(), ledger, collector, logger),
		workflow.NewPutAwayService(mem.Documents(), mem, collector, logger, opts),
		workflow.NewPickingService(mem.Documents(), mem, collector, logger, opts),
		ledger,
		nil,
		logger,
	)
	router := setupRouter(handlers, collector, config.APIConfig{EnableCORS: true, EnableMetrics: true})
	return &testAPI{t: t, router: router}
}

func (a *testAPI) do(method, path string, body interface{}) (int, envelope) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "tester")

	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec.Code, env
}

func decodeData(t *testing.T, env envelope, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

func TestHealthCheck(t *testing.T) {
	api := newTestAPI(t)
	status, env := api.do("GET", "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)
}

func TestStocktakeLifecycle(t *testing.T) {
	api := newTestAPI(t)

	status, env := api.do("POST", "/api/v1/stocktakes", CreateStocktakeRequest{Name: "月次棚卸", WarehouseID: "WH-1"})
	require.Equal(t, http.StatusCreated, status)
	var st struct {
		ID          string `json:"id"`
		CurrentStep string `json:"current_step"`
		CreatedBy   string `json:"created_by"`
	}
	decodeData(t, env, &st)
	assert.Equal(t, "DRAFT", st.CurrentStep)
	assert.Equal(t, "tester", st.CreatedBy)
	base := "/api/v1/stocktakes/" + st.ID

	status, env = api.do("POST", base+"/assignments", AddAssignmentRequest{LocationID: "A-01", AssigneeID: "u-1"})
	require.Equal(t, http.StatusCreated, status)
	var assignment stocktake.Assignment
	decodeData(t, env, &assignment)

	status, env = api.do("POST", base+"/assignments", AddAssignmentRequest{LocationID: "A-01", AssigneeID: "u-2"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, inventory.CodeDuplicateLocation, env.Code)

	status, _ = api.do("POST", base+"/start", nil)
	require.Equal(t, http.StatusOK, status)

	status, env = api.do("GET", base+"/results", nil)
	require.Equal(t, http.StatusOK, status)
	var results []struct {
		ID           string `json:"id"`
		BookQuantity string `json:"book_quantity"`
		Version      int64  `json:"version"`
	}
	decodeData(t, env, &results)
	require.Len(t, results, 1)
	assert.Equal(t, "5", results[0].BookQuantity)

	edit := SaveResultsRequest{Results: []stocktake.ResultEdit{
		{ResultID: results[0].ID, ActualQuantity: qty(3), Version: results[0].Version},
	}}
	status, _ = api.do("POST", base+"/results", edit)
	require.Equal(t, http.StatusOK, status)

	// 同じトークンでの再保存は競合
	status, env = api.do("POST", base+"/results", edit)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, inventory.CodeConflict, env.Code)
	var stale struct {
		StaleIDs []string `json:"stale_ids"`
	}
	decodeData(t, env, &stale)
	assert.Equal(t, []string{results[0].ID}, stale.StaleIDs)

	// 未完了の担当割当があると差異確認に進めない
	status, env = api.do("POST", base+"/reconcile", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, inventory.CodeInvalidTransition, env.Code)

	status, _ = api.do("PUT", base+"/assignments/"+assignment.ID, nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = api.do("POST", base+"/reconcile", nil)
	require.Equal(t, http.StatusOK, status)

	status, env = api.do("POST", base+"/complete", nil)
	require.Equal(t, http.StatusOK, status)
	decodeData(t, env, &st)
	assert.Equal(t, "COMPLETED", st.CurrentStep)

	status, env = api.do("GET", base+"/adjustments", nil)
	require.Equal(t, http.StatusOK, status)
	var adjustments []struct {
		Variance string `json:"variance"`
	}
	decodeData(t, env, &adjustments)
	require.Len(t, adjustments, 1)
	assert.Equal(t, "-2", adjustments[0].Variance)

	status, env = api.do("GET", base+"/postings", nil)
	require.Equal(t, http.StatusOK, status)
	var txs []inventory.Transaction
	decodeData(t, env, &txs)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Quantity.Equal(qty(-2)))

	status, env = api.do("POST", base+"/complete", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, inventory.CodeInvalidTransition, env.Code)

	status, env = api.do("GET", "/api/v1/stocktakes?step=completed", nil)
	require.Equal(t, http.StatusOK, status)
	var summaries []stocktake.Summary
	decodeData(t, env, &summaries)
	assert.Len(t, summaries, 1)
}

func TestStocktake_Errors(t *testing.T) {
	api := newTestAPI(t)

	status, env := api.do("GET", "/api/v1/stocktakes/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, inventory.CodeNotFound, env.Code)

	status, env = api.do("POST", "/api/v1/stocktakes", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, inventory.CodeValidation, env.Code)

	status, _ = api.do("GET", "/api/v1/stocktakes?step=archived", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, env = api.do("POST", "/api/v1/stocktakes", CreateStocktakeRequest{Name: "空"})
	require.Equal(t, http.StatusCreated, status)
	var st stocktake.Stocktake
	decodeData(t, env, &st)

	status, env = api.do("POST", "/api/v1/stocktakes/"+st.ID+"/start", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, inventory.CodeInvalidTransition, env.Code)
}

func TestPutAwayEndpoints(t *testing.T) {
	api := newTestAPI(t)

	status, env := api.do("GET", "/api/v1/receipts/rc-1/putaway", nil)
	require.Equal(t, http.StatusOK, status)
	var view struct {
		Status string              `json:"status"`
		Lines  []workflow.LineView `json:"lines"`
	}
	decodeData(t, env, &view)
	require.Len(t, view.Lines, 1)
	assert.True(t, view.Lines[0].Target.Equal(qty(10)))

	over := LinesRequest{Lines: []workflow.LineInput{{ItemID: "ri-1", Splits: []allocation.Split{
		{Location: "A-01", Quantity: qty(8)}, {Location: "A-02", Quantity: qty(3)},
	}}}}
	status, env = api.do("PUT", "/api/v1/receipts/rc-1/putaway", over)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, inventory.CodeOverAllocation, env.Code)

	unknown := LinesRequest{Lines: []workflow.LineInput{{ItemID: "ri-1", Splits: []allocation.Split{
		{Location: "A-01", Quantity: qty(7)}, {Location: "ZZ-9", Quantity: qty(3)},
	}}}}
	status, _ = api.do("POST", "/api/v1/receipts/rc-1/putaway/confirm", unknown)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	draft := LinesRequest{Lines: []workflow.LineInput{{ItemID: "ri-1", Splits: []allocation.Split{
		{Location: "A-01", Quantity: qty(7)}, {Location: "A-02", Quantity: qty(3)},
	}}}}
	status, _ = api.do("PUT", "/api/v1/receipts/rc-1/putaway", draft)
	require.Equal(t, http.StatusOK, status)

	// 本文なしの確定は保存済みの分割を確定する
	status, env = api.do("POST", "/api/v1/receipts/rc-1/putaway/confirm", nil)
	require.Equal(t, http.StatusOK, status)
	decodeData(t, env, &view)
	assert.Equal(t, string(workflow.ReceiptCompleted), view.Status)

	status, env = api.do("POST", "/api/v1/receipts/rc-1/putaway/confirm", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, inventory.CodeInvalidTransition, env.Code)
}

func TestConfirmPutAway_ChunkedEmptyBody(t *testing.T) {
	api := newTestAPI(t)

	draft := LinesRequest{Lines: []workflow.LineInput{{ItemID: "ri-1", Splits: []allocation.Split{
		{Location: "A-01", Quantity: qty(10)},
	}}}}
	status, _ := api.do("PUT", "/api/v1/receipts/rc-1/putaway", draft)
	require.Equal(t, http.StatusOK, status)

	// Content-Lengthなし（-1）の空本文は保存済みの分割を確定する
	req := httptest.NewRequest("POST", "/api/v1/receipts/rc-1/putaway/confirm", io.NopCloser(strings.NewReader("")))
	require.Equal(t, int64(-1), req.ContentLength)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	var view struct {
		Status string `json:"status"`
	}
	decodeData(t, env, &view)
	assert.Equal(t, string(workflow.ReceiptCompleted), view.Status)
}

func TestPickingEndpoints(t *testing.T) {
	api := newTestAPI(t)

	status, env := api.do("POST", "/api/v1/vouchers/vc-1/picking/confirm", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, inventory.CodeMissingLocation, env.Code)

	lines := LinesRequest{Lines: []workflow.LineInput{{ItemID: "vi-1", Splits: []allocation.Split{
		{Location: "A-01", Quantity: qty(3)},
	}}}}
	status, env = api.do("POST", "/api/v1/vouchers/vc-1/picking/confirm", lines)
	require.Equal(t, http.StatusOK, status)
	var view struct {
		Status string `json:"status"`
	}
	decodeData(t, env, &view)
	assert.Equal(t, string(workflow.VoucherIssued), view.Status)

	status, env = api.do("PUT", "/api/v1/vouchers/vc-1/picking", LinesRequest{Lines: []workflow.LineInput{{ItemID: "vi-1"}}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, inventory.CodeValidation, env.Code)
}

func TestSuggestLocations(t *testing.T) {
	api := newTestAPI(t)

	status, env := api.do("GET", "/api/v1/materials/M1/locations?q=a", nil)
	require.Equal(t, http.StatusOK, status)
	var ids []string
	decodeData(t, env, &ids)
	assert.Equal(t, []string{"A-01"}, ids)

	status, env = api.do("GET", "/api/v1/materials/M9/locations", nil)
	require.Equal(t, http.StatusOK, status)
	decodeData(t, env, &ids)
	assert.Empty(t, ids)
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.do("GET", "/health", nil)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "warehouse_http_requests_total")
}
