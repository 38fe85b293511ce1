package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
	"github.com/nemonet1337/zaiWarehouse/pkg/stocktake"
	"github.com/nemonet1337/zaiWarehouse/pkg/workflow"
)

// Pinger reports storage health
type Pinger interface {
	Ping(ctx context.Context) error
}

// PostingHistory reads ledger movements by reference
type PostingHistory interface {
	History(ctx context.Context, reference string) ([]inventory.Transaction, error)
}

// Handlers holds HTTP handlers for the warehouse API
// 倉庫API用のHTTPハンドラーを保持
type Handlers struct {
	stocktakes *stocktake.Service
	putaway    *workflow.PutAwayService
	picking    *workflow.PickingService
	history    PostingHistory
	pinger     Pinger
	validate   *validator.Validate
	logger     *zap.Logger
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(stocktakes *stocktake.Service, putaway *workflow.PutAwayService, picking *workflow.PickingService,
	history PostingHistory, pinger Pinger, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		stocktakes: stocktakes,
		putaway:    putaway,
		picking:    picking,
		history:    history,
		pinger:     pinger,
		validate:   validator.New(),
		logger:     logger,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// CreateStocktakeRequest represents request to create a stock-take
// 棚卸作成リクエストを表現
type CreateStocktakeRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	WarehouseID string `json:"warehouse_id" validate:"max=100"`
}

// AddAssignmentRequest represents request to assign a location
// 担当割当追加リクエストを表現
type AddAssignmentRequest struct {
	LocationID string `json:"location_id" validate:"required"`
	AssigneeID string `json:"assignee_id" validate:"required"`
}

// SaveResultsRequest represents a batch of counted quantities
// 棚卸結果一括保存リクエストを表現
type SaveResultsRequest struct {
	Results []stocktake.ResultEdit `json:"results" validate:"required,min=1"`
}

// LinesRequest represents submitted splits of a receipt or voucher
// 明細分割リクエストを表現
type LinesRequest struct {
	Lines []workflow.LineInput `json:"lines" validate:"dive"`
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			h.logger.Error("ヘルスチェックに失敗しました", zap.Error(err))
			h.sendError(w, http.StatusServiceUnavailable, inventory.CodeInternal, "ストレージに接続できません")
			return
		}
	}

	h.sendSuccess(w, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now(),
		"service":   "zaiWarehouse",
	})
}

// CreateStocktake handles stock-take creation
// 棚卸作成リクエストを処理
func (h *Handlers) CreateStocktake(w http.ResponseWriter, r *http.Request) {
	var req CreateStocktakeRequest
	if !h.decode(w, r, &req) {
		return
	}

	st, err := h.stocktakes.Create(r.Context(), req.Name, req.WarehouseID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendJSON(w, http.StatusCreated, APIResponse{Success: true, Data: st})
}

// ListStocktakes handles stock-take listing (?step=&limit=)
// 棚卸一覧リクエストを処理
func (h *Handlers) ListStocktakes(w http.ResponseWriter, r *http.Request) {
	var filter stocktake.Filter
	if raw := r.URL.Query().Get("step"); raw != "" {
		step, ok := stocktake.ParseStep(raw)
		if !ok {
			h.sendError(w, http.StatusBadRequest, inventory.CodeValidation, "無効なステップです")
			return
		}
		filter.Step = step
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.sendError(w, http.StatusBadRequest, inventory.CodeValidation, "無効な件数です")
			return
		}
		filter.Limit = limit
	}

	summaries, err := h.stocktakes.List(r.Context(), filter)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, summaries)
}

// GetStocktake handles stock-take retrieval
// 棚卸取得リクエストを処理
func (h *Handlers) GetStocktake(w http.ResponseWriter, r *http.Request) {
	st, err := h.stocktakes.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, st)
}

// StartCounting handles DRAFT → COUNTING
// 実地棚卸開始リクエストを処理
func (h *Handlers) StartCounting(w http.ResponseWriter, r *http.Request) {
	st, err := h.stocktakes.StartCounting(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, st)
}

// Reconcile handles COUNTING → RECONCILING
// 差異確認リクエストを処理
func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	st, err := h.stocktakes.Reconcile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, st)
}

// Complete handles RECONCILING → COMPLETED
// 棚卸完了リクエストを処理
func (h *Handlers) Complete(w http.ResponseWriter, r *http.Request) {
	st, err := h.stocktakes.Complete(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, st)
}

// AddAssignment handles assignment creation
// 担当割当追加リクエストを処理
func (h *Handlers) AddAssignment(w http.ResponseWriter, r *http.Request) {
	var req AddAssignmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	a, err := h.stocktakes.AddAssignment(r.Context(), mux.Vars(r)["id"], req.LocationID, req.AssigneeID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendJSON(w, http.StatusCreated, APIResponse{Success: true, Data: a})
}

// RemoveAssignment handles assignment removal
// 担当割当削除リクエストを処理
func (h *Handlers) RemoveAssignment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.stocktakes.RemoveAssignment(r.Context(), vars["id"], vars["assignmentId"]); err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, map[string]string{
		"message": "担当割当を削除しました",
	})
}

// MarkAssignmentComplete handles assignment completion
// 担当割当完了リクエストを処理
func (h *Handlers) MarkAssignmentComplete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.stocktakes.MarkAssignmentComplete(r.Context(), vars["id"], vars["assignmentId"]); err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, map[string]string{
		"message": "担当割当を完了しました",
	})
}

// GetResults handles result row retrieval
// 棚卸結果取得リクエストを処理
func (h *Handlers) GetResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.stocktakes.Results(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, nonNil(results))
}

// SaveResults handles a batch save of counted quantities
// 棚卸結果一括保存リクエストを処理
func (h *Handlers) SaveResults(w http.ResponseWriter, r *http.Request) {
	var req SaveResultsRequest
	if !h.decode(w, r, &req) {
		return
	}

	saved, err := h.stocktakes.SaveResults(r.Context(), mux.Vars(r)["id"], req.Results)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, saved)
}

// GetAdjustments handles retrieval of rows with a non-zero variance
// 差異のある棚卸結果の取得リクエストを処理
func (h *Handlers) GetAdjustments(w http.ResponseWriter, r *http.Request) {
	adjustments, err := h.stocktakes.Adjustments(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, nonNil(adjustments))
}

// GetPostings handles retrieval of ledger movements posted by a stock-take
// 棚卸による台帳計上履歴の取得リクエストを処理
func (h *Handlers) GetPostings(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.stocktakes.Get(r.Context(), id); err != nil {
		h.handleError(w, err)
		return
	}

	txs, err := h.history.History(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, nonNil(txs))
}

// GetPutAway handles put-away line retrieval
// 格納明細取得リクエストを処理
func (h *Handlers) GetPutAway(w http.ResponseWriter, r *http.Request) {
	h.sendReceiptLines(w, r, mux.Vars(r)["id"])
}

// SavePutAway handles a put-away draft save
// 格納下書き保存リクエストを処理
func (h *Handlers) SavePutAway(w http.ResponseWriter, r *http.Request) {
	var req LinesRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.putaway.SaveDraft(r.Context(), id, req.Lines); err != nil {
		h.handleError(w, err)
		return
	}
	h.sendReceiptLines(w, r, id)
}

// ConfirmPutAway handles put-away confirmation
// 格納確定リクエストを処理
func (h *Handlers) ConfirmPutAway(w http.ResponseWriter, r *http.Request) {
	var req LinesRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.putaway.Confirm(r.Context(), id, req.Lines); err != nil {
		h.handleError(w, err)
		return
	}
	h.sendReceiptLines(w, r, id)
}

func (h *Handlers) sendReceiptLines(w http.ResponseWriter, r *http.Request, receiptID string) {
	receipt, err := h.putaway.Receipt(r.Context(), receiptID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	lines, err := h.putaway.Lines(r.Context(), receiptID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, map[string]interface{}{
		"receipt_id": receipt.ID,
		"status":     receipt.Status,
		"lines":      lines,
	})
}

// GetPicking handles picking line retrieval
// ピッキング明細取得リクエストを処理
func (h *Handlers) GetPicking(w http.ResponseWriter, r *http.Request) {
	h.sendVoucherLines(w, r, mux.Vars(r)["id"])
}

// SavePicking handles a picking draft save
// ピッキング下書き保存リクエストを処理
func (h *Handlers) SavePicking(w http.ResponseWriter, r *http.Request) {
	var req LinesRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.picking.SaveDraft(r.Context(), id, req.Lines); err != nil {
		h.handleError(w, err)
		return
	}
	h.sendVoucherLines(w, r, id)
}

// ConfirmPicking handles picking confirmation
// ピッキング確定リクエストを処理
func (h *Handlers) ConfirmPicking(w http.ResponseWriter, r *http.Request) {
	var req LinesRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.picking.Confirm(r.Context(), id, req.Lines); err != nil {
		h.handleError(w, err)
		return
	}
	h.sendVoucherLines(w, r, id)
}

func (h *Handlers) sendVoucherLines(w http.ResponseWriter, r *http.Request, voucherID string) {
	voucher, err := h.picking.Voucher(r.Context(), voucherID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	lines, err := h.picking.Lines(r.Context(), voucherID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, map[string]interface{}{
		"voucher_id": voucher.ID,
		"status":     voucher.Status,
		"lines":      lines,
	})
}

// SuggestLocations handles location suggestions for a material (?q=)
// ロケーション候補取得リクエストを処理
func (h *Handlers) SuggestLocations(w http.ResponseWriter, r *http.Request) {
	ids, err := h.picking.SuggestLocations(r.Context(), mux.Vars(r)["materialId"], r.URL.Query().Get("q"))
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.sendSuccess(w, ids)
}

// decode reads and validates a JSON body
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.sendError(w, http.StatusBadRequest, inventory.CodeValidation, "無効なリクエスト形式です")
		return false
	}
	return h.check(w, dst)
}

// decodeOptional is decode for endpoints whose body may be empty, including
// chunked requests without a Content-Length
func (h *Handlers) decodeOptional(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		h.sendError(w, http.StatusBadRequest, inventory.CodeValidation, "無効なリクエスト形式です")
		return false
	}
	return h.check(w, dst)
}

func (h *Handlers) check(w http.ResponseWriter, dst interface{}) bool {
	err := h.validate.Struct(dst)
	if err == nil {
		return true
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Namespace()] = fe.Tag()
		}
		h.sendJSON(w, http.StatusBadRequest, APIResponse{
			Success: false,
			Data:    fields,
			Error:   "リクエストのバリデーションに失敗しました",
			Code:    inventory.CodeValidation,
		})
		return false
	}
	h.sendError(w, http.StatusBadRequest, inventory.CodeValidation, err.Error())
	return false
}

// handleError maps an engine error to its HTTP status and API code
// エラーをHTTPステータスとAPIコードに変換して返却
func (h *Handlers) handleError(w http.ResponseWriter, err error) {
	code := inventory.ErrorCode(err)
	status := httpStatus(code)
	// 分割に入力された未登録ロケーションは入力エラー扱い
	if errors.Is(err, inventory.ErrLocationNotFound) {
		status = http.StatusUnprocessableEntity
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("リクエスト処理に失敗しました", zap.Error(err))
	}

	resp := APIResponse{Success: false, Error: err.Error(), Code: code}
	var conflict *inventory.ConflictError
	if errors.As(err, &conflict) && len(conflict.StaleIDs) > 0 {
		resp.Data = map[string]interface{}{"stale_ids": conflict.StaleIDs}
	}
	h.sendJSON(w, status, resp)
}

func httpStatus(code string) int {
	switch code {
	case inventory.CodeNotFound:
		return http.StatusNotFound
	case inventory.CodeConflict, inventory.CodeDuplicateLocation:
		return http.StatusConflict
	case inventory.CodeInvalidTransition,
		inventory.CodeOverAllocation,
		inventory.CodeAllocationIncomplete,
		inventory.CodeMissingLocation,
		inventory.CodeMissingSerial:
		return http.StatusUnprocessableEntity
	case inventory.CodeValidation:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// nonNil keeps empty lists encoded as []
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// sendSuccess sends success response
// 成功レスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, data interface{}) {
	h.sendJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// sendError sends error response
// エラーレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, code, message string) {
	h.sendJSON(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
		Code:    code,
	})
}

func (h *Handlers) sendJSON(w http.ResponseWriter, statusCode int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンスの書き込みに失敗しました", zap.Error(err))
	}
}
