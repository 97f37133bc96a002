package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedgerGo/internal/config"
	"github.com/nemonet1337/zaiLedgerGo/pkg/ledger"
)

// Handlers holds HTTP handlers for the ledger API
// 台帳API用のHTTPハンドラーを保持
type Handlers struct {
	service ledger.Ledger
	storage ledger.Storage
	logger  *zap.Logger
	cfg     *config.Config
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(service ledger.Ledger, storage ledger.Storage, logger *zap.Logger, cfg *config.Config) *Handlers {
	return &Handlers{
		service: service,
		storage: storage,
		logger:  logger,
		cfg:     cfg,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// AllocateRequest represents an allocation request
// 引当リクエストを表現
type AllocateRequest struct {
	ProductID  string `json:"product_id"`
	LocationID string `json:"location_id"`
	Quantity   int64  `json:"quantity"`
}

// ReleaseRequest represents a reservation release request
// 予約解放リクエストを表現
type ReleaseRequest struct {
	Outcome string `json:"outcome"` // fulfilled / cancelled / expired
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.storage.Ping(r.Context()); err != nil {
		h.sendError(w, http.StatusServiceUnavailable, "データベース接続に問題があります")
		return
	}

	h.sendSuccess(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "zaiLedgerGo",
	})
}

// RecordMovement handles movement recording requests
// 移動記録リクエストを処理
func (h *Handlers) RecordMovement(w http.ResponseWriter, r *http.Request) {
	var draft ledger.MovementDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	ctx := context.WithValue(r.Context(), "user_id", "api_user")
	movementID, err := h.service.Record(ctx, draft)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, map[string]string{
		"movement_id": movementID,
	})
}

// Allocate handles FIFO allocation requests
// FIFO引当リクエストを処理
func (h *Handlers) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	lines, err := h.service.Allocate(r.Context(), req.ProductID, req.LocationID, req.Quantity)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, lines)
}

// Reserve handles reservation requests
// 予約リクエストを処理
func (h *Handlers) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ledger.ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	reservationID, err := h.service.Reserve(r.Context(), req)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, map[string]string{
		"reservation_id": reservationID,
	})
}

// ReleaseReservation handles reservation release requests
// 予約解放リクエストを処理
func (h *Handlers) ReleaseReservation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	reservationID := vars["reservationId"]

	var req ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}
	if req.Outcome == "" {
		req.Outcome = string(ledger.ReservationStatusCancelled)
	}

	if err := h.service.Release(r.Context(), reservationID, ledger.ReservationOutcome(req.Outcome)); err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, map[string]string{
		"message": "予約が解放されました",
	})
}

// Transfer handles inter-location transfer requests
// ロケーション間移動リクエストを処理
func (h *Handlers) Transfer(w http.ResponseWriter, r *http.Request) {
	var req ledger.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "api_user"
	}

	result, err := h.service.Transfer(r.Context(), req)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, result)
}

// GetStock handles stock inquiry requests
// 在庫照会リクエストを処理
func (h *Handlers) GetStock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	productID := vars["productId"]
	locationID := r.URL.Query().Get("location_id")

	balances, err := h.service.GetStock(r.Context(), productID, locationID)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, balances)
}

// GetTotalStock handles total stock inquiry requests
// 総在庫照会リクエストを処理
func (h *Handlers) GetTotalStock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	productID := vars["productId"]

	total, err := h.service.GetTotalStock(r.Context(), productID)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, map[string]int64{
		"total_quantity": total,
	})
}

// GetExpiringBatches handles expiring batch inquiry requests
// 期限間近バッチ照会リクエストを処理
func (h *Handlers) GetExpiringBatches(w http.ResponseWriter, r *http.Request) {
	withinDays := h.cfg.Ledger.ExpiringSoonDays
	if daysStr := r.URL.Query().Get("within_days"); daysStr != "" {
		if parsed, err := strconv.Atoi(daysStr); err == nil && parsed > 0 {
			withinDays = parsed
		}
	}

	batches, err := h.service.GetExpiringBatches(r.Context(), withinDays)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, batches)
}

// GetMovements handles movement history requests
// 移動履歴リクエストを処理
func (h *Handlers) GetMovements(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	productID := vars["productId"]

	// limitパラメータの取得
	limit := 100 // デフォルト
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	movements, err := h.service.GetMovements(r.Context(), productID, limit)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, movements)
}

// ConvertPack handles pack hierarchy conversion requests
// 荷姿換算リクエストを処理
func (h *Handlers) ConvertPack(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	productID := vars["productId"]

	product, err := h.storage.GetProduct(r.Context(), productID)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	quantity, err := strconv.ParseInt(r.URL.Query().Get("quantity"), 10, 64)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "数量が無効です")
		return
	}
	fromLevel := ledger.PackLevel(r.URL.Query().Get("from"))
	toLevel := ledger.PackLevel(r.URL.Query().Get("to"))

	baseQty, err := ledger.ToBaseUnits(quantity, fromLevel, product.Pack)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	units, remainder, err := ledger.FromBaseUnits(baseQty, toLevel, product.Pack)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, map[string]int64{
		"base_quantity": baseQty,
		"units":         units,
		"remainder":     remainder,
	})
}

// UpsertProduct handles product snapshot registration
// 商品スナップショット登録を処理
func (h *Handlers) UpsertProduct(w http.ResponseWriter, r *http.Request) {
	var product ledger.Product
	if err := json.NewDecoder(r.Body).Decode(&product); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}
	if err := ledger.ValidateProductID(product.ID); err != nil {
		h.sendLedgerError(w, err)
		return
	}

	// タイムスタンプ設定
	now := time.Now()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now

	if err := h.storage.UpsertProduct(r.Context(), &product); err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, product)
}

// UpsertLocation handles location snapshot registration
// ロケーションスナップショット登録を処理
func (h *Handlers) UpsertLocation(w http.ResponseWriter, r *http.Request) {
	var location ledger.Location
	if err := json.NewDecoder(r.Body).Decode(&location); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}
	if err := ledger.ValidateLocationID(location.ID); err != nil {
		h.sendLedgerError(w, err)
		return
	}

	// タイムスタンプ設定
	now := time.Now()
	if location.CreatedAt.IsZero() {
		location.CreatedAt = now
	}
	location.UpdatedAt = now

	if err := h.storage.UpsertLocation(r.Context(), &location); err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, location)
}

// GetAlerts handles alert inquiry requests
// アラート照会リクエストを処理
func (h *Handlers) GetAlerts(w http.ResponseWriter, r *http.Request) {
	locationID := r.URL.Query().Get("location_id")

	alerts, err := h.storage.GetActiveAlerts(r.Context(), locationID)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, alerts)
}

// ResolveAlert handles alert resolution requests
// アラート解決リクエストを処理
func (h *Handlers) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	alertID := vars["alertId"]

	if err := h.storage.ResolveAlert(r.Context(), alertID); err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, map[string]string{
		"message": "アラートが解決されました",
	})
}

// RebuildState handles derived-state rebuild requests
// 派生状態再構築リクエストを処理
func (h *Handlers) RebuildState(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RebuildState(r.Context()); err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, map[string]string{
		"message": "派生状態の再構築が完了しました",
	})
}

// ヘルパーメソッド

// sendLedgerError maps ledger errors to HTTP status codes
// 台帳エラーをHTTPステータスコードへ対応付け
func (h *Handlers) sendLedgerError(w http.ResponseWriter, err error) {
	var validationErr *ledger.ValidationError
	var insufficientErr *ledger.InsufficientStockError

	switch {
	case errors.As(err, &validationErr):
		h.sendError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &insufficientErr):
		h.sendErrorWithData(w, http.StatusConflict, err.Error(), insufficientErr)
	case errors.Is(err, ledger.ErrProductNotFound),
		errors.Is(err, ledger.ErrBatchNotFound),
		errors.Is(err, ledger.ErrLocationNotFound),
		errors.Is(err, ledger.ErrStockCellNotFound),
		errors.Is(err, ledger.ErrReservationNotFound),
		errors.Is(err, ledger.ErrAlertNotFound):
		h.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrReservationNotActive),
		errors.Is(err, ledger.ErrTransferSameLocation):
		h.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrConcurrentModification):
		h.sendError(w, http.StatusConflict, err.Error())
	default:
		h.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

// sendSuccess sends a successful API response
// 成功APIレスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := APIResponse{
		Success: true,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンス送信に失敗しました", zap.Error(err))
	}
}

// sendError sends an error API response
// エラーAPIレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error:   message,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("エラーレスポンス送信に失敗しました", zap.Error(err))
	}
}

// sendErrorWithData sends an error response carrying structured details
// 構造化された詳細付きのエラーレスポンスを送信
func (h *Handlers) sendErrorWithData(w http.ResponseWriter, statusCode int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Data:    data,
		Error:   message,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("エラーレスポンス送信に失敗しました", zap.Error(err))
	}
}
