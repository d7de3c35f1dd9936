// Package handler содержит HTTP-обработчики API сервиса приёма платежей.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/wanjala/till-system/internal/gateway"
	"github.com/wanjala/till-system/internal/ledger"
	"github.com/wanjala/till-system/internal/middleware"
	"github.com/wanjala/till-system/internal/model"
	"github.com/wanjala/till-system/internal/operators"
	"github.com/wanjala/till-system/internal/repository"
	"github.com/wanjala/till-system/internal/settlement"
)

// OperatorService определяет контракт учётных записей операторов.
type OperatorService interface {
	Register(ctx context.Context, login, password string) (int64, error)
	Authenticate(ctx context.Context, login, password string) (int64, error)
}

// BillStore определяет контракт хранилища счетов и входящих уведомлений.
type BillStore interface {
	CreateBill(ctx context.Context, totalCents int64) (int64, error)
	GetBill(ctx context.Context, id int64) (*model.Bill, error)
	InsertNotification(ctx context.Context, n *model.InboundNotification) error
}

// Settlements определяет контракт координатора кассовых сессий.
type Settlements interface {
	StartPush(ctx context.Context, billID, operatorID int64, phone string, amountCents int64) (*settlement.Snapshot, error)
	Cancel(billID int64)
	AddTender(ctx context.Context, billID, operatorID int64, method model.TenderMethod, amountCents int64, reference string) (*settlement.Snapshot, error)
	ConfirmCheckout(ctx context.Context, billID, operatorID int64) (*ledger.Result, error)
	ManualReceipt(ctx context.Context, billID, operatorID int64, receiptCode string, amountCents int64) (*settlement.Snapshot, error)
	SelectNotification(ctx context.Context, billID, operatorID, notificationID int64) (*ledger.Result, error)
	SessionState(billID int64) *settlement.Snapshot
}

// Notifications определяет контракт списка входящих уведомлений.
type Notifications interface {
	List(ctx context.Context, limit int) ([]model.InboundNotification, error)
}

// Handler реализует HTTP-обработчики API сервиса приёма платежей.
type Handler struct {
	operators      OperatorService
	bills          BillStore
	settlements    Settlements
	notifications  Notifications
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(ops OperatorService, bills BillStore, settlements Settlements, notifications Notifications, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		operators:      ops,
		bills:          bills,
		settlements:    settlements,
		notifications:  notifications,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового оператора.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	operatorID, err := h.operators.Register(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrOperatorExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register operator error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, operatorID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию оператора и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	operatorID, err := h.operators.Authenticate(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrOperatorNotFound) || errors.Is(err, operators.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login operator error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, operatorID)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) billID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "billID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type createBillRequest struct {
	Total float64 `json:"total"`
}

type billResponse struct {
	ID                int64    `json:"id"`
	Total             float64  `json:"total"`
	AmountPaid        float64  `json:"amount_paid"`
	Status            string   `json:"status"`
	LastPaymentMethod *string  `json:"last_payment_method,omitempty"`
	LastPaymentAt     *string  `json:"last_payment_at,omitempty"`
}

func billToResponse(b *model.Bill) billResponse {
	resp := billResponse{
		ID:         b.ID,
		Total:      float64(b.TotalCents) / 100,
		AmountPaid: float64(b.AmountPaidCents) / 100,
		Status:     string(b.Status),
	}
	if b.LastPaymentMethod != nil {
		m := string(*b.LastPaymentMethod)
		resp.LastPaymentMethod = &m
	}
	if b.LastPaymentAt != nil {
		ts := b.LastPaymentAt.Format(time.RFC3339)
		resp.LastPaymentAt = &ts
	}
	return resp
}

// CreateBill создаёт новый счёт.
func (h *Handler) CreateBill(w http.ResponseWriter, r *http.Request) {
	var req createBillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Total < 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.bills.CreateBill(r.Context(), int64(req.Total*100))
	if err != nil {
		h.logger.Error("create bill error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]int64{"id": id})
}

// GetBill возвращает счёт по идентификатору.
func (h *Handler) GetBill(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	bill, err := h.bills.GetBill(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrBillNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get bill error", zap.Error(err), zap.Int64("billID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(billToResponse(bill)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// statusForSettlementError переводит ошибки кассовой сессии в HTTP-статусы.
func statusForSettlementError(err error) int {
	switch {
	case errors.Is(err, repository.ErrBillNotFound), errors.Is(err, repository.ErrNotificationNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrOverpayment):
		return http.StatusUnprocessableEntity
	case errors.Is(err, repository.ErrNotificationConsumed), errors.Is(err, settlement.ErrAlreadyCommitted):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrInvalidPhone),
		errors.Is(err, settlement.ErrInvalidAmount),
		errors.Is(err, ledger.ErrNoTenders),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidMethod),
		errors.Is(err, gateway.ErrRejected):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) settlementError(w http.ResponseWriter, err error, op string, billID int64) {
	status := statusForSettlementError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(op+" error", zap.Error(err), zap.Int64("billID", billID))
		http.Error(w, http.StatusText(status), status)
		return
	}

	http.Error(w, err.Error(), status)
}

type startPushRequest struct {
	Phone  string  `json:"phone"`
	Amount float64 `json:"amount"`
}

// StartPush инициирует push-запрос мобильного платежа по счёту.
func (h *Handler) StartPush(w http.ResponseWriter, r *http.Request) {
	billID, ok := h.billID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	operatorID, ok := middleware.GetOperatorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req startPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	snap, err := h.settlements.StartPush(r.Context(), billID, operatorID, req.Phone, int64(req.Amount*100))
	if err != nil {
		h.settlementError(w, err, "start push", billID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(snap)
}

// GetSession возвращает состояние кассовой сессии по счёту.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	billID, ok := h.billID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.settlements.SessionState(billID))
}

// CancelSession отменяет активную кассовую сессию по счёту.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	billID, ok := h.billID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	h.settlements.Cancel(billID)
	w.WriteHeader(http.StatusOK)
}

type addTenderRequest struct {
	Method    string  `json:"method"`
	Amount    float64 `json:"amount"`
	Reference string  `json:"reference"`
}

// AddTender добавляет отложенный взнос в кассовую сессию.
func (h *Handler) AddTender(w http.ResponseWriter, r *http.Request) {
	billID, ok := h.billID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	operatorID, ok := middleware.GetOperatorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req addTenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	snap, err := h.settlements.AddTender(r.Context(), billID, operatorID, model.TenderMethod(req.Method), int64(req.Amount*100), req.Reference)
	if err != nil {
		h.settlementError(w, err, "add tender", billID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

type checkoutResponse struct {
	AmountPaid float64 `json:"amount_paid"`
	Status     string  `json:"status"`
	Change     float64 `json:"change"`
}

// Checkout применяет отложенные взносы к счёту.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	billID, ok := h.billID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	operatorID, ok := middleware.GetOperatorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	res, err := h.settlements.ConfirmCheckout(r.Context(), billID, operatorID)
	if err != nil {
		h.settlementError(w, err, "checkout", billID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(checkoutResponse{
		AmountPaid: float64(res.NewAmountPaidCents) / 100,
		Status:     string(res.NewStatus),
		Change:     float64(res.ChangeCents) / 100,
	})
}

type manualReceiptRequest struct {
	ReceiptCode string  `json:"receipt_code"`
	Amount      float64 `json:"amount"`
}

// ManualReceipt фиксирует платёж по коду квитанции, введённому оператором.
func (h *Handler) ManualReceipt(w http.ResponseWriter, r *http.Request) {
	billID, ok := h.billID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	operatorID, ok := middleware.GetOperatorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req manualReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	snap, err := h.settlements.ManualReceipt(r.Context(), billID, operatorID, req.ReceiptCode, int64(req.Amount*100))
	if err != nil {
		h.settlementError(w, err, "manual receipt", billID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

type notificationResponse struct {
	ID                    int64             `json:"id"`
	ExternalTransactionID string            `json:"external_transaction_id"`
	Amount                float64           `json:"amount"`
	PayerMSISDN           string            `json:"payer_msisdn"`
	PayerName             string            `json:"payer_name,omitempty"`
	Extras                map[string]string `json:"extras,omitempty"`
	ReceivedAt            string            `json:"received_at"`
}

// ListNotifications возвращает неиспользованные входящие уведомления.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	list, err := h.notifications.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("list notifications error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(list) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]notificationResponse, 0, len(list))
	for _, n := range list {
		resp = append(resp, notificationResponse{
			ID:                    n.ID,
			ExternalTransactionID: n.ExternalTransactionID,
			Amount:                float64(n.AmountCents) / 100,
			PayerMSISDN:           n.PayerMSISDN,
			PayerName:             n.PayerName,
			Extras:                n.Extras,
			ReceivedAt:            n.ReceivedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// SelectNotification сверяет выбранное уведомление со счётом.
func (h *Handler) SelectNotification(w http.ResponseWriter, r *http.Request) {
	billID, ok := h.billID(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	operatorID, ok := middleware.GetOperatorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	notificationID, err := strconv.ParseInt(chi.URLParam(r, "notificationID"), 10, 64)
	if err != nil || notificationID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.settlements.SelectNotification(r.Context(), billID, operatorID, notificationID)
	if err != nil {
		h.settlementError(w, err, "select notification", billID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(checkoutResponse{
		AmountPaid: float64(res.NewAmountPaidCents) / 100,
		Status:     string(res.NewStatus),
	})
}

type c2bRequest struct {
	TransactionID string            `json:"transactionId"`
	Amount        float64           `json:"amount"`
	MSISDN        string            `json:"msisdn"`
	PayerName     string            `json:"payerName"`
	Extras        map[string]string `json:"extras"`
}

// IngestC2B принимает уведомление шлюза о входящем платеже без исходящего
// запроса. Повторная доставка того же уведомления безопасна.
func (h *Handler) IngestC2B(w http.ResponseWriter, r *http.Request) {
	var req c2bRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.TransactionID == "" || req.Amount <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	n := &model.InboundNotification{
		ExternalTransactionID: req.TransactionID,
		AmountCents:           int64(req.Amount * 100),
		PayerMSISDN:           req.MSISDN,
		PayerName:             req.PayerName,
		Extras:                req.Extras,
	}

	if err := h.bills.InsertNotification(r.Context(), n); err != nil {
		h.logger.Error("ingest c2b error", zap.Error(err), zap.String("transactionID", req.TransactionID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"resultCode": 0, "resultDesc": "Accepted"})
}
