package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wanjala/till-system/internal/ledger"
	"github.com/wanjala/till-system/internal/model"
	"github.com/wanjala/till-system/internal/repository"
	"github.com/wanjala/till-system/internal/validation"
)

// ErrInvalidPhone возвращается для номера, который не удалось нормализовать.
var (
	ErrInvalidPhone = errors.New("invalid mobile number")
	// ErrInvalidAmount возвращается для неположительной суммы платежа.
	ErrInvalidAmount = errors.New("payment amount must be positive")
	// ErrAlreadyCommitted возвращается, когда сессия уже зафиксировала платёж.
	ErrAlreadyCommitted = errors.New("session already committed a payment")
)

// SessionState описывает состояние кассовой сессии.
type SessionState string

const (
	StateIdle      SessionState = "IDLE"
	StateSending   SessionState = "SENDING"
	StateAwaiting  SessionState = "AWAITING_CONFIRMATION"
	StateSucceeded SessionState = "SUCCEEDED"
	StateFailed    SessionState = "FAILED"
	StateTimedOut  SessionState = "TIMED_OUT"
)

// Ledger описывает контракт леджера, используемый координатором.
type Ledger interface {
	Apply(ctx context.Context, billID, operatorID int64, tenders []model.Tender) (*ledger.Result, error)
}

// Store описывает контракт хранилища, используемый координатором.
type Store interface {
	GetBill(ctx context.Context, id int64) (*model.Bill, error)
	CreatePaymentRequest(ctx context.Context, pr *model.PaymentRequest) error
	UpdatePaymentRequestState(ctx context.Context, id string, state model.RequestState, receiptCode string) error
}

// Notifications описывает контракт сверки входящих уведомлений.
type Notifications interface {
	Get(ctx context.Context, id int64) (*model.InboundNotification, error)
	MarkConsumed(ctx context.Context, id int64) error
}

type session struct {
	mu sync.Mutex

	billID     int64
	operatorID int64
	state      SessionState
	requestID  string
	phone      string
	// amountCents — сумма активного push-запроса.
	amountCents int64
	poll        *PollHandle
	staged      []model.Tender
	committed   bool
	statusLine  string
	receiptCode string
	lastResult  *ledger.Result
}

func (s *session) stagedTotal() int64 {
	var sum int64
	for _, t := range s.staged {
		sum += t.AmountCents
	}
	return sum
}

// resetLocked возвращает сессию в Idle, отменяя активный опрос.
// Вызывается под s.mu.
func (s *session) resetLocked() {
	if s.poll != nil {
		s.poll.Cancel()
		s.poll = nil
	}
	s.state = StateIdle
	s.requestID = ""
	s.phone = ""
	s.amountCents = 0
	s.committed = false
	s.statusLine = ""
	s.receiptCode = ""
}

// Snapshot — состояние сессии для отображения оператору.
type Snapshot struct {
	BillID      int64          `json:"bill_id"`
	State       SessionState   `json:"state"`
	RequestID   string         `json:"request_id,omitempty"`
	AmountCents int64          `json:"amount_cents,omitempty"`
	ReceiptCode string         `json:"receipt_code,omitempty"`
	StatusLine  string         `json:"status_line,omitempty"`
	Staged      []model.Tender `json:"staged,omitempty"`
	StagedCents int64          `json:"staged_cents"`
}

// Coordinator управляет кассовыми сессиями: по одной на счёт, каждая со своим
// опросом шлюза и гарантией не более одной фиксации платежа.
type Coordinator struct {
	gw       GatewayClient
	ledger   Ledger
	store    Store
	inbound  Notifications
	logger   *zap.Logger
	interval time.Duration
	attempts int

	mu       sync.Mutex
	sessions map[int64]*session
	baseCtx  context.Context
}

// NewCoordinator создаёт координатор кассовых сессий.
func NewCoordinator(gw GatewayClient, l Ledger, store Store, inbound Notifications, logger *zap.Logger, pollInterval time.Duration, pollMaxAttempts int) *Coordinator {
	return &Coordinator{
		gw:       gw,
		ledger:   l,
		store:    store,
		inbound:  inbound,
		logger:   logger,
		interval: pollInterval,
		attempts: pollMaxAttempts,
		sessions: make(map[int64]*session),
		baseCtx:  context.Background(),
	}
}

// Start задаёт корневой контекст фоновых опросов: его отмена останавливает
// все активные циклы опроса при завершении сервиса.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()
}

func (c *Coordinator) getSession(billID int64) *session {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[billID]
	if !ok {
		s = &session{billID: billID, state: StateIdle}
		c.sessions[billID] = s
	}
	return s
}

func (c *Coordinator) pollCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseCtx
}

// StartPush инициирует push-запрос на мобильный платёж по счёту. Активный
// опрос по тому же счёту отменяется и заменяется новым (последняя попытка
// выигрывает).
func (c *Coordinator) StartPush(ctx context.Context, billID, operatorID int64, phone string, amountCents int64) (*Snapshot, error) {
	msisdn, ok := validation.NormalizeMSISDN(phone)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
	}
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	bill, err := c.store.GetBill(ctx, billID)
	if err != nil {
		return nil, err
	}

	s := c.getSession(billID)
	s.mu.Lock()
	defer s.mu.Unlock()

	// Замена активной попытки: прежний опрос больше не отчитается.
	s.resetLocked()
	s.operatorID = operatorID

	if amountCents+s.stagedTotal() > bill.OutstandingCents() {
		return nil, repository.ErrOverpayment
	}

	s.state = StateSending
	s.phone = msisdn
	s.amountCents = amountCents

	accountRef := fmt.Sprintf("BILL-%d", billID)
	requestID, err := c.gw.Initiate(ctx, msisdn, amountCents, accountRef, "bill payment")
	if err != nil {
		s.state = StateFailed
		s.statusLine = "payment request not sent: " + err.Error()
		c.logger.Warn("initiate failed",
			zap.Int64("billID", billID),
			zap.Error(err),
		)
		return nil, err
	}

	s.requestID = requestID
	s.state = StateAwaiting
	s.statusLine = "awaiting payer confirmation"

	pr := &model.PaymentRequest{
		ID:               requestID,
		BillID:           billID,
		Phone:            msisdn,
		AmountCents:      amountCents,
		AccountReference: accountRef,
		State:            model.RequestStateAwaiting,
	}
	if err := c.store.CreatePaymentRequest(ctx, pr); err != nil {
		// Запись аудита необязательна для корректности сессии.
		c.logger.Error("persist payment request failed",
			zap.String("requestID", requestID),
			zap.Error(err),
		)
	}

	p := &poller{
		gw:          c.gw,
		requestID:   requestID,
		interval:    c.interval,
		maxAttempts: c.attempts,
		logger:      c.logger,
	}
	s.poll = p.start(c.pollCtx(), func(report PollReport) {
		c.HandleReport(billID, requestID, report)
	})

	return c.snapshotLocked(s), nil
}

// HandleReport принимает терминальный отчёт опроса. Переход состояния — это
// единственная точка защиты от повторной фиксации: дубликат терминального
// сигнала по той же сессии отбрасывается.
func (c *Coordinator) HandleReport(billID int64, requestID string, report PollReport) {
	s := c.getSession(billID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaiting || s.requestID != requestID {
		c.logger.Info("dropping stale poll report",
			zap.Int64("billID", billID),
			zap.String("requestID", requestID),
			zap.String("outcome", string(report.Outcome)),
		)
		return
	}

	ctx := c.pollCtx()

	switch report.Outcome {
	case OutcomeSucceeded:
		c.commitLocked(ctx, s, model.Tender{
			Method:            model.TenderMobileMoney,
			AmountCents:       s.amountCents,
			ExternalReference: report.ReceiptCode,
		})
		c.updateRequestState(ctx, requestID, model.RequestStateSucceeded, report.ReceiptCode)

	case OutcomeFailed:
		s.state = StateFailed
		s.statusLine = "payment failed: " + report.Reason
		c.updateRequestState(ctx, requestID, model.RequestStateFailed, "")
		c.logger.Info("payment declined",
			zap.Int64("billID", billID),
			zap.String("requestID", requestID),
			zap.Int("resultCode", report.ResultCode),
			zap.String("reason", report.Reason),
		)

	case OutcomeTimedOut:
		s.state = StateTimedOut
		s.statusLine = "payment request timed out; the payment may still arrive, check inbound notifications"
		c.updateRequestState(ctx, requestID, model.RequestStateTimedOut, "")
		c.logger.Info("payment request timed out",
			zap.Int64("billID", billID),
			zap.String("requestID", requestID),
		)
	}
}

// commitLocked выполняет единственную фиксацию платежа сессии.
// Вызывается под s.mu после прохождения защиты перехода.
func (c *Coordinator) commitLocked(ctx context.Context, s *session, tender model.Tender) {
	if s.committed {
		return
	}
	s.committed = true

	res, err := c.ledger.Apply(ctx, s.billID, s.operatorID, []model.Tender{tender})
	if err != nil {
		s.state = StateFailed
		s.statusLine = "payment confirmed but not applied: " + err.Error()
		c.logger.Error("ledger apply failed after confirmed payment",
			zap.Int64("billID", s.billID),
			zap.String("reference", tender.ExternalReference),
			zap.Error(err),
		)
		return
	}

	s.state = StateSucceeded
	s.receiptCode = tender.ExternalReference
	s.lastResult = res
	s.statusLine = fmt.Sprintf("payment received, receipt %s", tender.ExternalReference)
	c.logger.Info("payment applied",
		zap.Int64("billID", s.billID),
		zap.String("reference", tender.ExternalReference),
		zap.Int64("newAmountPaidCents", res.NewAmountPaidCents),
		zap.String("newStatus", string(res.NewStatus)),
	)
}

func (c *Coordinator) updateRequestState(ctx context.Context, requestID string, state model.RequestState, receipt string) {
	if err := c.store.UpdatePaymentRequestState(ctx, requestID, state, receipt); err != nil {
		c.logger.Error("update payment request state failed",
			zap.String("requestID", requestID),
			zap.Error(err),
		)
	}
}

// Cancel останавливает активный опрос и возвращает сессию в Idle.
// Уже зафиксированный платёж не откатывается, список отложенных взносов очищается.
func (c *Coordinator) Cancel(billID int64) {
	s := c.getSession(billID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()
	s.staged = nil
}

// AddTender добавляет отложенный взнос в сессию. Суммарный объём отложенных
// взносов не может превысить остаток по счёту; исключение — наличные, излишек
// которых при закрытии чека вернётся сдачей.
func (c *Coordinator) AddTender(ctx context.Context, billID, operatorID int64, method model.TenderMethod, amountCents int64, reference string) (*Snapshot, error) {
	if !model.ValidTenderMethod(method) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrInvalidMethod, method)
	}
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	bill, err := c.store.GetBill(ctx, billID)
	if err != nil {
		return nil, err
	}

	s := c.getSession(billID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if method != model.TenderCash && s.stagedTotal()+amountCents > bill.OutstandingCents() {
		return nil, repository.ErrOverpayment
	}

	s.operatorID = operatorID
	s.staged = append(s.staged, model.Tender{
		Method:            method,
		AmountCents:       amountCents,
		ExternalReference: reference,
	})

	return c.snapshotLocked(s), nil
}

// ConfirmCheckout применяет отложенные взносы одним атомарным вызовом леджера.
func (c *Coordinator) ConfirmCheckout(ctx context.Context, billID, operatorID int64) (*ledger.Result, error) {
	s := c.getSession(billID)
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := c.ledger.Apply(ctx, billID, operatorID, s.staged)
	if err != nil {
		return nil, err
	}

	s.staged = nil
	s.lastResult = res

	return res, nil
}

// ManualReceipt фиксирует платёж по коду квитанции, полученному оператором
// вне системы. Трактуется как успешное завершение сессии с пользовательской
// ссылкой вместо выданной шлюзом.
func (c *Coordinator) ManualReceipt(ctx context.Context, billID, operatorID int64, receiptCode string, amountCents int64) (*Snapshot, error) {
	if receiptCode == "" {
		return nil, errors.New("receipt code is required")
	}
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	s := c.getSession(billID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.committed {
		return nil, ErrAlreadyCommitted
	}

	// Активный опрос больше не нужен: оператор подтвердил платёж сам.
	if s.poll != nil {
		s.poll.Cancel()
		s.poll = nil
	}
	s.operatorID = operatorID
	if s.amountCents == 0 {
		s.amountCents = amountCents
	}

	c.commitLocked(ctx, s, model.Tender{
		Method:            model.TenderMobileMoney,
		AmountCents:       amountCents,
		ExternalReference: receiptCode,
	})

	if s.state != StateSucceeded {
		return c.snapshotLocked(s), errors.New(s.statusLine)
	}

	return c.snapshotLocked(s), nil
}

// SelectNotification применяет выбранное оператором входящее уведомление как
// взнос по счёту и помечает уведомление использованным. Это двухшаговый
// протокол: если пометка не удалась после успешного применения, эффект в
// леджере сохраняется, а уведомление остаётся видимым — ошибка возвращается
// оператору, не скрывается.
func (c *Coordinator) SelectNotification(ctx context.Context, billID, operatorID, notificationID int64) (*ledger.Result, error) {
	n, err := c.inbound.Get(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	if n.Consumed {
		return nil, repository.ErrNotificationConsumed
	}

	res, err := c.ledger.Apply(ctx, billID, operatorID, []model.Tender{{
		Method:            model.TenderMobileMoney,
		AmountCents:       n.AmountCents,
		ExternalReference: n.ExternalTransactionID,
		NotificationID:    n.ID,
	}})
	if err != nil {
		return nil, err
	}

	if err := c.inbound.MarkConsumed(ctx, notificationID); err != nil {
		c.logger.Error("mark notification consumed failed after apply",
			zap.Int64("billID", billID),
			zap.Int64("notificationID", notificationID),
			zap.Error(err),
		)
		return res, err
	}

	return res, nil
}

// SessionState возвращает снимок состояния сессии по счёту.
func (c *Coordinator) SessionState(billID int64) *Snapshot {
	s := c.getSession(billID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.snapshotLocked(s)
}

func (c *Coordinator) snapshotLocked(s *session) *Snapshot {
	staged := make([]model.Tender, len(s.staged))
	copy(staged, s.staged)

	return &Snapshot{
		BillID:      s.billID,
		State:       s.state,
		RequestID:   s.requestID,
		AmountCents: s.amountCents,
		ReceiptCode: s.receiptCode,
		StatusLine:  s.statusLine,
		Staged:      staged,
		StagedCents: s.stagedTotal(),
	}
}
