package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wanjala/till-system/internal/gateway"
	"github.com/wanjala/till-system/internal/ledger"
	"github.com/wanjala/till-system/internal/model"
	"github.com/wanjala/till-system/internal/repository"
)

type fakeGateway struct {
	mu sync.Mutex

	initID  string
	initErr error

	queryResults []*gateway.QueryResult
	queryErr     error
	queries      int
}

func (f *fakeGateway) Initiate(ctx context.Context, phone string, amountCents int64, accountReference, description string) (string, error) {
	return f.initID, f.initErr
}

func (f *fakeGateway) Query(ctx context.Context, requestID string) (*gateway.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryResults) == 0 {
		return &gateway.QueryResult{Pending: true}, nil
	}

	res := f.queryResults[0]
	if len(f.queryResults) > 1 {
		f.queryResults = f.queryResults[1:]
	}
	return res, nil
}

func (f *fakeGateway) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

type fakeLedger struct {
	mu      sync.Mutex
	applies [][]model.Tender
	err     error
	result  *ledger.Result
}

func (f *fakeLedger) Apply(ctx context.Context, billID, operatorID int64, tenders []model.Tender) (*ledger.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	f.applies = append(f.applies, tenders)
	if f.result != nil {
		return f.result, nil
	}
	return &ledger.Result{NewAmountPaidCents: 0, NewStatus: model.BillStatusPartial}, nil
}

func (f *fakeLedger) applyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applies)
}

func (f *fakeLedger) appliedTenders(i int) []model.Tender {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applies[i]
}

type fakeStore struct {
	mu       sync.Mutex
	bill     *model.Bill
	billErr  error
	requests []*model.PaymentRequest
	updates  []model.RequestState
}

func (f *fakeStore) GetBill(ctx context.Context, id int64) (*model.Bill, error) {
	if f.billErr != nil {
		return nil, f.billErr
	}
	b := *f.bill
	return &b, nil
}

func (f *fakeStore) CreatePaymentRequest(ctx context.Context, pr *model.PaymentRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, pr)
	return nil
}

func (f *fakeStore) UpdatePaymentRequestState(ctx context.Context, id string, state model.RequestState, receiptCode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, state)
	return nil
}

type fakeNotifications struct {
	notification *model.InboundNotification
	getErr       error
	markErr      error
	marked       []int64
}

func (f *fakeNotifications) Get(ctx context.Context, id int64) (*model.InboundNotification, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	n := *f.notification
	return &n, nil
}

func (f *fakeNotifications) MarkConsumed(ctx context.Context, id int64) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, id)
	return nil
}

func newTestCoordinator(gw GatewayClient, l Ledger, store Store, inbound Notifications) *Coordinator {
	return NewCoordinator(gw, l, store, inbound, zap.NewNop(), 10*time.Millisecond, 24)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func pendingBill(totalCents int64) *model.Bill {
	return &model.Bill{ID: 1, TotalCents: totalCents, Status: model.BillStatusPending}
}

func TestStartPush_InvalidPhone(t *testing.T) {
	c := newTestCoordinator(&fakeGateway{}, &fakeLedger{}, &fakeStore{bill: pendingBill(1000)}, &fakeNotifications{})

	_, err := c.StartPush(context.Background(), 1, 7, "12345", 500)
	if !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
}

func TestStartPush_RejectedExceedsOutstanding(t *testing.T) {
	c := newTestCoordinator(&fakeGateway{}, &fakeLedger{}, &fakeStore{bill: pendingBill(1000)}, &fakeNotifications{})

	_, err := c.StartPush(context.Background(), 1, 7, "0712345678", 1500)
	if !errors.Is(err, repository.ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment, got %v", err)
	}
}

func TestStartPush_GatewayRejected(t *testing.T) {
	gw := &fakeGateway{initErr: gateway.ErrRejected}
	c := newTestCoordinator(gw, &fakeLedger{}, &fakeStore{bill: pendingBill(1000)}, &fakeNotifications{})

	_, err := c.StartPush(context.Background(), 1, 7, "0712345678", 500)
	if !errors.Is(err, gateway.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}

	snap := c.SessionState(1)
	if snap.State != StateFailed {
		t.Fatalf("state = %s, want %s", snap.State, StateFailed)
	}
}

func TestStartPush_SucceedsAfterPendingPolls(t *testing.T) {
	gw := &fakeGateway{
		initID: "ws_1",
		queryResults: []*gateway.QueryResult{
			{Pending: true},
			{Pending: true},
			{Pending: true},
			{Pending: true},
			{Pending: true},
			{ResultCode: gateway.ResultCodeSuccess, ReceiptCode: "RJX9"},
		},
	}
	l := &fakeLedger{result: &ledger.Result{NewAmountPaidCents: 1000, NewStatus: model.BillStatusCompleted}}
	c := newTestCoordinator(gw, l, &fakeStore{bill: pendingBill(1000)}, &fakeNotifications{})

	snap, err := c.StartPush(context.Background(), 1, 7, "0712345678", 1000)
	if err != nil {
		t.Fatalf("StartPush error: %v", err)
	}
	if snap.State != StateAwaiting {
		t.Fatalf("state = %s, want %s", snap.State, StateAwaiting)
	}
	if snap.RequestID != "ws_1" {
		t.Fatalf("request id = %q, want ws_1", snap.RequestID)
	}

	waitFor(t, 2*time.Second, func() bool {
		return c.SessionState(1).State == StateSucceeded
	})

	if got := l.applyCount(); got != 1 {
		t.Fatalf("ledger applies = %d, want 1", got)
	}
	tender := l.appliedTenders(0)[0]
	if tender.Method != model.TenderMobileMoney || tender.AmountCents != 1000 || tender.ExternalReference != "RJX9" {
		t.Fatalf("unexpected tender: %+v", tender)
	}
}

func TestHandleReport_DuplicateSuccessCommitsOnce(t *testing.T) {
	l := &fakeLedger{}
	c := newTestCoordinator(&fakeGateway{}, l, &fakeStore{bill: pendingBill(1000)}, &fakeNotifications{})

	// Сессия в ожидании подтверждения, как после успешной инициации.
	s := c.getSession(1)
	s.mu.Lock()
	s.state = StateAwaiting
	s.requestID = "ws_1"
	s.operatorID = 7
	s.amountCents = 1000
	s.mu.Unlock()

	report := PollReport{Outcome: OutcomeSucceeded, ReceiptCode: "RJX9"}

	// Успех приходит дважды: из быстрой серии за квитанцией и из
	// запоздавшего такта основного опроса.
	c.HandleReport(1, "ws_1", report)
	c.HandleReport(1, "ws_1", report)

	if got := l.applyCount(); got != 1 {
		t.Fatalf("ledger applies = %d, want exactly 1", got)
	}
	if st := c.SessionState(1).State; st != StateSucceeded {
		t.Fatalf("state = %s, want %s", st, StateSucceeded)
	}
}

func TestHandleReport_CancelledByPayer(t *testing.T) {
	l := &fakeLedger{}
	c := newTestCoordinator(&fakeGateway{}, l, &fakeStore{bill: pendingBill(1000)}, &fakeNotifications{})

	s := c.getSession(1)
	s.mu.Lock()
	s.state = StateAwaiting
	s.requestID = "ws_1"
	s.mu.Unlock()

	c.HandleReport(1, "ws_1", PollReport{
		Outcome:    OutcomeFailed,
		ResultCode: gateway.ResultCodeCancelledByPayer,
		Reason:     gateway.ReasonForCode(gateway.ResultCodeCancelledByPayer),
	})

	snap := c.SessionState(1)
	if snap.State != StateFailed {
		t.Fatalf("state = %s, want %s", snap.State, StateFailed)
	}
	if snap.StatusLine != "payment failed: cancelled by payer" {
		t.Fatalf("status line = %q", snap.StatusLine)
	}
	if l.applyCount() != 0 {
		t.Fatalf("ledger must not be touched on decline")
	}
}

func TestHandleReport_StaleRequestDropped(t *testing.T) {
	l := &fakeLedger{}
	c := newTestCoordinator(&fakeGateway{}, l, &fakeStore{bill: pendingBill(1000)}, &fakeNotifications{})

	s := c.getSession(1)
	s.mu.Lock()
	s.state = StateAwaiting
	s.requestID = "ws_2"
	s.mu.Unlock()

	// Отчёт от заменённой попытки не должен влиять на новую.
	c.HandleReport(1, "ws_1", PollReport{Outcome: OutcomeSucceeded, ReceiptCode: "OLD"})

	if l.applyCount() != 0 {
		t.Fatalf("stale report must not commit")
	}
	if st := c.SessionState(1).State; st != StateAwaiting {
		t.Fatalf("state = %s, want %s", st, StateAwaiting)
	}
}

func TestStartPush_CancelAndReplace(t *testing.T) {
	gw := &fakeGateway{initID: "ws_1"}
	c := newTestCoordinator(gw, &fakeLedger{}, &fakeStore{bill: pendingBill(1000)}, &fakeNotifications{})

	if _, err := c.StartPush(context.Background(), 1, 7, "0712345678", 500); err != nil {
		t.Fatalf("first StartPush error: %v", err)
	}
	firstHandle := c.getSession(1).poll

	gw.initID = "ws_2"
	if _, err := c.StartPush(context.Background(), 1, 7, "0712345678", 500); err != nil {
		t.Fatalf("second StartPush error: %v", err)
	}

	select {
	case <-firstHandle.Done():
	case <-time.After(time.Second):
		t.Fatalf("replaced poller did not stop")
	}

	if snap := c.SessionState(1); snap.RequestID != "ws_2" {
		t.Fatalf("request id = %q, want ws_2", snap.RequestID)
	}

	c.Cancel(1)
}

func TestCancel_StopsPollerWithoutLedgerEffect(t *testing.T) {
	gw := &fakeGateway{initID: "ws_1"}
	l := &fakeLedger{}
	c := newTestCoordinator(gw, l, &fakeStore{bill: pendingBill(1000)}, &fakeNotifications{})

	if _, err := c.StartPush(context.Background(), 1, 7, "0712345678", 500); err != nil {
		t.Fatalf("StartPush error: %v", err)
	}
	handle := c.getSession(1).poll

	c.Cancel(1)

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatalf("cancelled poller did not stop")
	}

	snap := c.SessionState(1)
	if snap.State != StateIdle {
		t.Fatalf("state = %s, want %s", snap.State, StateIdle)
	}
	if l.applyCount() != 0 {
		t.Fatalf("cancel must not touch the ledger")
	}
}

func TestAddTender_NonCashCannotExceedOutstanding(t *testing.T) {
	c := newTestCoordinator(&fakeGateway{}, &fakeLedger{}, &fakeStore{bill: pendingBill(1000)}, &fakeNotifications{})

	if _, err := c.AddTender(context.Background(), 1, 7, model.TenderCard, 600, ""); err != nil {
		t.Fatalf("AddTender error: %v", err)
	}

	_, err := c.AddTender(context.Background(), 1, 7, model.TenderCard, 500, "")
	if !errors.Is(err, repository.ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment, got %v", err)
	}

	// Наличные могут превышать остаток: излишек вернётся сдачей.
	snap, err := c.AddTender(context.Background(), 1, 7, model.TenderCash, 500, "")
	if err != nil {
		t.Fatalf("cash AddTender error: %v", err)
	}
	if snap.StagedCents != 1100 {
		t.Fatalf("staged total = %d, want 1100", snap.StagedCents)
	}
}

func TestConfirmCheckout_AppliesStagedAndClears(t *testing.T) {
	l := &fakeLedger{result: &ledger.Result{NewAmountPaidCents: 1000, NewStatus: model.BillStatusCompleted}}
	c := newTestCoordinator(&fakeGateway{}, l, &fakeStore{bill: pendingBill(1000)}, &fakeNotifications{})

	if _, err := c.AddTender(context.Background(), 1, 7, model.TenderCash, 400, ""); err != nil {
		t.Fatalf("AddTender error: %v", err)
	}
	if _, err := c.AddTender(context.Background(), 1, 7, model.TenderCard, 600, "AUTH77"); err != nil {
		t.Fatalf("AddTender error: %v", err)
	}

	res, err := c.ConfirmCheckout(context.Background(), 1, 7)
	if err != nil {
		t.Fatalf("ConfirmCheckout error: %v", err)
	}
	if res.NewStatus != model.BillStatusCompleted {
		t.Fatalf("status = %s, want %s", res.NewStatus, model.BillStatusCompleted)
	}

	if got := l.applyCount(); got != 1 {
		t.Fatalf("ledger applies = %d, want 1", got)
	}
	if len(l.appliedTenders(0)) != 2 {
		t.Fatalf("tenders applied = %d, want 2", len(l.appliedTenders(0)))
	}
	if snap := c.SessionState(1); snap.StagedCents != 0 {
		t.Fatalf("staged not cleared: %d", snap.StagedCents)
	}
}

func TestConfirmCheckout_EmptyStaged(t *testing.T) {
	c := newTestCoordinator(&fakeGateway{}, &fakeLedger{}, &fakeStore{bill: pendingBill(1000)}, &fakeNotifications{})

	_, err := c.ConfirmCheckout(context.Background(), 1, 7)
	if !errors.Is(err, ledger.ErrNoTenders) {
		t.Fatalf("expected ErrNoTenders, got %v", err)
	}
}

func TestManualReceipt_CommitsOnce(t *testing.T) {
	l := &fakeLedger{}
	c := newTestCoordinator(&fakeGateway{}, l, &fakeStore{bill: pendingBill(1000)}, &fakeNotifications{})

	snap, err := c.ManualReceipt(context.Background(), 1, 7, "QX123", 1000)
	if err != nil {
		t.Fatalf("ManualReceipt error: %v", err)
	}
	if snap.State != StateSucceeded {
		t.Fatalf("state = %s, want %s", snap.State, StateSucceeded)
	}

	_, err = c.ManualReceipt(context.Background(), 1, 7, "QX123", 1000)
	if !errors.Is(err, ErrAlreadyCommitted) {
		t.Fatalf("expected ErrAlreadyCommitted, got %v", err)
	}

	if got := l.applyCount(); got != 1 {
		t.Fatalf("ledger applies = %d, want 1", got)
	}
	if ref := l.appliedTenders(0)[0].ExternalReference; ref != "QX123" {
		t.Fatalf("reference = %q, want QX123", ref)
	}
}

func TestSelectNotification_AppliesAndMarks(t *testing.T) {
	l := &fakeLedger{}
	n := &fakeNotifications{
		notification: &model.InboundNotification{
			ID:                    3,
			ExternalTransactionID: "TX900",
			AmountCents:           700,
		},
	}
	c := newTestCoordinator(&fakeGateway{}, l, &fakeStore{bill: pendingBill(1000)}, n)

	_, err := c.SelectNotification(context.Background(), 1, 7, 3)
	if err != nil {
		t.Fatalf("SelectNotification error: %v", err)
	}

	tender := l.appliedTenders(0)[0]
	if tender.ExternalReference != "TX900" || tender.NotificationID != 3 || tender.AmountCents != 700 {
		t.Fatalf("unexpected tender: %+v", tender)
	}
	if len(n.marked) != 1 || n.marked[0] != 3 {
		t.Fatalf("notification not marked: %+v", n.marked)
	}
}

func TestSelectNotification_AlreadyConsumed(t *testing.T) {
	l := &fakeLedger{}
	n := &fakeNotifications{
		notification: &model.InboundNotification{ID: 3, Consumed: true},
	}
	c := newTestCoordinator(&fakeGateway{}, l, &fakeStore{bill: pendingBill(1000)}, n)

	_, err := c.SelectNotification(context.Background(), 1, 7, 3)
	if !errors.Is(err, repository.ErrNotificationConsumed) {
		t.Fatalf("expected ErrNotificationConsumed, got %v", err)
	}
	if l.applyCount() != 0 {
		t.Fatalf("consumed notification must not be applied")
	}
}

func TestSelectNotification_MarkFailureAfterApply(t *testing.T) {
	l := &fakeLedger{}
	n := &fakeNotifications{
		notification: &model.InboundNotification{
			ID:                    3,
			ExternalTransactionID: "TX900",
			AmountCents:           700,
		},
		markErr: repository.ErrNotificationConsumed,
	}
	c := newTestCoordinator(&fakeGateway{}, l, &fakeStore{bill: pendingBill(1000)}, n)

	res, err := c.SelectNotification(context.Background(), 1, 7, 3)
	if !errors.Is(err, repository.ErrNotificationConsumed) {
		t.Fatalf("expected ErrNotificationConsumed, got %v", err)
	}
	// Эффект в леджере сохраняется, ошибка видна оператору.
	if res == nil {
		t.Fatalf("applied result must be returned alongside the error")
	}
	if l.applyCount() != 1 {
		t.Fatalf("ledger applies = %d, want 1", l.applyCount())
	}
}
