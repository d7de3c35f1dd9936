package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wanjala/till-system/internal/gateway"
)

func collectReports(reports *[]PollReport, mu *sync.Mutex) func(PollReport) {
	return func(r PollReport) {
		mu.Lock()
		defer mu.Unlock()
		*reports = append(*reports, r)
	}
}

func TestPoller_TimeoutAfterMaxAttempts(t *testing.T) {
	gw := &fakeGateway{}

	p := &poller{
		gw:          gw,
		requestID:   "ws_1",
		interval:    5 * time.Millisecond,
		maxAttempts: 3,
		logger:      zap.NewNop(),
	}

	var (
		mu      sync.Mutex
		reports []PollReport
	)
	handle := p.start(context.Background(), collectReports(&reports, &mu))

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatalf("poller did not stop")
	}

	if got := gw.queryCount(); got != 3 {
		t.Fatalf("queries = %d, want exactly 3", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	if reports[0].Outcome != OutcomeTimedOut {
		t.Fatalf("outcome = %s, want %s", reports[0].Outcome, OutcomeTimedOut)
	}
}

func TestPoller_TransportErrorIsPending(t *testing.T) {
	gw := &fakeGateway{queryErr: errors.New("connection refused")}

	p := &poller{
		gw:          gw,
		requestID:   "ws_1",
		interval:    5 * time.Millisecond,
		maxAttempts: 2,
		logger:      zap.NewNop(),
	}

	var (
		mu      sync.Mutex
		reports []PollReport
	)
	handle := p.start(context.Background(), collectReports(&reports, &mu))

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatalf("poller did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	// Сетевые сбои не превращаются в отказ: исход — таймаут, не Failed.
	if len(reports) != 1 || reports[0].Outcome != OutcomeTimedOut {
		t.Fatalf("unexpected reports: %+v", reports)
	}
}

func TestPoller_ReceiptSubRetry(t *testing.T) {
	gw := &fakeGateway{
		queryResults: []*gateway.QueryResult{
			{ResultCode: gateway.ResultCodeSuccess},
			{ResultCode: gateway.ResultCodeSuccess},
			{ResultCode: gateway.ResultCodeSuccess, ReceiptCode: "RJX9"},
		},
	}

	p := &poller{
		gw:          gw,
		requestID:   "ws_1",
		interval:    10 * time.Millisecond,
		maxAttempts: 24,
		logger:      zap.NewNop(),
	}

	var (
		mu      sync.Mutex
		reports []PollReport
	)
	handle := p.start(context.Background(), collectReports(&reports, &mu))

	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("poller did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	if reports[0].Outcome != OutcomeSucceeded {
		t.Fatalf("outcome = %s, want %s", reports[0].Outcome, OutcomeSucceeded)
	}
	if reports[0].ReceiptCode != "RJX9" {
		t.Fatalf("receipt = %q, want RJX9 from sub-retry", reports[0].ReceiptCode)
	}
}

func TestPoller_SyntheticReceiptFallback(t *testing.T) {
	// Шлюз подтверждает успех, но код квитанции так и не появляется.
	gw := &fakeGateway{
		queryResults: []*gateway.QueryResult{
			{ResultCode: gateway.ResultCodeSuccess},
		},
	}

	p := &poller{
		gw:          gw,
		requestID:   "ws_1",
		interval:    10 * time.Millisecond,
		maxAttempts: 24,
		logger:      zap.NewNop(),
	}

	var (
		mu      sync.Mutex
		reports []PollReport
	)
	handle := p.start(context.Background(), collectReports(&reports, &mu))

	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("poller did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 1 || reports[0].Outcome != OutcomeSucceeded {
		t.Fatalf("unexpected reports: %+v", reports)
	}
	if reports[0].ReceiptCode != "PUSH-ws_1" {
		t.Fatalf("receipt = %q, want synthetic PUSH-ws_1", reports[0].ReceiptCode)
	}
}

func TestPoller_CancelSuppressesReport(t *testing.T) {
	gw := &fakeGateway{}

	p := &poller{
		gw:          gw,
		requestID:   "ws_1",
		interval:    5 * time.Millisecond,
		maxAttempts: 1000,
		logger:      zap.NewNop(),
	}

	var (
		mu      sync.Mutex
		reports []PollReport
	)
	handle := p.start(context.Background(), collectReports(&reports, &mu))

	time.Sleep(20 * time.Millisecond)
	handle.Cancel()

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatalf("cancelled poller did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 0 {
		t.Fatalf("cancelled poller must not report, got %+v", reports)
	}
}
