// Package settlement реализует кассовую сессию: push-запрос, опрос шлюза
// и фиксацию платежа в леджере не более одного раза за сессию.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/wanjala/till-system/internal/gateway"
)

const (
	// receiptRetryAttempts — число дополнительных быстрых запросов, когда шлюз
	// подтвердил успех, но ещё не приложил код квитанции.
	receiptRetryAttempts = 5
	receiptRetryDivisor  = 5
)

// GatewayClient описывает контракт платёжного шлюза, используемый сессией.
type GatewayClient interface {
	Initiate(ctx context.Context, phone string, amountCents int64, accountReference, description string) (string, error)
	Query(ctx context.Context, requestID string) (*gateway.QueryResult, error)
}

// PollOutcome описывает терминальный исход опроса одного push-запроса.
type PollOutcome string

const (
	OutcomeSucceeded PollOutcome = "SUCCEEDED"
	OutcomeFailed    PollOutcome = "FAILED"
	OutcomeTimedOut  PollOutcome = "TIMED_OUT"
)

// PollReport — единственное терминальное сообщение опроса.
type PollReport struct {
	Outcome     PollOutcome
	ReceiptCode string
	ResultCode  int
	Reason      string
}

// PollHandle позволяет владельцу сессии отменить активный опрос.
// Хранится только внутри сессии, никогда на уровне пакета.
type PollHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel останавливает будущие такты опроса. Уже зафиксированный результат
// не откатывается; фиксация возможна только после терминального отчёта.
func (h *PollHandle) Cancel() {
	if h != nil {
		h.cancel()
	}
}

// Done закрывается после завершения цикла опроса.
func (h *PollHandle) Done() <-chan struct{} {
	if h == nil {
		return nil
	}
	return h.done
}

type poller struct {
	gw          GatewayClient
	requestID   string
	interval    time.Duration
	maxAttempts int
	logger      *zap.Logger
}

// start запускает цикл опроса в отдельной горутине и возвращает ручку отмены.
// report вызывается не более одного раза; отменённый опрос не отчитывается.
func (p *poller) start(ctx context.Context, report func(PollReport)) *PollHandle {
	ctx, cancel := context.WithCancel(ctx)
	handle := &PollHandle{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(handle.done)
		p.run(ctx, report)
	}()

	return handle
}

func (p *poller) run(ctx context.Context, report func(PollReport)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			attempts++

			res, err := p.gw.Query(ctx, p.requestID)
			if err != nil {
				// Сетевой сбой не означает отказ платежа: считаем запрос
				// всё ещё обрабатывающимся и ждём следующего такта.
				p.logger.Debug("gateway query failed, treating as pending",
					zap.String("requestID", p.requestID),
					zap.Error(err),
				)
				res = &gateway.QueryResult{Pending: true}
			}

			switch {
			case res.Pending:
				if attempts >= p.maxAttempts {
					report(PollReport{Outcome: OutcomeTimedOut})
					return
				}
			case res.Succeeded():
				receipt := res.ReceiptCode
				if receipt == "" {
					receipt = p.awaitReceipt(ctx)
				}
				report(PollReport{Outcome: OutcomeSucceeded, ReceiptCode: receipt})
				return
			default:
				report(PollReport{
					Outcome:    OutcomeFailed,
					ResultCode: res.ResultCode,
					Reason:     gateway.ReasonForCode(res.ResultCode),
				})
				return
			}
		}
	}
}

// awaitReceipt делает короткую серию ускоренных запросов за кодом квитанции.
// Если шлюз так и не приложил код, возвращается синтетическая ссылка на
// запрос, чтобы сессия могла завершиться, а аудит указывал на источник.
func (p *poller) awaitReceipt(ctx context.Context) string {
	backoff := retry.WithMaxRetries(receiptRetryAttempts, retry.NewConstant(p.interval/receiptRetryDivisor))

	var receipt string
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := p.gw.Query(ctx, p.requestID)
		if err != nil {
			return retry.RetryableError(err)
		}
		if res.Succeeded() && res.ReceiptCode != "" {
			receipt = res.ReceiptCode
			return nil
		}
		return retry.RetryableError(errors.New("receipt code not attached yet"))
	})
	if err != nil || receipt == "" {
		p.logger.Warn("receipt code missing after sub-retry, using synthetic reference",
			zap.String("requestID", p.requestID),
		)
		return "PUSH-" + p.requestID
	}

	return receipt
}
