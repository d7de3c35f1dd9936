// Package ledger реализует применение взносов к счетам.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/wanjala/till-system/internal/model"
	"github.com/wanjala/till-system/internal/repository"
)

// ErrNoTenders возвращается при попытке применить пустой набор взносов.
var (
	ErrNoTenders = errors.New("tender list is empty")
	// ErrInvalidAmount возвращается, если сумма взноса не положительна.
	ErrInvalidAmount = errors.New("tender amount must be positive")
	// ErrInvalidMethod возвращается для неизвестного способа оплаты.
	ErrInvalidMethod = errors.New("unknown tender method")
)

// Repository описывает контракт доступа к данным, используемый леджером.
type Repository interface {
	GetBill(ctx context.Context, id int64) (*model.Bill, error)
	ApplyTenders(ctx context.Context, billID, operatorID int64, tenders []model.Tender) (int64, error)
}

// Result описывает итог применения набора взносов к счёту.
type Result struct {
	NewAmountPaidCents int64
	NewStatus          model.BillStatus
	ChangeCents        int64
}

// Ledger применяет взносы к счетам через репозиторий.
type Ledger struct {
	repo Repository
}

// New создаёт леджер поверх указанного репозитория.
func New(repo Repository) *Ledger {
	return &Ledger{repo: repo}
}

// Apply применяет набор взносов к счёту как единое целое. Излишек допустим
// только для завершающего взноса наличными: он урезается до остатка по счёту,
// а разница возвращается как сдача. Любое другое превышение остатка
// отклоняется репозиторием без изменения счёта. Проверка остатка в
// репозитории выполняется по свежему чтению под блокировкой строки, поэтому
// параллельные сессии по одному счёту не теряют обновлений.
func (l *Ledger) Apply(ctx context.Context, billID, operatorID int64, tenders []model.Tender) (*Result, error) {
	if len(tenders) == 0 {
		return nil, ErrNoTenders
	}

	var sum int64
	for _, t := range tenders {
		if t.AmountCents <= 0 {
			return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, t.AmountCents)
		}
		if !model.ValidTenderMethod(t.Method) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidMethod, t.Method)
		}
		sum += t.AmountCents
	}

	bill, err := l.repo.GetBill(ctx, billID)
	if err != nil {
		return nil, err
	}

	toApply := make([]model.Tender, len(tenders))
	copy(toApply, tenders)

	var change int64
	outstanding := bill.TotalCents - bill.AmountPaidCents
	if sum > outstanding {
		excess := sum - outstanding
		last := &toApply[len(toApply)-1]
		if last.Method != model.TenderCash || last.AmountCents <= excess {
			return nil, repository.ErrOverpayment
		}
		last.AmountCents -= excess
		change = excess
	}

	newPaid, err := l.repo.ApplyTenders(ctx, billID, operatorID, toApply)
	if err != nil {
		return nil, err
	}

	return &Result{
		NewAmountPaidCents: newPaid,
		NewStatus:          model.StatusFor(newPaid, bill.TotalCents),
		ChangeCents:        change,
	}, nil
}
