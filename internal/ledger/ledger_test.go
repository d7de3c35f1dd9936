package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/wanjala/till-system/internal/model"
	"github.com/wanjala/till-system/internal/repository"
)

type stubRepo struct {
	bill    model.Bill
	billErr error

	applied [][]model.Tender
}

func (s *stubRepo) GetBill(ctx context.Context, id int64) (*model.Bill, error) {
	if s.billErr != nil {
		return nil, s.billErr
	}
	b := s.bill
	return &b, nil
}

func (s *stubRepo) ApplyTenders(ctx context.Context, billID, operatorID int64, tenders []model.Tender) (int64, error) {
	var sum int64
	for _, t := range tenders {
		sum += t.AmountCents
	}

	// Авторитетная проверка остатка, как в хранилище.
	if sum > s.bill.TotalCents-s.bill.AmountPaidCents {
		return 0, repository.ErrOverpayment
	}

	s.applied = append(s.applied, tenders)
	s.bill.AmountPaidCents += sum
	s.bill.Status = model.StatusFor(s.bill.AmountPaidCents, s.bill.TotalCents)
	return s.bill.AmountPaidCents, nil
}

func TestApply_Validation(t *testing.T) {
	l := New(&stubRepo{bill: model.Bill{ID: 1, TotalCents: 1000}})

	tests := []struct {
		name    string
		tenders []model.Tender
		wantErr error
	}{
		{name: "empty", tenders: nil, wantErr: ErrNoTenders},
		{name: "zero amount", tenders: []model.Tender{{Method: model.TenderCash}}, wantErr: ErrInvalidAmount},
		{name: "negative amount", tenders: []model.Tender{{Method: model.TenderCash, AmountCents: -5}}, wantErr: ErrInvalidAmount},
		{name: "unknown method", tenders: []model.Tender{{Method: "IOU", AmountCents: 100}}, wantErr: ErrInvalidMethod},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Apply(context.Background(), 1, 7, tt.tenders)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestApply_SplitPaymentScenario(t *testing.T) {
	repo := &stubRepo{bill: model.Bill{ID: 1, TotalCents: 1000, Status: model.BillStatusPending}}
	l := New(repo)

	res, err := l.Apply(context.Background(), 1, 7, []model.Tender{
		{Method: model.TenderCash, AmountCents: 400},
	})
	if err != nil {
		t.Fatalf("first apply error: %v", err)
	}
	if res.NewAmountPaidCents != 400 || res.NewStatus != model.BillStatusPartial {
		t.Fatalf("after cash: paid=%d status=%s", res.NewAmountPaidCents, res.NewStatus)
	}

	res, err = l.Apply(context.Background(), 1, 7, []model.Tender{
		{Method: model.TenderMobileMoney, AmountCents: 600, ExternalReference: "QX123"},
	})
	if err != nil {
		t.Fatalf("second apply error: %v", err)
	}
	if res.NewAmountPaidCents != 1000 || res.NewStatus != model.BillStatusCompleted {
		t.Fatalf("after mobile: paid=%d status=%s", res.NewAmountPaidCents, res.NewStatus)
	}

	// Полностью оплаченный счёт не принимает даже минимальный взнос.
	_, err = l.Apply(context.Background(), 1, 7, []model.Tender{
		{Method: model.TenderCash, AmountCents: 1},
	})
	if !errors.Is(err, repository.ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment, got %v", err)
	}
	if repo.bill.AmountPaidCents != 1000 {
		t.Fatalf("rejected apply must not mutate the bill, paid=%d", repo.bill.AmountPaidCents)
	}
}

func TestApply_CashOverpayGivesChange(t *testing.T) {
	repo := &stubRepo{bill: model.Bill{ID: 1, TotalCents: 1000}}
	l := New(repo)

	res, err := l.Apply(context.Background(), 1, 7, []model.Tender{
		{Method: model.TenderCash, AmountCents: 1200},
	})
	if err != nil {
		t.Fatalf("apply error: %v", err)
	}
	if res.ChangeCents != 200 {
		t.Fatalf("change = %d, want 200", res.ChangeCents)
	}
	if res.NewAmountPaidCents != 1000 || res.NewStatus != model.BillStatusCompleted {
		t.Fatalf("paid=%d status=%s", res.NewAmountPaidCents, res.NewStatus)
	}

	// В истории фиксируется урезанная сумма, сдача не персистится.
	if got := repo.applied[0][0].AmountCents; got != 1000 {
		t.Fatalf("persisted amount = %d, want 1000", got)
	}
}

func TestApply_NonCashOverpayRejected(t *testing.T) {
	repo := &stubRepo{bill: model.Bill{ID: 1, TotalCents: 1000, AmountPaidCents: 600, Status: model.BillStatusPartial}}
	l := New(repo)

	_, err := l.Apply(context.Background(), 1, 7, []model.Tender{
		{Method: model.TenderCard, AmountCents: 500},
	})
	if !errors.Is(err, repository.ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment, got %v", err)
	}
	if len(repo.applied) != 0 {
		t.Fatalf("rejected apply must not reach the store")
	}
}

func TestApply_MixedTendersSingleCall(t *testing.T) {
	repo := &stubRepo{bill: model.Bill{ID: 1, TotalCents: 1000}}
	l := New(repo)

	res, err := l.Apply(context.Background(), 1, 7, []model.Tender{
		{Method: model.TenderCard, AmountCents: 300, ExternalReference: "AUTH77"},
		{Method: model.TenderCash, AmountCents: 900},
	})
	if err != nil {
		t.Fatalf("apply error: %v", err)
	}
	if res.ChangeCents != 200 {
		t.Fatalf("change = %d, want 200", res.ChangeCents)
	}

	// Оба взноса попадают в хранилище одним атомарным вызовом.
	if len(repo.applied) != 1 || len(repo.applied[0]) != 2 {
		t.Fatalf("unexpected store calls: %+v", repo.applied)
	}
}

func TestApply_DoesNotMutateCallerTenders(t *testing.T) {
	repo := &stubRepo{bill: model.Bill{ID: 1, TotalCents: 1000}}
	l := New(repo)

	tenders := []model.Tender{{Method: model.TenderCash, AmountCents: 1500}}
	if _, err := l.Apply(context.Background(), 1, 7, tenders); err != nil {
		t.Fatalf("apply error: %v", err)
	}

	if tenders[0].AmountCents != 1500 {
		t.Fatalf("caller tender mutated: %d", tenders[0].AmountCents)
	}
}
