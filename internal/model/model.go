// Package model содержит доменные сущности сервиса приёма платежей.
package model

import "time"

// Operator представляет кассира или администратора, работающего с системой.
type Operator struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// BillStatus описывает статус оплаты счёта.
type BillStatus string

const (
	BillStatusPending   BillStatus = "PENDING"
	BillStatusPartial   BillStatus = "PARTIAL"
	BillStatusCompleted BillStatus = "COMPLETED"
)

// Bill описывает счёт на оплату: продажу, бронирование или инвойс.
type Bill struct {
	ID                int64
	TotalCents        int64
	AmountPaidCents   int64
	Status            BillStatus
	LastPaymentMethod *TenderMethod
	LastPaymentAt     *time.Time
	CreatedAt         time.Time
}

// OutstandingCents возвращает остаток к оплате по счёту.
func (b *Bill) OutstandingCents() int64 {
	rest := b.TotalCents - b.AmountPaidCents
	if rest < 0 {
		return 0
	}
	return rest
}

// StatusFor вычисляет статус счёта из соотношения оплаченного и общей суммы.
func StatusFor(paidCents, totalCents int64) BillStatus {
	switch {
	case paidCents >= totalCents:
		return BillStatusCompleted
	case paidCents > 0:
		return BillStatusPartial
	default:
		return BillStatusPending
	}
}

// TenderMethod описывает способ оплаты одного взноса по счёту.
type TenderMethod string

const (
	TenderCash         TenderMethod = "CASH"
	TenderCard         TenderMethod = "CARD"
	TenderMobileMoney  TenderMethod = "MOBILE_MONEY"
	TenderBankTransfer TenderMethod = "BANK_TRANSFER"
	TenderCredit       TenderMethod = "CREDIT"
	TenderOther        TenderMethod = "OTHER"
)

// ValidTenderMethod проверяет, что способ оплаты известен системе.
func ValidTenderMethod(m TenderMethod) bool {
	switch m {
	case TenderCash, TenderCard, TenderMobileMoney, TenderBankTransfer, TenderCredit, TenderOther:
		return true
	}
	return false
}

// Tender описывает один взнос одним платёжным инструментом в рамках кассовой сессии.
type Tender struct {
	Method            TenderMethod
	AmountCents       int64
	ExternalReference string
	// NotificationID заполняется, когда источником взноса служит входящее
	// C2B-уведомление, выбранное оператором.
	NotificationID int64
}

// RequestState описывает состояние исходящего запроса на мобильный платёж.
type RequestState string

const (
	RequestStateCreated   RequestState = "CREATED"
	RequestStateAwaiting  RequestState = "AWAITING_CONFIRMATION"
	RequestStateSucceeded RequestState = "SUCCEEDED"
	RequestStateFailed    RequestState = "FAILED"
	RequestStateTimedOut  RequestState = "TIMED_OUT"
)

// PaymentRequest описывает одну попытку push-списания через платёжный шлюз.
// Идентификатор выдаёт шлюз в ответ на запрос инициации, ровно один раз.
type PaymentRequest struct {
	ID               string
	BillID           int64
	Phone            string
	AmountCents      int64
	AccountReference string
	State            RequestState
	ReceiptCode      string
	CreatedAt        time.Time
}

// InboundNotification описывает платёж, о котором шлюз сообщил без
// предшествующего исходящего запроса (плательщик инициировал оплату сам).
type InboundNotification struct {
	ID                    int64
	ExternalTransactionID string
	AmountCents           int64
	PayerMSISDN           string
	PayerName             string
	Consumed              bool
	// Extras хранит необязательные поля конкретного поставщика уведомлений.
	Extras     map[string]string
	ReceivedAt time.Time
}
