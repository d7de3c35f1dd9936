// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/wanjala/till-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOperatorExists возвращается при попытке создать оператора с уже существующим логином.
var (
	ErrOperatorExists = errors.New("operator already exists")
	// ErrOperatorNotFound возвращается, если оператор не найден.
	ErrOperatorNotFound = errors.New("operator not found")
	// ErrBillNotFound возвращается, если счёт не найден.
	ErrBillNotFound = errors.New("bill not found")
	// ErrOverpayment возвращается, когда сумма взносов превышает остаток по счёту.
	ErrOverpayment = errors.New("tenders exceed outstanding balance")
	// ErrNotificationNotFound возвращается, если входящее уведомление не найдено.
	ErrNotificationNotFound = errors.New("inbound notification not found")
	// ErrNotificationConsumed возвращается, если уведомление уже было использовано.
	ErrNotificationConsumed = errors.New("inbound notification already consumed")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure или Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateOperator создаёт нового оператора.
func (r *PostgresRepository) CreateOperator(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO operators (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrOperatorExists, login)
		}
		return 0, fmt.Errorf("create operator: %w", err)
	}
	return id, nil
}

// GetOperatorByLogin возвращает оператора по логину.
func (r *PostgresRepository) GetOperatorByLogin(ctx context.Context, login string) (*model.Operator, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM operators WHERE login = $1`,
		login,
	)

	var op model.Operator
	err := row.Scan(&op.ID, &op.Login, &op.PasswordHash, &op.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOperatorNotFound
		}
		return nil, fmt.Errorf("get operator: %w", err)
	}

	return &op, nil
}

// CreateBill создаёт новый счёт с указанной общей суммой в центах.
func (r *PostgresRepository) CreateBill(ctx context.Context, totalCents int64) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO bills (total_cents, amount_paid_cents, status) VALUES ($1, 0, $2) RETURNING id`,
		totalCents, string(model.BillStatusPending),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create bill: %w", err)
	}
	return id, nil
}

// GetBill возвращает счёт по идентификатору.
func (r *PostgresRepository) GetBill(ctx context.Context, id int64) (*model.Bill, error) {
	return r.getBill(ctx, r.pool, id, false)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PostgresRepository) getBill(ctx context.Context, q queryRower, id int64, forUpdate bool) (*model.Bill, error) {
	sql := `SELECT id, total_cents, amount_paid_cents, status, last_payment_method, last_payment_at, created_at
	        FROM bills WHERE id = $1`
	if forUpdate {
		sql += " FOR UPDATE"
	}

	var (
		b          model.Bill
		status     string
		lastMethod *string
	)
	err := q.QueryRow(ctx, sql, id).Scan(
		&b.ID, &b.TotalCents, &b.AmountPaidCents, &status, &lastMethod, &b.LastPaymentAt, &b.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBillNotFound
		}
		return nil, fmt.Errorf("get bill: %w", err)
	}

	b.Status = model.BillStatus(status)
	if lastMethod != nil {
		m := model.TenderMethod(*lastMethod)
		b.LastPaymentMethod = &m
	}

	return &b, nil
}

// ApplyTenders атомарно применяет набор взносов к счёту: блокирует строку
// счёта, заново проверяет остаток, пишет историю платежей и обновляет счёт
// одним вычисленным изменением. Возвращает новую оплаченную сумму в центах.
func (r *PostgresRepository) ApplyTenders(ctx context.Context, billID, operatorID int64, tenders []model.Tender) (int64, error) {
	var newPaid int64
	err := r.withRetry(ctx, func() error {
		var txErr error
		newPaid, txErr = r.applyTendersTx(ctx, billID, operatorID, tenders)
		return txErr
	})
	return newPaid, err
}

func (r *PostgresRepository) applyTendersTx(ctx context.Context, billID, operatorID int64, tenders []model.Tender) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Блокируем строку счёта: параллельные сессии по одному счёту
	// сериализуются здесь, и проверка остатка читает свежее значение.
	bill, err := r.getBill(ctx, tx, billID, true)
	if err != nil {
		return 0, err
	}

	var sum int64
	for _, t := range tenders {
		sum += t.AmountCents
	}

	if sum > bill.TotalCents-bill.AmountPaidCents {
		return 0, ErrOverpayment
	}

	balance := bill.AmountPaidCents
	now := time.Now()
	for _, t := range tenders {
		var extRef *string
		if t.ExternalReference != "" {
			extRef = &t.ExternalReference
		}
		var notificationID *int64
		if t.NotificationID != 0 {
			notificationID = &t.NotificationID
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO payment_history
			   (bill_id, operator_id, method, amount_cents, external_reference, notification_id, balance_before_cents, balance_after_cents, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			billID, operatorID, string(t.Method), t.AmountCents, extRef, notificationID, balance, balance+t.AmountCents, now,
		)
		if err != nil {
			return 0, fmt.Errorf("insert payment history: %w", err)
		}
		balance += t.AmountCents
	}

	newPaid := bill.AmountPaidCents + sum
	newStatus := model.StatusFor(newPaid, bill.TotalCents)
	lastMethod := string(tenders[len(tenders)-1].Method)

	_, err = tx.Exec(ctx,
		`UPDATE bills
		 SET amount_paid_cents = $2, status = $3, last_payment_method = $4, last_payment_at = $5
		 WHERE id = $1`,
		billID, newPaid, string(newStatus), lastMethod, now,
	)
	if err != nil {
		return 0, fmt.Errorf("update bill: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return newPaid, nil
}

// CreatePaymentRequest сохраняет исходящий push-запрос для аудита.
func (r *PostgresRepository) CreatePaymentRequest(ctx context.Context, pr *model.PaymentRequest) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO payment_requests (id, bill_id, phone, amount_cents, account_reference, state)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		pr.ID, pr.BillID, pr.Phone, pr.AmountCents, pr.AccountReference, string(pr.State),
	)
	if err != nil {
		return fmt.Errorf("insert payment request: %w", err)
	}
	return nil
}

// UpdatePaymentRequestState обновляет состояние push-запроса и код квитанции.
func (r *PostgresRepository) UpdatePaymentRequestState(ctx context.Context, id string, state model.RequestState, receiptCode string) error {
	if receiptCode == "" {
		_, err := r.pool.Exec(ctx,
			`UPDATE payment_requests SET state = $2 WHERE id = $1`,
			id, string(state),
		)
		if err != nil {
			return fmt.Errorf("update payment request: %w", err)
		}
		return nil
	}

	_, err := r.pool.Exec(ctx,
		`UPDATE payment_requests SET state = $2, receipt_code = $3 WHERE id = $1`,
		id, string(state), receiptCode,
	)
	if err != nil {
		return fmt.Errorf("update payment request: %w", err)
	}

	return nil
}

// InsertNotification сохраняет входящее C2B-уведомление. Повторная доставка
// с тем же внешним идентификатором транзакции игнорируется.
func (r *PostgresRepository) InsertNotification(ctx context.Context, n *model.InboundNotification) error {
	var extras []byte
	if len(n.Extras) > 0 {
		var err error
		extras, err = json.Marshal(n.Extras)
		if err != nil {
			return fmt.Errorf("marshal extras: %w", err)
		}
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO inbound_notifications (external_transaction_id, amount_cents, payer_msisdn, payer_name, extras)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (external_transaction_id) DO NOTHING`,
		n.ExternalTransactionID, n.AmountCents, n.PayerMSISDN, n.PayerName, extras,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	return nil
}

// GetNotification возвращает входящее уведомление по идентификатору.
func (r *PostgresRepository) GetNotification(ctx context.Context, id int64) (*model.InboundNotification, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, external_transaction_id, amount_cents, payer_msisdn, payer_name, consumed, extras, received_at
		 FROM inbound_notifications WHERE id = $1`,
		id,
	)

	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotificationNotFound
		}
		return nil, fmt.Errorf("get notification: %w", err)
	}

	return n, nil
}

// ListUnconsumedNotifications возвращает неиспользованные входящие уведомления.
func (r *PostgresRepository) ListUnconsumedNotifications(ctx context.Context, limit int) ([]model.InboundNotification, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, external_transaction_id, amount_cents, payer_msisdn, payer_name, consumed, extras, received_at
		 FROM inbound_notifications
		 WHERE consumed = FALSE
		 ORDER BY received_at
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select notifications: %w", err)
	}
	defer rows.Close()

	var res []model.InboundNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		res = append(res, *n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanNotification(row pgx.Row) (*model.InboundNotification, error) {
	var (
		n      model.InboundNotification
		extras []byte
	)
	if err := row.Scan(
		&n.ID, &n.ExternalTransactionID, &n.AmountCents, &n.PayerMSISDN, &n.PayerName, &n.Consumed, &extras, &n.ReceivedAt,
	); err != nil {
		return nil, err
	}

	if len(extras) > 0 {
		if err := json.Unmarshal(extras, &n.Extras); err != nil {
			return nil, fmt.Errorf("unmarshal extras: %w", err)
		}
	}

	return &n, nil
}

// MarkNotificationConsumed помечает уведомление использованным. Флаг consumed
// переходит из false в true ровно один раз; повторная попытка возвращает
// ErrNotificationConsumed.
func (r *PostgresRepository) MarkNotificationConsumed(ctx context.Context, id int64) error {
	return r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE inbound_notifications SET consumed = TRUE WHERE id = $1 AND consumed = FALSE`,
			id,
		)
		if err != nil {
			return fmt.Errorf("mark notification consumed: %w", err)
		}

		if cmdTag.RowsAffected() == 1 {
			return nil
		}

		var exists bool
		err = r.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM inbound_notifications WHERE id = $1)`,
			id,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check notification: %w", err)
		}

		if !exists {
			return ErrNotificationNotFound
		}
		return ErrNotificationConsumed
	})
}
