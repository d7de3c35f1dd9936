// Package gateway предоставляет клиент платёжного шлюза мобильных денег.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// unitCents — шлюз принимает сумму только в целых единицах валюты.
const unitCents = 100

// ErrUnavailable возвращается при сетевой ошибке или ошибке 5xx на стороне шлюза.
var ErrUnavailable = errors.New("payment gateway unavailable")

// ErrRejected возвращается, когда шлюз провалидировал запрос и отклонил его.
var ErrRejected = errors.New("payment gateway rejected request")

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL   string
	shortcode string
	// pushClient повторяет кратковременные сетевые сбои внутри одного
	// логического вызова инициации. Статусные запросы повторов не делают:
	// их сетевые ошибки вызывающая сторона трактует как "ещё в обработке".
	pushClient  *retryablehttp.Client
	queryClient *http.Client
}

// NewClient создаёт клиент шлюза для указанного адреса и короткого кода мерчанта.
func NewClient(baseURL, shortcode string) *Client {
	pushClient := retryablehttp.NewClient()
	pushClient.RetryMax = 2
	pushClient.RetryWaitMin = 500 * time.Millisecond
	pushClient.RetryWaitMax = 2 * time.Second
	pushClient.HTTPClient.Timeout = 5 * time.Second
	pushClient.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		shortcode:  shortcode,
		pushClient: pushClient,
		queryClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (c *Client) resolve(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

type initiateRequest struct {
	Shortcode        string `json:"shortcode"`
	Phone            string `json:"phone"`
	Amount           int64  `json:"amount"`
	AccountReference string `json:"accountReference"`
	TransactionDesc  string `json:"transactionDesc"`
}

type initiateResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Initiate отправляет push-запрос на списание и возвращает идентификатор
// запроса, выданный шлюзом. Сумма в центах округляется вверх до целой единицы.
func (c *Client) Initiate(ctx context.Context, phone string, amountCents int64, accountReference, description string) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("gateway client not configured")
	}
	if amountCents <= 0 {
		return "", fmt.Errorf("%w: amount must be positive", ErrRejected)
	}

	body := initiateRequest{
		Shortcode:        c.shortcode,
		Phone:            phone,
		Amount:           (amountCents + unitCents - 1) / unitCents,
		AccountReference: accountReference,
		TransactionDesc:  description,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal initiate request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.resolve("/api/push"), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.pushClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var result initiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode initiate response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || result.ErrorCode != "" {
		msg := result.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("%w: %s", ErrRejected, msg)
	}

	if result.RequestID == "" {
		return "", fmt.Errorf("%w: empty request id", ErrRejected)
	}

	return result.RequestID, nil
}

// QueryResult описывает ответ шлюза о состоянии одного push-запроса.
type QueryResult struct {
	Pending     bool
	ResultCode  int
	ReceiptCode string
	ResultDesc  string
}

// Succeeded сообщает, завершился ли запрос успешным списанием.
func (r *QueryResult) Succeeded() bool {
	return r != nil && !r.Pending && r.ResultCode == ResultCodeSuccess
}

type queryResponse struct {
	ResultCode  *int   `json:"resultCode"`
	ReceiptCode string `json:"receiptCode"`
	ResultDesc  string `json:"resultDesc"`
}

// Query запрашивает у шлюза состояние push-запроса. Отсутствие окончательного
// результата (204, 404 или ответ без кода) означает, что платёж ещё в обработке.
// Сетевую ошибку вызывающая сторона обязана трактовать так же.
func (c *Client) Query(ctx context.Context, requestID string) (*QueryResult, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("gateway client not configured")
	}

	u := c.resolve("/api/query") + "?requestId=" + url.QueryEscape(requestID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.queryClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return &QueryResult{Pending: true}, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if result.ResultCode == nil {
		return &QueryResult{Pending: true}, nil
	}

	return &QueryResult{
		ResultCode:  *result.ResultCode,
		ReceiptCode: result.ReceiptCode,
		ResultDesc:  result.ResultDesc,
	}, nil
}
