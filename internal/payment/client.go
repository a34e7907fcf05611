// Package payment предоставляет клиент платёжного процессора (PayPal Orders v2).
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Amount — денежная сумма в формате процессора: код валюты и строка с двумя знаками.
type Amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

// Unit — позиция заказа, передаваемая процессору. Заполняется только из
// каталога, клиентские значения сюда не попадают.
type Unit struct {
	Name       string `json:"name"`
	Quantity   string `json:"quantity"`
	UnitAmount Amount `json:"unit_amount"`
	Category   string `json:"category"`
}

// OrderRequest описывает создаваемую транзакцию: сумма, позиции и
// ссылочные поля для последующей сверки с заказом.
type OrderRequest struct {
	Amount    Amount
	Items     []Unit
	Digest    string
	InvoiceID string
}

// CaptureResult — результат списания средств по транзакции.
type CaptureResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Client инкапсулирует HTTP-взаимодействие с PayPal.
// Запрос токена может повторяться, создание транзакции — никогда:
// оно не идемпотентно, при сбое заказ компенсируется отменой.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string

	httpClient  *http.Client
	tokenClient *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient создаёт клиент процессора с указанным адресом API и учётными данными.
func NewClient(baseURL, clientID, clientSecret string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil

	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		tokenClient: rc.StandardClient(),
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.tokenClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token status: %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	c.token = tr.AccessToken
	// Минута запаса до фактического истечения токена.
	c.tokenExpiry = time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - time.Minute)

	return c.token, nil
}

type amountBreakdown struct {
	ItemTotal        Amount `json:"item_total"`
	Discount         Amount `json:"discount"`
	Handling         Amount `json:"handling"`
	Insurance        Amount `json:"insurance"`
	ShippingDiscount Amount `json:"shipping_discount"`
	Shipping         Amount `json:"shipping"`
	TaxTotal         Amount `json:"tax_total"`
}

type purchaseUnit struct {
	Amount struct {
		Amount
		Breakdown amountBreakdown `json:"breakdown"`
	} `json:"amount"`
	Items     []Unit `json:"items"`
	CustomID  string `json:"custom_id"`
	InvoiceID string `json:"invoice_id"`
}

type createOrderRequest struct {
	Intent        string         `json:"intent"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
}

type createOrderResponse struct {
	ID string `json:"id"`
}

// CreateOrder открывает транзакцию у процессора и возвращает её идентификатор.
// custom_id несёт digest заказа, invoice_id — его uuid, что позволяет связать
// транзакцию с заказом, не доверяя дальнейшим сообщениям браузера.
func (c *Client) CreateOrder(ctx context.Context, order OrderRequest) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

	zero := Amount{CurrencyCode: order.Amount.CurrencyCode, Value: "0"}

	var unit purchaseUnit
	unit.Amount.Amount = order.Amount
	unit.Amount.Breakdown = amountBreakdown{
		ItemTotal:        order.Amount,
		Discount:         zero,
		Handling:         zero,
		Insurance:        zero,
		ShippingDiscount: zero,
		Shipping:         zero,
		TaxTotal:         zero,
	}
	unit.Items = order.Items
	unit.CustomID = order.Digest
	unit.InvoiceID = order.InvoiceID

	body, err := json.Marshal(createOrderRequest{
		Intent:        "CAPTURE",
		PurchaseUnits: []purchaseUnit{unit},
	})
	if err != nil {
		return "", fmt.Errorf("marshal order request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v2/checkout/orders", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create order request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do order request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("order status %d: %s", resp.StatusCode, msg)
	}

	var result createOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode order response: %w", err)
	}

	if result.ID == "" {
		return "", fmt.Errorf("empty order id in processor response")
	}

	return result.ID, nil
}

// CaptureOrder выполняет списание по открытой транзакции. В обычном потоке
// списание запускает браузер через SDK процессора, метод нужен для полноты
// контракта клиента.
func (c *Client) CaptureOrder(ctx context.Context, id string) (*CaptureResult, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v2/checkout/orders/"+id+"/capture", nil)
	if err != nil {
		return nil, fmt.Errorf("create capture request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do capture request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("capture status: %d", resp.StatusCode)
	}

	var result CaptureResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode capture response: %w", err)
	}

	return &result, nil
}
