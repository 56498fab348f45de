package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"storefront-service/internal/models"
	"storefront-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	inquiryPath        = "/api/merchant/v2/inquiry"
	paymentMethodsPath = "/api/merchant/paymentmethod/getpaymentmethod"

	statusSuccess      = "00"
	fallbackPhone      = "08123456789"
	maxErrorBodyLength = 512
)

// Config holds the merchant account and endpoints of the payment provider
type Config struct {
	MerchantCode  string
	APIKey        string
	BaseURL       string
	CallbackURL   string
	ReturnURL     string
	ExpiryMinutes int
	Timeout       time.Duration
	Amounts       AmountPolicy
}

// Client talks to the payment provider's merchant API
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	now    func() time.Time
}

// LineItem is the item view sent along with a payment session
type LineItem struct {
	Name     string
	Price    decimal.Decimal
	Quantity int
}

// Session is a payment session opened at the provider
type Session struct {
	PaymentURL  string `json:"paymentUrl"`
	Reference   string `json:"reference"`
	PaymentCode string `json:"paymentCode"`
	Amount      int64  `json:"amount"`
}

// PaymentMethod is one entry of the provider's method list
type PaymentMethod struct {
	PaymentMethod string      `json:"paymentMethod"`
	PaymentName   string      `json:"paymentName"`
	PaymentImage  string      `json:"paymentImage"`
	TotalFee      json.Number `json:"totalFee"`
}

// CallbackPayload is the result notification posted by the provider. It
// arrives form-encoded in production and as JSON from test tooling.
type CallbackPayload struct {
	MerchantCode    string      `json:"merchantCode" form:"merchantCode"`
	Amount          json.Number `json:"amount" form:"amount"`
	MerchantOrderID string      `json:"merchantOrderId" form:"merchantOrderId"`
	ResultCode      string      `json:"resultCode" form:"resultCode"`
	Reference       string      `json:"reference" form:"reference"`
	PaymentCode     string      `json:"paymentCode" form:"paymentCode"`
	Signature       string      `json:"signature" form:"signature"`
}

type inquiryRequest struct {
	MerchantCode     string `json:"merchantCode"`
	PaymentAmount    int64  `json:"paymentAmount"`
	PaymentMethod    string `json:"paymentMethod"`
	MerchantOrderID  string `json:"merchantOrderId"`
	ProductDetails   string `json:"productDetails"`
	AdditionalParam  string `json:"additionalParam"`
	MerchantUserInfo string `json:"merchantUserInfo"`
	CustomerVaName   string `json:"customerVaName"`
	Email            string `json:"email"`
	PhoneNumber      string `json:"phoneNumber"`
	CallbackURL      string `json:"callbackUrl"`
	ReturnURL        string `json:"returnUrl"`
	ExpiryPeriod     int    `json:"expiryPeriod"`
	Signature        string `json:"signature"`
}

type inquiryResponse struct {
	MerchantCode  string `json:"merchantCode"`
	Reference     string `json:"reference"`
	PaymentURL    string `json:"paymentUrl"`
	PaymentCode   string `json:"paymentCode"`
	StatusCode    string `json:"statusCode"`
	StatusMessage string `json:"statusMessage"`
	Message       string `json:"Message"`
}

type paymentMethodsRequest struct {
	MerchantCode string `json:"merchantCode"`
	Amount       int64  `json:"amount"`
	Datetime     string `json:"datetime"`
	Signature    string `json:"signature"`
}

type paymentMethodsResponse struct {
	PaymentFee      []PaymentMethod `json:"paymentFee"`
	ResponseCode    string          `json:"responseCode"`
	ResponseMessage string          `json:"responseMessage"`
}

// NewClient creates a gateway client. A zero Timeout falls back to 10s.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ExpiryMinutes <= 0 {
		cfg.ExpiryMinutes = 1440
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: util.Named("gateway"),
		now:    time.Now,
	}
}

// SettlementAmount converts an order total into the amount charged
func (c *Client) SettlementAmount(total decimal.Decimal) int64 {
	return c.cfg.Amounts.Normalize(total)
}

// RequestPaymentSession opens a payment session for the order
func (c *Client) RequestPaymentSession(ctx context.Context, order *models.Order, user *models.User, items []LineItem, paymentMethod string) (*Session, error) {
	ctx, span := util.StartSpan(ctx, "Gateway.RequestPaymentSession")
	defer span.End()

	start := time.Now()
	defer func() {
		util.PaymentGatewayLatency.WithLabelValues("inquiry").Observe(time.Since(start).Seconds())
	}()

	amount := c.SettlementAmount(order.FinalTotal)
	if !order.FinalTotal.Equal(decimal.NewFromInt(amount)) {
		c.logger.Info("Normalized payment amount",
			zap.String("order_number", order.OrderNumber),
			zap.String("final_total", order.FinalTotal.StringFixed(2)),
			zap.Int64("amount", amount))
	}

	payload := inquiryRequest{
		MerchantCode:     c.cfg.MerchantCode,
		PaymentAmount:    amount,
		PaymentMethod:    paymentMethod,
		MerchantOrderID:  order.OrderNumber,
		ProductDetails:   productDetails(order.OrderNumber, items),
		MerchantUserInfo: user.Username,
		CustomerVaName:   user.FullName,
		Email:            user.Email,
		PhoneNumber:      user.Phone,
		CallbackURL:      c.cfg.CallbackURL,
		ReturnURL:        c.cfg.ReturnURL,
		ExpiryPeriod:     c.cfg.ExpiryMinutes,
		Signature:        InquirySignature(c.cfg.MerchantCode, order.OrderNumber, amount, c.cfg.APIKey),
	}
	if payload.PhoneNumber == "" {
		payload.PhoneNumber = fallbackPhone
	}

	var resp inquiryResponse
	status, err := c.post(ctx, inquiryPath, payload, &resp)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	if resp.StatusCode != statusSuccess {
		msg := firstNonEmpty(resp.StatusMessage, resp.Message, http.StatusText(status), "Unknown Error")
		c.logger.Error("Payment gateway rejected inquiry",
			zap.String("order_number", order.OrderNumber),
			zap.Int("http_status", status),
			zap.String("status_code", resp.StatusCode),
			zap.String("message", msg))
		gwErr := &GatewayError{StatusCode: status, Code: resp.StatusCode, Message: msg}
		util.RecordError(span, gwErr)
		return nil, gwErr
	}

	return &Session{
		PaymentURL:  resp.PaymentURL,
		Reference:   resp.Reference,
		PaymentCode: resp.PaymentCode,
		Amount:      amount,
	}, nil
}

// ListPaymentMethods asks the provider which methods are available for an
// amount. The list is advisory: every failure yields an empty list.
func (c *Client) ListPaymentMethods(ctx context.Context, amount int64) []PaymentMethod {
	ctx, span := util.StartSpan(ctx, "Gateway.ListPaymentMethods")
	defer span.End()

	start := time.Now()
	defer func() {
		util.PaymentGatewayLatency.WithLabelValues("payment_methods").Observe(time.Since(start).Seconds())
	}()

	now := c.now()
	payload := paymentMethodsRequest{
		MerchantCode: c.cfg.MerchantCode,
		Amount:       amount,
		Datetime:     now.Format(DatetimeLayout),
		Signature:    PaymentMethodsSignature(c.cfg.MerchantCode, amount, now, c.cfg.APIKey),
	}

	var resp paymentMethodsResponse
	if _, err := c.post(ctx, paymentMethodsPath, payload, &resp); err != nil {
		c.logger.Warn("Failed to fetch payment methods", zap.Int64("amount", amount), zap.Error(err))
		return []PaymentMethod{}
	}

	if resp.ResponseCode != "" && resp.ResponseCode != statusSuccess {
		c.logger.Warn("Payment gateway rejected method listing",
			zap.String("response_code", resp.ResponseCode),
			zap.String("message", resp.ResponseMessage))
		return []PaymentMethod{}
	}

	if resp.PaymentFee == nil {
		return []PaymentMethod{}
	}
	return resp.PaymentFee
}

// ValidateCallback checks the signature of a result callback against the
// configured merchant credentials.
func (c *Client) ValidateCallback(p *CallbackPayload) bool {
	if p == nil || p.Signature == "" {
		return false
	}
	expected := CallbackSignature(c.cfg.MerchantCode, p.Amount.String(), p.MerchantOrderID, c.cfg.APIKey)
	return signaturesEqual(expected, p.Signature)
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &GatewayError{Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, &GatewayError{StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > maxErrorBodyLength {
			msg = msg[:maxErrorBodyLength]
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, &GatewayError{StatusCode: resp.StatusCode, Message: msg, Err: err}
	}

	return resp.StatusCode, nil
}

func productDetails(orderNumber string, items []LineItem) string {
	if len(items) == 0 {
		return "Payment for Order " + orderNumber
	}

	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprintf("%dx %s", item.Quantity, item.Name))
	}
	return fmt.Sprintf("Payment for Order %s: %s", orderNumber, strings.Join(parts, ", "))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
