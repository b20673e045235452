package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fraterny/quest-backend/internal/pkg/httpx"
	"github.com/fraterny/quest-backend/internal/platform/ctxutil"
	"github.com/fraterny/quest-backend/internal/platform/envutil"
	"github.com/fraterny/quest-backend/internal/platform/gateway"
	"github.com/fraterny/quest-backend/internal/platform/logger"
)

const Name = "paypal"

type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	Timeout      time.Duration
	MaxRetries   int
}

func ConfigFromEnv() Config {
	timeoutSec := envutil.Int("PAYPAL_TIMEOUT_SECONDS", 30)
	maxRetries := envutil.Int("PAYPAL_MAX_RETRIES", 3)

	return Config{
		ClientID:     strings.TrimSpace(os.Getenv("PAYPAL_CLIENT_ID")),
		ClientSecret: strings.TrimSpace(os.Getenv("PAYPAL_CLIENT_SECRET")),
		BaseURL:      strings.TrimSpace(os.Getenv("PAYPAL_BASE_URL")),
		Timeout:      time.Duration(timeoutSec) * time.Second,
		MaxRetries:   maxRetries,
	}
}

func NewFromEnv(log *logger.Logger) (gateway.Gateway, error) {
	return New(log, ConfigFromEnv())
}

func New(log *logger.Logger, cfg Config) (gateway.Gateway, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("missing PAYPAL_CLIENT_ID / PAYPAL_CLIENT_SECRET")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api-m.paypal.com"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &client{
		log:        log.With("client", "PayPalClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
	maxRetries int

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func (c *client) Name() string {
	return Name
}

// --- oauth ---

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (c *client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// 60s of slack so a token never expires mid-request.
	if c.accessToken != "" && time.Now().Add(60*time.Second).Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodPost, c.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var tok tokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil {
		return "", fmt.Errorf("paypal: decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("paypal: empty access token")
	}

	c.accessToken = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

// --- checkout orders wire types ---

type orderRequest struct {
	Intent             string         `json:"intent"`
	PurchaseUnits      []purchaseUnit `json:"purchase_units"`
	ApplicationContext *appContext    `json:"application_context,omitempty"`
}

type purchaseUnit struct {
	ReferenceID string      `json:"reference_id,omitempty"`
	Amount      orderAmount `json:"amount"`
}

type orderAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type appContext struct {
	ReturnURL string `json:"return_url,omitempty"`
	CancelURL string `json:"cancel_url,omitempty"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (c *client) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.Charge, error) {
	if c == nil || c.httpClient == nil {
		return nil, fmt.Errorf("paypal client unavailable")
	}
	if req.AmountMinor <= 0 {
		return nil, fmt.Errorf("paypal: amount must be positive")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}

	wire := orderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: req.Receipt,
			Amount: orderAmount{
				CurrencyCode: currency,
				Value:        minorToDecimal(req.AmountMinor),
			},
		}},
	}
	if req.ReturnURL != "" || req.CancelURL != "" {
		wire.ApplicationContext = &appContext{
			ReturnURL: req.ReturnURL,
			CancelURL: req.CancelURL,
		}
	}

	raw, err := c.do(ctx, http.MethodPost, "/v2/checkout/orders", wire)
	if err != nil {
		return nil, err
	}

	var order orderResponse
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, fmt.Errorf("paypal: decode order response: %w", err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("paypal: order response missing id")
	}

	charge := &gateway.Charge{
		OrderID:     order.ID,
		AmountMinor: req.AmountMinor,
		Currency:    currency,
		Status:      order.Status,
	}
	for _, link := range order.Links {
		if link.Rel == "approve" {
			charge.ApprovalURL = link.Href
			break
		}
	}
	return charge, nil
}

// VerifySignature is not supported: PayPal has no client-side signature
// scheme, completion proof comes from the server-side capture instead.
func (c *client) VerifySignature(in gateway.VerifyInput) error {
	return gateway.ErrNotSupported
}

func (c *client) Capture(ctx context.Context, in gateway.CaptureInput) (*gateway.CaptureResult, error) {
	if in.OrderID == "" {
		return nil, fmt.Errorf("paypal: order id required")
	}

	raw, err := c.do(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(in.OrderID)+"/capture", struct{}{})
	if err != nil {
		return nil, err
	}

	var order orderResponse
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, fmt.Errorf("paypal: decode capture response: %w", err)
	}
	if !strings.EqualFold(order.Status, "COMPLETED") {
		return nil, fmt.Errorf("paypal: capture status %q", order.Status)
	}

	result := &gateway.CaptureResult{Status: order.Status}
	for _, pu := range order.PurchaseUnits {
		if len(pu.Payments.Captures) > 0 {
			result.PaymentID = pu.Payments.Captures[0].ID
			break
		}
	}
	return result, nil
}

func minorToDecimal(amountMinor int64) string {
	return fmt.Sprintf("%d.%02d", amountMinor/100, amountMinor%100)
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "paypal: <nil error>"
	}
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = "<empty body>"
	}
	if len(msg) > 4000 {
		msg = msg[:4000] + "..."
	}
	return fmt.Sprintf("paypal http %d: %s", e.StatusCode, msg)
}

func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (c *client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			return raw, nil
		}

		if !httpx.IsRetryableError(err) || attempt == c.maxRetries {
			return nil, err
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 10*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("PayPal request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		time.Sleep(sleepFor)
		backoff *= 2
	}

	return nil, errors.New("unreachable retry loop")
}

func (c *client) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, nil, err
	}

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), method, c.cfg.BaseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	return resp, raw, nil
}
