package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"chatflow-platform/internal/config"

	"golang.org/x/time/rate"
)

// ErrInvalidEndpoint is a configuration error: the client refuses to exist
// with an endpoint or key that would produce a malformed request.
var ErrInvalidEndpoint = errors.New("gateway: invalid endpoint configuration")

const (
	headerAPIKey     = "apikey"
	maxResponseBytes = 64 << 10
)

// ClientConfig is the subset of configuration the outbound client needs.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RatePerSecond of 0 disables rate limiting.
	RatePerSecond float64

	// HTTPClient is optional; a client with Timeout is built when nil.
	HTTPClient *http.Client
}

// Client sends text messages through the gateway HTTP API:
// POST {base}/message/sendText/{instance} with header apikey and body {number, text}.
//
// It is constructed once at process start and shared; it holds no per-request state.
type Client struct {
	base    *url.URL
	apiKey  string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := config.ValidateBaseURL(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: base url: %v", ErrInvalidEndpoint, err)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidEndpoint)
	}
	if err := config.ValidateToken(cfg.APIKey); err != nil {
		return nil, fmt.Errorf("%w: api key: %v", ErrInvalidEndpoint, err)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	c := &Client{base: base, apiKey: cfg.APIKey, timeout: timeout, http: hc}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return c, nil
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendTextResponse struct {
	Key *struct {
		ID string `json:"id"`
	} `json:"key"`
	Status  string `json:"status"`
	Message any    `json:"message"`
	Error   string `json:"error"`
}

// SendURL builds the outbound endpoint for an instance.
func (c *Client) SendURL(instanceID string) (string, error) {
	if instanceID == "" {
		return "", errors.New("gateway: instance id is required")
	}
	if err := config.ValidateToken(instanceID); err != nil {
		return "", fmt.Errorf("gateway: instance id: %w", err)
	}
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/message/sendText/" + url.PathEscape(instanceID)
	return u.String(), nil
}

// Send performs exactly one attempt. Timeouts and network failures are
// transient; 4xx responses are rejections; 5xx/429 are transient.
func (c *Client) Send(ctx context.Context, instanceID, phone, text string) DeliveryResult {
	endpoint, err := c.SendURL(instanceID)
	if err != nil {
		return DeliveryResult{Status: ResultRejected, Error: err.Error()}
	}
	if phone == "" || text == "" {
		return DeliveryResult{Status: ResultRejected, Error: "gateway: number and text are required"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return DeliveryResult{Status: ResultTransientError, Error: "rate limiter: " + err.Error()}
		}
	}

	body, err := json.Marshal(sendTextRequest{Number: phone, Text: text})
	if err != nil {
		return DeliveryResult{Status: ResultRejected, Error: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return DeliveryResult{Status: ResultRejected, Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAPIKey, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return DeliveryResult{Status: ResultTransientError, Error: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return DeliveryResult{Status: ResultTransientError, HTTPStatus: resp.StatusCode, Error: "read response: " + err.Error()}
	}

	var parsed sendTextResponse
	_ = json.Unmarshal(raw, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// A 2xx without key.id is still accepted: retrying would send twice.
		// It just cannot be reconciled by later status events.
		id := ""
		if parsed.Key != nil {
			id = parsed.Key.ID
		}
		return DeliveryResult{
			Status:            ResultAccepted,
			ProviderMessageID: id,
			ProviderStatus:    parsed.Status,
			HTTPStatus:        resp.StatusCode,
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return DeliveryResult{Status: ResultTransientError, HTTPStatus: resp.StatusCode, Error: summarize(parsed, raw)}
	default:
		return DeliveryResult{Status: ResultRejected, HTTPStatus: resp.StatusCode, Error: summarize(parsed, raw)}
	}
}

func summarize(p sendTextResponse, raw []byte) string {
	if p.Error != "" {
		return p.Error
	}
	return truncateUTF8(strings.TrimSpace(string(raw)), maxErrorSummary)
}

const maxErrorSummary = 256

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
