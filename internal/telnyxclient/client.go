package telnyxclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"
)

const (
	defaultBaseURL   = "https://api.telnyx.com/v2"
	defaultUserAgent = "outreachly-campaign-engine/0.1"
)

// Config controls how the Telnyx client behaves.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	MaxRetries    int
	Backoff       time.Duration
	MaxSkew       time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
	UserAgent     string
}

// Client wraps the Telnyx messaging REST endpoints.
type Client struct {
	apiKey        string
	baseURL       string
	webhookSecret string
	httpClient    *http.Client
	maxRetries    int
	backoff       time.Duration
	maxSkew       time.Duration
	logger        *slog.Logger
	userAgent     string
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("telnyxclient: API key is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	maxSkew := cfg.MaxSkew
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		apiKey:        cfg.APIKey,
		baseURL:       baseURL,
		webhookSecret: cfg.WebhookSecret,
		httpClient:    httpClient,
		maxRetries:    maxRetries,
		backoff:       backoff,
		maxSkew:       maxSkew,
		logger:        logger,
		userAgent:     userAgent,
	}, nil
}

// SendMessageRequest is an outbound SMS/MMS send.
type SendMessageRequest struct {
	From               string
	To                 string
	Body               string
	MediaURLs          []string
	MessagingProfileID string
}

func (r SendMessageRequest) validate() error {
	if strings.TrimSpace(r.From) == "" {
		return errors.New("telnyxclient: from number required")
	}
	if strings.TrimSpace(r.To) == "" {
		return errors.New("telnyxclient: to number required")
	}
	if strings.TrimSpace(r.Body) == "" && len(r.MediaURLs) == 0 {
		return errors.New("telnyxclient: body or media required")
	}
	return nil
}

// MessageResponse mirrors the fields of the Telnyx message resource we use.
type MessageResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	From   struct {
		PhoneNumber string `json:"phone_number"`
	} `json:"from"`
}

// SendMessage triggers an SMS/MMS send request.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*MessageResponse, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(struct {
		From               string   `json:"from"`
		To                 string   `json:"to"`
		Text               string   `json:"text"`
		MediaURLs          []string `json:"media_urls,omitempty"`
		MessagingProfileID string   `json:"messaging_profile_id,omitempty"`
	}{
		From:               req.From,
		To:                 req.To,
		Text:               req.Body,
		MediaURLs:          req.MediaURLs,
		MessagingProfileID: req.MessagingProfileID,
	})
	if err != nil {
		return nil, fmt.Errorf("telnyxclient: marshal send body: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPost, "/messages", body)
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Data MessageResponse `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("telnyxclient: decode response: %w", err)
	}
	return &wrapper.Data, nil
}

// VerifyWebhookSignature validates Telnyx webhook signatures. The signature
// covers "<timestamp>.<payload>" with HMAC-SHA256; timestamps outside the
// configured skew window are rejected to limit replay.
func (c *Client) VerifyWebhookSignature(timestamp, signature string, payload []byte) error {
	if c.webhookSecret == "" {
		return errors.New("telnyxclient: webhook secret not configured")
	}
	ts := strings.TrimSpace(timestamp)
	if ts == "" {
		return errors.New("telnyxclient: missing signature timestamp")
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("telnyxclient: invalid signature timestamp: %w", err)
	}
	sentAt := time.Unix(sec, 0)
	if diff := time.Since(sentAt); diff > c.maxSkew || diff < -c.maxSkew {
		return fmt.Errorf("telnyxclient: signature timestamp skew %s exceeds limit", diff)
	}
	unsigned := ts + "." + string(payload)
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write([]byte(unsigned))
	expected := hex.EncodeToString(mac.Sum(nil))
	actual := strings.ToLower(strings.TrimSpace(signature))
	if actual == "" {
		return errors.New("telnyxclient: missing signature header")
	}
	if !hmac.Equal([]byte(expected), []byte(actual)) {
		return errors.New("telnyxclient: signature mismatch")
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	fullURL := c.baseURL + "/" + strings.TrimLeft(path, "/")
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("telnyxclient: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("User-Agent", c.userAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !IsTransient(err) || attempt == c.maxRetries {
				return nil, fmt.Errorf("telnyxclient: http error: %w", err)
			}
			lastErr = err
			c.logRetry(path, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("telnyxclient: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := decodeAPIError(resp.StatusCode, data)
		if attempt < c.maxRetries && IsTransient(apiErr) {
			lastErr = apiErr
			c.logRetry(path, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("telnyxclient: request failed without response")
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	delay := c.backoff * time.Duration(1<<attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(path string, attempt int, status int, err error) {
	if c.logger == nil {
		return
	}
	c.logger.Warn("telnyx retry",
		"path", path,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

// IsTransient reports whether a send failure is worth retrying: network
// timeouts, connection errors, 429s, and 5xx responses. 4xx responses other
// than 429 are treated as permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return apiErr.StatusCode >= 500 && apiErr.StatusCode <= 599
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Connection-level failures without a response.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// ErrorStatus returns the HTTP status of a provider error, or 0 when the
// error did not come from an HTTP response.
func ErrorStatus(err error) int {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

type apiError struct {
	StatusCode int             `json:"-"`
	Type       string          `json:"type,omitempty"`
	Title      string          `json:"title,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Errors     json.RawMessage `json:"errors,omitempty"`
}

func (e *apiError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("telnyxclient: %s (status=%d)", e.Title, e.StatusCode)
	}
	if e.Detail != "" {
		return fmt.Sprintf("telnyxclient: %s (status=%d)", e.Detail, e.StatusCode)
	}
	return fmt.Sprintf("telnyxclient: http status %d", e.StatusCode)
}

func decodeAPIError(status int, body []byte) error {
	var parsed apiError
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &apiError{StatusCode: status, Detail: string(body)}
	}
	parsed.StatusCode = status
	return &parsed
}
