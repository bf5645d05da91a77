package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"topup-market/internal/logging"
)

var ErrUnavailable = errors.New("slip verification service unavailable")

const (
	MaxAttempts    = 3
	RequestTimeout = 10 * time.Second
)

// RejectionError is the verifier saying the receipt itself is bad: unreadable
// image, unknown bank, forged QR. Not retryable with the same file.
type RejectionError struct {
	Code    string
	Message string
	Raw     json.RawMessage
}

func (e *RejectionError) Error() string {
	if e.Message == "" {
		return "receipt rejected by verifier"
	}
	return fmt.Sprintf("receipt rejected by verifier: %s", e.Message)
}

// Result is the structured payment record extracted from a receipt.
type Result struct {
	TransactionID   string
	TransactionDate time.Time
	Amount          decimal.Decimal
	Currency        string
	SenderBank      string
	SenderName      string
	ReceiverBank    string
	ReceiverName    string
	Duplicate       bool            // чек уже был зачтён ранее
	Raw             json.RawMessage // ответ сервиса как есть
}

type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	RetryDelay time.Duration
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: RequestTimeout},
		RetryDelay: 1 * time.Second,
	}
}

type verifyRequest struct {
	URL string `json:"url"`
}

type party struct {
	Bank    string `json:"bank"`
	Account string `json:"account"`
}

type verifyPayload struct {
	TransRef string  `json:"transRef"`
	Date     string  `json:"date"` // time.RFC3339
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Sender   party   `json:"sender"`
	Receiver party   `json:"receiver"`
}

type verifyResponse struct {
	Success   bool           `json:"success"`
	Duplicate bool           `json:"duplicate"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Data      *verifyPayload `json:"data"`
}

// VerifyReceipt sends the receipt URL to the verification service and returns
// the extracted payment record. 4xx answers become a RejectionError right
// away; 5xx and transport errors are retried with backoff and collapse into
// ErrUnavailable so the caller can leave the slip pending.
func (c *Client) VerifyReceipt(ctx context.Context, imageURL string) (*Result, error) {
	url := fmt.Sprintf("%s/api/v1/verify", c.BaseURL)

	payload, err := json.Marshal(verifyRequest{URL: imageURL})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i := 0; i < MaxAttempts; i++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		default:
		}

		ctxWithTimeout, cancel := context.WithTimeout(ctx, RequestTimeout)

		req, err := http.NewRequestWithContext(ctxWithTimeout, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			cancel()
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.APIKey != "" {
			req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			cancel()
			lastErr = fmt.Errorf("failed to send request: %w", err)
			time.Sleep(time.Duration(1<<i) * c.RetryDelay)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response body: %w", err)
			time.Sleep(time.Duration(1<<i) * c.RetryDelay)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return parseResult(body)

		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			if retryAfter > 0 {
				time.Sleep(retryAfter)
			} else {
				time.Sleep(time.Duration(1<<i) * c.RetryDelay)
			}
			lastErr = fmt.Errorf("too many requests, retrying after %v", retryAfter)

		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			var vr verifyResponse
			if err := json.Unmarshal(body, &vr); err != nil {
				return nil, &RejectionError{Message: string(body), Raw: body}
			}
			return nil, &RejectionError{Code: vr.Code, Message: vr.Message, Raw: body}

		default:
			lastErr = fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
			time.Sleep(time.Duration(1<<i) * c.RetryDelay)
		}
	}
	logging.Logg.Warn("All verification attempts failed", "error", lastErr)
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func parseResult(body []byte) (*Result, error) {
	var vr verifyResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if !vr.Success && !vr.Duplicate {
		return nil, &RejectionError{Code: vr.Code, Message: vr.Message, Raw: body}
	}

	res := &Result{
		Duplicate: vr.Duplicate,
		Raw:       body,
	}
	if vr.Data != nil {
		date, err := time.Parse(time.RFC3339, vr.Data.Date)
		if err != nil {
			return nil, fmt.Errorf("failed to parse transaction date %q: %w", vr.Data.Date, err)
		}
		res.TransactionID = vr.Data.TransRef
		res.TransactionDate = date
		res.Amount = decimal.NewFromFloat(vr.Data.Amount)
		res.Currency = vr.Data.Currency
		res.SenderBank = vr.Data.Sender.Bank
		res.SenderName = vr.Data.Sender.Account
		res.ReceiverBank = vr.Data.Receiver.Bank
		res.ReceiverName = vr.Data.Receiver.Account
	}
	return res, nil
}

func parseRetryAfter(retryAfter string) time.Duration {
	if retryAfter == "" {
		return 1 * time.Second
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if date, err := time.Parse(time.RFC1123, retryAfter); err == nil {
		return time.Until(date)
	}

	return 1 * time.Second
}
