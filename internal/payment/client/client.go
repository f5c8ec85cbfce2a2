package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"ms-paytracker/internal/auth"
	"ms-paytracker/internal/logger"
	"ms-paytracker/internal/models"
)

// StatusError is a non-2xx answer from the payment backend.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("payment backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("payment backend returned status %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) HTTPStatus() int { return e.StatusCode }

func (e *StatusError) UpstreamMessage() string { return e.Message }

// TokenSource supplies a bearer token when the call context carries none.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client talks to the REST payment backend.
type Client struct {
	initiateURL string
	statusURL   string
	httpClient  *http.Client
	tokens      TokenSource
	log         *logger.Logger
}

// New creates a client. tokens may be nil, in which case only the token carried by the
// request context is forwarded.
func New(initiateURL, statusURL string, httpClient *http.Client, tokens TokenSource, log *logger.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = logger.NewDiscard()
	}
	return &Client{
		initiateURL: initiateURL,
		statusURL:   strings.TrimRight(statusURL, "/"),
		httpClient:  httpClient,
		tokens:      tokens,
		log:         log,
	}
}

func (c *Client) InitiatePayment(ctx context.Context, cardID string, service models.ServiceDetails) (string, error) {
	body, err := json.Marshal(models.PaymentRequest{CardID: cardID, Service: service})
	if err != nil {
		return "", fmt.Errorf("failed to encode payment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.initiateURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out models.PaymentResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	return out.TraceID, nil
}

func (c *Client) GetPaymentStatus(ctx context.Context, traceID string) (models.StatusReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.statusURL+"/"+url.PathEscape(traceID), nil)
	if err != nil {
		return models.StatusReport{}, fmt.Errorf("failed to create status request: %w", err)
	}

	var out models.PaymentStatusResponse
	if err := c.do(req, &out); err != nil {
		return models.StatusReport{}, err
	}
	return out.Report(), nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if err := c.authorize(req); err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	c.log.Debug("PAYMENT_API", fmt.Sprintf("%s %s", req.Method, req.URL.String()))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("payment backend unreachable: %w", err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.log.Error("PAYMENT_API", fmt.Sprintf("Failed to close response body: %v", err))
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{StatusCode: resp.StatusCode, Message: upstreamMessage(resp.Body)}
		c.log.Warn("PAYMENT_API", fmt.Sprintf("%s %s -> %d", req.Method, req.URL.Path, resp.StatusCode))
		return serr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode payment backend response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) error {
	token := auth.Token(req.Context())
	if token == "" && c.tokens != nil {
		var err error
		if token, err = c.tokens.Token(req.Context()); err != nil {
			return fmt.Errorf("failed to obtain service token: %w", err)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// upstreamMessage pulls a "message" or "error" field out of an error body, falling back
// to the trimmed raw text.
func upstreamMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
