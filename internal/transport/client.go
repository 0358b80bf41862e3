package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/iago/leave-bot/internal/retry"
	"golang.org/x/time/rate"
)

type ClientConfig struct {
	BaseURL    string
	Token      string
	Sender     string
	Timeout    time.Duration
	MaxRetries int
	// RPS paces outbound calls; zero disables pacing.
	RPS        float64
	HTTPClient *http.Client
}

// Client posts messages to the WhatsApp provider HTTP API.
type Client struct {
	baseURL    string
	token      string
	sender     string
	timeout    time.Duration
	policy     retry.Policy
	limiter    *rate.Limiter
	httpClient *http.Client
}

func NewClient(config ClientConfig) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RPS > 0 {
		burst := int(config.RPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RPS), burst)
	}

	return &Client{
		baseURL: strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/"),
		token:   strings.TrimSpace(config.Token),
		sender:  strings.TrimSpace(config.Sender),
		timeout: config.Timeout,
		policy: retry.Policy{
			Attempts:   config.MaxRetries + 1,
			Backoff:    350 * time.Millisecond,
			MaxBackoff: 3 * time.Second,
		},
		limiter:    limiter,
		httpClient: config.HTTPClient,
	}
}

type sendRequest struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Content
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

func (c *Client) Send(ctx context.Context, to string, content Content) (string, error) {
	if strings.TrimSpace(to) == "" {
		return "", external(errors.New("recipient is required"))
	}
	if content.TemplateID == "" && strings.TrimSpace(content.Body) == "" {
		return "", external(errors.New("message content is empty"))
	}

	encoded, err := json.Marshal(sendRequest{From: c.sender, To: to, Content: content})
	if err != nil {
		return "", fmt.Errorf("marshal whatsapp payload: %w", err)
	}

	var providerID string
	err = retry.Do(ctx, c.policy, isRetryable, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return &Error{Err: err}
		}
		id, callErr := c.post(ctx, encoded)
		if callErr != nil {
			return callErr
		}
		providerID = id
		return nil
	})
	if err != nil {
		return "", external(err)
	}
	return providerID, nil
}

func (c *Client) post(ctx context.Context, payload []byte) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create whatsapp request: %w", err)
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", &Error{Err: err}
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", &Error{Err: fmt.Errorf("read whatsapp body: %w", err)}
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > 500 {
			message = message[:500]
		}
		return "", &Error{StatusCode: response.StatusCode, Message: message}
	}

	var decoded sendResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decode whatsapp response: %w", err)
	}
	if strings.TrimSpace(decoded.MessageID) == "" {
		return "", errors.New("whatsapp response without message id")
	}
	return decoded.MessageID, nil
}
