package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iago/leave-bot/internal/domain"
	"github.com/iago/leave-bot/internal/retry"
)

type ClientConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	Location   *time.Location
	HTTPClient *http.Client
}

// Client talks to the spreadsheet bridge service over JSON.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	policy     retry.Policy
	location   *time.Location
	httpClient *http.Client
}

func NewClient(config ClientConfig) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/"),
		token:   strings.TrimSpace(config.Token),
		timeout: config.Timeout,
		policy: retry.Policy{
			Attempts:   config.MaxRetries + 1,
			Backoff:    500 * time.Millisecond,
			MaxBackoff: 5 * time.Second,
		},
		location:   config.Location,
		httpClient: config.HTTPClient,
	}
}

type rowsRequest struct {
	Rows []Row `json:"rows"`
}

type datesResponse struct {
	Dates []string `json:"dates"`
}

func (c *Client) Upload(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	return c.postRows(ctx, "/rows", rows)
}

func (c *Client) Delete(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	return c.postRows(ctx, "/rows/delete", rows)
}

func (c *Client) FindExistingDates(ctx context.Context, userID string) ([]time.Time, error) {
	var body []byte
	err := retry.Do(ctx, c.policy, isRetryable, func(ctx context.Context) error {
		var callErr error
		body, callErr = c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/dates", nil)
		return callErr
	})
	if err != nil {
		return nil, external(err)
	}

	var decoded datesResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, external(fmt.Errorf("decode sheets dates: %w", err))
	}
	dates := make([]time.Time, 0, len(decoded.Dates))
	for _, raw := range decoded.Dates {
		date, err := time.ParseInLocation(domain.DateLayout, raw, c.location)
		if err != nil {
			return nil, external(fmt.Errorf("parse sheets date %q: %w", raw, err))
		}
		dates = append(dates, date)
	}
	return dates, nil
}

func (c *Client) postRows(ctx context.Context, path string, rows []Row) error {
	encoded, err := json.Marshal(rowsRequest{Rows: rows})
	if err != nil {
		return fmt.Errorf("marshal sheets rows: %w", err)
	}
	err = retry.Do(ctx, c.policy, isRetryable, func(ctx context.Context) error {
		_, callErr := c.do(ctx, http.MethodPost, path, encoded)
		return callErr
	})
	if err != nil {
		return external(err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(timeoutCtx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create sheets request: %w", err)
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, &Error{Err: err}
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("read sheets body: %w", err)}
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > 500 {
			message = message[:500]
		}
		return nil, &Error{StatusCode: response.StatusCode, Message: message}
	}
	return body, nil
}
