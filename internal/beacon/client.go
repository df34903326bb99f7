// Package beacon предоставляет клиент публичного маяка случайности (drand-совместимый HTTP API).
package beacon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrRateLimited возвращается, если маяк ответил 429.
var ErrRateLimited = errors.New("beacon rate limited")

// Client инкапсулирует HTTP-взаимодействие с маяком случайности.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Randomness описывает одно значение маяка.
type Randomness struct {
	Round      uint64 `json:"round"`
	Randomness string `json:"randomness"`
	Signature  string `json:"signature,omitempty"`
}

// RateLimitError содержит рекомендованную паузу из заголовка Retry-After.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// NewClient создаёт HTTP-клиент маяка по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Latest запрашивает последнее опубликованное значение маяка.
func (c *Client) Latest(ctx context.Context) (*Randomness, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("beacon client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/public/latest", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, &RateLimitError{RetryAfter: retryAfter}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Randomness
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.Randomness == "" {
		return nil, fmt.Errorf("empty randomness for round %d", result.Round)
	}

	return &result, nil
}
