package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/grangeworks/farmbook/internal/errors"
)

// Client is the HTTP implementation of Service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates an exchange client. timeout bounds each request; a
// request that exceeds it surfaces as SYNC_TIMEOUT, distinct from a
// circuit-open rejection.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Exchange posts the outbound batch and returns acknowledgements plus
// changed remote records.
func (c *Client) Exchange(ctx context.Context, req *ExchangeRequest) (*ExchangeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode exchange request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/sync/exchange", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "build exchange request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded || isTimeout(err) {
			return nil, apperrors.Wrap(apperrors.ErrSyncTimeout, "exchange request timed out", err)
		}
		return nil, apperrors.Wrap(apperrors.ErrSyncExchange, "exchange request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, apperrors.New(apperrors.ErrSyncExchange,
			fmt.Sprintf("server error: %s", resp.Status))
	case resp.StatusCode >= 400:
		// Whole-call rejection; per-item rejections arrive in upload_results.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperrors.New(apperrors.ErrSyncItemRejected,
			fmt.Sprintf("exchange rejected (%s): %s", resp.Status, string(msg)))
	}

	var out ExchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncExchange, "decode exchange response", err)
	}
	return &out, nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	for err != nil {
		if te, ok := err.(timeouter); ok && te.Timeout() {
			return true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
