// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

// Package provider implements the quote-service adapter: a thin HTTP client,
// a session manager that owns login state, and a circuit breaker guarding the
// upstream. All failures crossing the package boundary are classified as
// typed *Error values.
package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/wateryu2030/newhigh-zh-sub000/internal/config"
)

// RowSet is one query result: a header row plus string-typed data rows, in
// the order the provider returned them.
type RowSet struct {
	Fields []string
	Rows   [][]string
}

// Empty reports whether the result carries no data rows.
func (rs *RowSet) Empty() bool {
	return rs == nil || len(rs.Rows) == 0
}

// Client is the minimal surface the session manager needs from the quote
// service. Implemented by HTTPClient for production and by fakes in tests.
type Client interface {
	Login(ctx context.Context) error
	Query(ctx context.Context, api string, params url.Values) (*RowSet, error)
	Logout(ctx context.Context) error
}

// maxErrorBodySize limits how much of an error response body is read back
// for diagnostics.
const maxErrorBodySize = 64 * 1024

// apiResponse is the provider's JSON envelope. Every page carries its own
// error_code; a session can expire mid-pagination.
type apiResponse struct {
	ErrorCode  string     `json:"error_code"`
	ErrorMsg   string     `json:"error_msg"`
	Fields     []string   `json:"fields"`
	Data       [][]string `json:"data"`
	HasMore    bool       `json:"has_more"`
	CurPageNum int        `json:"cur_page_num"`
	Token      string     `json:"token,omitempty"`
}

// HTTPClient talks to the quote-service HTTP gateway. A shared rate limiter
// paces every outbound call so concurrent callers cannot exceed the
// provider's tolerated request rate. All methods are safe for concurrent
// use: the session token is guarded, so a re-login triggered by one caller
// cannot race another caller's in-flight query reading it.
type HTTPClient struct {
	baseURL  string
	user     string
	password string
	client   *http.Client
	limiter  *rate.Limiter

	tokenMu sync.Mutex
	token   string
}

func (c *HTTPClient) getToken() string {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.token
}

func (c *HTTPClient) setToken(token string) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = token
}

// NewHTTPClient builds a client from the provider configuration.
func NewHTTPClient(cfg *config.ProviderConfig) *HTTPClient {
	var limiter *rate.Limiter
	if cfg.PaceSeconds > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Duration(cfg.PaceSeconds*float64(time.Second))), 1)
	} else {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &HTTPClient{
		baseURL:  cfg.BaseURL,
		user:     cfg.User,
		password: cfg.Password,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		limiter: limiter,
	}
}

// Login authenticates and stores the session token. The public service
// accepts empty credentials for anonymous access.
func (c *HTTPClient) Login(ctx context.Context) error {
	params := url.Values{}
	params.Set("user", c.user)
	params.Set("password", c.password)

	resp, err := c.doRequest(ctx, "login", params)
	if err != nil {
		return err
	}
	c.setToken(resp.Token)
	return nil
}

// Logout releases the session. Errors are returned but the token is cleared
// regardless; a failed logout must not wedge the session manager.
func (c *HTTPClient) Logout(ctx context.Context) error {
	params := url.Values{}
	params.Set("token", c.getToken())
	c.setToken("")

	_, err := c.doRequest(ctx, "logout", params)
	return err
}

// Query runs one provider API call and collects all pages into a single
// RowSet. The error_code is checked on every page: pagination stops at the
// first non-success page and the classified error is returned, even when
// earlier pages succeeded.
func (c *HTTPClient) Query(ctx context.Context, api string, params url.Values) (*RowSet, error) {
	merged := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			merged.Add(k, v)
		}
	}
	merged.Set("method", api)
	merged.Set("token", c.getToken())

	rs := &RowSet{}
	page := 1
	for {
		merged.Set("cur_page_num", fmt.Sprintf("%d", page))

		resp, err := c.doRequest(ctx, "query", merged)
		if err != nil {
			return nil, err
		}
		if len(rs.Fields) == 0 {
			rs.Fields = resp.Fields
		}
		rs.Rows = append(rs.Rows, resp.Data...)

		if !resp.HasMore {
			return rs, nil
		}
		page++
	}
}

// doRequest performs one paced HTTP round trip and decodes the envelope.
// A non-success error_code becomes a classified *Error.
func (c *HTTPClient) doRequest(ctx context.Context, endpoint string, params url.Values) (*apiResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqURL := fmt.Sprintf("%s/api/v1/%s?%s", c.baseURL, endpoint, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", endpoint, err)
	}

	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body := readBodyForError(httpResp.Body)
		if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
			return nil, &Error{Kind: KindTransient, Message: fmt.Sprintf("HTTP %d: %s", httpResp.StatusCode, body)}
		}
		return nil, &Error{Kind: KindPermanent, Message: fmt.Sprintf("HTTP %d: %s", httpResp.StatusCode, body)}
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, &Error{Kind: KindTransient, Message: fmt.Sprintf("decode %s response: %v", endpoint, err)}
	}

	if perr := classifyResponse(resp.ErrorCode, resp.ErrorMsg); perr != nil {
		return nil, perr
	}
	return &resp, nil
}

// readBodyForError reads at most maxErrorBodySize bytes for diagnostics.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	if len(body) == maxErrorBodySize {
		return append(body, []byte("... (truncated)")...)
	}
	return body
}
