// Package api talks to the petty-cash backend over REST. The backend owns
// balances, approval and the authoritative expense ledger; this process only
// submits entries and reads summaries back.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pettycash/internal/core"
	"pettycash/internal/expenseform"
)

// Default timeouts for backend calls.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultConnectTimeout  = 10 * time.Second
	DefaultKeepAlive       = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second

	maxErrorBody = 4 << 10
)

type Client struct {
	baseURL *url.URL
	http    *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default transport, mostly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewHTTPClient returns an http.Client with dial and idle timeouts set.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   DefaultConnectTimeout,
				KeepAlive: DefaultKeepAlive,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       DefaultIdleConnTimeout,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

func New(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, ErrNoBaseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api: parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api: unsupported scheme %q", u.Scheme)
	}
	c := &Client{baseURL: u, http: NewHTTPClient(timeout)}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SubmitExpense uploads an expense with its attachments and returns the id the
// backend assigned.
func (c *Client) SubmitExpense(ctx context.Context, e core.Expense) (string, error) {
	var body bytes.Buffer
	contentType, err := expenseform.WriteMultipart(&body, e)
	if err != nil {
		return "", fmt.Errorf("api submit expense: %w", err)
	}
	var out createdDTO
	if err := c.do(ctx, "submit expense", http.MethodPost, "/api/expenses", nil, contentType, &body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: missing id", ErrBadResponse)
	}
	return out.ID, nil
}

func (c *Client) ListExpenses(ctx context.Context, year, month int) ([]core.Expense, error) {
	q := url.Values{"year": {strconv.Itoa(year)}, "month": {strconv.Itoa(month)}}
	var out struct {
		Expenses []expenseDTO `json:"expenses"`
	}
	if err := c.do(ctx, "list expenses", http.MethodGet, "/api/expenses", q, "", nil, &out); err != nil {
		return nil, err
	}
	items := make([]core.Expense, 0, len(out.Expenses))
	for _, d := range out.Expenses {
		e, err := d.toCore()
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, nil
}

func (c *Client) Dashboard(ctx context.Context) (core.Dashboard, error) {
	var out dashboardDTO
	if err := c.do(ctx, "dashboard", http.MethodGet, "/api/dashboard", nil, "", nil, &out); err != nil {
		return core.Dashboard{}, err
	}
	return out.toCore()
}

func (c *Client) ListClients(ctx context.Context) ([]core.Client, error) {
	var out struct {
		Clients []clientDTO `json:"clients"`
	}
	if err := c.do(ctx, "list clients", http.MethodGet, "/api/clients", nil, "", nil, &out); err != nil {
		return nil, err
	}
	clients := make([]core.Client, 0, len(out.Clients))
	for _, d := range out.Clients {
		clients = append(clients, d.toCore())
	}
	return clients, nil
}

func (c *Client) CreateClient(ctx context.Context, cl core.Client) (core.Client, error) {
	var out clientDTO
	if err := c.doJSON(ctx, "create client", http.MethodPost, "/api/clients", clientFromCore(cl), &out); err != nil {
		return core.Client{}, err
	}
	if out.ID == "" {
		return core.Client{}, fmt.Errorf("%w: missing id", ErrBadResponse)
	}
	return out.toCore(), nil
}

func (c *Client) DeleteClient(ctx context.Context, id string) error {
	return c.do(ctx, "delete client", http.MethodDelete, "/api/clients/"+url.PathEscape(id), nil, "", nil, nil)
}

func (c *Client) ListTransfers(ctx context.Context) ([]core.Transfer, error) {
	var out struct {
		Transfers []transferDTO `json:"transfers"`
	}
	if err := c.do(ctx, "list transfers", http.MethodGet, "/api/transfers", nil, "", nil, &out); err != nil {
		return nil, err
	}
	items := make([]core.Transfer, 0, len(out.Transfers))
	for _, d := range out.Transfers {
		tr, err := d.toCore()
		if err != nil {
			return nil, err
		}
		items = append(items, tr)
	}
	return items, nil
}

func (c *Client) CreateTransfer(ctx context.Context, t core.Transfer) (string, error) {
	var out createdDTO
	if err := c.doJSON(ctx, "create transfer", http.MethodPost, "/api/transfers", transferFromCore(t), &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: missing id", ErrBadResponse)
	}
	return out.ID, nil
}

// Ping checks that the backend answers at all; used by the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/healthz", nil, "", nil, nil)
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("api %s: encode: %w", op, err)
	}
	return c.do(ctx, op, method, path, nil, "application/json", bytes.NewReader(payload), out)
}

func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, contentType string, body io.Reader, out any) error {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("api %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadResponse, op, err)
	}
	return nil
}

func decodeError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))

	var body errorDTO
	if json.Unmarshal(raw, &body) == nil {
		switch {
		case body.Message != "":
			msg = body.Message
		case body.Error != "":
			msg = body.Error
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg, Op: op}
}
