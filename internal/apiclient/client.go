// Package apiclient is a Go client for the Rocks Monitor HTTP API, as used
// by monitoring agents and tooling.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tphummel/rocks_monitor/internal/payload"
)

// Client is an HTTP client for the Rocks Monitor API. Login stores the
// session token for subsequent calls.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewClient creates a Client targeting endpoint. A nil httpClient means one
// with a 15 second timeout.
func NewClient(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"), httpClient: httpClient}
}

// SetToken sets the Bearer token sent with every request.
func (c *Client) SetToken(token string) { c.token = token }

// Token returns the current Bearer token.
func (c *Client) Token() string { return c.token }

// Error is a non-2xx response.
type Error struct {
	StatusCode int
	Message    string
	Fields     map[string]string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status of err if it is an *Error, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// User mirrors the API user representation.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Machine mirrors the API machine representation.
type Machine struct {
	ID         int64      `json:"id"`
	MACAddress string     `json:"mac_address"`
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	LastSeenAt *time.Time `json:"last_seen_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// LoginRequest is sent by Login. Agents set MACAddress.
type LoginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	MACAddress string `json:"mac_address,omitempty"`
	Username   string `json:"username,omitempty"`
	Type       string `json:"type,omitempty"`
	OS         string `json:"c,omitempty"`
}

// Session is a login result.
type Session struct {
	Token     string    `json:"token"`
	Type      string    `json:"type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Config is a stored machine configuration document.
type Config struct {
	Data      payload.Value `json:"data"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Receipt acknowledges a pushed status sample.
type Receipt struct {
	ReferenceID string    `json:"reference_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sample is a stored status sample.
type Sample struct {
	ReferenceID string        `json:"reference_id"`
	Timestamp   time.Time     `json:"timestamp"`
	Metrics     payload.Value `json:"metrics"`
}

// Summary aggregates one numeric field.
type Summary struct {
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// Query narrows ListMetrics and Aggregate. Zero values are omitted.
type Query struct {
	Start *time.Time
	End   *time.Time
	Limit int
	Keys  []string
}

func (q Query) values() url.Values {
	v := url.Values{}
	if q.Start != nil {
		v.Set("start", q.Start.UTC().Format(time.RFC3339Nano))
	}
	if q.End != nil {
		v.Set("end", q.End.UTC().Format(time.RFC3339Nano))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	for _, k := range q.Keys {
		v.Add("metric_keys", k)
	}
	return v
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

// call performs the request and decodes a response with one of the ok
// statuses into out. It returns the status that was received.
func (c *Client) call(ctx context.Context, method, path string, body, out any, ok ...int) (int, error) {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	for _, code := range ok {
		if resp.StatusCode == code {
			if out == nil {
				return code, nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return code, fmt.Errorf("decode response: %w", err)
			}
			return code, nil
		}
	}
	return resp.StatusCode, responseError(resp)
}

func responseError(resp *http.Response) error {
	e := &Error{StatusCode: resp.StatusCode}
	var body struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	if data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024)); err == nil && json.Unmarshal(data, &body) == nil {
		e.Message = body.Error
		e.Fields = body.Fields
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

// Health checks GET /api/health.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodGet, "/api/health", nil, nil, http.StatusOK)
	return err
}

// Register creates a user account.
func (c *Client) Register(ctx context.Context, email, password, fullName string) (*User, error) {
	var out User
	body := map[string]string{"email": email, "password": password, "full_name": fullName}
	if _, err := c.call(ctx, http.MethodPost, "/api/register", body, &out, http.StatusCreated); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return &out, nil
}

// Login authenticates and stores the returned token on the client.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	var out Session
	if _, err := c.call(ctx, http.MethodPost, "/api/login", req, &out, http.StatusOK); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	c.token = out.Token
	return &out, nil
}

// ListMachines returns the caller's machines.
func (c *Client) ListMachines(ctx context.Context) ([]Machine, error) {
	var out []Machine
	if _, err := c.call(ctx, http.MethodGet, "/api/machines", nil, &out, http.StatusOK); err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	return out, nil
}

// RegisterMachine creates or updates a machine and reports whether it was
// created.
func (c *Client) RegisterMachine(ctx context.Context, mac, name, typ string) (*Machine, bool, error) {
	var out Machine
	body := map[string]string{"mac_address": mac, "name": name, "type": typ}
	code, err := c.call(ctx, http.MethodPost, "/api/machines", body, &out, http.StatusCreated, http.StatusOK)
	if err != nil {
		return nil, false, fmt.Errorf("register machine %q: %w", mac, err)
	}
	return &out, code == http.StatusCreated, nil
}

// PushConfig stores a machine configuration document. doc must carry MAC
// and type keys.
func (c *Client) PushConfig(ctx context.Context, doc any) (*Config, error) {
	var out Config
	body := map[string]any{"data": doc}
	if _, err := c.call(ctx, http.MethodPost, "/api/update_confg_maquina", body, &out, http.StatusOK); err != nil {
		return nil, fmt.Errorf("push config: %w", err)
	}
	return &out, nil
}

// GetConfig fetches the configuration of mac. Returns nil, nil when the
// server responds 404.
func (c *Client) GetConfig(ctx context.Context, mac string) (*Config, error) {
	var out Config
	_, err := c.call(ctx, http.MethodGet, "/api/machine/"+url.PathEscape(mac), nil, &out, http.StatusOK)
	if StatusCode(err) == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get config %q: %w", mac, err)
	}
	return &out, nil
}

// PushStatus uploads a status sample.
func (c *Client) PushStatus(ctx context.Context, doc any) (*Receipt, error) {
	var out Receipt
	body := map[string]any{"data": doc}
	if _, err := c.call(ctx, http.MethodPut, "/api/maquina/status", body, &out, http.StatusOK); err != nil {
		return nil, fmt.Errorf("push status: %w", err)
	}
	return &out, nil
}

// ListMetrics returns samples of mac, newest first.
func (c *Client) ListMetrics(ctx context.Context, mac string, q Query) ([]Sample, error) {
	var out []Sample
	path := "/api/metrics/" + url.PathEscape(mac) + encode(q.values())
	if _, err := c.call(ctx, http.MethodGet, path, nil, &out, http.StatusOK); err != nil {
		return nil, fmt.Errorf("list metrics %q: %w", mac, err)
	}
	return out, nil
}

// Aggregate summarises the numeric fields of mac's samples. q.Limit is
// ignored.
func (c *Client) Aggregate(ctx context.Context, mac string, q Query) (map[string]Summary, error) {
	q.Limit = 0
	var out map[string]Summary
	path := "/api/metrics/" + url.PathEscape(mac) + "/aggregate" + encode(q.values())
	if _, err := c.call(ctx, http.MethodGet, path, nil, &out, http.StatusOK); err != nil {
		return nil, fmt.Errorf("aggregate %q: %w", mac, err)
	}
	return out, nil
}

func encode(v url.Values) string {
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}
