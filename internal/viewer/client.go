// Package viewer is the client side of the queue: an API client, a board that
// keeps the last good view, and the poll and push loops that refresh it.
package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"qms/qsystem/internal/models"
	"qms/qsystem/internal/queueview"
)

const pinHeader = "X-Qsys-Pin"

// ErrUnauthorized is returned after the server rejects the stored PIN. The
// PIN is cleared before it is returned.
var ErrUnauthorized = errors.New("viewer: unauthorized")

type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("viewer: server returned %d", e.Status)
	}
	return fmt.Sprintf("viewer: %s: %s", e.Code, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client

	mu  sync.Mutex
	pin string
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) SetPIN(pin string) {
	c.mu.Lock()
	c.pin = pin
	c.mu.Unlock()
}

func (c *Client) PIN() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pin
}

// Authenticate stores pin and checks it against the server.
func (c *Client) Authenticate(ctx context.Context, pin string) error {
	c.SetPIN(pin)
	return c.do(ctx, http.MethodPost, "/api/auth", nil, nil)
}

func (c *Client) FetchServices(ctx context.Context) ([]models.Service, error) {
	var services []models.Service
	if err := c.do(ctx, http.MethodGet, "/api/services", nil, &services); err != nil {
		return nil, err
	}
	return services, nil
}

func (c *Client) FetchQueue(ctx context.Context, branchCode string, activeOnly bool) ([]models.QueueEntry, error) {
	query := url.Values{}
	if branchCode != "" {
		query.Set("branch", branchCode)
	}
	if activeOnly {
		query.Set("active", "true")
	}
	var entries []models.QueueEntry
	if err := c.do(ctx, http.MethodGet, withQuery("/api/queue", query), nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) FetchView(ctx context.Context, branchCode string) (queueview.View, error) {
	query := url.Values{}
	if branchCode != "" {
		query.Set("branch", branchCode)
	}
	var view queueview.View
	if err := c.do(ctx, http.MethodGet, withQuery("/api/queue/view", query), nil, &view); err != nil {
		return queueview.View{}, err
	}
	return view, nil
}

func (c *Client) CheckIn(ctx context.Context, name, phone, serviceID, branchCode string) (models.QueueEntry, error) {
	body := map[string]string{"name": name, "phone": phone}
	if serviceID != "" {
		body["serviceId"] = serviceID
	}
	if branchCode != "" {
		body["branchCode"] = branchCode
	}
	var entry models.QueueEntry
	if err := c.do(ctx, http.MethodPost, "/api/checkin", body, &entry); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (c *Client) SetStatus(ctx context.Context, entryID, status string) (models.QueueEntry, error) {
	var entry models.QueueEntry
	path := "/api/queue/" + url.PathEscape(entryID) + "/status"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"status": status}, &entry); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// WebSocketURL is the push endpoint matching the client's base URL.
func (c *Client) WebSocketURL() string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + "/ws"
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/ws"
	default:
		return c.baseURL + "/ws"
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if pin := c.PIN(); pin != "" {
		req.Header.Set(pinHeader, pin)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.SetPIN("")
		return ErrUnauthorized
	}
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
	}
	return apiErr
}

func withQuery(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}
