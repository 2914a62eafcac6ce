package api

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

	"deliverywatch/internal/delivery"
	logx "deliverywatch/pkg/logx"
)

// Config configures the backend client.
type Config struct {
	BaseURL string
	Token   string
	ShopID  int64
	Timeout time.Duration // per-call timeout; 0 means default
}

// Client talks to the shop backend. It implements every collaborator
// contract the watcher consumes: server time, the in-flight delivery
// list, accept/reject actions and the receipt printer.
//
// All methods honor ctx and return plain errors; retry policy belongs to
// the callers.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("api base_url is empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("api base_url: %w", err)
	}
	cfg.BaseURL = base
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}, nil
}

// StreamURL returns the websocket endpoint for the shop's delivery event
// stream.
func (c *Client) StreamURL() string {
	u := c.cfg.BaseURL
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/api/v1/shops/" + strconv.FormatInt(c.cfg.ShopID, 10) + "/deliveries/stream"
}

// StreamHeader returns the headers required to open the event stream.
func (c *Client) StreamHeader() http.Header {
	h := http.Header{}
	if c.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return h
}

type serverTimeResponse struct {
	Now time.Time `json:"now"`
}

func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var resp serverTimeResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/time", nil, &resp); err != nil {
		return time.Time{}, err
	}
	if resp.Now.IsZero() {
		return time.Time{}, errors.New("server time response is empty")
	}
	return resp.Now, nil
}

func (c *Client) ListDeliveries(ctx context.Context, day string) ([]delivery.Record, error) {
	path := "/api/v1/shops/" + strconv.FormatInt(c.cfg.ShopID, 10) + "/deliveries?date=" + url.QueryEscape(day)
	var out []delivery.Record
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AcceptDelivery(ctx context.Context, orderID int64, estimatedMinutes int) error {
	path := "/api/v1/deliveries/" + strconv.FormatInt(orderID, 10) + "/accept"
	body := map[string]int{"estimated_minutes": estimatedMinutes}
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

func (c *Client) RejectDelivery(ctx context.Context, orderID int64) error {
	path := "/api/v1/deliveries/" + strconv.FormatInt(orderID, 10) + "/reject"
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// PrintReceipt asks the backend to spool a kitchen receipt. Best-effort:
// callers report failures but never block alerting on them.
func (c *Client) PrintReceipt(ctx context.Context, orderID int64, payload delivery.Payload) error {
	body := struct {
		OrderID int64            `json:"order_id"`
		Payload delivery.Payload `json:"payload"`
	}{OrderID: orderID, Payload: payload}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/receipts", body, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s %s: encode: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}
