// Package africastalking is a client for the SMS API of Africa's Talking
package africastalking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/orderdesk/core/logger"
)

// Base URLs of the live and the sandbox environment
const (
	LiveURL    = "https://api.africastalking.com"
	SandboxURL = "https://api.sandbox.africastalking.com"
)

// Config configures a Client
type Config struct {
	Username string
	APIKey   string
	// Sandbox selects the sandbox environment
	Sandbox bool
	// BaseURL overrides the environment's base URL
	BaseURL string
}

// Client sends SMS through Africa's Talking. It implements notify.Gateway.
type Client struct {
	baseURL    string
	username   string
	apiKey     string
	httpClient *http.Client
}

// New returns a client for cfg. If httpClient is nil, a client with a 10 seconds
// timeout is used.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.Username == "" {
		return nil, errors.New("africastalking: missing username")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("africastalking: missing api key")
	}
	baseURL := LiveURL
	if cfg.Sandbox {
		baseURL = SandboxURL
	}
	if cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   cfg.Username,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
	}, nil
}

// Send sends message to recipients. sender is the registered short code or sender
// id; an empty sender uses the account default. It returns the raw json response.
func (c *Client) Send(ctx context.Context, message string, recipients []string, sender string) (json.RawMessage, error) {
	rlog := logger.FromContext(ctx)

	form := url.Values{}
	form.Set("username", c.username)
	form.Set("to", strings.Join(recipients, ","))
	form.Set("message", message)
	if sender != "" {
		form.Set("from", sender)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/version1/messaging", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("africastalking: cannot create request: %w", err)
	}
	req.Header.Set("apiKey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rlog.Debugf("africastalking: sending sms to %d recipients", len(recipients))
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("africastalking: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("africastalking: cannot read response (status %d): %w", res.StatusCode, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("africastalking: status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("africastalking: unexpected response (status %d): %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.RawMessage(body), nil
}
