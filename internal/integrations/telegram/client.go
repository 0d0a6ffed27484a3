package telegram

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

	"wx-dispatch/internal/domain"
)

const (
	defaultBaseURL = "https://api.telegram.org"
	requestTimeout = 10 * time.Second
)

// KeySource supplies the bot token.
type KeySource interface {
	Token(ctx context.Context) (string, error)
}

// APIError is returned when the Bot API answers with ok=false. The request URL
// embeds the bot token, so only the method name is reported.
type APIError struct {
	Method      string
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s failed with status %d: %s", e.Method, e.StatusCode, e.Description)
}

func (e *APIError) HTTPStatusCode() int {
	return e.StatusCode
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

type sendMessageRequest struct {
	ChatID      int64          `json:"chat_id"`
	Text        string         `json:"text"`
	ReplyMarkup *replyKeyboard `json:"reply_markup,omitempty"`
}

type replyKeyboard struct {
	Keyboard        [][]keyboardButton `json:"keyboard"`
	ResizeKeyboard  bool               `json:"resize_keyboard"`
	OneTimeKeyboard bool               `json:"one_time_keyboard"`
}

type keyboardButton struct {
	Text            string `json:"text"`
	RequestLocation bool   `json:"request_location,omitempty"`
}

type getUpdatesRequest struct {
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates"`
}

// Client is a focused Telegram Bot API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      KeySource
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client that resolves the bot token through token.
func NewClient(token KeySource, opts ...Option) (*Client, error) {
	if token == nil {
		return nil, errors.New("telegram: token source must not be nil")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
		token:      token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SendMessage delivers msg, attaching a one-time location keyboard when asked.
func (c *Client) SendMessage(ctx context.Context, msg domain.OutboundMessage) error {
	req := sendMessageRequest{ChatID: msg.ChatID, Text: msg.Text}
	if msg.RequestLocation {
		req.ReplyMarkup = &replyKeyboard{
			Keyboard:        [][]keyboardButton{{{Text: "Share Location", RequestLocation: true}}},
			ResizeKeyboard:  true,
			OneTimeKeyboard: true,
		}
	}
	_, err := c.call(ctx, "sendMessage", req, requestTimeout)
	return err
}

// GetUpdates long-polls for message updates starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	raw, err := c.call(ctx, "getUpdates", getUpdatesRequest{
		Offset:         offset,
		Timeout:        int(timeout / time.Second),
		AllowedUpdates: []string{"message"},
	}, timeout+requestTimeout)
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("telegram: decode getUpdates result: %w", err)
	}
	return updates, nil
}

// call bounds each request by its own deadline, since long polls outlive the
// usual request timeout.
func (c *Client) call(ctx context.Context, method string, payload any, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	token, err := c.token.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("telegram: resolve bot token: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot"+token+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		// *url.Error includes the URL and with it the token.
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, errors.Unwrap(err))
	}
	defer func() { _ = res.Body.Close() }()

	buf, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("telegram: read %s response: %w", method, err)
	}
	var out apiResponse
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, fmt.Errorf("telegram: decode %s response: %w", method, err)
	}
	if !out.OK {
		return nil, &APIError{Method: method, StatusCode: res.StatusCode, Description: out.Description}
	}
	return out.Result, nil
}
