package openweather

import (
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

	"wx-dispatch/internal/domain"
)

const (
	defaultBaseURL = "http://api.openweathermap.org"
	resultLimit    = 1
)

// geoEntry is a single element of the geocoding API response array.
type geoEntry struct {
	Name    string  `json:"name"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Country string  `json:"country"`
	State   string  `json:"state"`
}

// KeySource supplies the API key.
type KeySource interface {
	Token(ctx context.Context) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openweather: unexpected status %d from %s: %s", e.StatusCode, e.Path, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to the OpenWeatherMap geocoding API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	keys       KeySource
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

// NewClient creates a geocoding Client. The key is resolved on every call
// through keys, which is expected to cache it.
func NewClient(keys KeySource, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("openweather: key source must not be nil")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		keys:       keys,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Direct resolves a place name to at most one candidate location.
func (c *Client) Direct(ctx context.Context, place string) ([]domain.Place, error) {
	place = strings.TrimSpace(place)
	if place == "" {
		return nil, errors.New("openweather: place must not be empty")
	}
	q := url.Values{}
	q.Set("q", place)
	return c.lookup(ctx, "/geo/1.0/direct", q)
}

// Reverse resolves coordinates to at most one named location.
func (c *Client) Reverse(ctx context.Context, lat, lon float64) ([]domain.Place, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	return c.lookup(ctx, "/geo/1.0/reverse", q)
}

func (c *Client) lookup(ctx context.Context, path string, q url.Values) ([]domain.Place, error) {
	key, err := c.keys.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("openweather: resolve api key: %w", err)
	}
	q.Set("limit", strconv.Itoa(resultLimit))
	q.Set("appid", key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("openweather: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		// *url.Error carries the query string and with it the api key.
		return nil, fmt.Errorf("openweather: request failed: %w", errors.Unwrap(err))
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, Path: path, Body: string(buf)}
	}

	var entries []geoEntry
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&entries); err != nil {
		return nil, fmt.Errorf("openweather: decode response: %w", err)
	}

	places := make([]domain.Place, 0, len(entries))
	for _, e := range entries {
		places = append(places, domain.Place{Latitude: e.Lat, Longitude: e.Lon, Name: e.Name})
	}
	return places, nil
}
