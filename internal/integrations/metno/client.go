package metno

import (
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

const defaultBaseURL = "https://api.met.no"

// ErrNoTimeseries is returned when the forecast carries no time steps.
var ErrNoTimeseries = fmt.Errorf("metno: forecast has no timeseries: %w", domain.ErrEmptyResult)

// forecastResponse is the subset of the locationforecast compact payload we read.
type forecastResponse struct {
	Properties struct {
		Timeseries []struct {
			Time string `json:"time"`
			Data struct {
				Instant struct {
					Details instantDetails `json:"details"`
				} `json:"instant"`
				Next1Hours *struct {
					Details struct {
						PrecipitationAmount *float64 `json:"precipitation_amount"`
					} `json:"details"`
				} `json:"next_1_hours"`
			} `json:"data"`
		} `json:"timeseries"`
	} `json:"properties"`
}

type instantDetails struct {
	AirTemperature        float64 `json:"air_temperature"`
	WindSpeed             float64 `json:"wind_speed"`
	RelativeHumidity      float64 `json:"relative_humidity"`
	AirPressureAtSeaLevel float64 `json:"air_pressure_at_sea_level"`
	CloudAreaFraction     float64 `json:"cloud_area_fraction"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("metno: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client fetches current conditions from the MET Norway locationforecast API.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
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

// NewClient creates a Client. MET Norway rejects requests without an
// identifying User-Agent, so one is required.
func NewClient(userAgent string, opts ...Option) (*Client, error) {
	userAgent = strings.TrimSpace(userAgent)
	if userAgent == "" {
		return nil, errors.New("metno: user agent must not be empty")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func forecastURL(baseURL string, lat, lon float64) string {
	// The API asks for at most four decimals.
	return fmt.Sprintf("%s/weatherapi/locationforecast/2.0/compact?lat=%.4f&lon=%.4f", baseURL, lat, lon)
}

// Current returns the conditions of the first forecast time step.
func (c *Client) Current(ctx context.Context, lat, lon float64) (domain.WeatherSnapshot, error) {
	url := forecastURL(c.baseURL, lat, lon)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.WeatherSnapshot{}, fmt.Errorf("metno: create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return domain.WeatherSnapshot{}, fmt.Errorf("metno: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return domain.WeatherSnapshot{}, &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}

	var payload forecastResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 4<<20)).Decode(&payload); err != nil {
		return domain.WeatherSnapshot{}, fmt.Errorf("metno: decode response: %w", err)
	}
	if len(payload.Properties.Timeseries) == 0 {
		return domain.WeatherSnapshot{}, ErrNoTimeseries
	}

	step := payload.Properties.Timeseries[0].Data
	d := step.Instant.Details
	snap := domain.WeatherSnapshot{
		TemperatureC:  d.AirTemperature,
		WindSpeedMS:   d.WindSpeed,
		HumidityPct:   d.RelativeHumidity,
		PressureHPa:   d.AirPressureAtSeaLevel,
		CloudCoverPct: d.CloudAreaFraction,
	}
	if step.Next1Hours != nil && step.Next1Hours.Details.PrecipitationAmount != nil {
		snap.PrecipitationMM = *step.Next1Hours.Details.PrecipitationAmount
		snap.PrecipitationKnown = true
	}
	return snap, nil
}
