package lookup

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"wx-dispatch/internal/domain"
	"wx-dispatch/internal/metrics"
)

const (
	defaultTimeout = 10 * time.Second
	defaultMaxWait = 2 * time.Second

	upstreamGeocode = "geocode"
	upstreamReverse = "reverse_geocode"
	upstreamWeather = "weather"
)

// Geocoder resolves places to coordinates and back.
type Geocoder interface {
	Direct(ctx context.Context, place string) ([]domain.Place, error)
	Reverse(ctx context.Context, lat, lon float64) ([]domain.Place, error)
}

// WeatherSource reports current conditions at a point.
type WeatherSource interface {
	Current(ctx context.Context, lat, lon float64) (domain.WeatherSnapshot, error)
}

// Limiter admits one upstream call per token. Wait must return an error
// instead of blocking past the context deadline.
type Limiter interface {
	Wait(ctx context.Context) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// NewLimiter returns a token bucket allowing perSecond sustained calls with
// the given burst.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Coordinator guards the geocoding and weather upstreams with rate limiters
// and folds every failure into a domain.Result.
type Coordinator struct {
	geo            Geocoder
	weather        WeatherSource
	geoLimiter     Limiter
	weatherLimiter Limiter
	timeout        time.Duration
	maxWait        time.Duration
	logger         *slog.Logger
}

type Option func(*Coordinator)

// WithTimeout bounds each upstream call, excluding the limiter wait.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxWait bounds how long a call may wait for a limiter token.
func WithMaxWait(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.maxWait = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Coordinator. Direct and reverse geocoding share geoLimiter
// since they hit the same upstream.
func New(geo Geocoder, weather WeatherSource, geoLimiter, weatherLimiter Limiter, opts ...Option) (*Coordinator, error) {
	if geo == nil {
		return nil, errors.New("lookup: geocoder must not be nil")
	}
	if weather == nil {
		return nil, errors.New("lookup: weather source must not be nil")
	}
	if geoLimiter == nil || weatherLimiter == nil {
		return nil, errors.New("lookup: limiters must not be nil")
	}
	c := &Coordinator{
		geo:            geo,
		weather:        weather,
		geoLimiter:     geoLimiter,
		weatherLimiter: weatherLimiter,
		timeout:        defaultTimeout,
		maxWait:        defaultMaxWait,
		logger:         slog.Default().With("component", "lookup"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Geocode resolves a place name to its first match.
func (c *Coordinator) Geocode(ctx context.Context, place string) domain.Result[domain.Place] {
	place = strings.TrimSpace(place)
	if place == "" {
		return domain.Failed[domain.Place](domain.FailureEmptyResult, errors.New("lookup: empty place"))
	}
	return call(ctx, c, upstreamGeocode, c.geoLimiter, func(ctx context.Context) (domain.Place, bool, error) {
		places, err := c.geo.Direct(ctx, place)
		if err != nil || len(places) == 0 {
			return domain.Place{}, false, err
		}
		return places[0], true, nil
	})
}

// ReverseGeocode resolves coordinates to a place name.
func (c *Coordinator) ReverseGeocode(ctx context.Context, lat, lon float64) domain.Result[string] {
	return call(ctx, c, upstreamReverse, c.geoLimiter, func(ctx context.Context) (string, bool, error) {
		places, err := c.geo.Reverse(ctx, lat, lon)
		if err != nil || len(places) == 0 || strings.TrimSpace(places[0].Name) == "" {
			return "", false, err
		}
		return places[0].Name, true, nil
	})
}

// Weather returns current conditions at the given coordinates.
func (c *Coordinator) Weather(ctx context.Context, lat, lon float64) domain.Result[domain.WeatherSnapshot] {
	return call(ctx, c, upstreamWeather, c.weatherLimiter, func(ctx context.Context) (domain.WeatherSnapshot, bool, error) {
		snap, err := c.weather.Current(ctx, lat, lon)
		if err != nil {
			return domain.WeatherSnapshot{}, false, err
		}
		return snap, true, nil
	})
}

// call waits for a token, runs fn under the upstream timeout and classifies
// the outcome. fn reports an empty result either as found=false with a nil
// error or as an error wrapping domain.ErrEmptyResult.
func call[T any](ctx context.Context, c *Coordinator, upstream string, limiter Limiter, fn func(context.Context) (T, bool, error)) domain.Result[T] {
	start := time.Now()
	res := func() domain.Result[T] {
		if reason, err := c.acquire(ctx, upstream, limiter); err != nil {
			return domain.Failed[T](reason, err)
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		v, found, err := fn(callCtx)
		if errors.Is(err, domain.ErrEmptyResult) {
			return domain.Failed[T](domain.FailureEmptyResult, nil)
		}
		if err != nil {
			return domain.Failed[T](classify(err), err)
		}
		if !found {
			return domain.Failed[T](domain.FailureEmptyResult, nil)
		}
		return domain.Succeeded(v)
	}()

	metrics.LookupsTotal.WithLabelValues(upstream, res.Failure.String()).Inc()
	metrics.LookupDuration.WithLabelValues(upstream).Observe(time.Since(start).Seconds())
	if res.Failure != domain.FailureNone && res.Failure != domain.FailureEmptyResult {
		c.logger.Warn("upstream lookup failed", "upstream", upstream, "reason", res.Failure.String(), "err", res.Err)
	}
	return res
}

func (c *Coordinator) acquire(ctx context.Context, upstream string, limiter Limiter) (domain.FailureReason, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()

	start := time.Now()
	err := limiter.Wait(waitCtx)
	metrics.LimiterWait.WithLabelValues(upstream).Observe(time.Since(start).Seconds())
	if err == nil {
		return domain.FailureNone, nil
	}
	if ctx.Err() != nil {
		return domain.FailureTimeout, ctx.Err()
	}
	return domain.FailureRateLimited, err
}

// classify maps an upstream error to a failure reason. Status errors are
// upstream faults; deadline and network errors are timeouts; anything else
// (decode failures, missing credentials) is treated as an upstream fault.
func classify(err error) domain.FailureReason {
	var statusErr httpStatusCoder
	if errors.As(err, &statusErr) {
		return domain.FailureUpstreamError
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.FailureTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return domain.FailureTimeout
	}
	return domain.FailureUpstreamError
}
