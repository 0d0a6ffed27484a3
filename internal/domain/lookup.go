package domain

import "errors"

// ErrEmptyResult is wrapped by upstream clients whose response was well formed
// but carried no data.
var ErrEmptyResult = errors.New("upstream returned no data")

// FailureReason classifies why an external lookup did not produce a value.
type FailureReason int

const (
	FailureNone FailureReason = iota
	FailureTimeout
	FailureRateLimited
	FailureUpstreamError
	FailureEmptyResult
)

func (r FailureReason) String() string {
	switch r {
	case FailureNone:
		return "ok"
	case FailureTimeout:
		return "timeout"
	case FailureRateLimited:
		return "rate_limited"
	case FailureUpstreamError:
		return "upstream_error"
	case FailureEmptyResult:
		return "empty_result"
	default:
		return "unknown"
	}
}

// Result is the outcome of an external lookup: either a value or a failure
// reason. Err carries the underlying cause for logging only.
type Result[T any] struct {
	Value   T
	Failure FailureReason
	Err     error
}

// OK reports whether the lookup produced a value.
func (r Result[T]) OK() bool {
	return r.Failure == FailureNone
}

// Succeeded wraps v in a successful Result.
func Succeeded[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Failed builds a failed Result.
func Failed[T any](reason FailureReason, err error) Result[T] {
	return Result[T]{Failure: reason, Err: err}
}

// Place is a geocoded location.
type Place struct {
	Latitude  float64
	Longitude float64
	Name      string
}

// WeatherSnapshot holds current conditions at a point. Instant fields missing
// upstream are reported as zero; Precipitation is only meaningful when
// PrecipitationKnown is set.
type WeatherSnapshot struct {
	TemperatureC       float64
	WindSpeedMS        float64
	HumidityPct        float64
	PressureHPa        float64
	CloudCoverPct      float64
	PrecipitationMM    float64
	PrecipitationKnown bool
}
