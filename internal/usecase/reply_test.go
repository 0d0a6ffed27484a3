package usecase

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wx-dispatch/internal/domain"
)

func TestWeatherText_FieldOrder(t *testing.T) {
	got := weatherText("London", 51.5, -0.12, domain.WeatherSnapshot{
		TemperatureC:       14.2,
		WindSpeedMS:        5.4,
		HumidityPct:        71,
		PressureHPa:        1012.3,
		CloudCoverPct:      87.5,
		PrecipitationMM:    0.3,
		PrecipitationKnown: true,
	})
	require.Equal(t, "Weather in London:\n"+
		"(51.50, -0.12)\n"+
		"Temperature: 14.20°C\n"+
		"Wind Speed: 5.40 m/s\n"+
		"Humidity: 71.00%\n"+
		"Pressure: 1012.30 hPa\n"+
		"Cloud Coverage: 87.50%\n"+
		"Precipitation: 0.30 mm", got)
}

func TestWeatherText_UnnamedAndUnknownPrecipitation(t *testing.T) {
	got := weatherText("", 1, 2, domain.WeatherSnapshot{})
	require.True(t, strings.HasPrefix(got, "Weather at location:\n(1.00, 2.00)\n"))
	require.True(t, strings.HasSuffix(got, "Precipitation: n/a"))
}

func TestWeatherFailureText(t *testing.T) {
	require.Equal(t, weatherMissingText, weatherFailureText(domain.FailureEmptyResult))
	require.Equal(t, lookupFailureText, weatherFailureText(domain.FailureTimeout))
	require.Equal(t, lookupFailureText, weatherFailureText(domain.FailureRateLimited))
	require.Equal(t, lookupFailureText, weatherFailureText(domain.FailureUpstreamError))
}

func TestWelcomeText(t *testing.T) {
	require.Equal(t, "Hello, Ada.\n"+menuText, welcomeText(domain.Profile{FirstName: "Ada"}))
	require.Equal(t, "Hello, there.\n"+menuText, welcomeText(domain.Profile{}))
}

func TestInfoText(t *testing.T) {
	created := time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC)
	conv := &domain.Conversation{
		ChatID:    42,
		CreatedAt: created,
		Status: domain.Status{
			EchoEnabled:    true,
			Profile:        domain.Profile{Username: "ada", FirstName: "Ada", LastName: "Lovelace", LanguageCode: "en", ChatType: "private"},
			LastActivityAt: created.Add(time.Hour),
		},
		LastLocation: &domain.Location{Latitude: 51.5, Longitude: -0.12, PlaceName: "London"},
	}
	require.Equal(t, "Name: Ada Lovelace\n"+
		"Username: @ada\n"+
		"Chat: private, en\n"+
		"First contact: 2026-10-01 09:30 UTC\n"+
		"Last activity: 2026-10-01 10:30 UTC\n"+
		"Echo: on\n"+
		"Last location: London (51.50, -0.12)\n"+
		"Messages received: 7", infoText(conv, 7))
}

func TestInfoText_Sparse(t *testing.T) {
	got := infoText(&domain.Conversation{}, 0)
	require.Equal(t, "Echo: off\nLast location: none\nMessages received: 0", got)
}
