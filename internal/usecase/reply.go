package usecase

import (
	"fmt"
	"strings"
	"time"

	"wx-dispatch/internal/domain"
)

const (
	menuText = "My options are:\n" +
		"/echo to toggle echos,\n" +
		"/info for any information,\n" +
		"/wx for weather data,\n" +
		"/wx <place> for weather somewhere else,\n" +
		"/clear to start again."

	startPromptText     = "Send /start to start..."
	locationPromptText  = "Please share your location to get the weather."
	clearedText         = "Deleted chat status & location for user."
	placeNotFoundText   = "The requested location does not exist in my records."
	lookupFailureText   = "Problem accessing weather data."
	weatherMissingText  = "Weather data unavailable."
	apologyText         = "Sorry, something went wrong. Please try again later."
	infoTimestampLayout = "2006-01-02 15:04 MST"
)

func reply(chatID int64, body string) domain.OutboundMessage {
	return domain.OutboundMessage{ChatID: chatID, Text: body}
}

func welcomeText(p domain.Profile) string {
	name := strings.TrimSpace(p.FirstName)
	if name == "" {
		name = "there"
	}
	return "Hello, " + name + ".\n" + menuText
}

func echoToggledText(enabled bool) string {
	if enabled {
		return "Echoing is now on."
	}
	return "Echoing is now off."
}

// weatherText renders a snapshot. Fields follow a fixed order: temperature,
// wind speed, humidity, pressure, cloud cover, precipitation.
func weatherText(place string, lat, lon float64, s domain.WeatherSnapshot) string {
	var b strings.Builder
	if place != "" {
		fmt.Fprintf(&b, "Weather in %s:\n", place)
	} else {
		b.WriteString("Weather at location:\n")
	}
	fmt.Fprintf(&b, "(%.2f, %.2f)\n", lat, lon)
	fmt.Fprintf(&b, "Temperature: %.2f°C\n", s.TemperatureC)
	fmt.Fprintf(&b, "Wind Speed: %.2f m/s\n", s.WindSpeedMS)
	fmt.Fprintf(&b, "Humidity: %.2f%%\n", s.HumidityPct)
	fmt.Fprintf(&b, "Pressure: %.2f hPa\n", s.PressureHPa)
	fmt.Fprintf(&b, "Cloud Coverage: %.2f%%\n", s.CloudCoverPct)
	if s.PrecipitationKnown {
		fmt.Fprintf(&b, "Precipitation: %.2f mm", s.PrecipitationMM)
	} else {
		b.WriteString("Precipitation: n/a")
	}
	return b.String()
}

// weatherFailureText is the user-facing text for a failed weather lookup.
// Rate limiting and upstream faults read the same.
func weatherFailureText(reason domain.FailureReason) string {
	if reason == domain.FailureEmptyResult {
		return weatherMissingText
	}
	return lookupFailureText
}

func infoText(conv *domain.Conversation, messages int) string {
	p := conv.Status.Profile
	var b strings.Builder

	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name != "" {
		fmt.Fprintf(&b, "Name: %s\n", name)
	}
	if p.Username != "" {
		fmt.Fprintf(&b, "Username: @%s\n", p.Username)
	}
	if p.ChatType != "" || p.LanguageCode != "" {
		fmt.Fprintf(&b, "Chat: %s, %s\n", orNA(p.ChatType), orNA(p.LanguageCode))
	}
	if !conv.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "First contact: %s\n", formatTime(conv.CreatedAt))
	}
	if !conv.Status.LastActivityAt.IsZero() {
		fmt.Fprintf(&b, "Last activity: %s\n", formatTime(conv.Status.LastActivityAt))
	}
	fmt.Fprintf(&b, "Echo: %s\n", onOff(conv.Status.EchoEnabled))
	if loc := conv.LastLocation; loc != nil {
		if loc.PlaceName != "" {
			fmt.Fprintf(&b, "Last location: %s (%.2f, %.2f)\n", loc.PlaceName, loc.Latitude, loc.Longitude)
		} else {
			fmt.Fprintf(&b, "Last location: (%.2f, %.2f)\n", loc.Latitude, loc.Longitude)
		}
	} else {
		b.WriteString("Last location: none\n")
	}
	fmt.Fprintf(&b, "Messages received: %d", messages)
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(infoTimestampLayout)
}

func orNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
