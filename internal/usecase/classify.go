package usecase

import (
	"strings"

	"wx-dispatch/internal/domain"
)

const (
	cmdStart = "/start"
	cmdInfo  = "/info"
	cmdWx    = "/wx"
	cmdEcho  = "/echo"
	cmdClear = "/clear"
)

// IntentKind is what an inbound event asks for, independent of state.
type IntentKind string

const (
	IntentOnboard      IntentKind = "onboard"
	IntentInfo         IntentKind = "info"
	IntentWeather      IntentKind = "weather"
	IntentWeatherPlace IntentKind = "weather_place"
	IntentToggleEcho   IntentKind = "toggle_echo"
	IntentClear        IntentKind = "clear"
	IntentLocation     IntentKind = "location"
	IntentFreeText     IntentKind = "free_text"
)

// Intent is a classified inbound event.
type Intent struct {
	Kind     IntentKind
	Text     string
	Place    string
	Location domain.Coordinates
}

// Classify maps an event to an intent. Matching is exact and case-sensitive,
// with the "/wx " prefix checked before the bare command. Events carrying
// neither text nor a location are not recognized.
func Classify(ev domain.InboundEvent) (Intent, bool) {
	if ev.Location != nil {
		return Intent{Kind: IntentLocation, Location: *ev.Location}, true
	}
	text := ev.Text
	if text == "" {
		return Intent{}, false
	}

	if rest, ok := strings.CutPrefix(text, cmdWx+" "); ok {
		if place := strings.TrimSpace(rest); place != "" {
			return Intent{Kind: IntentWeatherPlace, Text: text, Place: place}, true
		}
		return Intent{Kind: IntentWeather, Text: text}, true
	}

	switch text {
	case cmdStart:
		return Intent{Kind: IntentOnboard, Text: text}, true
	case cmdInfo:
		return Intent{Kind: IntentInfo, Text: text}, true
	case cmdWx:
		return Intent{Kind: IntentWeather, Text: text}, true
	case cmdEcho:
		return Intent{Kind: IntentToggleEcho, Text: text}, true
	case cmdClear:
		return Intent{Kind: IntentClear, Text: text}, true
	}
	return Intent{Kind: IntentFreeText, Text: text}, true
}
