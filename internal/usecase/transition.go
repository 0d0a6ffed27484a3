package usecase

import (
	"strings"

	"wx-dispatch/internal/domain"
)

// State is the dispatch state of a conversation.
type State string

const (
	StateUnknown          State = "unknown"
	StateIdle             State = "idle"
	StateAwaitingLocation State = "awaiting_location"
)

// Action is the side effect an intent triggers in a given state.
type Action string

const (
	ActionPromptStart     Action = "prompt_start"
	ActionOnboard         Action = "onboard"
	ActionRequestLocation Action = "request_location"
	ActionWeatherStored   Action = "weather_stored"
	ActionWeatherPlace    Action = "weather_place"
	ActionCompletePending Action = "complete_pending"
	ActionStoreLocation   Action = "store_location"
	ActionInfo            Action = "info"
	ActionToggleEcho      Action = "toggle_echo"
	ActionClear           Action = "clear"
	ActionEcho            Action = "echo"
	ActionMenu            Action = "menu"
)

// situation is the slice of stored state the transition table reads.
type situation struct {
	State       State
	HasLocation bool
	EchoEnabled bool
}

func situationOf(conv *domain.Conversation) situation {
	if conv == nil {
		return situation{State: StateUnknown}
	}
	s := situation{
		State:       StateIdle,
		HasLocation: conv.LastLocation != nil,
		EchoEnabled: conv.Status.EchoEnabled,
	}
	if conv.AwaitingLocation() {
		s.State = StateAwaitingLocation
	}
	return s
}

// decide is the transition table. It is pure: the action names every side
// effect and next is the state the conversation ends up in.
func decide(s situation, in Intent) (action Action, next State) {
	if s.State == StateUnknown {
		if in.Kind == IntentOnboard {
			return ActionOnboard, StateIdle
		}
		return ActionPromptStart, StateUnknown
	}

	switch in.Kind {
	case IntentOnboard:
		return ActionOnboard, s.State
	case IntentWeather:
		if s.HasLocation {
			return ActionWeatherStored, StateIdle
		}
		return ActionRequestLocation, StateAwaitingLocation
	case IntentWeatherPlace:
		return ActionWeatherPlace, StateIdle
	case IntentLocation:
		if s.State == StateAwaitingLocation {
			return ActionCompletePending, StateIdle
		}
		return ActionStoreLocation, StateIdle
	case IntentInfo:
		return ActionInfo, s.State
	case IntentToggleEcho:
		return ActionToggleEcho, s.State
	case IntentClear:
		return ActionClear, StateUnknown
	}

	if s.EchoEnabled && !strings.HasPrefix(in.Text, "/") {
		return ActionEcho, s.State
	}
	return ActionMenu, s.State
}
