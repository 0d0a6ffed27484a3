package telegram

import (
	"time"

	"wx-dispatch/internal/domain"
)

// Update is the subset of a Bot API update the dispatcher consumes.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type Message struct {
	MessageID int64     `json:"message_id"`
	Date      int64     `json:"date"`
	Chat      Chat      `json:"chat"`
	From      *User     `json:"from,omitempty"`
	Text      string    `json:"text,omitempty"`
	Location  *Location `json:"location,omitempty"`
}

type Chat struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type User struct {
	ID           int64  `json:"id"`
	IsBot        bool   `json:"is_bot"`
	Username     string `json:"username,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Event converts the update into an inbound event. Updates that carry no
// message (edits, channel posts, callbacks) report false.
func (u Update) Event() (domain.InboundEvent, bool) {
	m := u.Message
	if m == nil {
		return domain.InboundEvent{}, false
	}

	ev := domain.InboundEvent{
		ChatID:  m.Chat.ID,
		EventID: m.MessageID,
		Text:    m.Text,
		Sender: domain.Profile{
			Username:  m.Chat.Username,
			FirstName: m.Chat.FirstName,
			LastName:  m.Chat.LastName,
			ChatType:  m.Chat.Type,
		},
		ReceivedAt: time.Unix(m.Date, 0).UTC(),
	}
	if m.From != nil {
		ev.Sender.LanguageCode = m.From.LanguageCode
		if ev.Sender.Username == "" {
			ev.Sender.Username = m.From.Username
		}
		if ev.Sender.FirstName == "" {
			ev.Sender.FirstName = m.From.FirstName
			ev.Sender.LastName = m.From.LastName
		}
	}
	if m.Location != nil {
		ev.Location = &domain.Coordinates{Latitude: m.Location.Latitude, Longitude: m.Location.Longitude}
	}
	return ev, true
}
