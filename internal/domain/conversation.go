package domain

import (
	"errors"
	"time"
)

// ErrConversationNotFound is returned by stores when a write targets a
// conversation that has not been onboarded.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrStaleConversation is returned by stores when a status write was based on
// a version that another writer has since replaced.
var ErrStaleConversation = errors.New("conversation changed concurrently")

// PendingIntent is the single outstanding multi-step request of a conversation.
type PendingIntent string

const (
	PendingNone               PendingIntent = ""
	PendingLocationForWeather PendingIntent = "awaiting_location_for_weather"
)

// Profile is the sender information captured from the transport.
type Profile struct {
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
	ChatType     string
}

// Location is the last known position of a conversation.
type Location struct {
	Latitude  float64
	Longitude float64
	PlaceName string
	UpdatedAt time.Time
}

// Status holds the mutable flags of an onboarded conversation.
//
// Version is the store revision the status was read at, zero for a
// conversation that does not exist yet. A store accepts a status write only
// when Version still matches and then advances it.
type Status struct {
	EchoEnabled    bool
	PendingIntent  PendingIntent
	Profile        Profile
	LastActivityAt time.Time
	Version        int64
}

// Conversation is the persisted state of a single chat. A conversation only
// exists in a store once it has been onboarded.
type Conversation struct {
	ChatID       int64
	Status       Status
	LastLocation *Location
	CreatedAt    time.Time
}

// AwaitingLocation reports whether a weather request is waiting on a location.
func (c *Conversation) AwaitingLocation() bool {
	return c != nil && c.Status.PendingIntent == PendingLocationForWeather
}

// AuditRecord is a single inbound event kept for history and redelivery
// detection. Records outlive /clear until their TTL so that redelivered
// events are still recognized.
type AuditRecord struct {
	ChatID     int64
	EventID    int64
	Kind       string
	Text       string
	ReceivedAt time.Time // transport timestamp
	RecordedAt time.Time // dispatcher clock
	TTL        int64
}
