package domain

import "time"

// Coordinates is a latitude/longitude pair in decimal degrees.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// InboundEvent is a single update delivered by the transport for one chat.
// Exactly one of Text or Location is expected to be set.
type InboundEvent struct {
	ChatID     int64
	EventID    int64
	Text       string
	Location   *Coordinates
	Sender     Profile
	ReceivedAt time.Time
}

// Kind names the payload carried by the event, for audit purposes.
func (e InboundEvent) Kind() string {
	switch {
	case e.Location != nil:
		return "location"
	case e.Text != "":
		return "text"
	default:
		return "unknown"
	}
}

// OutboundMessage is a reply to be delivered by the transport.
type OutboundMessage struct {
	ChatID          int64
	Text            string
	RequestLocation bool
}
