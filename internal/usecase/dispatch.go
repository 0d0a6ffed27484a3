package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"wx-dispatch/internal/domain"
	"wx-dispatch/internal/metrics"
)

const (
	defaultAuditTTL = 30 * 24 * time.Hour
	// maxAttempts bounds how often a turn is re-read and re-decided after a
	// concurrent writer changed the conversation.
	maxAttempts = 3
)

// Store is the persistent conversation store. A conversation exists only once
// UpsertStatus has created it; UpsertLocation on a missing conversation must
// fail with domain.ErrConversationNotFound.
//
// UpsertStatus is a compare-and-set on status.Version: version zero creates
// the conversation, any other version must match the stored one. A mismatch
// fails with domain.ErrStaleConversation.
//
// RecordEvent reports false for an event id it has already seen for the chat.
// DeleteConversation keeps recorded events; CountEvents counts those recorded
// at or after since.
type Store interface {
	GetConversation(ctx context.Context, chatID int64) (*domain.Conversation, error)
	UpsertStatus(ctx context.Context, chatID int64, status domain.Status) error
	UpsertLocation(ctx context.Context, chatID int64, loc domain.Location) error
	DeleteConversation(ctx context.Context, chatID int64) error
	RecordEvent(ctx context.Context, rec domain.AuditRecord) (bool, error)
	CountEvents(ctx context.Context, chatID int64, since time.Time) (int, error)
}

// Lookups are the rate-limited upstream calls. They never return errors;
// failures come back inside the Result.
type Lookups interface {
	Geocode(ctx context.Context, place string) domain.Result[domain.Place]
	ReverseGeocode(ctx context.Context, lat, lon float64) domain.Result[string]
	Weather(ctx context.Context, lat, lon float64) domain.Result[domain.WeatherSnapshot]
}

// Dispatcher turns inbound events into replies, one event at a time per chat.
type Dispatcher struct {
	store    Store
	lookups  Lookups
	locks    *chatLocks
	auditTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type DispatcherOption func(*Dispatcher)

func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithAuditTTL sets how long recorded events are kept by stores that expire them.
func WithAuditTTL(ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.auditTTL = ttl
		}
	}
}

func NewDispatcher(store Store, lookups Lookups, opts ...DispatcherOption) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if lookups == nil {
		return nil, errors.New("usecase: lookups must not be nil")
	}
	d := &Dispatcher{
		store:    store,
		lookups:  lookups,
		locks:    newChatLocks(),
		auditTTL: defaultAuditTTL,
		now:      time.Now,
		logger:   slog.Default().With("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Handle processes a single event and returns the replies to send, in order.
// On store failures it returns an apology together with a *Error; callers
// should deliver the messages and log the error. Redelivered events yield no
// replies and no error.
func (d *Dispatcher) Handle(ctx context.Context, ev domain.InboundEvent) ([]domain.OutboundMessage, error) {
	in, ok := Classify(ev)
	if !ok {
		metrics.DispatchErrors.WithLabelValues(string(ErrorUnrecognizedEvent)).Inc()
		return nil, newError(ErrorUnrecognizedEvent, "empty_event", nil)
	}

	unlock := d.locks.Lock(ev.ChatID)
	defer unlock()

	now := d.now().UTC()
	recorded, err := d.store.RecordEvent(ctx, d.auditRecord(ev, now))
	if err != nil {
		return d.storeFailure(ev.ChatID, "record_event", err)
	}
	if !recorded {
		metrics.DuplicateEvents.Inc()
		d.logger.Info("skipping redelivered event", "chat_id", ev.ChatID, "event_id", ev.EventID)
		return nil, nil
	}

	// The lock only covers this process. Another instance may write the same
	// conversation, in which case the status write reports a stale version and
	// the turn is decided again on fresh state.
	for attempt := 1; ; attempt++ {
		conv, err := d.store.GetConversation(ctx, ev.ChatID)
		if err != nil {
			return d.storeFailure(ev.ChatID, "get_conversation", err)
		}

		action, next := decide(situationOf(conv), in)
		metrics.DispatchActions.WithLabelValues(string(action)).Inc()
		d.logger.Debug("dispatching event",
			"chat_id", ev.ChatID, "event_id", ev.EventID, "intent", in.Kind, "action", action, "next_state", next, "attempt", attempt)

		msgs, err := d.apply(ctx, turn{ev: ev, in: in, conv: conv, now: now}, action)
		if !errors.Is(err, domain.ErrStaleConversation) {
			return msgs, err
		}
		if attempt == maxAttempts {
			metrics.DispatchErrors.WithLabelValues(string(ErrorStoreConflict)).Inc()
			return msgs, err
		}
		d.logger.Info("conversation changed concurrently, retrying",
			"chat_id", ev.ChatID, "event_id", ev.EventID, "attempt", attempt)
	}
}

// turn is the input to a single transition.
type turn struct {
	ev   domain.InboundEvent
	in   Intent
	conv *domain.Conversation
	now  time.Time
}

// status is the stored status refreshed with the sender profile and the
// activity time of this turn.
func (t turn) status() domain.Status {
	var s domain.Status
	if t.conv != nil {
		s = t.conv.Status
	}
	s.Profile = mergeProfile(s.Profile, t.ev.Sender)
	s.LastActivityAt = t.now
	return s
}

func (d *Dispatcher) apply(ctx context.Context, t turn, action Action) ([]domain.OutboundMessage, error) {
	chatID := t.ev.ChatID

	switch action {
	case ActionPromptStart:
		return []domain.OutboundMessage{reply(chatID, startPromptText)}, nil

	case ActionOnboard:
		st := t.status()
		if err := d.store.UpsertStatus(ctx, chatID, st); err != nil {
			return d.storeFailure(chatID, "upsert_status", err)
		}
		return []domain.OutboundMessage{reply(chatID, welcomeText(st.Profile))}, nil

	case ActionRequestLocation:
		st := t.status()
		st.PendingIntent = domain.PendingLocationForWeather
		if err := d.store.UpsertStatus(ctx, chatID, st); err != nil {
			return d.storeFailure(chatID, "upsert_status", err)
		}
		return []domain.OutboundMessage{{ChatID: chatID, Text: locationPromptText, RequestLocation: true}}, nil

	case ActionWeatherStored:
		st := t.status()
		st.PendingIntent = domain.PendingNone
		if err := d.store.UpsertStatus(ctx, chatID, st); err != nil {
			return d.storeFailure(chatID, "upsert_status", err)
		}
		loc := *t.conv.LastLocation
		if loc.PlaceName == "" {
			if res := d.lookups.ReverseGeocode(ctx, loc.Latitude, loc.Longitude); res.OK() {
				loc.PlaceName = res.Value
				if err := d.store.UpsertLocation(ctx, chatID, loc); err != nil {
					return d.storeFailure(chatID, "upsert_location", err)
				}
			}
		}
		return []domain.OutboundMessage{d.weatherReply(ctx, chatID, loc.PlaceName, loc.Latitude, loc.Longitude)}, nil

	case ActionWeatherPlace:
		st := t.status()
		st.PendingIntent = domain.PendingNone
		if err := d.store.UpsertStatus(ctx, chatID, st); err != nil {
			return d.storeFailure(chatID, "upsert_status", err)
		}
		geo := d.lookups.Geocode(ctx, t.in.Place)
		switch {
		case geo.Failure == domain.FailureEmptyResult:
			return []domain.OutboundMessage{reply(chatID, placeNotFoundText)}, nil
		case !geo.OK():
			return []domain.OutboundMessage{reply(chatID, lookupFailureText)}, nil
		}
		p := geo.Value
		return []domain.OutboundMessage{d.weatherReply(ctx, chatID, p.Name, p.Latitude, p.Longitude)}, nil

	case ActionCompletePending:
		c := t.in.Location
		var name string
		if res := d.lookups.ReverseGeocode(ctx, c.Latitude, c.Longitude); res.OK() {
			name = res.Value
		}
		loc := domain.Location{Latitude: c.Latitude, Longitude: c.Longitude, PlaceName: name, UpdatedAt: t.now}
		if err := d.store.UpsertLocation(ctx, chatID, loc); err != nil {
			return d.storeFailure(chatID, "upsert_location", err)
		}
		// The pending request is discharged whatever the weather lookup returns.
		st := t.status()
		st.PendingIntent = domain.PendingNone
		if err := d.store.UpsertStatus(ctx, chatID, st); err != nil {
			return d.storeFailure(chatID, "upsert_status", err)
		}
		return []domain.OutboundMessage{d.weatherReply(ctx, chatID, name, c.Latitude, c.Longitude)}, nil

	case ActionStoreLocation:
		c := t.in.Location
		loc := domain.Location{Latitude: c.Latitude, Longitude: c.Longitude, UpdatedAt: t.now}
		if err := d.store.UpsertLocation(ctx, chatID, loc); err != nil {
			return d.storeFailure(chatID, "upsert_location", err)
		}
		if err := d.store.UpsertStatus(ctx, chatID, t.status()); err != nil {
			return d.storeFailure(chatID, "upsert_status", err)
		}
		return nil, nil

	case ActionInfo:
		st := t.status()
		if err := d.store.UpsertStatus(ctx, chatID, st); err != nil {
			return d.storeFailure(chatID, "upsert_status", err)
		}
		count, err := d.store.CountEvents(ctx, chatID, t.conv.CreatedAt)
		if err != nil {
			return d.storeFailure(chatID, "count_events", err)
		}
		conv := *t.conv
		conv.Status = st
		return []domain.OutboundMessage{reply(chatID, infoText(&conv, count))}, nil

	case ActionToggleEcho:
		st := t.status()
		st.EchoEnabled = !st.EchoEnabled
		if err := d.store.UpsertStatus(ctx, chatID, st); err != nil {
			return d.storeFailure(chatID, "upsert_status", err)
		}
		return []domain.OutboundMessage{reply(chatID, echoToggledText(st.EchoEnabled))}, nil

	case ActionClear:
		if err := d.store.DeleteConversation(ctx, chatID); err != nil {
			return d.storeFailure(chatID, "delete_conversation", err)
		}
		return []domain.OutboundMessage{reply(chatID, clearedText)}, nil

	case ActionEcho, ActionMenu:
		if err := d.store.UpsertStatus(ctx, chatID, t.status()); err != nil {
			return d.storeFailure(chatID, "upsert_status", err)
		}
		if action == ActionEcho {
			return []domain.OutboundMessage{reply(chatID, t.in.Text)}, nil
		}
		return []domain.OutboundMessage{reply(chatID, menuText)}, nil
	}

	metrics.DispatchErrors.WithLabelValues(string(ErrorInternal)).Inc()
	return nil, newError(ErrorInternal, "unknown_action", fmt.Errorf("action %q", action))
}

func (d *Dispatcher) weatherReply(ctx context.Context, chatID int64, place string, lat, lon float64) domain.OutboundMessage {
	res := d.lookups.Weather(ctx, lat, lon)
	if !res.OK() {
		return reply(chatID, weatherFailureText(res.Failure))
	}
	return reply(chatID, weatherText(place, lat, lon, res.Value))
}

// storeFailure converts a store error into the apology reply plus a coded error.
// Conflicts are counted by Handle once retries are exhausted.
func (d *Dispatcher) storeFailure(chatID int64, op string, err error) ([]domain.OutboundMessage, error) {
	code := ErrorStoreUnavailable
	switch {
	case errors.Is(err, domain.ErrConversationNotFound):
		code = ErrorStoreIntegrity
	case errors.Is(err, domain.ErrStaleConversation):
		code = ErrorStoreConflict
	}
	if code != ErrorStoreConflict {
		metrics.DispatchErrors.WithLabelValues(string(code)).Inc()
	}
	return []domain.OutboundMessage{reply(chatID, apologyText)}, newError(code, op, err)
}

func (d *Dispatcher) auditRecord(ev domain.InboundEvent, now time.Time) domain.AuditRecord {
	received := ev.ReceivedAt
	if received.IsZero() {
		received = now
	}
	body := ev.Text
	if ev.Location != nil {
		body = strconv.FormatFloat(ev.Location.Latitude, 'f', 6, 64) + "," + strconv.FormatFloat(ev.Location.Longitude, 'f', 6, 64)
	}
	return domain.AuditRecord{
		ChatID:     ev.ChatID,
		EventID:    ev.EventID,
		Kind:       ev.Kind(),
		Text:       body,
		ReceivedAt: received.UTC(),
		RecordedAt: now,
		TTL:        now.Add(d.auditTTL).Unix(),
	}
}

// mergeProfile overlays the non-empty fields of latest onto stored.
func mergeProfile(stored, latest domain.Profile) domain.Profile {
	if latest.Username != "" {
		stored.Username = latest.Username
	}
	if latest.FirstName != "" {
		stored.FirstName = latest.FirstName
	}
	if latest.LastName != "" {
		stored.LastName = latest.LastName
	}
	if latest.LanguageCode != "" {
		stored.LanguageCode = latest.LanguageCode
	}
	if latest.ChatType != "" {
		stored.ChatType = latest.ChatType
	}
	return stored
}
