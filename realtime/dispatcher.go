package realtime

import (
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/fleetview/fleetview-client/cache"
	"github.com/fleetview/fleetview-client/entity"
	"github.com/fleetview/fleetview-client/internal/logging"
)

// subKey identifies one event kind in the subscription registry.
type subKey struct {
	family entity.Family
	op     entity.Op
}

// Dispatcher translates parsed server messages into cache invalidation
// and typed subscription events. Subscribers run synchronously in
// registration order; a panicking subscriber must not starve the rest.
type Dispatcher struct {
	entities *cache.Cache
	revoke   func(reason string)
	reply    func(Message) // set by the channel; nil until connected

	subs    map[subKey][]func(entity.Event)
	allSubs []func(entity.Event)
	nowFunc func() time.Time
}

// NewDispatcher wires the dispatcher to the entity cache and the revoke
// entry point (invoked for expired-token push errors).
func NewDispatcher(entities *cache.Cache, revoke func(reason string)) *Dispatcher {
	return &Dispatcher{
		entities: entities,
		revoke:   revoke,
		subs:     make(map[subKey][]func(entity.Event)),
		nowFunc:  time.Now,
	}
}

// Subscribe registers a callback for one family × operation kind.
// The dispatcher is wired single-goroutine from the channel's read
// loop; subscriptions are expected during session setup.
func (d *Dispatcher) Subscribe(family entity.Family, op entity.Op, fn func(entity.Event)) {
	key := subKey{family: family, op: op}
	d.subs[key] = append(d.subs[key], fn)
}

// SubscribeAll registers a callback for every entity event.
func (d *Dispatcher) SubscribeAll(fn func(entity.Event)) {
	d.allSubs = append(d.allSubs, fn)
}

// setReply installs the channel's outbound frame writer.
func (d *Dispatcher) setReply(fn func(Message)) {
	d.reply = fn
}

// Handle processes one raw frame from the socket.
func (d *Dispatcher) Handle(raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		logging.Debug().Err(err).Msg("dropping unparseable push frame")
		return
	}

	switch msg.Type {
	case MessageTypePing:
		if d.reply != nil {
			d.reply(Message{Type: MessageTypePong, Timestamp: d.nowFunc().UnixMilli()})
		}
		return
	case MessageTypePong:
		return
	case MessageTypeError:
		d.handleError(msg)
		return
	}

	family, op, ok := entityType(msg.Type)
	if !ok {
		logging.Debug().Str("type", msg.Type).Msg("dropping unknown push type")
		return
	}

	// Invalidate before any subscriber observes the event, so a
	// subscriber that immediately lists gets fresh data.
	d.entities.Invalidate(family)

	event := entity.Event{Family: family, Op: op, Payload: entity.Record(msg.Data)}
	for _, fn := range d.subs[subKey{family: family, op: op}] {
		d.deliver(fn, event)
	}
	for _, fn := range d.allSubs {
		d.deliver(fn, event)
	}
}

func (d *Dispatcher) handleError(msg Message) {
	text := msg.Error
	if text == "" {
		text = string(msg.Data)
	}
	if tokenExpiredMarker(text) {
		logging.Info().Msg("server push reported expired token")
		d.revoke("expired")
		return
	}
	logging.Warn().Str("error", text).Msg("server push error")
}

func (d *Dispatcher) deliver(fn func(entity.Event), event entity.Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Msg("subscriber panicked")
		}
	}()
	fn(event)
}

func tokenExpiredMarker(text string) bool {
	lowered := strings.ToLower(text)
	for _, marker := range []string{"jwt expired", "token expired", "invalid token", "token_expired"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
