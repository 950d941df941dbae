package storesync

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// EventType tags an InvalidationEvent. Server message types are kept verbatim.
type EventType string

const (
	EventCacheInvalidated     EventType = "cache_invalidated"
	EventFlashSalesUpdated    EventType = "flash_sales_updated"
	EventProfileUpdated       EventType = "profile_updated"
	EventAllCachesInvalidated EventType = "all_caches_invalidated"
	EventCartUpdated          EventType = "cart_updated"

	// informational server frames
	EventWelcome EventType = "connection"
	EventPong    EventType = "pong"

	// produced inside the client
	EventPollTick     EventType = "poll_tick"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventRevalidated  EventType = "revalidated"
	EventManual       EventType = "manual"

	// any frame type outside the server vocabulary
	EventUnknown EventType = "unknown"
)

// wireTypes is everything the push server may send. Client-internal types
// arriving on the wire are treated like any other unknown type.
var wireTypes = map[EventType]bool{
	EventCacheInvalidated:     true,
	EventFlashSalesUpdated:    true,
	EventProfileUpdated:       true,
	EventAllCachesInvalidated: true,
	EventCartUpdated:          true,
	EventWelcome:              true,
	EventPong:                 true,
}

var ErrMalformedEvent = errors.New("malformed event")

// InvalidationEvent is one inbound signal. It is consumed once by the router.
type InvalidationEvent struct {
	Type EventType
	// Kind is empty when the event does not name a resource, or names one the
	// client does not know (Cache then holds the raw name).
	Kind      ResourceKind
	Cache     string
	UserID    int64
	HasUserID bool
	// All marks a manual refresh of every kind.
	All bool
	Raw []byte
}

func (e InvalidationEvent) String() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s(%s)", e.Type, e.Kind)
	}
	return string(e.Type)
}

// ParseEvent decodes a push frame of the form
//
//	{"type": "...", "cache": "...", "user_id": 1}
//
// The server sometimes nests the fields under "data"; both places are read.
// Types the server does not send come back as EventUnknown.
func ParseEvent(raw []byte) (InvalidationEvent, error) {
	if !gjson.ValidBytes(raw) {
		return InvalidationEvent{}, fmt.Errorf("%w: invalid json", ErrMalformedEvent)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return InvalidationEvent{}, fmt.Errorf("%w: not an object", ErrMalformedEvent)
	}
	typ := root.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return InvalidationEvent{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	ev := InvalidationEvent{Type: EventType(typ.Str), Raw: raw}
	if !wireTypes[ev.Type] {
		ev.Type = EventUnknown
		return ev, nil
	}

	cache := firstOf(root, "cache", "data.cache")
	if cache.Type == gjson.String && cache.Str != "" {
		ev.Cache = cache.Str
		if k, ok := ParseKind(cache.Str); ok {
			ev.Kind = k
		}
	}

	uid := firstOf(root, "user_id", "data.user_id")
	switch uid.Type {
	case gjson.Number:
		ev.UserID, ev.HasUserID = uid.Int(), true
	case gjson.String:
		if n, err := strconv.ParseInt(uid.Str, 10, 64); err == nil {
			ev.UserID, ev.HasUserID = n, true
		}
	}
	return ev, nil
}

func firstOf(root gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if r := root.Get(p); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}
