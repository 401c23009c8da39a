package accounts

import "sync"

// EventKind identifies the publish/subscribe events the pool and poller
// emit (spec §9 Design Note: "replace [reactive hooks] with explicit
// publish/subscribe from C5/C6 — channels or observer lists").
type EventKind string

const (
	EventQuotaUpdated         EventKind = "quota_updated"
	EventStatusChanged        EventKind = "status_changed"
	EventAutoSwitchCandidate  EventKind = "auto_switch_candidate"
	EventNoCapacity           EventKind = "no_capacity"
	EventAccountSwitched      EventKind = "account_switched"
)

// Event is a single pool/poller notification delivered to subscribers.
type Event struct {
	Kind      EventKind
	AccountID string
	From      Status // populated for EventStatusChanged
	To        Status // populated for EventStatusChanged
}

// eventBus is a minimal observer list: Subscribe registers a buffered
// channel; publish is non-blocking so a slow or absent subscriber never
// stalls the pool or poller (spec §5: blocking points must not hold locks).
type eventBus struct {
	mu   sync.Mutex
	subs []chan Event
}

func (b *eventBus) subscribe(buffer int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, buffer)
	b.subs = append(b.subs, ch)
	return ch
}

func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	subs := append([]chan Event(nil), b.subs...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Drop rather than block a slow subscriber.
		}
	}
}
