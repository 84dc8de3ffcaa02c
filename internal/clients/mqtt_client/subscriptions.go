package mqtt_client

import "sync"

// SubscriptionStatus represents the current state of a subscription
type SubscriptionStatus int

const (
	// StatusNone means the filter is not tracked
	StatusNone SubscriptionStatus = iota
	// StatusPending means the filter must be (re)subscribed on the next connect
	StatusPending
	// StatusSubscribing means SUBSCRIBE was sent and no SUBACK arrived yet
	StatusSubscribing
	// StatusSubscribed means the broker accepted the subscription
	StatusSubscribed
)

func (s SubscriptionStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSubscribing:
		return "subscribing"
	case StatusSubscribed:
		return "subscribed"
	default:
		return "none"
	}
}

type subscription struct {
	filter string
	qos    byte
	status SubscriptionStatus
}

// subscriptionTable tracks the filters a handle must hold. Every filter goes
// back to pending when the connection drops.
type subscriptionTable struct {
	mu      sync.RWMutex
	entries map[string]*subscription
	order   []string
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{entries: make(map[string]*subscription)}
}

// track adds a filter as pending. Tracking a filter twice keeps the first qos.
func (t *subscriptionTable) track(filter string, qos byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[filter]; exists {
		return
	}
	t.entries[filter] = &subscription{filter: filter, qos: qos, status: StatusPending}
	t.order = append(t.order, filter)
}

func (t *subscriptionTable) status(filter string) SubscriptionStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sub, exists := t.entries[filter]
	if !exists {
		return StatusNone
	}
	return sub.status
}

// delivering reports whether messages for filter may reach the handler: the
// subscription must have been issued on the current connection.
func (t *subscriptionTable) delivering(filter string) bool {
	s := t.status(filter)
	return s == StatusSubscribing || s == StatusSubscribed
}

// allSubscribed is true when every tracked filter has been accepted.
func (t *subscriptionTable) allSubscribed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.entries) == 0 {
		return false
	}
	for _, sub := range t.entries {
		if sub.status != StatusSubscribed {
			return false
		}
	}
	return true
}

func (t *subscriptionTable) markAllPending() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, sub := range t.entries {
		sub.status = StatusPending
	}
}

// beginPending moves every pending filter to subscribing and returns them in
// tracking order.
func (t *subscriptionTable) beginPending() []subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []subscription
	for _, filter := range t.order {
		sub := t.entries[filter]
		if sub.status != StatusPending {
			continue
		}
		sub.status = StatusSubscribing
		out = append(out, *sub)
	}
	return out
}

// complete settles a subscribing filter. A filter reset to pending by a
// connection loss in the meantime is left alone.
func (t *subscriptionTable) complete(filter string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, exists := t.entries[filter]
	if !exists || sub.status != StatusSubscribing {
		return
	}
	if ok {
		sub.status = StatusSubscribed
	} else {
		sub.status = StatusPending
	}
}
