package rendezvous

import (
	"sync"

	"github.com/ggoodman/rendezvous-server-go/internal/metrics"
	"github.com/ggoodman/rendezvous-server-go/wire"
)

// Subscriber is the capability a watching session hands to a mailbox: Deliver
// receives each message exactly once in log order, Stop signals that the
// mailbox has been deleted and the session's transport should drop the
// connection. Both are invoked while other mailbox operations are excluded,
// so implementations must not block.
type Subscriber interface {
	Deliver(channelID string, msg wire.Message)
	Stop()
}

// Mailbox is a named, reference-counted message channel: an append-only
// ordered log plus the set of live subscribers. All sessions that claimed the
// same channel id share one mailbox. A single mutex guards claims, log and
// subscribers; "append + fan-out" and "subscribe + replay" each run as one
// critical section, which is what makes the replay-then-forward ordering
// guarantee hold under concurrent appends.
type Mailbox struct {
	id string

	mu          sync.Mutex
	claims      []string // multiset of sides, one entry per claim
	messages    []wire.Message
	subscribers map[Subscriber]struct{}
	deleted     bool
}

func newMailbox(id string) *Mailbox {
	return &Mailbox{
		id:          id,
		subscribers: make(map[Subscriber]struct{}),
	}
}

// ID returns the channel id the mailbox is registered under.
func (m *Mailbox) ID() string { return m.id }

// Subscribe replays the entire backlog to sub in arrival order and then
// registers it for future appends. Replay and registration are atomic: no
// append can slot between the snapshot and the registration, so nothing is
// lost or delivered twice.
func (m *Mailbox) Subscribe(sub Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages {
		sub.Deliver(m.id, msg)
	}
	m.subscribers[sub] = struct{}{}
}

// Unsubscribe removes sub from the subscriber set. Removal is explicit; a
// session that goes away without unsubscribing simply stops consuming what
// Deliver hands to its dead transport.
func (m *Mailbox) Unsubscribe(sub Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, sub)
}

// Append inserts msg at the end of the log and fans it out to every current
// subscriber, including the sender's own session if it is watching. The
// subscriber set is fixed for the duration of the fan-out: a session that
// subscribes concurrently either replays the message or is not yet
// registered, never both.
func (m *Mailbox) Append(msg wire.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = append(m.messages, msg)
	metrics.MessagesRelayed.Inc()
	for sub := range m.subscribers {
		sub.Deliver(m.id, msg)
	}
}

// claim records one claim entry for side. Claims are a multiset: the same
// side claiming from two connections holds two entries.
func (m *Mailbox) claim(side string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims = append(m.claims, side)
}

// release removes one claim entry for side. When the multiset empties the
// mailbox is dead: the log is discarded and the subscriber set is handed back
// so the caller can deliver close signals outside the lock.
func (m *Mailbox) release(side string) (deleted bool, subs []Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, s := range m.claims {
		if s == side {
			m.claims = append(m.claims[:i], m.claims[i+1:]...)
			break
		}
	}
	if len(m.claims) > 0 {
		return false, nil
	}

	m.deleted = true
	subs = make([]Subscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		subs = append(subs, sub)
	}
	m.subscribers = make(map[Subscriber]struct{})
	m.messages = nil
	return true, subs
}

// distinctSides reports how many different sides currently hold claims.
func (m *Mailbox) distinctSides() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(m.claims))
	for _, s := range m.claims {
		seen[s] = struct{}{}
	}
	return len(seen)
}

// claimCount is used by tests to assert lifecycle conservation.
func (m *Mailbox) claimCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.claims)
}
