package rendezvous

import (
	"sort"
	"strconv"
	"sync"

	"github.com/ggoodman/rendezvous-server-go/internal/metrics"
)

// Registry partitions the channel namespace by application id. It is an
// explicit value owned by the process and injected into each session at
// construction; tests run as many independent registries as they like.
type Registry struct {
	mu   sync.Mutex
	apps map[string]*App
}

func NewRegistry() *Registry {
	return &Registry{apps: make(map[string]*App)}
}

// App returns the directory for appID, creating it on first use. Apps are
// never garbage collected; the set of application ids a deployment sees is
// small and stable.
func (r *Registry) App(appID string) *App {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.apps[appID]
	if !ok {
		app = &App{id: appID, mailboxes: make(map[string]*Mailbox)}
		r.apps[appID] = app
	}
	return app
}

// App is one application's directory: the map from channel id to live
// mailbox. Claim and release route through the App so that claim counting
// and map membership stay consistent: a mailbox is in the map iff its claim
// multiset is non-empty. Lock order is always App before Mailbox.
type App struct {
	id string

	mu        sync.Mutex
	mailboxes map[string]*Mailbox
}

// ID returns the application id this directory serves.
func (a *App) ID() string { return a.id }

// Claim adds one claim entry for side on channelID, creating the mailbox if
// it does not exist. A channel id whose previous mailbox was deleted gets a
// brand-new, empty mailbox; deleted mailboxes are never resurrected.
func (a *App) Claim(channelID, side string) *Mailbox {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.claimLocked(channelID, side)
}

func (a *App) claimLocked(channelID, side string) *Mailbox {
	mb, ok := a.mailboxes[channelID]
	if !ok {
		mb = newMailbox(channelID)
		a.mailboxes[channelID] = mb
		metrics.MailboxesCreated.Inc()
	}
	mb.claim(side)
	return mb
}

// Release removes one of side's claim entries from mb. When the last claim
// goes, the mailbox is removed from the directory and the subscribers that
// must be told to close are returned. The caller delivers the Stop signals
// after its own response is on the way and outside the locks, so the
// releasing side still sees its released status and a transport teardown
// cannot re-enter the directory mid-mutation.
func (a *App) Release(mb *Mailbox, side string) (deleted bool, closed []Subscriber) {
	a.mu.Lock()
	defer a.mu.Unlock()

	deleted, closed = mb.release(side)
	if deleted {
		delete(a.mailboxes, mb.id)
		metrics.MailboxesDeleted.Inc()
	}
	return deleted, closed
}

// Allocate picks the lowest-numbered numeric channel id not currently in the
// directory and atomically creates and claims its mailbox for side. Deleted
// ids become available again; nothing forces or forbids their reuse beyond
// "not currently present".
func (a *App) Allocate(side string) (string, *Mailbox) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 1; ; i++ {
		id := strconv.Itoa(i)
		if _, ok := a.mailboxes[id]; !ok {
			return id, a.claimLocked(id, side)
		}
	}
}

// WaitingChannels returns, sorted, every channel id whose claim multiset has
// exactly one distinct side, meaning channels waiting for a partner. A channel
// claimed by two distinct sides is excluded.
func (a *App) WaitingChannels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]string, 0, len(a.mailboxes))
	for id, mb := range a.mailboxes {
		if mb.distinctSides() == 1 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Mailbox looks up a live mailbox by channel id. Used by tests and
// inspection; protocol paths hold mailbox references through session claims.
func (a *App) Mailbox(channelID string) (*Mailbox, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	mb, ok := a.mailboxes[channelID]
	return mb, ok
}
