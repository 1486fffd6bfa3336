package rendezvous

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/ggoodman/rendezvous-server-go/internal/metrics"
	"github.com/ggoodman/rendezvous-server-go/wire"
)

// Error is a recoverable protocol violation: the offending command gets an
// error response carrying this explanation plus the original frame, and the
// connection carries on. No protocol violation mutates state before
// validation completes, so there is nothing to roll back.
type Error struct {
	explain string
}

func NewError(explain string) *Error { return &Error{explain: explain} }

func (e *Error) Error() string { return e.explain }

var (
	errMissingType      = NewError("missing 'type'")
	errUnknownType      = NewError("Unknown type")
	errPingRequires     = NewError("ping requires 'ping'")
	errAlreadyBound     = NewError("already bound")
	errBindNeedsAppID   = NewError("bind requires 'appId'")
	errBindNeedsSide    = NewError("bind requires 'side'")
	errMustBindFirst    = NewError("Must bind first")
	errAlreadyAllocated = NewError("You already allocated one channel, don't be greedy")
	errClaimNeedsID     = NewError("claim requires 'channelId'")
	errWatchNeedsID     = NewError("watch requires 'channelId'")
	errAddNeedsID       = NewError("add requires 'channelId'")
	errAddNeedsPhase    = NewError("missing 'phase'")
	errAddNeedsBody     = NewError("missing 'body'")
	errReleaseNeedsID   = NewError("release requires 'channelId'")
	errWatchUnclaimed   = NewError("must claim channel before watching")
	errAddUnclaimed     = NewError("must claim channel before adding")
	errReleaseUnclaimed = NewError("must claim channel before releasing")
)

// Sender is the outbound capability a session drives: Send queues one
// response frame for the session's own connection, Terminate asks the
// transport to drop it (used when a watched mailbox is deleted). Both must be
// safe to call from any goroutine and must not block; implementations queue
// and let their own write loop drain.
type Sender interface {
	Send(resp wire.Response)
	Terminate()
}

// Session is the per-connection protocol state machine. One session exists
// per physical connection, created on connect and discarded on disconnect.
// All command handling happens on the connection's read goroutine, so session
// fields need no lock; cross-session effects synchronize inside Mailbox and
// App.
//
// Disconnect does not release the session's claims. A side that reconnects
// can claim the same channel again; a side that never does leaves its claim
// entries behind, pinning the mailbox. That is the observed behavior of the
// protocol and it is preserved deliberately.
type Session struct {
	registry *Registry
	sender   Sender
	log      *slog.Logger

	app         *App
	side        string
	didAllocate bool
	claimed     map[string]*Mailbox
	watched     map[string]*Mailbox
	closed      bool
}

func NewSession(registry *Registry, sender Sender, log *slog.Logger) *Session {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{
		registry: registry,
		sender:   sender,
		log:      log,
		claimed:  make(map[string]*Mailbox),
		watched:  make(map[string]*Mailbox),
	}
}

// HandleFrame processes one inbound frame. Frames that are not JSON objects
// are logged and dropped; everything else is answered in-protocol. A command
// carrying a correlation id is acked before any other processing, regardless
// of outcome. The one exception is a frame with no type at all, which gets
// its error without an ack.
func (s *Session) HandleFrame(data []byte, serverRx time.Time) {
	if s.closed {
		return
	}

	cmd, err := wire.Decode(data)
	if err != nil {
		s.log.Debug("dropping undecodable frame", slog.String("err", err.Error()))
		return
	}

	if _, ok := cmd.(*wire.Invalid); ok {
		metrics.CommandsTotal.WithLabelValues("invalid").Inc()
		s.sender.Send(wire.NewError(errMissingType.Error(), cmd.Raw()))
		return
	}

	if id := cmd.CorrelationID(); len(id) > 0 {
		s.sender.Send(wire.NewAck(id))
	}

	if err := s.dispatch(cmd, serverRx); err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			s.sender.Send(wire.NewError(perr.Error(), cmd.Raw()))
			return
		}
		s.log.Error("command failed", slog.String("err", err.Error()))
	}
}

func (s *Session) dispatch(cmd wire.Command, serverRx time.Time) error {
	switch c := cmd.(type) {
	case *wire.Ping:
		metrics.CommandsTotal.WithLabelValues("ping").Inc()
		return s.handlePing(c)
	case *wire.Bind:
		metrics.CommandsTotal.WithLabelValues("bind").Inc()
		return s.handleBind(c)
	case *wire.List:
		metrics.CommandsTotal.WithLabelValues("list").Inc()
		return s.handleList(c)
	case *wire.Allocate:
		metrics.CommandsTotal.WithLabelValues("allocate").Inc()
		return s.handleAllocate(c)
	case *wire.Claim:
		metrics.CommandsTotal.WithLabelValues("claim").Inc()
		return s.handleClaim(c)
	case *wire.Watch:
		metrics.CommandsTotal.WithLabelValues("watch").Inc()
		return s.handleWatch(c)
	case *wire.Add:
		metrics.CommandsTotal.WithLabelValues("add").Inc()
		return s.handleAdd(c, serverRx)
	case *wire.Release:
		metrics.CommandsTotal.WithLabelValues("release").Inc()
		return s.handleRelease(c)
	case *wire.Unknown:
		metrics.CommandsTotal.WithLabelValues("unknown").Inc()
		return errUnknownType
	default:
		return errUnknownType
	}
}

func (s *Session) handlePing(c *wire.Ping) error {
	if c.Ping == nil {
		return errPingRequires
	}
	s.sender.Send(wire.NewPong(*c.Ping))
	return nil
}

func (s *Session) handleBind(c *wire.Bind) error {
	if s.app != nil {
		return errAlreadyBound
	}
	if c.AppID == nil {
		return errBindNeedsAppID
	}
	if c.Side == nil {
		return errBindNeedsSide
	}
	s.app = s.registry.App(*c.AppID)
	s.side = *c.Side
	s.log = s.log.With(slog.String("app", *c.AppID), slog.String("side", s.side))
	s.log.Debug("session bound")
	return nil
}

func (s *Session) handleList(c *wire.List) error {
	if s.app == nil {
		return errMustBindFirst
	}
	s.sender.Send(wire.NewNameplates(s.app.WaitingChannels()))
	return nil
}

func (s *Session) handleAllocate(c *wire.Allocate) error {
	if s.app == nil {
		return errMustBindFirst
	}
	if s.didAllocate {
		return errAlreadyAllocated
	}
	channelID, mb := s.app.Allocate(s.side)
	s.didAllocate = true
	s.claimed[channelID] = mb
	s.log.Info("channel allocated", slog.String("channel", channelID))
	s.sender.Send(wire.NewNameplate(channelID))
	return nil
}

func (s *Session) handleClaim(c *wire.Claim) error {
	if s.app == nil {
		return errMustBindFirst
	}
	if c.ChannelID == nil {
		return errClaimNeedsID
	}
	channelID := *c.ChannelID
	// Idempotent per session: a second claim on the same id is a no-op and
	// adds no second multiset entry.
	if _, ok := s.claimed[channelID]; ok {
		return nil
	}
	s.claimed[channelID] = s.app.Claim(channelID, s.side)
	s.log.Info("channel claimed", slog.String("channel", channelID))
	return nil
}

func (s *Session) handleWatch(c *wire.Watch) error {
	if s.app == nil {
		return errMustBindFirst
	}
	if c.ChannelID == nil {
		return errWatchNeedsID
	}
	mb, ok := s.claimed[*c.ChannelID]
	if !ok {
		return errWatchUnclaimed
	}
	mb.Subscribe(s)
	s.watched[*c.ChannelID] = mb
	return nil
}

func (s *Session) handleAdd(c *wire.Add, serverRx time.Time) error {
	if s.app == nil {
		return errMustBindFirst
	}
	if c.ChannelID == nil {
		return errAddNeedsID
	}
	mb, ok := s.claimed[*c.ChannelID]
	if !ok {
		return errAddUnclaimed
	}
	if c.Phase == nil {
		return errAddNeedsPhase
	}
	if c.Body == nil {
		return errAddNeedsBody
	}
	mb.Append(wire.Message{
		Side:     s.side,
		Phase:    *c.Phase,
		Body:     *c.Body,
		ServerRx: wire.Timestamp(serverRx),
		ID:       c.CorrelationID(),
	})
	return nil
}

func (s *Session) handleRelease(c *wire.Release) error {
	if s.app == nil {
		return errMustBindFirst
	}
	if c.ChannelID == nil {
		return errReleaseNeedsID
	}
	channelID := *c.ChannelID
	mb, ok := s.claimed[channelID]
	if !ok {
		return errReleaseUnclaimed
	}

	deleted, closed := s.app.Release(mb, s.side)
	delete(s.claimed, channelID)
	delete(s.watched, channelID)

	status := "waiting"
	if deleted {
		status = "deleted"
	}

	// Mood is opaque to the relay; it only feeds observability.
	mood := c.Mood
	if mood == "" {
		mood = "none"
	}
	metrics.ReleaseMoods.WithLabelValues(mood).Inc()
	s.log.Info("channel released",
		slog.String("channel", channelID),
		slog.String("status", status),
		slog.String("mood", mood))

	s.sender.Send(wire.NewReleased(status))

	// Close signals go out after the released response is queued, so the
	// releasing side still sees its status before the transport drops.
	for _, sub := range closed {
		sub.Stop()
	}
	return nil
}

// Deliver implements Subscriber by forwarding a mailbox message to this
// session's connection.
func (s *Session) Deliver(channelID string, msg wire.Message) {
	s.sender.Send(wire.NewMessageEvent(channelID, msg))
}

// Stop implements Subscriber: the watched mailbox is gone, so the session's
// transport drops the connection.
func (s *Session) Stop() {
	s.sender.Terminate()
}

// Close marks the session terminal and removes it from the subscriber sets
// of every mailbox it was watching. It does NOT release the session's
// claims; see the type comment.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for _, mb := range s.watched {
		mb.Unsubscribe(s)
	}
	s.watched = make(map[string]*Mailbox)
	s.log.Debug("session closed")
}

var _ Subscriber = (*Session)(nil)
