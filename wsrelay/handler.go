// Package wsrelay adapts the rendezvous core to websocket connections. Each
// connection gets one read loop feeding its session and one write loop
// draining a bounded outbound queue; the core never touches the socket.
package wsrelay

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ggoodman/rendezvous-server-go/internal/logctx"
	"github.com/ggoodman/rendezvous-server-go/internal/metrics"
	"github.com/ggoodman/rendezvous-server-go/rendezvous"
	"github.com/ggoodman/rendezvous-server-go/wire"
)

var _ http.Handler = (*Handler)(nil)

const (
	defaultReadLimit  = 512 * 1024
	defaultQueueDepth = 256
)

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger     *slog.Logger
	readLimit  int64
	queueDepth int
}

// WithLogger sets the slog logger used by the handler. If not provided, logs
// are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithReadLimit caps the size of a single inbound frame in bytes.
func WithReadLimit(n int64) Option {
	return func(c *newConfig) { c.readLimit = n }
}

// WithQueueDepth sets the per-connection outbound queue length. A connection
// whose queue fills because the consumer stopped reading is terminated rather
// than letting it stall a mailbox or see reordered delivery.
func WithQueueDepth(n int) Option {
	return func(c *newConfig) { c.queueDepth = n }
}

// Handler upgrades HTTP requests to websocket rendezvous connections.
type Handler struct {
	registry *rendezvous.Registry
	welcome  *rendezvous.Welcome
	log      *slog.Logger
	upgrader websocket.Upgrader

	readLimit  int64
	queueDepth int
}

func New(registry *rendezvous.Registry, welcome *rendezvous.Welcome, opts ...Option) *Handler {
	cfg := newConfig{
		readLimit:  defaultReadLimit,
		queueDepth: defaultQueueDepth,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{
		registry: registry,
		welcome:  welcome,
		log:      cfg.logger,
		upgrader: websocket.Upgrader{
			// The rendezvous protocol carries no browser credentials and the
			// codes themselves gate access, so cross-origin dials are fine.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		readLimit:  cfg.readLimit,
		queueDepth: cfg.queueDepth,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("err", err.Error()))
		return
	}

	connID := uuid.NewString()
	ctx := logctx.WithConnData(r.Context(), &logctx.ConnData{
		ConnID:     connID,
		RemoteAddr: r.RemoteAddr,
	})
	log := h.log.With(slog.String("conn", connID))

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	log.InfoContext(ctx, "client connected", slog.String("remote_addr", r.RemoteAddr))

	client := newClient(conn, h.queueDepth, log)
	go client.writePump()

	sess := rendezvous.NewSession(h.registry, client, log)

	// Welcome goes out before any command is read.
	client.Send(wire.NewWelcome(h.welcome.Current()))

	conn.SetReadLimit(h.readLimit)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		sess.HandleFrame(data, time.Now())
	}

	sess.Close()
	client.Terminate()
	log.InfoContext(ctx, "client disconnected")
}
