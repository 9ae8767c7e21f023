package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"matchchat/logging"
	"matchchat/model"
	"matchchat/server/room"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Options configures a Handler. Rooms and Credentials are required.
type Options struct {
	Rooms       *room.Manager
	Credentials *Credentials
	Metrics     *Metrics
	Logger      *zap.Logger

	FramesPerSecond float64
	FrameBurst      int
	MaxFrameBytes   int64
	SendQueue       int
}

// Handler serves the relay's HTTP and WebSocket endpoints.
type Handler struct {
	ctx     context.Context
	opts    Options
	rooms   *room.Manager
	creds   *Credentials
	metrics *Metrics
	logger  *zap.Logger
}

// New creates a Handler. Cancelling ctx closes every open socket with
// 1001 (going away).
func New(ctx context.Context, opts Options) *Handler {
	if opts.FramesPerSecond <= 0 {
		opts.FramesPerSecond = 10
	}
	if opts.FrameBurst <= 0 {
		opts.FrameBurst = 20
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 64 << 10
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 256
	}
	return &Handler{
		ctx:     ctx,
		opts:    opts,
		rooms:   opts.Rooms,
		creds:   opts.Credentials,
		metrics: opts.Metrics,
		logger:  logging.OrNop(opts.Logger).Named("relay"),
	}
}

// Router wires every endpoint onto a new mux router.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", h.HandleWebSocket).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	internal := r.PathPrefix("/internal").Subrouter()
	internal.Use(h.requireInternalKey)
	internal.HandleFunc("/conversations/{id:[0-9]+}/messages", h.HandleNotifyMessage).Methods(http.MethodPost)
	internal.HandleFunc("/conversations/{id:[0-9]+}/members", h.HandleSetMembers).Methods(http.MethodPut)
	return r
}

// HandleWebSocket authenticates ?token=, acknowledges the socket and relays
// frames until it closes. Bad tokens get close code 1008.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Upgrade error", zap.Error(err))
		return
	}

	userID, ok := h.creds.Authenticate(r.URL.Query().Get("token"))
	if !ok {
		h.metrics.authFailed()
		h.logger.Info("Rejecting socket with invalid token", zap.String("remote", r.RemoteAddr))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	p := &peer{
		id:      uuid.NewString(),
		userID:  userID,
		conn:    conn,
		send:    make(chan []byte, h.opts.SendQueue),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(h.opts.FramesPerSecond), h.opts.FrameBurst),
		h:       h,
	}
	p.logger = h.logger.With(zap.Int64("user_id", userID), zap.String("conn_id", p.id))

	ack, _ := model.EncodeInbound(model.ConnectionAck{Status: "connected", UserID: userID})
	p.send <- ack

	h.rooms.Register(p)
	h.metrics.connected(1)
	p.logger.Info("Socket connected", zap.Int("connections", h.rooms.Connections()))

	defer func() {
		h.rooms.Unregister(p)
		h.metrics.connected(-1)
		p.logger.Info("Socket disconnected")
	}()

	go p.writePump(h.ctx)
	p.readPump(h.opts.MaxFrameBytes)
}
