package stream

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pulsedash/pulsefeed/internal/dispatch"
)

// Config holds the websocket listener settings.
type Config struct {
	Host         string
	Port         int
	PingInterval time.Duration
	PongTimeout  time.Duration
	CloseTimeout time.Duration
	SendBuffer   int
}

// withDefaults fills protocol timings. The port is taken as-is: zero asks
// the OS for one, and the config layer supplies the production default.
func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

// Broker is the dispatcher surface the server drives as connections come
// and go and clients talk.
type Broker interface {
	Register(sink dispatch.Sink)
	Classify(id, page string, requested time.Duration)
	Unregister(id string)
	PushNow(id string)
}

// clientInfo is the self-identification message clients send after
// connecting. requested_interval is in seconds.
type clientInfo struct {
	Type              string  `json:"type"`
	Page              string  `json:"page"`
	RequestedInterval float64 `json:"requested_interval"`
}

// Server accepts websocket subscribers on / and /ws and bridges them to
// the dispatcher.
type Server struct {
	cfg      Config
	broker   Broker
	upgrader websocket.Upgrader
	log      zerolog.Logger

	httpServer *http.Server
	listener   net.Listener

	mu      sync.Mutex
	clients map[string]*Client
}

func NewServer(cfg Config, broker Broker, logger zerolog.Logger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:    cfg,
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards are served from their own origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:     logger.With().Str("component", "stream_server").Logger(),
		clients: make(map[string]*Client),
	}
	router := mux.NewRouter()
	router.HandleFunc("/", s.handleSocket)
	router.HandleFunc("/ws", s.handleSocket)
	s.httpServer = &http.Server{
		Handler: router,
		// Read/write deadlines are managed per connection by the pumps.
	}
	return s
}

// Listen binds the configured address. Separate from Serve so a busy port
// fails startup before any collector begins.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("websocket listener bound")
	return nil
}

// Addr returns the bound address, usable after Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Serve accepts connections until Shutdown. It returns
// http.ErrServerClosed on a clean stop.
func (s *Server) Serve() error {
	return s.httpServer.Serve(s.listener)
}

// Shutdown closes every client with a close frame, then stops the
// listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.Close("server shutting down")
	}
	s.log.Info().Int("clients", len(clients)).Msg("stream server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}
	client := newClient(conn, r.RemoteAddr, s.cfg, s.log)
	s.track(client)
	s.broker.Register(client)
	go client.writePump()
	s.readLoop(client)
}

func (s *Server) track(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
}

func (s *Server) untrack(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
}

// readLoop consumes client frames until the connection dies, keeping the
// read deadline fed from pongs. It runs in the handler goroutine.
func (s *Server) readLoop(c *Client) {
	defer func() {
		s.broker.Unregister(c.id)
		s.untrack(c)
		c.Close("")
	}()
	c.conn.SetReadLimit(inboundLimit)
	c.conn.SetReadDeadline(time.Now().Add(c.readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.readWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug().Err(err).Msg("connection lost")
			}
			return
		}
		s.handleMessage(c, data)
	}
}

// handleMessage routes one inbound frame. Anything unrecognized is logged
// and ignored; inbound garbage never costs the connection.
func (s *Server) handleMessage(c *Client, data []byte) {
	switch strings.TrimSpace(string(data)) {
	case "ping":
		c.reply([]byte("pong"))
		return
	case "get_latest":
		s.broker.PushNow(c.id)
		return
	}

	var info clientInfo
	if err := json.Unmarshal(data, &info); err != nil {
		c.log.Debug().Int("bytes", len(data)).Msg("unparseable message ignored")
		return
	}
	switch info.Type {
	case "client_info":
		requested := time.Duration(info.RequestedInterval * float64(time.Second))
		s.broker.Classify(c.id, info.Page, requested)
	case "ping":
		c.reply([]byte("pong"))
	case "get_latest":
		s.broker.PushNow(c.id)
	default:
		c.log.Debug().Str("type", info.Type).Msg("unknown message type ignored")
	}
}
