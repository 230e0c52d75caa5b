package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"duochat/auth"
	"duochat/blob"
	"duochat/config"
	"duochat/db"
	"duochat/delivery"
	"duochat/history"
	"duochat/logger"
	"duochat/metrics"
	"duochat/presence"
	"duochat/protocol"
	"duochat/registry"
)

// Rate limit buckets unused for this long are dropped.
const limiterIdleTTL = 10 * time.Minute

type Server struct {
	db       *db.DB
	config   *ServerConfig
	log      *logger.Logger
	metrics  *metrics.Metrics
	registry *registry.Registry

	presenceStore presence.Store
	tracker       *presence.Tracker
	engine        *delivery.Engine
	history       *history.Service
	auth          *auth.Service
	blobs         blob.Store
	sendLimits    *auth.LimiterPool
	loginLimits   *auth.LimiterPool

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener
	mu         sync.Mutex

	// sessions counts live websocket sessions, including their teardown.
	// Sessions are only added under mu while closing is false.
	sessions    sync.WaitGroup
	closing     bool
	closeReason string
}

type ServerConfig struct {
	Addr             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration

	JWTSecret string
	TokenTTL  time.Duration

	UploadDir      string
	MaxUploadBytes int64
	MaxUploadFiles int

	Pairs          []string
	AllowedOrigins []string

	SendRPS    float64
	SendBurst  int
	LoginRPS   float64
	LoginBurst int
}

// ConfigFrom converts the loaded configuration into server settings.
func ConfigFrom(cfg *config.Config) *ServerConfig {
	return &ServerConfig{
		Addr:             cfg.Addr,
		ReadTimeout:      time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:     time.Duration(cfg.WriteTimeout) * time.Second,
		PingInterval:     time.Duration(cfg.PingInterval) * time.Second,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeout) * time.Second,
		JWTSecret:        cfg.JWTSecret,
		TokenTTL:         time.Duration(cfg.TokenTTL) * time.Second,
		UploadDir:        cfg.UploadDir,
		MaxUploadBytes:   cfg.MaxUploadBytes,
		MaxUploadFiles:   cfg.MaxUploadFiles,
		Pairs:            cfg.Pairs,
		AllowedOrigins:   cfg.AllowedOrigins,
		SendRPS:          cfg.SendRPS,
		SendBurst:        cfg.SendBurst,
		LoginRPS:         cfg.LoginRPS,
		LoginBurst:       cfg.LoginBurst,
	}
}

type Option func(*Server)

// WithPresenceStore replaces the database as the presence store, e.g. with
// a Redis mirror in front of it.
func WithPresenceStore(store presence.Store) Option {
	return func(s *Server) { s.presenceStore = store }
}

func New(database *db.DB, config *ServerConfig, log *logger.Logger, opts ...Option) (*Server, error) {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.PingInterval <= 0 || config.PingInterval >= config.ReadTimeout {
		config.PingInterval = config.ReadTimeout * 9 / 10
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}

	s := &Server{
		db:            database,
		config:        config,
		log:           log,
		metrics:       metrics.New(),
		registry:      registry.New(),
		presenceStore: database,
	}
	for _, opt := range opts {
		opt(s)
	}

	pairs, err := presence.NewFixedPairs(config.Pairs)
	if err != nil {
		return nil, fmt.Errorf("conversation pairs: %w", err)
	}

	blobs, err := blob.NewLocalStore(config.UploadDir, config.MaxUploadBytes)
	if err != nil {
		return nil, err
	}

	s.tracker = presence.NewTracker(s.registry, s.presenceStore, pairs, s.metrics, log)
	s.engine = delivery.NewEngine(database, s.registry, pairs, s.metrics, log)
	s.history = history.NewService(database, pairs)
	s.loginLimits = auth.NewLimiterPool(config.LoginRPS, config.LoginBurst, limiterIdleTTL)
	s.sendLimits = auth.NewLimiterPool(config.SendRPS, config.SendBurst, limiterIdleTTL)
	s.auth = auth.NewService(database, config.JWTSecret, config.TokenTTL, s.loginLimits)
	s.blobs = blobs
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: config.HandshakeTimeout,
		CheckOrigin:      originChecker(config.AllowedOrigins),
	}

	return s, nil
}

// Listen binds the configured address. Start calls it when needed; tests
// call it first to learn the port.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start serves HTTP and websocket traffic until Shutdown.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.HandshakeTimeout,
	}
	srv, listener := s.httpServer, s.listener
	s.mu.Unlock()

	s.log.Info("duochat server started", "addr", listener.Addr().String())

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown says bye to every live connection, waits for their sessions to
// mark them offline and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context, reason string) error {
	s.mu.Lock()
	s.closing = true
	s.closeReason = reason
	s.mu.Unlock()

	conns := s.registry.Snapshot()
	s.log.Info("Shutting down", "reason", reason, "connections", len(conns))

	for _, conn := range conns {
		conn.Send(protocol.NewEvent(protocol.TypeBye, "", protocol.Bye{Reason: reason}))
		conn.Close()
	}

	s.loginLimits.Shutdown()
	s.sendLimits.Shutdown()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// admitSession counts a new websocket session unless shutdown has begun.
func (s *Server) admitSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions.Add(1)
	return true
}

func (s *Server) closingReason() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason, s.closing
}

// onlineLister is implemented by presence stores that keep the online set.
type onlineLister interface {
	OnlineUsers(ctx context.Context) ([]string, error)
}

// GetStats returns server statistics as a formatted string:
// connections=N,users=a;b,messages=M and, with a shared presence store,
// online=a;b across all instances.
func (s *Server) GetStats() string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	users := s.registry.Identities()
	parts := []string{
		"connections=" + strconv.Itoa(len(users)),
		"users=" + strings.Join(users, ";"),
	}

	if n, err := s.db.CountMessages(ctx); err == nil {
		parts = append(parts, "messages="+strconv.FormatInt(n, 10))
	} else {
		s.log.Warn("Failed to count messages", "error", err)
	}

	if lister, ok := s.presenceStore.(onlineLister); ok {
		online, err := lister.OnlineUsers(ctx)
		if err != nil {
			s.log.Warn("Failed to list online users", "error", err)
		} else {
			sort.Strings(online)
			parts = append(parts, "online="+strings.Join(online, ";"))
		}
	}

	return strings.Join(parts, ",")
}
