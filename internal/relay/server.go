// Package relay implements the rendezvous server between desktop
// agents and mobile clients. Desktops publish a pairing passphrase and
// hold one WebSocket open; mobiles pair or resume over the same
// endpoint and the relay routes frames between them without being able
// to read encrypted payloads.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/chellapp/portal/internal/relay/snapshot"
)

type Config struct {
	ListenAddr   string
	SnapshotsDir string

	// Retention bounds how long an idle session's snapshot survives.
	// Zero means the store default.
	Retention time.Duration

	// JetStream, when set, mirrors session snapshots to a NATS stream
	// so a replacement relay can hydrate without the local files.
	JetStream *snapshot.JetStreamOptions

	Version string
	Commit  string
	Logger  *slog.Logger
}

type Server struct {
	cfg Config

	hub      *hub
	registry *Registry
	store    *snapshot.Store

	httpServer *http.Server
	listener   net.Listener
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are native apps, not browsers; origin carries no signal.
	CheckOrigin: func(*http.Request) bool { return true },
}

func New(cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8787"
	}
	if cfg.SnapshotsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			cfg.SnapshotsDir = ".portal/sessions"
		} else {
			cfg.SnapshotsDir = filepath.Join(home, ".portal", "sessions")
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	store, err := snapshot.New(cfg.SnapshotsDir, snapshot.Options{
		Logger:    cfg.Logger,
		Retention: cfg.Retention,
		JetStream: cfg.JetStream,
	})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	registry, err := NewRegistry(store, cfg.Logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		store:    store,
		registry: registry,
		hub:      newHub(registry, cfg.Logger),
	}, nil
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = lis

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.hub.run()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	go func() {
		if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.cfg.Logger.Error("relay serve", "err", err)
		}
	}()
	s.cfg.Logger.Info("relay listening",
		"addr", lis.Addr().String(), "version", s.cfg.Version, "commit", s.cfg.Commit)
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Stop() {
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.httpServer.Shutdown(shutdownCtx)
		cancel()
	}
	if s.hub != nil {
		s.hub.shutdown()
	}
	if s.store != nil {
		s.store.Close()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// Stats exposes the hub's routing tables for tests and diagnostics.
func (s *Server) Stats() TableStats {
	stats, _ := s.hub.tables("")
	return stats
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := &conn{
		handle: uuid.NewString(),
		sock:   sock,
		hub:    s.hub,
		logger: s.cfg.Logger,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		// 1000 input frames/sec sustained, bursts of 10.
		inputLimiter: rate.NewLimiter(rate.Limit(1000), 10),
	}
	s.hub.connected(c)
	go c.writePump()
	go c.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.Stats()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","connections":%d,"desktops":%d,"mobiles":%d}`+"\n",
		stats.Conns, stats.LiveDesktops, stats.AttachedMobiles)
}
