package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/breeze-home/sync-server/internal/broadcast"
	"github.com/breeze-home/sync-server/internal/config"
	"github.com/breeze-home/sync-server/internal/ingest"
	"github.com/breeze-home/sync-server/internal/logger"
	"github.com/breeze-home/sync-server/internal/metrics"
	"github.com/breeze-home/sync-server/internal/session"
	"github.com/breeze-home/sync-server/internal/streamsync"
	"github.com/breeze-home/sync-server/pkg/types"
)

var (
	// Command-line flags
	configPath = flag.String("config", "", "Path to YAML config file (optional)")
	broker     = flag.String("broker", "", "MQTT broker address override (host:port)")
	httpAddr   = flag.String("http", "", "HTTP server address override")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor   = flag.Bool("log-color", true, "Enable colored log output")
)

// Server wires the ingest, synchronization and broadcast components
// together. All components are explicit objects owned here; there are no
// package-level singletons.
type Server struct {
	cfg        *config.Config
	metrics    *metrics.Metrics
	hub        *broadcast.Hub
	registry   *session.Registry
	mqtt       *ingest.Client
	httpServer *http.Server
}

func main() {
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	logger.Info("Main", "Stream sync server starting...")

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	srv := NewServer(cfg)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")
	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Server stopped")
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if *broker != "" {
		cfg.MQTT.Broker = *broker
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}
	return cfg, config.Validate(cfg)
}

// NewServer constructs all components in dependency order: metrics, hub,
// registry (publishing through the MQTT client, emitting into the hub),
// router, transport.
func NewServer(cfg *config.Config) *Server {
	m := metrics.New()

	srv := &Server{cfg: cfg, metrics: m}

	syncCfg := streamsync.Config{
		MaxJitter:     time.Duration(cfg.Sync.MaxJitterMS) * time.Millisecond,
		BufferTimeout: time.Duration(cfg.Sync.BufferTimeoutMS) * time.Millisecond,
		TargetLatency: time.Duration(cfg.Sync.TargetLatencyMS) * time.Millisecond,
		DropThreshold: cfg.Sync.DropThreshold,
	}

	srv.hub = broadcast.NewHub(cfg.Broadcast.ClientQueueSize, srv.deviceStatus, m)

	srv.registry = session.NewRegistry(
		syncCfg,
		session.PublisherFunc(func(ev types.CallEvent) error {
			return srv.mqtt.PublishCallEvent(ev)
		}),
		srv.hub.BroadcastFrame,
		srv.hub.BroadcastStatus,
		m,
	)

	router := ingest.NewRouter(srv.registry, m)
	srv.mqtt = ingest.NewClient(cfg.MQTT, router, m)

	mux := http.NewServeMux()
	srv.setupRoutes(mux)
	srv.httpServer = &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: mux,
	}

	return srv
}

// deviceStatus answers the hub's on-subscribe status lookup.
func (s *Server) deviceStatus(deviceID string) (bool, *types.DeviceInfo) {
	active := s.registry.IsActive(deviceID)
	if info, ok := s.registry.Device(deviceID); ok {
		return active, &info
	}
	return active, nil
}

// Start connects the transport and brings up the HTTP surfaces.
func (s *Server) Start() error {
	logger.Info("Main", "  MQTT broker:    %s", s.cfg.MQTT.Broker)
	logger.Info("Main", "  HTTP server:    %s", s.cfg.HTTP.Addr)
	logger.Info("Main", "  Metrics server: %s", s.cfg.HTTP.MetricsAddr)

	go func() {
		if err := s.metrics.StartServer(s.cfg.HTTP.MetricsAddr); err != nil {
			logger.Error("Main", "Metrics server error: %v", err)
		}
	}()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	if err := s.mqtt.Connect(); err != nil {
		return err
	}

	// Packet ingestion starts with the first connect; readiness is only a
	// startup convenience, not a hard requirement.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.mqtt.WaitReady(ctx); err != nil {
		logger.Warn("Main", "Broker not reachable yet, retrying in background: %v", err)
	}

	logger.Info("Main", "Server started")
	return nil
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.hub.ServeWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/devices", s.handleDevices)
	mux.HandleFunc("/answer", s.handleCallControl(s.registry.AnswerCall))
	mux.HandleFunc("/reject", s.handleCallControl(s.registry.RejectCall))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":          "ok",
		"active_sessions": s.registry.ActiveCount(),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.registry.Devices()
	out := make([]map[string]interface{}, 0, len(devices))
	for _, d := range devices {
		out = append(out, map[string]interface{}{
			"device": d,
			"active": s.registry.IsActive(d.ID),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleCallControl(op func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deviceID := r.URL.Query().Get("device_id")
		if deviceID == "" {
			http.Error(w, "device_id is required", http.StatusBadRequest)
			return
		}
		if err := op(deviceID); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	}
}

// Shutdown stops ingest first, then disposes sessions and viewers.
func (s *Server) Shutdown() error {
	s.mqtt.Disconnect()
	s.registry.Close()
	s.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
