package server

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bizzapp/relay/pkg/auth"
	"github.com/bizzapp/relay/pkg/database"
)

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

// IdentityVerifier validates a mobile client's signed identity assertion.
// The broker treats it as a black box; auth.TelegramVerifier is the production
// implementation.
type IdentityVerifier interface {
	Verify(initData string) (*auth.TelegramIdentity, error)
}

// Server is the relay process: it owns the channel registry, the pairing
// broker, and the HTTP surface that feeds them.
type Server struct {
	db       *database.DB
	registry *Registry
	broker   *Broker
	tokens   *auth.TokenManager
	verifier IdentityVerifier
	config   TOMLConfig
	metrics  *Metrics
	upgrader websocket.Upgrader

	httpListener    net.Listener
	httpServer      *http.Server
	metricsListener net.Listener
	metricsServer   *http.Server

	shutdown  chan struct{}
	wg        sync.WaitGroup
	startTime time.Time
}

// NewServer creates a relay server from config. The database is opened (and
// its schema initialized) here; ownership passes to the server until Stop.
func NewServer(config TOMLConfig) (*Server, error) {
	if config.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret is required")
	}

	db, err := database.Open(ExpandPath(config.Server.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	tokens, err := auth.NewTokenManager(auth.TokenConfig{
		Secret:     []byte(config.Auth.JWTSecret),
		Issuer:     config.Auth.JWTIssuer,
		AccessTTL:  time.Duration(config.Auth.AccessTTLSeconds) * time.Second,
		RefreshTTL: time.Duration(config.Auth.RefreshTTLSeconds) * time.Second,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create token manager: %w", err)
	}

	verifier, err := auth.NewTelegramVerifier(
		config.Auth.TelegramBotToken,
		time.Duration(config.Auth.TelegramInitDataMaxAgeSec)*time.Second,
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create telegram verifier: %w", err)
	}

	if err := initLoggers(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	metrics := NewMetrics()
	registry := NewRegistry()
	registry.SetMetrics(metrics)
	broker := NewBroker(time.Duration(config.Pairing.TTLSeconds) * time.Second)
	broker.SetMetrics(metrics)

	return &Server{
		db:       db,
		registry: registry,
		broker:   broker,
		tokens:   tokens,
		verifier: verifier,
		config:   config,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The channel itself is unauthenticated until SUBSCRIBE_USER;
			// origin enforcement happens at the deployment edge.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}, nil
}

// getServerDataDir returns the relay data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "bizz-relay")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "bizz-relay")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// initLoggers sets up error and debug loggers
func initLoggers() error {
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker, for distinguishing between runs
	startupMsg := fmt.Sprintf("=== Relay started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log goes to /dev/null by default (see EnableDebugLogging)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start begins serving the public HTTP surface (websocket + auth endpoints)
// and, when configured, the internal metrics listener.
func (s *Server) Start() error {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.HandleWebSocket).Methods("GET")
	r.HandleFunc("/auth/login/telegram", s.handleTelegramLogin).Methods("POST")
	r.HandleFunc("/auth/login", s.handleLogin).Methods("POST")
	r.HandleFunc("/auth/signup", s.handleSignup).Methods("POST")
	r.HandleFunc("/auth/refresh", s.handleRefresh).Methods("POST")

	addr := fmt.Sprintf(":%d", s.config.Server.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.httpListener = listener
	s.httpServer = &http.Server{Handler: r}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("Public HTTP server listening on %s (/ws, /auth/*)", listener.Addr())
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("Public HTTP server error: %v", err)
		}
	}()

	// Metrics listener is internal only - never expose publicly.
	if s.config.Server.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		metricsMux.HandleFunc("/health", s.HealthHandler)

		metricsAddr := fmt.Sprintf(":%d", s.config.Server.MetricsPort)
		metricsListener, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to listen on %s: %w", metricsAddr, err)
		}
		s.metricsListener = metricsListener
		s.metricsServer = &http.Server{Handler: metricsMux}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", metricsListener.Addr())
			if err := s.metricsServer.Serve(metricsListener); err != nil && err != http.ErrServerClosed {
				errorLog.Printf("Metrics server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.pairingSweepLoop()

	s.wg.Add(1)
	go s.idleChannelCleanupLoop()

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	return nil
}

// Addr returns the public listener's address. Valid after Start.
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)

	if s.httpServer != nil {
		s.httpServer.Close()
	}
	if s.metricsServer != nil {
		s.metricsServer.Close()
	}

	log.Println("Closing all client channels...")
	s.registry.CloseAll()

	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		log.Printf("Error during database close: %v", err)
		return err
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// HealthHandler reports basic liveness for the internal listener.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d,"active_channels":%d}`,
		int(time.Since(s.startTime).Seconds()), s.registry.CountActive())
}

// pairingSweepLoop periodically drops expired pairings.
func (s *Server) pairingSweepLoop() {
	defer s.wg.Done()

	interval := time.Duration(s.config.Pairing.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			if removed := s.broker.Sweep(); removed > 0 {
				debugLog.Printf("Swept %d expired pairings", removed)
			}
		}
	}
}

// idleChannelCleanupLoop removes channels with no inbound traffic past the
// idle timeout. Keepalive pongs count as activity, so only channels whose
// peer stopped responding entirely are swept.
func (s *Server) idleChannelCleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.cleanupIdleChannels()
		}
	}
}

func (s *Server) cleanupIdleChannels() {
	timeout := time.Duration(s.config.Limits.ChannelIdleTimeoutSeconds) * time.Second
	if timeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-timeout)

	for _, ch := range s.registry.All() {
		if ch.IdleSince().Before(cutoff) {
			debugLog.Printf("Closing idle channel %s (inactive for %v)", ch.ID, timeout)
			s.registry.Remove(ch.ID)
		}
	}
}

// metricsLoggingLoop periodically logs key counts.
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			log.Printf("[METRICS] Active channels: %d", s.registry.CountActive())
		}
	}
}
