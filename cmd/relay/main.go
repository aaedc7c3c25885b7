// Command relay runs the pairing relay server: the websocket channel
// endpoint, the auth HTTP surface, and the internal metrics listener.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bizzapp/relay/pkg/server"
)

var version = "dev" // set via -ldflags at build time

func main() {
	configPath := flag.String("config", "", "Path to config file (default: <data dir>/config.toml)")
	port := flag.Int("port", 0, "Public HTTP port (overrides config)")
	metricsPort := flag.Int("metrics-port", 0, "Internal metrics port (overrides config, 0 = config value)")
	debug := flag.Bool("debug", false, "Enable debug logging to debug.log")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("relay %s\n", version)
		return
	}

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		config.Server.HTTPPort = *port
	}
	if *metricsPort != 0 {
		config.Server.MetricsPort = *metricsPort
	}

	s, err := server.NewServer(config)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *debug {
		s.EnableDebugLogging()
	}

	if err := s.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("Relay %s listening on %s", version, s.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received")
	if err := s.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}
