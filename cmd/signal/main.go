package main

import (
	"flag"
	"net/http"

	"hybridcast/internal/infrastructure/signal"
	"hybridcast/pkg/logger"
)

func main() {
	var (
		address  = flag.String("address", ":8781", "listen address for the rendezvous server")
		logLevel = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	zapLogger := logger.New(*logLevel)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	server := signal.NewServer(log)

	http.HandleFunc("/ws", server.HandleWebSocket)
	http.HandleFunc("/health", server.HealthCheck)

	log.Infof("Starting signaling server on %s", *address)
	if err := http.ListenAndServe(*address, nil); err != nil {
		log.Fatalw("signaling server failed", "error", err)
	}
}
