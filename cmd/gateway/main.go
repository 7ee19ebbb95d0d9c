package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/warden/modbot/internal/config"
	"github.com/warden/modbot/internal/gateway"
	"github.com/warden/modbot/internal/messaging"
	"github.com/warden/modbot/internal/metrics"
)

func main() {
	config.LoadDotenv()
	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "warden-gateway"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer natsClient.Close()

	log.Printf("Warden gateway starting")
	log.Printf("  gateway_url:  %s", cfg.GatewayURL)
	log.Printf("  guild_id:     %s", cfg.GuildID)
	log.Printf("  nats_url:     %s", natsConfig.URL)
	log.Printf("  metrics_addr: %s", cfg.MetricsAddr)

	// Metrics endpoint.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server: %v", err)
		}
	}()

	// Graceful shutdown: cancelling the context ends the gateway session
	// and stops the reconnect loop.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		cancel()
	}()

	client := gateway.New(gateway.DefaultConfig(cfg.GatewayURL, cfg.PlatformToken, cfg.GuildID), natsClient)
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("gateway: %v", err)
	}
}
