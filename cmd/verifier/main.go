package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warden/modbot/internal/abuse"
	"github.com/warden/modbot/internal/challenge"
	"github.com/warden/modbot/internal/config"
	"github.com/warden/modbot/internal/messaging"
	"github.com/warden/modbot/internal/metrics"
	"github.com/warden/modbot/internal/platform"
	"github.com/warden/modbot/internal/ratelimit"
	"github.com/warden/modbot/internal/token"
)

func main() {
	config.LoadDotenv()
	cfg, err := config.LoadVerifier()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancelPing()

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "warden-verifier"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Wiring ---
	tokens := token.NewService([]byte(cfg.SigningSecret), cfg.TokenTTL, token.NewRedisStore(rdb))
	server := challenge.NewServer(
		tokens,
		challenge.NewHCaptcha(cfg.HCaptchaSecret),
		platform.NewHTTPClient(cfg.APIBaseURL, cfg.PlatformToken),
		natsClient,
		abuse.NewStore(rdb),
		ratelimit.NewLimiter(rdb),
		cfg.HCaptchaSiteKey,
		cfg.VerifiedRoleID,
	)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	// Metrics endpoint.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server: %v", err)
		}
	}()

	log.Printf("Warden verifier running")
	log.Printf("  listen_addr:   %s", cfg.ListenAddr)
	log.Printf("  public_url:    %s", cfg.PublicURL)
	log.Printf("  token_ttl:     %s", cfg.TokenTTL)
	log.Printf("  redis_addr:    %s", cfg.RedisAddr)
	log.Printf("  nats_url:      %s", natsConfig.URL)
	log.Printf("  metrics_addr:  %s", cfg.MetricsAddr)

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
		natsClient.Close()
		rdb.Close()
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}
