package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warden/modbot/internal/abuse"
	"github.com/warden/modbot/internal/automod"
	"github.com/warden/modbot/internal/blocklist"
	"github.com/warden/modbot/internal/config"
	"github.com/warden/modbot/internal/coordinator"
	"github.com/warden/modbot/internal/match"
	"github.com/warden/modbot/internal/messaging"
	"github.com/warden/modbot/internal/metrics"
	"github.com/warden/modbot/internal/modstore"
	"github.com/warden/modbot/internal/normalize"
	"github.com/warden/modbot/internal/platform"
	"github.com/warden/modbot/internal/protocol"
	"github.com/warden/modbot/internal/ratelimit"
	"github.com/warden/modbot/internal/token"
)

// eventTimeout bounds the handling of a single guild event.
const eventTimeout = 15 * time.Second

func main() {
	config.LoadDotenv()
	cfg, err := config.LoadModerator()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	// --- Normalizer ---
	table := normalize.DefaultTable()
	if cfg.ConfusablesPath != "" {
		table, err = normalize.LoadTable(cfg.ConfusablesPath)
		if err != nil {
			log.Fatalf("failed to load confusable table: %v", err)
		}
	}
	norm := normalize.New(table)

	// --- Blocklist and match engine ---
	terms, err := blocklist.Load(cfg.BlocklistPath, norm)
	if err != nil {
		log.Fatalf("failed to load blocklist: %v", err)
	}
	engine := match.NewEngine(terms)
	metrics.BlocklistTerms.Set(float64(engine.TermCount()))

	// --- Postgres ---
	db, err := modstore.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := modstore.Migrate(db, cfg.MigrationsDir); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
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
	natsConfig.Name = "warden-moderator"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Wiring ---
	platformClient := platform.NewHTTPClient(cfg.APIBaseURL, cfg.PlatformToken)

	coordCfg := coordinator.DefaultConfig(cfg.ModChannelID, cfg.ModRoleID)
	coordCfg.AutoDeleteFlagged = cfg.AutoDelete
	actions := modstore.NewActionStore(db)
	audits := modstore.NewAuditStore(db)
	coord := coordinator.New(coordCfg, actions, audits, platformClient)

	var tokens automod.TokenIssuer
	if cfg.VerifyURL != "" {
		tokens = token.NewService([]byte(cfg.SigningSecret), cfg.TokenTTL, token.NewRedisStore(rdb))
	}

	svc := automod.New(automod.DefaultConfig(cfg.VerifyURL), norm, engine, coord,
		modstore.NewMessageStore(db), modstore.NewUserStore(db), modstore.NewWarningStore(db),
		abuse.NewStore(rdb), tokens, ratelimit.NewLimiter(rdb), platformClient)

	// --- NATS subscriptions ---
	subscribe(natsClient, svc)

	// --- Blocklist hot reload: SIGHUP or the reload interval ---
	reload := func() {
		terms, err := blocklist.Load(cfg.BlocklistPath, norm)
		if err != nil {
			log.Printf("[moderator] blocklist reload failed, keeping current snapshot: %v", err)
			return
		}
		engine.Swap(terms)
		metrics.BlocklistTerms.Set(float64(engine.TermCount()))
		log.Printf("[moderator] blocklist reloaded, %d terms", engine.TermCount())
	}
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		ticker := time.NewTicker(cfg.ReloadInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hupCh:
				reload()
			case <-ticker.C:
				reload()
			}
		}
	}()

	// Metrics endpoint.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server: %v", err)
		}
	}()

	log.Printf("Warden moderator running")
	log.Printf("  guild_id:      %s", cfg.GuildID)
	log.Printf("  mod_channel:   %s", cfg.ModChannelID)
	log.Printf("  blocklist:     %s (%d terms)", cfg.BlocklistPath, engine.TermCount())
	log.Printf("  database:      connected")
	log.Printf("  redis_addr:    %s", cfg.RedisAddr)
	log.Printf("  nats_url:      %s", natsConfig.URL)
	log.Printf("  metrics_addr:  %s", cfg.MetricsAddr)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
	rdb.Close()
	db.Close()
}

// subscribe registers all guild event handlers. Each handler decodes its
// payload and hands it to the service with a bounded context.
func subscribe(nc *messaging.NATSClient, svc *automod.Service) {
	handle := func(name string, fn func(ctx context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Printf("[moderator] %s: %v", name, err)
		}
	}

	must := func(err error) {
		if err != nil {
			log.Fatalf("failed to subscribe: %v", err)
		}
	}

	must(nc.SubscribeGuildMessages(func(data []byte) {
		var ev protocol.MessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[moderator] decode message event: %v", err)
			return
		}
		handle("message", func(ctx context.Context) error { return svc.HandleMessage(ctx, ev) })
	}))
	must(nc.SubscribeMessageEdits(func(data []byte) {
		var ev protocol.MessageEditEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[moderator] decode edit event: %v", err)
			return
		}
		handle("message_edit", func(ctx context.Context) error { return svc.HandleMessageEdit(ctx, ev) })
	}))
	must(nc.SubscribeMessageDeletes(func(data []byte) {
		var ev protocol.MessageDeleteEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[moderator] decode delete event: %v", err)
			return
		}
		handle("message_delete", func(ctx context.Context) error { return svc.HandleMessageDelete(ctx, ev) })
	}))
	must(nc.SubscribeMemberJoins(func(data []byte) {
		var ev protocol.MemberJoinEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[moderator] decode join event: %v", err)
			return
		}
		handle("join", func(ctx context.Context) error { return svc.HandleJoin(ctx, ev) })
	}))
	must(nc.SubscribeMemberLeaves(func(data []byte) {
		var ev protocol.MemberLeaveEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[moderator] decode leave event: %v", err)
			return
		}
		handle("leave", func(ctx context.Context) error { return svc.HandleLeave(ctx, ev) })
	}))
	must(nc.SubscribeMemberUpdates(func(data []byte) {
		var ev protocol.MemberUpdateEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[moderator] decode update event: %v", err)
			return
		}
		handle("member_update", func(ctx context.Context) error { return svc.HandleMemberUpdate(ctx, ev) })
	}))
	must(nc.SubscribeVoiceEvents(func(data []byte) {
		var ev protocol.VoiceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[moderator] decode voice event: %v", err)
			return
		}
		handle("voice", func(ctx context.Context) error { return svc.HandleVoice(ctx, ev) })
	}))
	must(nc.SubscribeInteractions(func(data []byte) {
		var ev protocol.InteractionEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[moderator] decode interaction event: %v", err)
			return
		}
		handle("interaction", func(ctx context.Context) error { return svc.HandleInteraction(ctx, ev) })
	}))
	must(nc.SubscribeVerifyGranted(func(data []byte) {
		var ev protocol.VerifyGrantedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[moderator] decode grant event: %v", err)
			return
		}
		handle("verify_granted", func(ctx context.Context) error { return svc.HandleVerifyGranted(ctx, ev) })
	}))
}
