package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"helmsman/internal/auth"
	"helmsman/internal/config"
	"helmsman/internal/db"
	"helmsman/internal/events"
	"helmsman/internal/handlers"
	"helmsman/internal/middleware"
	"helmsman/internal/nodes"
	"helmsman/internal/notify"
	"helmsman/internal/relay"
	"helmsman/internal/signing"
	"helmsman/internal/version"
)

const panelVersion = "1.0.0"

func main() {
	log.SetFlags(log.Ldate | log.Ltime)
	log.Printf("[panel] helmsman panel v%s starting", panelVersion)

	cfg := config.LoadPanel()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("[panel] %v", err)
	}
	defer database.Close()

	// ─── Services ────────────────────────────────────────────────────────

	bus := events.NewBus()

	nodeStore, err := nodes.NewStore(database)
	if err != nil {
		log.Fatalf("[panel] node store: %v", err)
	}

	streamTokens, err := relay.NewTokenStore(database)
	if err != nil {
		log.Fatalf("[panel] stream token store: %v", err)
	}

	sessions, err := auth.NewService(database)
	if err != nil {
		log.Fatalf("[panel] auth service: %v", err)
	}
	if err := sessions.EnsureAdmin(cfg.AdminUser, cfg.AdminPass); err != nil {
		log.Fatalf("[panel] %v", err)
	}

	actions, err := auth.NewActionTokenService(database)
	if err != nil {
		log.Fatalf("[panel] action token service: %v", err)
	}

	if err := notify.Migrate(database); err != nil {
		log.Fatalf("[panel] %v", err)
	}
	if urls := splitList(cfg.NotifyURLs); len(urls) > 0 {
		if err := notify.SeedFromURLs(database, urls); err != nil {
			log.Printf("[panel] seed notification services: %v", err)
		}
	}
	dispatcher := notify.NewDispatcher(database, bus, nil)
	dispatcher.Start()
	defer dispatcher.Stop()

	monitor := nodes.NewMonitor(nodeStore, bus, cfg.HeartbeatGrace)

	coordinator := relay.NewCoordinator(streamTokens, nodeStore, bus, relay.DefaultSessionConfig())
	defer coordinator.CloseAll()

	verifier := signing.NewVerifier(nodeStore)

	api := &handlers.API{
		Nodes:          nodeStore,
		Monitor:        monitor,
		Streams:        streamTokens,
		Actions:        actions,
		Sessions:       sessions,
		Bus:            bus,
		StreamTokenTTL: cfg.StreamTokenTTL,
		EnrollTokenTTL: 15 * time.Minute,
	}
	notifications := &handlers.NotificationHandlers{DB: database}
	versions := &handlers.VersionHandlers{
		Checker: version.NewChecker(panelVersion, "helmsman-dev", "helmsman"),
	}

	// ─── Routes ──────────────────────────────────────────────────────────

	mux := http.NewServeMux()
	loginLimiter := middleware.NewRateLimiter(10, time.Minute)
	guard := func(h http.HandlerFunc) http.HandlerFunc {
		return sessions.Require(cfg.AuthEnabled, h)
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Operator auth
	mux.HandleFunc("POST /api/v1/auth/login", loginLimiter.Limit(sessions.Login(cfg.AuthEnabled)))
	mux.HandleFunc("POST /api/v1/auth/logout", sessions.Logout)
	mux.HandleFunc("GET /api/v1/auth/status", sessions.Status(cfg.AuthEnabled))
	mux.HandleFunc("POST /api/v1/auth/change-password", guard(sessions.HandleChangePassword))
	mux.HandleFunc("POST /api/v1/action-tokens", guard(api.CreateActionToken))

	// Node management
	mux.HandleFunc("GET /api/v1/nodes", guard(api.ListNodes))
	mux.HandleFunc("GET /api/v1/nodes/{id}", guard(api.GetNode))
	mux.HandleFunc("DELETE /api/v1/nodes/{id}", guard(api.DeleteNode))
	mux.HandleFunc("POST /api/v1/nodes/enroll-token", guard(api.IssueEnrollToken))

	// Agent-facing: enrollment is the only unsigned endpoint.
	mux.HandleFunc("POST /api/v1/nodes/enroll", api.EnrollNode)
	mux.Handle("POST /api/v1/nodes/heartbeat", verifier.Wrap(http.HandlerFunc(api.Heartbeat)))

	// Server management
	mux.HandleFunc("GET /api/v1/servers", guard(api.ListServers))
	mux.HandleFunc("POST /api/v1/servers", guard(api.CreateServer))
	mux.HandleFunc("GET /api/v1/servers/{id}", guard(api.GetServer))
	mux.HandleFunc("DELETE /api/v1/servers/{id}", guard(api.DeleteServer))

	// Live streaming: token issue is session-guarded; the WebSocket
	// attach authenticates with the single-use token instead.
	mux.HandleFunc("POST /api/v1/servers/{id}/ws-token", guard(api.IssueStreamToken))
	mux.HandleFunc("GET /api/v1/stream", coordinator.HandleStream)

	// Notifications
	mux.HandleFunc("GET /api/v1/notifications/services", guard(notifications.ListServices))
	mux.HandleFunc("POST /api/v1/notifications/services", guard(notifications.CreateService))
	mux.HandleFunc("DELETE /api/v1/notifications/services/{id}", guard(notifications.DeleteService))
	mux.HandleFunc("GET /api/v1/notifications/history", guard(notifications.RecentHistory))

	// Version / updates
	mux.HandleFunc("GET /api/v1/version", guard(versions.Check))

	handler := middleware.Logging(middleware.CORS(mux))

	// ─── Background loops ────────────────────────────────────────────────

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go monitor.Run(ctx)
	go cleanupLoop(ctx, streamTokens, nodeStore, sessions, actions)

	// ─── Serve ───────────────────────────────────────────────────────────

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	go func() {
		log.Printf("[panel] listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[panel] %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("[panel] shutting down")
	cancel()
	coordinator.CloseAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[panel] shutdown: %v", err)
	}
}

// cleanupLoop purges expired tokens and sessions.
func cleanupLoop(ctx context.Context, streams *relay.TokenStore, store *nodes.Store, sessions *auth.Service, actions *auth.ActionTokenService) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			streams.CleanupExpired()
			store.CleanupExpiredEnrollTokens()
			sessions.CleanupExpiredSessions()
			actions.CleanupExpired()
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
