package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"helmsman/internal/agentd"
	"helmsman/internal/config"
)

const (
	version          = "1.0.0"
	enrollRetryDelay = 15 * time.Second
)

func main() {
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("helmsman-agent v%s\n", version)
		os.Exit(0)
	}

	log.SetFlags(log.Ldate | log.Ltime)
	log.Printf("[agent] helmsman agent v%s starting", version)

	cfg := config.LoadAgent()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The server comes up before the identity is settled; until
	// enrollment lands, signed endpoints reject and only the health
	// check answers.
	holder := agentd.NewIdentityHolder(agentd.LoadIdentity(cfg.DataDir))
	if identity := holder.Get(); identity != nil {
		log.Printf("[agent] node identity: %s", identity.NodeID)
		startHeartbeat(ctx, identity, cfg)
	} else if cfg.PanelURL != "" && cfg.EnrollToken != "" {
		go enrollLoop(ctx, holder, cfg)
	} else {
		log.Printf("[agent] not enrolled; set PANEL_URL and ENROLL_TOKEN to enroll")
	}

	// ─── Workloads ───────────────────────────────────────────────────────

	sup := agentd.NewSupervisor()
	specs, err := agentd.LoadManifest(cfg.DataDir)
	if err != nil {
		log.Fatalf("[agent] %v", err)
	}
	for _, spec := range specs {
		backend := agentd.NewProcessBackend(spec.Command[0], spec.Command[1:]...)
		if spec.Dir != "" {
			backend.SetWorkDir(spec.Dir)
		}
		sup.Register(spec.ServerID, backend)
		log.Printf("[agent] registered workload %s (%s)", spec.Name, spec.ServerID)

		if spec.AutoStart {
			if err := backend.Start(ctx); err != nil {
				log.Printf("[agent] start %s: %v", spec.Name, err)
			} else {
				log.Printf("[agent] started workload %s", spec.Name)
			}
		}
	}

	// ─── Serve ───────────────────────────────────────────────────────────

	agentServer := agentd.NewServer(holder, sup)
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: agentServer.Routes(),
	}

	go func() {
		log.Printf("[agent] listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[agent] %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("[agent] shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[agent] shutdown: %v", err)
	}
}

// enrollLoop retries first-start enrollment until it succeeds or the
// agent shuts down. The HTTP server keeps serving the health check the
// whole time.
func enrollLoop(ctx context.Context, holder *agentd.IdentityHolder, cfg config.AgentConfig) {
	log.Printf("[agent] enrolling with panel at %s", cfg.PanelURL)
	for {
		identity, err := agentd.Enroll(cfg.PanelURL, cfg.EnrollToken, cfg.DataDir)
		if err == nil {
			log.Printf("[agent] enrolled as node %s", identity.NodeID)
			holder.Set(identity)
			startHeartbeat(ctx, identity, cfg)
			return
		}
		log.Printf("[agent] enrollment failed, retrying in %s: %v", enrollRetryDelay, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(enrollRetryDelay):
		}
	}
}

func startHeartbeat(ctx context.Context, identity *agentd.Identity, cfg config.AgentConfig) {
	heartbeat := agentd.NewHeartbeat(identity, cfg.HeartbeatInterval, version)
	go heartbeat.Run(ctx)
}
