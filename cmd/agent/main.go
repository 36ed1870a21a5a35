package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tor-switch/pkg/api"
	"tor-switch/pkg/db"
	"tor-switch/pkg/identity"
	"tor-switch/pkg/model"
	"tor-switch/pkg/pending"
	"tor-switch/pkg/store"
	"tor-switch/pkg/toggle"
	"tor-switch/pkg/version"
)

func main() {
	_ = loadDotEnv()

	listen := flag.String("listen", envDefault("CONTROL_ADDR", "127.0.0.1:9222"), "control channel listen address")
	stateFile := flag.String("state", envDefault("STATE_FILE", "/var/lib/tor-switch/state.db"), "sqlite state file (store=sqlite)")
	backend := flag.String("store", envDefault("STORE_BACKEND", "sqlite"), "state backend: sqlite|memory|consul")
	consulAddr := flag.String("consul", os.Getenv("CONSUL_ADDR"), "consul address (store=consul)")
	ipURL := flag.String("ip-url", envDefault("IP_LOOKUP_URL", identity.DefaultAddressURL), "public address lookup endpoint")
	geoURL := flag.String("geo-url", envDefault("GEO_LOOKUP_URL", identity.DefaultGeoURL), "geolocation endpoint template (%s = address)")
	enableCmd := flag.String("enable-cmd", os.Getenv("PROXY_ENABLE_CMD"), "shell command enabling the proxy ({host}/{port} substituted)")
	disableCmd := flag.String("disable-cmd", os.Getenv("PROXY_DISABLE_CMD"), "shell command disabling the proxy")
	dryRun := flag.Bool("dry-run", false, "log toggles instead of applying them")
	secretHash := flag.String("secret-hash", os.Getenv("CONTROL_SECRET_HASH"), "bcrypt hash of the control secret (empty disables auth)")
	withAudit := flag.Bool("audit", os.Getenv("MYSQL_AUDIT") == "1", "record toggle attempts in MySQL (env MYSQL_*)")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		log.Printf("agent version=%s", version.Build)
		return
	}

	kv := buildStore(*backend, *stateFile, *consulAddr)
	defer kv.Close()

	reg := pending.NewRegistry()
	cache := identity.NewCache(kv)
	addrRes := identity.NewAddressResolver(cache, reg, *ipURL)
	geoRes := identity.NewGeoResolver(cache, reg, *geoURL)

	var audit toggle.AuditSink
	if *withAudit {
		gdb, err := db.Init()
		if err != nil {
			log.Printf("audit trail disabled: %v", err)
		} else {
			audit = db.NewAudit(gdb)
		}
	}

	var toggler toggle.Toggler = &toggle.ExecToggler{EnableCmd: *enableCmd, DisableCmd: *disableCmd}
	if *dryRun {
		toggler = toggle.NoopToggler{}
	}

	hub := api.NewHub()
	orch := identity.NewOrchestrator(cache, addrRes, geoRes, reg, hub)
	machine := toggle.NewMachine(toggler, cache, orch, kv, audit)
	hub.Bind(machine, orch)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	machine.Restore(ctx)
	go orch.Refresh(ctx, model.SlotBefore, false)

	authHandler := &api.AuthHandler{SecretHash: *secretHash}
	mux := http.NewServeMux()
	authHandler.RegisterRoutes(mux)
	mux.HandleFunc("/api/v1/ws/control", authHandler.RequireToken(hub.HandleControl))

	srv := &http.Server{Addr: *listen, Handler: mux}
	go func() {
		<-ctx.Done()
		log.Printf("shutting down")
		reg.Shutdown()
		hub.Close()
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Printf("agent version=%s control channel on %s (store=%s auth=%v)", version.Build, *listen, *backend, authHandler.Enabled())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("control server failed: %v", err)
	}
	log.Printf("agent stopped")
}

func buildStore(backend, stateFile, consulAddr string) store.KV {
	switch backend {
	case "memory":
		return store.NewMemoryStore()
	case "consul":
		return store.NewConsulStore(consulAddr)
	default:
		kv, err := store.NewSQLiteStore(stateFile)
		if err != nil {
			log.Printf("sqlite store unavailable (%v); falling back to memory store", err)
			return store.NewMemoryStore()
		}
		return kv
	}
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}
