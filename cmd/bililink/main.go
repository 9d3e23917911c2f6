package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pysugar/bililink/internal/api"
	"github.com/pysugar/bililink/internal/auth/cookie"
	"github.com/pysugar/bililink/internal/auth/qrlogin"
	"github.com/pysugar/bililink/internal/config"
	"github.com/pysugar/bililink/internal/db"
	"github.com/pysugar/bililink/internal/metrics"
	"github.com/pysugar/bililink/internal/notify"
	"github.com/pysugar/bililink/internal/platform/bilibili"
	"github.com/pysugar/bililink/internal/reward"
	"github.com/pysugar/bililink/internal/verify"
	"github.com/pysugar/bililink/internal/version"
)

func main() {
	configPath := flag.String("config", os.Getenv("BILILINK_CONFIG"), "path to a YAML config file (optional)")
	flag.Parse()

	cfg := config.MustLoad(*configPath)
	log.Printf("📦 bililink %s (env: %s)", version.String(), cfg.Env)

	// Initialize database
	gdb, err := db.InitDB(cfg.DB.Path, cfg.DB.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	store := db.New(gdb, cfg.Cache.CredentialTTL)

	metrics.MustRegister()

	client := bilibili.NewClient(bilibili.Options{
		PassportBaseURL: cfg.Bilibili.PassportBaseURL,
		APIBaseURL:      cfg.Bilibili.APIBaseURL,
		WWWBaseURL:      cfg.Bilibili.WWWBaseURL,
		UserAgent:       cfg.Bilibili.UserAgent,
		ConnectTimeout:  cfg.Bilibili.ConnectTimeout,
		RequestTimeout:  cfg.Bilibili.RequestTimeout,
	})

	keyPEM := cfg.Bilibili.PublicKeyPEM
	if keyPEM == "" {
		keyPEM = bilibili.DefaultPublicKeyPEM
	}
	publicKey, err := bilibili.ParsePublicKey(keyPEM)
	if err != nil {
		log.Fatalf("Failed to parse refresh public key: %v", err)
	}

	catalog, err := reward.LoadCatalog(cfg.Rewards.File)
	if err != nil {
		log.Fatalf("Failed to load reward catalog: %v", err)
	}

	mailbox := notify.NewMailbox(notify.DefaultCapacity)
	logins := qrlogin.NewManager(client, store, mailbox, qrlogin.Options{
		PollInterval: cfg.Login.PollInterval,
		TTL:          cfg.Login.TTL,
	})
	refresher := cookie.NewRefresher(store.Credentials(), client, publicKey)
	verifier := verify.NewService(client, cfg.Verify.MinCoins)
	ledger := reward.NewLedger(store, verifier, catalog, mailbox)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Refresh.Disabled {
		log.Println("⏸️ Cookie refresh loop disabled")
	} else {
		refresher.StartRefreshLoop(ctx, cfg.Refresh.Interval)
	}

	srv := &http.Server{
		Addr: cfg.HTTP.Address,
		Handler: api.NewRouter(api.Deps{
			Store:      store,
			Logins:     logins,
			Rewards:    ledger,
			Refresher:  refresher,
			Mailbox:    mailbox,
			AdminToken: cfg.HTTP.AdminToken,
		}),
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("🚀 bililink starting on http://%s", cfg.HTTP.Address)
		log.Printf("🔌 API: http://%s/api", cfg.HTTP.Address)
		log.Printf("📊 Metrics: http://%s/metrics", cfg.HTTP.Address)
		if cfg.HTTP.AdminToken == "" {
			log.Println("⚠️ BILILINK_ADMIN_TOKEN is not set, /api is unauthenticated")
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Println("🛑 Shutdown signal received")
	case err := <-serveErr:
		log.Printf("❌ Server failed: %v", err)
	}
	stop()

	logins.CancelAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ HTTP shutdown: %v", err)
	}
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Println("👋 bililink stopped")
}
