package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/accordsai/esign/pkg/authn"
	"github.com/accordsai/esign/pkg/authz"
	"github.com/accordsai/esign/pkg/config"
	"github.com/accordsai/esign/pkg/db"
	"github.com/accordsai/esign/services/signing/internal/api"
	"github.com/accordsai/esign/services/signing/internal/assets"
	"github.com/accordsai/esign/services/signing/internal/delivery"
	"github.com/accordsai/esign/services/signing/internal/engine"
	"github.com/accordsai/esign/services/signing/internal/identity"
	"github.com/accordsai/esign/services/signing/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := db.MustConnect(cfg.DatabaseURL)
	defer pool.Close()
	st := store.New(pool)
	if err := st.Migrate(ctx); err != nil {
		log.Error("migrate failed", "error", err)
		os.Exit(1)
	}
	for actorID, hash := range cfg.ActorCredentials {
		if err := st.PutActorCredential(ctx, actorID, hash); err != nil {
			log.Error("seed actor credential failed", "actor_id", actorID, "error", err)
			os.Exit(1)
		}
	}

	rdb := identity.Connect(ctx, cfg.RedisAddr, log)
	if rdb != nil {
		defer rdb.Close()
	}
	resolver := identity.NewCachedResolver(identity.New(cfg.IdentityBaseURL), rdb, cfg.IdentityCacheTTL, log)

	var notifier delivery.Notifier = delivery.LogNotifier{Log: log}
	if cfg.NotifyBaseURL != "" {
		notifier = delivery.NewHTTPNotifier(cfg.NotifyBaseURL, cfg.NotifySecret)
	} else {
		log.Warn("NOTIFY_BASE_URL not set, notifications are only logged")
	}
	dispatcher := delivery.NewDispatcher(st, notifier, log)
	go dispatcher.Run(ctx)
	sweep, err := dispatcher.Schedule(ctx, cfg.DeliverySweep)
	if err != nil {
		log.Error("invalid delivery sweep", "spec", cfg.DeliverySweep, "error", err)
		os.Exit(1)
	}
	sweep.Start()
	defer sweep.Stop()

	eng := engine.New(engine.Options{
		Store:            st,
		Identity:         resolver,
		Assets:           assets.New(cfg.AssetBaseURL),
		Policy:           authz.Policy{RevokeAfterSigning: cfg.RevokeAfterSigning},
		MaxApplyAttempts: cfg.MaxApplyAttempts,
		Logger:           log,
		OnCommit:         dispatcher.Kick,
	})

	srv := &api.Server{
		Engine:      eng,
		Sessions:    authn.NewSessions(cfg.JWTSecret, cfg.SessionTTL),
		Credentials: st,
		Idempotency: st,
		Log:         log,
	}
	httpSrv := &http.Server{
		Addr:              ":" + cfg.ServicePort,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("signing service listening", "port", cfg.ServicePort)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
