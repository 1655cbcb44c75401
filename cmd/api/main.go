package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ovaphlow/hexagram/access-core-go/internal/auth"
	"github.com/ovaphlow/hexagram/access-core-go/internal/binding"
	bindrepo "github.com/ovaphlow/hexagram/access-core-go/internal/binding/repo"
	"github.com/ovaphlow/hexagram/access-core-go/internal/chart"
	"github.com/ovaphlow/hexagram/access-core-go/internal/device"
	devrepo "github.com/ovaphlow/hexagram/access-core-go/internal/device/repo"
	"github.com/ovaphlow/hexagram/access-core-go/internal/divination"
	usagerepo "github.com/ovaphlow/hexagram/access-core-go/internal/divination/repo"
	"github.com/ovaphlow/hexagram/access-core-go/internal/permission"
	permrepo "github.com/ovaphlow/hexagram/access-core-go/internal/permission/repo"
	"github.com/ovaphlow/hexagram/access-core-go/internal/policy"
	"github.com/ovaphlow/hexagram/access-core-go/internal/router"
	"github.com/ovaphlow/hexagram/access-core-go/internal/session"
	sessrepo "github.com/ovaphlow/hexagram/access-core-go/internal/session/repo"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/database"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/utilities"
)

func main() {
	// load .env file if present so os.Getenv picks values from it
	_ = godotenv.Load()

	lg, err := utilities.InitLogger(utilities.LogConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting access-core-go")

	pol, err := policy.FromEnv()
	if err != nil {
		sugar.Fatalf("policy config: %v", err)
	}
	sugar.Infow("policy loaded", "timezone", pol.TimezoneName)

	cfg := database.ConfigFromEnv()
	db, err := database.Connect(cfg)
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	// convenience migrations; prefer real migrations in production
	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelMigrate()
	ensure := []interface {
		EnsureTable(context.Context) error
	}{
		permrepo.NewPermissionRepo(db),
		devrepo.NewDeviceRepo(db),
		bindrepo.NewBindingRepo(db),
		usagerepo.NewUsageRepo(db),
		sessrepo.NewSessionRepo(db),
	}
	for _, r := range ensure {
		if err := r.EnsureTable(migrateCtx); err != nil {
			sugar.Fatalf("ensure tables: %v", err)
		}
	}

	verifier, err := auth.NewVerifierFromEnv(sugar)
	if err != nil {
		sugar.Fatalf("auth config: %v", err)
	}

	perms := permission.NewService(db, pol)
	devices := device.NewService(db, perms, pol)
	bindings := binding.NewService(db, pol, sugar)
	divinations := divination.NewService(db, bindings, perms, chart.LocalEngine{}, pol, sugar)
	sessions := session.NewService(db, divinations, pol, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// background sweeps: expired offers and stale sessions; idempotent and
	// safe alongside live traffic
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := database.WithRetry(ctx, 3, 50*time.Millisecond, func(c context.Context) error {
					_, err := bindings.SweepExpired(c)
					return err
				})
				if err != nil {
					sugar.Warnw("binding sweep failed", "err", err)
				}
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := database.WithRetry(ctx, 3, 50*time.Millisecond, func(c context.Context) error {
					_, err := sessions.Reap(c)
					return err
				})
				if err != nil {
					sugar.Warnw("session reap failed", "err", err)
				}
			}
		}
	}()

	handler := router.RegisterRoutes(sugar, router.Services{
		Permissions: perms,
		Devices:     devices,
		Bindings:    bindings,
		Divinations: divinations,
		Sessions:    sessions,
		Verifier:    verifier,
	})
	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = "0.0.0.0:8431"
	}
	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()

	sugar.Infow("service is running", "addr", addr)

	<-ctx.Done()

	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(doneCtx); err != nil {
		sugar.Warnf("db ping on shutdown failed: %v", err)
	}
	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}

	sugar.Info("goodbye")
}
