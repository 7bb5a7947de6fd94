package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"calsync/internal/cache"
	"calsync/internal/config"
	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/provider"
	"calsync/internal/scheduler"
	"calsync/internal/service"
	"calsync/internal/store"
	"calsync/internal/web"
)

const (
	syncConcurrency = 4
	syncTimeout     = 10 * time.Minute
)

var (
	serveListen string
	serveNoSync bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the websocket bridge and sync subscriptions",
	Long: `Open the store in the background, serve the bridge on /ws and sync
every account on the configured cron schedule.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (overrides config if set)")
	serveCmd.Flags().BoolVar(&serveNoSync, "no-initial-sync", false, "Skip the sync at startup")
}

// bridgeSyncer routes scheduled syncs through the bridge so they wait for
// the store to open.
type bridgeSyncer struct {
	svc *service.Service
}

func (b bridgeSyncer) SyncAll(ctx context.Context) error {
	_, err := b.svc.Call(ctx, "accounts/sync", nil)
	return err
}

func runServe(cmd *cobra.Command, _ []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		conf.Listen = serveListen
	}
	loc, err := conf.Location()
	if err != nil {
		appLog.Error("invalid timezone, using UTC", err, "timezone", conf.Timezone)
		loc = time.UTC
	}

	appLog.Info("calsync starting",
		"version", version,
		"listen", conf.Listen,
		"database", conf.Database,
		"timezone", loc.String(),
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"expansion_limit", conf.ExpansionLimit,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctl := cache.New()
	var db *store.DB
	svc := service.New(func(ctx context.Context) (*service.Deps, error) {
		d, err := openStore(ctx, conf)
		if err != nil {
			return nil, err
		}
		db = d
		return &service.Deps{DB: d, Providers: newRegistry(d, ctl, conf), Cache: ctl}, nil
	})
	opened := svc.Start(ctx)

	sched, err := scheduler.New(conf.RefreshCron, loc, bridgeSyncer{svc: svc}, syncTimeout)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return web.NewServer(conf, svc, ctl).Run(gctx)
	})
	g.Go(func() error {
		sched.Run(gctx, !serveNoSync)
		return nil
	})
	runErr := g.Wait()

	// Only close a store the open step actually produced.
	select {
	case <-opened.Done():
		if opened.Wait(context.Background()) == nil {
			if err := db.Close(); err != nil {
				appLog.Error("failed to close store", err)
			}
		}
	default:
	}

	if runErr != nil {
		appLog.Error("calsync stopped with error", runErr)
		return runErr
	}
	appLog.Info("calsync exiting")
	return nil
}

func openStore(ctx context.Context, conf *config.Config) (*store.DB, error) {
	db, err := store.OpenAndMigrate(ctx, conf.Database)
	if err != nil {
		appLog.Error("failed to open store", err, "database", conf.Database)
		return nil, err
	}
	return db, nil
}

func newRegistry(db *store.DB, ctl *cache.Controller, conf *config.Config) *provider.Registry {
	reg := provider.NewRegistry(db, syncConcurrency)
	reg.Register(provider.TypeLocal, provider.NewLocal(db, ctl))
	reg.Register(provider.TypeSubscription, provider.NewSubscription(
		db,
		ctl,
		ics.NewFetcher(conf.ICSCacheDir, nil),
		ics.NewImporter(conf.HorizonDays, conf.ExpansionLimit),
	))
	return reg
}
