package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"slot-waitlist/config"
	"slot-waitlist/internal/handlers"
	"slot-waitlist/internal/services"
	"slot-waitlist/internal/store"
	_ "slot-waitlist/migrations"
	"slot-waitlist/monitoring"
	"slot-waitlist/security"
	"slot-waitlist/utils"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

type backend struct {
	store  store.Store
	feed   store.PlanChangeFeed
	locker store.Locker
	health func(ctx context.Context) error
	close  func() error
}

func newBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.StoreBackend {
	case "memory":
		st := store.NewMemoryStore()
		slog.Warn("using in-memory store, waitlist state is lost on restart")
		return &backend{
			store:  st,
			feed:   st,
			locker: store.NewLocalLocker(),
			health: st.Ping,
			close:  func() error { return nil },
		}, nil
	case "redis":
		rdb, err := utils.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return newRedisBackend(rdb, cfg), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func newRedisBackend(rdb *redis.Client, cfg *config.Config) *backend {
	return &backend{
		store:  store.NewRedisStore(rdb, store.WithMaxRetries(cfg.TxMaxRetries)),
		feed:   store.NewRedisFeed(rdb, "release-trigger"),
		locker: store.NewRedisLocker(rdb),
		health: func(ctx context.Context) error { return utils.RedisHealthCheck(ctx, rdb) },
		close:  rdb.Close,
	}
}

func newDispatcher(cfg *config.Config) services.Dispatcher {
	if !cfg.PubNubEnabled() {
		slog.Warn("PubNub keys not configured, offers are only logged")
		return services.LogDispatcher{}
	}
	return services.NewPubNubDispatcher(services.PubNubConfig{
		PublishKey:   cfg.PubNubPublishKey,
		SubscribeKey: cfg.PubNubSubscribeKey,
		SecretKey:    cfg.PubNubSecretKey,
		UserID:       cfg.PubNubUserID,
	})
}

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()
	capacity, err := config.LoadCapacity(cfg.CapacityFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	be, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	// Initialize services
	monitor := monitoring.NewMonitor(be.store, cfg.MetricsInterval)
	counter := services.NewSlotCounter(be.store, capacity)
	admission := services.NewAdmissionEvaluator(counter, monitor)
	waitlist := services.NewWaitlistService(be.store, admission, newDispatcher(cfg),
		services.WithOfferWindow(cfg.OfferWindow),
		services.WithMonitor(monitor),
		services.WithMirror(handlers.NewRecordMirror(app)),
	)
	plans := services.NewPlanService(be.store, admission, waitlist)
	trigger := services.NewReleaseTrigger(waitlist)
	sweep := services.NewSweepJob(be.store, waitlist, be.locker, cfg.SweepInterval, cfg.SweepLockTTL)
	limiter := security.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	records := handlers.NewRecordSync(app, plans)

	// Initialize handlers
	slotsHandler := handlers.NewSlotsHandler(admission)
	waitlistHandler := handlers.NewWaitlistHandler(waitlist)
	planHandler := handlers.NewPlanHandler(plans)
	adminHandler := handlers.NewAdminHandler(be.store, waitlist, sweep)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.Environment == "development",
	})

	app.RootCmd.AddCommand(newSweepCommand(sweep, waitlist))
	records.BindHooks()

	var background sync.WaitGroup
	stopBackground := func() {
		cancel()
		sweep.Stop()
		background.Wait()
		waitlist.WaitDispatches()
	}

	// Setup graceful shutdown
	go handleShutdown(cancel)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		if _, err := records.SyncAll(ctx); err != nil {
			slog.Error("initial business sync failed", "error", err)
		}

		startBackground(ctx, &background, cfg, trigger, be.feed, monitor, limiter)
		sweep.Start(ctx)

		// Read endpoints
		e.Router.GET("/api/v1/slots/admission", slotsHandler.GetAdmission)
		e.Router.GET("/api/v1/slots/competition", slotsHandler.GetCompetition)

		// Waitlist endpoints
		v1 := e.Router.Group("/api/v1")
		v1.Bind(apis.RequireAuth())
		v1.BindFunc(limiter.WaitlistRateLimit())
		v1.POST("/waitlist", waitlistHandler.Enqueue)
		v1.GET("/waitlist/{entryId}", waitlistHandler.GetEntry)
		v1.POST("/waitlist/{entryId}/confirm", waitlistHandler.Confirm)
		v1.GET("/businesses/{businessId}/waitlist", waitlistHandler.ListBusinessEntries)
		v1.POST("/businesses/{businessId}/plan", planHandler.RequestPlanChange)

		// Admin endpoints
		admin := e.Router.Group("/api/v1/admin")
		admin.Bind(apis.RequireSuperuserAuth())
		admin.GET("/waitlist-dashboard", adminHandler.GetWaitlistDashboard)
		admin.POST("/sweep", adminHandler.RunSweep)
		admin.POST("/notify", adminHandler.ForceNotify)

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := be.health(e.Request.Context()); err != nil {
				return e.JSON(http.StatusServiceUnavailable, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(http.StatusOK, map[string]string{"status": "healthy"})
		})

		slog.Info("server routes registered", "store", cfg.StoreBackend)
		return e.Next()
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		stopBackground()
		return e.Next()
	})

	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve", "--http=0.0.0.0:"+cfg.Port)
	}

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

func startBackground(
	ctx context.Context,
	wg *sync.WaitGroup,
	cfg *config.Config,
	trigger *services.ReleaseTrigger,
	feed store.PlanChangeFeed,
	monitor *monitoring.Monitor,
	limiter *security.RateLimiter,
) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := trigger.Run(ctx, feed); err != nil {
			slog.Error("release trigger stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		limiter.Run(ctx)
	}()

	if !cfg.EnableMetrics {
		return
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		serveMetrics(ctx, cfg.MetricsPort)
	}()
}

func serveMetrics(ctx context.Context, port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server listening", "port", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server failed", "error", err)
	}
}

// newSweepCommand runs a single sweep and exits, for use from an external scheduler.
func newSweepCommand(sweep *services.SweepJob, waitlist *services.WaitlistService) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed offers and notify the next waiting businesses",
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := sweep.RunOnce(cmd.Context())
			waitlist.WaitDispatches()
			if err != nil {
				return err
			}
			if report.Skipped {
				cmd.Println("sweep skipped: another instance holds the lock")
				return nil
			}
			cmd.Printf("sweep done: due=%d expired=%d notified=%d failed=%d in %s\n",
				report.Due, report.Expired, report.Notified, report.Failed, report.Duration)
			return nil
		},
	}
}

// handleShutdown handles graceful shutdown
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	slog.Info("shutdown signal received, cleaning up")
	cancel()
}
