package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/WaveringAna/wisp-edge/config"
	"github.com/WaveringAna/wisp-edge/internal/admin"
	"github.com/WaveringAna/wisp-edge/internal/cache"
	"github.com/WaveringAna/wisp-edge/internal/dnsverify"
	"github.com/WaveringAna/wisp-edge/internal/domaindb"
	"github.com/WaveringAna/wisp-edge/internal/fetch"
	"github.com/WaveringAna/wisp-edge/internal/httplog"
	"github.com/WaveringAna/wisp-edge/internal/identity"
	"github.com/WaveringAna/wisp-edge/internal/ingest"
	"github.com/WaveringAna/wisp-edge/internal/obslog"
	"github.com/WaveringAna/wisp-edge/internal/pglock"
	"github.com/WaveringAna/wisp-edge/internal/redirects"
	"github.com/WaveringAna/wisp-edge/internal/serve"
	"github.com/WaveringAna/wisp-edge/internal/sitestore"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to TOML config file (optional, env vars apply without one)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	// Best effort; a missing .env is normal.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		log.Fatalf("invalid log level %q: %v", cfg.Server.LogLevel, err)
	}

	if err := os.MkdirAll(cfg.Server.CacheDir, 0o755); err != nil {
		log.Fatalf("creating cache dir: %v", err)
	}

	recorder, err := obslog.NewRecorder(filepath.Join(cfg.Server.CacheDir, "events.db"))
	if err != nil {
		log.Fatalf("opening event db: %v", err)
	}
	defer recorder.Close() //nolint:errcheck // best-effort cleanup on shutdown

	// Warnings and errors from slog are teed into the event recorder so
	// the observability endpoints see them.
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(obslog.NewHandler(inner, recorder)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var (
		pool   *pgxpool.Pool
		db     *domaindb.DB
		locker *pglock.Locker
	)
	if !cfg.Server.CacheOnly {
		pool, err = pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatalf("connecting to postgres: %v", err) //nolint:gocritic // exitAfterDefer is intentional — process is dying
		}
		defer pool.Close()
		db = domaindb.New(pool)
		if err := db.Migrate(ctx); err != nil {
			log.Fatalf("migrating domain tables: %v", err)
		}
		locker = pglock.New(pool)
	} else {
		slog.Info("cache-only mode: postgres disabled, serving the path-prefix host only")
	}

	files := cache.NewBytes(int64(cfg.Cache.FileBudgetMB) << 20)
	htmlCache := cache.NewBytes(int64(cfg.Cache.HTMLBudgetMB) << 20)
	meta := cache.NewLookup[sitestore.FileMeta](cfg.Cache.MetaEntries, 10*time.Minute)
	hints := cache.NewLookup[[]string](cfg.Cache.MetaEntries, 10*time.Minute)
	rules := cache.NewLookup[[]redirects.Rule](cfg.Cache.MetaEntries, 10*time.Minute)
	wispDomains := cache.NewLookup[domaindb.WispDomain](4096, 5*time.Minute)
	customDomains := cache.NewLookup[domaindb.CustomDomain](4096, 5*time.Minute)
	domainsByHash := cache.NewLookup[domaindb.CustomDomain](4096, 5*time.Minute)

	fc := fetch.New()
	store := sitestore.New(cfg.Server.CacheDir, fc)
	resolver := identity.NewResolver(fc, net.DefaultResolver, cfg.Upstream.PLCDirectory)
	barrier := cache.NewBarrier()

	mat := &ingest.Materializer{
		Store:    store,
		Resolver: resolver,
		Fetch:    fc,
		Barrier:  barrier,
		Files:    files,
		HTML:     htmlCache,
		Meta:     meta,
		Hints:    hints,
		Rules:    rules,
		Lock:     locker,
		DB:       db,
	}

	worker := ingest.NewWorker(mat, cfg.Upstream.StreamURL, recorder)
	worker.Start(ctx)

	if cfg.Server.BackfillOnStartup {
		go func() {
			if err := worker.Backfill(ctx, cfg.Server.BackfillConcurrency); err != nil {
				slog.Error("startup backfill", "err", err)
			}
		}()
	}

	var verifier *dnsverify.Verifier
	if db != nil {
		verifier = dnsverify.New(db, nil, cfg.Server.BaseHost, recorder)
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("creating scheduler: %v", err)
	}
	if verifier != nil {
		_, err = sched.NewJob(
			gocron.DurationJob(time.Duration(cfg.Verifier.IntervalMinutes)*time.Minute),
			gocron.NewTask(func() {
				if _, err := verifier.Run(ctx); err != nil {
					slog.Error("dns verification sweep", "err", err)
				}
			}),
		)
		if err != nil {
			log.Fatalf("scheduling dns verification: %v", err)
		}
	}
	// Domain lookups cache positives and negatives alike; the purge bounds
	// how long a row change can stay invisible beyond the entry TTL.
	_, err = sched.NewJob(
		gocron.DurationJob(30*time.Minute),
		gocron.NewTask(func() {
			wispDomains.Purge()
			customDomains.Purge()
			domainsByHash.Purge()
		}),
	)
	if err != nil {
		log.Fatalf("scheduling domain cache purge: %v", err)
	}
	sched.Start()

	serveOpts := serve.Options{
		BaseHost: cfg.Server.BaseHost,
		Store:    store,
		Resolver: resolver,
		Fetcher:  mat,
		Barrier:  barrier,
		Files:    files,
		HTML:     htmlCache,
		Meta:     meta,
		Hints:    hints,
		Rules:    rules,
		Wisp:     wispDomains,
		Custom:   customDomains,
		ByHash:   domainsByHash,
	}
	if db != nil {
		serveOpts.DB = db
	}

	listenErr := make(chan error, 2)

	if addr := cfg.Server.InternalAddr; addr != "" {
		adminOpts := admin.Options{
			Recorder: recorder,
			Stream:   worker,
			Files:    files,
			HTML:     htmlCache,
			Lookups: map[string]interface{ Len() int }{
				"meta":           meta,
				"hints":          hints,
				"redirect_rules": rules,
				"wisp_domains":   wispDomains,
				"custom_domains": customDomains,
				"domains_byhash": domainsByHash,
			},
		}
		if verifier != nil {
			adminOpts.Verifier = verifier
		}
		go func() {
			slog.Info("internal listener started", "addr", addr)
			if err := http.ListenAndServe(addr, admin.New(adminOpts)); err != nil {
				listenErr <- fmt.Errorf("internal listener: %w", err)
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: httplog.Wrap(serve.New(serveOpts), recorder),
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			listenErr <- fmt.Errorf("serve: %w", err)
		}
	}()

	slog.Info("wisp-edge listening", "base_host", cfg.Server.BaseHost, "port", cfg.Server.Port, "version", version)
	select {
	case <-ctx.Done():
	case err := <-listenErr:
		slog.Error("listener failed", "err", err)
	}
	slog.Info("shutting down")

	// Stop producers before draining the server: no new snapshots land
	// while in-flight requests finish.
	worker.Stop()
	if err := sched.Shutdown(); err != nil {
		slog.Error("stopping scheduler", "err", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
}
