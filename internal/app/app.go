package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jgivc/coursepull/internal/adapter/mdmanifest"
	"github.com/jgivc/coursepull/internal/adapter/remote"
	"github.com/jgivc/coursepull/internal/cache"
	"github.com/jgivc/coursepull/internal/config"
	"github.com/jgivc/coursepull/internal/credential"
	"github.com/jgivc/coursepull/internal/download"
	httphandler "github.com/jgivc/coursepull/internal/handler/http"
	"github.com/jgivc/coursepull/internal/metrics"
	"github.com/jgivc/coursepull/internal/ratelimit"
	"github.com/jgivc/coursepull/internal/repository/kvstore"
	"github.com/jgivc/coursepull/internal/scheduler"
	srvcatalog "github.com/jgivc/coursepull/internal/service/catalog"
	"github.com/jgivc/coursepull/internal/storage/filestore"
	"github.com/redis/go-redis/v9"
)

const (
	refreshTimeout = 2 * time.Minute
	statsTimeout   = 5 * time.Second
)

type App struct {
	cfgPath string
	cfg     *config.Config
	srv     *http.Server
	creds   *credential.Manager
	cache   *cache.RecordCache
	sched   *scheduler.Scheduler
	log     *slog.Logger
}

func New(cfgPath string) *App {
	return &App{
		cfgPath: cfgPath,
	}
}

func (a *App) Start() {
	a.cfg = config.MustLoad(a.cfgPath)

	opt, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		panic(err)
	}

	rdb := redis.NewClient(opt)
	ctx := context.Background()
	_, err = rdb.Ping(ctx).Result()
	if err != nil {
		panic(err)
	}

	lo := &slog.HandlerOptions{}
	switch a.cfg.LogLevel {
	case config.LogLevelInfo:
		lo.Level = slog.LevelInfo
	case config.LogLevelWarn:
		lo.Level = slog.LevelWarn
	case config.LogLevelError:
		lo.Level = slog.LevelError
	case config.LogLevelDebug:
		lo.Level = slog.LevelDebug
	default:
		panic("unknown log level")
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, lo))
	a.log = log

	store := kvstore.NewRedisStore(rdb, log)

	limiter := ratelimit.New(a.cfg.RateLimit, log)
	a.cache = cache.New(store, a.cfg.Cache, log)

	authClient := remote.NewAuthClient(a.cfg.Auth, log)
	a.creds = credential.New(store, authClient, a.cfg.Credential, log)

	a.sched = scheduler.New(log)
	a.creds.StartProactiveRefresh(a.sched)

	files := filestore.New(a.cfg.OutDir, log)
	manifest := mdmanifest.NewBuilder(log)

	catalogClient := remote.NewCatalogClient(a.cfg.Remote, log)
	contentClient := remote.NewContentClient(a.cfg.Remote, log)

	catalogSrv := srvcatalog.NewCatalogService(catalogClient, a.cache, limiter, a.creds, log)
	orch := download.New(a.cfg.Download, contentClient, a.creds, limiter, files, manifest, store, log)

	http.Handle("GET /collection/{id}/{$}", httphandler.NewCollectionHandler(catalogSrv, log))
	http.Handle("POST /batch/{$}", httphandler.NewSubmitHandler(catalogSrv, orch, log))
	http.Handle("POST /batch/cancel/{$}", httphandler.NewCancelHandler(orch, log))
	http.Handle("GET /batch/progress/{$}", httphandler.NewProgressHandler(orch, log))
	http.Handle("GET /stats/{$}", httphandler.NewStatsHandler(a.cache, limiter, log))
	http.Handle("GET /metrics", metrics.Handler())

	a.srv = &http.Server{
		Addr: a.cfg.Listen,
	}

	go func() {
		log.Info("Start listen", slog.String("addr", a.cfg.Listen))

		if err := a.srv.ListenAndServe(); err != nil {
			log.Error("Could not serve", slog.String("listen_addr", a.cfg.Listen), slog.Any("error", err))
			os.Exit(2)
		}
	}()
}

// ForceRefresh renews the credential outside the proactive schedule.
func (a *App) ForceRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	if _, err := a.creds.Refresh(ctx, false); err != nil {
		a.log.Error("Cannot refresh credential", slog.Any("error", err))
	}
}

// DumpStats prints cache statistics to stdout.
func (a *App) DumpStats() {
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()

	stats, err := a.cache.Stats(ctx)
	if err != nil {
		fmt.Printf("Cannot read cache stats: %s\n", err)

		return
	}

	fmt.Printf("Cache entries: %d, total bytes: %d\n", stats.Entries, stats.TotalSizeBytes)
	for id, count := range stats.AccessCounts {
		fmt.Printf("  %s: %d accesses\n", id, count)
	}
}

func (a *App) Stop() {
	a.sched.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a.srv.Shutdown(ctx)
}
