package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"golang.org/x/sync/errgroup"

	"hls-stitcher/internal/ads"
	"hls-stitcher/internal/cue"
	"hls-stitcher/internal/origin"
	"hls-stitcher/internal/platform/config"
	"hls-stitcher/internal/platform/httpx"
	"hls-stitcher/internal/platform/logger"
	"hls-stitcher/internal/platform/metrics"
	"hls-stitcher/internal/session"
	"hls-stitcher/internal/stitcher"
)

const (
	shutdownTimeout   = 10 * time.Second
	originBackoff     = 100 * time.Millisecond
	demoSegmentBase   = "https://demo.example.com/live"
	readHeaderTimeout = 5 * time.Second
)

func main() {
	_ = config.Load()

	cfg, err := config.FromEnv()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	met := metrics.New()

	fetcher, err := newOrigin(cfg, log)
	if err != nil {
		return err
	}

	var resolver stitcher.Resolver
	if cfg.Ads.BaseURL != "" {
		br, err := stitcher.NewBaseResolver(cfg.Ads.BaseURL)
		if err != nil {
			return err
		}
		resolver = br
	}

	storeOpts := session.Options{
		TTL:      cfg.Sessions.TTL,
		Capacity: cfg.Sessions.Capacity,
		Shards:   cfg.Sessions.Shards,
		OnEvict:  met.IncSessionEvictions,
		Log:      log,
	}
	if cfg.Redis.Addr != "" {
		rb, err := session.NewRedisBackend(ctx, session.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer func() { _ = rb.Close() }()
		storeOpts.Backend = rb
	}
	store := session.NewStore(storeOpts)

	engine := stitcher.NewEngine(newDecider(cfg), resolver, stitcher.Options{
		DecisionTimeout:      cfg.Ads.DecisionTimeout,
		MaxOpen:              cfg.Breaks.MaxOpen,
		DefaultBreakDuration: cfg.Breaks.DefaultDuration,
		MaxBreakDuration:     cfg.Breaks.MaxDuration,
		OnDecision:           met.IncDecisions,
		OnBreak:              func(s cue.State) { met.IncBreaks(s.String()) },
		Log:                  log,
	})
	svc := stitcher.NewService(fetcher, store, engine, stitcher.ServiceOptions{
		PublicBasePath:     cfg.HTTP.PublicBasePath,
		AbsoluteSourceURIs: cfg.HTTP.AbsoluteSourceURIs,
		Log:                log,
		Metrics:            met,
	})
	h := stitcher.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(store.Len()) }).ServeHTTP(w, r)
	})
	r.Group(func(r chi.Router) {
		if cfg.HTTP.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(cfg.HTTP.RateLimitPerMinute, time.Minute))
		}
		h.Routes(r)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return store.Run(gctx, cfg.Sessions.SweepInterval)
	})
	g.Go(func() error {
		log.Info("server starting",
			"port", cfg.Port,
			"origin", originName(cfg),
			"ad_decision", deciderName(cfg),
			"redis", cfg.Redis.Addr != "",
			"log_level", cfg.LogLevel,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// newOrigin returns the playlist source: the HTTP origin when a URL template
// is configured, the built-in demo channel otherwise, cached when a cache
// TTL is set.
func newOrigin(cfg config.Config, log *slog.Logger) (origin.Fetcher, error) {
	var f origin.Fetcher
	if cfg.Origin.URLTemplate == "" {
		f = origin.NewDemo(demoSegmentBase, time.Now())
	} else {
		hf, err := origin.NewHTTPFetcher(
			cfg.Origin.URLTemplate,
			httpx.NewClient(cfg.Origin.Timeout),
			cfg.Origin.Retries+1,
			originBackoff,
			cfg.Origin.AllowPrivate,
			log,
		)
		if err != nil {
			return nil, err
		}
		f = hf
	}
	if cfg.Origin.CacheTTL > 0 {
		f = origin.NewCache(f, cfg.Origin.CacheTTL)
	}
	return f, nil
}

// newDecider returns the ad decision server client, or the static provider
// when no decision URL is configured, behind the call budget.
func newDecider(cfg config.Config) ads.Decider {
	var d ads.Decider
	if cfg.Ads.DecisionURL != "" {
		d = ads.NewClient(cfg.Ads.DecisionURL, httpx.NewClient(cfg.Ads.DecisionTimeout), 0)
	} else {
		d = &ads.Static{BaseURL: cfg.Ads.SourceURL, SegmentDuration: cfg.Ads.SegmentDuration}
	}
	return ads.NewLimited(d, cfg.Ads.DecisionRPS, int(cfg.Ads.DecisionRPS))
}

func originName(cfg config.Config) string {
	if cfg.Origin.URLTemplate == "" {
		return "demo"
	}
	return cfg.Origin.URLTemplate
}

func deciderName(cfg config.Config) string {
	if cfg.Ads.DecisionURL == "" {
		return "static"
	}
	return cfg.Ads.DecisionURL
}
