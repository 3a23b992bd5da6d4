// Package main is the entry point for the rate-limit gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/ratelimit-gateway/internal/admission"
	"github.com/onnwee/ratelimit-gateway/internal/config"
	"github.com/onnwee/ratelimit-gateway/internal/counterstore"
	"github.com/onnwee/ratelimit-gateway/internal/health"
	"github.com/onnwee/ratelimit-gateway/internal/identity"
	"github.com/onnwee/ratelimit-gateway/internal/limits"
	"github.com/onnwee/ratelimit-gateway/internal/metrics"
	"github.com/onnwee/ratelimit-gateway/internal/middleware"
	"github.com/onnwee/ratelimit-gateway/internal/pipeline"
	"github.com/onnwee/ratelimit-gateway/internal/response"
	"github.com/onnwee/ratelimit-gateway/internal/tracing"
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	if *help {
		fmt.Println("Rate-Limit Gateway")
		fmt.Println()
		fmt.Println("Usage: ratelimitd [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, configErrs := config.Load(*configPath)
	for _, err := range configErrs {
		slog.Warn("config load warning", "error", err)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, err := range errs {
			logger.Error("invalid configuration", "error", err)
		}
		os.Exit(1)
	}
	logger.Info("configuration loaded", "summary", cfg.LogSummary())

	var tracerProvider *tracing.Provider
	if cfg.TracingEnabled {
		var err error
		tracerProvider, err = tracing.NewProvider(tracing.Config{
			ServiceName:  "ratelimit-gateway",
			Enabled:      true,
			Environment:  cfg.Env,
			ExporterType: cfg.TracingExporterType,
			OTLPEndpoint: cfg.TracingOTLPEndpoint,
			SamplingRate: cfg.TracingSampleRate,
			InsecureMode: cfg.TracingInsecure,
		})
		if err != nil {
			logger.Error("failed to initialize tracing", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Info("tracing disabled")
	}

	promRegistry := prometheus.NewRegistry()
	promMetrics := metrics.NewPrometheusMetrics()
	if err := promMetrics.Register(promRegistry); err != nil {
		logger.Error("failed to register prometheus metrics", "error", err)
		os.Exit(1)
	}

	redisClient := newRedisClient(cfg, logger)

	pingCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.RedisTimeoutSeconds)*time.Second)
	err := redisClient.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	store := counterstore.NewRedisStore(redisClient, time.Duration(cfg.RedisTimeoutSeconds)*time.Second,
		counterstore.WithLatencyRecorder(promMetrics))

	go pollPoolStats(redisClient, promMetrics)

	clockAccuracy, err := parseClockAccuracy(cfg.ClockAccuracy)
	if err != nil {
		logger.Error("invalid clock_accuracy", "error", err)
		os.Exit(1)
	}

	engine := admission.NewEngine(
		store,
		clockAccuracy,
		time.Duration(cfg.MaxSleepTimeSeconds)*time.Second,
		time.Duration(cfg.LogSleepTimeSeconds)*time.Second,
		logger,
	)

	var provider limits.Provider
	if cfg.LimesEnabled {
		tokens := identity.NewClient(cfg.IdentityAuthURL, cfg.Username, cfg.Password, cfg.DomainName, cfg.UserDomainName, nil)
		provider = limits.NewRemoteProvider(
			cfg.LimesAPIURI,
			cfg.DomainName,
			tokens,
			nil,
			store,
			time.Duration(cfg.LimesRefreshIntervalSeconds)*time.Second,
		)
		logger.Info("remote quota-service provider configured", "api_uri", cfg.LimesAPIURI)
	} else {
		provider = limits.NewStaticProvider(cfg)
		logger.Info("static rate-limit provider configured")
	}

	var emitter metrics.Emitter = metrics.NoopEmitter{}
	if cfg.StatsDHost != "" {
		statsdEmitter, err := metrics.NewStatsDEmitter(fmt.Sprintf("%s:%d", cfg.StatsDHost, cfg.StatsDPort), cfg.StatsDPrefix, logger)
		if err != nil {
			logger.Error("failed to initialize statsd emitter", "error", err)
			os.Exit(1)
		}
		defer statsdEmitter.Close()
		emitter = statsdEmitter
		logger.Info("statsd metrics emitter configured", "host", cfg.StatsDHost, "port", cfg.StatsDPort)
	} else {
		logger.Info("statsd disabled, decision metrics are discarded")
	}

	p := &pipeline.Pipeline{
		Provider:        provider,
		Engine:          engine,
		Sleeper:         admission.TimerSleeper{},
		Responses:       response.NewBuilder(cfg.RatelimitResponse, cfg.BlacklistResponse),
		Emitter:         emitter,
		Latency:         promMetrics,
		Logger:          logger,
		RateLimitBy:     cfg.RateLimitBy,
		ServiceType:     cfg.ServiceType,
		CADFServiceName: cfg.CADFServiceName,
		Whitelist:       pipeline.BuildSet(cfg.Whitelist),
		Blacklist:       pipeline.BuildSet(cfg.Blacklist),
		Groups:          pipeline.BuildGroupIndex(cfg.Groups),
	}

	mux := http.NewServeMux()
	healthHandlers := health.NewHandlers(health.NewRedisChecker(redisClient))
	mux.HandleFunc("/health/live", healthHandlers.Health)
	mux.HandleFunc("/health/ready", healthHandlers.Ready)
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	mux.Handle("/", newBackendProxy(cfg, logger))

	var handler http.Handler = mux
	handler = middleware.RateLimit(p, nil)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	if cfg.TracingEnabled {
		handler = middleware.Tracing("ratelimit-gateway")(handler)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown tracer provider", "error", err)
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if err := redisClient.Close(); err != nil {
		logger.Error("failed to close redis client", "error", err)
	} else {
		logger.Info("redis client closed")
	}

	logger.Info("server stopped")
}

// newRedisClient builds the counter-store's Redis client. redis_url takes
// precedence over the discrete host/port fields when set.
func newRedisClient(cfg *config.Config, logger *slog.Logger) *redis.Client {
	timeout := time.Duration(cfg.RedisTimeoutSeconds) * time.Second

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to parse redis_url", "error", err)
			os.Exit(1)
		}
		opt.PoolSize = cfg.RedisMaxConnections
		opt.DialTimeout = timeout
		return redis.NewClient(opt)
	}

	return redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		PoolSize:    cfg.RedisMaxConnections,
		DialTimeout: timeout,
	})
}

// parseClockAccuracy converts a duration string like "1ms" into ticks per
// second, the integer form the admission engine and ratespec work in.
func parseClockAccuracy(s string) (int, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("clock_accuracy: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("clock_accuracy must be positive, got %q", s)
	}
	return int(time.Second / d), nil
}

// pollPoolStats reports the Redis client's checked-out connection count to
// promMetrics every few seconds, for as long as the process runs.
func pollPoolStats(client *redis.Client, promMetrics *metrics.PrometheusMetrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		stats := client.PoolStats()
		promMetrics.SetPoolInUse(float64(stats.TotalConns - stats.IdleConns))
	}
}

// newBackendProxy builds the reverse proxy to the protected backend. The
// gateway sits in front of it: requests that survive the pipeline are
// forwarded here unmodified.
func newBackendProxy(cfg *config.Config, logger *slog.Logger) http.Handler {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("%s:%d", cfg.BackendHost, cfg.BackendPort)}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = &http.Transport{
		ResponseHeaderTimeout: time.Duration(cfg.BackendTimeoutSeconds) * time.Second,
		MaxIdleConnsPerHost:   cfg.BackendMaxConnections,
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("backend proxy error", "error", err, "path", r.URL.Path)
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy
}
