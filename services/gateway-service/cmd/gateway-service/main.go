package main

import (
	"embed"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/auth"
	"github.com/md-rashed-zaman/notifywise/libs/config"
	"github.com/md-rashed-zaman/notifywise/libs/httpx"
	"github.com/md-rashed-zaman/notifywise/libs/metrics"
	otelx "github.com/md-rashed-zaman/notifywise/libs/otel"
	"github.com/md-rashed-zaman/notifywise/libs/runtime"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

//go:embed assets/openapi.yaml
var openAPISpec embed.FS

func main() {
	service := config.String("SERVICE_NAME", "gateway-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer otelx.Shutdown(otelShutdown)()
	}

	jwtSecret, err := config.RequiredString("JWT_SECRET")
	if err != nil {
		panic(err)
	}
	signer := auth.NewSigner(jwtSecret, config.Seconds("JWT_TTL_SECONDS", 24*time.Hour))

	perMinute := config.Int("RATE_LIMIT_PER_MINUTE", 60)
	authPerWindow := config.Int("AUTH_RATE_LIMIT", 5)
	authWindow := config.Seconds("AUTH_RATE_LIMIT_WINDOW_SECONDS", 15*time.Minute)
	failOpen := config.Bool("RATE_LIMIT_FAIL_OPEN", true)

	var general, credentials httpx.Limiter
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		defer func() { _ = rdb.Close() }()
		prefix := config.String("RATE_LIMIT_PREFIX", "rl")
		general = httpx.NewRedisSlidingWindowLimiter(rdb, perMinute, time.Minute, prefix)
		credentials = httpx.NewRedisSlidingWindowLimiter(rdb, authPerWindow, authWindow, prefix+":auth")
		logger.Info("rate limiting enabled (redis)", "per_minute", perMinute, "auth_limit", authPerWindow, "redis_addr", addr)
	} else {
		general = httpx.NewSlidingWindowLimiter(perMinute, time.Minute)
		credentials = httpx.NewSlidingWindowLimiter(authPerWindow, authWindow)
		logger.Info("rate limiting enabled (in-memory)", "per_minute", perMinute, "auth_limit", authPerWindow)
	}

	m := metrics.New(service)
	mux := runtime.NewBaseMuxWithReady()
	mux.Handle("/metrics", m.Handler())
	registerRoutes(mux, upstreams{
		Auth:         mustParseURL(config.String("AUTH_URL", "http://auth-service:8081")),
		Scheduling:   mustParseURL(config.String("SCHEDULING_URL", "http://scheduling-service:8083")),
		Notification: mustParseURL(config.String("NOTIFICATION_URL", "http://notification-service:8085")),
	}, signer, httpx.RateLimit(credentials, credentialKey, logger, failOpen))

	handler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   config.List("CORS_ALLOWED_ORIGINS", ""),
			AllowedMethods:   config.List("CORS_ALLOWED_METHODS", "GET,POST,PUT,PATCH,DELETE,OPTIONS"),
			AllowedHeaders:   config.List("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id,Idempotency-Key"),
			AllowCredentials: config.Bool("CORS_ALLOW_CREDENTIALS", false),
			MaxAge:           config.Seconds("CORS_MAX_AGE_SECONDS", 10*time.Minute),
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		m.Middleware,
		httpx.WithBodyLimit(int64(config.Int("REQUEST_BODY_LIMIT_BYTES", 1<<20))),
		httpx.WithTimeout(config.Seconds("REQUEST_TIMEOUT_SECONDS", 45*time.Second)),
		httpx.RateLimit(general, httpx.ClientIP, logger, failOpen),
	)
	handler = otelhttp.NewHandler(handler, "gateway")

	runtime.ServeHTTP(ctx, logger, &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	})
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}
