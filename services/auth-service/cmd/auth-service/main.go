package main

import (
	"net/http"
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/auth"
	"github.com/md-rashed-zaman/notifywise/libs/config"
	"github.com/md-rashed-zaman/notifywise/libs/db"
	"github.com/md-rashed-zaman/notifywise/libs/httpx"
	"github.com/md-rashed-zaman/notifywise/libs/kafkax"
	"github.com/md-rashed-zaman/notifywise/libs/metrics"
	otelx "github.com/md-rashed-zaman/notifywise/libs/otel"
	"github.com/md-rashed-zaman/notifywise/libs/outbox"
	"github.com/md-rashed-zaman/notifywise/libs/phone"
	"github.com/md-rashed-zaman/notifywise/libs/runtime"
	"github.com/md-rashed-zaman/notifywise/services/auth-service/internal/accounts"
	"github.com/md-rashed-zaman/notifywise/services/auth-service/internal/handlers"
	"github.com/md-rashed-zaman/notifywise/services/auth-service/internal/storage"
	"github.com/md-rashed-zaman/notifywise/services/auth-service/migrations"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "auth-service")
	port, err := config.Port("PORT", "8081")
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

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	jwtSecret, err := config.RequiredString("JWT_SECRET")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL, db.Options{
		MaxConns: int32(config.Int("DB_MAX_CONNS", 10)),
		MinConns: int32(config.Int("DB_MIN_CONNS", 1)),
	})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if config.Bool("MIGRATE_ON_START", true) {
		if _, err := db.Migrate(ctx, pool, migrations.FS, logger); err != nil {
			logger.Error("migration failed", "err", err)
			panic(err)
		}
	}

	brokers := config.String("KAFKA_BROKERS", "")
	publisher := outbox.NewPublisher(pool, outbox.NewRepository(), logger, outbox.PublisherConfig{
		Brokers:   brokers,
		PollEvery: config.Seconds("OUTBOX_POLL_SECONDS", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go publisher.Run(ctx)

	signer := auth.NewSigner(jwtSecret, config.Seconds("JWT_TTL_SECONDS", 24*time.Hour))
	phones := phone.New(
		config.String("PHONE_DEFAULT_COUNTRY_CODE", "212"),
		config.String("PHONE_ALT_COUNTRY_CODE", "1"),
	)
	svc := accounts.NewService(storage.NewRepository(pool), signer, phones, logger,
		config.Seconds("REFRESH_TTL_SECONDS", 30*24*time.Hour))

	m := metrics.New(service)
	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	mux.Handle("/metrics", m.Handler())
	handlers.Register(mux, handlers.NewAuthHandler(svc, logger))

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		m.Middleware,
		httpx.WithBodyLimit(1<<20),
	)
	handler = otelhttp.NewHandler(handler, "auth")

	runtime.ServeHTTP(ctx, logger, &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	})
}
