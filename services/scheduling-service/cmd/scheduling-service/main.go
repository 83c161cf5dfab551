package main

import (
	"net/http"
	"time"

	"github.com/md-rashed-zaman/notifywise/libs/config"
	"github.com/md-rashed-zaman/notifywise/libs/db"
	"github.com/md-rashed-zaman/notifywise/libs/events"
	"github.com/md-rashed-zaman/notifywise/libs/grpcx"
	"github.com/md-rashed-zaman/notifywise/libs/httpx"
	"github.com/md-rashed-zaman/notifywise/libs/inbox"
	"github.com/md-rashed-zaman/notifywise/libs/kafkax"
	"github.com/md-rashed-zaman/notifywise/libs/metrics"
	otelx "github.com/md-rashed-zaman/notifywise/libs/otel"
	"github.com/md-rashed-zaman/notifywise/libs/outbox"
	"github.com/md-rashed-zaman/notifywise/libs/phone"
	"github.com/md-rashed-zaman/notifywise/libs/runtime"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/consumer"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/handlers"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/scheduling"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/internal/storage"
	"github.com/md-rashed-zaman/notifywise/services/scheduling-service/migrations"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8083")
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
	m := metrics.New(service)
	repo := storage.NewRepository(pool)
	phones := phone.New(
		config.String("PHONE_DEFAULT_COUNTRY_CODE", "212"),
		config.String("PHONE_ALT_COUNTRY_CODE", "1"),
	)
	store := scheduling.NewStore(repo, repo, phones, logger, scheduling.WithObserver(m))

	publisher := outbox.NewPublisher(pool, outbox.NewRepository(), logger, outbox.PublisherConfig{
		Brokers:   brokers,
		PollEvery: config.Seconds("OUTBOX_POLL_SECONDS", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go publisher.Run(ctx)

	if brokers != "" {
		eventConsumer := kafkax.NewConsumer(logger, inbox.NewRepository(pool), kafkax.ConsumerConfig{
			Brokers: brokers,
			GroupID: config.String("KAFKA_GROUP_ID", service),
			Topics:  events.SchedulingTopics,
		}, consumer.NewHandler(store, logger).Handle)
		go eventConsumer.Run(ctx)
	} else {
		logger.Warn("event consumer disabled (no kafka brokers configured)")
	}

	grpcSrv, health := grpcx.NewServer()
	go func() {
		if err := grpcx.Serve(ctx, logger, grpcSrv, health, ":"+config.String("GRPC_PORT", "9083")); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	mux.Handle("/metrics", m.Handler())
	handlers.Register(mux,
		handlers.NewAppointmentHandler(store, logger),
		handlers.NewClientHandler(store, logger),
		handlers.NewBusinessHandler(store, logger),
	)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		m.Middleware,
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(config.Seconds("HTTP_HANDLER_TIMEOUT_SECONDS", 15*time.Second)),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")

	runtime.ServeHTTP(ctx, logger, &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	})
}
