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

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/activity-reservation/internal/config"
	"github.com/iliyamo/activity-reservation/internal/database"
	"github.com/iliyamo/activity-reservation/internal/gateway"
	"github.com/iliyamo/activity-reservation/internal/handler"
	"github.com/iliyamo/activity-reservation/internal/lock"
	"github.com/iliyamo/activity-reservation/internal/logger"
	"github.com/iliyamo/activity-reservation/internal/middleware"
	"github.com/iliyamo/activity-reservation/internal/notify"
	"github.com/iliyamo/activity-reservation/internal/queue"
	"github.com/iliyamo/activity-reservation/internal/repository"
	"github.com/iliyamo/activity-reservation/internal/router"
	"github.com/iliyamo/activity-reservation/internal/scheduler"
	"github.com/iliyamo/activity-reservation/internal/service/bulkcancel"
	"github.com/iliyamo/activity-reservation/internal/service/capacity"
	"github.com/iliyamo/activity-reservation/internal/service/payment"
	"github.com/iliyamo/activity-reservation/internal/service/reservation"
	"github.com/iliyamo/activity-reservation/internal/service/settlement"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(database.Options{
		User:         cfg.DB.User,
		Pass:         cfg.DB.Pass,
		Host:         cfg.DB.Host,
		Port:         cfg.DB.Port,
		Name:         cfg.DB.Name,
		MaxOpenConns: cfg.DB.MaxOpenConns,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("database connection established")
	if cfg.DB.Migrate {
		if err := database.Migrate(ctx, db); err != nil {
			return err
		}
		log.Info("schema applied")
	}

	rdb := config.NewRedisClient(cfg.Redis)
	if rdb == nil {
		return errors.New("redis unavailable at " + cfg.Redis.Address())
	}
	defer rdb.Close()
	locker := lock.NewRedisLocker(rdb, lock.Options{
		Prefix:        cfg.Lock.Prefix,
		Wait:          cfg.Lock.Wait,
		RetryInterval: cfg.Lock.RetryInterval,
	})

	gw, err := gateway.New(cfg.PG)
	if err != nil {
		return err
	}
	if gw == nil {
		log.Warn("payment gateway disabled, refunds are recorded in the ledger only")
	}

	var notifier notify.Sender = notify.Nop{}
	if cfg.RabbitMQ.URL != "" {
		notifier = queue.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.NotificationQueue, log)
	} else {
		log.Warn("RABBITMQ_URL not set, notifications are dropped")
	}

	store := repository.NewStore(db)
	ledger := capacity.NewLedger(store, log)
	reservations := reservation.NewService(store, ledger, locker, gw, notifier, log,
		reservation.WithLockTTL(cfg.Lock.TTL),
		reservation.WithCurrency(cfg.Currency),
	)
	processor := payment.NewProcessor(store, gw, notifier, log)
	settlements := settlement.NewService(store, log,
		settlement.WithRates(settlement.Rates{
			PlatformFee:   cfg.Settlement.PlatformFeeRate,
			B2BCommission: cfg.Settlement.B2BCommissionRate,
		}),
		settlement.WithPayoutSalt(cfg.Settlement.PayoutSalt),
		settlement.WithTransferer(settlement.LoggingTransferer{Log: log}),
	)
	bulk := bulkcancel.NewEngine(store, reservations, locker, notifier, log, bulkcancel.WithLockTTL(cfg.Lock.TTL))

	loc := scheduler.LoadLocation(cfg.Scheduler.Timezone, log)

	if cfg.RabbitMQ.URL != "" && gw != nil {
		consumer := queue.NewPaymentEventConsumer(cfg.RabbitMQ.URL, cfg.RabbitMQ.PaymentQueue, gw.Provider(), processor, log)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("payment event consumer stopped", "error", err)
			}
		}()
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(scheduler.NewJobs(settlements, ledger, log, loc), log, cfg.Scheduler, loc)
		sched.Register()
		sched.Start()
		log.Info("scheduler started", "timezone", loc.String())
	}

	e := echo.New()
	e.HideBanner = true
	e.Validator = handler.NewValidator()
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(requestLogger(log))

	router.Register(e, router.Handlers{
		Health: handler.Health(
			handler.HealthCheck{Name: "mysql", Check: db.PingContext},
			handler.HealthCheck{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		),
		Reservations: handler.NewReservationHandler(reservations, log),
		Webhook:      handler.NewWebhookHandler(processor, log),
		Admin:        handler.NewAdminHandler(settlements, bulk, ledger, loc, log),
	}, cfg.JWTSecret, middleware.NewRateLimiter(cfg.RateLimit, rdb, log))

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		log.Info("listening", "addr", addr, "env", cfg.Env)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if sched != nil {
		select {
		case <-sched.Stop().Done():
			log.Info("scheduler stopped")
		case <-shutdownCtx.Done():
			log.Warn("scheduler jobs still running at shutdown")
		}
	}
	return nil
}

// requestLogger writes one slog line per request.
func requestLogger(log *slog.Logger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			level := slog.LevelInfo
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				level = slog.LevelError
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			log.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	})
}
