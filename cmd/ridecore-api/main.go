// README: Entry point; loads config, wires services, starts HTTP server and background workers.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/gin-gonic/gin"

	"ridecore/internal/config"
	httptransport "ridecore/internal/http"
	"ridecore/internal/http/ws"
	"ridecore/internal/infra"
	"ridecore/internal/maps"
	"ridecore/internal/modules/booking"
	"ridecore/internal/modules/dispatch"
	"ridecore/internal/modules/eventbus"
	"ridecore/internal/modules/geoindex"
	"ridecore/internal/modules/location"
	"ridecore/internal/modules/notify"
	"ridecore/internal/modules/payment"
	"ridecore/internal/modules/pricing"
	"ridecore/internal/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ridecore-api stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.DB.AutoMigrate {
		if err := infra.Migrate(ctx, cfg.DB.DSN, logger); err != nil {
			return err
		}
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	verifier, messenger, err := newAuth(ctx, cfg)
	if err != nil {
		return err
	}

	bus := eventbus.New(eventbus.WithQueueLimit(cfg.Events.QueueLimit), eventbus.WithLogger(logger))
	defer bus.Close()

	index := geoindex.New(
		geoindex.WithTechnique(geoindex.Technique(cfg.GeoIndex.Technique)),
		geoindex.WithGeohashPrecision(cfg.GeoIndex.GeohashPrecision),
	)

	pricingSvc := pricing.NewService(fareRates(cfg.Fares))
	if cfg.Fares.LoadFromDB {
		n, err := pricingSvc.Load(ctx, pricing.NewStore(dbPool))
		if err != nil {
			return err
		}
		logger.Info("fare rates loaded", "count", n)
	}

	bookingSvc := booking.NewService(booking.NewPGStore(dbPool), index, bus, logger)
	restored, err := bookingSvc.Restore(ctx)
	if err != nil {
		return err
	}

	locationSvc := location.NewService(
		index,
		location.NewPGStore(dbPool),
		location.NewRedisMirror(redisClient, cfg.Location.RedisKey),
		bookingSvc,
		bus,
		cfg.Location,
		logger,
	)
	warmed, err := locationSvc.WarmStart(ctx)
	if err != nil {
		logger.Warn("driver warm start failed", "error", err)
	}
	logger.Info("state restored", "active_bookings", restored, "drivers", warmed)

	var router dispatch.Router
	if cfg.Maps.APIKey != "" {
		rs, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			return err
		}
		router = rs
	} else {
		logger.Warn("maps.api_key not set, quotes use straight-line distance")
	}
	dispatchSvc := dispatch.NewService(router, pricingSvc, index, bookingSvc, bus, cfg.Dispatch, logger)
	paymentSvc := payment.NewService(bookingSvc, cfg.Payment.WebhookSecret, cfg.Payment.Timeout, logger)

	hub := ws.NewHub(ws.Deps{
		Verifier:       verifier,
		Bus:            bus,
		Bookings:       bookingSvc,
		Dispatch:       dispatchSvc,
		Location:       locationSvc,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         logger,
	})
	defer hub.Close()

	go dispatchSvc.RunScheduler(ctx)

	if messenger != nil {
		notifier := notify.NewService(bus, messenger, locationSvc, logger)
		go func() {
			if err := notifier.Run(ctx); err != nil {
				logger.Error("notifier stopped", "error", err)
			}
		}()
	}

	if cfg.Events.AMQPURL != "" {
		mq, err := infra.NewAMQP(ctx, cfg.Events.AMQPURL, cfg.Events.AMQPExchange, logger)
		if err != nil {
			return err
		}
		defer mq.Close()
		relay := eventbus.NewAMQPRelay(bus, mq.Channel(), cfg.Events.AMQPExchange, logger, "booking.*.status")
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("amqp relay stopped", "error", err)
			}
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	api := httptransport.NewServer(httptransport.ServerDeps{
		Booking:        bookingSvc,
		Dispatch:       dispatchSvc,
		Location:       locationSvc,
		Payment:        paymentSvc,
		Hub:            hub,
		Verifier:       verifier,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         logger,
	})
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("http server stopped")
	return nil
}

// newAuth builds the token verifier and, when push is enabled, the FCM client.
func newAuth(ctx context.Context, cfg config.Config) (infra.TokenVerifier, notify.Sender, error) {
	needFirebase := cfg.Auth.Mode == "firebase" || cfg.Notify.Enabled
	var (
		verifier  infra.TokenVerifier
		messenger *messaging.Client
	)
	if needFirebase {
		app, err := infra.NewFirebaseApp(ctx, cfg.Auth.FirebaseProjectID, cfg.Auth.FirebaseCredentials)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Auth.Mode == "firebase" {
			if verifier, err = infra.NewFirebaseVerifier(ctx, app); err != nil {
				return nil, nil, err
			}
		}
		if cfg.Notify.Enabled {
			if messenger, err = infra.NewFirebaseMessaging(ctx, app); err != nil {
				return nil, nil, err
			}
		}
	}
	if verifier == nil {
		verifier = infra.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.JWTTTL)
	}
	if messenger == nil {
		return verifier, nil, nil
	}
	return verifier, messenger, nil
}

func fareRates(cfg config.FaresConfig) []pricing.Rate {
	rates := make([]pricing.Rate, 0, len(cfg.Rates))
	for name, r := range cfg.Rates {
		class, err := types.ParseVehicleClass(name)
		if err != nil {
			slog.Warn("ignoring fare rate for unknown class", "class", name)
			continue
		}
		rates = append(rates, pricing.Rate{Class: class, BaseFare: r.BaseFare, PerKm: r.PerKm, Currency: cfg.Currency})
	}
	if len(rates) == 0 {
		return pricing.DefaultRates()
	}
	return rates
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
