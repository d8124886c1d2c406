package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/homestead/internal/audit"
	"github.com/MarcoPoloResearchLab/homestead/internal/auth"
	"github.com/MarcoPoloResearchLab/homestead/internal/config"
	"github.com/MarcoPoloResearchLab/homestead/internal/database"
	"github.com/MarcoPoloResearchLab/homestead/internal/inbox"
	"github.com/MarcoPoloResearchLab/homestead/internal/logging"
	"github.com/MarcoPoloResearchLab/homestead/internal/metrics"
	"github.com/MarcoPoloResearchLab/homestead/internal/notify"
	"github.com/MarcoPoloResearchLab/homestead/internal/profiles"
	"github.com/MarcoPoloResearchLab/homestead/internal/rate"
	"github.com/MarcoPoloResearchLab/homestead/internal/realtime"
	"github.com/MarcoPoloResearchLab/homestead/internal/server"
	"github.com/MarcoPoloResearchLab/homestead/internal/sessions"
	"github.com/MarcoPoloResearchLab/homestead/internal/upgrades"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const redisPingTimeout = 3 * time.Second

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	recorder, err := metrics.New()
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, groupCtx := errgroup.WithContext(signalCtx)

	profileStore, err := profiles.NewStore(profiles.StoreConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}
	auditSink := audit.NewSink(audit.SinkConfig{
		Database: db,
		Logger:   logging.Component(logger, "audit"),
	})

	notifier, err := notify.NewNotifier(notify.Config{
		Mailer:     newMailer(appConfig, logger),
		AdminEmail: appConfig.Notify.AdminEmail,
		Workers:    appConfig.Notify.Workers,
		QueueSize:  appConfig.Notify.QueueSize,
		Logger:     logging.Component(logger, "notify"),
		Metrics:    recorder,
	})
	if err != nil {
		return err
	}
	group.Go(func() error {
		return notifier.Run(groupCtx)
	})

	redisClient, err := dialRedis(groupCtx, appConfig)
	if err != nil {
		logger.Warn("redis unavailable; realtime fan-out and rate limits are process-local", zap.Error(err))
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	dispatcher := realtime.NewDispatcher[upgrades.Change](realtime.WithLogger(logging.Component(logger, "realtime")))
	publisher := newChangePublisher(groupCtx, group, appConfig, redisClient, dispatcher, logger)
	contactLimiter, err := newContactLimiter(appConfig, redisClient)
	if err != nil {
		return err
	}

	upgradeService, err := upgrades.NewService(upgrades.ServiceConfig{
		Database:  db,
		Clock:     time.Now,
		Publisher: publisher,
		Feed:      dispatcher,
		Audit:     auditSink,
		Notifier:  notifier,
		Logger:    logging.Component(logger, "upgrades"),
		Metrics:   recorder,
	})
	if err != nil {
		return err
	}
	inboxService, err := inbox.NewService(inbox.Config{
		Database: db,
		Notifier: notifier,
		Logger:   logging.Component(logger, "inbox"),
	})
	if err != nil {
		return err
	}

	registry, err := sessions.NewRegistry(sessions.Config{
		IdleTTL:  appConfig.SessionIdleTTL,
		Profiles: profileStore,
		Logger:   logging.Component(logger, "roles"),
		Metrics:  recorder,
	})
	if err != nil {
		return err
	}
	defer registry.Shutdown()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:          registry,
		Validator:         validator,
		Profiles:          profileStore,
		Upgrades:          upgradeService,
		Inbox:             inboxService,
		Audit:             auditSink,
		ContactLimiter:    contactLimiter,
		Metrics:           recorder,
		Logger:            logging.Component(logger, "http"),
		AllowedOrigins:    appConfig.AllowedOrigins,
		TrustedProxies:    appConfig.TrustedProxies,
		SessionCookieName: appConfig.AppCookieName,
		SecureCookies:     appConfig.SecureCookies,
		UnauthorizedPath:  appConfig.Unauthorized,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func newMailer(appConfig config.AppConfig, logger *zap.Logger) notify.Mailer {
	mailLogger := logging.Component(logger, "mail")
	if !appConfig.MailEnabled() {
		logger.Warn("smtp host not configured; notification email is logged only")
		return notify.NewLogMailer(mailLogger)
	}
	return notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     appConfig.SMTP.Host,
		Port:     appConfig.SMTP.Port,
		From:     appConfig.SMTP.From,
		Username: appConfig.SMTP.Username,
		Password: appConfig.SMTP.Password,
		TLSMode:  appConfig.SMTP.TLSMode,
	}, mailLogger)
}

// newChangePublisher returns the Redis bridge when a Redis client is available and
// the local dispatcher otherwise.
func newChangePublisher(ctx context.Context, group *errgroup.Group, appConfig config.AppConfig, client *redis.Client, dispatcher *realtime.Dispatcher[upgrades.Change], logger *zap.Logger) realtime.Publisher[upgrades.Change] {
	if client == nil {
		return dispatcher
	}
	bridge, err := realtime.NewRedisBridge(realtime.RedisBridgeConfig{
		Client:  client,
		Channel: appConfig.RedisChannel,
		Logger:  logging.Component(logger, "realtime"),
	}, dispatcher)
	if err != nil {
		logger.Warn("redis bridge disabled", zap.Error(err))
		return dispatcher
	}
	group.Go(func() error {
		if err := bridge.Run(ctx); err != nil {
			logger.Error("redis bridge stopped; realtime fan-out is process-local", zap.Error(err))
		}
		return nil
	})
	return bridge
}

// newContactLimiter shares contact windows across processes through Redis when a
// client is available.
func newContactLimiter(appConfig config.AppConfig, client *redis.Client) (rate.Limiter, error) {
	limits := rate.Config{
		Prefix: "homestead:rl:contacts:",
		Max:    appConfig.ContactLimit.Limit,
		Window: appConfig.ContactLimit.Window,
	}
	if client != nil {
		return rate.NewRedisLimiter(client, limits)
	}
	return rate.NewMemoryLimiter(limits)
}

// dialRedis returns a nil client when no address is configured.
func dialRedis(ctx context.Context, appConfig config.AppConfig) (*redis.Client, error) {
	if appConfig.RedisAddress == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
