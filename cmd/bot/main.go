package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"tg_group_market_bot/internal/api"
	"tg_group_market_bot/internal/config"
	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/feature/owner"
	"tg_group_market_bot/internal/feature/user"
	"tg_group_market_bot/internal/health"
	"tg_group_market_bot/internal/interview"
	"tg_group_market_bot/internal/lifecycle"
	"tg_group_market_bot/internal/logging"
	"tg_group_market_bot/internal/pricing"
	"tg_group_market_bot/internal/secret"
	"tg_group_market_bot/internal/store"
	"tg_group_market_bot/internal/telegram"
	"tg_group_market_bot/internal/userbot"
	"tg_group_market_bot/internal/withdrawal"
)

const (
	mongoConnectTimeout     = 10 * time.Second
	mongoIndexTimeout       = 5 * time.Second
	mongoDisconnectTimeout  = 5 * time.Second
	ownerBootstrapTimeout   = 5 * time.Second
	redisPingTimeout        = 3 * time.Second
	telegramShutdownTimeout = 10 * time.Second
	httpShutdownTimeout     = 5 * time.Second

	redisLockPrefix = "group-market:"
)

func main() {
	configOnly := flag.Bool("config-only", false, "load and print configuration then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		os.Exit(1)
	}

	if *configOnly {
		logging.Info("configuration check", logging.Fields{"event": "config_only"})
		fmt.Println("configuration check: ok")
		fmt.Println(config.FormatRedacted(cfg))
		return
	}

	logger.WithFields(logging.Fields{
		"event":    "startup",
		"mongo_db": cfg.MongoDB,
	}).Info("configuration loaded")

	connectCtx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	mongoManager, err := store.NewManager(connectCtx, cfg)
	cancel()
	if err != nil {
		fatal(logger, "mongo connection error", err)
	}

	logger.WithField("event", "mongo_connect").Info("connected to mongo")

	indexCtx, cancelIndexes := context.WithTimeout(context.Background(), mongoIndexTimeout)
	err = mongoManager.EnsureBaseIndexes(indexCtx)
	cancelIndexes()
	if err != nil {
		fatal(logger, "mongo index setup error", err)
	}

	logger.WithField("event", "mongo_indexes").Info("ensured base mongo indexes")

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = connectRedis(cfg.RedisURL)
		if err != nil {
			fatal(logger, "redis connection error", err)
		}
		logger.WithField("event", "redis_connect").Info("connected to redis")
	}

	users := domain.NewUserRepository(mongoManager.Users())
	submissions := domain.NewSubmissionRepository(mongoManager.Submissions())
	pricingRules := domain.NewPricingRepository(mongoManager.PricingRules())
	ageRules := domain.NewAgePricingRepository(mongoManager.AgePricingRules())
	withdrawals := domain.NewWithdrawalRepository(mongoManager.Withdrawals())
	activity := domain.NewActivityRepository(mongoManager.ActivityLogs())
	notifications := domain.NewNotificationRepository(mongoManager.Notifications())
	sessions := domain.NewSessionRepository(mongoManager.Sessions())
	settings := domain.NewSettingsRepository(mongoManager.Settings(), domain.BotSettings{
		MinGroupAgeDays:      cfg.MinGroupAgeDays,
		RequiredChannel:      cfg.RequiredChannel,
		UsedMessageThreshold: cfg.UsedMessageThreshold,
	})

	ownerRegistrar := owner.NewRegistrar(users, activity, logger)
	ownerCtx, cancelOwner := context.WithTimeout(context.Background(), ownerBootstrapTimeout)
	err = ownerRegistrar.EnsureOwner(ownerCtx, cfg.BotOwnerID)
	cancelOwner()
	if err != nil {
		fatal(logger, "owner bootstrap error", err)
	}

	stats := store.NewStatsProvider(mongoManager.Users(), mongoManager.Submissions(), mongoManager.Withdrawals())

	resolver := pricing.NewResolver(pricingRules, cfg.MonthlyPricingFromYear, logger,
		pricing.WithAgeFallback(ageRules, settings),
	)

	cipher, err := secret.NewCipher(cfg.SessionSecret)
	if err != nil {
		fatal(logger, "session cipher error", err)
	}

	userbotClient, err := userbot.NewClient(sessions, cipher, logger)
	if err != nil {
		fatal(logger, "userbot client setup error", err)
	}
	userbotClient.SetDefaultApp(cfg.UserbotAPIID, cfg.UserbotAPIHash)

	engine, err := lifecycle.NewEngine(lifecycle.Deps{
		Users:         users,
		Submissions:   submissions,
		Pricer:        resolver,
		Settings:      settings,
		Activity:      activity,
		Notifications: notifications,
		Transport:     userbotClient,
		Identities:    []string{domain.IdentityPrimary, domain.IdentitySecondary},
		Logger:        logger,
	})
	if err != nil {
		fatal(logger, "lifecycle engine setup error", err)
	}

	payouts := withdrawal.NewService(users, withdrawals, activity, notifications, logger)

	var locker interview.Locker = interview.NewMemoryLocker()
	if redisClient != nil {
		locker = interview.NewRedisLocker(redisClient, redisLockPrefix)
	}
	interviews, err := interview.NewManager(userbotClient, cipher, sessions, interview.Options{
		Locker:   locker,
		Activity: activity,
		Logger:   logger,
	})
	if err != nil {
		fatal(logger, "interview manager setup error", err)
	}

	tgClient, err := telegram.NewClient(cfg, telegram.Deps{
		Users:       user.NewRegistrar(mongoManager.Users(), activity, logger),
		Accounts:    users,
		Submissions: submissions,
		Lifecycle:   engine,
		Withdrawals: payouts,
		Interviews:  interviews,
		Sessions:    sessions,
		Stats:       stats,
		Settings:    settings,
	}, logger)
	if err != nil {
		fatal(logger, "telegram client setup error", err)
	}
	engine.SetNotifier(tgClient)
	payouts.SetNotifier(tgClient)

	logger.WithField("event", "telegram_ready").Info("telegram client initialized")

	apiServer, err := api.NewServer(cfg.APIPort, cfg.AdminAPIToken, api.Deps{
		Users:         users,
		Submissions:   submissions,
		Lifecycle:     engine,
		PricingRules:  pricingRules,
		AgeRules:      ageRules,
		Pricer:        resolver,
		Withdrawals:   withdrawals,
		Payouts:       payouts,
		Activity:      activity,
		Notifications: notifications,
		Settings:      settings,
		Sessions:      sessions,
		Stats:         stats,
	}, logger)
	if err != nil {
		fatal(logger, "admin api setup error", err)
	}

	checkers := map[string]health.Checker{"mongo": mongoManager}
	if redisClient != nil {
		checkers["redis"] = health.CheckFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	healthServer := health.NewServer(cfg.HTTPPort, checkers, logger)

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErrs := make(chan error, 2)
	go func() { serverErrs <- healthServer.ListenAndServe() }()
	go func() { serverErrs <- apiServer.ListenAndServe() }()

	telegramCtx, cancelTelegram := context.WithCancel(context.Background())
	tgDone := make(chan struct{})

	go func() {
		tgClient.Start(telegramCtx)
		close(tgDone)
	}()

	select {
	case <-signalCtx.Done():
		logger.WithField("event", "shutdown_signal").Info("received termination signal, stopping telegram polling")
	case <-tgDone:
		logger.WithField("event", "telegram_stopped_early").Warn("telegram client stopped before shutdown signal")
	case err := <-serverErrs:
		logger.WithError(err).WithField("event", "http_stopped_early").Error("http server stopped before shutdown signal")
	}

	cancelTelegram()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), telegramShutdownTimeout)
	select {
	case <-tgDone:
	case <-waitCtx.Done():
		logger.WithField("event", "telegram_shutdown_timeout").Warn("timed out waiting for telegram client to stop")
	}
	cancelWait()

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), httpShutdownTimeout)
	if err := apiServer.Shutdown(httpCtx); err != nil {
		logger.WithError(err).Error("admin api shutdown error")
	}
	if err := healthServer.Shutdown(httpCtx); err != nil {
		logger.WithError(err).Error("health server shutdown error")
	}
	cancelHTTP()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.WithError(err).Error("redis close error")
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	if err := mongoManager.Close(shutdownCtx); err != nil {
		logger.WithError(err).Error("mongo disconnect error")
	} else {
		logger.WithField("event", "mongo_disconnect").Info("mongo client disconnected")
	}
	cancelShutdown()

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
}

func connectRedis(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func fatal(logger *logrus.Entry, msg string, err error) {
	logger.WithError(err).Error(msg)
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
