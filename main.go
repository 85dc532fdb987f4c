package main

import (
	"context"
	"flag"
	"log/slog"

	"ChatHive/bot"
	"ChatHive/impl/core"
	"ChatHive/internal/chat"
	"ChatHive/internal/config"
	repository "ChatHive/internal/database"
	"ChatHive/internal/flow"
	"ChatHive/internal/http-server/api"
	"ChatHive/internal/ingress"
	"ChatHive/internal/lib/keylock"
	"ChatHive/internal/lib/logger"
	"ChatHive/internal/lib/sl"
	"ChatHive/internal/provider"
	"ChatHive/internal/service/auth"
	"ChatHive/internal/tenant"
	"ChatHive/internal/vault"
	"ChatHive/internal/ws"
)

func main() {

	configPath := flag.String("conf", "config.yml", "path to config file")
	logPath := flag.String("log", "/var/log/", "path to log file directory")
	flag.Parse()

	conf := config.MustLoad(*configPath)
	lg := logger.SetupLogger(conf.Env, *logPath)

	// Initialize Telegram alert bot if enabled
	var tgBot *bot.TgBot
	if conf.Telegram.Enabled {
		var err error
		tgBot, err = bot.NewTgBot(conf.Telegram.BotName, conf.Telegram.ApiKey, conf.Telegram.AdminId, lg)
		if err != nil {
			lg.Error("failed to initialize telegram bot", slog.String("error", err.Error()))
		} else {
			lg = logger.SetupTelegramHandler(lg, tgBot, slog.LevelError)
			lg.With(
				slog.String("bot_name", conf.Telegram.BotName),
			).Info("telegram bot initialized")
		}
	}

	lg.Info("starting chathive", slog.String("config", *configPath), slog.String("env", conf.Env))
	lg.Debug("debug messages enabled")

	db, err := repository.NewMongoClient(conf, lg)
	if err != nil {
		lg.With(
			sl.Err(err),
		).Error("mongo client")
		return
	}
	if err := db.EnsureIndexes(context.Background()); err != nil {
		lg.With(
			sl.Err(err),
		).Error("ensure indexes")
		return
	}
	lg.With(
		slog.String("host", conf.Mongo.Host),
		slog.String("port", conf.Mongo.Port),
		slog.String("user", conf.Mongo.User),
		slog.String("database", conf.Mongo.Database),
	).Info("mongo client initialized")

	tokenVault, err := vault.New(conf.Vault.Secret)
	if err != nil {
		lg.With(
			sl.Err(err),
		).Error("token vault")
		return
	}

	resolver := tenant.NewResolver(db, tokenVault, lg)

	hub := ws.NewHub(lg)
	go hub.Run()

	locks := keylock.New()
	store := chat.NewStore(db, hub, lg)

	sender := provider.NewClient(conf.Provider.BaseURL, resolver, lg)

	engine := flow.NewEngine(store, db, sender, locks, lg)
	defer engine.Stop()

	// Re-arm wait and delay timers for workflows that were live at shutdown.
	if err := engine.Rearm(context.Background()); err != nil {
		lg.With(
			sl.Err(err),
		).Error("re-arming automation timers")
	}

	gateway := ingress.New(
		conf.Provider.AppSecret,
		conf.Provider.VerifyToken,
		resolver,
		store,
		engine,
		locks,
		conf.Ingress.Workers,
		conf.Ingress.QueueSize,
		lg,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer gateway.Wait()
	defer cancel()
	gateway.Start(ctx)

	authService := auth.NewAuthService(lg, db, conf.Auth.Secret, conf.Auth.TTLHours)

	handler := core.New(lg)
	handler.SetStore(store)
	handler.SetAutomation(engine)
	handler.SetSender(sender)
	handler.SetAuthService(authService)
	handler.SetLocks(locks)
	handler.SetAdminKey(conf.Listen.AdminKey)

	hub.SetHandler(handler)

	// *** blocking start with http server ***
	err = api.New(conf, lg, handler, gateway, hub)
	if err != nil {
		lg.Error("server start", sl.Err(err))
		return
	}
	lg.Error("service stopped")
}
