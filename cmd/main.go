package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"renderBridge/internal/browser"
	"renderBridge/internal/cli"
	"renderBridge/internal/config"
	"renderBridge/internal/credentials"
	"renderBridge/internal/database"
	"renderBridge/internal/engine"
	"renderBridge/internal/jobs"
	"renderBridge/internal/llm"
	"renderBridge/internal/logger"
	"renderBridge/internal/migrations"
	"renderBridge/internal/sanitizer"
	"renderBridge/internal/server"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Logger.Env, cfg.Logger.Level)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := migrations.Run(cfg, log); err != nil {
		log.Fatal("Ошибка миграций", zap.Error(err))
	}

	var repo jobs.Repository
	if cfg.Database.Enabled() {
		db, err := database.New(cfg, log)
		if err != nil {
			log.Fatal("Ошибка подключения к БД", zap.Error(err))
		}
		defer db.Close(log)
		repo = database.NewJobRepository(db.DB)
	} else {
		log.Warn("База данных не настроена, задания хранятся только в памяти")
		repo = jobs.NewMemoryRepository()
	}

	if n, err := repo.FailInterrupted(ctx, "Обработка прервана перезапуском сервиса", time.Now()); err != nil {
		log.Warn("Не удалось закрыть прерванные задания", zap.Error(err))
	} else if n > 0 {
		log.Info("Закрыты задания, прерванные перезапуском", zap.Int64("count", n))
	}

	san := sanitizer.New(cfg.Target.SessionToken, cfg.Target.Password, cfg.OpenAI.KeyAI)
	manager := newManager(cfg, log, san)

	runner := jobs.NewRunner(jobs.Config{
		OutputDir:       cfg.App.OutputDir,
		QueueSize:       cfg.Session.QueueSize,
		MaxAttachments:  cfg.Session.MaxAttachments,
		BreakerFailures: cfg.Session.BreakerFailures,
		BreakerCooldown: cfg.Session.BreakerCooldown,
	}, repo, manager, san, log.Logger)
	runner.Start(ctx)

	switch cfg.App.Mode {
	case "server":
		srv := server.New(cfg, log, runner, manager)
		if err := srv.Run(ctx); err != nil {
			log.Error("Ошибка сервера", zap.Error(err))
		}
	default:
		console := cli.New(runner, manager, log)
		console.Run(ctx)
	}

	shutdown(log, runner, manager)
}

func newManager(cfg *config.Cfg, log *logger.Zap, san *sanitizer.DataSanitizer) *engine.Manager {
	target := engine.DefaultTarget(cfg.Target.URL)
	target.LoginURL = cfg.Target.LoginURL

	store := credentials.New(credentials.Config{
		Path:          cfg.Target.CookieFile,
		SearchPaths:   credentials.DefaultSearchPaths("render-bridge"),
		Essential:     target.EssentialCookies,
		DefaultDomain: target.Host(),
	}, log.Named("cookies"))

	var detector browser.PopupDetector
	if cfg.OpenAI.KeyAI != "" {
		client := llm.NewClient(llm.Config{
			APIKey:            cfg.OpenAI.KeyAI,
			Model:             cfg.OpenAI.Model,
			MaxTokens:         cfg.OpenAI.MaxTokens,
			RequestsPerMinute: 10,
			TokensPerHour:     50000,
		}, san, log.Named("llm"))
		detector = browser.NewLLMPopupDetector(client)
		log.Info("Определение всплывающих окон через LLM включено", zap.String("model", cfg.OpenAI.Model))
	}

	newDriver := func() browser.Driver {
		br := browser.New(browser.Config{
			Headless:     cfg.Browser.Headless,
			UserDataDir:  cfg.Browser.UserDataDir,
			BrowsersPath: cfg.Browser.BrowsersPath,
			Display:      cfg.Browser.Display,
		})
		if detector != nil {
			br.SetPopupDetector(detector)
		}
		return br
	}

	timings := engine.DefaultTimings()
	timings.Challenge = engine.Wait{Interval: cfg.Timing.ChallengeInterval, Timeout: cfg.Timing.ChallengeTimeout}
	timings.Poller.Warmup = cfg.Timing.Warmup
	timings.Poller.Poll = engine.Wait{Interval: cfg.Timing.PollInterval, Timeout: cfg.Timing.PollTimeout}

	return engine.NewManager(engine.Options{
		NewDriver: newDriver,
		Cookies:   store,
		Target:    target,
		Credentials: engine.Credentials{
			Email:        cfg.Target.Email,
			Password:     cfg.Target.Password,
			SessionToken: cfg.Target.SessionToken,
		},
		Policy: engine.RetryPolicy{
			MaxAttempts: cfg.Session.MaxAttempts,
			Backoff:     cfg.Session.Backoff,
		},
		Timings:        timings,
		IdleTimeout:    cfg.Session.IdleTimeout,
		MaxAttachments: cfg.Session.MaxAttachments,
		Diagnostics:    engine.NewDiagnostics(cfg.Browser.DebugDir, log.Named("diagnostics")),
		Logger:         log.Named("engine"),
	})
}

// shutdown останавливает воркер и закрывает браузер с сохранением cookies.
func shutdown(log *logger.Zap, runner *jobs.Runner, manager *engine.Manager) {
	runner.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.CloseSession(ctx); err != nil {
		log.Warn("Ошибка закрытия сессии", zap.Error(err))
	}
	log.Info("Работа завершена")
}
