package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/socsahar/Vapes-Shop-sub001/internal/automation"
	"github.com/socsahar/Vapes-Shop-sub001/internal/config"
	"github.com/socsahar/Vapes-Shop-sub001/internal/db"
	"github.com/socsahar/Vapes-Shop-sub001/internal/email"
	"github.com/socsahar/Vapes-Shop-sub001/internal/lease"
	"github.com/socsahar/Vapes-Shop-sub001/internal/lifecycle"
	"github.com/socsahar/Vapes-Shop-sub001/internal/logger"
	"github.com/socsahar/Vapes-Shop-sub001/internal/metrics"
	"github.com/socsahar/Vapes-Shop-sub001/internal/notify"
	"github.com/socsahar/Vapes-Shop-sub001/internal/report"
	"github.com/socsahar/Vapes-Shop-sub001/internal/shop"
	"github.com/socsahar/Vapes-Shop-sub001/internal/worker"
)

// app holds every wired component of one process.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	store *db.Store

	machine      *lifecycle.Machine
	orchestrator *automation.Orchestrator

	closers []func()
}

// bootstrap loads configuration and opens the store.
func bootstrap() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput})
	if err != nil {
		return nil, err
	}

	store, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	store.Timeout = cfg.CallTimeout

	a := &app{cfg: cfg, log: log, store: store}
	a.closers = append(a.closers, store.Close)
	return a, nil
}

// wire builds the engine on top of the store.
func (a *app) wire(ctx context.Context) error {
	cfg, log := a.cfg, a.log

	metrics.Init()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Warn("unknown timezone, using UTC", zap.String("timezone", cfg.Timezone), zap.Error(err))
		loc = time.UTC
	}

	renderer, err := notify.NewRenderer(notify.RenderOptions{
		Language: cfg.Language,
		Currency: cfg.Currency,
		Location: loc,
	})
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	// ------------------------------------------------
	// Transport
	// ------------------------------------------------
	var transport email.Transport
	switch cfg.Transport {
	case "log":
		transport = &email.LogTransport{Log: log.Named("mail")}
	default:
		transport = &email.SMTPTransport{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}
	}

	// ------------------------------------------------
	// Router + reports
	// ------------------------------------------------
	router := &notify.Router{
		Dir:      a.store,
		Renderer: renderer,
		Log:      log.Named("router"),
		ShopURL:  cfg.ShopURL,
	}
	if len(cfg.ReportKinds) > 0 {
		chrome := report.NewChromeRenderer(report.ChromeOptions{
			RemoteURL: cfg.ChromeURL,
			Timeout:   3 * cfg.CallTimeout,
			NoSandbox: true,
			Log:       log.Named("chrome"),
		})
		a.closers = append(a.closers, chrome.Close)

		router.Reports = &report.Generator{
			Store:    a.store,
			PDF:      chrome,
			Log:      log.Named("report"),
			Language: cfg.Language,
			Currency: cfg.Currency,
			Money:    renderer.Money,
			Location: loc,
		}
		router.ReportKinds = cfg.ReportKinds
	}

	// ------------------------------------------------
	// Dispatcher
	// ------------------------------------------------
	dispatcher := &notify.Dispatcher{
		Queue:     a.store,
		Router:    router,
		Renderer:  renderer,
		Transport: transport,
		Pool: worker.Pool{
			Workers: cfg.WorkerCount,
			Log:     log.Named("pool"),
		},
		Limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit),
		Log:         log.Named("dispatcher"),
		CallTimeout: cfg.CallTimeout,
		SendRetry:   cfg.SendRetry,
		RetryBase:   cfg.RetryBase,
		RetryMax:    cfg.RetryMax,
	}

	// ------------------------------------------------
	// Lifecycle
	// ------------------------------------------------
	a.machine = &lifecycle.Machine{
		Store:          a.store,
		Shop:           &shop.Synchronizer{Store: a.store, Log: log.Named("shop")},
		Log:            log.Named("lifecycle"),
		MaxAttempts:    cfg.MaxAttempts,
		RecoveryWindow: cfg.ClosureRecoveryWindow,
	}

	a.orchestrator = &automation.Orchestrator{
		Machine:    a.machine,
		Dispatcher: dispatcher,
		Queue:      a.store,
		Runs:       a.store,
		Log:        log.Named("automation"),
		BatchSize:  cfg.BatchSize,
		MaxBatches: cfg.MaxBatches,
		Budget:     cfg.TickBudget,
		StaleAfter: cfg.StaleSendingAfter,
	}

	if cfg.RedisURL != "" {
		l, err := lease.NewFromURL(ctx, cfg.RedisURL, cfg.LeaseTTL)
		if err != nil {
			// leases only save duplicate work
			log.Warn("redis unavailable, ticks run without leases", zap.Error(err))
		} else {
			a.orchestrator.Lease = l
			a.closers = append(a.closers, func() { _ = l.Close() })
		}
	}
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.log.Sync()
}
