// Package app wires the coordinator process together: configuration with
// hot reload, logging, the event journal, the TCP listener service and the
// background sweeps, all supervised under one context.
package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"groupcast/internal/config"
	"groupcast/internal/coordinator"
	"groupcast/internal/eventbus"
	"groupcast/internal/janitor"
	"groupcast/internal/member"
	"groupcast/internal/pending"
	"groupcast/internal/push"
	"groupcast/internal/runtime/supervisor"
	"groupcast/internal/storage"
	"groupcast/pkg/logx"
)

type App struct {
	cfg *config.Coordinator
	man *config.Manager

	logs *logx.Service
	log  logx.Logger

	bus     eventbus.Bus
	journal storage.Store
	unsub   func()

	coord *coordinator.Service
	jan   *janitor.Service
	sup   *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	logs, log := logx.New(logx.Config{Level: "info", Console: true})

	man := config.NewManager(cfgPath, log.With(logx.String("svc", "config")))
	cfg, err := man.Load()
	if err != nil {
		logs.Close()
		return nil, err
	}
	logs.Apply(logCfg(cfg.Log))

	return &App{cfg: cfg, man: man, logs: logs, log: log}, nil
}

func logCfg(lc config.LogConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File != "", Path: lc.File},
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("svc", "supervisor"))))

	a.bus = eventbus.New()

	journal, err := storage.Open(storage.Config{
		Driver: a.cfg.Storage.Driver,
		Path:   a.cfg.Storage.Path,
	}, a.log.With(logx.String("svc", "journal")))
	if err != nil {
		return err
	}
	a.journal = journal

	events, unsub := a.bus.Subscribe(256)
	a.unsub = unsub
	a.sup.Go("journal-recorder", func(ctx context.Context) error {
		return storage.Record(ctx, events, a.journal, a.log.With(logx.String("svc", "journal")))
	})

	registry := member.NewRegistry()
	queues := pending.NewStore()

	coord, err := coordinator.New(
		coordinator.Config{
			ListenPort: a.cfg.ListenPort,
			Push: push.Config{
				DialAttempts: a.cfg.Push.DialAttempts,
				DialInterval: a.cfg.Push.DialInterval.Std(),
			},
		},
		coordinator.Deps{
			Registry:  registry,
			Pending:   queues,
			Bus:       a.bus,
			Retention: a.man.Retention,
			Log:       a.log,
		},
	)
	if err != nil {
		return err
	}
	if err := coord.Start(a.sup.Context()); err != nil {
		return err
	}
	a.coord = coord

	a.jan = janitor.New(
		janitor.Config{
			Pending:       a.cfg.Sweep.Pending,
			PruneJournal:  a.cfg.Sweep.PruneJournal,
			JournalMaxAge: a.cfg.Sweep.JournalMaxAge.Std(),
		},
		janitor.Deps{
			Pending:   queues,
			Retention: a.man.Retention,
			Journal:   a.journal,
			Bus:       a.bus,
			Log:       a.log,
		},
	)
	if err := a.jan.Start(a.sup.Context()); err != nil {
		return err
	}

	// The watcher recreates itself with backoff if fsnotify breaks; config
	// updates land on the subscription and retune logging live.
	a.sup.GoRestart("config-watch", a.man.Watch)
	updates := a.man.Subscribe(1)
	a.sup.Go("config-apply", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg, ok := <-updates:
				if !ok {
					return nil
				}
				a.logs.Apply(logCfg(cfg.Log))
			}
		}
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("coordinator up",
		logx.Int("port", a.cfg.ListenPort),
		logx.Duration("retention", a.man.Retention()))
	return nil
}

// Done closes when a supervised goroutine fails; Err reports the cause.
func (a *App) Done() <-chan struct{} { return a.sup.Context().Done() }

func (a *App) Err() error { return a.sup.Err() }

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	var firstErr error
	if a.coord != nil {
		if err := a.coord.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.jan != nil {
		if err := a.jan.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.sup != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.sup.Stop(stopCtx); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}
	if a.unsub != nil {
		a.unsub()
	}
	if a.journal != nil {
		_ = a.journal.Close()
	}
	a.log.Info("coordinator down")
	a.logs.Close()
	return firstErr
}
