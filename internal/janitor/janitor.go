// Package janitor runs the background sweeps: discarding pending messages
// whose retention window has already passed, and pruning old journal rows.
// Sweeping early changes nothing observable, since an expired message would
// be discarded at the next drain anyway; it just keeps queue memory bounded
// between reconnects.
package janitor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"groupcast/internal/eventbus"
	"groupcast/internal/pending"
	"groupcast/internal/storage"
	"groupcast/pkg/logx"
)

type Config struct {
	// Pending is the sweep schedule in cron syntax ("@every 30s" included).
	// Empty disables the pending sweep.
	Pending string

	// PruneJournal schedules journal row pruning; rows older than
	// JournalMaxAge are deleted. Both must be set to enable it.
	PruneJournal  string
	JournalMaxAge time.Duration
}

type Deps struct {
	Pending   *pending.Store
	Retention func() time.Duration
	Journal   storage.Store
	Bus       eventbus.Bus
	Log       logx.Logger
}

type Service struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	c    *cron.Cron
}

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log.With(logx.String("svc", "janitor"))}
}

// Start registers the configured jobs and starts the cron runner. With no
// jobs configured it is a no-op.
func (s *Service) Start(ctx context.Context) error {
	var jobs int
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))

	if s.cfg.Pending != "" && s.deps.Pending != nil {
		if _, err := c.AddFunc(s.cfg.Pending, s.sweepPending); err != nil {
			return err
		}
		jobs++
	}
	if s.cfg.PruneJournal != "" && s.cfg.JournalMaxAge > 0 && s.deps.Journal != nil {
		if _, err := c.AddFunc(s.cfg.PruneJournal, func() { s.pruneJournal(ctx) }); err != nil {
			return err
		}
		jobs++
	}

	if jobs == 0 {
		s.log.Debug("no sweep jobs configured")
		return nil
	}
	s.c = c
	c.Start()
	s.log.Info("sweeps scheduled",
		logx.String("pending", s.cfg.Pending),
		logx.String("prune_journal", s.cfg.PruneJournal))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.c == nil {
		return nil
	}
	done := s.c.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) sweepPending() {
	retention := s.deps.Retention()
	if retention <= 0 {
		return
	}
	dropped := s.deps.Pending.SweepExpired(retention)
	if dropped == 0 {
		return
	}
	s.log.Info("expired pending messages dropped", logx.Int("count", dropped))
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{
			ID:     uuid.NewString(),
			Kind:   eventbus.KindExpired,
			Detail: "sweep",
			Count:  dropped,
		})
	}
}

func (s *Service) pruneJournal(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.JournalMaxAge)
	n, err := s.deps.Journal.Prune(ctx, cutoff)
	if err != nil {
		s.log.Warn("journal prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("journal rows pruned", logx.Int64("count", n), logx.Time("cutoff", cutoff))
	}
}
