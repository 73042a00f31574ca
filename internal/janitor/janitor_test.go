package janitor

import (
	"context"
	"testing"
	"time"

	"groupcast/internal/pending"
	"groupcast/pkg/logx"
)

func TestSweepPendingDropsExpired(t *testing.T) {
	t.Parallel()
	store := pending.NewStore()
	store.Create(1)
	store.Enqueue(1, "old")

	s := New(Config{}, Deps{
		Pending:   store,
		Retention: func() time.Duration { return 10 * time.Millisecond },
		Log:       logx.Nop(),
	})

	time.Sleep(20 * time.Millisecond)
	s.sweepPending()
	if n := store.Len(1); n != 0 {
		t.Fatalf("Len after sweep = %d, want 0", n)
	}
}

func TestSweepPendingKeepsFresh(t *testing.T) {
	t.Parallel()
	store := pending.NewStore()
	store.Create(1)
	store.Enqueue(1, "fresh")

	s := New(Config{}, Deps{
		Pending:   store,
		Retention: func() time.Duration { return time.Hour },
		Log:       logx.Nop(),
	})
	s.sweepPending()
	if n := store.Len(1); n != 1 {
		t.Fatalf("Len after sweep = %d, want 1", n)
	}
}

func TestStartWithoutJobs(t *testing.T) {
	t.Parallel()
	s := New(Config{}, Deps{Log: logx.Nop()})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestScheduledSweepRuns(t *testing.T) {
	t.Parallel()
	store := pending.NewStore()
	store.Create(2)
	store.Enqueue(2, "stale")

	s := New(Config{Pending: "@every 50ms"}, Deps{
		Pending:   store,
		Retention: func() time.Duration { return time.Millisecond },
		Log:       logx.Nop(),
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if store.Len(2) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scheduled sweep never dropped the expired message")
}

func TestBadScheduleRejected(t *testing.T) {
	t.Parallel()
	s := New(Config{Pending: "not a schedule"}, Deps{
		Pending:   pending.NewStore(),
		Retention: func() time.Duration { return time.Minute },
		Log:       logx.Nop(),
	})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start accepted an invalid cron spec")
	}
}
