package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"groupcast/internal/eventbus"
	"groupcast/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFileAppend(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}

	entries := []Entry{
		{ID: "a", ParticipantID: 1, Kind: "registered"},
		{ID: "b", ParticipantID: 2, Kind: "multicast", Detail: "hello", Count: 3},
	}
	for _, e := range entries {
		if err := st.Append(context.Background(), e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var got []fileRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec fileRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad journal line %q: %v", sc.Text(), err)
		}
		got = append(got, rec)
	}
	if len(got) != 2 {
		t.Fatalf("journal rows = %d, want 2", len(got))
	}
	if got[0].Kind != "registered" || got[1].Detail != "hello" || got[1].Count != 3 {
		t.Fatalf("rows = %+v", got)
	}
	if got[0].At == "" {
		t.Fatal("Append must stamp a time")
	}
}

func TestFileAppendAfterClose(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	st.Close()
	if err := st.Append(context.Background(), Entry{Kind: "x"}); err == nil {
		t.Fatal("Append after Close should fail")
	}
}

func TestRecordBridgesBusToStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Record(ctx, events, st, logx.Nop())
	}()

	bus.Publish(eventbus.Event{Kind: eventbus.KindRegistered, ParticipantID: 9})

	waitFor(t, 2*time.Second, func() bool {
		b, err := os.ReadFile(path)
		return err == nil && len(b) > 0
	})

	cancel()
	unsub()
	<-done

	b, _ := os.ReadFile(path)
	var rec fileRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		t.Fatalf("journal line: %v", err)
	}
	if rec.Kind != "registered" || rec.ParticipantID != 9 {
		t.Fatalf("row = %+v", rec)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
