package participant

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"groupcast/internal/coordinator"
	"groupcast/internal/member"
	"groupcast/internal/pending"
	"groupcast/internal/push"
	"groupcast/internal/storage"
	"groupcast/internal/wire"
	"groupcast/pkg/logx"
)

func TestPortArg(t *testing.T) {
	t.Parallel()
	tests := []struct {
		args []string
		want int32
		ok   bool
	}{
		{[]string{"register", "9001"}, 9001, true},
		{[]string{"register"}, 0, false},
		{[]string{"register", "9001", "extra"}, 0, false},
		{[]string{"register", "nope"}, 0, false},
		{[]string{"register", "-1"}, 0, false},
		{[]string{"register", "70000"}, 0, false},
	}
	for _, tt := range tests {
		got, ok := portArg(tt.args)
		if got != tt.want || ok != tt.ok {
			t.Errorf("portArg(%v) = %d, %v, want %d, %v", tt.args, got, ok, tt.want, tt.ok)
		}
	}
}

// TestGuardsAbortBeforeServerState checks that client-side precondition
// failures still emit the verb plus an aborting gate frame, leaving the
// exchange aligned for the next command.
func TestGuardsAbortBeforeServerState(t *testing.T) {
	t.Parallel()
	clientEnd, serverEnd := net.Pipe()
	defer serverEnd.Close()

	c := &Client{cfg: Config{ID: 1}, conn: clientEnd, localIP: "127.0.0.1", log: logx.Nop()}

	type frame struct {
		verb string
		gate int32
	}
	got := make(chan frame, 4)
	go func() {
		for {
			verb, err := wire.ReadString(serverEnd)
			if err != nil {
				close(got)
				return
			}
			gate, err := wire.ReadInt32(serverEnd)
			if err != nil {
				close(got)
				return
			}
			got <- frame{verb, gate}
		}
	}()

	in := strings.NewReader("msend hi\ndisconnect\nreconnect 9001\n")
	var out strings.Builder
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), in, &out) }()

	for _, want := range []string{"msend", "disconnect", "reconnect"} {
		select {
		case f := <-got:
			if f.verb != want || f.gate != wire.StatusError {
				t.Errorf("frame = (%q, %d), want (%q, ERROR)", f.verb, f.gate, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no frame for %q", want)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "not registered") {
		t.Fatalf("missing guard output: %q", out.String())
	}
}

// TestOverlongMessageRejectedPerLine checks that an input line past the wire
// payload limit is refused with an aborting gate frame instead of killing
// the command loop, while a limit-sized message still goes through.
func TestOverlongMessageRejectedPerLine(t *testing.T) {
	t.Parallel()
	clientEnd, serverEnd := net.Pipe()
	defer serverEnd.Close()

	c := &Client{
		cfg:        Config{ID: 1},
		conn:       clientEnd,
		localIP:    "127.0.0.1",
		log:        logx.Nop(),
		registered: true,
		online:     true,
	}

	max := strings.Repeat("x", wire.MaxStringLen)
	in := strings.NewReader(
		"msend " + max + "y\n" + // one byte past the limit
			"msend " + max + "\n" + // exactly at the limit
			"quit\n")
	var out strings.Builder
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), in, &out) }()

	readVerb := func(want string) {
		t.Helper()
		verb, err := wire.ReadString(serverEnd)
		if err != nil || verb != want {
			t.Fatalf("verb = %q, %v, want %q", verb, err, want)
		}
	}
	readGate := func(want int32) {
		t.Helper()
		gate, err := wire.ReadInt32(serverEnd)
		if err != nil || gate != want {
			t.Fatalf("gate = %d, %v, want %s", gate, err, wire.StatusName(want))
		}
	}

	// Overlong line: verb plus an aborting gate, nothing else on the wire.
	readVerb("msend")
	readGate(wire.StatusError)

	// Limit-sized line: the full exchange runs.
	readVerb("msend")
	readGate(wire.StatusSuccess)
	if err := wire.WriteInt32(serverEnd, wire.StatusSuccess); err != nil {
		t.Fatalf("write check: %v", err)
	}
	msg, err := wire.ReadString(serverEnd)
	if err != nil || len(msg) != wire.MaxStringLen {
		t.Fatalf("message len = %d, %v, want %d", len(msg), err, wire.MaxStringLen)
	}
	if err := wire.WriteInt32(serverEnd, wire.StatusSuccess); err != nil {
		t.Fatalf("write final: %v", err)
	}

	readVerb("quit")
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "message exceeds") {
		t.Fatalf("missing rejection output: %q", out.String())
	}
}

func TestConnectGivesUp(t *testing.T) {
	t.Parallel()
	cfg := Config{
		ID:              1,
		Host:            "127.0.0.1",
		Port:            1, // nothing listens here
		ConnectAttempts: 2,
		ConnectInterval: 10 * time.Millisecond,
	}
	if _, err := Connect(context.Background(), cfg, nil, nil, logx.Nop()); err == nil {
		t.Fatal("Connect succeeded against a dead port")
	}
}

// harness runs a real coordinator and drives scripted participants over it.
type harness struct {
	t    *testing.T
	reg  *member.Registry
	pend *pending.Store
	addr string
}

func startHarness(t *testing.T, retention time.Duration) *harness {
	t.Helper()
	reg := member.NewRegistry()
	pend := pending.NewStore()
	svc, err := coordinator.New(
		coordinator.Config{
			ListenPort: 0,
			Push: push.Config{
				DialAttempts: 5,
				DialInterval: 20 * time.Millisecond,
				WriteTimeout: time.Second,
			},
		},
		coordinator.Deps{
			Registry:  reg,
			Pending:   pend,
			Retention: func() time.Duration { return retention },
			Log:       logx.Nop(),
		},
	)
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("coordinator start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return &harness{t: t, reg: reg, pend: pend, addr: svc.Addr().String()}
}

// scripted is a participant whose command loop is fed one line at a time.
type scripted struct {
	t     *testing.T
	input *io.PipeWriter
	done  chan error
	out   *strings.Builder
	outMu *sync.Mutex
}

func (h *harness) participant(id int32, journal storage.Store) *scripted {
	h.t.Helper()
	host, portStr, err := net.SplitHostPort(h.addr)
	if err != nil {
		h.t.Fatalf("coordinator addr: %v", err)
	}
	if host == "::" || host == "" {
		host = "127.0.0.1"
	}
	port, _ := strconv.Atoi(portStr)

	c, err := Connect(context.Background(), Config{
		ID:              id,
		Host:            host,
		Port:            port,
		ConnectAttempts: 5,
		ConnectInterval: 20 * time.Millisecond,
	}, journal, nil, logx.Nop())
	if err != nil {
		h.t.Fatalf("participant %d connect: %v", id, err)
	}
	h.t.Cleanup(func() { _ = c.Close() })

	pr, pw := io.Pipe()
	s := &scripted{t: h.t, input: pw, done: make(chan error, 1), out: &strings.Builder{}, outMu: &sync.Mutex{}}
	go func() {
		s.done <- c.Run(context.Background(), pr, lockedWriter{s.out, s.outMu})
	}()
	return s
}

type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (s *scripted) send(line string) {
	s.t.Helper()
	if _, err := io.WriteString(s.input, line+"\n"); err != nil {
		s.t.Fatalf("send %q: %v", line, err)
	}
}

func (s *scripted) finish() {
	s.t.Helper()
	_ = s.input.Close()
	select {
	case err := <-s.done:
		if err != nil {
			s.t.Fatalf("command loop: %v", err)
		}
	case <-time.After(5 * time.Second):
		s.t.Fatal("command loop did not finish")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func freePort(t *testing.T) int32 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return int32(port)
}

func journalAt(t *testing.T, name string) (storage.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func journalContains(path, needle string) bool {
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return strings.Contains(string(b), needle)
}

func TestEndToEndMulticast(t *testing.T) {
	t.Parallel()
	h := startHarness(t, time.Minute)

	j1, path1 := journalAt(t, "p1.jsonl")
	j2, path2 := journalAt(t, "p2.jsonl")
	p1 := h.participant(1, j1)
	p2 := h.participant(2, j2)

	p1.send("register " + strconv.Itoa(int(freePort(t))))
	waitFor(t, 5*time.Second, func() bool { return h.reg.Contains(1) })
	p2.send("register " + strconv.Itoa(int(freePort(t))))
	waitFor(t, 5*time.Second, func() bool { return h.reg.Contains(2) })

	p1.send("msend hello group")
	waitFor(t, 5*time.Second, func() bool { return journalContains(path2, "hello group") })
	// The sender is an online member too and receives its own multicast.
	waitFor(t, 5*time.Second, func() bool { return journalContains(path1, "hello group") })

	p1.send("quit")
	p1.finish()
	waitFor(t, 5*time.Second, func() bool { return !h.reg.Contains(1) })

	p2.send("quit")
	p2.finish()
}

func TestEndToEndOfflineReplay(t *testing.T) {
	t.Parallel()
	h := startHarness(t, time.Minute)

	j1, _ := journalAt(t, "p1.jsonl")
	j2, path2 := journalAt(t, "p2.jsonl")
	p1 := h.participant(1, j1)
	p2 := h.participant(2, j2)

	p1.send("register " + strconv.Itoa(int(freePort(t))))
	waitFor(t, 5*time.Second, func() bool { return h.reg.Contains(1) })
	p2.send("register " + strconv.Itoa(int(freePort(t))))
	waitFor(t, 5*time.Second, func() bool { return h.reg.Contains(2) })

	p2.send("disconnect")
	waitFor(t, 5*time.Second, func() bool {
		online := true
		h.reg.With(2, func(rec *member.Record) { online = rec.Online })
		return !online
	})

	p1.send("msend while you were out")
	waitFor(t, 5*time.Second, func() bool { return h.pend.Len(2) == 1 })
	if journalContains(path2, "while you were out") {
		t.Fatal("offline participant received a live push")
	}

	p2.send("reconnect " + strconv.Itoa(int(freePort(t))))
	waitFor(t, 5*time.Second, func() bool { return journalContains(path2, "while you were out") })
	waitFor(t, 5*time.Second, func() bool { return h.pend.Len(2) == 0 })

	p1.send("quit")
	p1.finish()
	p2.send("quit")
	p2.finish()
}
