// Package coordinator implements the rendezvous server: a TCP listener that
// runs one command session per participant connection, mutating the shared
// membership registry and pending queue store and pushing deliveries out
// through coordinator-dialed channels.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"groupcast/internal/eventbus"
	"groupcast/internal/member"
	"groupcast/internal/pending"
	"groupcast/internal/push"
	"groupcast/pkg/logx"
)

type Config struct {
	// ListenPort is the command port participants dial. Zero lets the
	// kernel pick, which tests rely on.
	ListenPort int

	// Push bounds the dial-back retry loop for push channels.
	Push push.Config
}

// Deps are the shared structures the sessions operate on. Registry, Pending
// and Retention are required; Bus and Dial are optional (no journal, real
// TCP dialing).
type Deps struct {
	Registry  *member.Registry
	Pending   *pending.Store
	Bus       eventbus.Bus
	Retention func() time.Duration
	Dial      DialFunc
	Log       logx.Logger
}

// Service owns the listening socket and the session goroutines.
type Service struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu     sync.Mutex
	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Registry == nil || deps.Pending == nil {
		return nil, errors.New("coordinator: registry and pending store are required")
	}
	if deps.Retention == nil {
		return nil, errors.New("coordinator: retention source is required")
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("svc", "coordinator"))
	if deps.Dial == nil {
		pushCfg, pushLog := cfg.Push, log
		deps.Dial = func(ctx context.Context, ip string, port int32) (member.Pusher, error) {
			ch, err := push.Dial(ctx, ip, port, pushCfg, pushLog)
			if err != nil {
				return nil, err
			}
			return ch, nil
		}
	}
	return &Service{cfg: cfg, deps: deps, log: log}, nil
}

// Start binds the listening socket and begins accepting. It returns once
// the socket is bound; sessions run until Stop or their connection closes.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return errors.New("coordinator: already started")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("coordinator: listen: %w", err)
	}
	s.ln = ln

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)

	s.log.Info("waiting for participants", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Service) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.log.Warn("accept failed", logx.Err(err))
			continue
		}

		sess := &session{
			conn:      conn,
			sid:       uuid.NewString(),
			registry:  s.deps.Registry,
			pending:   s.deps.Pending,
			bus:       s.deps.Bus,
			retention: s.deps.Retention,
			dial:      s.deps.Dial,
			log:       s.log,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = sess.serve(ctx)
		}()
	}
}

// Addr reports the bound listener address, or nil before Start.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener, notifies every member's push listener with QUIT
// and waits for the session goroutines to finish, up to ctx's deadline.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	ln, cancel := s.ln, s.cancel
	s.ln, s.cancel = nil, nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	_ = ln.Close()
	if cancel != nil {
		cancel()
	}

	s.deps.Registry.ForEach(func(rec *member.Record) {
		if rec.Push == nil {
			return
		}
		_ = rec.Push.SendQuit()
		_ = rec.Push.Close()
		rec.Push = nil
		rec.Online = false
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("coordinator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
