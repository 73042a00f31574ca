// Package push implements the coordinator-initiated outbound connection to a
// participant's listening endpoint. The connection direction is deliberately
// reversed from the command channel: the coordinator dials the participant,
// which is what makes server-initiated delivery and reconnect replay work.
package push

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"groupcast/internal/wire"
	"groupcast/pkg/logx"
)

// Defaults match the historical protocol constants: up to ten dial attempts
// spaced one second apart, tolerating the race between a registration being
// processed and the participant's listener actually binding its socket.
const (
	DefaultDialAttempts = 10
	DefaultDialInterval = time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// ErrGaveUp is returned when every dial attempt failed. The caller marks the
// participant offline and leaves its push connection absent.
var ErrGaveUp = errors.New("push: gave up dialing participant")

type Config struct {
	DialAttempts int
	DialInterval time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialAttempts <= 0 {
		c.DialAttempts = DefaultDialAttempts
	}
	if c.DialInterval <= 0 {
		c.DialInterval = DefaultDialInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Channel is one live outbound connection. Writes are serialized by an
// internal mutex so a multicast fan-out and a reconnect replay can never
// interleave frames on the same connection.
type Channel struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
}

// Dial connects to the participant's receiving endpoint with bounded,
// rate-paced retries: one attempt immediately, then at most one per
// DialInterval, giving up after DialAttempts attempts with ErrGaveUp.
func Dial(ctx context.Context, ip string, port int32, cfg Config, log logx.Logger) (*Channel, error) {
	cfg = cfg.withDefaults()
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))

	// Burst 1 makes the first Wait free; every later attempt is paced.
	lim := rate.NewLimiter(rate.Every(cfg.DialInterval), 1)

	var lastErr error
	for attempt := 1; attempt <= cfg.DialAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}
		d := net.Dialer{Timeout: cfg.DialInterval}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			log.Debug("push channel connected",
				logx.String("addr", addr),
				logx.Int("attempt", attempt))
			return &Channel{conn: conn, timeout: cfg.WriteTimeout}, nil
		}
		lastErr = err
		log.Debug("push dial failed, will retry",
			logx.String("addr", addr),
			logx.Int("attempt", attempt),
			logx.Err(err))
	}
	log.Warn("push channel unreachable",
		logx.String("addr", addr),
		logx.Int("attempts", cfg.DialAttempts),
		logx.Err(lastErr))
	return nil, fmt.Errorf("%w: %s: %v", ErrGaveUp, addr, lastErr)
}

// Deliver sends one multicast payload: SUCCESS status then the UTF string.
func (c *Channel) Deliver(payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return net.ErrClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := wire.WriteInt32(c.conn, wire.StatusSuccess); err != nil {
		return err
	}
	return wire.WriteString(c.conn, payload)
}

// SendQuit sends the bare QUIT status that tells the participant's listener
// to stop.
func (c *Channel) SendQuit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return net.ErrClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return wire.WriteInt32(c.conn, wire.StatusQuit)
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// RemoteAddr reports the participant endpoint, for logs.
func (c *Channel) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return "<closed>"
	}
	return c.conn.RemoteAddr().String()
}
