// Package participant implements the client side of the protocol: the
// command connection to the coordinator, the line-oriented command loop
// driving it, and the receiving listener the coordinator pushes messages to.
package participant

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"groupcast/internal/eventbus"
	"groupcast/internal/storage"
	"groupcast/internal/wire"
	"groupcast/pkg/logx"
)

// Config addresses the coordinator and bounds the connect retry loop.
type Config struct {
	ID              int32
	Host            string
	Port            int
	ConnectAttempts int
	ConnectInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 120
	}
	if c.ConnectInterval <= 0 {
		c.ConnectInterval = time.Second
	}
	return c
}

// Client is one participant process's view of the group: the command
// connection plus local registered/online flags that gate which commands
// are worth sending at all.
type Client struct {
	cfg     Config
	conn    net.Conn
	localIP string

	journal storage.Store
	bus     eventbus.Bus
	log     logx.Logger

	registered bool
	online     bool
	listener   *Listener
}

// Connect dials the coordinator with paced retries, then sends the id frame
// that pins this connection to the participant.
func Connect(ctx context.Context, cfg Config, journal storage.Store, bus eventbus.Bus, log logx.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Int32("participant", cfg.ID))
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	lim := rate.NewLimiter(rate.Every(cfg.ConnectInterval), 1)
	var (
		conn    net.Conn
		lastErr error
	)
	for attempt := 1; attempt <= cfg.ConnectAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}
		d := net.Dialer{Timeout: cfg.ConnectInterval}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn = c
			break
		}
		lastErr = err
		log.Debug("coordinator unreachable, will retry",
			logx.String("addr", addr),
			logx.Int("attempt", attempt))
	}
	if conn == nil {
		return nil, fmt.Errorf("participant: coordinator unreachable after %d attempts: %w",
			cfg.ConnectAttempts, lastErr)
	}

	if err := wire.WriteInt32(conn, cfg.ID); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("participant: send id: %w", err)
	}

	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		host = "127.0.0.1"
	}
	log.Info("connected to coordinator", logx.String("addr", addr))
	return &Client{
		cfg:     cfg,
		conn:    conn,
		localIP: host,
		journal: journal,
		bus:     bus,
		log:     log,
	}, nil
}

// Run drives the interactive command loop: one line per command, the first
// token selecting the verb. It returns when the input ends or a quit/exit
// command is processed.
func (c *Client) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	// A full msend line carries a message up to the wire's 16-bit payload
	// limit, which is just over the scanner's default 64KiB token cap.
	// Overlong messages are rejected per line instead of killing the loop.
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for {
		fmt.Fprintf(out, "%d >> ", c.cfg.ID)
		if !sc.Scan() {
			c.shutdown()
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		tokens := strings.Fields(line)
		verb := strings.ToLower(tokens[0])

		// The verb goes on the wire before local validation; a guard that
		// fails then sends an aborting gate frame so the coordinator skips
		// the command without touching any state.
		if err := wire.WriteString(c.conn, verb); err != nil {
			return fmt.Errorf("participant: send command: %w", err)
		}

		var err error
		switch verb {
		case "register":
			err = c.register(ctx, tokens, out)
		case "deregister":
			err = c.deregister(out)
		case "disconnect":
			err = c.disconnect(out)
		case "reconnect":
			err = c.reconnect(ctx, tokens, out)
		case "msend":
			err = c.msend(line, out)
		case "quit", "exit":
			c.shutdown()
			fmt.Fprintln(out, "Goodbye.")
			return nil
		default:
			fmt.Fprintf(out, "invalid command %q\n", verb)
		}
		if err != nil {
			fmt.Fprintln(out, "communication with coordinator failed")
			return err
		}
	}
}

func (c *Client) abort() error {
	return wire.WriteInt32(c.conn, wire.StatusError)
}

func (c *Client) register(ctx context.Context, args []string, out io.Writer) error {
	if c.registered {
		fmt.Fprintln(out, "must deregister before registering")
		return c.abort()
	}
	port, ok := portArg(args)
	if !ok {
		fmt.Fprintln(out, "expected a single port number argument")
		return c.abort()
	}

	if err := wire.WriteInt32(c.conn, wire.StatusSuccess); err != nil {
		return err
	}
	if err := wire.WriteString(c.conn, c.localIP); err != nil {
		return err
	}
	if err := wire.WriteInt32(c.conn, port); err != nil {
		return err
	}

	// The coordinator is now dialing back; the listener must be up and the
	// dial-back accepted before the confirmation frame is sent.
	l, err := NewListener(port, c.cfg.ID, c.journal, c.bus, c.log)
	if err != nil {
		fmt.Fprintf(out, "could not bind receiving port %d\n", port)
		return wire.WriteInt32(c.conn, wire.StatusError)
	}
	if err := l.Accept(ctx); err != nil {
		l.Shutdown()
		fmt.Fprintln(out, "coordinator never connected to receiving port")
		return wire.WriteInt32(c.conn, wire.StatusError)
	}
	go l.Run()

	c.listener = l
	c.registered = true
	c.online = true
	fmt.Fprintln(out, "registered")
	return wire.WriteInt32(c.conn, wire.StatusSuccess)
}

func (c *Client) deregister(out io.Writer) error {
	if !c.registered {
		fmt.Fprintln(out, "must register before deregistering")
		return c.abort()
	}
	if err := wire.WriteInt32(c.conn, wire.StatusSuccess); err != nil {
		return err
	}
	c.registered = false
	c.online = false
	c.listener.Shutdown()
	fmt.Fprintln(out, "deregistered")
	return nil
}

func (c *Client) disconnect(out io.Writer) error {
	if !c.registered {
		fmt.Fprintln(out, "must be registered to disconnect")
		return c.abort()
	}
	if !c.online {
		fmt.Fprintln(out, "must be online to disconnect")
		return c.abort()
	}
	if err := wire.WriteInt32(c.conn, wire.StatusSuccess); err != nil {
		return err
	}
	c.online = false
	c.listener.Shutdown()
	fmt.Fprintln(out, "disconnected, messages will queue")
	return nil
}

func (c *Client) reconnect(ctx context.Context, args []string, out io.Writer) error {
	port, ok := portArg(args)
	if !ok {
		fmt.Fprintln(out, "expected a single port number argument")
		return c.abort()
	}
	if !c.registered {
		fmt.Fprintln(out, "must be registered to reconnect")
		return c.abort()
	}
	if c.online {
		fmt.Fprintln(out, "already connected")
		return c.abort()
	}

	// Bind before announcing the port so the coordinator's paced dial-back
	// has something to land on; its bounded retries cover the gap anyway.
	l, err := NewListener(port, c.cfg.ID, c.journal, c.bus, c.log)
	if err != nil {
		fmt.Fprintf(out, "could not bind receiving port %d\n", port)
		return c.abort()
	}

	if err := wire.WriteInt32(c.conn, wire.StatusSuccess); err != nil {
		l.Shutdown()
		return err
	}
	if err := wire.WriteInt32(c.conn, port); err != nil {
		l.Shutdown()
		return err
	}

	st, err := wire.ReadInt32(c.conn)
	if err != nil {
		l.Shutdown()
		return err
	}
	if st != wire.StatusSuccess {
		l.Shutdown()
		fmt.Fprintln(out, "coordinator refused reconnect")
		return nil
	}

	if err := l.Accept(ctx); err != nil {
		l.Shutdown()
		fmt.Fprintln(out, "coordinator never connected to receiving port")
		return nil
	}
	go l.Run()

	c.listener = l
	c.online = true
	fmt.Fprintln(out, "reconnected")
	return nil
}

func (c *Client) msend(line string, out io.Writer) error {
	if !c.registered {
		fmt.Fprintln(out, "not registered, cannot send multicast")
		return c.abort()
	}
	if !c.online {
		fmt.Fprintln(out, "not online, cannot send multicast")
		return c.abort()
	}
	split := strings.Index(line, " ")
	if split < 0 {
		fmt.Fprintln(out, "expected a message")
		return c.abort()
	}
	msg := line[split+1:]
	if len(msg) > wire.MaxStringLen {
		fmt.Fprintf(out, "message exceeds %d bytes\n", wire.MaxStringLen)
		return c.abort()
	}

	if err := wire.WriteInt32(c.conn, wire.StatusSuccess); err != nil {
		return err
	}
	st, err := wire.ReadInt32(c.conn)
	if err != nil {
		return err
	}
	if st != wire.StatusSuccess {
		fmt.Fprintln(out, "coordinator does not know this participant")
		return nil
	}
	if err := wire.WriteString(c.conn, msg); err != nil {
		return err
	}
	st, err = wire.ReadInt32(c.conn)
	if err != nil {
		return err
	}
	if st != wire.StatusSuccess {
		fmt.Fprintln(out, "coordinator failed to multicast")
		return nil
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{
			Kind:          eventbus.KindMulticast,
			ParticipantID: c.cfg.ID,
			Detail:        msg,
		})
	}
	fmt.Fprintln(out, "sent")
	return nil
}

func (c *Client) shutdown() {
	if c.listener != nil {
		c.listener.Shutdown()
	}
	_ = c.conn.Close()
}

// Close tears the command connection and any listener down without sending
// a quit command.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}

func portArg(args []string) (int32, bool) {
	if len(args) != 2 {
		return 0, false
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 0 || n > 65535 {
		return 0, false
	}
	return int32(n), true
}
