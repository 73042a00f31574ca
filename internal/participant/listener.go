package participant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"groupcast/internal/eventbus"
	"groupcast/internal/storage"
	"groupcast/internal/wire"
	"groupcast/pkg/logx"
)

// Listener is the participant's receiving endpoint: the socket the
// coordinator dials back into for multicast delivery. The bind happens
// eagerly so the port is held before the coordinator learns about it;
// Accept then blocks until the coordinator's dial-back lands.
type Listener struct {
	id      int32
	ln      net.Listener
	conn    net.Conn
	journal storage.Store
	bus     eventbus.Bus
	log     logx.Logger
	done    chan struct{}
}

func NewListener(port int32, id int32, journal storage.Store, bus eventbus.Bus, log logx.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("participant: bind receiving port %d: %w", port, err)
	}
	return &Listener{
		id:      id,
		ln:      ln,
		journal: journal,
		bus:     bus,
		log:     log,
		done:    make(chan struct{}),
	}, nil
}

// Accept waits for the coordinator's dial-back. It must complete before the
// registration confirmation goes out on the command connection, which is
// what makes the bind-then-confirm handshake race-free.
func (l *Listener) Accept(ctx context.Context) error {
	unhook := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer unhook()

	conn, err := l.ln.Accept()
	if err != nil {
		return fmt.Errorf("participant: accept coordinator dial-back: %w", err)
	}
	l.conn = conn
	l.log.Debug("coordinator push channel accepted",
		logx.String("remote", conn.RemoteAddr().String()))
	return nil
}

// Run consumes push frames until a QUIT status, a read failure, or
// Shutdown, journaling every delivered message.
func (l *Listener) Run() {
	defer close(l.done)
	defer l.conn.Close()
	for {
		st, err := wire.ReadInt32(l.conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.log.Debug("push channel closed", logx.Err(err))
			}
			return
		}
		if st != wire.StatusSuccess {
			l.log.Info("push listener stopping", logx.String("status", wire.StatusName(st)))
			return
		}
		msg, err := wire.ReadString(l.conn)
		if err != nil {
			l.log.Warn("push payload read failed", logx.Err(err))
			return
		}

		l.log.Info("message received", logx.String("message", msg))
		if l.journal != nil {
			err := l.journal.Append(context.Background(), storage.Entry{
				ID:            uuid.NewString(),
				At:            time.Now(),
				ParticipantID: l.id,
				Kind:          string(eventbus.KindMessage),
				Detail:        msg,
			})
			if err != nil {
				l.log.Warn("message journal append failed", logx.Err(err))
			}
		}
		if l.bus != nil {
			l.bus.Publish(eventbus.Event{
				ID:            uuid.NewString(),
				Kind:          eventbus.KindMessage,
				ParticipantID: l.id,
				Detail:        msg,
			})
		}
	}
}

// Shutdown closes the listening socket and the push connection, unblocking
// Accept and Run. Safe to call more than once.
func (l *Listener) Shutdown() {
	_ = l.ln.Close()
	if l.conn != nil {
		_ = l.conn.Close()
	}
}

// Done is closed when Run returns.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Port reports the bound receiving port.
func (l *Listener) Port() int32 {
	return int32(l.ln.Addr().(*net.TCPAddr).Port)
}
