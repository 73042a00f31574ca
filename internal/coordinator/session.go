package coordinator

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"groupcast/internal/eventbus"
	"groupcast/internal/member"
	"groupcast/internal/pending"
	"groupcast/internal/wire"
	"groupcast/pkg/logx"
)

// DialFunc opens a push channel to a participant's receiving endpoint.
// Sessions use it for register and reconnect; tests substitute fakes.
type DialFunc func(ctx context.Context, ip string, port int32) (member.Pusher, error)

// session is one participant's command connection. The first frame on the
// connection is the participant id; every later frame is a verb followed by
// its positional fields. A session holds no state of its own across
// commands: membership and queues are the only state, and every command
// revalidates against them.
type session struct {
	conn net.Conn
	id   int32
	sid  string

	registry  *member.Registry
	pending   *pending.Store
	bus       eventbus.Bus
	retention func() time.Duration
	dial      DialFunc
	log       logx.Logger
}

func (s *session) serve(ctx context.Context) error {
	defer s.conn.Close()

	// Unblock the reads below when the service shuts down.
	unhook := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer unhook()

	id, err := wire.ReadInt32(s.conn)
	if err != nil {
		s.log.Warn("connection dropped before sending id", logx.Err(err))
		return nil
	}
	s.id = id
	s.log = s.log.With(
		logx.Int32("participant", id),
		logx.String("session", s.sid),
	)
	s.log.Info("participant connected", logx.String("remote", s.conn.RemoteAddr().String()))

	for {
		verb, err := wire.ReadString(s.conn)
		if err != nil {
			// A peer that vanishes without quit leaves its registry entry
			// behind, dead push connection included, until the next
			// deregister or overwriting register for the same id.
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.log.Info("command connection closed")
			} else {
				s.log.Warn("command read failed", logx.Err(err))
			}
			return nil
		}

		cmd := ParseCommand(verb)
		s.log.Debug("command received", logx.String("command", cmd.String()))

		var herr error
		switch cmd {
		case CmdRegister:
			herr = s.register(ctx)
		case CmdDeregister:
			herr = s.deregister()
		case CmdDisconnect:
			herr = s.disconnect()
		case CmdReconnect:
			herr = s.reconnect(ctx)
		case CmdMsend:
			herr = s.msend()
		case CmdQuit:
			s.quit()
			s.log.Info("participant quit")
			return nil
		default:
			s.log.Warn("unrecognized command", logx.String("verb", verb))
		}
		if herr != nil {
			s.log.Warn("command aborted", logx.String("command", cmd.String()), logx.Err(herr))
			return nil
		}
	}
}

// readGate reads the leading status frame every mutating command carries.
// A non-SUCCESS gate means the participant aborted its side; the command is
// skipped without touching any state.
func (s *session) readGate() (bool, error) {
	st, err := wire.ReadInt32(s.conn)
	if err != nil {
		return false, err
	}
	return st == wire.StatusSuccess, nil
}

// register creates the membership entry and its (empty) pending queue. The
// push channel is dialed before the confirmation frame is read, so a slow
// dial delays only this participant's registration. There is no reply on
// the command connection; the participant observes the outcome through the
// push channel arriving (or not) at its listener.
func (s *session) register(ctx context.Context) error {
	ok, err := s.readGate()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	ip, err := wire.ReadString(s.conn)
	if err != nil {
		return err
	}
	port, err := wire.ReadInt32(s.conn)
	if err != nil {
		return err
	}

	rec := &member.Record{ID: s.id, IP: ip, Port: port, Online: true}
	ch, derr := s.dial(ctx, ip, port)
	if derr != nil {
		s.log.Warn("push channel unavailable, registering offline", logx.Err(derr))
		rec.Online = false
	} else {
		rec.Push = ch
	}

	confirm, err := wire.ReadInt32(s.conn)
	if err != nil || confirm != wire.StatusSuccess {
		if ch != nil {
			_ = ch.Close()
		}
		return err
	}

	// Registering an id that is already a member overwrites the old entry
	// and resets its queue. The overwrite is a single swap so a concurrent
	// multicast never sees the id missing; the displaced push connection is
	// closed once the registry lock is released.
	old, existed := s.registry.Swap(s.id, rec)
	if existed && old.Push != nil {
		_ = old.Push.Close()
	}
	s.pending.Create(s.id)

	s.publish(eventbus.KindRegistered, net.JoinHostPort(ip, strconv.Itoa(int(port))), 0)
	s.log.Info("participant registered",
		logx.String("ip", ip),
		logx.Int32("port", port),
		logx.Bool("online", rec.Online))
	return nil
}

func (s *session) deregister() error {
	ok, err := s.readGate()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	s.removeMember("deregister")
	return nil
}

// quit is deregister without the gate frame; the session loop terminates
// after it.
func (s *session) quit() {
	s.removeMember("quit")
}

func (s *session) removeMember(cause string) {
	rec, found := s.registry.Take(s.id)
	s.pending.Delete(s.id)
	if !found {
		// Repeated deregister, or quit from an id that never registered.
		s.log.Debug("remove for unknown participant", logx.String("cause", cause))
		return
	}
	if rec.Push != nil {
		_ = rec.Push.SendQuit()
		_ = rec.Push.Close()
	}
	s.publish(eventbus.KindDeregistered, cause, 0)
	s.log.Info("participant removed", logx.String("cause", cause))
}

func (s *session) disconnect() error {
	ok, err := s.readGate()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	found := s.registry.With(s.id, func(rec *member.Record) {
		if rec.Push != nil {
			_ = rec.Push.SendQuit()
			_ = rec.Push.Close()
			rec.Push = nil
		}
		rec.Online = false
	})
	if !found {
		s.log.Warn("disconnect from unknown participant")
		return nil
	}
	s.publish(eventbus.KindDisconnected, "", 0)
	s.log.Info("participant disconnected, queueing begins")
	return nil
}

// reconnect brings a disconnected member back online: new receiving port,
// fresh push channel, then a drain of everything queued while it was away.
// The status reply goes out while the registry lock is held so no multicast
// can observe the record half-updated.
func (s *session) reconnect(ctx context.Context) error {
	ok, err := s.readGate()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	port, err := wire.ReadInt32(s.conn)
	if err != nil {
		return err
	}

	var (
		ch       member.Pusher
		replyErr error
	)
	found := s.registry.With(s.id, func(rec *member.Record) {
		replyErr = wire.WriteInt32(s.conn, wire.StatusSuccess)
		rec.Online = true
		rec.Port = port
		if rec.Push != nil {
			_ = rec.Push.Close()
		}
		c, derr := s.dial(ctx, rec.IP, rec.Port)
		if derr != nil {
			s.log.Warn("push channel unavailable on reconnect", logx.Err(derr))
			rec.Online = false
			rec.Push = nil
			return
		}
		rec.Push = c
		ch = c
	})
	if !found {
		s.log.Warn("reconnect from unknown participant")
		return wire.WriteInt32(s.conn, wire.StatusError)
	}
	if replyErr != nil {
		return replyErr
	}

	// Drain under the queue lock only; the push channel serializes its own
	// writes, so delivery needs no registry lock.
	delivered, expired := s.pending.DrainAndDeliver(s.id, s.retention(), func(payload string) error {
		if ch == nil {
			return net.ErrClosed
		}
		return ch.Deliver(payload)
	})

	if delivered > 0 {
		s.publish(eventbus.KindReplayed, "", delivered)
	}
	if expired > 0 {
		s.publish(eventbus.KindExpired, "", expired)
	}
	s.publish(eventbus.KindReconnected, "", 0)
	s.log.Info("participant reconnected",
		logx.Int32("port", port),
		logx.Int("replayed", delivered),
		logx.Int("expired", expired))
	return nil
}

// msend fans one message out to the whole group: online members get it on
// their push channels, offline members get it queued. The fan-out iterates
// under the registry lock so every multicast sees one consistent membership
// snapshot.
func (s *session) msend() error {
	ok, err := s.readGate()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if !s.registry.Contains(s.id) {
		s.log.Warn("msend from unknown participant")
		return wire.WriteInt32(s.conn, wire.StatusError)
	}
	if err := wire.WriteInt32(s.conn, wire.StatusSuccess); err != nil {
		return err
	}

	msg, err := wire.ReadString(s.conn)
	if err != nil {
		return err
	}

	var pushed, queued int
	s.registry.ForEach(func(rec *member.Record) {
		if rec.Online {
			pushed++
			if rec.Push == nil {
				return
			}
			if derr := rec.Push.Deliver(msg); derr != nil {
				// Dead push connection of a ghost entry; the sender is not
				// told, matching the protocol's fire-and-forget delivery.
				s.log.Debug("push delivery failed",
					logx.Int32("to", rec.ID),
					logx.Err(derr))
			}
		} else if !s.pending.Enqueue(rec.ID, msg) {
			s.log.Debug("no pending queue for member", logx.Int32("to", rec.ID))
		} else {
			queued++
		}
	})

	s.publish(eventbus.KindMulticast, "", pushed+queued)
	s.log.Info("multicast delivered",
		logx.Int("pushed", pushed),
		logx.Int("queued", queued))
	return wire.WriteInt32(s.conn, wire.StatusSuccess)
}

func (s *session) publish(kind eventbus.Kind, detail string, count int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		ID:            uuid.NewString(),
		Kind:          kind,
		ParticipantID: s.id,
		Detail:        detail,
		Count:         count,
	})
}
