package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the journal store.
//
// Driver values:
//   - "file": dependency-free JSON Lines append log
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry is one journal row: a coordinator audit event or a participant's
// received message. The journal is purely observational — membership and
// pending queues are never reconstructed from it.
type Entry struct {
	ID            string
	At            time.Time
	ParticipantID int32
	Kind          string
	Detail        string
	Count         int
}
