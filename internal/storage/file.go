package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"groupcast/pkg/logx"
)

// fileStore is the dependency-free backend: an append-only JSON Lines file.
// Prune is a no-op — the file is an operator-rotated log, not a database.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

type fileRecord struct {
	ID            string `json:"id,omitempty"`
	At            string `json:"at"`
	ParticipantID int32  `json:"participant_id"`
	Kind          string `json:"kind"`
	Detail        string `json:"detail,omitempty"`
	Count         int    `json:"count,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{log: log, file: f, enc: json.NewEncoder(f)}, nil
}

func (s *fileStore) Append(_ context.Context, e Entry) error {
	if s == nil || s.file == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(fileRecord{
		ID:            e.ID,
		At:            e.At.Format(time.RFC3339Nano),
		ParticipantID: e.ParticipantID,
		Kind:          e.Kind,
		Detail:        e.Detail,
		Count:         e.Count,
	})
}

func (s *fileStore) Prune(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
