package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadCoordinator reads and validates the coordinator config at path.
func LoadCoordinator(path string) (*Coordinator, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseCoordinator(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseCoordinator decodes either format and applies defaults.
func ParseCoordinator(data []byte) (*Coordinator, error) {
	var cfg Coordinator
	if looksLegacy(data) {
		if err := parseLegacyCoordinator(data, &cfg); err != nil {
			return nil, err
		}
	} else if err := decodeStrict(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Push.DialAttempts <= 0 {
		cfg.Push.DialAttempts = DefaultDialAttempts
	}
	if cfg.Push.DialInterval <= 0 {
		cfg.Push.DialInterval = Duration(DefaultDialInterval)
	}

	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		return nil, fmt.Errorf("listen_port %d out of range", cfg.ListenPort)
	}
	if cfg.Retention <= 0 {
		return nil, errors.New("retention threshold is required")
	}
	if cfg.Sweep.PruneJournal != "" && cfg.Sweep.JournalMaxAge <= 0 {
		return nil, errors.New("sweep.prune_journal requires sweep.journal_max_age")
	}
	return &cfg, nil
}

// LoadParticipant reads and validates the participant config at path.
func LoadParticipant(path string) (*Participant, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseParticipant(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseParticipant decodes either format and applies defaults.
func ParseParticipant(data []byte) (*Participant, error) {
	var cfg Participant
	if looksLegacy(data) {
		if err := parseLegacyParticipant(data, &cfg); err != nil {
			return nil, err
		}
	} else if err := decodeStrict(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Coordinator.Port == 0 {
		cfg.Coordinator.Port = DefaultCoordinatorPort
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = DefaultConnectAttempts
	}
	if cfg.ConnectInterval <= 0 {
		cfg.ConnectInterval = Duration(DefaultConnectInterval)
	}
	// The legacy format's message-log path doubles as the journal location.
	if cfg.Storage.Driver == "" && cfg.MessageLog != "" {
		cfg.Storage = StorageConfig{Driver: "file", Path: cfg.MessageLog}
	}

	if cfg.Coordinator.Host == "" {
		return nil, errors.New("coordinator host is required")
	}
	if cfg.Coordinator.Port < 0 || cfg.Coordinator.Port > 65535 {
		return nil, fmt.Errorf("coordinator port %d out of range", cfg.Coordinator.Port)
	}
	return &cfg, nil
}

// looksLegacy reports whether the file is in the historical line format,
// which always starts with a bare integer (listening port or participant
// id). Neither YAML nor JSON documents start that way.
func looksLegacy(data []byte) bool {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		_, err := strconv.Atoi(line)
		return err == nil
	}
	return false
}

func decodeStrict(data []byte, v any) error {
	jb, err := coerceToJSONBytes(data)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	// reject trailing tokens (e.g. concatenated documents)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("invalid config: trailing data")
		}
		return err
	}
	return nil
}

func legacyLines(data []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// parseLegacyCoordinator handles the two-line file: listening port, then the
// retention threshold in whole seconds.
func parseLegacyCoordinator(data []byte, cfg *Coordinator) error {
	lines := legacyLines(data)
	if len(lines) < 2 {
		return errors.New("legacy coordinator config needs two lines: port, retention seconds")
	}
	port, err := strconv.Atoi(lines[0])
	if err != nil {
		return fmt.Errorf("legacy port line %q: %w", lines[0], err)
	}
	secs, err := strconv.Atoi(lines[1])
	if err != nil {
		return fmt.Errorf("legacy retention line %q: %w", lines[1], err)
	}
	cfg.ListenPort = port
	cfg.Retention = Duration(time.Duration(secs) * time.Second)
	cfg.Log = LogConfig{Level: "info", Console: true}
	return nil
}

// parseLegacyParticipant handles the three-line file: participant id,
// message-log path, then "host port" of the coordinator (port optional).
func parseLegacyParticipant(data []byte, cfg *Participant) error {
	lines := legacyLines(data)
	if len(lines) < 3 {
		return errors.New("legacy participant config needs three lines: id, log file, coordinator address")
	}
	id, err := strconv.Atoi(lines[0])
	if err != nil {
		return fmt.Errorf("legacy id line %q: %w", lines[0], err)
	}
	cfg.ID = int32(id)
	cfg.MessageLog = lines[1]

	fields := strings.Fields(lines[2])
	switch len(fields) {
	case 1:
		cfg.Coordinator.Host = fields[0]
	default:
		cfg.Coordinator.Host = fields[0]
		port, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("legacy coordinator port %q: %w", fields[1], err)
		}
		cfg.Coordinator.Port = port
	}
	cfg.Log = LogConfig{Level: "info", Console: true}
	return nil
}
