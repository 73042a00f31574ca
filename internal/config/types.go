// Package config loads coordinator and participant configuration.
//
// Two formats are accepted per file and auto-detected:
//
//   - the legacy line-based files (coordinator: listening port then retention
//     threshold in seconds; participant: id, message-log path, then
//     "host port" of the coordinator), kept for compatibility;
//   - a YAML/JSON form that can also express the knobs the line format
//     cannot (logging, dial retry policy, sweep schedule, journal storage).
//
// YAML is coerced to JSON so both formats share one strict decoder.
package config

import "time"

// LogConfig configures the sinks in pkg/logx.
type LogConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    string `json:"file"`
}

// StorageConfig selects the journal backend. Empty driver disables it.
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
}

// PushConfig bounds the coordinator's dial-back retry loop.
type PushConfig struct {
	DialAttempts int      `json:"dial_attempts"`
	DialInterval Duration `json:"dial_interval"`
}

// SweepConfig schedules the janitor. Cron specs in robfig/cron syntax,
// "@every 30s" style included. Empty disables the job.
type SweepConfig struct {
	Pending string `json:"pending"`
	// PruneJournal additionally requires JournalMaxAge.
	PruneJournal  string   `json:"prune_journal"`
	JournalMaxAge Duration `json:"journal_max_age"`
}

// Coordinator is the coordinator process configuration.
type Coordinator struct {
	ListenPort int      `json:"listen_port"`
	Retention  Duration `json:"retention"`

	Push    PushConfig    `json:"push"`
	Log     LogConfig     `json:"log"`
	Sweep   SweepConfig   `json:"sweep"`
	Storage StorageConfig `json:"storage"`
}

// Participant is the participant process configuration.
type Participant struct {
	ID         int32  `json:"id"`
	MessageLog string `json:"message_log"`

	Coordinator struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"coordinator"`

	ConnectAttempts int      `json:"connect_attempts"`
	ConnectInterval Duration `json:"connect_interval"`

	Log     LogConfig     `json:"log"`
	Storage StorageConfig `json:"storage"`
}

const (
	DefaultCoordinatorPort = 5000
	DefaultConnectAttempts = 120
	DefaultConnectInterval = time.Second
	DefaultDialAttempts    = 10
	DefaultDialInterval    = time.Second
)
