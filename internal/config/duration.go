package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Duration decodes either a Go duration string ("90s", "2m") or a bare
// number of seconds, which is what the legacy files carry.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var num float64
	if err := json.Unmarshal(b, &num); err == nil {
		*d = Duration(time.Duration(num * float64(time.Second)))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration: expected string or number, got %s", string(b))
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration: invalid %q: %w", s, err)
	}
	if v < 0 {
		return fmt.Errorf("duration: must be >= 0, got %q", s)
	}
	*d = Duration(v)
	return nil
}
