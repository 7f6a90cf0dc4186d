package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"postflow/internal/retry"
	"postflow/internal/scheduler"
	"postflow/internal/worker"
)

// Duration is a config duration. It accepts a Go duration string ("90s",
// "1m30s") or a whole number of seconds, quoted or not ("90", 90). Zero or
// empty selects the field's default.
type Duration string

func (d *Duration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] != '"' {
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string or a number of seconds: %s", b)
		}
		*d = Duration(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*d = Duration(s)
	return nil
}

// Parse resolves d; path names the field in errors.
func (d Duration) Parse(path string) (time.Duration, error) {
	s := strings.TrimSpace(string(d))
	if s == "" {
		return 0, nil
	}
	var (
		v   time.Duration
		err error
	)
	if secs, aerr := strconv.ParseInt(s, 10, 64); aerr == nil {
		v = time.Duration(secs) * time.Second
	} else if v, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: %q is neither a duration nor a number of seconds", path, s)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return v, nil
}

// durationField ties a config value to its path and default.
type durationField struct {
	path  string
	value Duration
	def   time.Duration
}

func (c *Config) durationFields() []durationField {
	return []durationField{
		{"http.read_timeout", c.HTTP.ReadTimeout, 15 * time.Second},
		{"http.write_timeout", c.HTTP.WriteTimeout, 15 * time.Second},
		{"http.shutdown_timeout", c.HTTP.ShutdownTimeout, 30 * time.Second},
		{"scheduler.retry_base", c.Scheduler.RetryBase, retry.DefaultBase},
		{"scheduler.retry_max_delay", c.Scheduler.RetryMaxDelay, retry.DefaultMaxDelay},
		{"scheduler.stale_after", c.Scheduler.StaleAfter, scheduler.DefaultStaleAfter},
		{"dispatch.timeout", c.Dispatch.Timeout, worker.DefaultTimeout},
	}
}

// duration returns the parsed value at path, or its default when unset or
// malformed. Validate reports malformed values.
func (c *Config) duration(path string) time.Duration {
	for _, f := range c.durationFields() {
		if f.path != path {
			continue
		}
		v, err := f.value.Parse(f.path)
		if err != nil || v == 0 {
			return f.def
		}
		return v
	}
	panic("config: unknown duration field " + path)
}

func (c *Config) RetryBase() time.Duration       { return c.duration("scheduler.retry_base") }
func (c *Config) RetryMaxDelay() time.Duration   { return c.duration("scheduler.retry_max_delay") }
func (c *Config) StaleAfter() time.Duration      { return c.duration("scheduler.stale_after") }
func (c *Config) PublishTimeout() time.Duration  { return c.duration("dispatch.timeout") }
func (c *Config) ShutdownTimeout() time.Duration { return c.duration("http.shutdown_timeout") }
func (c *Config) ReadTimeout() time.Duration     { return c.duration("http.read_timeout") }
func (c *Config) WriteTimeout() time.Duration    { return c.duration("http.write_timeout") }
