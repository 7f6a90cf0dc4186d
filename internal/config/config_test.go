package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

const sampleYAML = `
log:
  level: debug
  format: json
store:
  driver: postgres
  dsn: postgres://localhost/postflow?sslmode=disable
scheduler:
  retry_base: 30s
  stale_after: 10m
dispatch:
  workers: 4
  timeout: 20s
platforms:
  twitter:
    publisher: http
    base_url: https://gateway.example.com/twitter
    id_field: data.id
    token_env: POSTFLOW_TEST_TWITTER_TOKEN
    rate_per_second: 0.5
    burst: 2
  telegram:
    publisher: telegram
    token: "123:abc"
    chat_id: -1001
`

func TestLoadYAML(t *testing.T) {
	t.Setenv("POSTFLOW_TEST_TWITTER_TOKEN", "secret")
	p := writeFile(t, t.TempDir(), "postflow.yaml", sampleYAML)

	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Store.Driver != "postgres" || cfg.Dispatch.Workers != 4 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.RetryBase() != 30*time.Second || cfg.StaleAfter() != 10*time.Minute || cfg.PublishTimeout() != 20*time.Second {
		t.Fatalf("durations: base %v stale %v timeout %v", cfg.RetryBase(), cfg.StaleAfter(), cfg.PublishTimeout())
	}
	if cfg.RetryMaxDelay() != time.Hour || cfg.Scheduler.MaxRetries != 3 || cfg.HTTP.Addr != ":8080" {
		t.Fatal("defaults not applied")
	}
	tw := cfg.Platforms["twitter"]
	if tw.ResolvedToken() != "secret" || tw.RatePerSecond != 0.5 || tw.IDField != "data.id" {
		t.Fatalf("twitter = %+v", tw)
	}
	if len(cfg.Platforms) != 2 {
		t.Fatalf("explicit platforms must not be merged with defaults: %v", cfg.Platforms)
	}
}

func TestLoadJSONAndDefaults(t *testing.T) {
	p := writeFile(t, t.TempDir(), "postflow.json", `{"http":{"addr":":9090"}}`)
	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.Store.Driver != "sqlite" || len(cfg.Platforms) != 4 {
		t.Fatalf("cfg = %+v", cfg)
	}
	for name, pc := range cfg.Platforms {
		if pc.Publisher != PublisherDryRun {
			t.Fatalf("%s publisher = %s", name, pc.Publisher)
		}
	}

	def, err := NewManager("").Load()
	if err != nil || def.Log.Level != "info" {
		t.Fatalf("empty path: %+v, %v", def, err)
	}
}

func TestRejectsInvalid(t *testing.T) {
	tests := []struct {
		name, body, want string
	}{
		{"unknown field", "store:\n  driver: sqlite\n  pool: 3\n", "unknown field"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"bad driver", "store:\n  driver: oracle\n", "store.driver"},
		{"bad duration", "dispatch:\n  timeout: soon\n", "dispatch.timeout"},
		{"stale below timeout", "dispatch:\n  timeout: 10m\nscheduler:\n  stale_after: 1m\n", "stale_after"},
		{"bad cron", "scheduler:\n  sweep_schedule: often\n", "sweep_schedule"},
		{"unknown platform", "platforms:\n  myspace:\n    publisher: dryrun\n", "myspace"},
		{"http without url", "platforms:\n  twitter:\n    publisher: http\n", "base_url"},
		{"telegram without chat", "platforms:\n  telegram:\n    publisher: telegram\n    token: x\n", "chat_id"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := writeFile(t, t.TempDir(), "c.yaml", tc.body)
			_, err := NewManager(p).Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestDurationParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      Duration
		want    time.Duration
		wantErr bool
	}{
		{" 90s ", 90 * time.Second, false},
		{"1m30s", 90 * time.Second, false},
		{"90", 90 * time.Second, false},
		{"", 0, false},
		{"-1s", 0, true},
		{"-5", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range tests {
		got, err := tc.in.Parse("x")
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("Parse(%q) = %v, %v", tc.in, got, err)
		}
	}
}

func TestDurationsAcceptSeconds(t *testing.T) {
	p := writeFile(t, t.TempDir(), "c.yaml", "dispatch:\n  timeout: 20\nscheduler:\n  stale_after: \"600\"\n  retry_base: 45s\n")
	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PublishTimeout() != 20*time.Second || cfg.StaleAfter() != 10*time.Minute || cfg.RetryBase() != 45*time.Second {
		t.Fatalf("timeout %v stale %v base %v", cfg.PublishTimeout(), cfg.StaleAfter(), cfg.RetryBase())
	}
	if cfg.ShutdownTimeout() != 30*time.Second {
		t.Fatalf("shutdown default = %v", cfg.ShutdownTimeout())
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "postflow.yaml", "log:\n  level: info\n")
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	updates := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	// invalid config is never published
	writeFile(t, dir, "postflow.yaml", "log:\n  level: loud\n")
	select {
	case cfg := <-updates:
		t.Fatalf("invalid config published: %+v", cfg.Log)
	case <-time.After(600 * time.Millisecond):
	}
	if m.Get().Log.Level != "info" {
		t.Fatal("current config replaced by an invalid one")
	}

	writeFile(t, dir, "postflow.yaml", "log:\n  level: debug\n")
	select {
	case cfg := <-updates:
		if cfg.Log.Level != "debug" {
			t.Fatalf("published level = %s", cfg.Log.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config change not published")
	}
	if m.Get().Log.Level != "debug" {
		t.Fatal("Get does not return the reloaded config")
	}
}
