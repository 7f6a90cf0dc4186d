package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetupWritesJSONFile(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	p := filepath.Join(t.TempDir(), "postflow.log")
	c, err := Setup(Options{Level: "warn", Format: "json", File: p})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	log.Info().Msg("hidden")
	log.Warn().Str("delivery_id", "dlv_1").Msg("visible")
	c.Close()

	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"delivery_id":"dlv_1"`) {
		t.Fatalf("log file = %s", out)
	}
}

func TestSetLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	if err := SetLevel("DEBUG"); err != nil || zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("SetLevel(DEBUG) = %v, level %v", err, zerolog.GlobalLevel())
	}
	if err := SetLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
