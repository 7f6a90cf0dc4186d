package config

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const debounceDelay = 250 * time.Millisecond

// Manager holds the current configuration and republishes it when the file
// changes on disk. Only valid configurations are ever published.
type Manager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	subsMu sync.Mutex
	subs   []chan *Config
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) Path() string { return m.path }

// Read parses, defaults and validates the file without committing it. An
// empty path yields the defaults.
func (m *Manager) Read() (*Config, uint64, error) {
	if m.path == "" {
		return Default(), 0, nil
	}
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, 0, err
	}
	cfg, err := Parse(m.path, b)
	if err != nil {
		return nil, 0, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, 0, err
	}
	h := fnv.New64a()
	h.Write(b)
	return cfg, h.Sum64(), nil
}

func (m *Manager) Load() (*Config, error) {
	cfg, sum, err := m.Read()
	if err != nil {
		return nil, err
	}
	m.commit(cfg, sum)
	return cfg, nil
}

func (m *Manager) commit(cfg *Config, sum uint64) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = sum
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives every newly committed config.
// Slow subscribers only ever miss intermediate versions, never the latest.
func (m *Manager) Subscribe(buffer int) <-chan *Config {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		// drop the oldest, then deliver the newest
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
		}
	}
}

// reload re-reads the file and publishes it when it parsed, validated and
// actually changed.
func (m *Manager) reload() {
	cfg, sum, err := m.Read()
	if err != nil {
		log.Warn().Err(err).Str("path", m.path).Msg("config rejected; keeping current")
		return
	}
	m.mu.RLock()
	unchanged := sum == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		return
	}
	m.commit(cfg, sum)
	m.publish(cfg)
	log.Info().Str("path", m.path).Msg("config reloaded")
}

// Watch follows the config file until ctx is done. The directory is watched
// rather than the file so editors that replace the file are handled.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return err
	}
	file := filepath.Base(m.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceDelay, m.reload)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	log.Debug().Str("path", m.path).Msg("watching config")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("path", m.path).Msg("config watch error")
		}
	}
}
