// Package config loads stubd's TOML configuration and watches it for
// changes, swapping in a new Snapshot atomically so readers never observe a
// partially-applied configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/stubd/stubd/internal/logging"
)

// Upstream is one configured upstream resolver.
type Upstream struct {
	Address string
	Port    int `toml:"port"`
}

// Listener is one configured frontend.
type Listener struct {
	Address  string
	Protocol string // "udp" or "tcp"
}

// File is the decoded shape of the TOML configuration file.
type File struct {
	Listeners  []Listener
	Upstreams  []Upstream
	AllowedNet []string `toml:"allowed-net"`
	BlockedNet []string `toml:"blocked-net"`

	RateLimitPerIP int `toml:"rate-limit-per-ip"`

	CacheMaxSizeBytes int64  `toml:"cache-max-size-bytes"`
	CacheMinTTL       uint32 `toml:"cache-min-ttl"`
	CacheMaxTTL       uint32 `toml:"cache-max-ttl"`
	CacheNegativeTTL  uint32 `toml:"cache-negative-ttl"`

	ForwardMaxAttempts       int `toml:"forward-max-attempts"`
	ForwardAttemptTimeoutSec int `toml:"forward-attempt-timeout-seconds"`

	AdminAddr string `toml:"admin-addr"`
}

// Snapshot is an immutable, fully-decoded configuration ready to drive
// component construction.
type Snapshot struct {
	File File
}

// Load reads and decodes the TOML file at path.
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	var f File
	if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
		return Snapshot{}, fmt.Errorf("decoding config %s: %w", path, err)
	}
	return Snapshot{File: f}, nil
}

// Watcher holds the current Snapshot and keeps it updated as the underlying
// file changes on disk.
type Watcher struct {
	path     string
	current  atomic.Pointer[Snapshot]
	watcher  *fsnotify.Watcher
	onChange func(Snapshot)
}

// NewWatcher loads path once and returns a Watcher primed with the result.
// Call Start to begin watching for further changes.
func NewWatcher(path string, onChange func(Snapshot)) (*Watcher, error) {
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, onChange: onChange}
	w.current.Store(&snap)
	return w, nil
}

// Current returns the most recently loaded Snapshot.
func (w *Watcher) Current() Snapshot {
	return *w.current.Load()
}

// Start begins watching the config file for changes, debouncing bursts of
// filesystem events (editors often write-then-rename) and reloading once
// things settle.
func (w *Watcher) Start(stop <-chan struct{}) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw
	if err := fw.Add(w.path); err != nil {
		fw.Close()
		return err
	}

	go func() {
		defer fw.Close()
		var debounce *time.Timer
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce == nil {
					debounce = time.AfterFunc(200*time.Millisecond, w.reload)
				} else {
					debounce.Reset(200 * time.Millisecond)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				logging.Log.Error("config watcher error", "err", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload() {
	snap, err := Load(w.path)
	if err != nil {
		logging.Log.Error("failed to reload config", "path", w.path, "err", err)
		return
	}
	w.current.Store(&snap)
	logging.Log.Info("reloaded config", "path", w.path)
	if w.onChange != nil {
		w.onChange(snap)
	}
}

// Stop closes the underlying filesystem watcher.
func (w *Watcher) Stop() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}
