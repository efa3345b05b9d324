package config

import (
	"context"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Store holds the current configuration. Every component receives the same
// Store and reads Current once per operation, so a Replace is seen by the
// next operation and never half-way through one.
type Store struct {
	cur atomic.Pointer[Config]
}

// NewStore creates a Store holding cfg. cfg must already be valid.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.cur.Store(cfg)
	return s
}

// Current returns the configuration in effect. Do not modify it.
func (s *Store) Current() *Config {
	return s.cur.Load()
}

// Replace validates cfg and swaps it in atomically.
func (s *Store) Replace(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.cur.Store(cfg)
	return nil
}

// Watch loads the file at path and hands it to apply whenever it changes,
// until ctx is canceled. apply is normally cluster.Manager.Reload, which
// validates the change against the running fleet before replacing the
// store; Store.Replace does for a bare store. The parent directory is
// watched because editors and Save replace the file by rename. Edits that
// fail to load or are rejected by apply are logged and the previous
// configuration stays in effect.
func Watch(ctx context.Context, path string, apply func(*Config) error, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Warn("ignoring invalid config change", zap.String("path", path), zap.Error(err))
					continue
				}
				if err := apply(cfg); err != nil {
					log.Warn("config change rejected", zap.String("path", path), zap.Error(err))
					continue
				}
				log.Info("configuration reloaded", zap.String("path", path))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
