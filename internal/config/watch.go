package config

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a Config from disk whenever its file changes and hands
// each successfully loaded Config to onLoad (SPEC_FULL.md AMBIENT STACK).
// It applies nothing itself, and elliptics-node does not start one.
type Watcher struct {
	path   string
	log    *zap.Logger
	watch  *fsnotify.Watcher
	onLoad func(Config)
}

// NewWatcher starts watching path and invokes onLoad every time it
// successfully reloads. The caller must call Close when done.
func NewWatcher(path string, log *zap.Logger, onLoad func(Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	cw := &Watcher{path: path, log: log, watch: w, onLoad: onLoad}
	go cw.loop()
	return cw, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watch.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Warn("config reload failed", zap.Error(err))
				continue
			}
			w.log.Info("config reloaded", zap.String("path", w.path))
			w.onLoad(cfg)

		case err, ok := <-w.watch.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watch.Close()
}
