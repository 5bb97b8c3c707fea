package config

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	rtsup "chanrelay/internal/runtime/supervisor"
	"chanrelay/pkg/logx"
)

const (
	reloadDelay    = 250 * time.Millisecond
	rewatchBackoff = 250 * time.Millisecond
	rewatchMax     = 5 * time.Second

	relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
)

var errWatcherClosed = errors.New("config watcher closed")

// Watch reloads the config file on change until ctx is done. The parent
// directory is watched so editors that replace the file on save keep
// working. A broken watcher is recreated with backoff.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}

	t := &reloadTimer{fire: func() { m.reload(ctx) }}
	defer t.stop()

	sup := rtsup.New(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	sup.GoRestart("config.watch", func(c context.Context) error {
		return m.watchOnce(c, t)
	}, rewatchBackoff, rewatchMax)

	<-ctx.Done()
	_ = sup.Wait(context.WithoutCancel(ctx))
	return nil
}

// watchOnce runs one fsnotify watcher. It returns ctx.Err() on shutdown and
// an error when the watcher breaks.
func (m *Manager) watchOnce(ctx context.Context, t *reloadTimer) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if ev.Op&relevantOps != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				m.log.Debug("config change detected; scheduling reload", logx.String("op", ev.Op.String()))
				t.reset(reloadDelay)
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errWatcherClosed
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				t.reset(reloadDelay)
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

// reloadTimer collapses a burst of file events into one reload.
type reloadTimer struct {
	fire func()

	mu sync.Mutex
	t  *time.Timer
}

func (r *reloadTimer) reset(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.t != nil {
		r.t.Stop()
	}
	r.t = time.AfterFunc(d, r.fire)
}

func (r *reloadTimer) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.t != nil {
		r.t.Stop()
		r.t = nil
	}
}
