package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	logx "ticklane/pkg/logx"
)

// settleDelay collapses the burst of events one editor save produces.
const settleDelay = 250 * time.Millisecond

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

var errWatcherClosed = errors.New("fsnotify watcher closed")

// Watch reloads the file on change until ctx is done. It watches the parent
// directory so rename-on-save editors are seen. A watcher that breaks is
// rebuilt after a jittered exponential backoff, reset once a watcher is up.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, name := filepath.Split(filepath.Clean(m.path))
	if dir == "" {
		dir = "."
	}

	var settle settler
	defer settle.cancel()
	trigger := func() { settle.arm(settleDelay, func() { m.refresh(ctx) }) }

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	op := func() error {
		err := m.watchDir(ctx, dir, name, trigger, bo.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errWatcherClosed
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		m.log.Warn("config watcher failed; rebuilding", logx.Duration("backoff", wait), logx.Err(err))
	}
	err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *ConfigManager) watchDir(ctx context.Context, dir, name string, changed, up func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	up()
	m.log.Debug("config watcher running", logx.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if filepath.Base(ev.Name) == name && ev.Op&relevantOps != 0 {
				changed()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errWatcherClosed
			case err == nil:
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watcher dropped events; reloading", logx.Err(err))
				changed()
			default:
				m.log.Warn("config watcher error", logx.Err(err))
			}
		}
	}
}

// settler runs fn once events have stopped arriving for the given delay.
type settler struct {
	mu sync.Mutex
	t  *time.Timer
}

func (s *settler) arm(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t != nil {
		s.t.Stop()
	}
	s.t = time.AfterFunc(d, fn)
}

func (s *settler) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t != nil {
		s.t.Stop()
	}
}
