package config

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "castbot/pkg/logx"
)

const watchDebounce = 250 * time.Millisecond

// Watch reloads on changes to the settings file or any file in the
// localization root, until ctx is done. A broken watcher is recreated with a
// jittered backoff.
func (s *Store) Watch(ctx context.Context) error {
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sleep := func() bool {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
			return true
		}
	}

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
		timer = time.AfterFunc(watchDebounce, func() {
			if _, _, err := s.Reload(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("config reload from file change failed", logx.String("path", s.path), logx.Err(err))
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for ctx.Err() == nil {
		settingsDir := filepath.Dir(s.path)
		settingsFile := filepath.Base(s.path)
		locRoot := filepath.Clean(s.Current().Settings.LocalizationRoot)

		w, err := fsnotify.NewWatcher()
		if err != nil {
			s.log.Warn("config watch init failed", logx.Err(err))
			if !sleep() {
				return nil
			}
			continue
		}
		if err := w.Add(settingsDir); err != nil {
			_ = w.Close()
			s.log.Warn("config watch add failed", logx.String("dir", settingsDir), logx.Err(err))
			if !sleep() {
				return nil
			}
			continue
		}
		if locRoot != filepath.Clean(settingsDir) {
			if err := w.Add(locRoot); err != nil {
				s.log.Warn("localization watch add failed", logx.String("dir", locRoot), logx.Err(err))
			}
		}

		backoff = restartBackoffBase
		s.log.Debug("config watcher started", logx.String("file", s.path), logx.String("locales", locRoot))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				dir, base := filepath.Dir(ev.Name), filepath.Base(ev.Name)
				switch {
				case filepath.Clean(dir) == filepath.Clean(settingsDir) && strings.EqualFold(base, settingsFile):
					debounce()
				case filepath.Clean(dir) == locRoot && isLocaleFile(base):
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					s.log.Warn("config watch overflow; forcing reload", logx.Err(err))
					debounce()
					continue
				}
				s.log.Warn("config watch error", logx.Err(err))
			}
		}

		_ = w.Close()
		s.log.Warn("config watcher stopped; restarting", logx.String("file", s.path))
		if !sleep() {
			return nil
		}
	}
	return nil
}
