// Copyright 2026 The Autovisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package autovisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watcher rescans the service directory when it changes.  The directory
// and its immediate subdirectories (container build contexts) are
// watched; bursts of events are coalesced into a single rescan.
type watcher struct {
	m        *Manager
	dir      string
	debounce time.Duration
	fw       *fsnotify.Watcher
	fire     chan struct{}
	logger   zerolog.Logger
}

func newWatcher(m *Manager) (*watcher, error) {
	dir, e := filepath.Abs(m.cfg.Dir)
	if e != nil {
		return nil, e
	}
	fw, e := fsnotify.NewWatcher()
	if e != nil {
		return nil, e
	}
	w := &watcher{
		m:        m,
		dir:      dir,
		debounce: m.cfg.WatchDebounce,
		fw:       fw,
		fire:     make(chan struct{}, 1),
		logger:   m.logger.With().Str("component", "watcher").Logger(),
	}
	if e := fw.Add(dir); e != nil {
		fw.Close()
		return nil, e
	}
	ents, e := os.ReadDir(dir)
	if e != nil {
		fw.Close()
		return nil, e
	}
	for _, ent := range ents {
		if ent.IsDir() && !strings.HasPrefix(ent.Name(), ".") {
			w.addDir(filepath.Join(dir, ent.Name()))
		}
	}
	return w, nil
}

func (w *watcher) addDir(path string) {
	if e := w.fw.Add(path); e != nil {
		w.logger.Warn().Err(e).Str("path", path).Msg("Cannot watch directory")
	}
}

// run processes events until ctx is done.
func (w *watcher) run(ctx context.Context) {
	defer w.fw.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	w.logger.Info().Str("dir", w.dir).Msg("Watching service directory")

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.logger.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("Change")
			if ev.Has(fsnotify.Create) && filepath.Dir(ev.Name) == w.dir {
				if info, e := os.Stat(ev.Name); e == nil && info.IsDir() {
					w.addDir(ev.Name)
				}
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case w.fire <- struct{}{}:
				default:
				}
			})

		case e, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(e).Msg("Watcher error")

		case <-w.fire:
			w.rescan(ctx)
		}
	}
}

// rescan never lets a failure escape; the old set is kept running.
func (w *watcher) rescan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Msg("Rescan panicked")
		}
	}()
	descs, e := Scan(w.dir, w.m.cfg.scanOptions())
	if e != nil {
		w.logger.Error().Err(e).Msg("Rescan failed")
		return
	}
	if e := w.m.Reconcile(ctx, descs); e != nil {
		w.logger.Warn().Err(e).Msg("Reconcile skipped")
	}
}
