package checkpoint

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Callback is called with the checkpoints that appeared since the last call,
// ordered by step.
type Callback func(refs []Ref)

// Watcher reports checkpoint directories as the trainer creates them.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	callback Callback
	log      *slog.Logger
	debounce time.Duration

	pending map[string]int
	seen    map[string]struct{}
	timer   *time.Timer
	mu      sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher watches dir, which must exist. Checkpoints already present are
// not reported.
func NewWatcher(dir string, callback Callback, log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	w := &Watcher{
		watcher:  fw,
		dir:      dir,
		callback: callback,
		log:      log,
		debounce: 250 * time.Millisecond,
		pending:  make(map[string]int),
		seen:     make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	existing, _ := Discover(dir)
	for _, ref := range existing {
		w.seen[ref.Path] = struct{}{}
	}
	return w, nil
}

// SetDebounce sets how long the watcher waits for a burst of events to settle
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start begins watching in a background goroutine
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn("checkpoint watcher error", "error", err)
			}
		}
	}()
}

// Stop stops watching and delivers anything still pending.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.watcher.Close()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.flush()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	if filepath.Dir(event.Name) != filepath.Clean(w.dir) {
		return
	}
	step, ok := ParseStep(filepath.Base(event.Name))
	if !ok {
		return
	}
	if info, err := os.Stat(event.Name); err != nil || !info.IsDir() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, done := w.seen[event.Name]; done {
		return
	}
	w.pending[event.Name] = step

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]int)
	for path := range pending {
		w.seen[path] = struct{}{}
	}
	w.mu.Unlock()

	if len(pending) == 0 || w.callback == nil {
		return
	}

	refs := make([]Ref, 0, len(pending))
	for path, step := range pending {
		refs = append(refs, Ref{Path: path, Step: step})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Step < refs[j].Step })
	w.callback(refs)
}
