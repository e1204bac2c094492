// Package watch provides debounced file watching for live re-conversion.
// Editors rarely produce a single clean write: saves arrive as bursts of
// create/write/rename events, so changes are batched over a debounce
// window and deduplicated per path before the handler runs.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Op is the kind of change observed on a path.
type Op int

const (
	OpCreate Op = iota
	OpWrite
	OpRemove
	OpRename
)

// String returns the lowercase name of the operation.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Change is one debounced file change.
type Change struct {
	Path string
	Op   Op
	Time time.Time
}

// Handler receives a deduplicated batch after the debounce window closes.
type Handler func(changes []Change)

// Config tunes a Watcher. The zero value is usable.
type Config struct {
	// Debounce is how long to wait for further events before flushing
	// a batch. Defaults to 250ms.
	Debounce time.Duration
	// Match filters paths under watched directories. Explicitly added
	// files bypass it. Nil accepts everything.
	Match func(path string) bool
	// OnError receives fsnotify errors. Nil drops them.
	OnError func(error)
}

// Watcher watches files and directories and delivers debounced batches.
type Watcher struct {
	fsw      *fsnotify.Watcher
	handler  Handler
	debounce time.Duration
	match    func(string) bool
	onError  func(error)

	mu    sync.Mutex
	files map[string]struct{} // explicitly watched files, absolute
	roots []string            // recursively watched directories, absolute
}

// New creates a watcher. Call Add for each path, then Run.
func New(cfg Config, handler Handler) (*Watcher, error) {
	if handler == nil {
		return nil, fmt.Errorf("watch: handler is required")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{
		fsw:      fsw,
		handler:  handler,
		debounce: debounce,
		match:    cfg.Match,
		onError:  cfg.OnError,
		files:    make(map[string]struct{}),
	}, nil
}

// Add registers a file or directory. Directories are watched recursively.
// Files are tracked through their parent directory so atomic-save renames
// do not silently detach the watch.
func (w *Watcher) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	if !info.IsDir() {
		if err := w.fsw.Add(filepath.Dir(abs)); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		w.mu.Lock()
		w.files[abs] = struct{}{}
		w.mu.Unlock()
		return nil
	}

	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if name := filepath.Base(p); strings.HasPrefix(name, ".") && p != abs {
			return filepath.SkipDir
		}
		return w.fsw.Add(p)
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	w.mu.Lock()
	w.roots = append(w.roots, abs)
	w.mu.Unlock()
	return nil
}

// Close releases the underlying watcher. Run returns after Close.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run processes events until the context is canceled or the watcher is
// closed. Any batch still pending is flushed before returning.
func (w *Watcher) Run(ctx context.Context) error {
	var batch []Change
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 {
			w.handler(dedupe(batch))
			batch = nil
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	defer flush()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			// Grow into directories created under a watched root.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if w.underRoot(event.Name) {
						w.fsw.Add(event.Name)
					}
					continue
				}
			}
			if !w.accepts(event.Name) {
				continue
			}
			batch = append(batch, Change{
				Path: event.Name,
				Op:   convertOp(event.Op),
				Time: time.Now(),
			})
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if w.onError != nil {
				w.onError(err)
			}

		case <-timerC:
			flush()
		}
	}
}

// accepts reports whether a path belongs to this watcher's scope.
func (w *Watcher) accepts(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[abs]; ok {
		return true
	}
	for _, root := range w.roots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			if w.match == nil || w.match(abs) {
				return true
			}
		}
	}
	return false
}

// underRoot reports whether a path sits under a recursively watched root.
func (w *Watcher) underRoot(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, root := range w.roots {
		if strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func convertOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate
	case op.Has(fsnotify.Remove):
		return OpRemove
	case op.Has(fsnotify.Rename):
		return OpRename
	default:
		return OpWrite
	}
}

// dedupe keeps the newest change per path, preserving first-seen order.
func dedupe(changes []Change) []Change {
	seen := make(map[string]int, len(changes))
	result := make([]Change, 0, len(changes))
	for _, change := range changes {
		if idx, ok := seen[change.Path]; ok {
			result[idx] = change
			continue
		}
		seen[change.Path] = len(result)
		result = append(result, change)
	}
	return result
}
