package reload

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/timzifer/siggen/config"
)

// stamp identifies a file revision.
type stamp struct {
	modTime time.Time
	size    int64
}

// Watcher polls configuration files for changes. A file counts as changed
// when its size differs, its mod time advanced or it disappeared.
type Watcher struct {
	mu    sync.Mutex
	files map[string]stamp
}

// NewWatcher snapshots the files behind cfg plus root when root is a file.
func NewWatcher(root string, cfg *config.Config) (*Watcher, error) {
	w := &Watcher{}
	if err := w.Update(root, cfg); err != nil {
		return nil, err
	}
	return w, nil
}

// Update replaces the snapshot after a successful reload.
func (w *Watcher) Update(root string, cfg *config.Config) error {
	if w == nil {
		return nil
	}
	candidates := config.SourceFiles(cfg)
	if abs, err := filepath.Abs(root); root != "" && err == nil {
		candidates = append(candidates, abs)
	}
	files := make(map[string]stamp, len(candidates))
	for _, path := range dedupe(candidates) {
		if st, ok := stat(path); ok {
			files[path] = st
		}
	}
	w.mu.Lock()
	w.files = files
	w.mu.Unlock()
	return nil
}

// Check returns the sorted list of files changed since the last snapshot.
func (w *Watcher) Check() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := []string{}
	for path, prev := range w.files {
		cur, ok := stat(path)
		if !ok || cur.size != prev.size || cur.modTime.After(prev.modTime) {
			changed = append(changed, path)
		}
	}
	slices.Sort(changed)
	return changed, nil
}

// stat reports regular files only.
func stat(path string) (stamp, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return stamp{}, false
	}
	return stamp{modTime: info.ModTime(), size: info.Size()}, true
}

func dedupe(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path != "" && !slices.Contains(out, path) {
			out = append(out, path)
		}
	}
	return out
}
