package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"panoforge/internal/fsutil"
	"panoforge/internal/pipeline"
)

// submitter is what the watcher needs from the worker pool.
type submitter interface {
	Submit(job pipeline.Job) error
}

// Watcher turns a hot folder into panorama jobs. Each first-level
// subdirectory of the root is one shot set: once it holds at least two
// images and has been quiet for the settle window, the set is submitted
// and the finished panorama lands next to the folder.
type Watcher struct {
	root     string
	outDir   string
	settle   time.Duration
	watcher  *fsnotify.Watcher
	pipeline submitter
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	done    map[string]bool
}

// New creates a watcher over root. Outputs are written to outDir, or
// next to each set's folder when outDir is empty.
func New(root, outDir string, settle time.Duration, pipe submitter, log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if settle <= 0 {
		settle = 3 * time.Second
	}
	return &Watcher{
		root:     root,
		outDir:   outDir,
		settle:   settle,
		watcher:  fw,
		pipeline: pipe,
		log:      log,
		pending:  make(map[string]*time.Timer),
		done:     make(map[string]bool),
	}, nil
}

// Run watches until ctx is cancelled. Subdirectories that already exist
// at startup are scheduled immediately.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.watcher.Add(w.root); err != nil {
		return err
	}
	defer w.watcher.Close()

	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			w.track(filepath.Join(w.root, e.Name()))
		}
	}

	w.log.Info("Watching hot folder", "root", w.root, "settle", w.settle)

	for {
		select {
		case <-ctx.Done():
			w.cancelPending()
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("Filesystem watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Chmod == fsnotify.Chmod {
		return
	}

	set := w.setFor(event.Name)
	if set == "" {
		return
	}

	// A new subdirectory must be watched so writes inside it are seen.
	if event.Op&fsnotify.Create == fsnotify.Create && set == event.Name {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			w.track(event.Name)
			return
		}
	}

	if set != event.Name && !fsutil.IsImage(event.Name) {
		return
	}
	w.schedule(set)
}

// setFor maps an event path to the shot-set directory it belongs to.
func (w *Watcher) setFor(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, "..") {
		return ""
	}
	first := rel
	for i := 0; i < len(rel); i++ {
		if os.IsPathSeparator(rel[i]) {
			first = rel[:i]
			break
		}
	}
	return filepath.Join(w.root, first)
}

func (w *Watcher) track(dir string) {
	if err := w.watcher.Add(dir); err != nil {
		w.log.Warn("could not watch shot set", "dir", dir, "error", err)
		return
	}
	w.schedule(dir)
}

// schedule (re)arms the settle timer for a shot set. Every new write
// pushes the deadline out so half-copied sets are never submitted.
func (w *Watcher) schedule(set string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done[set] {
		return
	}
	if timer, ok := w.pending[set]; ok {
		timer.Reset(w.settle)
		return
	}
	w.pending[set] = time.AfterFunc(w.settle, func() { w.fire(set) })
}

func (w *Watcher) fire(set string) {
	w.mu.Lock()
	delete(w.pending, set)
	if w.done[set] {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	images, err := fsutil.ListImages(set)
	if err != nil {
		w.log.Warn("could not scan shot set", "dir", set, "error", err)
		return
	}
	if len(images) < 2 {
		w.log.Debug("shot set not ready", "dir", set, "images", len(images))
		return
	}

	outDir := w.outDir
	if outDir == "" {
		outDir = w.root
	}
	output := filepath.Join(outDir, filepath.Base(set)+"_panorama.jpg")

	job := pipeline.Job{
		ID:     pipeline.NewID(pipeline.JobPanorama),
		Type:   pipeline.JobPanorama,
		Inputs: images,
		Output: output,
		Options: map[string]any{
			"quality":    "medium",
			"format":     "jpg",
			"resolution": "2K",
		},
	}

	if err := w.pipeline.Submit(job); err != nil {
		w.log.Warn("hot folder job rejected, will retry on next change", "dir", set, "error", err)
		return
	}

	w.mu.Lock()
	w.done[set] = true
	w.mu.Unlock()

	w.log.Info("shot set submitted", "dir", set, "images", len(images), "output", output, "job", job.ID)
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for set, timer := range w.pending {
		timer.Stop()
		delete(w.pending, set)
	}
}
