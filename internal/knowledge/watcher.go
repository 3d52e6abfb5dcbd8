package knowledge

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher ingests files into a namespace as they are created or written
// under a directory. Events are debounced so an editor's burst of writes
// becomes one ingestion.
type Watcher struct {
	store     *Store
	namespace string
	dir       DirectorySource
	debounce  time.Duration
	ready     chan struct{}

	// OnIngest, if set, is called after each batch.
	OnIngest func(*IngestReport)
}

// NewWatcher watches dir for files with one of exts (all files when empty).
func NewWatcher(store *Store, namespace, dir string, exts []string) *Watcher {
	return &Watcher{
		store:     store,
		namespace: namespace,
		dir:       DirectorySource{Dir: dir, Extensions: exts},
		debounce:  250 * time.Millisecond,
		ready:     make(chan struct{}),
	}
}

// Ready is closed once the watch is established.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Run watches until ctx is done. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	if err := ValidateNamespace(w.namespace); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.dir.Dir); err != nil {
		return err
	}
	close(w.ready)

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				if event.Op&fsnotify.Create != 0 {
					if err := w.addTree(fw, event.Name); err != nil {
						log.Printf("WARNING: knowledge watcher: %v", err)
					}
				}
				continue
			}
			if !w.dir.Accepts(event.Name) {
				continue
			}
			pending[event.Name] = struct{}{}
			timer.Reset(w.debounce)

		case <-timer.C:
			w.flush(ctx, pending)
			pending = make(map[string]struct{})

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("WARNING: knowledge watcher: %v", err)
		}
	}
}

func (w *Watcher) flush(ctx context.Context, pending map[string]struct{}) {
	if len(pending) == 0 {
		return
	}
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	sources := make([]Source, len(paths))
	for i, p := range paths {
		sources[i] = SourceForPath(p)
	}
	report, err := w.store.Ingest(ctx, w.namespace, sources...)
	if err != nil {
		log.Printf("ERROR: knowledge watcher failed to ingest %s: %v", strings.Join(paths, ", "), err)
		return
	}
	if w.OnIngest != nil {
		w.OnIngest(report)
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}
