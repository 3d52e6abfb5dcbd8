package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWatcherIngestsNewFiles(t *testing.T) {
	dir := t.TempDir()
	store := testStore(t, Options{})
	w := NewWatcher(store, "crew-docs", dir, []string{".md"})
	w.debounce = 20 * time.Millisecond

	reports := make(chan *IngestReport, 8)
	w.OnIngest = func(r *IngestReport) { reports <- r }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-w.Ready():
	case err := <-done:
		t.Fatalf("watcher exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never became ready")
	}

	if err := os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("not markdown"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte("release notes for version two"), 0644); err != nil {
		t.Fatal(err)
	}

	// A create event can fire before the content lands; keep waiting for
	// batches until the chunk shows up.
	deadline := time.After(5 * time.Second)
	for {
		n, _ := store.Count(context.Background(), "crew-docs")
		if n > 0 {
			break
		}
		select {
		case <-reports:
		case <-deadline:
			t.Fatal("file was not ingested")
		}
	}

	chunks, err := store.Chunks(context.Background(), "crew-docs")
	if err != nil {
		t.Fatalf("Chunks failed: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if !strings.HasSuffix(chunks[0].DocumentID, "notes.md") {
		t.Errorf("ingested %s", chunks[0].DocumentID)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherRejectsInvalidNamespace(t *testing.T) {
	w := NewWatcher(testStore(t, Options{}), "Bad Name", t.TempDir(), nil)
	if err := w.Run(context.Background()); err == nil {
		t.Error("expected error")
	}
}
