package pod

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/podgallery/podgallery/internal/storage/local"
	"github.com/podgallery/podgallery/pkg/protocol"
)

func TestWatcherFollowsDirectory(t *testing.T) {
	dir := t.TempDir()
	src, err := local.New(local.Config{RootPath: dir})
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, Options{})
	f.register(7)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewWatcher(f.pod, src, 20*time.Millisecond).Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Give the watcher time to register the root.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "a.png"), tinyPNG(), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	f.loop.runUntil(t, func() bool { return len(f.pod.Paths()) == 1 })
	if f.pod.Paths()[0] != "a.png" {
		t.Errorf("paths = %v", f.pod.Paths())
	}

	if err := os.MkdirAll(filepath.Join(dir, "trip"), 0755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "trip", "b.png"), tinyPNG(), 0644); err != nil {
		t.Fatal(err)
	}
	f.loop.runUntil(t, func() bool {
		_, ok := f.pod.File("trip/b.png")
		return ok
	})

	if err := os.Remove(filepath.Join(dir, "a.png")); err != nil {
		t.Fatal(err)
	}
	f.loop.runUntil(t, func() bool {
		_, ok := f.pod.File("a.png")
		return !ok
	})

	updates := sentOf[protocol.UpdatePaths](f.sender)
	last := updates[len(updates)-1]
	if !last.ReplaceImages || len(last.Paths) != 1 || last.Paths[0] != "trip/b.png" {
		t.Errorf("last update = %+v", last)
	}
}
