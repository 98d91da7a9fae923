package configwatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cdpskins/injector/pkg/patch"
)

type fakeReloader struct {
	reloads chan *patch.PatchSet
}

func newFakeReloader() *fakeReloader {
	return &fakeReloader{reloads: make(chan *patch.PatchSet, 8)}
}

func (f *fakeReloader) Reload(ps *patch.PatchSet) {
	f.reloads <- ps
}

func TestRunLoadsInitialFileThenReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skin.json")
	if err := os.WriteFile(path, []byte(`{"Patches":[{"MatchRegexString":"a","TargetCss":"x"}]}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reloader := newFakeReloader()
	w := &Watcher{Path: path, Reloader: reloader}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case ps := <-reloader.reloads:
		if len(ps.Patches) != 1 {
			t.Errorf("initial load: len(Patches) = %d, want 1", len(ps.Patches))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial load")
	}

	if err := os.WriteFile(path, []byte(`{"Patches":[{"MatchRegexString":"a","TargetCss":"x"},{"MatchRegexString":"b","TargetCss":"y"}]}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case ps := <-reloader.reloads:
		if len(ps.Patches) != 2 {
			t.Errorf("reload after write: len(Patches) = %d, want 2", len(ps.Patches))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload after write")
	}
}

func TestRunIgnoresOtherFilesInTheSameDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skin.json")
	if err := os.WriteFile(path, []byte(`{"Patches":[]}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reloader := newFakeReloader()
	w := &Watcher{Path: path, Reloader: reloader}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	<-reloader.reloads // initial load

	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case ps := <-reloader.reloads:
		t.Errorf("reload fired for unrelated file, got %v", ps)
	case <-time.After(300 * time.Millisecond):
	}
}
