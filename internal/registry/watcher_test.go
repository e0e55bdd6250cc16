package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWorkspaceWatcherSweepsOnRemoval(t *testing.T) {
	r := New(openTestStore(t))
	dir := t.TempDir()
	workspace := filepath.Join(dir, "myproject")
	if err := os.Mkdir(workspace, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	canon, err := CanonicalPath(workspace)
	if err != nil {
		t.Fatalf("CanonicalPath: %v", err)
	}
	if _, err := r.GetOrCreateEntry(canon); err != nil {
		t.Fatalf("GetOrCreateEntry: %v", err)
	}

	var mu sync.Mutex
	var removed string
	w, err := NewWorkspaceWatcher(r, func(ws string) {
		mu.Lock()
		removed = ws
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("NewWorkspaceWatcher: %v", err)
	}
	w.Watch(canon)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.RemoveAll(workspace); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := removed
		mu.Unlock()
		if got == canon {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("workspace removal was not detected in time")
}
