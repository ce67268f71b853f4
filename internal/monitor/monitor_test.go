package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/knifezred/123strm/internal/config"
	"github.com/knifezred/123strm/internal/manifest"
	"github.com/knifezred/123strm/internal/pan"
)

type recordingTrasher struct {
	calls chan []int64
}

func (r *recordingTrasher) Trash(_ context.Context, _ pan.Credentials, fileIDs []int64) error {
	r.calls <- fileIDs
	return nil
}

func setup(t *testing.T, watchDelete bool) (*Monitor, *recordingTrasher, string, *manifest.Store) {
	t.Helper()
	dir := t.TempDir()
	target := t.TempDir()
	cfg := fmt.Sprintf(`client_id: cid
client_secret: sec
root_folder_id: "100"
target_dir: %s
watch_delete: %v
job_list:
  - id: job1
`, target, watchDelete)
	if err := os.WriteFile(filepath.Join(dir, "config.yml"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	mgr, err := config.NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	trasher := &recordingTrasher{calls: make(chan []int64, 1)}
	store := manifest.NewStore(dir)
	return New(trasher, mgr, store), trasher, target, store
}

func TestDeletedStrmIsTrashedRemotely(t *testing.T) {
	m, trasher, target, store := setup(t, true)

	strm := filepath.Join(target, "ep1.strm")
	if err := os.WriteFile(strm, []byte("url"), 0o644); err != nil {
		t.Fatal(err)
	}
	mf := manifest.New()
	mf.Add(strm, 42)
	if err := store.Save("job1", mf); err != nil {
		t.Fatal(err)
	}

	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	if err := os.Remove(strm); err != nil {
		t.Fatal(err)
	}

	select {
	case ids := <-trasher.calls:
		if len(ids) != 1 || ids[0] != 42 {
			t.Fatalf("trashed ids = %v, want [42]", ids)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("remote trash was never requested")
	}
}

func TestUnmanifestedDeleteIsIgnored(t *testing.T) {
	m, trasher, target, _ := setup(t, true)

	strm := filepath.Join(target, "stray.strm")
	if err := os.WriteFile(strm, []byte("url"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	if err := os.Remove(strm); err != nil {
		t.Fatal(err)
	}

	select {
	case ids := <-trasher.calls:
		t.Fatalf("unexpected trash call: %v", ids)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestStartDisabledIsNoOp(t *testing.T) {
	m, _, _, _ := setup(t, false)
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.Stop()
}
