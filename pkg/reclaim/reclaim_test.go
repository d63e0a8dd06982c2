package reclaim

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"
)

type fakeProcesses struct {
	pids       []int
	findErr    error
	terminated []int
}

func (f *fakeProcesses) Find(pattern string) ([]int, error) { return f.pids, f.findErr }

func (f *fakeProcesses) Terminate(pid int) error {
	f.terminated = append(f.terminated, pid)
	return nil
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func TestRemovesStaleMarkers(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, LockName)
	nested := filepath.Join(root, "session-main", "SingletonCookie")
	other := filepath.Join(root, "session-main", "keep.db")
	touch(t, stale)
	touch(t, nested)
	touch(t, other)
	link := filepath.Join(root, "SingletonLock")
	if err := os.Symlink("host-12345", link); err != nil {
		t.Fatal(err)
	}

	rep := New(Options{Dirs: []string{root}, Processes: &fakeProcesses{}}).Run()

	for _, p := range []string{stale, nested, link} {
		if exists(p) {
			t.Errorf("%s still exists", p)
		}
	}
	if !exists(other) {
		t.Error("non-marker file was removed")
	}
	if len(rep.Removed) != 3 || len(rep.Errors) != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestKeepsHeldLock(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, LockName)
	held := flock.New(path)
	ok, err := held.TryLock()
	if err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v", ok, err)
	}
	defer held.Unlock()

	rep := New(Options{Dirs: []string{root}, Processes: &fakeProcesses{}}).Run()

	if !exists(path) {
		t.Fatal("held lock was removed")
	}
	if len(rep.Held) != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestRespectsDepth(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c", LockName)
	touch(t, deep)

	New(Options{Dirs: []string{root}, MaxDepth: 2, Processes: &fakeProcesses{}}).Run()

	if !exists(deep) {
		t.Fatal("marker below MaxDepth was removed")
	}
}

func TestMissingDirIsNotAnError(t *testing.T) {
	rep := New(Options{Dirs: []string{filepath.Join(t.TempDir(), "missing")}, Processes: &fakeProcesses{}}).Run()
	if len(rep.Errors) != 0 {
		t.Fatalf("errors = %v", rep.Errors)
	}
}

func TestTerminatesOrphansButNotSelf(t *testing.T) {
	procs := &fakeProcesses{pids: []int{os.Getpid(), 424242, 424243}}
	rep := New(Options{ProcessPattern: "wabridge-host", Processes: procs}).Run()

	if len(procs.terminated) != 2 || procs.terminated[0] != 424242 {
		t.Fatalf("terminated = %v", procs.terminated)
	}
	if len(rep.Terminated) != 2 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestProcessErrorsAreSwallowed(t *testing.T) {
	procs := &fakeProcesses{findErr: errors.New("pgrep failed")}
	r := New(Options{ProcessPattern: "x", Processes: procs})

	r.Reclaim()
	if rep := r.Run(); len(rep.Errors) != 1 {
		t.Fatalf("errors = %v", rep.Errors)
	}
}

func TestNoPatternSkipsProcessScan(t *testing.T) {
	procs := &fakeProcesses{pids: []int{424242}}
	New(Options{Processes: procs}).Run()
	if len(procs.terminated) != 0 {
		t.Fatal("processes terminated without a pattern")
	}
}
