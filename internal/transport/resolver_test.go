package transport

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"a64fx-hwb/internal/registry"
)

func writeStatus(t *testing.T, root string, pid, tid, ppid int) {
	t.Helper()
	dir := filepath.Join(root, strconv.Itoa(pid), "task", strconv.Itoa(tid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	status := "Name:\tworker\nTgid:\t" + strconv.Itoa(pid) + "\nPid:\t" + strconv.Itoa(tid) + "\nPPid:\t" + strconv.Itoa(ppid) + "\n"
	if err := os.WriteFile(filepath.Join(dir, "status"), []byte(status), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestProcResolverTask(t *testing.T) {
	root := t.TempDir()
	writeStatus(t, root, 400, 400, 1)
	writeStatus(t, root, 400, 401, 1)
	r := &ProcResolver{Root: root}
	peer := Peer{PID: 400}

	task, err := r.Task(peer, 0)
	if err != nil {
		t.Fatalf("Task(0): %v", err)
	}
	if task != (registry.Task{PID: 400, TGID: 400, ParentPID: 1}) {
		t.Fatalf("process task = %+v", task)
	}
	task, err = r.Task(peer, 401)
	if err != nil {
		t.Fatalf("Task(401): %v", err)
	}
	if task != (registry.Task{PID: 401, TGID: 400, ParentPID: 1}) {
		t.Fatalf("thread task = %+v", task)
	}
	if _, err := r.Task(peer, 999); err == nil {
		t.Fatalf("foreign thread accepted")
	}
}

func TestReadParentPIDMissingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status")
	if err := os.WriteFile(path, []byte("Name:\tx\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readParentPID(path); err == nil {
		t.Fatalf("expected error for status without PPid")
	}
}
