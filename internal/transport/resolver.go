package transport

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"a64fx-hwb/internal/percpu"
	"a64fx-hwb/internal/registry"
)

// Peer is the process on the other end of a connection.
type Peer struct {
	PID int
	UID int
	GID int
}

// Resolver turns connection credentials and thread ids into tasks.
type Resolver interface {
	// PeerOf returns the credentials of the connecting process.
	PeerOf(conn *net.UnixConn) (Peer, error)
	// Task resolves thread tid of peer. tid 0 names the process itself.
	Task(peer Peer, tid int) (registry.Task, error)
	// PinnedCore reports the only core thread tid may run on.
	PinnedCore(tid int) (int, error)
}

// ProcResolver resolves tasks through procfs.
type ProcResolver struct {
	Root string
}

func NewProcResolver() *ProcResolver {
	return &ProcResolver{Root: "/proc"}
}

func (r *ProcResolver) PeerOf(conn *net.UnixConn) (Peer, error) {
	return peerCredentials(conn)
}

func (r *ProcResolver) Task(peer Peer, tid int) (registry.Task, error) {
	if tid == 0 {
		tid = peer.PID
	}
	dir := filepath.Join(r.Root, strconv.Itoa(peer.PID), "task", strconv.Itoa(tid))
	if _, err := os.Stat(dir); err != nil {
		return registry.Task{}, fmt.Errorf("thread %d is not part of process %d: %w", tid, peer.PID, err)
	}
	ppid, err := readParentPID(filepath.Join(dir, "status"))
	if err != nil {
		return registry.Task{}, err
	}
	return registry.Task{PID: tid, TGID: peer.PID, ParentPID: ppid}, nil
}

func (r *ProcResolver) PinnedCore(tid int) (int, error) {
	return percpu.PinnedCore(tid)
}

func readParentPID(statusPath string) (int, error) {
	f, err := os.Open(statusPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "PPid:") {
			continue
		}
		ppid, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "PPid:")))
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", statusPath, err)
		}
		return ppid, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%s has no PPid line", statusPath)
}
