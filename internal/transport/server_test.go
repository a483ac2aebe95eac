package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"a64fx-hwb/internal/hwb"
	"a64fx-hwb/internal/hwreg"
	"a64fx-hwb/internal/percpu"
	"a64fx-hwb/internal/registry"
	"a64fx-hwb/internal/topology"

	"github.com/sirupsen/logrus"
)

// fakeResolver hands out peers in connection order and knows a fixed set of
// threads and their pinning.
type fakeResolver struct {
	peers chan Peer

	mu      sync.Mutex
	threads map[int]int // tid -> tgid
	parents map[int]int // tid -> parent pid
	pinned  map[int]int // tid -> core
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		peers:   make(chan Peer, 8),
		threads: make(map[int]int),
		parents: make(map[int]int),
		pinned:  make(map[int]int),
	}
}

func (r *fakeResolver) addThread(tid, tgid, core int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads[tid] = tgid
	r.pinned[tid] = core
}

func (r *fakeResolver) PeerOf(*net.UnixConn) (Peer, error) {
	select {
	case p := <-r.peers:
		return p, nil
	default:
		return Peer{}, errors.New("unexpected connection")
	}
}

func (r *fakeResolver) Task(peer Peer, tid int) (registry.Task, error) {
	if tid == 0 {
		tid = peer.PID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if tid != peer.PID && r.threads[tid] != peer.PID {
		return registry.Task{}, fmt.Errorf("thread %d not in process %d", tid, peer.PID)
	}
	return registry.Task{PID: tid, TGID: peer.PID, ParentPID: r.parents[tid]}, nil
}

func (r *fakeResolver) PinnedCore(tid int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	core, ok := r.pinned[tid]
	if !ok {
		return -1, fmt.Errorf("thread %d is not pinned", tid)
	}
	return core, nil
}

type serverFixture struct {
	mgr      *hwb.Manager
	sim      *hwreg.Simulated
	resolver *fakeResolver
	path     string
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	cores := make([]int, 26)
	for i := range cores {
		cores[i] = i
	}
	sim := hwreg.NewSimulated(hwreg.LinearLayout(cores, 0, 13, 6, 4, nil))
	exec, err := percpu.New(cores, percpu.Options{Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(exec.Close)
	table, err := topology.Build(exec, sim, 2, 13, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := hwb.NewManager(exec, sim, table, hwb.Options{BladesPerGroup: 6, WindowsPerCore: 4, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}

	resolver := newFakeResolver()
	path := filepath.Join(t.TempDir(), "hwb.sock")
	srv, err := Listen(path, 0o600, mgr, resolver, quietLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return &serverFixture{mgr: mgr, sim: sim, resolver: resolver, path: path}
}

// connect dials as process pid and waits until the server has accepted the
// handle.
func (f *serverFixture) connect(t *testing.T, peer Peer) *Client {
	t.Helper()
	f.resolver.peers <- peer
	c, err := Dial(f.path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	if _, err := c.HardwareInfo(); err != nil {
		t.Fatalf("HardwareInfo: %v", err)
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerRequestFlow(t *testing.T) {
	f := newServerFixture(t)
	f.resolver.addThread(100, 100, 0)
	f.resolver.addThread(101, 100, 1)
	c := f.connect(t, Peer{PID: 100, UID: 1000})

	info, err := c.HardwareInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info != (hwb.HardwareInfo{Groups: 2, BladesPerGroup: 6, WindowsPerCore: 4, MaxCoresPerGroup: 13}) {
		t.Fatalf("HardwareInfo = %+v", info)
	}

	group, offset, err := c.PeInfo(101, 1)
	if err != nil || group != 0 || offset != 1 {
		t.Fatalf("PeInfo = %d, %d, %v", group, offset, err)
	}
	if g, o, err := c.PeInfo(101, 5); !errors.Is(err, hwb.ErrPermissionDenied) || g != NoIdentity || o != NoIdentity {
		t.Fatalf("PeInfo on a foreign core = %d, %d, %v", g, o, err)
	}

	blade, err := c.AllocateBlade(100, 0, []int{0, 1})
	if err != nil || blade != 0 {
		t.Fatalf("AllocateBlade = %d, %v", blade, err)
	}
	if _, err := c.AllocateBlade(100, 0, []int{0, 13}); !errors.Is(err, hwb.ErrInvalidTopology) {
		t.Fatalf("cross group allocation: got %v", err)
	}

	for _, tid := range []int{100, 101} {
		w, err := c.AssignWindow(tid, tid-100, blade, hwb.AutoWindow)
		if err != nil || w != 0 {
			t.Fatalf("AssignWindow(tid %d) = %d, %v", tid, w, err)
		}
	}
	if st, _ := f.sim.ReadWindow(1, 0); !st.Valid || st.Blade != blade {
		t.Fatalf("window register = %+v", st)
	}
	if err := c.UnassignWindow(101, 1, blade, 0); err != nil {
		t.Fatalf("UnassignWindow: %v", err)
	}
	if err := c.UnassignWindow(101, 1, blade, 0); !errors.Is(err, hwb.ErrNotFound) {
		t.Fatalf("second UnassignWindow: got %v", err)
	}

	if err := c.FreeBlade(100, 0, 0, blade); err != nil {
		t.Fatalf("FreeBlade: %v", err)
	}
	if n := len(f.mgr.State().Allocations); n != 0 {
		t.Fatalf("%d allocations left", n)
	}
}

func TestServerRejectsForeignThreadAndUnknownOp(t *testing.T) {
	f := newServerFixture(t)
	f.resolver.addThread(200, 200, 0)
	f.resolver.addThread(300, 300, 1)
	c := f.connect(t, Peer{PID: 200, UID: 1000})

	if _, err := c.AllocateBlade(300, 0, []int{0, 1}); !errors.Is(err, hwb.ErrPermissionDenied) {
		t.Fatalf("foreign thread: got %v", err)
	}
	if _, err := c.roundTrip(Request{Op: 42}); !errors.Is(err, hwb.ErrInvalidArgument) {
		t.Fatalf("unknown op: got %v", err)
	}
	// The connection survives failed requests.
	if _, err := c.AllocateBlade(200, 0, []int{0, 1}); err != nil {
		t.Fatalf("AllocateBlade: %v", err)
	}
}

func TestServerCloseReclaims(t *testing.T) {
	f := newServerFixture(t)
	f.resolver.addThread(500, 500, 0)
	f.resolver.addThread(501, 500, 2)
	c := f.connect(t, Peer{PID: 500, UID: 1000})

	// One blade allocated by the process, one by a worker thread.
	if _, err := c.AllocateBlade(500, 0, []int{0, 1}); err != nil {
		t.Fatal(err)
	}
	blade, err := c.AllocateBlade(501, 0, []int{2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.AssignWindow(501, 2, blade, hwb.AutoWindow); err != nil {
		t.Fatal(err)
	}
	if f.mgr.ActiveHandles() != 1 {
		t.Fatalf("handles = %d", f.mgr.ActiveHandles())
	}

	c.Close()
	waitFor(t, "handle release", func() bool {
		return len(f.mgr.State().Allocations) == 0 && f.mgr.ActiveHandles() == 0
	})
	if st, _ := f.sim.ReadWindow(2, 0); st.Valid {
		t.Fatalf("window of closed handle still programmed")
	}
	if err := f.mgr.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestServerResetNeedsAdmin(t *testing.T) {
	f := newServerFixture(t)
	f.resolver.addThread(600, 600, 0)
	f.resolver.addThread(700, 700, 0)
	user := f.connect(t, Peer{PID: 600, UID: os.Geteuid() + 1})
	if _, err := user.AllocateBlade(600, 0, []int{0, 1}); err != nil {
		t.Fatal(err)
	}
	if err := user.Reset(); !errors.Is(err, hwb.ErrPermissionDenied) {
		t.Fatalf("unprivileged reset: got %v", err)
	}

	admin := f.connect(t, Peer{PID: 700, UID: os.Geteuid()})
	if err := admin.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if n := len(f.mgr.State().Allocations); n != 0 {
		t.Fatalf("%d allocations survived reset", n)
	}
}
