package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"a64fx-hwb/internal/hwb"
	"a64fx-hwb/internal/hwreg"
	"a64fx-hwb/internal/registry"

	"github.com/sirupsen/logrus"
)

// Manager is the part of hwb.Manager the server drives.
type Manager interface {
	Open(task registry.Task)
	Close(task registry.Task)
	Exit(task registry.Task)
	GetPeInfo(core int) (hwreg.Identity, error)
	AllocateBlade(task registry.Task, group int, cores []int) (int, error)
	FreeBlade(task registry.Task, core, group, blade int) error
	AssignWindow(task registry.Task, core, blade, window int) (int, error)
	UnassignWindow(task registry.Task, core, blade, window int) error
	Reset() error
	HardwareInfo() hwb.HardwareInfo
}

// Server accepts handle connections on a Unix socket.
type Server struct {
	ln       *net.UnixListener
	path     string
	mgr      Manager
	resolver Resolver
	logger   logrus.FieldLogger
	adminUID int

	mu     sync.Mutex
	conns  map[*net.UnixConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Listen creates the socket at path. A stale socket file left by a previous
// run is removed first.
func Listen(path string, mode os.FileMode, mgr Manager, resolver Resolver, logger logrus.FieldLogger) (*Server, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if mode != 0 {
		if err := os.Chmod(path, mode); err != nil {
			ln.Close()
			return nil, fmt.Errorf("chmod %s: %w", path, err)
		}
	}
	return &Server{
		ln:       ln,
		path:     path,
		mgr:      mgr,
		resolver: resolver,
		logger:   logger,
		adminUID: os.Geteuid(),
		conns:    make(map[*net.UnixConn]struct{}),
	}, nil
}

// Addr is the socket path.
func (s *Server) Addr() string {
	return s.path
}

// Serve accepts connections until ctx is cancelled or Close is called. It
// waits for all connections to finish before returning.
func (s *Server) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	s.logger.WithField("socket", s.path).Info("Accepting barrier clients")
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// Close stops accepting and disconnects every client. Their handles are
// closed as if the clients had exited.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	return s.ln.Close()
}

func (s *Server) handle(conn *net.UnixConn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	peer, err := s.resolver.PeerOf(conn)
	if err != nil {
		s.logger.WithError(err).Warn("Rejecting connection without peer credentials")
		return
	}
	handle, err := s.resolver.Task(peer, 0)
	if err != nil {
		s.logger.WithField("pid", peer.PID).WithError(err).Warn("Rejecting connection from unknown process")
		return
	}
	log := s.logger.WithFields(logrus.Fields{"pid": peer.PID, "uid": peer.UID})

	s.mgr.Open(handle)
	seen := map[registry.Task]struct{}{}
	defer func() {
		// Threads that acted on this handle go away with it.
		for task := range seen {
			if task != handle {
				s.mgr.Exit(task)
			}
		}
		s.mgr.Close(handle)
		log.Debug("Handle closed")
	}()
	log.Debug("Handle opened")

	buf := make([]byte, RequestSize)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.WithError(err).Debug("Connection read failed")
			}
			return
		}
		var req Request
		if err := req.UnmarshalBinary(buf); err != nil {
			log.WithError(err).Warn("Malformed request")
			return
		}

		resp, task, err := s.dispatch(peer, req)
		if task.PID != 0 {
			seen[task] = struct{}{}
		}
		resp.Status = hwb.KindOf(err)
		if err != nil {
			log.WithFields(logrus.Fields{
				"op":     req.Op.String(),
				"tid":    req.TID,
				"status": resp.Status.String(),
			}).WithError(err).Debug("Request failed")
		}

		out, _ := resp.MarshalBinary()
		if _, err := conn.Write(out); err != nil {
			log.WithError(err).Debug("Connection write failed")
			return
		}
	}
}

func (s *Server) dispatch(peer Peer, req Request) (Response, registry.Task, error) {
	var resp Response
	task, err := s.resolver.Task(peer, int(req.TID))
	if err != nil {
		return resp, registry.Task{}, fmt.Errorf("%v: %w", err, hwb.ErrPermissionDenied)
	}

	switch req.Op {
	case OpGetPeInfo:
		resp.Group, resp.Offset = NoIdentity, NoIdentity
		core, err := s.boundCore(task, int(req.Core))
		if err != nil {
			return resp, task, err
		}
		id, err := s.mgr.GetPeInfo(core)
		if err != nil {
			return resp, task, err
		}
		resp.Group, resp.Offset = uint8(id.Group), uint8(id.Offset)
		return resp, task, nil

	case OpAllocateBlade:
		blade, err := s.mgr.AllocateBlade(task, int(req.Group), MaskCores(req.CoreMask))
		if err != nil {
			return resp, task, err
		}
		resp.Group, resp.Blade = req.Group, uint8(blade)
		return resp, task, nil

	case OpFreeBlade:
		// Only a sibling release needs the calling core; an owner may free
		// from anywhere.
		core, err := s.boundCore(task, int(req.Core))
		if err != nil {
			core = -1
		}
		resp.Group, resp.Blade = req.Group, req.Blade
		return resp, task, s.mgr.FreeBlade(task, core, int(req.Group), int(req.Blade))

	case OpAssignWindow:
		core, err := s.boundCore(task, int(req.Core))
		if err != nil {
			return resp, task, err
		}
		window, err := s.mgr.AssignWindow(task, core, int(req.Blade), wireWindow(req.Window))
		if err != nil {
			return resp, task, err
		}
		resp.Blade, resp.Window = req.Blade, uint8(window)
		return resp, task, nil

	case OpUnassignWindow:
		core, err := s.boundCore(task, int(req.Core))
		if err != nil {
			return resp, task, err
		}
		resp.Blade, resp.Window = req.Blade, req.Window
		return resp, task, s.mgr.UnassignWindow(task, core, int(req.Blade), wireWindow(req.Window))

	case OpReset:
		if peer.UID != 0 && peer.UID != s.adminUID {
			return resp, task, fmt.Errorf("reset by uid %d: %w", peer.UID, hwb.ErrPermissionDenied)
		}
		s.logger.WithFields(logrus.Fields{"pid": peer.PID, "uid": peer.UID}).Warn("Reset requested")
		return resp, task, s.mgr.Reset()

	case OpGetHardwareInfo:
		info := s.mgr.HardwareInfo()
		resp.NumGroups = uint8(info.Groups)
		resp.BladesPerGroup = uint8(info.BladesPerGroup)
		resp.WindowsPerCore = uint8(info.WindowsPerCore)
		resp.MaxCoresPerGroup = uint8(info.MaxCoresPerGroup)
		return resp, task, nil

	default:
		return resp, task, fmt.Errorf("unknown %s: %w", req.Op, hwb.ErrInvalidArgument)
	}
}

// boundCore checks that the thread is pinned to exactly the core it names.
func (s *Server) boundCore(task registry.Task, core int) (int, error) {
	pinned, err := s.resolver.PinnedCore(task.PID)
	if err != nil {
		return -1, fmt.Errorf("thread %d: %v: %w", task.PID, err, hwb.ErrPermissionDenied)
	}
	if pinned != core {
		return -1, fmt.Errorf("thread %d runs on core %d, not %d: %w", task.PID, pinned, core, hwb.ErrPermissionDenied)
	}
	return core, nil
}

func wireWindow(w uint8) int {
	if w == WindowAuto {
		return hwb.AutoWindow
	}
	return int(w)
}
