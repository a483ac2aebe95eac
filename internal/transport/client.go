package transport

import (
	"fmt"
	"io"
	"net"
	"sync"

	"a64fx-hwb/internal/hwb"
)

// Client is one device handle. Requests on a client are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the handle and everything allocated through it.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out, _ := req.MarshalBinary()
	if _, err := c.conn.Write(out); err != nil {
		return Response{}, fmt.Errorf("%s: send: %w", req.Op, err)
	}
	buf := make([]byte, ResponseSize)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return Response{}, fmt.Errorf("%s: receive: %w", req.Op, err)
	}
	var resp Response
	if err := resp.UnmarshalBinary(buf); err != nil {
		return Response{}, err
	}
	if err := resp.Err(); err != nil {
		return resp, fmt.Errorf("%s: %w", req.Op, err)
	}
	return resp, nil
}

// PeInfo returns the group and offset of core, which the calling thread tid
// must be pinned to.
func (c *Client) PeInfo(tid, core int) (int, int, error) {
	req := Request{Op: OpGetPeInfo}
	if err := req.encode(tid, core, 0, 0, 0); err != nil {
		return NoIdentity, NoIdentity, err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return NoIdentity, NoIdentity, err
	}
	return int(resp.Group), int(resp.Offset), nil
}

func (c *Client) AllocateBlade(tid, group int, cores []int) (int, error) {
	mask, err := CoresMask(cores)
	if err != nil {
		return -1, err
	}
	req := Request{Op: OpAllocateBlade, CoreMask: mask}
	if err := req.encode(tid, 0, group, 0, 0); err != nil {
		return -1, err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return -1, err
	}
	return int(resp.Blade), nil
}

// FreeBlade frees the blade, or releases core's share of it when tid is not
// the allocating thread.
func (c *Client) FreeBlade(tid, core, group, blade int) error {
	req := Request{Op: OpFreeBlade}
	if err := req.encode(tid, core, group, blade, 0); err != nil {
		return err
	}
	_, err := c.roundTrip(req)
	return err
}

// AssignWindow binds a window of core to blade. window may be
// hwb.AutoWindow.
func (c *Client) AssignWindow(tid, core, blade, window int) (int, error) {
	req := Request{Op: OpAssignWindow}
	if err := req.encode(tid, core, 0, blade, window); err != nil {
		return -1, err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return -1, err
	}
	return int(resp.Window), nil
}

func (c *Client) UnassignWindow(tid, core, blade, window int) error {
	req := Request{Op: OpUnassignWindow}
	if err := req.encode(tid, core, 0, blade, window); err != nil {
		return err
	}
	_, err := c.roundTrip(req)
	return err
}

func (c *Client) Reset() error {
	_, err := c.roundTrip(Request{Op: OpReset})
	return err
}

func (c *Client) HardwareInfo() (hwb.HardwareInfo, error) {
	resp, err := c.roundTrip(Request{Op: OpGetHardwareInfo})
	if err != nil {
		return hwb.HardwareInfo{}, err
	}
	return hwb.HardwareInfo{
		Groups:           int(resp.NumGroups),
		BladesPerGroup:   int(resp.BladesPerGroup),
		WindowsPerCore:   int(resp.WindowsPerCore),
		MaxCoresPerGroup: int(resp.MaxCoresPerGroup),
	}, nil
}

// encode fills the addressing fields of r, rejecting values that do not
// fit the wire layout.
func (r *Request) encode(tid, core, group, blade, window int) error {
	var err error
	if r.TID, err = encodeTID(tid); err != nil {
		return fmt.Errorf("%s: %w", r.Op, err)
	}
	if r.Core, err = encodeCore(core); err != nil {
		return fmt.Errorf("%s: %w", r.Op, err)
	}
	if r.Group, err = encodeU8("group", group); err != nil {
		return fmt.Errorf("%s: %w", r.Op, err)
	}
	if r.Blade, err = encodeU8("blade", blade); err != nil {
		return fmt.Errorf("%s: %w", r.Op, err)
	}
	if r.Window, err = encodeWindow(window); err != nil {
		return fmt.Errorf("%s: %w", r.Op, err)
	}
	return nil
}
