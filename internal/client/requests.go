package client

import (
	"context"
	"fmt"
	"time"

	"github.com/chronologos/craftlink/internal/metrics"
	"github.com/chronologos/craftlink/internal/protocol"
)

// RequestError is an explicit failure reported by the emulator.
type RequestError struct {
	Op      protocol.FileRequestType
	Path    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Message)
}

// Reply is the answer to a filesystem request: a FileResponse, or FileData
// for a read-open.
type Reply struct {
	Response *protocol.FileResponse
	Data     *protocol.FileData
}

type outcome struct {
	reply Reply
	err   error
}

type pendingRequest struct {
	req      *protocol.FileRequest
	deadline time.Time
	result   chan outcome // buffered; written once
}

// requestTable maps request IDs to their waiters and keeps one timer armed
// for the earliest deadline.
type requestTable struct {
	pending map[uint8]*pendingRequest
	nextID  uint8
	t       *time.Timer
	armed   bool
}

func newRequestTable() requestTable {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return requestTable{pending: make(map[uint8]*pendingRequest), t: t}
}

// allocate returns the next free ID in cyclic order.
func (r *requestTable) allocate() (uint8, bool) {
	for range 256 {
		id := r.nextID
		r.nextID++
		if _, busy := r.pending[id]; !busy {
			return id, true
		}
	}
	return 0, false
}

func (r *requestTable) timer() <-chan time.Time {
	if !r.armed {
		return nil
	}
	return r.t.C
}

// rearm points the timer at the earliest outstanding deadline.
func (r *requestTable) rearm(now time.Time) {
	var earliest time.Time
	for _, p := range r.pending {
		if earliest.IsZero() || p.deadline.Before(earliest) {
			earliest = p.deadline
		}
	}
	if earliest.IsZero() {
		r.t.Stop()
		r.armed = false
		return
	}
	r.t.Reset(max(earliest.Sub(now), 0))
	r.armed = true
}

func (r *requestTable) stop() {
	r.t.Stop()
	r.armed = false
}

// settle removes id and delivers its outcome. It reports false for an
// unknown ID.
func (r *requestTable) settle(id uint8, o outcome) bool {
	p, ok := r.pending[id]
	if !ok {
		return false
	}
	delete(r.pending, id)
	p.result <- o
	r.rearm(time.Now())
	return true
}

// SendFileRequest sends req under a fresh request ID and waits for the
// emulator's answer. For a write-open, data follows in a FileData packet.
// It fails with ErrTimeout if no answer arrives within the request
// timeout, and with a *RequestError if the emulator reports failure.
// Cancelling ctx abandons the request and frees its ID.
func (c *Connection) SendFileRequest(ctx context.Context, req *protocol.FileRequest, data []byte) (Reply, error) {
	var (
		p   *pendingRequest
		err error
	)
	if cerr := c.call(func() { p, err = c.startRequest(req, data) }); cerr != nil {
		return Reply{}, cerr
	}
	if err != nil {
		return Reply{}, err
	}

	select {
	case o := <-p.result:
		return o.reply, o.err
	case <-ctx.Done():
		c.call(func() { c.abandon(p) })
		return Reply{}, ctx.Err()
	case <-c.done:
	}

	// The connection is gone; the request still runs out its deadline.
	select {
	case o := <-p.result:
		return o.reply, o.err
	default:
	}
	t := time.NewTimer(time.Until(p.deadline))
	defer t.Stop()
	select {
	case <-t.C:
		c.metrics.RequestDone(metrics.OutcomeTimeout)
		return Reply{}, ErrTimeout
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

func (c *Connection) startRequest(req *protocol.FileRequest, data []byte) (*pendingRequest, error) {
	if c.gotVersion && !c.filesystem {
		return nil, ErrNoFilesystem
	}
	id, ok := c.requests.allocate()
	if !ok {
		return nil, ErrTooManyRequests
	}

	r := *req
	r.ID = id
	if err := c.send(&r); err != nil {
		return nil, err
	}
	if r.Kind == protocol.FileOpen && r.Write {
		fd := &protocol.FileData{Header: r.Header, ID: id, Data: data}
		if err := c.send(fd); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	p := &pendingRequest{req: &r, deadline: now.Add(c.timeout), result: make(chan outcome, 1)}
	c.requests.pending[id] = p
	c.requests.rearm(now)
	c.log.Debug("file request sent", "id", id, "op", r.Kind, "path", r.Path)
	return p, nil
}

func (c *Connection) abandon(p *pendingRequest) {
	if c.requests.pending[p.req.ID] == p {
		delete(c.requests.pending, p.req.ID)
		c.requests.rearm(time.Now())
	}
}

func (c *Connection) expireRequests(now time.Time) {
	c.requests.armed = false
	for id, p := range c.requests.pending {
		if now.Before(p.deadline) {
			continue
		}
		c.log.Debug("file request timed out", "id", id, "op", p.req.Kind, "path", p.req.Path)
		delete(c.requests.pending, id)
		p.result <- outcome{err: ErrTimeout}
		c.metrics.RequestDone(metrics.OutcomeTimeout)
	}
	c.requests.rearm(now)
}

func (c *Connection) handleFileResponse(m *protocol.FileResponse) {
	p, ok := c.requests.pending[m.ID]
	if !ok {
		c.stray(m.ID)
		return
	}
	o := outcome{reply: Reply{Response: m}}
	if m.Failed {
		msg := m.Message
		if msg == "" {
			msg = "Operation failed"
		}
		o = outcome{err: &RequestError{Op: p.req.Kind, Path: p.req.Path, Message: msg}}
	}
	c.finish(m.ID, o)
}

func (c *Connection) handleFileData(m *protocol.FileData) {
	p, ok := c.requests.pending[m.ID]
	if !ok {
		c.stray(m.ID)
		return
	}
	o := outcome{reply: Reply{Data: m}}
	if m.Failed {
		o = outcome{err: &RequestError{Op: p.req.Kind, Path: p.req.Path, Message: string(m.Data)}}
	}
	c.finish(m.ID, o)
}

func (c *Connection) finish(id uint8, o outcome) {
	c.requests.settle(id, o)
	if o.err != nil {
		c.metrics.RequestDone(metrics.OutcomeFailed)
	} else {
		c.metrics.RequestDone(metrics.OutcomeOK)
	}
}

func (c *Connection) stray(id uint8) {
	c.log.Debug("stray response, ignoring", "id", id)
	c.metrics.StrayResponse()
}
