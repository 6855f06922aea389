//go:build !linux

package ws

import (
	"net"
	"sync"
)

// poller is the portable stand-in for the epoll poller on non-Linux hosts. Every
// connection is reported ready, then parked until the worker that read it
// calls Resume. The worker's read deadline bounds how long an idle
// connection holds a worker slot. No bytes are consumed outside the frame
// reader.
type poller struct {
	mu        sync.Mutex
	conns     map[net.Conn]chan struct{} // conn -> resume signal
	readyCh   chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func newPoller() (*poller, error) {
	return &poller{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and starts its readiness loop.
func (e *poller) Add(conn net.Conn) error {
	resume := make(chan struct{}, 1)
	e.mu.Lock()
	e.conns[conn] = resume
	e.mu.Unlock()

	go e.monitor(conn, resume)
	return nil
}

func (e *poller) monitor(conn net.Conn, resume chan struct{}) {
	for {
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Resume re-arms a connection after a worker finished reading it.
func (e *poller) Resume(conn net.Conn) {
	e.mu.Lock()
	resume, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case resume <- struct{}{}:
	default:
	}
}

// Remove unregisters a connection and stops its readiness loop.
func (e *poller) Remove(conn net.Conn) error {
	e.mu.Lock()
	resume, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(resume)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading and
// returns every connection ready at that moment.
func (e *poller) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every readiness loop.
func (e *poller) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

// socketFD is unused by the fallback.
func socketFD(net.Conn) int {
	return -1
}

func isEINTR(error) bool { return false }
