//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// poller reports which registered sockets have a frame (or a hangup) ready,
// so idle connections cost a map entry rather than a parked goroutine.
type poller struct {
	epfd int

	mu    sync.RWMutex
	byFD  map[int]net.Conn
	ready []unix.EpollEvent
}

const pollBatch = 256

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{
		epfd:  epfd,
		byFD:  make(map[int]net.Conn),
		ready: make([]unix.EpollEvent, pollBatch),
	}, nil
}

// Add watches conn for readability and peer hangup. Level-triggered: a
// socket with unread bytes keeps being reported.
func (p *poller) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	p.byFD[fd] = conn
	p.mu.Unlock()
	return nil
}

// Remove stops watching conn. Removing an unknown or already closed socket
// is not an error.
func (p *poller) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	p.mu.Lock()
	if fd < 0 {
		// Already closed: the kernel dropped it from the interest list.
		for k, c := range p.byFD {
			if c == conn {
				delete(p.byFD, k)
			}
		}
		p.mu.Unlock()
		return nil
	}
	_, known := p.byFD[fd]
	delete(p.byFD, fd)
	p.mu.Unlock()
	if !known {
		return nil
	}
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) {
		return nil
	}
	return err
}

// Wait blocks until at least one watched socket is ready. Sockets removed
// while the kernel was reporting them are dropped from the batch.
func (p *poller) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(p.epfd, p.ready, -1)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]net.Conn, 0, n)
	for _, ev := range p.ready[:n] {
		if conn, ok := p.byFD[int(ev.Fd)]; ok {
			out = append(out, conn)
		}
	}
	return out, nil
}

// Resume re-arms a socket after a worker read from it. Level-triggered
// epoll needs nothing here.
func (p *poller) Resume(net.Conn) {}

func (p *poller) Close() error {
	p.mu.Lock()
	p.byFD = map[int]net.Conn{}
	p.mu.Unlock()
	return unix.Close(p.epfd)
}

// socketFD reads the descriptor through SyscallConn, which unlike File()
// does not dup it. Returns -1 for connections without one (net.Pipe).
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(s uintptr) { fd = int(s) })
	return fd
}

func isEINTR(err error) bool { return errors.Is(err, unix.EINTR) }
