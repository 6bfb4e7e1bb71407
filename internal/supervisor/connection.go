package supervisor

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Connection is one ready control endpoint handed out by the
// multiplexer. It satisfies io.ReadWriter so the protocol helpers can
// frame commands over it directly.
type Connection struct {
	fd       int
	listener *Listener
}

// NextConnection blocks until any registered endpoint becomes readable
// and returns it. Interrupted waits are retried.
func NextConnection(l *Listener) (*Connection, error) {
	events := make([]unix.EpollEvent, 1)
	for {
		n, err := unix.EpollWait(l.EpollFd(), events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("epoll wait: %w", err)
		}
		if n == 0 {
			continue
		}
		return &Connection{fd: int(events[0].Fd), listener: l}, nil
	}
}

func (c *Connection) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *Connection) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(c.fd, p[written:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return written, err
		}
		written += n
	}
	return written, nil
}

// RawFd exposes the descriptor for output routing.
func (c *Connection) RawFd() int {
	return c.fd
}

// Drop removes the endpoint from the wait set and closes it.
func (c *Connection) Drop() {
	c.listener.Remove(c.fd)
}

// Release unregisters the endpoint without closing it. The caller
// takes over the descriptor and must close it when done.
func (c *Connection) Release() {
	c.listener.Release(c.fd)
}
