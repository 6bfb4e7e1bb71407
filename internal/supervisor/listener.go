// Package supervisor implements the enclaved control plane: the
// readiness multiplexer over every control endpoint, the detach
// sequence that turns the freshly started process into a daemon, the
// signal bridge, output routing, and the command dispatch loop.
package supervisor

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"enclaved/internal/enclave"
	"enclaved/internal/logging"
)

// Listener is the single edge-triggered multiplexer for every duplex
// endpoint the supervisor watches: the bootstrap CLI channel, accepted
// rendezvous connections, the signal bridge, and termination-worker
// completion pipes. One wait primitive serves them all so the
// dispatcher never needs more than one blocking call per iteration.
type Listener struct {
	epollFd int

	mu       sync.Mutex
	registry map[int]bool

	listenFd   int
	socketPath string
	socketDir  string

	logger *logging.Logger
	wg     sync.WaitGroup
}

// NewListener creates an empty multiplexer. Rendezvous sockets are
// created under socketDir once an enclave is running.
func NewListener(socketDir string, logger *logging.Logger) (*Listener, error) {
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &Listener{
		epollFd:   epollFd,
		registry:  make(map[int]bool),
		listenFd:  -1,
		socketDir: socketDir,
		logger:    logger,
	}, nil
}

// HandleNewConnection registers the bootstrap control channel from the
// launching CLI instance.
func (l *Listener) HandleNewConnection(fd int) error {
	return l.register(fd)
}

// AddStream registers any other duplex endpoint (signal-bridge pipe,
// termination completion pipe) in the same wait set.
func (l *Listener) AddStream(fd int) error {
	return l.register(fd)
}

func (l *Listener) register(fd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("epoll add fd %d: %w", fd, err)
	}

	l.mu.Lock()
	l.registry[fd] = true
	l.mu.Unlock()
	return nil
}

// Remove drops an endpoint from the wait set and closes it.
func (l *Listener) Remove(fd int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.registry[fd] {
		return
	}
	if err := unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		l.logger.Printf("warning: epoll del fd %d: %v", fd, err)
	}
	unix.Close(fd)
	delete(l.registry, fd)
}

// Release removes an endpoint from the wait set without closing it,
// handing ownership of the descriptor to the caller.
func (l *Listener) Release(fd int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.registry[fd] {
		return
	}
	if err := unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		l.logger.Printf("warning: epoll del fd %d: %v", fd, err)
	}
	delete(l.registry, fd)
}

// Start opens the rendezvous socket whose path is derived from the
// enclave identifier, so later CLI invocations addressing this enclave
// can attach, and begins accepting on it.
func (l *Listener) Start(enclaveID string) error {
	if err := os.MkdirAll(l.socketDir, 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	path := enclave.SocketPath(l.socketDir, enclaveID)
	os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("create rendezvous socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return fmt.Errorf("listen on %s: %w", path, err)
	}
	// Admission is also checked per peer; the mode keeps strangers out.
	if err := os.Chmod(path, 0o600); err != nil {
		l.logger.Printf("warning: could not chmod socket: %v", err)
	}

	l.listenFd = fd
	l.socketPath = path
	l.logger.Printf("listening on %s", path)

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		fd, _, err := unix.Accept(l.listenFd)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			// The listening socket was closed by Stop.
			return
		}
		if err := checkPeer(fd); err != nil {
			l.logger.Printf("rejected attach connection: %v", err)
			unix.Close(fd)
			continue
		}
		if err := l.register(fd); err != nil {
			l.logger.Printf("warning: could not register attach connection: %v", err)
			unix.Close(fd)
		}
	}
}

// EpollFd exposes the readiness-notification handle a Connection
// blocks on.
func (l *Listener) EpollFd() int {
	return l.epollFd
}

// Stop unregisters everything and removes the rendezvous socket path.
func (l *Listener) Stop() {
	if l.listenFd >= 0 {
		// Closing alone does not wake a thread parked in accept;
		// shutting the listening socket down does.
		unix.Shutdown(l.listenFd, unix.SHUT_RDWR)
	}
	l.wg.Wait()
	if l.listenFd >= 0 {
		unix.Close(l.listenFd)
		l.listenFd = -1
	}

	if l.socketPath != "" {
		os.Remove(l.socketPath)
		l.socketPath = ""
	}

	l.mu.Lock()
	for fd := range l.registry {
		unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_DEL, fd, nil)
		unix.Close(fd)
		delete(l.registry, fd)
	}
	l.mu.Unlock()

	unix.Close(l.epollFd)
}

func (l *Listener) endpointCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.registry)
}
