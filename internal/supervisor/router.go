package supervisor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	stdoutFd = 1
	stderrFd = 2
)

// RouteOutputTo points the process-wide stdout and stderr at fd and
// returns a duplicate of the previous stdout for restoring later. The
// supervisor's own descriptors are parked on /dev/null after detach,
// so while an operation runs, anything printed lands on the
// requester's connection instead.
func RouteOutputTo(fd int) (previous int, err error) {
	previous, err = unix.Dup(stdoutFd)
	if err != nil {
		return -1, fmt.Errorf("save stdout: %w", err)
	}
	if err := unix.Dup2(fd, stdoutFd); err != nil {
		unix.Close(previous)
		return -1, fmt.Errorf("route stdout: %w", err)
	}
	if err := unix.Dup2(fd, stderrFd); err != nil {
		unix.Dup2(previous, stdoutFd)
		unix.Close(previous)
		return -1, fmt.Errorf("route stderr: %w", err)
	}
	return previous, nil
}

// RunWithRouting runs op with stdout and stderr routed to connFd and
// restores them afterwards. Routing is process-wide: an operation on
// another goroutine that prints concurrently writes to whichever
// connection currently holds the descriptors.
func RunWithRouting(connFd int, op func() error) error {
	previous, err := RouteOutputTo(connFd)
	if err != nil {
		return err
	}
	defer func() {
		unix.Dup2(previous, stdoutFd)
		unix.Dup2(previous, stderrFd)
		unix.Close(previous)
	}()
	return op()
}
