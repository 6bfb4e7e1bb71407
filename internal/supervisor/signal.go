package supervisor

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"enclaved/internal/logging"
	"enclaved/pkg/protocol"
)

// socketPair returns a connected stream pair used to bridge
// out-of-band events into the multiplexer.
func socketPair() (local, remote int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

// ConfigureSignalBridge turns termination signals into a
// ConnectionListenerStop command injected through the multiplexer, so
// the dispatcher sees signals as just another endpoint becoming ready.
func ConfigureSignalBridge(l *Listener, logger *logging.Logger) error {
	local, remote, err := socketPair()
	if err != nil {
		return err
	}
	if err := l.AddStream(local); err != nil {
		unix.Close(local)
		unix.Close(remote)
		return err
	}

	// Routed output may land on a connection whose peer already hung
	// up; a broken pipe must surface as EPIPE, not kill the process.
	signal.Ignore(syscall.SIGPIPE)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	go func() {
		sig := <-ch
		logger.Printf("received signal %v, shutting down", sig)
		bridge := os.NewFile(uintptr(remote), "signal-bridge")
		if err := protocol.WriteCommand(bridge, protocol.ConnectionListenerStop); err != nil {
			logger.Printf("warning: could not forward signal: %v", err)
		}
		bridge.Close()
	}()

	return nil
}
