package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// detachedEnv marks the re-executed copy of the binary that runs as
// the actual daemon.
const detachedEnv = "ENCLAVED_DETACHED"

// CommFd is the descriptor number the bootstrap control channel
// arrives on in the detached process.
const CommFd = 3

// Detached reports whether this process is the daemonized copy.
func Detached() bool {
	return os.Getenv(detachedEnv) != ""
}

// Detach re-executes the binary in its own session with the standard
// descriptors parked on /dev/null, passing the bootstrap control
// channel down as descriptor CommFd. The caller exits once this
// returns; only the detached copy keeps running. SIGHUP is ignored
// across the hand-off so losing the controlling terminal cannot kill
// the child before it calls setsid.
func Detach(commFd int) error {
	signal.Ignore(syscall.SIGHUP)
	defer signal.Reset(syscall.SIGHUP)

	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer null.Close()

	// Park our own descriptors too: from here on nothing this process
	// prints may leak onto the launching terminal.
	for _, fd := range []int{0, stdoutFd, stderrFd} {
		if err := unix.Dup2(int(null.Fd()), fd); err != nil {
			return fmt.Errorf("detach stdio: %w", err)
		}
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), detachedEnv+"=1")
	cmd.Stdin = null
	cmd.Stdout = null
	cmd.Stderr = null
	cmd.ExtraFiles = []*os.File{os.NewFile(uintptr(commFd), "comm")}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start detached supervisor: %w", err)
	}
	return nil
}

// AwaitOrphan blocks until the launching parent has exited and this
// process has been reparented to init.
func AwaitOrphan() {
	for os.Getppid() != 1 {
		time.Sleep(10 * time.Millisecond)
	}
}
