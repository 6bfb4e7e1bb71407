package supervisor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// checkPeer rejects rendezvous connections from other users. The
// supervisor acts on behalf of whoever launched it; a different uid on
// the other end means the socket directory is misconfigured.
func checkPeer(fd int) error {
	cred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return fmt.Errorf("read peer credentials: %w", err)
	}
	if int(cred.Uid) != os.Getuid() {
		return fmt.Errorf("peer uid %d does not match supervisor uid %d", cred.Uid, os.Getuid())
	}
	return nil
}
