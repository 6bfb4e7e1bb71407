package supervisor

import (
	"context"
	"os"

	"golang.org/x/sys/unix"

	"enclaved/internal/enclave"
	"enclaved/internal/logging"
	"enclaved/pkg/protocol"
)

// EnclaveManager is the enclave lifecycle surface the dispatcher
// drives. The concrete implementation lives in internal/enclave.
type EnclaveManager interface {
	Run(ctx context.Context, args *enclave.RunArgs) error
	Describe(ctx context.Context) error
	Terminate(ctx context.Context) error
	ConsoleResources() (uint64, error)
	EnclaveID() string
}

// Supervisor owns one enclave: it dispatches commands arriving on any
// control endpoint until the enclave is gone or a shutdown signal
// arrives.
type Supervisor struct {
	socketDir string
	manager   EnclaveManager
	logger    *logging.Logger
	listener  *Listener

	// termination is non-nil while a termination worker is in flight;
	// closed by the worker just before it reports completion.
	termination chan struct{}

	fatalf func(format string, v ...any)
}

// New creates a supervisor for a not-yet-running enclave.
func New(socketDir string, manager EnclaveManager, logger *logging.Logger) *Supervisor {
	return &Supervisor{
		socketDir: socketDir,
		manager:   manager,
		logger:    logger,
		fatalf:    logger.Fatalf,
	}
}

// Run drives the dispatch loop. commFd is the bootstrap control
// channel inherited from the launching CLI; the Run command is
// expected to arrive on it first.
func (s *Supervisor) Run(ctx context.Context, commFd int) error {
	listener, err := NewListener(s.socketDir, s.logger)
	if err != nil {
		return err
	}
	s.listener = listener

	// The bridge must exist before anything else can block, or an
	// early signal would kill the process instead of draining it.
	if err := ConfigureSignalBridge(listener, s.logger); err != nil {
		listener.Stop()
		return err
	}
	if err := listener.HandleNewConnection(commFd); err != nil {
		listener.Stop()
		return err
	}

	for {
		conn, err := NextConnection(listener)
		if err != nil {
			listener.Stop()
			return err
		}

		cmd, err := protocol.ReadCommand(conn)
		if err != nil {
			s.logger.Printf("lost connection: %v", err)
			conn.Drop()
			continue
		}
		s.logger.Printf("received command: %v", cmd)

		stop := false
		switch cmd {
		case protocol.Run:
			s.handleRun(ctx, conn)

		case protocol.Terminate:
			s.startTermination(ctx, conn)

		case protocol.TerminateComplete:
			if s.termination == nil {
				s.logger.Printf("warning: termination confirmation with no termination in flight")
			} else {
				<-s.termination
				s.termination = nil
			}
			conn.Drop()
			stop = true

		case protocol.GetEnclaveCID:
			s.handleConsole(conn)

		case protocol.Describe:
			s.handleDescribe(ctx, conn)

		case protocol.ConnectionListenerStop:
			conn.Drop()
			stop = true
		}

		if stop {
			break
		}
	}

	s.logger.Printf("exited event loop")
	listener.Stop()
	return nil
}

func (s *Supervisor) handleRun(ctx context.Context, conn *Connection) {
	var args enclave.RunArgs
	if err := protocol.ReadArgs(conn, &args); err != nil {
		s.fatalf("read run arguments: %v", err)
		return
	}

	if err := RunWithRouting(conn.RawFd(), func() error {
		return s.manager.Run(ctx, &args)
	}); err != nil {
		s.fatalf("run enclave: %v", err)
		return
	}

	id := s.manager.EnclaveID()
	s.logger.Printf("enclave %s is running", id)
	s.logger.SetEnclaveID(logging.DeriveID(id))

	if err := s.listener.Start(id); err != nil {
		s.fatalf("start rendezvous listener: %v", err)
		return
	}

	// Dropping the bootstrap channel gives the launching CLI its EOF;
	// everything after this arrives through the rendezvous socket.
	conn.Drop()
}

func (s *Supervisor) startTermination(ctx context.Context, conn *Connection) {
	if s.termination != nil {
		s.logger.Printf("warning: termination already in flight, rejecting")
		conn.Drop()
		return
	}

	local, remote, err := socketPair()
	if err != nil {
		s.fatalf("create termination pipe: %v", err)
		return
	}
	if err := s.listener.AddStream(local); err != nil {
		s.fatalf("register termination pipe: %v", err)
		return
	}

	done := make(chan struct{})
	s.termination = done

	// The requester's descriptor is handed off to the worker: it is
	// pulled out of the wait set so a client hangup cannot make this
	// loop close it underneath the routing, and the worker closes it
	// when the teardown output is finished.
	connFd := conn.RawFd()
	conn.Release()

	// Completion comes back through the multiplexer as a
	// TerminateComplete on the pipe, which keeps this loop free to
	// serve Describe and GetEnclaveCID meanwhile.
	go func() {
		defer close(done)
		defer unix.Close(connFd)

		err := RunWithRouting(connFd, func() error {
			return s.manager.Terminate(ctx)
		})
		if err != nil {
			s.fatalf("terminate enclave: %v", err)
			return
		}

		pipe := os.NewFile(uintptr(remote), "termination")
		if err := protocol.WriteCommand(pipe, protocol.TerminateComplete); err != nil {
			s.fatalf("report termination completion: %v", err)
		}
		pipe.Close()
	}()
}

func (s *Supervisor) handleConsole(conn *Connection) {
	cid, err := s.manager.ConsoleResources()
	if err != nil {
		s.fatalf("resolve console resources: %v", err)
		return
	}
	if err := protocol.WriteUint64(conn, cid); err != nil {
		s.fatalf("send console CID: %v", err)
	}
}

func (s *Supervisor) handleDescribe(ctx context.Context, conn *Connection) {
	if err := protocol.WriteUint64(conn, protocol.ConfirmEnclave); err != nil {
		s.fatalf("send confirmation: %v", err)
		return
	}
	if err := RunWithRouting(conn.RawFd(), func() error {
		return s.manager.Describe(ctx)
	}); err != nil {
		s.fatalf("describe enclave: %v", err)
	}
}
