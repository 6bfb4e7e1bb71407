// Package protocol defines the framed command protocol spoken between
// enclavectl clients and the enclaved supervisor over Unix domain
// sockets.
//
// A message is a fixed-width little-endian command tag, optionally
// followed by a little-endian 8-byte length prefix and that many bytes
// of CBOR-encoded arguments. Numeric replies (the enclave CID, the
// describe confirmation) are bare little-endian 8-byte integers.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Command identifies a protocol verb. Commands carry no payload
// themselves; arguments, when present, follow as a framed block.
type Command uint32

const (
	// Run launches the enclave. Followed by a run-arguments payload.
	Run Command = iota
	// Terminate starts asynchronous enclave termination.
	Terminate
	// TerminateComplete is sent by the termination worker to notify
	// the event loop that termination has finished.
	TerminateComplete
	// GetEnclaveCID queries the enclave's console CID. The reply is a
	// little-endian 8-byte integer.
	GetEnclaveCID
	// Describe streams the enclave description back to the client.
	Describe
	// ConnectionListenerStop shuts the supervisor down.
	ConnectionListenerStop
)

// ConfirmEnclave is written before a Describe streams its output, so
// the client knows a long-running routed operation is about to follow.
const ConfirmEnclave uint64 = 0xEEC2

// maxArgsSize bounds the length prefix of an argument payload.
const maxArgsSize = 10 * 1024 * 1024

func (c Command) String() string {
	switch c {
	case Run:
		return "Run"
	case Terminate:
		return "Terminate"
	case TerminateComplete:
		return "TerminateComplete"
	case GetEnclaveCID:
		return "GetEnclaveCID"
	case Describe:
		return "Describe"
	case ConnectionListenerStop:
		return "ConnectionListenerStop"
	}
	return fmt.Sprintf("Command(%d)", uint32(c))
}

// WriteCommand serializes a command tag onto the stream.
func WriteCommand(w io.Writer, cmd Command) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(cmd)); err != nil {
		return fmt.Errorf("write command tag: %w", err)
	}
	return nil
}

// ReadCommand blocks until a full command tag is available. A short
// read or an unknown tag is a transport error, not a retryable
// condition.
func ReadCommand(r io.Reader) (Command, error) {
	var tag uint32
	if err := binary.Read(r, binary.LittleEndian, &tag); err != nil {
		return 0, fmt.Errorf("read command tag: %w", err)
	}
	cmd := Command(tag)
	if cmd > ConnectionListenerStop {
		return 0, fmt.Errorf("unknown command tag %d", tag)
	}
	return cmd, nil
}

// WriteArgs serializes args as CBOR and writes it prefixed with its
// byte length.
func WriteArgs(w io.Writer, args any) error {
	payload, err := cbor.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := WriteUint64(w, uint64(len(payload))); err != nil {
		return fmt.Errorf("write payload length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// ReadArgs reads a length-prefixed CBOR payload into args.
func ReadArgs(r io.Reader, args any) error {
	size, err := ReadUint64(r)
	if err != nil {
		return fmt.Errorf("read payload length: %w", err)
	}
	if size > maxArgsSize {
		return fmt.Errorf("payload too large: %d bytes", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := cbor.Unmarshal(payload, args); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// WriteUint64 writes a little-endian 8-byte integer.
func WriteUint64(w io.Writer, v uint64) error {
	if err := binary.Write(w, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("write u64: %w", err)
	}
	return nil
}

// ReadUint64 reads a little-endian 8-byte integer.
func ReadUint64(r io.Reader) (uint64, error) {
	var v uint64
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, fmt.Errorf("read u64: %w", err)
	}
	return v, nil
}

// SendCommand writes a command and, when args is non-nil, its framed
// payload in a single call.
func SendCommand(w io.Writer, cmd Command, args any) error {
	if err := WriteCommand(w, cmd); err != nil {
		return err
	}
	if args != nil {
		return WriteArgs(w, args)
	}
	return nil
}
