package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func TestCommandRoundTrip(t *testing.T) {
	commands := []Command{
		Run,
		Terminate,
		TerminateComplete,
		GetEnclaveCID,
		Describe,
		ConnectionListenerStop,
	}

	for _, cmd := range commands {
		t.Run(cmd.String(), func(t *testing.T) {
			var buf bytes.Buffer

			if err := WriteCommand(&buf, cmd); err != nil {
				t.Fatalf("WriteCommand failed: %v", err)
			}
			if buf.Len() != 4 {
				t.Errorf("tag size: got %d bytes, want 4", buf.Len())
			}

			first := append([]byte(nil), buf.Bytes()...)

			decoded, err := ReadCommand(&buf)
			if err != nil {
				t.Fatalf("ReadCommand failed: %v", err)
			}
			if decoded != cmd {
				t.Errorf("command: got %v, want %v", decoded, cmd)
			}

			// Re-encoding the decoded tag must produce identical bytes.
			var again bytes.Buffer
			if err := WriteCommand(&again, decoded); err != nil {
				t.Fatalf("WriteCommand failed: %v", err)
			}
			if !bytes.Equal(again.Bytes(), first) {
				t.Errorf("re-encoded tag differs: got %x, want %x", again.Bytes(), first)
			}
		})
	}
}

func TestReadCommandUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0x00, 0x00, 0x00})

	if _, err := ReadCommand(&buf); err == nil {
		t.Fatal("expected error for unknown tag")
	}
}

func TestReadCommandShortRead(t *testing.T) {
	buf := bytes.NewReader([]byte{0x01, 0x02})

	if _, err := ReadCommand(buf); err == nil {
		t.Fatal("expected error on short read")
	}
}

type runArgs struct {
	ImagePath  string `cbor:"image_path"`
	CPUCount   int    `cbor:"cpu_count"`
	MemoryMiB  int64  `cbor:"memory_mib"`
	EnclaveCID uint64 `cbor:"enclave_cid"`
	DebugMode  bool   `cbor:"debug_mode"`
}

func TestArgsRoundTrip(t *testing.T) {
	original := runArgs{
		ImagePath:  "/var/lib/enclaved/app.eif",
		CPUCount:   2,
		MemoryMiB:  512,
		EnclaveCID: 16,
		DebugMode:  true,
	}

	var buf bytes.Buffer
	if err := WriteArgs(&buf, &original); err != nil {
		t.Fatalf("WriteArgs failed: %v", err)
	}

	var decoded runArgs
	if err := ReadArgs(&buf, &decoded); err != nil {
		t.Fatalf("ReadArgs failed: %v", err)
	}

	if decoded != original {
		t.Errorf("args: got %+v, want %+v", decoded, original)
	}
}

func TestReadArgsTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteArgs(&buf, &runArgs{ImagePath: "x"}); err != nil {
		t.Fatalf("WriteArgs failed: %v", err)
	}

	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-1])

	var decoded runArgs
	if err := ReadArgs(truncated, &decoded); err == nil {
		t.Fatal("expected error on truncated payload")
	}
}

func TestReadArgsRejectsAbsurdLength(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteUint64(&buf, 1<<40); err != nil {
		t.Fatalf("WriteUint64 failed: %v", err)
	}

	var decoded runArgs
	err := ReadArgs(&buf, &decoded)
	if err == nil {
		t.Fatal("expected error for oversized length prefix")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestUint64RoundTrip(t *testing.T) {
	values := []uint64{0, 1, 16, ConfirmEnclave, 1<<64 - 1}

	for _, v := range values {
		var buf bytes.Buffer
		if err := WriteUint64(&buf, v); err != nil {
			t.Fatalf("WriteUint64(%d) failed: %v", v, err)
		}
		if buf.Len() != 8 {
			t.Errorf("u64 size: got %d bytes, want 8", buf.Len())
		}

		decoded, err := ReadUint64(&buf)
		if err != nil {
			t.Fatalf("ReadUint64 failed: %v", err)
		}
		if decoded != v {
			t.Errorf("u64: got %d, want %d", decoded, v)
		}
	}
}

func TestUint64LittleEndian(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteUint64(&buf, 0x0102030405060708); err != nil {
		t.Fatalf("WriteUint64 failed: %v", err)
	}

	want := []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("encoding: got %x, want %x", buf.Bytes(), want)
	}
}

func TestSendCommandWithArgs(t *testing.T) {
	var buf bytes.Buffer
	if err := SendCommand(&buf, Run, &runArgs{ImagePath: "app.eif"}); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}

	cmd, err := ReadCommand(&buf)
	if err != nil {
		t.Fatalf("ReadCommand failed: %v", err)
	}
	if cmd != Run {
		t.Errorf("command: got %v, want %v", cmd, Run)
	}

	var decoded runArgs
	if err := ReadArgs(&buf, &decoded); err != nil {
		t.Fatalf("ReadArgs failed: %v", err)
	}
	if decoded.ImagePath != "app.eif" {
		t.Errorf("image path: got %q, want %q", decoded.ImagePath, "app.eif")
	}
}

func TestSendCommandWithoutArgs(t *testing.T) {
	var buf bytes.Buffer
	if err := SendCommand(&buf, Terminate, nil); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if buf.Len() != 4 {
		t.Errorf("bare command size: got %d bytes, want 4", buf.Len())
	}
}
