package riplisten

import (
	"encoding/binary"
	"io"
	"os"
	"testing"
)

func writeReplayFile(t *testing.T, packets [][]byte) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "replay-*.bin")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer f.Close()

	for _, p := range packets {
		if err := binary.Write(f, binary.BigEndian, uint16(len(p))); err != nil {
			t.Fatalf("write length: %v", err)
		}
		if _, err := f.Write(p); err != nil {
			t.Fatalf("write packet: %v", err)
		}
	}
	return f.Name()
}

func TestFileSourceReplaysPacketsThenEOF(t *testing.T) {
	want := [][]byte{
		buildPacket("", [][3]uint32{{0x0A000000, 0xFFFF0000, 0x0B000001}}),
		buildPacket("", [][3]uint32{{0x0A010000, 0xFFFF0000, 0x0B000001}}),
	}
	path := writeReplayFile(t, want)

	src, err := NewFileSource(path)
	if err != nil {
		t.Fatalf("NewFileSource: %v", err)
	}
	defer src.Close()

	for i, w := range want {
		got, err := src.ReadPacket()
		if err != nil {
			t.Fatalf("ReadPacket %d: %v", i, err)
		}
		if string(got) != string(w) {
			t.Fatalf("packet %d mismatch", i)
		}
	}

	if _, err := src.ReadPacket(); err != io.EOF {
		t.Fatalf("expected io.EOF after exhausting file, got %v", err)
	}
}
