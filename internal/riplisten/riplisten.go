// Package riplisten is ripd's external collaborator boundary: receiving
// raw datagrams, authenticating them, and decoding RIPv2 response
// entries into the plain records the reconciler consumes. This package
// exists so cmd/ripd has something concrete to wire the core against.
//
// Grounded on original_source/main.c's riptide (the read-authenticate-
// decode loop) and RFC 2453's RIPv2 packet layout.
package riplisten

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/ampr-mesh/ripd/internal/reconciler"
)

const (
	ripCommandResponse = 2
	ripVersion2        = 2
	ripEntrySize       = 20
	ripHeaderSize      = 4
	afInet             = 2
	afAuth             = 0xFFFF
	authTypeSimple     = 2
	maxPacketSize      = 4096

	// RIPPort and RIPGroup are the well-known RIPv2 multicast rendezvous
	// (RFC 2453 §4; the original daemon binds exactly this).
	RIPPort  = 520
	RIPGroup = "224.0.0.9"
)

// PacketSource yields raw datagrams one at a time, blocking until one is
// available. Two implementations exist: MulticastSource (production) and
// FileSource (replay/test mode, -f).
type PacketSource interface {
	ReadPacket() ([]byte, error)
}

// Decode validates and parses the response entries of one RIPv2 packet,
// checking the shared plaintext password if an authentication entry is
// present as the packet's first RTE. A malformed packet, a failed
// authentication check, or an individually malformed response entry is
// reported as an error the caller logs and discards — Decode itself
// never distinguishes fatal from reject; cmd/ripd's caller treats every
// Decode error as a reject.
func Decode(packet []byte, password string) ([]reconciler.Advertisement, error) {
	if len(packet) < ripHeaderSize {
		return nil, fmt.Errorf("packet too short: %d bytes", len(packet))
	}
	command := packet[0]
	version := packet[1]
	if command != ripCommandResponse {
		return nil, fmt.Errorf("not a RIP response (command=%d)", command)
	}
	if version != ripVersion2 {
		return nil, fmt.Errorf("unsupported RIP version %d", version)
	}

	body := packet[ripHeaderSize:]
	if len(body)%ripEntrySize != 0 {
		return nil, fmt.Errorf("packet body not a multiple of entry size: %d bytes", len(body))
	}

	authenticated := password == ""
	var advertisements []reconciler.Advertisement
	for off := 0; off+ripEntrySize <= len(body); off += ripEntrySize {
		entry := body[off : off+ripEntrySize]
		family := binary.BigEndian.Uint16(entry[0:2])

		if off == 0 && family == afAuth {
			authType := binary.BigEndian.Uint16(entry[2:4])
			if authType != authTypeSimple {
				return nil, fmt.Errorf("unsupported RIP authentication type %d", authType)
			}
			given := trimPassword(entry[4:20])
			if given != password {
				return nil, fmt.Errorf("packet authentication failed")
			}
			authenticated = true
			continue
		}

		if !authenticated {
			return nil, fmt.Errorf("packet authentication failed")
		}
		if family != afInet {
			return nil, fmt.Errorf("unsupported address family %d in response entry", family)
		}

		adv := reconciler.Advertisement{
			IPAddr:     binary.BigEndian.Uint32(entry[4:8]),
			SubnetMask: binary.BigEndian.Uint32(entry[8:12]),
			NextHop:    binary.BigEndian.Uint32(entry[12:16]),
		}
		advertisements = append(advertisements, adv)
	}
	if !authenticated {
		return nil, fmt.Errorf("packet authentication failed")
	}
	return advertisements, nil
}

func trimPassword(raw []byte) string {
	n := len(raw)
	for n > 0 && raw[n-1] == 0 {
		n--
	}
	return string(raw[:n])
}

// FileSource replays raw packets from a file, one per ReadPacket call,
// length-prefixed with a big-endian uint16 so packet boundaries survive
// concatenation, the way main.c's read_from_file mode does. Exhaustion is
// reported as io.EOF; the caller (cmd/ripd) treats that as a clean,
// deliberate shutdown rather than an error.
type FileSource struct {
	r *bufio.Reader
	f io.Closer
}

func NewFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{r: bufio.NewReader(f), f: f}, nil
}

func (s *FileSource) ReadPacket() ([]byte, error) {
	var length uint16
	if err := binary.Read(s.r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *FileSource) Close() error { return s.f.Close() }

// netConn is the subset of net.PacketConn MulticastSource needs, kept
// narrow so tests can substitute a fake.
type netConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	Close() error
}
