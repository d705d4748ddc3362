package riplisten

import (
	"fmt"
	"net"
	"runtime"

	"github.com/vishvananda/netns"
	"golang.org/x/net/ipv4"
)

// MulticastSource is the production PacketSource: a UDP socket bound to
// the RIPv2 multicast group, joined within the routing domain named by
// rtable. golang.org/x/net/ipv4 supplies JoinGroup; github.com/
// vishvananda/netns supplies the network-namespace switch used to model
// routing-domain selection for the listener socket the way
// internal/osadapter's Table field models it for route/link mutation
// (see that package's doc comment).
type MulticastSource struct {
	pc   *ipv4.PacketConn
	conn netConn
	buf  []byte
}

// NewMulticastSource opens and joins the RIPv2 multicast group. When
// rtable is non-zero it first switches the calling OS thread into the
// network namespace named "rtableN", then switches back once the socket is
// open — sockets keep the namespace they were created in even after the
// thread returns to its original one.
func NewMulticastSource(rtable int) (*MulticastSource, error) {
	restore, err := enterRtableNamespace(rtable)
	if err != nil {
		return nil, err
	}
	defer restore()

	addr := fmt.Sprintf(":%d", RIPPort)
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	pc := ipv4.NewPacketConn(conn)
	group := &net.UDPAddr{IP: net.ParseIP(RIPGroup)}
	ifaces, err := net.Interfaces()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("enumerate interfaces for multicast join: %w", err)
	}
	joined := false
	for i := range ifaces {
		if ifaces[i].Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(&ifaces[i], group); err == nil {
			joined = true
		}
	}
	if !joined {
		conn.Close()
		return nil, fmt.Errorf("failed to join %s on any multicast-capable interface", RIPGroup)
	}

	return &MulticastSource{pc: pc, conn: conn, buf: make([]byte, maxPacketSize)}, nil
}

func (s *MulticastSource) ReadPacket() ([]byte, error) {
	n, _, _, err := s.pc.ReadFrom(s.buf)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, s.buf[:n])
	return out, nil
}

func (s *MulticastSource) Close() error { return s.conn.Close() }

// enterRtableNamespace switches the current goroutine's OS thread into
// the network namespace conventionally named "rtableN" and returns a
// function that restores the previous namespace. rtable 0 (the process's
// own default domain) is a no-op.
func enterRtableNamespace(rtable int) (func(), error) {
	if rtable == 0 {
		return func() {}, nil
	}

	runtime.LockOSThread()
	original, err := netns.Get()
	if err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("get current network namespace: %w", err)
	}

	target, err := netns.GetFromName(fmt.Sprintf("rtable%d", rtable))
	if err != nil {
		original.Close()
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("routing domain %d: no network namespace %q: %w", rtable, fmt.Sprintf("rtable%d", rtable), err)
	}
	if err := netns.Set(target); err != nil {
		target.Close()
		original.Close()
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("enter network namespace for routing domain %d: %w", rtable, err)
	}

	return func() {
		netns.Set(original)
		target.Close()
		original.Close()
		runtime.UnlockOSThread()
	}, nil
}
