// Package model holds ripd's world state: the Tunnel/Route graph, the OS
// boundary it is mutated through, and a World context (a single mutable
// value threaded through the reconciler, rather than module-level
// globals).
//
// Grounded on original_source/main.c's Route/Tunnel structs and
// mkroute/mktunnel/linkroute/unlinkroute/collapse.
package model

import "fmt"

// maxIfnameLen mirrors Linux's IFNAMSIZ (16 bytes including the NUL
// terminator, so 15 usable characters).
const maxIfnameLen = 15

// Tunnel is a point-to-point IP-in-IP tunnel interface to one AMPR mesh
// peer.
type Tunnel struct {
	OuterLocal  uint32
	OuterRemote uint32
	InnerLocal  uint32
	InnerRemote uint32

	Ifname string
	Ifnum  uint

	routes *Route // singly linked list head
	Nref   int
}

// NewTunnel constructs a Tunnel with its four endpoints set. Ifname/Ifnum
// are assigned separately via SetIfnum once an interface number has been
// allocated from the bitvec.
func NewTunnel(outerLocal, outerRemote, innerLocal, innerRemote uint32) *Tunnel {
	return &Tunnel{
		OuterLocal:  outerLocal,
		OuterRemote: outerRemote,
		InnerLocal:  innerLocal,
		InnerRemote: innerRemote,
	}
}

// SetIfnum assigns the tunnel's interface number and derives its ifname
// ("gifN"), rejecting numbers whose name would overflow the fixed-width
// interface name buffer convention this daemon carries over from the
// original C implementation.
func (t *Tunnel) SetIfnum(n uint) error {
	name := fmt.Sprintf("gif%d", n)
	if len(name) > maxIfnameLen {
		return fmt.Errorf("interface name %q overflows %d-byte interface name buffer", name, maxIfnameLen)
	}
	t.Ifnum = n
	t.Ifname = name
	return nil
}

// Routes returns the tunnel's linked routes, head first. The slice is a
// snapshot; mutating it does not affect the tunnel.
func (t *Tunnel) Routes() []*Route {
	var out []*Route
	for r := t.routes; r != nil; r = r.rnext {
		out = append(out, r)
	}
	return out
}
