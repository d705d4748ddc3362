package model

import (
	"fmt"
	"io"

	"github.com/ampr-mesh/ripd/internal/bitvec"
	"github.com/ampr-mesh/ripd/internal/ipmap"
)

// Policy is the acceptance-policy payload stored in the acceptance IPMap,
// replacing the original's two sentinel pointers (ACCEPT, IGNORE) with a
// tag value stored directly in a generic IPMap.
type Policy int

const (
	PolicyIgnore Policy = iota
	PolicyAccept
)

func (p Policy) String() string {
	if p == PolicyAccept {
		return "accept"
	}
	return "ignore"
}

// DiscoveredKind distinguishes the two variants a Discover sequence can
// yield.
type DiscoveredKind int

const (
	DiscoveredInterface DiscoveredKind = iota
	DiscoveredRoute
)

// DiscoveredInterfaceInfo describes one up, tunnel-prefix-matching
// interface found during discovery's interface pass. Interfaces are not
// checked against the routing domain.
type DiscoveredInterfaceInfo struct {
	Name                                            string
	Ifnum                                            uint
	OuterLocal, OuterRemote, InnerLocal, InnerRemote uint32
}

// DiscoveredRouteInfo describes one IPv4 kernel route found during
// discovery's route pass. Exactly one of GatewayAddr or
// GatewayIfname is set, mirroring the two ways a BSD/Linux route can name
// its next hop: another IP address, or a link-layer interface.
type DiscoveredRouteInfo struct {
	IPNet, SubnetMask uint32
	GatewayAddr       uint32
	HasGatewayAddr    bool
	GatewayIfname     string
}

// Discovered is one item of the lazy discovery sequence the OS adapter
// produces. Modeled as a tagged union rather than the original's
// callback-with-opaque-argument enumeration API.
type Discovered struct {
	Kind      DiscoveredKind
	Interface *DiscoveredInterfaceInfo
	Route     *DiscoveredRouteInfo
}

// OSAdapter is the kernel boundary: tunnel and route mutation, plus
// startup discovery. Implementations must internally fall back to
// delete+add when ChangeRoute targets an absent route, and must detect
// the basis-route case (route.IPNet == its tunnel's InnerRemote) and run
// the tunnel-rebase protocol before ChangeRoute or RemoveRoute would
// otherwise destroy every route through that tunnel.
type OSAdapter interface {
	UpTunnel(tunnel *Tunnel, rtable int) error
	DownTunnel(tunnel *Tunnel) error
	AddRoute(route *Route, tunnel *Tunnel, rtable int) error
	ChangeRoute(route *Route, tunnel *Tunnel, rtable int) error
	RemoveRoute(route *Route, rtable int) error
	Discover(rtable int) (<-chan Discovered, error)
}

// World is ripd's complete mutable state, threaded through the
// reconciler and discovery instead of module-level globals.
type World struct {
	Acceptance *ipmap.Map[Policy]
	Tunnels    *ipmap.Map[*Tunnel] // keyed by OuterRemote/32
	Routes     *ipmap.Map[*Route]  // keyed by IPNet/CIDR

	Ifnums       *bitvec.Set
	StaticIfnums *bitvec.Set // interface numbers reserved on the CLI; never reassigned or torn down

	OS OSAdapter

	LocalOuter, LocalInner uint32
	CreateRtable, BindRtable int
}

// NewWorld returns a World with empty indices. The caller still needs to
// populate Acceptance (CLI -A/-I flags, defaulting to accept-all) and set
// OS before running the reconciler.
func NewWorld() *World {
	return &World{
		Acceptance:   ipmap.New[Policy](),
		Tunnels:      ipmap.New[*Tunnel](),
		Routes:       ipmap.New[*Route](),
		Ifnums:       bitvec.New(),
		StaticIfnums: bitvec.New(),
	}
}

// Dump writes the fully reconciled in-memory state to out: every tunnel
// with its endpoints and linked routes, mirroring original_source/main.c's
// dump_all/dump_tunnel.
func (w *World) Dump(out io.Writer) {
	w.Tunnels.Walk(func(_ uint32, _ uint8, t *Tunnel) bool {
		fmtTunnel(out, t)
		return false
	})
}

func fmtTunnel(out io.Writer, t *Tunnel) {
	writeLine(out, "Tunnel interface %s:", t.Ifname)
	writeLine(out, "\tOuter %s -> %s", IPString(t.OuterLocal), IPString(t.OuterRemote))
	writeLine(out, "\tInner %s -> %s", IPString(t.InnerLocal), IPString(t.InnerRemote))
	writeLine(out, "\tRouted networks:")
	for _, r := range t.Routes() {
		writeLine(out, "\t\t%s/%d", IPString(r.IPNet), r.CIDR())
	}
}

func writeLine(out io.Writer, format string, args ...any) {
	fmt.Fprintf(out, format+"\n", args...)
}
