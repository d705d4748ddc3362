package model

import "github.com/ampr-mesh/ripd/internal/rerr"

// LinkRoute prepends route to tunnel's route list, sets route.Tunnel,
// sets route.Gateway to tunnel's outer remote, and increments the
// reference count. Precondition: route.Tunnel == nil.
func LinkRoute(tunnel *Tunnel, route *Route) {
	route.rnext = tunnel.routes
	tunnel.routes = route
	route.Tunnel = tunnel
	route.Gateway = tunnel.OuterRemote
	tunnel.Nref++
}

// UnlinkRoute removes route from tunnel's route list, zeroing
// route.Gateway and decrementing the reference count. It is idempotent:
// a nil tunnel, or a route not actually present, is a no-op. It does NOT
// clear route.Tunnel — callers use that back-pointer to Collapse the old
// tunnel afterward.
func UnlinkRoute(tunnel *Tunnel, route *Route) {
	if tunnel == nil {
		return
	}
	var prev *Route
	for cur := tunnel.routes; cur != nil; cur, prev = cur.rnext, cur {
		if cur.IPNet == route.IPNet && cur.SubnetMask == route.SubnetMask {
			if prev == nil {
				tunnel.routes = cur.rnext
			} else {
				prev.rnext = cur.rnext
			}
			cur.rnext = nil
			route.Gateway = 0
			tunnel.Nref--
			return
		}
	}
}

// Collapse tears down tunnel if it no longer carries any routes: it is
// removed from the tunnel index, the OS adapter brings the interface
// down, and its interface number is freed back to the bitvec. A tunnel
// that still has linked routes, or whose interface number was reserved
// statically via -s, is left untouched.
func Collapse(w *World, tunnel *Tunnel) error {
	if tunnel == nil || tunnel.Nref != 0 {
		return nil
	}
	if w.StaticIfnums.Get(tunnel.Ifnum) {
		return nil
	}
	removed, ok := w.Tunnels.Remove(tunnel.OuterRemote, 32)
	if !ok || removed != tunnel {
		return rerr.Fatalf("tunnel for outer-remote %s missing from tunnel index at collapse", IPString(tunnel.OuterRemote))
	}
	if err := w.OS.DownTunnel(tunnel); err != nil {
		return err
	}
	w.Ifnums.Clear(tunnel.Ifnum)
	return nil
}
