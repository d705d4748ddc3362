// Package discovery rebuilds ripd's in-memory graph from whatever the
// kernel already has configured at startup, so a restart converges
// without tearing down and re-learning every tunnel and route.
//
// Grounded on original_source/main.c's learnsys/learn_interface_callback/
// learn_route_callback/fix_overlaps/unlink_redundant/find_empty/cleanup.
package discovery

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ampr-mesh/ripd/internal/ipmap"
	"github.com/ampr-mesh/ripd/internal/model"
	"github.com/ampr-mesh/ripd/internal/reconciler"
	"github.com/ampr-mesh/ripd/internal/rerr"
)

// Bootstrap runs the full startup sequence: enumerate interfaces and
// routes from the OS adapter, collapse kernel-inserted redundant basis
// routes, seed expirations, and tear down any tunnel discovery left with
// no routes at all.
func Bootstrap(w *model.World, log *slog.Logger, now time.Time) error {
	if log == nil {
		log = slog.Default()
	}

	ch, err := w.OS.Discover(w.CreateRtable)
	if err != nil {
		return rerr.AsFatal(err)
	}

	var ifaces []*model.DiscoveredInterfaceInfo
	var routes []*model.DiscoveredRouteInfo
	for item := range ch {
		switch item.Kind {
		case model.DiscoveredInterface:
			ifaces = append(ifaces, item.Interface)
		case model.DiscoveredRoute:
			routes = append(routes, item.Route)
		}
	}

	for _, info := range ifaces {
		if err := learnInterface(w, log, info); err != nil {
			return err
		}
	}
	for _, info := range routes {
		if err := learnRoute(w, log, info); err != nil {
			return err
		}
	}

	fixOverlaps(w)

	expires := now.Add(reconciler.Timeout)
	w.Routes.Walk(func(_ uint32, _ uint8, route *model.Route) bool {
		route.Expires = expires
		return false
	})

	return cleanupEmptyTunnels(w)
}

// learnInterface records one discovered interface as a Tunnel. Statically
// reserved interfaces are exempted from the duplicate-ifnum assertion the
// original applies unconditionally.
func learnInterface(w *model.World, log *slog.Logger, info *model.DiscoveredInterfaceInfo) error {
	static := w.StaticIfnums.Get(info.Ifnum)
	if !static && w.Ifnums.Get(info.Ifnum) {
		return rerr.Fatalf("interface %s reuses already-allocated ifnum %d", info.Name, info.Ifnum)
	}

	policy, ok := w.Acceptance.Nearest(info.InnerRemote, 32)
	if !ok || policy != model.PolicyAccept {
		return rerr.Fatalf("interface %s has unacceptable destination %s", info.Name, model.IPString(info.InnerRemote))
	}

	tunnel := model.NewTunnel(info.OuterLocal, info.OuterRemote, info.InnerLocal, info.InnerRemote)
	if err := tunnel.SetIfnum(info.Ifnum); err != nil {
		return rerr.AsFatal(err)
	}

	existing, inserted := w.Tunnels.Insert(info.OuterRemote, 32, tunnel)
	if !inserted && existing != tunnel {
		return rerr.Fatalf("interface %s duplicates another interface for outer-remote %s", info.Name, model.IPString(info.OuterRemote))
	}
	w.Ifnums.Set(info.Ifnum)
	log.Debug("learned interface", "ifname", info.Name, "outer_remote", model.IPString(info.OuterRemote), "inner_remote", model.IPString(info.InnerRemote), "static", static)
	return nil
}

// learnRoute records one discovered kernel route against its owning
// tunnel, sharing ipmap.MaskToCIDR with the reconciler's wire-path
// validation.
func learnRoute(w *model.World, log *slog.Logger, info *model.DiscoveredRouteInfo) error {
	cidr, ok := ipmap.MaskToCIDR(info.SubnetMask)
	if !ok {
		return rerr.Fatalf("unusual netmask found in routed network %s/0x%08x", model.IPString(info.IPNet), info.SubnetMask)
	}

	tunnel := findTunnel(w, info)
	policy, accepted := w.Acceptance.Nearest(info.IPNet, cidr)
	acceptable := accepted && policy == model.PolicyAccept

	if tunnel == nil {
		if acceptable {
			return rerr.Fatalf("acceptable network %s/%d routed to unknown destination", model.IPString(info.IPNet), cidr)
		}
		return nil
	}
	if !acceptable {
		return rerr.Fatalf("unacceptable network %s/%d found with managed tunnel %s", model.IPString(info.IPNet), cidr, tunnel.Ifname)
	}

	route := model.NewRoute(info.IPNet, info.SubnetMask, tunnel.OuterRemote)
	existing, inserted := w.Routes.Insert(info.IPNet, cidr, route)
	if !inserted {
		if existing.IPNet != route.IPNet || existing.SubnetMask != route.SubnetMask || existing.Gateway != route.Gateway {
			return rerr.Fatalf("duplicate route for %s/%d->%s detected (other %s/%d->%s)",
				model.IPString(route.IPNet), cidr, model.IPString(route.Gateway),
				model.IPString(existing.IPNet), existing.CIDR(), model.IPString(existing.Gateway))
		}
		return nil
	}

	model.LinkRoute(tunnel, route)
	log.Debug("learned route", "route", model.IPString(info.IPNet), "cidr", cidr, "ifname", tunnel.Ifname)
	return nil
}

func findTunnel(w *model.World, info *model.DiscoveredRouteInfo) *model.Tunnel {
	if info.HasGatewayAddr {
		if t, ok := w.Tunnels.Find(info.GatewayAddr, 32); ok {
			return t
		}
		return nil
	}
	var found *model.Tunnel
	w.Tunnels.Walk(func(_ uint32, _ uint8, t *model.Tunnel) bool {
		if t.Ifname == info.GatewayIfname {
			found = t
			return true
		}
		return false
	})
	return found
}

// fixOverlaps collapses kernel-inserted redundant basis routes: the
// kernel's automatically inserted basis /32 route is redundant once a
// broader advertised network through the same tunnel covers it, so it is
// unlinked from the tunnel and dropped from the route index (it remains
// the tunnel's InnerRemote; it simply no longer occupies a Route of its
// own).
func fixOverlaps(w *model.World) {
	w.Tunnels.Walk(func(_ uint32, _ uint8, tunnel *model.Tunnel) bool {
		coverage := ipmap.New[*model.Route]()
		for _, route := range tunnel.Routes() {
			coverage.Insert(route.IPNet, route.CIDR(), route)
		}

		var parent *model.Route
		coverage.WalkTopDown(func(_ uint32, _ uint8, route *model.Route) bool {
			if parent != nil && (parent.IPNet&parent.SubnetMask) == (route.IPNet&parent.SubnetMask) {
				model.UnlinkRoute(tunnel, route)
				w.Routes.Remove(route.IPNet, route.CIDR())
			} else {
				parent = route
			}
			return false
		})
		return false
	})
}

// cleanupEmptyTunnels tears down any tunnel left with no routes at all.
func cleanupEmptyTunnels(w *model.World) error {
	var empty []*model.Tunnel
	w.Tunnels.Walk(func(_ uint32, _ uint8, tunnel *model.Tunnel) bool {
		if tunnel.Nref == 0 {
			empty = append(empty, tunnel)
		}
		return false
	})
	for _, tunnel := range empty {
		if err := model.Collapse(w, tunnel); err != nil {
			return fmt.Errorf("cleanup: collapse %s: %w", tunnel.Ifname, err)
		}
	}
	return nil
}
