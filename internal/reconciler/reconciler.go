// Package reconciler implements the per-advertisement decision algorithm
// and the post-batch expiration sweep: the daemon's core, coupling the
// acceptance/tunnel/route IPMaps to the kernel via model.OSAdapter.
//
// Grounded on original_source/main.c's ripresponse/walkexpired, carried
// over line-for-line in decision order and log wording.
package reconciler

import (
	"log/slog"
	"time"

	"github.com/ampr-mesh/ripd/internal/ipmap"
	"github.com/ampr-mesh/ripd/internal/model"
	"github.com/ampr-mesh/ripd/internal/rerr"
)

// Timeout is how long an unrefreshed route survives before the expiration
// sweep collects it. The original keeps routes alive for a full week
// between RIP broadcasts; nothing in this design calls for a shorter one.
const Timeout = 7 * 24 * time.Hour

// Advertisement is one decoded RIPv2 route entry, already separated from
// the wire format and authentication that produced it.
type Advertisement struct {
	IPAddr     uint32
	SubnetMask uint32
	NextHop    uint32
}

// Reconciler applies advertisements and expiration against a World.
type Reconciler struct {
	w   *model.World
	log *slog.Logger
}

func New(w *model.World, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{w: w, log: log}
}

// Handle runs the nine-step decision algorithm for one advertisement. A
// returned error is always fatal (rerr.IsFatal is true); every other
// outcome — malformed input, policy rejection, a self-referential or
// in-subnet gateway — is handled by logging and returning nil, matching
// the original's "drop and continue" philosophy.
func (r *Reconciler) Handle(adv Advertisement, now time.Time) error {
	cidr, ok := ipmap.MaskToCIDR(adv.SubnetMask)
	if !ok {
		r.log.Info("rejecting response with non-contiguous netmask", "ipaddr", model.IPString(adv.IPAddr), "mask", model.IPString(adv.SubnetMask))
		return nil
	}

	ipaddr := adv.IPAddr & adv.SubnetMask
	proute := model.IPString(ipaddr)
	gw := model.IPString(adv.NextHop)
	r.log.Debug("RIPv2 response", "route", proute, "cidr", cidr, "gateway", gw)

	if adv.NextHop == r.w.LocalOuter {
		r.log.Info("skipping route to local address", "route", proute, "cidr", cidr)
		return nil
	}
	if adv.NextHop&adv.SubnetMask == ipaddr {
		r.log.Info("skipping gateway inside of subnet", "route", proute, "cidr", cidr, "gateway", gw)
		return nil
	}

	policy, ok := r.w.Acceptance.Nearest(ipaddr, cidr)
	if !ok || policy != model.PolicyAccept {
		r.log.Info("skipping ignored network", "route", proute, "cidr", cidr)
		return nil
	}

	tunnel, ok := r.w.Tunnels.Find(adv.NextHop, 32)
	if !ok {
		r.log.Debug("creating new tunnel", "route", proute, "cidr", cidr, "gateway", gw)
		tunnel = model.NewTunnel(r.w.LocalOuter, adv.NextHop, r.w.LocalInner, ipaddr)
		ifnum := r.w.Ifnums.NextUnset()
		if err := tunnel.SetIfnum(ifnum); err != nil {
			return rerr.AsFatal(err)
		}
		r.w.Ifnums.Set(ifnum)
		if err := r.w.OS.UpTunnel(tunnel, r.w.CreateRtable); err != nil {
			return rerr.AsFatal(err)
		}
		r.w.Tunnels.Insert(adv.NextHop, 32, tunnel)
	}

	route, ok := r.w.Routes.Find(ipaddr, cidr)
	if !ok {
		if cover, ok := r.w.Routes.Nearest(ipaddr, cidr); ok {
			if cover.Tunnel == tunnel {
				r.log.Info("skipping network served by existing cover", "route", proute, "cidr", cidr, "cover", model.IPString(cover.IPNet), "cover_cidr", cover.CIDR())
				return nil
			}
			// Open question (see DESIGN.md): the original inserts the
			// narrower route under the new tunnel anyway instead of
			// splitting the cover.
			r.log.Debug("branching network off existing cover", "route", proute, "cidr", cidr, "cover", model.IPString(cover.IPNet), "cover_cidr", cover.CIDR())
		}
		route = model.NewRoute(ipaddr, adv.SubnetMask, 0)
		r.w.Routes.Insert(ipaddr, cidr, route)
		r.log.Info("added route", "route", proute, "cidr", cidr, "gateway", gw)
	}

	if route.Tunnel != tunnel {
		oldTunnel := route.Tunnel
		if oldTunnel == nil {
			r.log.Debug("adding route via new tunnel", "route", proute, "cidr", cidr, "ifname", tunnel.Ifname)
			if err := r.w.OS.AddRoute(route, tunnel, r.w.CreateRtable); err != nil {
				return rerr.AsFatal(err)
			}
		} else {
			r.log.Debug("tunnel changed", "route", proute, "cidr", cidr, "from", oldTunnel.Ifname, "to", tunnel.Ifname)
			if err := r.w.OS.ChangeRoute(route, tunnel, r.w.CreateRtable); err != nil {
				return rerr.AsFatal(err)
			}
		}
		model.UnlinkRoute(oldTunnel, route)
		if err := model.Collapse(r.w, oldTunnel); err != nil {
			return rerr.AsFatal(err)
		}
		route.Tunnel = nil
		model.LinkRoute(tunnel, route)
	}

	route.Expires = now.Add(Timeout)
	return nil
}

// Sweep collects routes past their expiration into a separate list first
// so removing them doesn't disturb the walk, then tears each down from
// the kernel, unlinks it, and collapses its tunnel if now empty.
func (r *Reconciler) Sweep(now time.Time) error {
	type victim struct {
		key   uint32
		cidr  uint8
		route *model.Route
	}
	var expired []victim
	r.w.Routes.Walk(func(key uint32, cidr uint8, route *model.Route) bool {
		if route.Expired(now) {
			expired = append(expired, victim{key, cidr, route})
		}
		return false
	})

	for _, v := range expired {
		r.log.Info("expiring route", "route", model.IPString(v.route.IPNet), "cidr", v.route.CIDR())
		if err := r.w.OS.RemoveRoute(v.route, r.w.CreateRtable); err != nil {
			return rerr.AsFatal(err)
		}
		tunnel := v.route.Tunnel
		model.UnlinkRoute(tunnel, v.route)
		if err := model.Collapse(r.w, tunnel); err != nil {
			return err
		}
		r.w.Routes.Remove(v.key, v.cidr)
	}
	return nil
}
