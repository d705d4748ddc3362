package osadapter

import (
	"fmt"
	"net"
	"strings"

	"github.com/ampr-mesh/ripd/internal/model"
	"github.com/vishvananda/netlink"
)

// tunnelPrefix is the name prefix this daemon's own tunnels carry
// ("gifN"), the only interfaces Discover considers.
const tunnelPrefix = "gif"

// Discover enumerates the kernel's current tunnel interfaces and routes in
// rtable, in that order, so discovery's two-pass algorithm can rebuild
// the in-memory graph from whatever the kernel already holds
// across a restart. Only interfaces that are up are reported. The channel
// is closed once both passes complete; links and routes are both listed
// before the sequence starts, so a netlink listing error is returned from
// Discover itself rather than silently truncating the sequence.
func (n *Netlink) Discover(rtable int) (<-chan model.Discovered, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("discover: list links: %w", err)
	}
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4, &netlink.Route{Table: rtable}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return nil, fmt.Errorf("discover: list routes in table %d: %w", rtable, err)
	}

	ch := make(chan model.Discovered)
	go func() {
		defer close(ch)

		byIndex := make(map[int]string, len(links))
		for _, link := range links {
			attrs := link.Attrs()
			if !strings.HasPrefix(attrs.Name, tunnelPrefix) {
				continue
			}
			if attrs.Flags&net.FlagUp == 0 {
				continue
			}
			byIndex[attrs.Index] = attrs.Name
			iptun, ok := link.(*netlink.Iptun)
			if !ok {
				continue
			}
			info, err := n.describeTunnel(attrs.Name, iptun)
			if err != nil {
				n.log.Warn("discover: skipping tunnel", "ifname", attrs.Name, "err", err)
				continue
			}
			ch <- model.Discovered{Kind: model.DiscoveredInterface, Interface: info}
		}

		for _, route := range routes {
			if route.Dst == nil {
				continue
			}
			info := &model.DiscoveredRouteInfo{
				IPNet:      ipToUint32(route.Dst.IP),
				SubnetMask: maskToUint32(route.Dst.Mask),
			}
			if route.Gw != nil {
				info.GatewayAddr = ipToUint32(route.Gw)
				info.HasGatewayAddr = true
			} else if name, ok := byIndex[route.LinkIndex]; ok {
				info.GatewayIfname = name
			} else {
				continue // route through an interface this daemon doesn't own
			}
			ch <- model.Discovered{Kind: model.DiscoveredRoute, Route: info}
		}
	}()
	return ch, nil
}

func (n *Netlink) describeTunnel(name string, iptun *netlink.Iptun) (*model.DiscoveredInterfaceInfo, error) {
	var ifnum uint
	if _, err := fmt.Sscanf(name, tunnelPrefix+"%d", &ifnum); err != nil {
		return nil, fmt.Errorf("name %q doesn't match gifN convention: %w", name, err)
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, err
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, err
	}
	info := &model.DiscoveredInterfaceInfo{
		Name:        name,
		Ifnum:       ifnum,
		OuterLocal:  ipToUint32(iptun.Local),
		OuterRemote: ipToUint32(iptun.Remote),
	}
	for _, a := range addrs {
		info.InnerLocal = ipToUint32(a.IPNet.IP)
		if a.Peer != nil {
			info.InnerRemote = ipToUint32(a.Peer.IP)
		}
		break
	}
	return info, nil
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

func maskToUint32(mask net.IPMask) uint32 {
	if len(mask) != 4 {
		return 0
	}
	return uint32(mask[0])<<24 | uint32(mask[1])<<16 | uint32(mask[2])<<8 | uint32(mask[3])
}
