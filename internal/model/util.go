package model

import "fmt"

// IPString formats a host-order IPv4 address as a dotted quad, the way
// original_source/main.c's ipaddrstr helper does.
func IPString(addr uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", addr>>24&0xff, addr>>16&0xff, addr>>8&0xff, addr&0xff)
}
