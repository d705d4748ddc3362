package model

import (
	"errors"
	"testing"
)

type fakeOS struct {
	downCalls []*Tunnel
	downErr   error
}

func (f *fakeOS) UpTunnel(*Tunnel, int) error    { return nil }
func (f *fakeOS) DownTunnel(t *Tunnel) error {
	f.downCalls = append(f.downCalls, t)
	return f.downErr
}
func (f *fakeOS) AddRoute(*Route, *Tunnel, int) error    { return nil }
func (f *fakeOS) ChangeRoute(*Route, *Tunnel, int) error { return nil }
func (f *fakeOS) RemoveRoute(*Route, int) error          { return nil }
func (f *fakeOS) Discover(int) (<-chan Discovered, error) {
	ch := make(chan Discovered)
	close(ch)
	return ch, nil
}

func newTestWorld(t *testing.T) (*World, *fakeOS) {
	t.Helper()
	w := NewWorld()
	os := &fakeOS{}
	w.OS = os
	return w, os
}

func TestLinkRouteSetsInvariants(t *testing.T) {
	tun := NewTunnel(1, 2, 3, 4)
	r := NewRoute(10, 0xffffff00, 0)
	LinkRoute(tun, r)

	if tun.Nref != 1 {
		t.Fatalf("Nref = %d, want 1", tun.Nref)
	}
	if r.Tunnel != tun {
		t.Fatal("route.Tunnel not set")
	}
	if r.Gateway != tun.OuterRemote {
		t.Fatalf("route.Gateway = %d, want %d", r.Gateway, tun.OuterRemote)
	}
	routes := tun.Routes()
	if len(routes) != 1 || routes[0] != r {
		t.Fatalf("tun.Routes() = %v, want [r]", routes)
	}
}

func TestUnlinkRouteIsIdempotentAndClearsGateway(t *testing.T) {
	tun := NewTunnel(1, 2, 3, 4)
	r := NewRoute(10, 0xffffff00, 0)
	LinkRoute(tun, r)

	UnlinkRoute(tun, r)
	if tun.Nref != 0 {
		t.Fatalf("Nref = %d, want 0", tun.Nref)
	}
	if r.Gateway != 0 {
		t.Fatalf("Gateway = %d, want 0", r.Gateway)
	}
	if r.Tunnel != tun {
		t.Fatal("UnlinkRoute must not clear route.Tunnel; caller uses it to Collapse")
	}

	// Idempotent: unlinking again, or from a nil tunnel, is a no-op.
	UnlinkRoute(tun, r)
	UnlinkRoute(nil, r)
}

func TestUnlinkRoutePreservesSiblingOrder(t *testing.T) {
	tun := NewTunnel(1, 2, 3, 4)
	r1 := NewRoute(10, 0xffffff00, 0)
	r2 := NewRoute(20, 0xffffff00, 0)
	r3 := NewRoute(30, 0xffffff00, 0)
	LinkRoute(tun, r1)
	LinkRoute(tun, r2)
	LinkRoute(tun, r3)

	UnlinkRoute(tun, r2)
	got := tun.Routes()
	if len(got) != 2 || got[0] != r3 || got[1] != r1 {
		t.Fatalf("Routes() after removing middle = %v", got)
	}
	if tun.Nref != 2 {
		t.Fatalf("Nref = %d, want 2", tun.Nref)
	}
}

func TestCollapseTearsDownOnlyWhenEmpty(t *testing.T) {
	w, os := newTestWorld(t)
	tun := NewTunnel(1, 2, 3, 4)
	tun.SetIfnum(0)
	w.Ifnums.Set(0)
	w.Tunnels.Insert(tun.OuterRemote, 32, tun)

	r := NewRoute(10, 0xffffff00, 0)
	LinkRoute(tun, r)

	if err := Collapse(w, tun); err != nil {
		t.Fatalf("Collapse with nref=1: %v", err)
	}
	if len(os.downCalls) != 0 {
		t.Fatal("Collapse tore down a tunnel that still has routes")
	}

	UnlinkRoute(tun, r)
	if err := Collapse(w, tun); err != nil {
		t.Fatalf("Collapse with nref=0: %v", err)
	}
	if len(os.downCalls) != 1 || os.downCalls[0] != tun {
		t.Fatalf("expected one DownTunnel call for tun, got %v", os.downCalls)
	}
	if w.Ifnums.Get(0) {
		t.Fatal("ifnum not released from bitvec after collapse")
	}
	if _, ok := w.Tunnels.Find(tun.OuterRemote, 32); ok {
		t.Fatal("tunnel still present in index after collapse")
	}
}

func TestCollapseNilIsNoop(t *testing.T) {
	w, _ := newTestWorld(t)
	if err := Collapse(w, nil); err != nil {
		t.Fatalf("Collapse(nil) = %v, want nil", err)
	}
}

func TestCollapsePropagatesDownTunnelError(t *testing.T) {
	w, os := newTestWorld(t)
	os.downErr = errors.New("boom")
	tun := NewTunnel(1, 2, 3, 4)
	w.Tunnels.Insert(tun.OuterRemote, 32, tun)

	err := Collapse(w, tun)
	if err == nil {
		t.Fatal("expected error from DownTunnel to propagate")
	}
}

func TestSetIfnumRejectsOverflow(t *testing.T) {
	tun := NewTunnel(1, 2, 3, 4)
	if err := tun.SetIfnum(7); err != nil {
		t.Fatalf("SetIfnum(7) = %v", err)
	}
	if tun.Ifname != "gif7" {
		t.Fatalf("Ifname = %q, want gif7", tun.Ifname)
	}
	if err := tun.SetIfnum(1_000_000_000_000); err == nil {
		t.Fatal("expected overflow error for absurdly large ifnum")
	}
}
