package ipmap

import (
	"net"
	"testing"
)

func addr(s string) uint32 {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		panic("bad test address " + s)
	}
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

// TestFindScenarios reproduces the fixture from original_source/testipmapfind.c.
func TestFindScenarios(t *testing.T) {
	m := New[string]()
	m.Insert(addr("44.0.0.1"), 32, "a")
	m.Insert(addr("44.130.24.25"), 32, "e")
	m.Insert(addr("44.130.130.0"), 24, "d")
	m.Insert(addr("44.130.24.0"), 24, "c")

	cases := []struct {
		name string
		ip   string
		cidr uint8
		want string
		ok   bool
	}{
		{"44.0.0.1/24 absent", "44.0.0.1", 24, "", false},
		{"44.0.0.1/32 a", "44.0.0.1", 32, "a", true},
		{"44.130.24.25/32 e", "44.130.24.25", 32, "e", true},
		{"44.130.24.1/32 absent", "44.130.24.1", 32, "", false},
		{"44.188.0.1/32 absent", "44.188.0.1", 32, "", false},
		{"44.130.130.0/24 d", "44.130.130.0", 24, "d", true},
		{"44.130.130.0/27 absent", "44.130.130.0", 27, "", false},
		{"44.130.24.0/24 c", "44.130.24.0", 24, "c", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := m.Find(addr(c.ip), c.cidr)
			if ok != c.ok || got != c.want {
				t.Errorf("Find(%s/%d) = (%q, %v), want (%q, %v)", c.ip, c.cidr, got, ok, c.want, c.ok)
			}
		})
	}
}

func TestInsertDuplicateReturnsExisting(t *testing.T) {
	m := New[string]()
	m.Insert(addr("10.0.0.0"), 8, "first")
	got, inserted := m.Insert(addr("10.0.0.0"), 8, "second")
	if inserted {
		t.Fatal("expected duplicate insert to report not-inserted")
	}
	if got != "first" {
		t.Fatalf("got %q, want %q", got, "first")
	}
}

func TestNearestLongestPrefix(t *testing.T) {
	m := New[string]()
	m.Insert(0, 0, "default")
	m.Insert(addr("44.0.0.0"), 8, "mesh")
	m.Insert(addr("44.130.0.0"), 16, "site")

	got, ok := m.Nearest(addr("44.130.24.25"), 32)
	if !ok || got != "site" {
		t.Fatalf("Nearest = (%q, %v), want (\"site\", true)", got, ok)
	}

	got, ok = m.Nearest(addr("44.5.0.1"), 32)
	if !ok || got != "mesh" {
		t.Fatalf("Nearest = (%q, %v), want (\"mesh\", true)", got, ok)
	}

	got, ok = m.Nearest(addr("8.8.8.8"), 32)
	if !ok || got != "default" {
		t.Fatalf("Nearest = (%q, %v), want (\"default\", true)", got, ok)
	}

	// A shorter keylen excludes longer, otherwise-matching entries.
	got, ok = m.Nearest(addr("44.130.24.25"), 12)
	if !ok || got != "mesh" {
		t.Fatalf("Nearest with keylen cap = (%q, %v), want (\"mesh\", true)", got, ok)
	}
}

func TestRemoveRestoresPriorBehavior(t *testing.T) {
	m := New[string]()
	m.Insert(addr("44.0.0.1"), 32, "a")
	m.Insert(addr("44.130.24.25"), 32, "e")
	m.Insert(addr("44.130.130.0"), 24, "d")
	m.Insert(addr("44.130.24.0"), 24, "c")

	val, ok := m.Remove(addr("44.130.24.25"), 32)
	if !ok || val != "e" {
		t.Fatalf("Remove = (%q, %v), want (\"e\", true)", val, ok)
	}
	if _, ok := m.Find(addr("44.130.24.25"), 32); ok {
		t.Fatal("entry still present after Remove")
	}
	// Siblings untouched.
	if got, ok := m.Find(addr("44.130.24.0"), 24); !ok || got != "c" {
		t.Fatalf("sibling c disturbed by removal: got (%q, %v)", got, ok)
	}
	if got, ok := m.Find(addr("44.0.0.1"), 32); !ok || got != "a" {
		t.Fatalf("unrelated entry a disturbed by removal: got (%q, %v)", got, ok)
	}

	// Removing everything collapses back to an empty, usable map.
	m.Remove(addr("44.0.0.1"), 32)
	m.Remove(addr("44.130.130.0"), 24)
	m.Remove(addr("44.130.24.0"), 24)
	m.Insert(addr("9.9.9.9"), 32, "fresh")
	if got, ok := m.Find(addr("9.9.9.9"), 32); !ok || got != "fresh" {
		t.Fatalf("map unusable after draining to empty: got (%q, %v)", got, ok)
	}
}

func TestRemoveNonexistentIsNoop(t *testing.T) {
	m := New[string]()
	m.Insert(addr("44.0.0.0"), 8, "mesh")
	if _, ok := m.Remove(addr("1.2.3.4"), 32); ok {
		t.Fatal("expected Remove of absent key to report not-found")
	}
	if got, ok := m.Find(addr("44.0.0.0"), 8); !ok || got != "mesh" {
		t.Fatalf("unrelated entry disturbed: got (%q, %v)", got, ok)
	}
}

func TestWalkTopDownOrdering(t *testing.T) {
	m := New[string]()
	m.Insert(addr("44.0.0.0"), 8, "mesh")
	m.Insert(addr("44.130.0.0"), 16, "site")
	m.Insert(addr("44.130.24.0"), 24, "net")

	var seen []string
	m.WalkTopDown(func(key uint32, keylen uint8, val string) bool {
		seen = append(seen, val)
		return false
	})
	if len(seen) != 3 {
		t.Fatalf("expected 3 entries, got %v", seen)
	}
	pos := map[string]int{}
	for i, v := range seen {
		pos[v] = i
	}
	if pos["mesh"] > pos["site"] || pos["site"] > pos["net"] {
		t.Fatalf("topdown ordering violated: %v", seen)
	}
}

func TestMaskToCIDR(t *testing.T) {
	cases := []struct {
		mask uint32
		cidr uint8
		ok   bool
	}{
		{0x00000000, 0, true},
		{0xffffffff, 32, true},
		{0xffffff00, 24, true},
		{0xfffffe00, 23, true},
		{0xff00ff00, 0, false}, // non-contiguous
		{0x7fffffff, 0, false}, // ones not leading
	}
	for _, c := range cases {
		cidr, ok := MaskToCIDR(c.mask)
		if ok != c.ok || (ok && cidr != c.cidr) {
			t.Errorf("MaskToCIDR(0x%08x) = (%d, %v), want (%d, %v)", c.mask, cidr, ok, c.cidr, c.ok)
		}
	}
}
