package filter

import (
	"testing"

	"github.com/Yelp/pidtree-go/kernel/layout"
	"github.com/Yelp/pidtree-go/types"
)

func TestBuildNetworkFilters_KeyNormalization(t *testing.T) {
	// I1: low (32-prefixlen) bits of data are zero.
	entries, err := BuildNetworkFilters([]types.FilterRule{
		{Network: "10.1.2.3", NetworkMask: "255.0.0.0"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	key := entries[0].Key
	if key.PrefixLen != 8 {
		t.Fatalf("expected prefixlen 8, got %d", key.PrefixLen)
	}
	lowMask := uint32(1)<<(32-key.PrefixLen) - 1
	if key.Data&lowMask != 0 {
		t.Fatalf("low bits not zeroed: data=%#x", key.Data)
	}
	if key.Data != 0x0A000000 {
		t.Fatalf("expected masked network 10.0.0.0, got %#x", key.Data)
	}
}

func TestBuildNetworkFilters_KeyEquality(t *testing.T) {
	// I8 / scenario 6: two rules with same mask and masked network collapse.
	entries, err := BuildNetworkFilters([]types.FilterRule{
		{Network: "192.168.0.0", NetworkMask: "255.255.0.0"},
		{Network: "192.168.2.3", NetworkMask: "255.255.0.0"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected rules to collapse to a single key, got %d entries", len(entries))
	}
}

func TestBuildNetworkFilters_Modes(t *testing.T) {
	entries, err := BuildNetworkFilters([]types.FilterRule{
		{Network: "10.0.0.0", NetworkMask: "255.0.0.0", ExceptPorts: []string{"22"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v := entries[0].Value
	if v.Mode != layout.ModeExclude {
		t.Fatalf("expected EXCLUDE mode, got %v", v.Mode)
	}
	if v.RangeCount != 1 || v.Ranges[0].Lower != 22 || v.Ranges[0].Upper != 22 {
		t.Fatalf("unexpected ranges: %+v", v.Ranges[:v.RangeCount])
	}
}

func TestBuildNetworkFilters_InvalidMask(t *testing.T) {
	_, err := BuildNetworkFilters([]types.FilterRule{
		{Network: "10.0.0.0", NetworkMask: "255.0.255.0"},
	})
	if err == nil {
		t.Fatal("expected error for non-contiguous mask")
	}
}

func TestBuildNetworkFilters_TooManyPortRanges(t *testing.T) {
	ports := make([]string, layout.MaxPortRanges+1)
	for i := range ports {
		ports[i] = "1"
	}
	_, err := BuildNetworkFilters([]types.FilterRule{
		{Network: "10.0.0.0", NetworkMask: "255.0.0.0", IncludePorts: ports},
	})
	if err == nil {
		t.Fatal("expected error for too many port ranges")
	}
}

func TestExpandPortRange(t *testing.T) {
	// I2
	cases := []struct {
		in   string
		want []int
	}{
		{"80", []int{80}},
		{"1-3", []int{1, 2, 3}},
		{"0-10", []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
	}
	for _, c := range cases {
		got := ExpandPortRange(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("%s: expected %v, got %v", c.in, c.want, got)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("%s: expected %v, got %v", c.in, c.want, got)
			}
		}
	}
}

func TestExpandPortRange_ClampsUpper(t *testing.T) {
	got := ExpandPortRange("100-100000000")
	if len(got) != 65535-100+1 {
		t.Fatalf("expected clamp to 65535, got %d entries", len(got))
	}
	if got[0] != 100 || got[len(got)-1] != 65535 {
		t.Fatalf("unexpected bounds: first=%d last=%d", got[0], got[len(got)-1])
	}
}

func TestBuildGlobalPortFilter(t *testing.T) {
	arr, err := BuildGlobalPortFilter([]string{"80", "443", "8000-8002"}, layout.ModeInclude)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if arr.ModeValue() != layout.ModeInclude {
		t.Fatalf("expected mode slot set")
	}
	for _, p := range []int{80, 443, 8000, 8001, 8002} {
		if arr[p] != 1 {
			t.Fatalf("expected port %d set", p)
		}
	}
	if arr[81] != 0 {
		t.Fatalf("expected port 81 unset")
	}
}

func TestBuildGlobalPortFilter_InvalidMode(t *testing.T) {
	_, err := BuildGlobalPortFilter([]string{"80"}, layout.ModeAll)
	if err == nil {
		t.Fatal("expected error for ALL mode")
	}
}
