// Package filter implements the Address/Port Filter Builder and the
// Filter Map Manager: compiling user FilterRules into kernel-map-ready
// keys/values and diff-applying them against the live kernel maps.
// Grounded on original_source/pidtree_bcc/filtering.py.
package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Yelp/pidtree-go/kernel/layout"
	"github.com/Yelp/pidtree-go/netutil"
	"github.com/Yelp/pidtree-go/perr"
	"github.com/Yelp/pidtree-go/types"
)

// Entry is one (FilterKey, FilterValue) pair produced by BuildNetworkFilters.
type Entry struct {
	Key   layout.FilterKey
	Value layout.FilterValue
}

// BuildNetworkFilters compiles filter rules into kernel-map-ready entries
//. Two rules whose masked network and mask agree collapse to
// the same key (I8); the last rule for a given key wins, matching the
// original implementation's plain dict-style map assignment.
func BuildNetworkFilters(rules []types.FilterRule) ([]Entry, error) {
	byKey := make(map[layout.FilterKey]layout.FilterValue)
	var order []layout.FilterKey
	for _, rule := range rules {
		prefixLen, err := netutil.NetmaskToPrefixLen(rule.NetworkMask)
		if err != nil {
			return nil, perr.Wrap(perr.InvalidMask, "rule network_mask "+rule.NetworkMask, err)
		}
		network, err := netutil.IPToInt(rule.Network)
		if err != nil {
			return nil, perr.Wrap(perr.InvalidMask, "rule network "+rule.Network, err)
		}
		maskInt, err := netutil.IPToInt(rule.NetworkMask)
		if err != nil {
			return nil, perr.Wrap(perr.InvalidMask, "rule network_mask "+rule.NetworkMask, err)
		}
		key := layout.FilterKey{PrefixLen: prefixLen, Data: network & maskInt}

		var (
			mode    layout.Mode
			entries []string
		)
		switch {
		case len(rule.ExceptPorts) > 0:
			mode = layout.ModeExclude
			entries = rule.ExceptPorts
		case len(rule.IncludePorts) > 0:
			mode = layout.ModeInclude
			entries = rule.IncludePorts
		default:
			mode = layout.ModeAll
			entries = nil
		}

		if len(entries) > layout.MaxPortRanges {
			return nil, perr.New(perr.InvalidPort, fmt.Sprintf("more than %d port ranges supplied", layout.MaxPortRanges))
		}
		value := layout.FilterValue{Mode: mode}
		for _, entry := range entries {
			pr, err := parsePortRange(entry)
			if err != nil {
				return nil, err
			}
			value.Ranges[value.RangeCount] = pr
			value.RangeCount++
		}

		if _, exists := byKey[key]; !exists {
			order = append(order, key)
		}
		byKey[key] = value
	}

	out := make([]Entry, 0, len(order))
	for _, k := range order {
		out = append(out, Entry{Key: k, Value: byKey[k]})
	}
	return out, nil
}

// parsePortRange parses a bare port ("80") or a dash-separated range
// ("100-200") into a clamped layout.PortRange.
func parsePortRange(entry string) (layout.PortRange, error) {
	var lower, upper int
	if idx := strings.IndexByte(entry, '-'); idx >= 0 {
		var err error
		lower, err = strconv.Atoi(strings.TrimSpace(entry[:idx]))
		if err != nil {
			return layout.PortRange{}, perr.Wrap(perr.InvalidPort, "port range "+entry, err)
		}
		upper, err = strconv.Atoi(strings.TrimSpace(entry[idx+1:]))
		if err != nil {
			return layout.PortRange{}, perr.Wrap(perr.InvalidPort, "port range "+entry, err)
		}
	} else {
		p, err := strconv.Atoi(strings.TrimSpace(entry))
		if err != nil {
			return layout.PortRange{}, perr.Wrap(perr.InvalidPort, "port "+entry, err)
		}
		lower, upper = p, p
	}
	if lower < 1 {
		lower = 1
	}
	if upper > 65535 {
		upper = 65535
	}
	if lower > upper {
		return layout.PortRange{}, perr.New(perr.InvalidPort, fmt.Sprintf("invalid port range %q after clamping", entry))
	}
	return layout.PortRange{Lower: uint16(lower), Upper: uint16(upper)}, nil
}

// BuildGlobalPortFilter expands a list of ports/ranges into a
// PortFilterArray under the given mode. mode must be
// ModeInclude or ModeExclude.
func BuildGlobalPortFilter(ports []string, mode layout.Mode) (*layout.PortFilterArray, error) {
	if mode != layout.ModeInclude && mode != layout.ModeExclude {
		return nil, perr.New(perr.InvalidMode, fmt.Sprintf("invalid global port filtering mode: %v", mode))
	}
	arr := &layout.PortFilterArray{}
	arr.SetMode(mode)
	for _, entry := range ports {
		for _, p := range ExpandPortRange(entry) {
			arr[p] = 1
		}
	}
	return arr, nil
}

// ExpandPortRange expands a bare port or "L-H" range into the set of ports
// in 1..=65535 it denotes. A bare integer denotes {p}.
func ExpandPortRange(entry string) []int {
	idx := strings.IndexByte(entry, '-')
	if idx < 0 {
		p, err := strconv.Atoi(strings.TrimSpace(entry))
		if err != nil || p < 1 || p > 65535 {
			return nil
		}
		return []int{p}
	}
	lower, err1 := strconv.Atoi(strings.TrimSpace(entry[:idx]))
	upper, err2 := strconv.Atoi(strings.TrimSpace(entry[idx+1:]))
	if err1 != nil || err2 != nil {
		return nil
	}
	if lower < 1 {
		lower = 1
	}
	if upper > 65535 {
		upper = 65535
	}
	if lower > upper {
		return nil
	}
	out := make([]int, 0, upper-lower+1)
	for p := lower; p <= upper; p++ {
		out = append(out, p)
	}
	return out
}
