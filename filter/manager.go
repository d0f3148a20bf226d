package filter

import (
	"bytes"
	"sync"

	"github.com/Yelp/pidtree-go/kernel"
	"github.com/Yelp/pidtree-go/kernel/layout"
	"github.com/Yelp/pidtree-go/types"
)

// capacityHeadroom and capacityCap implement the net_filter_map sizing
// rule: nearest multiple of 512 above the rule count, with 128
// headroom, capped at 4096.
const (
	capacityGranularity = 512
	capacityHeadroom    = 128
	capacityCap         = 4096
)

// MapCapacity returns the net_filter_map capacity for the given rule count.
func MapCapacity(ruleCount int) int {
	target := ruleCount + capacityHeadroom
	capacity := capacityGranularity
	for capacity < target {
		capacity += capacityGranularity
	}
	if capacity > capacityCap {
		capacity = capacityCap
	}
	return capacity
}

// MapManager owns the two kernel maps for a single probe: the LPM
// network trie and the fixed-size port array. All mutation goes through
// Apply, which is serialized by mu (the net_filter_mutex analogue).
type MapManager struct {
	mu      sync.Mutex
	netMap  kernel.LPMMap
	portMap kernel.ArrayMap
}

// NewMapManager wraps the two kernel maps opened for a probe's program.
func NewMapManager(netMap kernel.LPMMap, portMap kernel.ArrayMap) *MapManager {
	return &MapManager{netMap: netMap, portMap: portMap}
}

// Apply compiles rules/ports/mode and writes the result into the kernel
// maps. When diff is true, only the delta versus the maps'
// current contents is written/deleted (I4); otherwise the maps are
// cleared and refilled. Writes are always additive-first, subtractive-
// second, per the documented ordering guarantee.
func (m *MapManager) Apply(rules []types.FilterRule, ports []string, mode layout.Mode, diff bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	targetEntries, err := BuildNetworkFilters(rules)
	if err != nil {
		return err
	}
	if err := m.applyNetMap(targetEntries, diff); err != nil {
		return err
	}
	return m.applyPortMap(ports, mode, diff)
}

func (m *MapManager) applyNetMap(target []Entry, diff bool) error {
	targetByKey := make(map[[8]byte]layout.FilterValue, len(target))
	for _, e := range target {
		targetByKey[layout.EncodeKey(e.Key)] = e.Value
	}

	if diff {
		current, err := m.netMap.Iterate()
		if err != nil {
			return err
		}
		// Additive first: write only keys that are new or whose value
		// changed.
		for k, v := range targetByKey {
			encoded := layout.EncodeValue(v)
			if cur, ok := current[k]; ok && bytes.Equal(cur, encoded) {
				continue
			}
			if err := m.netMap.Update(k, encoded); err != nil {
				return err
			}
		}
		// Subtractive second: delete keys no longer present.
		for k := range current {
			if _, ok := targetByKey[k]; !ok {
				if err := m.netMap.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	}

	// Clear-and-fill: additive first, subtractive second against whatever
	// was already present.
	current, err := m.netMap.Iterate()
	if err != nil {
		return err
	}
	for k, v := range targetByKey {
		if err := m.netMap.Update(k, layout.EncodeValue(v)); err != nil {
			return err
		}
	}
	for k := range current {
		if _, ok := targetByKey[k]; !ok {
			if err := m.netMap.Delete(k); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *MapManager) applyPortMap(ports []string, mode layout.Mode, diff bool) error {
	targetPorts := make(map[int]bool)
	for _, entry := range ports {
		for _, p := range ExpandPortRange(entry) {
			targetPorts[p] = true
		}
	}

	// Additive first: mode slot, then every target port.
	if err := m.portMap.Set(0, byte(mode)); err != nil {
		return err
	}
	for p := range targetPorts {
		if err := m.portMap.Set(uint32(p), 1); err != nil {
			return err
		}
	}

	if !diff {
		// Clear-and-fill: subtractive second over the full port space.
		for p := 1; p < int(m.portMap.Len()); p++ {
			if targetPorts[p] {
				continue
			}
			cur, err := m.portMap.Get(uint32(p))
			if err != nil {
				return err
			}
			if cur != 0 {
				if err := m.portMap.Set(uint32(p), 0); err != nil {
					return err
				}
			}
		}
		return nil
	}

	// Diff: subtractive second, clear only ports that were set but are no
	// longer in the target set.
	for p := 1; p < int(m.portMap.Len()); p++ {
		if targetPorts[p] {
			continue
		}
		cur, err := m.portMap.Get(uint32(p))
		if err != nil {
			return err
		}
		if cur == 1 {
			if err := m.portMap.Set(uint32(p), 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close releases the underlying kernel maps.
func (m *MapManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err1 := m.netMap.Close()
	err2 := m.portMap.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
