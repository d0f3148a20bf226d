// Package config implements the Configuration Store: it
// holds the current per-probe configuration, compares a freshly parsed
// source against it, and classifies the result as a no-op, a set of
// hot-swap payloads, or a full restart. Grounded on
// original_source/pidtree_bcc/config.py's parse_config, which does the
// same hot-swappable-vs-not field comparison against staticconf
// namespaces; here it is a plain in-memory map comparison instead.
package config

import (
	"reflect"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Yelp/pidtree-go/types"
)

// Store holds the last successfully applied configuration.
type Store struct {
	probes        map[string]types.ProbeConfig
	includedFiles []string
}

// NewStore returns an empty Configuration Store.
func NewStore() *Store {
	return &Store{probes: make(map[string]types.ProbeConfig)}
}

// ChangeResult classifies the outcome of a Reload call.
type ChangeResult struct {
	FullRestart bool
	HotSwap     map[string]types.HotSwapPayload
}

// Reload parses generic (as produced by yamlsrc.Document.Decode) into
// per-probe configs and compares against the store's current state,
// applying these rules in order: probe-set change or included-file-set
// change force a full restart; for surviving probes, a
// non-hot-swappable field change forces a full restart, otherwise
// hot-swappable changes are collected into per-probe payloads.
func (s *Store) Reload(generic map[string]interface{}, includedFiles []string) (ChangeResult, error) {
	newProbes, err := decodeProbes(generic)
	if err != nil {
		return ChangeResult{}, err
	}

	if !sameKeySet(s.probes, newProbes) {
		s.probes = newProbes
		s.includedFiles = includedFiles
		return ChangeResult{FullRestart: true}, nil
	}
	if !sameFileSet(s.includedFiles, includedFiles) {
		s.probes = newProbes
		s.includedFiles = includedFiles
		return ChangeResult{FullRestart: true}, nil
	}

	hotSwap := make(map[string]types.HotSwapPayload)
	for name, newConfig := range newProbes {
		oldConfig := s.probes[name]
		if reflect.DeepEqual(oldConfig, newConfig) {
			continue
		}
		if nonHotSwapChanged(oldConfig, newConfig) {
			s.probes = newProbes
			s.includedFiles = includedFiles
			return ChangeResult{FullRestart: true}, nil
		}
		hotSwap[name] = types.HotSwapPayload{
			Filters:         newConfig.Filters,
			IncludePorts:    newConfig.IncludePorts,
			ExcludePorts:    newConfig.ExcludePorts,
			ContainerLabels: newConfig.ContainerLabels,
		}
	}

	s.probes = newProbes
	s.includedFiles = includedFiles
	return ChangeResult{HotSwap: hotSwap}, nil
}

// Probes returns a copy of the currently stored per-probe configuration.
func (s *Store) Probes() map[string]types.ProbeConfig {
	out := make(map[string]types.ProbeConfig, len(s.probes))
	for k, v := range s.probes {
		out[k] = v
	}
	return out
}

// nonHotSwapChanged reports whether any field outside
// types.HotSwappable differs between old and new.
func nonHotSwapChanged(old, new types.ProbeConfig) bool {
	oldCopy, newCopy := old, new
	clearHotSwappable(&oldCopy)
	clearHotSwappable(&newCopy)
	return !reflect.DeepEqual(oldCopy, newCopy)
}

func clearHotSwappable(c *types.ProbeConfig) {
	c.Filters = nil
	c.ExcludePorts = nil
	c.IncludePorts = nil
	c.ContainerLabels = nil
}

func decodeProbes(generic map[string]interface{}) (map[string]types.ProbeConfig, error) {
	out := make(map[string]types.ProbeConfig)
	for key, value := range generic {
		if len(key) > 0 && key[0] == '_' {
			continue
		}
		raw, err := yaml.Marshal(value)
		if err != nil {
			return nil, err
		}
		var cfg types.ProbeConfig
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		out[key] = cfg
	}
	return out, nil
}

func sameKeySet(a, b map[string]types.ProbeConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func sameFileSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
