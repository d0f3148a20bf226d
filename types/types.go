// Package types holds the data model shared across the probe runtime:
// ProbeConfig, FilterRule, EnrichedEvent, and the process-ancestry tuple.
package types

// FilterRule is a single network/port filter entry, ingested from config.
// At most one of ExceptPorts / IncludePorts may be set.
type FilterRule struct {
	Network      string   `yaml:"network"`
	NetworkMask  string   `yaml:"network_mask"`
	ExceptPorts  []string `yaml:"except_ports,omitempty"`
	IncludePorts []string `yaml:"include_ports,omitempty"`
}

// LabelPatternSet is a comma-separated list of `label=glob` clauses; all
// clauses in a set must match a container for the set to match.
type LabelPatternSet string

// ProbeConfig is the parsed, per-probe configuration recognized by the
// probe runtime. Fields absent from the YAML keep their Go zero value;
// probe constructors apply their own defaults on top.
type ProbeConfig struct {
	Filters             []FilterRule      `yaml:"filters,omitempty"`
	IncludePorts        []string          `yaml:"includeports,omitempty"`
	ExcludePorts        []string          `yaml:"excludeports,omitempty"`
	ContainerLabels     []LabelPatternSet `yaml:"container_labels,omitempty"`
	Protocols           []string          `yaml:"protocols,omitempty"`
	ExcludeAddress      []string          `yaml:"excludeaddress,omitempty"`
	SnapshotPeriodicity int               `yaml:"snapshot_periodicity,omitempty"`
	SameNamespaceOnly   bool              `yaml:"same_namespace_only,omitempty"`
	SessionMaxDuration  int               `yaml:"session_max_duration,omitempty"`
	Plugins             map[string]PluginConfig `yaml:"plugins,omitempty"`
}

// PluginConfig is the per-plugin settings block under a probe's `plugins` key.
type PluginConfig struct {
	Enabled               *bool                  `yaml:"enabled,omitempty"`
	UnloadOnInitException bool                   `yaml:"unload_on_init_exception,omitempty"`
	Args                  map[string]interface{} `yaml:",inline"`
}

// IsEnabled reports whether the plugin should be loaded (default true).
func (p PluginConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// HotSwappable is the set of ProbeConfig fields that can change without a
// full supervisor restart.
var HotSwappable = map[string]bool{
	"filters":          true,
	"excludeports":     true,
	"includeports":     true,
	"container_labels": true,
}

// ProcessInfo is one entry in a process-ancestry chain, leaf to init.
type ProcessInfo struct {
	PID      int    `json:"pid"`
	Cmdline  string `json:"cmdline"`
	Username string `json:"username"`
}

// Map renders a ProcessInfo as the mutable map representation plugins
// operate on, mirroring the dict entries original_source's
// crawl_process_tree produces for each ancestor.
func (p ProcessInfo) Map() map[string]interface{} {
	return map[string]interface{}{
		"pid":      p.PID,
		"cmdline":  p.Cmdline,
		"username": p.Username,
	}
}

// ProcTreeMaps converts a process-ancestry chain into the []map form
// EnrichedEvent stores under the "proctree" key, leaf to init.
func ProcTreeMaps(chain []ProcessInfo) []map[string]interface{} {
	out := make([]map[string]interface{}, len(chain))
	for i, p := range chain {
		out[i] = p.Map()
	}
	return out
}

// EnrichedEvent is the JSON record emitted to the output sink. It is built
// incrementally: probes populate the map with their own fields, the probe
// base stamps Timestamp/Probe, and plugins mutate it in sequence.
type EnrichedEvent map[string]interface{}

// HotSwapPayload is delivered to a running probe when only hot-swappable
// configuration keys changed.
type HotSwapPayload struct {
	Filters         []FilterRule
	IncludePorts    []string
	ExcludePorts    []string
	ContainerLabels []LabelPatternSet
}
