// Package plugin implements the plugin host: discover,
// instantiate, and sequentially invoke per-event transformers, tolerating
// load failures per policy. Grounded on
// original_source/pidtree_bcc/plugin.py's BasePlugin/load_plugins, but
// Go has no dynamic dotted-import equivalent, so plugins register
// themselves into a static map from their own init() function, the
// idiomatic Go substitute for the Python plugin directory scan.
package plugin

import (
	"fmt"
	"os"

	"github.com/Yelp/pidtree-go/perr"
	"github.com/Yelp/pidtree-go/types"
)

// Plugin transforms an event, optionally restricted to a set of probes.
type Plugin interface {
	// Process mutates and returns event.
	Process(event types.EnrichedEvent) types.EnrichedEvent
}

// Factory constructs a Plugin from its config args, validating them.
type Factory func(args map[string]interface{}) (Plugin, error)

// SupportDeclaration marks the probe names a plugin supports. "*" means
// every probe.
type SupportDeclaration struct {
	Factory Factory
	Probes  map[string]bool // nil/empty with All=true means unrestricted
	All     bool
}

var registry = map[string]SupportDeclaration{}

// Register adds a plugin factory to the static registry. Called from each
// plugin package's init().
func Register(name string, decl SupportDeclaration) {
	registry[name] = decl
}

func supports(decl SupportDeclaration, probeName string) bool {
	if decl.All {
		return true
	}
	return decl.Probes[probeName]
}

// Load builds the configured plugins for a probe, in config iteration
// order: enabled:false is skipped silently; an init error is fatal
// unless unload_on_init_exception is set,
// in which case it is logged to stderr and the plugin dropped.
func Load(probeName string, configs map[string]types.PluginConfig, order []string) ([]Plugin, error) {
	var loaded []Plugin
	for _, name := range order {
		cfg, ok := configs[name]
		if !ok {
			continue
		}
		if !cfg.IsEnabled() {
			continue
		}
		decl, ok := registry[name]
		if !ok {
			err := perr.New(perr.PluginLoadFailed, fmt.Sprintf("unknown plugin %q", name))
			if cfg.UnloadOnInitException {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			return nil, err
		}
		if !supports(decl, probeName) {
			err := perr.Wrap(perr.UnsupportedProbe, fmt.Sprintf("plugin %q does not support probe %q", name, probeName), nil)
			if cfg.UnloadOnInitException {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			return nil, err
		}
		p, err := decl.Factory(cfg.Args)
		if err != nil {
			wrapped := perr.Wrap(perr.PluginLoadFailed, fmt.Sprintf("init plugin %q", name), err)
			if cfg.UnloadOnInitException {
				fmt.Fprintln(os.Stderr, wrapped)
				continue
			}
			return nil, wrapped
		}
		loaded = append(loaded, p)
	}
	return loaded, nil
}

// Apply runs event through each plugin in order, each plugin's output
// becoming the next plugin's input.
func Apply(plugins []Plugin, event types.EnrichedEvent) types.EnrichedEvent {
	for _, p := range plugins {
		event = p.Process(event)
	}
	return event
}

// ConfigOrder returns the iteration order for a ProbeConfig's plugin map.
// Go map iteration is unordered; config/yamlsrc recovers the YAML key
// order via yaml.Node and should be preferred over this fallback, which
// callers use only when they hold a plain map with no surviving order.
func ConfigOrder(configs map[string]types.PluginConfig) []string {
	order := make([]string, 0, len(configs))
	for name := range configs {
		order = append(order, name)
	}
	return order
}
