// Package template renders the kernel program text for each probe. It is
// the Go equivalent of the Jinja2 rendering BPFProbe.__init__ does over a
// probe's BPF_TEXT/.j2 source in
// original_source/pidtree_bcc/probes/__init__.py: take a probe's base
// program text plus a config subset and produce the C text that gets
// handed to the kernel facility for compilation.
package template

import (
	"bytes"
	"fmt"
	"text/template"
)

// Source holds a named program's template text along with the set of
// config fields it is rendered with. A zero-value Vars means the whole
// probe config (minus "plugins") is passed through, mirroring the
// original's default of template_config = probe_config.copy().
type Source struct {
	Name string
	Text string
	Vars []string
}

// Render expands a Source's template text against the given variables.
// vars should already be filtered down to the probe's TEMPLATE_VARS (or
// the full config minus "plugins") by the caller.
func Render(src Source, vars map[string]interface{}) (string, error) {
	tmpl, err := template.New(src.Name).Parse(src.Text)
	if err != nil {
		return "", fmt.Errorf("parse template for probe %q: %w", src.Name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render template for probe %q: %w", src.Name, err)
	}
	return buf.String(), nil
}

// SelectVars builds the template variable map for a probe config, applying
// the same default rule as the original BPFProbe constructor: if the probe
// declares an explicit Vars list, use only those fields; otherwise pass the
// full config with "plugins" removed.
func SelectVars(src Source, config map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	if len(src.Vars) > 0 {
		for _, k := range src.Vars {
			if v, ok := config[k]; ok {
				out[k] = v
			}
		}
		return out
	}
	for k, v := range config {
		if k == "plugins" {
			continue
		}
		out[k] = v
	}
	return out
}
