// Package yamlsrc loads the probe configuration YAML source, resolving !include directives against local paths and
// http(s) URLs, grounded on
// original_source/pidtree_bcc/yaml_loader.py's FileIncludeLoader. yaml.v3
// has no equivalent custom-loader hook, so resolution here walks the
// parsed *yaml.Node tree directly, replacing each !include scalar with
// the recursively-resolved node of its target.
package yamlsrc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const includeTag = "!include"

// Document is the result of loading a config source: the resolved root
// node plus the full set of files/URLs consulted (direct file plus every
// transitively included one), used by the Configuration Store to detect
// "loaded-file set changed".
type Document struct {
	Root          *yaml.Node
	IncludedFiles []string
}

// Loader resolves !include directives, caching remote fetches under
// cacheDir.
type Loader struct {
	cache *httpCache
}

// NewLoader builds a Loader that caches http(s) includes under cacheDir.
func NewLoader(cacheDir string) *Loader {
	return &Loader{cache: newHTTPCache(cacheDir)}
}

// Load parses path and resolves every !include directive, recursively.
func (l *Loader) Load(path string) (*Document, error) {
	doc := &Document{}
	root, err := l.loadFile(path, doc)
	if err != nil {
		return nil, err
	}
	doc.Root = root
	doc.IncludedFiles = append([]string{path}, doc.IncludedFiles...)
	return doc, nil
}

func (l *Loader) loadFile(path string, doc *Document) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := l.resolve(&root, filepath.Dir(path), doc); err != nil {
		return nil, err
	}
	return &root, nil
}

func (l *Loader) resolve(node *yaml.Node, baseDir string, doc *Document) error {
	if node.Tag == includeTag && node.Kind == yaml.ScalarNode {
		target := node.Value
		resolvedPath, err := l.resolveTarget(target, baseDir)
		if err != nil {
			return err
		}
		doc.IncludedFiles = append(doc.IncludedFiles, resolvedPath)
		included, err := l.loadFile(resolvedPath, doc)
		if err != nil {
			return err
		}
		*node = *included
		return nil
	}

	for _, child := range node.Content {
		if err := l.resolve(child, baseDir, doc); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) resolveTarget(target, baseDir string) (string, error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return l.cache.Fetch(target)
	}
	if filepath.IsAbs(target) {
		return target, nil
	}
	return filepath.Join(baseDir, target), nil
}

// Decode unmarshals the resolved document into a generic mapping suitable
// for per-probe config extraction, plus the top-level key order recovered
// via yaml.Node traversal (cmd's print-and-quit mode walks probes in this
// order).
func (d *Document) Decode() (map[string]interface{}, []string, error) {
	var generic map[string]interface{}
	if err := d.Root.Decode(&generic); err != nil {
		return nil, nil, fmt.Errorf("decode resolved config: %w", err)
	}
	order := topLevelKeyOrder(d.Root)
	return generic, order, nil
}

// topLevelKeyOrder returns the top-level mapping keys in document order,
// since yaml.v3's generic map decode does not preserve it.
func topLevelKeyOrder(root *yaml.Node) []string {
	mapping := root
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		mapping = root.Content[0]
	}
	if mapping.Kind != yaml.MappingNode {
		return nil
	}
	var order []string
	for i := 0; i < len(mapping.Content); i += 2 {
		order = append(order, mapping.Content[i].Value)
	}
	return order
}
