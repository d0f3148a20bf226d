// Package sourceipmap implements the sourceipmap plugin: maps an event's
// source IP to a human-readable host name read from one or more hosts
// files, reloading them on change. Grounded on
// original_source/pidtree_bcc/plugins/sourceipmap.py, which polls a
// staticconf.ConfigurationWatcher per hostfile; here fsnotify supplies the
// equivalent change detection.
package sourceipmap

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/Yelp/pidtree-go/perr"
	"github.com/Yelp/pidtree-go/plugin"
	"github.com/Yelp/pidtree-go/types"
	"github.com/Yelp/pidtree-go/util"
)

func init() {
	plugin.Register("sourceipmap", plugin.SupportDeclaration{
		All:     true,
		Factory: newPlugin,
	})
}

type sourceIPMap struct {
	mu           sync.RWMutex
	hosts        map[string]string
	attributeKey string
	watcher      *fsnotify.Watcher
}

func newPlugin(args map[string]interface{}) (plugin.Plugin, error) {
	rawFiles, ok := args["hostfiles"]
	if !ok {
		return nil, perr.New(perr.ConfigInvalid, "'hostfiles' option not supplied to sourceipmap plugin")
	}
	files, err := toStringSlice(rawFiles)
	if err != nil {
		return nil, perr.Wrap(perr.ConfigInvalid, "'hostfiles' option should be a list of fully qualified file paths", err)
	}

	attributeKey := "source_host"
	if v, ok := args["attribute_key"].(string); ok && v != "" {
		attributeKey = v
	}

	m := &sourceIPMap{hosts: make(map[string]string), attributeKey: attributeKey}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, perr.Wrap(perr.ConfigInvalid, "create sourceipmap watcher", err)
	}
	m.watcher = watcher

	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			watcher.Close()
			return nil, perr.Wrap(perr.ConfigInvalid, fmt.Sprintf("hostfile %q does not exist", file), err)
		}
		if err := m.loadFile(file); err != nil {
			watcher.Close()
			return nil, err
		}
		if err := watcher.Add(file); err != nil {
			watcher.Close()
			return nil, perr.Wrap(perr.ConfigInvalid, fmt.Sprintf("watch hostfile %q", file), err)
		}
	}

	go m.watchLoop()
	return m, nil
}

func (m *sourceIPMap) watchLoop() {
	for event := range m.watcher.Events {
		if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
			m.loadFile(event.Name)
		}
	}
}

// loadFile parses "ip name" (or "ip: name") lines via util.ParseKeyValueLines,
// skipping blanks and "#"-comments before handing the rest to the shared
// key/value line parser.
func (m *sourceIPMap) loadFile(path string) error {
	lines, err := util.ReadFileLines(path)
	if err != nil {
		return perr.Wrap(perr.ConfigInvalid, "read hostfile "+path, err)
	}

	var kept []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		kept = append(kept, trimmed)
	}
	parsed := util.ParseKeyValueLines(kept)

	m.mu.Lock()
	for ip, name := range parsed {
		m.hosts[ip] = name
	}
	m.mu.Unlock()
	return nil
}

func (m *sourceIPMap) Process(event types.EnrichedEvent) types.EnrichedEvent {
	saddr, ok := event["saddr"].(string)
	if !ok || saddr == "" {
		return event
	}
	m.mu.RLock()
	name := m.hosts[saddr]
	m.mu.RUnlock()
	event[m.attributeKey] = name
	return event
}

func toStringSlice(v interface{}) ([]string, error) {
	raw, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
	out := make([]string, len(raw))
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected string entries, got %T", item)
		}
		out[i] = s
	}
	return out, nil
}
