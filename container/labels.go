package container

import (
	"encoding/json"
	"os"
	"strings"
	"syscall"

	"github.com/gobwas/glob"
)

// matchesAnySet implements "any set matching is sufficient, all clauses
// within a set must match", the same rule as list_matching in
// original_source/pidtree_bcc/containers.py.
func matchesAnySet(labels map[string]string, patternSets []string) bool {
	if len(patternSets) == 0 {
		return true
	}
	for _, set := range patternSets {
		if matchesSet(labels, set) {
			return true
		}
	}
	return false
}

func matchesSet(labels map[string]string, set string) bool {
	clauses := strings.Split(set, ",")
	for _, clause := range clauses {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		name, pattern, hasValue := strings.Cut(clause, "=")
		if !hasValue {
			if _, ok := labels[name]; !ok {
				return false
			}
			continue
		}
		value, ok := labels[name]
		if !ok {
			return false
		}
		g, err := glob.Compile(pattern, '.', '/')
		if err != nil {
			if value != pattern {
				return false
			}
			continue
		}
		if !g.Match(value) {
			return false
		}
	}
	return true
}

func parseLabelsJSON(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	labels := make(map[string]string)
	if raw == "" || raw == "null" {
		return labels, nil
	}
	if err := json.Unmarshal([]byte(raw), &labels); err != nil {
		return nil, err
	}
	return labels, nil
}

func parseRuntimeEvent(line string) (Event, bool) {
	var raw struct {
		Status string `json:"status"`
		Action string `json:"Action"`
		ID     string `json:"id"`
		Actor  struct {
			ID string `json:"ID"`
		} `json:"Actor"`
	}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Event{}, false
	}
	status := raw.Status
	if status == "" {
		status = raw.Action
	}
	id := raw.ID
	if id == "" {
		id = raw.Actor.ID
	}
	if id == "" {
		return Event{}, false
	}
	switch status {
	case "start":
		return Event{Type: "start", ID: id}, true
	case "stop", "die":
		return Event{Type: "stop", ID: id}, true
	default:
		return Event{}, false
	}
}

// inodeOf extracts the inode number from a os.FileInfo backed by a Linux
// *syscall.Stat_t, the representation /proc/<pid>/ns/mnt's inode number is
// encoded in on stat(2).
func inodeOf(info os.FileInfo) (int, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return int(stat.Ino), true
}
