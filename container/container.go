// Package container implements container runtime discovery, grounded on original_source/pidtree_bcc/containers.py: a CLI
// subprocess wrapper around docker/nerdctl, since no uniform Go API covers
// both runtimes, plus LRU-cached inspect/mount-namespace lookups.
package container

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Yelp/pidtree-go/perr"
)

const (
	containerdTaskPath = "/var/run/containerd/io.containerd.runtime.v2.task/k8s.io"

	inspectCacheSize = 2048
	mntnsCacheSize   = 20000
)

// Event is a lifecycle event observed on the runtime's event stream.
type Event struct {
	Type string // "start" or "stop"
	ID   string
}

// Runtime talks to the detected container CLI (docker or nerdctl) and
// caches inspect/mount-namespace results.
type Runtime struct {
	client string

	mu          sync.Mutex
	inspectPID  *lru.Cache[string, int]
	mntnsByID   *lru.Cache[string, int]
}

// Detect picks the container CLI client once, preferring nerdctl when the
// containerd Kubernetes task tree is present.
func Detect() *Runtime {
	client := "docker"
	if _, err := os.Stat(containerdTaskPath); err == nil {
		client = "nerdctl"
	}
	inspectCache, _ := lru.New[string, int](inspectCacheSize)
	mntnsCache, _ := lru.New[string, int](mntnsCacheSize)
	return &Runtime{client: client, inspectPID: inspectCache, mntnsByID: mntnsCache}
}

// Client returns the detected CLI binary name ("docker" or "nerdctl").
func (r *Runtime) Client() string { return r.client }

// ListMatching returns container IDs whose labels satisfy any of the given
// pattern sets. Each pattern set is itself a
// comma-separated AND of label=glob clauses.
func (r *Runtime) ListMatching(ctx context.Context, patternSets []string) ([]string, error) {
	args := []string{"ps", "--no-trunc", "--quiet"}
	// The CLI's label filters are all required at once, so they can only
	// narrow the listing when there is a single pattern set.
	if len(patternSets) == 1 {
		for _, label := range uniqueLabelNames(patternSets) {
			args = append(args, "--filter", "label="+label)
		}
	}
	out, err := r.run(ctx, args...)
	if err != nil {
		return nil, perr.Wrap(perr.ContainerInspectFailed, "list containers", err)
	}
	ids := splitNonEmptyLines(out)
	if len(patternSets) == 0 || (len(patternSets) == 1 && !hasGlobSpec(patternSets)) {
		return ids, nil
	}
	var matched []string
	for _, id := range ids {
		labels, err := r.inspectLabels(ctx, id)
		if err != nil {
			continue
		}
		if matchesAnySet(labels, patternSets) {
			matched = append(matched, id)
		}
	}
	return matched, nil
}

// ResolveMountNS reads inspect data for the main PID and returns the
// mount-namespace inode of /proc/<pid>/ns/mnt. Returns -1 on failure
//.
func (r *Runtime) ResolveMountNS(ctx context.Context, containerID string) int {
	if v, ok := r.mntnsByID.Get(containerID); ok {
		return v
	}
	resolved := r.resolveMountNSUncached(ctx, containerID)
	r.mntnsByID.Add(containerID, resolved)
	return resolved
}

func (r *Runtime) resolveMountNSUncached(ctx context.Context, containerID string) int {
	pid, err := r.containerPID(ctx, containerID)
	if err != nil {
		return -1
	}
	if pid == 0 {
		time.Sleep(500 * time.Millisecond)
		pid, err = r.containerPID(ctx, containerID)
		if err != nil || pid == 0 {
			return -1
		}
	}
	info, err := os.Stat(fmt.Sprintf("/proc/%d/ns/mnt", pid))
	if err != nil {
		return -1
	}
	ino, ok := inodeOf(info)
	if !ok {
		return -1
	}
	return ino
}

func (r *Runtime) containerPID(ctx context.Context, containerID string) (int, error) {
	if v, ok := r.inspectPID.Get(containerID); ok {
		return v, nil
	}
	out, err := r.run(ctx, "inspect", "-f", "{{.State.Pid}}", containerID)
	if err != nil {
		return 0, err
	}
	lines := splitNonEmptyLines(out)
	if len(lines) == 0 {
		return 0, perr.New(perr.ContainerInspectFailed, "empty inspect output for "+containerID)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, perr.Wrap(perr.ContainerInspectFailed, "parse inspect pid", err)
	}
	r.inspectPID.Add(containerID, pid)
	return pid, nil
}

func (r *Runtime) inspectLabels(ctx context.Context, containerID string) (map[string]string, error) {
	out, err := r.run(ctx, "inspect", "-f", "{{json .Config.Labels}}", containerID)
	if err != nil {
		return nil, err
	}
	return parseLabelsJSON(out)
}

// StreamEvents tails the runtime's event stream, filtering to start/stop
// events, and restarts the subprocess on failure. Events are pushed to the returned channel until ctx is
// done.
func (r *Runtime) StreamEvents(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			r.streamOnce(ctx, out)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
	return out
}

func (r *Runtime) streamOnce(ctx context.Context, out chan<- Event) {
	cmd := exec.CommandContext(ctx, r.client, "events", "--format", "{{json .}}")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return
	}
	if err := cmd.Start(); err != nil {
		return
	}
	defer cmd.Wait()

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		evt, ok := parseRuntimeEvent(scanner.Text())
		if !ok {
			continue
		}
		select {
		case out <- evt:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runtime) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.client, args...)
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(output), nil
}

func uniqueLabelNames(patternSets []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, set := range patternSets {
		for _, clause := range strings.Split(set, ",") {
			clause = strings.TrimSpace(clause)
			name := clause
			if idx := strings.Index(clause, "="); idx >= 0 {
				name = clause[:idx]
			}
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

func hasGlobSpec(patternSets []string) bool {
	for _, set := range patternSets {
		if strings.Contains(set, "=") {
			return true
		}
	}
	return false
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
