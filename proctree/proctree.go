// Package proctree implements the process-tree enricher:
// walk the ppid chain from the triggering pid up to init, collecting
// {pid, cmdline, username} at each step. Grounded on
// original_source/pidtree_bcc/utils.py's crawl_process_tree, which does
// the same walk over psutil.Process objects; here gopsutil/v3/process
// supplies the equivalent per-pid lookups.
package proctree

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/Yelp/pidtree-go/perr"
	"github.com/Yelp/pidtree-go/types"
)

// Crawl walks the ppid chain starting at pid, appending a types.ProcessInfo
// for each process until the ppid reaches 0. Returns perr.ProcessVanished
// wrapping the underlying cause if any pid along the chain can no longer
// be resolved; the caller decides whether to keep the partial tree.
func Crawl(pid int) ([]types.ProcessInfo, error) {
	var out []types.ProcessInfo
	current := int32(pid)
	for {
		info, ppid, err := describe(current)
		if err != nil {
			return out, perr.Wrap(perr.ProcessVanished, fmt.Sprintf("pid %d", current), err)
		}
		out = append(out, info)
		if ppid == 0 {
			return out, nil
		}
		current = ppid
	}
}

func describe(pid int32) (types.ProcessInfo, int32, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return types.ProcessInfo{}, 0, err
	}
	cmdline, err := proc.Cmdline()
	if err != nil {
		cmdline = ""
	}
	username, err := proc.Username()
	if err != nil {
		username = ""
	}
	ppid, err := proc.Ppid()
	if err != nil {
		return types.ProcessInfo{}, 0, err
	}
	return types.ProcessInfo{PID: int(pid), Cmdline: cmdline, Username: username}, ppid, nil
}
