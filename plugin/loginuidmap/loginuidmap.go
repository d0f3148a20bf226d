// Package loginuidmap implements the loginuidmap plugin: it annotates
// each process in an event's proctree with the audit loginuid and
// corresponding username, grounded on
// original_source/pidtree_bcc/plugins/loginuidmap.py.
package loginuidmap

import (
	"fmt"
	"os/user"
	"strconv"
	"strings"

	"github.com/Yelp/pidtree-go/plugin"
	"github.com/Yelp/pidtree-go/types"
	"github.com/Yelp/pidtree-go/util"
)

// noLoginUID is the sentinel unsigned -1 value audit reports when a
// process has no login session.
const noLoginUID = 4294967295

func init() {
	plugin.Register("loginuidmap", plugin.SupportDeclaration{
		All:     true,
		Factory: newPlugin,
	})
}

type loginuidMap struct{}

func newPlugin(_ map[string]interface{}) (plugin.Plugin, error) {
	return &loginuidMap{}, nil
}

func (l *loginuidMap) Process(event types.EnrichedEvent) types.EnrichedEvent {
	proctree, ok := event["proctree"].([]map[string]interface{})
	if !ok {
		return event
	}
	for _, proc := range proctree {
		pid, ok := proc["pid"].(int)
		if !ok || pid == 1 {
			break
		}
		loginuid, username, ok := lookupLoginUID(pid)
		if ok {
			proc["loginuid"] = loginuid
			proc["loginname"] = username
		}
	}
	return event
}

func lookupLoginUID(pid int) (uint32, string, bool) {
	raw, err := util.ReadFileString(fmt.Sprintf("/proc/%d/loginuid", pid))
	if err != nil {
		return 0, "", false
	}
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, "", false
	}
	loginuid := uint32(value)
	if loginuid == noLoginUID {
		return 0, "", false
	}
	u, err := user.LookupId(strconv.FormatUint(uint64(loginuid), 10))
	if err != nil {
		return loginuid, "", true
	}
	return loginuid, u.Username, true
}
