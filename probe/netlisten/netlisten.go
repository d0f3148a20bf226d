// Package netlisten implements the net_listen probe variant and its Snapshot Worker, grounded on
// original_source/pidtree_bcc/probes/net_listen.py's protocol-number
// mapping and same-namespace filtering.
package netlisten

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/Yelp/pidtree-go/filter"
	"github.com/Yelp/pidtree-go/kernel"
	"github.com/Yelp/pidtree-go/kernel/layout"
	"github.com/Yelp/pidtree-go/kernel/template"
	"github.com/Yelp/pidtree-go/netutil"
	"github.com/Yelp/pidtree-go/probe"
	"github.com/Yelp/pidtree-go/proctree"
	"github.com/Yelp/pidtree-go/types"
)

const rawEventSize = 11

const (
	protoTCP = 6
	protoUDP = 17
)

var protocolNames = map[uint8]string{
	protoTCP: "tcp",
	protoUDP: "udp",
}

// RawEvent is the decoded kernel record for a listening socket.
type RawEvent struct {
	PID      uint32
	LAddr    uint32
	Port     uint16
	Protocol uint8
}

// DecodeRawEvent parses a ring-buffer record into a RawEvent.
func DecodeRawEvent(raw []byte) (RawEvent, error) {
	if len(raw) < rawEventSize {
		return RawEvent{}, fmt.Errorf("net_listen: short event, got %d bytes", len(raw))
	}
	return RawEvent{
		PID:      binary.LittleEndian.Uint32(raw[0:4]),
		LAddr:    binary.LittleEndian.Uint32(raw[4:8]),
		Port:     binary.LittleEndian.Uint16(raw[8:10]),
		Protocol: raw[10],
	}, nil
}

// Probe implements the net_listen variant.
type Probe struct {
	*probe.Base
	mapManager        *filter.MapManager
	usesFilters       bool
	ringBuffer        kernel.RingBuffer
	sameNamespaceOnly bool
	ownNetNS          int
	snapshotPeriod    time.Duration
	excludeAddress    map[string]bool

	portsMu      sync.RWMutex
	excludePorts map[int]bool
}

// New constructs a net_listen probe.
func New(
	facility kernel.Facility,
	config types.ProbeConfig,
	rawConfig map[string]interface{},
	pluginOrder []string,
	output chan<- types.EnrichedEvent,
	lostEventEvery int,
	logger *log.Logger,
) (*Probe, error) {
	src := template.Sources()["net_listen"]
	base, err := probe.NewBase("net_listen", facility, src, config, rawConfig, pluginOrder, output, lostEventEvery, logger)
	if err != nil {
		return nil, err
	}

	usesFilters := len(config.Filters) > 0 || len(config.IncludePorts) > 0 || len(config.ExcludePorts) > 0
	p := &Probe{Base: base, usesFilters: usesFilters}

	if usesFilters {
		netMap, err := base.Program.LPMMap("net_filter_map")
		if err != nil {
			base.Close()
			return nil, err
		}
		portMap, err := base.Program.ArrayMap("port_filter_map")
		if err != nil {
			base.Close()
			return nil, err
		}
		p.mapManager = filter.NewMapManager(netMap, portMap)
		mode := resolveMode(config)
		if err := p.mapManager.Apply(config.Filters, filterPorts(config), mode, false); err != nil {
			base.Close()
			return nil, err
		}
	}

	rb, err := base.Program.OpenRingBuffer("events")
	if err != nil {
		if p.mapManager != nil {
			p.mapManager.Close()
		}
		base.Close()
		return nil, err
	}
	p.ringBuffer = rb

	period := 60 * time.Second
	if config.SnapshotPeriodicity > 0 {
		period = time.Duration(config.SnapshotPeriodicity) * time.Second
	}
	p.snapshotPeriod = period

	ownNS := 0
	if config.SameNamespaceOnly {
		ownNS, _ = netNamespaceInode(os.Getpid())
	}
	p.sameNamespaceOnly = config.SameNamespaceOnly
	p.ownNetNS = ownNS

	p.excludeAddress = toSet(config.ExcludeAddress)
	p.excludePorts = expandPortSet(config.ExcludePorts)

	return p, nil
}

func resolveMode(config types.ProbeConfig) layout.Mode {
	switch {
	case len(config.ExcludePorts) > 0:
		return layout.ModeExclude
	case len(config.IncludePorts) > 0:
		return layout.ModeInclude
	default:
		return layout.ModeAll
	}
}

func filterPorts(config types.ProbeConfig) []string {
	if len(config.ExcludePorts) > 0 {
		return config.ExcludePorts
	}
	return config.IncludePorts
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, v := range items {
		out[v] = true
	}
	return out
}

// expandPortSet expands each port-range entry (e.g. "0-100") into its
// individual port numbers, mirroring filter.MapManager's applyPortMap so
// the Snapshot Worker's userland exclusion check matches the kernel map's
// semantics.
func expandPortSet(items []string) map[int]bool {
	out := make(map[int]bool, len(items))
	for _, entry := range items {
		for _, p := range filter.ExpandPortRange(entry) {
			out[p] = true
		}
	}
	return out
}

// Run polls the ring buffer and launches the snapshot and hot-swap sidecars.
func (p *Probe) Run(ctx context.Context) error {
	p.RunSidecars(ctx, p.snapshotWorker, p.hotSwapListener)
	for {
		evt, err := p.ringBuffer.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		p.PollTick(p.ringBuffer)
		if enriched, ok := p.enrich(evt); ok {
			p.Emit(enriched)
		}
	}
}

// hotSwapListener applies filter/port hot-swap payloads as they arrive,
// both to the kernel maps and to the Snapshot Worker's userland exclusion
// set. excludeaddress is not in types.HotSwappable, so it is left
// untouched here; a change to it is handled by the supervisor as a full
// restart.
func (p *Probe) hotSwapListener(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-p.HotSwap:
			p.portsMu.Lock()
			p.excludePorts = expandPortSet(payload.ExcludePorts)
			p.portsMu.Unlock()

			if p.mapManager == nil {
				continue
			}
			mode := layout.ModeAll
			ports := payload.ExcludePorts
			if len(payload.ExcludePorts) > 0 {
				mode = layout.ModeExclude
			} else if len(payload.IncludePorts) > 0 {
				mode = layout.ModeInclude
				ports = payload.IncludePorts
			}
			if err := p.mapManager.Apply(payload.Filters, ports, mode, true); err != nil {
				p.Logger.Printf("net_listen: hot-swap apply failed: %v", err)
			}
		}
	}
}

func (p *Probe) isPortExcluded(port int) bool {
	p.portsMu.RLock()
	defer p.portsMu.RUnlock()
	return p.excludePorts[port]
}

func (p *Probe) enrich(evt kernel.Event) (types.EnrichedEvent, bool) {
	raw, err := DecodeRawEvent(evt.Raw)
	if err != nil {
		return nil, false
	}
	if p.sameNamespaceOnly {
		ns, err := netNamespaceInode(int(raw.PID))
		if err != nil || ns != p.ownNetNS {
			return nil, false
		}
	}
	errMsg := ""
	chain, crawlErr := proctree.Crawl(int(raw.PID))
	if crawlErr != nil {
		errMsg = crawlErr.Error()
	}
	return types.EnrichedEvent{
		"pid":      int(raw.PID),
		"port":     raw.Port,
		"proctree": types.ProcTreeMaps(chain),
		"laddr":    netutil.IntToIP(raw.LAddr),
		"protocol": protocolName(raw.Protocol),
		"error":    errMsg,
	}, true
}

func protocolName(proto uint8) string {
	if name, ok := protocolNames[proto]; ok {
		return name
	}
	return "unknown"
}

// snapshotWorker implements the Snapshot Worker: sleeps
// 300s to avoid amplifying restart storms, then periodically enumerates
// existing listeners from /proc via gopsutil and injects synthetic events
// for ones that predate the probe.
func (p *Probe) snapshotWorker(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(300 * time.Second):
	}
	for {
		p.snapshotOnce()
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.snapshotPeriod):
		}
	}
}

func (p *Probe) snapshotOnce() {
	conns, err := gopsnet.Connections("inet")
	if err != nil {
		p.Logger.Printf("net_listen: snapshot enumeration failed: %v", err)
		return
	}
	for _, c := range conns {
		if c.Pid == 0 {
			continue
		}
		raw, ok := classifyListener(c)
		if !ok {
			continue
		}
		if p.isPortExcluded(int(raw.Port)) {
			continue
		}
		if p.excludeAddress[netutil.IntToIP(raw.LAddr)] {
			continue
		}
		if enriched, ok := p.enrichRaw(raw); ok {
			p.Emit(enriched)
		}
	}
}

func (p *Probe) enrichRaw(raw RawEvent) (types.EnrichedEvent, bool) {
	return p.enrich(kernel.Event{Raw: encodeRawEvent(raw)})
}

func encodeRawEvent(raw RawEvent) []byte {
	b := make([]byte, rawEventSize)
	binary.LittleEndian.PutUint32(b[0:4], raw.PID)
	binary.LittleEndian.PutUint32(b[4:8], raw.LAddr)
	binary.LittleEndian.PutUint16(b[8:10], raw.Port)
	b[10] = raw.Protocol
	return b
}

// classifyListener maps a gopsutil connection entry to a synthetic
// RawEvent: LISTEN TCP -> protocol 6, NONE-status UDP -> protocol 17;
// other states are not listeners and are skipped.
func classifyListener(c gopsnet.ConnectionStat) (RawEvent, bool) {
	addr, err := netutil.IPToInt(c.Laddr.IP)
	if err != nil {
		return RawEvent{}, false
	}
	switch {
	case c.Type == 1 && c.Status == "LISTEN": // SOCK_STREAM
		return RawEvent{PID: c.Pid, LAddr: addr, Port: uint16(c.Laddr.Port), Protocol: protoTCP}, true
	case c.Type == 2 && c.Status == "NONE": // SOCK_DGRAM
		return RawEvent{PID: c.Pid, LAddr: addr, Port: uint16(c.Laddr.Port), Protocol: protoUDP}, true
	default:
		return RawEvent{}, false
	}
}

func netNamespaceInode(pid int) (int, error) {
	info, err := os.Stat(fmt.Sprintf("/proc/%d/ns/net", pid))
	if err != nil {
		return 0, err
	}
	return statIno(info)
}

// Close releases the probe's kernel program and maps.
func (p *Probe) Close() error {
	if p.mapManager != nil {
		p.mapManager.Close()
	}
	p.ringBuffer.Close()
	return p.Base.Close()
}
