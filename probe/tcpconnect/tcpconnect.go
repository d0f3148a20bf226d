// Package tcpconnect implements the tcp_connect probe variant, grounded on
// original_source/pidtree_bcc/probes/tcp_connect.py's enrich_event.
package tcpconnect

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"

	"github.com/Yelp/pidtree-go/filter"
	"github.com/Yelp/pidtree-go/kernel"
	"github.com/Yelp/pidtree-go/kernel/layout"
	"github.com/Yelp/pidtree-go/kernel/template"
	"github.com/Yelp/pidtree-go/netutil"
	"github.com/Yelp/pidtree-go/probe"
	"github.com/Yelp/pidtree-go/proctree"
	"github.com/Yelp/pidtree-go/types"
)

// rawEventSize is the wire size of connect_event_t: pid(4) saddr(4)
// daddr(4) dport(2).
const rawEventSize = 14

// RawEvent is the decoded kernel record for a TCP connect.
type RawEvent struct {
	PID   uint32
	SAddr uint32
	DAddr uint32
	DPort uint16
}

// DecodeRawEvent parses a ring-buffer record into a RawEvent.
func DecodeRawEvent(raw []byte) (RawEvent, error) {
	if len(raw) < rawEventSize {
		return RawEvent{}, fmt.Errorf("tcp_connect: short event, got %d bytes", len(raw))
	}
	return RawEvent{
		PID:   binary.LittleEndian.Uint32(raw[0:4]),
		SAddr: binary.LittleEndian.Uint32(raw[4:8]),
		DAddr: binary.LittleEndian.Uint32(raw[8:12]),
		DPort: binary.LittleEndian.Uint16(raw[12:14]),
	}, nil
}

// Probe implements the tcp_connect variant.
type Probe struct {
	*probe.Base
	mapManager   *filter.MapManager
	usesFilters  bool
	ringBuffer   kernel.RingBuffer
}

// New constructs a tcp_connect probe: renders/compiles the kernel
// program, loads plugins, applies the configured filters to its maps when
// any are set, and opens its ring buffer.
func New(
	facility kernel.Facility,
	config types.ProbeConfig,
	rawConfig map[string]interface{},
	pluginOrder []string,
	output chan<- types.EnrichedEvent,
	lostEventEvery int,
	logger *log.Logger,
) (*Probe, error) {
	src := template.Sources()["tcp_connect"]
	base, err := probe.NewBase("tcp_connect", facility, src, config, rawConfig, pluginOrder, output, lostEventEvery, logger)
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
		base.Close()
		return nil, err
	}
	p.ringBuffer = rb
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

// Run polls the ring buffer until ctx is done, enriching and emitting
// each event.
func (p *Probe) Run(ctx context.Context) error {
	p.RunSidecars(ctx, p.hotSwapListener)
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

func (p *Probe) enrich(evt kernel.Event) (types.EnrichedEvent, bool) {
	raw, err := DecodeRawEvent(evt.Raw)
	if err != nil {
		return nil, false
	}
	errMsg := ""
	chain, crawlErr := proctree.Crawl(int(raw.PID))
	if crawlErr != nil {
		errMsg = crawlErr.Error()
	}
	return types.EnrichedEvent{
		"pid":      int(raw.PID),
		"proctree": types.ProcTreeMaps(chain),
		"daddr":    netutil.IntToIP(raw.DAddr),
		"saddr":    netutil.IntToIP(raw.SAddr),
		"port":     raw.DPort,
		"error":    errMsg,
	}, true
}

// hotSwapListener applies filter/port hot-swap payloads as they arrive
//. Template-only variables are not reapplied here;
// a change to them is handled by the supervisor as a full restart.
func (p *Probe) hotSwapListener(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-p.HotSwap:
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
				p.Logger.Printf("tcp_connect: hot-swap apply failed: %v", err)
			}
		}
	}
}

// Close releases the probe's kernel program and maps.
func (p *Probe) Close() error {
	if p.mapManager != nil {
		p.mapManager.Close()
	}
	p.ringBuffer.Close()
	return p.Base.Close()
}
