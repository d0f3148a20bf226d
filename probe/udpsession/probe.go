package udpsession

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/Yelp/pidtree-go/filter"
	"github.com/Yelp/pidtree-go/kernel"
	"github.com/Yelp/pidtree-go/kernel/layout"
	"github.com/Yelp/pidtree-go/kernel/template"
	"github.com/Yelp/pidtree-go/probe"
	"github.com/Yelp/pidtree-go/proctree"
	"github.com/Yelp/pidtree-go/types"
)

const defaultSessionMaxDuration = 120 * time.Second

// rawEventSize: type(1) sock_pointer(8) pid(4) daddr(4) dport(2).
const rawEventSize = 19

// DecodeRawEvent parses a ring-buffer record into a RawEvent.
func DecodeRawEvent(raw []byte) (RawEvent, error) {
	if len(raw) < rawEventSize {
		return RawEvent{}, fmt.Errorf("udp_session: short event, got %d bytes", len(raw))
	}
	return RawEvent{
		Type:        int(raw[0]),
		SockPointer: binary.LittleEndian.Uint64(raw[1:9]),
		PID:         int(binary.LittleEndian.Uint32(raw[9:13])),
		DAddr:       binary.LittleEndian.Uint32(raw[13:17]),
		DPort:       binary.LittleEndian.Uint16(raw[17:19]),
	}, nil
}

// Probe implements the udp_session variant.
type Probe struct {
	*probe.Base
	tracker        *Tracker
	mapManager     *filter.MapManager
	ringBuffer     kernel.RingBuffer
	sessionMaxDur  time.Duration
}

// New constructs a udp_session probe.
func New(
	facility kernel.Facility,
	config types.ProbeConfig,
	rawConfig map[string]interface{},
	pluginOrder []string,
	output chan<- types.EnrichedEvent,
	lostEventEvery int,
	logger *log.Logger,
) (*Probe, error) {
	src := template.Sources()["udp_session"]
	base, err := probe.NewBase("udp_session", facility, src, config, rawConfig, pluginOrder, output, lostEventEvery, logger)
	if err != nil {
		return nil, err
	}

	usesFilters := len(config.Filters) > 0 || len(config.IncludePorts) > 0 || len(config.ExcludePorts) > 0
	p := &Probe{
		Base:    base,
		tracker: NewTracker(proctree.Crawl),
	}

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
		mode, ports := portFilterSpec(config)
		if err := p.mapManager.Apply(config.Filters, ports, mode, false); err != nil {
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

	p.sessionMaxDur = defaultSessionMaxDuration
	if config.SessionMaxDuration > 0 {
		p.sessionMaxDur = time.Duration(config.SessionMaxDuration) * time.Second
	}

	return p, nil
}

func portFilterSpec(config types.ProbeConfig) (layout.Mode, []string) {
	if len(config.ExcludePorts) > 0 {
		return layout.ModeExclude, config.ExcludePorts
	}
	if len(config.IncludePorts) > 0 {
		return layout.ModeInclude, config.IncludePorts
	}
	return layout.ModeAll, nil
}

// Run polls the ring buffer and launches the session-expiration sidecar
//.
func (p *Probe) Run(ctx context.Context) error {
	p.RunSidecars(ctx, p.sessionExpirationWorker, p.hotSwapListener)
	for {
		evt, err := p.ringBuffer.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		p.PollTick(p.ringBuffer)
		raw, err := DecodeRawEvent(evt.Raw)
		if err != nil {
			continue
		}
		if record, ok := p.tracker.Handle(raw); ok {
			p.Emit(record)
		}
	}
}

// sessionExpirationWorker mirrors _session_expiration_worker in
// original_source/pidtree_bcc/probes/udp_session.py: sleep, then finalize
// any sessions that went idle past session_max_duration. Finalization
// happens outside the tracker's internal lock to avoid re-entering it
// from within Handle.
func (p *Probe) sessionExpirationWorker(ctx context.Context) {
	ticker := time.NewTicker(p.sessionMaxDur)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sockKey := range p.tracker.ExpireStale(p.sessionMaxDur) {
				if record, ok := p.tracker.EndExpired(sockKey); ok {
					p.Emit(record)
				}
			}
		}
	}
}

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
				p.Logger.Printf("udp_session: hot-swap apply failed: %v", err)
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
