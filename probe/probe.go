// Package probe implements the common probe lifecycle:
// construct, start polling, steady-state enrichment, hot-swap, and
// dropped-event telemetry. Each variant (tcpconnect, netlisten,
// udpsession) embeds Base and supplies RawEvent decoding plus
// enrich_event semantics, mirroring how
// original_source/pidtree_bcc/probes/__init__.py's BPFProbe provides the
// shared construct/start_polling/_process_events loop that each probe
// subclass only adds enrich_event to.
package probe

import (
	"context"
	"log"
	"time"

	"github.com/Yelp/pidtree-go/kernel"
	"github.com/Yelp/pidtree-go/kernel/template"
	"github.com/Yelp/pidtree-go/perr"
	"github.com/Yelp/pidtree-go/plugin"
	"github.com/Yelp/pidtree-go/types"
)

// Enricher turns a raw kernel event into an EnrichedEvent, or returns
// ok=false to suppress output.
type Enricher interface {
	Enrich(raw kernel.Event) (types.EnrichedEvent, bool)
}

// Sidecar is a background task launched alongside the event pump
// (snapshot worker, session expirer, config-change listener).
type Sidecar func(ctx context.Context)

// Base holds the lifecycle state shared by every probe variant.
type Base struct {
	Name     string
	Logger   *log.Logger
	Plugins  []plugin.Plugin
	Output   chan<- types.EnrichedEvent
	HotSwap  chan types.HotSwapPayload
	Facility kernel.Facility
	Program  kernel.Program

	lostEventEvery int
	pollCount      int
}

// NewBase constructs the shared probe state: renders the kernel program
// from its template source, compiles it via the facility, and loads
// plugins in config order.
func NewBase(
	name string,
	facility kernel.Facility,
	src template.Source,
	config types.ProbeConfig,
	rawConfig map[string]interface{},
	pluginOrder []string,
	output chan<- types.EnrichedEvent,
	lostEventEvery int,
	logger *log.Logger,
) (*Base, error) {
	vars := template.SelectVars(src, rawConfig)
	text, err := template.Render(src, vars)
	if err != nil {
		return nil, perr.Wrap(perr.KernelLoadFailed, "render kernel program for "+name, err)
	}

	prog, err := facility.Compile(name, text)
	if err != nil {
		return nil, perr.Wrap(perr.KernelLoadFailed, "compile kernel program for "+name, err)
	}

	loaded, err := plugin.Load(name, config.Plugins, pluginOrder)
	if err != nil {
		prog.Close()
		return nil, err
	}

	return &Base{
		Name:           name,
		Logger:         logger,
		Plugins:        loaded,
		Output:         output,
		HotSwap:        make(chan types.HotSwapPayload, 1),
		Facility:       facility,
		Program:        prog,
		lostEventEvery: lostEventEvery,
	}, nil
}

// RunSidecars launches each sidecar as a goroutine wrapped in
// perr.RetryForever, the Go realization of the Python @never_crash
// decorator: a sidecar panic is logged and the sidecar restarted rather
// than taking the worker process down; a sidecar that returns is not
// restarted.
func (b *Base) RunSidecars(ctx context.Context, sidecars ...Sidecar) {
	for _, sc := range sidecars {
		sc := sc
		go perr.RetryForever(b.Name+"-sidecar", b.Logger, func() error {
			sc(ctx)
			return nil
		})
	}
}

// Emit stamps timestamp/probe, runs the plugin chain, and pushes the
// record to the shared output queue.
func (b *Base) Emit(event types.EnrichedEvent) {
	event["timestamp"] = nowISO8601()
	event["probe"] = b.Name
	event = plugin.Apply(b.Plugins, event)
	b.Output <- event
}

// PollTick should be called once per ring-buffer read; when
// lostEventEvery is configured it periodically emits synthetic
// lost_event_telemetry records carrying the ring buffer's dropped-event
// count since the last read.
func (b *Base) PollTick(rb kernel.RingBuffer) {
	if b.lostEventEvery <= 0 {
		return
	}
	b.pollCount++
	if b.pollCount%b.lostEventEvery != 0 {
		return
	}
	dropped := rb.DroppedSinceLastRead()
	if dropped == 0 {
		return
	}
	b.Output <- types.EnrichedEvent{
		"type":      "lost_event_telemetry",
		"count":     dropped,
		"timestamp": nowISO8601(),
		"probe":     b.Name,
	}
}

// Close releases the compiled kernel program.
func (b *Base) Close() error {
	return b.Program.Close()
}

// SwapChan returns the channel hot-swap payloads are delivered on, so
// that callers holding only a Probe interface value can still reach the
// channel promoted from the embedded Base.
func (b *Base) SwapChan() chan types.HotSwapPayload {
	return b.HotSwap
}

// Probe is satisfied by every probe variant (tcpconnect.Probe,
// netlisten.Probe, udpsession.Probe), each of which embeds *Base and
// supplies its own Run/Close: the common surface the worker process
// entry point needs without knowing which variant it launched.
type Probe interface {
	Run(ctx context.Context) error
	Close() error
	SwapChan() chan types.HotSwapPayload
}

var nowISO8601 = func() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
