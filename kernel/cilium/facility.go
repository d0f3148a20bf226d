package cilium

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/Yelp/pidtree-go/kernel"
)

// Facility implements kernel.Facility by compiling program text with clang
// and loading the resulting object with cilium/ebpf.
type Facility struct {
	Compiler CompilerConfig
}

// New returns a Facility using the default compiler toolchain paths.
func New() *Facility {
	return &Facility{Compiler: DefaultCompilerConfig()}
}

// Compile builds programText, loads it, and attaches every program whose
// function name starts with "trace_" as a kprobe (see attachAll), the
// same entry-point naming BCC infers from function names prefixed
// trace_*. Returns a Program wrapping the live collection.
func (f *Facility) Compile(probeName string, programText string) (kernel.Program, error) {
	objPath, workDir, err := compileToObject(f.Compiler, probeName, programText)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("load collection spec for %s: %w", probeName, err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("load collection for %s: %w", probeName, err)
	}

	links, err := attachAll(coll)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("attach programs for %s: %w", probeName, err)
	}

	return &program{coll: coll, links: links}, nil
}

// attachAll attaches every program in the collection via kprobe, inferring
// the kernel symbol from the Go program name (trace_connect_entry ->
// connect, by convention probes name their entry functions
// trace_<symbol>_entry or trace_<symbol>).
func attachAll(coll *ebpf.Collection) ([]link.Link, error) {
	var links []link.Link
	for name, prog := range coll.Programs {
		symbol := kprobeSymbol(name)
		if symbol == "" {
			continue
		}
		l, err := link.Kprobe(symbol, prog, nil)
		if err != nil {
			for _, existing := range links {
				existing.Close()
			}
			return nil, fmt.Errorf("attach kprobe %s for program %s: %w", symbol, name, err)
		}
		links = append(links, l)
	}
	return links, nil
}

func kprobeSymbol(progName string) string {
	const prefix = "trace_"
	const suffix = "_entry"
	if !strings.HasPrefix(progName, prefix) {
		return ""
	}
	sym := strings.TrimPrefix(progName, prefix)
	sym = strings.TrimSuffix(sym, suffix)
	return sym
}

// program wraps a loaded collection plus its attached links.
type program struct {
	coll  *ebpf.Collection
	links []link.Link
}

func (p *program) LPMMap(name string) (kernel.LPMMap, error) {
	m, ok := p.coll.Maps[name]
	if !ok {
		return nil, fmt.Errorf("program does not export LPM map %q", name)
	}
	return &lpmMap{m: m}, nil
}

func (p *program) ArrayMap(name string) (kernel.ArrayMap, error) {
	m, ok := p.coll.Maps[name]
	if !ok {
		return nil, fmt.Errorf("program does not export array map %q", name)
	}
	return &arrayMap{m: m}, nil
}

func (p *program) OpenRingBuffer(name string) (kernel.RingBuffer, error) {
	m, ok := p.coll.Maps[name]
	if !ok {
		return nil, fmt.Errorf("program does not export ring buffer %q", name)
	}
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, fmt.Errorf("open ring buffer %q: %w", name, err)
	}
	return &ringBuffer{rd: rd}, nil
}

func (p *program) Close() error {
	for _, l := range p.links {
		l.Close()
	}
	p.coll.Close()
	return nil
}

// lpmMap adapts an *ebpf.Map to kernel.LPMMap using the raw 8-byte wire
// key/value encoding defined in kernel/layout.
type lpmMap struct {
	m *ebpf.Map
}

func (l *lpmMap) Update(key [8]byte, value []byte) error {
	return l.m.Put(key[:], value)
}

func (l *lpmMap) Delete(key [8]byte) error {
	err := l.m.Delete(key[:])
	if err != nil && strings.Contains(err.Error(), "key does not exist") {
		return nil
	}
	return err
}

func (l *lpmMap) Iterate() (map[[8]byte][]byte, error) {
	out := make(map[[8]byte][]byte)
	var key [8]byte
	var value []byte
	iter := l.m.Iterate()
	for iter.Next(&key, &value) {
		var k [8]byte
		copy(k[:], key[:])
		v := make([]byte, len(value))
		copy(v, value)
		out[k] = v
	}
	return out, iter.Err()
}

func (l *lpmMap) Close() error { return nil }

// arrayMap adapts an *ebpf.Map to kernel.ArrayMap.
type arrayMap struct {
	m *ebpf.Map
}

func (a *arrayMap) Set(index uint32, value byte) error {
	return a.m.Put(index, value)
}

func (a *arrayMap) Get(index uint32) (byte, error) {
	var v byte
	if err := a.m.Lookup(index, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func (a *arrayMap) Len() uint32 { return uint32(a.m.MaxEntries()) }

func (a *arrayMap) Close() error { return nil }

// ringBuffer adapts a ringbuf.Reader to kernel.RingBuffer.
type ringBuffer struct {
	rd      *ringbuf.Reader
	dropped uint64
}

func (r *ringBuffer) Read(ctx context.Context) (kernel.Event, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.rd.Close()
		case <-done:
		}
	}()
	defer close(done)

	record, err := r.rd.Read()
	if err != nil {
		return kernel.Event{}, err
	}
	if record.LostSamples > 0 {
		r.dropped += record.LostSamples
	}
	return kernel.Event{Raw: record.RawSample}, nil
}

func (r *ringBuffer) DroppedSinceLastRead() uint64 {
	d := r.dropped
	r.dropped = 0
	return d
}

func (r *ringBuffer) Close() error { return r.rd.Close() }
