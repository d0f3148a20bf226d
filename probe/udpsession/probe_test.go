package udpsession

import (
	"context"
	"encoding/binary"
	"log"
	"testing"

	"github.com/Yelp/pidtree-go/kernel"
	"github.com/Yelp/pidtree-go/kernel/layout"
	"github.com/Yelp/pidtree-go/types"
)

// fakeLPMMap and fakeArrayMap are minimal in-memory stand-ins for the
// cilium-backed kernel maps, just enough to exercise MapManager.Apply.
type fakeLPMMap struct{ entries map[[8]byte][]byte }

func newFakeLPMMap() *fakeLPMMap { return &fakeLPMMap{entries: map[[8]byte][]byte{}} }

func (m *fakeLPMMap) Update(key [8]byte, value []byte) error { m.entries[key] = value; return nil }
func (m *fakeLPMMap) Delete(key [8]byte) error                { delete(m.entries, key); return nil }
func (m *fakeLPMMap) Iterate() (map[[8]byte][]byte, error)    { return m.entries, nil }
func (m *fakeLPMMap) Close() error                            { return nil }

type fakeArrayMap struct{ values []byte }

func newFakeArrayMap(size uint32) *fakeArrayMap { return &fakeArrayMap{values: make([]byte, size)} }

func (m *fakeArrayMap) Set(index uint32, value byte) error { m.values[index] = value; return nil }
func (m *fakeArrayMap) Get(index uint32) (byte, error)     { return m.values[index], nil }
func (m *fakeArrayMap) Len() uint32                        { return uint32(len(m.values)) }
func (m *fakeArrayMap) Close() error                        { return nil }

type fakeRingBuffer struct{}

func (fakeRingBuffer) Read(ctx context.Context) (kernel.Event, error) { return kernel.Event{}, nil }
func (fakeRingBuffer) DroppedSinceLastRead() uint64                   { return 0 }
func (fakeRingBuffer) Close() error                                   { return nil }

// fakeProgram records which maps were requested by name so tests can
// assert the kernel program text actually declares them.
type fakeProgram struct {
	lpmMaps   map[string]bool
	arrayMaps map[string]bool
}

func (p *fakeProgram) LPMMap(name string) (kernel.LPMMap, error) {
	p.lpmMaps[name] = true
	return newFakeLPMMap(), nil
}

func (p *fakeProgram) ArrayMap(name string) (kernel.ArrayMap, error) {
	p.arrayMaps[name] = true
	return newFakeArrayMap(65536), nil
}

func (p *fakeProgram) OpenRingBuffer(name string) (kernel.RingBuffer, error) {
	return fakeRingBuffer{}, nil
}

func (p *fakeProgram) Close() error { return nil }

type fakeFacility struct{ program *fakeProgram }

func (f *fakeFacility) Compile(probeName, programText string) (kernel.Program, error) {
	return f.program, nil
}

func TestNew_WiresFilterMapsWhenConfigured(t *testing.T) {
	facility := &fakeFacility{program: &fakeProgram{lpmMaps: map[string]bool{}, arrayMaps: map[string]bool{}}}
	config := types.ProbeConfig{ExcludePorts: []string{"53"}}
	logger := log.New(testWriter{t}, "", 0)

	p, err := New(facility, config, nil, nil, nil, 0, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if !facility.program.lpmMaps["net_filter_map"] {
		t.Fatal("expected net_filter_map to be opened")
	}
	if !facility.program.arrayMaps["port_filter_map"] {
		t.Fatal("expected port_filter_map to be opened")
	}
}

func TestNew_SkipsFilterMapsWhenUnconfigured(t *testing.T) {
	facility := &fakeFacility{program: &fakeProgram{lpmMaps: map[string]bool{}, arrayMaps: map[string]bool{}}}
	logger := log.New(testWriter{t}, "", 0)

	p, err := New(facility, types.ProbeConfig{}, nil, nil, nil, 0, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if len(facility.program.lpmMaps) != 0 || len(facility.program.arrayMaps) != 0 {
		t.Fatal("expected no map lookups when no filters/ports are configured")
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestDecodeRawEvent(t *testing.T) {
	b := make([]byte, rawEventSize)
	b[0] = byte(SessionContinue)
	binary.LittleEndian.PutUint64(b[1:9], 0xDEADBEEF)
	binary.LittleEndian.PutUint32(b[9:13], 42)
	binary.LittleEndian.PutUint32(b[13:17], 0x0A010203)
	binary.LittleEndian.PutUint16(b[17:19], 53)

	evt, err := DecodeRawEvent(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Type != SessionContinue || evt.SockPointer != 0xDEADBEEF || evt.PID != 42 || evt.DAddr != 0x0A010203 || evt.DPort != 53 {
		t.Fatalf("unexpected decode: %+v", evt)
	}
}

func TestDecodeRawEvent_ShortBuffer(t *testing.T) {
	if _, err := DecodeRawEvent([]byte{1}); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestPortFilterSpec(t *testing.T) {
	mode, ports := portFilterSpec(types.ProbeConfig{ExcludePorts: []string{"53"}})
	if mode != layout.ModeExclude || len(ports) != 1 {
		t.Fatalf("expected exclude mode with 1 port, got mode=%v ports=%v", mode, ports)
	}

	mode, _ = portFilterSpec(types.ProbeConfig{})
	if mode != layout.ModeAll {
		t.Fatalf("expected ALL mode for empty config, got %v", mode)
	}
}
