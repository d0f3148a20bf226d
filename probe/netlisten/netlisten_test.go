package netlisten

import (
	"context"
	"log"
	"testing"

	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/Yelp/pidtree-go/kernel"
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

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestNew_WiresFilterMapsWhenConfigured(t *testing.T) {
	facility := &fakeFacility{program: &fakeProgram{lpmMaps: map[string]bool{}, arrayMaps: map[string]bool{}}}
	config := types.ProbeConfig{ExcludePorts: []string{"0-100"}}
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
	if p.isPortExcluded(80) != true {
		t.Fatal("expected port 80 to be excluded by the 0-100 range")
	}
	if p.isPortExcluded(101) {
		t.Fatal("expected port 101 to remain allowed")
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

func TestDecodeRawEvent_RoundTrip(t *testing.T) {
	original := RawEvent{PID: 42, LAddr: 0x0A010203, Port: 8080, Protocol: protoTCP}
	decoded, err := DecodeRawEvent(encodeRawEvent(original))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded != original {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestDecodeRawEvent_ShortBuffer(t *testing.T) {
	if _, err := DecodeRawEvent([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestProtocolName(t *testing.T) {
	if protocolName(protoTCP) != "tcp" {
		t.Fatal("expected tcp")
	}
	if protocolName(99) != "unknown" {
		t.Fatal("expected unknown for unmapped protocol")
	}
}

func TestClassifyListener(t *testing.T) {
	tcpListen := gopsnet.ConnectionStat{
		Pid:    100,
		Type:   1,
		Status: "LISTEN",
		Laddr:  gopsnet.Addr{IP: "10.1.2.3", Port: 443},
	}
	raw, ok := classifyListener(tcpListen)
	if !ok || raw.Protocol != protoTCP || raw.Port != 443 {
		t.Fatalf("expected tcp listener classified, got %+v ok=%v", raw, ok)
	}

	udpNone := gopsnet.ConnectionStat{
		Pid:    101,
		Type:   2,
		Status: "NONE",
		Laddr:  gopsnet.Addr{IP: "10.1.2.3", Port: 53},
	}
	raw, ok = classifyListener(udpNone)
	if !ok || raw.Protocol != protoUDP {
		t.Fatalf("expected udp listener classified, got %+v ok=%v", raw, ok)
	}

	established := gopsnet.ConnectionStat{
		Pid:    102,
		Type:   1,
		Status: "ESTABLISHED",
		Laddr:  gopsnet.Addr{IP: "10.1.2.3", Port: 12345},
	}
	if _, ok := classifyListener(established); ok {
		t.Fatal("expected established connections to be skipped")
	}
}
