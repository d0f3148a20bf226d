package plugin

import (
	"testing"

	"github.com/Yelp/pidtree-go/types"
)

type upperPlugin struct{ field string }

func (u *upperPlugin) Process(event types.EnrichedEvent) types.EnrichedEvent {
	event[u.field] = "seen"
	return event
}

func resetRegistry() {
	registry = map[string]SupportDeclaration{}
}

func TestLoad_SkipsDisabled(t *testing.T) {
	resetRegistry()
	Register("noop", SupportDeclaration{All: true, Factory: func(map[string]interface{}) (Plugin, error) {
		return &upperPlugin{field: "noop"}, nil
	}})
	disabled := false
	configs := map[string]types.PluginConfig{"noop": {Enabled: &disabled}}
	loaded, err := Load("tcp_connect", configs, []string{"noop"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected disabled plugin to be skipped, got %d loaded", len(loaded))
	}
}

func TestLoad_UnsupportedProbeFatalByDefault(t *testing.T) {
	resetRegistry()
	Register("restricted", SupportDeclaration{
		Probes:  map[string]bool{"udp_session": true},
		Factory: func(map[string]interface{}) (Plugin, error) { return &upperPlugin{field: "restricted"}, nil },
	})
	configs := map[string]types.PluginConfig{"restricted": {}}
	_, err := Load("tcp_connect", configs, []string{"restricted"})
	if err == nil {
		t.Fatal("expected unsupported-probe error")
	}
}

func TestLoad_InitErrorDroppedWithUnloadFlag(t *testing.T) {
	resetRegistry()
	Register("broken", SupportDeclaration{All: true, Factory: func(map[string]interface{}) (Plugin, error) {
		return nil, errTest
	}})
	configs := map[string]types.PluginConfig{"broken": {UnloadOnInitException: true}}
	loaded, err := Load("tcp_connect", configs, []string{"broken"})
	if err != nil {
		t.Fatalf("expected no fatal error, got %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected broken plugin to be dropped, got %d loaded", len(loaded))
	}
}

func TestLoad_InitErrorFatalWithoutUnloadFlag(t *testing.T) {
	resetRegistry()
	Register("broken", SupportDeclaration{All: true, Factory: func(map[string]interface{}) (Plugin, error) {
		return nil, errTest
	}})
	configs := map[string]types.PluginConfig{"broken": {}}
	_, err := Load("tcp_connect", configs, []string{"broken"})
	if err == nil {
		t.Fatal("expected fatal load error")
	}
}

func TestApply_SequentialChaining(t *testing.T) {
	plugins := []Plugin{&upperPlugin{field: "a"}, &upperPlugin{field: "b"}}
	event := types.EnrichedEvent{}
	result := Apply(plugins, event)
	if result["a"] != "seen" || result["b"] != "seen" {
		t.Fatalf("expected both plugins to run, got %+v", result)
	}
}

var errTest = &testError{"init failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
