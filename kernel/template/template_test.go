package template

import "testing"

func TestRender(t *testing.T) {
	src := Source{Name: "t", Text: "mode={{ .mode }}"}
	out, err := Render(src, map[string]interface{}{"mode": "INCLUDE"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "mode=INCLUDE" {
		t.Fatalf("unexpected render: %q", out)
	}
}

func TestSelectVars_ExplicitList(t *testing.T) {
	src := Source{Vars: []string{"a", "b"}}
	config := map[string]interface{}{"a": 1, "b": 2, "c": 3, "plugins": map[string]interface{}{}}
	vars := SelectVars(src, config)
	if len(vars) != 2 {
		t.Fatalf("expected 2 vars, got %d", len(vars))
	}
	if _, ok := vars["c"]; ok {
		t.Fatal("expected field not in Vars to be excluded")
	}
}

func TestSelectVars_DefaultDropsPlugins(t *testing.T) {
	src := Source{}
	config := map[string]interface{}{"a": 1, "plugins": map[string]interface{}{}}
	vars := SelectVars(src, config)
	if _, ok := vars["plugins"]; ok {
		t.Fatal("expected plugins to be dropped")
	}
	if _, ok := vars["a"]; !ok {
		t.Fatal("expected a to be present")
	}
}

func TestSources_AllProbesPresent(t *testing.T) {
	srcs := Sources()
	for _, name := range []string{"tcp_connect", "net_listen", "udp_session"} {
		if _, ok := srcs[name]; !ok {
			t.Fatalf("missing source for probe %q", name)
		}
	}
}
