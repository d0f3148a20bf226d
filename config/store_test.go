package config

import "testing"

func TestReload_Unchanged(t *testing.T) {
	s := NewStore()
	generic := map[string]interface{}{
		"tcp_connect": map[string]interface{}{
			"filters": []interface{}{
				map[string]interface{}{"network": "10.0.0.0", "network_mask": "255.0.0.0"},
			},
		},
	}
	files := []string{"main.yaml"}

	if _, err := s.Reload(generic, files); err != nil {
		t.Fatalf("first reload: %v", err)
	}
	result, err := s.Reload(generic, files)
	if err != nil {
		t.Fatalf("second reload: %v", err)
	}
	if result.FullRestart {
		t.Fatal("expected no-op, got full restart")
	}
	if len(result.HotSwap) != 0 {
		t.Fatalf("expected no hot-swap payloads, got %v", result.HotSwap)
	}
}

func TestReload_HotSwapOnlyOnFilterChange(t *testing.T) {
	s := NewStore()
	base := map[string]interface{}{
		"tcp_connect": map[string]interface{}{
			"excludeports": []interface{}{"22"},
		},
	}
	files := []string{"main.yaml"}
	if _, err := s.Reload(base, files); err != nil {
		t.Fatalf("first reload: %v", err)
	}

	changed := map[string]interface{}{
		"tcp_connect": map[string]interface{}{
			"excludeports": []interface{}{"22", "80"},
		},
	}
	result, err := s.Reload(changed, files)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if result.FullRestart {
		t.Fatal("expected hot-swap, got full restart")
	}
	payload, ok := result.HotSwap["tcp_connect"]
	if !ok {
		t.Fatalf("expected hot-swap payload for tcp_connect, got %v", result.HotSwap)
	}
	if len(payload.ExcludePorts) != 2 {
		t.Fatalf("expected 2 exclude ports in payload, got %v", payload.ExcludePorts)
	}
}

func TestReload_FullRestartOnNonHotSwapChange(t *testing.T) {
	s := NewStore()
	files := []string{"main.yaml"}
	base := map[string]interface{}{
		"net_listen": map[string]interface{}{
			"same_namespace_only": false,
		},
	}
	if _, err := s.Reload(base, files); err != nil {
		t.Fatalf("first reload: %v", err)
	}

	changed := map[string]interface{}{
		"net_listen": map[string]interface{}{
			"same_namespace_only": true,
		},
	}
	result, err := s.Reload(changed, files)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !result.FullRestart {
		t.Fatal("expected full restart on same_namespace_only change")
	}
}

func TestReload_FullRestartOnProbeSetChange(t *testing.T) {
	s := NewStore()
	files := []string{"main.yaml"}
	base := map[string]interface{}{
		"tcp_connect": map[string]interface{}{},
	}
	if _, err := s.Reload(base, files); err != nil {
		t.Fatalf("first reload: %v", err)
	}

	changed := map[string]interface{}{
		"tcp_connect": map[string]interface{}{},
		"net_listen":  map[string]interface{}{},
	}
	result, err := s.Reload(changed, files)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !result.FullRestart {
		t.Fatal("expected full restart when a probe is added")
	}
}

func TestReload_FullRestartOnIncludedFileSetChange(t *testing.T) {
	s := NewStore()
	base := map[string]interface{}{
		"tcp_connect": map[string]interface{}{},
	}
	if _, err := s.Reload(base, []string{"main.yaml"}); err != nil {
		t.Fatalf("first reload: %v", err)
	}

	result, err := s.Reload(base, []string{"main.yaml", "nested.yaml"})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !result.FullRestart {
		t.Fatal("expected full restart when the included file set changes")
	}
}

func TestReload_IgnoresUnderscorePrefixedKeys(t *testing.T) {
	s := NewStore()
	generic := map[string]interface{}{
		"_anchors": map[string]interface{}{
			"shared": "value",
		},
		"tcp_connect": map[string]interface{}{},
	}
	if _, err := s.Reload(generic, []string{"main.yaml"}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if probes := s.Probes(); len(probes) != 1 {
		t.Fatalf("expected only tcp_connect tracked, got %v", probes)
	}
}
