package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Yelp/pidtree-go/types"
)

func TestLoadProbeConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "tcp_connect:\n  excludeports:\n    - \"22\"\n  session_max_duration: 30\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, raw, err := loadProbeConfig(path, "tcp_connect")
	if err != nil {
		t.Fatalf("loadProbeConfig: %v", err)
	}
	if len(cfg.ExcludePorts) != 1 || cfg.ExcludePorts[0] != "22" {
		t.Fatalf("expected exclude ports [22], got %v", cfg.ExcludePorts)
	}
	if cfg.SessionMaxDuration != 30 {
		t.Fatalf("expected session_max_duration 30, got %d", cfg.SessionMaxDuration)
	}
	if _, ok := raw["excludeports"]; !ok {
		t.Fatalf("expected raw map to retain excludeports key, got %+v", raw)
	}
}

func TestLoadProbeConfig_MissingProbe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("net_listen: {}\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, err := loadProbeConfig(path, "tcp_connect"); err == nil {
		t.Fatal("expected error for missing probe entry")
	}
}

func TestNewProbe_UnknownProbeName(t *testing.T) {
	if _, err := newProbe("bogus_probe", nil, types.ProbeConfig{}, nil, nil, nil, 0, nil); err == nil {
		t.Fatal("expected error for unknown probe name")
	}
}
