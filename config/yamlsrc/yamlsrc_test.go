package yamlsrc

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_ResolvesLocalInclude(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested.yaml")
	if err := os.WriteFile(nested, []byte("filters:\n  - network: 10.0.0.0\n    network_mask: 255.0.0.0\n"), 0o600); err != nil {
		t.Fatalf("write nested: %v", err)
	}
	main := filepath.Join(dir, "main.yaml")
	if err := os.WriteFile(main, []byte("tcp_connect: !include nested.yaml\n"), 0o600); err != nil {
		t.Fatalf("write main: %v", err)
	}

	loader := NewLoader(t.TempDir())
	doc, err := loader.Load(main)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	generic, _, err := doc.Decode()
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	probeConfig, ok := generic["tcp_connect"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected tcp_connect mapping, got %T", generic["tcp_connect"])
	}
	if _, ok := probeConfig["filters"]; !ok {
		t.Fatalf("expected filters key from included file, got %+v", probeConfig)
	}

	if len(doc.IncludedFiles) != 2 {
		t.Fatalf("expected 2 included files (main + nested), got %v", doc.IncludedFiles)
	}
}

func TestTopLevelKeyOrder(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "main.yaml")
	os.WriteFile(main, []byte("zeta: {}\nalpha: {}\nmid: {}\n"), 0o600)

	loader := NewLoader(t.TempDir())
	doc, err := loader.Load(main)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, order, err := doc.Decode()
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	want := []string{"zeta", "alpha", "mid"}
	if len(order) != len(want) {
		t.Fatalf("expected order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}
