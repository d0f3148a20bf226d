package container

import "testing"

func TestMatchesAnySet(t *testing.T) {
	labels := map[string]string{"app": "checkout", "env": "prod"}
	cases := []struct {
		name string
		sets []string
		want bool
	}{
		{"exact match", []string{"app=checkout"}, true},
		{"glob match", []string{"app=check*"}, true},
		{"no match single clause", []string{"app=billing"}, false},
		{"all clauses in set must match", []string{"app=checkout,env=staging"}, false},
		{"all clauses match", []string{"app=checkout,env=prod"}, true},
		{"any set matching is enough", []string{"app=billing", "app=checkout"}, true},
		{"presence only clause", []string{"app"}, true},
		{"presence only clause missing", []string{"missing"}, false},
		{"empty pattern sets matches everything", nil, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := matchesAnySet(labels, c.sets); got != c.want {
				t.Fatalf("matchesAnySet(%v) = %v, want %v", c.sets, got, c.want)
			}
		})
	}
}

func TestParseLabelsJSON(t *testing.T) {
	labels, err := parseLabelsJSON(`{"app":"checkout","env":"prod"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if labels["app"] != "checkout" || labels["env"] != "prod" {
		t.Fatalf("unexpected labels: %+v", labels)
	}
}

func TestParseLabelsJSON_Null(t *testing.T) {
	labels, err := parseLabelsJSON("null")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(labels) != 0 {
		t.Fatalf("expected empty labels, got %+v", labels)
	}
}

func TestParseRuntimeEvent(t *testing.T) {
	cases := []struct {
		line     string
		wantOK   bool
		wantType string
	}{
		{`{"status":"start","id":"abc123"}`, true, "start"},
		{`{"status":"die","id":"abc123"}`, true, "stop"},
		{`{"status":"health_status","id":"abc123"}`, false, ""},
		{`not json`, false, ""},
	}
	for _, c := range cases {
		evt, ok := parseRuntimeEvent(c.line)
		if ok != c.wantOK {
			t.Fatalf("parseRuntimeEvent(%q) ok = %v, want %v", c.line, ok, c.wantOK)
		}
		if ok && evt.Type != c.wantType {
			t.Fatalf("parseRuntimeEvent(%q) type = %q, want %q", c.line, evt.Type, c.wantType)
		}
	}
}

func TestUniqueLabelNames(t *testing.T) {
	names := uniqueLabelNames([]string{"app=checkout,env=prod", "app=billing"})
	if len(names) != 2 {
		t.Fatalf("expected 2 unique label names, got %v", names)
	}
}

func TestSplitNonEmptyLines(t *testing.T) {
	lines := splitNonEmptyLines("a\n\nb\n   \nc")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %v", lines)
	}
}
