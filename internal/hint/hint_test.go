package hint

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		value   string
		pattern string
		want    bool
	}{
		{"https://contoso.crm.dynamics.com", "*", true},
		{"https://contoso.crm.dynamics.com", "*.crm.dynamics.com", true},
		{"https://contoso.crm.dynamics.com", "*contoso*", true},
		{"https://contoso.crm.dynamics.com", "https://contoso.crm.dynamics.com", true},
		{"https://contoso.crm.dynamics.com", "*.crm4.dynamics.com", false},
		{"https://contoso.crm.dynamics.com", "fabrikam*", false},
		{"anything", "", false},
	}

	for _, tt := range tests {
		if got := MatchesPattern(tt.value, tt.pattern); got != tt.want {
			t.Errorf("MatchesPattern(%q, %q) = %v, want %v", tt.value, tt.pattern, got, tt.want)
		}
	}
}

func TestManagerLoadAndMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hints.json")
	content := `{
		"version": "1.0",
		"hints": [
			{
				"pattern": "*.crm.dynamics.com",
				"priority": 10,
				"notes": ["Use $top to limit large tables"],
				"entity_hints": {
					"account": {"description": "Company records"}
				}
			},
			{
				"pattern": "*fabrikam*",
				"notes": ["Fabrikam-only note"]
			}
		]
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	m := NewManager()
	if err := m.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	hints := m.GetHints("https://contoso.crm.dynamics.com")
	if hints == nil {
		t.Fatal("expected matching hints")
	}

	notes, _ := hints["notes"].([]string)
	if len(notes) != 1 || notes[0] != "Use $top to limit large tables" {
		t.Errorf("notes = %v", notes)
	}
	if _, hasEntity := hints["entity_hints"]; !hasEntity {
		t.Error("entity_hints missing")
	}

	// Non-matching environment gets nothing
	if hints := m.GetHints("https://other.example.com"); hints != nil {
		t.Errorf("expected nil hints, got %v", hints)
	}
}

func TestManagerCLIHint(t *testing.T) {
	m := NewManager()

	// Plain text becomes a wildcard note
	if err := m.SetCLIHint("watch out for throttling"); err != nil {
		t.Fatalf("SetCLIHint() error = %v", err)
	}

	hints := m.GetHints("https://anything.example.com")
	if hints == nil {
		t.Fatal("CLI hint should match every environment")
	}
	notes, _ := hints["notes"].([]string)
	if len(notes) != 1 || notes[0] != "watch out for throttling" {
		t.Errorf("notes = %v", notes)
	}
	if hints["hint_source"] != "CLI argument" {
		t.Errorf("hint_source = %v", hints["hint_source"])
	}
}

func TestManagerLoadMissingDefaultIsNotError(t *testing.T) {
	m := NewManager()
	if err := m.LoadFromFile(""); err != nil {
		t.Errorf("LoadFromFile(\"\") error = %v", err)
	}
}

func TestMergeUnique(t *testing.T) {
	got := mergeUnique([]string{"a", "b"}, []string{"b", "c"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("mergeUnique = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("mergeUnique[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
