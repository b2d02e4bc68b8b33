package hint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// EnvironmentHint carries usage guidance for environments whose URL matches
// Pattern. Hints surface in the service-info tool so a calling model learns
// org-specific quirks (custom tables, option set meanings, throttling notes)
// without trial and error.
type EnvironmentHint struct {
	Pattern     string                `json:"pattern"`
	Priority    int                   `json:"priority,omitempty"`
	EntityHints map[string]EntityHint `json:"entity_hints,omitempty"`
	FieldHints  map[string]FieldHint  `json:"field_hints,omitempty"`
	KnownIssues []string              `json:"known_issues,omitempty"`
	Workarounds []string              `json:"workarounds,omitempty"`
	Examples    []Example             `json:"examples,omitempty"`
	Notes       []string              `json:"notes,omitempty"`
}

// EntityHint describes a Dataverse table.
type EntityHint struct {
	Description string   `json:"description,omitempty"`
	Notes       []string `json:"notes,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// FieldHint describes a single column.
type FieldHint struct {
	Type        string `json:"type,omitempty"`
	Format      string `json:"format,omitempty"`
	Example     string `json:"example,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Example is a worked query or payload example.
type Example struct {
	Description string `json:"description"`
	Query       string `json:"query"`
	Note        string `json:"note,omitempty"`
}

// hintFile is the on-disk hint document shape.
type hintFile struct {
	Version string            `json:"version"`
	Hints   []EnvironmentHint `json:"hints"`
}

// Manager loads and matches environment hints.
type Manager struct {
	hints     []EnvironmentHint
	cliHint   *EnvironmentHint
	hintsFile string
}

// NewManager creates an empty hint manager.
func NewManager() *Manager {
	return &Manager{hints: make([]EnvironmentHint, 0)}
}

// LoadFromFile loads hints from a JSON file. With an empty path the default
// locations (next to the binary, then the working directory) are checked; a
// missing default file is not an error.
func (m *Manager) LoadFromFile(path string) error {
	if path == "" {
		if exe, err := os.Executable(); err == nil {
			candidate := filepath.Join(filepath.Dir(exe), "hints.json")
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
		if path == "" {
			if _, err := os.Stat("hints.json"); err == nil {
				path = "hints.json"
			}
		}
		if path == "" {
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read hints file: %w", err)
	}

	var doc hintFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse hints file: %w", err)
	}

	m.hints = doc.Hints
	m.hintsFile = path
	return nil
}

// SetCLIHint installs a hint passed on the command line. A value that is not
// valid hint JSON becomes a wildcard note. CLI hints outrank file hints.
func (m *Manager) SetCLIHint(hintJSON string) error {
	var hint EnvironmentHint
	if err := json.Unmarshal([]byte(hintJSON), &hint); err != nil || hint.Pattern == "" && len(hint.Notes) == 0 && len(hint.EntityHints) == 0 {
		hint = EnvironmentHint{
			Pattern: "*",
			Notes:   []string{hintJSON},
		}
	}

	hint.Priority = 1000
	m.cliHint = &hint
	return nil
}

// GetHints merges every hint matching the environment URL, higher priority
// winning, and returns them as a JSON-ready map. Nil when nothing matches.
func (m *Manager) GetHints(environmentURL string) map[string]interface{} {
	var matching []EnvironmentHint

	if m.cliHint != nil {
		matching = append(matching, *m.cliHint)
	}
	for _, hint := range m.hints {
		if MatchesPattern(environmentURL, hint.Pattern) {
			matching = append(matching, hint)
		}
	}
	if len(matching) == 0 {
		return nil
	}

	sort.SliceStable(matching, func(i, j int) bool {
		return matching[i].Priority > matching[j].Priority
	})

	result := make(map[string]interface{})

	// Apply lowest priority first so higher priority overwrites
	for i := len(matching) - 1; i >= 0; i-- {
		hint := matching[i]

		if len(hint.KnownIssues) > 0 {
			existing, _ := result["known_issues"].([]string)
			result["known_issues"] = mergeUnique(existing, hint.KnownIssues)
		}
		if len(hint.Workarounds) > 0 {
			existing, _ := result["workarounds"].([]string)
			result["workarounds"] = mergeUnique(existing, hint.Workarounds)
		}
		if len(hint.Notes) > 0 {
			existing, _ := result["notes"].([]string)
			result["notes"] = mergeUnique(existing, hint.Notes)
		}
		if len(hint.EntityHints) > 0 {
			existing, _ := result["entity_hints"].(map[string]interface{})
			if existing == nil {
				existing = make(map[string]interface{})
			}
			for name, eh := range hint.EntityHints {
				existing[name] = eh
			}
			result["entity_hints"] = existing
		}
		if len(hint.FieldHints) > 0 {
			existing, _ := result["field_hints"].(map[string]interface{})
			if existing == nil {
				existing = make(map[string]interface{})
			}
			for name, fh := range hint.FieldHints {
				existing[name] = fh
			}
			result["field_hints"] = existing
		}
		if len(hint.Examples) > 0 {
			existing, _ := result["examples"].([]Example)
			result["examples"] = append(existing, hint.Examples...)
		}
	}

	if m.cliHint != nil {
		result["hint_source"] = "CLI argument"
	} else if m.hintsFile != "" {
		result["hint_source"] = fmt.Sprintf("Hints file: %s", m.hintsFile)
	}

	return result
}

// MatchesPattern matches a value against a glob-ish pattern where * matches
// any run of characters. An empty pattern matches nothing; "*" matches
// everything.
func MatchesPattern(value, pattern string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" || value == pattern {
		return true
	}

	parts := strings.Split(pattern, "*")
	pos := 0
	for i, part := range parts {
		if part == "" {
			continue
		}
		idx := strings.Index(value[pos:], part)
		if idx == -1 {
			return false
		}
		if i == 0 && !strings.HasPrefix(pattern, "*") && idx != 0 {
			return false
		}
		pos += idx + len(part)
	}

	if last := parts[len(parts)-1]; last != "" && !strings.HasSuffix(value, last) {
		return false
	}
	return true
}

func mergeUnique(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing)+len(extra))
	result := make([]string, 0, len(existing)+len(extra))
	for _, s := range append(existing, extra...) {
		if !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	return result
}
