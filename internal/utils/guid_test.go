package utils

import "testing"

func TestNormalizeGUID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"{11111111-1111-1111-1111-111111111111}", "11111111-1111-1111-1111-111111111111"},
		{"ABCDEF01-2345-6789-ABCD-EF0123456789", "abcdef01-2345-6789-abcd-ef0123456789"},
		{"  22222222-2222-2222-2222-222222222222  ", "22222222-2222-2222-2222-222222222222"},
		{"not-a-guid", "not-a-guid"},
	}

	for _, tt := range tests {
		if got := NormalizeGUID(tt.input); got != tt.expected {
			t.Errorf("NormalizeGUID(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestIsGUID(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"11111111-1111-1111-1111-111111111111", true},
		{"{11111111-1111-1111-1111-111111111111}", true},
		{"ABCDEF01-2345-6789-ABCD-EF0123456789", true},
		{"accountnumber='ABC-123'", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsGUID(tt.input); got != tt.expected {
			t.Errorf("IsGUID(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestPlaceholderValue(t *testing.T) {
	if v := PlaceholderValue("numberofemployees", "Integer"); v != 1 {
		t.Errorf("Integer placeholder = %v", v)
	}
	if v := PlaceholderValue("revenue", "Money"); v != 100.0 {
		t.Errorf("Money placeholder = %v", v)
	}
	if v := PlaceholderValue("emailaddress1", "String"); v != "someone@example.com" {
		t.Errorf("email placeholder = %v", v)
	}
	if v := PlaceholderValue("telephone1", "String"); v != "555-0100" {
		t.Errorf("phone placeholder = %v", v)
	}
	if v := PlaceholderValue("websiteurl", "String"); v != "https://example.com" {
		t.Errorf("url placeholder = %v", v)
	}
	if v := PlaceholderValue("name", "String"); v != "Sample name" {
		t.Errorf("string placeholder = %v", v)
	}
}
