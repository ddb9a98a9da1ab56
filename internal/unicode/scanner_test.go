package unicode

import (
	"testing"
)

func TestScan_CleanText(t *testing.T) {
	for _, input := range []string{
		"just a normal post",
		"emoji family \U0001F468\u200D\U0001F469\u200D\U0001F467",
		"café naïve",
	} {
		result := Scan(input)
		if !result.Clean {
			t.Errorf("expected clean result for %q, got threats: %v", input, result.Threats)
		}
	}
}

func TestScan_HiddenCharacters(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		category string
		cp       string
	}{
		{"rtl override", "hello \u202Eevil", "bidi-override", "U+202E"},
		{"isolate", "x\u2066y", "bidi-override", "U+2066"},
		{"tag char", "ok\U000E0069\U000E0067", "tag-char", "U+E0069"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Scan(tt.input)
			if result.Clean {
				t.Fatal("expected threats")
			}
			if result.Threats[0].Category != tt.category {
				t.Errorf("expected category %q, got %q", tt.category, result.Threats[0].Category)
			}
			if result.Threats[0].Codepoint != tt.cp {
				t.Errorf("expected codepoint %s, got %s", tt.cp, result.Threats[0].Codepoint)
			}
		})
	}
}

func TestFold(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"zero width inside word", "ig\u200Bnore", "ignore"},
		{"soft hyphen", "in\u00ADstructions", "instructions"},
		{"cyrillic lookalikes", "\u0456gn\u043Er\u0435", "ignore"},
		{"greek omicron", "pr\u03BFmpt", "prompt"},
		{"control char", "a\x00b\x1bc", "abc"},
		{"keeps newlines", "a\nb\tc", "a\nb c"},
		{"collapses runs", "a \t\u00A0\u3000 b", "a b"},
		{"line break wins", "a \r\n\n b", "a\nb"},
		{"form feed and vertical tab", "a\fb\vc", "a\nb\nc"},
		{"unicode line breaks", "a\u0085b\u2028c\u2029d", "a\nb\nc\nd"},
		{"zero width inside run", "a \u200B b", "a b"},
		{"tag chars dropped", "hi\U000E0041", "hi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fold(tt.input); got != tt.want {
				t.Errorf("Fold(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
