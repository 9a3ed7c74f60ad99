package validation

import (
	"strings"
	"testing"
)

func TestIsValidPubkey(t *testing.T) {
	valid := []string{
		"02" + strings.Repeat("ab", 32),
		"03" + strings.Repeat("0F", 32),
	}
	for _, pk := range valid {
		if !IsValidPubkey(pk) {
			t.Errorf("%q should be valid", pk)
		}
	}

	invalid := []string{
		"",
		"02abcd",
		"04" + strings.Repeat("ab", 32),
		"02" + strings.Repeat("zz", 32),
		"02" + strings.Repeat("ab", 33),
		" 02" + strings.Repeat("ab", 32),
	}
	for _, pk := range invalid {
		if IsValidPubkey(pk) {
			t.Errorf("%q should be invalid", pk)
		}
	}
}

func TestIsValidIdentity(t *testing.T) {
	valid := []string{"alice", "alice_01", "wallet.main", "org:team-7", "a"}
	for _, id := range valid {
		if !IsValidIdentity(id) {
			t.Errorf("%q should be valid", id)
		}
	}

	invalid := []string{"", "has space", "slash/bad", "q?x", strings.Repeat("a", 129)}
	for _, id := range invalid {
		if IsValidIdentity(id) {
			t.Errorf("%q should be invalid", id)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  Relay Shop  ", 64); got != "Relay Shop" {
		t.Errorf("Whitespace not trimmed: %q", got)
	}
	if got := SanitizeString("abc\x00def", 64); got != "abcdef" {
		t.Errorf("Null bytes not removed: %q", got)
	}
	if got := SanitizeString(strings.Repeat("x", 100), 10); len(got) != 10 {
		t.Errorf("Length not capped: %d", len(got))
	}
}

func TestSanitizePubkey(t *testing.T) {
	in := "  02ABCDEF  "
	if got := SanitizePubkey(in); got != "02abcdef" {
		t.Errorf("SanitizePubkey(%q) = %q", in, got)
	}
}
