package selection

import "testing"

func TestSetExactMatchCaseInsensitive(t *testing.T) {
	s := New("Discord.exe")
	if !s.Matches("discord.exe") {
		t.Fatalf("expected case-insensitive exact match")
	}
	if s.Matches("discordcanary.exe") {
		t.Fatalf("did not expect unrelated exe to match")
	}
}

func TestSetGlobMatch(t *testing.T) {
	s := New("Discord*.exe", "steam?.exe")
	cases := map[string]bool{
		"discord.exe":       true,
		"discordcanary.exe": true,
		"discordptb.exe":    true,
		"steam.exe":         false,
		"steamA.exe":        true,
		"steamAB.exe":       false,
		"notdiscord.exe":    false,
	}
	for name, want := range cases {
		if got := s.Matches(name); got != want {
			t.Errorf("Matches(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestGlobMatchTable(t *testing.T) {
	cases := []struct {
		name, pattern string
		want          bool
	}{
		{"abc", "*", true},
		{"", "*", true},
		{"abc", "a*c", true},
		{"abc", "a*d", false},
		{"abc", "a?c", true},
		{"abc", "a??", true},
		{"abc", "??", false},
		{"aaaa", "a*a*a*a", true},
		{"aaaa", "a*a*a*a*a", false},
		{"discord.exe", "discord.exe", true},
	}
	for _, c := range cases {
		if got := globMatch(c.name, c.pattern); got != c.want {
			t.Errorf("globMatch(%q, %q) = %v, want %v", c.name, c.pattern, got, c.want)
		}
	}
}

func TestSetReplaceClearsOldPatterns(t *testing.T) {
	s := New("Foo.exe")
	s.Replace([]string{"Bar.exe"})
	if s.Matches("foo.exe") {
		t.Fatalf("expected old pattern to be gone after Replace")
	}
	if !s.Matches("bar.exe") {
		t.Fatalf("expected new pattern to match")
	}
}
