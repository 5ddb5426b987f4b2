package utils

import "testing"

func TestTruncate(t *testing.T) {
	cases := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"exactly-10", 10, "exactly-10"},
		{"this is longer", 10, "this is..."},
		{"中文字符也要安全截断", 6, "中文字..."},
		{"ab", 1, "a"},
	}
	for _, tc := range cases {
		if got := Truncate(tc.in, tc.maxLen); got != tc.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tc.in, tc.maxLen, got, tc.want)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"normal.jpg", "normal.jpg"},
		{"a/b\\c:d", "a_b_c_d"},
		{"..hidden", "hidden"},
		{"ctrl\x01char", "ctrlchar"},
		{"  spaced  ", "spaced"},
	}
	for _, tc := range cases {
		if got := SanitizeFilename(tc.in); got != tc.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAppendUnique(t *testing.T) {
	got := AppendUnique(nil, "a")
	got = AppendUnique(got, "b")
	got = AppendUnique(got, "a")
	got = AppendUnique(got, "  ")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("AppendUnique = %#v", got)
	}
}
