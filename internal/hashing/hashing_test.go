package hashing

import (
	"strings"
	"testing"
)

func TestHashDeterministic(t *testing.T) {
	a := Hash([]byte("hello world"))
	b := Hash([]byte("hello world"))
	if a != b {
		t.Errorf("same content produced different hashes: %s vs %s", a, b)
	}
}

func TestHashDistinguishesContent(t *testing.T) {
	cases := [][2]string{
		{"hello", "hello "},
		{"hello", "Hello"},
		{"line1\nline2", "line1\r\nline2"},
		{"", "\n"},
	}
	for _, c := range cases {
		if Hash([]byte(c[0])) == Hash([]byte(c[1])) {
			t.Errorf("contents %q and %q collided", c[0], c[1])
		}
	}
}

func TestHashWidth(t *testing.T) {
	h := HashString("content")
	if len(h) != HexLength {
		t.Fatalf("hash length = %d, want %d", len(h), HexLength)
	}
	if !h.Valid() {
		t.Errorf("hash %s reported invalid", h)
	}
}

func TestShortIsPrefix(t *testing.T) {
	h := HashString("content")
	if !strings.HasPrefix(string(h), h.Short()) {
		t.Errorf("Short() %q is not a prefix of %q", h.Short(), h)
	}
	if len(h.Short()) != ShortLength {
		t.Errorf("Short() length = %d, want %d", len(h.Short()), ShortLength)
	}
}

func TestValidRejectsMalformed(t *testing.T) {
	bad := []ContentHash{
		"",
		"abc123",
		ContentHash(strings.Repeat("g", HexLength)),
		ContentHash(strings.Repeat("A", HexLength)),
		ContentHash(strings.Repeat("0", HexLength-1)),
		ContentHash(strings.Repeat("0", HexLength+1)),
	}
	for _, h := range bad {
		if h.Valid() {
			t.Errorf("Valid() accepted %q", h)
		}
	}
}

func BenchmarkHash(b *testing.B) {
	content := []byte(strings.Repeat("some line of source code\n", 400))
	b.SetBytes(int64(len(content)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Hash(content)
	}
}
