package ort

import (
	"strings"
	"testing"
)

func TestGoToCstring(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty string", ""},
		{"ascii", "hello world"},
		{"control chars", "hello\tworld\n"},
		{"unicode", "Hello, 世界"},
		{"long string", strings.Repeat("a", 1000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, ptr := GoToCstring(tt.input)
			if len(b) != len(tt.input)+1 {
				t.Fatalf("got length %d, want %d", len(b), len(tt.input)+1)
			}
			if b[len(b)-1] != 0 {
				t.Fatalf("missing NUL terminator")
			}
			if ptr == 0 {
				t.Fatalf("got null pointer")
			}
			if got := CstringToGo(ptr); got != tt.input {
				t.Fatalf("round trip got %q, want %q", got, tt.input)
			}
		})
	}
}

func TestCstringToGoTruncatesAtNUL(t *testing.T) {
	b, ptr := GoToCstring("model\x00output")
	if got := CstringToGo(ptr); got != "model" {
		t.Fatalf("got %q, want %q", got, "model")
	}
	_ = b
}

func TestCstringToGoRejectsNullPage(t *testing.T) {
	for _, ptr := range []uintptr{0, 1, 100, 4095} {
		if got := CstringToGo(ptr); got != "" {
			t.Fatalf("CstringToGo(%d) = %q, want empty", ptr, got)
		}
	}
}

func TestMakeCStringPointerArray(t *testing.T) {
	names := []string{"input_ids", "attention_mask", ""}
	backings, ptrs := makeCStringPointerArray(names)
	if len(backings) != len(names) || len(ptrs) != len(names) {
		t.Fatalf("got %d backings and %d pointers, want %d", len(backings), len(ptrs), len(names))
	}
	for i, name := range names {
		if got := CstringToGo(ptrs[i]); got != name {
			t.Fatalf("index %d: got %q, want %q", i, got, name)
		}
	}
}

func BenchmarkCstringToGo(b *testing.B) {
	buf, ptr := GoToCstring(strings.Repeat("b", 100))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = CstringToGo(ptr)
	}
	_ = buf
}
