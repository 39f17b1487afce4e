package promptbudget

import (
	"errors"
	"strings"
	"testing"
)

func TestCheck(t *testing.T) {
	b, err := New(50)
	if err != nil {
		t.Skipf("tokenizer unavailable: %v", err)
	}

	if err := b.Check("short prompt"); err != nil {
		t.Errorf("expected short prompt to pass, got %v", err)
	}

	long := strings.Repeat("the quick brown fox jumps over the lazy dog ", 100)
	if err := b.Check(long); !errors.Is(err, ErrPromptTooLarge) {
		t.Errorf("expected ErrPromptTooLarge, got %v", err)
	}
}

func TestCheckDisabled(t *testing.T) {
	b, err := New(0)
	if err != nil {
		t.Skipf("tokenizer unavailable: %v", err)
	}
	if err := b.Check(strings.Repeat("word ", 10000)); err != nil {
		t.Errorf("expected disabled budget to pass everything, got %v", err)
	}
}

func TestCount(t *testing.T) {
	b, err := New(100)
	if err != nil {
		t.Skipf("tokenizer unavailable: %v", err)
	}
	if n := b.Count("hello world"); n < 1 || n > 5 {
		t.Errorf("unexpected token count for short phrase: %d", n)
	}
}
