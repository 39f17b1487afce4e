package sealed

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	cipher, err := LoadOrCreate(filepath.Join(t.TempDir(), "seal.key"))
	if err != nil {
		t.Fatal(err)
	}

	ct, err := cipher.Seal("gho_secrettoken")
	if err != nil {
		t.Fatal(err)
	}
	if ct == "gho_secrettoken" {
		t.Error("ciphertext equals plaintext")
	}

	pt, err := cipher.Open(ct)
	if err != nil {
		t.Fatal(err)
	}
	if pt != "gho_secrettoken" {
		t.Errorf("expected round trip, got %q", pt)
	}
}

func TestLoadOrCreatePersistsIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seal.key")

	first, err := LoadOrCreate(path)
	if err != nil {
		t.Fatal(err)
	}
	ct, err := first.Seal("value")
	if err != nil {
		t.Fatal(err)
	}

	// A second load reads the same identity, so old ciphertext still opens.
	second, err := LoadOrCreate(path)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := second.Open(ct)
	if err != nil {
		t.Fatal(err)
	}
	if pt != "value" {
		t.Errorf("expected %q, got %q", "value", pt)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected identity file mode 0600, got %v", info.Mode().Perm())
	}
}

func TestOpenForeignCiphertext(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadOrCreate(filepath.Join(dir, "a.key"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := LoadOrCreate(filepath.Join(dir, "b.key"))
	if err != nil {
		t.Fatal(err)
	}

	ct, err := a.Seal("value")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(ct); err == nil {
		t.Error("expected open with wrong identity to fail")
	}
}

func TestOpenGarbage(t *testing.T) {
	cipher, err := LoadOrCreate(filepath.Join(t.TempDir(), "seal.key"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cipher.Open("not base64!!!"); err == nil {
		t.Error("expected open of garbage to fail")
	}
	if _, err := cipher.Open("bm90IGFnZSBjaXBoZXJ0ZXh0"); err == nil {
		t.Error("expected open of non-age payload to fail")
	}
}
