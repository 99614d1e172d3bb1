package fsperm

import (
	"os"
	"runtime"
	"testing"
)

// AssertReadOnlyFile verifies that path is a regular file only its owner can read.
func AssertReadOnlyFile(t testing.TB, path string) {
	t.Helper()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat file failed: %v", err)
	}
	if !info.Mode().IsRegular() {
		t.Fatalf("expected regular file, got %s: %s", info.Mode().Type(), path)
	}
	if runtime.GOOS == "windows" {
		return
	}
	if perm := info.Mode().Perm(); perm != 0o400 {
		t.Fatalf("expected file perm 0400, got %04o for %s", perm, path)
	}
}

// WriteFile creates a test fixture with the given permissions.
func WriteFile(t testing.TB, path string, data []byte, perm os.FileMode) {
	t.Helper()

	if err := os.WriteFile(path, data, perm); err != nil {
		t.Fatalf("write fixture failed: %v", err)
	}
}
