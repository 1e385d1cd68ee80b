// Package fsperm asserts the permissions of node state on disk.
package fsperm

import (
	"io/fs"
	"os"
	"runtime"
	"testing"
)

// AssertPrivateDir fails unless dir is a directory only its owner can enter.
func AssertPrivateDir(t testing.TB, dir string) {
	t.Helper()
	assertMode(t, dir, true, 0o700)
}

// AssertPrivateFile fails unless path is a regular file only its owner can read.
func AssertPrivateFile(t testing.TB, path string) {
	t.Helper()
	assertMode(t, path, false, 0o600)
}

func assertMode(t testing.TB, path string, wantDir bool, want fs.FileMode) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if info.IsDir() != wantDir {
		t.Fatalf("%s: dir=%v, want dir=%v", path, info.IsDir(), wantDir)
	}
	if runtime.GOOS == "windows" {
		return
	}
	if perm := info.Mode().Perm(); perm != want {
		t.Fatalf("expected perm %04o, got %04o for %s", want, perm, path)
	}
}
