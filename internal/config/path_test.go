package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultDataDirPrefersXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	if got := DefaultDataDir(); got != "/custom/data/courier" {
		t.Fatalf("got %s", got)
	}
}

func TestDefaultDataDirWithoutHome(t *testing.T) {
	t.Setenv("HOME", "")
	t.Setenv("XDG_DATA_HOME", "/ignored")
	if got := DefaultDataDir(); got != "./data" {
		t.Fatalf("expected ./data fallback, got %s", got)
	}
}

func TestDefaultDataDirShape(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "")
	got := DefaultDataDir()
	if !filepath.IsAbs(got) && got != "./data" {
		t.Fatalf("expected absolute path, got %s", got)
	}
	if base := strings.ToLower(filepath.Base(got)); base != "courier" && base != ".courier" && got != "./data" {
		t.Fatalf("unexpected leaf %s", got)
	}
	if DefaultDataDir() != got {
		t.Fatalf("not stable across calls")
	}
}

func TestDirProbes(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !isDir(dir) || isDir(file) || isDir(filepath.Join(dir, "missing")) {
		t.Fatalf("isDir wrong")
	}
	if !isWritableDir(dir) || isWritableDir(file) {
		t.Fatalf("isWritableDir wrong")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("probe file left behind: %v", entries)
	}
}
