// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": LevelDebug,
		"info":  LevelInfo,
		"warn":  LevelWarn,
		"error": LevelError,
		"bogus": LevelInfo,
		"":      LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLevelString(t *testing.T) {
	if LevelWarn.String() != "WARN" {
		t.Errorf("LevelWarn.String() = %q", LevelWarn.String())
	}
	if Level(42).String() != "UNKNOWN" {
		t.Errorf("unknown level String() = %q", Level(42).String())
	}
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	logger, closeFn, err := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "forwarder",
		Quiet:   true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Info("route created", "partner", "ACME")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one log file, got %v (err %v)", entries, err)
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"partner":"ACME"`) {
		t.Errorf("log file missing attribute: %s", data)
	}
	if !strings.Contains(string(data), `"service":"forwarder"`) {
		t.Errorf("log file missing service attribute: %s", data)
	}
}

func TestNew_QuietWithoutFile(t *testing.T) {
	logger, closeFn, err := New(Config{Quiet: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeFn()

	// Must not panic; output goes nowhere.
	logger.Error("dropped", "error", "x")
}
