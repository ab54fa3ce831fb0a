package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/voicebridge/internal/catalog"
)

func TestRunScan(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"Narrator.pth", "narrator.index", "robot.pth", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	var out bytes.Buffer
	if err := runScan(&out, dir, false); err != nil {
		t.Fatalf("scan: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "Narrator") || !strings.Contains(text, "robot") || strings.Contains(text, "notes") {
		t.Fatalf("unexpected table:\n%s", text)
	}

	out.Reset()
	if err := runScan(&out, dir, true); err != nil {
		t.Fatalf("scan json: %v", err)
	}
	var models []catalog.Model
	if err := json.Unmarshal(out.Bytes(), &models); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(models) != 2 || models[0].IndexPath == "" {
		t.Fatalf("unexpected models %+v", models)
	}
}

func TestRunScanMissingDir(t *testing.T) {
	var out bytes.Buffer
	if err := runScan(&out, filepath.Join(t.TempDir(), "missing"), false); err == nil {
		t.Fatalf("expected error for a missing directory")
	}
}
