// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatAuto, "json": FormatJSON, "Text": FormatText, "auto": FormatAuto} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat(xml) should fail")
	}
}

func TestNew_AutoFormatIsJSONWhenNotATerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "coordinator", Output: &buf})
	logger.Slog().Info("hello", "run_id", "r1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %q", buf.String())
	}
	if entry["service"] != "coordinator" || entry["run_id"] != "r1" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: FormatText, Output: &buf})
	logger.Slog().Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Format: FormatText, Output: &buf})
	logger.Slog().Info("dropped")
	logger.Slog().Warn("kept")
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "kept") {
		t.Errorf("level filtering failed: %q", buf.String())
	}
}

func TestNew_WithLogDir(t *testing.T) {
	tmpDir := t.TempDir()
	var buf bytes.Buffer
	logger := New(Config{LogDir: tmpDir, Service: "worker", Format: FormatText, Output: &buf})
	logger.Slog().Info("to both")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close() = %v", err)
	}

	if dir := filepath.Dir(logger.FilePath()); dir != tmpDir {
		t.Errorf("log file in %q, want %q", dir, tmpDir)
	}
	if !strings.HasPrefix(filepath.Base(logger.FilePath()), "worker_") {
		t.Errorf("log file name %q", logger.FilePath())
	}
	data, err := os.ReadFile(logger.FilePath())
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"to both"`) {
		t.Errorf("file missing record: %q", data)
	}
	if !strings.Contains(buf.String(), "to both") {
		t.Errorf("stderr missing record: %q", buf.String())
	}
}

func TestNew_InvalidLogDirWarns(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0600); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Format: FormatText, Output: &buf})
	defer logger.Close()
	if logger.FilePath() != "" {
		t.Errorf("unexpected file path %q", logger.FilePath())
	}
	if !strings.Contains(buf.String(), "file logging disabled") {
		t.Errorf("expected warning, got %q", buf.String())
	}
}

func TestNew_Quiet(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Output: &buf})
	logger.Slog().Error("silent")
	if buf.Len() != 0 {
		t.Errorf("quiet logger wrote %q", buf.String())
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("HEDGE_LOG_LEVEL", "debug")
	t.Setenv("HEDGE_LOG_FORMAT", "json")
	t.Setenv("HEDGE_LOG_DIR", "/tmp/hedge-logs")
	cfg, err := ConfigFromEnv(Config{Level: LevelError})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Level != LevelDebug || cfg.Format != FormatJSON || cfg.LogDir != "/tmp/hedge-logs" {
		t.Errorf("unexpected config %+v", cfg)
	}

	t.Setenv("HEDGE_LOG_LEVEL", "loud")
	if _, err := ConfigFromEnv(Config{}); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestMultiHandler(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	mh := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}
	ctx := context.Background()
	if !mh.Enabled(ctx, slog.LevelDebug) {
		t.Error("debug should be enabled")
	}

	logger := slog.New(mh.WithAttrs([]slog.Attr{slog.String("k", "v")}).WithGroup("g"))
	logger.Info("info only", "x", 1)
	logger.Warn("both", "x", 2)

	if !strings.Contains(debugBuf.String(), "info only") || !strings.Contains(debugBuf.String(), "g.x=2") {
		t.Errorf("debug handler output %q", debugBuf.String())
	}
	if strings.Contains(warnBuf.String(), "info only") || !strings.Contains(warnBuf.String(), "k=v") {
		t.Errorf("warn handler output %q", warnBuf.String())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q", got)
	}
}
