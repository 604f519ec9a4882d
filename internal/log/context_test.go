// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestCycleRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		ctx     context.Context
		id      string
		trigger string
	}{
		{name: "nil context", ctx: nil, id: "cycle-1", trigger: "epg"},
		{name: "background context", ctx: context.Background(), id: "cycle-2", trigger: "rule"},
		{name: "empty", ctx: context.Background()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ContextWithCycle(tt.ctx, tt.id, tt.trigger)
			id, trigger := CycleFromContext(ctx)
			if id != tt.id || trigger != tt.trigger {
				t.Errorf("CycleFromContext() = %q, %q; want %q, %q", id, trigger, tt.id, tt.trigger)
			}
		})
	}

	if id, trigger := CycleFromContext(context.Background()); id != "" || trigger != "" {
		t.Errorf("unexpected cycle in empty context: %q %q", id, trigger)
	}
}

func TestWithContextAddsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := ContextWithCycle(context.Background(), "c-42", "manual")
	l := WithContext(ctx, logger)
	l.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry[FieldCycleID] != "c-42" {
		t.Errorf("cycle_id = %v, want c-42", entry[FieldCycleID])
	}
	if entry[FieldTrigger] != "manual" {
		t.Errorf("trigger = %v, want manual", entry[FieldTrigger])
	}
}

func TestWithContextWithoutFieldsReturnsSameLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	l := WithContext(context.Background(), logger)
	l.Info().Msg("plain")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if _, ok := entry[FieldCycleID]; ok {
		t.Error("unexpected cycle_id field")
	}
}

func TestConfigureServiceField(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "epgrec-test", Version: "v0"})
	t.Cleanup(func() { Configure(Config{}) })

	l := WithComponent("dvr")
	l.Debug().Msg("configured")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["service"] != "epgrec-test" {
		t.Errorf("service = %v", entry["service"])
	}
	if entry[FieldComponent] != "dvr" {
		t.Errorf("component = %v", entry[FieldComponent])
	}
}

func TestConfigureConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "info", Format: "console", Output: &buf})
	t.Cleanup(func() { Configure(Config{}) })

	logger := WithComponent("dispatch")
	logger.Info().Msg("queued")
	if json.Valid(buf.Bytes()) {
		t.Errorf("console output should not be JSON: %q", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("queued")) {
		t.Errorf("message missing from %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Setenv("EPGREC_LOG_LEVEL", "")
	if got := parseLevel("warn"); got != zerolog.WarnLevel {
		t.Errorf("parseLevel(warn) = %v", got)
	}
	if got := parseLevel("nonsense"); got != zerolog.InfoLevel {
		t.Errorf("parseLevel(nonsense) = %v", got)
	}

	t.Setenv("EPGREC_LOG_LEVEL", "debug")
	if got := parseLevel(""); got != zerolog.DebugLevel {
		t.Errorf("parseLevel from env = %v", got)
	}
}
