package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCommandLoggerCarriesCorrelationID(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	Setup(Config{Format: "json", Level: "info", Output: &buf})

	ctx := WithCorrelationID(context.Background(), "msg-42")
	DestinationLogger(CommandLogger(ctx, "c1", "Delete"), "agent-1", "ag-1").Info("routed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not one JSON line: %v: %s", err, buf.String())
	}
	want := map[string]string{
		"service":        "command-router",
		"correlation_id": "msg-42",
		"command_id":     "c1",
		"command_type":   "Delete",
		"agent_id":       "agent-1",
		"asset_group_id": "ag-1",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("%s = %v, want %s", k, line[k], v)
		}
	}
}

func TestFromContextWithoutCorrelationID(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	Setup(Config{Format: "json", Level: "warn", Output: &buf})

	FromContext(context.Background(), "recovery").Info("filtered out")
	if buf.Len() != 0 {
		t.Fatalf("info should be below the warn level, got %s", buf.String())
	}

	FromContext(context.Background(), "recovery").Warn("page failed")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatal(err)
	}
	if line["component"] != "recovery" {
		t.Errorf("component = %v", line["component"])
	}
	if _, ok := line["correlation_id"]; ok {
		t.Error("correlation_id should be absent without one in context")
	}
}
