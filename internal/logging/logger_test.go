package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewWithWriterTagsService(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "lifesync-test", "debug")
	log.Error().Stack().Err(errors.New("boom")).Msg("sync failed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line failed: %v (%s)", err, buf.String())
	}
	if line["service"] != "lifesync-test" {
		t.Fatalf("expected service field, got %v", line["service"])
	}
	if line["error"] != "boom" {
		t.Fatalf("expected error field boom, got %v", line["error"])
	}
	if line["stack"] == nil {
		t.Fatalf("expected stack field on error event, got %v", line)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"garbage": zerolog.InfoLevel,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}
