package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func summaries(t *testing.T, buf *bytes.Buffer) map[string]map[string]any {
	t.Helper()
	out := map[string]map[string]any{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			t.Fatalf("parse: %v", err)
		}
		if rec["msg"] != "event_summary" {
			t.Fatalf("unexpected msg %v", rec["msg"])
		}
		out[rec["event"].(string)] = rec
	}
	return out
}

func TestAggregatorSummarizesOnStop(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 60)
	agg.Start()

	for i := 0; i < 5; i++ {
		agg.Record(CompPoller, "output_tick", slog.Int("panes", i))
	}
	agg.Record(CompPoller, "roster_tick_skipped")
	agg.Stop()

	got := summaries(t, &buf)
	if got["output_tick"]["count"] != float64(5) || got["roster_tick_skipped"]["count"] != float64(1) {
		t.Fatalf("unexpected summaries: %v", got)
	}
	if got["output_tick"]["panes"] != float64(4) {
		t.Fatalf("latest attrs should win, got %v", got["output_tick"]["panes"])
	}
}

func TestAggregatorTalliesSessions(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 60)

	agg.Record(CompPoller, "capture_failed", slog.String("session", "dev"), slog.String("pane", "0"))
	agg.Record(CompPoller, "capture_failed", slog.String("session", "ops"), slog.String("pane", "1"))
	agg.Record(CompPoller, "capture_failed", slog.String("session", "ops"), slog.String("pane", "1"))
	agg.Stop()

	rec := summaries(t, &buf)["capture_failed"]
	if rec["count"] != float64(3) || rec["sessions"] != float64(2) || rec["busiest_session"] != "ops" {
		t.Fatalf("unexpected summary: %v", rec)
	}
	if _, ok := rec["session"]; ok {
		t.Fatalf("per-occurrence session should be folded into the tally: %v", rec)
	}
}

func TestAggregatorNilLoggerDrops(t *testing.T) {
	agg := NewAggregator(nil, 1)
	agg.Record(CompTmux, "x")
	agg.Stop()
	agg.Stop()
}
