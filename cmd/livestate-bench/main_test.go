package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]string{"-profile", "fast", "-clients", "3", "-duration", "2s", "-drop-every", "500ms", "-mem-limit", "1GiB"})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.Profile != "fast" || cfg.Clients != 3 || cfg.Duration != 2*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.DropEvery != 500*time.Millisecond || cfg.MemLimitBytes != gib {
		t.Errorf("drop=%v mem=%d", cfg.DropEvery, cfg.MemLimitBytes)
	}
	if cfg.ActionTimeout != 5*time.Second {
		t.Errorf("action timeout = %v", cfg.ActionTimeout)
	}

	for _, args := range [][]string{
		{"-profile", "nope"},
		{"-clients", "0"},
		{"-duration", "soon"},
		{"-rps", "0"},
		{"-drop-every", "-1s"},
	} {
		if _, err := parseConfig(args); err == nil {
			t.Errorf("parseConfig(%v) accepted", args)
		}
	}
}

func TestParseBytes(t *testing.T) {
	tests := map[string]int64{
		"512":    512,
		"1kb":    1000,
		"1.5KiB": 1536,
		"2 MiB":  2 << 20,
		"1GiB":   gib,
	}
	for in, want := range tests {
		got, err := parseBytes(in)
		if err != nil || got != want {
			t.Errorf("parseBytes(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, in := range []string{"", "GiB", "3 parsecs"} {
		if _, err := parseBytes(in); err == nil {
			t.Errorf("parseBytes(%q) accepted", in)
		}
	}
}

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if got := percentile(sorted, 0.5); got != 5 {
		t.Errorf("p50 = %d", got)
	}
	if got := percentile(sorted, 0.95); got != 10 {
		t.Errorf("p95 = %d", got)
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Errorf("empty = %d", got)
	}
}

func TestMakeToken(t *testing.T) {
	a := makeToken(1, 1, 24)
	b := makeToken(1, 2, 24)
	if len(a) != 24 || a == b {
		t.Errorf("tokens %q %q", a, b)
	}
	if got := makeToken(7, 1, 3); len(got) != 3 {
		t.Errorf("short token %q", got)
	}
}

func TestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("drives a live server")
	}
	cfg := benchConfig{
		Profile:       "test",
		Clients:       4,
		Duration:      1500 * time.Millisecond,
		RPS:           20,
		ListSize:      5,
		PayloadBytes:  16,
		DropEvery:     600 * time.Millisecond,
		ActionTimeout: 2 * time.Second,
	}
	report, err := run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Throughput.ActionsTotal == 0 {
		t.Fatalf("no actions completed: %+v", report.Errors)
	}
	if report.Sessions.Created < uint64(cfg.Clients) {
		t.Errorf("sessions created = %d", report.Sessions.Created)
	}
	if report.Sessions.Drops == 0 {
		t.Error("no connection drops")
	}
	if report.Errors.MountFailures != 0 || report.Errors.ConnectFailures != 0 {
		t.Errorf("errors = %+v", report.Errors)
	}

	var summary bytes.Buffer
	writeSummary(&summary, report)
	if !strings.Contains(summary.String(), "Total actions") {
		t.Errorf("summary = %s", summary.String())
	}

	path := filepath.Join(t.TempDir(), "report.json")
	if err := writeJSON(path, report); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var decoded benchReport
	if err := json.Unmarshal(data, &decoded); err != nil || decoded.Throughput.ActionsTotal != report.Throughput.ActionsTotal {
		t.Errorf("json round trip: %v", err)
	}
}
