package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"runtime"
	"runtime/metrics"
	"strings"
	"time"

	"github.com/vango-dev/livestate/pkg/server"
)

type runtimeMetricsSnapshot struct {
	cpuTotalSeconds float64
	cpuGCSeconds    float64

	heapAllocsBytes   uint64
	heapAllocsObjects uint64
}

func readRuntimeMetrics() runtimeMetricsSnapshot {
	samples := []metrics.Sample{
		{Name: "/cpu/classes/total:cpu-seconds"},
		{Name: "/cpu/classes/gc/total:cpu-seconds"},
		{Name: "/gc/heap/allocs:bytes"},
		{Name: "/gc/heap/allocs:objects"},
	}
	metrics.Read(samples)

	var out runtimeMetricsSnapshot
	for _, s := range samples {
		if s.Value.Kind() == metrics.KindBad {
			continue
		}
		switch s.Name {
		case "/cpu/classes/total:cpu-seconds":
			out.cpuTotalSeconds = s.Value.Float64()
		case "/cpu/classes/gc/total:cpu-seconds":
			out.cpuGCSeconds = s.Value.Float64()
		case "/gc/heap/allocs:bytes":
			out.heapAllocsBytes = s.Value.Uint64()
		case "/gc/heap/allocs:objects":
			out.heapAllocsObjects = s.Value.Uint64()
		}
	}
	return out
}

func cpuFraction(after, before runtimeMetricsSnapshot) float64 {
	total := after.cpuTotalSeconds - before.cpuTotalSeconds
	if total <= 0 {
		return 0
	}
	gc := after.cpuGCSeconds - before.cpuGCSeconds
	if gc < 0 {
		return 0
	}
	return gc / total
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func avgPause(after, before runtime.MemStats) time.Duration {
	gcCount := after.NumGC - before.NumGC
	if gcCount == 0 {
		return 0
	}
	return time.Duration((after.PauseTotalNs - before.PauseTotalNs) / uint64(gcCount))
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type benchReport struct {
	Version    string         `json:"version"`
	Run        runInfo        `json:"run"`
	Workload   workloadInfo   `json:"workload"`
	LatencyMS  latencyInfo    `json:"latency_ms"`
	Throughput throughputInfo `json:"throughput"`
	Sessions   sessionInfo    `json:"sessions"`
	GC         gcInfo         `json:"gc"`
	Errors     errorInfo      `json:"errors"`
}

type runInfo struct {
	Timestamp string `json:"timestamp"`
	Go        string `json:"go"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	CPUCount  int    `json:"cpu_count"`
	GitCommit string `json:"git_commit,omitempty"`
}

type workloadInfo struct {
	Profile         string  `json:"profile"`
	Clients         int     `json:"clients"`
	DurationMS      int64   `json:"duration_ms"`
	RPSPerClient    float64 `json:"rps_per_client"`
	ListSize        int     `json:"list_size"`
	PayloadBytes    int     `json:"payload_bytes"`
	DropEveryMS     int64   `json:"drop_every_ms"`
	MaxProcs        int     `json:"max_procs"`
	MemLimitBytes   int64   `json:"mem_limit_bytes"`
	ActionTimeoutMS int64   `json:"action_timeout_ms"`
}

type latencyInfo struct {
	Min float64 `json:"min"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
	Max float64 `json:"max"`
}

type throughputInfo struct {
	ActionsTotal        uint64  `json:"actions_total"`
	ActionsPerSec       float64 `json:"actions_per_sec"`
	ActionsPerSecClient float64 `json:"actions_per_sec_per_client"`
	StateUpdates        uint64  `json:"state_updates"`
}

type sessionInfo struct {
	Created      uint64 `json:"created"`
	Rebound      uint64 `json:"rebound"`
	Rejected     uint64 `json:"rejected"`
	Drops        uint64 `json:"drops"`
	Rehydrations uint64 `json:"rehydrations"`
}

type gcInfo struct {
	AllocMB       float64 `json:"alloc_mb"`
	HeapLiveMB    float64 `json:"heap_live_mb"`
	NumGC         uint32  `json:"num_gc"`
	PauseTotalMS  float64 `json:"pause_total_ms"`
	PauseAvgMS    float64 `json:"pause_avg_ms"`
	GCCPUFraction float64 `json:"gc_cpu_fraction"`
	AllocsObjects uint64  `json:"allocs_objects"`
}

type errorInfo struct {
	TotalErrors     uint64 `json:"total_errors"`
	ConnectFailures uint64 `json:"connect_failures"`
	MountFailures   uint64 `json:"mount_failures"`
	ActionFailures  uint64 `json:"action_failures"`
	TokenMissing    uint64 `json:"token_missing"`
	Reported        uint64 `json:"reported"`
}

func buildReport(
	cfg benchConfig,
	elapsed time.Duration,
	latencies []time.Duration,
	counters *benchCounters,
	errCounts *benchErrors,
	stats server.ManagerStats,
	before runtime.MemStats,
	after runtime.MemStats,
	beforeMetrics runtimeMetricsSnapshot,
	afterMetrics runtimeMetricsSnapshot,
) benchReport {
	actionsTotal := counters.actionsComplete.Load()

	elapsedSeconds := math.Max(0.001, elapsed.Seconds())
	actionsPerSec := float64(actionsTotal) / elapsedSeconds

	latency := latencyInfo{}
	if len(latencies) > 0 {
		latency = latencyInfo{
			Min: ms(latencies[0]),
			P50: ms(percentile(latencies, 0.50)),
			P95: ms(percentile(latencies, 0.95)),
			P99: ms(percentile(latencies, 0.99)),
			Max: ms(latencies[len(latencies)-1]),
		}
	}

	return benchReport{
		Version: "1",
		Run: runInfo{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Go:        runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			CPUCount:  runtime.NumCPU(),
			GitCommit: gitCommit(),
		},
		Workload: workloadInfo{
			Profile:         cfg.Profile,
			Clients:         cfg.Clients,
			DurationMS:      cfg.Duration.Milliseconds(),
			RPSPerClient:    cfg.RPS,
			ListSize:        cfg.ListSize,
			PayloadBytes:    cfg.PayloadBytes,
			DropEveryMS:     cfg.DropEvery.Milliseconds(),
			MaxProcs:        cfg.MaxProcs,
			MemLimitBytes:   cfg.MemLimitBytes,
			ActionTimeoutMS: cfg.ActionTimeout.Milliseconds(),
		},
		LatencyMS: latency,
		Throughput: throughputInfo{
			ActionsTotal:        actionsTotal,
			ActionsPerSec:       actionsPerSec,
			ActionsPerSecClient: actionsPerSec / float64(cfg.Clients),
			StateUpdates:        counters.stateUpdates.Load(),
		},
		Sessions: sessionInfo{
			Created:      stats.TotalCreated,
			Rebound:      stats.TotalRebound,
			Rejected:     stats.TotalRejected,
			Drops:        counters.drops.Load(),
			Rehydrations: counters.rehydrations.Load(),
		},
		GC: gcInfo{
			AllocMB:       float64(after.TotalAlloc-before.TotalAlloc) / (1024 * 1024),
			HeapLiveMB:    float64(after.HeapAlloc) / (1024 * 1024),
			NumGC:         after.NumGC - before.NumGC,
			PauseTotalMS:  ms(time.Duration(after.PauseTotalNs - before.PauseTotalNs)),
			PauseAvgMS:    ms(avgPause(after, before)),
			GCCPUFraction: cpuFraction(afterMetrics, beforeMetrics),
			AllocsObjects: afterMetrics.heapAllocsObjects - beforeMetrics.heapAllocsObjects,
		},
		Errors: errorInfo{
			TotalErrors:     errCounts.totalErrors.Load(),
			ConnectFailures: errCounts.connectFailures.Load(),
			MountFailures:   errCounts.mountFailures.Load(),
			ActionFailures:  errCounts.actionFailures.Load(),
			TokenMissing:    errCounts.tokenMissing.Load(),
			Reported:        errCounts.reported.Load(),
		},
	}
}

func writeSummary(w io.Writer, report benchReport) {
	fmt.Fprintln(w, "=== livestate benchmark ===")
	fmt.Fprintf(w, "Profile: %s\n", report.Workload.Profile)
	fmt.Fprintf(w, "Clients: %d\n", report.Workload.Clients)
	fmt.Fprintf(w, "Duration: %s\n", time.Duration(report.Workload.DurationMS)*time.Millisecond)
	fmt.Fprintf(w, "Target per-client rate: %.2f actions/s\n", report.Workload.RPSPerClient)
	fmt.Fprintf(w, "List size: %d\n", report.Workload.ListSize)
	fmt.Fprintf(w, "Payload bytes: %d\n", report.Workload.PayloadBytes)
	if report.Workload.DropEveryMS > 0 {
		fmt.Fprintf(w, "Connection drops every: %s\n", time.Duration(report.Workload.DropEveryMS)*time.Millisecond)
	}
	if report.Workload.MaxProcs > 0 {
		fmt.Fprintf(w, "GOMAXPROCS cap: %d\n", report.Workload.MaxProcs)
	}
	if report.Workload.MemLimitBytes > 0 {
		fmt.Fprintf(w, "GOMEMLIMIT cap: %.2f GiB\n", float64(report.Workload.MemLimitBytes)/float64(gib))
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Total actions: %d\n", report.Throughput.ActionsTotal)
	fmt.Fprintf(w, "Throughput: %.1f actions/s (%.2f per client)\n", report.Throughput.ActionsPerSec, report.Throughput.ActionsPerSecClient)
	fmt.Fprintf(w, "State updates: %d\n", report.Throughput.StateUpdates)
	fmt.Fprintf(w, "Errors: %d (action failures %d, missing tokens %d)\n",
		report.Errors.TotalErrors, report.Errors.ActionFailures, report.Errors.TokenMissing)
	fmt.Fprintln(w)

	if report.LatencyMS.Max == 0 {
		fmt.Fprintln(w, "No latency samples recorded.")
	} else {
		fmt.Fprintln(w, "RTT (call-action -> state-update -> reply):")
		fmt.Fprintf(w, "  min: %.2f ms\n", report.LatencyMS.Min)
		fmt.Fprintf(w, "  p50: %.2f ms\n", report.LatencyMS.P50)
		fmt.Fprintf(w, "  p95: %.2f ms\n", report.LatencyMS.P95)
		fmt.Fprintf(w, "  p99: %.2f ms\n", report.LatencyMS.P99)
		fmt.Fprintf(w, "  max: %.2f ms\n", report.LatencyMS.Max)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Sessions:")
	fmt.Fprintf(w, "  created:      %d\n", report.Sessions.Created)
	fmt.Fprintf(w, "  rebound:      %d\n", report.Sessions.Rebound)
	fmt.Fprintf(w, "  rehydrations: %d (after %d drops)\n", report.Sessions.Rehydrations, report.Sessions.Drops)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Go runtime / GC (process-wide):")
	fmt.Fprintf(w, "  alloc:     %.2f MB\n", report.GC.AllocMB)
	fmt.Fprintf(w, "  heap_live: %.2f MB\n", report.GC.HeapLiveMB)
	fmt.Fprintf(w, "  num_gc:    %d\n", report.GC.NumGC)
	fmt.Fprintf(w, "  gc_pause:  %.2f ms (total)\n", report.GC.PauseTotalMS)
	fmt.Fprintf(w, "  gc_pause:  %.2f ms (avg)\n", report.GC.PauseAvgMS)
	fmt.Fprintf(w, "  gc_cpu:    %.2f%%\n", report.GC.GCCPUFraction*100)
}

func writeJSON(path string, report benchReport) error {
	var out io.Writer
	if path == "-" {
		out = os.Stdout
	} else {
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		defer file.Close()
		out = file
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func gitCommit() string {
	for _, key := range []string{"LIVESTATE_GIT_COMMIT", "GIT_COMMIT"} {
		if val := strings.TrimSpace(os.Getenv(key)); val != "" {
			return val
		}
	}
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
