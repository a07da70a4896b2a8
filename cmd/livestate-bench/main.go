// Command livestate-bench drives an in-process livestate server with many
// concurrent clients and reports action latency, throughput and GC cost.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/livestate/pkg/client"
	"github.com/vango-dev/livestate/pkg/protocol"
	"github.com/vango-dev/livestate/pkg/server"
)

const (
	gib = int64(1024 * 1024 * 1024)

	loadComponent = "Load"
)

type profile struct {
	Name          string
	Clients       int
	Duration      time.Duration
	RPS           float64
	ListSize      int
	PayloadBytes  int
	DropEvery     time.Duration
	MaxProcs      int
	MemLimitBytes int64
}

var profiles = map[string]profile{
	"fast": {
		Name:         "fast",
		Clients:      50,
		Duration:     10 * time.Second,
		RPS:          2,
		ListSize:     20,
		PayloadBytes: 24,
	},
	"standard": {
		Name:         "standard",
		Clients:      200,
		Duration:     30 * time.Second,
		RPS:          5,
		ListSize:     50,
		PayloadBytes: 24,
	},
	"churn": {
		Name:         "churn",
		Clients:      200,
		Duration:     30 * time.Second,
		RPS:          5,
		ListSize:     50,
		PayloadBytes: 24,
		DropEvery:    5 * time.Second,
	},
	"stress": {
		Name:          "stress",
		Clients:       500,
		Duration:      60 * time.Second,
		RPS:           10,
		ListSize:      100,
		PayloadBytes:  24,
		MaxProcs:      4,
		MemLimitBytes: 2 * gib,
	},
}

type benchConfig struct {
	Profile       string
	Clients       int
	Duration      time.Duration
	RPS           float64
	ListSize      int
	PayloadBytes  int
	DropEvery     time.Duration
	MaxProcs      int
	MemLimitBytes int64
	JSONOutput    string
	ActionTimeout time.Duration
}

type benchCounters struct {
	actionsSent     atomic.Uint64
	actionsComplete atomic.Uint64
	stateUpdates    atomic.Uint64
	rehydrations    atomic.Uint64
	drops           atomic.Uint64
}

type benchErrors struct {
	connectFailures atomic.Uint64
	mountFailures   atomic.Uint64
	actionFailures  atomic.Uint64
	tokenMissing    atomic.Uint64
	reported        atomic.Uint64
	totalErrors     atomic.Uint64
}

func main() {
	log.SetFlags(0)

	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	if cfg.MaxProcs > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcs)
	}
	if cfg.MemLimitBytes > 0 {
		debug.SetMemoryLimit(cfg.MemLimitBytes)
	}
	debug.SetGCPercent(100)

	report, err := run(context.Background(), cfg)
	if err != nil {
		log.Fatal(err)
	}

	writeSummary(os.Stderr, report)
	if err := writeJSON(cfg.JSONOutput, report); err != nil {
		log.Fatalf("write json: %v", err)
	}
}

// run starts a server on a loopback port, drives it for cfg.Duration and
// returns the report.
func run(ctx context.Context, cfg benchConfig) (benchReport, error) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := server.NewRegistry()
	if err := reg.Register(loadType()); err != nil {
		return benchReport{}, err
	}
	srv, err := server.New(&server.ServerConfig{
		SnapshotKey: []byte("livestate-bench"),
		CheckOrigin: server.AllowAllOrigins,
		Logger:      quiet,
	}, reg)
	if err != nil {
		return benchReport{}, err
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return benchReport{}, fmt.Errorf("listen: %w", err)
	}
	httpServer := &http.Server{Handler: srv.Handler()}
	go func() {
		_ = httpServer.Serve(ln)
	}()
	defer func() {
		_ = srv.Shutdown(context.Background())
		_ = httpServer.Shutdown(context.Background())
	}()

	wsURL := "ws://" + ln.Addr().String() + "/ws"

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	samplesCh := make(chan time.Duration, sampleBuffer(cfg.Clients))
	var samples []time.Duration
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for rtt := range samplesCh {
			samples = append(samples, rtt)
		}
	}()

	var counters benchCounters
	var errCounts benchErrors

	var before runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	beforeMetrics := readRuntimeMetrics()

	if cfg.DropEvery > 0 {
		go dropLoop(ctx, srv, cfg.DropEvery, &counters)
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(cfg.Clients)
	for i := 0; i < cfg.Clients; i++ {
		clientID := i
		go func() {
			defer wg.Done()
			if err := runClient(ctx, wsURL, clientID, cfg, quiet, &counters, &errCounts, samplesCh); err != nil {
				errCounts.totalErrors.Add(1)
			}
		}()
	}

	wg.Wait()
	close(samplesCh)
	<-collectorDone

	elapsed := time.Since(start)

	var after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&after)
	afterMetrics := readRuntimeMetrics()

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	return buildReport(cfg, elapsed, samples, &counters, &errCounts, srv.Sessions().Stats(),
		before, after, beforeMetrics, afterMetrics), nil
}

// dropLoop closes every connection periodically so clients reconnect and
// rehydrate under load.
func dropLoop(ctx context.Context, srv *server.Server, every time.Duration, counters *benchCounters) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			srv.CloseConnections()
			counters.drops.Add(1)
		}
	}
}

func sampleBuffer(clients int) int {
	if clients < 1 {
		return 1024
	}
	buf := clients * 4
	if buf < 1024 {
		buf = 1024
	}
	return buf
}

func parseConfig(args []string) (benchConfig, error) {
	fs := flag.NewFlagSet("livestate-bench", flag.ContinueOnError)
	profileFlag := fs.String("profile", "standard", "profile: fast|standard|churn|stress")
	clientsFlag := fs.Int("clients", -1, "number of concurrent clients")
	durationFlag := fs.String("duration", "", "benchmark duration, e.g. 30s")
	rpsFlag := fs.Float64("rps", -1, "target actions/sec per client")
	listFlag := fs.Int("list", -1, "list entries held in each component's state")
	payloadFlag := fs.Int("payload-bytes", -1, "bytes of token payload per action")
	dropFlag := fs.String("drop-every", "", "close all connections at this interval, e.g. 5s (0 disables)")
	maxProcsFlag := fs.Int("max-procs", -1, "GOMAXPROCS cap (0 to leave unchanged)")
	memLimitFlag := fs.String("mem-limit", "", "GOMEMLIMIT (e.g. 2GiB)")
	jsonFlag := fs.String("json", "-", "JSON output path ('-' for stdout)")
	if err := fs.Parse(args); err != nil {
		return benchConfig{}, err
	}

	name := strings.ToLower(strings.TrimSpace(*profileFlag))
	if name == "" {
		name = "standard"
	}

	base, ok := profiles[name]
	if !ok {
		return benchConfig{}, fmt.Errorf("unknown profile %q", name)
	}

	cfg := benchConfig{
		Profile:       base.Name,
		Clients:       base.Clients,
		Duration:      base.Duration,
		RPS:           base.RPS,
		ListSize:      base.ListSize,
		PayloadBytes:  base.PayloadBytes,
		DropEvery:     base.DropEvery,
		MaxProcs:      base.MaxProcs,
		MemLimitBytes: base.MemLimitBytes,
		JSONOutput:    strings.TrimSpace(*jsonFlag),
	}

	if *clientsFlag != -1 {
		cfg.Clients = *clientsFlag
	}
	if *durationFlag != "" {
		d, err := time.ParseDuration(*durationFlag)
		if err != nil {
			return benchConfig{}, fmt.Errorf("invalid -duration: %w", err)
		}
		cfg.Duration = d
	}
	if *rpsFlag != -1 {
		cfg.RPS = *rpsFlag
	}
	if *listFlag != -1 {
		cfg.ListSize = *listFlag
	}
	if *payloadFlag != -1 {
		cfg.PayloadBytes = *payloadFlag
	}
	if *dropFlag != "" {
		d, err := time.ParseDuration(*dropFlag)
		if err != nil {
			return benchConfig{}, fmt.Errorf("invalid -drop-every: %w", err)
		}
		cfg.DropEvery = d
	}
	if *maxProcsFlag != -1 {
		cfg.MaxProcs = *maxProcsFlag
	}
	if *memLimitFlag != "" {
		limit, err := parseBytes(*memLimitFlag)
		if err != nil {
			return benchConfig{}, fmt.Errorf("invalid -mem-limit: %w", err)
		}
		cfg.MemLimitBytes = limit
	}
	if cfg.JSONOutput == "" {
		cfg.JSONOutput = "-"
	}

	switch {
	case cfg.Clients <= 0:
		return benchConfig{}, errors.New("-clients must be > 0")
	case cfg.Duration <= 0:
		return benchConfig{}, errors.New("-duration must be > 0")
	case cfg.RPS <= 0:
		return benchConfig{}, errors.New("-rps must be > 0")
	case cfg.ListSize < 0:
		return benchConfig{}, errors.New("-list must be >= 0")
	case cfg.PayloadBytes <= 0:
		return benchConfig{}, errors.New("-payload-bytes must be > 0")
	case cfg.DropEvery < 0:
		return benchConfig{}, errors.New("-drop-every must be >= 0")
	case cfg.MaxProcs < 0:
		return benchConfig{}, errors.New("-max-procs must be >= 0")
	case cfg.MemLimitBytes < 0:
		return benchConfig{}, errors.New("-mem-limit must be >= 0")
	}

	cfg.ActionTimeout = actionTimeout(cfg.RPS)
	return cfg, nil
}

func actionTimeout(rps float64) time.Duration {
	if rps <= 0 {
		return 0
	}
	period := time.Duration(float64(time.Second) / rps)
	timeout := period * 10
	if timeout < 2*time.Second {
		timeout = 2 * time.Second
	}
	return timeout
}

func parseBytes(input string) (int64, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return 0, errors.New("empty size")
	}

	i := strings.IndexFunc(s, func(r rune) bool { return (r < '0' || r > '9') && r != '.' })
	if i < 0 {
		i = len(s)
	}
	if i == 0 {
		return 0, fmt.Errorf("invalid size %q", input)
	}

	value, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, err
	}

	var multiplier float64
	switch strings.ToLower(strings.TrimSpace(s[i:])) {
	case "", "b":
		multiplier = 1
	case "kb":
		multiplier = 1e3
	case "mb":
		multiplier = 1e6
	case "gb":
		multiplier = 1e9
	case "kib":
		multiplier = 1024
	case "mib":
		multiplier = 1024 * 1024
	case "gib":
		multiplier = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unknown size suffix in %q", input)
	}
	return int64(value*multiplier + 0.5), nil
}

func runClient(
	ctx context.Context,
	wsURL string,
	clientID int,
	cfg benchConfig,
	logger *slog.Logger,
	counters *benchCounters,
	errCounts *benchErrors,
	samples chan<- time.Duration,
) error {
	ccfg := client.DefaultConfig()
	ccfg.URL = wsURL
	ccfg.ReconnectInterval = 100 * time.Millisecond
	ccfg.RequestTimeout = cfg.ActionTimeout
	ccfg.Logger = logger
	ccfg.OnError = func(err error, fatal bool) {
		errCounts.reported.Add(1)
	}

	c, err := client.New(ccfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Open(ctx); err != nil {
		errCounts.connectFailures.Add(1)
		return fmt.Errorf("open: %w", err)
	}

	cp := c.NewComponent(loadComponent,
		client.WithOnUpdate(func(map[string]any, protocol.Version) {
			counters.stateUpdates.Add(1)
		}),
		client.WithOnRehydrate(func(string, string) {
			counters.rehydrations.Add(1)
		}),
	)
	if err := cp.Mount(ctx, map[string]any{"items": cfg.ListSize}); err != nil {
		errCounts.mountFailures.Add(1)
		return fmt.Errorf("mount: %w", err)
	}

	period := time.Duration(float64(time.Second) / cfg.RPS)
	var seq uint64

	for ctx.Err() == nil {
		seq++
		token := makeToken(clientID, seq, cfg.PayloadBytes)

		start := time.Now()
		counters.actionsSent.Add(1)
		_, err := cp.Call(ctx, "echo", echoPayload{Token: token})
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			// Calls fail while a dropped connection is being replaced.
			errCounts.actionFailures.Add(1)
			if c.State() == client.StateFailed {
				return fmt.Errorf("echo: %w", err)
			}
		case cp.State()["echo"] != token:
			errCounts.tokenMissing.Add(1)
		default:
			counters.actionsComplete.Add(1)
			samples <- time.Since(start)
		}

		if sleep := period - time.Since(start); sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
	return nil
}

func makeToken(clientID int, seq uint64, payloadBytes int) string {
	if payloadBytes <= 0 {
		return ""
	}
	seed := (uint64(clientID) << 32) ^ seq
	base := strconv.FormatUint(seed, 36)
	if len(base) >= payloadBytes {
		return base[len(base)-payloadBytes:]
	}
	return base + strings.Repeat("x", payloadBytes-len(base))
}

type echoPayload struct {
	Token string `json:"token"`
}

// loadType holds an echo value and a list; each echo replaces one list
// entry chosen by hashing the token.
func loadType() server.ComponentType {
	return server.ComponentType{
		Name: loadComponent,
		Init: func(props map[string]any) (map[string]any, error) {
			n := 0
			switch v := props["items"].(type) {
			case float64:
				n = int(v)
			case int:
				n = v
			}
			items := make([]any, n)
			for i := range items {
				items[i] = fmt.Sprintf("Item %d", i)
			}
			return map[string]any{"echo": "", "items": items}, nil
		},
		Actions: map[string]server.Action{
			"echo": server.TypedAction(func(ctx *server.ActionContext, p echoPayload) (any, error) {
				items, _ := ctx.Get("items").([]any)
				if len(items) > 0 {
					h := fnv.New32a()
					h.Write([]byte(p.Token))
					items[int(h.Sum32()%uint32(len(items)))] = p.Token
				}
				ctx.SetState(map[string]any{"echo": p.Token, "items": items})
				return nil, nil
			}),
		},
	}
}
