package chunk

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestDefaults(t *testing.T) {
	s := NewSizer(Config{})
	cfg := s.Config()
	if cfg.Initial != 64*1024 || cfg.Min != 16*1024 || cfg.Max != 1024*1024 {
		t.Errorf("bounds = %d/%d/%d", cfg.Initial, cfg.Min, cfg.Max)
	}
	if cfg.Window != 3 || cfg.Damping != 0.5 || cfg.TargetLatency != 500*time.Millisecond {
		t.Errorf("controller = %+v", cfg)
	}
	if s.Next() != cfg.Initial {
		t.Errorf("Next = %d, want %d", s.Next(), cfg.Initial)
	}
}

func TestNormalizeClampsInitial(t *testing.T) {
	s := NewSizer(Config{Initial: 10, Min: 100, Max: 50})
	cfg := s.Config()
	if cfg.Max != 100 {
		t.Errorf("Max = %d, want raised to Min", cfg.Max)
	}
	if s.Next() != 100 {
		t.Errorf("Next = %d, want 100", s.Next())
	}
}

func TestOnTargetKeepsSize(t *testing.T) {
	s := NewSizer(DefaultConfig())
	size := s.Record(Sample{Bytes: s.Next(), Latency: 500 * time.Millisecond, OK: true})
	if size != 64*1024 {
		t.Errorf("size = %d, want unchanged", size)
	}
}

func TestSlowChunkShrinks(t *testing.T) {
	s := NewSizer(DefaultConfig())
	// ratio 0.5, factor 1 + 0.5*(0.5-1) = 0.75
	size := s.Record(Sample{Bytes: s.Next(), Latency: time.Second, OK: true})
	if size != 48*1024 {
		t.Errorf("size = %d, want %d", size, 48*1024)
	}
}

func TestFastChunkGrowsWithinRatioBound(t *testing.T) {
	s := NewSizer(DefaultConfig())
	// ratio clamps to 4, factor 1 + 0.5*3 = 2.5
	size := s.Record(Sample{Bytes: s.Next(), Latency: time.Millisecond, OK: true})
	if size != 160*1024 {
		t.Errorf("size = %d, want %d", size, 160*1024)
	}
}

func TestFailureBiasesDown(t *testing.T) {
	s := NewSizer(DefaultConfig())
	// Fast failure still shrinks.
	size := s.Record(Sample{Bytes: s.Next(), Latency: time.Millisecond, OK: false})
	if size != 32*1024 {
		t.Errorf("size = %d, want %d", size, 32*1024)
	}
}

func TestWindowIsRolling(t *testing.T) {
	s := NewSizer(DefaultConfig())
	s.Record(Sample{Latency: 5 * time.Second, OK: true})
	for i := 0; i < 3; i++ {
		s.Record(Sample{Latency: 500 * time.Millisecond, OK: true})
	}
	if len(s.window) != 3 {
		t.Fatalf("window holds %d samples", len(s.window))
	}
	for _, sm := range s.window {
		if sm.Latency != 500*time.Millisecond {
			t.Errorf("stale sample %v still in window", sm.Latency)
		}
	}
}

func TestReset(t *testing.T) {
	s := NewSizer(DefaultConfig())
	s.Record(Sample{Latency: 2 * time.Second, OK: true})
	s.Record(Sample{OK: false})
	s.Reset()
	if s.Next() != 64*1024 {
		t.Errorf("Next after Reset = %d", s.Next())
	}
	if len(s.window) != 0 {
		t.Errorf("window not cleared")
	}
}

func TestConvergenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("latency above target drives size monotonically to Min", prop.ForAll(
		func(latencyMs int) bool {
			s := NewSizer(DefaultConfig())
			prev := s.Next()
			for i := 0; i < 100; i++ {
				next := s.Record(Sample{Bytes: prev, Latency: time.Duration(latencyMs) * time.Millisecond, OK: true})
				if next > prev || next < s.config.Min {
					return false
				}
				prev = next
			}
			return prev == s.config.Min
		},
		gen.IntRange(750, 10_000),
	))

	properties.Property("latency below target drives size monotonically to Max", prop.ForAll(
		func(latencyMs int) bool {
			s := NewSizer(DefaultConfig())
			prev := s.Next()
			for i := 0; i < 100; i++ {
				next := s.Record(Sample{Bytes: prev, Latency: time.Duration(latencyMs) * time.Millisecond, OK: true})
				if next < prev || next > s.config.Max {
					return false
				}
				prev = next
			}
			return prev == s.config.Max
		},
		gen.IntRange(0, 333),
	))

	properties.Property("size stays within bounds for any outcome sequence", prop.ForAll(
		func(latencies []int, failures []bool) bool {
			s := NewSizer(DefaultConfig())
			for i, ms := range latencies {
				ok := i >= len(failures) || !failures[i]
				size := s.Record(Sample{Latency: time.Duration(ms) * time.Millisecond, OK: ok})
				if size < s.config.Min || size > s.config.Max {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 20_000)),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
