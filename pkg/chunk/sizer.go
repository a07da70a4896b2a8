// Package chunk sizes upload chunks from observed round-trip latency.
//
// The Sizer is a small feedback controller: after each chunk it compares the
// mean latency of recent successful chunks to a target and scales the next
// chunk toward it. Failures halve the size. The output always lies within
// [Min, Max].
package chunk

import (
	"math"
	"time"
)

// Ratio bounds applied before damping so one outlier cannot swing the size
// by more than 4x in either direction.
const (
	minRatio = 0.25
	maxRatio = 4.0
)

// Config controls a Sizer.
type Config struct {
	// Initial is the size of the first chunk of every transfer.
	// Default: 64KB.
	Initial int

	// Min is the smallest chunk size the sizer will return.
	// Default: 16KB.
	Min int

	// Max is the largest chunk size the sizer will return.
	// Default: 1MB.
	Max int

	// TargetLatency is the round-trip time the sizer steers toward.
	// Default: 500ms.
	TargetLatency time.Duration

	// Damping scales each adjustment, in (0, 1]. 1 applies the full ratio.
	// Default: 0.5.
	Damping float64

	// Window is the number of recent outcomes considered.
	// Default: 3.
	Window int

	// FailureFactor multiplies the size after a failed chunk, in (0, 1).
	// Default: 0.5.
	FailureFactor float64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Initial:       64 * 1024,
		Min:           16 * 1024,
		Max:           1024 * 1024,
		TargetLatency: 500 * time.Millisecond,
		Damping:       0.5,
		Window:        3,
		FailureFactor: 0.5,
	}
}

// normalize fills zero or out-of-range fields from the defaults.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.Min <= 0 {
		c.Min = def.Min
	}
	if c.Max <= 0 {
		c.Max = def.Max
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.Initial <= 0 {
		c.Initial = def.Initial
	}
	c.Initial = clamp(c.Initial, c.Min, c.Max)
	if c.TargetLatency <= 0 {
		c.TargetLatency = def.TargetLatency
	}
	if c.Damping <= 0 || c.Damping > 1 {
		c.Damping = def.Damping
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.FailureFactor <= 0 || c.FailureFactor >= 1 {
		c.FailureFactor = def.FailureFactor
	}
	return c
}

// Sample is the outcome of one chunk transfer.
type Sample struct {
	Bytes   int
	Latency time.Duration
	OK      bool
}

// Sizer computes successive chunk sizes. It is not safe for concurrent use;
// each transfer owns its own Sizer.
type Sizer struct {
	config  Config
	current int
	window  []Sample
}

// NewSizer creates a Sizer starting at config.Initial.
func NewSizer(config Config) *Sizer {
	config = config.normalize()
	return &Sizer{
		config:  config,
		current: config.Initial,
		window:  make([]Sample, 0, config.Window),
	}
}

// Config returns the normalized configuration.
func (s *Sizer) Config() Config {
	return s.config
}

// Next returns the size to use for the next chunk.
func (s *Sizer) Next() int {
	return s.current
}

// Reset restores the initial size and forgets all samples.
func (s *Sizer) Reset() {
	s.current = s.config.Initial
	s.window = s.window[:0]
}

// Record feeds one outcome into the controller and returns the next size.
func (s *Sizer) Record(sample Sample) int {
	if len(s.window) == s.config.Window {
		copy(s.window, s.window[1:])
		s.window = s.window[:len(s.window)-1]
	}
	s.window = append(s.window, sample)

	if !sample.OK {
		s.current = s.scale(s.config.FailureFactor)
		return s.current
	}

	ratio := maxRatio
	if avg := s.meanLatency(); avg > 0 {
		ratio = float64(s.config.TargetLatency) / float64(avg)
	}
	ratio = math.Max(minRatio, math.Min(maxRatio, ratio))

	s.current = s.scale(1 + s.config.Damping*(ratio-1))
	return s.current
}

// meanLatency averages the successful samples in the window.
func (s *Sizer) meanLatency() time.Duration {
	var total time.Duration
	var n int
	for _, sm := range s.window {
		if sm.OK {
			total += sm.Latency
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// scale multiplies the current size by factor. Growth rounds up and
// shrinkage rounds down so a factor other than 1 always moves the size.
func (s *Sizer) scale(factor float64) int {
	next := float64(s.current) * factor
	var size int
	switch {
	case factor > 1:
		size = int(math.Ceil(next))
	case factor < 1:
		size = int(math.Floor(next))
	default:
		size = s.current
	}
	return clamp(size, s.config.Min, s.config.Max)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
