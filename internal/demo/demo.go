// Package demo provides the component types `livestate serve` registers so
// the server is usable without application code.
package demo

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vango-dev/livestate/pkg/server"
)

// Component type names.
const (
	ClockName   = "Clock"
	CounterName = "Counter"
)

// TickPayload is the payload of Clock's "tick" action. An empty Time means
// now.
type TickPayload struct {
	Time string `json:"time"`
}

// CounterPayload is the payload of Counter's increment and decrement
// actions. A zero By means 1.
type CounterPayload struct {
	By float64 `json:"by"`
}

// ErrNegative is returned by Counter when a decrement would go below zero
// and the counter was mounted with {"min": 0}.
var ErrNegative = errors.New("demo: counter below minimum")

// Options configures the demo types.
type Options struct {
	// ClockInterval makes every Clock tick on its own. Zero disables it.
	ClockInterval time.Duration

	// Now is the time source. Default: time.Now.
	Now func() time.Time
}

// Register adds Clock and Counter to reg.
func Register(reg *server.Registry, opts Options) error {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := reg.Register(Clock(opts)); err != nil {
		return err
	}
	return reg.Register(Counter())
}

// Clock holds a single "time" string. The "tick" action sets it.
func Clock(opts Options) server.ComponentType {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	format := func() string { return now().UTC().Format(time.RFC3339) }

	t := server.ComponentType{
		Name: ClockName,
		Init: func(props map[string]any) (map[string]any, error) {
			v, _ := props["time"].(string)
			if v == "" {
				v = format()
			}
			return map[string]any{"time": v}, nil
		},
		Actions: map[string]server.Action{
			"tick": server.TypedAction(func(ctx *server.ActionContext, p TickPayload) (any, error) {
				if p.Time == "" {
					p.Time = format()
				}
				ctx.SetState(map[string]any{"time": p.Time})
				return map[string]any{"time": p.Time}, nil
			}),
		},
	}

	if opts.ClockInterval > 0 {
		var running sync.Map
		t.OnMount = func(ctx *server.ActionContext) {
			sess := ctx.Session()
			// A rebind after rehydration mounts the same session again.
			if _, loaded := running.LoadOrStore(sess, struct{}{}); loaded {
				return
			}
			go tick(sess, opts.ClockInterval, format, func() { running.Delete(sess) })
		}
	}
	return t
}

func tick(sess *server.Session, every time.Duration, format func() string, done func()) {
	defer done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := sess.Update(func(ctx *server.ActionContext) {
				ctx.SetState(map[string]any{"time": format()})
			})
			if errors.Is(err, server.ErrSessionClosed) {
				return
			}
		case <-sess.Done():
			return
		}
	}
}

// Counter holds a numeric "count". Mount props: "start" (initial value) and
// optionally "min".
func Counter() server.ComponentType {
	return server.ComponentType{
		Name: CounterName,
		Init: func(props map[string]any) (map[string]any, error) {
			state := map[string]any{"count": 0.0}
			if v, ok := props["start"]; ok {
				n, err := number(v)
				if err != nil {
					return nil, fmt.Errorf("demo: start: %w", err)
				}
				state["count"] = n
			}
			if v, ok := props["min"]; ok {
				n, err := number(v)
				if err != nil {
					return nil, fmt.Errorf("demo: min: %w", err)
				}
				state["min"] = n
			}
			return state, nil
		},
		Actions: map[string]server.Action{
			"increment": server.TypedAction(func(ctx *server.ActionContext, p CounterPayload) (any, error) {
				return add(ctx, step(p))
			}),
			"decrement": server.TypedAction(func(ctx *server.ActionContext, p CounterPayload) (any, error) {
				return add(ctx, -step(p))
			}),
			"reset": server.TypedAction(func(ctx *server.ActionContext, _ struct{}) (any, error) {
				ctx.SetState(map[string]any{"count": 0.0})
				return map[string]any{"count": 0.0}, nil
			}),
		},
	}
}

func step(p CounterPayload) float64 {
	if p.By == 0 {
		return 1
	}
	return p.By
}

func add(ctx *server.ActionContext, delta float64) (any, error) {
	count, err := number(ctx.Get("count"))
	if err != nil {
		return nil, err
	}
	next := count + delta
	if v := ctx.Get("min"); v != nil {
		if min, err := number(v); err == nil && next < min {
			return nil, ErrNegative
		}
	}
	ctx.SetState(map[string]any{"count": next})
	return map[string]any{"count": next}, nil
}

// number accepts the numeric forms state takes after Init (Go ints) and
// after a JSON round trip (float64).
func number(v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	}
	return 0, fmt.Errorf("demo: %v (%T) is not a number", v, v)
}
