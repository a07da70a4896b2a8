package snapshot

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func newTestCodec(t *testing.T, clock *fakeClock) *Codec {
	t.Helper()
	c, err := NewCodec([]byte("test-secret"), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func TestNewCodecRequiresKey(t *testing.T) {
	if _, err := NewCodec(nil); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("err = %v, want ErrEmptyKey", err)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	codec := newTestCodec(t, clock)

	token, err := codec.Sign(Snapshot{
		ComponentName: "Clock",
		State:         map[string]any{"time": "t1", "ticks": 3.0},
		Room:          "lobby",
		Owner:         "u1",
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	got, err := codec.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.ComponentName != "Clock" || got.Room != "lobby" || got.Owner != "u1" {
		t.Errorf("snapshot = %+v", got)
	}
	if got.State["time"] != "t1" || got.State["ticks"] != 3.0 {
		t.Errorf("state = %v", got.State)
	}
	if !got.IssuedAt.Equal(clock.t) {
		t.Errorf("IssuedAt = %v, want %v", got.IssuedAt, clock.t)
	}
}

func TestVerifyAfterFreshnessCeiling(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	codec := newTestCodec(t, clock)

	token, err := codec.Sign(Snapshot{ComponentName: "Clock", State: map[string]any{}})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	clock.t = clock.t.Add(59 * time.Minute)
	if _, err := codec.Verify(token); err != nil {
		t.Fatalf("Verify within ceiling: %v", err)
	}

	clock.t = clock.t.Add(2 * time.Minute)
	_, err = codec.Verify(token)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if Reason(err) != "expired" {
		t.Errorf("Reason = %q", Reason(err))
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	codec := newTestCodec(t, clock)

	other, _ := NewCodec([]byte("other-secret"), WithClock(clock.Now))
	token, err := other.Sign(Snapshot{ComponentName: "Clock"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	_, err = codec.Verify(token)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
	if Reason(err) != "invalid_signature" {
		t.Errorf("Reason = %q", Reason(err))
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	codec := newTestCodec(t, clock)

	token, _ := codec.Sign(Snapshot{ComponentName: "Counter", State: map[string]any{"count": 1.0}})
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d parts", len(parts))
	}
	forged, _ := codec.Sign(Snapshot{ComponentName: "Counter", State: map[string]any{"count": 999.0}})
	forgedParts := strings.Split(forged, ".")
	tampered := parts[0] + "." + forgedParts[1] + "." + parts[2]

	if _, err := codec.Verify(tampered); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	codec := newTestCodec(t, &fakeClock{t: time.Now()})
	_, err := codec.Verify("not-a-token")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
	if Reason(err) != "malformed" {
		t.Errorf("Reason = %q", Reason(err))
	}
}

func TestVerifyRejectsFutureIssue(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	codec := newTestCodec(t, clock)

	token, _ := codec.Sign(Snapshot{ComponentName: "Clock", IssuedAt: clock.t.Add(time.Hour)})
	if _, err := codec.Verify(token); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestSignRequiresName(t *testing.T) {
	codec := newTestCodec(t, &fakeClock{t: time.Now()})
	if _, err := codec.Sign(Snapshot{}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestSignVerifyProperty(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	codec := newTestCodec(t, clock)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	name := gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 })

	properties.Property("verify reproduces signed state", prop.ForAll(
		func(component string, state map[string]string, room string) bool {
			in := make(map[string]any, len(state))
			for k, v := range state {
				in[k] = v
			}
			token, err := codec.Sign(Snapshot{ComponentName: component, State: in, Room: room})
			if err != nil {
				return false
			}
			got, err := codec.Verify(token)
			if err != nil {
				return false
			}
			if got.ComponentName != component || got.Room != room || len(got.State) != len(state) {
				return false
			}
			for k, v := range state {
				if got.State[k] != v {
					return false
				}
			}
			return true
		},
		name,
		gen.MapOf(gen.AlphaString(), gen.AlphaString()),
		gen.AlphaString(),
	))

	properties.Property("verify fails past the ceiling", prop.ForAll(
		func(extraSeconds int64) bool {
			token, err := codec.Sign(Snapshot{ComponentName: "Clock"})
			if err != nil {
				return false
			}
			late := &fakeClock{t: clock.t.Add(DefaultMaxAge + time.Duration(extraSeconds)*time.Second)}
			lateCodec, _ := NewCodec([]byte("test-secret"), WithClock(late.Now))
			_, err = lateCodec.Verify(token)
			return errors.Is(err, ErrExpired)
		},
		gen.Int64Range(1, 86400),
	))

	properties.TestingRun(t)
}
