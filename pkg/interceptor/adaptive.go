package interceptor

import (
	"context"
	"sync"
	"time"

	"github.com/fractalhq/fractal/pkg/bus"
)

// Recovery extension keys written by the adaptive interceptor.
const (
	ExtRecoveryHint   = "recovery_hint"
	ExtReducedBatch   = "reduced_batch"
	HintReduceLoad    = "reduce_load"
	HintSwitchBackoff = "backoff"
)

// AdaptiveConfig tunes the anomaly accumulator.
type AdaptiveConfig struct {
	// FailureThreshold is the failure count within the window that trips
	// recovery hints.
	FailureThreshold int `yaml:"failure_threshold"`

	// TokenRateLimit is the tokens-per-window spike level.
	TokenRateLimit int `yaml:"token_rate_limit"`

	// Window bounds both accumulators.
	Window time.Duration `yaml:"window"`
}

// SetDefaults applies default values.
func (c *AdaptiveConfig) SetDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.TokenRateLimit == 0 {
		c.TokenRateLimit = 100000
	}
	if c.Window == 0 {
		c.Window = time.Minute
	}
}

// Adaptive watches for anomaly signals (repeated provider failures, token
// rate spikes) and rewrites event extensions with recovery hints when the
// accumulator trips. After each dispatch it folds the event's outcome back
// into the signals.
type Adaptive struct {
	cfg AdaptiveConfig

	mu       sync.Mutex
	failures []time.Time
	tokens   []tokenSample
}

type tokenSample struct {
	at    time.Time
	count int
}

// NewAdaptive creates the adaptive interceptor.
func NewAdaptive(cfg AdaptiveConfig) *Adaptive {
	cfg.SetDefaults()
	return &Adaptive{cfg: cfg}
}

func (a *Adaptive) Name() string { return "adaptive" }

func (a *Adaptive) Before(_ context.Context, ev *bus.Event) (*bus.Event, error) {
	failures, rate := a.signals()

	var hint string
	switch {
	case failures >= a.cfg.FailureThreshold:
		hint = HintSwitchBackoff
	case rate >= a.cfg.TokenRateLimit:
		hint = HintReduceLoad
	default:
		return ev, nil
	}

	out := ev.Clone()
	out.Extensions[ExtRecoveryHint] = hint
	if hint == HintReduceLoad {
		out.Extensions[ExtReducedBatch] = true
	}
	return out, nil
}

func (a *Adaptive) After(_ context.Context, ev *bus.Event) {
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	if ev.Data != nil {
		if _, failed := ev.Data["error"]; failed {
			a.failures = append(a.failures, now)
		}
	}
	if used := intField(ev, keyTokensUsed); used > 0 {
		a.tokens = append(a.tokens, tokenSample{at: now, count: used})
	}
	a.pruneLocked(now)
}

// signals reports the windowed failure count and token rate.
func (a *Adaptive) signals() (failures, rate int) {
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(now)

	for _, s := range a.tokens {
		rate += s.count
	}
	return len(a.failures), rate
}

func (a *Adaptive) pruneLocked(now time.Time) {
	cutoff := now.Add(-a.cfg.Window)

	kept := a.failures[:0]
	for _, t := range a.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.failures = kept

	keptTokens := a.tokens[:0]
	for _, s := range a.tokens {
		if s.at.After(cutoff) {
			keptTokens = append(keptTokens, s)
		}
	}
	a.tokens = keptTokens
}
