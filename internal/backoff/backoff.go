// Package backoff computes retry delays and owns the retry policy. The same
// policy drives both retry paths: the worker pool's in-process delayed
// resubmission and the scheduler's periodic reclamation.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/bozzfozz/harmony-sub003/internal/config"
)

// exponentCap bounds the exponential growth so a long-failing download does
// not end up with a multi-day delay.
const exponentCap = 6

// Policy is the immutable-per-load retry policy.
type Policy struct {
	MaxAttempts int
	BaseSeconds float64
	JitterPct   float64
}

// clamp forces each field into its operational bounds.
func (p Policy) clamp() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.MaxAttempts > 10 {
		p.MaxAttempts = 10
	}
	if p.BaseSeconds < 1 {
		p.BaseSeconds = 1
	}
	if p.BaseSeconds > 300 {
		p.BaseSeconds = 300
	}
	if p.JitterPct < 0 {
		p.JitterPct = 0
	}
	if p.JitterPct > 0.5 {
		p.JitterPct = 0.5
	}
	return p
}

// SettingsSource is the subset of the settings store the provider needs.
// The second return value reports whether the key was present.
type SettingsSource interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
}

// PolicyProvider resolves the retry policy from the settings store with a
// time-to-live cache, so operators can tune retry behaviour without a
// restart. Resolution order per key: settings store, then environment, then
// the configured default.
type PolicyProvider struct {
	settings SettingsSource
	defaults Policy
	ttl      time.Duration
	now      func() time.Time

	mu       sync.Mutex
	cached   Policy
	loadedAt time.Time
}

// NewPolicyProvider builds a provider over the given settings source.
// settings may be nil, in which case only environment and defaults apply.
func NewPolicyProvider(settings SettingsSource, cfg config.RetryConfig) *PolicyProvider {
	return &PolicyProvider{
		settings: settings,
		defaults: Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseSeconds: cfg.BaseSeconds,
			JitterPct:   cfg.JitterPct,
		}.clamp(),
		ttl: cfg.PolicyTTL,
		now: time.Now,
	}
}

// Policy returns the current policy, re-reading the settings source when the
// cached value is older than the TTL. Lookup errors fall back to the cached
// or default policy; a broken settings store must not stall retries.
func (p *PolicyProvider) Policy(ctx context.Context) Policy {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loadedAt.IsZero() && p.now().Sub(p.loadedAt) < p.ttl {
		return p.cached
	}

	policy := Policy{
		MaxAttempts: p.resolveInt(ctx, config.KeyMaxAttempts, "HARMONY_RETRY_MAX_ATTEMPTS", p.defaults.MaxAttempts),
		BaseSeconds: p.resolveFloat(ctx, config.KeyBaseSeconds, "HARMONY_RETRY_BASE_SECONDS", p.defaults.BaseSeconds),
		JitterPct:   p.resolveFloat(ctx, config.KeyJitterPct, "HARMONY_RETRY_JITTER_PCT", p.defaults.JitterPct),
	}.clamp()

	p.cached = policy
	p.loadedAt = p.now()
	return policy
}

func (p *PolicyProvider) resolveInt(ctx context.Context, key, envKey string, def int) int {
	if p.settings != nil {
		if raw, ok, err := p.settings.Lookup(ctx, key); err == nil && ok {
			if v, err := strconv.Atoi(raw); err == nil {
				return v
			}
		}
	}
	return config.GetEnvInt(envKey, def)
}

func (p *PolicyProvider) resolveFloat(ctx context.Context, key, envKey string, def float64) float64 {
	if p.settings != nil {
		if raw, ok, err := p.settings.Lookup(ctx, key); err == nil && ok {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				return v
			}
		}
	}
	return config.GetEnvFloat64(envKey, def)
}

// Calculator computes jittered exponential delays. The random source is
// injectable so tests can pin the jitter.
type Calculator struct {
	provider *PolicyProvider
	randFn   func() float64
}

// NewCalculator builds a calculator over the policy provider. randFn may be
// nil; a seeded math/rand source is used then.
func NewCalculator(provider *PolicyProvider, randFn func() float64) *Calculator {
	if randFn == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		randFn = rng.Float64
	}
	return &Calculator{provider: provider, randFn: randFn}
}

// Delay returns the wait before retry number attempt (1-based):
// base * 2^min(attempt-1, cap), scaled by a uniform random factor in
// [1-jitter, 1+jitter].
func (c *Calculator) Delay(ctx context.Context, attempt int) time.Duration {
	return c.DelayWithPolicy(c.provider.Policy(ctx), attempt)
}

// DelayWithPolicy computes the delay for an already-resolved policy.
func (c *Calculator) DelayWithPolicy(policy Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := attempt - 1
	if exp > exponentCap {
		exp = exponentCap
	}
	seconds := policy.BaseSeconds * math.Pow(2, float64(exp))

	if policy.JitterPct > 0 {
		// Uniform factor in [1-jitter, 1+jitter].
		factor := 1 + (2*c.randFn()-1)*policy.JitterPct
		seconds *= factor
	}

	return time.Duration(seconds * float64(time.Second))
}

// NextRetryAt returns the absolute retry deadline for the given attempt.
func (c *Calculator) NextRetryAt(ctx context.Context, now time.Time, attempt int) time.Time {
	return now.Add(c.Delay(ctx, attempt))
}
