package flow_test

import (
	"testing"
	"time"

	"github.com/beamflow/beamflow/flow"
)

func TestRetryPolicyValidate(t *testing.T) {
	valid := flow.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Exponent:    2,
		Jitter:      0.2,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}

	tests := []struct {
		name   string
		mutate func(*flow.RetryPolicy)
	}{
		{"zero attempts", func(p *flow.RetryPolicy) { p.MaxAttempts = 0 }},
		{"negative base", func(p *flow.RetryPolicy) { p.BaseDelay = -time.Second }},
		{"max below base", func(p *flow.RetryPolicy) { p.MaxDelay = time.Millisecond }},
		{"exponent below one", func(p *flow.RetryPolicy) { p.Exponent = 0.5 }},
		{"jitter out of range", func(p *flow.RetryPolicy) { p.Jitter = 1.0 }},
		{"negative jitter", func(p *flow.RetryPolicy) { p.Jitter = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestBackoffWithoutJitter(t *testing.T) {
	p := flow.RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Exponent:    2,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second}, // capped: 1600ms > MaxDelay
		{6, time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	p := flow.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Exponent:    2,
		Jitter:      0.25,
	}

	lo := time.Duration(float64(time.Second) * 0.75)
	hi := time.Duration(float64(time.Second) * 1.25)
	for i := 0; i < 200; i++ {
		d := p.Backoff(1)
		if d < lo || d > hi {
			t.Fatalf("Backoff(1) = %v, want within [%v, %v]", d, lo, hi)
		}
	}
}

func TestShouldRetryDefaults(t *testing.T) {
	p := flow.DefaultPolicy()

	tests := []struct {
		class flow.Class
		want  bool
	}{
		{flow.ClassTransient, true},
		{flow.ClassUnknown, true},
		{flow.ClassRecoverable, false},
		{flow.ClassPermanent, false},
		{flow.ClassTerminal, false},
	}
	for _, tt := range tests {
		if got := p.ShouldRetry(tt.class); got != tt.want {
			t.Errorf("ShouldRetry(%s) = %v, want %v", tt.class, got, tt.want)
		}
	}
}

func TestShouldRetryCustomPredicate(t *testing.T) {
	p := flow.DefaultPolicy()
	p.Retryable = func(c flow.Class) bool { return c == flow.ClassRecoverable }

	if !p.ShouldRetry(flow.ClassRecoverable) {
		t.Error("ShouldRetry(recoverable) = false with custom predicate")
	}
	if p.ShouldRetry(flow.ClassTransient) {
		t.Error("ShouldRetry(transient) = true with custom predicate")
	}
}

func TestPolicyByName(t *testing.T) {
	t.Run("known names", func(t *testing.T) {
		for _, name := range []string{"default", "conservative", "aggressive", "email"} {
			p := flow.PolicyByName(name)
			if err := p.Validate(); err != nil {
				t.Errorf("PolicyByName(%q) invalid: %v", name, err)
			}
		}
	})

	t.Run("unknown name falls back to default", func(t *testing.T) {
		got := flow.PolicyByName("no-such-policy")
		want := flow.DefaultPolicy()
		if got.MaxAttempts != want.MaxAttempts || got.BaseDelay != want.BaseDelay {
			t.Errorf("PolicyByName(unknown) = %+v, want default %+v", got, want)
		}
	})

	t.Run("registered policy resolves", func(t *testing.T) {
		custom := flow.RetryPolicy{
			MaxAttempts: 7,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Second,
			Exponent:    1.5,
		}
		if err := flow.RegisterPolicy("custom-test", custom); err != nil {
			t.Fatalf("RegisterPolicy() error = %v", err)
		}
		if got := flow.PolicyByName("custom-test"); got.MaxAttempts != 7 {
			t.Errorf("PolicyByName(custom-test).MaxAttempts = %d, want 7", got.MaxAttempts)
		}
	})

	t.Run("invalid policy rejected", func(t *testing.T) {
		if err := flow.RegisterPolicy("bad", flow.RetryPolicy{}); err == nil {
			t.Error("RegisterPolicy(invalid) = nil, want error")
		}
	})
}
