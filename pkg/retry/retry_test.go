package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// classErr is a test error carrying a fixed class and hint.
type classErr struct {
	class ErrorClass
	hint  time.Duration
}

func (e *classErr) Error() string { return "test " + string(e.class) + " error" }
func (e *classErr) ErrorClass() ErrorClass { return e.class }
func (e *classErr) RetryHint() time.Duration { return e.hint }

// fastPolicy returns a policy with millisecond delays for tests.
func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:    attempts,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     8 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	if p.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", p.MaxAttempts)
	}
	if p.InitialBackoff != 1*time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", p.InitialBackoff)
	}
	if p.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", p.MaxBackoff)
	}
	if p.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", p.Multiplier)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  bool
	}{
		{ClassServer, true},
		{ClassRateLimit, true},
		{ClassTimeout, true},
		{ClassNetwork, true},
		{ClassClient, false},
		{ClassDecode, false},
		{"", false},
	}

	for _, tt := range tests {
		if got := Retryable(tt.class); got != tt.want {
			t.Errorf("Retryable(%q) = %v, want %v", tt.class, got, tt.want)
		}
	}
}

func TestPolicyNext(t *testing.T) {
	p := Policy{
		MaxAttempts:    5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	}

	tests := []struct {
		name      string
		attempt   int
		class     ErrorClass
		hint      time.Duration
		wantDelay time.Duration
		wantRetry bool
	}{
		{"first server failure", 1, ClassServer, 0, 1 * time.Second, true},
		{"second timeout", 2, ClassTimeout, 0, 2 * time.Second, true},
		{"third network", 3, ClassNetwork, 0, 4 * time.Second, true},
		{"capped at max", 4, ClassServer, 0, 8 * time.Second, true},
		{"rate limit starts higher", 1, ClassRateLimit, 0, 4 * time.Second, true},
		{"rate limit capped", 3, ClassRateLimit, 0, 10 * time.Second, true},
		{"rate limit honors hint", 1, ClassRateLimit, 7 * time.Second, 7 * time.Second, true},
		{"hint beyond cap wins", 2, ClassRateLimit, 45 * time.Second, 45 * time.Second, true},
		{"hint ignored for server", 1, ClassServer, 45 * time.Second, 1 * time.Second, true},
		{"last attempt gives up", 5, ClassServer, 0, 0, false},
		{"client error gives up", 1, ClassClient, 0, 0, false},
		{"decode error gives up", 1, ClassDecode, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay, retry := p.Next(tt.attempt, tt.class, tt.hint)
			if retry != tt.wantRetry {
				t.Fatalf("retry = %v, want %v", retry, tt.wantRetry)
			}
			if delay != tt.wantDelay {
				t.Errorf("delay = %v, want %v", delay, tt.wantDelay)
			}
		})
	}
}

func TestClassOf(t *testing.T) {
	class, hint := ClassOf(&classErr{class: ClassRateLimit, hint: 3 * time.Second})
	if class != ClassRateLimit || hint != 3*time.Second {
		t.Errorf("ClassOf = (%s, %v), want (rate_limit, 3s)", class, hint)
	}

	class, _ = ClassOf(context.DeadlineExceeded)
	if class != ClassTimeout {
		t.Errorf("ClassOf(DeadlineExceeded) = %s, want timeout", class)
	}

	class, _ = ClassOf(errors.New("connection reset"))
	if class != ClassNetwork {
		t.Errorf("ClassOf(plain) = %s, want network", class)
	}
}

func TestDo_Success(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), fastPolicy(3), func(int) error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	var attempts []int
	err := Do(context.Background(), fastPolicy(5), func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 4 {
			return &classErr{class: ClassTimeout}
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if len(attempts) != 4 {
		t.Fatalf("Expected 4 calls, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a != i+1 {
			t.Errorf("attempt[%d] = %d, want %d", i, a, i+1)
		}
	}
}

func TestDo_ExhaustsExactlyMaxAttempts(t *testing.T) {
	callCount := 0
	testErr := &classErr{class: ClassServer}

	err := Do(context.Background(), fastPolicy(4), func(int) error {
		callCount++
		return testErr
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	if !errors.Is(err, testErr) {
		t.Errorf("Expected wrapped original error, got %v", err)
	}
	if callCount != 4 {
		t.Errorf("Expected 4 calls (MaxAttempts), got %d", callCount)
	}
}

func TestDo_PermanentErrorNoRetry(t *testing.T) {
	for _, class := range []ErrorClass{ClassClient, ClassDecode} {
		t.Run(string(class), func(t *testing.T) {
			callCount := 0
			testErr := &classErr{class: class}

			err := Do(context.Background(), fastPolicy(5), func(int) error {
				callCount++
				return testErr
			})

			if callCount != 1 {
				t.Errorf("Expected 1 call, got %d", callCount)
			}
			if errors.Is(err, ErrRetryExhausted) {
				t.Error("Should not return ErrRetryExhausted for permanent errors")
			}
			if !errors.Is(err, testErr) {
				t.Errorf("Expected original error, got %v", err)
			}
		})
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := fastPolicy(5)
	p.InitialBackoff = time.Second
	p.MaxBackoff = time.Second

	callCount := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, p, func(int) error {
		callCount++
		return &classErr{class: ClassServer}
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call before cancellation, got %d", callCount)
	}
}

func TestDo_RateLimitWaitsForHint(t *testing.T) {
	p := fastPolicy(3)
	p.Jitter = 0.5

	start := time.Now()
	callCount := 0
	err := Do(context.Background(), p, func(int) error {
		callCount++
		if callCount == 1 {
			return &classErr{class: ClassRateLimit, hint: 50 * time.Millisecond}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Expected at least the 50ms hint, waited %v", elapsed)
	}
}

func TestJitterRange(t *testing.T) {
	p := Policy{Jitter: 0.2}

	for i := 0; i < 50; i++ {
		d := p.jitter(time.Second, 0)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("Delay %v outside jitter range [800ms, 1200ms]", d)
		}
	}

	if d := p.jitter(time.Second, 2*time.Second); d != 2*time.Second {
		t.Errorf("jitter below floor = %v, want 2s", d)
	}
}
