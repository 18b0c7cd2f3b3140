package fieldsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryerSuccess(t *testing.T) {
	r := NewRetryer(DefaultRetryConfig())

	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		return nil
	})

	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if result.LastErr != nil {
		t.Errorf("expected no error, got %v", result.LastErr)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryerFailureThenSuccess(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
	})

	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	if result.LastErr != nil {
		t.Errorf("expected no error, got %v", result.LastErr)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryerAllFailures(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	})

	expectedErr := errors.New("persistent error")
	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		return expectedErr
	})

	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	if result.LastErr != expectedErr {
		t.Errorf("expected %v, got %v", expectedErr, result.LastErr)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryerContextCancellation(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    10,
		InitialBackoff: time.Second, // Long backoff
	})

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan RetryResult)
	go func() {
		done <- r.Do(ctx, func() error {
			calls++
			return errors.New("error")
		})
	}()

	// Let it fail once, then cancel
	time.Sleep(10 * time.Millisecond)
	cancel()

	result := <-done
	if !errors.Is(result.LastErr, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.LastErr)
	}
}

func TestRetryerRetryIf(t *testing.T) {
	retryableErr := errors.New("retryable")
	nonRetryableErr := errors.New("non-retryable")

	r := NewRetryer(RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		RetryIf: func(err error) bool {
			return err == retryableErr
		},
	})

	// Test retryable error
	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return retryableErr
		}
		return nil
	})
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts for retryable, got %d", result.Attempts)
	}

	// Test non-retryable error
	calls = 0
	result = r.Do(context.Background(), func() error {
		calls++
		return nonRetryableErr
	})
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt for non-retryable, got %d", result.Attempts)
	}
	if result.LastErr != nonRetryableErr {
		t.Errorf("expected non-retryable error")
	}
}

func TestRetryConvenience(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++
		if calls < 2 {
			return errors.New("error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"context deadline", context.DeadlineExceeded, false},
		{"connection refused", errors.New("connection refused"), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"unreachable", errors.New("dial tcp: network is unreachable"), true},
		{"timeout", errors.New("request timeout"), true},
		{"503", errors.New("status 503"), true},
		{"502", errors.New("bad gateway (502)"), true},
		{"429", errors.New("429 Too Many Requests"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"generic error", errors.New("something went wrong"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
