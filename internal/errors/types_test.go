package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassificationOfDomainErrors(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"tab unhealthy", &TabUnhealthyError{TabID: "t1", Reason: "probe failed"}, true},
		{"timeout", &TimeoutError{Phase: "publish wait", Limit: 300 * time.Second}, true},
		{"session invalid", &SessionInvalidError{Platform: "douyin", AccountID: "42"}, false},
		{"plugin unavailable", &PluginUnavailableError{Platform: "wechat", Capability: "upload"}, false},
		{"validation", &ValidationError{Field: "platform", Reason: "unknown code 9"}, false},
		{"explicit transient", &TransientError{Err: errors.New("flaky")}, true},
		{"explicit permanent", &PermanentError{Err: errors.New("nope")}, false},
		{"wrapped transient", fmt.Errorf("sync: %w", &TabUnhealthyError{TabID: "t2", Reason: "gone"}), true},
		{"connection refused text", errors.New("dial tcp: connection refused"), true},
		{"plain error", errors.New("something odd"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.transient {
				t.Fatalf("IsTransient(%v) = %v, want %v", tc.err, got, tc.transient)
			}
		})
	}
}

func TestPermanentDetection(t *testing.T) {
	if !IsPermanent(&NotFoundError{Resource: "task", Key: "xiaohongshu_1"}) {
		t.Fatalf("not-found should be permanent")
	}
	if !IsPermanent(&QuarantinedError{AccountKey: "douyin_7", Failures: 3}) {
		t.Fatalf("quarantine should be permanent")
	}
	if IsPermanent(&TimeoutError{Phase: "login scan", Limit: 5 * time.Minute}) {
		t.Fatalf("timeout should not be permanent")
	}
	if IsPermanent(nil) {
		t.Fatalf("nil is not an error")
	}
}

func TestErrorMessages(t *testing.T) {
	err := &PluginUnavailableError{Platform: "kuaishou", Capability: "message sync"}
	if want := "platform kuaishou does not support message sync"; err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}

	timeout := &TimeoutError{Phase: "tab readiness", Limit: 30 * time.Second}
	if want := "tab readiness timed out after 30s"; timeout.Error() != want {
		t.Fatalf("got %q, want %q", timeout.Error(), want)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil, func(context.Context) error {
		calls++
		return &ValidationError{Field: "file", Reason: "missing"}
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("permanent error retried %d times", calls)
	}
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	calls := 0
	result, err := RetryWithResult(context.Background(), RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}, nil, func(context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", &TransientError{Err: errors.New("flap")}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" || calls != 2 {
		t.Fatalf("got result=%q calls=%d", result, calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, DefaultRetryConfig(), nil, func(context.Context) error {
		t.Fatalf("fn should not run with cancelled context")
		return nil
	})
	if err == nil {
		t.Fatalf("expected context error")
	}
}
