package async

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type panicCapture struct {
	mu    sync.Mutex
	lines []string
	done  chan struct{}
}

func newPanicCapture() *panicCapture {
	return &panicCapture{done: make(chan struct{}, 1)}
}

func (c *panicCapture) Error(format string, args ...any) {
	c.mu.Lock()
	c.lines = append(c.lines, format)
	c.mu.Unlock()
	select {
	case c.done <- struct{}{}:
	default:
	}
}

func TestGoRecoversPanics(t *testing.T) {
	capture := newPanicCapture()

	Go(capture, "exploding-worker", func() {
		panic("boom")
	})

	select {
	case <-capture.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("panic was not reported")
	}

	capture.mu.Lock()
	defer capture.mu.Unlock()
	if len(capture.lines) != 1 {
		t.Fatalf("expected one panic report, got %d", len(capture.lines))
	}
	if !strings.Contains(capture.lines[0], "[%s]") {
		t.Fatalf("expected named panic format, got %q", capture.lines[0])
	}
}

func TestGoRunsFunction(t *testing.T) {
	ran := make(chan struct{})
	Go(nil, "worker", func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("goroutine never ran")
	}
}

func TestSleepHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if Sleep(ctx, time.Minute) {
		t.Fatalf("expected interrupted sleep")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancelled sleep blocked for %v", elapsed)
	}
}

func TestSleepElapsesFully(t *testing.T) {
	if !Sleep(context.Background(), time.Millisecond) {
		t.Fatalf("expected full sleep to report true")
	}
	if !Sleep(context.Background(), 0) {
		t.Fatalf("zero sleep with live context should report true")
	}
}
