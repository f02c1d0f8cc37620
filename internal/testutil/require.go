// Package testutil has helpers for tests that wait on channels.
package testutil

import (
	"fmt"
	"time"
)

// T is the subset of testing.TB the helpers use.
type T interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout, or fails the
// test.
//
//	msg := testutil.RequireReceive(t, messages, 5*time.Second, "waiting for message")
func RequireReceive[V any](t T, ch <-chan V, timeout time.Duration, msgAndArgs ...any) V {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without sending a value: %s", formatMessage(msgAndArgs))
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, formatMessage(msgAndArgs))
	}
	panic("unreachable")
}

// RequireNoReceive fails the test if ch yields a value within wait.
func RequireNoReceive[V any](t T, ch <-chan V, wait time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %v: %s", v, formatMessage(msgAndArgs))
	case <-time.After(wait):
	}
}

// RequireClosed waits for ch to be closed (or receive a value) within
// timeout, or fails the test.
func RequireClosed(t T, ch <-chan struct{}, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for channel close: %s", timeout, formatMessage(msgAndArgs))
	}
}

// Eventually polls cond every 10ms until it returns true or timeout
// passes, then fails the test.
func Eventually(t T, timeout time.Duration, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met after %v: %s", timeout, formatMessage(msgAndArgs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func formatMessage(msgAndArgs []any) string {
	if len(msgAndArgs) == 0 {
		return "(no message)"
	}
	if len(msgAndArgs) == 1 {
		if s, ok := msgAndArgs[0].(string); ok {
			return s
		}
		return fmt.Sprintf("%v", msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprintf("%v", msgAndArgs)
}
