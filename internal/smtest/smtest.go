// Package smtest contains helpers shared across sharedmap tests.
package smtest

import (
	"log/slog"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
)

// ScaleDuration is the base timeout used by the "Soon" helpers.
// It is generous so that tests under the race detector
// or on a loaded CI machine do not flake.
const ScaleDuration = 2 * time.Second

// NewLogger returns a logger that writes through t.Log,
// so output is only shown for failing tests or with -v.
func NewLogger(t testing.TB) *slog.Logger {
	return slogt.New(t)
}

// ReceiveSoon blocks until a value is received on ch,
// failing the test if nothing arrives within [ScaleDuration].
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()

	timer := time.NewTimer(ScaleDuration)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v
	case <-timer.C:
		t.Fatalf("no value received within %s", ScaleDuration)
	}

	panic("unreachable")
}

// SendSoon sends v on ch,
// failing the test if the send does not complete within [ScaleDuration].
func SendSoon[T any](t testing.TB, ch chan<- T, v T) {
	t.Helper()

	timer := time.NewTimer(ScaleDuration)
	defer timer.Stop()

	select {
	case ch <- v:
	case <-timer.C:
		t.Fatalf("send did not complete within %s", ScaleDuration)
	}
}

// IsSending asserts that a receive on ch would not block right now.
// Typically used on channels that are closed as a signal.
func IsSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
	default:
		t.Fatal("channel was not ready to receive")
	}
}

// NotSending asserts that a receive on ch would block right now.
func NotSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
		t.Fatal("channel unexpectedly ready to receive")
	default:
	}
}
