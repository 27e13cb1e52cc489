package ble

import (
	"testing"
	"time"
)

func TestBackoff_ExponentialUntilCap(t *testing.T) {
	b := NewBackoff(1*time.Second, 30*time.Second)

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		got := b.Next()
		if got != w {
			t.Errorf("attempt %d: Next() = %v, want %v", i, got, w)
		}
	}
}

func TestBackoff_ResetRestartsAtInitial(t *testing.T) {
	b := NewBackoff(1*time.Second, 30*time.Second)
	b.Next()
	b.Next()
	b.Reset()

	if got := b.Next(); got != 1*time.Second {
		t.Errorf("Next() after Reset() = %v, want 1s", got)
	}
}

func TestBackoff_ZeroValuesGetDefaults(t *testing.T) {
	b := NewBackoff(0, 0)
	if b.Initial != time.Second {
		t.Errorf("Initial = %v, want 1s default", b.Initial)
	}
	if b.Max != 30*time.Second {
		t.Errorf("Max = %v, want 30s default", b.Max)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{StateError, "error"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
