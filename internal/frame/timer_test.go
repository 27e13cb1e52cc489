package frame

import "testing"

func TestDecodeTimerFrame(t *testing.T) {
	tests := []struct {
		name     string
		buf      []byte
		wantKind TimerKind
	}{
		{
			name:     "start",
			buf:      []byte{0x01, 0x05, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 7},
			wantKind: TimerStart,
		},
		{
			name:     "shot",
			buf:      []byte{0x01, 0x03, 0x03, 0xE8, 0x02, 0x8A, 0, 0, 0, 0, 1, 2, 3, 4},
			wantKind: TimerShot,
		},
		{
			name:     "stop",
			buf:      []byte{0x01, 0x08, 0, 0, 0, 0, 0x09, 0xC4, 0, 0, 0, 0, 0, 7},
			wantKind: TimerStop,
		},
		{
			name:     "shot_sequence",
			buf:      []byte{0x0A, 0x02, 0x03, 0xE8, 0x06, 0x90},
			wantKind: TimerShotSequence,
		},
		{
			name:     "screen_data",
			buf:      []byte{0x02, 1, 2, 3},
			wantKind: TimerScreenData,
		},
		{
			name:     "unknown_header",
			buf:      []byte{0xFF, 0xFF, 0xFF},
			wantKind: TimerUnknown,
		},
		{
			name:     "too_short_never_panics",
			buf:      []byte{0x01},
			wantKind: TimerUnknown,
		},
		{
			name:     "empty_never_panics",
			buf:      []byte{},
			wantKind: TimerUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecodeTimerFrame(tt.buf)
			if got.Kind != tt.wantKind {
				t.Errorf("DecodeTimerFrame(%v).Kind = %v, want %v", tt.buf, got.Kind, tt.wantKind)
			}
		})
	}
}

func TestDecodeTimerFrame_ShotNumberFromByte8(t *testing.T) {
	buf := []byte{0x01, 0x03, 0x03, 0xE8, 0x02, 0x8A, 0, 0, 5, 9, 1, 2, 3, 4}
	got := DecodeTimerFrame(buf)

	if got.Kind != TimerShot {
		t.Fatalf("Kind = %v, want TimerShot", got.Kind)
	}
	if got.ShotNumber != 5 {
		t.Errorf("ShotNumber = %d, want 5 (from byte 8, not the 0x03 type discriminator in byte 1)", got.ShotNumber)
	}
}

func TestDecodeCentiseconds(t *testing.T) {
	tests := []struct {
		name   string
		hi, lo byte
		want   float64
	}{
		{"zero", 0x00, 0x00, 2.56},
		{"ten_seconds", 0x03, 0xE8, 10.0},
		{"low_byte_zero_wraps", 0x01, 0x00, 5.12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decodeCentiseconds(tt.hi, tt.lo); got != tt.want {
				t.Errorf("decodeCentiseconds(%#x,%#x) = %v, want %v", tt.hi, tt.lo, got, tt.want)
			}
		})
	}
}

// P2: parsing a frame twice yields equal records.
func TestDecodeTimerFrame_Idempotent(t *testing.T) {
	buf := []byte{0x01, 0x03, 0x03, 0xE8, 0x02, 0x8A, 0, 0, 0, 0, 1, 2, 3, 4}
	a := DecodeTimerFrame(buf)
	b := DecodeTimerFrame(buf)

	if a.Kind != b.Kind || a.CurrentSeconds != b.CurrentSeconds || a.SplitSeconds != b.SplitSeconds {
		t.Errorf("decoding is not idempotent: %+v vs %+v", a, b)
	}
}

func TestDecodeShotSequence_StopsAtTruncatedBuffer(t *testing.T) {
	// Claims 5 shots but buffer only has room for 2.
	buf := []byte{0x0A, 0x05, 0x00, 0x64, 0x00, 0xC8}
	got := DecodeTimerFrame(buf)

	if got.Kind != TimerShotSequence {
		t.Fatalf("Kind = %v, want TimerShotSequence", got.Kind)
	}
	if len(got.SequenceTimes) != 2 {
		t.Errorf("SequenceTimes len = %d, want 2 (truncated, not panicking)", len(got.SequenceTimes))
	}
}
