package frame

import (
	"math"
	"testing"
)

func TestDecodeSensorFrame(t *testing.T) {
	tests := []struct {
		name      string
		buf       []byte
		wantValid bool
	}{
		{
			name:      "valid_zero",
			buf:       append([]byte{0x55, 0x61}, make([]byte, 18)...),
			wantValid: true,
		},
		{
			name:      "bad_magic",
			buf:       append([]byte{0x00, 0x00}, make([]byte, 18)...),
			wantValid: false,
		},
		{
			name:      "too_short",
			buf:       []byte{0x55, 0x61, 0x01},
			wantValid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecodeSensorFrame(tt.buf)
			if got.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v", got.Valid, tt.wantValid)
			}
		})
	}
}

func TestDecodeSensorFrame_Magnitude(t *testing.T) {
	buf := make([]byte, SensorFrameSize)
	buf[0], buf[1] = 0x55, 0x61
	// VX = 3, VY = 4, VZ = 0 -> magnitude 5
	buf[2], buf[3] = 3, 0
	buf[4], buf[5] = 4, 0
	buf[6], buf[7] = 0, 0

	got := DecodeSensorFrame(buf)
	if !got.Valid {
		t.Fatal("expected valid sample")
	}
	if math.Abs(got.Magnitude-5.0) > 1e-9 {
		t.Errorf("Magnitude = %v, want 5.0", got.Magnitude)
	}
}

func TestDecodeSensorFrame_NegativeAxis(t *testing.T) {
	buf := make([]byte, SensorFrameSize)
	buf[0], buf[1] = 0x55, 0x61
	// -1 as little-endian int16 is 0xFFFF
	buf[2], buf[3] = 0xFF, 0xFF

	got := DecodeSensorFrame(buf)
	if got.VX != -1 {
		t.Errorf("VX = %v, want -1", got.VX)
	}
}

// P2: parsing a frame twice yields equal records.
func TestDecodeSensorFrame_Idempotent(t *testing.T) {
	buf := make([]byte, SensorFrameSize)
	buf[0], buf[1] = 0x55, 0x61
	buf[2], buf[3] = 10, 0

	a := DecodeSensorFrame(buf)
	b := DecodeSensorFrame(buf)

	if a.VX != b.VX || a.Magnitude != b.Magnitude || a.Valid != b.Valid {
		t.Errorf("decoding is not idempotent: %+v vs %+v", a, b)
	}
}
