package frame

import (
	"encoding/binary"
	"math"
)

// SensorFrameSize is the fixed notification length for the reference BT50
// accelerometer.
const SensorFrameSize = 20

// sensorMagicHi, sensorMagicLo are the two magic bytes that open every
// sensor notification.
const (
	sensorMagicHi = 0x55
	sensorMagicLo = 0x61
)

// countsPerMilliG is the reference hardware's fixed scale factor: 1 mg per
// raw count.
const countsPerMilliG = 1.0

// SensorSample is the decoded form of one accelerometer notification.
type SensorSample struct {
	Valid bool

	VX, VY, VZ float64 // milli-g on each axis
	Magnitude  float64 // euclidean norm of VX,VY,VZ

	// Opaque carries any trailing bytes beyond the three axis values —
	// verbose-variant fields of undocumented semantics.
	Opaque []byte

	Raw []byte
}

// DecodeSensorFrame decodes one 20-byte BT50 notification. Frames that
// don't start with the expected magic bytes, or are too short, decode to
// an invalid sample (Valid == false) carrying the raw bytes — the caller
// counts these as dropped frames rather than treating them as fatal.
func DecodeSensorFrame(buf []byte) SensorSample {
	raw := append([]byte(nil), buf...)

	if len(buf) < 8 || buf[0] != sensorMagicHi || buf[1] != sensorMagicLo {
		return SensorSample{Valid: false, Raw: raw}
	}

	vx := float64(int16(binary.LittleEndian.Uint16(buf[2:4]))) * countsPerMilliG
	vy := float64(int16(binary.LittleEndian.Uint16(buf[4:6]))) * countsPerMilliG
	vz := float64(int16(binary.LittleEndian.Uint16(buf[6:8]))) * countsPerMilliG

	sample := SensorSample{
		Valid:     true,
		VX:        vx,
		VY:        vy,
		VZ:        vz,
		Magnitude: math.Sqrt(vx*vx + vy*vy + vz*vz),
		Raw:       raw,
	}

	if len(buf) > 8 {
		sample.Opaque = append([]byte(nil), buf[8:]...)
	}

	return sample
}
