// Package message implements the text wire codec for device telemetry.
//
// A message is encoded as a small JSON-shaped object with exactly four
// integer members in a fixed order:
//
//	{
//	  "device_id": 7,
//	  "serial_id": 42,
//	  "timestamp": 1700000000000,
//	  "measurement": -15
//	}
//
// Decoding accepts the members in any order but is otherwise strict: see
// Decode for the exact rules.
package message

import "strconv"

const (
	// MaxEncodedSize bounds the encoding of any Message. The worst case
	// (three fields at 2^64-1 and measurement at math.MinInt64) is 152 bytes.
	MaxEncodedSize = 192

	// MaxDatagramSize is the receive buffer size used by listeners. A
	// datagram that fills the whole buffer is treated as oversize.
	MaxDatagramSize = 1024
)

const (
	keyDeviceID    = "device_id"
	keySerialID    = "serial_id"
	keyTimestamp   = "timestamp"
	keyMeasurement = "measurement"
)

// Message is a single telemetry reading sent by a device.
type Message struct {
	DeviceID    uint64
	SerialID    uint64
	Timestamp   uint64
	Measurement int64
}

// AppendMessage appends the wire encoding of m to dst.
func AppendMessage(dst []byte, m Message) []byte {
	dst = append(dst, "{\n  \""+keyDeviceID+"\": "...)
	dst = strconv.AppendUint(dst, m.DeviceID, 10)
	dst = append(dst, ",\n  \""+keySerialID+"\": "...)
	dst = strconv.AppendUint(dst, m.SerialID, 10)
	dst = append(dst, ",\n  \""+keyTimestamp+"\": "...)
	dst = strconv.AppendUint(dst, m.Timestamp, 10)
	dst = append(dst, ",\n  \""+keyMeasurement+"\": "...)
	dst = strconv.AppendInt(dst, m.Measurement, 10)
	dst = append(dst, "\n}"...)
	return dst
}

// Marshal returns the wire encoding of m.
func Marshal(m Message) []byte {
	return AppendMessage(make([]byte, 0, MaxEncodedSize), m)
}

// Encode writes the encoding of m into buf and returns the number of bytes
// written. Output longer than buf is truncated without error; a buffer of
// MaxEncodedSize bytes always holds the full encoding.
func Encode(buf []byte, m Message) int {
	var scratch [MaxEncodedSize]byte
	return copy(buf, AppendMessage(scratch[:0], m))
}
