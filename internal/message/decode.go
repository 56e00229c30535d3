package message

import (
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrMalformed reports structurally invalid input: bad or missing
	// markers, unknown or repeated keys, stray characters, trailing bytes.
	ErrMalformed = errors.New("malformed message")
	// ErrMissingField reports a well-formed object lacking a required key.
	ErrMissingField = errors.New("missing field")
	// ErrOverflow reports an integer literal outside its field's range.
	ErrOverflow = errors.New("integer out of range")
	// ErrSignDomain reports a negative literal on an unsigned field.
	ErrSignDomain = errors.New("negative value for unsigned field")
)

// DecodeError describes why Decode rejected its input. It unwraps to one of
// the Err* sentinels above.
type DecodeError struct {
	Kind   error
	Field  string
	Offset int
}

func (e *DecodeError) Error() string {
	var b strings.Builder
	b.WriteString("decode message: ")
	b.WriteString(e.Kind.Error())
	if e.Field != "" {
		b.WriteString(" (")
		b.WriteString(e.Field)
		b.WriteString(")")
	}
	b.WriteString(" at offset ")
	b.WriteString(strconv.Itoa(e.Offset))
	return b.String()
}

func (e *DecodeError) Unwrap() error {
	return e.Kind
}

// ErrorKind returns a short label for a decode error, suitable for metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOverflow):
		return "overflow"
	case errors.Is(err, ErrSignDomain):
		return "sign_domain"
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	default:
		return "malformed"
	}
}

const (
	flagDeviceID = 1 << iota
	flagSerialID
	flagTimestamp
	flagMeasurement

	flagAll = flagDeviceID | flagSerialID | flagTimestamp | flagMeasurement
)

var fieldFlags = []struct {
	name string
	flag int
}{
	{keyDeviceID, flagDeviceID},
	{keySerialID, flagSerialID},
	{keyTimestamp, flagTimestamp},
	{keyMeasurement, flagMeasurement},
}

// Decode parses a single encoded message. b must hold exactly one object:
// ASCII whitespace may surround it and separate tokens, but any other byte
// before the opening brace or after the closing one is an error, as is
// whitespace inside a key or a number. Members may appear in any order and
// all four are required. The three unsigned fields accept digits only;
// measurement additionally accepts a leading minus sign.
func Decode(b []byte) (Message, error) {
	d := decoder{buf: b}
	var m Message
	seen := 0

	d.skipSpace()
	if !d.consume('{') {
		return Message{}, d.fail(ErrMalformed, "")
	}
	d.skipSpace()
	if !d.consume('}') {
		for {
			d.skipSpace()
			keyStart := d.pos
			name, err := d.key()
			if err != nil {
				return Message{}, err
			}
			flag := flagFor(name)
			if flag == 0 || seen&flag != 0 {
				return Message{}, &DecodeError{Kind: ErrMalformed, Field: name, Offset: keyStart}
			}
			d.skipSpace()
			if !d.consume(':') {
				return Message{}, d.fail(ErrMalformed, name)
			}
			d.skipSpace()
			switch flag {
			case flagDeviceID:
				m.DeviceID, err = d.unsigned(name)
			case flagSerialID:
				m.SerialID, err = d.unsigned(name)
			case flagTimestamp:
				m.Timestamp, err = d.unsigned(name)
			case flagMeasurement:
				m.Measurement, err = d.signed(name)
			}
			if err != nil {
				return Message{}, err
			}
			seen |= flag

			d.skipSpace()
			if d.consume('}') {
				break
			}
			if !d.consume(',') {
				return Message{}, d.fail(ErrMalformed, "")
			}
		}
	}

	d.skipSpace()
	if d.pos != len(d.buf) {
		return Message{}, d.fail(ErrMalformed, "")
	}
	if seen != flagAll {
		return Message{}, &DecodeError{Kind: ErrMissingField, Field: missingField(seen), Offset: d.pos}
	}
	return m, nil
}

func flagFor(name string) int {
	for _, f := range fieldFlags {
		if f.name == name {
			return f.flag
		}
	}
	return 0
}

func missingField(seen int) string {
	for _, f := range fieldFlags {
		if seen&f.flag == 0 {
			return f.name
		}
	}
	return ""
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) fail(kind error, field string) error {
	return &DecodeError{Kind: kind, Field: field, Offset: d.pos}
}

func (d *decoder) skipSpace() {
	for d.pos < len(d.buf) && isSpace(d.buf[d.pos]) {
		d.pos++
	}
}

func (d *decoder) consume(c byte) bool {
	if d.pos < len(d.buf) && d.buf[d.pos] == c {
		d.pos++
		return true
	}
	return false
}

// key reads a quoted member name. Only lowercase letters and underscores
// can form a known key, so anything else is rejected on the spot.
func (d *decoder) key() (string, error) {
	if !d.consume('"') {
		return "", d.fail(ErrMalformed, "")
	}
	start := d.pos
	for d.pos < len(d.buf) && d.buf[d.pos] != '"' {
		c := d.buf[d.pos]
		if c != '_' && (c < 'a' || c > 'z') {
			return "", d.fail(ErrMalformed, "")
		}
		d.pos++
	}
	if d.pos >= len(d.buf) {
		return "", d.fail(ErrMalformed, "")
	}
	name := string(d.buf[start:d.pos])
	d.pos++
	return name, nil
}

func (d *decoder) digits() []byte {
	start := d.pos
	for d.pos < len(d.buf) && isDigit(d.buf[d.pos]) {
		d.pos++
	}
	return d.buf[start:d.pos]
}

func (d *decoder) unsigned(field string) (uint64, error) {
	start := d.pos
	if d.pos < len(d.buf) && d.buf[d.pos] == '-' {
		return 0, d.fail(ErrSignDomain, field)
	}
	lit := d.digits()
	if len(lit) == 0 {
		return 0, d.fail(ErrMalformed, field)
	}
	v, err := strconv.ParseUint(string(lit), 10, 64)
	if err != nil {
		return 0, numberError(err, field, start)
	}
	return v, nil
}

func (d *decoder) signed(field string) (int64, error) {
	start := d.pos
	d.consume('-')
	if len(d.digits()) == 0 {
		return 0, d.fail(ErrMalformed, field)
	}
	v, err := strconv.ParseInt(string(d.buf[start:d.pos]), 10, 64)
	if err != nil {
		return 0, numberError(err, field, start)
	}
	return v, nil
}

func numberError(err error, field string, offset int) error {
	kind := ErrMalformed
	if errors.Is(err, strconv.ErrRange) {
		kind = ErrOverflow
	}
	return &DecodeError{Kind: kind, Field: field, Offset: offset}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
