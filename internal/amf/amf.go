// Package amf implements the AMF0 value encoding used by RTMP command and
// data messages. Decoded values map onto plain Go types: float64, bool,
// string, nil, [Object], [ECMAArray], []any, [Date] and [Undefined].
package amf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
)

// AMF0 type markers.
const (
	markerNumber      byte = 0x00
	markerBoolean     byte = 0x01
	markerString      byte = 0x02
	markerObject      byte = 0x03
	markerNull        byte = 0x05
	markerUndefined   byte = 0x06
	markerReference   byte = 0x07
	markerECMAArray   byte = 0x08
	markerObjectEnd   byte = 0x09
	markerStrictArray byte = 0x0a
	markerDate        byte = 0x0b
	markerLongString  byte = 0x0c
)

// maxNesting bounds object/array recursion so a hostile payload cannot
// exhaust the stack.
const maxNesting = 32

// Object is an AMF0 anonymous object.
type Object map[string]any

// ECMAArray is an AMF0 associative array. It decodes like an Object but
// keeps its own marker on re-encode.
type ECMAArray map[string]any

// Date is an AMF0 date: milliseconds since the Unix epoch plus a timezone
// offset that encoders are expected to leave at zero.
type Date struct {
	Millis   float64
	Timezone int16
}

// Undefined is the AMF0 undefined value.
type Undefined struct{}

var (
	// ErrUnsupportedMarker is returned when decoding hits a type marker
	// this codec does not understand (AMF3 switch, references, etc.).
	ErrUnsupportedMarker = errors.New("amf: unsupported type marker")
	// ErrUnsupportedType is returned when encoding a Go value that has no
	// AMF0 representation.
	ErrUnsupportedType = errors.New("amf: unsupported Go type")
	// ErrTooDeep is returned when nesting exceeds maxNesting.
	ErrTooDeep = errors.New("amf: nesting too deep")
)

// Decoder reads consecutive AMF0 values from a byte slice.
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder returns a Decoder over data. The decoder does not copy data;
// decoded strings are copies, so the caller may reuse data afterwards.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{buf: data}
}

// Len returns the number of undecoded bytes.
func (d *Decoder) Len() int { return len(d.buf) - d.off }

// Decode reads the next value.
func (d *Decoder) Decode() (any, error) {
	return d.decode(0)
}

// DecodeAll reads values until the input is exhausted.
func DecodeAll(data []byte) ([]any, error) {
	d := NewDecoder(data)
	var vals []any
	for d.Len() > 0 {
		v, err := d.Decode()
		if err != nil {
			return vals, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}

func (d *Decoder) decode(depth int) (any, error) {
	if depth > maxNesting {
		return nil, ErrTooDeep
	}
	marker, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch marker {
	case markerNumber:
		return d.readNumber()
	case markerBoolean:
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case markerString:
		return d.readString()
	case markerLongString:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		return d.readUTF8(int(n))
	case markerObject:
		props, err := d.readProperties(depth)
		if err != nil {
			return nil, err
		}
		return Object(props), nil
	case markerECMAArray:
		// The count is advisory; the property list is still terminated by
		// an object-end marker.
		if _, err := d.readUint32(); err != nil {
			return nil, err
		}
		props, err := d.readProperties(depth)
		if err != nil {
			return nil, err
		}
		return ECMAArray(props), nil
	case markerStrictArray:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		if int(n) > d.Len() {
			return nil, fmt.Errorf("amf: strict array of %d elements exceeds payload", n)
		}
		arr := make([]any, 0, n)
		for i := uint32(0); i < n; i++ {
			v, err := d.decode(depth + 1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case markerDate:
		ms, err := d.readNumber()
		if err != nil {
			return nil, err
		}
		tz, err := d.take(2)
		if err != nil {
			return nil, err
		}
		return Date{Millis: ms, Timezone: int16(binary.BigEndian.Uint16(tz))}, nil
	case markerNull:
		return nil, nil
	case markerUndefined:
		return Undefined{}, nil
	default:
		return nil, fmt.Errorf("%w 0x%02x", ErrUnsupportedMarker, marker)
	}
}

func (d *Decoder) readProperties(depth int) (map[string]any, error) {
	props := make(map[string]any)
	for {
		name, err := d.readString()
		if err != nil {
			return nil, err
		}
		if name == "" {
			if d.Len() > 0 && d.buf[d.off] == markerObjectEnd {
				d.off++
				return props, nil
			}
		}
		v, err := d.decode(depth + 1)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		props[name] = v
	}
}

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || d.Len() < n {
		return nil, io.ErrUnexpectedEOF
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *Decoder) readByte() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) readUint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *Decoder) readNumber() (float64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (d *Decoder) readString() (string, error) {
	b, err := d.take(2)
	if err != nil {
		return "", err
	}
	return d.readUTF8(int(binary.BigEndian.Uint16(b)))
}

func (d *Decoder) readUTF8(n int) (string, error) {
	b, err := d.take(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Encode appends the AMF0 encoding of each value to dst and returns the
// extended slice.
func Encode(dst []byte, vals ...any) ([]byte, error) {
	var err error
	for _, v := range vals {
		dst, err = encode(dst, v, 0)
		if err != nil {
			return dst, err
		}
	}
	return dst, nil
}

// MustEncode is Encode for values built from literals in this module. It
// panics on unsupported types, which indicates a programming error.
func MustEncode(vals ...any) []byte {
	b, err := Encode(nil, vals...)
	if err != nil {
		panic(err)
	}
	return b
}

func encode(dst []byte, v any, depth int) ([]byte, error) {
	if depth > maxNesting {
		return dst, ErrTooDeep
	}
	switch val := v.(type) {
	case nil:
		return append(dst, markerNull), nil
	case Undefined:
		return append(dst, markerUndefined), nil
	case float64:
		return appendNumber(dst, val), nil
	case float32:
		return appendNumber(dst, float64(val)), nil
	case int:
		return appendNumber(dst, float64(val)), nil
	case int32:
		return appendNumber(dst, float64(val)), nil
	case int64:
		return appendNumber(dst, float64(val)), nil
	case uint32:
		return appendNumber(dst, float64(val)), nil
	case uint64:
		return appendNumber(dst, float64(val)), nil
	case bool:
		b := byte(0)
		if val {
			b = 1
		}
		return append(dst, markerBoolean, b), nil
	case string:
		if len(val) > math.MaxUint16 {
			dst = append(dst, markerLongString)
			dst = binary.BigEndian.AppendUint32(dst, uint32(len(val)))
			return append(dst, val...), nil
		}
		dst = append(dst, markerString)
		return appendUTF8(dst, val), nil
	case Object:
		dst = append(dst, markerObject)
		return appendProperties(dst, val, depth)
	case map[string]any:
		dst = append(dst, markerObject)
		return appendProperties(dst, val, depth)
	case ECMAArray:
		dst = append(dst, markerECMAArray)
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(val)))
		return appendProperties(dst, val, depth)
	case []any:
		dst = append(dst, markerStrictArray)
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(val)))
		var err error
		for _, e := range val {
			if dst, err = encode(dst, e, depth+1); err != nil {
				return dst, err
			}
		}
		return dst, nil
	case Date:
		dst = append(dst, markerDate)
		dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(val.Millis))
		return binary.BigEndian.AppendUint16(dst, uint16(val.Timezone)), nil
	default:
		return dst, fmt.Errorf("%w %T", ErrUnsupportedType, v)
	}
}

// appendProperties writes properties in sorted key order so encodings are
// deterministic.
func appendProperties(dst []byte, props map[string]any, depth int) ([]byte, error) {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var err error
	for _, k := range keys {
		dst = appendUTF8(dst, k)
		if dst, err = encode(dst, props[k], depth+1); err != nil {
			return dst, fmt.Errorf("property %q: %w", k, err)
		}
	}
	return append(dst, 0x00, 0x00, markerObjectEnd), nil
}

func appendNumber(dst []byte, f float64) []byte {
	dst = append(dst, markerNumber)
	return binary.BigEndian.AppendUint64(dst, math.Float64bits(f))
}

func appendUTF8(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}
