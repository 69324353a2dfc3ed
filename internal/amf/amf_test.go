package amf

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestEncodeConnectCommand(t *testing.T) {
	t.Parallel()

	got := MustEncode("connect", 1.0)
	want := []byte{
		0x02, 0x00, 0x07, 'c', 'o', 'n', 'n', 'e', 'c', 't',
		0x00, 0x3f, 0xf0, 0, 0, 0, 0, 0, 0,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("encoding mismatch:\n got %x\nwant %x", got, want)
	}
}

func TestDecodeValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"number", 42.5, 42.5},
		{"int widens to number", 7, 7.0},
		{"bool", true, true},
		{"string", "live", "live"},
		{"null", nil, nil},
		{"undefined", Undefined{}, Undefined{}},
		{"object", Object{"app": "live", "tcUrl": "rtmp://x/live"}, Object{"app": "live", "tcUrl": "rtmp://x/live"}},
		{"ecma array", ECMAArray{"width": 1280.0}, ECMAArray{"width": 1280.0}},
		{"strict array", []any{1.0, "two", false}, []any{1.0, "two", false}},
		{"date", Date{Millis: 1000}, Date{Millis: 1000}},
		{"nested", Object{"inner": Object{"level": "status"}}, Object{"inner": Object{"level": "status"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data, err := Encode(nil, tt.in)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := NewDecoder(data).Decode()
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeAllCommandPayload(t *testing.T) {
	t.Parallel()

	payload := MustEncode("publish", 5.0, nil, "alpha", "live")
	vals, err := DecodeAll(payload)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(vals) != 5 {
		t.Fatalf("got %d values, want 5", len(vals))
	}
	if vals[0] != "publish" || vals[3] != "alpha" {
		t.Errorf("unexpected values: %v", vals)
	}
}

func TestDecodeTruncated(t *testing.T) {
	t.Parallel()

	payload := MustEncode(ECMAArray{"duration": 0.0})
	for n := 1; n < len(payload); n++ {
		if _, err := NewDecoder(payload[:n]).Decode(); err == nil {
			t.Errorf("truncated at %d: expected error", n)
		}
	}
}

func TestDecodeUnsupportedMarker(t *testing.T) {
	t.Parallel()

	_, err := NewDecoder([]byte{0x11}).Decode()
	if !errors.Is(err, ErrUnsupportedMarker) {
		t.Errorf("got %v, want ErrUnsupportedMarker", err)
	}
}

func TestEncodeUnsupportedType(t *testing.T) {
	t.Parallel()

	_, err := Encode(nil, struct{}{})
	if !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("got %v, want ErrUnsupportedType", err)
	}
}

func TestDecodeTooDeep(t *testing.T) {
	t.Parallel()

	var data []byte
	for i := 0; i < maxNesting+2; i++ {
		data = append(data, markerStrictArray, 0, 0, 0, 1)
	}
	data = append(data, markerNull)
	if _, err := NewDecoder(data).Decode(); !errors.Is(err, ErrTooDeep) {
		t.Errorf("got %v, want ErrTooDeep", err)
	}
}

func TestPropertyAccessors(t *testing.T) {
	t.Parallel()

	obj := Object{"app": "live", "objectEncoding": 0.0}
	if s, ok := StringProp(obj, "app"); !ok || s != "live" {
		t.Errorf("StringProp: got %q/%v", s, ok)
	}
	if _, ok := StringProp(obj, "missing"); ok {
		t.Error("StringProp: missing key reported present")
	}
	if f, ok := NumberProp(obj, "objectEncoding"); !ok || f != 0 {
		t.Errorf("NumberProp: got %v/%v", f, ok)
	}
	if Properties("not an object") != nil {
		t.Error("Properties of a string should be nil")
	}
}
