// Package codec serializes individual values for the wire.
//
// Values are encoded as msgpack. The frame layer (package message) interleaves
// single tag bytes with values, so every encoder and decoder here works directly
// on the caller's buffer and never reads ahead of the value it was asked for.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// FieldMode controls how struct fields map to wire fields.
type FieldMode byte

const (
	MemberMode FieldMode = 0 // map keyed by msgpack tag or field name
	JSONMode   FieldMode = 1 // map keyed by json tag
	ArrayMode  FieldMode = 2 // positional array, field names are not sent
)

// ParseFieldMode maps a config string ("member", "json", "array") to a FieldMode.
func ParseFieldMode(s string) (FieldMode, error) {
	switch strings.ToLower(s) {
	case "", "member":
		return MemberMode, nil
	case "json":
		return JSONMode, nil
	case "array":
		return ArrayMode, nil
	}
	return MemberMode, fmt.Errorf("codec: unknown field mode %q", s)
}

func (m FieldMode) String() string {
	switch m {
	case JSONMode:
		return "json"
	case ArrayMode:
		return "array"
	}
	return "member"
}

// Options is the mode flag handed to the codec together with each value.
type Options struct {
	Simple bool      // compact ints and floats
	Mode   FieldMode // struct field mapping
}

// RawMessage is an already serialized value. Encoding it writes the bytes unchanged.
type RawMessage = msgpack.RawMessage

// Encoder writes values to an io.Writer.
type Encoder struct {
	*msgpack.Encoder
	mode FieldMode
}

// Encode writes v. In JSONMode structs are written as maps keyed by their json tags.
func (e *Encoder) Encode(v any) error {
	if e.mode == JSONMode {
		return encodeJSON(e.Encoder, reflect.ValueOf(v))
	}
	return e.Encoder.Encode(v)
}

// Decoder reads values from an io.Reader.
type Decoder struct {
	*msgpack.Decoder
	mode FieldMode
}

// Decode reads the next value into the pointer v.
func (d *Decoder) Decode(v any) error {
	if d.mode != JSONMode {
		return d.Decoder.Decode(v)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("codec: Decode(non-pointer %T)", v)
	}
	return decodeJSON(d.Decoder, rv.Elem())
}

// NewEncoder returns an encoder configured for opts.
// When w implements io.ByteWriter (bytes.Buffer does) no intermediate buffer is used.
func NewEncoder(w io.Writer, opts Options) *Encoder {
	enc := msgpack.NewEncoder(w)
	if opts.Simple {
		enc.UseCompactInts(true)
		enc.UseCompactFloats(true)
	}
	if opts.Mode == ArrayMode {
		enc.UseArrayEncodedStructs(true)
	}
	return &Encoder{Encoder: enc, mode: opts.Mode}
}

// NewDecoder returns a decoder configured for opts.
// r should implement io.ByteScanner (bytes.Reader does) so that the decoder
// consumes exactly one value per call and leaves following tag bytes in place.
func NewDecoder(r io.Reader, opts Options) *Decoder {
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)
	return &Decoder{Decoder: dec, mode: opts.Mode}
}

// Marshal encodes v into a new byte slice.
func Marshal(v any, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf, opts).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes one value from data into v.
func Unmarshal(data []byte, v any, opts Options) error {
	return NewDecoder(bytes.NewReader(data), opts).Decode(v)
}
