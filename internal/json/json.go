// Package json wraps bytedance/sonic behind the standard library's
// encoding/json surface. All request and response bodies in the gateway go
// through this package so the codec can be swapped in one place.
package json

import (
	stdjson "encoding/json"
	"io"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/decoder"
	"github.com/bytedance/sonic/encoder"
)

// Marshal returns the JSON encoding of v using sonic.
func Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// MarshalIndent returns the indented JSON encoding of v.
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return sonic.MarshalIndent(v, prefix, indent)
}

// Unmarshal parses the JSON-encoded data and stores the result in v.
func Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// Valid reports whether data is a valid JSON encoding.
func Valid(data []byte) bool {
	return sonic.Valid(data)
}

type (
	// RawMessage is a raw encoded JSON value.
	RawMessage = stdjson.RawMessage

	// Number represents a JSON number literal.
	Number = stdjson.Number
)

// Encoder writes JSON values to an output stream.
type Encoder struct {
	enc *encoder.StreamEncoder
}

// NewEncoder returns a new encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		enc: encoder.NewStreamEncoder(w),
	}
}

// Encode writes the JSON encoding of v to the stream.
func (e *Encoder) Encode(v any) error {
	return e.enc.Encode(v)
}

// SetEscapeHTML specifies whether problematic HTML characters should be escaped.
func (e *Encoder) SetEscapeHTML(on bool) {
	e.enc.SetEscapeHTML(on)
}

// Decoder reads and decodes JSON values from an input stream.
type Decoder struct {
	dec *decoder.StreamDecoder
}

// NewDecoder returns a new decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		dec: decoder.NewStreamDecoder(r),
	}
}

// Decode reads the next JSON-encoded value from its input and stores it in v.
func (d *Decoder) Decode(v any) error {
	return d.dec.Decode(v)
}

// UseNumber causes the Decoder to unmarshal a number into an interface{} as a
// Number instead of float64.
func (d *Decoder) UseNumber() {
	d.dec.UseNumber()
}

// DisallowUnknownFields causes the Decoder to return an error when the
// destination is a struct and the input contains unknown object keys.
func (d *Decoder) DisallowUnknownFields() {
	d.dec.DisallowUnknownFields()
}
