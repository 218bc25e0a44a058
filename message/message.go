// Package message implements the call envelope exchanged between client and server.
//
// A request is one or more calls followed by an end tag; a response holds one
// result or error per call, in order, followed by an end tag:
//
//	request:   C <name> [a <args>] [t]  C <name> ...  z
//	response:  R <value> [A <args>]     E <message>   z
//	introspect: z                  ->   F <names> z
//
// Tags are single bytes. Everything between tags is a value written by package codec.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"

	"zibra/codec"
)

// Frame tags.
const (
	TagCall      byte = 'C'
	TagResult    byte = 'R'
	TagError     byte = 'E'
	TagArgument  byte = 'A' // updated argument block in a response
	TagList      byte = 'a' // argument list in a request
	TagTrue      byte = 't' // byref marker in a request
	TagFunctions byte = 'F'
	TagEnd       byte = 'z'
)

// FunctionsRequest asks a server for its registered method names.
var FunctionsRequest = []byte{TagEnd}

// Writer appends tags and values to a buffer.
type Writer struct {
	buf *bytes.Buffer
	enc *codec.Encoder
}

// NewWriter returns a Writer appending to buf.
func NewWriter(buf *bytes.Buffer, opts codec.Options) *Writer {
	return &Writer{buf: buf, enc: codec.NewEncoder(buf, opts)}
}

// WriteCall writes a call marker, the name, and the argument list when there
// are arguments or byref is requested, followed by the byref marker if set.
func (w *Writer) WriteCall(name string, args []any, byref bool) error {
	w.buf.WriteByte(TagCall)
	if err := w.enc.EncodeString(name); err != nil {
		return err
	}
	if len(args) > 0 || byref {
		w.buf.WriteByte(TagList)
		if err := w.writeList(args); err != nil {
			return err
		}
		if byref {
			w.buf.WriteByte(TagTrue)
		}
	}
	return nil
}

// WriteResult writes a result marker followed by v.
func (w *Writer) WriteResult(v any) error {
	w.buf.WriteByte(TagResult)
	return w.enc.Encode(v)
}

// WriteSerialized writes a result marker followed by an already encoded value.
func (w *Writer) WriteSerialized(value []byte) {
	w.buf.WriteByte(TagResult)
	w.buf.Write(value)
}

// WriteRaw copies bytes to the output unchanged.
func (w *Writer) WriteRaw(data []byte) {
	w.buf.Write(data)
}

// WriteArgs writes the updated argument block.
func (w *Writer) WriteArgs(args []any) error {
	w.buf.WriteByte(TagArgument)
	return w.writeList(args)
}

// WriteError writes an error marker followed by msg.
func (w *Writer) WriteError(msg string) error {
	w.buf.WriteByte(TagError)
	return w.enc.EncodeString(msg)
}

// WriteFunctions writes the method name list used for introspection.
func (w *Writer) WriteFunctions(names []string) error {
	w.buf.WriteByte(TagFunctions)
	return w.enc.Encode(names)
}

// WriteEnd terminates the frame.
func (w *Writer) WriteEnd() {
	w.buf.WriteByte(TagEnd)
}

func (w *Writer) writeList(args []any) error {
	if err := w.enc.EncodeArrayLen(len(args)); err != nil {
		return err
	}
	for _, a := range args {
		if err := w.enc.Encode(a); err != nil {
			return err
		}
	}
	return nil
}

// Reader consumes tags and values from a frame.
type Reader struct {
	data []byte
	r    *bytes.Reader
	dec  *codec.Decoder
}

// NewReader returns a Reader over data.
func NewReader(data []byte, opts codec.Options) *Reader {
	r := bytes.NewReader(data)
	return &Reader{data: data, r: r, dec: codec.NewDecoder(r, opts)}
}

// ReadTag returns the next tag byte.
func (r *Reader) ReadTag() (byte, error) {
	tag, err := r.r.ReadByte()
	if err != nil {
		return 0, &Error{Kind: KindUnexpectedEOF, Message: "missing tag", Err: err}
	}
	return tag, nil
}

// PeekTag returns the next tag byte without consuming it.
func (r *Reader) PeekTag() (byte, error) {
	tag, err := r.ReadTag()
	if err != nil {
		return 0, err
	}
	_ = r.r.UnreadByte()
	return tag, nil
}

// ReadString decodes a string value.
func (r *Reader) ReadString() (string, error) {
	s, err := r.dec.DecodeString()
	return s, r.valueErr(err)
}

// ReadValue decodes a value into v. A nil v skips the value. A *any is
// cleared first so whatever it held is replaced rather than decoded into.
func (r *Reader) ReadValue(v any) error {
	if v == nil {
		return r.valueErr(r.dec.Skip())
	}
	if p, ok := v.(*any); ok && p != nil {
		*p = nil
	}
	return r.valueErr(r.dec.Decode(v))
}

// ReadRaw returns the next value still encoded.
func (r *Reader) ReadRaw() (codec.RawMessage, error) {
	raw, err := r.dec.DecodeRaw()
	return raw, r.valueErr(err)
}

// ReadRawList reads a list and returns its elements still encoded.
func (r *Reader) ReadRawList() ([]codec.RawMessage, error) {
	n, err := r.dec.DecodeArrayLen()
	if err != nil {
		return nil, r.valueErr(err)
	}
	if n < 0 {
		return nil, nil
	}
	list := make([]codec.RawMessage, n)
	for i := range list {
		if list[i], err = r.ReadRaw(); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// Remaining reports how many bytes are left.
func (r *Reader) Remaining() int {
	return r.r.Len()
}

func (r *Reader) valueErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &Error{Kind: KindUnexpectedEOF, Message: "truncated value", Err: err}
	}
	return &Error{Kind: KindProtocol, Message: "bad value", Err: err}
}

// Call is one decoded request entry. Arguments stay encoded until the
// dispatcher knows the target parameter types.
type Call struct {
	Name  string
	Args  []codec.RawMessage
	ByRef bool
}

// ReadCall reads the body of a call whose call marker was already consumed.
// It returns the tag that follows, which is TagCall for a batch or TagEnd.
func (r *Reader) ReadCall() (*Call, byte, error) {
	name, err := r.ReadString()
	if err != nil {
		return nil, 0, err
	}
	c := &Call{Name: name}
	tag, err := r.ReadTag()
	if err != nil {
		return nil, 0, err
	}
	if tag == TagList {
		if c.Args, err = r.ReadRawList(); err != nil {
			return nil, 0, err
		}
		if tag, err = r.ReadTag(); err != nil {
			return nil, 0, err
		}
		if tag == TagTrue {
			c.ByRef = true
			if tag, err = r.ReadTag(); err != nil {
				return nil, 0, err
			}
		}
	}
	if tag != TagCall && tag != TagEnd {
		return nil, 0, unexpectedTag(tag, r.data)
	}
	return c, tag, nil
}

// EncodeCall builds a single-call request.
func EncodeCall(name string, args []any, s *InvokeSettings) ([]byte, error) {
	var buf bytes.Buffer
	w := NewWriter(&buf, s.CodecOptions())
	if err := w.WriteCall(name, args, s.ByRef); err != nil {
		return nil, fmt.Errorf("encode call %s: %w", name, err)
	}
	w.WriteEnd()
	return buf.Bytes(), nil
}

// DecodeResult decodes a single-call response into reply.
//
// reply is a pointer to the result type, or nil to discard it. For the
// Serialized, Raw and RawWithEndTag modes reply must be a *[]byte.
// When the response carries an updated argument block it is copied back into
// args, up to the shorter of the two lengths: pointer elements are decoded in
// place, other elements are replaced with the decoded value.
func DecodeResult(data []byte, reply any, args []any, s *InvokeSettings) error {
	if len(data) == 0 {
		return Errorf(KindUnexpectedEOF, "empty response")
	}
	if data[len(data)-1] != TagEnd {
		return Errorf(KindProtocol, "wrong response: %s", abbreviate(data))
	}
	switch s.Mode {
	case RawWithEndTag:
		return setBytes(reply, data)
	case Raw:
		return setBytes(reply, data[:len(data)-1])
	}

	opts := s.CodecOptions()
	r := NewReader(data, opts)
	tag, err := r.ReadTag()
	if err != nil {
		return err
	}
	if err := decodeEntry(r, tag, reply, args, s.Mode, opts); err != nil {
		return err
	}
	if tag, err = r.ReadTag(); err != nil {
		return err
	}
	if tag != TagEnd {
		return unexpectedTag(tag, data)
	}
	return nil
}

// BatchEntry is one call of a batch, before and after the round trip.
type BatchEntry struct {
	Name  string
	Args  []any
	Reply any
	Err   error // set by DecodeResults when the server reported an error for this call
}

// EncodeBatch builds a request carrying every entry back to back.
func EncodeBatch(entries []*BatchEntry, s *InvokeSettings) ([]byte, error) {
	var buf bytes.Buffer
	w := NewWriter(&buf, s.CodecOptions())
	for _, e := range entries {
		if err := w.WriteCall(e.Name, e.Args, s.ByRef); err != nil {
			return nil, fmt.Errorf("encode call %s: %w", e.Name, err)
		}
	}
	w.WriteEnd()
	return buf.Bytes(), nil
}

// DecodeResults decodes a batch response. Per-call remote errors are stored
// on the entries; the returned error reports an envelope that cannot be parsed.
func DecodeResults(data []byte, entries []*BatchEntry, s *InvokeSettings) error {
	if len(data) == 0 {
		return Errorf(KindUnexpectedEOF, "empty response")
	}
	opts := s.CodecOptions()
	mode := s.Mode
	if mode != Serialized {
		mode = Normal
	}
	r := NewReader(data, opts)
	for _, e := range entries {
		tag, err := r.ReadTag()
		if err != nil {
			return err
		}
		e.Err = nil
		if err := decodeEntry(r, tag, e.Reply, e.Args, mode, opts); err != nil {
			if KindOf(err) != KindRemote {
				return err
			}
			e.Err = err
		}
	}
	tag, err := r.ReadTag()
	if err != nil {
		return err
	}
	if tag != TagEnd {
		return unexpectedTag(tag, data)
	}
	return nil
}

// decodeEntry decodes one RESULT or ERROR sub-response, leaving the reader on the next tag.
func decodeEntry(r *Reader, tag byte, reply any, args []any, mode ResultMode, opts codec.Options) error {
	switch tag {
	case TagResult:
		if mode == Serialized {
			raw, err := r.ReadRaw()
			if err != nil {
				return err
			}
			if err := setBytes(reply, raw); err != nil {
				return err
			}
		} else if err := r.ReadValue(reply); err != nil {
			return err
		}
		next, err := r.PeekTag()
		if err != nil {
			return err
		}
		if next == TagArgument {
			_, _ = r.ReadTag()
			list, err := r.ReadRawList()
			if err != nil {
				return err
			}
			if err := spliceArgs(args, list, opts); err != nil {
				return err
			}
		}
		return nil
	case TagError:
		msg, err := r.ReadString()
		if err != nil {
			return err
		}
		return &Error{Kind: KindRemote, Message: msg}
	}
	return unexpectedTag(tag, r.data)
}

func spliceArgs(args []any, list []codec.RawMessage, opts codec.Options) error {
	n := min(len(args), len(list))
	for i := 0; i < n; i++ {
		if v := reflect.ValueOf(args[i]); v.Kind() == reflect.Pointer && !v.IsNil() {
			if err := codec.Unmarshal(list[i], args[i], opts); err != nil {
				return &Error{Kind: KindProtocol, Message: fmt.Sprintf("argument %d", i), Err: err}
			}
			continue
		}
		var v any
		if err := codec.Unmarshal(list[i], &v, opts); err != nil {
			return &Error{Kind: KindProtocol, Message: fmt.Sprintf("argument %d", i), Err: err}
		}
		args[i] = v
	}
	return nil
}

// EncodeFunctions builds the introspection response.
func EncodeFunctions(names []string) []byte {
	var buf bytes.Buffer
	w := NewWriter(&buf, codec.Options{})
	_ = w.WriteFunctions(names)
	w.WriteEnd()
	return buf.Bytes()
}

// DecodeFunctions parses the introspection response.
func DecodeFunctions(data []byte) ([]string, error) {
	r := NewReader(data, codec.Options{})
	tag, err := r.ReadTag()
	if err != nil {
		return nil, err
	}
	var names []string
	switch tag {
	case TagFunctions:
		if err := r.ReadValue(&names); err != nil {
			return nil, err
		}
	case TagError:
		msg, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		return nil, &Error{Kind: KindRemote, Message: msg}
	default:
		return nil, unexpectedTag(tag, data)
	}
	if tag, err = r.ReadTag(); err != nil {
		return nil, err
	}
	if tag != TagEnd {
		return nil, unexpectedTag(tag, data)
	}
	return names, nil
}

// EncodeError builds a complete error response.
func EncodeError(msg string) []byte {
	var buf bytes.Buffer
	w := NewWriter(&buf, codec.Options{})
	_ = w.WriteError(msg)
	w.WriteEnd()
	return buf.Bytes()
}

func setBytes(reply any, data []byte) error {
	switch p := reply.(type) {
	case nil:
		return nil
	case *[]byte:
		*p = append([]byte(nil), data...)
	case *codec.RawMessage:
		*p = append(codec.RawMessage(nil), data...)
	case *any:
		*p = append([]byte(nil), data...)
	default:
		return fmt.Errorf("raw result needs *[]byte, got %T", reply)
	}
	return nil
}

func unexpectedTag(tag byte, data []byte) error {
	return Errorf(KindProtocol, "unexpected tag %q in %s", tag, abbreviate(data))
}

func abbreviate(data []byte) string {
	const max = 64
	if len(data) > max {
		return fmt.Sprintf("%q...", data[:max])
	}
	return fmt.Sprintf("%q", data)
}
