package codec

import (
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// JSONMode keys struct fields by their json tags whatever msgpack tags they
// carry. Each struct type gets a field table, built once and cached.

type jsonField struct {
	name      string
	index     []int
	omitEmpty bool
}

type jsonFields struct {
	list   []jsonField
	byName map[string]int
}

var (
	fieldCache sync.Map // reflect.Type -> *jsonFields
	walkCache  sync.Map // reflect.Type -> bool

	timeType          = reflect.TypeOf(time.Time{})
	customEncoderType = reflect.TypeOf((*msgpack.CustomEncoder)(nil)).Elem()
	marshalerType     = reflect.TypeOf((*msgpack.Marshaler)(nil)).Elem()
	customDecoderType = reflect.TypeOf((*msgpack.CustomDecoder)(nil)).Elem()
	unmarshalerType   = reflect.TypeOf((*msgpack.Unmarshaler)(nil)).Elem()
)

func fieldsOf(t reflect.Type) *jsonFields {
	if f, ok := fieldCache.Load(t); ok {
		return f.(*jsonFields)
	}
	fs := &jsonFields{byName: make(map[string]int)}
	collectFields(t, nil, fs)
	f, _ := fieldCache.LoadOrStore(t, fs)
	return f.(*jsonFields)
}

func collectFields(t reflect.Type, prefix []int, fs *jsonFields) {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag := sf.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		index := append(append([]int(nil), prefix...), i)
		// untagged embedded structs are flattened, as encoding/json does
		if sf.Anonymous && name == "" && sf.IsExported() && sf.Type.Kind() == reflect.Struct {
			collectFields(sf.Type, index, fs)
			continue
		}
		if !sf.IsExported() {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		if _, dup := fs.byName[name]; dup {
			continue
		}
		fs.byName[name] = len(fs.list)
		fs.list = append(fs.list, jsonField{name: name, index: index, omitEmpty: opts == "omitempty"})
	}
}

// needsWalk reports whether values of t may hold structs that msgpack would
// key by their msgpack tags.
func needsWalk(t reflect.Type) bool {
	if w, ok := walkCache.Load(t); ok {
		return w.(bool)
	}
	// a self-referencing type sees true while it is being computed
	walkCache.Store(t, true)
	w := computeWalk(t)
	walkCache.Store(t, w)
	return w
}

func computeWalk(t reflect.Type) bool {
	if t == timeType || t.Implements(customEncoderType) || t.Implements(marshalerType) ||
		reflect.PointerTo(t).Implements(customDecoderType) || reflect.PointerTo(t).Implements(unmarshalerType) {
		return false
	}
	switch t.Kind() {
	case reflect.Struct, reflect.Interface:
		return true
	case reflect.Pointer, reflect.Slice, reflect.Array, reflect.Map:
		return needsWalk(t.Elem())
	}
	return false
}

func encodeJSON(e *msgpack.Encoder, v reflect.Value) error {
	if !v.IsValid() {
		return e.EncodeNil()
	}
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return e.EncodeNil()
		}
		return encodeJSON(e, v.Elem())
	}
	if !needsWalk(v.Type()) {
		return e.EncodeValue(v)
	}
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return e.EncodeNil()
		}
		return encodeJSON(e, v.Elem())
	case reflect.Struct:
		fs := fieldsOf(v.Type())
		values := make([]reflect.Value, 0, len(fs.list))
		names := make([]string, 0, len(fs.list))
		for _, f := range fs.list {
			fv := v.FieldByIndex(f.index)
			if f.omitEmpty && fv.IsZero() {
				continue
			}
			values = append(values, fv)
			names = append(names, f.name)
		}
		if err := e.EncodeMapLen(len(values)); err != nil {
			return err
		}
		for i, fv := range values {
			if err := e.EncodeString(names[i]); err != nil {
				return err
			}
			if err := encodeJSON(e, fv); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return e.EncodeNil()
		}
		if err := e.EncodeArrayLen(v.Len()); err != nil {
			return err
		}
		for i := 0; i < v.Len(); i++ {
			if err := encodeJSON(e, v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if v.IsNil() {
			return e.EncodeNil()
		}
		if err := e.EncodeMapLen(v.Len()); err != nil {
			return err
		}
		iter := v.MapRange()
		for iter.Next() {
			if err := e.EncodeValue(iter.Key()); err != nil {
				return err
			}
			if err := encodeJSON(e, iter.Value()); err != nil {
				return err
			}
		}
		return nil
	}
	return e.EncodeValue(v)
}

func decodeJSON(d *msgpack.Decoder, v reflect.Value) error {
	t := v.Type()
	if t.Kind() == reflect.Interface || !needsWalk(t) {
		return d.DecodeValue(v)
	}
	code, err := d.PeekCode()
	if err != nil {
		return err
	}
	if code == msgpcode.Nil {
		v.SetZero()
		return d.DecodeNil()
	}
	switch t.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			v.Set(reflect.New(t.Elem()))
		}
		return decodeJSON(d, v.Elem())
	case reflect.Struct:
		n, err := d.DecodeMapLen()
		if err != nil {
			return err
		}
		fs := fieldsOf(t)
		for i := 0; i < n; i++ {
			name, err := d.DecodeString()
			if err != nil {
				return err
			}
			idx, ok := fs.byName[name]
			if !ok {
				if err := d.Skip(); err != nil {
					return err
				}
				continue
			}
			if err := decodeJSON(d, v.FieldByIndex(fs.list[idx].index)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		n, err := d.DecodeArrayLen()
		if err != nil {
			return err
		}
		s := reflect.MakeSlice(t, n, n)
		for i := 0; i < n; i++ {
			if err := decodeJSON(d, s.Index(i)); err != nil {
				return err
			}
		}
		v.Set(s)
		return nil
	case reflect.Array:
		n, err := d.DecodeArrayLen()
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if i >= v.Len() {
				if err := d.Skip(); err != nil {
					return err
				}
				continue
			}
			if err := decodeJSON(d, v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		n, err := d.DecodeMapLen()
		if err != nil {
			return err
		}
		m := reflect.MakeMapWithSize(t, n)
		for i := 0; i < n; i++ {
			k := reflect.New(t.Key()).Elem()
			if err := d.DecodeValue(k); err != nil {
				return err
			}
			val := reflect.New(t.Elem()).Elem()
			if err := decodeJSON(d, val); err != nil {
				return err
			}
			m.SetMapIndex(k, val)
		}
		v.Set(m)
		return nil
	}
	return d.DecodeValue(v)
}
