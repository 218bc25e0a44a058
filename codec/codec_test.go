package codec

import (
	"bytes"
	"testing"
)

type point struct {
	X    int    `msgpack:"x" json:"px"`
	Y    int    `msgpack:"y" json:"py"`
	Name string `msgpack:"name" json:"label"`
}

func TestFieldModes(t *testing.T) {
	in := point{X: 1, Y: 2, Name: "origin"}

	for _, mode := range []FieldMode{MemberMode, JSONMode, ArrayMode} {
		opts := Options{Mode: mode}
		data, err := Marshal(in, opts)
		if err != nil {
			t.Fatalf("%s: marshal failed: %v", mode, err)
		}

		var out point
		if err := Unmarshal(data, &out, opts); err != nil {
			t.Fatalf("%s: unmarshal failed: %v", mode, err)
		}
		if out != in {
			t.Errorf("%s: got %+v, want %+v", mode, out, in)
		}
	}
}

func TestJSONModeUsesJSONTags(t *testing.T) {
	data, err := Marshal(point{Name: "a"}, Options{Mode: JSONMode})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := Unmarshal(data, &m, Options{}); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["label"]; !ok {
		t.Fatalf("expect json tag key 'label', got %v", m)
	}
}

type route struct {
	Stops  []point          `msgpack:"stops" json:"path"`
	Start  *point           `msgpack:"start" json:"from"`
	ByName map[string]point `msgpack:"by_name" json:"index"`
	Note   string           `msgpack:"note" json:"note,omitempty"`
	Skip   string           `msgpack:"skip" json:"-"`
	Extra  any              `msgpack:"extra" json:"extra"`
}

func TestJSONModeNestedStructs(t *testing.T) {
	in := route{
		Stops:  []point{{X: 1, Name: "a"}, {Y: 2, Name: "b"}},
		Start:  &point{X: 9},
		ByName: map[string]point{"c": {X: 3}},
		Skip:   "not sent",
		Extra:  point{Name: "dyn"},
	}
	opts := Options{Mode: JSONMode}
	data, err := Marshal(in, opts)
	if err != nil {
		t.Fatal(err)
	}

	var m map[string]any
	if err := Unmarshal(data, &m, Options{}); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"path", "from", "index", "extra"} {
		if _, ok := m[key]; !ok {
			t.Fatalf("expect key %q, got %v", key, m)
		}
	}
	if _, ok := m["note"]; ok {
		t.Fatalf("empty omitempty field was sent: %v", m)
	}
	if _, ok := m["Skip"]; ok {
		t.Fatalf("json:\"-\" field was sent: %v", m)
	}
	stops := m["path"].([]any)
	if _, ok := stops[0].(map[string]any)["label"]; !ok {
		t.Fatalf("expect nested json tags, got %v", stops[0])
	}
	if _, ok := m["extra"].(map[string]any)["label"]; !ok {
		t.Fatalf("expect json tags inside interface values, got %v", m["extra"])
	}

	var out route
	if err := Unmarshal(data, &out, opts); err != nil {
		t.Fatal(err)
	}
	if len(out.Stops) != 2 || out.Stops[1] != in.Stops[1] {
		t.Fatalf("stops: got %+v", out.Stops)
	}
	if out.Start == nil || *out.Start != *in.Start {
		t.Fatalf("start: got %+v", out.Start)
	}
	if out.ByName["c"] != in.ByName["c"] || out.Skip != "" {
		t.Fatalf("got %+v", out)
	}
}

func TestSimpleIsSmaller(t *testing.T) {
	full, err := Marshal(int64(7), Options{})
	if err != nil {
		t.Fatal(err)
	}
	compact, err := Marshal(int64(7), Options{Simple: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(compact) >= len(full) {
		t.Fatalf("compact encoding (%d bytes) should be shorter than full (%d bytes)", len(compact), len(full))
	}
}

// The frame codec relies on the decoder stopping exactly at the end of a value.
func TestDecoderLeavesTrailingBytes(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, Options{})
	if err := enc.Encode("hello"); err != nil {
		t.Fatal(err)
	}
	buf.WriteByte('z')

	r := bytes.NewReader(buf.Bytes())
	var s string
	if err := NewDecoder(r, Options{}).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if s != "hello" {
		t.Fatalf("got %q", s)
	}
	tag, err := r.ReadByte()
	if err != nil || tag != 'z' {
		t.Fatalf("expect trailing 'z', got %q (%v)", tag, err)
	}
}

func TestParseFieldMode(t *testing.T) {
	cases := map[string]FieldMode{"": MemberMode, "member": MemberMode, "JSON": JSONMode, "array": ArrayMode}
	for in, want := range cases {
		got, err := ParseFieldMode(in)
		if err != nil || got != want {
			t.Errorf("ParseFieldMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseFieldMode("xml"); err == nil {
		t.Error("expect error for unknown mode")
	}
}
