package message

import (
	"fmt"
	"strings"
	"time"

	"zibra/codec"
)

// ResultMode selects how a result value crosses the frame layer.
type ResultMode byte

const (
	Normal        ResultMode = iota // fully (de)serialized value
	Serialized                      // value bytes passed through without decoding
	Raw                             // whole response passed through, end tag stripped
	RawWithEndTag                   // whole response passed through untouched
)

func (m ResultMode) String() string {
	switch m {
	case Serialized:
		return "serialized"
	case Raw:
		return "raw"
	case RawWithEndTag:
		return "raw-with-end-tag"
	}
	return "normal"
}

// ParseResultMode is the inverse of ResultMode.String.
func ParseResultMode(s string) (ResultMode, error) {
	switch strings.ToLower(s) {
	case "", "normal":
		return Normal, nil
	case "serialized":
		return Serialized, nil
	case "raw":
		return Raw, nil
	case "raw-with-end-tag":
		return RawWithEndTag, nil
	}
	return Normal, fmt.Errorf("unknown result mode %q", s)
}

// InvokeSettings is the per-call configuration bag. A client holds one as its
// defaults; every call works on its own copy, and only that copy is mutated
// (the retry countdown).
type InvokeSettings struct {
	Timeout    time.Duration
	Retry      int // retries remaining
	Idempotent bool
	Failswitch bool
	ByRef      bool
	Oneway     bool
	Async      bool
	Simple     bool
	Mode       ResultMode
	FieldMode  codec.FieldMode
}

// DefaultSettings mirrors the client defaults: 30s timeout, 10 retries, nothing else set.
func DefaultSettings() InvokeSettings {
	return InvokeSettings{
		Timeout: 30 * time.Second,
		Retry:   10,
	}
}

// Clone returns an independent copy.
func (s *InvokeSettings) Clone() *InvokeSettings {
	c := *s
	return &c
}

// CodecOptions returns the value codec options implied by these settings.
func (s *InvokeSettings) CodecOptions() codec.Options {
	return codec.Options{Simple: s.Simple, Mode: s.FieldMode}
}
