package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"zibra/message"
)

// Future is a result that is not ready yet. A method may return one; the
// dispatcher waits for it before encoding the response.
type Future interface {
	Await(ctx context.Context) (any, error)
}

// FutureFunc adapts a function to Future.
type FutureFunc func(ctx context.Context) (any, error)

func (f FutureFunc) Await(ctx context.Context) (any, error) { return f(ctx) }

// Go runs fn in a new goroutine and returns a Future for its result.
func Go(fn func() (any, error)) Future {
	type outcome struct {
		v   any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn()
		ch <- outcome{v, err}
	}()
	var once sync.Once
	var res outcome
	return FutureFunc(func(ctx context.Context) (any, error) {
		select {
		case o := <-ch:
			once.Do(func() { res = o })
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return res.v, res.err
	})
}

// MethodOption tunes how a registered method is encoded and invoked.
type MethodOption func(*Method)

// WithResultMode sets how the method's result is written. For every mode but
// Normal the method must return []byte.
func WithResultMode(mode message.ResultMode) MethodOption {
	return func(m *Method) { m.Mode = mode }
}

// WithSimpleResult encodes the result compactly.
func WithSimpleResult() MethodOption {
	return func(m *Method) { m.Simple = true }
}

// WithOneway runs the method in the background and answers at once.
func WithOneway() MethodOption {
	return func(m *Method) { m.Oneway = true }
}

type paramKind byte

const (
	paramContext paramKind = iota + 1 // context.Context
	paramServerContext                // *server.Context
	paramConn                         // net.Conn
	paramRequest                      // *http.Request
)

var (
	errorType         = reflect.TypeOf((*error)(nil)).Elem()
	contextType       = reflect.TypeOf((*context.Context)(nil)).Elem()
	serverContextType = reflect.TypeOf((*Context)(nil))
	connType          = reflect.TypeOf((*net.Conn)(nil)).Elem()
	requestType       = reflect.TypeOf((*http.Request)(nil))
)

func contextualKind(t reflect.Type) paramKind {
	switch t {
	case contextType:
		return paramContext
	case serverContextType:
		return paramServerContext
	case connType:
		return paramConn
	case requestType:
		return paramRequest
	}
	return 0
}

// MissingMethod handles calls no registered method matches.
type MissingMethod func(ctx context.Context, name string, args []any) (any, error)

// Method is a registered function. It is immutable after registration.
type Method struct {
	Name   string
	Mode   message.ResultMode
	Simple bool
	Oneway bool

	fn         reflect.Value
	leadingCtx bool           // first parameter is a context.Context
	argTypes   []reflect.Type // caller supplied parameters; the last is a slice when variadic
	trailing   []paramKind    // parameters filled in by the dispatcher
	variadic   bool
	hasError   bool // last result is error
	hasValue   bool
	missing    MissingMethod
}

// newMethod inspects fn. Accepted shapes:
//
//	func([context.Context,] args..., [context.Context|*Context|net.Conn|*http.Request]...) [T] [error]
func newMethod(name string, fn reflect.Value, opts []MethodOption) (*Method, error) {
	if fn.Kind() != reflect.Func || fn.IsNil() {
		return nil, fmt.Errorf("rpc: %s must be a function, got %s", name, fn.Kind())
	}
	typ := fn.Type()
	m := &Method{Name: name, fn: fn, variadic: typ.IsVariadic()}

	first, n := 0, typ.NumIn()
	if n > 0 && typ.In(0) == contextType {
		m.leadingCtx = true
		first = 1
	}
	if !m.variadic {
		for n > first {
			kind := contextualKind(typ.In(n - 1))
			if kind == 0 {
				break
			}
			m.trailing = append([]paramKind{kind}, m.trailing...)
			n--
		}
	}
	for i := first; i < n; i++ {
		m.argTypes = append(m.argTypes, typ.In(i))
	}

	switch typ.NumOut() {
	case 0:
	case 1:
		if typ.Out(0) == errorType {
			m.hasError = true
		} else {
			m.hasValue = true
		}
	case 2:
		if typ.Out(1) != errorType {
			return nil, fmt.Errorf("rpc: %s second result must be error", name)
		}
		m.hasValue, m.hasError = true, true
	default:
		return nil, fmt.Errorf("rpc: %s returns too many values", name)
	}

	for _, opt := range opts {
		opt(m)
	}
	if m.Mode != message.Normal && m.hasValue && typ.Out(0) != reflect.TypeOf([]byte(nil)) {
		return nil, fmt.Errorf("rpc: %s uses result mode %s and must return []byte", name, m.Mode)
	}
	return m, nil
}

func newMissingMethod(fn MissingMethod, opts []MethodOption) *Method {
	m := &Method{Name: "*", missing: fn, variadic: true, hasValue: true, hasError: true}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// arity is the lookup key: the number of caller supplied arguments, or -1
// for variadic methods.
func (m *Method) arity() int {
	if m.variadic {
		return -1
	}
	return len(m.argTypes)
}

// accepts reports whether a variadic method can take n arguments.
func (m *Method) accepts(n int) bool {
	if !m.variadic {
		return n == len(m.argTypes)
	}
	return m.missing != nil || n >= len(m.argTypes)-1
}

// argType is the type argument i is decoded into.
func (m *Method) argType(i int) reflect.Type {
	if m.missing != nil {
		return anyType
	}
	if m.variadic && i >= len(m.argTypes)-1 {
		return m.argTypes[len(m.argTypes)-1].Elem()
	}
	return m.argTypes[i]
}

var anyType = reflect.TypeOf((*any)(nil)).Elem()

// call invokes the method. args are the decoded caller arguments.
func (m *Method) call(ctx context.Context, sc *Context, name string, args []any) (any, error) {
	if m.missing != nil {
		return m.missing(ctx, name, args)
	}
	in := make([]reflect.Value, 0, len(args)+len(m.trailing)+1)
	if m.leadingCtx {
		in = append(in, reflect.ValueOf(&ctx).Elem())
	}
	for i, arg := range args {
		t := m.argType(i)
		if arg == nil {
			in = append(in, reflect.Zero(t))
			continue
		}
		v := reflect.ValueOf(arg)
		if !v.Type().AssignableTo(t) {
			if !v.Type().ConvertibleTo(t) {
				return nil, fmt.Errorf("argument %d: cannot use %s as %s", i, v.Type(), t)
			}
			v = v.Convert(t)
		}
		in = append(in, v)
	}
	for _, kind := range m.trailing {
		switch kind {
		case paramContext:
			in = append(in, reflect.ValueOf(&ctx).Elem())
		case paramServerContext:
			in = append(in, reflect.ValueOf(sc))
		case paramConn:
			in = append(in, reflect.ValueOf(&sc.Conn).Elem())
		case paramRequest:
			in = append(in, reflect.ValueOf(sc.Request))
		}
	}

	out := m.fn.Call(in)

	var result any
	var err error
	if m.hasError {
		if e := out[len(out)-1]; !e.IsNil() {
			err = e.Interface().(error)
		}
	}
	if m.hasValue {
		result = out[0].Interface()
	}
	if err != nil {
		return nil, err
	}
	if f, ok := result.(Future); ok {
		return f.Await(ctx)
	}
	return result, nil
}

// methodTable maps lower-cased name and arity to a method.
type methodTable struct {
	mu      sync.RWMutex
	methods map[string]map[int]*Method
	names   []string
}

func newMethodTable() *methodTable {
	return &methodTable{methods: make(map[string]map[int]*Method)}
}

func (t *methodTable) add(m *Method) {
	key := strings.ToLower(m.Name)
	t.mu.Lock()
	defer t.mu.Unlock()
	byArity, ok := t.methods[key]
	if !ok {
		byArity = make(map[int]*Method)
		t.methods[key] = byArity
		t.names = append(t.names, m.Name)
	}
	byArity[m.arity()] = m
}

func (t *methodTable) remove(name string) {
	key := strings.ToLower(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.methods[key]; !ok {
		return
	}
	delete(t.methods, key)
	for i, n := range t.names {
		if strings.ToLower(n) == key {
			t.names = append(t.names[:i], t.names[i+1:]...)
			break
		}
	}
}

func (t *methodTable) get(name string, n int) *Method {
	t.mu.RLock()
	defer t.mu.RUnlock()
	byArity := t.methods[strings.ToLower(name)]
	if m, ok := byArity[n]; ok {
		return m
	}
	if m, ok := byArity[-1]; ok && m.accepts(n) {
		return m
	}
	return nil
}

func (t *methodTable) list() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.names...)
}

// exportedMethods lists rcvr's exported methods as bound function values.
func exportedMethods(rcvr any) (map[string]reflect.Value, error) {
	val := reflect.ValueOf(rcvr)
	if !val.IsValid() {
		return nil, fmt.Errorf("rpc: nil receiver")
	}
	typ := val.Type()
	methods := make(map[string]reflect.Value)
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if !method.IsExported() {
			continue
		}
		methods[method.Name] = val.Method(i)
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("rpc: %s has no exported methods", typ)
	}
	return methods, nil
}
