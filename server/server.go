// Package server implements the RPC server: method registration, batch
// dispatch, long-poll topics and the socket, HTTP and WebSocket front ends.
//
// Request processing pipeline:
//
//	transport → input filters → decode call → resolve method (name, arg count)
//	  → middleware chain → method (sync, Future, or oneway in the background)
//	  → encode result → … next call of the batch … → end tag → output filters → transport
package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"zibra/codec"
	"zibra/filter"
	"zibra/logger"
	"zibra/message"
	"zibra/middleware"
	"zibra/push"
	"zibra/registry"
)

const (
	DefaultErrorDelay = 10 * time.Second
	DefaultMaxOneway  = 1024
)

// Server is the RPC server that registers methods and handles incoming requests.
type Server struct {
	methods     *methodTable
	missing     *Method
	broker      *push.Broker
	log         *logrus.Entry
	filters     filter.Chain
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(callMethod)))
	oneway      errgroup.Group

	debug        bool
	errorDelay   time.Duration
	fieldMode    codec.FieldMode
	idleTimeout  time.Duration
	getFunctions bool
	cors         *cors.Cors

	registry      registry.Registry
	serviceName   string
	advertiseURIs []string // URIs registered in etcd, routable unlike the listen address
	registryTTL   int64

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup // in-flight requests, for graceful shutdown
	shutdown  atomic.Bool
}

type Option func(*Server)

func WithLogger(log *logrus.Entry) Option {
	return func(s *Server) { s.log = log }
}

// WithDebug puts stack traces into the error responses of failing and
// panicking methods.
func WithDebug(on bool) Option {
	return func(s *Server) { s.debug = on }
}

// WithErrorDelay sets how long a response to a request that failed as a whole
// (bad envelope, filter error) is held back. Zero disables the delay.
func WithErrorDelay(d time.Duration) Option {
	return func(s *Server) { s.errorDelay = d }
}

// WithFieldMode selects how struct fields map to wire fields.
func WithFieldMode(mode codec.FieldMode) Option {
	return func(s *Server) { s.fieldMode = mode }
}

func WithFilter(filters ...filter.Filter) Option {
	return func(s *Server) { s.filters = append(s.filters, filters...) }
}

func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) { s.middlewares = append(s.middlewares, mws...) }
}

// WithMaxOneway bounds how many oneway methods run at once.
func WithMaxOneway(n int) Option {
	return func(s *Server) { s.oneway.SetLimit(n) }
}

// WithIdleTimeout closes socket connections that send nothing for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// WithCrossDomain enables CORS on the HTTP handler and lets browsers open
// WebSocket connections from the given origins (any origin when none given).
func WithCrossDomain(origins ...string) Option {
	return func(s *Server) {
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		s.cors = cors.New(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		})
	}
}

// WithGetFunctions controls whether an HTTP GET returns the method list.
func WithGetFunctions(on bool) Option {
	return func(s *Server) { s.getFunctions = on }
}

// WithRegistry registers every advertised URI under serviceName when the
// server starts serving, and deregisters them on Shutdown.
func WithRegistry(reg registry.Registry, serviceName string, ttl int64, advertiseURIs ...string) Option {
	return func(s *Server) {
		s.registry = reg
		s.serviceName = serviceName
		s.registryTTL = ttl
		s.advertiseURIs = advertiseURIs
	}
}

// NewServer creates a server with no methods registered.
func NewServer(opts ...Option) *Server {
	s := &Server{
		methods:      newMethodTable(),
		errorDelay:   DefaultErrorDelay,
		getFunctions: true,
		listeners:    make(map[net.Listener]struct{}),
		conns:        make(map[net.Conn]struct{}),
		registryTTL:  10,
	}
	s.oneway.SetLimit(DefaultMaxOneway)
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.WithPrefix("server")
	}
	s.broker = push.NewBroker(s.log.WithField("component", "push"))
	s.buildHandler()
	return s
}

// Use registers a middleware. Middlewares are applied in the order they are added.
// Call it before serving.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
	s.buildHandler()
}

// buildHandler builds the middleware chain once, not per request:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
func (s *Server) buildHandler() {
	s.handler = middleware.Chain(s.middlewares...)(s.callMethod)
}

// AddFunction registers fn under name. Calls resolve by lower-cased name
// and the number of arguments, so one name may carry several arities.
func (s *Server) AddFunction(name string, fn any, opts ...MethodOption) error {
	m, err := newMethod(name, reflect.ValueOf(fn), opts)
	if err != nil {
		return err
	}
	s.methods.add(m)
	return nil
}

// AddMethods registers the exported methods of rcvr. With a namespace the
// methods are published as namespace_Method.
func (s *Server) AddMethods(rcvr any, namespace string, opts ...MethodOption) error {
	methods, err := exportedMethods(rcvr)
	if err != nil {
		return err
	}
	for name, fn := range methods {
		if namespace != "" {
			name = namespace + "_" + name
		}
		m, err := newMethod(name, fn, opts)
		if err != nil {
			s.log.WithError(err).WithField("method", name).Debug("skipping method")
			continue
		}
		s.methods.add(m)
	}
	return nil
}

// AddMissingMethod installs the handler for calls nothing else matches.
func (s *Server) AddMissingMethod(fn MissingMethod, opts ...MethodOption) {
	s.missing = newMissingMethod(fn, opts)
}

// Remove unregisters every arity of name.
func (s *Server) Remove(name string) {
	s.methods.remove(name)
}

// Functions returns the registered method names in registration order.
func (s *Server) Functions() []string {
	return s.methods.list()
}

// Handle serves one request buffer and returns the response buffer. It never
// fails: errors are encoded as error frames.
func (s *Server) Handle(ctx context.Context, data []byte, sc *Context) []byte {
	if sc == nil {
		sc = &Context{}
	}
	sc.Server = s

	in, err := s.filters.Input(ctx, data)
	if err == nil {
		var resp []byte
		if resp, err = s.dispatch(ctx, in, sc); err == nil {
			var out []byte
			if out, err = s.filters.Output(ctx, resp); err == nil {
				return out
			}
		}
	}
	return s.failure(ctx, err)
}

// failure answers a request that could not be served at all. The answer is
// held back by the error delay to slow down misbehaving clients.
func (s *Server) failure(ctx context.Context, err error) []byte {
	s.log.WithError(err).Warn("request failed")
	if s.errorDelay > 0 {
		timer := time.NewTimer(s.errorDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
	return message.EncodeError(err.Error())
}

func (s *Server) dispatch(ctx context.Context, data []byte, sc *Context) ([]byte, error) {
	if len(data) == 0 {
		return nil, message.Errorf(message.KindUnexpectedEOF, "empty request")
	}
	if len(data) == 1 && data[0] == message.TagEnd {
		return message.EncodeFunctions(s.Functions()), nil
	}

	opts := codec.Options{Mode: s.fieldMode}
	r := message.NewReader(data, opts)
	tag, err := r.ReadTag()
	if err != nil {
		return nil, err
	}
	if tag != message.TagCall {
		return nil, message.Errorf(message.KindProtocol, "unexpected tag %q at start of request", tag)
	}

	var buf bytes.Buffer
	for {
		call, next, err := r.ReadCall()
		if err != nil {
			return nil, err
		}
		if whole := s.serveCall(ctx, sc, call, &buf); whole != nil {
			return whole, nil
		}
		if next == message.TagEnd {
			break
		}
	}
	buf.WriteByte(message.TagEnd)
	return buf.Bytes(), nil
}

// serveCall appends the sub-response for one call to buf. A method in
// RawWithEndTag mode answers for the whole request; its bytes are returned.
func (s *Server) serveCall(ctx context.Context, sc *Context, call *message.Call, buf *bytes.Buffer) []byte {
	w := message.NewWriter(buf, codec.Options{Mode: s.fieldMode})

	m := s.methods.get(call.Name, len(call.Args))
	if m == nil {
		m = s.missing
	}
	if m == nil {
		w.WriteError(fmt.Sprintf("can't find method %s with %d arguments", call.Name, len(call.Args)))
		return nil
	}
	args, err := s.decodeArgs(m, call.Args)
	if err != nil {
		w.WriteError(err.Error())
		return nil
	}

	ctx = withContext(ctx, sc.forCall(m, call.ByRef))
	mc := &middleware.Call{
		Name: call.Name,
		Args: args,
		Settings: &message.InvokeSettings{
			ByRef:     call.ByRef,
			Oneway:    m.Oneway,
			Simple:    m.Simple,
			Mode:      m.Mode,
			FieldMode: s.fieldMode,
		},
	}

	if m.Oneway {
		ctx = context.WithoutCancel(ctx)
		s.oneway.Go(func() error {
			if err := s.handler(ctx, mc); err != nil {
				s.log.WithError(err).WithField("method", call.Name).Error("oneway call failed")
			}
			return nil
		})
		w.WriteResult(nil)
		return nil
	}

	if err := s.handler(ctx, mc); err != nil {
		w.WriteError(err.Error())
		return nil
	}

	mark := buf.Len()
	w = message.NewWriter(buf, codec.Options{Simple: m.Simple, Mode: s.fieldMode})
	switch m.Mode {
	case message.Normal:
		err = w.WriteResult(mc.Result)
	case message.Serialized:
		w.WriteSerialized(rawResult(mc.Result))
	case message.Raw:
		w.WriteRaw(rawResult(mc.Result))
		return nil
	case message.RawWithEndTag:
		return rawResult(mc.Result)
	}
	if err == nil && call.ByRef {
		err = w.WriteArgs(mc.Args)
	}
	if err != nil {
		buf.Truncate(mark)
		w.WriteError(fmt.Sprintf("encode result of %s: %v", call.Name, err))
	}
	return nil
}

func rawResult(v any) []byte {
	b, _ := v.([]byte)
	return b
}

func (s *Server) decodeArgs(m *Method, raw []codec.RawMessage) ([]any, error) {
	opts := codec.Options{Mode: s.fieldMode}
	args := make([]any, len(raw))
	for i, data := range raw {
		v := reflect.New(m.argType(i))
		if err := codec.Unmarshal(data, v.Interface(), opts); err != nil {
			return nil, fmt.Errorf("decode argument %d of %s: %w", i, m.Name, err)
		}
		args[i] = v.Elem().Interface()
	}
	return args, nil
}

// callMethod is the innermost handler of the middleware chain.
func (s *Server) callMethod(ctx context.Context, call *middleware.Call) (err error) {
	sc, _ := FromContext(ctx)
	defer func() {
		if p := recover(); p != nil {
			if s.debug {
				err = fmt.Errorf("%v\n%s", p, debug.Stack())
			} else {
				err = fmt.Errorf("%v", p)
			}
			s.log.WithField("method", call.Name).Errorf("panic: %v", p)
		}
	}()
	call.Result, err = sc.Method.call(ctx, sc, call.Name, call.Args)
	if err != nil && s.debug {
		err = fmt.Errorf("%w\n%s", err, debug.Stack())
	}
	return err
}
