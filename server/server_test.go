package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zibra/codec"
	"zibra/filter"
	"zibra/message"
	"zibra/middleware"
	"zibra/protocol"
)

type Point struct {
	X, Y int
}

type Arith struct{}

func (a *Arith) Add(x, y int) int { return x + y }

func (a *Arith) Div(x, y int) (int, error) {
	if y == 0 {
		return 0, errors.New("division by zero")
	}
	return x / y, nil
}

func (a *Arith) Move(p *Point, dx int) {
	p.X += dx
	p.Y += dx
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return logrus.NewEntry(l)
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger()), WithErrorDelay(0)}, opts...)
	s := NewServer(opts...)
	require.NoError(t, s.AddFunction("echo", func(v any) any { return v }))
	require.NoError(t, s.AddMethods(&Arith{}, ""))
	return s
}

func call(t *testing.T, s *Server, name string, args []any, reply any, settings *message.InvokeSettings) error {
	t.Helper()
	if settings == nil {
		settings = &message.InvokeSettings{}
	}
	req, err := message.EncodeCall(name, args, settings)
	require.NoError(t, err)
	resp := s.Handle(context.Background(), req, nil)
	return message.DecodeResult(resp, reply, args, settings)
}

func TestEcho(t *testing.T) {
	s := newTestServer(t)
	var reply string
	require.NoError(t, call(t, s, "echo", []any{"hi"}, &reply, nil))
	assert.Equal(t, "hi", reply)
}

func TestResolveByLowerCaseNameAndArity(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.AddFunction("hello", func() string { return "hello, world" }))
	require.NoError(t, s.AddFunction("Hello", func(name string) string { return "hello, " + name }))

	var reply string
	require.NoError(t, call(t, s, "HELLO", nil, &reply, nil))
	assert.Equal(t, "hello, world", reply)
	require.NoError(t, call(t, s, "hello", []any{"bob"}, &reply, nil))
	assert.Equal(t, "hello, bob", reply)

	err := call(t, s, "hello", []any{"a", "b"}, &reply, nil)
	assert.True(t, errors.Is(err, message.ErrRemote), "got %v", err)
	assert.Contains(t, err.Error(), "can't find method hello with 2 arguments")

	var sum int
	require.NoError(t, call(t, s, "add", []any{2, 3}, &sum, nil))
	assert.Equal(t, 5, sum)
}

func TestVariadicMethod(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.AddFunction("sum", func(xs ...int) int {
		total := 0
		for _, x := range xs {
			total += x
		}
		return total
	}))
	var reply int
	require.NoError(t, call(t, s, "sum", []any{1, 2, 3, 4}, &reply, nil))
	assert.Equal(t, 10, reply)
	require.NoError(t, call(t, s, "sum", nil, &reply, nil))
	assert.Equal(t, 0, reply)
}

func TestBatchIsolatesErrors(t *testing.T) {
	s := newTestServer(t)
	var a, c int
	var b any
	entries := []*message.BatchEntry{
		{Name: "add", Args: []any{1, 2}, Reply: &a},
		{Name: "nope", Args: []any{1}, Reply: &b},
		{Name: "div", Args: []any{1, 0}, Reply: &b},
		{Name: "div", Args: []any{9, 3}, Reply: &c},
	}
	settings := &message.InvokeSettings{}
	req, err := message.EncodeBatch(entries, settings)
	require.NoError(t, err)

	resp := s.Handle(context.Background(), req, nil)
	require.NoError(t, message.DecodeResults(resp, entries, settings))

	assert.NoError(t, entries[0].Err)
	assert.Equal(t, 3, a)
	assert.ErrorIs(t, entries[1].Err, message.ErrRemote)
	assert.EqualError(t, entries[2].Err, "remote error: division by zero")
	assert.NoError(t, entries[3].Err)
	assert.Equal(t, 3, c)
}

func TestPanicBecomesError(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.AddFunction("boom", func() int { panic("kaboom") }))

	err := call(t, s, "boom", nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.NotContains(t, err.Error(), "goroutine")

	debug := newTestServer(t, WithDebug(true))
	require.NoError(t, debug.AddFunction("boom", func() int { panic("kaboom") }))
	err = call(t, debug, "boom", nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "goroutine", "debug mode carries the stack")
}

func TestDebugStackOnReturnedError(t *testing.T) {
	fail := func() (int, error) { return 0, errors.New("no such row") }

	s := newTestServer(t)
	require.NoError(t, s.AddFunction("fail", fail))
	err := call(t, s, "fail", nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such row")
	assert.NotContains(t, err.Error(), "goroutine")

	debug := newTestServer(t, WithDebug(true))
	require.NoError(t, debug.AddFunction("fail", fail))
	err = call(t, debug, "fail", nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such row")
	assert.Contains(t, err.Error(), "goroutine", "debug mode carries the stack")
}

func TestByRef(t *testing.T) {
	s := newTestServer(t)
	p := &Point{X: 1, Y: 2}
	args := []any{p, 10}
	require.NoError(t, call(t, s, "move", args, nil, &message.InvokeSettings{ByRef: true}))
	assert.Equal(t, Point{X: 11, Y: 12}, *p)
}

func TestOnewayRunsInBackground(t *testing.T) {
	s := newTestServer(t)
	var hits atomic.Int32
	release := make(chan struct{})
	require.NoError(t, s.AddFunction("log", func(msg string) {
		<-release
		hits.Add(1)
	}, WithOneway()))

	start := time.Now()
	var reply any
	require.NoError(t, call(t, s, "log", []any{"x"}, &reply, nil))
	assert.Nil(t, reply)
	assert.Less(t, time.Since(start), time.Second, "oneway must not wait for the method")

	close(release)
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFutureResult(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.AddFunction("later", func(x int) Future {
		return Go(func() (any, error) {
			time.Sleep(10 * time.Millisecond)
			return x * 2, nil
		})
	}))
	var reply int
	require.NoError(t, call(t, s, "later", []any{21}, &reply, nil))
	assert.Equal(t, 42, reply)
}

func TestResultModes(t *testing.T) {
	s := newTestServer(t)
	encoded, err := codec.Marshal("pre-encoded", codec.Options{})
	require.NoError(t, err)

	require.NoError(t, s.AddFunction("serialized", func() []byte { return encoded },
		WithResultMode(message.Serialized)))
	rawEntry := append([]byte{message.TagResult}, encoded...)
	require.NoError(t, s.AddFunction("raw", func() []byte { return rawEntry },
		WithResultMode(message.Raw)))
	whole := append(append([]byte(nil), rawEntry...), message.TagEnd)
	require.NoError(t, s.AddFunction("whole", func() []byte { return whole },
		WithResultMode(message.RawWithEndTag)))

	for _, name := range []string{"serialized", "raw", "whole"} {
		var reply string
		require.NoError(t, call(t, s, name, nil, &reply, nil), name)
		assert.Equal(t, "pre-encoded", reply, name)
	}

	err = s.AddFunction("bad", func() string { return "" }, WithResultMode(message.Raw))
	assert.Error(t, err, "non-normal result modes need []byte")
}

func TestMissingMethod(t *testing.T) {
	s := newTestServer(t)
	s.AddMissingMethod(func(ctx context.Context, name string, args []any) (any, error) {
		return fmt.Sprintf("%s/%d", name, len(args)), nil
	})
	var reply string
	require.NoError(t, call(t, s, "whatever", []any{1, "two"}, &reply, nil))
	assert.Equal(t, "whatever/2", reply)

	// registered methods still win
	require.NoError(t, call(t, s, "echo", []any{"x"}, &reply, nil))
	assert.Equal(t, "x", reply)
}

func TestFunctions(t *testing.T) {
	s := newTestServer(t)
	resp := s.Handle(context.Background(), message.FunctionsRequest, nil)
	names, err := message.DecodeFunctions(resp)
	require.NoError(t, err)
	assert.Contains(t, names, "echo")
	assert.Contains(t, names, "Add")
	assert.Contains(t, names, "Move")

	s.Remove("echo")
	assert.NotContains(t, s.Functions(), "echo")
}

func TestMalformedRequestIsDelayed(t *testing.T) {
	s := newTestServer(t, WithErrorDelay(50*time.Millisecond))
	for _, req := range [][]byte{{}, []byte("X"), []byte("Cbroken")} {
		start := time.Now()
		resp := s.Handle(context.Background(), req, nil)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
		err := message.DecodeResult(resp, nil, nil, &message.InvokeSettings{})
		assert.ErrorIs(t, err, message.ErrRemote, "%q", req)
	}
}

func TestFilters(t *testing.T) {
	z, err := filter.NewZstd(zstd.SpeedFastest)
	require.NoError(t, err)
	s := newTestServer(t, WithFilter(z))

	settings := &message.InvokeSettings{}
	req, err := message.EncodeCall("echo", []any{"compressed"}, settings)
	require.NoError(t, err)
	packed, err := z.Output(context.Background(), req)
	require.NoError(t, err)

	resp, err := z.Input(context.Background(), s.Handle(context.Background(), packed, nil))
	require.NoError(t, err)
	var reply string
	require.NoError(t, message.DecodeResult(resp, &reply, nil, settings))
	assert.Equal(t, "compressed", reply)

	// an unfiltered request fails the input filter
	resp = s.Handle(context.Background(), req, nil)
	assert.ErrorIs(t, message.DecodeResult(resp, nil, nil, settings), message.ErrRemote)
}

func TestMiddleware(t *testing.T) {
	var seen []string
	trace := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, call *middleware.Call) error {
			seen = append(seen, call.Name)
			return next(ctx, call)
		}
	}
	s := newTestServer(t, WithMiddleware(trace))
	s.Use(middleware.RateLimitMiddleware(0, 1))

	var reply string
	require.NoError(t, call(t, s, "echo", []any{"a"}, &reply, nil))
	err := call(t, s, "echo", []any{"b"}, &reply, nil)
	assert.ErrorIs(t, err, message.ErrRemote)
	assert.Contains(t, err.Error(), middleware.ErrRateLimited.Error())
	assert.Equal(t, []string{"echo", "echo"}, seen)
}

func TestContextParameters(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.AddFunction("whoami", func(prefix string, ctx context.Context, sc *Context) string {
		fromCtx, ok := FromContext(ctx)
		if !ok || fromCtx.Method != sc.Method {
			return "mismatch"
		}
		return prefix + sc.Method.Name
	}))
	var reply string
	require.NoError(t, call(t, s, "whoami", []any{"I am "}, &reply, nil))
	assert.Equal(t, "I am whoami", reply)
}

func startSocketServer(t *testing.T, s *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()
	t.Cleanup(func() {
		assert.NoError(t, s.Shutdown(time.Second))
		assert.NoError(t, <-served, "Serve returns nil after Shutdown")
	})
	return ln.Addr().String()
}

func roundTrip(t *testing.T, conn net.Conn, h protocol.Header, body []byte) (*protocol.Header, []byte) {
	t.Helper()
	h.BodyLen = uint32(len(body))
	require.NoError(t, protocol.Encode(conn, &h, body))
	rh, resp, err := protocol.Decode(conn)
	require.NoError(t, err)
	return rh, resp
}

func TestServeSocket(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.AddFunction("remote", func(conn net.Conn) string {
		return conn.LocalAddr().String()
	}))
	addr := startSocketServer(t, s)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	settings := &message.InvokeSettings{}
	req, err := message.EncodeCall("echo", []any{"half"}, settings)
	require.NoError(t, err)
	rh, resp := roundTrip(t, conn, protocol.Header{}, req)
	assert.False(t, rh.FullDuplex)
	var reply string
	require.NoError(t, message.DecodeResult(resp, &reply, nil, settings))
	assert.Equal(t, "half", reply)

	req, err = message.EncodeCall("remote", nil, settings)
	require.NoError(t, err)
	rh, resp = roundTrip(t, conn, protocol.Header{FullDuplex: true, ID: 77}, req)
	assert.True(t, rh.FullDuplex)
	assert.Equal(t, uint32(77), rh.ID, "response carries the request id")
	require.NoError(t, message.DecodeResult(resp, &reply, nil, settings))
	assert.Equal(t, addr, reply)
}

func TestServeHTTP(t *testing.T) {
	s := newTestServer(t, WithCrossDomain())
	require.NoError(t, s.AddFunction("agent", func(r *http.Request) string { return r.UserAgent() }))
	srv := httptest.NewServer(s.HTTPHandler())
	defer srv.Close()

	settings := &message.InvokeSettings{}
	req, err := message.EncodeCall("agent", nil, settings)
	require.NoError(t, err)
	httpReq, err := http.NewRequest(http.MethodPost, srv.URL, bytes.NewReader(req))
	require.NoError(t, err)
	httpReq.Header.Set("User-Agent", "zibra-test")
	httpReq.Header.Set("Origin", "http://example.com")
	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	var reply string
	require.NoError(t, message.DecodeResult(body, &reply, nil, settings))
	assert.Equal(t, "zibra-test", reply)

	resp, err = http.Get(srv.URL)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	names, err := message.DecodeFunctions(body)
	require.NoError(t, err)
	assert.Contains(t, names, "agent")

	httpReq, _ = http.NewRequest(http.MethodPut, srv.URL, nil)
	resp, err = http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestGetFunctionsDisabled(t *testing.T) {
	s := newTestServer(t, WithGetFunctions(false))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPublishAndPush(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Publish("news", time.Second, 2*time.Second))

	var id string
	require.NoError(t, call(t, s, IDMethod, nil, &id, nil))
	require.NotEmpty(t, id)

	got := make(chan any, 1)
	go func() {
		var reply any
		assert.NoError(t, call(t, s, "news", []any{id}, &reply, nil))
		got <- reply
	}()

	// the subscriber appears together with its held poll
	require.Eventually(t, func() bool { return s.Exists("news", id) }, time.Second, 5*time.Millisecond)
	start := time.Now()
	assert.True(t, <-s.Push("news", id, "update"))
	assert.Equal(t, "update", <-got)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{id}, s.IDList("news"))
}

func TestPeerCloseReleasesHeldPoll(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Publish("news", 5*time.Second, 10*time.Second))
	addr := startSocketServer(t, s)
	settings := &message.InvokeSettings{}
	req, err := message.EncodeCall("news", []any{"gone"}, settings)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(conn, &protocol.Header{BodyLen: uint32(len(req))}, req))
	require.Eventually(t, func() bool { return s.Exists("news", "gone") }, time.Second, 5*time.Millisecond)
	conn.Close()
	time.Sleep(100 * time.Millisecond)

	// the abandoned poll is gone, so the message waits for the next one
	delivered := s.Push("news", "gone", "update")
	select {
	case <-delivered:
		t.Fatal("push resolved against a poll whose connection is closed")
	case <-time.After(50 * time.Millisecond):
	}

	conn2, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn2.Close()
	_, resp := roundTrip(t, conn2, protocol.Header{}, req)
	var reply string
	require.NoError(t, message.DecodeResult(resp, &reply, nil, settings))
	assert.Equal(t, "update", reply)
	assert.True(t, <-delivered)
}

func TestPollTimeoutAnswersNil(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Publish("news", 50*time.Millisecond, time.Second))

	reply := any("sentinel")
	require.NoError(t, call(t, s, "news", []any{"x"}, &reply, nil))
	assert.Nil(t, reply)

	assert.True(t, s.Unpublish("news"))
	err := call(t, s, "news", []any{"x"}, &reply, nil)
	assert.ErrorIs(t, err, message.ErrRemote)
}

func TestShutdownRejectsNewServe(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Shutdown(time.Second))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Serve(ln), ErrServerClosed)
}

func TestListen(t *testing.T) {
	ln, err := Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ln.Addr().String(), "127.0.0.1:"))
	ln.Close()

	_, err = Listen("http://127.0.0.1:0")
	assert.Error(t, err)
}
