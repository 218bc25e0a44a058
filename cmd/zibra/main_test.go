package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zibra/client"
	"zibra/server"
)

type counter struct{ N float64 }

func startServer(t *testing.T) (*server.Server, *client.Client) {
	t.Helper()
	l := logrus.New()
	l.Out = io.Discard
	s := server.NewServer(server.WithLogger(logrus.NewEntry(l)), server.WithErrorDelay(0))
	require.NoError(t, s.AddFunction("echo", func(v any) any { return v }))
	require.NoError(t, s.AddFunction("bump", func(c *counter) { c.N++ }))
	require.NoError(t, s.Publish("news", time.Second, 2*time.Second))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(ln)
	t.Cleanup(func() { s.Shutdown(time.Second) })

	c := client.NewClient([]string{"tcp://" + ln.Addr().String()}, client.WithLogger(logrus.NewEntry(l)))
	t.Cleanup(func() { c.Close() })
	return s, c
}

func TestParseArgs(t *testing.T) {
	args := parseArgs([]string{"1", `"quoted"`, "bare", `{"a":[1,2]}`, "true"})
	assert.Equal(t, []any{float64(1), "quoted", "bare", map[string]any{"a": []any{float64(1), float64(2)}}, true}, args)
}

func TestCall(t *testing.T) {
	_, c := startServer(t)
	var out bytes.Buffer
	require.NoError(t, call(context.Background(), c, &out, "echo", []string{`{"k":"v"}`}, false, false))
	assert.JSONEq(t, `{"k":"v"}`, out.String())

	out.Reset()
	require.NoError(t, call(context.Background(), c, &out, "bump", []string{`{"N":1}`}, true, false))
	assert.JSONEq(t, `{"result":null,"args":[{"N":2}]}`, out.String())
}

func TestList(t *testing.T) {
	_, c := startServer(t)
	var out bytes.Buffer
	require.NoError(t, list(context.Background(), c, &out))
	names := strings.Fields(out.String())
	assert.Contains(t, names, "echo")
	assert.Contains(t, names, "news")
}

func TestSubscribeCommand(t *testing.T) {
	s, c := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- subscribe(ctx, c, &out, "news", "cli") }()

	require.Eventually(t, func() bool { return s.Exists("news", "cli") }, 2*time.Second, 10*time.Millisecond)
	s.Push("news", "cli", "hi")
	require.Eventually(t, func() bool { return strings.Contains(out.String(), `"hi"`) }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
