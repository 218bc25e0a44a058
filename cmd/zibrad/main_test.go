package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zibra/client"
	"zibra/server"
)

func demoServer(t *testing.T) *server.Server {
	t.Helper()
	l := logrus.New()
	l.Out = io.Discard
	s := server.NewServer(server.WithLogger(logrus.NewEntry(l)), server.WithErrorDelay(0))
	require.NoError(t, registerDemo(s, time.Second, 2*time.Second))
	return s
}

func TestHealthz(t *testing.T) {
	ts := httptest.NewServer(newRouter(demoServer(t)))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var h health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
	assert.Greater(t, h.Functions, 3)
}

func TestRoutes(t *testing.T) {
	ts := httptest.NewServer(newRouter(demoServer(t)))
	defer ts.Close()

	c := client.NewClient([]string{ts.URL + "/rpc"})
	defer c.Close()
	var greeting string
	require.NoError(t, c.Invoke(context.Background(), "hello", []any{"world"}, &greeting))
	assert.Equal(t, "Hello world!", greeting)

	ws := client.NewClient([]string{"ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"})
	defer ws.Close()
	var total int
	require.NoError(t, ws.Invoke(context.Background(), "sum", []any{1, 2, 3}, &total))
	assert.Equal(t, 6, total)

	err := c.Invoke(context.Background(), "nothing", nil, nil)
	assert.ErrorContains(t, err, "nothing is not served here")

	resp, err := http.Post(ts.URL+"/healthz", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestTickReachesSubscribers(t *testing.T) {
	s := demoServer(t)
	ts := httptest.NewServer(newRouter(s))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tick(ctx, s, 50*time.Millisecond)

	c := client.NewClient([]string{ts.URL + "/rpc"})
	defer c.Close()
	got := make(chan any, 8)
	_, err := c.Subscribe(context.Background(), timeTopic, "", func(msg any) { got <- msg })
	require.NoError(t, err)

	select {
	case msg := <-got:
		_, err := time.Parse(time.RFC3339, msg.(string))
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("no tick delivered")
	}
}
