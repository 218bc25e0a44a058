package server

import (
	"context"
	"net"
	"net/http"
	"sync"
)

// Context describes the call being served. A method receives it by declaring
// a trailing *server.Context parameter, or through FromContext.
type Context struct {
	Server  *Server
	Conn    net.Conn      // socket transports only
	Request *http.Request // http and websocket transports only
	Method  *Method
	ByRef   bool

	mu     sync.Mutex
	values map[string]any
}

// Set stores a value for the rest of the call.
func (c *Context) Set(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = v
}

func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// forCall copies the transport fields for one call of a batch.
func (c *Context) forCall(m *Method, byref bool) *Context {
	return &Context{Server: c.Server, Conn: c.Conn, Request: c.Request, Method: m, ByRef: byref}
}

type contextKey struct{}

func withContext(ctx context.Context, sc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, sc)
}

// FromContext returns the *Context of the call ctx belongs to.
func FromContext(ctx context.Context) (*Context, bool) {
	sc, ok := ctx.Value(contextKey{}).(*Context)
	return sc, ok
}
