package client

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"zibra/codec"
	"zibra/filter"
	"zibra/loadbalance"
	"zibra/message"
	"zibra/middleware"
	"zibra/registry"
)

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the default per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.settings.Timeout = d }
}

// WithRetry sets how many times an idempotent call is retried after a transport failure.
func WithRetry(n int) Option {
	return func(c *Client) { c.settings.Retry = n }
}

func WithIdempotent(on bool) Option {
	return func(c *Client) { c.settings.Idempotent = on }
}

// WithFailswitch moves to another endpoint after a transport failure.
func WithFailswitch(on bool) Option {
	return func(c *Client) { c.settings.Failswitch = on }
}

func WithByRef(on bool) Option {
	return func(c *Client) { c.settings.ByRef = on }
}

// WithSimple encodes arguments compactly.
func WithSimple(on bool) Option {
	return func(c *Client) { c.settings.Simple = on }
}

func WithFieldMode(mode codec.FieldMode) Option {
	return func(c *Client) { c.settings.FieldMode = mode }
}

// WithRetryInterval scales the retry schedule; the default unit is 500ms.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) { c.retryInterval = d }
}

// WithPollTimeout sets the timeout of subscription polls. Keep it longer than
// the topic timeout the server publishes with.
func WithPollTimeout(d time.Duration) Option {
	return func(c *Client) { c.pollTimeout = d }
}

// WithFullDuplex multiplexes calls over socket connections.
func WithFullDuplex(on bool) Option {
	return func(c *Client) { c.topts.FullDuplex = on }
}

func WithMaxPoolSize(n int) Option {
	return func(c *Client) { c.topts.MaxPoolSize = n }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) { c.topts.IdleTimeout = d }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) { c.topts.ConnectTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) { c.topts.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) { c.topts.WriteTimeout = d }
}

func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) { c.topts.TLSConfig = cfg }
}

// WithHeader adds headers to HTTP and WebSocket requests.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.topts.Header = h }
}

func WithFilter(filters ...filter.Filter) Option {
	return func(c *Client) { c.filters = append(c.filters, filters...) }
}

func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mws...) }
}

// WithBalancer picks the failswitch strategy. Random by default.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) { c.balancer = b }
}

// WithRegistry discovers the endpoints of serviceName and follows changes.
func WithRegistry(reg registry.Registry, serviceName string) Option {
	return func(c *Client) {
		c.registry = reg
		c.serviceName = serviceName
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(c *Client) { c.log = log }
}

// WithErrorHandler receives failures nobody waits for: oneway calls,
// async calls and subscriptions.
func WithErrorHandler(fn func(name string, err error)) Option {
	return func(c *Client) { c.onError = fn }
}

// CallOption overrides a client default for one call.
type CallOption func(*message.InvokeSettings)

func Timeout(d time.Duration) CallOption {
	return func(s *message.InvokeSettings) { s.Timeout = d }
}

func Retry(n int) CallOption {
	return func(s *message.InvokeSettings) { s.Retry = n }
}

func Idempotent(on bool) CallOption {
	return func(s *message.InvokeSettings) { s.Idempotent = on }
}

func Failswitch(on bool) CallOption {
	return func(s *message.InvokeSettings) { s.Failswitch = on }
}

func ByRef(on bool) CallOption {
	return func(s *message.InvokeSettings) { s.ByRef = on }
}

func Simple(on bool) CallOption {
	return func(s *message.InvokeSettings) { s.Simple = on }
}

// Oneway sends the call without waiting for the response.
func Oneway() CallOption {
	return func(s *message.InvokeSettings) { s.Oneway = true }
}

// Mode selects how the result is decoded. For every mode but Normal the
// reply must be a *[]byte.
func Mode(m message.ResultMode) CallOption {
	return func(s *message.InvokeSettings) { s.Mode = m }
}
